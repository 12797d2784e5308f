package http

import (
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"mime"
	"net/http"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/Alexander-D-Karpov/blobfs/internal/domain"
	"github.com/Alexander-D-Karpov/blobfs/internal/server"
	"github.com/Alexander-D-Karpov/blobfs/internal/vfs"
)

// HTTPServer is a read-only browser over the hosted image.
type HTTPServer struct {
	host   *server.Host
	log    *slog.Logger
	tmpl   *template.Template
	server *http.Server
}

type dirEntry struct {
	Name    string
	IsDir   bool
	IsLink  bool
	Target  string
	Size    int64
	ModTime time.Time
}

const indexTemplate = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>Index of {{.Path}}</title>
<style>
body { font: 14px/1.4 monospace; margin: 1.5em 2em; color: #222; }
td { padding: 0 1.5em 0 0; white-space: nowrap; }
td.n { text-align: right; }
p, td.t { color: #777; }
</style>
</head>
<body>
<h2>Index of {{.Path}}</h2>
<p>{{.Usage}}</p>
<table>
{{- if ne .Path "/"}}
<tr><td><a href="{{.ParentPath}}">../</a></td><td></td><td></td></tr>
{{- end}}
{{- range .Entries}}
<tr>
{{- if .IsDir}}<td><a href="{{$.Path}}{{.Name}}/">{{.Name}}/</a></td><td class="n"></td>
{{- else}}<td><a href="{{$.Path}}{{.Name}}">{{.Name}}</a>{{if .IsLink}} -&gt; {{.Target}}{{end}}</td><td class="n">{{formatSize .Size}}</td>
{{- end}}<td class="t" title="{{.ModTime.Format "2006-01-02 15:04:05"}}">{{formatAge .ModTime}}</td></tr>
{{- end}}
</table>
</body>
</html>`

func NewHTTPServer(host *server.Host, log *slog.Logger) *HTTPServer {
	if log == nil {
		log = slog.Default()
	}
	funcMap := template.FuncMap{
		"formatSize": formatSize,
		"formatAge":  humanize.Time,
	}
	return &HTTPServer{
		host: host,
		log:  log,
		tmpl: template.Must(template.New("index").Funcs(funcMap).Parse(indexTemplate)),
	}
}

// Handler serves the browser; exposed for tests and embedding.
func (s *HTTPServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleRequest)
	return loggingMiddleware(s.log, mux)
}

func (s *HTTPServer) Start(addr string) error {
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	s.log.Info("http browser listening", "addr", addr)
	go func() {
		if err := s.server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("http server stopped", "err", err)
		}
	}()

	return nil
}

func (s *HTTPServer) Stop() {
	if s.server != nil {
		s.server.Close()
	}
}

func (s *HTTPServer) handleRequest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	p := r.URL.Path
	if p == "" {
		p = "/"
	}
	s.log.Debug("http request", "method", r.Method, "path", p)

	var st domain.Stat
	err := s.host.View(func(e *vfs.Engine) error {
		var err error
		st, err = e.Stat(p)
		return err
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}

	if st.IsDir() {
		s.serveDirectory(w, r, p)
	} else {
		s.serveFile(w, r, p, st)
	}
}

func (s *HTTPServer) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound), errors.Is(err, domain.ErrNotDirectory), errors.Is(err, domain.ErrLoop):
		http.NotFound(w, r)
	case errors.Is(err, domain.ErrPermission):
		http.Error(w, "Forbidden", http.StatusForbidden)
	default:
		s.log.Error("http browse failed", "path", r.URL.Path, "err", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}

func (s *HTTPServer) serveDirectory(w http.ResponseWriter, r *http.Request, p string) {
	if !strings.HasSuffix(p, "/") {
		http.Redirect(w, r, p+"/", http.StatusMovedPermanently)
		return
	}

	var entries []dirEntry
	var info vfs.Info
	err := s.host.View(func(e *vfs.Engine) error {
		list, err := e.Readdir(p)
		if err != nil {
			return err
		}
		for _, de := range list {
			full := path.Join(p, de.Name)
			st, err := e.Lstat(full)
			if err != nil {
				continue
			}
			ent := dirEntry{
				Name:    de.Name,
				IsDir:   st.IsDir(),
				IsLink:  st.IsSymlink(),
				Size:    st.Size,
				ModTime: st.Mtime,
			}
			if ent.IsLink {
				ent.Target, _ = e.Readlink(full)
				if target, err := e.Stat(full); err == nil && target.IsDir() {
					ent.IsDir, ent.IsLink = true, false
				}
			}
			entries = append(entries, ent)
		}
		info = e.Info()
		return nil
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].IsDir != entries[j].IsDir {
			return entries[i].IsDir
		}
		return entries[i].Name < entries[j].Name
	})

	parentPath := path.Dir(strings.TrimSuffix(p, "/"))
	if !strings.HasSuffix(parentPath, "/") {
		parentPath += "/"
	}

	l := info.Layout
	used := uint64(l.TotalBlocks-info.FreeBlocks) * uint64(l.BlockSize)
	data := struct {
		Path       string
		ParentPath string
		Usage      string
		Entries    []dirEntry
	}{
		Path:       p,
		ParentPath: parentPath,
		Usage: fmt.Sprintf("%d entries, %s of %s data in use, image %s",
			info.Entries, humanize.IBytes(used),
			humanize.IBytes(uint64(l.TotalBlocks)*uint64(l.BlockSize)),
			humanize.IBytes(uint64(l.TotalSize()))),
		Entries: entries,
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := s.tmpl.Execute(w, data); err != nil {
		s.log.Warn("render listing failed", "path", p, "err", err)
	}
}

func (s *HTTPServer) serveFile(w http.ResponseWriter, r *http.Request, p string, st domain.Stat) {
	var data []byte
	err := s.host.View(func(e *vfs.Engine) error {
		var err error
		data, err = e.Read(p)
		return err
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}

	contentType := mime.TypeByExtension(path.Ext(p))
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	if !st.Mtime.IsZero() {
		w.Header().Set("Last-Modified", st.Mtime.UTC().Format(http.TimeFormat))
	}

	if r.Method == http.MethodHead {
		return
	}

	w.Write(data)
}

func formatSize(size int64) string {
	if size < 0 {
		return "?"
	}
	return humanize.IBytes(uint64(size))
}
