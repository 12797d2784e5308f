package http

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Alexander-D-Karpov/blobfs/internal/domain"
	"github.com/Alexander-D-Karpov/blobfs/internal/logger"
	"github.com/Alexander-D-Karpov/blobfs/internal/server"
	"github.com/Alexander-D-Karpov/blobfs/internal/store"
	"github.com/Alexander-D-Karpov/blobfs/internal/vfs"
)

func newBrowser(t *testing.T) *httptest.Server {
	t.Helper()
	e, err := vfs.Open(store.NewMemStore(), vfs.Options{Logger: logger.Discard()})
	require.NoError(t, err)
	require.NoError(t, e.Mkdir("/docs/sub", domain.DefaultDirMode, domain.FlagRecursive))
	require.NoError(t, e.Write("/docs/readme.txt", []byte("hello browser"), 0))
	require.NoError(t, e.Symlink("/docs/readme.txt", "/docs/link"))

	h := server.NewHost(e, logger.Discard())
	srv := httptest.NewServer(NewHTTPServer(h, logger.Discard()).Handler())
	t.Cleanup(func() {
		srv.Close()
		h.Close()
	})
	return srv
}

func get(t *testing.T, method, url string) (*http.Response, string) {
	t.Helper()
	req, err := http.NewRequest(method, url, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(body)
}

func TestBrowseDirectory(t *testing.T) {
	srv := newBrowser(t)

	resp, body := get(t, http.MethodGet, srv.URL+"/docs/")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "Index of /docs/")
	assert.Contains(t, body, `href="/docs/sub/"`)
	assert.Contains(t, body, "readme.txt")
	assert.Contains(t, body, "13 B")
	assert.Contains(t, body, "/docs/readme.txt")
	assert.Less(t, strings.Index(body, "sub/"), strings.Index(body, "readme.txt"))
	assert.Contains(t, body, `<a href="/">../</a>`)
	assert.Contains(t, body, `<a href="/docs/link">link</a> -&gt; /docs/readme.txt`)

	_, body = get(t, http.MethodGet, srv.URL+"/")
	assert.NotContains(t, body, "../")

	resp, _ = get(t, http.MethodGet, srv.URL+"/docs")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "/docs/", resp.Request.URL.Path)
}

func TestBrowseFile(t *testing.T) {
	srv := newBrowser(t)

	resp, body := get(t, http.MethodGet, srv.URL+"/docs/readme.txt")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "hello browser", body)
	assert.True(t, strings.HasPrefix(resp.Header.Get("Content-Type"), "text/plain"))
	assert.NotEmpty(t, resp.Header.Get("Last-Modified"))

	resp, body = get(t, http.MethodHead, srv.URL+"/docs/link")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, body)
	assert.Equal(t, "13", resp.Header.Get("Content-Length"))
}

func TestBrowseErrors(t *testing.T) {
	srv := newBrowser(t)

	resp, _ := get(t, http.MethodGet, srv.URL+"/missing")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = get(t, http.MethodGet, srv.URL+"/docs/readme.txt/x")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = get(t, http.MethodDelete, srv.URL+"/docs/readme.txt")
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}
