package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/zeebo/blake3"

	"github.com/Alexander-D-Karpov/blobfs/internal/domain"
	"github.com/Alexander-D-Karpov/blobfs/internal/store"
	"github.com/Alexander-D-Karpov/blobfs/internal/vfs"
)

var stdout io.Writer = os.Stdout

var errVerify = errors.New("verification failed")

func runFormat(g *globals, args []string) error {
	fs := subFlags("format")
	blockSize := fs.Uint32("block-size", 0, "block size in bytes, a power of two")
	inodes := fs.Uint32("inodes", 0, "initial inode table slots")
	blocks := fs.Uint32("blocks", 0, "initial data blocks")
	force := fs.Bool("force", false, "overwrite an existing image")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := wantArgs(fs, 0); err != nil {
		return err
	}
	if g.image == "" {
		return errNeedImage
	}

	h, err := store.Open(g.backend, g.image, true)
	if err != nil {
		return err
	}
	size, err := h.Size()
	if err != nil {
		h.Close()
		return err
	}
	if size > 0 {
		if !*force {
			h.Close()
			return fmt.Errorf("%s holds %s of data, pass --force to overwrite", g.image, humanize.IBytes(uint64(size)))
		}
		if err := h.Truncate(0); err != nil {
			h.Close()
			return err
		}
	}

	opts := g.options()
	opts.BlockSize = *blockSize
	opts.InodeCount = *inodes
	opts.InitialBlocks = *blocks
	e, err := vfs.Format(h, opts)
	if err != nil {
		h.Close()
		return err
	}
	info := e.Info()
	fmt.Fprintf(stdout, "formatted %s: %s, %d inodes, %d blocks of %s\n",
		g.image,
		humanize.IBytes(uint64(info.Layout.TotalSize())),
		info.Layout.InodeCount,
		info.Layout.TotalBlocks,
		humanize.IBytes(uint64(info.Layout.BlockSize)))
	return e.Close()
}

func runInfo(g *globals, args []string) error {
	fs := subFlags("info")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := wantArgs(fs, 0); err != nil {
		return err
	}
	e, err := g.mount()
	if err != nil {
		return err
	}
	defer e.Close()

	info := e.Info()
	l := info.Layout
	used := uint64(l.TotalBlocks-info.FreeBlocks) * uint64(l.BlockSize)
	total := uint64(l.TotalBlocks) * uint64(l.BlockSize)

	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "image\t%s\n", g.image)
	fmt.Fprintf(tw, "size\t%s\n", humanize.IBytes(uint64(l.TotalSize())))
	fmt.Fprintf(tw, "block size\t%s\n", humanize.IBytes(uint64(l.BlockSize)))
	fmt.Fprintf(tw, "data\t%s of %s used (%d/%d blocks)\n",
		humanize.IBytes(used), humanize.IBytes(total), l.TotalBlocks-info.FreeBlocks, l.TotalBlocks)
	fmt.Fprintf(tw, "inodes\t%d of %d slots\n", info.Entries, l.InodeCount)
	fmt.Fprintf(tw, "path table\t%s of %s\n",
		humanize.IBytes(uint64(info.PathTableUsed)), humanize.IBytes(uint64(l.PathTableSize())))
	fmt.Fprintf(tw, "offsets\tinodes %d, paths %d, bitmap %d, data %d\n",
		l.InodeTableOffset, l.PathTableOffset, l.BitmapOffset, l.DataOffset)
	return tw.Flush()
}

func runLs(g *globals, args []string) error {
	fs := subFlags("ls")
	long := fs.BoolP("long", "l", false, "long listing")
	if err := fs.Parse(args); err != nil {
		return err
	}
	dir := "/"
	switch fs.NArg() {
	case 0:
	case 1:
		dir = fs.Arg(0)
	default:
		return wantArgs(fs, 1)
	}

	t, err := g.open()
	if err != nil {
		return err
	}
	defer t.Close()
	ctx := context.Background()

	entries, err := t.Readdir(ctx, dir)
	if err != nil {
		return err
	}
	if !*long {
		for _, ent := range entries {
			name := ent.Name
			if ent.Type == domain.TypeDirectory {
				name += "/"
			}
			fmt.Fprintln(stdout, name)
		}
		return nil
	}

	tw := tabwriter.NewWriter(stdout, 0, 4, 1, ' ', tabwriter.AlignRight)
	for _, ent := range entries {
		p := path.Join(vfs.Clean(dir), ent.Name)
		st, err := t.Lstat(ctx, p)
		if err != nil {
			return err
		}
		name := ent.Name
		if st.IsSymlink() {
			if target, err := t.Readlink(ctx, p); err == nil {
				name += " -> " + target
			}
		}
		fmt.Fprintf(tw, "%s\t%d\t%d\t%s\t%s\t %s\n",
			modeString(st), st.UID, st.GID, humanize.IBytes(uint64(st.Size)), humanize.Time(st.Mtime), name)
	}
	return tw.Flush()
}

func modeString(st domain.Stat) string {
	var kind byte = '-'
	switch st.Type {
	case domain.TypeDirectory:
		kind = 'd'
	case domain.TypeSymlink:
		kind = 'l'
	}
	const rwx = "rwxrwxrwx"
	out := []byte{kind}
	for i := 0; i < 9; i++ {
		if st.Mode&(1<<(8-i)) != 0 {
			out = append(out, rwx[i])
		} else {
			out = append(out, '-')
		}
	}
	return string(out)
}

func runCat(g *globals, args []string) error {
	fs := subFlags("cat")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := wantArgs(fs, 1); err != nil {
		return err
	}
	t, err := g.open()
	if err != nil {
		return err
	}
	defer t.Close()

	data, err := t.Read(context.Background(), fs.Arg(0))
	if err != nil {
		return err
	}
	_, err = stdout.Write(data)
	return err
}

func runPut(g *globals, args []string) error {
	fs := subFlags("put")
	verify := fs.Bool("verify", false, "read the file back and compare blake3 digests")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := wantArgs(fs, 2); err != nil {
		return err
	}
	local, dst := fs.Arg(0), fs.Arg(1)

	data, err := os.ReadFile(local)
	if err != nil {
		return err
	}
	t, err := g.open()
	if err != nil {
		return err
	}
	defer t.Close()
	ctx := context.Background()

	if st, err := t.Stat(ctx, dst); err == nil && st.IsDir() {
		dst = path.Join(vfs.Clean(dst), path.Base(local))
	}
	start := time.Now()
	if err := t.Write(ctx, dst, data); err != nil {
		return err
	}
	if *verify {
		back, err := t.Read(ctx, dst)
		if err != nil {
			return err
		}
		want, got := blake3.Sum256(data), blake3.Sum256(back)
		if want != got {
			return fmt.Errorf("%s: %w: wrote %s, read back %s", dst, errVerify,
				hex.EncodeToString(want[:8]), hex.EncodeToString(got[:8]))
		}
	}
	fmt.Fprintf(stdout, "%s -> %s (%s in %s)\n", local, dst,
		humanize.IBytes(uint64(len(data))), time.Since(start).Round(time.Millisecond))
	return nil
}

func runGet(g *globals, args []string) error {
	fs := subFlags("get")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := wantArgs(fs, 2); err != nil {
		return err
	}
	src, local := fs.Arg(0), fs.Arg(1)

	t, err := g.open()
	if err != nil {
		return err
	}
	defer t.Close()

	data, err := t.Read(context.Background(), src)
	if err != nil {
		return err
	}
	if fi, err := os.Stat(local); err == nil && fi.IsDir() {
		local = local + string(os.PathSeparator) + path.Base(vfs.Clean(src))
	}
	return os.WriteFile(local, data, 0o644)
}

func runMkdir(g *globals, args []string) error {
	fs := subFlags("mkdir")
	parents := fs.BoolP("parents", "p", false, "create missing parents")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := wantArgs(fs, 1); err != nil {
		return err
	}
	t, err := g.open()
	if err != nil {
		return err
	}
	defer t.Close()
	return t.Mkdir(context.Background(), fs.Arg(0), *parents)
}

func runRm(g *globals, args []string) error {
	fs := subFlags("rm")
	recursive := fs.BoolP("recursive", "r", false, "remove directories and their contents")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := wantArgs(fs, 1); err != nil {
		return err
	}
	t, err := g.open()
	if err != nil {
		return err
	}
	defer t.Close()
	ctx := context.Background()

	p := fs.Arg(0)
	st, err := t.Lstat(ctx, p)
	if err != nil {
		return err
	}
	if st.IsDir() {
		return t.Rmdir(ctx, p, *recursive)
	}
	return t.Unlink(ctx, p)
}

func runMv(g *globals, args []string) error {
	fs := subFlags("mv")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := wantArgs(fs, 2); err != nil {
		return err
	}
	t, err := g.open()
	if err != nil {
		return err
	}
	defer t.Close()
	return t.Rename(context.Background(), fs.Arg(0), fs.Arg(1))
}

func runStat(g *globals, args []string) error {
	fs := subFlags("stat")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := wantArgs(fs, 1); err != nil {
		return err
	}
	t, err := g.open()
	if err != nil {
		return err
	}
	defer t.Close()

	st, err := t.Lstat(context.Background(), fs.Arg(0))
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "path\t%s\n", vfs.Clean(fs.Arg(0)))
	fmt.Fprintf(tw, "type\t%s\n", st.Type)
	fmt.Fprintf(tw, "mode\t%s (%#o)\n", modeString(st), st.Mode)
	fmt.Fprintf(tw, "size\t%d (%s)\n", st.Size, humanize.IBytes(uint64(st.Size)))
	fmt.Fprintf(tw, "inode\t%d\n", st.Ino)
	fmt.Fprintf(tw, "owner\t%d:%d\n", st.UID, st.GID)
	fmt.Fprintf(tw, "modified\t%s\n", st.Mtime.Format(time.RFC3339))
	fmt.Fprintf(tw, "changed\t%s\n", st.Ctime.Format(time.RFC3339))
	fmt.Fprintf(tw, "accessed\t%s\n", st.Atime.Format(time.RFC3339))
	return tw.Flush()
}

func runSalvage(g *globals, args []string) error {
	fs := subFlags("salvage")
	out := fs.StringP("out", "o", "", "path of the rebuilt image")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := wantArgs(fs, 0); err != nil {
		return err
	}
	if g.image == "" {
		return errNeedImage
	}
	if *out == "" {
		return errors.New("salvage: --out is required")
	}
	if *out == g.image {
		return errors.New("salvage: --out must differ from the damaged image")
	}

	src, err := store.Open(g.backend, g.image, false)
	if err != nil {
		return err
	}
	defer src.Close()
	dst, err := store.Open(g.backend, *out, true)
	if err != nil {
		return err
	}
	if size, err := dst.Size(); err != nil || size > 0 {
		dst.Close()
		if err == nil {
			err = fmt.Errorf("salvage: %s is not empty", *out)
		}
		return err
	}

	report, err := vfs.Salvage(src, dst, g.options())
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}
	for _, p := range report.Recovered {
		fmt.Fprintf(stdout, "recovered %s\n", p)
	}
	for _, s := range report.Skipped {
		fmt.Fprintf(stdout, "skipped   inode %d %s: %s\n", s.Ino, s.Path, s.Reason)
	}
	fmt.Fprintf(stdout, "%d of %d entries recovered, %s of data\n",
		len(report.Recovered), report.Scanned, humanize.IBytes(uint64(report.Bytes)))
	return nil
}

func runExport(g *globals, args []string) error {
	fs := subFlags("export")
	out := fs.StringP("out", "o", "", "snapshot file, - for stdout")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := wantArgs(fs, 0); err != nil {
		return err
	}
	if g.image == "" {
		return errNeedImage
	}
	if *out == "" {
		return errors.New("export: --out is required")
	}

	h, err := store.Open(g.backend, g.image, true)
	if err != nil {
		return err
	}
	defer h.Close()

	w := stdout
	if *out != "-" {
		f, err := os.Create(*out)
		if err != nil {
			return err
		}
		defer f.Close()
		w = f
	}
	info, err := store.Export(w, h)
	if err != nil {
		return err
	}
	if f, ok := w.(*os.File); ok && f != os.Stdout {
		if err := f.Sync(); err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "exported %s, blake3 %s\n",
			humanize.IBytes(uint64(info.Size)), hex.EncodeToString(info.Digest[:]))
	}
	return nil
}

func runImport(g *globals, args []string) error {
	fs := subFlags("import")
	in := fs.String("in", "", "snapshot file, - for stdin")
	force := fs.Bool("force", false, "overwrite a non-empty image")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := wantArgs(fs, 0); err != nil {
		return err
	}
	if g.image == "" {
		return errNeedImage
	}
	if *in == "" {
		return errors.New("import: --in is required")
	}

	var r io.Reader = os.Stdin
	if *in != "-" {
		f, err := os.Open(*in)
		if err != nil {
			return err
		}
		defer f.Close()
		r = f
	}

	h, err := store.Open(g.backend, g.image, true)
	if err != nil {
		return err
	}
	defer h.Close()
	if size, err := h.Size(); err != nil {
		return err
	} else if size > 0 && !*force {
		return fmt.Errorf("%s holds %s of data, pass --force to overwrite", g.image, humanize.IBytes(uint64(size)))
	}

	info, err := store.Import(r, h)
	if err != nil {
		return err
	}

	// A snapshot of anything but an image would mount badly later.
	e, err := vfs.Mount(nopClose{h}, g.options())
	if err != nil {
		return fmt.Errorf("imported snapshot does not mount: %w", err)
	}
	entries := e.Info().Entries
	fmt.Fprintf(stdout, "imported %s (%d entries), blake3 %s\n",
		humanize.IBytes(uint64(info.Size)), entries, hex.EncodeToString(info.Digest[:]))
	return nil
}

// nopClose keeps a trial mount from closing the handle its caller owns.
type nopClose struct {
	store.Handle
}

func (nopClose) Close() error { return nil }
