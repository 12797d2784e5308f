package client

import (
	"context"
	"io"

	"github.com/Alexander-D-Karpov/blobfs/internal/domain"
	"github.com/Alexander-D-Karpov/blobfs/internal/protocol"
)

// File is an open descriptor on the host.
type File struct {
	c    *Client
	fd   uint32
	path string
}

// Open opens p with O_* flags; mode applies when O_CREAT creates it.
func (c *Client) Open(ctx context.Context, p string, flags, mode uint32) (*File, error) {
	raw, err := c.call(ctx, protocol.OpOpen, flags, p, protocol.PutU32(mode))
	if err != nil {
		return nil, err
	}
	fd, err := protocol.U32(raw)
	if err != nil {
		return nil, err
	}
	return &File{c: c, fd: fd, path: p}, nil
}

func (f *File) FD() int { return int(f.fd) }

func (f *File) Name() string { return f.path }

// ReadAt reads up to n bytes at pos, or at the cursor when pos is
// negative. A short result at end of file is not an error; an empty one
// is io.EOF.
func (f *File) ReadAt(ctx context.Context, n int, pos int64) ([]byte, error) {
	args := protocol.FReadArgs{FD: f.fd, Len: uint32(n), Pos: pos}
	buf := make([]byte, 16)
	raw, err := f.c.call(ctx, protocol.OpFRead, 0, f.path, buf[:args.Encode(buf)])
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 && n > 0 {
		return nil, io.EOF
	}
	return raw, nil
}

// WriteAt writes data at pos, or at the cursor when pos is negative.
func (f *File) WriteAt(ctx context.Context, data []byte, pos int64) (int, error) {
	args := protocol.FWriteArgs{FD: f.fd, Pos: pos, Data: data}
	buf := make([]byte, args.Size())
	args.Encode(buf)
	raw, err := f.c.call(ctx, protocol.OpFWrite, 0, f.path, buf)
	if err != nil {
		return 0, err
	}
	n, err := protocol.U32(raw)
	return int(n), err
}

func (f *File) Stat(ctx context.Context) (domain.Stat, error) {
	raw, err := f.c.call(ctx, protocol.OpFStat, 0, f.path, protocol.PutU32(f.fd))
	if err != nil {
		return domain.Stat{}, err
	}
	return protocol.ParseStat(raw)
}

func (f *File) Truncate(ctx context.Context, size int64) error {
	if size < 0 {
		return &PathError{Op: "ftruncate", Path: f.path, Err: domain.ErrInvalid}
	}
	args := protocol.FTruncateArgs{FD: f.fd, Size: uint64(size)}
	buf := make([]byte, 12)
	_, err := f.c.call(ctx, protocol.OpFTruncate, 0, f.path, buf[:args.Encode(buf)])
	return err
}

func (f *File) Sync(ctx context.Context) error {
	_, err := f.c.call(ctx, protocol.OpFSync, 0, f.path, protocol.PutU32(f.fd))
	return err
}

func (f *File) Close(ctx context.Context) error {
	_, err := f.c.call(ctx, protocol.OpClose, 0, f.path, protocol.PutU32(f.fd))
	return err
}

// Dir is an open directory listed page by page. The listing is fetched
// once; Next walks it with a local cursor.
type Dir struct {
	c       *Client
	fd      uint32
	path    string
	entries []domain.DirEntry
	loaded  bool
	pos     int
}

func (c *Client) OpenDir(ctx context.Context, p string) (*Dir, error) {
	raw, err := c.call(ctx, protocol.OpOpendir, 0, p, nil)
	if err != nil {
		return nil, err
	}
	fd, err := protocol.U32(raw)
	if err != nil {
		return nil, err
	}
	return &Dir{c: c, fd: fd, path: p}, nil
}

// Next returns up to n entries after the cursor, or io.EOF once the
// listing is exhausted. n <= 0 returns the rest.
func (d *Dir) Next(ctx context.Context, n int) ([]domain.DirEntry, error) {
	if !d.loaded {
		raw, err := d.c.call(ctx, protocol.OpFReaddir, domain.FlagWithTypes, d.path, protocol.PutU32(d.fd))
		if err != nil {
			return nil, err
		}
		if d.entries, err = protocol.ParseDirents(raw, true); err != nil {
			return nil, err
		}
		d.loaded = true
	}
	if d.pos >= len(d.entries) {
		return nil, io.EOF
	}
	if n <= 0 {
		n = len(d.entries)
	}
	end := min(d.pos+n, len(d.entries))
	page := d.entries[d.pos:end]
	d.pos = end
	return page, nil
}

// Rewind resets the cursor and refetches on the next call.
func (d *Dir) Rewind() {
	d.pos = 0
	d.loaded = false
}

func (d *Dir) Close(ctx context.Context) error {
	_, err := d.c.call(ctx, protocol.OpClose, 0, d.path, protocol.PutU32(d.fd))
	return err
}
