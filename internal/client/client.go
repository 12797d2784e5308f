// Package client is the caller side of the protocol: a typed API that
// encodes each operation, sends it over a RoundTripper and decodes the
// reply.
package client

import (
	"context"
	"time"

	"github.com/Alexander-D-Karpov/blobfs/internal/domain"
	"github.com/Alexander-D-Karpov/blobfs/internal/protocol"
)

type Client struct {
	rt RoundTripper
}

func New(rt RoundTripper) *Client {
	return &Client{rt: rt}
}

// Close detaches from the host, releasing any descriptors left open,
// and closes the transport.
func (c *Client) Close() error {
	_, derr := c.call(context.Background(), protocol.OpDetach, 0, "", nil)
	if err := c.rt.Close(); err != nil {
		return err
	}
	return derr
}

func (c *Client) call(ctx context.Context, op protocol.Opcode, flags uint32, p string, payload []byte) ([]byte, error) {
	req := protocol.Request{Op: op, Flags: flags, Path: p, Payload: payload}
	raw, err := c.rt.RoundTrip(ctx, req.Marshal())
	if err != nil {
		return nil, err
	}
	var resp protocol.Response
	if err := resp.Decode(raw); err != nil {
		return nil, err
	}
	if err := resp.Status.Err(); err != nil {
		return nil, &PathError{Op: op.String(), Path: p, Err: err}
	}
	return resp.Payload, nil
}

// PathError records the operation and path of a failed call.
type PathError struct {
	Op   string
	Path string
	Err  error
}

func (e *PathError) Error() string {
	if e.Path == "" {
		return e.Op + ": " + e.Err.Error()
	}
	return e.Op + " " + e.Path + ": " + e.Err.Error()
}

func (e *PathError) Unwrap() error { return e.Err }

func (c *Client) Read(ctx context.Context, p string) ([]byte, error) {
	return c.call(ctx, protocol.OpRead, 0, p, nil)
}

// Write replaces the file's content. FlagFlush makes the host flush the
// store before answering.
func (c *Client) Write(ctx context.Context, p string, data []byte, flags uint32) error {
	_, err := c.call(ctx, protocol.OpWrite, flags, p, data)
	return err
}

func (c *Client) Append(ctx context.Context, p string, data []byte) error {
	_, err := c.call(ctx, protocol.OpAppend, 0, p, data)
	return err
}

func (c *Client) Unlink(ctx context.Context, p string) error {
	_, err := c.call(ctx, protocol.OpUnlink, 0, p, nil)
	return err
}

func (c *Client) Stat(ctx context.Context, p string) (domain.Stat, error) {
	return c.stat(ctx, protocol.OpStat, p)
}

func (c *Client) Lstat(ctx context.Context, p string) (domain.Stat, error) {
	return c.stat(ctx, protocol.OpLstat, p)
}

func (c *Client) stat(ctx context.Context, op protocol.Opcode, p string) (domain.Stat, error) {
	raw, err := c.call(ctx, op, 0, p, nil)
	if err != nil {
		return domain.Stat{}, err
	}
	return protocol.ParseStat(raw)
}

func (c *Client) Mkdir(ctx context.Context, p string, mode, flags uint32) error {
	_, err := c.call(ctx, protocol.OpMkdir, flags, p, protocol.PutU32(mode))
	return err
}

func (c *Client) Rmdir(ctx context.Context, p string, flags uint32) error {
	_, err := c.call(ctx, protocol.OpRmdir, flags, p, nil)
	return err
}

func (c *Client) Readdir(ctx context.Context, p string) ([]domain.DirEntry, error) {
	raw, err := c.call(ctx, protocol.OpReaddir, domain.FlagWithTypes, p, nil)
	if err != nil {
		return nil, err
	}
	return protocol.ParseDirents(raw, true)
}

// ReaddirNames lists names only, the cheaper encoding.
func (c *Client) ReaddirNames(ctx context.Context, p string) ([]string, error) {
	raw, err := c.call(ctx, protocol.OpReaddir, 0, p, nil)
	if err != nil {
		return nil, err
	}
	entries, err := protocol.ParseDirents(raw, false)
	if err != nil {
		return nil, err
	}
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.Name
	}
	return names, nil
}

func (c *Client) Rename(ctx context.Context, oldp, newp string) error {
	_, err := c.call(ctx, protocol.OpRename, 0, oldp, protocol.PackPath(newp, nil))
	return err
}

func (c *Client) Exists(ctx context.Context, p string) (bool, error) {
	raw, err := c.call(ctx, protocol.OpExists, 0, p, nil)
	if err != nil {
		return false, err
	}
	return len(raw) > 0 && raw[0] != 0, nil
}

func (c *Client) Truncate(ctx context.Context, p string, size int64) error {
	if size < 0 {
		return &PathError{Op: "truncate", Path: p, Err: domain.ErrInvalid}
	}
	_, err := c.call(ctx, protocol.OpTruncate, 0, p, protocol.PutU64(uint64(size)))
	return err
}

// Copy copies src to dst. FlagExclusive refuses an existing dst.
func (c *Client) Copy(ctx context.Context, src, dst string, flags uint32) error {
	_, err := c.call(ctx, protocol.OpCopy, flags, src, protocol.PackPath(dst, nil))
	return err
}

func (c *Client) Link(ctx context.Context, src, dst string) error {
	_, err := c.call(ctx, protocol.OpLink, 0, src, protocol.PackPath(dst, nil))
	return err
}

func (c *Client) Access(ctx context.Context, p string, mode uint32) error {
	_, err := c.call(ctx, protocol.OpAccess, mode, p, nil)
	return err
}

func (c *Client) Realpath(ctx context.Context, p string) (string, error) {
	raw, err := c.call(ctx, protocol.OpRealpath, 0, p, nil)
	return string(raw), err
}

func (c *Client) Chmod(ctx context.Context, p string, mode uint32) error {
	_, err := c.call(ctx, protocol.OpChmod, 0, p, protocol.PutU32(mode))
	return err
}

func (c *Client) Chown(ctx context.Context, p string, uid, gid uint32) error {
	args := protocol.OwnerArgs{UID: uid, GID: gid}
	buf := make([]byte, 8)
	_, err := c.call(ctx, protocol.OpChown, 0, p, buf[:args.Encode(buf)])
	return err
}

func (c *Client) Utimes(ctx context.Context, p string, atime, mtime time.Time) error {
	args := protocol.TimesArgs{Atime: domain.Millis(atime), Mtime: domain.Millis(mtime)}
	buf := make([]byte, 16)
	_, err := c.call(ctx, protocol.OpUtimes, 0, p, buf[:args.Encode(buf)])
	return err
}

// Symlink creates link pointing at target.
func (c *Client) Symlink(ctx context.Context, target, link string) error {
	_, err := c.call(ctx, protocol.OpSymlink, 0, link, []byte(target))
	return err
}

func (c *Client) Readlink(ctx context.Context, p string) (string, error) {
	raw, err := c.call(ctx, protocol.OpReadlink, 0, p, nil)
	return string(raw), err
}

func (c *Client) Mkdtemp(ctx context.Context, prefix string) (string, error) {
	raw, err := c.call(ctx, protocol.OpMkdtemp, 0, prefix, nil)
	return string(raw), err
}
