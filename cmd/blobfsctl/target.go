package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/Alexander-D-Karpov/blobfs/internal/client"
	"github.com/Alexander-D-Karpov/blobfs/internal/config"
	"github.com/Alexander-D-Karpov/blobfs/internal/crypto"
	"github.com/Alexander-D-Karpov/blobfs/internal/domain"
	"github.com/Alexander-D-Karpov/blobfs/internal/logger"
	"github.com/Alexander-D-Karpov/blobfs/internal/store"
	"github.com/Alexander-D-Karpov/blobfs/internal/vfs"
)

// target is the subset of file operations the commands need. It is
// served either by a local engine or by a remote client.
type target interface {
	Read(ctx context.Context, p string) ([]byte, error)
	Write(ctx context.Context, p string, data []byte) error
	Mkdir(ctx context.Context, p string, recursive bool) error
	Rmdir(ctx context.Context, p string, recursive bool) error
	Unlink(ctx context.Context, p string) error
	Rename(ctx context.Context, oldp, newp string) error
	Stat(ctx context.Context, p string) (domain.Stat, error)
	Lstat(ctx context.Context, p string) (domain.Stat, error)
	Readdir(ctx context.Context, p string) ([]domain.DirEntry, error)
	Readlink(ctx context.Context, p string) (string, error)
	Close() error
}

var errNeedImage = errors.New("no image given: use --image or set " + config.Prefix + "STORAGE")

func (g *globals) open() (target, error) {
	if g.addr != "" {
		return g.dial()
	}
	e, err := g.mount()
	if err != nil {
		return nil, err
	}
	return localTarget{e}, nil
}

func (g *globals) mount() (*vfs.Engine, error) {
	if g.image == "" {
		return nil, errNeedImage
	}
	if g.backend == "file" {
		if _, err := os.Stat(g.image); err != nil {
			return nil, fmt.Errorf("image %s: %w", g.image, err)
		}
	}
	h, err := store.Open(g.backend, g.image, true)
	if err != nil {
		return nil, err
	}
	e, err := vfs.Mount(h, g.options())
	if err != nil {
		h.Close()
		return nil, err
	}
	return e, nil
}

func (g *globals) options() vfs.Options {
	return vfs.Options{
		UID:    uint32(os.Getuid()),
		GID:    uint32(os.Getgid()),
		Logger: logger.New(os.Stderr).With("component", "vfs"),
	}
}

func (g *globals) dial() (target, error) {
	sealer, err := crypto.FromPassphrase(g.key, "")
	if err != nil {
		return nil, err
	}
	rt, err := client.Dial(context.Background(), g.addr, client.DialOptions{Token: g.token, Sealer: sealer})
	if err != nil {
		return nil, err
	}
	return remoteTarget{client.New(rt)}, nil
}

type localTarget struct {
	e *vfs.Engine
}

func (t localTarget) Read(_ context.Context, p string) ([]byte, error) { return t.e.Read(p) }

func (t localTarget) Write(_ context.Context, p string, data []byte) error {
	return t.e.Write(p, data, domain.FlagFlush)
}

func (t localTarget) Mkdir(_ context.Context, p string, recursive bool) error {
	return t.e.Mkdir(p, domain.DefaultDirMode, recursiveFlag(recursive))
}

func (t localTarget) Rmdir(_ context.Context, p string, recursive bool) error {
	return t.e.Rmdir(p, recursiveFlag(recursive))
}

func (t localTarget) Unlink(_ context.Context, p string) error { return t.e.Unlink(p) }

func (t localTarget) Rename(_ context.Context, oldp, newp string) error {
	return t.e.Rename(oldp, newp)
}

func (t localTarget) Stat(_ context.Context, p string) (domain.Stat, error)  { return t.e.Stat(p) }
func (t localTarget) Lstat(_ context.Context, p string) (domain.Stat, error) { return t.e.Lstat(p) }

func (t localTarget) Readdir(_ context.Context, p string) ([]domain.DirEntry, error) {
	return t.e.Readdir(p)
}

func (t localTarget) Readlink(_ context.Context, p string) (string, error) { return t.e.Readlink(p) }

func (t localTarget) Close() error { return t.e.Close() }

type remoteTarget struct {
	c *client.Client
}

func (t remoteTarget) Read(ctx context.Context, p string) ([]byte, error) { return t.c.Read(ctx, p) }

func (t remoteTarget) Write(ctx context.Context, p string, data []byte) error {
	return t.c.Write(ctx, p, data, domain.FlagFlush)
}

func (t remoteTarget) Mkdir(ctx context.Context, p string, recursive bool) error {
	return t.c.Mkdir(ctx, p, domain.DefaultDirMode, recursiveFlag(recursive))
}

func (t remoteTarget) Rmdir(ctx context.Context, p string, recursive bool) error {
	return t.c.Rmdir(ctx, p, recursiveFlag(recursive))
}

func (t remoteTarget) Unlink(ctx context.Context, p string) error { return t.c.Unlink(ctx, p) }

func (t remoteTarget) Rename(ctx context.Context, oldp, newp string) error {
	return t.c.Rename(ctx, oldp, newp)
}

func (t remoteTarget) Stat(ctx context.Context, p string) (domain.Stat, error) {
	return t.c.Stat(ctx, p)
}

func (t remoteTarget) Lstat(ctx context.Context, p string) (domain.Stat, error) {
	return t.c.Lstat(ctx, p)
}

func (t remoteTarget) Readdir(ctx context.Context, p string) ([]domain.DirEntry, error) {
	return t.c.Readdir(ctx, p)
}

func (t remoteTarget) Readlink(ctx context.Context, p string) (string, error) {
	return t.c.Readlink(ctx, p)
}

func (t remoteTarget) Close() error { return t.c.Close() }

func recursiveFlag(on bool) uint32 {
	if on {
		return domain.FlagRecursive
	}
	return 0
}
