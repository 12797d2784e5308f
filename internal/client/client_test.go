package client_test

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Alexander-D-Karpov/blobfs/internal/client"
	"github.com/Alexander-D-Karpov/blobfs/internal/domain"
	"github.com/Alexander-D-Karpov/blobfs/internal/logger"
	"github.com/Alexander-D-Karpov/blobfs/internal/server"
	"github.com/Alexander-D-Karpov/blobfs/internal/shm"
	"github.com/Alexander-D-Karpov/blobfs/internal/store"
	"github.com/Alexander-D-Karpov/blobfs/internal/vfs"
)

// newClient wires a client to a fresh host through a small shared
// memory channel, so most calls exercise chunking.
func newClient(t *testing.T) (*client.Client, *server.Host) {
	t.Helper()
	e, err := vfs.Open(store.NewMemStore(), vfs.Options{
		BlockSize:     512,
		InodeCount:    4,
		InitialBlocks: 4,
		Logger:        logger.Discard(),
	})
	require.NoError(t, err)
	h := server.NewHost(e, logger.Discard())

	region := shm.NewHeapRegion(shm.HeaderSize + 128)
	hostCh, err := shm.NewChannel(region.Bytes(), shm.SpinWaiter{})
	require.NoError(t, err)
	callCh, err := shm.NewChannel(region.Bytes(), shm.SpinWaiter{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.ServeChannel(ctx, hostCh)
		close(done)
	}()

	c := client.New(client.NewChannelTransport(callCh, 7))
	t.Cleanup(func() {
		c.Close()
		cancel()
		<-done
		h.Close()
	})
	return c, h
}

func TestScenario(t *testing.T) {
	c, _ := newClient(t)
	ctx := context.Background()

	require.NoError(t, c.Mkdir(ctx, "/a/b", domain.DefaultDirMode, domain.FlagRecursive))
	require.NoError(t, c.Mkdir(ctx, "/a/b", domain.DefaultDirMode, domain.FlagRecursive))
	require.NoError(t, c.Write(ctx, "/a/b/f.txt", []byte("hi"), 0))
	require.NoError(t, c.Rename(ctx, "/a", "/z"))

	data, err := c.Read(ctx, "/z/b/f.txt")
	require.NoError(t, err)
	assert.Equal(t, "hi", string(data))

	ok, err := c.Exists(ctx, "/a")
	require.NoError(t, err)
	assert.False(t, ok)

	names, err := c.ReaddirNames(ctx, "/z/b")
	require.NoError(t, err)
	assert.Equal(t, []string{"f.txt"}, names)

	entries, err := c.Readdir(ctx, "/z")
	require.NoError(t, err)
	assert.Equal(t, []domain.DirEntry{{Name: "b", Type: domain.TypeDirectory}}, entries)
}

func TestPathOperations(t *testing.T) {
	c, _ := newClient(t)
	ctx := context.Background()

	require.NoError(t, c.Write(ctx, "/f", []byte("abc"), 0))
	require.NoError(t, c.Append(ctx, "/f", []byte("def")))
	require.NoError(t, c.Truncate(ctx, "/f", 8))
	data, err := c.Read(ctx, "/f")
	require.NoError(t, err)
	assert.Equal(t, []byte("abcdef\x00\x00"), data)

	require.NoError(t, c.Copy(ctx, "/f", "/g", 0))
	assert.ErrorIs(t, c.Copy(ctx, "/f", "/g", domain.FlagExclusive), domain.ErrExists)
	assert.ErrorIs(t, c.Link(ctx, "/f", "/g"), domain.ErrExists)
	require.NoError(t, c.Link(ctx, "/f", "/h"))

	require.NoError(t, c.Symlink(ctx, "/f", "/l"))
	target, err := c.Readlink(ctx, "/l")
	require.NoError(t, err)
	assert.Equal(t, "/f", target)
	real, err := c.Realpath(ctx, "/l")
	require.NoError(t, err)
	assert.Equal(t, "/f", real)

	lst, err := c.Lstat(ctx, "/l")
	require.NoError(t, err)
	assert.True(t, lst.IsSymlink())

	require.NoError(t, c.Chmod(ctx, "/f", 0o600))
	require.NoError(t, c.Chown(ctx, "/f", 1000, 100))
	mtime := time.UnixMilli(1700000000000)
	require.NoError(t, c.Utimes(ctx, "/f", mtime, mtime))
	st, err := c.Stat(ctx, "/f")
	require.NoError(t, err)
	assert.Equal(t, domain.S_IFREG|0o600, st.Mode)
	assert.Equal(t, uint32(1000), st.UID)
	assert.True(t, st.Mtime.Equal(mtime))
	assert.NoError(t, c.Access(ctx, "/f", domain.R_OK))

	tmp, err := c.Mkdtemp(ctx, "/tmp-")
	require.NoError(t, err)
	assert.Len(t, tmp, len("/tmp-")+6)
	require.NoError(t, c.Rmdir(ctx, tmp, 0))

	require.NoError(t, c.Unlink(ctx, "/g"))
	_, err = c.Stat(ctx, "/g")
	var pe *client.PathError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, "stat", pe.Op)
	assert.Equal(t, "/g", pe.Path)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestFileDescriptors(t *testing.T) {
	c, _ := newClient(t)
	ctx := context.Background()

	f, err := c.Open(ctx, "/data", domain.O_RDWR|domain.O_CREAT, 0o644)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, f.FD(), domain.FirstFD)

	n, err := f.WriteAt(ctx, []byte("hello world"), -1)
	require.NoError(t, err)
	assert.Equal(t, 11, n)

	got, err := f.ReadAt(ctx, 5, 6)
	require.NoError(t, err)
	assert.Equal(t, "world", string(got))

	_, err = f.ReadAt(ctx, 5, 100)
	assert.ErrorIs(t, err, io.EOF)

	require.NoError(t, f.Truncate(ctx, 5))
	st, err := f.Stat(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(5), st.Size)
	require.NoError(t, f.Sync(ctx))
	require.NoError(t, f.Close(ctx))
	assert.ErrorIs(t, f.Close(ctx), domain.ErrBadDescriptor)
}

func TestDirPagination(t *testing.T) {
	c, _ := newClient(t)
	ctx := context.Background()

	require.NoError(t, c.Mkdir(ctx, "/d", 0o755, 0))
	for _, name := range []string{"a", "b", "c", "d", "e"} {
		require.NoError(t, c.Write(ctx, "/d/"+name, nil, 0))
	}

	d, err := c.OpenDir(ctx, "/d")
	require.NoError(t, err)

	var names []string
	for {
		page, err := d.Next(ctx, 2)
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		assert.LessOrEqual(t, len(page), 2)
		for _, e := range page {
			names = append(names, e.Name)
		}
	}
	assert.Equal(t, []string{"a", "b", "c", "d", "e"}, names)

	d.Rewind()
	rest, err := d.Next(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, rest, 5)
	require.NoError(t, d.Close(ctx))

	_, err = c.OpenDir(ctx, "/d/a")
	assert.ErrorIs(t, err, domain.ErrNotDirectory)
}

func TestCloseDetaches(t *testing.T) {
	c, h := newClient(t)
	ctx := context.Background()

	require.NoError(t, c.Write(ctx, "/f", []byte("x"), 0))
	_, err := c.Open(ctx, "/f", domain.O_RDONLY, 0)
	require.NoError(t, err)

	require.NoError(t, c.Close())
	h.View(func(e *vfs.Engine) error {
		assert.Equal(t, 0, e.Info().OpenFiles)
		return nil
	})
}
