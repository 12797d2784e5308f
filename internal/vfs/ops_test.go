package vfs

import (
	"bytes"
	"fmt"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Alexander-D-Karpov/blobfs/internal/domain"
	"github.com/Alexander-D-Karpov/blobfs/internal/store"
)

func TestWriteRead_LastWriteWins(t *testing.T) {
	e, _ := newTestEngine(t)

	writes := [][]byte{
		[]byte("short"),
		bytes.Repeat([]byte("L"), 3000),
		[]byte("tiny"),
		{},
		bytes.Repeat([]byte("M"), 1025),
	}
	for i, data := range writes {
		require.NoError(t, e.Write("/f", data, 0), "write %d", i)
		got, err := e.Read("/f")
		require.NoError(t, err)
		assert.Equal(t, data, got, "write %d", i)

		st, err := e.Stat("/f")
		require.NoError(t, err)
		assert.Equal(t, int64(len(data)), st.Size)
		requireAccounting(t, e)
	}
}

func TestWrite_ReusesRun(t *testing.T) {
	e, _ := newTestEngine(t)
	require.NoError(t, e.Write("/f", bytes.Repeat([]byte("a"), 1500), 0))
	before, err := e.inode(mustIno(t, e, "/f"))
	require.NoError(t, err)

	require.NoError(t, e.Write("/f", []byte("b"), domain.FlagFlush))
	after, err := e.inode(mustIno(t, e, "/f"))
	require.NoError(t, err)
	assert.Equal(t, before.FirstBlock, after.FirstBlock)
	assert.Equal(t, uint32(1), after.BlockCount)
	requireAccounting(t, e)
}

func mustIno(t *testing.T, e *Engine, p string) uint32 {
	t.Helper()
	_, ino, err := e.resolve(p, true)
	require.NoError(t, err)
	return ino
}

func TestRead_Errors(t *testing.T) {
	e, _ := newTestEngine(t)
	require.NoError(t, e.Mkdir("/d", 0, 0))
	require.NoError(t, e.Write("/file", []byte("x"), 0))

	_, err := e.Read("/missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = e.Read("/d")
	assert.ErrorIs(t, err, domain.ErrIsDirectory)
	_, err = e.Read("/file/child")
	assert.ErrorIs(t, err, domain.ErrNotDirectory)
	assert.ErrorIs(t, e.Write("/d", []byte("x"), 0), domain.ErrIsDirectory)
	assert.ErrorIs(t, e.Write("/", []byte("x"), 0), domain.ErrIsDirectory)
	assert.ErrorIs(t, e.Write("/nope/f", []byte("x"), 0), domain.ErrNotFound)
}

func TestAppend(t *testing.T) {
	e, _ := newTestEngine(t)
	require.NoError(t, e.Append("/log", []byte("one,")))
	require.NoError(t, e.Append("/log", bytes.Repeat([]byte("x"), 600)))
	require.NoError(t, e.Append("/log", []byte(",two")))

	got, err := e.Read("/log")
	require.NoError(t, err)
	assert.Equal(t, "one,"+strings.Repeat("x", 600)+",two", string(got))
	requireAccounting(t, e)
}

func TestTruncate(t *testing.T) {
	e, _ := newTestEngine(t)
	require.NoError(t, e.Write("/f", []byte("hello world"), 0))

	require.NoError(t, e.Truncate("/f", 5))
	got, err := e.Read("/f")
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))

	require.NoError(t, e.Truncate("/f", 1200))
	got, err = e.Read("/f")
	require.NoError(t, err)
	require.Len(t, got, 1200)
	assert.Equal(t, "hello", string(got[:5]))
	assert.Equal(t, make([]byte, 1195), got[5:])

	require.NoError(t, e.Truncate("/f", 0))
	st, err := e.Stat("/f")
	require.NoError(t, err)
	assert.Zero(t, st.Size)

	assert.ErrorIs(t, e.Truncate("/f", -1), domain.ErrInvalid)
	require.NoError(t, e.Mkdir("/d", 0, 0))
	assert.ErrorIs(t, e.Truncate("/d", 1), domain.ErrIsDirectory)
	requireAccounting(t, e)
}

func TestTruncate_GrowZeroFillsReusedBlocks(t *testing.T) {
	e, _ := newTestEngine(t)
	// Leave non-zero garbage in a freed block.
	require.NoError(t, e.Write("/junk", bytes.Repeat([]byte{0xee}, 512), 0))
	require.NoError(t, e.Unlink("/junk"))

	require.NoError(t, e.Write("/f", []byte("ab"), 0))
	require.NoError(t, e.Truncate("/f", 400))
	got, err := e.Read("/f")
	require.NoError(t, err)
	assert.Equal(t, append([]byte("ab"), make([]byte, 398)...), got)
}

func TestUnlink(t *testing.T) {
	e, _ := newTestEngine(t)
	require.NoError(t, e.Write("/f", []byte("x"), 0))
	require.NoError(t, e.Mkdir("/d", 0, 0))
	require.NoError(t, e.Symlink("/d", "/link"))

	assert.ErrorIs(t, e.Unlink("/d"), domain.ErrIsDirectory)
	assert.ErrorIs(t, e.Unlink("/missing"), domain.ErrNotFound)

	// The link goes, not its target.
	require.NoError(t, e.Unlink("/link"))
	assert.True(t, e.Exists("/d"))

	require.NoError(t, e.Unlink("/f"))
	assert.False(t, e.Exists("/f"))
	requireAccounting(t, e)
}

func TestMkdir(t *testing.T) {
	e, _ := newTestEngine(t)

	require.NoError(t, e.Mkdir("/a/b/c", 0, domain.FlagRecursive))
	entries := e.index.len()
	require.NoError(t, e.Mkdir("/a/b/c", 0, domain.FlagRecursive))
	assert.Equal(t, entries, e.index.len(), "recursive mkdir is idempotent")
	require.NoError(t, e.Mkdir("/", 0, domain.FlagRecursive))

	assert.ErrorIs(t, e.Mkdir("/a", 0, 0), domain.ErrExists)
	assert.ErrorIs(t, e.Mkdir("/", 0, 0), domain.ErrExists)
	assert.ErrorIs(t, e.Mkdir("/x/y", 0, 0), domain.ErrNotFound)

	require.NoError(t, e.Write("/a/file", nil, 0))
	assert.ErrorIs(t, e.Mkdir("/a/file/sub", 0, domain.FlagRecursive), domain.ErrNotDirectory)

	require.NoError(t, e.Mkdir("/priv", 0700, 0))
	st, err := e.Stat("/priv")
	require.NoError(t, err)
	assert.Equal(t, domain.S_IFDIR|0700, st.Mode)

	// Recursive creation follows a symlink to a directory.
	require.NoError(t, e.Symlink("/a/b", "/ab"))
	require.NoError(t, e.Mkdir("/ab/new", 0, domain.FlagRecursive))
	assert.True(t, e.Exists("/a/b/new"))
}

func TestRmdir(t *testing.T) {
	e, _ := newTestEngine(t)
	require.NoError(t, e.Mkdir("/t/u/v", 0, domain.FlagRecursive))
	require.NoError(t, e.Write("/t/u/f", []byte("data"), 0))
	require.NoError(t, e.Write("/t2", []byte("sibling"), 0))

	assert.ErrorIs(t, e.Rmdir("/t", 0), domain.ErrNotEmpty)
	assert.ErrorIs(t, e.Rmdir("/t2", 0), domain.ErrNotDirectory)
	assert.ErrorIs(t, e.Rmdir("/", domain.FlagRecursive), domain.ErrInvalid)

	require.NoError(t, e.Rmdir("/t/u/v", 0))
	require.NoError(t, e.Rmdir("/t", domain.FlagRecursive))
	assert.False(t, e.Exists("/t"))
	assert.False(t, e.Exists("/t/u/f"))
	assert.True(t, e.Exists("/t2"), "prefix sibling untouched")
	assert.Empty(t, e.index.descendants("/t"))
	requireAccounting(t, e)
}

func TestReaddir(t *testing.T) {
	e, _ := newTestEngine(t)
	require.NoError(t, e.Mkdir("/d/sub", 0, domain.FlagRecursive))
	require.NoError(t, e.Write("/d/b.txt", nil, 0))
	require.NoError(t, e.Write("/d/sub/nested", nil, 0))
	require.NoError(t, e.Symlink("b.txt", "/d/a-link"))
	require.NoError(t, e.Write("/d.txt", nil, 0))

	entries, err := e.Readdir("/d")
	require.NoError(t, err)
	assert.Equal(t, []domain.DirEntry{
		{Name: "a-link", Type: domain.TypeSymlink},
		{Name: "b.txt", Type: domain.TypeFile},
		{Name: "sub", Type: domain.TypeDirectory},
	}, entries)

	_, err = e.Readdir("/d/b.txt")
	assert.ErrorIs(t, err, domain.ErrNotDirectory)
}

func TestRename(t *testing.T) {
	t.Run("DirectorySubtree", func(t *testing.T) {
		e, h := newTestEngine(t)
		require.NoError(t, e.Mkdir("/a/inner", 0, domain.FlagRecursive))
		require.NoError(t, e.Write("/a/x", []byte("payload"), 0))
		require.NoError(t, e.Write("/a/inner/y", []byte("deeper"), 0))

		require.NoError(t, e.Rename("/a", "/b"))
		got, err := e.Read("/b/x")
		require.NoError(t, err)
		assert.Equal(t, "payload", string(got))
		for _, p := range []string{"/a", "/a/x", "/a/inner", "/a/inner/y"} {
			_, ok := e.index.get(p)
			assert.False(t, ok, p)
		}

		m := remount(t, e, h)
		got, err = m.Read("/b/inner/y")
		require.NoError(t, err)
		assert.Equal(t, "deeper", string(got))
		assert.False(t, m.Exists("/a"))
	})

	t.Run("OverwritesFile", func(t *testing.T) {
		e, _ := newTestEngine(t)
		require.NoError(t, e.Write("/src", []byte("new"), 0))
		require.NoError(t, e.Write("/dst", []byte("old content"), 0))
		require.NoError(t, e.Rename("/src", "/dst"))

		got, err := e.Read("/dst")
		require.NoError(t, err)
		assert.Equal(t, "new", string(got))
		assert.False(t, e.Exists("/src"))
		requireAccounting(t, e)
	})

	t.Run("Errors", func(t *testing.T) {
		e, _ := newTestEngine(t)
		require.NoError(t, e.Mkdir("/dir/child", 0, domain.FlagRecursive))
		require.NoError(t, e.Mkdir("/empty", 0, 0))
		require.NoError(t, e.Write("/file", nil, 0))

		assert.ErrorIs(t, e.Rename("/dir", "/dir/child/x"), domain.ErrInvalid)
		assert.ErrorIs(t, e.Rename("/dir", "/file"), domain.ErrNotDirectory)
		assert.ErrorIs(t, e.Rename("/file", "/empty"), domain.ErrIsDirectory)
		assert.ErrorIs(t, e.Rename("/empty", "/dir"), domain.ErrNotEmpty)
		assert.ErrorIs(t, e.Rename("/", "/root"), domain.ErrInvalid)
		assert.ErrorIs(t, e.Rename("/missing", "/x"), domain.ErrNotFound)
		require.NoError(t, e.Rename("/file", "/file"))

		// An empty directory destination is replaced.
		require.NoError(t, e.Mkdir("/other", 0, 0))
		require.NoError(t, e.Rename("/other", "/empty"))
		assert.False(t, e.Exists("/other"))
	})
}

func TestSymlinks(t *testing.T) {
	e, _ := newTestEngine(t)
	require.NoError(t, e.Mkdir("/real/dir", 0, domain.FlagRecursive))
	require.NoError(t, e.Write("/real/dir/file", []byte("target data"), 0))

	require.NoError(t, e.Symlink("/real/dir", "/abs"))
	require.NoError(t, e.Symlink("dir/file", "/real/rel"))

	got, err := e.Read("/abs/file")
	require.NoError(t, err)
	assert.Equal(t, "target data", string(got))
	got, err = e.Read("/real/rel")
	require.NoError(t, err)
	assert.Equal(t, "target data", string(got))

	st, err := e.Lstat("/abs")
	require.NoError(t, err)
	assert.True(t, st.IsSymlink())
	assert.Equal(t, int64(len("/real/dir")), st.Size)
	st, err = e.Stat("/abs")
	require.NoError(t, err)
	assert.True(t, st.IsDir())

	resolved, err := e.Realpath("/abs/../abs/file")
	require.NoError(t, err)
	assert.Equal(t, "/real/dir/file", resolved)

	_, err = e.Readlink("/real/dir/file")
	assert.ErrorIs(t, err, domain.ErrInvalid)
	assert.ErrorIs(t, e.Symlink("/x", "/abs"), domain.ErrExists)

	// Writing through a dangling link creates its target.
	require.NoError(t, e.Symlink("/made-by-link", "/dangling"))
	require.NoError(t, e.Write("/dangling", []byte("via link"), 0))
	got, err = e.Read("/made-by-link")
	require.NoError(t, err)
	assert.Equal(t, "via link", string(got))
}

func TestSymlinkLoop(t *testing.T) {
	e, _ := newTestEngine(t)
	require.NoError(t, e.Symlink("/b", "/a"))
	require.NoError(t, e.Symlink("/a", "/b"))

	_, err := e.Read("/a")
	assert.ErrorIs(t, err, domain.ErrLoop)
	_, err = e.Stat("/a/child")
	assert.ErrorIs(t, err, domain.ErrLoop)
	assert.ErrorIs(t, e.Write("/a", []byte("x"), 0), domain.ErrLoop)

	st, err := e.Lstat("/a")
	require.NoError(t, err)
	assert.True(t, st.IsSymlink())
}

func TestSymlinkDepthCap(t *testing.T) {
	e, _ := newTestEngine(t)
	require.NoError(t, e.Write("/target", []byte("end"), 0))
	prev := "/target"
	for i := 0; i <= MaxSymlinkDepth+1; i++ {
		p := fmt.Sprintf("/l%02d", i)
		require.NoError(t, e.Symlink(prev, p))
		prev = p
	}

	got, err := e.Read(fmt.Sprintf("/l%02d", MaxSymlinkDepth-1))
	require.NoError(t, err)
	assert.Equal(t, "end", string(got))

	_, err = e.Read(fmt.Sprintf("/l%02d", MaxSymlinkDepth+1))
	assert.ErrorIs(t, err, domain.ErrLoop)
}

func TestCopyAndLink(t *testing.T) {
	e, _ := newTestEngine(t)
	require.NoError(t, e.Write("/src", []byte("copy me"), 0))
	require.NoError(t, e.Chmod("/src", 0600))

	require.NoError(t, e.Copy("/src", "/dst", 0))
	got, err := e.Read("/dst")
	require.NoError(t, err)
	assert.Equal(t, "copy me", string(got))
	st, err := e.Stat("/dst")
	require.NoError(t, err)
	assert.Equal(t, domain.S_IFREG|0600, st.Mode)

	assert.ErrorIs(t, e.Copy("/src", "/dst", domain.FlagExclusive), domain.ErrExists)
	require.NoError(t, e.Write("/src", []byte("changed"), 0))
	require.NoError(t, e.Copy("/src", "/dst", 0))

	require.NoError(t, e.Link("/src", "/hard"))
	assert.ErrorIs(t, e.Link("/src", "/hard"), domain.ErrExists)

	// Links are independent copies.
	require.NoError(t, e.Write("/src", []byte("diverged"), 0))
	got, err = e.Read("/hard")
	require.NoError(t, err)
	assert.Equal(t, "changed", string(got))

	require.NoError(t, e.Mkdir("/dir", 0, 0))
	assert.ErrorIs(t, e.Copy("/dir", "/x", 0), domain.ErrIsDirectory)
	assert.ErrorIs(t, e.Copy("/src", "/dir", 0), domain.ErrIsDirectory)
	requireAccounting(t, e)
}

func TestMetadata(t *testing.T) {
	e, _ := newTestEngine(t)
	require.NoError(t, e.Write("/f", []byte("x"), 0))

	require.NoError(t, e.Chmod("/f", 0751))
	require.NoError(t, e.Chown("/f", 1000, 2000))
	atime := time.UnixMilli(1600000000000)
	mtime := time.UnixMilli(1650000000000)
	require.NoError(t, e.Utimes("/f", atime, mtime))

	st, err := e.Stat("/f")
	require.NoError(t, err)
	assert.Equal(t, domain.S_IFREG|0751, st.Mode)
	assert.Equal(t, uint32(1000), st.UID)
	assert.Equal(t, uint32(2000), st.GID)
	assert.True(t, atime.Equal(st.Atime))
	assert.True(t, mtime.Equal(st.Mtime))
	assert.ErrorIs(t, e.Chmod("/missing", 0644), domain.ErrNotFound)
}

func TestAccess(t *testing.T) {
	opts := testOptions()
	opts.CheckPermissions = true
	e, err := Format(store.NewMemStore(), opts)
	require.NoError(t, err)

	require.NoError(t, e.Write("/ro", nil, 0))
	require.NoError(t, e.Chmod("/ro", 0444))

	require.NoError(t, e.Access("/ro", domain.F_OK))
	require.NoError(t, e.Access("/ro", domain.R_OK))
	assert.ErrorIs(t, e.Access("/ro", domain.W_OK), domain.ErrPermission)
	assert.ErrorIs(t, e.Access("/missing", domain.F_OK), domain.ErrNotFound)

	lax, _ := newTestEngine(t)
	require.NoError(t, lax.Write("/ro", nil, 0))
	require.NoError(t, lax.Chmod("/ro", 0))
	assert.NoError(t, lax.Access("/ro", domain.W_OK))
}

func TestMkdtemp(t *testing.T) {
	e, _ := newTestEngine(t)

	a, err := e.Mkdtemp("/tmp/work-")
	require.NoError(t, err)
	b, err := e.Mkdtemp("/tmp/work-")
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
	assert.True(t, strings.HasPrefix(a, "/tmp/work-"))
	assert.Len(t, a, len("/tmp/work-")+6)

	st, err := e.Stat(a)
	require.NoError(t, err)
	assert.True(t, st.IsDir())
}

func TestTruncate_RejectsSizesBeyondDataLimit(t *testing.T) {
	e, _ := newTestEngine(t)
	require.NoError(t, e.Write("/f", []byte("keep"), 0))

	for _, size := range []int64{1 << 62, math.MaxInt64, int64(math.MaxUint32+1) * 512} {
		assert.ErrorIs(t, e.Truncate("/f", size), domain.ErrNoSpace, "size %d", size)
	}
	got, err := e.Read("/f")
	require.NoError(t, err)
	assert.Equal(t, "keep", string(got))

	opts := testOptions()
	opts.MaxBlocks = 8
	capped, err := Open(store.NewMemStore(), opts)
	require.NoError(t, err)
	require.NoError(t, capped.Write("/f", nil, 0))
	assert.ErrorIs(t, capped.Truncate("/f", 9*512), domain.ErrNoSpace)
	require.NoError(t, capped.Truncate("/f", 8*512))
	requireAccounting(t, capped)
}

func TestTruncate_GrowMovesRun(t *testing.T) {
	e, _ := newTestEngine(t)
	require.NoError(t, e.Write("/f", []byte("head"), 0))
	// A neighbour right after /f forces growth into a new run.
	require.NoError(t, e.Write("/g", bytes.Repeat([]byte{0x55}, 512), 0))

	require.NoError(t, e.Truncate("/f", 3000))
	got, err := e.Read("/f")
	require.NoError(t, err)
	assert.Equal(t, append([]byte("head"), make([]byte, 2996)...), got)

	other, err := e.Read("/g")
	require.NoError(t, err)
	assert.Equal(t, bytes.Repeat([]byte{0x55}, 512), other)

	require.NoError(t, e.Truncate("/f", 2))
	got, err = e.Read("/f")
	require.NoError(t, err)
	assert.Equal(t, "he", string(got))
	requireAccounting(t, e)
}

func TestNameLengthLimit(t *testing.T) {
	e, h := newTestEngine(t)
	long := "/" + strings.Repeat("n", domain.MaxNameLen+1)
	fits := "/" + strings.Repeat("n", domain.MaxNameLen)

	assert.ErrorIs(t, e.Write("/"+strings.Repeat("x", 70000), []byte("x"), 0), domain.ErrInvalid)
	assert.ErrorIs(t, e.Write(long, []byte("x"), 0), domain.ErrInvalid)
	assert.ErrorIs(t, e.Mkdir("/d"+long, 0, domain.FlagRecursive), domain.ErrInvalid)
	assert.ErrorIs(t, e.Symlink("/f", long), domain.ErrInvalid)
	_, err := e.OpenFile(1, long, domain.O_CREAT|domain.O_WRONLY, 0)
	assert.ErrorIs(t, err, domain.ErrInvalid)
	assert.False(t, e.Exists(long))

	require.NoError(t, e.Write(fits, []byte("ok"), 0))
	assert.ErrorIs(t, e.Rename(fits, long), domain.ErrInvalid)
	assert.True(t, e.Exists(fits))

	entries, err := e.Readdir("/")
	require.NoError(t, err)
	names := make([]string, 0, len(entries))
	for _, de := range entries {
		names = append(names, de.Name)
	}
	assert.Contains(t, names, fits[1:])
	assert.NotContains(t, names, long[1:])
	requireAccounting(t, e)

	m := remount(t, e, h)
	got, err := m.Read(fits)
	require.NoError(t, err)
	assert.Equal(t, "ok", string(got))
}
