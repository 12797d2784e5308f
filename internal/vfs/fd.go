package vfs

import (
	"errors"
	"fmt"

	"github.com/Alexander-D-Karpov/blobfs/internal/domain"
	"github.com/Alexander-D-Karpov/blobfs/internal/layout"
)

type fileDesc struct {
	ino   uint32
	pos   int64
	flags uint32
	owner uint32
	// stale is set when the inode is freed underneath the descriptor.
	stale bool
}

func (fd *fileDesc) readable() bool {
	return fd.flags&domain.O_ACCMODE != domain.O_WRONLY
}

func (fd *fileDesc) writable() bool {
	acc := fd.flags & domain.O_ACCMODE
	return acc == domain.O_WRONLY || acc == domain.O_RDWR
}

func isNotFound(err error) bool {
	return errors.Is(err, domain.ErrNotFound)
}

func (e *Engine) newFD(ino, flags, owner uint32) int {
	fd := e.nextFD
	e.nextFD++
	e.fds[fd] = &fileDesc{ino: ino, flags: flags, owner: owner}
	return fd
}

func (e *Engine) lookupFD(fd int) (*fileDesc, error) {
	d, ok := e.fds[fd]
	if !ok || d.stale {
		return nil, fmt.Errorf("fd %d: %w", fd, domain.ErrBadDescriptor)
	}
	return d, nil
}

// OpenFile opens p and returns a descriptor owned by owner. Directories
// may only be opened read-only.
func (e *Engine) OpenFile(owner uint32, p string, flags, mode uint32) (_ int, err error) {
	defer e.finish(&err)

	var ino uint32
	if flags&domain.O_CREAT != 0 && Clean(p) != "/" {
		canonical, found, exists, err := e.lookupCreate(p)
		if err != nil {
			return 0, err
		}
		switch {
		case exists && flags&domain.O_EXCL != 0:
			return 0, fmt.Errorf("%s: %w", canonical, domain.ErrExists)
		case exists:
			ino = found
		default:
			if mode == 0 {
				mode = domain.DefaultFileMode
			}
			if ino, _, err = e.createInode(canonical, domain.TypeFile, mode); err != nil {
				return 0, err
			}
		}
	} else {
		_, found, err := e.resolve(p, true)
		if err != nil {
			return 0, err
		}
		ino = found
	}

	d := fileDesc{flags: flags}
	if e.slots[ino] == domain.TypeDirectory {
		if d.writable() {
			return 0, fmt.Errorf("%s: %w", p, domain.ErrIsDirectory)
		}
	} else if flags&domain.O_TRUNC != 0 && d.writable() {
		if err := e.truncate(ino, 0); err != nil {
			return 0, err
		}
	}
	return e.newFD(ino, flags, owner), nil
}

// OpenDir opens a directory for listing with ReaddirFD.
func (e *Engine) OpenDir(owner uint32, p string) (_ int, err error) {
	defer e.finish(&err)

	canonical, ino, err := e.resolve(p, true)
	if err != nil {
		return 0, err
	}
	if e.slots[ino] != domain.TypeDirectory {
		return 0, fmt.Errorf("%s: %w", canonical, domain.ErrNotDirectory)
	}
	return e.newFD(ino, domain.O_RDONLY, owner), nil
}

func (e *Engine) CloseFD(fd int) error {
	if _, ok := e.fds[fd]; !ok {
		return fmt.Errorf("fd %d: %w", fd, domain.ErrBadDescriptor)
	}
	delete(e.fds, fd)
	return nil
}

// CloseOwner closes every descriptor owned by owner and reports how many
// there were.
func (e *Engine) CloseOwner(owner uint32) int {
	n := 0
	for fd, d := range e.fds {
		if d.owner == owner {
			delete(e.fds, fd)
			n++
		}
	}
	return n
}

// FRead reads up to n bytes at pos, or at the cursor when pos is
// negative, in which case the cursor advances.
func (e *Engine) FRead(fd int, n int, pos int64) (_ []byte, err error) {
	defer e.finish(&err)

	d, err := e.lookupFD(fd)
	if err != nil {
		return nil, err
	}
	if !d.readable() {
		return nil, fmt.Errorf("fd %d not open for reading: %w", fd, domain.ErrBadDescriptor)
	}
	in, err := e.inode(d.ino)
	if err != nil {
		return nil, err
	}
	if in.IsDir() {
		return nil, fmt.Errorf("fd %d: %w", fd, domain.ErrIsDirectory)
	}
	if n < 0 {
		return nil, fmt.Errorf("read length %d: %w", n, domain.ErrInvalid)
	}

	at := pos
	if pos < 0 {
		at = d.pos
	}
	if at >= in.Size || n == 0 {
		return []byte{}, nil
	}
	count := min(int64(n), in.Size-at)
	buf := make([]byte, count)
	if err := e.readAt(buf, e.layout.BlockOffset(in.FirstBlock)+at); err != nil {
		return nil, err
	}
	if pos < 0 {
		d.pos = at + count
	}
	return buf, nil
}

// FWrite writes data at pos, or at the cursor when pos is negative. With
// O_APPEND the write always lands at end of file.
func (e *Engine) FWrite(fd int, data []byte, pos int64) (_ int, err error) {
	defer e.finish(&err)

	d, err := e.lookupFD(fd)
	if err != nil {
		return 0, err
	}
	if !d.writable() {
		return 0, fmt.Errorf("fd %d not open for writing: %w", fd, domain.ErrBadDescriptor)
	}
	in, err := e.inode(d.ino)
	if err != nil {
		return 0, err
	}
	if in.IsDir() {
		return 0, fmt.Errorf("fd %d: %w", fd, domain.ErrIsDirectory)
	}

	at := pos
	switch {
	case d.flags&domain.O_APPEND != 0:
		at = in.Size
	case pos < 0:
		at = d.pos
	}
	if err := e.writeRange(d.ino, &in, data, at); err != nil {
		return 0, err
	}
	if pos < 0 || d.flags&domain.O_APPEND != 0 {
		d.pos = at + int64(len(data))
	}
	return len(data), nil
}

// writeRange writes data at offset at, moving the file to a larger run
// first when the grown file no longer fits its current one.
func (e *Engine) writeRange(ino uint32, in *layout.Inode, data []byte, at int64) error {
	if err := e.checkFileSize(at); err != nil {
		return err
	}
	end := at + int64(len(data))
	if err := e.checkFileSize(end); err != nil {
		return err
	}
	size := max(in.Size, end)

	if need := e.layout.BlocksFor(size); need > uint64(in.BlockCount) {
		if err := e.growRun(in, uint32(need)); err != nil {
			return err
		}
	}
	base := e.layout.BlockOffset(in.FirstBlock)
	if err := e.zeroRange(base+in.Size, at-in.Size); err != nil {
		return err
	}
	if len(data) > 0 {
		if err := e.writeAt(data, base+at); err != nil {
			return err
		}
	}
	now := e.now()
	in.Size = size
	in.Mtime, in.Ctime = now, now
	return e.putInode(ino, in)
}

func (e *Engine) FStat(fd int) (_ domain.Stat, err error) {
	d, err := e.lookupFD(fd)
	if err != nil {
		return domain.Stat{}, err
	}
	in, err := e.inode(d.ino)
	if err != nil {
		return domain.Stat{}, err
	}
	return in.Stat(d.ino), nil
}

func (e *Engine) FTruncate(fd int, size int64) (err error) {
	defer e.finish(&err)

	d, err := e.lookupFD(fd)
	if err != nil {
		return err
	}
	if !d.writable() {
		return fmt.Errorf("fd %d not open for writing: %w", fd, domain.ErrBadDescriptor)
	}
	return e.truncate(d.ino, size)
}

func (e *Engine) FSync(fd int) error {
	if _, err := e.lookupFD(fd); err != nil {
		return err
	}
	return e.sync()
}

// ReaddirFD lists the directory bound to an OpenDir descriptor.
func (e *Engine) ReaddirFD(fd int) ([]domain.DirEntry, error) {
	d, err := e.lookupFD(fd)
	if err != nil {
		return nil, err
	}
	dir, ok := e.index.path(d.ino)
	if !ok {
		return nil, fmt.Errorf("fd %d: %w", fd, domain.ErrBadDescriptor)
	}
	return e.readdir(dir, d.ino)
}
