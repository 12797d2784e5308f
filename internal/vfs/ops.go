package vfs

import (
	"fmt"
	"time"

	"github.com/Alexander-D-Karpov/blobfs/internal/domain"
	"github.com/Alexander-D-Karpov/blobfs/internal/layout"
)

func (e *Engine) Read(p string) (_ []byte, err error) {
	defer e.finish(&err)

	_, ino, err := e.resolve(p, true)
	if err != nil {
		return nil, err
	}
	in, err := e.inode(ino)
	if err != nil {
		return nil, err
	}
	if in.IsDir() {
		return nil, fmt.Errorf("%s: %w", p, domain.ErrIsDirectory)
	}
	return e.readContent(&in)
}

// Write creates or replaces the file at p. FlagFlush makes the write
// durable before returning.
func (e *Engine) Write(p string, data []byte, flags uint32) (err error) {
	defer e.finish(&err)

	if err := e.writeFile(p, data, domain.DefaultFileMode); err != nil {
		return err
	}
	if flags&domain.FlagFlush != 0 {
		return e.sync()
	}
	return nil
}

func (e *Engine) writeFile(p string, data []byte, mode uint32) error {
	if Clean(p) == "/" {
		return fmt.Errorf("/: %w", domain.ErrIsDirectory)
	}
	canonical, ino, exists, err := e.lookupCreate(p)
	if err != nil {
		return err
	}

	var in layout.Inode
	if exists {
		if in, err = e.inode(ino); err != nil {
			return err
		}
		if in.IsDir() {
			return fmt.Errorf("%s: %w", canonical, domain.ErrIsDirectory)
		}
	} else if ino, in, err = e.createInode(canonical, domain.TypeFile, mode); err != nil {
		return err
	}
	return e.writeContent(ino, &in, data)
}

// Append concatenates data onto the file, creating it when missing. The
// result is rewritten as one contiguous run.
func (e *Engine) Append(p string, data []byte) (err error) {
	defer e.finish(&err)

	if Clean(p) == "/" {
		return fmt.Errorf("/: %w", domain.ErrIsDirectory)
	}
	canonical, ino, exists, err := e.lookupCreate(p)
	if err != nil {
		return err
	}
	if !exists {
		return e.writeFile(canonical, data, domain.DefaultFileMode)
	}

	in, err := e.inode(ino)
	if err != nil {
		return err
	}
	if in.IsDir() {
		return fmt.Errorf("%s: %w", canonical, domain.ErrIsDirectory)
	}
	old, err := e.readContent(&in)
	if err != nil {
		return err
	}
	return e.writeContent(ino, &in, append(old, data...))
}

// Unlink removes a file or symlink. The final component is not followed.
func (e *Engine) Unlink(p string) (err error) {
	defer e.finish(&err)

	canonical, ino, err := e.resolve(p, false)
	if err != nil {
		return err
	}
	if e.slots[ino] == domain.TypeDirectory {
		return fmt.Errorf("%s: %w", canonical, domain.ErrIsDirectory)
	}
	return e.freeInode(ino)
}

func (e *Engine) Truncate(p string, size int64) (err error) {
	defer e.finish(&err)

	_, ino, err := e.resolve(p, true)
	if err != nil {
		return err
	}
	return e.truncate(ino, size)
}

func (e *Engine) truncate(ino uint32, size int64) error {
	if size < 0 {
		return fmt.Errorf("length %d: %w", size, domain.ErrInvalid)
	}
	in, err := e.inode(ino)
	if err != nil {
		return err
	}
	if in.IsDir() {
		return domain.ErrIsDirectory
	}
	if size == in.Size {
		return nil
	}
	return e.resize(ino, &in, size)
}

// Copy duplicates a file's content and mode. FlagExclusive fails when the
// destination already exists.
func (e *Engine) Copy(src, dst string, flags uint32) (err error) {
	defer e.finish(&err)
	return e.copyFile(src, dst, flags&domain.FlagExclusive != 0)
}

// Link is a copy that refuses to replace the destination. Inodes are
// never shared between paths.
func (e *Engine) Link(src, dst string) (err error) {
	defer e.finish(&err)
	return e.copyFile(src, dst, true)
}

func (e *Engine) copyFile(src, dst string, exclusive bool) error {
	_, sino, err := e.resolve(src, true)
	if err != nil {
		return err
	}
	sin, err := e.inode(sino)
	if err != nil {
		return err
	}
	if sin.IsDir() {
		return fmt.Errorf("%s: %w", src, domain.ErrIsDirectory)
	}
	data, err := e.readContent(&sin)
	if err != nil {
		return err
	}

	if Clean(dst) == "/" {
		return fmt.Errorf("/: %w", domain.ErrIsDirectory)
	}
	canonical, dino, exists, err := e.lookupCreate(dst)
	if err != nil {
		return err
	}
	if exists {
		if exclusive {
			return fmt.Errorf("%s: %w", canonical, domain.ErrExists)
		}
		if dino == sino {
			return nil
		}
	}
	return e.writeFile(canonical, data, sin.Mode)
}

func (e *Engine) Symlink(target, p string) (err error) {
	defer e.finish(&err)

	if target == "" {
		return fmt.Errorf("empty symlink target: %w", domain.ErrInvalid)
	}
	canonical, _, err := e.resolveParent(p)
	if err != nil {
		return err
	}
	if _, ok := e.index.get(canonical); ok {
		return fmt.Errorf("%s: %w", canonical, domain.ErrExists)
	}
	ino, in, err := e.createInode(canonical, domain.TypeSymlink, domain.DefaultSymlinkMode)
	if err != nil {
		return err
	}
	return e.writeContent(ino, &in, []byte(target))
}

func (e *Engine) Readlink(p string) (_ string, err error) {
	defer e.finish(&err)

	canonical, ino, err := e.resolve(p, false)
	if err != nil {
		return "", err
	}
	if e.slots[ino] != domain.TypeSymlink {
		return "", fmt.Errorf("%s: %w", canonical, domain.ErrInvalid)
	}
	return e.symlinkTarget(ino)
}

func (e *Engine) Stat(p string) (domain.Stat, error) {
	return e.stat(p, true)
}

// Lstat is Stat without following a symlink in the final component.
func (e *Engine) Lstat(p string) (domain.Stat, error) {
	return e.stat(p, false)
}

func (e *Engine) stat(p string, follow bool) (_ domain.Stat, err error) {
	defer e.finish(&err)

	_, ino, err := e.resolve(p, follow)
	if err != nil {
		return domain.Stat{}, err
	}
	in, err := e.inode(ino)
	if err != nil {
		return domain.Stat{}, err
	}
	return in.Stat(ino), nil
}

func (e *Engine) Exists(p string) bool {
	_, _, err := e.resolve(p, true)
	return err == nil
}

// Realpath returns the canonical path of p with every symlink resolved.
func (e *Engine) Realpath(p string) (string, error) {
	canonical, _, err := e.resolve(p, true)
	return canonical, err
}

// Access is a best-effort check of the owner permission bits. Without
// CheckPermissions it only checks existence.
func (e *Engine) Access(p string, mode uint32) (err error) {
	defer e.finish(&err)

	canonical, ino, err := e.resolve(p, true)
	if err != nil {
		return err
	}
	if !e.opts.CheckPermissions || mode == domain.F_OK {
		return nil
	}
	in, err := e.inode(ino)
	if err != nil {
		return err
	}
	owner := (in.Mode >> 6) & 7
	if mode&^owner&7 != 0 {
		return fmt.Errorf("%s: %w", canonical, domain.ErrPermission)
	}
	return nil
}

func (e *Engine) Chmod(p string, mode uint32) (err error) {
	defer e.finish(&err)
	return e.updateInode(p, func(in *layout.Inode) {
		in.Mode = mode & 07777
	})
}

func (e *Engine) Chown(p string, uid, gid uint32) (err error) {
	defer e.finish(&err)
	return e.updateInode(p, func(in *layout.Inode) {
		in.UID, in.GID = uid, gid
	})
}

func (e *Engine) Utimes(p string, atime, mtime time.Time) (err error) {
	defer e.finish(&err)
	return e.updateInode(p, func(in *layout.Inode) {
		in.Atime, in.Mtime = domain.Millis(atime), domain.Millis(mtime)
	})
}

func (e *Engine) updateInode(p string, fn func(in *layout.Inode)) error {
	_, ino, err := e.resolve(p, true)
	if err != nil {
		return err
	}
	in, err := e.inode(ino)
	if err != nil {
		return err
	}
	fn(&in)
	in.Ctime = e.now()
	return e.putInode(ino, &in)
}

// Sync writes deferred metadata and flushes the store.
func (e *Engine) Sync() error {
	return e.sync()
}

func (e *Engine) sync() error {
	if err := e.commitPending(); err != nil {
		return err
	}
	if err := e.store.Flush(); err != nil {
		return ioErr(err)
	}
	return nil
}
