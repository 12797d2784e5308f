package vfs

import (
	"crypto/rand"
	"fmt"
	"path"
	"slices"
	"strings"

	"github.com/Alexander-D-Karpov/blobfs/internal/domain"
)

// Mkdir creates a directory. With FlagRecursive every missing ancestor is
// created and an existing directory is not an error.
func (e *Engine) Mkdir(p string, mode, flags uint32) (err error) {
	defer e.finish(&err)

	if mode == 0 {
		mode = domain.DefaultDirMode
	}
	if flags&domain.FlagRecursive != 0 {
		_, err := e.mkdirAll(p, mode)
		return err
	}

	canonical, _, err := e.resolveParent(p)
	if err != nil {
		return err
	}
	if _, ok := e.index.get(canonical); ok {
		return fmt.Errorf("%s: %w", canonical, domain.ErrExists)
	}
	_, _, err = e.createInode(canonical, domain.TypeDirectory, mode)
	return err
}

// mkdirAll walks p one segment at a time, following symlinks to
// directories, and returns the canonical path of the final directory.
func (e *Engine) mkdirAll(p string, mode uint32) (string, error) {
	p = Clean(p)
	cur := "/"
	if p == "/" {
		return cur, nil
	}
	for _, name := range strings.Split(p[1:], "/") {
		next := path.Join(cur, name)
		resolved, ino, err := e.resolve(next, true)
		switch {
		case err == nil:
			if e.slots[ino] != domain.TypeDirectory {
				return "", fmt.Errorf("%s: %w", next, domain.ErrNotDirectory)
			}
			cur = resolved
		case isNotFound(err):
			if _, linked := e.index.get(next); linked {
				// Dangling symlink in the way.
				return "", err
			}
			if _, _, err := e.createInode(next, domain.TypeDirectory, mode); err != nil {
				return "", err
			}
			cur = next
		default:
			return "", err
		}
	}
	return cur, nil
}

// Rmdir removes a directory. With FlagRecursive the whole subtree goes,
// deepest entries first; otherwise a non-empty directory is refused.
func (e *Engine) Rmdir(p string, flags uint32) (err error) {
	defer e.finish(&err)

	canonical, ino, err := e.resolve(p, false)
	if err != nil {
		return err
	}
	if e.slots[ino] != domain.TypeDirectory {
		return fmt.Errorf("%s: %w", canonical, domain.ErrNotDirectory)
	}
	if e.isRoot(ino) {
		return fmt.Errorf("removing root: %w", domain.ErrInvalid)
	}

	if flags&domain.FlagRecursive == 0 {
		if e.index.hasChildren(canonical) {
			return fmt.Errorf("%s: %w", canonical, domain.ErrNotEmpty)
		}
		return e.freeInode(ino)
	}

	below := e.index.descendants(canonical)
	slices.Reverse(below)
	for _, d := range below {
		dino, ok := e.index.get(d)
		if !ok {
			continue
		}
		if err := e.freeInode(dino); err != nil {
			return err
		}
	}
	return e.freeInode(ino)
}

// Readdir lists the direct children of a directory, sorted by name.
func (e *Engine) Readdir(p string) (_ []domain.DirEntry, err error) {
	defer e.finish(&err)

	canonical, ino, err := e.resolve(p, true)
	if err != nil {
		return nil, err
	}
	return e.readdir(canonical, ino)
}

func (e *Engine) readdir(dir string, ino uint32) ([]domain.DirEntry, error) {
	if e.slots[ino] != domain.TypeDirectory {
		return nil, fmt.Errorf("%s: %w", dir, domain.ErrNotDirectory)
	}
	names := e.index.children(dir)
	entries := make([]domain.DirEntry, 0, len(names))
	for _, name := range names {
		cino, _ := e.index.get(path.Join(dir, name))
		entries = append(entries, domain.DirEntry{Name: name, Type: e.slots[cino]})
	}
	return entries, nil
}

// Rename moves an entry to a freshly appended path. For a directory every
// descendant gets a new path entry too. An existing destination is freed
// first, subject to the usual type and emptiness rules.
func (e *Engine) Rename(oldp, newp string) (err error) {
	defer e.finish(&err)

	src, ino, err := e.resolve(oldp, false)
	if err != nil {
		return err
	}
	if e.isRoot(ino) {
		return fmt.Errorf("renaming root: %w", domain.ErrInvalid)
	}
	if Clean(newp) == "/" {
		return fmt.Errorf("renaming onto root: %w", domain.ErrExists)
	}
	dst, _, err := e.resolveParent(newp)
	if err != nil {
		return err
	}
	if err := checkName(dst); err != nil {
		return err
	}
	if dst == src {
		return nil
	}
	isDir := e.slots[ino] == domain.TypeDirectory
	if isDir && strings.HasPrefix(dst, src+"/") {
		return fmt.Errorf("moving %s into itself: %w", src, domain.ErrInvalid)
	}

	if dino, ok := e.index.get(dst); ok {
		dstDir := e.slots[dino] == domain.TypeDirectory
		switch {
		case isDir && !dstDir:
			return fmt.Errorf("%s: %w", dst, domain.ErrNotDirectory)
		case !isDir && dstDir:
			return fmt.Errorf("%s: %w", dst, domain.ErrIsDirectory)
		case dstDir && e.index.hasChildren(dst):
			return fmt.Errorf("%s: %w", dst, domain.ErrNotEmpty)
		}
		if err := e.freeInode(dino); err != nil {
			return err
		}
	}

	var below []string
	if isDir {
		below = e.index.descendants(src)
	}
	if err := e.movePath(ino, dst); err != nil {
		return err
	}
	for _, d := range below {
		dino, ok := e.index.get(d)
		if !ok {
			continue
		}
		if err := e.movePath(dino, dst+d[len(src):]); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) movePath(ino uint32, p string) error {
	off, n, err := e.appendPath(p)
	if err != nil {
		return err
	}
	in, err := e.inode(ino)
	if err != nil {
		return err
	}
	in.PathOffset, in.PathLength = off, n
	in.Ctime = e.now()
	if err := e.putInode(ino, &in); err != nil {
		return err
	}
	e.index.put(p, ino)
	return nil
}

const tempAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// Mkdtemp creates a directory named prefix plus six random characters,
// creating missing parents, and returns its path.
func (e *Engine) Mkdtemp(prefix string) (_ string, err error) {
	defer e.finish(&err)

	for attempt := 0; attempt < 16; attempt++ {
		p := Clean(prefix + randomSuffix(6))
		parent, err := e.mkdirAll(path.Dir(p), domain.DefaultDirMode)
		if err != nil {
			return "", err
		}
		canonical := path.Join(parent, path.Base(p))
		if _, ok := e.index.get(canonical); ok {
			continue
		}
		if _, _, err := e.createInode(canonical, domain.TypeDirectory, 0700); err != nil {
			return "", err
		}
		return canonical, nil
	}
	return "", fmt.Errorf("mkdtemp %s: %w", prefix, domain.ErrExists)
}

func randomSuffix(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	for i := range b {
		b[i] = tempAlphabet[int(b[i])%len(tempAlphabet)]
	}
	return string(b)
}
