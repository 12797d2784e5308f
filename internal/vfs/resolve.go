package vfs

import (
	"fmt"
	"path"
	"strings"

	"github.com/Alexander-D-Karpov/blobfs/internal/domain"
	"github.com/Alexander-D-Karpov/blobfs/internal/layout"
)

// Clean normalizes p to an absolute path without ".", ".." or repeated
// slashes.
func Clean(p string) string {
	return path.Clean("/" + p)
}

// linkTarget resolves a symlink's target against the directory holding
// the link. Absolute targets replace the path outright.
func linkTarget(linkPath, target string) string {
	if strings.HasPrefix(target, "/") {
		return path.Clean(target)
	}
	return path.Join(path.Dir(linkPath), target)
}

func (e *Engine) symlinkTarget(ino uint32) (string, error) {
	in, err := e.inode(ino)
	if err != nil {
		return "", err
	}
	b, err := e.readContent(&in)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// resolve returns the canonical path and inode of p. followLast controls
// whether a symlink in the final component is dereferenced.
func (e *Engine) resolve(p string, followLast bool) (string, uint32, error) {
	return e.resolveDepth(Clean(p), followLast, 0)
}

func (e *Engine) resolveDepth(p string, followLast bool, depth int) (string, uint32, error) {
	if depth > MaxSymlinkDepth {
		return "", 0, fmt.Errorf("%s: %w", p, domain.ErrLoop)
	}

	// Indexed paths are canonical: every ancestor is a real directory.
	if ino, ok := e.index.get(p); ok {
		if !followLast || e.slots[ino] != domain.TypeSymlink {
			return p, ino, nil
		}
		target, err := e.symlinkTarget(ino)
		if err != nil {
			return "", 0, err
		}
		return e.resolveDepth(linkTarget(p, target), true, depth+1)
	}

	cur := "/"
	parts := strings.Split(strings.TrimPrefix(p, "/"), "/")
	for i, name := range parts {
		last := i == len(parts)-1
		next := path.Join(cur, name)
		ino, ok := e.index.get(next)
		if !ok {
			return "", 0, fmt.Errorf("%s: %w", p, domain.ErrNotFound)
		}

		if e.slots[ino] == domain.TypeSymlink && (!last || followLast) {
			target, err := e.symlinkTarget(ino)
			if err != nil {
				return "", 0, err
			}
			resolved, rino, err := e.resolveDepth(linkTarget(next, target), true, depth+1)
			if err != nil {
				return "", 0, err
			}
			if last {
				return resolved, rino, nil
			}
			if e.slots[rino] != domain.TypeDirectory {
				return "", 0, fmt.Errorf("%s: %w", next, domain.ErrNotDirectory)
			}
			// The rest of the path continues below the link's target.
			rest := path.Join(append([]string{resolved}, parts[i+1:]...)...)
			return e.resolveDepth(rest, followLast, depth+1)
		}

		if last {
			return next, ino, nil
		}
		if e.slots[ino] != domain.TypeDirectory {
			return "", 0, fmt.Errorf("%s: %w", next, domain.ErrNotDirectory)
		}
		cur = next
	}
	return "", 0, fmt.Errorf("%s: %w", p, domain.ErrNotFound)
}

// resolveParent resolves the directory that holds p and returns the
// canonical path p would have inside it.
func (e *Engine) resolveParent(p string) (string, uint32, error) {
	p = Clean(p)
	if p == "/" {
		return "", 0, fmt.Errorf("root has no parent: %w", domain.ErrExists)
	}
	dir, base := path.Split(p)
	parent, pino, err := e.resolve(dir, true)
	if err != nil {
		return "", 0, err
	}
	if e.slots[pino] != domain.TypeDirectory {
		return "", 0, fmt.Errorf("%s: %w", parent, domain.ErrNotDirectory)
	}
	return path.Join(parent, base), pino, nil
}

// lookupCreate resolves p for a create-or-open style operation. When the
// final component is a symlink it is followed, so writing through a
// dangling link creates its target. exists is false when the canonical
// path is free for a new inode.
func (e *Engine) lookupCreate(p string) (canonical string, ino uint32, exists bool, err error) {
	for depth := 0; depth <= MaxSymlinkDepth; depth++ {
		child, _, err := e.resolveParent(p)
		if err != nil {
			return "", 0, false, err
		}
		ino, ok := e.index.get(child)
		if !ok {
			return child, 0, false, nil
		}
		if e.slots[ino] != domain.TypeSymlink {
			return child, ino, true, nil
		}
		target, err := e.symlinkTarget(ino)
		if err != nil {
			return "", 0, false, err
		}
		p = linkTarget(child, target)
	}
	return "", 0, false, fmt.Errorf("%s: %w", p, domain.ErrLoop)
}

func (e *Engine) isRoot(ino uint32) bool {
	return ino == layout.RootInode
}
