package vfs

import (
	"fmt"
	"math"
	"path"

	"github.com/Alexander-D-Karpov/blobfs/internal/domain"
	"github.com/Alexander-D-Karpov/blobfs/internal/layout"
)

func (e *Engine) inode(ino uint32) (layout.Inode, error) {
	if in, ok := e.cache.get(ino); ok {
		return in, nil
	}
	buf := make([]byte, layout.InodeSize)
	if err := e.readAt(buf, e.layout.InodeOffset(ino)); err != nil {
		return layout.Inode{}, err
	}
	var in layout.Inode
	in.Decode(buf)
	e.cache.put(ino, in)
	return in, nil
}

func (e *Engine) putInode(ino uint32, in *layout.Inode) error {
	buf := make([]byte, layout.InodeSize)
	in.Encode(buf)
	if err := e.writeAt(buf, e.layout.InodeOffset(ino)); err != nil {
		e.cache.invalidate(ino)
		return err
	}
	e.cache.put(ino, *in)
	return nil
}

// allocSlot finds a free inode slot starting at the free hint, wrapping
// once, and doubles the inode table when every slot is taken.
func (e *Engine) allocSlot() (uint32, error) {
	count := uint32(len(e.slots))
	for i := e.freeHint; i < count; i++ {
		if e.slots[i] == domain.TypeFree {
			e.freeHint = i + 1
			return i, nil
		}
	}
	for i := uint32(1); i < min(e.freeHint, count); i++ {
		if e.slots[i] == domain.TypeFree {
			e.freeHint = i + 1
			return i, nil
		}
	}

	if err := e.growInodes(); err != nil {
		return 0, err
	}
	e.freeHint = count + 1
	return count, nil
}

func (e *Engine) growInodes() error {
	l := e.layout
	next := uint64(l.InodeCount) * 2
	if next > math.MaxUint32/layout.InodeSize {
		return fmt.Errorf("inode table full at %d: %w", l.InodeCount, domain.ErrNoSpace)
	}
	if err := e.relayout(l.Resize(uint32(next), l.PathTableSize(), l.TotalBlocks)); err != nil {
		return err
	}
	e.log.Debug("grew inode table", "inodes", next)
	return nil
}

// createInode is the single place inodes come into existence: it takes
// a slot, appends the path and writes the record.
func (e *Engine) createInode(p string, typ domain.InodeType, mode uint32) (uint32, layout.Inode, error) {
	if err := checkName(p); err != nil {
		return 0, layout.Inode{}, err
	}
	ino, err := e.allocSlot()
	if err != nil {
		return 0, layout.Inode{}, err
	}
	off, n, err := e.appendPath(p)
	if err != nil {
		if ino < e.freeHint {
			e.freeHint = ino
		}
		return 0, layout.Inode{}, err
	}

	now := e.now()
	in := layout.Inode{
		Type:       typ,
		PathOffset: off,
		PathLength: n,
		Mode:       mode &^ domain.S_IFMT,
		Mtime:      now,
		Ctime:      now,
		Atime:      now,
		UID:        e.opts.UID,
		GID:        e.opts.GID,
	}
	if err := e.putInode(ino, &in); err != nil {
		return 0, layout.Inode{}, err
	}
	e.slots[ino] = typ
	e.index.put(p, ino)
	return ino, in, nil
}

func checkName(p string) error {
	if name := path.Base(p); len(name) > domain.MaxNameLen {
		return fmt.Errorf("name of %d bytes: %w", len(name), domain.ErrInvalid)
	}
	return nil
}

// freeInode releases the inode's blocks, clears its record and drops it
// from the index. Descriptors still pointing at it go stale.
func (e *Engine) freeInode(ino uint32) error {
	if ino == layout.RootInode {
		return fmt.Errorf("freeing root: %w", domain.ErrInvalid)
	}
	in, err := e.inode(ino)
	if err != nil {
		return err
	}
	e.releaseBlocks(in.FirstBlock, in.BlockCount)

	var zero layout.Inode
	if err := e.putInode(ino, &zero); err != nil {
		return err
	}
	e.cache.invalidate(ino)
	if p, ok := e.index.path(ino); ok {
		e.index.remove(p)
	}
	e.slots[ino] = domain.TypeFree
	if ino < e.freeHint {
		e.freeHint = ino
	}
	for _, fd := range e.fds {
		if fd.ino == ino {
			fd.stale = true
		}
	}
	return nil
}

func (e *Engine) readContent(in *layout.Inode) ([]byte, error) {
	if in.Size <= 0 {
		return []byte{}, nil
	}
	buf := make([]byte, in.Size)
	if err := e.readAt(buf, e.layout.BlockOffset(in.FirstBlock)); err != nil {
		return nil, err
	}
	return buf, nil
}

// writeContent replaces the inode's content. The current run is reused
// when it is large enough, with surplus tail blocks released; otherwise
// the run is freed and a new one allocated.
func (e *Engine) writeContent(ino uint32, in *layout.Inode, data []byte) error {
	if err := e.checkFileSize(int64(len(data))); err != nil {
		return err
	}
	need := uint32(e.layout.BlocksFor(int64(len(data))))
	switch {
	case need <= in.BlockCount:
		e.releaseBlocks(in.FirstBlock+need, in.BlockCount-need)
		in.BlockCount = need
		if need == 0 {
			in.FirstBlock = 0
		}
	default:
		oldFirst, oldCount := in.FirstBlock, in.BlockCount
		e.releaseBlocks(oldFirst, oldCount)
		first, err := e.allocBlocks(need)
		if err != nil {
			// Nothing was claimed, so the old run still holds the old content.
			if oldCount > 0 {
				e.bitmap.set(oldFirst, oldCount, true)
				e.freeBlocks -= oldCount
			}
			return err
		}
		in.FirstBlock, in.BlockCount = first, need
	}

	if len(data) > 0 {
		if err := e.writeAt(data, e.layout.BlockOffset(in.FirstBlock)); err != nil {
			return err
		}
	}
	now := e.now()
	in.Size = int64(len(data))
	in.Mtime, in.Ctime = now, now
	return e.putInode(ino, in)
}

// growRun moves the inode's content into a fresh run of need blocks.
// The new run is claimed before the old one is released, so the copy
// never overlaps and growth of the data region carries the old run along.
func (e *Engine) growRun(in *layout.Inode, need uint32) error {
	oldFirst, oldCount := in.FirstBlock, in.BlockCount
	first, err := e.allocBlocks(need)
	if err != nil {
		return err
	}
	if in.Size > 0 {
		if err := e.moveRange(e.layout.BlockOffset(oldFirst), e.layout.BlockOffset(first), in.Size); err != nil {
			e.releaseBlocks(first, need)
			return err
		}
	}
	e.releaseBlocks(oldFirst, oldCount)
	in.FirstBlock, in.BlockCount = first, need
	return nil
}

// zeroRange fills n bytes at off with zeros. Released blocks keep their
// old bytes, so every gap a file grows over is written explicitly.
func (e *Engine) zeroRange(off, n int64) error {
	if n <= 0 {
		return nil
	}
	zeros := make([]byte, min(n, moveChunk))
	for n > 0 {
		chunk := zeros[:min(n, int64(len(zeros)))]
		if err := e.writeAt(chunk, off); err != nil {
			return err
		}
		off += int64(len(chunk))
		n -= int64(len(chunk))
	}
	return nil
}

// resize sets the file size without buffering its content: shrinking
// releases surplus tail blocks, growing moves to a larger run when needed
// and zero-fills from the old end.
func (e *Engine) resize(ino uint32, in *layout.Inode, size int64) error {
	if err := e.checkFileSize(size); err != nil {
		return err
	}
	need := uint32(e.layout.BlocksFor(size))
	if size < in.Size {
		e.releaseBlocks(in.FirstBlock+need, in.BlockCount-need)
		in.BlockCount = need
		if need == 0 {
			in.FirstBlock = 0
		}
	} else {
		if need > in.BlockCount {
			if err := e.growRun(in, need); err != nil {
				return err
			}
		}
		if err := e.zeroRange(e.layout.BlockOffset(in.FirstBlock)+in.Size, size-in.Size); err != nil {
			return err
		}
	}
	now := e.now()
	in.Size = size
	in.Mtime, in.Ctime = now, now
	return e.putInode(ino, in)
}
