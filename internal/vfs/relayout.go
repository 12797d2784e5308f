package vfs

import (
	"fmt"

	"github.com/Alexander-D-Karpov/blobfs/internal/domain"
	"github.com/Alexander-D-Karpov/blobfs/internal/layout"
)

const moveChunk = 1 << 20

// relayout moves the image to next, which may only grow regions. The
// store is extended first, then regions are copied from the highest
// down so no source is overwritten before it is moved: data blocks,
// path table, fresh inode slots, bitmap. The superblock is rewritten
// last and the store flushed, so a crash before that point leaves the
// old superblock describing the old offsets.
func (e *Engine) relayout(next layout.Layout) error {
	cur := e.layout
	if err := next.Validate(); err != nil {
		return err
	}
	if next.InodeCount < cur.InodeCount || next.PathTableSize() < cur.PathTableSize() ||
		next.TotalBlocks < cur.TotalBlocks || next.DataOffset < cur.DataOffset {
		return fmt.Errorf("relayout may only grow regions: %w", domain.ErrInvalid)
	}

	if err := e.store.Truncate(next.TotalSize()); err != nil {
		return ioErr(err)
	}

	if next.DataOffset != cur.DataOffset {
		if last, ok := e.bitmap.lastUsed(); ok {
			n := int64(last+1) * int64(cur.BlockSize)
			if err := e.moveRange(cur.DataOffset, next.DataOffset, n); err != nil {
				return err
			}
		}
	}
	if next.PathTableOffset != cur.PathTableOffset {
		if err := e.moveRange(cur.PathTableOffset, next.PathTableOffset, int64(e.pathUsed)); err != nil {
			return err
		}
	}
	if next.InodeCount > cur.InodeCount {
		fresh := make([]byte, int64(next.InodeCount-cur.InodeCount)*layout.InodeSize)
		if err := e.writeAt(fresh, next.InodeOffset(cur.InodeCount)); err != nil {
			return err
		}
		e.slots = append(e.slots, make([]domain.InodeType, next.InodeCount-cur.InodeCount)...)
	}

	e.freeBlocks += next.TotalBlocks - cur.TotalBlocks
	e.bitmap.resize(next.TotalBlocks)
	if err := e.writeAt(e.bitmap.bits, next.BitmapOffset); err != nil {
		return err
	}
	e.bitmap.clean()

	e.layout = next
	if err := e.writeSuperblock(); err != nil {
		return err
	}
	if err := e.store.Flush(); err != nil {
		return ioErr(err)
	}
	return nil
}

// moveRange copies n bytes from src to dst, walking backwards in chunks.
// Ranges may overlap only when dst >= src.
func (e *Engine) moveRange(src, dst, n int64) error {
	if n <= 0 || src == dst {
		return nil
	}
	buf := make([]byte, min(n, moveChunk))
	for end := n; end > 0; {
		size := min(end, int64(len(buf)))
		start := end - size
		chunk := buf[:size]
		if err := e.readAt(chunk, src+start); err != nil {
			return err
		}
		if err := e.writeAt(chunk, dst+start); err != nil {
			return err
		}
		end = start
	}
	return nil
}
