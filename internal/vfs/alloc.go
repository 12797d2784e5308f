package vfs

import (
	"fmt"
	"math"

	"github.com/dustin/go-humanize"

	"github.com/Alexander-D-Karpov/blobfs/internal/domain"
)

// allocBlocks claims count contiguous blocks, first fit. When no run is
// free the data region grows and the bitmap is rescanned, so a free tail
// of the old region joins the new space.
func (e *Engine) allocBlocks(count uint32) (uint32, error) {
	if count == 0 {
		return 0, nil
	}
	first, ok := e.bitmap.findRun(count)
	if !ok {
		if err := e.growData(count); err != nil {
			return 0, err
		}
		if first, ok = e.bitmap.findRun(count); !ok {
			return 0, fmt.Errorf("no run of %d blocks after growth: %w", count, domain.ErrNoSpace)
		}
	}
	e.bitmap.set(first, count, true)
	e.freeBlocks -= count
	e.sbDirty = true
	return first, nil
}

func (e *Engine) releaseBlocks(first, count uint32) {
	if count == 0 {
		return
	}
	e.bitmap.set(first, count, false)
	e.freeBlocks += count
	e.sbDirty = true
	e.pendingTrim = true
}

// growData extends the data region geometrically to
// max(2*total, total+needed) blocks.
func (e *Engine) growData(needed uint32) error {
	total := uint64(e.layout.TotalBlocks)
	next := max(2*total, total+uint64(needed))

	limit := e.blockLimit()
	if next > limit {
		// Fall back to the smallest growth that still fits.
		next = total + uint64(needed)
		if next > limit {
			return fmt.Errorf("need %d more blocks beyond %d: %w", needed, total, domain.ErrNoSpace)
		}
	}

	l := e.layout
	if err := e.relayout(l.Resize(l.InodeCount, l.PathTableSize(), uint32(next))); err != nil {
		return err
	}
	e.log.Debug("grew data region",
		"blocks", next,
		"size", humanize.IBytes(uint64(e.layout.TotalSize())))
	return nil
}

// blockLimit is the most data blocks the region may ever hold.
func (e *Engine) blockLimit() uint64 {
	if e.opts.MaxBlocks > 0 {
		return uint64(e.opts.MaxBlocks)
	}
	return math.MaxUint32
}

// checkFileSize rejects sizes no data region could hold, before any
// buffer or run is sized from them.
func (e *Engine) checkFileSize(n int64) error {
	if n < 0 {
		return fmt.Errorf("size %d: %w", n, domain.ErrInvalid)
	}
	if limit := e.blockLimit(); e.layout.BlocksFor(n) > limit {
		return fmt.Errorf("size %d beyond %s of data: %w",
			n, humanize.IBytes(limit*uint64(e.layout.BlockSize)), domain.ErrNoSpace)
	}
	return nil
}
