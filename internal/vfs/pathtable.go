package vfs

import (
	"fmt"
	"math"

	"github.com/Alexander-D-Karpov/blobfs/internal/domain"
	"github.com/Alexander-D-Karpov/blobfs/internal/layout"
)

// appendPath stores p at the end of the path table, growing the table
// when it is exhausted. Old entries are never reclaimed; a rename simply
// leaves its previous path behind.
func (e *Engine) appendPath(p string) (uint32, uint32, error) {
	n := uint64(len(p))
	if n == 0 || uint64(e.pathUsed)+n > math.MaxUint32 {
		return 0, 0, fmt.Errorf("path table cannot hold %d more bytes: %w", n, domain.ErrNoSpace)
	}
	if err := e.ensurePathSpace(int64(n)); err != nil {
		return 0, 0, err
	}

	off := e.pathUsed
	if err := e.writeAt([]byte(p), e.layout.PathTableOffset+int64(off)); err != nil {
		return 0, 0, err
	}
	e.pathUsed += uint32(n)
	e.sbDirty = true
	return off, uint32(n), nil
}

// ensurePathSpace doubles the path table plus a fixed increment until n
// more bytes fit.
func (e *Engine) ensurePathSpace(n int64) error {
	l := e.layout
	size := l.PathTableSize()
	if int64(e.pathUsed)+n <= size {
		return nil
	}
	for int64(e.pathUsed)+n > size {
		size = size*2 + layout.PathTableIncrement
	}
	if err := e.relayout(l.Resize(l.InodeCount, size, l.TotalBlocks)); err != nil {
		return err
	}
	e.log.Debug("grew path table", "bytes", size, "used", e.pathUsed)
	return nil
}
