// Package store provides the random-access byte stores an image can live
// in. The engine only ever talks to a Handle.
package store

import (
	"errors"
	"io"
)

var (
	ErrClosed = errors.New("store closed")
	ErrLocked = errors.New("store is locked by another process")
)

// Handle is a random-access byte store. Reads past the end return io.EOF
// together with the bytes that were available; writes past the end grow
// the store.
type Handle interface {
	io.ReaderAt
	io.WriterAt
	Truncate(size int64) error
	Flush() error
	Size() (int64, error)
	Close() error
}

// ReadFull fills p from off, treating bytes past the end of the store as
// zeros.
func ReadFull(h Handle, p []byte, off int64) error {
	n, err := h.ReadAt(p, off)
	if err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	clear(p[n:])
	return nil
}
