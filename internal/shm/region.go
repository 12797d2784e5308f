package shm

import (
	"errors"
	"unsafe"
)

var ErrMmapUnsupported = errors.New("shm: file-backed regions not supported on this platform")

// Region is the memory a Channel runs over.
type Region interface {
	Bytes() []byte
	Close() error
}

type heapRegion struct {
	buf []byte
}

// NewHeapRegion allocates an in-process region, for peers that are
// goroutines of one process.
func NewHeapRegion(size int) Region {
	// Backed by uint64s so the header words are 8-byte aligned.
	words := make([]uint64, (size+7)/8)
	buf := unsafeBytes(words)[:size]
	return &heapRegion{buf: buf}
}

func (r *heapRegion) Bytes() []byte { return r.buf }
func (r *heapRegion) Close() error  { return nil }

func unsafeBytes(words []uint64) []byte {
	if len(words) == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), len(words)*8)
}
