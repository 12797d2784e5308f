package store

import (
	"io"
	"sync"
)

// MemStore is an in-memory Handle, mostly for tests and scratch images.
type MemStore struct {
	mu     sync.RWMutex
	data   []byte
	closed bool
}

var _ Handle = (*MemStore)(nil)

func NewMemStore() *MemStore {
	return &MemStore{}
}

// NewMemStoreFrom wraps an existing image. The slice is copied.
func NewMemStoreFrom(b []byte) *MemStore {
	return &MemStore{data: append([]byte(nil), b...)}
}

func (s *MemStore) ReadAt(p []byte, off int64) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, ErrClosed
	}
	if off >= int64(len(s.data)) {
		return 0, io.EOF
	}
	n := copy(p, s.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (s *MemStore) WriteAt(p []byte, off int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	if end := off + int64(len(p)); end > int64(len(s.data)) {
		s.grow(end)
	}
	return copy(s.data[off:], p), nil
}

func (s *MemStore) Truncate(size int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if size > int64(len(s.data)) {
		s.grow(size)
		return nil
	}
	clear(s.data[size:])
	s.data = s.data[:size]
	return nil
}

func (s *MemStore) grow(size int64) {
	if size <= int64(cap(s.data)) {
		s.data = s.data[:size]
		return
	}
	next := make([]byte, size, size+size/4)
	copy(next, s.data)
	s.data = next
}

func (s *MemStore) Flush() error {
	return nil
}

func (s *MemStore) Size() (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.data)), nil
}

// Bytes returns a copy of the current contents.
func (s *MemStore) Bytes() []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]byte(nil), s.data...)
}

func (s *MemStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
