package store

import (
	"fmt"
	"os"
	"sync"
)

type FileOptions struct {
	// Exclusive takes an advisory lock so a second process opening the
	// same image fails with ErrLocked instead of corrupting it.
	Exclusive bool
	Perm      os.FileMode
}

// FileStore keeps the image in a regular host file.
type FileStore struct {
	mu     sync.RWMutex
	file   *os.File
	path   string
	closed bool
}

var _ Handle = (*FileStore)(nil)

func OpenFile(path string, opts FileOptions) (*FileStore, error) {
	perm := opts.Perm
	if perm == 0 {
		perm = 0644
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, perm)
	if err != nil {
		return nil, fmt.Errorf("opening image %s: %w", path, err)
	}

	if opts.Exclusive {
		if err := lockFile(f); err != nil {
			f.Close()
			return nil, fmt.Errorf("locking image %s: %w", path, err)
		}
	}

	return &FileStore{file: f, path: path}, nil
}

func (s *FileStore) Path() string {
	return s.path
}

func (s *FileStore) ReadAt(p []byte, off int64) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, ErrClosed
	}
	return s.file.ReadAt(p, off)
}

func (s *FileStore) WriteAt(p []byte, off int64) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, ErrClosed
	}
	return s.file.WriteAt(p, off)
}

func (s *FileStore) Truncate(size int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return s.file.Truncate(size)
}

func (s *FileStore) Flush() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return s.file.Sync()
}

func (s *FileStore) Size() (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, ErrClosed
	}
	info, err := s.file.Stat()
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if err := s.file.Sync(); err != nil {
		s.file.Close()
		return err
	}
	return s.file.Close()
}
