package store

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	pagesBucket = []byte("pages")
	metaBucket  = []byte("meta")
	sizeKey     = []byte("size")
)

const DefaultBoltPageSize = 4096

// BoltStore keeps the image as fixed-size pages in a bbolt database:
//
//   - pages/<u64 BE page number> -> page bytes (absent pages read as zeros)
//   - meta/size -> u64 BE logical size
//
// Every WriteAt and Truncate is its own transaction, so the store is
// never torn at page granularity.
type BoltStore struct {
	mu       sync.Mutex
	db       *bolt.DB
	pageSize int64
	size     int64
}

var _ Handle = (*BoltStore)(nil)

func OpenBolt(path string, pageSize int) (*BoltStore, error) {
	if pageSize <= 0 {
		pageSize = DefaultBoltPageSize
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		if errors.Is(err, bolt.ErrTimeout) {
			return nil, fmt.Errorf("opening bolt image %s: %w", path, ErrLocked)
		}
		return nil, fmt.Errorf("opening bolt image %s: %w", path, err)
	}

	s := &BoltStore{db: db, pageSize: int64(pageSize)}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(pagesBucket); err != nil {
			return err
		}
		meta, err := tx.CreateBucketIfNotExists(metaBucket)
		if err != nil {
			return err
		}
		if v := meta.Get(sizeKey); len(v) == 8 {
			s.size = int64(binary.BigEndian.Uint64(v))
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing bolt image %s: %w", path, err)
	}
	return s, nil
}

func pageKey(n int64) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], uint64(n))
	return k[:]
}

func putSize(tx *bolt.Tx, size int64) error {
	var v [8]byte
	binary.BigEndian.PutUint64(v[:], uint64(size))
	return tx.Bucket(metaBucket).Put(sizeKey, v[:])
}

func (s *BoltStore) ReadAt(p []byte, off int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return 0, ErrClosed
	}
	if off >= s.size {
		return 0, io.EOF
	}

	want := int64(len(p))
	if off+want > s.size {
		want = s.size - off
	}

	err := s.db.View(func(tx *bolt.Tx) error {
		pages := tx.Bucket(pagesBucket)
		for done := int64(0); done < want; {
			pos := off + done
			pn, inPage := pos/s.pageSize, pos%s.pageSize
			n := min(s.pageSize-inPage, want-done)
			dst := p[done : done+n]
			if page := pages.Get(pageKey(pn)); page != nil {
				copied := copy(dst, page[inPage:])
				clear(dst[copied:])
			} else {
				clear(dst)
			}
			done += n
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if want < int64(len(p)) {
		return int(want), io.EOF
	}
	return int(want), nil
}

func (s *BoltStore) WriteAt(p []byte, off int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return 0, ErrClosed
	}

	end := off + int64(len(p))
	err := s.db.Update(func(tx *bolt.Tx) error {
		pages := tx.Bucket(pagesBucket)
		for done := int64(0); done < int64(len(p)); {
			pos := off + done
			pn, inPage := pos/s.pageSize, pos%s.pageSize
			n := min(s.pageSize-inPage, int64(len(p))-done)

			page := make([]byte, s.pageSize)
			if old := pages.Get(pageKey(pn)); old != nil {
				copy(page, old)
			}
			copy(page[inPage:], p[done:done+n])
			if err := pages.Put(pageKey(pn), page); err != nil {
				return err
			}
			done += n
		}
		if end > s.size {
			return putSize(tx, end)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if end > s.size {
		s.size = end
	}
	return len(p), nil
}

func (s *BoltStore) Truncate(size int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return ErrClosed
	}

	err := s.db.Update(func(tx *bolt.Tx) error {
		if size < s.size {
			pages := tx.Bucket(pagesBucket)
			keep := (size + s.pageSize - 1) / s.pageSize
			var stale [][]byte
			c := pages.Cursor()
			for k, _ := c.Seek(pageKey(keep)); k != nil; k, _ = c.Next() {
				stale = append(stale, append([]byte(nil), k...))
			}
			for _, k := range stale {
				if err := pages.Delete(k); err != nil {
					return err
				}
			}
			// Zero the tail of a partial last page so a later grow reads zeros.
			if inPage := size % s.pageSize; inPage != 0 {
				if old := pages.Get(pageKey(size / s.pageSize)); old != nil {
					page := make([]byte, s.pageSize)
					copy(page[:inPage], old)
					if err := pages.Put(pageKey(size/s.pageSize), page); err != nil {
						return err
					}
				}
			}
		}
		return putSize(tx, size)
	})
	if err != nil {
		return err
	}
	s.size = size
	return nil
}

func (s *BoltStore) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return ErrClosed
	}
	return s.db.Sync()
}

func (s *BoltStore) Size() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return 0, ErrClosed
	}
	return s.size, nil
}

func (s *BoltStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// Open picks a Handle implementation by backend name.
func Open(backend, path string, exclusive bool) (Handle, error) {
	switch backend {
	case "", "file":
		return OpenFile(path, FileOptions{Exclusive: exclusive})
	case "bolt":
		return OpenBolt(path, DefaultBoltPageSize)
	case "memory":
		return NewMemStore(), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", backend)
	}
}
