//go:build darwin || linux

package shm

import (
	"fmt"

	"golang.org/x/sys/unix"
)

type fileRegion struct {
	fd   int
	data []byte
}

// MapFile maps path shared and read-write, creating it and growing it
// to size when it is shorter. Every process mapping the same file sees
// the same channel.
func MapFile(path string, size int) (Region, error) {
	if size <= HeaderSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrRegionTooSmall, size)
	}
	fd, err := unix.Open(path, unix.O_CREAT|unix.O_RDWR|unix.O_CLOEXEC, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open shm file %s: %w", path, err)
	}

	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("stat shm file %s: %w", path, err)
	}
	if st.Size < int64(size) {
		if err := unix.Ftruncate(fd, int64(size)); err != nil {
			unix.Close(fd)
			return nil, fmt.Errorf("size shm file %s: %w", path, err)
		}
	}

	data, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("mmap shm file %s: %w", path, err)
	}
	return &fileRegion{fd: fd, data: data}, nil
}

func (r *fileRegion) Bytes() []byte { return r.data }

func (r *fileRegion) Close() error {
	var firstErr error
	if err := unix.Munmap(r.data); err != nil {
		firstErr = fmt.Errorf("munmap: %w", err)
	}
	if err := unix.Close(r.fd); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("close: %w", err)
	}
	return firstErr
}
