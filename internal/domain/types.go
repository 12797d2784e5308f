package domain

import (
	"math"
	"time"
)

const (
	S_IFMT  uint32 = 0170000
	S_IFLNK uint32 = 0120000
	S_IFREG uint32 = 0100000
	S_IFDIR uint32 = 0040000

	S_IRWXU uint32 = 00700
	S_IRWXG uint32 = 00070
	S_IRWXO uint32 = 00007

	DefaultFileMode    uint32 = 0644
	DefaultDirMode     uint32 = 0755
	DefaultSymlinkMode uint32 = 0777

	// MaxNameLen bounds a single path component.
	MaxNameLen = 255
)

// InodeType is the type tag stored in the first byte of an inode record.
type InodeType uint8

const (
	TypeFree InodeType = iota
	TypeFile
	TypeDirectory
	TypeSymlink
)

func (t InodeType) String() string {
	switch t {
	case TypeFree:
		return "free"
	case TypeFile:
		return "file"
	case TypeDirectory:
		return "directory"
	case TypeSymlink:
		return "symlink"
	default:
		return "unknown"
	}
}

// Valid reports whether t is one of the known type tags.
func (t InodeType) Valid() bool {
	return t <= TypeSymlink
}

// FormatBits returns the S_IF* bits matching the type.
func (t InodeType) FormatBits() uint32 {
	switch t {
	case TypeDirectory:
		return S_IFDIR
	case TypeSymlink:
		return S_IFLNK
	default:
		return S_IFREG
	}
}

// Stat is the decoded form of the fixed stat record.
type Stat struct {
	Type  InodeType
	Mode  uint32
	Size  int64
	Mtime time.Time
	Ctime time.Time
	Atime time.Time
	UID   uint32
	GID   uint32
	Ino   uint32
}

func (s *Stat) IsDir() bool {
	return s.Type == TypeDirectory
}

func (s *Stat) IsRegular() bool {
	return s.Type == TypeFile
}

func (s *Stat) IsSymlink() bool {
	return s.Type == TypeSymlink
}

type DirEntry struct {
	Name string
	Type InodeType
}

// Millis converts t to the float64 millisecond timestamps used on disk
// and on the wire.
func Millis(t time.Time) float64 {
	if t.IsZero() {
		return 0
	}
	return float64(t.UnixMilli())
}

func FromMillis(ms float64) time.Time {
	if ms == 0 || math.IsNaN(ms) || math.IsInf(ms, 0) {
		return time.Time{}
	}
	return time.UnixMilli(int64(ms))
}
