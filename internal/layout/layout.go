// Package layout describes where every region of an image lives inside the
// backing store, and encodes the two fixed-size records (superblock and
// inode) that point into those regions.
//
// The image is laid out as
//
//	[superblock 64B][inode table][path table][bitmap][pad][data blocks]
//
// Region offsets only ever grow. When a region needs more room, a new
// Layout is computed with Resize and everything after the grown region is
// shifted forward as one unit; offsets stored inside inode records are
// relative to their region, so they survive the shift unchanged.
package layout

import (
	"fmt"

	"github.com/Alexander-D-Karpov/blobfs/internal/domain"
)

const (
	Magic          uint32 = 0x53464C42 // "BLFS"
	Version        uint32 = 1
	SuperblockSize        = 64
	InodeSize             = 64

	DefaultBlockSize     uint32 = 4096
	DefaultInodeCount    uint32 = 64
	DefaultInitialBlocks uint32 = 16

	MinBlockSize uint32 = 512
	MaxBlockSize uint32 = 1 << 20

	// PathBytesPerInode sizes a fresh path table.
	PathBytesPerInode = 64
	// PathTableIncrement is added on top of doubling when the path
	// table is exhausted.
	PathTableIncrement = 4096

	RootInode uint32 = 0
)

// Layout is the complete set of region offsets for one image. It is
// recomputed and validated as a unit; nothing patches individual offsets.
type Layout struct {
	InodeCount  uint32
	BlockSize   uint32
	TotalBlocks uint32

	InodeTableOffset int64
	PathTableOffset  int64
	BitmapOffset     int64
	DataOffset       int64
}

// Calculate lays out a fresh image with a default-sized path table.
func Calculate(inodeCount, blockSize, totalBlocks uint32) Layout {
	return compute(inodeCount, blockSize, totalBlocks, int64(inodeCount)*PathBytesPerInode)
}

func compute(inodeCount, blockSize, totalBlocks uint32, pathTableSize int64) Layout {
	l := Layout{
		InodeCount:       inodeCount,
		BlockSize:        blockSize,
		TotalBlocks:      totalBlocks,
		InodeTableOffset: SuperblockSize,
	}
	l.PathTableOffset = l.InodeTableOffset + int64(inodeCount)*InodeSize
	l.BitmapOffset = l.PathTableOffset + pathTableSize
	l.DataOffset = alignUp(l.BitmapOffset+BitmapBytes(totalBlocks), int64(blockSize))
	return l
}

// Resize returns the layout for new region sizes. Offsets never move
// backwards, so relocating from l to the result only copies regions
// towards the end of the store.
func (l Layout) Resize(inodeCount uint32, pathTableSize int64, totalBlocks uint32) Layout {
	next := compute(inodeCount, l.BlockSize, totalBlocks, pathTableSize)
	if next.DataOffset < l.DataOffset {
		next.DataOffset = l.DataOffset
	}
	return next
}

// Validate checks the ordering and alignment invariants of the regions.
func (l Layout) Validate() error {
	if l.InodeTableOffset != SuperblockSize {
		return fmt.Errorf("inode table at %d, want %d: %w", l.InodeTableOffset, SuperblockSize, domain.ErrBadRegionOffset)
	}
	if want := l.InodeTableOffset + int64(l.InodeCount)*InodeSize; l.PathTableOffset != want {
		return fmt.Errorf("path table at %d, want %d: %w", l.PathTableOffset, want, domain.ErrBadRegionOffset)
	}
	if l.BitmapOffset <= l.PathTableOffset {
		return fmt.Errorf("bitmap at %d not after path table at %d: %w", l.BitmapOffset, l.PathTableOffset, domain.ErrBadRegionOffset)
	}
	if l.DataOffset < l.BitmapOffset+BitmapBytes(l.TotalBlocks) {
		return fmt.Errorf("data at %d overlaps bitmap ending at %d: %w",
			l.DataOffset, l.BitmapOffset+BitmapBytes(l.TotalBlocks), domain.ErrBadRegionOffset)
	}
	if l.BlockSize == 0 || l.DataOffset%int64(l.BlockSize) != 0 {
		return fmt.Errorf("data at %d not aligned to block size %d: %w", l.DataOffset, l.BlockSize, domain.ErrBadRegionOffset)
	}
	return nil
}

func (l Layout) PathTableSize() int64 {
	return l.BitmapOffset - l.PathTableOffset
}

// BitmapCapacity is the number of bitmap bytes that fit before the data
// region, including alignment padding.
func (l Layout) BitmapCapacity() int64 {
	return l.DataOffset - l.BitmapOffset
}

func (l Layout) TotalSize() int64 {
	return l.DataOffset + int64(l.TotalBlocks)*int64(l.BlockSize)
}

func (l Layout) InodeOffset(index uint32) int64 {
	return l.InodeTableOffset + int64(index)*InodeSize
}

func (l Layout) BlockOffset(block uint32) int64 {
	return l.DataOffset + int64(block)*int64(l.BlockSize)
}

// BlocksFor returns how many blocks hold n bytes. The count can exceed
// the 32-bit block index; callers bound it before allocating.
func (l Layout) BlocksFor(n int64) uint64 {
	if n <= 0 {
		return 0
	}
	bs := uint64(l.BlockSize)
	return (uint64(n) + bs - 1) / bs
}

func BitmapBytes(blocks uint32) int64 {
	return (int64(blocks) + 7) / 8
}

func IsPowerOfTwo(n uint32) bool {
	return n != 0 && n&(n-1) == 0
}

func alignUp(n, align int64) int64 {
	if align <= 0 {
		return n
	}
	return (n + align - 1) / align * align
}
