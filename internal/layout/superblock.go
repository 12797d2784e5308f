package layout

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/Alexander-D-Karpov/blobfs/internal/domain"
)

// Superblock is the fixed header at byte 0 of every image. Region offsets
// are stored as float64 so images past 4 GiB stay addressable.
type Superblock struct {
	Magic            uint32
	Version          uint32
	InodeCount       uint32
	BlockSize        uint32
	TotalBlocks      uint32
	FreeBlocks       uint32
	InodeTableOffset float64
	PathTableOffset  float64
	BitmapOffset     float64
	DataOffset       float64
	PathTableUsed    uint32
}

func NewSuperblock(l Layout, freeBlocks, pathTableUsed uint32) Superblock {
	return Superblock{
		Magic:            Magic,
		Version:          Version,
		InodeCount:       l.InodeCount,
		BlockSize:        l.BlockSize,
		TotalBlocks:      l.TotalBlocks,
		FreeBlocks:       freeBlocks,
		InodeTableOffset: float64(l.InodeTableOffset),
		PathTableOffset:  float64(l.PathTableOffset),
		BitmapOffset:     float64(l.BitmapOffset),
		DataOffset:       float64(l.DataOffset),
		PathTableUsed:    pathTableUsed,
	}
}

func (sb *Superblock) Encode(buf []byte) {
	binary.LittleEndian.PutUint32(buf[0:4], sb.Magic)
	binary.LittleEndian.PutUint32(buf[4:8], sb.Version)
	binary.LittleEndian.PutUint32(buf[8:12], sb.InodeCount)
	binary.LittleEndian.PutUint32(buf[12:16], sb.BlockSize)
	binary.LittleEndian.PutUint32(buf[16:20], sb.TotalBlocks)
	binary.LittleEndian.PutUint32(buf[20:24], sb.FreeBlocks)
	binary.LittleEndian.PutUint64(buf[24:32], math.Float64bits(sb.InodeTableOffset))
	binary.LittleEndian.PutUint64(buf[32:40], math.Float64bits(sb.PathTableOffset))
	binary.LittleEndian.PutUint64(buf[40:48], math.Float64bits(sb.BitmapOffset))
	binary.LittleEndian.PutUint64(buf[48:56], math.Float64bits(sb.DataOffset))
	binary.LittleEndian.PutUint32(buf[56:60], sb.PathTableUsed)
	binary.LittleEndian.PutUint32(buf[60:64], 0)
}

func (sb *Superblock) Decode(buf []byte) error {
	if len(buf) < SuperblockSize {
		return domain.ErrStoreTooSmall
	}
	sb.Magic = binary.LittleEndian.Uint32(buf[0:4])
	sb.Version = binary.LittleEndian.Uint32(buf[4:8])
	sb.InodeCount = binary.LittleEndian.Uint32(buf[8:12])
	sb.BlockSize = binary.LittleEndian.Uint32(buf[12:16])
	sb.TotalBlocks = binary.LittleEndian.Uint32(buf[16:20])
	sb.FreeBlocks = binary.LittleEndian.Uint32(buf[20:24])
	sb.InodeTableOffset = math.Float64frombits(binary.LittleEndian.Uint64(buf[24:32]))
	sb.PathTableOffset = math.Float64frombits(binary.LittleEndian.Uint64(buf[32:40]))
	sb.BitmapOffset = math.Float64frombits(binary.LittleEndian.Uint64(buf[40:48]))
	sb.DataOffset = math.Float64frombits(binary.LittleEndian.Uint64(buf[48:56]))
	sb.PathTableUsed = binary.LittleEndian.Uint32(buf[56:60])
	return nil
}

// Layout converts the stored offsets back to a Layout. Call Validate
// first; non-integral offsets are truncated here.
func (sb *Superblock) Layout() Layout {
	return Layout{
		InodeCount:       sb.InodeCount,
		BlockSize:        sb.BlockSize,
		TotalBlocks:      sb.TotalBlocks,
		InodeTableOffset: int64(sb.InodeTableOffset),
		PathTableOffset:  int64(sb.PathTableOffset),
		BitmapOffset:     int64(sb.BitmapOffset),
		DataOffset:       int64(sb.DataOffset),
	}
}

// Validate performs the strict mount-time checks, failing on the first
// inconsistency with a distinct error.
func (sb *Superblock) Validate(storeSize int64) error {
	if sb.Magic != Magic {
		return fmt.Errorf("magic 0x%08x: %w", sb.Magic, domain.ErrBadMagic)
	}
	if sb.Version != Version {
		return fmt.Errorf("version %d: %w", sb.Version, domain.ErrUnsupportedVersion)
	}
	if !IsPowerOfTwo(sb.BlockSize) || sb.BlockSize < MinBlockSize || sb.BlockSize > MaxBlockSize {
		return fmt.Errorf("block size %d: %w", sb.BlockSize, domain.ErrBadBlockSize)
	}
	if sb.InodeCount == 0 {
		return domain.ErrNoInodes
	}
	if sb.FreeBlocks > sb.TotalBlocks {
		return fmt.Errorf("%d free of %d: %w", sb.FreeBlocks, sb.TotalBlocks, domain.ErrFreeBlocksExceedTotal)
	}
	for _, off := range []float64{sb.InodeTableOffset, sb.PathTableOffset, sb.BitmapOffset, sb.DataOffset} {
		if off < 0 || off != math.Trunc(off) || off > math.MaxInt64/2 {
			return fmt.Errorf("offset %v is not a byte position: %w", off, domain.ErrBadRegionOffset)
		}
	}
	l := sb.Layout()
	if err := l.Validate(); err != nil {
		return err
	}
	if int64(sb.PathTableUsed) > l.PathTableSize() {
		return fmt.Errorf("path table uses %d of %d bytes: %w", sb.PathTableUsed, l.PathTableSize(), domain.ErrBadRegionOffset)
	}
	if l.TotalSize() > storeSize {
		return fmt.Errorf("image needs %d bytes, store has %d: %w", l.TotalSize(), storeSize, domain.ErrBadRegionOffset)
	}
	return nil
}
