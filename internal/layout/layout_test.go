package layout

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Alexander-D-Karpov/blobfs/internal/domain"
)

func TestCalculate_Defaults(t *testing.T) {
	l := Calculate(DefaultInodeCount, DefaultBlockSize, DefaultInitialBlocks)

	assert.Equal(t, int64(SuperblockSize), l.InodeTableOffset)
	assert.Equal(t, int64(64+64*64), l.PathTableOffset)
	assert.Equal(t, int64(64*PathBytesPerInode), l.PathTableSize())
	assert.Equal(t, l.PathTableOffset+l.PathTableSize(), l.BitmapOffset)
	assert.Zero(t, l.DataOffset%int64(DefaultBlockSize))
	assert.GreaterOrEqual(t, l.BitmapCapacity(), BitmapBytes(DefaultInitialBlocks))
	assert.Equal(t, l.DataOffset+16*4096, l.TotalSize())
	require.NoError(t, l.Validate())
}

func TestResize_OffsetsNeverMoveBack(t *testing.T) {
	l := Calculate(8, 512, 4)

	grown := l.Resize(16, l.PathTableSize(), l.TotalBlocks)
	require.NoError(t, grown.Validate())
	assert.Greater(t, grown.PathTableOffset, l.PathTableOffset)
	assert.GreaterOrEqual(t, grown.DataOffset, l.DataOffset)

	// More blocks whose bitmap still fits in the padding keep the data offset.
	wider := l.Resize(l.InodeCount, l.PathTableSize(), 64)
	require.NoError(t, wider.Validate())
	assert.Equal(t, l.DataOffset, wider.DataOffset)
	assert.Equal(t, l.BitmapOffset, wider.BitmapOffset)

	// Fewer blocks never pull the data region in.
	shrunk := grown.Resize(grown.InodeCount, grown.PathTableSize(), 1)
	assert.Equal(t, grown.DataOffset, shrunk.DataOffset)
}

func TestResize_BitmapOverflowMovesData(t *testing.T) {
	l := Calculate(8, 512, 4)
	capBlocks := uint32(l.BitmapCapacity() * 8)

	next := l.Resize(l.InodeCount, l.PathTableSize(), capBlocks+8)
	require.NoError(t, next.Validate())
	assert.Greater(t, next.DataOffset, l.DataOffset)
}

func TestLayout_Validate(t *testing.T) {
	base := Calculate(8, 512, 16)

	testCases := []struct {
		name   string
		mutate func(l *Layout)
	}{
		{"InodeTableMoved", func(l *Layout) { l.InodeTableOffset = 128 }},
		{"PathTableOverlapsInodes", func(l *Layout) { l.PathTableOffset -= 64 }},
		{"EmptyPathTable", func(l *Layout) { l.BitmapOffset = l.PathTableOffset }},
		{"DataOverlapsBitmap", func(l *Layout) { l.DataOffset = l.BitmapOffset }},
		{"DataUnaligned", func(l *Layout) { l.DataOffset++ }},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			l := base
			tc.mutate(&l)
			assert.ErrorIs(t, l.Validate(), domain.ErrBadRegionOffset)
		})
	}
}

func TestLayout_BlocksFor(t *testing.T) {
	l := Calculate(8, 512, 16)
	assert.Equal(t, uint64(0), l.BlocksFor(0))
	assert.Equal(t, uint64(1), l.BlocksFor(1))
	assert.Equal(t, uint64(1), l.BlocksFor(512))
	assert.Equal(t, uint64(2), l.BlocksFor(513))
	assert.Equal(t, uint64(1)<<32+1, l.BlocksFor(1<<32*512+1))
	assert.Equal(t, uint64(math.MaxInt64/512+1), l.BlocksFor(math.MaxInt64))
	assert.Equal(t, l.DataOffset+3*512, l.BlockOffset(3))
	assert.Equal(t, int64(64+2*64), l.InodeOffset(2))
}

func TestSuperblock_EncodeDecode(t *testing.T) {
	l := Calculate(32, 1024, 40)
	sb := NewSuperblock(l, 39, 17)

	buf := make([]byte, SuperblockSize)
	sb.Encode(buf)

	var got Superblock
	require.NoError(t, got.Decode(buf))
	assert.Equal(t, sb, got)
	assert.Equal(t, l, got.Layout())
	require.NoError(t, got.Validate(l.TotalSize()))
}

func TestSuperblock_Validate(t *testing.T) {
	l := Calculate(8, 512, 16)

	testCases := []struct {
		name   string
		mutate func(sb *Superblock)
		want   error
	}{
		{"BadMagic", func(sb *Superblock) { sb.Magic = 0xdeadbeef }, domain.ErrBadMagic},
		{"BadVersion", func(sb *Superblock) { sb.Version = 9 }, domain.ErrUnsupportedVersion},
		{"BlockSizeNotPowerOfTwo", func(sb *Superblock) { sb.BlockSize = 1000 }, domain.ErrBadBlockSize},
		{"BlockSizeZero", func(sb *Superblock) { sb.BlockSize = 0 }, domain.ErrBadBlockSize},
		{"NoInodes", func(sb *Superblock) { sb.InodeCount = 0 }, domain.ErrNoInodes},
		{"FreeExceedsTotal", func(sb *Superblock) { sb.FreeBlocks = sb.TotalBlocks + 1 }, domain.ErrFreeBlocksExceedTotal},
		{"FractionalOffset", func(sb *Superblock) { sb.BitmapOffset += 0.5 }, domain.ErrBadRegionOffset},
		{"NegativeOffset", func(sb *Superblock) { sb.DataOffset = -4096 }, domain.ErrBadRegionOffset},
		{"NaNOffset", func(sb *Superblock) { sb.PathTableOffset = math.NaN() }, domain.ErrBadRegionOffset},
		{"PathTableOverused", func(sb *Superblock) { sb.PathTableUsed = 1 << 20 }, domain.ErrBadRegionOffset},
		{"InodeCountDisagreesWithOffsets", func(sb *Superblock) { sb.InodeCount = 9 }, domain.ErrBadRegionOffset},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			sb := NewSuperblock(l, 16, 0)
			tc.mutate(&sb)
			assert.ErrorIs(t, sb.Validate(l.TotalSize()), tc.want)
		})
	}

	t.Run("StoreShorterThanImage", func(t *testing.T) {
		sb := NewSuperblock(l, 16, 0)
		assert.ErrorIs(t, sb.Validate(l.TotalSize()-1), domain.ErrBadRegionOffset)
	})

	t.Run("ShortBuffer", func(t *testing.T) {
		var sb Superblock
		assert.ErrorIs(t, sb.Decode(make([]byte, 10)), domain.ErrStoreTooSmall)
	})
}

func TestInode_EncodeDecode(t *testing.T) {
	in := Inode{
		Type:       domain.TypeFile,
		PathOffset: 100,
		PathLength: 12,
		Mode:       0640,
		Size:       12345,
		FirstBlock: 7,
		BlockCount: 4,
		Mtime:      1700000000123,
		Ctime:      1700000000456,
		Atime:      1700000000789,
		UID:        1000,
		GID:        100,
	}

	buf := make([]byte, InodeSize)
	for i := range buf {
		buf[i] = 0xff
	}
	in.Encode(buf)
	assert.Equal(t, []byte{0, 0, 0}, buf[1:4])

	var got Inode
	got.Decode(buf)
	assert.Equal(t, in, got)

	st := got.Stat(5)
	assert.Equal(t, domain.S_IFREG|0640, st.Mode)
	assert.Equal(t, uint32(5), st.Ino)
	assert.Equal(t, int64(12345), st.Size)
	assert.Equal(t, int64(1700000000123), st.Mtime.UnixMilli())
}

func TestInode_DecodeRejectsBadSize(t *testing.T) {
	in := Inode{Type: domain.TypeFile}
	buf := make([]byte, InodeSize)
	in.Encode(buf)

	for _, bad := range []float64{-1, math.NaN(), math.Inf(1)} {
		binary.LittleEndian.PutUint64(buf[16:24], math.Float64bits(bad))
		var got Inode
		got.Decode(buf)
		assert.Equal(t, int64(-1), got.Size, "size %v", bad)
	}
}
