package layout

import (
	"encoding/binary"
	"math"

	"github.com/Alexander-D-Karpov/blobfs/internal/domain"
)

// Inode is one fixed 64-byte slot of the inode table. PathOffset is
// relative to the path table, FirstBlock to the data region.
type Inode struct {
	Type       domain.InodeType
	PathOffset uint32
	PathLength uint32
	Mode       uint32
	Size       int64
	FirstBlock uint32
	BlockCount uint32
	Mtime      float64
	Ctime      float64
	Atime      float64
	UID        uint32
	GID        uint32
}

func (i *Inode) Encode(buf []byte) {
	buf[0] = byte(i.Type)
	buf[1], buf[2], buf[3] = 0, 0, 0
	binary.LittleEndian.PutUint32(buf[4:8], i.PathOffset)
	binary.LittleEndian.PutUint32(buf[8:12], i.PathLength)
	binary.LittleEndian.PutUint32(buf[12:16], i.Mode)
	binary.LittleEndian.PutUint64(buf[16:24], math.Float64bits(float64(i.Size)))
	binary.LittleEndian.PutUint32(buf[24:28], i.FirstBlock)
	binary.LittleEndian.PutUint32(buf[28:32], i.BlockCount)
	binary.LittleEndian.PutUint64(buf[32:40], math.Float64bits(i.Mtime))
	binary.LittleEndian.PutUint64(buf[40:48], math.Float64bits(i.Ctime))
	binary.LittleEndian.PutUint64(buf[48:56], math.Float64bits(i.Atime))
	binary.LittleEndian.PutUint32(buf[56:60], i.UID)
	binary.LittleEndian.PutUint32(buf[60:64], i.GID)
}

func (i *Inode) Decode(buf []byte) {
	i.Type = domain.InodeType(buf[0])
	i.PathOffset = binary.LittleEndian.Uint32(buf[4:8])
	i.PathLength = binary.LittleEndian.Uint32(buf[8:12])
	i.Mode = binary.LittleEndian.Uint32(buf[12:16])
	size := math.Float64frombits(binary.LittleEndian.Uint64(buf[16:24]))
	if size < 0 || math.IsNaN(size) || size > math.MaxInt64/2 {
		size = -1
	}
	i.Size = int64(size)
	i.FirstBlock = binary.LittleEndian.Uint32(buf[24:28])
	i.BlockCount = binary.LittleEndian.Uint32(buf[28:32])
	i.Mtime = math.Float64frombits(binary.LittleEndian.Uint64(buf[32:40]))
	i.Ctime = math.Float64frombits(binary.LittleEndian.Uint64(buf[40:48]))
	i.Atime = math.Float64frombits(binary.LittleEndian.Uint64(buf[48:56]))
	i.UID = binary.LittleEndian.Uint32(buf[56:60])
	i.GID = binary.LittleEndian.Uint32(buf[60:64])
}

func (i *Inode) IsDir() bool {
	return i.Type == domain.TypeDirectory
}

func (i *Inode) IsSymlink() bool {
	return i.Type == domain.TypeSymlink
}

// Stat builds the stat view of the record for inode index ino.
func (i *Inode) Stat(ino uint32) domain.Stat {
	size := i.Size
	if i.Type == domain.TypeDirectory {
		size = 0
	}
	return domain.Stat{
		Type:  i.Type,
		Mode:  i.Type.FormatBits() | (i.Mode &^ domain.S_IFMT),
		Size:  size,
		Mtime: domain.FromMillis(i.Mtime),
		Ctime: domain.FromMillis(i.Ctime),
		Atime: domain.FromMillis(i.Atime),
		UID:   i.UID,
		GID:   i.GID,
		Ino:   ino,
	}
}
