package protocol

import (
	"encoding/binary"
	"math"

	"github.com/Alexander-D-Karpov/blobfs/internal/domain"
)

func PutStat(buf []byte, st *domain.Stat) int {
	buf[0] = byte(st.Type)
	binary.LittleEndian.PutUint32(buf[1:5], st.Mode)
	binary.LittleEndian.PutUint64(buf[5:13], math.Float64bits(float64(st.Size)))
	binary.LittleEndian.PutUint64(buf[13:21], math.Float64bits(domain.Millis(st.Mtime)))
	binary.LittleEndian.PutUint64(buf[21:29], math.Float64bits(domain.Millis(st.Ctime)))
	binary.LittleEndian.PutUint64(buf[29:37], math.Float64bits(domain.Millis(st.Atime)))
	binary.LittleEndian.PutUint32(buf[37:41], st.UID)
	binary.LittleEndian.PutUint32(buf[41:45], st.GID)
	binary.LittleEndian.PutUint32(buf[45:49], st.Ino)
	return StatSize
}

func MarshalStat(st *domain.Stat) []byte {
	buf := make([]byte, StatSize)
	PutStat(buf, st)
	return buf
}

func ParseStat(buf []byte) (domain.Stat, error) {
	if len(buf) < StatSize {
		return domain.Stat{}, ErrMsgTooShort
	}
	f := func(b []byte) float64 { return math.Float64frombits(binary.LittleEndian.Uint64(b)) }
	return domain.Stat{
		Type:  domain.InodeType(buf[0]),
		Mode:  binary.LittleEndian.Uint32(buf[1:5]),
		Size:  int64(f(buf[5:13])),
		Mtime: domain.FromMillis(f(buf[13:21])),
		Ctime: domain.FromMillis(f(buf[21:29])),
		Atime: domain.FromMillis(f(buf[29:37])),
		UID:   binary.LittleEndian.Uint32(buf[37:41]),
		GID:   binary.LittleEndian.Uint32(buf[41:45]),
		Ino:   binary.LittleEndian.Uint32(buf[45:49]),
	}, nil
}

// MarshalDirents encodes a listing as a count followed by
// length-prefixed names, each trailed by its type tag when withTypes is
// set.
func MarshalDirents(entries []domain.DirEntry, withTypes bool) []byte {
	n := 4
	for _, e := range entries {
		n += 2 + len(e.Name)
		if withTypes {
			n++
		}
	}
	buf := make([]byte, n)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(entries)))
	off := 4
	for _, e := range entries {
		binary.LittleEndian.PutUint16(buf[off:off+2], uint16(len(e.Name)))
		off += 2
		off += copy(buf[off:], e.Name)
		if withTypes {
			buf[off] = byte(e.Type)
			off++
		}
	}
	return buf
}

func ParseDirents(buf []byte, withTypes bool) ([]domain.DirEntry, error) {
	if len(buf) < 4 {
		return nil, ErrMsgTooShort
	}
	count := int(binary.LittleEndian.Uint32(buf[0:4]))
	if count > len(buf) {
		return nil, ErrMsgTooShort
	}
	entries := make([]domain.DirEntry, 0, count)
	off := 4
	for i := 0; i < count; i++ {
		if len(buf) < off+2 {
			return nil, ErrMsgTooShort
		}
		n := int(binary.LittleEndian.Uint16(buf[off : off+2]))
		off += 2
		if len(buf) < off+n {
			return nil, ErrMsgTooShort
		}
		e := domain.DirEntry{Name: string(buf[off : off+n])}
		off += n
		if withTypes {
			if len(buf) < off+1 {
				return nil, ErrMsgTooShort
			}
			e.Type = domain.InodeType(buf[off])
			off++
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// PackPath prefixes rest with a second, length-prefixed path. Used by
// rename, copy and link.
func PackPath(second string, rest []byte) []byte {
	buf := make([]byte, 4+len(second)+len(rest))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(second)))
	copy(buf[4:], second)
	copy(buf[4+len(second):], rest)
	return buf
}

func UnpackPath(payload []byte) (string, []byte, error) {
	if len(payload) < 4 {
		return "", nil, ErrMsgTooShort
	}
	n := int64(binary.LittleEndian.Uint32(payload[0:4]))
	if int64(len(payload)) < 4+n {
		return "", nil, ErrMsgTooShort
	}
	return string(payload[4 : 4+n]), payload[4+n:], nil
}

func PutU32(v uint32) []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, v)
	return buf
}

func PutU64(v uint64) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, v)
	return buf
}

func U32(payload []byte) (uint32, error) {
	if len(payload) < 4 {
		return 0, ErrMsgTooShort
	}
	return binary.LittleEndian.Uint32(payload[0:4]), nil
}

func U64(payload []byte) (uint64, error) {
	if len(payload) < 8 {
		return 0, ErrMsgTooShort
	}
	return binary.LittleEndian.Uint64(payload[0:8]), nil
}

// OptionalMode reads a leading u32 mode, falling back to def when the
// payload is empty.
func OptionalMode(payload []byte, def uint32) (uint32, error) {
	if len(payload) == 0 {
		return def, nil
	}
	return U32(payload)
}

type OwnerArgs struct {
	UID uint32
	GID uint32
}

func (r *OwnerArgs) Encode(buf []byte) int {
	binary.LittleEndian.PutUint32(buf[0:4], r.UID)
	binary.LittleEndian.PutUint32(buf[4:8], r.GID)
	return 8
}

func (r *OwnerArgs) Decode(buf []byte) error {
	if len(buf) < 8 {
		return ErrMsgTooShort
	}
	r.UID = binary.LittleEndian.Uint32(buf[0:4])
	r.GID = binary.LittleEndian.Uint32(buf[4:8])
	return nil
}

// TimesArgs carries access and modification times in milliseconds.
type TimesArgs struct {
	Atime float64
	Mtime float64
}

func (r *TimesArgs) Encode(buf []byte) int {
	binary.LittleEndian.PutUint64(buf[0:8], math.Float64bits(r.Atime))
	binary.LittleEndian.PutUint64(buf[8:16], math.Float64bits(r.Mtime))
	return 16
}

func (r *TimesArgs) Decode(buf []byte) error {
	if len(buf) < 16 {
		return ErrMsgTooShort
	}
	r.Atime = math.Float64frombits(binary.LittleEndian.Uint64(buf[0:8]))
	r.Mtime = math.Float64frombits(binary.LittleEndian.Uint64(buf[8:16]))
	return nil
}

// FReadArgs reads Len bytes at Pos, or at the cursor when Pos is
// negative.
type FReadArgs struct {
	FD  uint32
	Len uint32
	Pos int64
}

func (r *FReadArgs) Encode(buf []byte) int {
	binary.LittleEndian.PutUint32(buf[0:4], r.FD)
	binary.LittleEndian.PutUint32(buf[4:8], r.Len)
	binary.LittleEndian.PutUint64(buf[8:16], uint64(r.Pos))
	return 16
}

func (r *FReadArgs) Decode(buf []byte) error {
	if len(buf) < 16 {
		return ErrMsgTooShort
	}
	r.FD = binary.LittleEndian.Uint32(buf[0:4])
	r.Len = binary.LittleEndian.Uint32(buf[4:8])
	r.Pos = int64(binary.LittleEndian.Uint64(buf[8:16]))
	return nil
}

type FWriteArgs struct {
	FD   uint32
	Pos  int64
	Data []byte
}

func (r *FWriteArgs) Size() int {
	return 12 + len(r.Data)
}

func (r *FWriteArgs) Encode(buf []byte) int {
	binary.LittleEndian.PutUint32(buf[0:4], r.FD)
	binary.LittleEndian.PutUint64(buf[4:12], uint64(r.Pos))
	return 12 + copy(buf[12:], r.Data)
}

// Decode aliases Data to buf.
func (r *FWriteArgs) Decode(buf []byte) error {
	if len(buf) < 12 {
		return ErrMsgTooShort
	}
	r.FD = binary.LittleEndian.Uint32(buf[0:4])
	r.Pos = int64(binary.LittleEndian.Uint64(buf[4:12]))
	r.Data = buf[12:]
	return nil
}

type FTruncateArgs struct {
	FD   uint32
	Size uint64
}

func (r *FTruncateArgs) Encode(buf []byte) int {
	binary.LittleEndian.PutUint32(buf[0:4], r.FD)
	binary.LittleEndian.PutUint64(buf[4:12], r.Size)
	return 12
}

func (r *FTruncateArgs) Decode(buf []byte) error {
	if len(buf) < 12 {
		return ErrMsgTooShort
	}
	r.FD = binary.LittleEndian.Uint32(buf[0:4])
	r.Size = binary.LittleEndian.Uint64(buf[4:12])
	return nil
}
