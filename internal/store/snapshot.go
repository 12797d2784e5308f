package store

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"
)

// Snapshot stream: an 8-byte magic, the raw image size, the blake3
// digest of the raw bytes, then the zstd-compressed image.
const (
	snapshotMagic      = "BLOBFSZ1"
	snapshotHeaderSize = 8 + 8 + 32
	copyChunk          = 1 << 20
)

var (
	ErrNotSnapshot      = errors.New("not an image snapshot")
	ErrSnapshotMismatch = errors.New("snapshot digest mismatch")
)

// SnapshotInfo describes an exported or imported snapshot.
type SnapshotInfo struct {
	Size   int64
	Digest [32]byte
}

// Export writes a compressed snapshot of every byte of h to w.
func Export(w io.Writer, h Handle) (SnapshotInfo, error) {
	var info SnapshotInfo
	size, err := h.Size()
	if err != nil {
		return info, err
	}
	info.Size = size

	// The digest goes in the header, so hash first.
	hasher := blake3.New()
	if err := copyOut(hasher, h, size); err != nil {
		return info, fmt.Errorf("hashing image: %w", err)
	}
	copy(info.Digest[:], hasher.Sum(nil))

	header := make([]byte, snapshotHeaderSize)
	copy(header, snapshotMagic)
	binary.LittleEndian.PutUint64(header[8:16], uint64(size))
	copy(header[16:], info.Digest[:])
	if _, err := w.Write(header); err != nil {
		return info, err
	}

	enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return info, err
	}
	if err := copyOut(enc, h, size); err != nil {
		enc.Close()
		return info, fmt.Errorf("compressing image: %w", err)
	}
	return info, enc.Close()
}

func copyOut(w io.Writer, h Handle, size int64) error {
	buf := make([]byte, copyChunk)
	for off := int64(0); off < size; {
		n := min(int64(len(buf)), size-off)
		if err := ReadFull(h, buf[:n], off); err != nil {
			return err
		}
		if _, err := w.Write(buf[:n]); err != nil {
			return err
		}
		off += n
	}
	return nil
}

// Import replaces the content of h with the snapshot read from r and
// verifies its digest. h is left truncated to the snapshot size even
// when verification fails.
func Import(r io.Reader, h Handle) (SnapshotInfo, error) {
	var info SnapshotInfo
	header := make([]byte, snapshotHeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return info, fmt.Errorf("%w: %w", ErrNotSnapshot, err)
	}
	if !bytes.Equal(header[:8], []byte(snapshotMagic)) {
		return info, ErrNotSnapshot
	}
	info.Size = int64(binary.LittleEndian.Uint64(header[8:16]))
	copy(info.Digest[:], header[16:])

	dec, err := zstd.NewReader(r)
	if err != nil {
		return info, err
	}
	defer dec.Close()

	if err := h.Truncate(0); err != nil {
		return info, err
	}
	hasher := blake3.New()
	buf := make([]byte, copyChunk)
	var off int64
	for off < info.Size {
		n, err := io.ReadFull(dec, buf[:min(int64(len(buf)), info.Size-off)])
		if n > 0 {
			if _, werr := h.WriteAt(buf[:n], off); werr != nil {
				return info, werr
			}
			hasher.Write(buf[:n])
			off += int64(n)
		}
		if err != nil {
			return info, fmt.Errorf("snapshot truncated at %d of %d bytes: %w", off, info.Size, err)
		}
	}
	if err := h.Flush(); err != nil {
		return info, err
	}
	if !bytes.Equal(hasher.Sum(nil), info.Digest[:]) {
		return info, ErrSnapshotMismatch
	}
	return info, nil
}
