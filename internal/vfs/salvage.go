package vfs

import (
	"cmp"
	"fmt"
	"path"
	"slices"
	"strings"
	"unicode/utf8"

	"github.com/dustin/go-humanize"

	"github.com/Alexander-D-Karpov/blobfs/internal/domain"
	"github.com/Alexander-D-Karpov/blobfs/internal/layout"
	"github.com/Alexander-D-Karpov/blobfs/internal/store"
)

type SkippedInode struct {
	Ino    uint32
	Path   string
	Reason string
}

type SalvageReport struct {
	Scanned   int
	Recovered []string
	Skipped   []SkippedInode
	Bytes     int64
}

type salvaged struct {
	ino  uint32
	path string
	in   layout.Inode
}

// Salvage scans the raw inode records of a damaged image in src and
// rebuilds every plausible entry into a fresh image formatted in dst.
// Only the superblock region offsets need to be intact; magic, version,
// free counts and the bitmap are ignored.
func Salvage(src, dst store.Handle, opts Options) (SalvageReport, error) {
	var report SalvageReport
	o := opts.withDefaults()

	size, err := src.Size()
	if err != nil {
		return report, ioErr(err)
	}
	if size < layout.SuperblockSize {
		return report, fmt.Errorf("store is %d bytes: %w", size, domain.ErrStoreTooSmall)
	}
	buf := make([]byte, layout.SuperblockSize)
	if err := store.ReadFull(src, buf, 0); err != nil {
		return report, ioErr(err)
	}
	var sb layout.Superblock
	if err := sb.Decode(buf); err != nil {
		return report, err
	}
	if !layout.IsPowerOfTwo(sb.BlockSize) {
		return report, fmt.Errorf("salvage: block size %d: %w", sb.BlockSize, domain.ErrBadBlockSize)
	}
	l := sb.Layout()
	if err := l.Validate(); err != nil {
		return report, fmt.Errorf("salvage: %w", err)
	}

	table := make([]byte, int64(l.InodeCount)*layout.InodeSize)
	if err := store.ReadFull(src, table, l.InodeTableOffset); err != nil {
		return report, ioErr(err)
	}
	paths := make([]byte, l.PathTableSize())
	if err := store.ReadFull(src, paths, l.PathTableOffset); err != nil {
		return report, ioErr(err)
	}

	dataBlocks := l.TotalBlocks
	if avail := (size - l.DataOffset) / int64(l.BlockSize); avail < int64(dataBlocks) {
		dataBlocks = uint32(max(avail, 0))
	}
	claimed := newBitmap(dataBlocks)
	seen := make(map[string]bool)

	var keep []salvaged
	for i := uint32(0); i < l.InodeCount; i++ {
		var in layout.Inode
		in.Decode(table[int64(i)*layout.InodeSize:])
		if in.Type == domain.TypeFree {
			continue
		}
		report.Scanned++

		p, reason := plausible(&in, paths, l, dataBlocks, claimed)
		if reason == "" && seen[p] {
			reason = "duplicate path"
		}
		if reason != "" {
			report.Skipped = append(report.Skipped, SkippedInode{Ino: i, Path: p, Reason: reason})
			continue
		}
		seen[p] = true
		claimed.set(in.FirstBlock, in.BlockCount, true)
		keep = append(keep, salvaged{ino: i, path: p, in: in})
	}

	// Parents before children.
	slices.SortFunc(keep, func(a, b salvaged) int {
		if c := cmp.Compare(strings.Count(a.path, "/"), strings.Count(b.path, "/")); c != 0 {
			return c
		}
		return cmp.Compare(a.path, b.path)
	})

	o.BlockSize = l.BlockSize
	e, err := Format(dst, o)
	if err != nil {
		return report, err
	}

	for _, s := range keep {
		if err := e.restore(src, l, s); err != nil {
			report.Skipped = append(report.Skipped, SkippedInode{Ino: s.ino, Path: s.path, Reason: err.Error()})
			continue
		}
		report.Recovered = append(report.Recovered, s.path)
		if s.in.Type != domain.TypeDirectory {
			report.Bytes += s.in.Size
		}
	}
	if err := e.sync(); err != nil {
		return report, err
	}

	e.log.Info("salvage finished",
		"scanned", report.Scanned,
		"recovered", len(report.Recovered),
		"skipped", len(report.Skipped),
		"data", humanize.IBytes(uint64(report.Bytes)))
	return report, nil
}

// plausible returns the inode's path, or a reason to discard it.
func plausible(in *layout.Inode, paths []byte, l layout.Layout, dataBlocks uint32, claimed *bitmap) (string, string) {
	if !in.Type.Valid() {
		return "", fmt.Sprintf("unknown type %d", in.Type)
	}
	end := uint64(in.PathOffset) + uint64(in.PathLength)
	if in.PathLength == 0 || end > uint64(len(paths)) {
		return "", "path outside path table"
	}
	raw := paths[in.PathOffset:end]
	p := string(raw)
	if !utf8.Valid(raw) || !strings.HasPrefix(p, "/") || Clean(p) != p || strings.ContainsRune(p, 0) {
		return p, "malformed path"
	}
	if p == "/" {
		return p, "root is recreated"
	}
	if in.Type == domain.TypeDirectory {
		return p, ""
	}

	if in.Size < 0 || in.Size > int64(in.BlockCount)*int64(l.BlockSize) {
		return p, "size does not fit block run"
	}
	if in.Size > 0 && in.BlockCount == 0 {
		return p, "size without blocks"
	}
	if uint64(in.FirstBlock)+uint64(in.BlockCount) > uint64(dataBlocks) {
		return p, "blocks outside data region"
	}
	for b := in.FirstBlock; b < in.FirstBlock+in.BlockCount; b++ {
		if claimed.get(b) {
			return p, "blocks overlap another entry"
		}
	}
	if in.Type == domain.TypeSymlink && (in.Size == 0 || in.Size > 4096) {
		return p, "implausible symlink target length"
	}
	return p, ""
}

func (e *Engine) restore(src store.Handle, l layout.Layout, s salvaged) error {
	parent, err := e.mkdirAll(path.Dir(s.path), domain.DefaultDirMode)
	if err != nil {
		return err
	}
	p := path.Join(parent, path.Base(s.path))
	ino, exists := e.index.get(p)
	if exists && (s.in.Type != domain.TypeDirectory || e.slots[ino] != domain.TypeDirectory) {
		return fmt.Errorf("%s: %w", p, domain.ErrExists)
	}

	var data []byte
	if s.in.Type != domain.TypeDirectory && s.in.Size > 0 {
		data = make([]byte, s.in.Size)
		if err := store.ReadFull(src, data, l.BlockOffset(s.in.FirstBlock)); err != nil {
			return ioErr(err)
		}
	}

	if !exists {
		var in layout.Inode
		if ino, in, err = e.createInode(p, s.in.Type, s.in.Mode); err != nil {
			return err
		}
		if s.in.Type != domain.TypeDirectory {
			if err := e.writeContent(ino, &in, data); err != nil {
				return err
			}
		}
	}

	in, err := e.inode(ino)
	if err != nil {
		return err
	}
	in.Mode = s.in.Mode &^ domain.S_IFMT
	in.UID, in.GID = s.in.UID, s.in.GID
	in.Mtime, in.Ctime, in.Atime = s.in.Mtime, s.in.Ctime, s.in.Atime
	return e.putInode(ino, &in)
}
