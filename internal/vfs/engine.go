// Package vfs is the filesystem engine: it formats and mounts an image
// inside a single store.Handle and implements every file operation
// against it.
//
// An Engine is not safe for concurrent use. Callers serialize access,
// normally through the server host.
package vfs

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/Alexander-D-Karpov/blobfs/internal/domain"
	"github.com/Alexander-D-Karpov/blobfs/internal/layout"
	"github.com/Alexander-D-Karpov/blobfs/internal/store"
)

const MaxSymlinkDepth = 40

type Options struct {
	BlockSize     uint32
	InodeCount    uint32
	InitialBlocks uint32
	// MaxBlocks caps data region growth; 0 means no cap beyond the
	// 32-bit block index.
	MaxBlocks uint32

	// CheckPermissions enables the owner-bit check in Access.
	CheckPermissions bool
	UID              uint32
	GID              uint32

	CacheSize int
	Logger    *slog.Logger
	Clock     func() time.Time
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.BlockSize == 0 {
		out.BlockSize = layout.DefaultBlockSize
	}
	if out.InodeCount == 0 {
		out.InodeCount = layout.DefaultInodeCount
	}
	if out.InitialBlocks == 0 {
		out.InitialBlocks = layout.DefaultInitialBlocks
	}
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	if out.Clock == nil {
		out.Clock = time.Now
	}
	return out
}

type Engine struct {
	store store.Handle
	opts  Options
	log   *slog.Logger

	layout     layout.Layout
	freeBlocks uint32
	pathUsed   uint32

	bitmap   *bitmap
	slots    []domain.InodeType
	freeHint uint32
	index    *pathIndex
	cache    *inodeCache

	fds    map[int]*fileDesc
	nextFD int

	sbDirty     bool
	pendingTrim bool
}

func newEngine(h store.Handle, opts Options) *Engine {
	o := opts.withDefaults()
	return &Engine{
		store:  h,
		opts:   o,
		log:    o.Logger,
		index:  newPathIndex(),
		cache:  newInodeCache(o.CacheSize),
		fds:    make(map[int]*fileDesc),
		nextFD: domain.FirstFD,
	}
}

// Open formats h when it is empty and mounts it otherwise.
func Open(h store.Handle, opts Options) (*Engine, error) {
	size, err := h.Size()
	if err != nil {
		return nil, fmt.Errorf("sizing store: %w", err)
	}
	if size == 0 {
		return Format(h, opts)
	}
	return Mount(h, opts)
}

// Format writes a fresh image holding only the root directory.
func Format(h store.Handle, opts Options) (*Engine, error) {
	e := newEngine(h, opts)
	o := e.opts
	if !layout.IsPowerOfTwo(o.BlockSize) || o.BlockSize < layout.MinBlockSize || o.BlockSize > layout.MaxBlockSize {
		return nil, fmt.Errorf("block size %d: %w", o.BlockSize, domain.ErrBadBlockSize)
	}

	e.layout = layout.Calculate(o.InodeCount, o.BlockSize, o.InitialBlocks)
	e.freeBlocks = o.InitialBlocks
	e.bitmap = newBitmap(o.InitialBlocks)
	e.slots = make([]domain.InodeType, o.InodeCount)

	if err := h.Truncate(0); err != nil {
		return nil, ioErr(err)
	}
	if err := h.Truncate(e.layout.TotalSize()); err != nil {
		return nil, ioErr(err)
	}

	if _, _, err := e.createInode("/", domain.TypeDirectory, domain.DefaultDirMode); err != nil {
		return nil, fmt.Errorf("creating root: %w", err)
	}
	e.sbDirty = true
	e.bitmap.markDirty(0, len(e.bitmap.bits))
	if err := e.commitPending(); err != nil {
		return nil, err
	}
	if err := h.Flush(); err != nil {
		return nil, ioErr(err)
	}

	e.log.Info("formatted image",
		"size", humanize.IBytes(uint64(e.layout.TotalSize())),
		"block_size", o.BlockSize,
		"inodes", o.InodeCount,
		"blocks", o.InitialBlocks)
	return e, nil
}

// Mount loads and strictly validates an existing image.
func Mount(h store.Handle, opts Options) (*Engine, error) {
	e := newEngine(h, opts)

	size, err := h.Size()
	if err != nil {
		return nil, ioErr(err)
	}
	if size < layout.SuperblockSize {
		return nil, fmt.Errorf("store is %d bytes: %w", size, domain.ErrStoreTooSmall)
	}

	buf := make([]byte, layout.SuperblockSize)
	if err := e.readAt(buf, 0); err != nil {
		return nil, err
	}
	var sb layout.Superblock
	if err := sb.Decode(buf); err != nil {
		return nil, err
	}
	if err := sb.Validate(size); err != nil {
		return nil, fmt.Errorf("mount: %w", err)
	}

	e.layout = sb.Layout()
	e.freeBlocks = sb.FreeBlocks
	e.pathUsed = sb.PathTableUsed

	e.bitmap = newBitmap(e.layout.TotalBlocks)
	if err := e.readAt(e.bitmap.bits, e.layout.BitmapOffset); err != nil {
		return nil, err
	}
	// Bits past the last block must read as free.
	if rem := e.layout.TotalBlocks % 8; rem != 0 {
		e.bitmap.bits[len(e.bitmap.bits)-1] &= byte(1<<rem) - 1
	}

	if err := e.loadIndex(); err != nil {
		return nil, err
	}

	if free := e.layout.TotalBlocks - e.bitmap.used(); free != e.freeBlocks {
		e.log.Warn("free block count disagrees with bitmap, trusting bitmap",
			"superblock", e.freeBlocks, "bitmap", free)
		e.freeBlocks = free
		e.sbDirty = true
	}

	e.log.Debug("mounted image",
		"size", humanize.IBytes(uint64(size)),
		"entries", e.index.len(),
		"free_blocks", e.freeBlocks,
		"total_blocks", e.layout.TotalBlocks)
	return e, nil
}

// loadIndex rebuilds the slot table and path index from one read of the
// inode table and one read of the used part of the path table.
func (e *Engine) loadIndex() error {
	l := e.layout
	table := make([]byte, int64(l.InodeCount)*layout.InodeSize)
	if err := e.readAt(table, l.InodeTableOffset); err != nil {
		return err
	}
	paths := make([]byte, e.pathUsed)
	if err := e.readAt(paths, l.PathTableOffset); err != nil {
		return err
	}

	e.slots = make([]domain.InodeType, l.InodeCount)
	var names []string
	var inos []uint32
	hint := l.InodeCount
	for i := uint32(0); i < l.InodeCount; i++ {
		var in layout.Inode
		in.Decode(table[int64(i)*layout.InodeSize:])
		if in.Type == domain.TypeFree {
			if hint == l.InodeCount && i > 0 {
				hint = i
			}
			continue
		}
		if !in.Type.Valid() {
			return fmt.Errorf("inode %d has type %d: %w", i, in.Type, domain.ErrIO)
		}
		end := uint64(in.PathOffset) + uint64(in.PathLength)
		if in.PathLength == 0 || end > uint64(e.pathUsed) {
			return fmt.Errorf("inode %d path [%d,+%d) outside path table: %w",
				i, in.PathOffset, in.PathLength, domain.ErrBadRegionOffset)
		}
		if in.BlockCount > 0 && uint64(in.FirstBlock)+uint64(in.BlockCount) > uint64(l.TotalBlocks) {
			return fmt.Errorf("inode %d blocks [%d,+%d) outside data region: %w",
				i, in.FirstBlock, in.BlockCount, domain.ErrBadRegionOffset)
		}
		if !in.IsDir() && (in.Size < 0 || in.Size > int64(in.BlockCount)*int64(l.BlockSize)) {
			return fmt.Errorf("inode %d size %d does not fit %d blocks: %w",
				i, in.Size, in.BlockCount, domain.ErrBadRegionOffset)
		}
		e.slots[i] = in.Type
		names = append(names, string(paths[in.PathOffset:end]))
		inos = append(inos, i)
	}
	e.freeHint = hint

	if e.slots[layout.RootInode] != domain.TypeDirectory {
		return fmt.Errorf("root inode is %s: %w", e.slots[layout.RootInode], domain.ErrIO)
	}
	e.index.bulkLoad(names, inos)
	if root, ok := e.index.get("/"); !ok || root != layout.RootInode {
		return fmt.Errorf("root inode does not own \"/\": %w", domain.ErrIO)
	}
	return nil
}

// Close commits pending metadata, flushes and closes the store.
func (e *Engine) Close() error {
	err := e.commitPending()
	if ferr := e.store.Flush(); err == nil && ferr != nil {
		err = ioErr(ferr)
	}
	if cerr := e.store.Close(); err == nil && cerr != nil {
		err = ioErr(cerr)
	}
	return err
}

// finish runs at the end of every public operation. Metadata is
// committed even when the operation failed part way, since growth or
// allocation may already have happened.
func (e *Engine) finish(errp *error) {
	if err := e.commitPending(); err != nil && *errp == nil {
		*errp = err
	}
}

// commitPending writes the dirty bitmap range and the superblock, then
// shrinks the store if a trim freed tail blocks.
func (e *Engine) commitPending() error {
	shrink := false
	if e.pendingTrim {
		e.pendingTrim = false
		shrink = e.trim()
	}

	if e.bitmap.dirty() {
		lo, hi := e.bitmap.dirtyLo, e.bitmap.dirtyHi
		if err := e.writeAt(e.bitmap.bits[lo:hi], e.layout.BitmapOffset+int64(lo)); err != nil {
			return err
		}
		e.bitmap.clean()
	}
	if e.sbDirty {
		if err := e.writeSuperblock(); err != nil {
			return err
		}
	}
	if shrink {
		if err := e.store.Truncate(e.layout.TotalSize()); err != nil {
			return ioErr(err)
		}
	}
	return nil
}

// trim drops trailing free blocks down to the initial allocation.
func (e *Engine) trim() bool {
	keep := e.opts.InitialBlocks
	if last, ok := e.bitmap.lastUsed(); ok && last+1 > keep {
		keep = last + 1
	}
	total := e.layout.TotalBlocks
	if keep >= total {
		return false
	}

	e.bitmap.resize(keep)
	e.freeBlocks -= total - keep
	e.layout.TotalBlocks = keep
	e.sbDirty = true

	e.log.Debug("trimmed data region",
		"blocks", total-keep,
		"size", humanize.IBytes(uint64(e.layout.TotalSize())))
	return true
}

func (e *Engine) superblock() layout.Superblock {
	return layout.NewSuperblock(e.layout, e.freeBlocks, e.pathUsed)
}

func (e *Engine) writeSuperblock() error {
	sb := e.superblock()
	buf := make([]byte, layout.SuperblockSize)
	sb.Encode(buf)
	if err := e.writeAt(buf, 0); err != nil {
		return err
	}
	e.sbDirty = false
	return nil
}

func (e *Engine) now() float64 {
	return domain.Millis(e.opts.Clock())
}

func (e *Engine) readAt(p []byte, off int64) error {
	if err := store.ReadFull(e.store, p, off); err != nil {
		return ioErr(err)
	}
	return nil
}

func (e *Engine) writeAt(p []byte, off int64) error {
	if _, err := e.store.WriteAt(p, off); err != nil {
		return ioErr(err)
	}
	return nil
}

func ioErr(err error) error {
	if errors.Is(err, domain.ErrIO) {
		return err
	}
	return fmt.Errorf("%w: %v", domain.ErrIO, err)
}

// Info summarizes the image geometry and usage.
type Info struct {
	Layout        layout.Layout
	FreeBlocks    uint32
	PathTableUsed uint32
	Entries       int
	OpenFiles     int
}

func (e *Engine) Info() Info {
	return Info{
		Layout:        e.layout,
		FreeBlocks:    e.freeBlocks,
		PathTableUsed: e.pathUsed,
		Entries:       e.index.len(),
		OpenFiles:     len(e.fds),
	}
}
