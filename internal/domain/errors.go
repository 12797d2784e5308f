package domain

import "errors"

var (
	ErrNotFound      = errors.New("no such file or directory")
	ErrExists        = errors.New("file exists")
	ErrIsDirectory   = errors.New("is a directory")
	ErrNotDirectory  = errors.New("not a directory")
	ErrNotEmpty      = errors.New("directory not empty")
	ErrPermission    = errors.New("permission denied")
	ErrInvalid       = errors.New("invalid argument")
	ErrBadDescriptor = errors.New("bad file descriptor")
	ErrLoop          = errors.New("too many levels of symbolic links")
	ErrNoSpace       = errors.New("no space left on device")
	ErrIO            = errors.New("input/output error")
)

// Mount validation failures. Each one names a single inconsistency so a
// damaged image is diagnosed rather than guessed at.
var (
	ErrStoreTooSmall         = errors.New("backing store too small for superblock")
	ErrBadMagic              = errors.New("bad superblock magic")
	ErrUnsupportedVersion    = errors.New("unsupported format version")
	ErrBadBlockSize          = errors.New("block size is not a power of two")
	ErrNoInodes              = errors.New("inode count is zero")
	ErrFreeBlocksExceedTotal = errors.New("free blocks exceed total blocks")
	ErrBadRegionOffset       = errors.New("region offset inconsistent with layout")
)
