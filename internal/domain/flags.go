package domain

// Open flags, with Linux bit values.
const (
	O_RDONLY  = 0x0
	O_WRONLY  = 0x1
	O_RDWR    = 0x2
	O_ACCMODE = 0x3
	O_CREAT   = 0x40
	O_EXCL    = 0x80
	O_TRUNC   = 0x200
	O_APPEND  = 0x400
)

// Access mode bits.
const (
	F_OK = 0
	X_OK = 1
	W_OK = 2
	R_OK = 4
)

// Request flag bits shared by several operations.
const (
	FlagFlush     = 1 << 0 // write: flush before returning
	FlagRecursive = 1 << 0 // mkdir, rmdir
	FlagWithTypes = 1 << 0 // readdir: include type tags
	FlagExclusive = 1 << 0 // copy: fail if the destination exists
)

// FirstFD is the lowest descriptor handed out; 0-2 stay reserved.
const FirstFD = 3
