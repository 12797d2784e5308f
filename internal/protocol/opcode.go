package protocol

import (
	"errors"

	"github.com/Alexander-D-Karpov/blobfs/internal/domain"
)

type Opcode uint32

const (
	OpRead Opcode = iota + 1
	OpWrite
	OpUnlink
	OpStat
	OpLstat
	OpMkdir
	OpRmdir
	OpReaddir
	OpRename
	OpExists
	OpTruncate
	OpAppend
	OpCopy
	OpAccess
	OpRealpath
	OpChmod
	OpChown
	OpUtimes
	OpSymlink
	OpReadlink
	OpLink
	OpOpen
	OpClose
	OpFRead
	OpFWrite
	OpFStat
	OpFTruncate
	OpFSync
	OpOpendir
	OpMkdtemp
	OpDetach
	OpFReaddir

	opMax
)

var opNames = [...]string{
	OpRead:      "read",
	OpWrite:     "write",
	OpUnlink:    "unlink",
	OpStat:      "stat",
	OpLstat:     "lstat",
	OpMkdir:     "mkdir",
	OpRmdir:     "rmdir",
	OpReaddir:   "readdir",
	OpRename:    "rename",
	OpExists:    "exists",
	OpTruncate:  "truncate",
	OpAppend:    "append",
	OpCopy:      "copy",
	OpAccess:    "access",
	OpRealpath:  "realpath",
	OpChmod:     "chmod",
	OpChown:     "chown",
	OpUtimes:    "utimes",
	OpSymlink:   "symlink",
	OpReadlink:  "readlink",
	OpLink:      "link",
	OpOpen:      "open",
	OpClose:     "close",
	OpFRead:     "fread",
	OpFWrite:    "fwrite",
	OpFStat:     "fstat",
	OpFTruncate: "ftruncate",
	OpFSync:     "fsync",
	OpOpendir:   "opendir",
	OpMkdtemp:   "mkdtemp",
	OpDetach:    "detach",
	OpFReaddir:  "freaddir",
}

func (op Opcode) Valid() bool {
	return op > 0 && op < opMax
}

func (op Opcode) String() string {
	if !op.Valid() {
		return "unknown"
	}
	return opNames[op]
}

// Mutates reports whether op can change the image. Open counts as
// mutating since its flags may create or truncate.
func (op Opcode) Mutates() bool {
	switch op {
	case OpWrite, OpUnlink, OpMkdir, OpRmdir, OpRename, OpTruncate, OpAppend,
		OpCopy, OpChmod, OpChown, OpUtimes, OpSymlink, OpLink, OpFWrite,
		OpFTruncate, OpMkdtemp:
		return true
	default:
		return false
	}
}

// Status is the result code of a response: zero or a negated errno.
type Status int32

const (
	StatusOK       Status = 0
	StatusNoEnt    Status = -2
	StatusIO       Status = -5
	StatusBadF     Status = -9
	StatusAcces    Status = -13
	StatusExist    Status = -17
	StatusNotDir   Status = -20
	StatusIsDir    Status = -21
	StatusInval    Status = -22
	StatusNoSpc    Status = -28
	StatusNotEmpty Status = -39
	StatusLoop     Status = -40
	StatusProto    Status = -71
	StatusNotSup   Status = -95
)

var statusErrors = []struct {
	status Status
	err    error
}{
	{StatusNoEnt, domain.ErrNotFound},
	{StatusIO, domain.ErrIO},
	{StatusBadF, domain.ErrBadDescriptor},
	{StatusAcces, domain.ErrPermission},
	{StatusExist, domain.ErrExists},
	{StatusNotDir, domain.ErrNotDirectory},
	{StatusIsDir, domain.ErrIsDirectory},
	{StatusInval, domain.ErrInvalid},
	{StatusNoSpc, domain.ErrNoSpace},
	{StatusNotEmpty, domain.ErrNotEmpty},
	{StatusLoop, domain.ErrLoop},
	{StatusProto, ErrMsgTooShort},
	{StatusProto, ErrMsgTooLarge},
	{StatusNotSup, ErrInvalidOp},
}

// StatusOf maps an engine error to its wire status. Errors without a
// specific mapping become EIO.
func StatusOf(err error) Status {
	if err == nil {
		return StatusOK
	}
	for _, se := range statusErrors {
		if errors.Is(err, se.err) {
			return se.status
		}
	}
	return StatusIO
}

// Err maps a wire status back to the matching sentinel error.
func (s Status) Err() error {
	if s == StatusOK {
		return nil
	}
	for _, se := range statusErrors {
		if se.status == s {
			return se.err
		}
	}
	return domain.ErrIO
}

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusNoEnt:
		return "ENOENT"
	case StatusIO:
		return "EIO"
	case StatusBadF:
		return "EBADF"
	case StatusAcces:
		return "EACCES"
	case StatusExist:
		return "EEXIST"
	case StatusNotDir:
		return "ENOTDIR"
	case StatusIsDir:
		return "EISDIR"
	case StatusInval:
		return "EINVAL"
	case StatusNoSpc:
		return "ENOSPC"
	case StatusNotEmpty:
		return "ENOTEMPTY"
	case StatusLoop:
		return "ELOOP"
	case StatusProto:
		return "EPROTO"
	case StatusNotSup:
		return "ENOTSUP"
	default:
		return "E?"
	}
}
