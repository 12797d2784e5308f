// Package server hosts one mounted engine and answers protocol requests
// for it over shared memory and TCP.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/Alexander-D-Karpov/blobfs/internal/domain"
	"github.com/Alexander-D-Karpov/blobfs/internal/protocol"
	"github.com/Alexander-D-Karpov/blobfs/internal/shm"
	"github.com/Alexander-D-Karpov/blobfs/internal/vfs"
)

// Stream sessions take owner ids from the top half of the id space so
// they never collide with shared-memory peer ids.
const streamOwnerBase = 1 << 31

// Session identifies who a request runs for.
type Session struct {
	Owner    uint32
	ReadOnly bool
}

// Host serializes every request against a single engine.
type Host struct {
	mu     sync.Mutex
	engine *vfs.Engine
	log    *slog.Logger

	nextOwner atomic.Uint32
}

func NewHost(e *vfs.Engine, log *slog.Logger) *Host {
	if log == nil {
		log = slog.Default()
	}
	return &Host{engine: e, log: log}
}

// NewOwner returns a fresh owner id for a stream session.
func (h *Host) NewOwner() uint32 {
	return streamOwnerBase | h.nextOwner.Add(1)
}

// View runs fn with exclusive access to the engine.
func (h *Host) View(fn func(e *vfs.Engine) error) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return fn(h.engine)
}

// Release closes every descriptor held by owner.
func (h *Host) Release(owner uint32) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := h.engine.CloseOwner(owner)
	if n > 0 {
		h.log.Debug("released descriptors", "owner", owner, "count", n)
	}
	return n
}

// Close syncs and closes the engine.
func (h *Host) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.engine.Close()
}

// HandleBytes decodes one raw request and returns the encoded response.
func (h *Host) HandleBytes(sess Session, raw []byte) []byte {
	var req protocol.Request
	if err := req.Decode(raw); err != nil {
		h.log.Warn("malformed request", "owner", sess.Owner, "err", err)
		return protocol.Fail(err).Marshal()
	}
	return h.Handle(sess, &req).Marshal()
}

func (h *Host) Handle(sess Session, req *protocol.Request) *protocol.Response {
	if sess.ReadOnly && denied(req) {
		h.log.Debug("denied on read-only session", "op", req.Op, "path", req.Path)
		return &protocol.Response{Status: protocol.StatusAcces}
	}

	h.mu.Lock()
	payload, err := h.dispatch(sess, req)
	h.mu.Unlock()

	if err != nil {
		status := protocol.StatusOf(err)
		if status == protocol.StatusIO {
			h.log.Error("request failed", "op", req.Op, "path", req.Path, "err", err)
		} else {
			h.log.Debug("request refused", "op", req.Op, "path", req.Path, "status", status, "err", err)
		}
		return &protocol.Response{Status: status}
	}
	if protocol.ResponseHeaderSize+len(payload) > protocol.MaxMsgSize {
		h.log.Warn("response too large", "op", req.Op, "path", req.Path, "bytes", len(payload))
		return protocol.Fail(protocol.ErrMsgTooLarge)
	}
	h.log.Debug("request", "op", req.Op, "path", req.Path, "owner", sess.Owner, "bytes", len(payload))
	return &protocol.Response{Payload: payload}
}

func denied(req *protocol.Request) bool {
	if req.Op.Mutates() {
		return true
	}
	if req.Op == protocol.OpOpen {
		return req.Flags&(domain.O_ACCMODE|domain.O_CREAT|domain.O_TRUNC|domain.O_APPEND) != 0
	}
	return false
}

func (h *Host) dispatch(sess Session, req *protocol.Request) ([]byte, error) {
	e := h.engine
	p := req.Path

	switch req.Op {
	case protocol.OpRead:
		return e.Read(p)
	case protocol.OpWrite:
		return nil, e.Write(p, req.Payload, req.Flags)
	case protocol.OpUnlink:
		return nil, e.Unlink(p)
	case protocol.OpStat:
		return statReply(e.Stat(p))
	case protocol.OpLstat:
		return statReply(e.Lstat(p))
	case protocol.OpMkdir:
		mode, err := protocol.OptionalMode(req.Payload, domain.DefaultDirMode)
		if err != nil {
			return nil, err
		}
		return nil, e.Mkdir(p, mode, req.Flags)
	case protocol.OpRmdir:
		return nil, e.Rmdir(p, req.Flags)
	case protocol.OpReaddir:
		entries, err := e.Readdir(p)
		if err != nil {
			return nil, err
		}
		return protocol.MarshalDirents(entries, req.Flags&domain.FlagWithTypes != 0), nil
	case protocol.OpRename:
		dst, _, err := protocol.UnpackPath(req.Payload)
		if err != nil {
			return nil, err
		}
		return nil, e.Rename(p, dst)
	case protocol.OpExists:
		if e.Exists(p) {
			return []byte{1}, nil
		}
		return []byte{0}, nil
	case protocol.OpTruncate:
		size, err := protocol.U64(req.Payload)
		if err != nil {
			return nil, err
		}
		return nil, e.Truncate(p, int64(size))
	case protocol.OpAppend:
		return nil, e.Append(p, req.Payload)
	case protocol.OpCopy:
		dst, _, err := protocol.UnpackPath(req.Payload)
		if err != nil {
			return nil, err
		}
		return nil, e.Copy(p, dst, req.Flags)
	case protocol.OpAccess:
		return nil, e.Access(p, req.Flags)
	case protocol.OpRealpath:
		return stringReply(e.Realpath(p))
	case protocol.OpChmod:
		mode, err := protocol.U32(req.Payload)
		if err != nil {
			return nil, err
		}
		return nil, e.Chmod(p, mode)
	case protocol.OpChown:
		var args protocol.OwnerArgs
		if err := args.Decode(req.Payload); err != nil {
			return nil, err
		}
		return nil, e.Chown(p, args.UID, args.GID)
	case protocol.OpUtimes:
		var args protocol.TimesArgs
		if err := args.Decode(req.Payload); err != nil {
			return nil, err
		}
		return nil, e.Utimes(p, domain.FromMillis(args.Atime), domain.FromMillis(args.Mtime))
	case protocol.OpSymlink:
		return nil, e.Symlink(string(req.Payload), p)
	case protocol.OpReadlink:
		return stringReply(e.Readlink(p))
	case protocol.OpLink:
		dst, _, err := protocol.UnpackPath(req.Payload)
		if err != nil {
			return nil, err
		}
		return nil, e.Link(p, dst)
	case protocol.OpOpen:
		mode, err := protocol.OptionalMode(req.Payload, domain.DefaultFileMode)
		if err != nil {
			return nil, err
		}
		return fdReply(e.OpenFile(sess.Owner, p, req.Flags, mode))
	case protocol.OpClose:
		fd, err := protocol.U32(req.Payload)
		if err != nil {
			return nil, err
		}
		return nil, e.CloseFD(int(fd))
	case protocol.OpFRead:
		var args protocol.FReadArgs
		if err := args.Decode(req.Payload); err != nil {
			return nil, err
		}
		return e.FRead(int(args.FD), int(args.Len), args.Pos)
	case protocol.OpFWrite:
		var args protocol.FWriteArgs
		if err := args.Decode(req.Payload); err != nil {
			return nil, err
		}
		return fdReply(e.FWrite(int(args.FD), args.Data, args.Pos))
	case protocol.OpFStat:
		fd, err := protocol.U32(req.Payload)
		if err != nil {
			return nil, err
		}
		return statReply(e.FStat(int(fd)))
	case protocol.OpFTruncate:
		var args protocol.FTruncateArgs
		if err := args.Decode(req.Payload); err != nil {
			return nil, err
		}
		return nil, e.FTruncate(int(args.FD), int64(args.Size))
	case protocol.OpFSync:
		fd, err := protocol.U32(req.Payload)
		if err != nil {
			return nil, err
		}
		return nil, e.FSync(int(fd))
	case protocol.OpOpendir:
		return fdReply(e.OpenDir(sess.Owner, p))
	case protocol.OpMkdtemp:
		return stringReply(e.Mkdtemp(p))
	case protocol.OpDetach:
		n := e.CloseOwner(sess.Owner)
		h.log.Debug("peer detached", "owner", sess.Owner, "closed", n)
		return nil, nil
	case protocol.OpFReaddir:
		fd, err := protocol.U32(req.Payload)
		if err != nil {
			return nil, err
		}
		entries, err := e.ReaddirFD(int(fd))
		if err != nil {
			return nil, err
		}
		return protocol.MarshalDirents(entries, req.Flags&domain.FlagWithTypes != 0), nil
	default:
		return nil, fmt.Errorf("opcode %d: %w", req.Op, protocol.ErrInvalidOp)
	}
}

func statReply(st domain.Stat, err error) ([]byte, error) {
	if err != nil {
		return nil, err
	}
	return protocol.MarshalStat(&st), nil
}

func stringReply(s string, err error) ([]byte, error) {
	if err != nil {
		return nil, err
	}
	return []byte(s), nil
}

// fdReply encodes a descriptor or a byte count.
func fdReply(n int, err error) ([]byte, error) {
	if err != nil {
		return nil, err
	}
	return protocol.PutU32(uint32(n)), nil
}

// ServeChannel answers requests arriving on ch until ctx ends. Peers on
// a channel are local and get read-write sessions keyed by the peer id
// they place in the control header.
func (h *Host) ServeChannel(ctx context.Context, ch *shm.Channel) error {
	h.log.Info("serving shared-memory channel", "capacity", ch.Capacity())
	for {
		peer, raw, err := ch.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, shm.ErrProtocol) {
				h.log.Warn("dropping malformed chunk sequence", "peer", peer, "err", err)
				if err := ch.Reply(ctx, protocol.Fail(protocol.ErrMsgTooShort).Marshal()); err != nil {
					return nil
				}
				continue
			}
			return err
		}
		resp := h.HandleBytes(Session{Owner: peer}, raw)
		if err := ch.Reply(ctx, resp); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}
