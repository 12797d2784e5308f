// Package shm implements a synchronous request/response channel over a
// fixed-size shared memory region. One request is in flight at a time;
// payloads larger than the data area are chunked in both directions.
package shm

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"unsafe"
)

// Control header layout. The data area follows it.
const (
	offLock       = 0
	offStatus     = 4
	offChunkLen   = 8
	offChunkIndex = 12
	offTotalLen   = 16
	offPeer       = 24

	HeaderSize = 32

	// MaxMessage bounds the total length a peer may announce.
	MaxMessage = 1 << 30
)

// Status word values.
const (
	StatusIdle     uint32 = 0
	StatusRequest  uint32 = 1
	StatusResponse uint32 = 2
	StatusChunk    uint32 = 3
	StatusChunkAck uint32 = 4
)

var (
	ErrRegionTooSmall = errors.New("shm: region too small")
	ErrMisaligned     = errors.New("shm: region not 8-byte aligned")
	ErrAbandoned      = errors.New("shm: channel abandoned mid-call")
	ErrProtocol       = errors.New("shm: unexpected chunk sequence")
)

// Channel is one shared region viewed from either side. The same
// Channel value may be used by several goroutines on the calling side;
// the lock word serializes them with callers in other processes too.
type Channel struct {
	mem       []byte
	waiter    Waiter
	abandoned atomic.Bool
}

func NewChannel(mem []byte, w Waiter) (*Channel, error) {
	if len(mem) <= HeaderSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrRegionTooSmall, len(mem))
	}
	if uintptr(unsafe.Pointer(&mem[0]))%8 != 0 {
		return nil, ErrMisaligned
	}
	if w == nil {
		w = SpinWaiter{}
	}
	return &Channel{mem: mem, waiter: w}, nil
}

// Capacity is the size of the data area, the largest chunk.
func (c *Channel) Capacity() int {
	return len(c.mem) - HeaderSize
}

// Reset clears the control header. Only safe when no peer is attached.
func (c *Channel) Reset() {
	for _, off := range []int{offLock, offStatus, offChunkLen, offChunkIndex, offPeer} {
		atomic.StoreUint32(c.word(off), 0)
	}
	atomic.StoreUint64(c.total(), 0)
}

func (c *Channel) word(off int) *uint32 {
	return (*uint32)(unsafe.Pointer(&c.mem[off]))
}

func (c *Channel) total() *uint64 {
	return (*uint64)(unsafe.Pointer(&c.mem[offTotalLen]))
}

func (c *Channel) data() []byte {
	return c.mem[HeaderSize:]
}

func (c *Channel) status() uint32 {
	return atomic.LoadUint32(c.word(offStatus))
}

func (c *Channel) setStatus(s uint32) {
	atomic.StoreUint32(c.word(offStatus), s)
	c.waiter.Wake(c.word(offStatus))
}

// awaitStatus blocks until the status word holds one of want.
func (c *Channel) awaitStatus(ctx context.Context, want ...uint32) (uint32, error) {
	addr := c.word(offStatus)
	for {
		v := atomic.LoadUint32(addr)
		for _, w := range want {
			if v == w {
				return v, nil
			}
		}
		if err := c.waiter.Wait(ctx, addr, v); err != nil {
			return 0, err
		}
	}
}

func (c *Channel) lock(ctx context.Context) error {
	addr := c.word(offLock)
	for !atomic.CompareAndSwapUint32(addr, 0, 1) {
		if err := c.waiter.Wait(ctx, addr, 1); err != nil {
			return err
		}
	}
	return nil
}

func (c *Channel) unlock() {
	atomic.StoreUint32(c.word(offLock), 0)
	c.waiter.Wake(c.word(offLock))
}

// putChunk copies the chunk starting at off into the data area and
// publishes it with status s. It returns the chunk length.
func (c *Channel) putChunk(p []byte, off int, index uint32, s uint32) int {
	n := copy(c.data(), p[off:])
	atomic.StoreUint32(c.word(offChunkLen), uint32(n))
	atomic.StoreUint32(c.word(offChunkIndex), index)
	c.setStatus(s)
	return n
}

// takeChunk appends the published chunk to buf.
func (c *Channel) takeChunk(buf []byte) ([]byte, error) {
	n := int(atomic.LoadUint32(c.word(offChunkLen)))
	if n > c.Capacity() || len(buf)+n > cap(buf) {
		return buf, ErrProtocol
	}
	return append(buf, c.data()[:n]...), nil
}

// Call sends req as the given peer and returns the reply. Cancelling ctx
// while waiting for the lock is harmless. Any failure after the request
// is written, a cancelled ctx or a malformed reply, abandons the channel
// for this process.
func (c *Channel) Call(ctx context.Context, peer uint32, req []byte) ([]byte, error) {
	if len(req) > MaxMessage {
		return nil, ErrProtocol
	}
	if c.abandoned.Load() {
		return nil, ErrAbandoned
	}
	if err := c.lock(ctx); err != nil {
		return nil, err
	}
	atomic.StoreUint32(c.word(offPeer), peer)

	resp, err := c.exchange(ctx, req)
	if err != nil {
		// The host may still be mid-reply, so the lock stays held.
		c.abandoned.Store(true)
		return nil, fmt.Errorf("%w: %w", ErrAbandoned, err)
	}

	c.setStatus(StatusIdle)
	c.unlock()
	return resp, nil
}

func (c *Channel) exchange(ctx context.Context, req []byte) ([]byte, error) {
	atomic.StoreUint64(c.total(), uint64(len(req)))
	off, index := 0, uint32(0)
	for {
		s := StatusChunk
		if index == 0 {
			s = StatusRequest
		}
		off += c.putChunk(req, off, index, s)
		index++
		if off >= len(req) {
			break
		}
		if _, err := c.awaitStatus(ctx, StatusIdle); err != nil {
			return nil, err
		}
	}

	if _, err := c.awaitStatus(ctx, StatusResponse); err != nil {
		return nil, err
	}
	total := atomic.LoadUint64(c.total())
	if total > MaxMessage {
		return nil, ErrProtocol
	}
	resp := make([]byte, 0, total)
	for {
		var err error
		if resp, err = c.takeChunk(resp); err != nil {
			return nil, err
		}
		if uint64(len(resp)) >= total {
			return resp, nil
		}
		c.setStatus(StatusChunkAck)
		if _, err := c.awaitStatus(ctx, StatusResponse); err != nil {
			return nil, err
		}
	}
}

// Receive waits for the next request and returns it along with the peer
// id of the caller holding the lock.
func (c *Channel) Receive(ctx context.Context) (uint32, []byte, error) {
	if _, err := c.awaitStatus(ctx, StatusRequest); err != nil {
		return 0, nil, err
	}
	peer := atomic.LoadUint32(c.word(offPeer))
	total := atomic.LoadUint64(c.total())
	if total > MaxMessage {
		return peer, nil, ErrProtocol
	}
	req := make([]byte, 0, total)
	for {
		var err error
		if req, err = c.takeChunk(req); err != nil {
			return peer, nil, err
		}
		if uint64(len(req)) >= total {
			return peer, req, nil
		}
		c.setStatus(StatusIdle)
		if _, err := c.awaitStatus(ctx, StatusChunk); err != nil {
			return peer, nil, err
		}
	}
}

// Reply answers the request returned by the last Receive.
func (c *Channel) Reply(ctx context.Context, resp []byte) error {
	atomic.StoreUint64(c.total(), uint64(len(resp)))
	off, index := 0, uint32(0)
	for {
		off += c.putChunk(resp, off, index, StatusResponse)
		index++
		if off >= len(resp) {
			return nil
		}
		if _, err := c.awaitStatus(ctx, StatusChunkAck); err != nil {
			return err
		}
	}
}
