package shm

import (
	"context"
	"runtime"
	"sync/atomic"
	"time"
)

// Waiter parks the caller until a 32-bit word changes. Wait returns
// once *addr != old, possibly spuriously; callers re-check.
type Waiter interface {
	Wait(ctx context.Context, addr *uint32, old uint32) error
	Wake(addr *uint32)
}

// SpinWaiter busy-polls and never sleeps. Use it where the calling
// context must not block.
type SpinWaiter struct{}

const spinCheckEvery = 1024

func (SpinWaiter) Wait(ctx context.Context, addr *uint32, old uint32) error {
	for i := 0; atomic.LoadUint32(addr) == old; i++ {
		if i%spinCheckEvery == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		runtime.Gosched()
	}
	return nil
}

func (SpinWaiter) Wake(*uint32) {}

// FutexWaiter parks on the word and is woken by the peer's store. Each
// park is bounded by Slice so cancellation is noticed.
type FutexWaiter struct {
	Slice time.Duration
}

const defaultSlice = 10 * time.Millisecond

func (w FutexWaiter) slice() time.Duration {
	if w.Slice <= 0 {
		return defaultSlice
	}
	return w.Slice
}

func (w FutexWaiter) Wait(ctx context.Context, addr *uint32, old uint32) error {
	for atomic.LoadUint32(addr) == old {
		if err := ctx.Err(); err != nil {
			return err
		}
		futexWait(addr, old, w.slice())
	}
	return nil
}

func (FutexWaiter) Wake(addr *uint32) {
	futexWake(addr)
}

// NewWaiter picks the strategy for a context that may or may not block.
func NewWaiter(blocking bool) Waiter {
	if blocking {
		return FutexWaiter{}
	}
	return SpinWaiter{}
}
