package shm

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var waiters = map[string]Waiter{
	"spin":  SpinWaiter{},
	"futex": FutexWaiter{Slice: time.Millisecond},
}

func newPair(t *testing.T, size int, w Waiter) (*Channel, *Channel) {
	t.Helper()
	r := NewHeapRegion(size)
	caller, err := NewChannel(r.Bytes(), w)
	require.NoError(t, err)
	host, err := NewChannel(r.Bytes(), w)
	require.NoError(t, err)
	return caller, host
}

// serve answers every request with the request reversed, tagged with
// the peer id, until ctx ends.
func serve(ctx context.Context, host *Channel) {
	for {
		peer, req, err := host.Receive(ctx)
		if err != nil {
			return
		}
		resp := []byte(fmt.Sprintf("%d:", peer))
		for i := len(req) - 1; i >= 0; i-- {
			resp = append(resp, req[i])
		}
		if err := host.Reply(ctx, resp); err != nil {
			return
		}
	}
}

func reversed(p []byte) []byte {
	out := make([]byte, len(p))
	for i := range p {
		out[len(p)-1-i] = p[i]
	}
	return out
}

func TestCallChunking(t *testing.T) {
	for name, w := range waiters {
		t.Run(name, func(t *testing.T) {
			caller, host := newPair(t, HeaderSize+16, w)
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			go serve(ctx, host)

			sizes := []int{0, 1, 16, 17, 100, 1000}
			for _, n := range sizes {
				req := bytes.Repeat([]byte("abcdefg"), n/7+1)[:n]
				resp, err := caller.Call(ctx, 9, req)
				require.NoError(t, err, "size %d", n)
				assert.Equal(t, append([]byte("9:"), reversed(req)...), resp, "size %d", n)
			}
			assert.Equal(t, StatusIdle, caller.status())
			assert.Equal(t, uint32(0), *caller.word(offLock))
		})
	}
}

func TestConcurrentCallersSerialize(t *testing.T) {
	for name, w := range waiters {
		t.Run(name, func(t *testing.T) {
			caller, host := newPair(t, HeaderSize+8, w)
			ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
			defer cancel()
			go serve(ctx, host)

			var wg sync.WaitGroup
			errs := make(chan error, 8)
			for peer := uint32(1); peer <= 8; peer++ {
				wg.Add(1)
				go func(peer uint32) {
					defer wg.Done()
					for i := 0; i < 20; i++ {
						req := []byte(fmt.Sprintf("peer-%d-call-%d", peer, i))
						resp, err := caller.Call(ctx, peer, req)
						if err != nil {
							errs <- err
							return
						}
						want := append([]byte(fmt.Sprintf("%d:", peer)), reversed(req)...)
						if !bytes.Equal(want, resp) {
							errs <- fmt.Errorf("peer %d got %q", peer, resp)
							return
						}
					}
				}(peer)
			}
			wg.Wait()
			close(errs)
			for err := range errs {
				t.Error(err)
			}
		})
	}
}

func TestCallCancelledWhileLocked(t *testing.T) {
	caller, _ := newPair(t, HeaderSize+8, SpinWaiter{})
	ctx, cancel := context.WithCancel(context.Background())

	// No host is serving, so the call waits for a response forever.
	done := make(chan error, 1)
	go func() {
		_, err := caller.Call(ctx, 1, []byte("x"))
		done <- err
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()

	err := <-done
	assert.ErrorIs(t, err, ErrAbandoned)
	_, err = caller.Call(context.Background(), 1, nil)
	assert.ErrorIs(t, err, ErrAbandoned)
}

func TestMalformedReplyAbandons(t *testing.T) {
	caller, host := newPair(t, HeaderSize+8, SpinWaiter{})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	go func() {
		if _, _, err := host.Receive(ctx); err != nil {
			return
		}
		*host.total() = MaxMessage + 1
		host.setStatus(StatusResponse)
	}()

	_, err := caller.Call(ctx, 1, []byte("x"))
	assert.ErrorIs(t, err, ErrProtocol)
	assert.ErrorIs(t, err, ErrAbandoned)
	assert.Equal(t, uint32(1), *caller.word(offLock))

	_, err = caller.Call(ctx, 1, []byte("y"))
	assert.ErrorIs(t, err, ErrAbandoned)
}

func TestLockWaitHonoursContext(t *testing.T) {
	caller, _ := newPair(t, HeaderSize+8, FutexWaiter{Slice: time.Millisecond})
	*caller.word(offLock) = 1

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := caller.Call(ctx, 1, []byte("x"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.NotErrorIs(t, err, ErrAbandoned)
}

func TestNewChannelValidation(t *testing.T) {
	_, err := NewChannel(make([]byte, HeaderSize), nil)
	assert.ErrorIs(t, err, ErrRegionTooSmall)

	r := NewHeapRegion(HeaderSize + 9)
	_, err = NewChannel(r.Bytes()[1:], nil)
	assert.ErrorIs(t, err, ErrMisaligned)

	ch, err := NewChannel(r.Bytes(), nil)
	require.NoError(t, err)
	assert.Equal(t, 9, ch.Capacity())
}

func TestReset(t *testing.T) {
	caller, _ := newPair(t, HeaderSize+8, nil)
	*caller.word(offLock) = 1
	*caller.word(offStatus) = StatusChunk
	*caller.total() = 77
	caller.Reset()
	assert.Equal(t, uint32(0), *caller.word(offLock))
	assert.Equal(t, StatusIdle, caller.status())
	assert.Equal(t, uint64(0), *caller.total())
}
