package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/Alexander-D-Karpov/blobfs/internal/crypto"
	"github.com/Alexander-D-Karpov/blobfs/internal/protocol"
	"github.com/Alexander-D-Karpov/blobfs/internal/shm"
)

var (
	ErrAuth        = errors.New("authentication refused")
	ErrTxnMismatch = errors.New("response for another transaction")
)

// RoundTripper carries one encoded request and returns the encoded
// response.
type RoundTripper interface {
	RoundTrip(ctx context.Context, req []byte) ([]byte, error)
	Close() error
}

// ChannelTransport calls over a shared-memory channel as one peer.
type ChannelTransport struct {
	ch   *shm.Channel
	peer uint32
}

func NewChannelTransport(ch *shm.Channel, peer uint32) *ChannelTransport {
	return &ChannelTransport{ch: ch, peer: peer}
}

func (t *ChannelTransport) RoundTrip(ctx context.Context, req []byte) ([]byte, error) {
	return t.ch.Call(ctx, t.peer, req)
}

func (t *ChannelTransport) Close() error { return nil }

// StreamTransport calls over a TCP connection to the stream server. One
// request is in flight at a time.
type StreamTransport struct {
	mu       sync.Mutex
	nc       net.Conn
	sealer   *crypto.Sealer
	txn      uint64
	readOnly bool
}

type DialOptions struct {
	Token  string
	Sealer *crypto.Sealer
	// Timeout bounds the dial and the hello exchange.
	Timeout time.Duration
}

// Dial connects and performs the hello exchange. An empty token opens a
// read-only session.
func Dial(ctx context.Context, addr string, opts DialOptions) (*StreamTransport, error) {
	if opts.Timeout == 0 {
		opts.Timeout = 10 * time.Second
	}
	d := net.Dialer{Timeout: opts.Timeout}
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	t := &StreamTransport{nc: nc, sealer: opts.Sealer}

	nc.SetDeadline(time.Now().Add(opts.Timeout))
	hello := protocol.Hello{Version: protocol.ProtoVersion, MaxSize: protocol.MaxMsgSize, Token: opts.Token}
	buf := make([]byte, 10+protocol.MaxTokenLen)
	raw, err := t.exchange(protocol.KindHello, buf[:hello.Encode(buf)])
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("hello: %w", err)
	}
	nc.SetDeadline(time.Time{})

	var resp protocol.HelloResponse
	if err := resp.Decode(raw); err != nil {
		nc.Close()
		return nil, fmt.Errorf("hello: %w", err)
	}
	if resp.Status != protocol.StatusOK {
		nc.Close()
		if resp.Status == protocol.StatusAcces {
			return nil, ErrAuth
		}
		return nil, fmt.Errorf("hello: %w", resp.Status.Err())
	}
	t.readOnly = resp.ReadOnly
	return t, nil
}

// ReadOnly reports whether the server granted a read-only session.
func (t *StreamTransport) ReadOnly() bool {
	return t.readOnly
}

func (t *StreamTransport) RoundTrip(ctx context.Context, req []byte) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		t.nc.SetDeadline(deadline)
		defer t.nc.SetDeadline(time.Time{})
	}
	stop := context.AfterFunc(ctx, func() {
		t.nc.SetDeadline(time.Unix(1, 0))
	})
	defer stop()

	resp, err := t.exchange(protocol.KindRequest, req)
	if err != nil && ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return resp, err
}

func (t *StreamTransport) exchange(kind uint16, payload []byte) ([]byte, error) {
	t.txn++
	hdr := protocol.Header{Kind: kind, TxnID: t.txn}
	if t.sealer != nil {
		hdr.Flags |= protocol.FlagEncrypted
		sealed, err := t.sealer.Seal(payload, hdr.AAD())
		if err != nil {
			return nil, err
		}
		payload = sealed
	}
	if err := protocol.WriteFrame(t.nc, &hdr, payload); err != nil {
		return nil, err
	}

	rh, body, err := protocol.ReadFrame(t.nc)
	if err != nil {
		return nil, err
	}
	if rh.TxnID != hdr.TxnID {
		return nil, ErrTxnMismatch
	}
	if rh.Flags&protocol.FlagEncrypted != 0 {
		if t.sealer == nil {
			return nil, crypto.ErrDecryptFailed
		}
		return t.sealer.Open(body, rh.AAD())
	}
	return body, nil
}

// Close says goodbye and closes the connection.
func (t *StreamTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	hdr := protocol.Header{Kind: protocol.KindBye}
	protocol.WriteFrame(t.nc, &hdr, nil)
	return t.nc.Close()
}
