package server

import (
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/Alexander-D-Karpov/blobfs/internal/crypto"
	"github.com/Alexander-D-Karpov/blobfs/internal/protocol"
)

const idleTimeout = 300 * time.Second

// Server exposes a Host over length-framed TCP. The first frame of a
// connection must be a hello carrying the auth token.
type Server struct {
	host      *Host
	sealer    *crypto.Sealer
	authToken string
	log       *slog.Logger

	listener net.Listener
	conns    map[uint32]*conn
	connsMu  sync.Mutex
	quit     chan struct{}
	wg       sync.WaitGroup
}

type conn struct {
	sess   Session
	nc     net.Conn
	server *Server
	log    *slog.Logger
	hello  bool
}

// NewServer builds a stream server. A nil sealer disables encrypted
// frames; peers sending one get EPROTO.
func NewServer(host *Host, sealer *crypto.Sealer, authToken string, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		host:      host,
		sealer:    sealer,
		authToken: authToken,
		log:       log,
		conns:     make(map[uint32]*conn),
		quit:      make(chan struct{}),
	}
}

func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.listener = ln
	s.log.Info("stream server listening", "addr", ln.Addr().String())

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Addr is the bound listen address, valid after Start.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		nc, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.quit:
				return
			default:
				s.log.Warn("accept failed", "err", err)
				continue
			}
		}

		select {
		case <-s.quit:
			nc.Close()
			return
		default:
		}

		owner := s.host.NewOwner()
		c := &conn{
			sess:   Session{Owner: owner},
			nc:     nc,
			server: s,
			log:    s.log.With("owner", owner, "remote", nc.RemoteAddr().String()),
		}
		c.log.Info("client connected")

		s.connsMu.Lock()
		s.conns[owner] = c
		s.connsMu.Unlock()

		s.wg.Add(1)
		go c.readLoop()
	}
}

// Stop closes the listener and every connection, then waits for them.
func (s *Server) Stop() {
	close(s.quit)
	if s.listener != nil {
		s.listener.Close()
	}

	s.connsMu.Lock()
	for _, c := range s.conns {
		c.nc.Close()
	}
	s.connsMu.Unlock()

	s.wg.Wait()
}

func (c *conn) readLoop() {
	defer func() {
		c.server.wg.Done()
		c.cleanup()
	}()

	for {
		c.nc.SetReadDeadline(time.Now().Add(idleTimeout))

		hdr, payload, err := protocol.ReadFrame(c.nc)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				c.log.Info("client disconnected")
			} else {
				c.log.Warn("read frame failed", "err", err)
			}
			return
		}

		if hdr.Flags&protocol.FlagEncrypted != 0 {
			if c.server.sealer == nil {
				c.send(&hdr, (&protocol.Response{Status: protocol.StatusProto}).Marshal())
				continue
			}
			plain, err := c.server.sealer.Open(payload, hdr.AAD())
			if err != nil {
				c.log.Warn("decrypt failed", "err", err)
				c.send(&hdr, (&protocol.Response{Status: protocol.StatusProto}).Marshal())
				continue
			}
			payload = plain
		}

		if !c.handleFrame(&hdr, payload) {
			return
		}
	}
}

// handleFrame reports whether the connection should stay open.
func (c *conn) handleFrame(hdr *protocol.Header, payload []byte) bool {
	switch hdr.Kind {
	case protocol.KindHello:
		return c.handleHello(hdr, payload)
	case protocol.KindBye:
		return false
	case protocol.KindRequest:
		if !c.hello {
			c.send(hdr, (&protocol.Response{Status: protocol.StatusAcces}).Marshal())
			return true
		}
		c.send(hdr, c.server.host.HandleBytes(c.sess, payload))
		return true
	default:
		c.log.Warn("unknown frame kind", "kind", hdr.Kind)
		c.send(hdr, protocol.Fail(protocol.ErrInvalidOp).Marshal())
		return true
	}
}

func (c *conn) handleHello(hdr *protocol.Header, payload []byte) bool {
	var req protocol.Hello
	resp := protocol.HelloResponse{Version: protocol.ProtoVersion, MaxSize: protocol.MaxMsgSize}
	buf := make([]byte, 16)

	if err := req.Decode(payload); err != nil {
		resp.Status = protocol.StatusProto
		c.send(hdr, buf[:resp.Encode(buf)])
		return false
	}
	if req.Version != protocol.ProtoVersion {
		c.log.Warn("version mismatch", "version", req.Version)
		resp.Status = protocol.StatusInval
		c.send(hdr, buf[:resp.Encode(buf)])
		return false
	}

	switch {
	case req.Token == "":
		c.sess.ReadOnly = true
	case req.Token != c.server.authToken:
		c.log.Warn("bad token")
		resp.Status = protocol.StatusAcces
		c.send(hdr, buf[:resp.Encode(buf)])
		return false
	default:
		c.sess.ReadOnly = false
	}

	c.hello = true
	resp.ReadOnly = c.sess.ReadOnly
	c.log.Info("session opened", "read_only", c.sess.ReadOnly)
	c.send(hdr, buf[:resp.Encode(buf)])
	return true
}

// send writes a response frame mirroring the request's kind, txn id
// and encryption.
func (c *conn) send(reqHdr *protocol.Header, payload []byte) {
	hdr := protocol.Header{
		Flags: protocol.FlagResponse | reqHdr.Flags&protocol.FlagEncrypted,
		Kind:  reqHdr.Kind,
		TxnID: reqHdr.TxnID,
	}
	overhead := protocol.FrameHeaderSize
	if hdr.Flags&protocol.FlagEncrypted != 0 && c.server.sealer != nil {
		overhead += c.server.sealer.Overhead()
	}
	// A reply that cannot be framed still has to answer the caller.
	if reqHdr.Kind == protocol.KindRequest && overhead+len(payload) > protocol.MaxMsgSize {
		c.log.Warn("response frame too large", "bytes", len(payload))
		payload = protocol.Fail(protocol.ErrMsgTooLarge).Marshal()
	}

	if hdr.Flags&protocol.FlagEncrypted != 0 {
		if c.server.sealer == nil {
			hdr.Flags &^= protocol.FlagEncrypted
		} else {
			sealed, err := c.server.sealer.Seal(payload, hdr.AAD())
			if err != nil {
				c.log.Error("encrypt failed", "err", err)
				return
			}
			payload = sealed
		}
	}

	if err := protocol.WriteFrame(c.nc, &hdr, payload); err != nil {
		c.log.Warn("send failed", "err", err)
	}
}

func (c *conn) cleanup() {
	c.nc.Close()
	if n := c.server.host.Release(c.sess.Owner); n > 0 {
		c.log.Info("closed descriptors of departed client", "count", n)
	}

	c.server.connsMu.Lock()
	delete(c.server.conns, c.sess.Owner)
	c.server.connsMu.Unlock()
}
