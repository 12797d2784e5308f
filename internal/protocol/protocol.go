package protocol

import (
	"encoding/binary"
	"errors"
	"io"
)

const (
	RequestHeaderSize  = 16
	ResponseHeaderSize = 8
	FrameHeaderSize    = 16
	StatSize           = 49
	MaxMsgSize         = 64 * 1024 * 1024
	MaxTokenLen        = 255
	ProtoVersion       = 1
)

// Frame flags on the TCP transport.
const (
	FlagEncrypted uint16 = 0x0001
	FlagResponse  uint16 = 0x8000
)

// Frame kinds on the TCP transport.
const (
	KindHello   uint16 = 0x01
	KindRequest uint16 = 0x02
	KindBye     uint16 = 0x03
)

var (
	ErrMsgTooShort = errors.New("message too short")
	ErrMsgTooLarge = errors.New("message too large")
	ErrBadVersion  = errors.New("bad version")
	ErrInvalidOp   = errors.New("invalid operation")
)

// Request is one decoded operation: a header, the primary path and the
// op-specific payload.
type Request struct {
	Op      Opcode
	Flags   uint32
	Path    string
	Payload []byte
}

func (r *Request) Size() int {
	return RequestHeaderSize + len(r.Path) + len(r.Payload)
}

func (r *Request) Encode(buf []byte) int {
	binary.LittleEndian.PutUint32(buf[0:4], uint32(r.Op))
	binary.LittleEndian.PutUint32(buf[4:8], r.Flags)
	binary.LittleEndian.PutUint32(buf[8:12], uint32(len(r.Path)))
	binary.LittleEndian.PutUint32(buf[12:16], uint32(len(r.Payload)))
	off := RequestHeaderSize
	off += copy(buf[off:], r.Path)
	off += copy(buf[off:], r.Payload)
	return off
}

// Marshal allocates and encodes the request.
func (r *Request) Marshal() []byte {
	buf := make([]byte, r.Size())
	r.Encode(buf)
	return buf
}

// Decode parses buf into r. Payload aliases buf.
func (r *Request) Decode(buf []byte) error {
	if len(buf) < RequestHeaderSize {
		return ErrMsgTooShort
	}
	r.Op = Opcode(binary.LittleEndian.Uint32(buf[0:4]))
	r.Flags = binary.LittleEndian.Uint32(buf[4:8])
	pathLen := int64(binary.LittleEndian.Uint32(buf[8:12]))
	payloadLen := int64(binary.LittleEndian.Uint32(buf[12:16]))
	if pathLen+payloadLen > MaxMsgSize {
		return ErrMsgTooLarge
	}
	if int64(len(buf)) < RequestHeaderSize+pathLen+payloadLen {
		return ErrMsgTooShort
	}
	off := int64(RequestHeaderSize)
	r.Path = string(buf[off : off+pathLen])
	off += pathLen
	r.Payload = buf[off : off+payloadLen]
	return nil
}

type Response struct {
	Status  Status
	Payload []byte
}

func (r *Response) Size() int {
	return ResponseHeaderSize + len(r.Payload)
}

func (r *Response) Encode(buf []byte) int {
	binary.LittleEndian.PutUint32(buf[0:4], uint32(r.Status))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(len(r.Payload)))
	return ResponseHeaderSize + copy(buf[ResponseHeaderSize:], r.Payload)
}

func (r *Response) Marshal() []byte {
	buf := make([]byte, r.Size())
	r.Encode(buf)
	return buf
}

func (r *Response) Decode(buf []byte) error {
	if len(buf) < ResponseHeaderSize {
		return ErrMsgTooShort
	}
	r.Status = Status(int32(binary.LittleEndian.Uint32(buf[0:4])))
	n := int64(binary.LittleEndian.Uint32(buf[4:8]))
	if n > MaxMsgSize {
		return ErrMsgTooLarge
	}
	if int64(len(buf)) < ResponseHeaderSize+n {
		return ErrMsgTooShort
	}
	r.Payload = buf[ResponseHeaderSize : ResponseHeaderSize+n]
	return nil
}

// Fail builds an empty response carrying the status for err.
func Fail(err error) *Response {
	return &Response{Status: StatusOf(err)}
}

// Header frames one message on a stream transport.
type Header struct {
	Length uint32
	Flags  uint16
	Kind   uint16
	TxnID  uint64
}

func (h *Header) Encode(buf []byte) {
	binary.LittleEndian.PutUint32(buf[0:4], h.Length)
	binary.LittleEndian.PutUint16(buf[4:6], h.Flags)
	binary.LittleEndian.PutUint16(buf[6:8], h.Kind)
	binary.LittleEndian.PutUint64(buf[8:16], h.TxnID)
}

func (h *Header) Decode(buf []byte) error {
	if len(buf) < FrameHeaderSize {
		return ErrMsgTooShort
	}
	h.Length = binary.LittleEndian.Uint32(buf[0:4])
	h.Flags = binary.LittleEndian.Uint16(buf[4:6])
	h.Kind = binary.LittleEndian.Uint16(buf[6:8])
	h.TxnID = binary.LittleEndian.Uint64(buf[8:16])
	return nil
}

// AAD is the additional data a sealed frame payload is bound to, so it
// cannot be replayed under another txn id or direction.
func (h *Header) AAD() []byte {
	aad := make([]byte, 12)
	binary.LittleEndian.PutUint16(aad[0:2], h.Flags)
	binary.LittleEndian.PutUint16(aad[2:4], h.Kind)
	binary.LittleEndian.PutUint64(aad[4:12], h.TxnID)
	return aad
}

// WriteFrame writes hdr and payload as one frame, filling in Length.
func WriteFrame(w io.Writer, hdr *Header, payload []byte) error {
	total := FrameHeaderSize + len(payload)
	if total > MaxMsgSize {
		return ErrMsgTooLarge
	}
	hdr.Length = uint32(total)
	buf := make([]byte, total)
	hdr.Encode(buf)
	copy(buf[FrameHeaderSize:], payload)
	_, err := w.Write(buf)
	return err
}

// ReadFrame reads one frame. The payload is returned as sent, still
// sealed when FlagEncrypted is set.
func ReadFrame(r io.Reader) (Header, []byte, error) {
	var hdr Header
	buf := make([]byte, FrameHeaderSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return hdr, nil, err
	}
	if err := hdr.Decode(buf); err != nil {
		return hdr, nil, err
	}
	if hdr.Length < FrameHeaderSize {
		return hdr, nil, ErrMsgTooShort
	}
	if hdr.Length > MaxMsgSize {
		return hdr, nil, ErrMsgTooLarge
	}
	payload := make([]byte, int(hdr.Length)-FrameHeaderSize)
	if _, err := io.ReadFull(r, payload); err != nil {
		return hdr, nil, err
	}
	return hdr, payload, nil
}

// Hello opens a stream session. An empty token asks for a read-only
// session.
type Hello struct {
	Version uint32
	MaxSize uint32
	Token   string
}

func (r *Hello) Encode(buf []byte) int {
	binary.LittleEndian.PutUint32(buf[0:4], r.Version)
	binary.LittleEndian.PutUint32(buf[4:8], r.MaxSize)

	tok := []byte(r.Token)
	if len(tok) > MaxTokenLen {
		tok = tok[:MaxTokenLen]
	}

	binary.LittleEndian.PutUint16(buf[8:10], uint16(len(tok)))
	copy(buf[10:], tok)
	return 10 + len(tok)
}

func (r *Hello) Decode(buf []byte) error {
	if len(buf) < 8 {
		return ErrMsgTooShort
	}
	r.Version = binary.LittleEndian.Uint32(buf[0:4])
	r.MaxSize = binary.LittleEndian.Uint32(buf[4:8])

	if len(buf) == 8 {
		r.Token = ""
		return nil
	}

	if len(buf) < 10 {
		return ErrMsgTooShort
	}
	n := int(binary.LittleEndian.Uint16(buf[8:10]))
	if len(buf) < 10+n {
		return ErrMsgTooShort
	}
	r.Token = string(buf[10 : 10+n])
	return nil
}

type HelloResponse struct {
	Status   Status
	Version  uint32
	MaxSize  uint32
	ReadOnly bool
}

func (r *HelloResponse) Encode(buf []byte) int {
	binary.LittleEndian.PutUint32(buf[0:4], uint32(r.Status))
	binary.LittleEndian.PutUint32(buf[4:8], r.Version)
	binary.LittleEndian.PutUint32(buf[8:12], r.MaxSize)
	buf[12] = 0
	if r.ReadOnly {
		buf[12] = 1
	}
	return 13
}

func (r *HelloResponse) Decode(buf []byte) error {
	if len(buf) < 13 {
		return ErrMsgTooShort
	}
	r.Status = Status(int32(binary.LittleEndian.Uint32(buf[0:4])))
	r.Version = binary.LittleEndian.Uint32(buf[4:8])
	r.MaxSize = binary.LittleEndian.Uint32(buf[8:12])
	r.ReadOnly = buf[12] != 0
	return nil
}
