package protocol

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Alexander-D-Karpov/blobfs/internal/domain"
)

func TestOpcodeNumbering(t *testing.T) {
	assert.Equal(t, Opcode(1), OpRead)
	assert.Equal(t, Opcode(9), OpRename)
	assert.Equal(t, Opcode(22), OpOpen)
	assert.Equal(t, Opcode(30), OpMkdtemp)
	assert.Equal(t, Opcode(31), OpDetach)
	assert.Equal(t, "fwrite", OpFWrite.String())
	assert.Equal(t, "unknown", Opcode(0).String())
	assert.Equal(t, "unknown", Opcode(200).String())
	assert.False(t, Opcode(0).Valid())
}

func TestOpcodeMutates(t *testing.T) {
	assert.True(t, OpWrite.Mutates())
	assert.True(t, OpMkdtemp.Mutates())
	assert.True(t, OpFTruncate.Mutates())
	assert.False(t, OpRead.Mutates())
	assert.False(t, OpStat.Mutates())
	assert.False(t, OpOpendir.Mutates())
	assert.False(t, OpClose.Mutates())
}

func TestStatusMapping(t *testing.T) {
	tests := []struct {
		err    error
		status Status
	}{
		{nil, StatusOK},
		{domain.ErrNotFound, StatusNoEnt},
		{fmt.Errorf("open /a: %w", domain.ErrExists), StatusExist},
		{domain.ErrNoSpace, StatusNoSpc},
		{domain.ErrLoop, StatusLoop},
		{domain.ErrBadDescriptor, StatusBadF},
		{ErrMsgTooShort, StatusProto},
		{ErrInvalidOp, StatusNotSup},
		{fmt.Errorf("something else"), StatusIO},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.status, StatusOf(tt.err), "%v", tt.err)
	}

	assert.Equal(t, int32(-39), int32(StatusNotEmpty))
	assert.NoError(t, StatusOK.Err())
	assert.ErrorIs(t, StatusNotDir.Err(), domain.ErrNotDirectory)
	assert.ErrorIs(t, Status(-1000).Err(), domain.ErrIO)
	assert.Equal(t, "ENOTEMPTY", StatusNotEmpty.String())
}

func TestRequestRoundTrip(t *testing.T) {
	req := Request{Op: OpRename, Flags: 1, Path: "/a/b", Payload: PackPath("/c", nil)}
	buf := req.Marshal()
	require.Len(t, buf, RequestHeaderSize+4+6)

	var got Request
	require.NoError(t, got.Decode(buf))
	assert.Equal(t, OpRename, got.Op)
	assert.Equal(t, uint32(1), got.Flags)
	assert.Equal(t, "/a/b", got.Path)

	second, rest, err := UnpackPath(got.Payload)
	require.NoError(t, err)
	assert.Equal(t, "/c", second)
	assert.Empty(t, rest)
}

func TestRequestDecodeErrors(t *testing.T) {
	var r Request
	assert.ErrorIs(t, r.Decode(make([]byte, 10)), ErrMsgTooShort)

	buf := (&Request{Op: OpWrite, Path: "/x", Payload: []byte("abc")}).Marshal()
	assert.ErrorIs(t, r.Decode(buf[:len(buf)-1]), ErrMsgTooShort)

	huge := make([]byte, RequestHeaderSize)
	huge[12], huge[13], huge[14], huge[15] = 0xff, 0xff, 0xff, 0xff
	assert.ErrorIs(t, r.Decode(huge), ErrMsgTooLarge)
}

func TestResponseRoundTrip(t *testing.T) {
	resp := Response{Status: StatusNoEnt, Payload: []byte{7}}
	var got Response
	require.NoError(t, got.Decode(resp.Marshal()))
	assert.Equal(t, StatusNoEnt, got.Status)
	assert.Equal(t, []byte{7}, got.Payload)

	assert.ErrorIs(t, got.Decode([]byte{1, 2, 3}), ErrMsgTooShort)
	assert.Equal(t, StatusIsDir, Fail(domain.ErrIsDirectory).Status)
}

func TestStatRecord(t *testing.T) {
	mtime := time.UnixMilli(1700000000123)
	st := domain.Stat{
		Type:  domain.TypeFile,
		Mode:  domain.S_IFREG | 0640,
		Size:  12345,
		Mtime: mtime,
		Ctime: mtime,
		Atime: mtime.Add(time.Second),
		UID:   1000,
		GID:   100,
		Ino:   42,
	}
	buf := MarshalStat(&st)
	require.Len(t, buf, 49)

	got, err := ParseStat(buf)
	require.NoError(t, err)
	assert.Equal(t, st.Type, got.Type)
	assert.Equal(t, st.Mode, got.Mode)
	assert.Equal(t, st.Size, got.Size)
	assert.True(t, st.Mtime.Equal(got.Mtime))
	assert.True(t, st.Atime.Equal(got.Atime))
	assert.Equal(t, uint32(42), got.Ino)

	_, err = ParseStat(buf[:48])
	assert.ErrorIs(t, err, ErrMsgTooShort)
}

func TestDirents(t *testing.T) {
	entries := []domain.DirEntry{
		{Name: "a.txt", Type: domain.TypeFile},
		{Name: "sub", Type: domain.TypeDirectory},
	}

	plain := MarshalDirents(entries, false)
	assert.Len(t, plain, 4+2+5+2+3)
	got, err := ParseDirents(plain, false)
	require.NoError(t, err)
	assert.Equal(t, "sub", got[1].Name)
	assert.Equal(t, domain.TypeFree, got[1].Type)

	typed := MarshalDirents(entries, true)
	got, err = ParseDirents(typed, true)
	require.NoError(t, err)
	assert.Equal(t, entries, got)

	_, err = ParseDirents(typed[:len(typed)-1], true)
	assert.ErrorIs(t, err, ErrMsgTooShort)

	empty, err := ParseDirents(MarshalDirents(nil, true), true)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestArgs(t *testing.T) {
	buf := make([]byte, 32)

	fr := FReadArgs{FD: 3, Len: 100, Pos: -1}
	n := fr.Encode(buf)
	var gotFR FReadArgs
	require.NoError(t, gotFR.Decode(buf[:n]))
	assert.Equal(t, fr, gotFR)

	fw := FWriteArgs{FD: 4, Pos: 10, Data: []byte("hey")}
	wbuf := make([]byte, fw.Size())
	fw.Encode(wbuf)
	var gotFW FWriteArgs
	require.NoError(t, gotFW.Decode(wbuf))
	assert.Equal(t, fw, gotFW)

	ta := TimesArgs{Atime: 1.5e12, Mtime: 1.6e12}
	n = ta.Encode(buf)
	var gotTA TimesArgs
	require.NoError(t, gotTA.Decode(buf[:n]))
	assert.Equal(t, ta, gotTA)

	mode, err := OptionalMode(nil, 0755)
	require.NoError(t, err)
	assert.Equal(t, uint32(0755), mode)
	mode, err = OptionalMode(PutU32(0700), 0755)
	require.NoError(t, err)
	assert.Equal(t, uint32(0700), mode)
	_, err = OptionalMode([]byte{1}, 0755)
	assert.ErrorIs(t, err, ErrMsgTooShort)
}

func TestHello(t *testing.T) {
	buf := make([]byte, 512)
	h := Hello{Version: ProtoVersion, MaxSize: 1 << 20, Token: "secret"}
	n := h.Encode(buf)

	var got Hello
	require.NoError(t, got.Decode(buf[:n]))
	assert.Equal(t, h, got)

	require.NoError(t, got.Decode(buf[:8]))
	assert.Empty(t, got.Token)

	resp := HelloResponse{Status: StatusOK, Version: 1, MaxSize: 4096, ReadOnly: true}
	n = resp.Encode(buf)
	var gotResp HelloResponse
	require.NoError(t, gotResp.Decode(buf[:n]))
	assert.Equal(t, resp, gotResp)
}

func TestFrameHeader(t *testing.T) {
	buf := make([]byte, FrameHeaderSize)
	h := Header{Length: 99, Flags: FlagResponse | FlagEncrypted, Kind: KindRequest, TxnID: 7}
	h.Encode(buf)
	var got Header
	require.NoError(t, got.Decode(buf))
	assert.Equal(t, h, got)
	assert.ErrorIs(t, got.Decode(buf[:3]), ErrMsgTooShort)
}
