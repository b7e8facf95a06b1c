package protocol

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestRoundTrip(t *testing.T) {
	payload := []byte(`{"client_version":"1.0.0","platform":"web","device_id":"d-1"}`)
	in := NewRequest(IDHandshake, 1, payload)

	raw, err := Encode(in)
	require.NoError(t, err)
	require.Len(t, raw, requestHeaderSize+len(payload))
	assert.Equal(t, uint32(len(raw)), binary.BigEndian.Uint32(raw), "total length includes the 4 header bytes")

	out, err := NewRequestDecoder(bytes.NewReader(raw)).Decode()
	require.NoError(t, err)
	assert.Equal(t, KindRequest, out.Kind)
	assert.Equal(t, IDHandshake, out.ID)
	assert.Equal(t, uint32(1), out.Seq)
	assert.Equal(t, payload, out.Payload)
}

func TestResponseRoundTrip(t *testing.T) {
	in := NewResponse(IDLogin, 42, 201, []byte(`{"message":"token invalid"}`))

	raw, err := Encode(in)
	require.NoError(t, err)

	out, err := NewReplyDecoder(bytes.NewReader(raw)).Decode()
	require.NoError(t, err)
	assert.Equal(t, KindResponse, out.Kind)
	assert.Equal(t, IDLogin, out.ID)
	assert.Equal(t, uint32(42), out.Seq, "seq must survive the round trip")
	assert.Equal(t, uint32(201), out.ErrorCode)
	assert.Equal(t, in.Payload, out.Payload)
}

func TestPushClassification(t *testing.T) {
	raw, err := Encode(NewPush(PushKick, []byte(`{"reason":"duplicate login"}`)))
	require.NoError(t, err)

	out, err := NewReplyDecoder(bytes.NewReader(raw)).Decode()
	require.NoError(t, err)
	assert.Equal(t, KindPush, out.Kind)
	assert.Equal(t, PushKick, out.PushType())
	assert.Zero(t, out.Seq)
	assert.Zero(t, out.ErrorCode)
}

func TestEmptyPayload(t *testing.T) {
	raw, err := Encode(NewRequest(IDHeartbeat, 7, nil))
	require.NoError(t, err)
	require.Len(t, raw, requestHeaderSize)

	out, err := NewRequestDecoder(bytes.NewReader(raw)).Decode()
	require.NoError(t, err)
	assert.Equal(t, IDHeartbeat, out.ID)
	assert.Empty(t, out.Payload)
}

// The decoder must assemble frames delivered one byte at a time, as a TCP
// stream is free to fragment them.
func TestDecodeChunkedStream(t *testing.T) {
	var stream []byte
	for seq := uint32(1); seq <= 3; seq++ {
		var err error
		stream, err = Append(stream, NewRequest(IDLogin, seq, []byte{byte(seq), 0xAB}))
		require.NoError(t, err)
	}

	dec := NewRequestDecoder(iotest.OneByteReader(bytes.NewReader(stream)))
	for seq := uint32(1); seq <= 3; seq++ {
		m, err := dec.Decode()
		require.NoError(t, err)
		assert.Equal(t, seq, m.Seq)
		assert.Equal(t, []byte{byte(seq), 0xAB}, m.Payload)
	}

	_, err := dec.Decode()
	assert.ErrorIs(t, err, io.EOF)
}

func TestEncodeOverflow(t *testing.T) {
	big := make([]byte, MaxFrameLength)
	_, err := Encode(NewRequest(IDLogin, 1, big))
	assert.ErrorIs(t, err, ErrFrameOverflow)

	// Exactly at the cap still fits.
	fits := make([]byte, MaxFrameLength-requestHeaderSize)
	_, err = Encode(NewRequest(IDLogin, 1, fits))
	assert.NoError(t, err)
}

func TestDecodeRejectsOversizedDeclaredLength(t *testing.T) {
	var head [requestHeaderSize]byte
	binary.BigEndian.PutUint32(head[:], MaxFrameLength+1)

	_, err := NewRequestDecoder(bytes.NewReader(head[:])).Decode()
	assert.ErrorIs(t, err, ErrFrameOverflow)
}

func TestDecodeRejectsShortDeclaredLength(t *testing.T) {
	var head [requestHeaderSize]byte
	binary.BigEndian.PutUint32(head[:], requestHeaderSize-1)

	_, err := NewRequestDecoder(bytes.NewReader(head[:])).Decode()
	assert.ErrorIs(t, err, ErrFrameInvalid)
}

func TestDecodeTruncatedFrame(t *testing.T) {
	raw, err := Encode(NewRequest(IDLogin, 1, []byte("abcdef")))
	require.NoError(t, err)

	_, err = NewRequestDecoder(bytes.NewReader(raw[:len(raw)-2])).Decode()
	require.Error(t, err)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	assert.NotErrorIs(t, err, io.EOF) // mid-frame close is not a clean close

	_, err = NewRequestDecoder(bytes.NewReader(raw[:5])).Decode()
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestIDHelpers(t *testing.T) {
	assert.Equal(t, IDHandshake, ID(ModuleLogin, 0x01))
	assert.Equal(t, uint8(0x01), Module(IDHeartbeat))
	assert.Equal(t, uint8(0x03), Method(IDHeartbeat))
	assert.False(t, IsPush(IDLogout))
	assert.True(t, IsPush(PushMaintenance))
	assert.True(t, IsPush(PushBase))
}
