// Package protocol implements the wire framing shared by the TCP and
// WebSocket carriers: length-prefixed binary frames carrying a protocol id,
// a sequence number and an opaque payload.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Frame layout (all integers big-endian):
//
//	client→server: totalLen(4) | module(2) | method(2) | seq(4) | payload
//	server→client: totalLen(4) | module(2) | method(2) | seq(4) | errorCode(4) | payload
//
// totalLen includes its own 4 bytes. Pushes use the server layout with
// seq=0, errorCode=0 and a protocol id at or above PushBase.
const (
	requestHeaderSize = 12
	replyHeaderSize   = 16

	// MaxFrameLength is the hard cap on one encoded frame, both directions.
	MaxFrameLength = 1 << 20
)

var (
	// ErrFrameOverflow reports a frame larger than the configured cap.
	ErrFrameOverflow = errors.New("frame exceeds max length")

	// ErrFrameInvalid reports a declared length smaller than the frame header.
	ErrFrameInvalid = errors.New("invalid frame length")
)

// Kind tags the direction-specific flavor of a GameMessage.
type Kind uint8

const (
	KindRequest Kind = iota + 1
	KindResponse
	KindPush
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "REQUEST"
	case KindResponse:
		return "RESPONSE"
	case KindPush:
		return "PUSH"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// GameMessage is one decoded frame. Payload bytes are opaque to the codec;
// handlers interpret them (JSON throughout the built-in protocol families).
type GameMessage struct {
	Kind      Kind
	ID        uint16 // module<<8 | method
	Seq       uint32
	ErrorCode uint32 // responses only
	Payload   []byte
}

// PushType returns the push id of a PUSH message (the protocol id itself).
func (m GameMessage) PushType() uint16 { return m.ID }

// NewRequest builds a client→server frame.
func NewRequest(id uint16, seq uint32, payload []byte) GameMessage {
	return GameMessage{Kind: KindRequest, ID: id, Seq: seq, Payload: payload}
}

// NewResponse builds the reply to a request, echoing its seq.
func NewResponse(id uint16, seq uint32, code uint32, payload []byte) GameMessage {
	return GameMessage{Kind: KindResponse, ID: id, Seq: seq, ErrorCode: code, Payload: payload}
}

// NewPush builds a server-initiated push.
func NewPush(pushType uint16, payload []byte) GameMessage {
	return GameMessage{Kind: KindPush, ID: pushType, Payload: payload}
}

func headerSize(k Kind) int {
	if k == KindRequest {
		return requestHeaderSize
	}
	return replyHeaderSize
}

// Append encodes m and appends the complete frame to dst, returning the
// extended slice. Fails with ErrFrameOverflow when the encoded frame would
// exceed MaxFrameLength; dst is returned unchanged on error.
func Append(dst []byte, m GameMessage) ([]byte, error) {
	total := headerSize(m.Kind) + len(m.Payload)
	if total > MaxFrameLength {
		return dst, fmt.Errorf("encoding frame 0x%04X (%d bytes): %w", m.ID, total, ErrFrameOverflow)
	}

	dst = binary.BigEndian.AppendUint32(dst, uint32(total))
	dst = binary.BigEndian.AppendUint16(dst, uint16(m.ID>>8))
	dst = binary.BigEndian.AppendUint16(dst, uint16(m.ID&0xFF))
	dst = binary.BigEndian.AppendUint32(dst, m.Seq)
	if m.Kind != KindRequest {
		dst = binary.BigEndian.AppendUint32(dst, m.ErrorCode)
	}
	return append(dst, m.Payload...), nil
}

// Encode is Append into a freshly allocated buffer.
func Encode(m GameMessage) ([]byte, error) {
	return Append(make([]byte, 0, headerSize(m.Kind)+len(m.Payload)), m)
}

// Decoder reads frames from a byte stream. It is partial-frame safe: Decode
// blocks until a whole frame is buffered or the stream fails. Not safe for
// concurrent use; every connection owns its own Decoder.
type Decoder struct {
	r     io.Reader
	max   uint32
	reply bool
	head  [replyHeaderSize]byte
}

// NewRequestDecoder returns a Decoder for client→server frames.
func NewRequestDecoder(r io.Reader) *Decoder {
	return &Decoder{r: r, max: MaxFrameLength}
}

// NewReplyDecoder returns a Decoder for server→client frames
// (responses and pushes).
func NewReplyDecoder(r io.Reader) *Decoder {
	return &Decoder{r: r, max: MaxFrameLength, reply: true}
}

// SetMaxFrameLength lowers (or raises) the declared-length cap.
func (d *Decoder) SetMaxFrameLength(n uint32) { d.max = n }

// Decode reads exactly one frame. A clean close before the first header byte
// surfaces as io.EOF; a close mid-frame surfaces as a wrapped
// io.ErrUnexpectedEOF.
func (d *Decoder) Decode() (GameMessage, error) {
	header := requestHeaderSize
	if d.reply {
		header = replyHeaderSize
	}

	head := d.head[:header]
	if _, err := io.ReadFull(d.r, head); err != nil {
		if errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
			return GameMessage{}, io.EOF
		}
		return GameMessage{}, fmt.Errorf("reading frame header: %w", err)
	}

	total := binary.BigEndian.Uint32(head)
	if total < uint32(header) {
		return GameMessage{}, fmt.Errorf("declared length %d below header size %d: %w", total, header, ErrFrameInvalid)
	}
	if total > d.max {
		return GameMessage{}, fmt.Errorf("declared length %d exceeds cap %d: %w", total, d.max, ErrFrameOverflow)
	}

	module := binary.BigEndian.Uint16(head[4:])
	method := binary.BigEndian.Uint16(head[6:])
	m := GameMessage{
		Kind: KindRequest,
		ID:   uint16(byte(module))<<8 | uint16(byte(method)),
		Seq:  binary.BigEndian.Uint32(head[8:]),
	}
	if d.reply {
		m.ErrorCode = binary.BigEndian.Uint32(head[12:])
		m.Kind = KindResponse
		if IsPush(m.ID) {
			m.Kind = KindPush
		}
	}

	if n := int(total) - header; n > 0 {
		m.Payload = make([]byte, n)
		if _, err := io.ReadFull(d.r, m.Payload); err != nil {
			return GameMessage{}, fmt.Errorf("reading frame payload: %w", err)
		}
	}
	return m, nil
}
