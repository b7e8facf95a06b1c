package gateway

import (
	"bytes"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/liuxiao2015/gamecore/internal/protocol"
)

// wsUpgrader performs the HTTP to WebSocket upgrade. Origin checks belong to
// the reverse proxy in front of the gateway.
var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// wsConn frames a WebSocket connection: every binary message carries exactly
// one frame in the shared layout, so both carriers speak the same protocol.
type wsConn struct {
	ws   *websocket.Conn
	opts connOptions

	sendCh    chan []byte
	closeCh   chan struct{}
	closeOnce sync.Once
}

func newWSConn(ws *websocket.Conn, opts connOptions) *wsConn {
	opts = opts.withDefaults()
	c := &wsConn{
		ws:      ws,
		opts:    opts,
		sendCh:  make(chan []byte, opts.queueSize),
		closeCh: make(chan struct{}),
	}
	ws.SetReadLimit(int64(opts.maxFrame))
	go c.writePump()
	return c
}

func (c *wsConn) RemoteAddr() string { return c.ws.RemoteAddr().String() }

func (c *wsConn) ReadFrame() (protocol.GameMessage, error) {
	for {
		if err := c.ws.SetReadDeadline(time.Now().Add(c.opts.readIdle)); err != nil {
			return protocol.GameMessage{}, err
		}
		kind, data, err := c.ws.ReadMessage()
		if err != nil {
			return protocol.GameMessage{}, err
		}
		if kind != websocket.BinaryMessage {
			continue
		}

		dec := protocol.NewRequestDecoder(bytes.NewReader(data))
		dec.SetMaxFrameLength(c.opts.maxFrame)
		return dec.Decode()
	}
}

// Send mirrors the TCP carrier: encode, enqueue non-blocking, disconnect
// clients that cannot keep up.
func (c *wsConn) Send(m protocol.GameMessage) bool {
	buf, err := protocol.Encode(m)
	if err != nil {
		slog.Warn("dropping unencodable frame", "protocol", m.ID, "remote", c.RemoteAddr(), "error", err)
		return false
	}

	select {
	case <-c.closeCh:
		return false
	default:
	}

	select {
	case c.sendCh <- buf:
		return true
	default:
		slog.Warn("write queue full, disconnecting slow client", "remote", c.RemoteAddr())
		_ = c.Close()
		return false
	}
}

func (c *wsConn) Close() error {
	c.closeOnce.Do(func() { close(c.closeCh) })
	return nil
}

// writePump is the single writer for the socket; gorilla connections do not
// allow concurrent writes. One frame per binary message, flush on close.
func (c *wsConn) writePump() {
	defer c.ws.Close()

	for {
		select {
		case buf := <-c.sendCh:
			if err := c.write(buf); err != nil {
				slog.Warn("websocket write failed", "remote", c.RemoteAddr(), "error", err)
				return
			}

		case <-c.closeCh:
			c.flush()
			deadline := time.Now().Add(time.Second)
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
			return
		}
	}
}

func (c *wsConn) write(buf []byte) error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(c.opts.writeTimeout)); err != nil {
		return err
	}
	if err := c.ws.WriteMessage(websocket.BinaryMessage, buf); err != nil {
		return err
	}
	c.opts.m.FramesWritten.Inc()
	return nil
}

func (c *wsConn) flush() {
	for {
		select {
		case buf := <-c.sendCh:
			if err := c.write(buf); err != nil {
				return
			}
		default:
			return
		}
	}
}
