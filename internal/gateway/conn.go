// Package gateway is the client-facing front door: it accepts TCP and
// WebSocket connections, frames them with the shared binary protocol, owns a
// write pump per connection and feeds decoded frames into the dispatcher.
package gateway

import (
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/liuxiao2015/gamecore/internal/metrics"
	"github.com/liuxiao2015/gamecore/internal/protocol"
	"github.com/liuxiao2015/gamecore/internal/session"
)

const (
	defaultWriteQueueSize = 64
	defaultWriteTimeout   = 5 * time.Second
	defaultReadIdle       = 120 * time.Second
)

// conn is one framed client connection regardless of carrier. It extends the
// session-facing half with the server-side read path.
type conn interface {
	session.Conn

	// ReadFrame blocks for the next inbound frame, arming the idle deadline
	// per read. Frame-level violations surface as protocol errors.
	ReadFrame() (protocol.GameMessage, error)
}

// connOptions carries the per-connection knobs shared by both carriers.
type connOptions struct {
	m            *metrics.Metrics
	queueSize    int
	maxFrame     uint32
	readIdle     time.Duration
	writeTimeout time.Duration
}

func (o connOptions) withDefaults() connOptions {
	if o.queueSize <= 0 {
		o.queueSize = defaultWriteQueueSize
	}
	if o.maxFrame == 0 {
		o.maxFrame = protocol.MaxFrameLength
	}
	if o.readIdle <= 0 {
		o.readIdle = defaultReadIdle
	}
	if o.writeTimeout <= 0 {
		o.writeTimeout = defaultWriteTimeout
	}
	return o
}

// tcpConn frames a raw TCP stream. Writes go through a dedicated pump
// goroutine reading from a bounded queue; the pump owns the socket and closes
// it on exit, so a blocked reader always wakes up.
type tcpConn struct {
	nc   net.Conn
	dec  *protocol.Decoder
	opts connOptions

	sendCh    chan []byte
	closeCh   chan struct{}
	closeOnce sync.Once
}

func newTCPConn(nc net.Conn, opts connOptions) *tcpConn {
	opts = opts.withDefaults()
	c := &tcpConn{
		nc:      nc,
		dec:     protocol.NewRequestDecoder(nc),
		opts:    opts,
		sendCh:  make(chan []byte, opts.queueSize),
		closeCh: make(chan struct{}),
	}
	c.dec.SetMaxFrameLength(opts.maxFrame)
	go c.writePump()
	return c
}

func (c *tcpConn) RemoteAddr() string { return c.nc.RemoteAddr().String() }

func (c *tcpConn) ReadFrame() (protocol.GameMessage, error) {
	if err := c.nc.SetReadDeadline(time.Now().Add(c.opts.readIdle)); err != nil {
		return protocol.GameMessage{}, err
	}
	return c.dec.Decode()
}

// Send encodes m and queues it for the pump. Non-blocking: a full queue marks
// the client too slow to keep and closes the connection.
func (c *tcpConn) Send(m protocol.GameMessage) bool {
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

// Close signals the pump to flush whatever is queued and tear the socket
// down. Safe to call multiple times.
func (c *tcpConn) Close() error {
	c.closeOnce.Do(func() { close(c.closeCh) })
	return nil
}

// writePump is the single writer for the socket. It batches bursts with
// net.Buffers (one writev instead of N writes) and keeps the single-frame
// path allocation-free.
func (c *tcpConn) writePump() {
	bufs := make(net.Buffers, 0, 16)

	defer c.nc.Close()

	for {
		select {
		case buf := <-c.sendCh:
			if err := c.nc.SetWriteDeadline(time.Now().Add(c.opts.writeTimeout)); err != nil {
				slog.Warn("set write deadline failed", "remote", c.RemoteAddr(), "error", err)
				return
			}

			queued := len(c.sendCh)
			if queued == 0 {
				if _, err := c.nc.Write(buf); err != nil {
					slog.Warn("write failed", "remote", c.RemoteAddr(), "error", err)
					return
				}
				c.opts.m.FramesWritten.Inc()
				continue
			}

			bufs = bufs[:0]
			bufs = append(bufs, buf)
			for range queued {
				bufs = append(bufs, <-c.sendCh)
			}

			n := len(bufs)
			if _, err := bufs.WriteTo(c.nc); err != nil {
				slog.Warn("batch write failed", "remote", c.RemoteAddr(), "error", err)
				return
			}
			c.opts.m.FramesWritten.Add(float64(n))

		case <-c.closeCh:
			c.flush()
			return
		}
	}
}

// flush drains frames queued before the close so kick pushes and final
// responses still reach the client.
func (c *tcpConn) flush() {
	for {
		select {
		case buf := <-c.sendCh:
			if err := c.nc.SetWriteDeadline(time.Now().Add(c.opts.writeTimeout)); err != nil {
				return
			}
			if _, err := c.nc.Write(buf); err != nil {
				return
			}
			c.opts.m.FramesWritten.Inc()
		default:
			return
		}
	}
}
