// Package session tracks client sessions across their whole lifecycle:
// connect, authenticate, bind a role, disconnect into the reconnect grace
// window, resume or expire. Sends to a disconnected session buffer into a
// bounded pending queue that is flushed in order on reconnect.
package session

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/liuxiao2015/gamecore/internal/metrics"
	"github.com/liuxiao2015/gamecore/internal/protocol"
)

// Conn is the transport half of a client connection. The gateway's TCP and
// WebSocket carriers both implement it; the session layer never touches
// sockets directly.
type Conn interface {
	// Send queues one frame for delivery. It must not block; false means the
	// write queue is full or the connection is gone.
	Send(m protocol.GameMessage) bool
	Close() error
	RemoteAddr() string
}

// Session is one client's server-side state. All mutable fields are guarded
// by mu except the hot counters, which are atomics so the read loop can
// touch them without contention.
type Session struct {
	id    uint64
	token string
	m     *metrics.Metrics

	lastActive atomic.Int64 // unix nanos
	seq        atomic.Uint32

	mu             sync.Mutex
	conn           Conn
	accountID      string
	roleID         int64
	roleName       string
	serverID       int32
	attrs          map[string]any
	pending        []protocol.GameMessage
	pendingLimit   int
	disconnectedAt time.Time
	closed         bool
}

func newSession(id uint64, token string, conn Conn, pendingLimit int, m *metrics.Metrics) *Session {
	s := &Session{
		id:           id,
		token:        token,
		conn:         conn,
		pendingLimit: pendingLimit,
		m:            m,
	}
	s.Touch()
	return s
}

// ID returns the cluster-unique session id.
func (s *Session) ID() uint64 { return s.id }

// Token returns the reconnect token handed to the client at handshake.
func (s *Session) Token() string { return s.token }

// Touch records activity now. The gateway calls it on every inbound frame.
func (s *Session) Touch() { s.lastActive.Store(time.Now().UnixNano()) }

// LastActive returns the time of the most recent inbound activity.
func (s *Session) LastActive() time.Time { return time.Unix(0, s.lastActive.Load()) }

// NextSeq returns a fresh per-session sequence number.
func (s *Session) NextSeq() uint32 { return s.seq.Add(1) }

// SetAccount records a successful account authentication.
func (s *Session) SetAccount(accountID string) {
	s.mu.Lock()
	s.accountID = accountID
	s.mu.Unlock()
}

// AccountID returns the authenticated account, or "" before login.
func (s *Session) AccountID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accountID
}

// Authenticated reports whether login completed on this session.
func (s *Session) Authenticated() bool { return s.AccountID() != "" }

func (s *Session) setRole(roleID int64, roleName string) {
	s.mu.Lock()
	s.roleID, s.roleName = roleID, roleName
	s.mu.Unlock()
}

func (s *Session) clearRole() {
	s.mu.Lock()
	s.roleID, s.roleName = 0, ""
	s.mu.Unlock()
}

// RoleID returns the bound role, or 0 before enter_game.
func (s *Session) RoleID() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.roleID
}

// RoleName returns the bound role's display name.
func (s *Session) RoleName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.roleName
}

// SetServerID records the logical game server the client picked.
func (s *Session) SetServerID(id int32) {
	s.mu.Lock()
	s.serverID = id
	s.mu.Unlock()
}

// ServerID returns the logical game server id, or 0.
func (s *Session) ServerID() int32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.serverID
}

// SetAttr stores an arbitrary per-session value.
func (s *Session) SetAttr(key string, value any) {
	s.mu.Lock()
	if s.attrs == nil {
		s.attrs = make(map[string]any)
	}
	s.attrs[key] = value
	s.mu.Unlock()
}

// Attr reads a per-session value.
func (s *Session) Attr(key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.attrs[key]
	return v, ok
}

// DelAttr removes a per-session value.
func (s *Session) DelAttr(key string) {
	s.mu.Lock()
	delete(s.attrs, key)
	s.mu.Unlock()
}

// Live reports whether the session currently owns a connection.
func (s *Session) Live() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil && !s.closed
}

// RemoteAddr reports the peer address of the attached connection, empty while
// disconnected.
func (s *Session) RemoteAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return ""
	}
	return s.conn.RemoteAddr()
}

// DisconnectTime returns when the connection dropped, zero while live.
func (s *Session) DisconnectTime() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disconnectedAt
}

// Send delivers a frame to the client. Live sessions write to the connection
// queue; disconnected ones buffer into the pending queue (bounded,
// drop-oldest) for the reconnect flush. False means the frame was neither
// queued nor buffered.
func (s *Session) Send(m protocol.GameMessage) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	if s.conn == nil {
		s.bufferLocked(m)
		return true
	}
	return s.conn.Send(m)
}

func (s *Session) bufferLocked(m protocol.GameMessage) {
	if len(s.pending) >= s.pendingLimit {
		// Drop the oldest entry; the window slides forward and append
		// reallocates once it outruns the backing array.
		s.pending = s.pending[1:]
		s.m.PendingDropped.Inc()
		slog.Debug("pending queue overflow, oldest dropped",
			"session_id", s.id, "limit", s.pendingLimit)
	}
	s.pending = append(s.pending, m)
}

// PendingLen returns the buffered frame count.
func (s *Session) PendingLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// setDisconnected detaches the connection and starts the grace window.
// Idempotent; only the first call records the timestamp.
func (s *Session) setDisconnected(at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || !s.disconnectedAt.IsZero() {
		return
	}
	s.conn = nil
	s.disconnectedAt = at
}

// rebind attaches a new connection and flushes the pending queue in enqueue
// order. Frames the write queue cannot take are dropped and counted; by then
// the new connection is already wedged and the read loop will notice.
func (s *Session) rebind(conn Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn = conn
	s.disconnectedAt = time.Time{}
	for _, m := range s.pending {
		if !conn.Send(m) {
			s.m.PendingDropped.Inc()
		}
	}
	s.pending = nil
	s.Touch()
}

// currentConn returns the attached connection, nil while disconnected.
func (s *Session) currentConn() Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

// detachConn removes and returns the connection without closing it, for
// handing it to another session.
func (s *Session) detachConn() Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	conn := s.conn
	s.conn = nil
	return conn
}

func (s *Session) attachConn(conn Conn) {
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
}

// close tears the session down for good: the connection is closed and the
// pending queue is discarded.
func (s *Session) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	conn := s.conn
	s.conn = nil
	s.pending = nil
	s.mu.Unlock()

	if conn != nil {
		if err := conn.Close(); err != nil {
			slog.Debug("closing session connection", "session_id", s.id, "error", err)
		}
	}
}
