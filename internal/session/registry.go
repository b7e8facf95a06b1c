package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/liuxiao2015/gamecore/internal/metrics"
	"github.com/liuxiao2015/gamecore/internal/protocol"
	"github.com/liuxiao2015/gamecore/internal/trace"
)

// Session ids are snowflakes: 41 bits of milliseconds since idEpoch, 10 bits
// of worker id, 12 bits of per-millisecond sequence. Unique cluster-wide as
// long as worker ids are.
const idEpochMs int64 = 1_704_067_200_000 // 2024-01-01T00:00:00Z

type idGen struct {
	node uint64

	mu  sync.Mutex
	ms  uint64
	seq uint64
}

func newIDGen(workerID int) *idGen {
	return &idGen{node: uint64(workerID) & 0x3FF}
}

func (g *idGen) next() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := uint64(max(time.Now().UnixMilli()-idEpochMs, 0))
	if now > g.ms {
		g.ms, g.seq = now, 0
	} else {
		// Same millisecond, or the clock stepped back: keep counting, and
		// borrow from the next millisecond when the sequence wraps.
		g.seq++
		if g.seq > 0xFFF {
			g.ms, g.seq = g.ms+1, 0
		}
	}
	return g.ms<<22 | g.node<<12 | g.seq
}

func newToken() (string, error) {
	var b [32]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("generating reconnect token: %w", err)
	}
	return hex.EncodeToString(b[:]), nil
}

// Options tunes the registry.
type Options struct {
	// Grace is how long a disconnected session waits for reconnection.
	Grace time.Duration
	// SweepInterval is the expired-session purge cadence.
	SweepInterval time.Duration
	// PendingLimit caps the per-session pending queue.
	PendingLimit int
}

func (o Options) withDefaults() Options {
	if o.Grace <= 0 {
		o.Grace = 5 * time.Minute
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = 30 * time.Second
	}
	if o.PendingLimit <= 0 {
		o.PendingLimit = 10_000
	}
	return o
}

// Registry owns every session on this node. The primary map is concurrent;
// the secondary indexes (role, token, connection) share one mutex because
// the evict-older-on-rebind transition must swap them atomically.
type Registry struct {
	opts Options
	m    *metrics.Metrics
	gen  *idGen

	sessions sync.Map // uint64 → *Session

	mu      sync.Mutex
	byRole  map[int64]*Session
	byToken map[string]*Session
	byConn  map[Conn]*Session
}

// NewRegistry creates a registry. workerID feeds the id generator and must
// be unique per node (NodeConfig.WorkerID).
func NewRegistry(workerID int, m *metrics.Metrics, opts Options) *Registry {
	return &Registry{
		opts:    opts.withDefaults(),
		m:       m,
		gen:     newIDGen(workerID),
		byRole:  make(map[int64]*Session),
		byToken: make(map[string]*Session),
		byConn:  make(map[Conn]*Session),
	}
}

// Create registers a fresh session for conn and hands out its id and
// reconnect token.
func (r *Registry) Create(conn Conn) (*Session, error) {
	token, err := newToken()
	if err != nil {
		return nil, err
	}
	s := newSession(r.gen.next(), token, conn, r.opts.PendingLimit, r.m)

	r.sessions.Store(s.id, s)
	r.mu.Lock()
	r.byToken[token] = s
	r.byConn[conn] = s
	r.mu.Unlock()

	r.m.SessionsLive.Inc()
	return s, nil
}

// ByID looks a session up by id.
func (r *Registry) ByID(id uint64) (*Session, bool) {
	v, ok := r.sessions.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*Session), true
}

// ByRole returns the session currently owning roleID.
func (r *Registry) ByRole(roleID int64) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byRole[roleID]
	return s, ok
}

// ByConn returns the session attached to conn.
func (r *Registry) ByConn(conn Conn) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byConn[conn]
	return s, ok
}

// BindRole gives s ownership of roleID. If another session already owns the
// role it is kicked and purged, and returned so the caller can log or notify.
func (r *Registry) BindRole(ctx context.Context, s *Session, roleID int64, roleName string) *Session {
	r.mu.Lock()
	old := r.byRole[roleID]
	if old == s {
		r.mu.Unlock()
		s.setRole(roleID, roleName)
		return nil
	}
	r.byRole[roleID] = s
	r.mu.Unlock()

	s.setRole(roleID, roleName)
	if old != nil {
		slog.InfoContext(ctx, "role rebound, evicting older session",
			"role_id", roleID, "old_session", old.ID(), "new_session", s.ID(), trace.Attr(ctx))
		r.kick(old, "login_elsewhere")
	}
	return old
}

// UnbindRole releases s's role ownership (logout without closing).
func (r *Registry) UnbindRole(s *Session) {
	roleID := s.RoleID()
	if roleID == 0 {
		return
	}
	r.mu.Lock()
	if r.byRole[roleID] == s {
		delete(r.byRole, roleID)
	}
	r.mu.Unlock()
	s.clearRole()
}

// EvictOlderForRole kicks a local session owning roleID when a strictly
// newer session (by snowflake id) claimed the role elsewhere. Replayed or
// out-of-order announcements about older sessions are ignored.
func (r *Registry) EvictOlderForRole(ctx context.Context, roleID int64, newerID uint64, reason string) bool {
	r.mu.Lock()
	s := r.byRole[roleID]
	r.mu.Unlock()
	if s == nil || s.ID() >= newerID {
		return false
	}
	slog.InfoContext(ctx, "evicting session for role bound elsewhere",
		"role_id", roleID, "session_id", s.ID(), "newer", newerID, trace.Attr(ctx))
	r.kick(s, reason)
	return true
}

// kick notifies the loser and removes it permanently. The push is
// best-effort: it rides whatever room the write queue has left before the
// close lands.
func (r *Registry) kick(s *Session, reason string) {
	payload, err := json.Marshal(map[string]string{"reason": reason})
	if err == nil {
		s.Send(protocol.NewPush(protocol.PushKick, payload))
	}
	r.purge(s)
}

// MarkDisconnected detaches the connection and starts the reconnect grace
// window. Role and token stay claimed until the sweeper expires the session.
func (r *Registry) MarkDisconnected(s *Session) {
	conn := s.currentConn()
	s.setDisconnected(time.Now())
	if conn != nil {
		r.mu.Lock()
		if r.byConn[conn] == s {
			delete(r.byConn, conn)
		}
		r.mu.Unlock()
	}
}

// Resume moves the connection of fresh onto the disconnected session owning
// token. fresh is the throwaway session created at accept time; on success it
// is purged with its connection intact and the resumed session is returned.
// On failure fresh keeps its connection.
func (r *Registry) Resume(token string, fresh *Session) (*Session, bool) {
	conn := fresh.detachConn()
	if conn == nil {
		return nil, false
	}
	resumed, ok := r.TryReconnect(token, conn)
	if !ok {
		fresh.attachConn(conn)
		return nil, false
	}
	r.purge(fresh)
	return resumed, true
}

// TryReconnect resumes the session owning token onto newConn. It succeeds
// only when the session is disconnected and still inside the grace window;
// the pending queue flushes to newConn in enqueue order before it returns.
func (r *Registry) TryReconnect(token string, newConn Conn) (*Session, bool) {
	r.mu.Lock()
	s, ok := r.byToken[token]
	if ok {
		disc := s.DisconnectTime()
		if disc.IsZero() || time.Since(disc) >= r.opts.Grace {
			ok = false
		}
	}
	if !ok {
		r.mu.Unlock()
		return nil, false
	}
	r.byConn[newConn] = s
	r.mu.Unlock()

	s.rebind(newConn)
	return s, true
}

// Close removes s permanently: logout, kick follow-up, or carrier teardown
// past grace.
func (r *Registry) Close(s *Session) { r.purge(s) }

func (r *Registry) purge(s *Session) {
	if _, loaded := r.sessions.LoadAndDelete(s.id); !loaded {
		return
	}

	conn := s.currentConn()
	r.mu.Lock()
	delete(r.byToken, s.token)
	if roleID := s.RoleID(); roleID != 0 && r.byRole[roleID] == s {
		delete(r.byRole, roleID)
	}
	if conn != nil && r.byConn[conn] == s {
		delete(r.byConn, conn)
	}
	r.mu.Unlock()

	s.close()
	r.m.SessionsLive.Dec()
}

// SweepExpired purges sessions whose grace window ended before now and
// returns how many went away.
func (r *Registry) SweepExpired(now time.Time) int {
	var expired []*Session
	r.sessions.Range(func(_, v any) bool {
		s := v.(*Session)
		if disc := s.DisconnectTime(); !disc.IsZero() && now.Sub(disc) >= r.opts.Grace {
			expired = append(expired, s)
		}
		return true
	})
	for _, s := range expired {
		slog.Info("purging expired session",
			"session_id", s.ID(), "role_id", s.RoleID(), "pending", s.PendingLen())
		r.purge(s)
	}
	return len(expired)
}

// Run sweeps expired sessions on a fixed cadence until ctx ends.
func (r *Registry) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			r.SweepExpired(now)
		}
	}
}

// Range visits every session until f returns false.
func (r *Registry) Range(f func(*Session) bool) {
	r.sessions.Range(func(_, v any) bool {
		return f(v.(*Session))
	})
}

// Len counts registered sessions, grace-period ones included.
func (r *Registry) Len() int {
	n := 0
	r.sessions.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
