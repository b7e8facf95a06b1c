package gateway

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/liuxiao2015/gamecore/internal/config"
	"github.com/liuxiao2015/gamecore/internal/dispatch"
	"github.com/liuxiao2015/gamecore/internal/errs"
	"github.com/liuxiao2015/gamecore/internal/eventbus"
	"github.com/liuxiao2015/gamecore/internal/metrics"
	"github.com/liuxiao2015/gamecore/internal/protocol"
	"github.com/liuxiao2015/gamecore/internal/session"
	"github.com/liuxiao2015/gamecore/internal/store"
)

type fakeAccounts struct {
	mu       sync.Mutex
	accounts map[string]*store.Account
	nextID   int64
	lastSrv  map[string]int32
}

func newFakeAccounts() *fakeAccounts {
	return &fakeAccounts{
		accounts: make(map[string]*store.Account),
		lastSrv:  make(map[string]int32),
	}
}

// seed registers an account with a cheap bcrypt hash to keep tests fast.
func (f *fakeAccounts) seed(t *testing.T, login, password string) *store.Account {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	require.NoError(t, err)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	acc := &store.Account{AccountID: f.nextID, Login: strings.ToLower(login), PasswordHash: string(hash)}
	f.accounts[acc.Login] = acc
	return acc
}

func (f *fakeAccounts) Get(_ context.Context, login string) (*store.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	acc, ok := f.accounts[strings.ToLower(login)]
	if !ok {
		return nil, nil
	}
	cp := *acc
	return &cp, nil
}

func (f *fakeAccounts) Create(_ context.Context, login, passwordHash, ip string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.accounts[strings.ToLower(login)] = &store.Account{
		AccountID:    f.nextID,
		Login:        strings.ToLower(login),
		PasswordHash: passwordHash,
		LastIP:       ip,
	}
	return f.nextID, nil
}

func (f *fakeAccounts) TouchLogin(_ context.Context, login, ip string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if acc, ok := f.accounts[strings.ToLower(login)]; ok {
		acc.LastIP = ip
		acc.LastActive = time.Now()
	}
	return nil
}

func (f *fakeAccounts) SetLastServer(_ context.Context, login string, serverID int32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastSrv[strings.ToLower(login)] = serverID
	return nil
}

type eventRecorder struct {
	mu     sync.Mutex
	events []eventbus.Event
}

func (r *eventRecorder) Broadcast(_ context.Context, ev eventbus.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *eventRecorder) list() []eventbus.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]eventbus.Event(nil), r.events...)
}

type testGateway struct {
	g        *Gateway
	sessions *session.Registry
	accounts *fakeAccounts
	events   *eventRecorder
	m        *metrics.Metrics

	cancel   context.CancelFunc
	done     chan error
	stopOnce sync.Once
	stopErr  error
}

func (tg *testGateway) stop() error {
	tg.stopOnce.Do(func() {
		tg.cancel()
		select {
		case tg.stopErr = <-tg.done:
		case <-time.After(3 * time.Second):
			tg.stopErr = errors.New("gateway did not stop in time")
		}
	})
	return tg.stopErr
}

func startGateway(t *testing.T, mutate func(*config.GatewayConfig)) *testGateway {
	t.Helper()

	m := metrics.NewForTest()
	sessions := session.NewRegistry(1, m, session.Options{})
	disp := dispatch.New(m, 4)
	accounts := newFakeAccounts()
	events := &eventRecorder{}

	lm := NewLoginModule(sessions, accounts, events, LoginOptions{
		NodeID:             "node-test",
		AutoCreateAccounts: true,
	})
	require.NoError(t, lm.Register(disp))

	cfg := config.Default().Gateway
	cfg.TCPListenAddress = "127.0.0.1:0"
	cfg.WSListenAddress = ""
	cfg.ReadIdleSeconds = 5
	if mutate != nil {
		mutate(&cfg)
	}

	g := New(cfg, sessions, disp, m)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- g.Run(ctx) }()

	require.Eventually(t, func() bool { return g.TCPAddr() != nil }, time.Second, 5*time.Millisecond)

	tg := &testGateway{
		g: g, sessions: sessions, accounts: accounts, events: events, m: m,
		cancel: cancel, done: done,
	}
	t.Cleanup(func() {
		if err := tg.stop(); err != nil {
			t.Errorf("stopping gateway: %v", err)
		}
	})
	return tg
}

type testClient struct {
	t    *testing.T
	conn net.Conn
	dec  *protocol.Decoder
	seq  uint32
}

func dialClient(t *testing.T, addr net.Addr) *testClient {
	t.Helper()
	conn, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return &testClient{t: t, conn: conn, dec: protocol.NewReplyDecoder(conn)}
}

func (c *testClient) send(id uint16, payload any) uint32 {
	c.t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(c.t, err)
	c.seq++
	frame, err := protocol.Encode(protocol.NewRequest(id, c.seq, body))
	require.NoError(c.t, err)
	_, err = c.conn.Write(frame)
	require.NoError(c.t, err)
	return c.seq
}

func (c *testClient) read() protocol.GameMessage {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	msg, err := c.dec.Decode()
	require.NoError(c.t, err)
	return msg
}

// call sends a request and reads the matching response.
func (c *testClient) call(id uint16, payload any) protocol.GameMessage {
	c.t.Helper()
	seq := c.send(id, payload)
	msg := c.read()
	require.Equal(c.t, seq, msg.Seq, "response must echo the request seq")
	require.Equal(c.t, id, msg.ID)
	return msg
}

func TestHandshakeLoginEnterGameFlow(t *testing.T) {
	tg := startGateway(t, nil)
	c := dialClient(t, tg.g.TCPAddr())

	resp := c.call(protocol.IDHandshake, map[string]string{
		"client_version": "1.0.0", "platform": "web", "device_id": "d-1",
	})
	require.Equal(t, errs.CodeSuccess, resp.ErrorCode)

	var hs struct {
		ServerTime int64  `json:"server_time"`
		SessionKey string `json:"session_key"`
		NeedUpdate bool   `json:"need_update"`
	}
	require.NoError(t, json.Unmarshal(resp.Payload, &hs))
	assert.Len(t, hs.SessionKey, 64)
	assert.InDelta(t, time.Now().UnixMilli(), float64(hs.ServerTime), 5000)
	assert.False(t, hs.NeedUpdate)

	resp = c.call(protocol.IDLogin, map[string]string{"account": "alice", "password": "secret123"})
	require.Equal(t, errs.CodeSuccess, resp.ErrorCode)

	var lr struct {
		AccountID int64  `json:"account_id"`
		Token     string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(resp.Payload, &lr))
	assert.NotZero(t, lr.AccountID)
	assert.Equal(t, hs.SessionKey, lr.Token, "token matches the handshake session key")

	// The role binds only on the explicit enter_game.
	_, bound := tg.sessions.ByRole(42)
	assert.False(t, bound)

	resp = c.call(protocol.IDEnterGame, map[string]any{
		"role_id": 42, "role_name": "alice-the-bold", "server_id": 3,
	})
	require.Equal(t, errs.CodeSuccess, resp.ErrorCode)

	s, bound := tg.sessions.ByRole(42)
	require.True(t, bound)
	assert.Equal(t, "alice-the-bold", s.RoleName())
	assert.EqualValues(t, 3, s.ServerID())

	evs := tg.events.list()
	require.Len(t, evs, 1)
	online, ok := evs[0].(*eventbus.PlayerOnline)
	require.True(t, ok)
	assert.EqualValues(t, 42, online.RoleID)
	assert.Equal(t, "node-test", online.NodeID)
	assert.EqualValues(t, s.ID(), online.SessionID)

	assert.GreaterOrEqual(t, testutil.ToFloat64(tg.m.FramesRead), 3.0)
	assert.Equal(t, 1.0, testutil.ToFloat64(tg.m.SessionsLive))
}

func TestReconnectFlushesPendingPushesFirst(t *testing.T) {
	tg := startGateway(t, nil)

	c1 := dialClient(t, tg.g.TCPAddr())
	resp := c1.call(protocol.IDHandshake, map[string]string{"client_version": "1.0.0"})
	var hs struct {
		SessionKey string `json:"session_key"`
	}
	require.NoError(t, json.Unmarshal(resp.Payload, &hs))
	c1.call(protocol.IDLogin, map[string]string{"account": "alice", "password": "secret123"})
	c1.call(protocol.IDEnterGame, map[string]any{"role_id": 7, "role_name": "alice"})

	// Drop the socket; the session enters its grace window.
	require.NoError(t, c1.conn.Close())
	var s *session.Session
	require.Eventually(t, func() bool {
		got, ok := tg.sessions.ByRole(7)
		if !ok {
			return false
		}
		s = got
		return !got.DisconnectTime().IsZero()
	}, 2*time.Second, 10*time.Millisecond)

	for i := 1; i <= 3; i++ {
		payload := fmt.Appendf(nil, `{"n":%d}`, i)
		require.True(t, s.Send(protocol.NewPush(protocol.PushEvent, payload)))
	}

	c2 := dialClient(t, tg.g.TCPAddr())
	seq := c2.send(protocol.IDReconnect, map[string]string{"session_key": hs.SessionKey})

	// The first three frames on the new socket are the buffered pushes in
	// send order; the reconnect response follows them.
	for i := 1; i <= 3; i++ {
		msg := c2.read()
		require.Equal(t, protocol.KindPush, msg.Kind)
		require.Equal(t, protocol.PushEvent, msg.ID)
		assert.JSONEq(t, fmt.Sprintf(`{"n":%d}`, i), string(msg.Payload))
	}

	msg := c2.read()
	require.Equal(t, protocol.KindResponse, msg.Kind)
	assert.Equal(t, seq, msg.Seq)
	assert.Equal(t, errs.CodeSuccess, msg.ErrorCode)

	var rr struct {
		SessionID uint64 `json:"session_id"`
		RoleID    int64  `json:"role_id"`
	}
	require.NoError(t, json.Unmarshal(msg.Payload, &rr))
	assert.EqualValues(t, 7, rr.RoleID)
	assert.Equal(t, s.ID(), rr.SessionID)

	// The resumed session keeps serving on the new socket.
	hb := c2.call(protocol.IDHeartbeat, map[string]int64{"client_time": 123})
	require.Equal(t, errs.CodeSuccess, hb.ErrorCode)
}

func TestSecondEnterGameForRoleKicksFirstSocket(t *testing.T) {
	tg := startGateway(t, nil)

	c1 := dialClient(t, tg.g.TCPAddr())
	c1.call(protocol.IDHandshake, map[string]string{"client_version": "1.0.0"})
	c1.call(protocol.IDLogin, map[string]string{"account": "alice", "password": "secret123"})
	c1.call(protocol.IDEnterGame, map[string]any{"role_id": 9, "role_name": "alice"})

	c2 := dialClient(t, tg.g.TCPAddr())
	c2.call(protocol.IDHandshake, map[string]string{"client_version": "1.0.0"})
	c2.call(protocol.IDLogin, map[string]string{"account": "bob", "password": "hunter2222"})
	c2.call(protocol.IDEnterGame, map[string]any{"role_id": 9, "role_name": "alice"})

	// The displaced socket sees the kick push, then the close.
	msg := c1.read()
	require.Equal(t, protocol.KindPush, msg.Kind)
	require.Equal(t, protocol.PushKick, msg.ID)
	assert.JSONEq(t, `{"reason":"login_elsewhere"}`, string(msg.Payload))

	require.NoError(t, c1.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err := c1.dec.Decode()
	assert.Error(t, err, "connection closes after the kick")

	winner, ok := tg.sessions.ByRole(9)
	require.True(t, ok)
	assert.True(t, winner.Live())
	assert.Equal(t, 1, tg.sessions.Len(), "the loser is purged, not left in grace")
}

func TestOversizedFrameClosesConnection(t *testing.T) {
	tg := startGateway(t, func(cfg *config.GatewayConfig) { cfg.MaxFrameLength = 256 })
	c := dialClient(t, tg.g.TCPAddr())

	head := binary.BigEndian.AppendUint32(nil, 1<<21)
	head = binary.BigEndian.AppendUint16(head, 0x01)
	head = binary.BigEndian.AppendUint16(head, 0x01)
	head = binary.BigEndian.AppendUint32(head, 1)
	_, err := c.conn.Write(head)
	require.NoError(t, err)

	require.NoError(t, c.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err = c.dec.Decode()
	assert.Error(t, err)
}

func TestWebSocketCarrierSpeaksTheSameFraming(t *testing.T) {
	tg := startGateway(t, func(cfg *config.GatewayConfig) {
		cfg.WSListenAddress = "127.0.0.1:0"
	})
	require.Eventually(t, func() bool { return tg.g.WSAddr() != nil }, time.Second, 5*time.Millisecond)

	url := fmt.Sprintf("ws://%s/ws", tg.g.WSAddr())
	ws, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { _ = ws.Close() })

	body, err := json.Marshal(map[string]string{"client_version": "1.0.0"})
	require.NoError(t, err)
	frame, err := protocol.Encode(protocol.NewRequest(protocol.IDHandshake, 1, body))
	require.NoError(t, err)
	require.NoError(t, ws.WriteMessage(websocket.BinaryMessage, frame))

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	kind, data, err := ws.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.BinaryMessage, kind)

	msg, err := protocol.NewReplyDecoder(bytes.NewReader(data)).Decode()
	require.NoError(t, err)
	assert.Equal(t, protocol.IDHandshake, msg.ID)
	assert.Equal(t, uint32(1), msg.Seq)
	assert.Equal(t, errs.CodeSuccess, msg.ErrorCode)

	var hs struct {
		SessionKey string `json:"session_key"`
	}
	require.NoError(t, json.Unmarshal(msg.Payload, &hs))
	assert.Len(t, hs.SessionKey, 64)
}

func TestShutdownPushesMaintenanceAndCloses(t *testing.T) {
	tg := startGateway(t, nil)
	c := dialClient(t, tg.g.TCPAddr())
	c.call(protocol.IDHandshake, map[string]string{"client_version": "1.0.0"})

	require.NoError(t, tg.stop())

	msg := c.read()
	require.Equal(t, protocol.KindPush, msg.Kind)
	assert.Equal(t, protocol.PushMaintenance, msg.ID)
	assert.JSONEq(t, `{"reason":"maintenance"}`, string(msg.Payload))

	require.NoError(t, c.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err := c.dec.Decode()
	assert.Error(t, err)

	assert.Equal(t, 0.0, testutil.ToFloat64(tg.m.SessionsLive))
}

func TestLogoutAnswersThenClosesConnection(t *testing.T) {
	tg := startGateway(t, nil)
	c := dialClient(t, tg.g.TCPAddr())

	c.call(protocol.IDHandshake, map[string]string{"client_version": "1.0.0"})
	c.call(protocol.IDLogin, map[string]string{"account": "alice", "password": "secret123"})
	c.call(protocol.IDEnterGame, map[string]any{"role_id": 5, "role_name": "alice"})

	resp := c.call(protocol.IDLogout, struct{}{})
	require.Equal(t, errs.CodeSuccess, resp.ErrorCode)
	assert.JSONEq(t, `{"ok":true}`, string(resp.Payload))

	require.NoError(t, c.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err := c.dec.Decode()
	assert.Error(t, err, "connection closes after logout")

	_, ok := tg.sessions.ByRole(5)
	assert.False(t, ok)

	evs := tg.events.list()
	require.Len(t, evs, 2)
	offline, ok := evs[1].(*eventbus.PlayerOffline)
	require.True(t, ok)
	assert.EqualValues(t, 5, offline.RoleID)
}
