package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/liuxiao2015/gamecore/internal/dispatch"
	"github.com/liuxiao2015/gamecore/internal/errs"
	"github.com/liuxiao2015/gamecore/internal/eventbus"
	"github.com/liuxiao2015/gamecore/internal/protocol"
	"github.com/liuxiao2015/gamecore/internal/session"
	"github.com/liuxiao2015/gamecore/internal/store"
	"github.com/liuxiao2015/gamecore/internal/trace"
)

// AccountStore is the slice of account persistence the login module needs.
// *store.AccountRepo satisfies it.
type AccountStore interface {
	Get(ctx context.Context, login string) (*store.Account, error)
	Create(ctx context.Context, login, passwordHash, ip string) (int64, error)
	TouchLogin(ctx context.Context, login, ip string) error
	SetLastServer(ctx context.Context, login string, serverID int32) error
}

// EventPublisher announces role binds and unbinds cluster-wide so other nodes
// can evict displaced sessions.
type EventPublisher interface {
	Broadcast(ctx context.Context, ev eventbus.Event) error
}

// LoginOptions tunes the login module.
type LoginOptions struct {
	// NodeID stamps PlayerOnline events with their origin.
	NodeID string
	// MinClientVersion turns on the handshake's need_update flag for older
	// clients. Empty disables the gate.
	MinClientVersion string
	// AutoCreateAccounts makes a first login create the account instead of
	// rejecting it.
	AutoCreateAccounts bool
}

// LoginModule implements the login protocol family: handshake, account
// login, heartbeat, reconnect, enter_game and logout.
type LoginModule struct {
	sessions *session.Registry
	accounts AccountStore
	events   EventPublisher
	opts     LoginOptions
}

// NewLoginModule wires the login protocol family.
func NewLoginModule(sessions *session.Registry, accounts AccountStore, events EventPublisher, opts LoginOptions) *LoginModule {
	return &LoginModule{sessions: sessions, accounts: accounts, events: events, opts: opts}
}

// Register installs the login family into the dispatcher.
func (lm *LoginModule) Register(d *dispatch.Dispatcher) error {
	regs := []dispatch.Registration{
		{ProtocolID: protocol.IDHandshake, Desc: "handshake", Parse: dispatch.JSON[handshakeReq](), Handle: lm.handshake},
		{ProtocolID: protocol.IDLogin, Desc: "login", Async: true, Parse: dispatch.JSON[loginReq](), Handle: lm.login},
		{ProtocolID: protocol.IDHeartbeat, Desc: "heartbeat", Parse: dispatch.JSON[heartbeatReq](), Handle: lm.heartbeat},
		{ProtocolID: protocol.IDReconnect, Desc: "reconnect", Parse: dispatch.JSON[reconnectReq](), Handle: lm.reconnect},
		{ProtocolID: protocol.IDEnterGame, Desc: "enter_game", RequireLogin: true, Parse: dispatch.JSON[enterGameReq](), Handle: lm.enterGame},
		{ProtocolID: protocol.IDLogout, Desc: "logout", RequireLogin: true, Handle: lm.logout},
	}
	for _, reg := range regs {
		if err := d.Register(reg); err != nil {
			return fmt.Errorf("registering %s: %w", reg.Desc, err)
		}
	}
	return nil
}

type handshakeReq struct {
	ClientVersion string `json:"client_version" validate:"required"`
	Platform      string `json:"platform"`
	DeviceID      string `json:"device_id"`
}

type handshakeResp struct {
	ServerTime int64  `json:"server_time"`
	SessionKey string `json:"session_key"`
	NeedUpdate bool   `json:"need_update,omitempty"`
}

func (lm *LoginModule) handshake(_ context.Context, s *session.Session, _ protocol.GameMessage, req any) (any, error) {
	in := req.(*handshakeReq)

	if in.Platform != "" {
		s.SetAttr("platform", in.Platform)
	}
	if in.DeviceID != "" {
		s.SetAttr("device_id", in.DeviceID)
	}

	return handshakeResp{
		ServerTime: time.Now().UnixMilli(),
		SessionKey: s.Token(),
		NeedUpdate: versionBelow(in.ClientVersion, lm.opts.MinClientVersion),
	}, nil
}

type loginReq struct {
	Account  string `json:"account" validate:"required,min=3,max=32"`
	Password string `json:"password" validate:"required,min=6,max=64"`
}

type loginResp struct {
	AccountID int64  `json:"account_id"`
	Token     string `json:"token"`
}

func (lm *LoginModule) login(ctx context.Context, s *session.Session, _ protocol.GameMessage, req any) (any, error) {
	in := req.(*loginReq)

	if s.Authenticated() {
		return nil, errs.New(errs.CodeDuplicate, "already logged in")
	}

	acc, err := lm.accounts.Get(ctx, in.Account)
	if err != nil {
		return nil, fmt.Errorf("loading account: %w", err)
	}

	switch {
	case acc == nil && !lm.opts.AutoCreateAccounts:
		return nil, errs.New(errs.CodeForbidden, "invalid account or password")
	case acc == nil:
		hash, err := store.HashPassword(in.Password)
		if err != nil {
			return nil, fmt.Errorf("hashing password: %w", err)
		}
		id, err := lm.accounts.Create(ctx, in.Account, hash, clientIP(s))
		if err != nil {
			return nil, fmt.Errorf("creating account: %w", err)
		}
		acc = &store.Account{AccountID: id, Login: strings.ToLower(in.Account)}
	case !store.VerifyPassword(acc.PasswordHash, in.Password):
		return nil, errs.New(errs.CodeForbidden, "invalid account or password")
	}

	if err := lm.accounts.TouchLogin(ctx, acc.Login, clientIP(s)); err != nil {
		slog.WarnContext(ctx, "touching last login", "account", acc.Login, "error", err, trace.Attr(ctx))
	}

	s.SetAccount(strconv.FormatInt(acc.AccountID, 10))
	s.SetAttr("login", acc.Login)

	slog.InfoContext(ctx, "account authenticated",
		"account", acc.Login, "session", s.ID(), trace.Attr(ctx))
	return loginResp{AccountID: acc.AccountID, Token: s.Token()}, nil
}

type heartbeatReq struct {
	ClientTime int64 `json:"client_time"`
}

type heartbeatResp struct {
	ClientTime int64 `json:"client_time"`
	ServerTime int64 `json:"server_time"`
}

func (lm *LoginModule) heartbeat(_ context.Context, _ *session.Session, _ protocol.GameMessage, req any) (any, error) {
	in := req.(*heartbeatReq)
	return heartbeatResp{ClientTime: in.ClientTime, ServerTime: time.Now().UnixMilli()}, nil
}

type reconnectReq struct {
	SessionKey string `json:"session_key" validate:"required,len=64"`
}

type reconnectResp struct {
	SessionID uint64 `json:"session_id"`
	RoleID    int64  `json:"role_id,omitempty"`
}

// reconnect moves this connection onto the session owning the presented
// token. The response rides the resumed session so it lands after the pending
// pushes Resume already flushed.
func (lm *LoginModule) reconnect(ctx context.Context, s *session.Session, msg protocol.GameMessage, req any) (any, error) {
	in := req.(*reconnectReq)

	resumed, ok := lm.sessions.Resume(in.SessionKey, s)
	if !ok {
		return nil, errs.New(errs.CodeTokenInvalid, "session expired or token unknown")
	}

	payload, err := json.Marshal(reconnectResp{SessionID: resumed.ID(), RoleID: resumed.RoleID()})
	if err != nil {
		return nil, fmt.Errorf("encoding reconnect response: %w", err)
	}
	resumed.Send(protocol.NewResponse(msg.ID, msg.Seq, errs.CodeSuccess, payload))

	slog.InfoContext(ctx, "session resumed",
		"session", resumed.ID(), "remote", resumed.RemoteAddr(), trace.Attr(ctx))
	return dispatch.NoResponse, nil
}

type enterGameReq struct {
	RoleID   int64  `json:"role_id" validate:"required,min=1"`
	RoleName string `json:"role_name" validate:"required,max=32"`
	ServerID int32  `json:"server_id"`
}

type enterGameResp struct {
	RoleID    int64  `json:"role_id"`
	SessionID uint64 `json:"session_id"`
}

func (lm *LoginModule) enterGame(ctx context.Context, s *session.Session, _ protocol.GameMessage, req any) (any, error) {
	in := req.(*enterGameReq)

	// Login-family protocols skip the dispatcher's auth gate, so the check
	// lives here.
	if !s.Authenticated() {
		return nil, errs.New(errs.CodeTokenInvalid, "login required")
	}

	if old := lm.sessions.BindRole(ctx, s, in.RoleID, in.RoleName); old != nil {
		slog.InfoContext(ctx, "displaced older session for role",
			"role", in.RoleID, "evicted", old.ID(), trace.Attr(ctx))
	}

	if in.ServerID != 0 {
		s.SetServerID(in.ServerID)
		if login, ok := s.Attr("login"); ok {
			if err := lm.accounts.SetLastServer(ctx, login.(string), in.ServerID); err != nil {
				slog.WarnContext(ctx, "recording last server", "error", err, trace.Attr(ctx))
			}
		}
	}

	ev := &eventbus.PlayerOnline{RoleID: in.RoleID, SessionID: int64(s.ID()), NodeID: lm.opts.NodeID}
	if err := lm.events.Broadcast(ctx, ev); err != nil {
		slog.WarnContext(ctx, "announcing player online", "role", in.RoleID, "error", err, trace.Attr(ctx))
	}

	return enterGameResp{RoleID: in.RoleID, SessionID: s.ID()}, nil
}

// logout answers before closing; the carrier flushes queued frames on close
// so the response still reaches the wire.
func (lm *LoginModule) logout(ctx context.Context, s *session.Session, msg protocol.GameMessage, _ any) (any, error) {
	if !s.Authenticated() {
		return nil, errs.New(errs.CodeTokenInvalid, "login required")
	}

	if roleID := s.RoleID(); roleID != 0 {
		ev := &eventbus.PlayerOffline{RoleID: roleID, SessionID: int64(s.ID())}
		if err := lm.events.Broadcast(ctx, ev); err != nil {
			slog.WarnContext(ctx, "announcing player offline", "role", roleID, "error", err, trace.Attr(ctx))
		}
	}
	lm.sessions.UnbindRole(s)

	s.Send(protocol.NewResponse(msg.ID, msg.Seq, errs.CodeSuccess, []byte(`{"ok":true}`)))
	lm.sessions.Close(s)

	slog.InfoContext(ctx, "session logged out", "session", s.ID(), trace.Attr(ctx))
	return dispatch.NoResponse, nil
}

// clientIP strips the port from the session's peer address.
func clientIP(s *session.Session) string {
	addr := s.RemoteAddr()
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}

// versionBelow compares dotted numeric versions; shorter ones pad with
// zeros. Empty operands never flag an update.
func versionBelow(client, minimum string) bool {
	if client == "" || minimum == "" {
		return false
	}
	cp := strings.Split(client, ".")
	mp := strings.Split(minimum, ".")
	for i := range max(len(cp), len(mp)) {
		var c, m int
		if i < len(cp) {
			c, _ = strconv.Atoi(cp[i])
		}
		if i < len(mp) {
			m, _ = strconv.Atoi(mp[i])
		}
		if c != m {
			return c < m
		}
	}
	return false
}
