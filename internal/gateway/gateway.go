package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/liuxiao2015/gamecore/internal/config"
	"github.com/liuxiao2015/gamecore/internal/dispatch"
	"github.com/liuxiao2015/gamecore/internal/metrics"
	"github.com/liuxiao2015/gamecore/internal/protocol"
	"github.com/liuxiao2015/gamecore/internal/session"
)

// Gateway accepts client connections on the configured carriers and pipes
// decoded frames into the dispatcher. One Gateway serves both TCP and
// WebSocket; sessions are carrier-agnostic.
type Gateway struct {
	cfg      config.GatewayConfig
	sessions *session.Registry
	disp     *dispatch.Dispatcher
	m        *metrics.Metrics

	mu    sync.Mutex
	tcpLn net.Listener
	wsLn  net.Listener

	connWG    sync.WaitGroup
	draining  atomic.Bool
	drainOnce sync.Once
}

// New wires a Gateway. Listeners are created by Run.
func New(cfg config.GatewayConfig, sessions *session.Registry, disp *dispatch.Dispatcher, m *metrics.Metrics) *Gateway {
	return &Gateway{cfg: cfg, sessions: sessions, disp: disp, m: m}
}

// TCPAddr returns the bound TCP address, nil before Run listens.
func (g *Gateway) TCPAddr() net.Addr {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.tcpLn == nil {
		return nil
	}
	return g.tcpLn.Addr()
}

// WSAddr returns the bound WebSocket address, nil before Run listens.
func (g *Gateway) WSAddr() net.Addr {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.wsLn == nil {
		return nil
	}
	return g.wsLn.Addr()
}

// Run listens on the configured carriers and blocks until ctx ends. Shutdown
// stops accepting, then closes every session with a maintenance push and
// waits for the connection goroutines to drain.
func (g *Gateway) Run(ctx context.Context) error {
	eg, runCtx := errgroup.WithContext(ctx)

	if g.cfg.TCPListenAddress != "" {
		ln, err := net.Listen("tcp", g.cfg.TCPListenAddress)
		if err != nil {
			return fmt.Errorf("listening on %s: %w", g.cfg.TCPListenAddress, err)
		}
		g.mu.Lock()
		g.tcpLn = ln
		g.mu.Unlock()
		eg.Go(func() error { return g.serveTCP(runCtx, ln) })
	}

	if g.cfg.WSListenAddress != "" {
		ln, err := net.Listen("tcp", g.cfg.WSListenAddress)
		if err != nil {
			return fmt.Errorf("listening on %s: %w", g.cfg.WSListenAddress, err)
		}
		g.mu.Lock()
		g.wsLn = ln
		g.mu.Unlock()
		eg.Go(func() error { return g.serveWS(runCtx, ln) })
	}

	err := eg.Wait()
	g.drainOnce.Do(g.drain)
	g.connWG.Wait()

	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (g *Gateway) serveTCP(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	slog.Info("gateway listening", "transport", "tcp", "address", ln.Addr())

	for {
		nc, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accepting tcp connection: %w", err)
		}

		// Keepalive catches peers that vanished without a FIN.
		if tc, ok := nc.(*net.TCPConn); ok {
			if err := tc.SetKeepAlive(true); err != nil {
				slog.Warn("set keepalive failed", "error", err)
			}
			if err := tc.SetKeepAlivePeriod(30 * time.Second); err != nil {
				slog.Warn("set keepalive period failed", "error", err)
			}
		}

		c := newTCPConn(nc, g.connOpts())
		g.connWG.Go(func() { g.serve(ctx, c) })
	}
}

func (g *Gateway) serveWS(ctx context.Context, ln net.Listener) error {
	path := g.cfg.WSPath
	if path == "" {
		path = "/ws"
	}

	mux := http.NewServeMux()
	mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		ws, err := wsUpgrader.Upgrade(w, r, nil)
		if err != nil {
			slog.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
			return
		}
		// The handler goroutine carries the connection for its lifetime;
		// Shutdown does not wait for hijacked connections, connWG does.
		g.connWG.Add(1)
		defer g.connWG.Done()
		g.serve(ctx, newWSConn(ws, g.connOpts()))
	})

	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(shCtx)
	}()

	slog.Info("gateway listening", "transport", "websocket", "address", ln.Addr(), "path", path)

	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("websocket server: %w", err)
	}
	return nil
}

func (g *Gateway) connOpts() connOptions {
	return connOptions{
		m:            g.m,
		queueSize:    g.cfg.WriteQueueSize,
		maxFrame:     uint32(g.cfg.MaxFrameLength),
		readIdle:     g.cfg.ReadIdle(),
		writeTimeout: defaultWriteTimeout,
	}
}

// serve owns one connection: register a session, loop decoding frames into
// the dispatcher, and start the reconnect grace window when the read side
// ends. The session attached to the connection can change mid-stream when a
// reconnect handler resumes an older one, so it is resolved per frame.
func (g *Gateway) serve(ctx context.Context, c conn) {
	defer func() { _ = c.Close() }()

	s, err := g.sessions.Create(c)
	if err != nil {
		slog.Error("creating session", "remote", c.RemoteAddr(), "error", err)
		return
	}
	slog.Info("client connected", "remote", c.RemoteAddr(), "session", s.ID())

	if g.draining.Load() {
		g.sessions.Close(s)
		return
	}

	defer func() {
		if cur, ok := g.sessions.ByConn(c); ok {
			g.sessions.MarkDisconnected(cur)
			slog.Info("client disconnected", "remote", c.RemoteAddr(), "session", cur.ID())
		}
	}()

	for {
		msg, err := c.ReadFrame()
		if err != nil {
			g.logReadError(c, err)
			return
		}
		g.m.FramesRead.Inc()

		cur, ok := g.sessions.ByConn(c)
		if !ok {
			// Kicked or resumed away between frames.
			return
		}
		cur.Touch()
		g.disp.Dispatch(ctx, cur, msg)
	}
}

func (g *Gateway) logReadError(c conn, err error) {
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
		slog.Debug("connection closed", "remote", c.RemoteAddr())
	case errors.Is(err, protocol.ErrFrameOverflow), errors.Is(err, protocol.ErrFrameInvalid):
		slog.Warn("framing violation, closing connection", "remote", c.RemoteAddr(), "error", err)
	default:
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			slog.Info("closing idle connection", "remote", c.RemoteAddr())
			return
		}
		slog.Warn("read failed", "remote", c.RemoteAddr(), "error", err)
	}
}

// drain closes every session after a best-effort maintenance push. Runs once,
// after the accept loops have stopped.
func (g *Gateway) drain() {
	g.draining.Store(true)

	payload, _ := json.Marshal(map[string]string{"reason": "maintenance"})
	n := 0
	g.sessions.Range(func(s *session.Session) bool {
		s.Send(protocol.NewPush(protocol.PushMaintenance, payload))
		g.sessions.Close(s)
		n++
		return true
	})
	if n > 0 {
		slog.Info("gateway drained sessions", "count", n)
	}
}
