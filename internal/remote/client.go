package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	grpccodes "google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/liuxiao2015/gamecore/internal/actor"
	"github.com/liuxiao2015/gamecore/internal/cluster"
	"github.com/liuxiao2015/gamecore/internal/errs"
	"github.com/liuxiao2015/gamecore/internal/metrics"
	"github.com/liuxiao2015/gamecore/internal/trace"
)

// Provider is what business code depends on to reach actors anywhere in the
// cluster. Client implements it over gRPC; MockProvider stands in when the
// cluster is disabled, so callers never hold a nil dependency.
type Provider interface {
	Tell(ctx context.Context, system, actorID, msgType string, payload any, opts ...CallOption) (bool, error)
	Ask(ctx context.Context, system, actorID, msgType string, payload any, opts ...CallOption) (json.RawMessage, error)
	HasActor(ctx context.Context, system, actorID string) (bool, error)
	BatchTell(ctx context.Context, system string, actorIDs []string, msgType string, payload any, opts ...CallOption) (int, error)
	// Broadcast asks every node hosting system and sums the numeric replies.
	Broadcast(ctx context.Context, system, actorID, msgType string, payload any, opts ...CallOption) (float64, error)
	ListSystems(ctx context.Context, nodeID string) ([]string, error)
}

// Policy picks the target node for a call.
type Policy int

const (
	// PolicyConsistentHash routes by actor id over the ring. Default for
	// per-entity calls.
	PolicyConsistentHash Policy = iota
	// PolicyRoundRobin rotates over the nodes hosting the system. For
	// stateless services where any node will do.
	PolicyRoundRobin
)

type callConfig struct {
	timeout time.Duration
	retries int
	policy  Policy
}

// CallOption tunes one call.
type CallOption func(*callConfig)

// WithTimeout overrides the per-call deadline.
func WithTimeout(d time.Duration) CallOption {
	return func(c *callConfig) { c.timeout = d }
}

// WithRetries allows n extra attempts. Only read-only calls should opt in;
// mutating calls stay at zero and rely on compensation for durability.
func WithRetries(n int) CallOption {
	return func(c *callConfig) { c.retries = n }
}

// WithPolicy overrides the node-selection policy.
func WithPolicy(p Policy) CallOption {
	return func(c *callConfig) { c.policy = p }
}

const defaultRPCTimeout = 3 * time.Second

// Client routes actor calls across the cluster: consistent-hash by default,
// local short-circuit when this node owns the target, a circuit breaker per
// peer, and JSON payloads end to end. Payloads are JSON-encoded even for the
// local short-circuit, so handlers of remoted systems always see
// json.RawMessage regardless of where the caller ran.
type Client struct {
	ring    *cluster.Ring
	selfID  string
	local   *actor.Registry
	m       *metrics.Metrics
	timeout time.Duration

	mu       sync.Mutex
	conns    map[string]*grpc.ClientConn
	breakers map[string]*gobreaker.CircuitBreaker
	rr       atomic.Uint64
}

var _ Provider = (*Client)(nil)

// NewClient creates a cluster-routing client. local may be nil on nodes that
// host no actors; timeout <= 0 falls back to 3 s.
func NewClient(ring *cluster.Ring, selfID string, local *actor.Registry, m *metrics.Metrics, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultRPCTimeout
	}
	return &Client{
		ring:     ring,
		selfID:   selfID,
		local:    local,
		m:        m,
		timeout:  timeout,
		conns:    make(map[string]*grpc.ClientConn),
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// Close releases every cached peer connection.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, conn := range c.conns {
		if err := conn.Close(); err != nil {
			slog.Warn("closing peer connection failed", "node", id, "error", err)
		}
		delete(c.conns, id)
	}
}

func (c *Client) config(opts []CallOption) callConfig {
	cfg := callConfig{timeout: c.timeout}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.timeout <= 0 {
		cfg.timeout = defaultRPCTimeout
	}
	return cfg
}

// pickNode selects the target per the call's policy.
func (c *Client) pickNode(cfg callConfig, system, actorID string) (cluster.Node, error) {
	switch cfg.policy {
	case PolicyRoundRobin:
		hosts := c.hosting(system)
		if len(hosts) == 0 {
			return cluster.Node{}, errs.Newf(errs.CodeServiceUnavailable, "no node hosts system %q", system)
		}
		return hosts[int(c.rr.Add(1)-1)%len(hosts)], nil
	default:
		owner, ok := c.ring.Route(actorID)
		if !ok {
			return cluster.Node{}, errs.New(errs.CodeServiceUnavailable, "cluster ring is empty")
		}
		if !owner.HostsSystem(system) {
			return cluster.Node{}, errs.Newf(errs.CodeServiceUnavailable,
				"owner of %s does not host system %q", actorID, system)
		}
		return owner, nil
	}
}

func (c *Client) hosting(system string) []cluster.Node {
	all := c.ring.Nodes()
	nodes := all[:0:0]
	for _, n := range all {
		if n.HostsSystem(system) {
			nodes = append(nodes, n)
		}
	}
	return nodes
}

func (c *Client) Tell(ctx context.Context, system, actorID, msgType string, payload any, opts ...CallOption) (bool, error) {
	cfg := c.config(opts)
	node, err := c.pickNode(cfg, system, actorID)
	if err != nil {
		return false, err
	}
	body, err := marshalPayload(payload)
	if err != nil {
		return false, fmt.Errorf("encoding tell payload: %w", err)
	}
	if node.ID == c.selfID {
		sys, err := c.localSystem(system)
		if err != nil {
			return false, err
		}
		return sys.Tell(ctx, actorID, actor.Message{Type: msgType, Payload: body}), nil
	}
	req := &TellRequest{System: system, ActorID: actorID, Type: msgType, Payload: body}
	var reply TellReply
	if err := c.invoke(ctx, node, "Tell", req, &reply, cfg); err != nil {
		return false, err
	}
	return reply.Accepted, nil
}

func (c *Client) Ask(ctx context.Context, system, actorID, msgType string, payload any, opts ...CallOption) (json.RawMessage, error) {
	cfg := c.config(opts)
	node, err := c.pickNode(cfg, system, actorID)
	if err != nil {
		return nil, err
	}
	body, err := marshalPayload(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding ask payload: %w", err)
	}
	if node.ID == c.selfID {
		return c.askLocal(ctx, system, actorID, msgType, body, cfg.timeout)
	}
	req := &AskRequest{
		System: system, ActorID: actorID, Type: msgType,
		Payload: body, TimeoutMs: cfg.timeout.Milliseconds(),
	}
	var reply AskReply
	if err := c.invoke(ctx, node, "Ask", req, &reply, cfg); err != nil {
		return nil, err
	}
	if reply.Code != errs.CodeSuccess {
		return nil, errs.New(reply.Code, reply.Message)
	}
	return reply.Value, nil
}

func (c *Client) askLocal(ctx context.Context, system, actorID, msgType string, body json.RawMessage, timeout time.Duration) (json.RawMessage, error) {
	sys, err := c.localSystem(system)
	if err != nil {
		return nil, err
	}
	value, err := sys.Ask(ctx, actorID, actor.Message{Type: msgType, Payload: body}, timeout)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("encoding local ask result: %w", err)
	}
	return data, nil
}

func (c *Client) HasActor(ctx context.Context, system, actorID string) (bool, error) {
	cfg := c.config(nil)
	node, err := c.pickNode(cfg, system, actorID)
	if err != nil {
		return false, err
	}
	if node.ID == c.selfID {
		sys, err := c.localSystem(system)
		if err != nil {
			return false, err
		}
		return sys.Has(actorID), nil
	}
	var reply HasActorReply
	err = c.invoke(ctx, node, "HasActor", &HasActorRequest{System: system, ActorID: actorID}, &reply, cfg)
	return reply.Present, err
}

// BatchTell groups the ids by owning node and issues one RPC per node.
func (c *Client) BatchTell(ctx context.Context, system string, actorIDs []string, msgType string, payload any, opts ...CallOption) (int, error) {
	cfg := c.config(opts)
	body, err := marshalPayload(payload)
	if err != nil {
		return 0, fmt.Errorf("encoding batch payload: %w", err)
	}

	groups := make(map[string][]string)
	nodes := make(map[string]cluster.Node)
	for _, id := range actorIDs {
		node, err := c.pickNode(cfg, system, id)
		if err != nil {
			return 0, err
		}
		groups[node.ID] = append(groups[node.ID], id)
		nodes[node.ID] = node
	}

	var accepted atomic.Int64
	g := &errgroup.Group{}
	for nodeID, ids := range groups {
		node := nodes[nodeID]
		g.Go(func() error {
			if node.ID == c.selfID {
				sys, err := c.localSystem(system)
				if err != nil {
					return err
				}
				for _, id := range ids {
					if sys.Tell(ctx, id, actor.Message{Type: msgType, Payload: body}) {
						accepted.Add(1)
					}
				}
				return nil
			}
			req := &BatchTellRequest{System: system, ActorIDs: ids, Type: msgType, Payload: body}
			var reply BatchTellReply
			if err := c.invoke(ctx, node, "BatchTell", req, &reply, cfg); err != nil {
				return err
			}
			accepted.Add(int64(reply.Accepted))
			return nil
		})
	}
	err = g.Wait()
	return int(accepted.Load()), err
}

// Broadcast asks the same actor id on every node hosting system and sums the
// numeric replies. Non-numeric replies count as zero; nodes that fail are
// skipped. An error is returned only when no node answered.
func (c *Client) Broadcast(ctx context.Context, system, actorID, msgType string, payload any, opts ...CallOption) (float64, error) {
	cfg := c.config(opts)
	hosts := c.hosting(system)
	if len(hosts) == 0 {
		return 0, errs.Newf(errs.CodeServiceUnavailable, "no node hosts system %q", system)
	}
	body, err := marshalPayload(payload)
	if err != nil {
		return 0, fmt.Errorf("encoding broadcast payload: %w", err)
	}

	var (
		mu       sync.Mutex
		total    float64
		answered int
	)
	g := &errgroup.Group{}
	for _, node := range hosts {
		g.Go(func() error {
			var value json.RawMessage
			var legErr error
			if node.ID == c.selfID {
				value, legErr = c.askLocal(ctx, system, actorID, msgType, body, cfg.timeout)
			} else {
				req := &AskRequest{
					System: system, ActorID: actorID, Type: msgType,
					Payload: body, TimeoutMs: cfg.timeout.Milliseconds(),
				}
				var reply AskReply
				if legErr = c.invoke(ctx, node, "Ask", req, &reply, cfg); legErr == nil {
					if reply.Code != errs.CodeSuccess {
						legErr = errs.New(reply.Code, reply.Message)
					} else {
						value = reply.Value
					}
				}
			}
			if legErr != nil {
				slog.WarnContext(ctx, "broadcast leg failed",
					"system", system, "node", node.ID, "error", legErr)
				return nil
			}
			var n float64
			if jerr := json.Unmarshal(value, &n); jerr != nil {
				n = 0
			}
			mu.Lock()
			total += n
			answered++
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	if answered == 0 {
		return 0, errs.Newf(errs.CodeServiceUnavailable, "broadcast to %q reached no node", system)
	}
	return total, nil
}

func (c *Client) ListSystems(ctx context.Context, nodeID string) ([]string, error) {
	if nodeID == c.selfID {
		if c.local == nil {
			return nil, nil
		}
		return c.local.Names(), nil
	}
	var target cluster.Node
	found := false
	for _, n := range c.ring.Nodes() {
		if n.ID == nodeID {
			target, found = n, true
			break
		}
	}
	if !found {
		return nil, errs.Newf(errs.CodeServiceUnavailable, "node %q is not in the ring", nodeID)
	}
	var reply ListSystemsReply
	if err := c.invoke(ctx, target, "ListSystems", &ListSystemsRequest{}, &reply, c.config(nil)); err != nil {
		return nil, err
	}
	return reply.Systems, nil
}

func (c *Client) localSystem(system string) (*actor.System, error) {
	if c.local == nil {
		return nil, errs.Newf(errs.CodeServiceUnavailable, "node hosts no actor systems")
	}
	sys, ok := c.local.Get(system)
	if !ok {
		return nil, errs.Newf(errs.CodeServiceUnavailable, "system %q not hosted locally", system)
	}
	return sys, nil
}

// invoke performs one unary call with the node's breaker and the call's
// retry budget. Breaker-open short-circuits remaining attempts.
func (c *Client) invoke(ctx context.Context, node cluster.Node, method string, req, reply any, cfg callConfig) error {
	full := "/" + ServiceName + "/" + method
	var lastErr error
	for attempt := 0; attempt <= cfg.retries; attempt++ {
		start := time.Now()
		_, err := c.breaker(node.ID).Execute(func() (any, error) {
			conn, err := c.conn(node)
			if err != nil {
				return nil, err
			}
			callCtx, cancel := context.WithTimeout(ctx, cfg.timeout)
			defer cancel()
			return nil, conn.Invoke(callCtx, full, req, reply)
		})
		c.m.RPCDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
		if err == nil {
			c.m.RPCCalls.WithLabelValues(method, "ok").Inc()
			return nil
		}
		lastErr = mapRPCError(err, node.ID, method)
		c.m.RPCCalls.WithLabelValues(method, fmt.Sprint(errs.CodeOf(lastErr))).Inc()
		if errs.CodeOf(lastErr) == errs.CodeCircuitOpen {
			break
		}
	}
	return lastErr
}

func mapRPCError(err error, nodeID, method string) error {
	switch {
	case errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests):
		return errs.Newf(errs.CodeCircuitOpen, "node %s is fused off", nodeID)
	case errors.Is(err, context.DeadlineExceeded) || status.Code(err) == grpccodes.DeadlineExceeded:
		return errs.Newf(errs.CodeRPCTimeout, "remote %s timed out", method)
	case status.Code(err) == grpccodes.NotFound:
		return errs.Newf(errs.CodeResourceMissing, "remote %s: %s", method, status.Convert(err).Message())
	case status.Code(err) == grpccodes.Unavailable:
		return errs.Newf(errs.CodeServiceUnavailable, "node %s unreachable", nodeID)
	default:
		slog.Warn("remote call failed", "node", nodeID, "method", method, "error", err)
		return errs.Newf(errs.CodeSystemError, "remote %s failed", method)
	}
}

func (c *Client) conn(node cluster.Node) (*grpc.ClientConn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if conn, ok := c.conns[node.ID]; ok {
		return conn, nil
	}
	conn, err := grpc.NewClient(node.Addr(),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName)),
		grpc.WithUnaryInterceptor(trace.UnaryClientInterceptor()),
	)
	if err != nil {
		return nil, fmt.Errorf("dialing node %s: %w", node.ID, err)
	}
	c.conns[node.ID] = conn
	return conn, nil
}

func (c *Client) breaker(nodeID string) *gobreaker.CircuitBreaker {
	c.mu.Lock()
	defer c.mu.Unlock()
	if b, ok := c.breakers[nodeID]; ok {
		return b
	}
	b := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        nodeID,
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     15 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("peer breaker state changed", "node", name, "from", from.String(), "to", to.String())
		},
	})
	c.breakers[nodeID] = b
	return b
}

func marshalPayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	case []byte:
		return json.RawMessage(p), nil
	default:
		return json.Marshal(payload)
	}
}

// MockProvider satisfies Provider when the cluster is disabled or discovery
// found no endpoints. Every call answers ServiceUnavailable, so business
// code degrades with a typed error instead of a nil dereference.
type MockProvider struct{}

var _ Provider = MockProvider{}

func (MockProvider) err() error {
	return errs.New(errs.CodeServiceUnavailable, "remote transport is not available")
}

func (m MockProvider) Tell(context.Context, string, string, string, any, ...CallOption) (bool, error) {
	return false, m.err()
}

func (m MockProvider) Ask(context.Context, string, string, string, any, ...CallOption) (json.RawMessage, error) {
	return nil, m.err()
}

func (m MockProvider) HasActor(context.Context, string, string) (bool, error) {
	return false, m.err()
}

func (m MockProvider) BatchTell(context.Context, string, []string, string, any, ...CallOption) (int, error) {
	return 0, m.err()
}

func (m MockProvider) Broadcast(context.Context, string, string, string, any, ...CallOption) (float64, error) {
	return 0, m.err()
}

func (m MockProvider) ListSystems(context.Context, string) ([]string, error) {
	return nil, m.err()
}
