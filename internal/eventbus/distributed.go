package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/liuxiao2015/gamecore/internal/metrics"
	"github.com/liuxiao2015/gamecore/internal/store"
)

// BroadcastChannel carries cluster-wide events; every node subscribes.
const BroadcastChannel = "gamecore:events:broadcast"

// TargetChannel returns the channel for events addressed to one target
// (a node id or a hosted service name).
func TargetChannel(target string) string {
	return "event:service:" + target
}

// envelope is the wire form of a distributed event.
type envelope struct {
	Class      string          `json:"class"`
	Data       json.RawMessage `json:"data"`
	SourceNode string          `json:"source_node"`
	Timestamp  int64           `json:"timestamp"`
}

// Bus is the distributed event bus: a LocalBus plus fan-out over the shared
// pub/sub channel. Broadcast events reach every node exactly once (the
// publisher delivers locally and drops its own envelope on receipt);
// targeted events reach every node subscribed to the target.
type Bus struct {
	local   *LocalBus
	pubsub  store.PubSub
	types   *TypeRegistry
	metrics *metrics.Metrics

	nodeID  string
	targets []string

	unsubs []func()
}

// NewBus wraps local with distributed delivery. targets lists the channels
// this node consumes besides the broadcast channel, typically its own node
// id and the service names it hosts.
func NewBus(local *LocalBus, pubsub store.PubSub, types *TypeRegistry, m *metrics.Metrics, nodeID string, targets []string) *Bus {
	return &Bus{
		local:   local,
		pubsub:  pubsub,
		types:   types,
		metrics: m,
		nodeID:  nodeID,
		targets: targets,
	}
}

// Local exposes the wrapped local bus for subscription.
func (b *Bus) Local() *LocalBus { return b.local }

// Start subscribes to the broadcast channel and every target channel.
func (b *Bus) Start(ctx context.Context) error {
	unsub, err := b.pubsub.Subscribe(ctx, BroadcastChannel, func(payload []byte) {
		b.receive(ctx, payload)
	})
	if err != nil {
		return fmt.Errorf("subscribing to broadcast events: %w", err)
	}
	b.unsubs = append(b.unsubs, unsub)

	for _, target := range b.targets {
		unsub, err := b.pubsub.Subscribe(ctx, TargetChannel(target), func(payload []byte) {
			b.receive(ctx, payload)
		})
		if err != nil {
			b.Stop()
			return fmt.Errorf("subscribing to target %q events: %w", target, err)
		}
		b.unsubs = append(b.unsubs, unsub)
	}

	slog.Info("distributed event bus started", "node", b.nodeID, "targets", b.targets)
	return nil
}

// Stop tears down the channel subscriptions. Local delivery keeps working.
func (b *Bus) Stop() {
	for _, unsub := range b.unsubs {
		unsub()
	}
	b.unsubs = nil
}

// Publish delivers ev to this node's subscribers only.
func (b *Bus) Publish(ctx context.Context, ev Event) {
	b.metrics.EventsPublished.WithLabelValues(ev.EventType(), "local").Inc()
	b.local.Publish(ctx, ev)
}

// Broadcast delivers ev locally and to every other node.
func (b *Bus) Broadcast(ctx context.Context, ev Event) error {
	b.metrics.EventsPublished.WithLabelValues(ev.EventType(), "broadcast").Inc()
	b.local.Publish(ctx, ev)

	payload, err := b.seal(ev)
	if err != nil {
		return err
	}
	if err := b.pubsub.Publish(ctx, BroadcastChannel, payload); err != nil {
		return fmt.Errorf("broadcasting %s: %w", ev.EventType(), err)
	}
	return nil
}

// PublishTo delivers ev to every node subscribed to target. When this node
// hosts the target itself, delivery is local: the receive loop drops own
// envelopes, so without the local pass a self-targeted event would vanish.
func (b *Bus) PublishTo(ctx context.Context, target string, ev Event) error {
	b.metrics.EventsPublished.WithLabelValues(ev.EventType(), "targeted").Inc()
	if b.hosts(target) {
		b.local.Publish(ctx, ev)
	}

	payload, err := b.seal(ev)
	if err != nil {
		return err
	}
	if err := b.pubsub.Publish(ctx, TargetChannel(target), payload); err != nil {
		return fmt.Errorf("publishing %s to %q: %w", ev.EventType(), target, err)
	}
	return nil
}

func (b *Bus) hosts(target string) bool {
	if target == b.nodeID {
		return true
	}
	for _, t := range b.targets {
		if t == target {
			return true
		}
	}
	return false
}

func (b *Bus) seal(ev Event) ([]byte, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encoding event %s: %w", ev.EventType(), err)
	}
	payload, err := json.Marshal(envelope{
		Class:      ev.EventType(),
		Data:       data,
		SourceNode: b.nodeID,
		Timestamp:  time.Now().UnixMilli(),
	})
	if err != nil {
		return nil, fmt.Errorf("encoding envelope for %s: %w", ev.EventType(), err)
	}
	return payload, nil
}

// receive decodes one envelope from the wire and republishes it locally.
// Own envelopes are dropped on every channel: the publisher already
// delivered locally. Runs on the subscription goroutine.
func (b *Bus) receive(ctx context.Context, payload []byte) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		b.metrics.EventsDropped.WithLabelValues("decode").Inc()
		slog.Warn("dropping undecodable event envelope", "error", err)
		return
	}

	if env.SourceNode == b.nodeID {
		b.metrics.EventsDropped.WithLabelValues("self").Inc()
		return
	}

	ev, err := b.types.New(env.Class)
	if err != nil {
		b.metrics.EventsDropped.WithLabelValues("unknown_class").Inc()
		slog.Warn("dropping event of unknown class", "class", env.Class, "source", env.SourceNode)
		return
	}
	if err := json.Unmarshal(env.Data, ev); err != nil {
		b.metrics.EventsDropped.WithLabelValues("decode").Inc()
		slog.Warn("dropping event with undecodable data", "class", env.Class, "error", err)
		return
	}

	b.metrics.EventsReceived.WithLabelValues(env.Class).Inc()
	b.local.Publish(ctx, ev)
}
