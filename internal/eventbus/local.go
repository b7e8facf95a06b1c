package eventbus

import (
	"context"
	"log/slog"
	"sync"

	"github.com/liuxiao2015/gamecore/internal/trace"
)

// Handler consumes one event. It runs on the publishing goroutine; slow work
// belongs on the subscriber's own pool.
type Handler func(ctx context.Context, ev Event)

// Predicate selects the events a subscriber wants.
type Predicate func(ev Event) bool

type subscriber struct {
	id      int
	match   Predicate
	handler Handler
}

// LocalBus delivers events synchronously to matching subscribers, in
// subscription order. Publishing from inside a handler is allowed and keeps
// per-publisher FIFO: the nested publish completes before the outer one
// proceeds to its next subscriber.
type LocalBus struct {
	mu     sync.RWMutex
	nextID int
	subs   []subscriber
}

// NewLocalBus returns an empty bus.
func NewLocalBus() *LocalBus {
	return &LocalBus{}
}

// Subscribe registers handler for every event match accepts. The returned
// function removes the subscription.
func (b *LocalBus) Subscribe(match Predicate, handler Handler) (unsubscribe func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs = append(b.subs, subscriber{id: id, match: match, handler: handler})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.subs {
			if s.id == id {
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				return
			}
		}
	}
}

// SubscribeType registers handler for events whose type tag equals eventType.
func (b *LocalBus) SubscribeType(eventType string, handler Handler) (unsubscribe func()) {
	return b.Subscribe(func(ev Event) bool { return ev.EventType() == eventType }, handler)
}

// Publish delivers ev to every matching subscriber on the calling goroutine.
// Handler panics are recovered so one bad subscriber cannot poison the
// publisher or the remaining subscribers.
func (b *LocalBus) Publish(ctx context.Context, ev Event) {
	b.mu.RLock()
	matched := make([]Handler, 0, len(b.subs))
	for _, s := range b.subs {
		if s.match(ev) {
			matched = append(matched, s.handler)
		}
	}
	b.mu.RUnlock()

	for _, h := range matched {
		deliver(ctx, h, ev)
	}
}

func deliver(ctx context.Context, h Handler, ev Event) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.ErrorContext(ctx, "event handler panicked",
				"event_type", ev.EventType(), "panic", rec, trace.Attr(ctx))
		}
	}()
	h(ctx, ev)
}
