// Package actor implements the single-writer mailbox runtime. Every entity
// (player, guild, room) is owned by exactly one actor; all mutations flow
// through its FIFO mailbox and are processed by the actor's own goroutine, so
// domain state needs no locks. State is loaded once on start, flushed
// write-behind while dirty, and persisted on stop.
package actor

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/liuxiao2015/gamecore/internal/errs"
	"github.com/liuxiao2015/gamecore/internal/trace"
)

// Message is one unit of work for an actor: a type tag selecting the handler
// plus an opaque payload.
type Message struct {
	Type    string
	Payload any
}

// Handler processes one message on the actor's goroutine. The returned value
// completes a pending Ask; returning a typed errs.Error surfaces its code to
// the caller.
type Handler func(ctx context.Context, a *Actor, msg Message) (any, error)

// Hook runs on lifecycle edges. Panics in hooks are recovered and logged;
// they never stop the actor.
type Hook func(ctx context.Context, a *Actor)

// HandlerSet is the per-system dispatch table: one handler per message type,
// an optional fallback for unmatched types, and lifecycle hooks.
type HandlerSet struct {
	byType   map[string]Handler
	fallback Handler
	preStart Hook
	postStop Hook
}

func NewHandlerSet() *HandlerSet {
	return &HandlerSet{byType: make(map[string]Handler)}
}

// On binds a handler for one message type, replacing any previous binding.
func (h *HandlerSet) On(msgType string, fn Handler) *HandlerSet {
	h.byType[msgType] = fn
	return h
}

// Fallback handles message types with no explicit binding.
func (h *HandlerSet) Fallback(fn Handler) *HandlerSet {
	h.fallback = fn
	return h
}

// PreStart runs after state load, before the first message.
func (h *HandlerSet) PreStart(fn Hook) *HandlerSet {
	h.preStart = fn
	return h
}

// PostStop runs after the final flush, before the actor is removed.
func (h *HandlerSet) PostStop(fn Hook) *HandlerSet {
	h.postStop = fn
	return h
}

func (h *HandlerSet) resolve(msgType string) Handler {
	if fn, ok := h.byType[msgType]; ok {
		return fn
	}
	return h.fallback
}

// Status is an actor's lifecycle state.
type Status int32

const (
	StatusInit Status = iota
	StatusRunning
	StatusStopping
	StatusStopped
)

func (s Status) String() string {
	switch s {
	case StatusInit:
		return "init"
	case StatusRunning:
		return "running"
	case StatusStopping:
		return "stopping"
	default:
		return "stopped"
	}
}

type completion struct {
	value any
	err   error
}

type control int

const (
	ctlMessage control = iota
	ctlFlush
)

type envelope struct {
	ctx     context.Context
	msg     Message
	resp    chan completion // nil for tell
	control control
}

// Actor owns one entity: a mailbox, the loaded state blob, and the dirty
// flag driving write-behind flushes. The state field is touched only by the
// actor's goroutine, which is what makes it safe without locks.
type Actor struct {
	system *System
	id     string

	mailbox chan envelope
	stopCh  chan struct{}
	done    chan struct{}
	stop    sync.Once

	status     atomic.Int32
	dirty      atomic.Bool
	lastActive atomic.Int64
	lastSave   atomic.Int64

	state any
}

func newActor(s *System, id string) *Actor {
	a := &Actor{
		system:  s,
		id:      id,
		mailbox: make(chan envelope, s.opts.MailboxSize),
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
	}
	now := time.Now().UnixNano()
	a.lastActive.Store(now)
	a.lastSave.Store(now)
	return a
}

// ID returns the entity id this actor owns.
func (a *Actor) ID() string { return a.id }

// SystemName returns the owning system's name.
func (a *Actor) SystemName() string { return a.system.name }

func (a *Actor) Status() Status { return Status(a.status.Load()) }

// State returns the loaded state blob. Call only from the actor's own
// handlers and hooks.
func (a *Actor) State() any { return a.state }

// SetState replaces the state blob. Call only from the actor's own handlers
// and hooks; pair with MarkDirty when the new state must be persisted.
func (a *Actor) SetState(state any) { a.state = state }

// MarkDirty flags the state for the next write-behind flush.
func (a *Actor) MarkDirty() { a.dirty.Store(true) }

// Dirty reports whether unsaved changes are pending.
func (a *Actor) Dirty() bool { return a.dirty.Load() }

// LastActive returns when the actor last processed a message.
func (a *Actor) LastActive() time.Time { return time.Unix(0, a.lastActive.Load()) }

// LastSave returns when the actor last flushed successfully.
func (a *Actor) LastSave() time.Time { return time.Unix(0, a.lastSave.Load()) }

// TellSelf enqueues a message from inside a handler. Never blocks: the
// actor's goroutine is the one draining the mailbox, so waiting here would
// deadlock. Returns false when the mailbox is full or the actor is stopping.
func (a *Actor) TellSelf(msg Message) bool {
	if a.Status() >= StatusStopping {
		return false
	}
	select {
	case a.mailbox <- envelope{ctx: context.Background(), msg: msg}:
		return true
	default:
		a.system.m.MailboxFull.WithLabelValues(a.system.name).Inc()
		return false
	}
}

// requestStop flips the actor to Stopping exactly once and wakes the worker
// into its drain phase. New enqueues are rejected from this point on.
func (a *Actor) requestStop() {
	a.stop.Do(func() {
		for {
			cur := a.status.Load()
			if cur >= int32(StatusStopping) {
				break
			}
			if a.status.CompareAndSwap(cur, int32(StatusStopping)) {
				break
			}
		}
		close(a.stopCh)
	})
}

// run is the actor's worker goroutine: load, serve, drain, flush, stop.
func (a *Actor) run() {
	defer close(a.done)
	ctx := context.Background()

	if err := a.load(ctx); err != nil {
		slog.Error("actor state load failed",
			"system", a.system.name, "actor", a.id, "error", err)
		a.system.sink.Escalate(ctx, "actor", err)
		a.status.Store(int32(StatusStopped))
		a.failPending(errs.Newf(errs.CodeSystemError, "actor %s failed to start", a.id))
		a.system.remove(a)
		return
	}
	a.status.CompareAndSwap(int32(StatusInit), int32(StatusRunning))
	a.runHook(ctx, a.system.handlers.preStart)

	for {
		select {
		case env := <-a.mailbox:
			a.process(env)
		case <-a.stopCh:
			a.drain()
			a.flush(ctx)
			a.runHook(ctx, a.system.handlers.postStop)
			a.status.Store(int32(StatusStopped))
			a.failPending(errs.Newf(errs.CodeSystemError, "actor %s stopped", a.id))
			a.system.remove(a)
			return
		}
	}
}

func (a *Actor) load(ctx context.Context) error {
	if a.system.opts.Loader == nil {
		return nil
	}
	state, err := a.system.opts.Loader(ctx, a.id)
	if err != nil {
		return fmt.Errorf("loading state %s/%s: %w", a.system.name, a.id, err)
	}
	a.state = state
	return nil
}

func (a *Actor) process(env envelope) {
	if env.control == ctlFlush {
		a.flush(env.ctx)
		return
	}
	a.lastActive.Store(time.Now().UnixNano())
	value, err := a.invoke(env)
	if env.resp != nil {
		// Buffered: a caller that already timed out leaves the result to the
		// garbage collector.
		env.resp <- completion{value: value, err: err}
		return
	}
	if err != nil {
		slog.ErrorContext(env.ctx, "actor message failed",
			"system", a.system.name, "actor", a.id, "type", env.msg.Type,
			"error", err, trace.Attr(env.ctx))
	}
}

func (a *Actor) invoke(env envelope) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.ErrorContext(env.ctx, "actor handler panicked",
				"system", a.system.name, "actor", a.id, "type", env.msg.Type,
				"panic", r, "stack", string(debug.Stack()))
			err = errs.Newf(errs.CodeSystemError, "handler panic: %v", r)
		}
	}()
	h := a.system.handlers.resolve(env.msg.Type)
	if h == nil {
		return nil, errs.Newf(errs.CodeIllegalOperation, "no handler for message type %q", env.msg.Type)
	}
	return h(env.ctx, a, env.msg)
}

// drain processes what is already queued, up to the drain deadline. Whatever
// is still queued after the deadline is failed rather than silently dropped.
func (a *Actor) drain() {
	deadline := time.Now().Add(a.system.opts.DrainTimeout)
	for {
		if time.Now().After(deadline) {
			slog.Warn("actor drain deadline exceeded",
				"system", a.system.name, "actor", a.id, "left", len(a.mailbox))
			a.failPending(errs.Newf(errs.CodeSystemError, "actor %s stopped before processing", a.id))
			return
		}
		select {
		case env := <-a.mailbox:
			a.process(env)
		default:
			return
		}
	}
}

// flush persists dirty state on the actor's goroutine, so the flag clears
// atomically against the next write. A failed save keeps the flag set and
// escalates; the next interval retries.
func (a *Actor) flush(ctx context.Context) {
	if !a.dirty.Load() || a.system.opts.Saver == nil {
		return
	}
	if err := a.system.opts.Saver(ctx, a.id, a.state); err != nil {
		a.system.m.ActorFlushes.WithLabelValues(a.system.name, "error").Inc()
		a.system.sink.Escalate(ctx, "actor",
			fmt.Errorf("saving state %s/%s: %w", a.system.name, a.id, err))
		return
	}
	a.dirty.Store(false)
	a.lastSave.Store(time.Now().UnixNano())
	a.system.m.ActorFlushes.WithLabelValues(a.system.name, "ok").Inc()
}

func (a *Actor) failPending(failure *errs.Error) {
	for {
		select {
		case env := <-a.mailbox:
			if env.resp != nil {
				env.resp <- completion{err: failure}
			}
		default:
			return
		}
	}
}

func (a *Actor) runHook(ctx context.Context, hook Hook) {
	if hook == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			slog.Error("actor hook panicked",
				"system", a.system.name, "actor", a.id,
				"panic", r, "stack", string(debug.Stack()))
		}
	}()
	hook(ctx, a)
}
