package actor

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/liuxiao2015/gamecore/internal/errs"
	"github.com/liuxiao2015/gamecore/internal/metrics"
)

// Loader fetches an entity's persisted state on actor start. Returning
// (nil, nil) starts the actor with empty state.
type Loader func(ctx context.Context, id string) (any, error)

// Saver persists an entity's state on write-behind flushes and on stop.
type Saver func(ctx context.Context, id string, state any) error

// Options tunes one actor system. Zero values fall back to defaults.
type Options struct {
	MailboxSize  int           // mailbox capacity, default 10 000
	MaxActors    int           // resident actor cap, default 10 000
	IdleTimeout  time.Duration // eviction threshold, default 30 min
	SaveInterval time.Duration // write-behind cadence, default 5 min
	TellTimeout  time.Duration // enqueue wait on a full mailbox, default 100 ms
	DrainTimeout time.Duration // stop drain budget, default 5 s
	// SweepInterval is the idle-scan cadence, default 30 s. Tests shrink it.
	SweepInterval time.Duration

	Loader Loader
	Saver  Saver
}

func (o Options) withDefaults() Options {
	if o.MailboxSize <= 0 {
		o.MailboxSize = 10_000
	}
	if o.MaxActors <= 0 {
		o.MaxActors = 10_000
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = 30 * time.Minute
	}
	if o.SaveInterval <= 0 {
		o.SaveInterval = 5 * time.Minute
	}
	if o.TellTimeout <= 0 {
		o.TellTimeout = 100 * time.Millisecond
	}
	if o.DrainTimeout <= 0 {
		o.DrainTimeout = 5 * time.Second
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = 30 * time.Second
	}
	return o
}

const defaultAskTimeout = 3 * time.Second

// System owns the actors of one entity family (players, guilds, rooms).
// Actors are created on first message, evicted when idle or when capacity
// forces out the least recently active one, and flushed on a save interval.
type System struct {
	name     string
	opts     Options
	handlers *HandlerSet
	m        *metrics.Metrics
	sink     errs.Sink

	mu     sync.Mutex
	actors map[string]*Actor

	quit    chan struct{}
	wg      sync.WaitGroup
	stopped atomic.Bool
}

// NewSystem creates a system and starts its janitor. sink may be nil.
func NewSystem(name string, handlers *HandlerSet, m *metrics.Metrics, sink errs.Sink, opts Options) *System {
	if handlers == nil {
		handlers = NewHandlerSet()
	}
	if sink == nil {
		sink = errs.SlogSink{}
	}
	s := &System{
		name:     name,
		opts:     opts.withDefaults(),
		handlers: handlers,
		m:        m,
		sink:     sink,
		actors:   make(map[string]*Actor),
		quit:     make(chan struct{}),
	}
	s.wg.Add(1)
	go s.janitor()
	return s
}

// Name returns the system name used for routing and metrics.
func (s *System) Name() string { return s.name }

// Len reports how many actors are resident, any status.
func (s *System) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.actors)
}

// Has reports whether an actor for id is resident. Never creates.
func (s *System) Has(id string) bool {
	return s.GetActorIfPresent(id) != nil
}

// GetActorIfPresent returns the resident actor for id, or nil. Never creates.
func (s *System) GetActorIfPresent(id string) *Actor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.actors[id]
}

// ActorIDs snapshots the resident actor ids. Used by topology migration to
// decide which entities moved off this node.
func (s *System) ActorIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.actors))
	for id := range s.actors {
		ids = append(ids, id)
	}
	return ids
}

// getActor returns the resident actor for id, creating and starting one when
// absent. When the system is at capacity the least recently active Running
// actor is evicted to make room.
func (s *System) getActor(id string) (*Actor, error) {
	s.mu.Lock()
	if a, ok := s.actors[id]; ok {
		s.mu.Unlock()
		return a, nil
	}
	if s.stopped.Load() {
		s.mu.Unlock()
		return nil, errs.Newf(errs.CodeServiceUnavailable, "actor system %s is shut down", s.name)
	}
	var victim *Actor
	if len(s.actors) >= s.opts.MaxActors {
		victim = s.leastRecentlyActiveLocked()
		if victim == nil {
			s.mu.Unlock()
			return nil, errs.Newf(errs.CodeSystemError, "actor system %s at capacity", s.name)
		}
		delete(s.actors, victim.id)
		s.m.ActorsLive.WithLabelValues(s.name).Dec()
	}
	a := newActor(s, id)
	s.actors[id] = a
	s.m.ActorsLive.WithLabelValues(s.name).Inc()
	s.mu.Unlock()

	if victim != nil {
		s.m.ActorEvicted.WithLabelValues(s.name, "capacity").Inc()
		victim.requestStop()
	}
	go a.run()
	return a, nil
}

func (s *System) leastRecentlyActiveLocked() *Actor {
	var victim *Actor
	var oldest int64
	for _, a := range s.actors {
		if a.Status() != StatusRunning {
			continue
		}
		if at := a.lastActive.Load(); victim == nil || at < oldest {
			victim, oldest = a, at
		}
	}
	return victim
}

// remove drops a from the map if the map still points at this instance.
// Called by the worker goroutine on exit; capacity eviction may have already
// replaced the slot.
func (s *System) remove(a *Actor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.actors[a.id] == a {
		delete(s.actors, a.id)
		s.m.ActorsLive.WithLabelValues(s.name).Dec()
	}
}

// Tell enqueues msg for id, creating the actor when absent. Blocks up to the
// configured tell timeout when the mailbox is full, then reports false.
func (s *System) Tell(ctx context.Context, id string, msg Message) bool {
	a, err := s.getActor(id)
	if err != nil {
		slog.WarnContext(ctx, "tell rejected", "system", s.name, "actor", id, "error", err)
		return false
	}
	if a.Status() >= StatusStopping {
		return false
	}
	env := envelope{ctx: ctx, msg: msg}
	select {
	case a.mailbox <- env:
		return true
	default:
	}
	timer := time.NewTimer(s.opts.TellTimeout)
	defer timer.Stop()
	select {
	case a.mailbox <- env:
		return true
	case <-timer.C:
		s.m.MailboxFull.WithLabelValues(s.name).Inc()
		return false
	case <-ctx.Done():
		return false
	}
}

// Ask enqueues msg and waits for the handler's result up to timeout
// (default 3 s when zero). A timeout does not interrupt the handler; a late
// result is discarded. Asking an actor from inside its own handler deadlocks
// until the timeout fires; use TellSelf for re-entrant sends.
func (s *System) Ask(ctx context.Context, id string, msg Message, timeout time.Duration) (any, error) {
	if timeout <= 0 {
		timeout = defaultAskTimeout
	}
	a, err := s.getActor(id)
	if err != nil {
		return nil, err
	}
	if a.Status() >= StatusStopping {
		return nil, errs.Newf(errs.CodeServiceUnavailable, "actor %s/%s is stopping", s.name, id)
	}
	env := envelope{ctx: ctx, msg: msg, resp: make(chan completion, 1)}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case a.mailbox <- env:
	case <-timer.C:
		s.m.MailboxFull.WithLabelValues(s.name).Inc()
		return nil, errs.Newf(errs.CodeMailboxFull, "mailbox full for %s/%s", s.name, id)
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case res := <-env.resp:
		return res.value, res.err
	case <-timer.C:
		s.m.AskTimeouts.WithLabelValues(s.name).Inc()
		return nil, errs.Newf(errs.CodeRPCTimeout, "ask %s/%s timed out after %s", s.name, id, timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Flush asks the actor for id, when resident, to persist dirty state. The
// flush runs on the actor's goroutine; a full mailbox skips it until the
// next save tick.
func (s *System) Flush(ctx context.Context, id string) {
	a := s.GetActorIfPresent(id)
	if a == nil || a.Status() >= StatusStopping {
		return
	}
	select {
	case a.mailbox <- envelope{ctx: ctx, control: ctlFlush}:
	default:
	}
}

// Stop gracefully stops the actor for id: drains its mailbox up to the drain
// deadline, flushes dirty state, and removes it. Blocks until the actor has
// fully stopped or ctx is done. No-op when the actor is not resident.
func (s *System) Stop(ctx context.Context, id string) {
	a := s.GetActorIfPresent(id)
	if a == nil {
		return
	}
	a.requestStop()
	select {
	case <-a.done:
	case <-ctx.Done():
	}
}

// StopAll stops every resident actor, waits for them up to ctx's deadline,
// and shuts the janitor down. The system rejects new actors afterwards.
func (s *System) StopAll(ctx context.Context) {
	if s.stopped.Swap(true) {
		return
	}
	close(s.quit)

	s.mu.Lock()
	actors := make([]*Actor, 0, len(s.actors))
	for _, a := range s.actors {
		actors = append(actors, a)
	}
	s.mu.Unlock()

	for _, a := range actors {
		s.m.ActorEvicted.WithLabelValues(s.name, "shutdown").Inc()
		a.requestStop()
	}
	for _, a := range actors {
		select {
		case <-a.done:
		case <-ctx.Done():
			slog.Warn("actor system shutdown cut short",
				"system", s.name, "remaining", len(actors))
			s.wg.Wait()
			return
		}
	}
	s.wg.Wait()
	slog.Info("actor system stopped", "system", s.name, "actors", len(actors))
}

// janitor evicts idle actors and schedules write-behind flushes.
func (s *System) janitor() {
	defer s.wg.Done()
	sweep := time.NewTicker(s.opts.SweepInterval)
	defer sweep.Stop()
	save := time.NewTicker(s.opts.SaveInterval)
	defer save.Stop()

	for {
		select {
		case <-s.quit:
			return
		case <-sweep.C:
			s.evictIdle()
		case <-save.C:
			s.flushStale()
		}
	}
}

func (s *System) evictIdle() {
	cutoff := time.Now().Add(-s.opts.IdleTimeout).UnixNano()

	s.mu.Lock()
	var victims []*Actor
	for _, a := range s.actors {
		if a.Status() == StatusRunning && a.lastActive.Load() <= cutoff {
			victims = append(victims, a)
		}
	}
	s.mu.Unlock()

	for _, a := range victims {
		s.m.ActorEvicted.WithLabelValues(s.name, "idle").Inc()
		a.requestStop()
	}
	if len(victims) > 0 {
		slog.Debug("evicted idle actors", "system", s.name, "count", len(victims))
	}
}

// flushStale enqueues a flush for every dirty actor whose last successful
// save predates the save interval.
func (s *System) flushStale() {
	threshold := time.Now().Add(-s.opts.SaveInterval).UnixNano()

	s.mu.Lock()
	var stale []*Actor
	for _, a := range s.actors {
		if a.Status() == StatusRunning && a.dirty.Load() && a.lastSave.Load() <= threshold {
			stale = append(stale, a)
		}
	}
	s.mu.Unlock()

	for _, a := range stale {
		select {
		case a.mailbox <- envelope{ctx: context.Background(), control: ctlFlush}:
		default:
			// Full mailbox: the actor is busy, the next tick retries.
		}
	}
}
