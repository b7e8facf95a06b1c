package cluster

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/liuxiao2015/gamecore/internal/actor"
	"github.com/liuxiao2015/gamecore/internal/metrics"
)

// Discovery metadata keys.
const (
	// MetadataSystems lists the actor systems a node hosts, comma-separated.
	MetadataSystems = "actorSystems"
	// MetadataWeight scales a node's share of the ring. Defaults to 1.
	MetadataWeight = "weight"
)

// Instance is one discovery record, registry-agnostic.
type Instance struct {
	Host     string
	Port     int
	Metadata map[string]string
}

func (inst Instance) node() Node {
	n := Node{
		ID:     fmt.Sprintf("%s:%d", inst.Host, inst.Port),
		Host:   inst.Host,
		Port:   inst.Port,
		Weight: 1,
	}
	if w, err := strconv.Atoi(inst.Metadata[MetadataWeight]); err == nil && w > 0 {
		n.Weight = w
	}
	if raw := inst.Metadata[MetadataSystems]; raw != "" {
		for _, s := range strings.Split(raw, ",") {
			if s = strings.TrimSpace(s); s != "" {
				n.Systems = append(n.Systems, s)
			}
		}
	}
	return n
}

// InstanceFetcher pulls the live instance list from whatever registry the
// deployment uses.
type InstanceFetcher func(ctx context.Context) ([]Instance, error)

// StaticFetcher returns a fixed instance list. Used by single-node setups
// and tests.
func StaticFetcher(instances ...Instance) InstanceFetcher {
	return func(context.Context) ([]Instance, error) {
		return instances, nil
	}
}

// WatcherOptions tunes the topology watcher.
type WatcherOptions struct {
	// RefreshInterval is the pull cadence, default 30 s.
	RefreshInterval time.Duration
	// AutoMigrate stops local actors whose ownership moved to another node,
	// flushing their state, so the next request lands on the new owner.
	AutoMigrate bool
}

// Watcher keeps the ring aligned with discovery. It accepts pushed instance
// lists, polls an InstanceFetcher when one is configured, and ignores inputs
// that do not change the node set.
type Watcher struct {
	ring     *Ring
	selfID   string
	registry *actor.Registry
	m        *metrics.Metrics
	fetch    InstanceFetcher
	opts     WatcherOptions

	mu    sync.Mutex
	known map[string]Node
}

// NewWatcher creates a watcher. registry may be nil when the node hosts no
// actors; fetch may be nil for push-only operation.
func NewWatcher(ring *Ring, selfID string, registry *actor.Registry, m *metrics.Metrics, fetch InstanceFetcher, opts WatcherOptions) *Watcher {
	if opts.RefreshInterval <= 0 {
		opts.RefreshInterval = 30 * time.Second
	}
	return &Watcher{
		ring:     ring,
		selfID:   selfID,
		registry: registry,
		m:        m,
		fetch:    fetch,
		opts:     opts,
		known:    map[string]Node{},
	}
}

// OnInstancesChanged ingests a pushed instance list. Identical node sets are
// a no-op; otherwise the ring is rebuilt and, with AutoMigrate on, actors
// that lost local ownership are stopped.
func (w *Watcher) OnInstancesChanged(ctx context.Context, instances []Instance) {
	next := make(map[string]Node, len(instances))
	for _, inst := range instances {
		n := inst.node()
		next[n.ID] = n
	}

	w.mu.Lock()
	if nodeSetsEqual(w.known, next) {
		w.mu.Unlock()
		return
	}
	added, removed := diffNodeSets(w.known, next)
	w.known = next
	nodes := make([]Node, 0, len(next))
	for _, n := range next {
		nodes = append(nodes, n)
	}
	w.ring.Rebuild(nodes)
	w.mu.Unlock()

	w.m.RingRebuilds.Inc()
	slog.InfoContext(ctx, "cluster topology changed",
		"nodes", len(nodes), "added", added, "removed", removed,
		"signature", w.ring.Signature())

	if w.opts.AutoMigrate {
		w.migrate(ctx)
	}
}

// Run polls the fetcher until ctx is cancelled. With no fetcher configured
// it just waits, leaving pushes as the only topology source.
func (w *Watcher) Run(ctx context.Context) error {
	if w.fetch == nil {
		<-ctx.Done()
		return nil
	}
	w.refresh(ctx)
	ticker := time.NewTicker(w.opts.RefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.refresh(ctx)
		}
	}
}

func (w *Watcher) refresh(ctx context.Context) {
	instances, err := w.fetch(ctx)
	if err != nil {
		slog.WarnContext(ctx, "fetching cluster instances failed", "error", err)
		return
	}
	w.OnInstancesChanged(ctx, instances)
}

// migrate gracefully stops local actors now owned elsewhere. Stops flush
// dirty state, so the new owner loads what this node knew.
func (w *Watcher) migrate(ctx context.Context) {
	if w.registry == nil {
		return
	}
	var moved atomic.Int64
	g := &errgroup.Group{}
	g.SetLimit(8)

	for _, name := range w.registry.Names() {
		sys, ok := w.registry.Get(name)
		if !ok {
			continue
		}
		for _, id := range sys.ActorIDs() {
			owner, ok := w.ring.Route(id)
			if !ok || owner.ID == w.selfID {
				continue
			}
			g.Go(func() error {
				sys.Stop(ctx, id)
				w.m.ActorEvicted.WithLabelValues(sys.Name(), "migrate").Inc()
				moved.Add(1)
				return nil
			})
		}
	}
	g.Wait()
	if n := moved.Load(); n > 0 {
		slog.InfoContext(ctx, "migrated actors to new owners", "count", n)
	}
}

func nodeSetsEqual(a, b map[string]Node) bool {
	if len(a) != len(b) {
		return false
	}
	for id, an := range a {
		bn, ok := b[id]
		if !ok || an.Host != bn.Host || an.Port != bn.Port || an.Weight != bn.Weight ||
			!slices.Equal(an.Systems, bn.Systems) {
			return false
		}
	}
	return true
}

func diffNodeSets(old, next map[string]Node) (added, removed []string) {
	for id := range next {
		if _, ok := old[id]; !ok {
			added = append(added, id)
		}
	}
	for id := range old {
		if _, ok := next[id]; !ok {
			removed = append(removed, id)
		}
	}
	slices.Sort(added)
	slices.Sort(removed)
	return added, removed
}
