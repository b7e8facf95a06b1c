// Package metrics exposes the Prometheus collectors shared by the core
// subsystems. One Metrics value is created at bootstrap and injected where
// needed; tests pass their own registry to avoid duplicate registration.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every collector the core emits.
type Metrics struct {
	// Gateway / dispatch
	DispatchDuration *prometheus.HistogramVec
	SlowHandlers     *prometheus.CounterVec
	DispatchErrors   *prometheus.CounterVec
	SessionsLive     prometheus.Gauge
	PendingDropped   prometheus.Counter
	FramesRead       prometheus.Counter
	FramesWritten    prometheus.Counter

	// Actor runtime
	ActorsLive   *prometheus.GaugeVec
	MailboxFull  *prometheus.CounterVec
	ActorEvicted *prometheus.CounterVec
	ActorFlushes *prometheus.CounterVec
	AskTimeouts  *prometheus.CounterVec

	// Cache
	CacheLocalHits  *prometheus.CounterVec
	CacheSharedHits *prometheus.CounterVec
	CacheMisses     *prometheus.CounterVec
	CacheLoads      *prometheus.CounterVec

	// Cluster / remote
	RingRebuilds prometheus.Counter
	RPCCalls     *prometheus.CounterVec
	RPCDuration  *prometheus.HistogramVec

	// Event bus
	EventsPublished *prometheus.CounterVec
	EventsReceived  *prometheus.CounterVec
	EventsDropped   *prometheus.CounterVec

	// Compensation
	CompensationTransitions *prometheus.CounterVec
}

// New creates and registers all collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		DispatchDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gamecore_dispatch_duration_seconds",
				Help:    "Handler execution time per protocol id",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"protocol"},
		),
		SlowHandlers: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gamecore_dispatch_slow_total",
				Help: "Handlers that exceeded the 100ms warn threshold",
			},
			[]string{"protocol"},
		),
		DispatchErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gamecore_dispatch_errors_total",
				Help: "Error responses by protocol id and error code",
			},
			[]string{"protocol", "code"},
		),
		SessionsLive: f.NewGauge(prometheus.GaugeOpts{
			Name: "gamecore_sessions_live",
			Help: "Sessions currently registered (live + in reconnect grace)",
		}),
		PendingDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "gamecore_session_pending_dropped_total",
			Help: "Messages dropped from disconnected-session pending queues on overflow",
		}),
		FramesRead: f.NewCounter(prometheus.CounterOpts{
			Name: "gamecore_gateway_frames_read_total",
			Help: "Frames decoded from client connections",
		}),
		FramesWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "gamecore_gateway_frames_written_total",
			Help: "Frames written to client connections",
		}),
		ActorsLive: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gamecore_actors_live",
				Help: "Actors currently resident per system",
			},
			[]string{"system"},
		),
		MailboxFull: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gamecore_actor_mailbox_full_total",
				Help: "Tells rejected because the target mailbox was full",
			},
			[]string{"system"},
		),
		ActorEvicted: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gamecore_actor_evicted_total",
				Help: "Actors evicted, by reason (idle, capacity, migrate, shutdown)",
			},
			[]string{"system", "reason"},
		),
		ActorFlushes: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gamecore_actor_flushes_total",
				Help: "Dirty-state flushes, by outcome",
			},
			[]string{"system", "outcome"},
		),
		AskTimeouts: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gamecore_actor_ask_timeouts_total",
				Help: "Ask calls that timed out waiting for the actor",
			},
			[]string{"system"},
		),
		CacheLocalHits: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gamecore_cache_local_hits_total",
				Help: "Reads served by the in-process tier",
			},
			[]string{"namespace"},
		),
		CacheSharedHits: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gamecore_cache_shared_hits_total",
				Help: "Reads served by the shared tier",
			},
			[]string{"namespace"},
		),
		CacheMisses: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gamecore_cache_misses_total",
				Help: "Reads that missed both tiers",
			},
			[]string{"namespace"},
		),
		CacheLoads: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gamecore_cache_loads_total",
				Help: "Loader invocations, by outcome",
			},
			[]string{"namespace", "outcome"},
		),
		RingRebuilds: f.NewCounter(prometheus.CounterOpts{
			Name: "gamecore_ring_rebuilds_total",
			Help: "Consistent-hash ring rebuilds triggered by topology changes",
		}),
		RPCCalls: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gamecore_rpc_calls_total",
				Help: "Remote actor calls by method and result code",
			},
			[]string{"method", "code"},
		),
		RPCDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gamecore_rpc_duration_seconds",
				Help:    "Remote actor call latency",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method"},
		),
		EventsPublished: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gamecore_events_published_total",
				Help: "Events published, by event type and scope (local, broadcast, targeted)",
			},
			[]string{"type", "scope"},
		),
		EventsReceived: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gamecore_events_received_total",
				Help: "Remote events accepted from the shared channel",
			},
			[]string{"type"},
		),
		EventsDropped: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gamecore_events_dropped_total",
				Help: "Remote events dropped, by reason (self, unknown_class, decode)",
			},
			[]string{"reason"},
		),
		CompensationTransitions: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gamecore_compensation_transitions_total",
				Help: "Compensation record status transitions",
			},
			[]string{"type", "to"},
		),
	}
}

// NewForTest returns Metrics backed by a throwaway registry.
func NewForTest() *Metrics {
	return New(prometheus.NewRegistry())
}
