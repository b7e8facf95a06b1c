// Package bootstrap assembles one game node from configuration: connections
// first, then the subsystems in dependency order (cache, events, actors,
// transport, gateway). Run supervises the long-running parts; Shutdown tears
// everything down in reverse.
package bootstrap

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/liuxiao2015/gamecore/internal/actor"
	"github.com/liuxiao2015/gamecore/internal/cache"
	"github.com/liuxiao2015/gamecore/internal/cluster"
	"github.com/liuxiao2015/gamecore/internal/compensate"
	"github.com/liuxiao2015/gamecore/internal/config"
	"github.com/liuxiao2015/gamecore/internal/dispatch"
	"github.com/liuxiao2015/gamecore/internal/eventbus"
	"github.com/liuxiao2015/gamecore/internal/gateway"
	"github.com/liuxiao2015/gamecore/internal/metrics"
	"github.com/liuxiao2015/gamecore/internal/protocol"
	"github.com/liuxiao2015/gamecore/internal/rank"
	"github.com/liuxiao2015/gamecore/internal/remote"
	"github.com/liuxiao2015/gamecore/internal/session"
	"github.com/liuxiao2015/gamecore/internal/store"
)

// Core holds every subsystem of one running node. Game modules build on top
// of it: they register actor systems, protocol handlers and compensation
// handlers between Bootstrap and Run.
type Core struct {
	Cfg config.Config

	Metrics *metrics.Metrics

	Postgres  *store.Postgres
	Redis     *store.Redis
	Accounts  *store.AccountRepo
	Documents store.Documents

	Sessions     *session.Registry
	Dispatcher   *dispatch.Dispatcher
	LocalBus     *eventbus.LocalBus
	EventTypes   *eventbus.TypeRegistry
	Events       *eventbus.Bus
	Cache        *cache.Cache
	Ranks        *rank.Index
	Actors       *actor.Registry
	Ring         *cluster.Ring
	Watcher      *cluster.Watcher
	Remote       remote.Provider
	Compensation *compensate.Engine
	Login        *gateway.LoginModule
	Gateway      *gateway.Gateway

	promReg      *prometheus.Registry
	remoteClient *remote.Client
	remoteServer *remote.Server
	unsubs       []func()
}

// Bootstrap connects the stores and builds every subsystem. Nothing serves
// traffic yet; Run starts the long-running parts.
func Bootstrap(ctx context.Context, cfg config.Config) (core *Core, err error) {
	c := &Core{Cfg: cfg}
	defer func() {
		if err != nil {
			c.closeConnections()
		}
	}()

	c.promReg = prometheus.NewRegistry()
	c.promReg.MustRegister(collectors.NewGoCollector())
	c.Metrics = metrics.New(c.promReg)

	c.Postgres, err = store.NewPostgres(ctx, cfg.Database.DSN())
	if err != nil {
		return nil, err
	}
	if err = store.RunMigrations(ctx, cfg.Database.DSN()); err != nil {
		return nil, err
	}
	slog.Info("database ready", "host", cfg.Database.Host, "db", cfg.Database.DBName)

	c.Redis, err = store.NewRedis(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		return nil, err
	}

	c.Accounts = store.NewAccountRepo(c.Postgres.Pool())
	c.Documents = store.NewDocumentStore(c.Postgres.Pool())

	c.Sessions = session.NewRegistry(cfg.Node.WorkerID, c.Metrics, session.Options{
		Grace:         cfg.Session.ReconnectGrace(),
		SweepInterval: cfg.Session.SweepInterval(),
		PendingLimit:  cfg.Session.PendingQueueSize,
	})

	c.LocalBus = eventbus.NewLocalBus()
	c.EventTypes = eventbus.NewTypeRegistry()
	targets := append([]string{cfg.Node.ID}, cfg.Node.Systems...)
	c.Events = eventbus.NewBus(c.LocalBus, c.Redis, c.EventTypes, c.Metrics, cfg.Node.ID, targets)

	// The cache subscribes to CacheEvict before the distributed bus starts
	// delivering, so no remote eviction can slip past an empty handler list.
	c.Cache = cache.New(c.Redis, c.Events, c.LocalBus, c.Metrics, cache.Options{
		LocalSize: cfg.Cache.LocalSize,
		LocalTTL:  cfg.Cache.LocalTTL(),
		SharedTTL: cfg.Cache.SharedTTL(),
	})
	if err = c.Events.Start(ctx); err != nil {
		return nil, err
	}

	c.Ranks = rank.NewIndex(c.Redis)
	c.Actors = actor.NewRegistry()

	c.Compensation = compensate.NewEngine(
		compensate.NewPostgresRepository(c.Postgres.Pool()), c.Metrics, nil,
		compensate.Options{
			WorkerInterval: cfg.Compensation.WorkerInterval(),
			MaxRetries:     cfg.Compensation.MaxRetries,
			Retention:      cfg.Compensation.Retention(),
		})

	c.Ring = cluster.NewRing(cfg.Cluster.VirtualNodes)
	if cfg.Cluster.Enabled {
		selfID := fmt.Sprintf("%s:%d", cfg.Node.AdvertiseHost, cfg.Node.RPCPort)
		// Without an external registry the node starts alone in its own ring;
		// deployments push topology through Watcher.OnInstancesChanged.
		c.Watcher = cluster.NewWatcher(c.Ring, selfID, c.Actors, c.Metrics,
			cluster.StaticFetcher(selfInstance(cfg)),
			cluster.WatcherOptions{
				RefreshInterval: cfg.Cluster.RefreshInterval(),
				AutoMigrate:     cfg.Cluster.AutoMigrate,
			})
		c.remoteClient = remote.NewClient(c.Ring, selfID, c.Actors, c.Metrics, cfg.Cluster.RPCTimeout())
		c.remoteServer = remote.NewServer(c.Actors)
		c.Remote = c.remoteClient
	} else {
		c.Remote = remote.MockProvider{}
	}

	c.Dispatcher = dispatch.New(c.Metrics, cfg.Actor.AsyncWorkers)
	c.Login = gateway.NewLoginModule(c.Sessions, c.Accounts, c.Events, gateway.LoginOptions{
		NodeID:             cfg.Node.ID,
		MinClientVersion:   cfg.Gateway.MinClientVersion,
		AutoCreateAccounts: cfg.Gateway.AutoCreateAccounts,
	})
	if err = c.Login.Register(c.Dispatcher); err != nil {
		return nil, err
	}
	c.Gateway = gateway.New(cfg.Gateway, c.Sessions, c.Dispatcher, c.Metrics)

	c.wireEvents()

	slog.Info("node bootstrapped", "node", cfg.Node.ID, "cluster", cfg.Cluster.Enabled)
	return c, nil
}

// wireEvents binds the core's own event subscriptions: cross-node session
// displacement and operator maintenance notices.
func (c *Core) wireEvents() {
	c.unsubs = append(c.unsubs, c.LocalBus.SubscribeType(eventbus.TypePlayerOnline,
		func(ctx context.Context, ev eventbus.Event) {
			online, ok := ev.(*eventbus.PlayerOnline)
			if !ok {
				return
			}
			if c.Sessions.EvictOlderForRole(ctx, online.RoleID, uint64(online.SessionID), "login_elsewhere") {
				slog.InfoContext(ctx, "displaced session for role bound elsewhere",
					"role", online.RoleID, "source", online.NodeID)
			}
		}))

	c.unsubs = append(c.unsubs, c.LocalBus.SubscribeType(eventbus.TypeMaintenanceNotice,
		func(ctx context.Context, ev eventbus.Event) {
			notice, ok := ev.(*eventbus.MaintenanceNotice)
			if !ok {
				return
			}
			payload, err := json.Marshal(notice)
			if err != nil {
				return
			}
			n := 0
			c.Sessions.Range(func(s *session.Session) bool {
				if s.Send(protocol.NewPush(protocol.PushMaintenance, payload)) {
					n++
				}
				return true
			})
			slog.InfoContext(ctx, "maintenance notice delivered", "sessions", n)
		}))
}

// RegisterSystem creates an actor system backed by the document store and
// registers it for local and remote routing. Call between Bootstrap and Run;
// handlers carry the system's message semantics.
func (c *Core) RegisterSystem(name string, handlers *actor.HandlerSet) (*actor.System, error) {
	sys := actor.NewSystem(name, handlers, c.Metrics, nil, actor.Options{
		MailboxSize:  c.Cfg.Actor.MailboxMaxSize,
		MaxActors:    c.Cfg.Actor.MaxActors,
		IdleTimeout:  c.Cfg.Actor.IdleTimeout(),
		SaveInterval: c.Cfg.Actor.SaveInterval(),
		TellTimeout:  c.Cfg.Actor.TellTimeout(),
		Loader:       c.documentLoader(name),
		Saver:        c.documentSaver(name),
	})
	if err := c.Actors.Register(sys); err != nil {
		sys.StopAll(context.Background())
		return nil, err
	}
	return sys, nil
}

// documentLoader reads the entity's state document; absent rows start the
// actor with nil state. Handlers decode the raw document into their domain
// shape.
func (c *Core) documentLoader(system string) actor.Loader {
	return func(ctx context.Context, id string) (any, error) {
		doc, ok, err := c.Documents.Load(ctx, system, id)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, nil
		}
		return json.RawMessage(doc), nil
	}
}

func (c *Core) documentSaver(system string) actor.Saver {
	return func(ctx context.Context, id string, state any) error {
		if state == nil {
			return nil
		}
		doc, err := json.Marshal(state)
		if err != nil {
			return fmt.Errorf("encoding state %s/%s: %w", system, id, err)
		}
		return c.Documents.Save(ctx, system, id, doc)
	}
}

// Run starts the supervised subsystems and blocks until ctx is cancelled or
// one of them fails. A cancelled ctx is a clean stop and returns nil.
func (c *Core) Run(ctx context.Context) error {
	eg, runCtx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		return c.Sessions.Run(runCtx)
	})

	eg.Go(func() error {
		slog.Info("starting compensation worker", "interval", c.Cfg.Compensation.WorkerInterval())
		if err := c.Compensation.Run(runCtx); err != nil {
			return fmt.Errorf("compensation worker: %w", err)
		}
		return nil
	})

	if c.Watcher != nil {
		eg.Go(func() error {
			slog.Info("starting topology watcher", "interval", c.Cfg.Cluster.RefreshInterval())
			if err := c.Watcher.Run(runCtx); err != nil {
				return fmt.Errorf("topology watcher: %w", err)
			}
			return nil
		})
	}
	if c.remoteServer != nil {
		addr := fmt.Sprintf(":%d", c.Cfg.Node.RPCPort)
		eg.Go(func() error {
			slog.Info("starting remote actor server", "addr", addr)
			if err := c.remoteServer.ListenAndServe(runCtx, addr); err != nil {
				return fmt.Errorf("remote actor server: %w", err)
			}
			return nil
		})
	}

	if c.Cfg.Metrics.ListenAddress != "" {
		eg.Go(func() error {
			return c.serveMetrics(runCtx)
		})
	}

	eg.Go(func() error {
		slog.Info("starting gateway",
			"tcp", c.Cfg.Gateway.TCPListenAddress, "ws", c.Cfg.Gateway.WSListenAddress)
		if err := c.Gateway.Run(runCtx); err != nil {
			return fmt.Errorf("gateway: %w", err)
		}
		return nil
	})

	err := eg.Wait()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (c *Core) serveMetrics(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(c.promReg, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              c.Cfg.Metrics.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutCtx)
	}()

	slog.Info("metrics endpoint listening", "addr", c.Cfg.Metrics.ListenAddress)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics endpoint: %w", err)
	}
	return nil
}

// Shutdown stops what Run left: async handlers finish, actors flush their
// dirty state, subscriptions and connections close. Reverse of the start
// order; ctx bounds the actor drain.
func (c *Core) Shutdown(ctx context.Context) {
	c.Dispatcher.Wait()
	c.Actors.StopAll(ctx)
	for _, unsub := range c.unsubs {
		unsub()
	}
	c.unsubs = nil
	c.Events.Stop()
	if c.remoteClient != nil {
		c.remoteClient.Close()
	}
	c.closeConnections()
	slog.Info("node shut down", "node", c.Cfg.Node.ID)
}

func (c *Core) closeConnections() {
	if c.Redis != nil {
		if err := c.Redis.Close(); err != nil {
			slog.Warn("closing redis", "error", err)
		}
		c.Redis = nil
	}
	if c.Postgres != nil {
		c.Postgres.Close()
		c.Postgres = nil
	}
}

func selfInstance(cfg config.Config) cluster.Instance {
	return cluster.Instance{
		Host: cfg.Node.AdvertiseHost,
		Port: cfg.Node.RPCPort,
		Metadata: map[string]string{
			cluster.MetadataSystems: strings.Join(cfg.Node.Systems, ","),
			cluster.MetadataWeight:  strconv.Itoa(cfg.Node.Weight),
		},
	}
}
