// Package config loads the node configuration from YAML. Missing files fall
// back to the built-in defaults so a bare binary can always start.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for one game node.
type Config struct {
	// LogLevel is the minimum slog level: debug, info, warn or error.
	LogLevel string `yaml:"logLevel" validate:"oneof=debug info warn error"`

	Node         NodeConfig         `yaml:"node"`
	Gateway      GatewayConfig      `yaml:"gateway"`
	Session      SessionConfig      `yaml:"session"`
	Actor        ActorConfig        `yaml:"actor"`
	Cluster      ClusterConfig      `yaml:"cluster"`
	Cache        CacheConfig        `yaml:"cache"`
	Redis        RedisConfig        `yaml:"redis"`
	Database     DatabaseConfig     `yaml:"database"`
	Compensation CompensationConfig `yaml:"compensation"`
	Metrics      MetricsConfig      `yaml:"metrics"`
}

// NodeConfig identifies this node inside the cluster.
type NodeConfig struct {
	// ID must be unique cluster-wide; it keys ring tokens and event envelopes.
	ID string `yaml:"id" validate:"required"`
	// WorkerID feeds the session id generator (10 bits).
	WorkerID int `yaml:"workerId" validate:"min=0,max=1023"`
	// AdvertiseHost/RPCPort form the endpoint other nodes dial for actor RPC.
	AdvertiseHost string `yaml:"advertiseHost"`
	RPCPort       int    `yaml:"rpcPort" validate:"min=0,max=65535"`
	Weight        int    `yaml:"weight" validate:"min=1"`
	// Systems lists the actor systems this node hosts (metadata.actorSystems).
	Systems []string `yaml:"systems"`
}

// GatewayConfig covers the client-facing carriers.
type GatewayConfig struct {
	TCPListenAddress string `yaml:"tcpListenAddress"`
	// WSListenAddress empty disables the WebSocket carrier.
	WSListenAddress string `yaml:"wsListenAddress"`
	WSPath          string `yaml:"wsPath"`
	MaxFrameLength  int    `yaml:"maxFrameLength" validate:"min=16"`
	// WriteQueueSize bounds the per-connection outbound frame queue.
	WriteQueueSize int `yaml:"writeQueueSize" validate:"min=1"`
	// ReadIdleSeconds closes connections silent for longer (heartbeats reset it).
	ReadIdleSeconds int `yaml:"readIdleSeconds" validate:"min=1"`
	// MinClientVersion flags handshakes from older clients with need_update.
	// Empty disables the gate.
	MinClientVersion string `yaml:"minClientVersion"`
	// AutoCreateAccounts makes a first login create the account.
	AutoCreateAccounts bool `yaml:"autoCreateAccounts"`
}

// ReadIdle returns the read deadline as a duration.
func (g GatewayConfig) ReadIdle() time.Duration {
	return time.Duration(g.ReadIdleSeconds) * time.Second
}

// SessionConfig covers the session registry.
type SessionConfig struct {
	ReconnectGraceMs     int `yaml:"reconnectGraceMs" validate:"min=0"`
	PendingQueueSize     int `yaml:"pendingQueueSize" validate:"min=1"`
	SweepIntervalSeconds int `yaml:"sweepIntervalSeconds" validate:"min=1"`
}

// ReconnectGrace returns the reconnection grace window as a duration.
func (s SessionConfig) ReconnectGrace() time.Duration {
	return time.Duration(s.ReconnectGraceMs) * time.Millisecond
}

// SweepInterval returns the expired-session sweep cadence as a duration.
func (s SessionConfig) SweepInterval() time.Duration {
	return time.Duration(s.SweepIntervalSeconds) * time.Second
}

// ActorConfig covers the mailbox runtime defaults; systems may override
// per-system at registration.
type ActorConfig struct {
	DefaultIdleTimeoutMinutes  int `yaml:"defaultIdleTimeoutMinutes" validate:"min=1"`
	DefaultSaveIntervalSeconds int `yaml:"defaultSaveIntervalSeconds" validate:"min=1"`
	MailboxMaxSize             int `yaml:"mailboxMaxSize" validate:"min=1"`
	MaxActors                  int `yaml:"maxActors" validate:"min=1"`
	TellTimeoutMs              int `yaml:"tellTimeoutMs" validate:"min=1"`
	// AsyncWorkers caps the dispatcher's async pool; 0 means 2×CPU.
	AsyncWorkers int `yaml:"asyncWorkers" validate:"min=0"`
}

// IdleTimeout returns the actor idle eviction threshold as a duration.
func (a ActorConfig) IdleTimeout() time.Duration {
	return time.Duration(a.DefaultIdleTimeoutMinutes) * time.Minute
}

// SaveInterval returns the periodic dirty-flush cadence as a duration.
func (a ActorConfig) SaveInterval() time.Duration {
	return time.Duration(a.DefaultSaveIntervalSeconds) * time.Second
}

// TellTimeout returns the enqueue wait budget as a duration.
func (a ActorConfig) TellTimeout() time.Duration {
	return time.Duration(a.TellTimeoutMs) * time.Millisecond
}

// ClusterConfig covers the ring, topology watcher and remote transport.
type ClusterConfig struct {
	Enabled                bool `yaml:"enabled"`
	VirtualNodes           int  `yaml:"virtualNodes" validate:"min=1"`
	AutoMigrate            bool `yaml:"autoMigrate"`
	RefreshIntervalSeconds int  `yaml:"refreshIntervalSeconds" validate:"min=1"`
	RPCTimeoutMs           int  `yaml:"rpcTimeoutMs" validate:"min=1"`
}

// RefreshInterval returns the topology pull cadence as a duration.
func (c ClusterConfig) RefreshInterval() time.Duration {
	return time.Duration(c.RefreshIntervalSeconds) * time.Second
}

// RPCTimeout returns the remote call budget as a duration.
func (c ClusterConfig) RPCTimeout() time.Duration {
	return time.Duration(c.RPCTimeoutMs) * time.Millisecond
}

// CacheConfig covers the two-tier cache defaults.
type CacheConfig struct {
	LocalSize        int `yaml:"localSize" validate:"min=1"`
	LocalTTLSeconds  int `yaml:"localTtlSeconds" validate:"min=1"`
	SharedTTLSeconds int `yaml:"sharedTtlSeconds" validate:"min=1"`
}

// LocalTTL returns the in-process tier TTL as a duration.
func (c CacheConfig) LocalTTL() time.Duration {
	return time.Duration(c.LocalTTLSeconds) * time.Second
}

// SharedTTL returns the shared tier TTL as a duration.
func (c CacheConfig) SharedTTL() time.Duration {
	return time.Duration(c.SharedTTLSeconds) * time.Second
}

// RedisConfig holds shared store connection parameters.
type RedisConfig struct {
	Addr     string `yaml:"addr" validate:"required"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db" validate:"min=0"`
}

// DatabaseConfig holds PostgreSQL connection parameters.
type DatabaseConfig struct {
	Host     string `yaml:"host" validate:"required"`
	Port     int    `yaml:"port" validate:"min=1,max=65535"`
	User     string `yaml:"user" validate:"required"`
	Password string `yaml:"password"`
	DBName   string `yaml:"dbname" validate:"required"`
	SSLMode  string `yaml:"sslmode" validate:"oneof=disable allow prefer require verify-ca verify-full"`
}

// DSN returns the PostgreSQL connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.DBName, d.SSLMode,
	)
}

// CompensationConfig covers the retry engine.
type CompensationConfig struct {
	WorkerIntervalSeconds int `yaml:"workerIntervalSeconds" validate:"min=1"`
	MaxRetries            int `yaml:"maxRetries" validate:"min=1"`
	RetentionDays         int `yaml:"retentionDays" validate:"min=1"`
}

// WorkerInterval returns the retry worker poll cadence as a duration.
func (c CompensationConfig) WorkerInterval() time.Duration {
	return time.Duration(c.WorkerIntervalSeconds) * time.Second
}

// Retention returns how long terminal records are kept.
func (c CompensationConfig) Retention() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}

// MetricsConfig covers the Prometheus scrape endpoint.
type MetricsConfig struct {
	// ListenAddress empty disables the endpoint.
	ListenAddress string `yaml:"listenAddress"`
}

// Default returns a Config with all defaults filled in.
func Default() Config {
	return Config{
		LogLevel: "info",
		Node: NodeConfig{
			ID:            "node-1",
			WorkerID:      1,
			AdvertiseHost: "127.0.0.1",
			RPCPort:       7200,
			Weight:        1,
			Systems:       []string{"player"},
		},
		Gateway: GatewayConfig{
			TCPListenAddress:   "0.0.0.0:7100",
			WSListenAddress:    "0.0.0.0:7101",
			WSPath:             "/ws",
			MaxFrameLength:     1 << 20,
			WriteQueueSize:     64,
			ReadIdleSeconds:    120,
			AutoCreateAccounts: true,
		},
		Session: SessionConfig{
			ReconnectGraceMs:     300_000,
			PendingQueueSize:     10_000,
			SweepIntervalSeconds: 30,
		},
		Actor: ActorConfig{
			DefaultIdleTimeoutMinutes:  30,
			DefaultSaveIntervalSeconds: 300,
			MailboxMaxSize:             10_000,
			MaxActors:                  10_000,
			TellTimeoutMs:              100,
			AsyncWorkers:               0,
		},
		Cluster: ClusterConfig{
			Enabled:                false,
			VirtualNodes:           160,
			AutoMigrate:            false,
			RefreshIntervalSeconds: 30,
			RPCTimeoutMs:           3000,
		},
		Cache: CacheConfig{
			LocalSize:        10_000,
			LocalTTLSeconds:  300,
			SharedTTLSeconds: 1800,
		},
		Redis: RedisConfig{
			Addr: "127.0.0.1:6379",
			DB:   0,
		},
		Database: DatabaseConfig{
			Host:     "127.0.0.1",
			Port:     5432,
			User:     "gamecore",
			Password: "gamecore",
			DBName:   "gamecore",
			SSLMode:  "disable",
		},
		Compensation: CompensationConfig{
			WorkerIntervalSeconds: 60,
			MaxRetries:            3,
			RetentionDays:         7,
		},
		Metrics: MetricsConfig{
			ListenAddress: "0.0.0.0:9100",
		},
	}
}

var validate = validator.New()

// Load reads the config from a YAML file on top of the defaults.
// If the file doesn't exist, returns defaults.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if err := validate.Struct(cfg); err != nil {
		return cfg, fmt.Errorf("validating config %s: %w", path, err)
	}

	return cfg, nil
}
