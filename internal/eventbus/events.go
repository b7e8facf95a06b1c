// Package eventbus delivers typed events inside one node and across the
// cluster. The local bus is synchronous; the distributed bus rides the
// shared store's pub/sub channel and republishes remote events locally.
// Handlers of distributed events must be idempotent: cross-network ordering
// is not guaranteed beyond per-publisher source order.
package eventbus

import (
	"encoding/json"
	"fmt"
	"sync"
)

// Event is a value carrying a type tag. The tag keys handler matching on the
// local bus and class lookup when an event crosses the wire.
type Event interface {
	EventType() string
}

// Built-in event type tags.
const (
	TypeConfigReload      = "config.reload"
	TypeCacheEvict        = "cache.evict"
	TypeActivityChange    = "activity.change"
	TypePlayerOnline      = "player.online"
	TypePlayerOffline     = "player.offline"
	TypePlayerChange      = "player.change"
	TypeGuildMemberChange = "guild.member_change"
	TypeGuildDissolve     = "guild.dissolve"
	TypeMaintenanceNotice = "maintenance.notice"
	TypeGeneric           = "generic"
)

// ConfigReload asks nodes to re-read live-tunable configuration.
type ConfigReload struct {
	Section string `json:"section"`
}

func (ConfigReload) EventType() string { return TypeConfigReload }

// CacheEvict invalidates local cache copies of one key or a whole namespace
// (Key empty) on every node.
type CacheEvict struct {
	Namespace string `json:"namespace"`
	Key       string `json:"key"`
}

func (CacheEvict) EventType() string { return TypeCacheEvict }

// ActivityChange signals an activity opening, closing or advancing a stage.
type ActivityChange struct {
	ActivityID int64  `json:"activity_id"`
	Stage      string `json:"stage"`
}

func (ActivityChange) EventType() string { return TypeActivityChange }

// PlayerOnline announces a role binding to a live session. SessionID lets
// other nodes evict an older session of the same role.
type PlayerOnline struct {
	RoleID    int64  `json:"role_id"`
	SessionID int64  `json:"session_id"`
	NodeID    string `json:"node_id"`
}

func (PlayerOnline) EventType() string { return TypePlayerOnline }

// PlayerOffline announces a role's session closing for good.
type PlayerOffline struct {
	RoleID    int64 `json:"role_id"`
	SessionID int64 `json:"session_id"`
}

func (PlayerOffline) EventType() string { return TypePlayerOffline }

// PlayerChange signals that a player's persistent state changed and cached
// projections of it are stale.
type PlayerChange struct {
	RoleID int64  `json:"role_id"`
	Field  string `json:"field"`
}

func (PlayerChange) EventType() string { return TypePlayerChange }

// GuildMemberChange signals a member joining, leaving or changing rank.
type GuildMemberChange struct {
	GuildID int64  `json:"guild_id"`
	RoleID  int64  `json:"role_id"`
	Change  string `json:"change"`
}

func (GuildMemberChange) EventType() string { return TypeGuildMemberChange }

// GuildDissolve signals a guild ceasing to exist.
type GuildDissolve struct {
	GuildID int64 `json:"guild_id"`
}

func (GuildDissolve) EventType() string { return TypeGuildDissolve }

// MaintenanceNotice carries an operator broadcast shown to players.
type MaintenanceNotice struct {
	Message  string `json:"message"`
	StartsAt int64  `json:"starts_at"`
}

func (MaintenanceNotice) EventType() string { return TypeMaintenanceNotice }

// Generic carries an ad-hoc payload under a caller-chosen sub-type. It lets
// business modules publish without registering a dedicated struct.
type Generic struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func (Generic) EventType() string { return TypeGeneric }

// TypeRegistry maps event type tags to constructors so the distributed bus
// can rebuild a typed event from its wire envelope.
type TypeRegistry struct {
	mu        sync.RWMutex
	factories map[string]func() Event
}

// NewTypeRegistry returns a registry with every built-in event family
// pre-registered.
func NewTypeRegistry() *TypeRegistry {
	r := &TypeRegistry{factories: make(map[string]func() Event)}
	r.Register(TypeConfigReload, func() Event { return &ConfigReload{} })
	r.Register(TypeCacheEvict, func() Event { return &CacheEvict{} })
	r.Register(TypeActivityChange, func() Event { return &ActivityChange{} })
	r.Register(TypePlayerOnline, func() Event { return &PlayerOnline{} })
	r.Register(TypePlayerOffline, func() Event { return &PlayerOffline{} })
	r.Register(TypePlayerChange, func() Event { return &PlayerChange{} })
	r.Register(TypeGuildMemberChange, func() Event { return &GuildMemberChange{} })
	r.Register(TypeGuildDissolve, func() Event { return &GuildDissolve{} })
	r.Register(TypeMaintenanceNotice, func() Event { return &MaintenanceNotice{} })
	r.Register(TypeGeneric, func() Event { return &Generic{} })
	return r
}

// Register adds a constructor for eventType. Later registrations replace
// earlier ones, so business modules may override a built-in shape.
func (r *TypeRegistry) Register(eventType string, factory func() Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[eventType] = factory
}

// New builds an empty event of the given type for decoding into.
func (r *TypeRegistry) New(eventType string) (Event, error) {
	r.mu.RLock()
	factory, ok := r.factories[eventType]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown event class %q", eventType)
	}
	return factory(), nil
}
