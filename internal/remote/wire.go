// Package remote lets any node tell/ask an actor regardless of which node
// owns it. The contract is a small gRPC service with JSON-encoded messages;
// the client side routes per-entity calls over the consistent-hash ring,
// short-circuits calls the local node owns, and guards every peer with a
// circuit breaker.
package remote

import "encoding/json"

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "gamecore.RemoteActor"

// TellRequest enqueues a message for an actor, fire-and-forget.
type TellRequest struct {
	System  string          `json:"system"`
	ActorID string          `json:"actor_id"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type TellReply struct {
	// Accepted is false when the target mailbox rejected the message.
	Accepted bool `json:"accepted"`
}

// AskRequest enqueues a message and waits for the handler's result.
type AskRequest struct {
	System    string          `json:"system"`
	ActorID   string          `json:"actor_id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	TimeoutMs int64           `json:"timeout_ms,omitempty"`
}

// AskReply carries either the handler's JSON-encoded value or a typed error
// code. gRPC status errors are reserved for transport and contract failures;
// business errors travel in the body so their codes survive the hop.
type AskReply struct {
	Value   json.RawMessage `json:"value,omitempty"`
	Code    uint32          `json:"code"`
	Message string          `json:"message,omitempty"`
}

type HasActorRequest struct {
	System  string `json:"system"`
	ActorID string `json:"actor_id"`
}

type HasActorReply struct {
	Present bool `json:"present"`
}

// BatchTellRequest fans one message out to many actors of one system.
type BatchTellRequest struct {
	System   string          `json:"system"`
	ActorIDs []string        `json:"actor_ids"`
	Type     string          `json:"type"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

type BatchTellReply struct {
	// Accepted counts the mailboxes that took the message.
	Accepted int `json:"accepted"`
}

type ListSystemsRequest struct{}

type ListSystemsReply struct {
	Systems []string `json:"systems"`
}
