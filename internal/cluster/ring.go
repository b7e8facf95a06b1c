// Package cluster decides which node owns which entity: a consistent-hash
// ring over the live node set, plus a topology watcher that keeps the ring
// aligned with service discovery and migrates actors off nodes that lost
// ownership.
package cluster

import (
	"fmt"
	"hash/fnv"
	"slices"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

// Node is one cluster member as the ring sees it.
type Node struct {
	// ID is the node's cluster identity, conventionally host:port.
	ID      string
	Host    string
	Port    int
	Weight  int
	Systems []string
}

// Addr returns the node's dialable address.
func (n Node) Addr() string {
	return fmt.Sprintf("%s:%d", n.Host, n.Port)
}

// HostsSystem reports whether the node hosts the named actor system. A node
// advertising no systems is assumed to host everything.
func (n Node) HostsSystem(name string) bool {
	if len(n.Systems) == 0 {
		return true
	}
	return slices.Contains(n.Systems, name)
}

type token struct {
	hash uint32
	node string
}

type ringState struct {
	tokens []token
	nodes  map[string]Node
	// signature fingerprints the node set; nodes exchange it to detect
	// topology disagreement.
	signature string
}

// Ring maps entity ids onto nodes with minimal reshuffling under membership
// changes. Each node contributes virtualNodes*weight tokens. Reads route on
// an immutable snapshot, so Route is wait-free against rebuilds.
type Ring struct {
	virtualNodes int

	mu       sync.Mutex
	snapshot atomic.Pointer[ringState]
}

// NewRing creates an empty ring. virtualNodes defaults to 160.
func NewRing(virtualNodes int) *Ring {
	if virtualNodes <= 0 {
		virtualNodes = 160
	}
	r := &Ring{virtualNodes: virtualNodes}
	r.snapshot.Store(&ringState{nodes: map[string]Node{}})
	return r
}

func hash32(key string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(key))
	return h.Sum32()
}

// Rebuild replaces the ring's node set.
func (r *Ring) Rebuild(nodes []Node) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rebuildLocked(nodes)
}

// Add inserts or updates one node.
func (r *Ring) Add(node Node) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur := r.snapshot.Load()
	next := make([]Node, 0, len(cur.nodes)+1)
	for id, n := range cur.nodes {
		if id != node.ID {
			next = append(next, n)
		}
	}
	next = append(next, node)
	r.rebuildLocked(next)
}

// Remove drops one node. No-op when absent.
func (r *Ring) Remove(nodeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur := r.snapshot.Load()
	if _, ok := cur.nodes[nodeID]; !ok {
		return
	}
	next := make([]Node, 0, len(cur.nodes)-1)
	for id, n := range cur.nodes {
		if id != nodeID {
			next = append(next, n)
		}
	}
	r.rebuildLocked(next)
}

func (r *Ring) rebuildLocked(nodes []Node) {
	state := &ringState{nodes: make(map[string]Node, len(nodes))}
	ids := make([]string, 0, len(nodes))
	for _, n := range nodes {
		if n.Weight <= 0 {
			n.Weight = 1
		}
		state.nodes[n.ID] = n
		ids = append(ids, n.ID)
		replicas := r.virtualNodes * n.Weight
		for i := range replicas {
			state.tokens = append(state.tokens, token{
				hash: hash32(fmt.Sprintf("%s#%d", n.ID, i)),
				node: n.ID,
			})
		}
	}
	sort.Slice(state.tokens, func(i, j int) bool {
		if state.tokens[i].hash != state.tokens[j].hash {
			return state.tokens[i].hash < state.tokens[j].hash
		}
		return state.tokens[i].node < state.tokens[j].node
	})
	sort.Strings(ids)
	state.signature = fmt.Sprintf("%08x", hash32(strings.Join(ids, ",")))
	r.snapshot.Store(state)
}

// Route returns the node owning entityID: the first token clockwise from the
// entity's hash, wrapping at the top. ok is false on an empty ring.
func (r *Ring) Route(entityID string) (Node, bool) {
	state := r.snapshot.Load()
	if len(state.tokens) == 0 {
		return Node{}, false
	}
	h := hash32(entityID)
	i := sort.Search(len(state.tokens), func(i int) bool {
		return state.tokens[i].hash >= h
	})
	if i == len(state.tokens) {
		i = 0
	}
	return state.nodes[state.tokens[i].node], true
}

// Owner reports whether nodeID currently owns entityID.
func (r *Ring) Owner(entityID, nodeID string) bool {
	n, ok := r.Route(entityID)
	return ok && n.ID == nodeID
}

// Nodes snapshots the current membership.
func (r *Ring) Nodes() []Node {
	state := r.snapshot.Load()
	out := make([]Node, 0, len(state.nodes))
	for _, n := range state.nodes {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of member nodes.
func (r *Ring) Len() int {
	return len(r.snapshot.Load().nodes)
}

// Signature fingerprints the current node set.
func (r *Ring) Signature() string {
	return r.snapshot.Load().signature
}
