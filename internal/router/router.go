// Package router tracks in-flight client requests (tool calls and pending
// spawns) awaiting an asynchronous reply, and sweeps both for timeout, per
// spec.md §4.4. Unlike the registry/supervisor, pending entries are keyed
// by request id, not service name, since many ids can outlive a single
// service lifecycle.
package router

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// DefaultRequestTimeout is the deadline after which a pending tool call or
// spawn is failed with a timeout reply, per spec.md §4.4, used when New is
// called with no operator override.
const DefaultRequestTimeout = 180 * time.Second

// SweepInterval is how often TimeoutSweep/SpawnSweep scan for expired
// entries.
const SweepInterval = 5 * time.Second

// Socket is the minimal surface the router needs from a client connection:
// a place to write a framed JSON reply.
type Socket interface {
	WriteFrame(data []byte) error
}

// PendingToolCall is an in-flight toolcall awaiting a tool_result event.
type PendingToolCall struct {
	ID         string
	OriginalID any // the client-supplied id value, preserved for the reply's type (string/number)
	Socket     Socket
	Service    string
	Deadline   time.Time
}

// PendingSpawn is an in-flight spawn awaiting a ready event, restart
// exhaustion, or timeout.
type PendingSpawn struct {
	ID         string
	OriginalID any
	Socket     Socket
	Service    string
	Deadline   time.Time
}

// Reply is the JSON envelope written back to a client.
type Reply struct {
	ID      any         `json:"id"`
	Success bool        `json:"success"`
	Result  any         `json:"result,omitempty"`
	Error   *ReplyError `json:"error,omitempty"`
}

type ReplyError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Router owns the pending-tool-call and pending-spawn maps. All methods are
// safe for concurrent use.
type Router struct {
	mu             sync.Mutex
	calls          map[string]PendingToolCall
	spawns         map[string]PendingSpawn
	requestTimeout time.Duration
}

// New creates an empty Router using DefaultRequestTimeout.
func New() *Router {
	return NewWithTimeout(DefaultRequestTimeout)
}

// NewWithTimeout creates an empty Router with an operator-supplied request
// timeout (config.RestartConfig.RequestTimeout, threaded through by
// bridgeapp). A timeout <= 0 falls back to DefaultRequestTimeout.
func NewWithTimeout(requestTimeout time.Duration) *Router {
	if requestTimeout <= 0 {
		requestTimeout = DefaultRequestTimeout
	}
	return &Router{
		calls:          make(map[string]PendingToolCall),
		spawns:         make(map[string]PendingSpawn),
		requestTimeout: requestTimeout,
	}
}

// RequestTimeout returns the deadline this Router was constructed with.
func (r *Router) RequestTimeout() time.Duration { return r.requestTimeout }

// BindCall records an in-flight tool call. Returns false if id already has a
// pending entry (dispatcher-generated UUIDs make this caller error only).
// originalID is the client-supplied id value (preserves its JSON type —
// string or number — for the eventual reply).
func (r *Router) BindCall(id string, originalID any, sock Socket, service string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.calls[id]; exists {
		return false
	}
	r.calls[id] = PendingToolCall{ID: id, OriginalID: originalID, Socket: sock, Service: service, Deadline: time.Now().Add(r.requestTimeout)}
	return true
}

// BindSpawn records an in-flight spawn. Returns false if id collides.
func (r *Router) BindSpawn(id string, originalID any, sock Socket, service string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.spawns[id]; exists {
		return false
	}
	r.spawns[id] = PendingSpawn{ID: id, OriginalID: originalID, Socket: sock, Service: service, Deadline: time.Now().Add(r.requestTimeout)}
	return true
}

// ResolveCall looks up id, writes reply to its socket, and removes the
// entry. A reply to an unknown id is a no-op (late reply after timeout or
// socket close).
func (r *Router) ResolveCall(id string, reply Reply) {
	r.mu.Lock()
	pc, ok := r.calls[id]
	if ok {
		delete(r.calls, id)
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	writeReply(pc.Socket, reply)
}

// ResolveSpawn looks up id, writes reply to its socket, and removes the
// entry.
func (r *Router) ResolveSpawn(id string, reply Reply) {
	r.mu.Lock()
	ps, ok := r.spawns[id]
	if ok {
		delete(r.spawns, id)
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	writeReply(ps.Socket, reply)
}

// SpawnsForService returns a snapshot of every pending spawn for service,
// letting the dispatcher resolve all waiters when one ready event arrives
// (only one PendingSpawn should exist per service per spec.md §8, but this
// is defensive against the edge case of a second spawn racing in).
func (r *Router) SpawnsForService(service string) []PendingSpawn {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []PendingSpawn
	for _, ps := range r.spawns {
		if ps.Service == service {
			out = append(out, ps)
		}
	}
	return out
}

// CallsForService returns a snapshot of every pending tool call routed to
// service.
func (r *Router) CallsForService(service string) []PendingToolCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []PendingToolCall
	for _, pc := range r.calls {
		if pc.Service == service {
			out = append(out, pc)
		}
	}
	return out
}

// GetCall returns a copy of the pending tool call for id without removing
// it, so a caller can recover its OriginalID before resolving.
func (r *Router) GetCall(id string) (PendingToolCall, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	pc, ok := r.calls[id]
	return pc, ok
}

// TimeoutSweep writes a timeout error reply and removes every pending tool
// call older than the router's request timeout. Call this on a SweepInterval
// ticker.
func (r *Router) TimeoutSweep() {
	now := time.Now()
	r.mu.Lock()
	var expired []PendingToolCall
	for id, pc := range r.calls {
		if now.After(pc.Deadline) {
			expired = append(expired, pc)
			delete(r.calls, id)
		}
	}
	r.mu.Unlock()

	for _, pc := range expired {
		writeReply(pc.Socket, Reply{
			ID:      pc.OriginalID,
			Success: false,
			Error:   &ReplyError{Code: -32603, Message: "Request timeout"},
		})
	}
}

// SpawnSweep writes a timeout error reply and removes every pending spawn
// older than the router's request timeout.
func (r *Router) SpawnSweep() {
	now := time.Now()
	r.mu.Lock()
	var expired []PendingSpawn
	for id, ps := range r.spawns {
		if now.After(ps.Deadline) {
			expired = append(expired, ps)
			delete(r.spawns, id)
		}
	}
	r.mu.Unlock()

	for _, ps := range expired {
		writeReply(ps.Socket, Reply{
			ID:      ps.OriginalID,
			Success: false,
			Error:   &ReplyError{Code: -32603, Message: fmt.Sprintf("failed to start %s within %s", ps.Service, r.requestTimeout)},
		})
	}
}

// OnSocketClose drops every pending tool call and spawn bound to sock,
// without writing any reply, per spec.md §4.4.
func (r *Router) OnSocketClose(sock Socket) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, pc := range r.calls {
		if pc.Socket == sock {
			delete(r.calls, id)
		}
	}
	for id, ps := range r.spawns {
		if ps.Socket == sock {
			delete(r.spawns, id)
		}
	}
}

// Reset drops every pending tool call and spawn without writing replies.
// Per spec.md §9's documented open question, the source does not
// preemptively reply to these clients either; their sockets will eventually
// hit the 120-s socket inactivity timeout, and this implementation
// preserves that behavior rather than guessing at an intended fix.
func (r *Router) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = make(map[string]PendingToolCall)
	r.spawns = make(map[string]PendingSpawn)
}

func writeReply(sock Socket, reply Reply) {
	if sock == nil {
		return
	}
	data, err := json.Marshal(reply)
	if err != nil {
		return
	}
	_ = sock.WriteFrame(data)
}
