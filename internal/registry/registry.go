// Package registry holds the in-memory mapping from service name to
// [ServiceDescriptor]. It is the single owner of service descriptors: it is
// mutated only by register/unregister/reset and never persists state across
// restarts, per spec.md §6 ("no persisted state. The registry is
// memory-only").
package registry

import (
	"log/slog"
	"sync"
	"time"
)

// Kind discriminates the two service descriptor variants. Go sum-type
// realization of spec.md §3's "exactly one of local/remote field groups"
// invariant, per the REDESIGN FLAGS in spec.md §9.
type Kind string

const (
	Local  Kind = "local"
	Remote Kind = "remote"
)

// ConnectionType selects the remote transport.
type ConnectionType string

const (
	HTTPStream ConnectionType = "httpStream"
	SSE        ConnectionType = "sse"
)

// LocalSpec describes a locally spawned MCP server subprocess.
type LocalSpec struct {
	Command string            `json:"command"`
	Args    []string          `json:"args,omitempty"`
	Cwd     string            `json:"cwd,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

// RemoteSpec describes a remote HTTP/SSE MCP endpoint.
type RemoteSpec struct {
	Endpoint       string            `json:"endpoint"`
	ConnectionType ConnectionType    `json:"connectionType,omitempty"`
	BearerToken    string            `json:"bearerToken,omitempty"`
	Headers        map[string]string `json:"headers,omitempty"`
}

// ServiceDescriptor is the registry entry for one named MCP service.
// Exactly one of Local/Remote is non-nil, matching Kind. It is sent to a
// helper subprocess as the payload of an init command, so every field that
// the helper needs carries a JSON tag.
type ServiceDescriptor struct {
	Name        string      `json:"name"`
	Kind        Kind        `json:"kind"`
	Local       *LocalSpec  `json:"local,omitempty"`
	Remote      *RemoteSpec `json:"remote,omitempty"`
	Description string      `json:"description,omitempty"`
	Created     time.Time   `json:"created"`
	LastUsed    time.Time   `json:"lastUsed,omitempty"` // zero value means "never used"
}

// LogValue implements [slog.LogValuer] so registry mutations can be logged
// structurally without dumping every field.
func (d ServiceDescriptor) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String("name", d.Name),
		slog.String("kind", string(d.Kind)),
	}
	if d.Kind == Local && d.Local != nil {
		attrs = append(attrs, slog.String("command", d.Local.Command))
	}
	if d.Kind == Remote && d.Remote != nil {
		attrs = append(attrs, slog.String("endpoint", d.Remote.Endpoint))
	}
	return slog.GroupValue(attrs...)
}

// Registry is the single owner of [ServiceDescriptor] values. All methods are
// safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	services map[string]*ServiceDescriptor
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{services: make(map[string]*ServiceDescriptor)}
}

// Register inserts or replaces the descriptor for name. Replacement on
// duplicate name is intentional (spec.md §4.1: "idempotent by design").
// Returns false without mutating state if name is empty, or the
// per-Kind required fields are missing.
func (r *Registry) Register(name string, d ServiceDescriptor) bool {
	if name == "" {
		return false
	}
	switch d.Kind {
	case Local:
		if d.Local == nil || d.Local.Command == "" {
			return false
		}
	case Remote:
		if d.Remote == nil || d.Remote.Endpoint == "" {
			return false
		}
	default:
		return false
	}

	d.Name = name
	d.Created = time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()
	cp := d
	r.services[name] = &cp
	return true
}

// Unregister removes the descriptor for name. Returns false if name is
// unknown. Unregister never kills a running helper — per spec.md §4.1 the
// dispatcher orchestrates kill-then-unregister ordering.
func (r *Registry) Unregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.services[name]; !ok {
		return false
	}
	delete(r.services, name)
	return true
}

// Get returns a copy of the descriptor for name, and whether it exists.
func (r *Registry) Get(name string) (ServiceDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.services[name]
	if !ok {
		return ServiceDescriptor{}, false
	}
	return *d, true
}

// List returns a copy of every registered descriptor, in no particular
// order.
func (r *Registry) List() []ServiceDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ServiceDescriptor, 0, len(r.services))
	for _, d := range r.services {
		out = append(out, *d)
	}
	return out
}

// TouchLastUsed updates the LastUsed timestamp for name to now. No-op if
// name is unknown.
func (r *Registry) TouchLastUsed(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d, ok := r.services[name]; ok {
		d.LastUsed = time.Now()
	}
}

// Reset empties the registry.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.services = make(map[string]*ServiceDescriptor)
}

// Count returns the number of registered services.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.services)
}
