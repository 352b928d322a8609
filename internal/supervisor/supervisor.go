// Package supervisor owns the lifecycle of helper subprocesses: spawning,
// restart-backoff scheduling, and forwarding helper IPC events to the rest
// of the bridge over a single channel that one consumer goroutine drains —
// the Go realization of the single-threaded cooperative model described for
// the Registry/Router/Dispatcher. The supervisor's own maps are guarded by
// its mutex.
package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/arboras/mcpbridge/internal/ipc"
	"github.com/arboras/mcpbridge/internal/registry"
	"github.com/arboras/mcpbridge/internal/resilience"
)

// EventKind discriminates the shapes carried by [Event].
type EventKind int

const (
	EventReady EventKind = iota
	EventToolResult
	EventClosed
)

// Event is emitted on [Supervisor.Events] whenever a helper reports readiness,
// a tool call result, or its own termination. Exactly one of the payload
// fields is meaningful, selected by Kind.
type Event struct {
	Kind        EventKind
	ServiceName string

	// EventReady
	Tools []ipc.Tool

	// EventToolResult
	RequestID  string
	ToolResult ipc.ToolResultParams

	// EventClosed
	Err    string
	Signal string
}

// ProcessFactory constructs the command used to spawn a helper subprocess.
// Supplied by cmd/mcpbridge as the self-reexec invocation of the running
// binary with a hidden __helper argument.
type ProcessFactory func(ctx context.Context) *exec.Cmd

// Supervisor spawns and supervises one helper subprocess per active service.
// All exported methods are safe for concurrent use; state changes are also
// reported asynchronously on Events so a single consumer can apply them
// without additional locking.
type Supervisor struct {
	reg     *registry.Registry
	newCmd  ProcessFactory
	log     *slog.Logger
	events  chan Event
	breaker *breakerSet
	restart RestartConfig

	mu        sync.Mutex
	helpers   map[string]*HelperHandle
	states    map[string]state
	restarts  map[string]*RestartBookkeeping
	toolCache map[string][]ipc.Tool
	timers    map[string]*time.Timer
}

// New creates a Supervisor with spec.md §4.2's default restart-backoff
// tuning. reg is the registry this supervisor consults to decide whether a
// just-exited service is still eligible for restart.
func New(reg *registry.Registry, newCmd ProcessFactory, log *slog.Logger) *Supervisor {
	return NewWithRestart(reg, newCmd, log, DefaultRestartConfig())
}

// NewWithRestart creates a Supervisor with an operator-supplied restart
// config (config.RestartConfig, threaded through by bridgeapp). A zero-valued
// field falls back to DefaultRestartConfig's value for that field.
func NewWithRestart(reg *registry.Registry, newCmd ProcessFactory, log *slog.Logger, restart RestartConfig) *Supervisor {
	d := DefaultRestartConfig()
	if restart.MaxAttempts <= 0 {
		restart.MaxAttempts = d.MaxAttempts
	}
	if restart.BaseDelay <= 0 {
		restart.BaseDelay = d.BaseDelay
	}
	return &Supervisor{
		reg:       reg,
		newCmd:    newCmd,
		log:       log,
		events:    make(chan Event, 64),
		breaker:   newBreakerSet(),
		restart:   restart,
		helpers:   make(map[string]*HelperHandle),
		states:    make(map[string]state),
		restarts:  make(map[string]*RestartBookkeeping),
		toolCache: make(map[string][]ipc.Tool),
		timers:    make(map[string]*time.Timer),
	}
}

// Events returns the channel on which readiness, tool-result, and closure
// notifications are delivered. The caller must drain it continuously.
func (s *Supervisor) Events() <-chan Event { return s.events }

// RestartConfig returns the restart-backoff tuning this Supervisor was
// constructed with.
func (s *Supervisor) RestartConfig() RestartConfig { return s.restart }

// Active reports whether a helper subprocess currently exists for name.
func (s *Supervisor) Active(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.helpers[name]
	return ok
}

// Ready reports whether the helper for name has completed its init
// handshake.
func (s *Supervisor) Ready(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.helpers[name]
	return ok && h.Ready
}

// ActiveNames returns the service names with a live helper, in no
// particular order.
func (s *Supervisor) ActiveNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.helpers))
	for name := range s.helpers {
		names = append(names, name)
	}
	return names
}

// CachedTools returns the last tool list reported ready for name, and
// whether one exists (a service that never reached ready has none).
func (s *Supervisor) CachedTools(name string) ([]ipc.Tool, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tools, ok := s.toolCache[name]
	return tools, ok
}

// AllCachedTools returns a snapshot of every service name that has a cached
// tool list, per spec.md §4.5's listtools-without-name semantics: "every
// service ever started", not "every registered service".
func (s *Supervisor) AllCachedTools() map[string][]ipc.Tool {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string][]ipc.Tool, len(s.toolCache))
	for name, tools := range s.toolCache {
		out[name] = tools
	}
	return out
}

// CacheTools writes a caller-supplied tool list into the cache directly,
// used by the dispatcher's cachetools command.
func (s *Supervisor) CacheTools(name string, tools []ipc.Tool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.toolCache[name] = tools
}

// StartLocal and ConnectRemote both delegate to spawnServiceHelper; the
// distinction between local and remote lives entirely inside the helper
// (spec.md §4.2).
func (s *Supervisor) StartLocal(ctx context.Context, name string) error {
	return s.spawnServiceHelper(ctx, name)
}

func (s *Supervisor) ConnectRemote(ctx context.Context, name string) error {
	return s.spawnServiceHelper(ctx, name)
}

// spawnServiceHelper kills any existing helper for name, forks a fresh
// subprocess, and sends the init command. It returns once the subprocess is
// spawned and init is written — not once the service is ready; readiness
// arrives later on Events.
func (s *Supervisor) spawnServiceHelper(ctx context.Context, name string) error {
	desc, ok := s.reg.Get(name)
	if !ok {
		return fmt.Errorf("supervisor: service %q is not registered", name)
	}

	s.mu.Lock()
	s.killLocked(name)
	s.mu.Unlock()

	cmd := s.newCmd(ctx)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("supervisor: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("supervisor: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("supervisor: stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("supervisor: start helper for %q: %w", name, err)
	}

	conn := ipc.NewConn(stdin, stdout)
	handle := &HelperHandle{ServiceName: name, Cmd: cmd, Conn: conn}

	s.mu.Lock()
	s.helpers[name] = handle
	s.states[name] = stateStarting
	delete(s.toolCache, name)
	s.mu.Unlock()

	var stderrTail stderrBuffer
	go stderrTail.drain(stderr)
	go s.readEvents(name, conn)
	go s.awaitExit(name, cmd, &stderrTail)

	descJSON, err := json.Marshal(desc)
	if err != nil {
		return fmt.Errorf("supervisor: encode service descriptor: %w", err)
	}
	params, err := json.Marshal(ipc.InitParams{ServiceName: name, ServiceInfo: descJSON})
	if err != nil {
		return fmt.Errorf("supervisor: encode init params: %w", err)
	}
	if err := conn.WriteCommand(ipc.Command{Command: "init", Params: params}); err != nil {
		return fmt.Errorf("supervisor: send init to %q: %w", name, err)
	}
	return nil
}

// ToolCall forwards a toolcall command to the active helper for name. The
// result arrives asynchronously on Events as EventToolResult with the given
// requestID.
func (s *Supervisor) ToolCall(name, requestID, method string, args json.RawMessage) error {
	s.mu.Lock()
	h, ok := s.helpers[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("supervisor: service %q is not active", name)
	}

	params, err := json.Marshal(ipc.ToolCallParams{Name: method, Args: args})
	if err != nil {
		return fmt.Errorf("supervisor: encode toolcall params: %w", err)
	}
	return h.Conn.WriteCommand(ipc.Command{Command: "toolcall", ID: requestID, Params: params})
}

// Kill terminates the helper for name, if any, removing it from the active
// set, cancelling any pending restart timer and clearing its restart
// bookkeeping. The registry is not touched.
func (s *Supervisor) Kill(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.killLocked(name)
	s.states[name] = stateAbsent
	s.cancelTimerLocked(name)
	delete(s.restarts, name)
}

// killLocked terminates and drops the helper handle for name. Caller must
// hold s.mu.
func (s *Supervisor) killLocked(name string) {
	h, ok := s.helpers[name]
	if !ok {
		return
	}
	delete(s.helpers, name)
	if h.Cmd != nil && h.Cmd.Process != nil {
		_ = h.Cmd.Process.Kill()
	}
}

func (s *Supervisor) cancelTimerLocked(name string) {
	if t, ok := s.timers[name]; ok {
		t.Stop()
		delete(s.timers, name)
	}
}

// readEvents drains IPC events from a helper's stdout and forwards them,
// translating ready/tool_result/closed frames into [Event] values.
func (s *Supervisor) readEvents(name string, conn *ipc.Conn) {
	for {
		ev, err := conn.ReadEvent()
		if err != nil {
			return
		}
		switch ev.Event {
		case "ready":
			var params ipc.ReadyParams
			if err := json.Unmarshal(ev.Params, &params); err != nil {
				continue
			}
			s.mu.Lock()
			if h, ok := s.helpers[name]; ok {
				h.Ready = true
				h.Tools = params.Tools
			}
			s.toolCache[name] = params.Tools
			s.states[name] = stateReady
			if rb, ok := s.restarts[name]; ok {
				rb.Attempts = 0
			}
			s.mu.Unlock()
			s.events <- Event{Kind: EventReady, ServiceName: name, Tools: params.Tools}

		case "tool_result":
			var params ipc.ToolResultParams
			if err := json.Unmarshal(ev.Params, &params); err != nil {
				continue
			}
			s.events <- Event{Kind: EventToolResult, ServiceName: name, RequestID: ev.ID, ToolResult: params}

		case "closed":
			var params ipc.ClosedParams
			_ = json.Unmarshal(ev.Params, &params)
			s.mu.Lock()
			if h, ok := s.helpers[name]; ok {
				h.LastError = params.Error
				if params.Signal != "" {
					h.lastSignal = params.Signal
				} else if isAbortLike(params.Error) {
					h.lastSignal = "SIGABRT"
				}
			}
			s.mu.Unlock()
		}
	}
}

// awaitExit blocks on the subprocess exit and drives the restart state
// machine, matching handleHelperExit/handleServiceClosure in spec.md §4.2.
func (s *Supervisor) awaitExit(name string, cmd *exec.Cmd, stderrTail *stderrBuffer) {
	waitErr := cmd.Wait()

	signal := stderrTail.abortSignal()
	errMsg := ""
	if waitErr != nil {
		errMsg = waitErr.Error()
	}

	s.mu.Lock()
	existing, wasActive := s.helpers[name]
	wasActive = wasActive && existing.Cmd == cmd
	if wasActive {
		delete(s.helpers, name)
	}
	if existing != nil {
		if existing.LastError != "" {
			errMsg = existing.LastError
		}
		if existing.lastSignal != "" {
			signal = existing.lastSignal
		}
	}
	_, stillRegistered := s.reg.Get(name)
	s.mu.Unlock()

	if !wasActive {
		// This helper was already removed by Kill, or a newer helper has
		// replaced it (spawnServiceHelper's killLocked raced ahead of Wait
		// returning); nothing to do.
		return
	}

	if !stillRegistered {
		// unregister/shutdown path: do nothing, no restart.
		return
	}

	s.handleServiceClosure(name, signal, errMsg)
}

// handleServiceClosure implements spec.md §4.2's restart-backoff decision.
func (s *Supervisor) handleServiceClosure(name, signal, errMsg string) {
	s.mu.Lock()
	rb, ok := s.restarts[name]
	if !ok {
		rb = &RestartBookkeeping{}
		s.restarts[name] = rb
	}
	rb.Attempts++
	rb.LastSignal = signal
	rb.LastErrTime = time.Now()
	attempts := rb.Attempts
	s.states[name] = stateBackoff
	s.mu.Unlock()

	if attempts > s.restart.MaxAttempts {
		s.mu.Lock()
		s.states[name] = stateRegisteredIdle
		s.mu.Unlock()
		s.events <- Event{Kind: EventClosed, ServiceName: name, Err: errMsg, Signal: signal}
		return
	}

	delay := restartDelay(attempts, isAbortLike(signal), s.restart.BaseDelay)
	timer := time.AfterFunc(delay, func() {
		s.mu.Lock()
		delete(s.timers, name)
		_, stillRegistered := s.reg.Get(name)
		s.mu.Unlock()
		if !stillRegistered {
			return
		}
		if err := s.spawnServiceHelper(context.Background(), name); err != nil {
			s.log.Warn("helper respawn failed", "service", name, "error", err)
			s.events <- Event{Kind: EventClosed, ServiceName: name, Err: err.Error()}
		}
	})

	s.mu.Lock()
	s.cancelTimerLocked(name)
	s.timers[name] = timer
	s.mu.Unlock()
}

// KillAll terminates every active helper concurrently and waits for them to
// finish, used by reset and graceful shutdown.
func (s *Supervisor) KillAll(ctx context.Context) {
	s.mu.Lock()
	names := make([]string, 0, len(s.helpers))
	for name := range s.helpers {
		names = append(names, name)
	}
	for _, t := range s.timers {
		t.Stop()
	}
	s.timers = make(map[string]*time.Timer)
	s.mu.Unlock()

	var g errgroup.Group
	for _, name := range names {
		g.Go(func() error {
			s.Kill(name)
			return nil
		})
	}
	_ = g.Wait()
}

// Reset clears all supervisor-owned state: helpers, states, restart
// bookkeeping, and the tool cache.
func (s *Supervisor) Reset(ctx context.Context) {
	s.KillAll(ctx)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states = make(map[string]state)
	s.restarts = make(map[string]*RestartBookkeeping)
	s.toolCache = make(map[string][]ipc.Tool)
}

// CircuitBreakerFor returns the circuit breaker guarding remote connection
// attempts for name, creating one on first use.
func (s *Supervisor) CircuitBreakerFor(name string) *resilience.CircuitBreaker {
	return s.breaker.forService(name)
}

// breakerSet lazily creates one circuit breaker per remote service name,
// guarding connectRemote attempts the way mcphost's resilience package
// guards a failing provider.
type breakerSet struct {
	mu       sync.Mutex
	breakers map[string]*resilience.CircuitBreaker
}

func newBreakerSet() *breakerSet {
	return &breakerSet{breakers: make(map[string]*resilience.CircuitBreaker)}
}

func (b *breakerSet) forService(name string) *resilience.CircuitBreaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	if cb, ok := b.breakers[name]; ok {
		return cb
	}
	cb := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{Name: name})
	b.breakers[name] = cb
	return cb
}

// stderrBuffer accumulates a helper's stderr output looking for a SIGABRT
// marker, per spec.md §9's "regex-match the helper's stderr" exit-signal
// inference hint.
type stderrBuffer struct {
	mu   sync.Mutex
	text strings.Builder
}

func (b *stderrBuffer) drain(r io.Reader) {
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			b.mu.Lock()
			b.text.Write(buf[:n])
			b.mu.Unlock()
		}
		if err != nil {
			return
		}
	}
}

func (b *stderrBuffer) abortSignal() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if strings.Contains(b.text.String(), "SIGABRT") {
		return "SIGABRT"
	}
	return ""
}
