// Package dispatcher parses one JSON command per client frame and invokes
// the corresponding registry/supervisor/router operation, producing exactly
// one JSON reply per request — synchronously for most commands, deferred
// until an asynchronous event for spawn and toolcall, per spec.md §4.5.
package dispatcher

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/arboras/mcpbridge/internal/ipc"
	"github.com/arboras/mcpbridge/internal/registry"
	"github.com/arboras/mcpbridge/internal/router"
	"github.com/arboras/mcpbridge/internal/supervisor"
)

// Error codes from spec.md §4.5.
const (
	ErrInvalidRequest = -32600
	ErrNotFound       = -32601
	ErrBadParams      = -32602
	ErrInternal       = -32603
	ErrParse          = -32700
	ErrToolReported   = -32000
)

// Dispatcher wires together the registry, supervisor, and router to serve
// the TCP front end's command surface.
type Dispatcher struct {
	reg *registry.Registry
	sup *supervisor.Supervisor
	rtr *router.Router
	log *slog.Logger

	defaultCommand string
	defaultArgs    []string
}

// New creates a Dispatcher. defaultCommand/defaultArgs back a spawn that
// auto-registers a local service when the client supplies a command but no
// prior registration exists.
func New(reg *registry.Registry, sup *supervisor.Supervisor, rtr *router.Router, log *slog.Logger, defaultCommand string, defaultArgs []string) *Dispatcher {
	return &Dispatcher{reg: reg, sup: sup, rtr: rtr, log: log, defaultCommand: defaultCommand, defaultArgs: defaultArgs}
}

// Dispatch parses one request frame, routes it, and returns the bytes to
// write back synchronously — or nil if the reply is deferred (spawn,
// toolcall) and will arrive later via the router.
func (d *Dispatcher) Dispatch(sock router.Socket, frame []byte) []byte {
	if !gjson.ValidBytes(frame) {
		return mustMarshal(parseErrorReply(nil))
	}

	parsed := gjson.ParseBytes(frame)
	var id any
	if v := parsed.Get("id"); v.Exists() && v.Type != gjson.Null {
		id = v.Value()
	}
	if id == nil {
		id = uuid.NewString()
	}

	command := parsed.Get("command").String()
	if command == "" {
		return mustMarshal(router.Reply{
			ID: id, Success: false,
			Error: &router.ReplyError{Code: ErrInvalidRequest, Message: "Invalid request: no service specified"},
		})
	}

	idStr := fmt.Sprint(id)
	params := json.RawMessage(parsed.Get("params").Raw)
	if len(params) == 0 {
		params = json.RawMessage("{}")
	}

	reply, deferred := d.route(sock, idStr, id, command, params)
	if deferred {
		return nil
	}
	return mustMarshal(reply)
}

// route invokes the handler for command, guarding against panics the way
// spec.md §7 requires ("the dispatcher wraps every command in a guard that
// converts any thrown exception into a -32603 reply").
func (d *Dispatcher) route(sock router.Socket, idStr string, id any, command string, params json.RawMessage) (reply router.Reply, deferred bool) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("panic handling command", "command", command, "panic", r)
			reply = router.Reply{ID: id, Success: false, Error: &router.ReplyError{Code: ErrInternal, Message: fmt.Sprintf("internal error: %v", r)}}
			deferred = false
		}
	}()

	switch command {
	case "register":
		return d.handleRegister(id, params), false
	case "unregister":
		return d.handleUnregister(id, params), false
	case "spawn":
		return d.handleSpawn(sock, idStr, id, params)
	case "unspawn":
		return d.handleUnspawn(id, params), false
	case "shutdown":
		return d.handleShutdown(id, params), false
	case "list":
		return d.handleList(id, params), false
	case "listtools":
		return d.handleListTools(id, params), false
	case "toolcall":
		return d.handleToolCall(sock, idStr, id, params)
	case "cachetools":
		return d.handleCacheTools(id, params), false
	case "reset":
		return d.handleReset(id), false
	default:
		return router.Reply{ID: id, Success: false, Error: &router.ReplyError{Code: ErrNotFound, Message: fmt.Sprintf("unknown command %q", command)}}, false
	}
}

// ReadyEvent resolves a pending spawn with a successful reply. Called from
// the event-consuming loop when the supervisor reports a service ready.
func (d *Dispatcher) ReadyEvent(serviceName string, toolCount int) {
	for _, ps := range d.rtr.SpawnsForService(serviceName) {
		d.rtr.ResolveSpawn(ps.ID, router.Reply{
			ID: ps.OriginalID, Success: true,
			Result: map[string]any{"status": "started", "name": serviceName, "toolCount": toolCount, "ready": true},
		})
	}
}

// ClosedEvent resolves any pending spawn for serviceName with the restart-
// exhaustion error, per spec.md §4.2's "handleServiceClosure...give up and
// fail any PendingSpawn for this service with the last known helper error."
func (d *Dispatcher) ClosedEvent(serviceName, errMsg string) {
	for _, ps := range d.rtr.SpawnsForService(serviceName) {
		d.rtr.ResolveSpawn(ps.ID, router.Reply{
			ID: ps.OriginalID, Success: false,
			Error: &router.ReplyError{Code: ErrInternal, Message: fmt.Sprintf("service %q failed to start: %s", serviceName, errMsg)},
		})
	}
}

// ToolResultEvent resolves the pending tool call with requestID using the
// helper's reported result.
func (d *Dispatcher) ToolResultEvent(requestID string, result ipc.ToolResultParams) {
	pc, ok := d.rtr.GetCall(requestID)
	if !ok {
		return
	}

	if result.Success {
		var decoded any
		if len(result.Result) > 0 {
			_ = json.Unmarshal(result.Result, &decoded)
		}
		d.rtr.ResolveCall(requestID, router.Reply{ID: pc.OriginalID, Success: true, Result: decoded})
		return
	}
	code := ErrToolReported
	msg := "tool call failed"
	if result.Error != nil {
		code = result.Error.Code
		msg = result.Error.Message
	}
	d.rtr.ResolveCall(requestID, router.Reply{ID: pc.OriginalID, Success: false, Error: &router.ReplyError{Code: code, Message: msg}})
}

func parseErrorReply(id any) router.Reply {
	return router.Reply{ID: id, Success: false, Error: &router.ReplyError{Code: ErrParse, Message: "invalid JSON"}}
}

func mustMarshal(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte(`{"success":false,"error":{"code":-32603,"message":"internal marshal error"}}` + "\n")
	}
	return append(data, '\n')
}
