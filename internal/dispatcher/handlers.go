package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/arboras/mcpbridge/internal/ipc"
	"github.com/arboras/mcpbridge/internal/registry"
	"github.com/arboras/mcpbridge/internal/router"
)

func (d *Dispatcher) handleRegister(id any, params json.RawMessage) router.Reply {
	p := gjson.ParseBytes(params)
	name := p.Get("name").String()
	if name == "" {
		return badParams(id, "register requires a non-empty name")
	}

	desc := registry.ServiceDescriptor{Description: p.Get("description").String()}
	switch p.Get("type").String() {
	case "local":
		desc.Kind = registry.Local
		desc.Local = &registry.LocalSpec{
			Command: p.Get("command").String(),
			Cwd:     p.Get("cwd").String(),
			Args:    stringsArray(p.Get("args")),
			Env:     stringMap(p.Get("env")),
		}
	case "remote":
		desc.Kind = registry.Remote
		desc.Remote = &registry.RemoteSpec{
			Endpoint:       p.Get("endpoint").String(),
			ConnectionType: registry.ConnectionType(p.Get("connectionType").String()),
			BearerToken:    p.Get("bearerToken").String(),
			Headers:        stringMap(p.Get("headers")),
		}
	default:
		return badParams(id, fmt.Sprintf("unknown or missing type %q", p.Get("type").String()))
	}

	if !d.reg.Register(name, desc) {
		return badParams(id, "invalid registration parameters")
	}
	return router.Reply{ID: id, Success: true, Result: map[string]any{"status": "registered", "name": name}}
}

func (d *Dispatcher) handleUnregister(id any, params json.RawMessage) router.Reply {
	name := gjson.GetBytes(params, "name").String()
	if name == "" {
		return badParams(id, "unregister requires name")
	}
	d.sup.Kill(name)
	if !d.reg.Unregister(name) {
		return router.Reply{ID: id, Success: false, Error: &router.ReplyError{Code: ErrNotFound, Message: fmt.Sprintf("service %q not found", name)}}
	}
	return router.Reply{ID: id, Success: true, Result: map[string]any{"status": "unregistered", "name": name}}
}

func (d *Dispatcher) handleSpawn(sock router.Socket, idStr string, id any, params json.RawMessage) (router.Reply, bool) {
	p := gjson.ParseBytes(params)
	name := p.Get("name").String()
	if name == "" {
		return badParams(id, "spawn requires name"), false
	}

	if _, ok := d.reg.Get(name); !ok {
		command := p.Get("command").String()
		if command == "" {
			return router.Reply{ID: id, Success: false, Error: &router.ReplyError{Code: ErrNotFound, Message: fmt.Sprintf("service %q not registered and no command given", name)}}, false
		}
		desc := registry.ServiceDescriptor{
			Kind: registry.Local,
			Local: &registry.LocalSpec{
				Command: command,
				Args:    stringsArray(p.Get("args")),
				Cwd:     p.Get("cwd").String(),
				Env:     stringMap(p.Get("env")),
			},
		}
		if !d.reg.Register(name, desc) {
			return badParams(id, "invalid auto-register parameters"), false
		}
	}

	desc, _ := d.reg.Get(name)
	if !d.rtr.BindSpawn(idStr, id, sock, name) {
		return router.Reply{ID: id, Success: false, Error: &router.ReplyError{Code: ErrInternal, Message: "duplicate request id"}}, false
	}

	var err error
	if desc.Kind == registry.Remote {
		err = d.sup.CircuitBreakerFor(name).Execute(func() error {
			return d.sup.ConnectRemote(context.Background(), name)
		})
	} else {
		err = d.sup.StartLocal(context.Background(), name)
	}
	if err != nil {
		d.rtr.ResolveSpawn(idStr, router.Reply{ID: id, Success: false, Error: &router.ReplyError{Code: ErrInternal, Message: err.Error()}})
		return router.Reply{}, true
	}

	return router.Reply{}, true
}

func (d *Dispatcher) handleUnspawn(id any, params json.RawMessage) router.Reply {
	name := gjson.GetBytes(params, "name").String()
	if name == "" {
		return badParams(id, "unspawn requires name")
	}

	desc, existed := d.reg.Get(name)
	if !d.sup.Active(name) {
		return router.Reply{ID: id, Success: true, Result: map[string]any{"status": "already_unspawned", "name": name}}
	}

	d.sup.Kill(name)
	if existed {
		d.reg.Unregister(name)
		time.AfterFunc(100*time.Millisecond, func() {
			// Per spec.md §9, a register arriving during this 100ms window
			// for the same name legitimately races with this re-insert; the
			// later write wins, matching the documented source behavior.
			d.reg.Register(name, desc)
		})
	}
	return router.Reply{ID: id, Success: true, Result: map[string]any{"status": "unspawned", "name": name}}
}

func (d *Dispatcher) handleShutdown(id any, params json.RawMessage) router.Reply {
	name := gjson.GetBytes(params, "name").String()
	if name == "" {
		return badParams(id, "shutdown requires name")
	}
	// Unregister before kill, to inhibit auto-restart (spec.md §4.1).
	d.reg.Unregister(name)
	d.sup.Kill(name)
	return router.Reply{ID: id, Success: true, Result: map[string]any{"status": "shutdown", "name": name}}
}

func (d *Dispatcher) handleList(id any, params json.RawMessage) router.Reply {
	name := gjson.GetBytes(params, "name").String()

	if name != "" {
		desc, ok := d.reg.Get(name)
		if !ok {
			return router.Reply{ID: id, Success: false, Error: &router.ReplyError{Code: ErrNotFound, Message: fmt.Sprintf("service %q not found", name)}}
		}
		d.reg.TouchLastUsed(name)
		return router.Reply{ID: id, Success: true, Result: d.describe(desc)}
	}

	list := d.reg.List()
	out := make([]json.RawMessage, 0, len(list))
	for _, desc := range list {
		out = append(out, d.describe(desc))
	}
	return router.Reply{ID: id, Success: true, Result: out}
}

// describe assembles a service's status payload as raw JSON via sjson,
// one field set at a time, rather than round-tripping through a
// map[string]any — the same passthrough-heavy JSON-assembly style used
// elsewhere in this corpus for dynamic, heterogeneous result shapes.
func (d *Dispatcher) describe(desc registry.ServiceDescriptor) json.RawMessage {
	tools, _ := d.sup.CachedTools(desc.Name)

	out := []byte("{}")
	out, _ = sjson.SetBytes(out, "name", desc.Name)
	out, _ = sjson.SetBytes(out, "kind", desc.Kind)
	out, _ = sjson.SetBytes(out, "active", d.sup.Active(desc.Name))
	out, _ = sjson.SetBytes(out, "ready", d.sup.Ready(desc.Name))
	out, _ = sjson.SetBytes(out, "toolCount", len(tools))
	out, _ = sjson.SetBytes(out, "tools", tools)
	out, _ = sjson.SetBytes(out, "lastUsed", desc.LastUsed)
	return json.RawMessage(out)
}

func (d *Dispatcher) handleListTools(id any, params json.RawMessage) router.Reply {
	name := gjson.GetBytes(params, "name").String()

	if name != "" {
		tools, ok := d.sup.CachedTools(name)
		if !ok {
			return router.Reply{ID: id, Success: false, Error: &router.ReplyError{Code: ErrInternal, Message: fmt.Sprintf("service %q has not been activated", name)}}
		}
		return router.Reply{ID: id, Success: true, Result: tools}
	}

	all := d.sup.AllCachedTools()
	serviceTools := make(map[string]any, len(all))
	for svcName, tools := range all {
		serviceTools[svcName] = map[string]any{"active": d.sup.Active(svcName), "tools": tools}
	}
	return router.Reply{ID: id, Success: true, Result: map[string]any{"serviceTools": serviceTools}}
}

func (d *Dispatcher) handleToolCall(sock router.Socket, idStr string, id any, params json.RawMessage) (router.Reply, bool) {
	p := gjson.ParseBytes(params)
	method := p.Get("method").String()
	if method == "" {
		return badParams(id, "toolcall requires method"), false
	}

	name := p.Get("name").String()
	if name == "" {
		active := d.sup.ActiveNames()
		if len(active) == 0 {
			return router.Reply{ID: id, Success: false, Error: &router.ReplyError{Code: ErrInternal, Message: "no active service"}}, false
		}
		name = active[0]
	}
	if !d.sup.Ready(name) {
		return router.Reply{ID: id, Success: false, Error: &router.ReplyError{Code: ErrInternal, Message: fmt.Sprintf("service %q not active", name)}}, false
	}

	d.reg.TouchLastUsed(name)

	if !d.rtr.BindCall(idStr, id, sock, name) {
		return router.Reply{ID: id, Success: false, Error: &router.ReplyError{Code: ErrInternal, Message: "duplicate request id"}}, false
	}

	args := json.RawMessage(p.Get("params").Raw)
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	if err := d.sup.ToolCall(name, idStr, method, args); err != nil {
		d.rtr.ResolveCall(idStr, router.Reply{ID: id, Success: false, Error: &router.ReplyError{Code: ErrInternal, Message: err.Error()}})
		return router.Reply{}, true
	}
	return router.Reply{}, true
}

func (d *Dispatcher) handleCacheTools(id any, params json.RawMessage) router.Reply {
	p := gjson.ParseBytes(params)
	name := p.Get("name").String()
	if name == "" {
		return badParams(id, "cachetools requires name")
	}
	if _, ok := d.reg.Get(name); !ok {
		return router.Reply{ID: id, Success: false, Error: &router.ReplyError{Code: ErrNotFound, Message: fmt.Sprintf("service %q not registered", name)}}
	}

	var tools []ipc.Tool
	for _, t := range p.Get("tools").Array() {
		tools = append(tools, ipc.Tool{
			Name:        t.Get("name").String(),
			Description: t.Get("description").String(),
			InputSchema: json.RawMessage(t.Get("inputSchema").Raw),
		})
	}
	d.sup.CacheTools(name, tools)
	return router.Reply{ID: id, Success: true, Result: map[string]any{"status": "cached", "name": name, "toolCount": len(tools)}}
}

func (d *Dispatcher) handleReset(id any) router.Reply {
	ctx := context.Background()
	d.sup.Reset(ctx)
	d.reg.Reset()
	d.rtr.Reset()
	return router.Reply{ID: id, Success: true, Result: map[string]any{"status": "reset", "message": "all services and pending requests cleared"}}
}

func badParams(id any, msg string) router.Reply {
	return router.Reply{ID: id, Success: false, Error: &router.ReplyError{Code: ErrBadParams, Message: msg}}
}

func stringsArray(v gjson.Result) []string {
	if !v.IsArray() {
		return nil
	}
	arr := v.Array()
	out := make([]string, 0, len(arr))
	for _, e := range arr {
		out = append(out, e.String())
	}
	return out
}

func stringMap(v gjson.Result) map[string]string {
	if !v.IsObject() {
		return nil
	}
	out := make(map[string]string)
	v.ForEach(func(k, val gjson.Result) bool {
		out[k.String()] = val.String()
		return true
	})
	return out
}
