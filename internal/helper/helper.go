// Package helper implements the child-process side of the supervisor/helper
// IPC contract: it holds the single MCP session for one service and responds
// to init/toolcall/shutdown commands sent over its stdin, emitting
// ready/tool_result/closed/error events on its stdout.
package helper

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/arboras/mcpbridge/internal/ipc"
	"github.com/arboras/mcpbridge/internal/registry"
)

// Run drives the helper's command loop until the connection closes or a
// shutdown command is received. It never returns an error for a clean
// shutdown; any other return indicates the process should exit nonzero.
func Run(ctx context.Context, conn *ipc.Conn, log *slog.Logger) error {
	h := &instance{conn: conn, log: log}
	defer h.closeSession()

	for {
		cmd, err := conn.ReadCommand()
		if err != nil {
			// Parent disconnected: exit quietly, matching "the helper exits
			// automatically when its IPC parent disconnects" in spec.md §4.3.
			return nil
		}

		if done, err := h.dispatch(ctx, cmd); done || (err != nil && cmd.Command == "init") {
			return err
		}
	}
}

type instance struct {
	conn *ipc.Conn
	log  *slog.Logger
	sess *session
}

// dispatch handles one command, recovering from panics in the handler so a
// single bad command cannot take down the helper's event loop silently —
// the Go analogue of "catch uncaught exceptions" from spec.md §4.3. It
// returns done=true when the loop should stop (shutdown or a recovered
// panic); a failed init returns done=false with its error, and Run ends the
// loop on that error.
func (h *instance) dispatch(ctx context.Context, cmd ipc.Command) (done bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			h.emitClosed(fmt.Sprintf("panic: %v", r))
			done, err = true, fmt.Errorf("helper: panic handling %q: %v", cmd.Command, r)
		}
	}()

	switch cmd.Command {
	case "init":
		return false, h.handleInit(ctx, cmd)
	case "toolcall":
		return false, h.handleToolCall(ctx, cmd)
	case "shutdown":
		h.closeSession()
		return true, nil
	default:
		h.log.Warn("helper received unknown command", "command", cmd.Command)
		return false, nil
	}
}

func (h *instance) handleInit(ctx context.Context, cmd ipc.Command) error {
	var params ipc.InitParams
	if err := json.Unmarshal(cmd.Params, &params); err != nil {
		h.emitClosed(fmt.Sprintf("invalid init params: %v", err))
		return fmt.Errorf("helper: invalid init params: %w", err)
	}

	var descriptor registry.ServiceDescriptor
	if err := json.Unmarshal(params.ServiceInfo, &descriptor); err != nil {
		h.emitClosed(fmt.Sprintf("invalid service info: %v", err))
		return fmt.Errorf("helper: invalid service info: %w", err)
	}
	descriptor.Name = params.ServiceName

	sess, tools, err := connect(ctx, descriptor)
	if err != nil {
		h.emitClosed(err.Error())
		return err
	}
	h.sess = sess

	ipcTools := make([]ipc.Tool, 0, len(tools))
	for _, t := range tools {
		schema, _ := json.Marshal(t.InputSchema)
		ipcTools = append(ipcTools, ipc.Tool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: schema,
		})
	}

	readyParams, err := json.Marshal(ipc.ReadyParams{ServiceName: params.ServiceName, Tools: ipcTools})
	if err != nil {
		return fmt.Errorf("helper: encode ready params: %w", err)
	}
	return h.conn.WriteEvent(ipc.Event{Event: "ready", Params: readyParams})
}

func (h *instance) handleToolCall(ctx context.Context, cmd ipc.Command) error {
	var params ipc.ToolCallParams
	result := ipc.ToolResultParams{}

	if err := json.Unmarshal(cmd.Params, &params); err != nil {
		result.Error = &ipc.ToolError{Code: -32602, Message: fmt.Sprintf("invalid toolcall params: %v", err)}
		return h.emitToolResult(cmd.ID, result)
	}

	if h.sess == nil {
		result.Error = &ipc.ToolError{Code: -32603, Message: "service not connected"}
		return h.emitToolResult(cmd.ID, result)
	}

	var args map[string]any
	if len(params.Args) > 0 {
		if err := json.Unmarshal(params.Args, &args); err != nil {
			result.Error = &ipc.ToolError{Code: -32602, Message: fmt.Sprintf("invalid tool args: %v", err)}
			return h.emitToolResult(cmd.ID, result)
		}
	}

	callResult, err := h.sess.conn.CallTool(ctx, &mcpsdk.CallToolParams{Name: params.Name, Arguments: args})
	if err != nil {
		result.Error = &ipc.ToolError{Code: -32000, Message: err.Error()}
		return h.emitToolResult(cmd.ID, result)
	}

	return h.emitToolResult(cmd.ID, toolResultFromCallResult(callResult))
}

// toolResultFromCallResult translates a completed MCP tool call into the
// bridge's IPC result shape. A tool-level error (callResult.IsError) is
// passed through as a failed result with the first text content as the
// message, per spec.md §4.3/§7, threading IsError through the way the
// teacher's mcphost.executeMCPTool did for its own ToolResult.
func toolResultFromCallResult(callResult *mcpsdk.CallToolResult) ipc.ToolResultParams {
	if callResult.IsError {
		msg := ""
		for _, c := range callResult.Content {
			if tc, ok := c.(*mcpsdk.TextContent); ok {
				msg = tc.Text
				break
			}
		}
		return ipc.ToolResultParams{Error: &ipc.ToolError{Code: -32000, Message: msg}}
	}

	payload, err := json.Marshal(callResult)
	if err != nil {
		return ipc.ToolResultParams{Error: &ipc.ToolError{Code: -32603, Message: fmt.Sprintf("encode tool result: %v", err)}}
	}
	return ipc.ToolResultParams{Success: true, Result: payload}
}

func (h *instance) emitToolResult(id string, result ipc.ToolResultParams) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("helper: encode tool_result params: %w", err)
	}
	return h.conn.WriteEvent(ipc.Event{Event: "tool_result", ID: id, Params: payload})
}

func (h *instance) emitClosed(errMsg string) {
	payload, err := json.Marshal(ipc.ClosedParams{Error: errMsg})
	if err != nil {
		return
	}
	_ = h.conn.WriteEvent(ipc.Event{Event: "closed", Params: payload})
}

func (h *instance) closeSession() {
	if h.sess != nil {
		_ = h.sess.Close()
		h.sess = nil
	}
}
