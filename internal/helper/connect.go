package helper

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/arboras/mcpbridge/internal/registry"
)

// bearerTransport injects an Authorization header and any additional static
// headers into every outbound request, the same shape as mcphost.RegisterServer's
// env injection for stdio servers but applied to an HTTP round tripper instead.
type bearerTransport struct {
	token   string
	headers map[string]string
	base    http.RoundTripper
}

func (t *bearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	if t.token != "" {
		req.Header.Set("Authorization", "Bearer "+t.token)
	}
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}
	base := t.base
	if base == nil {
		base = http.DefaultTransport
	}
	return base.RoundTrip(req)
}

// session wraps a live MCP client session opened by connectLocal or
// connectRemote.
type session struct {
	client *mcpsdk.Client
	conn   *mcpsdk.ClientSession
}

func (s *session) Close() error {
	if s.conn == nil {
		return nil
	}
	return s.conn.Close()
}

// connect opens the MCP session described by d and returns it along with the
// discovered tool list. It is the sole place that distinguishes local from
// remote; once connected the helper treats both uniformly.
func connect(ctx context.Context, d registry.ServiceDescriptor) (*session, []mcpsdk.Tool, error) {
	client := mcpsdk.NewClient(&mcpsdk.Implementation{Name: "mcpbridge-helper", Version: "1.0.0"}, nil)

	var transport mcpsdk.Transport
	switch d.Kind {
	case registry.Local:
		t, err := localTransport(ctx, d.Local)
		if err != nil {
			return nil, nil, err
		}
		transport = t
	case registry.Remote:
		t, err := remoteTransport(d.Remote)
		if err != nil {
			return nil, nil, err
		}
		transport = t
	default:
		return nil, nil, fmt.Errorf("helper: unknown service kind %q", d.Kind)
	}

	conn, err := client.Connect(ctx, transport, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("helper: connect: %w", err)
	}

	var tools []mcpsdk.Tool
	for tool, err := range conn.Tools(ctx, nil) {
		if err != nil {
			_ = conn.Close()
			return nil, nil, fmt.Errorf("helper: list tools: %w", err)
		}
		tools = append(tools, *tool)
	}

	return &session{client: client, conn: conn}, tools, nil
}

// localTransport resolves the command, rewrites npx to pnpm dlx, expands ~,
// and merges the environment exactly per spec.md §4.3.
func localTransport(ctx context.Context, spec *registry.LocalSpec) (mcpsdk.Transport, error) {
	if spec == nil {
		return nil, fmt.Errorf("helper: local service missing command spec")
	}

	command, args := rewriteNpx(spec.Command, spec.Args)
	command = expandHome(command)
	cwd := expandHome(spec.Cwd)

	cmd := exec.CommandContext(ctx, command, args...)
	if cwd != "" {
		cmd.Dir = cwd
	}
	cmd.Env = mergeEnv(cwd, spec.Env)

	return &mcpsdk.CommandTransport{Command: cmd}, nil
}

// remoteTransport opens an HTTP-stream transport with bearer/header injection.
func remoteTransport(spec *registry.RemoteSpec) (mcpsdk.Transport, error) {
	if spec == nil {
		return nil, fmt.Errorf("helper: remote service missing endpoint spec")
	}

	httpClient := &http.Client{
		Transport: &bearerTransport{token: spec.BearerToken, headers: spec.Headers},
	}

	switch spec.ConnectionType {
	case registry.SSE:
		return &mcpsdk.SSEClientTransport{Endpoint: spec.Endpoint, HTTPClient: httpClient}, nil
	default:
		return &mcpsdk.StreamableClientTransport{Endpoint: spec.Endpoint, HTTPClient: httpClient}, nil
	}
}

// rewriteNpx rewrites a command literally equal to "npx" into "pnpm dlx",
// stripping any -y/--yes flag from the args, per spec.md §4.3.
func rewriteNpx(command string, args []string) (string, []string) {
	if command != "npx" {
		return command, args
	}
	filtered := make([]string, 0, len(args)+1)
	filtered = append(filtered, "dlx")
	for _, a := range args {
		if a == "-y" || a == "--yes" {
			continue
		}
		filtered = append(filtered, a)
	}
	return "pnpm", filtered
}

// expandHome expands a leading ~ to the user's HOME directory.
func expandHome(path string) string {
	if path == "" || path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home := os.Getenv("HOME")
	if home == "" {
		return path
	}
	if path == "~" {
		return home
	}
	return filepath.Join(home, path[2:])
}

// mergeEnv merges the process environment, the bridge defaults, and the
// descriptor env, in that precedence order (later entries win, so the
// descriptor env overrides the defaults), and on Linux additionally injects
// NODE_OPTIONS, per spec.md §4.3.
func mergeEnv(cwd string, descriptorEnv map[string]string) []string {
	cacheDir := filepath.Join(cwd, ".npm-cache")

	merged := make(map[string]string)
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			merged[k] = v
		}
	}
	merged["npm_config_cache"] = cacheDir
	merged["npm_config_prefer_offline"] = "true"
	merged["UV_LINK_MODE"] = "copy"
	for k, v := range descriptorEnv {
		merged[k] = v
	}
	if runtime.GOOS == "linux" {
		merged["NODE_OPTIONS"] = "--openssl-legacy-provider"
	}

	env := make([]string, 0, len(merged))
	for k, v := range merged {
		env = append(env, k+"="+v)
	}
	return env
}
