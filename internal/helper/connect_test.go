package helper

import (
	"os"
	"testing"
)

func TestRewriteNpx(t *testing.T) {
	cases := []struct {
		command  string
		args     []string
		wantCmd  string
		wantArgs []string
	}{
		{"npx", []string{"-y", "mcp-server-files"}, "pnpm", []string{"dlx", "mcp-server-files"}},
		{"npx", []string{"--yes", "mcp-server-files", "--verbose"}, "pnpm", []string{"dlx", "mcp-server-files", "--verbose"}},
		{"node", []string{"server.js"}, "node", []string{"server.js"}},
	}

	for _, tc := range cases {
		gotCmd, gotArgs := rewriteNpx(tc.command, tc.args)
		if gotCmd != tc.wantCmd {
			t.Errorf("rewriteNpx(%q, %v) command = %q, want %q", tc.command, tc.args, gotCmd, tc.wantCmd)
		}
		if len(gotArgs) != len(tc.wantArgs) {
			t.Fatalf("rewriteNpx(%q, %v) args = %v, want %v", tc.command, tc.args, gotArgs, tc.wantArgs)
		}
		for i := range gotArgs {
			if gotArgs[i] != tc.wantArgs[i] {
				t.Errorf("rewriteNpx(%q, %v) args = %v, want %v", tc.command, tc.args, gotArgs, tc.wantArgs)
			}
		}
	}
}

func TestExpandHome(t *testing.T) {
	old := os.Getenv("HOME")
	defer os.Setenv("HOME", old)
	os.Setenv("HOME", "/home/bridge")

	cases := map[string]string{
		"~":             "/home/bridge",
		"~/mcp_plugins": "/home/bridge/mcp_plugins",
		"/abs/path":     "/abs/path",
		"":              "",
	}
	for in, want := range cases {
		if got := expandHome(in); got != want {
			t.Errorf("expandHome(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestMergeEnv_IncludesDefaultsAndOverrides(t *testing.T) {
	env := mergeEnv("/cwd", map[string]string{"FOO": "bar", "npm_config_prefer_offline": "false"})

	asMap := make(map[string]string, len(env))
	for _, kv := range env {
		for i := 0; i < len(kv); i++ {
			if kv[i] == '=' {
				asMap[kv[:i]] = kv[i+1:]
				break
			}
		}
	}

	if asMap["FOO"] != "bar" {
		t.Errorf("expected descriptor env FOO=bar to be present, got %q", asMap["FOO"])
	}
	if asMap["npm_config_prefer_offline"] != "false" {
		t.Errorf("expected descriptor env to override default, got %q", asMap["npm_config_prefer_offline"])
	}
	if asMap["npm_config_cache"] != "/cwd/.npm-cache" {
		t.Errorf("expected npm_config_cache default, got %q", asMap["npm_config_cache"])
	}
	if asMap["UV_LINK_MODE"] != "copy" {
		t.Errorf("expected UV_LINK_MODE default, got %q", asMap["UV_LINK_MODE"])
	}
}
