// Command mcpbridge is the main entry point for the MCP bridge server: a
// TCP-fronted multiplexer that spawns and supervises MCP server helper
// subprocesses on behalf of any number of client connections.
//
// Re-exec: when invoked as `mcpbridge __helper`, the process instead runs
// the helper side of the supervisor/helper IPC protocol over its own
// stdin/stdout and exits — this is how the supervisor spawns one subprocess
// per active service without needing a second compiled binary.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/arboras/mcpbridge/internal/bridgeapp"
	"github.com/arboras/mcpbridge/internal/config"
	"github.com/arboras/mcpbridge/internal/helper"
	"github.com/arboras/mcpbridge/internal/ipc"
	"github.com/arboras/mcpbridge/internal/observe"
	"github.com/arboras/mcpbridge/internal/supervisor"
)

// helperArg is the hidden positional argument that switches this binary
// into helper mode, matching spec.md §4.3's self-reexec design note.
const helperArg = "__helper"

func main() {
	if len(os.Args) > 1 && os.Args[1] == helperArg {
		os.Exit(runHelper())
	}
	os.Exit(run())
}

// ── Bridge supervisor process ────────────────────────────────────────────────

func run() int {
	configPath := flag.String("config", "", "path to the YAML configuration file (optional; defaults are used when absent)")
	listenAddr := flag.String("listen", "", "override the TCP listen address, e.g. 127.0.0.1:8752")
	diagAddr := flag.String("diag-addr", "", "gops diagnostics agent listen address (empty disables it)")
	metricsAddr := flag.String("metrics-addr", "", "Prometheus /metrics and health endpoint listen address (empty disables it)")
	logLevel := flag.String("log-level", "", "override the configured log level: debug, info, warn, error")
	logFile := flag.String("log-file", "", "override the configured log file path (empty logs to stderr)")
	flag.Parse()

	// Positional arguments, all optional: the TCP port (replacing the port of
	// the listen address), then a default MCP command and its args, used when
	// a client spawns without naming one explicitly.
	args := flag.Args()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mcpbridge: %v\n", err)
		return 1
	}
	applyFlagOverrides(cfg, *listenAddr, *diagAddr, *metricsAddr, *logLevel, *logFile)
	if len(args) > 0 {
		host, _, err := net.SplitHostPort(cfg.Server.ListenAddr)
		if err != nil {
			host = "127.0.0.1"
		}
		cfg.Server.ListenAddr = net.JoinHostPort(host, args[0])
	}
	if len(args) > 1 {
		cfg.Server.DefaultCommand = args[1]
		cfg.Server.DefaultArgs = args[2:]
	}

	logger, logCleanup := newLogger(cfg.Server.LogLevel, cfg.Server.LogFile)
	defer logCleanup()
	slog.SetDefault(logger)

	if _, err := observe.InitProvider(context.Background(), observe.ProviderConfig{ServiceName: "mcpbridge"}); err != nil {
		slog.Error("failed to init observability provider", "err", err)
		return 1
	}

	slog.Info("mcpbridge starting",
		"listen_addr", cfg.Server.ListenAddr,
		"default_command", cfg.Server.DefaultCommand,
		"log_level", cfg.Server.LogLevel,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application := bridgeapp.New(cfg, reexecFactory(), logger)

	runErrCh := make(chan error, 1)
	go func() { runErrCh <- application.Run(ctx) }()

	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received, stopping…")
	case err := <-runErrCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("run error", "err", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}

	slog.Info("goodbye")
	return 0
}

// reexecFactory builds the ProcessFactory the supervisor uses to spawn one
// helper subprocess per active service: the running binary, re-invoked with
// the hidden __helper argument.
func reexecFactory() supervisor.ProcessFactory {
	self, err := os.Executable()
	if err != nil {
		self = os.Args[0]
	}
	return func(ctx context.Context) *exec.Cmd {
		return exec.CommandContext(ctx, self, helperArg)
	}
}

func applyFlagOverrides(cfg *config.Config, listenAddr, diagAddr, metricsAddr, logLevel, logFile string) {
	if listenAddr != "" {
		cfg.Server.ListenAddr = listenAddr
	}
	if diagAddr != "" {
		cfg.Diagnostics.Addr = diagAddr
	}
	if metricsAddr != "" {
		cfg.Diagnostics.MetricsAddr = metricsAddr
	}
	if logLevel != "" {
		cfg.Server.LogLevel = config.LogLevel(logLevel)
	}
	if logFile != "" {
		cfg.Server.LogFile = logFile
	}
}

// ── Logger ───────────────────────────────────────────────────────────────────

// newLogger builds the process-wide slog.Logger. When logFile is set, logs
// rotate through lumberjack instead of going to stderr.
func newLogger(level config.LogLevel, logFile string) (*slog.Logger, func()) {
	var lvl slog.Level
	switch level {
	case config.LogLevelDebug:
		lvl = slog.LevelDebug
	case config.LogLevelWarn:
		lvl = slog.LevelWarn
	case config.LogLevelError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	var w io.Writer = os.Stderr
	cleanup := func() {}
	if logFile != "" {
		l := &lumberjack.Logger{
			Filename:   logFile,
			MaxSize:    100, // megabytes
			MaxBackups: 5,
			MaxAge:     28, // days
			Compress:   true,
		}
		w = l
		cleanup = func() { _ = l.Close() }
	}

	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl})
	return slog.New(handler), cleanup
}

// ── Helper subprocess ─────────────────────────────────────────────────────────

// runHelper is invoked when this binary is re-exec'd with __helper. It
// drives the helper side of the IPC protocol over its own stdin/stdout until
// the connection closes.
func runHelper() int {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	conn := ipc.NewConn(os.Stdout, os.Stdin)

	if err := helper.Run(context.Background(), conn, logger); err != nil {
		logger.Error("helper exited with error", "err", err)
		return 1
	}
	return 0
}
