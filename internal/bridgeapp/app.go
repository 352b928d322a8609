// Package bridgeapp wires the registry, supervisor, router, dispatcher, TCP
// front end, and diagnostics endpoints into a single running application.
//
// App owns the full lifecycle: New creates and connects all subsystems, Run
// drains the supervisor's event channel and periodically sweeps the router
// for expired requests, and Shutdown tears everything down in order — the
// same New/Run/Shutdown shape the teacher repo's own app package uses.
package bridgeapp

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/arboras/mcpbridge/internal/config"
	"github.com/arboras/mcpbridge/internal/diag"
	"github.com/arboras/mcpbridge/internal/dispatcher"
	"github.com/arboras/mcpbridge/internal/frontend"
	"github.com/arboras/mcpbridge/internal/health"
	"github.com/arboras/mcpbridge/internal/observe"
	"github.com/arboras/mcpbridge/internal/registry"
	"github.com/arboras/mcpbridge/internal/router"
	"github.com/arboras/mcpbridge/internal/supervisor"
)

var diagStart = diag.Start

// IdleEvictionInterval is how often Run checks for services whose LastUsed
// timestamp is older than IdleEvictionAge, per spec.md §8 scenario 5's
// "idle sweep" note.
const IdleEvictionInterval = 60 * time.Second

// IdleEvictionAge is how long a registered-but-unused service may sit before
// its helper is killed to free resources. The service stays registered —
// only the running helper is reclaimed, the same distinction unspawn draws
// between registry membership and an active subprocess.
const IdleEvictionAge = 300 * time.Second

// App owns every subsystem's lifetime.
type App struct {
	cfg *config.Config
	log *slog.Logger

	newCmd supervisor.ProcessFactory

	reg *registry.Registry
	sup *supervisor.Supervisor
	rtr *router.Router
	dsp *dispatcher.Dispatcher
	fe  *frontend.Server

	diagStop   func()
	metricsSrv *http.Server

	metrics *observe.Metrics

	stopOnce sync.Once
}

// New wires every subsystem together from cfg. newCmd constructs the helper
// subprocess command (normally the self-reexec __helper invocation built by
// cmd/mcpbridge; tests substitute a fake binary).
func New(cfg *config.Config, newCmd supervisor.ProcessFactory, log *slog.Logger) *App {
	a := &App{cfg: cfg, log: log, newCmd: newCmd}

	a.reg = registry.New()
	a.sup = supervisor.NewWithRestart(a.reg, a.newCmd, log, supervisor.RestartConfig{
		MaxAttempts: cfg.Restart.MaxAttempts,
		BaseDelay:   cfg.Restart.BaseDelay,
	})
	a.rtr = router.NewWithTimeout(cfg.Restart.RequestTimeout)
	a.dsp = dispatcher.New(a.reg, a.sup, a.rtr, log, cfg.Server.DefaultCommand, cfg.Server.DefaultArgs)
	a.fe = frontend.New(cfg.Server.ListenAddr, a.dsp, a.rtr, log)
	a.metrics = observe.DefaultMetrics()

	return a
}

// Registry, Supervisor, Router, and Dispatcher expose the wired subsystems,
// primarily for tests that want to drive them directly.
func (a *App) Registry() *registry.Registry       { return a.reg }
func (a *App) Supervisor() *supervisor.Supervisor { return a.sup }
func (a *App) Router() *router.Router             { return a.rtr }
func (a *App) Dispatcher() *dispatcher.Dispatcher { return a.dsp }

// Addr returns the TCP front end's bound address, or nil before Run has
// started listening.
func (a *App) Addr() net.Addr { return a.fe.Addr() }

// Run starts the TCP front end, the diagnostics/metrics HTTP server (if
// configured), the gops diagnostics agent (if configured), and blocks
// draining the supervisor's event channel and sweeping the router until ctx
// is cancelled.
func (a *App) Run(ctx context.Context) error {
	if err := a.startDiagnostics(); err != nil {
		return fmt.Errorf("bridgeapp: start diagnostics: %w", err)
	}

	feErrCh := make(chan error, 1)
	go func() { feErrCh <- a.fe.Serve(ctx) }()

	timeoutTicker := time.NewTicker(router.SweepInterval)
	defer timeoutTicker.Stop()
	idleTicker := time.NewTicker(IdleEvictionInterval)
	defer idleTicker.Stop()

	a.log.Info("bridge running", "listen_addr", a.cfg.Server.ListenAddr)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-feErrCh:
			return err
		case ev := <-a.sup.Events():
			a.handleEvent(ev)
		case <-timeoutTicker.C:
			a.rtr.TimeoutSweep()
			a.rtr.SpawnSweep()
		case <-idleTicker.C:
			a.evictIdle()
		}
	}
}

// handleEvent translates one supervisor event into the matching dispatcher
// resolution, the single-consumer bridge between the two packages.
func (a *App) handleEvent(ev supervisor.Event) {
	switch ev.Kind {
	case supervisor.EventReady:
		a.metrics.RecordSpawnAttempt(context.Background(), ev.ServiceName, "ok")
		a.dsp.ReadyEvent(ev.ServiceName, len(ev.Tools))
	case supervisor.EventToolResult:
		status := "ok"
		if !ev.ToolResult.Success {
			status = "error"
		}
		a.metrics.RecordToolCall(context.Background(), ev.ServiceName, status)
		a.dsp.ToolResultEvent(ev.RequestID, ev.ToolResult)
	case supervisor.EventClosed:
		a.metrics.RecordSpawnAttempt(context.Background(), ev.ServiceName, "error")
		a.dsp.ClosedEvent(ev.ServiceName, ev.Err)
	}
}

// evictIdle kills the helper for any registered service whose LastUsed
// timestamp is older than IdleEvictionAge, freeing the subprocess while
// leaving the registration itself intact.
func (a *App) evictIdle() {
	cutoff := time.Now().Add(-IdleEvictionAge)
	for _, desc := range a.reg.List() {
		if !a.sup.Active(desc.Name) {
			continue
		}
		if desc.LastUsed.IsZero() || desc.LastUsed.After(cutoff) {
			continue
		}
		a.log.Info("evicting idle helper", "service", desc.Name, "lastUsed", desc.LastUsed)
		a.sup.Kill(desc.Name)
	}
}

// startDiagnostics brings up the optional gops agent and the optional
// metrics/health HTTP server, keeping their handles in a.diagStop and
// a.metricsSrv for teardown.
func (a *App) startDiagnostics() error {
	if a.cfg.Diagnostics.Addr != "" {
		stop, err := diagStart(a.cfg.Diagnostics.Addr)
		if err != nil {
			return err
		}
		a.diagStop = stop
	}

	if a.cfg.Diagnostics.MetricsAddr != "" {
		mux := http.NewServeMux()
		health.New(health.Checker{
			Name: "frontend",
			Check: func(context.Context) error {
				if a.fe.Addr() == nil {
					return fmt.Errorf("frontend not listening")
				}
				return nil
			},
		}).Register(mux)
		mux.Handle("GET /metrics", a.metricsHandler())

		srv := &http.Server{Addr: a.cfg.Diagnostics.MetricsAddr, Handler: mux}
		a.metricsSrv = srv
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				a.log.Warn("metrics server error", "error", err)
			}
		}()
	}

	return nil
}

// Shutdown tears down every subsystem: stops accepting new connections,
// kills all active helpers, and closes the diagnostics servers.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.log.Info("shutting down")

		if err := a.fe.Close(); err != nil {
			a.log.Warn("frontend close error", "error", err)
		}

		a.sup.KillAll(ctx)

		if a.metricsSrv != nil {
			shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			if err := a.metricsSrv.Shutdown(shutdownCtx); err != nil {
				a.log.Warn("metrics server shutdown error", "error", err)
			}
		}

		if a.diagStop != nil {
			a.diagStop()
		}

		a.log.Info("shutdown complete")
	})
	return shutdownErr
}

// Metrics exposes the wired Metrics instance for cmd/mcpbridge or tests.
func (a *App) Metrics() *observe.Metrics { return a.metrics }

// metricsHandler serves Prometheus-formatted metrics scraped from the
// default registry the otel Prometheus exporter bridge publishes to.
func (a *App) metricsHandler() http.Handler {
	return promhttp.Handler()
}
