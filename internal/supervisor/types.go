package supervisor

import (
	"os/exec"
	"time"

	"github.com/arboras/mcpbridge/internal/ipc"
)

// RestartConfig tunes the restart-backoff algorithm from spec.md §4.2,
// sourced from config.RestartConfig so an operator can override it without a
// rebuild.
type RestartConfig struct {
	// MaxAttempts bounds consecutive restart attempts before a service's
	// PendingSpawn is failed and the service falls back to Registered-Idle.
	MaxAttempts int

	// BaseDelay is the first backoff step; each subsequent attempt doubles
	// it, per restartDelay.
	BaseDelay time.Duration
}

// DefaultRestartConfig matches spec.md §4.2's constants: 5 attempts, 5s base
// delay (5s, 10s, 20s, 40s, 80s).
func DefaultRestartConfig() RestartConfig {
	return RestartConfig{MaxAttempts: 5, BaseDelay: 5 * time.Second}
}

// state is the per-service state machine defined in spec.md §4.2.
type state int

const (
	stateAbsent state = iota
	stateRegisteredIdle
	stateStarting
	stateReady
	stateBackoff
)

func (s state) String() string {
	switch s {
	case stateAbsent:
		return "absent"
	case stateRegisteredIdle:
		return "registered-idle"
	case stateStarting:
		return "starting"
	case stateReady:
		return "ready"
	case stateBackoff:
		return "backoff"
	default:
		return "unknown"
	}
}

// HelperHandle tracks a single live helper subprocess and its IPC channel.
// At most one HelperHandle exists per service name at any time.
type HelperHandle struct {
	ServiceName string
	Cmd         *exec.Cmd
	Conn        *ipc.Conn
	Ready       bool
	Tools       []ipc.Tool
	LastError   string

	lastSignal string
}

// RestartBookkeeping tracks the restart-backoff state for one service.
type RestartBookkeeping struct {
	Attempts    int
	LastSignal  string
	LastErrTime time.Time
}

// isAbortLike reports whether a termination signal (real OS signal name or a
// synthetic one inferred from stderr / a closed event) indicates SIGABRT.
// Per spec.md §9 this is advisory: both sources are hints, not ground truth.
func isAbortLike(signal string) bool {
	return signal == "SIGABRT" || signal == "ABRT"
}

// restartDelay implements spec.md §4.2's restart-delay algorithm: immediate
// restart on an abort-like exit, otherwise baseDelay × 2^(attempts-1), i.e.
// baseDelay, 2×baseDelay, 4×baseDelay, ... for a 5s baseDelay that's
// 5s, 10s, 20s, 40s, 80s.
func restartDelay(attempts int, abortLike bool, baseDelay time.Duration) time.Duration {
	if abortLike {
		return 0
	}
	if attempts < 1 {
		attempts = 1
	}
	return baseDelay * time.Duration(uint(1)<<uint(attempts-1))
}
