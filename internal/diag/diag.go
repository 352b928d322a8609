// Package diag wires the process into github.com/google/gops/agent, giving
// an operator `gops` CLI visibility (stack dumps, goroutine counts, GC
// stats, live profiling) into a running bridge without attaching a debugger.
package diag

import (
	"fmt"

	"github.com/google/gops/agent"
)

// Start begins listening for gops diagnostic connections on addr. An empty
// addr lets gops pick its default (127.0.0.1:0, discovered via its own
// pidfile under the user's config directory). Returns a stop function to
// call during shutdown; safe to call even if Start failed partway.
func Start(addr string) (stop func(), err error) {
	opts := agent.Options{ShutdownCleanup: true}
	if addr != "" {
		opts.Addr = addr
	}
	if err := agent.Listen(opts); err != nil {
		return func() {}, fmt.Errorf("diag: gops agent listen: %w", err)
	}
	return agent.Close, nil
}
