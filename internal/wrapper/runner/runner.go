// Package runner maps agent families to the command lines that run them.
// New families register themselves; no family-specific logic leaks into the
// wrapper's consume loop.
package runner

import (
	"fmt"
	"sort"
	"sync"
)

// Runner adapts one CLI-agent family: building the argv for a prompt and
// recovering the session id the agent reports.
type Runner interface {
	// Name is the agent family identifier (e.g. "claude").
	Name() string

	// BuildArgv produces the command line for a prompt. sessionID may be
	// empty; families that support resumption append their resume flag when
	// it is not.
	BuildArgv(prompt, sessionID string) []string

	// ExtractSessionID recovers the session id from agent stdout, or ""
	// when none is present.
	ExtractSessionID(stdout string) string

	// ManagesOwnSession reports whether the family mints its own session
	// ids. For those families the wrapper must never pre-generate one: the
	// id is extracted from the first turn's output instead.
	ManagesOwnSession() bool
}

var (
	mu       sync.RWMutex
	registry = make(map[string]Runner)
)

// Register adds a runner for its family. Last registration wins.
func Register(r Runner) {
	mu.Lock()
	defer mu.Unlock()
	registry[r.Name()] = r
}

// Lookup resolves a runner by agent family.
func Lookup(name string) (Runner, error) {
	mu.RLock()
	defer mu.RUnlock()
	r, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("unknown agent type %q (registered: %v)", name, names())
	}
	return r, nil
}

func names() []string {
	out := make([]string, 0, len(registry))
	for name := range registry {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
