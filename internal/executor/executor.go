// Package executor implements the executor contract (§4.8) and its two
// built-ins: Delay and HttpGetJson. An Executor runs exactly one command at
// a time — callers never invoke Execute concurrently for the same agent.
package executor

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Will-Luck/command-orchestrator/internal/wire"
)

// Executor runs a command's payload to a result. onProgress is called at
// the executor's own milestones (e.g. once per Delay chunk) and is a hint
// the caller may use to emit an extra heartbeat sooner than its ambient 5s
// timer would; it may be nil.
type Executor interface {
	Kind() wire.Kind
	Execute(ctx context.Context, payload json.RawMessage, onProgress func()) (result json.RawMessage, err error)
}

// Registry dispatches a Command to the Executor registered for its Kind.
type Registry struct {
	executors map[wire.Kind]Executor
}

// NewRegistry builds a Registry with both built-in executors wired in.
func NewRegistry() *Registry {
	r := &Registry{executors: make(map[wire.Kind]Executor)}
	r.Register(&Delay{})
	r.Register(&HTTPGetJSON{})
	return r
}

// Register adds or replaces the executor for e.Kind().
func (r *Registry) Register(e Executor) {
	r.executors[e.Kind()] = e
}

// Get returns the executor for kind, or an error if none is registered —
// this should never happen for a command that passed wire.ValidateSubmit,
// but defends the agent against a server running a newer Kind it doesn't
// yet know how to execute.
func (r *Registry) Get(kind wire.Kind) (Executor, error) {
	e, ok := r.executors[kind]
	if !ok {
		return nil, fmt.Errorf("no executor registered for kind %q", kind)
	}
	return e, nil
}
