// Package commands implements the pluggable slash-command dispatch the
// batch executor's command phase consults. The concrete command set is
// deliberately open-ended rather than fixed, so this package is an
// extension point: new scaffolding grounded on
// ai/agents/runner/types.go's small-interface-plus-registry shape, not
// on any single command implementation in the pack.
package commands

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/hrygo/chatbroker/internal/chat"
	"github.com/hrygo/chatbroker/internal/events"
)

// Handler implements one slash command.
type Handler interface {
	// Name is the command word, without the leading slash (e.g. "reset").
	Name() string
	// Execute runs the command against the session it arrived on.
	Execute(ctx context.Context, s *chat.Session, e events.Event) error
}

// Registry is a concurrency-safe name -> Handler map. The zero value is
// ready to use.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register adds h, replacing any existing handler with the same Name.
func (r *Registry) Register(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.handlers == nil {
		r.handlers = make(map[string]Handler)
	}
	r.handlers[h.Name()] = h
}

// Names returns the registered command names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for n := range r.handlers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Run dispatches e (which must have Kind == events.KindCommand) to its
// matching Handler. Unknown commands return an error the executor only
// logs; they are not surfaced to the chat.
func (r *Registry) Run(ctx context.Context, s *chat.Session, e events.Event) error {
	r.mu.RLock()
	h, ok := r.handlers[e.Command]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("commands: unknown command %q", e.Command)
	}
	return h.Execute(ctx, s, e)
}

// resetHandler implements the one command every chat surface needs: an
// explicit "/reset" independent of the UI-button Reset path, grounded on
// Reset semantics.
type resetHandler struct{}

func (resetHandler) Name() string { return "reset" }

func (resetHandler) Execute(ctx context.Context, s *chat.Session, _ events.Event) error {
	return s.ResetChat(ctx)
}

// NewDefaultRegistry returns a Registry pre-populated with the commands
// every deployment needs regardless of mode (currently just "reset").
// Callers append their own mode-specific commands via Register.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(resetHandler{})
	return r
}
