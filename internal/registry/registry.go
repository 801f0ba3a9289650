// Package registry maps message types to handler factories and execution
// modes. The registry is an explicit object constructed once and passed by
// reference into the dispatcher and the corelet child runner; there is no
// global registration table.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/sdewitt/kiln/internal/model"
)

// ErrNoHandler is returned when no handler is registered for a message type.
var ErrNoHandler = errors.New("no handler registered for type")

// Mode selects the execution backend for a registered message type.
type Mode string

const (
	// ModeInline runs the handler synchronously on the submitting goroutine.
	ModeInline Mode = "inline"

	// ModeWorker runs the handler on a pooled worker goroutine with
	// cooperative timeout cancellation.
	ModeWorker Mode = "worker"

	// ModeProcess runs the handler inside an isolated, killable corelet
	// subprocess. The message must be fully serializable and the type must
	// also be registered in the child binary's registry.
	ModeProcess Mode = "process"
)

// Handler executes one message. Implementations must honor ctx cancellation
// at safe points; the engine never interrupts a handler asynchronously.
// Side effects must tolerate retries; idempotency is a handler contract,
// not engine-enforced.
type Handler interface {
	Process(ctx context.Context, msg *model.Message) (json.RawMessage, error)
}

// HandlerFunc adapts a plain function to the Handler interface.
type HandlerFunc func(ctx context.Context, msg *model.Message) (json.RawMessage, error)

// Process calls f.
func (f HandlerFunc) Process(ctx context.Context, msg *model.Message) (json.RawMessage, error) {
	return f(ctx, msg)
}

// Factory creates a fresh handler instance. The dispatcher calls it once
// per invocation so handlers may keep per-invocation state.
type Factory func() Handler

// Registration pairs a message type with its handler factory and mode.
type Registration struct {
	Type    string
	Mode    Mode
	Factory Factory
}

// Registry holds handler registrations and resolves which handler and
// execution mode to use for a given message type. Safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Registration
}

// New creates an empty handler registry.
func New() *Registry {
	return &Registry{
		handlers: make(map[string]Registration),
	}
}

// Register adds a handler for the given message type. Re-registration
// replaces the prior entry.
func (r *Registry) Register(msgType string, factory Factory, mode Mode) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[msgType] = Registration{Type: msgType, Mode: mode, Factory: factory}
}

// Resolve returns the registration for the given message type.
func (r *Registry) Resolve(msgType string) (Registration, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	reg, ok := r.handlers[msgType]
	if !ok {
		return Registration{}, fmt.Errorf("%w: %q", ErrNoHandler, msgType)
	}
	return reg, nil
}

// List returns all registrations, sorted by type for stable output.
func (r *Registry) List() []Registration {
	r.mu.RLock()
	defer r.mu.RUnlock()

	regs := make([]Registration, 0, len(r.handlers))
	for _, reg := range r.handlers {
		regs = append(regs, reg)
	}
	sort.Slice(regs, func(i, j int) bool {
		return regs[i].Type < regs[j].Type
	})
	return regs
}
