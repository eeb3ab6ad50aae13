package async

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Handler executes one scheduled occurrence of a job.
// Domain packages implement this interface; the scheduler never knows what
// a job does, only whether Consume returned an error.
//
// Context cancellation: Consume receives the scheduler's context narrowed
// by the job timeout. Handlers MUST return promptly once ctx is done.
type Handler interface {
	Consume(ctx context.Context, msg *Message) error
}

// HandlerFunc adapts a plain function to Handler.
type HandlerFunc func(ctx context.Context, msg *Message) error

// Consume calls f(ctx, msg).
func (f HandlerFunc) Consume(ctx context.Context, msg *Message) error {
	return f(ctx, msg)
}

// Starter is implemented by handlers that need setup before each dispatch.
// A failing OnStarting aborts the dispatch.
type Starter interface {
	OnStarting(ctx context.Context) error
}

// Stopper is implemented by handlers that need teardown after each dispatch.
// OnStopping failures are logged by the dispatcher and never replace the
// dispatch outcome.
type Stopper interface {
	OnStopping(ctx context.Context) error
}

// Factory constructs a handler instance for one dispatch.
type Factory func() (Handler, error)

// Singleton returns a Factory that always yields h.
func Singleton(h Handler) Factory {
	return func() (Handler, error) { return h, nil }
}

// HandlerRegistry maps stable string keys to handler factories.
// Thread-safe for concurrent registration and lookup.
//
// Two key spaces exist:
//   - type references: a job carrying HandlerRef resolves through RegisterType
//   - job names: a job without HandlerRef resolves through RegisterNamed,
//     which lets dynamically configured jobs plug in without a type key
type HandlerRegistry struct {
	byType map[string]Factory
	byName map[string]Factory
	mu     sync.RWMutex
}

// NewHandlerRegistry creates an empty handler registry.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{
		byType: make(map[string]Factory),
		byName: make(map[string]Factory),
	}
}

// RegisterType adds a factory under a handler type reference.
// Panics if the reference is empty or already registered.
func (r *HandlerRegistry) RegisterType(ref string, factory Factory) {
	r.register(r.byType, "type", ref, factory)
}

// RegisterNamed adds a factory resolved by job name.
// Panics if the name is empty or already registered.
func (r *HandlerRegistry) RegisterNamed(jobName string, factory Factory) {
	r.register(r.byName, "job name", jobName, factory)
}

func (r *HandlerRegistry) register(m map[string]Factory, kind, key string, factory Factory) {
	if key == "" {
		panic(fmt.Sprintf("handler %s cannot be empty", kind))
	}
	if factory == nil {
		panic(fmt.Sprintf("nil handler factory for %s %s", kind, key))
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := m[key]; exists {
		panic(fmt.Sprintf("handler already registered for %s: %s", kind, key))
	}
	m[key] = factory
}

// ResolveType returns the factory registered for a type reference.
func (r *HandlerRegistry) ResolveType(ref string) (Factory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.byType[ref]
	return f, ok
}

// ResolveName returns the factory registered for a job name.
func (r *HandlerRegistry) ResolveName(jobName string) (Factory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.byName[jobName]
	return f, ok
}

// HasType checks if a factory is registered for a type reference.
func (r *HandlerRegistry) HasType(ref string) bool {
	_, ok := r.ResolveType(ref)
	return ok
}

// Types returns all registered type references, sorted.
func (r *HandlerRegistry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.byType)
}

// Names returns all job names with a directly registered factory, sorted.
func (r *HandlerRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.byName)
}

func sortedKeys(m map[string]Factory) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
