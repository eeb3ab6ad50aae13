package schedule

import (
	"strings"
	"sync"
	"time"

	"github.com/teranos/pulsecron/errors"
)

// Registry holds the job definitions declared by this process.
// Append-only and safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	defs  []Definition
	index map[string]int
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{index: make(map[string]int)}
}

// Add validates and appends a definition. Cron expressions are checked at
// reconciliation, where configuration may still override them.
func (r *Registry) Add(def Definition) error {
	def.Name = strings.TrimSpace(def.Name)
	if def.Name == "" {
		return errors.NewInvalidRequestError("job name cannot be empty")
	}
	misfire, err := ParseMisfireStrategy(string(def.Misfire))
	if err != nil {
		return errors.Wrapf(err, "job %s", def.Name)
	}
	def.Misfire = misfire
	for _, d := range def.RetryIntervals {
		if d < 0 {
			return errors.NewInvalidRequestError("job %s: retry interval cannot be negative", def.Name)
		}
	}
	if def.Timeout < 0 {
		return errors.NewInvalidRequestError("job %s: timeout cannot be negative", def.Name)
	}
	def.RetryIntervals = append([]time.Duration(nil), def.RetryIntervals...)

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.index[def.Name]; exists {
		return errors.NewConflictError("job %s already registered", def.Name)
	}
	r.index[def.Name] = len(r.defs)
	r.defs = append(r.defs, def)
	return nil
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.index[name]
	return ok
}

// Definitions returns a copy of all definitions in insertion order.
func (r *Registry) Definitions() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Definition, len(r.defs))
	copy(out, r.defs)
	return out
}

// Len returns the number of definitions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.defs)
}
