package health

import (
	"context"
	"sort"
	"sync"
	"time"
)

// checkTimeout bounds a single check so one slow dependency cannot stall /ready
const checkTimeout = 3 * time.Second

// Checker reports whether a dependency is usable
type Checker interface {
	Check(ctx context.Context) error
}

// CheckerFunc adapts a function to Checker
type CheckerFunc func(ctx context.Context) error

// Check calls f(ctx)
func (f CheckerFunc) Check(ctx context.Context) error {
	return f(ctx)
}

// Registry holds named readiness checks
type Registry struct {
	mu     sync.RWMutex
	checks map[string]Checker
}

// NewRegistry creates a new check registry
func NewRegistry() *Registry {
	return &Registry{
		checks: make(map[string]Checker),
	}
}

// Register adds or replaces a check
func (r *Registry) Register(name string, c Checker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checks[name] = c
}

// Unregister removes a check
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.checks, name)
}

// List returns the registered check names in order
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.checks))
	for name := range r.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// CheckAll runs every check concurrently. The result has one entry per
// check; a nil error means healthy.
func (r *Registry) CheckAll(ctx context.Context) map[string]error {
	r.mu.RLock()
	checks := make(map[string]Checker, len(r.checks))
	for name, c := range r.checks {
		checks[name] = c
	}
	r.mu.RUnlock()

	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		results = make(map[string]error, len(checks))
	)
	for name, c := range checks {
		wg.Add(1)
		go func(name string, c Checker) {
			defer wg.Done()

			checkCtx, cancel := context.WithTimeout(ctx, checkTimeout)
			defer cancel()
			err := c.Check(checkCtx)

			mu.Lock()
			results[name] = err
			mu.Unlock()
		}(name, c)
	}
	wg.Wait()

	return results
}
