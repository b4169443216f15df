// Package health runs named subsystem probes for readiness reporting.
package health

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Status is the outcome of a single subsystem probe.
type Status struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// Probe checks one subsystem. It should respect ctx and return quickly.
type Probe func(ctx context.Context) error

// Registry holds named probes and runs them on demand.
type Registry struct {
	mu      sync.RWMutex
	probes  map[string]Probe
	timeout time.Duration
}

// NewRegistry creates a registry. Each probe runs under a 5s deadline.
func NewRegistry() *Registry {
	return &Registry{
		probes:  make(map[string]Probe),
		timeout: 5 * time.Second,
	}
}

// Register adds a named probe, replacing any previous probe of that name.
func (r *Registry) Register(name string, probe Probe) {
	r.mu.Lock()
	r.probes[name] = probe
	r.mu.Unlock()
}

// CheckAll runs every probe and reports per-subsystem results in name order.
// The aggregate is healthy only when every probe passes.
func (r *Registry) CheckAll(ctx context.Context) (bool, []Status) {
	r.mu.RLock()
	names := make([]string, 0, len(r.probes))
	probes := make(map[string]Probe, len(r.probes))
	for name, p := range r.probes {
		names = append(names, name)
		probes[name] = p
	}
	r.mu.RUnlock()
	sort.Strings(names)

	healthy := true
	statuses := make([]Status, 0, len(names))
	for _, name := range names {
		probeCtx, cancel := context.WithTimeout(ctx, r.timeout)
		err := probes[name](probeCtx)
		cancel()

		s := Status{Name: name, Healthy: err == nil}
		if err != nil {
			s.Detail = err.Error()
			healthy = false
		}
		statuses = append(statuses, s)
	}
	return healthy, statuses
}
