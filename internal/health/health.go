// Package health aggregates named subsystem probes behind one registry,
// backing the health endpoint's per-check breakdown.
package health

import (
	"context"
	"sync"
)

// Status is the outcome of probing one subsystem.
type Status struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// Checker probes a single subsystem. Implementations should honor the
// context deadline; a hung probe stalls the whole health response.
type Checker func(ctx context.Context) Status

// Registry collects checkers and runs them on demand.
type Registry struct {
	mu     sync.RWMutex
	probes []probe
}

type probe struct {
	name string
	run  Checker
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a checker under the given name.
func (r *Registry) Register(name string, check Checker) {
	r.mu.Lock()
	r.probes = append(r.probes, probe{name: name, run: check})
	r.mu.Unlock()
}

// CheckAll runs every registered checker in registration order. The
// aggregate is healthy only when every individual probe is.
func (r *Registry) CheckAll(ctx context.Context) (healthy bool, statuses []Status) {
	r.mu.RLock()
	probes := make([]probe, len(r.probes))
	copy(probes, r.probes)
	r.mu.RUnlock()

	healthy = true
	statuses = make([]Status, len(probes))

	for i, p := range probes {
		statuses[i] = p.run(ctx)
		if !statuses[i].Healthy {
			healthy = false
		}
	}

	return healthy, statuses
}
