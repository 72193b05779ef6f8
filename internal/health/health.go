// Package health keeps the queryable connectivity and delivery signal of the
// agent. Writers are the cached sources and the delivery agents; readers are
// the HTTP API and tests.
package health

import (
	"sort"
	"sync"
	"time"

	"github.com/tinytelemetry/lotus-agent/internal/clock"
)

// Status is a coarse connectivity state.
type Status string

const (
	StatusUnknown Status = "UNKNOWN"
	StatusOK      Status = "OK"
	StatusFailed  Status = "FAILED"
)

// Connectivity describes one monitored endpoint.
type Connectivity struct {
	Name       string    `json:"name"`
	Status     Status    `json:"status"`
	LastError  string    `json:"last_error,omitempty"`
	LastChange time.Time `json:"last_change"`
	LastOK     time.Time `json:"last_ok,omitempty"`
}

// Delivery describes the state of one delivery target.
type Delivery struct {
	Name         string    `json:"name"`
	Status       Status    `json:"status"`
	LastError    string    `json:"last_error,omitempty"`
	LastSendTime time.Time `json:"last_send_time,omitempty"`
	LastChange   time.Time `json:"last_change"`
}

// Snapshot is a point-in-time copy of the registry.
type Snapshot struct {
	Sources  []Connectivity `json:"sources"`
	Delivery []Delivery     `json:"delivery"`
}

// Healthy reports whether no delivery target is failing. Sources do not
// affect overall health: an unreachable endpoint is an expected condition.
func (s Snapshot) Healthy() bool {
	for _, d := range s.Delivery {
		if d.Status == StatusFailed {
			return false
		}
	}
	return true
}

// Registry is safe for concurrent use.
type Registry struct {
	clk clock.Clock

	mu       sync.RWMutex
	sources  map[string]*Connectivity
	delivery map[string]*Delivery
}

// NewRegistry creates an empty registry. A nil clock means the real clock.
func NewRegistry(clk clock.Clock) *Registry {
	if clk == nil {
		clk = clock.Real()
	}
	return &Registry{
		clk:      clk,
		sources:  make(map[string]*Connectivity),
		delivery: make(map[string]*Delivery),
	}
}

// SourceOK records a successful fetch for the named source.
func (r *Registry) SourceOK(name string) {
	if r == nil {
		return
	}
	now := r.clk.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.source(name)
	if c.Status != StatusOK {
		c.LastChange = now
	}
	c.Status = StatusOK
	c.LastError = ""
	c.LastOK = now
}

// SourceFailed records a failed fetch for the named source.
func (r *Registry) SourceFailed(name string, err error) {
	if r == nil {
		return
	}
	now := r.clk.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.source(name)
	if c.Status != StatusFailed {
		c.LastChange = now
	}
	c.Status = StatusFailed
	if err != nil {
		c.LastError = err.Error()
	}
}

// DeliveryOK records a successful send at the given time.
func (r *Registry) DeliveryOK(name string, at time.Time) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	d := r.target(name)
	if d.Status != StatusOK {
		d.LastChange = at
	}
	d.Status = StatusOK
	d.LastError = ""
	d.LastSendTime = at
}

// DeliveryFailed records a failed or rejected send.
func (r *Registry) DeliveryFailed(name string, err error) {
	if r == nil {
		return
	}
	now := r.clk.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	d := r.target(name)
	if d.Status != StatusFailed {
		d.LastChange = now
	}
	d.Status = StatusFailed
	if err != nil {
		d.LastError = err.Error()
	}
}

// Source returns the connectivity of one source.
func (r *Registry) Source(name string) (Connectivity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.sources[name]
	if !ok {
		return Connectivity{}, false
	}
	return *c, true
}

// Target returns the delivery state of one target.
func (r *Registry) Target(name string) (Delivery, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.delivery[name]
	if !ok {
		return Delivery{}, false
	}
	return *d, true
}

// Snapshot copies the registry, sorted by name.
func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snap := Snapshot{
		Sources:  make([]Connectivity, 0, len(r.sources)),
		Delivery: make([]Delivery, 0, len(r.delivery)),
	}
	for _, c := range r.sources {
		snap.Sources = append(snap.Sources, *c)
	}
	for _, d := range r.delivery {
		snap.Delivery = append(snap.Delivery, *d)
	}
	sort.Slice(snap.Sources, func(i, j int) bool { return snap.Sources[i].Name < snap.Sources[j].Name })
	sort.Slice(snap.Delivery, func(i, j int) bool { return snap.Delivery[i].Name < snap.Delivery[j].Name })
	return snap
}

func (r *Registry) source(name string) *Connectivity {
	c, ok := r.sources[name]
	if !ok {
		c = &Connectivity{Name: name, Status: StatusUnknown}
		r.sources[name] = c
	}
	return c
}

func (r *Registry) target(name string) *Delivery {
	d, ok := r.delivery[name]
	if !ok {
		d = &Delivery{Name: name, Status: StatusUnknown}
		r.delivery[name] = d
	}
	return d
}
