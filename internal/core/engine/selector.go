package engine

import (
	"sort"
	"sync"

	"github.com/rpclens/rpclens/internal/core/endpoint"
)

// Selector holds the endpoint registry and picks an endpoint for each
// dispatch. Primary selection is smooth weighted round-robin over the
// endpoints that currently admit (breaker not open, no rate-limit backoff,
// a free slot and a token); backup selection for failover and hedging is
// deterministic and health-biased.
type Selector struct {
	mu        sync.Mutex
	endpoints []*endpoint.Endpoint
	current   []int
	total     int
}

// NewSelector creates a selector over a fixed registry.
func NewSelector(endpoints []*endpoint.Endpoint) *Selector {
	total := 0
	for _, e := range endpoints {
		total += e.Weight()
	}
	return &Selector{
		endpoints: endpoints,
		current:   make([]int, len(endpoints)),
		total:     total,
	}
}

// Endpoints returns the registry in configuration order.
func (s *Selector) Endpoints() []*endpoint.Endpoint { return s.endpoints }

// Select admits and returns the next endpoint by smooth weighted
// round-robin. The admission (slot + token + breaker gate) happens inside
// the pick so a returned endpoint is ready to dispatch. Returns false when
// no endpoint currently qualifies.
func (s *Selector) Select() (*endpoint.Endpoint, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.endpoints) == 0 {
		return nil, false
	}

	for i, e := range s.endpoints {
		s.current[i] += e.Weight()
	}

	// Try candidates from highest current weight down; the first one that
	// admits wins and pays the total weight back.
	order := make([]int, len(s.endpoints))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return s.current[order[a]] > s.current[order[b]]
	})

	for _, i := range order {
		if s.endpoints[i].Admit() {
			s.current[i] -= s.total
			return s.endpoints[i], true
		}
	}
	return nil, false
}

// SelectBackup admits and returns the next-best endpoint whose URL is not
// in exclude, for failover and hedged secondaries. Candidates are ordered
// healthy-first, then by ascending average latency, then registry order;
// the order is deterministic for a given set of endpoint states.
func (s *Selector) SelectBackup(exclude map[string]bool) (*endpoint.Endpoint, bool) {
	candidates := make([]*endpoint.Endpoint, 0, len(s.endpoints))
	for _, e := range s.endpoints {
		if !exclude[e.URL()] {
			candidates = append(candidates, e)
		}
	}

	sort.SliceStable(candidates, func(a, b int) bool {
		ha, hb := candidates[a].Healthy(), candidates[b].Healthy()
		if ha != hb {
			return ha
		}
		return candidates[a].AvgLatency() < candidates[b].AvgLatency()
	})

	for _, e := range candidates {
		if e.Admit() {
			return e, true
		}
	}
	return nil, false
}

// SelectableCount reports how many endpoints could currently take a
// request, without admitting anything. Used by health reporting.
func (s *Selector) SelectableCount() int {
	n := 0
	for _, e := range s.endpoints {
		if e.Selectable() {
			n++
		}
	}
	return n
}
