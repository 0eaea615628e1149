// Package metrics collects per-route, per-rail outcome counters for the
// rebalancing core. The collector is process-local; an external scraper or
// status endpoint can snapshot it.
package metrics

import (
	"sort"
	"sync"
)

// Stage identifies the step of the preference loop an outcome belongs to.
type Stage string

const (
	StageQuote      Stage = "quote"
	StageSlippage   Stage = "slippage"
	StageSubmission Stage = "submission"
	StageCompletion Stage = "completion"
)

// Sink receives fire-and-forget observations from the orchestrator and the
// sweeper. Implementations must never block the caller.
type Sink interface {
	Observe(route, rail string, stage Stage, ok bool)
	TransferRetired(route, rail string)
}

// Noop is a Sink that discards every observation. Used in tests.
type Noop struct{}

func (Noop) Observe(string, string, Stage, bool) {}
func (Noop) TransferRetired(string, string)      {}

type outcomeKey struct {
	route string
	rail  string
	stage Stage
	ok    bool
}

type retireKey struct {
	route string
	rail  string
}

// Collector is the in-process Sink implementation.
type Collector struct {
	mu       sync.Mutex
	outcomes map[outcomeKey]uint64
	retired  map[retireKey]uint64
}

// NewCollector creates an empty Collector.
func NewCollector() *Collector {
	return &Collector{
		outcomes: make(map[outcomeKey]uint64),
		retired:  make(map[retireKey]uint64),
	}
}

// Observe implements Sink.
func (c *Collector) Observe(route, rail string, stage Stage, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.outcomes[outcomeKey{route: route, rail: rail, stage: stage, ok: ok}]++
}

// TransferRetired implements Sink.
func (c *Collector) TransferRetired(route, rail string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.retired[retireKey{route: route, rail: rail}]++
}

// OutcomeSample is one row of a collector snapshot.
type OutcomeSample struct {
	Route string
	Rail  string
	Stage Stage
	OK    bool
	Count uint64
}

// Snapshot returns the accumulated outcome counters in a stable order.
func (c *Collector) Snapshot() []OutcomeSample {
	c.mu.Lock()
	defer c.mu.Unlock()

	samples := make([]OutcomeSample, 0, len(c.outcomes))
	for key, count := range c.outcomes {
		samples = append(samples, OutcomeSample{
			Route: key.route,
			Rail:  key.rail,
			Stage: key.stage,
			OK:    key.ok,
			Count: count,
		})
	}
	sort.Slice(samples, func(i, j int) bool {
		a, b := samples[i], samples[j]
		if a.Route != b.Route {
			return a.Route < b.Route
		}
		if a.Rail != b.Rail {
			return a.Rail < b.Rail
		}
		if a.Stage != b.Stage {
			return a.Stage < b.Stage
		}
		return !a.OK && b.OK
	})
	return samples
}

// RetiredSample is one row of the retirement counter snapshot.
type RetiredSample struct {
	Route string
	Rail  string
	Count uint64
}

// RetiredSnapshot returns the retirement counters in a stable order.
func (c *Collector) RetiredSnapshot() []RetiredSample {
	c.mu.Lock()
	defer c.mu.Unlock()

	samples := make([]RetiredSample, 0, len(c.retired))
	for key, count := range c.retired {
		samples = append(samples, RetiredSample{Route: key.route, Rail: key.rail, Count: count})
	}
	sort.Slice(samples, func(i, j int) bool {
		if samples[i].Route != samples[j].Route {
			return samples[i].Route < samples[j].Route
		}
		return samples[i].Rail < samples[j].Rail
	})
	return samples
}

// Retired returns the retirement counter for a route and rail pair.
func (c *Collector) Retired(route, rail string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.retired[retireKey{route: route, rail: rail}]
}
