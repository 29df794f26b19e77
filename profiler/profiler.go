// Package profiler - Operation timing for pipeline stages.
package profiler

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// OperationStats summarizes the recorded durations of one operation.
type OperationStats struct {
	Name  string        `yaml:"name"`
	Count int64         `yaml:"count"`
	Total time.Duration `yaml:"total"`
	Min   time.Duration `yaml:"min"`
	Max   time.Duration `yaml:"max"`
}

// Mean returns the average duration, or 0 before the first sample.
func (s OperationStats) Mean() time.Duration {
	if s.Count == 0 {
		return 0
	}
	return s.Total / time.Duration(s.Count)
}

// Profiler accumulates operation timings. The zero value is not usable; use New.
// A nil *Profiler ignores every call so callers can leave profiling off.
type Profiler struct {
	mu         sync.Mutex
	operations map[string]*OperationStats
	startTime  time.Time
	now        func() time.Time
}

// New creates a profiler whose uptime starts now.
func New() *Profiler {
	return &Profiler{
		operations: make(map[string]*OperationStats),
		startTime:  time.Now(),
		now:        time.Now,
	}
}

// StartOperation begins timing an operation.
//
// Arguments:
// - name: The name of the operation to track
//
// Returns:
// - A function to call when the operation completes
func (p *Profiler) StartOperation(name string) func() {
	if p == nil {
		return func() {}
	}
	start := p.now()
	return func() {
		p.Record(name, p.now().Sub(start))
	}
}

// Record adds one duration sample for name.
func (p *Profiler) Record(name string, d time.Duration) {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	s, ok := p.operations[name]
	if !ok {
		s = &OperationStats{Name: name, Min: d, Max: d}
		p.operations[name] = s
	}
	s.Count++
	s.Total += d
	if d < s.Min {
		s.Min = d
	}
	if d > s.Max {
		s.Max = d
	}
}

// Stats returns a snapshot of every operation, sorted by name.
func (p *Profiler) Stats() []OperationStats {
	if p == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]OperationStats, 0, len(p.operations))
	for _, s := range p.operations {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// LogSummary writes one debug line per operation and the total uptime.
func (p *Profiler) LogSummary() {
	if p == nil {
		return
	}
	for _, s := range p.Stats() {
		log.Debug().
			Str("operation", s.Name).
			Int64("count", s.Count).
			Dur("total", s.Total).
			Dur("mean", s.Mean()).
			Dur("min", s.Min).
			Dur("max", s.Max).
			Msg("operation timing")
	}
	log.Debug().Dur("uptime", p.now().Sub(p.startTime)).Msg("profiler summary")
}
