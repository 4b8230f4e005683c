// Package profiler tracks how long the stages of an analysis take.
package profiler

import (
	"log/slog"
	"sort"
	"sync"
	"time"
)

// TimeTracker tracks timing statistics of one operation.
type TimeTracker struct {
	Name      string
	Count     int64
	TotalTime time.Duration
	MinTime   time.Duration
	MaxTime   time.Duration
}

// Mean returns the average duration, 0 before the first record.
func (t TimeTracker) Mean() time.Duration {
	if t.Count == 0 {
		return 0
	}
	return t.TotalTime / time.Duration(t.Count)
}

func (t *TimeTracker) record(d time.Duration) {
	if t.Count == 0 || d < t.MinTime {
		t.MinTime = d
	}
	if d > t.MaxTime {
		t.MaxTime = d
	}
	t.Count++
	t.TotalTime += d
}

// Profiler aggregates operation timings. Safe for concurrent use.
type Profiler struct {
	mu        sync.Mutex
	startTime time.Time
	ops       map[string]*TimeTracker
}

// New returns a profiler whose uptime starts now.
func New() *Profiler {
	return &Profiler{
		startTime: time.Now(),
		ops:       make(map[string]*TimeTracker),
	}
}

// RecordTime adds one duration for an operation.
//
// Arguments:
// - name: The operation name.
// - d: How long it took.
func (p *Profiler) RecordTime(name string, d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	t, ok := p.ops[name]
	if !ok {
		t = &TimeTracker{Name: name}
		p.ops[name] = t
	}
	t.record(d)
}

// Time starts timing an operation and returns the function that stops it.
//
// Example:
//
// ```go
//
//	defer p.Time("inference")()
//
// ```
func (p *Profiler) Time(name string) func() {
	start := time.Now()
	return func() {
		p.RecordTime(name, time.Since(start))
	}
}

// Stats returns a snapshot of every operation, sorted by name.
func (p *Profiler) Stats() []TimeTracker {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]TimeTracker, 0, len(p.ops))
	for _, t := range p.ops {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Name < out[j].Name
	})
	return out
}

// Uptime is the time since the profiler was created.
func (p *Profiler) Uptime() time.Duration {
	return time.Since(p.startTime)
}

// Report logs one line per operation.
func (p *Profiler) Report(logger *slog.Logger) {
	for _, t := range p.Stats() {
		logger.Info("timing",
			"operation", t.Name,
			"count", t.Count,
			"total", t.TotalTime,
			"mean", t.Mean(),
			"min", t.MinTime,
			"max", t.MaxTime)
	}
	logger.Info("uptime", "elapsed", p.Uptime())
}
