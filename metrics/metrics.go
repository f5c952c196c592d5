// Package metrics provides lightweight in-process counters, gauges, and
// operation timers backing the registry's performance stats.
package metrics

import (
	"sync"
	"sync/atomic"
	"time"
)

// Counter is a monotonically increasing counter.
type Counter struct {
	value int64
}

func (c *Counter) Inc() {
	atomic.AddInt64(&c.value, 1)
}

func (c *Counter) Add(n int64) {
	atomic.AddInt64(&c.value, n)
}

func (c *Counter) Value() int64 {
	return atomic.LoadInt64(&c.value)
}

// Gauge is a value that can go up and down.
type Gauge struct {
	value int64
}

func (g *Gauge) Set(v int64) {
	atomic.StoreInt64(&g.value, v)
}

func (g *Gauge) Inc() {
	atomic.AddInt64(&g.value, 1)
}

func (g *Gauge) Dec() {
	atomic.AddInt64(&g.value, -1)
}

func (g *Gauge) Value() int64 {
	return atomic.LoadInt64(&g.value)
}

// Timer accumulates operation durations.
type Timer struct {
	mu    sync.Mutex
	count int64
	total time.Duration
}

// Observe records one operation duration.
func (t *Timer) Observe(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.count++
	t.total += d
}

// Snapshot returns the observation count and mean duration.
func (t *Timer) Snapshot() (count int64, avg time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.count == 0 {
		return 0, 0
	}
	return t.count, t.total / time.Duration(t.count)
}

// Registry holds named metrics, creating them on first use.
type Registry struct {
	mu       sync.Mutex
	counters map[string]*Counter
	gauges   map[string]*Gauge
	timers   map[string]*Timer
}

// NewRegistry creates an empty metrics registry.
func NewRegistry() *Registry {
	return &Registry{
		counters: make(map[string]*Counter),
		gauges:   make(map[string]*Gauge),
		timers:   make(map[string]*Timer),
	}
}

// Counter returns the named counter, creating it if absent.
func (r *Registry) Counter(name string) *Counter {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.counters[name]; ok {
		return c
	}
	c := &Counter{}
	r.counters[name] = c
	return c
}

// Gauge returns the named gauge, creating it if absent.
func (r *Registry) Gauge(name string) *Gauge {
	r.mu.Lock()
	defer r.mu.Unlock()
	if g, ok := r.gauges[name]; ok {
		return g
	}
	g := &Gauge{}
	r.gauges[name] = g
	return g
}

// Timer returns the named timer, creating it if absent.
func (r *Registry) Timer(name string) *Timer {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.timers[name]; ok {
		return t
	}
	t := &Timer{}
	r.timers[name] = t
	return t
}

// Snapshot returns the current value of every metric. Timers report their
// observation count and mean duration in milliseconds.
func (r *Registry) Snapshot() map[string]interface{} {
	r.mu.Lock()
	defer r.mu.Unlock()

	result := make(map[string]interface{})
	for name, c := range r.counters {
		result[name] = c.Value()
	}
	for name, g := range r.gauges {
		result[name] = g.Value()
	}
	for name, t := range r.timers {
		count, avg := t.Snapshot()
		result[name+"_count"] = count
		result[name+"_avg_ms"] = float64(avg) / float64(time.Millisecond)
	}
	return result
}
