package metrics

import (
	"sync"
	"time"
)

// latencyBounds are cumulative bucket upper bounds in seconds, chosen so the
// usual p50/p95/p99 queries land on a bound close to the real value.
var latencyBounds = []float64{
	0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0,
}

// HistogramBucket is one cumulative bucket: Count observations at or below Le.
type HistogramBucket struct {
	Le    float64
	Count int64
}

// Histogram accumulates latency observations into fixed buckets.
type Histogram struct {
	mu      sync.Mutex
	name    string
	buckets []HistogramBucket
	sum     float64
	count   int64
}

func NewHistogram(name string) *Histogram {
	h := &Histogram{name: name, buckets: make([]HistogramBucket, len(latencyBounds))}
	for i, le := range latencyBounds {
		h.buckets[i].Le = le
	}
	return h
}

// Observe records one latency sample.
func (h *Histogram) Observe(d time.Duration) {
	sec := d.Seconds()
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sum += sec
	h.count++
	for i := range h.buckets {
		if sec <= h.buckets[i].Le {
			h.buckets[i].Count++
		}
	}
}

// Percentile estimates the p-th quantile (p in 0..1) as the upper bound of
// the first bucket covering it.
func (h *Histogram) Percentile(p float64) float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.count == 0 {
		return 0
	}
	return quantileBound(h.buckets, h.count, p)
}

func quantileBound(buckets []HistogramBucket, total int64, p float64) float64 {
	target := int64(p * float64(total))
	for _, b := range buckets {
		if b.Count >= target {
			return b.Le
		}
	}
	if n := len(buckets); n > 0 {
		return buckets[n-1].Le
	}
	return 0
}

// HistogramSnapshot is a consistent copy of one histogram, with the common
// percentiles precomputed for exposition.
type HistogramSnapshot struct {
	Name    string
	Buckets []HistogramBucket
	Sum     float64
	Count   int64
	P50     float64
	P95     float64
	P99     float64
}

func (h *Histogram) Snapshot() HistogramSnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	snap := HistogramSnapshot{
		Name:    h.name,
		Buckets: append([]HistogramBucket(nil), h.buckets...),
		Sum:     h.sum,
		Count:   h.count,
	}
	if h.count > 0 {
		snap.P50 = quantileBound(h.buckets, h.count, 0.50)
		snap.P95 = quantileBound(h.buckets, h.count, 0.95)
		snap.P99 = quantileBound(h.buckets, h.count, 0.99)
	}
	return snap
}

// HistogramRegistry holds one histogram per route label.
type HistogramRegistry struct {
	mu         sync.RWMutex
	histograms map[string]*Histogram
}

func NewHistogramRegistry() *HistogramRegistry {
	return &HistogramRegistry{histograms: map[string]*Histogram{}}
}

// Get returns the named histogram, creating it on first use.
func (r *HistogramRegistry) Get(name string) *Histogram {
	r.mu.RLock()
	h, ok := r.histograms[name]
	r.mu.RUnlock()
	if ok {
		return h
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.histograms[name]; ok {
		return h
	}
	h = NewHistogram(name)
	r.histograms[name] = h
	return h
}

func (r *HistogramRegistry) ObserveDuration(name string, d time.Duration) {
	r.Get(name).Observe(d)
}

func (r *HistogramRegistry) Snapshots() []HistogramSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]HistogramSnapshot, 0, len(r.histograms))
	for _, h := range r.histograms {
		out = append(out, h.Snapshot())
	}
	return out
}
