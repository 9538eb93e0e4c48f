// Package prompush implements a metrics backend that pushes to a
// Prometheus Pushgateway on Flush.
package prompush

import (
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"

	"qbank/internal/metrics"
)

type vecDef struct {
	help   string
	labels []string
}

var counterDefs = map[string]vecDef{
	metrics.RecordsTotal:      {"Records processed per kind.", []string{"kind"}},
	metrics.BatchesTotal:      {"Batches written.", nil},
	metrics.StepTotal:         {"Pipeline and reconcile steps.", []string{"step", "status"}},
	metrics.HTTPRequestsTotal: {"Dataset API attempts.", []string{"status"}},
	metrics.HTTPErrorsTotal:   {"Failed dataset API attempts.", []string{"status"}},
}

var histogramDefs = map[string]vecDef{
	metrics.StepDurationSeconds: {"Step duration.", []string{"step", "status"}},
	metrics.HTTPDurationSeconds: {"Dataset API attempt duration.", []string{"status"}},
}

// Backend buffers values in a private registry.
type Backend struct {
	reg        *prometheus.Registry
	counters   map[string]*prometheus.CounterVec
	histograms map[string]*prometheus.HistogramVec
	pusher     *push.Pusher

	mu sync.Mutex
}

// NewBackend creates a backend that pushes job's metrics to url.
func NewBackend(job, url string) (*Backend, error) {
	if url == "" {
		return nil, fmt.Errorf("prompush: empty pushgateway url")
	}
	if job == "" {
		job = "qbank"
	}
	b := &Backend{
		reg:        prometheus.NewRegistry(),
		counters:   make(map[string]*prometheus.CounterVec, len(counterDefs)),
		histograms: make(map[string]*prometheus.HistogramVec, len(histogramDefs)),
	}
	for name, d := range counterDefs {
		v := prometheus.NewCounterVec(prometheus.CounterOpts{Name: name, Help: d.help}, d.labels)
		if err := b.reg.Register(v); err != nil {
			return nil, fmt.Errorf("prompush: register %s: %w", name, err)
		}
		b.counters[name] = v
	}
	for name, d := range histogramDefs {
		v := prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    name,
			Help:    d.help,
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 15, 60, 300},
		}, d.labels)
		if err := b.reg.Register(v); err != nil {
			return nil, fmt.Errorf("prompush: register %s: %w", name, err)
		}
		b.histograms[name] = v
	}
	b.pusher = push.New(url, job).Gatherer(b.reg)
	return b, nil
}

// IncCounter implements metrics.Backend. Unknown names are ignored.
func (b *Backend) IncCounter(name string, delta float64, labels metrics.Labels) {
	v, ok := b.counters[name]
	if !ok || delta <= 0 {
		return
	}
	v.With(labelValues(counterDefs[name].labels, labels)).Add(delta)
}

// ObserveHistogram implements metrics.Backend.
func (b *Backend) ObserveHistogram(name string, value float64, labels metrics.Labels) {
	v, ok := b.histograms[name]
	if !ok || value < 0 {
		return
	}
	v.With(labelValues(histogramDefs[name].labels, labels)).Observe(value)
}

// Flush pushes everything gathered so far, replacing the job's group.
func (b *Backend) Flush() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.pusher.Push(); err != nil {
		return fmt.Errorf("prompush: push: %w", err)
	}
	return nil
}

// labelValues keeps only the declared labels, defaulting absent ones to
// "unknown" so With never panics on a cardinality mismatch.
func labelValues(declared []string, in metrics.Labels) prometheus.Labels {
	out := make(prometheus.Labels, len(declared))
	for _, l := range declared {
		v := in[l]
		if v == "" {
			v = "unknown"
		}
		out[l] = v
	}
	return out
}

var _ metrics.Backend = (*Backend)(nil)
