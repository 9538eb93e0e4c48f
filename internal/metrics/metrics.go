// Package metrics is the process-wide metrics facade. Core code records
// through the helpers below; cmd binaries pick a backend (datadog, prompush)
// with SetBackend. The default backend discards everything.
package metrics

import (
	"strconv"
	"sync"
	"time"
)

// Labels are metric dimensions.
type Labels map[string]string

// Backend receives every recorded value.
type Backend interface {
	IncCounter(name string, delta float64, labels Labels)
	ObserveHistogram(name string, value float64, labels Labels)
	Flush() error
}

// Metric names. Backends switch on these.
const (
	RecordsTotal        = "qbank_records_total"
	BatchesTotal        = "qbank_batches_total"
	StepTotal           = "qbank_step_total"
	StepDurationSeconds = "qbank_step_duration_seconds"
	HTTPRequestsTotal   = "qbank_http_requests_total"
	HTTPErrorsTotal     = "qbank_http_errors_total"
	HTTPDurationSeconds = "qbank_http_request_duration_seconds"
)

// Record kinds used with RecordsTotal.
const (
	KindProcessed = "processed"
	KindImported  = "imported"
	KindSkipped   = "skipped"
	KindFailed    = "failed"
	KindDeleted   = "orphans_deleted"
	KindCreated   = "stats_created"
	KindMigrated  = "migrated"
)

type nop struct{}

func (nop) IncCounter(string, float64, Labels)       {}
func (nop) ObserveHistogram(string, float64, Labels) {}
func (nop) Flush() error                             { return nil }

var (
	mu      sync.RWMutex
	backend Backend = nop{}
)

// SetBackend installs b. A nil b restores the discarding backend.
func SetBackend(b Backend) {
	mu.Lock()
	defer mu.Unlock()
	if b == nil {
		b = nop{}
	}
	backend = b
}

func current() Backend {
	mu.RLock()
	defer mu.RUnlock()
	return backend
}

// Flush pushes buffered values of the current backend.
func Flush() error { return current().Flush() }

// RecordRecords counts n records of a kind. Non-positive n is ignored.
func RecordRecords(kind string, n int) {
	if n <= 0 {
		return
	}
	current().IncCounter(RecordsTotal, float64(n), Labels{"kind": kind})
}

// RecordBatch counts one written batch.
func RecordBatch() {
	current().IncCounter(BatchesTotal, 1, nil)
}

// RecordStep counts a pipeline or reconcile step and its duration.
func RecordStep(step string, err error, d time.Duration) {
	l := Labels{"step": step, "status": status(err)}
	b := current()
	b.IncCounter(StepTotal, 1, l)
	b.ObserveHistogram(StepDurationSeconds, d.Seconds(), l)
}

// RecordHTTP records one dataset API attempt. code 0 means the request
// never got a response.
func RecordHTTP(code int, err error, d time.Duration) {
	st := "none"
	if code > 0 {
		st = strconv.Itoa(code)
	}
	l := Labels{"status": st}
	b := current()
	b.IncCounter(HTTPRequestsTotal, 1, l)
	b.ObserveHistogram(HTTPDurationSeconds, d.Seconds(), l)
	if err != nil || code >= 400 {
		b.IncCounter(HTTPErrorsTotal, 1, l)
	}
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
