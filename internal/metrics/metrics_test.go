package metrics

import (
	"errors"
	"sync"
	"testing"
	"time"
)

type call struct {
	name   string
	value  float64
	labels Labels
}

type recorder struct {
	mu       sync.Mutex
	counters []call
	hists    []call
}

func (r *recorder) IncCounter(name string, delta float64, labels Labels) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counters = append(r.counters, call{name, delta, labels})
}

func (r *recorder) ObserveHistogram(name string, value float64, labels Labels) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hists = append(r.hists, call{name, value, labels})
}

func (r *recorder) Flush() error { return nil }

// Tests in this file swap the global backend, so they do not run in parallel.

func TestHelpersRecordThroughBackend(t *testing.T) {
	rec := &recorder{}
	SetBackend(rec)
	t.Cleanup(func() { SetBackend(nil) })

	RecordRecords(KindImported, 3)
	RecordRecords(KindSkipped, 0)
	RecordBatch()
	RecordStep("import", errors.New("x"), 2*time.Second)
	RecordHTTP(429, nil, time.Second)
	RecordHTTP(0, errors.New("dial"), time.Second)

	if len(rec.counters) != 7 {
		t.Fatalf("counters=%d want 7: %+v", len(rec.counters), rec.counters)
	}
	if c := rec.counters[0]; c.name != RecordsTotal || c.value != 3 || c.labels["kind"] != KindImported {
		t.Fatalf("records counter=%+v", c)
	}
	if c := rec.counters[2]; c.name != StepTotal || c.labels["status"] != "error" {
		t.Fatalf("step counter=%+v", c)
	}
	if c := rec.counters[4]; c.name != HTTPErrorsTotal || c.labels["status"] != "429" {
		t.Fatalf("http error counter=%+v", c)
	}
	if c := rec.counters[6]; c.labels["status"] != "none" {
		t.Fatalf("no-response status=%+v", c)
	}
	if len(rec.hists) != 3 || rec.hists[0].value != 2 {
		t.Fatalf("hists=%+v", rec.hists)
	}
}

func TestSetBackendNilRestoresNop(t *testing.T) {
	SetBackend(nil)
	RecordBatch()
	if err := Flush(); err != nil {
		t.Fatalf("nop Flush: %v", err)
	}
}
