package prompush

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"qbank/internal/metrics"
)

func TestNewBackend_RejectsEmptyURL(t *testing.T) {
	t.Parallel()
	if _, err := NewBackend("job", ""); err == nil {
		t.Fatalf("expected error for empty url")
	}
}

func TestBackend_RecordsAndPushes(t *testing.T) {
	t.Parallel()

	var (
		mu     sync.Mutex
		paths  []string
		bodies []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		paths = append(paths, r.Method+" "+r.URL.Path)
		bodies = append(bodies, string(b))
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	b, err := NewBackend("import", srv.URL)
	if err != nil {
		t.Fatalf("NewBackend: %v", err)
	}
	b.IncCounter(metrics.RecordsTotal, 3, metrics.Labels{"kind": metrics.KindImported})
	b.IncCounter(metrics.RecordsTotal, 2, metrics.Labels{"kind": metrics.KindImported, "extra": "dropped"})
	b.IncCounter(metrics.StepTotal, 1, metrics.Labels{"step": "import"})
	b.IncCounter("not_a_metric", 1, nil)
	b.ObserveHistogram(metrics.StepDurationSeconds, 0.2, metrics.Labels{"step": "import", "status": "ok"})

	if got := counterValue(t, b, metrics.RecordsTotal, "kind", metrics.KindImported); got != 5 {
		t.Fatalf("records=%v want 5", got)
	}
	if got := counterValue(t, b, metrics.StepTotal, "status", "unknown"); got != 1 {
		t.Fatalf("step=%v want 1", got)
	}

	if err := b.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(paths) != 1 || paths[0] != "PUT /metrics/job/import" {
		t.Fatalf("paths=%v", paths)
	}
	if len(bodies[0]) == 0 {
		t.Fatalf("empty push body")
	}
}

func TestBackend_FlushSurfacesGatewayError(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer srv.Close()

	b, err := NewBackend("", srv.URL)
	if err != nil {
		t.Fatalf("NewBackend: %v", err)
	}
	b.IncCounter(metrics.BatchesTotal, 1, nil)
	err = b.Flush()
	if err == nil || !strings.Contains(err.Error(), "prompush") {
		t.Fatalf("Flush err=%v", err)
	}
}

// counterValue sums the samples of name whose label matches value.
func counterValue(t *testing.T, b *Backend, name, label, value string) float64 {
	t.Helper()
	fams, err := b.reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	var sum float64
	for _, f := range fams {
		if f.GetName() != name {
			continue
		}
		for _, m := range f.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetName() == label && lp.GetValue() == value {
					sum += m.GetCounter().GetValue()
				}
			}
		}
	}
	return sum
}
