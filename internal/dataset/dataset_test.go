package dataset

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"qbank/internal/records"
)

func collectJSON(t *testing.T, in string) []records.Row {
	t.Helper()
	var rows []records.Row
	err := StreamJSON(context.Background(), strings.NewReader(in), func(r records.Row) error {
		rows = append(rows, r)
		return nil
	})
	if err != nil {
		t.Fatalf("StreamJSON err=%v", err)
	}
	return rows
}

func TestStreamJSON_Layouts(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		in        string
		wantCount int
		firstCols []string
	}{
		{"root array", `[{"q":"1","a":"A"},null,{"q":"2"}]`, 2, []string{"q", "a"}},
		{"envelope", `{"meta":{"v":1},"data":[{"q":"1"},{"q":"2"},{"q":"3"}],"tail":true}`, 3, []string{"q"}},
		{"single object", `{"question":"x","options":["a","b"]}`, 1, []string{"question", "options"}},
		{"jsonl", "{\"q\":\"1\"}\n{\"q\":\"2\"}\n", 2, []string{"q"}},
		{"rows api elements", `[{"row_idx":0,"row":{"question":"x","answer":"B"},"truncated_cells":[]}]`, 1, []string{"question", "answer"}},
		{"empty", ``, 0, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rows := collectJSON(t, tt.in)
			if len(rows) != tt.wantCount {
				t.Fatalf("rows=%d want %d", len(rows), tt.wantCount)
			}
			for i, r := range rows {
				if r.Index != i {
					t.Fatalf("row %d has index %d", i, r.Index)
				}
			}
			if tt.wantCount > 0 && !reflect.DeepEqual(rows[0].Columns(), tt.firstCols) {
				t.Fatalf("columns=%v want %v", rows[0].Columns(), tt.firstCols)
			}
		})
	}
}

func TestStreamJSON_RejectsScalarElements(t *testing.T) {
	t.Parallel()
	err := StreamJSON(context.Background(), strings.NewReader(`[1,2]`), func(records.Row) error { return nil })
	if err == nil {
		t.Fatalf("expected error for array of scalars")
	}
}

func TestStreamCSV(t *testing.T) {
	t.Parallel()

	in := "\uFEFFQuestion, Options ,Answer\n Q1 ,a;b,A\nQ2,\"x\ny\",B\n"
	var rows []records.Row
	err := StreamCSV(context.Background(), strings.NewReader(in), CSVOptions{TrimSpace: true},
		func(r records.Row) error { rows = append(rows, r); return nil }, nil)
	if err != nil {
		t.Fatalf("StreamCSV err=%v", err)
	}
	if len(rows) != 2 || rows[1].Index != 1 {
		t.Fatalf("rows=%+v", rows)
	}
	if v, _ := rows[1].Get("Options"); v != "x\ny" {
		t.Fatalf("quoted multi-line cell=%q", v)
	}
	if got := rows[0].Columns(); !reflect.DeepEqual(got, []string{"Question", "Options", "Answer"}) {
		t.Fatalf("columns=%v", got)
	}
	if v, _ := rows[0].Get("Question"); v != "Q1" {
		t.Fatalf("Question=%v", v)
	}
}

func TestStreamCSV_EmptyCellsAreNil(t *testing.T) {
	t.Parallel()

	var rows []records.Row
	err := StreamCSV(context.Background(), strings.NewReader("a,b\n1,\n"), CSVOptions{TrimSpace: true},
		func(r records.Row) error { rows = append(rows, r); return nil }, nil)
	if err != nil {
		t.Fatalf("err=%v", err)
	}
	if v, ok := rows[0].Get("b"); !ok || v != nil {
		t.Fatalf("b=%v ok=%v", v, ok)
	}
}

func TestStreamCSV_MalformedLineKeepsIndexes(t *testing.T) {
	t.Parallel()

	in := "question,answer\nq0,A\nq1 \"bad,B\nq2,C\n"
	var rows []records.Row
	var reported []int
	err := StreamCSV(context.Background(), strings.NewReader(in), CSVOptions{TrimSpace: true},
		func(r records.Row) error { rows = append(rows, r); return nil },
		func(line int, _ error) { reported = append(reported, line) })
	if err != nil {
		t.Fatalf("StreamCSV err=%v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("rows=%+v", rows)
	}
	if rows[1].Index != 1 || rows[1].Err == nil || len(rows[1].Fields) != 0 {
		t.Fatalf("bad line row=%+v", rows[1])
	}
	if v, _ := rows[2].Get("question"); rows[2].Index != 2 || v != "q2" {
		t.Fatalf("row after bad line=%+v", rows[2])
	}
	if !reflect.DeepEqual(reported, []int{3}) {
		t.Fatalf("reported lines=%v", reported)
	}

	a := Analyze(rows)
	if a.TotalRows != 3 || a.Unreadable != 1 || len(a.Sample) != 2 || a.NullCounts["question"] != 0 {
		t.Fatalf("analysis=%+v", a)
	}
}

func TestSourceFor(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in       string
		wantKind string
		wantName string
	}{
		{"hf://russ7/oab_exams_2011_2025_combined", KindHub, "oab_exams_2011_2025_combined"},
		{"data/questions.csv", KindCSV, "questions"},
		{"data/questions.TSV", KindCSV, "questions"},
		{"/tmp/dump.jsonl", KindJSON, "dump"},
	}
	for _, tt := range tests {
		s := SourceFor(tt.in)
		if s.Kind != tt.wantKind || s.Name() != tt.wantName {
			t.Fatalf("SourceFor(%q) kind=%q name=%q", tt.in, s.Kind, s.Name())
		}
	}
}

func TestSourceLoad_MaxRows(t *testing.T) {
	t.Parallel()

	s := SourceFor("x.json")
	s.MaxRows = 2
	s.readFile = func(string) ([]byte, error) {
		return []byte(`[{"q":1},{"q":2},{"q":3}]`), nil
	}
	rows, err := s.Load(context.Background())
	if err != nil {
		t.Fatalf("Load err=%v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("rows=%d want 2", len(rows))
	}
}

func TestAnalyze(t *testing.T) {
	t.Parallel()

	rows := collectJSON(t, `[
		{"question":"a","year":2020,"tags":null},
		{"question":"b","year":"2021"},
		{"question":"a","year":2020,"extra":true},
		{"question":"","year":2022}
	]`)
	a := Analyze(rows)

	if a.TotalRows != 4 {
		t.Fatalf("total=%d", a.TotalRows)
	}
	if !reflect.DeepEqual(a.Columns, []string{"question", "year", "tags", "extra"}) {
		t.Fatalf("columns=%v", a.Columns)
	}
	if !reflect.DeepEqual(a.Types["year"], []string{"number", "string"}) {
		t.Fatalf("year types=%v", a.Types["year"])
	}
	if a.NullCounts["question"] != 1 || a.NullCounts["tags"] != 1 {
		t.Fatalf("null counts=%v", a.NullCounts)
	}
	if a.Unique["question"] != 2 || a.Unique["year"] != 3 {
		t.Fatalf("unique=%v", a.Unique)
	}
	if len(a.Sample) != SampleSize {
		t.Fatalf("sample=%d", len(a.Sample))
	}
}

func TestHubStream_PagesAndRetries(t *testing.T) {
	t.Parallel()

	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		if r.URL.Query().Get("dataset") != "owner/name" || r.URL.Query().Get("split") != "train" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		offset := r.URL.Query().Get("offset")
		var rows []string
		switch offset {
		case "0":
			rows = []string{`{"row_idx":0,"row":{"q":"a"}}`, `{"row_idx":1,"row":{"q":"b"}}`}
		case "2":
			rows = []string{`{"row_idx":2,"row":{"q":"c"}}`}
		}
		fmt.Fprintf(w, `{"features":[{"feature_idx":0,"name":"q"}],"rows":[%s]}`, strings.Join(rows, ","))
	}))
	defer srv.Close()

	h := Hub{
		Endpoint:    srv.URL,
		Dataset:     "owner/name",
		PageSize:    2,
		BaseBackoff: time.Millisecond,
		MaxBackoff:  time.Millisecond,
	}
	var got []string
	err := h.Stream(context.Background(), func(r records.Row) error {
		v, _ := r.Get("q")
		got = append(got, fmt.Sprintf("%d:%v", r.Index, v))
		return nil
	})
	if err != nil {
		t.Fatalf("Stream err=%v", err)
	}
	if want := []string{"0:a", "1:b", "2:c"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v want %v", got, want)
	}
}

func TestHubStream_ClientErrorIsFatal(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	h := Hub{Endpoint: srv.URL, Dataset: "missing", BaseBackoff: time.Millisecond}
	if err := h.Stream(context.Background(), func(records.Row) error { return nil }); err == nil {
		t.Fatalf("expected error")
	}
}
