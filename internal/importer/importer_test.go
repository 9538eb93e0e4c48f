package importer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"qbank/internal/audit"
	"qbank/internal/model"
	"qbank/internal/normalize"
	"qbank/internal/questionstore"
	"qbank/internal/reconcile"
	"qbank/internal/records"
	"qbank/internal/storage"
	"qbank/internal/storage/memory"
)

var fixedNow = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

func questions(n int) []model.Question {
	out := make([]model.Question, n)
	for i := range out {
		out[i] = model.Question{
			ID:              fmt.Sprintf("id-%d", i),
			ExternalID:      fmt.Sprintf("fgv_%d", i),
			QuestionText:    fmt.Sprintf("Questão %d", i),
			Options:         []model.Option{{Key: "A", Text: "Sim"}, {Key: "B", Text: "Não"}},
			CorrectAnswer:   "A",
			Category:        model.DefaultCategory,
			DifficultyLevel: model.DefaultDifficulty,
			Source:          model.DefaultSource,
			IsActive:        true,
			CreatedAt:       fixedNow,
			UpdatedAt:       fixedNow,
		}
	}
	return out
}

func newRepo(t *testing.T) (*questionstore.Repository, *memory.Store) {
	t.Helper()
	st := memory.New()
	repo := questionstore.New(st, questionstore.Tables{})
	if err := repo.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}
	return repo, st
}

func TestImport_BatchesInOrder(t *testing.T) {
	t.Parallel()
	repo, st := newRepo(t)

	res, err := New(repo, Config{BatchSize: 4}, nil).Import(context.Background(), questions(10))
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	if res != (Result{Imported: 10, Batches: 3}) {
		t.Fatalf("result=%+v", res)
	}
	rows := st.Rows("questions")
	for i, r := range rows {
		if r["external_id"] != fmt.Sprintf("fgv_%d", i) {
			t.Fatalf("row %d=%v", i, r["external_id"])
		}
	}
}

func TestImport_IdempotentOnExternalID(t *testing.T) {
	t.Parallel()
	repo, st := newRepo(t)
	im := New(repo, Config{BatchSize: 3}, nil)
	ctx := context.Background()

	if _, err := im.Import(ctx, questions(7)); err != nil {
		t.Fatalf("first Import: %v", err)
	}
	again := questions(7)
	for i := range again {
		again[i].ID = fmt.Sprintf("new-%d", i)
		again[i].QuestionText += " (revisada)"
	}
	if _, err := im.Import(ctx, again); err != nil {
		t.Fatalf("second Import: %v", err)
	}

	rows := st.Rows("questions")
	if len(rows) != 7 {
		t.Fatalf("rows=%d want 7", len(rows))
	}
	if rows[0]["id"] != "id-0" || !strings.HasSuffix(rows[0]["question_text"].(string), "(revisada)") {
		t.Fatalf("row=%v", rows[0])
	}
}

func TestImport_FailedBatchIsCountedAndSkipped(t *testing.T) {
	t.Parallel()
	repo, st := newRepo(t)
	calls := 0
	st.FailUpsert = func(table string, rows []storage.Row) error {
		calls++
		if calls == 2 {
			return errors.New("statement timeout")
		}
		return nil
	}

	res, err := New(repo, Config{BatchSize: 2}, nil).Import(context.Background(), questions(5))
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	if res != (Result{Imported: 3, Errors: 2, Batches: 3, FailedBatches: 1}) {
		t.Fatalf("result=%+v", res)
	}
	if got := len(st.Rows("questions")); got != 3 {
		t.Fatalf("rows=%d want 3", got)
	}
}

func TestImport_StopsBetweenBatchesOnCancel(t *testing.T) {
	t.Parallel()
	repo, _ := newRepo(t)
	ctx, cancel := context.WithCancel(context.Background())
	w := writerFunc(func(c context.Context, qs []model.Question) (int64, error) {
		cancel()
		return repo.UpsertQuestions(c, qs)
	})

	res, err := New(w, Config{BatchSize: 2}, nil).Import(ctx, questions(6))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err=%v", err)
	}
	// The batch in flight when the context ended still completed.
	if res.Imported != 2 || res.Batches != 1 {
		t.Fatalf("result=%+v", res)
	}
}

type writerFunc func(context.Context, []model.Question) (int64, error)

func (f writerFunc) UpsertQuestions(ctx context.Context, qs []model.Question) (int64, error) {
	return f(ctx, qs)
}

type sliceSource struct {
	name string
	rows []records.Row
	err  error
}

func (s sliceSource) Load(context.Context) ([]records.Row, error) { return s.rows, s.err }
func (s sliceSource) Name() string                                { return s.name }

func row(index int, kv ...any) records.Row {
	var obj records.Object
	for i := 0; i+1 < len(kv); i += 2 {
		obj = append(obj, records.Field{Name: kv[i].(string), Value: kv[i+1]})
	}
	return records.RowFromObject(index, obj)
}

func datasetRows() []records.Row {
	return []records.Row{
		row(0, "question", "Qual o prazo? Lei 20/2015", "options", "(A) 10 dias (B) 30 dias", "answer", "B"),
		row(1, "question", "Sem resposta", "options", "(A) x (B) y"),
		row(2, "pergunta", "Princípio da legalidade no direito penal?", "alternativas", []any{"Sim", "Não"}, "gabarito", "a"),
	}
}

func newNormalizer() *normalize.Normalizer {
	n := 0
	return normalize.New(normalize.Config{SourceTag: "hf_oab"}, nil, nil,
		normalize.WithClock(func() time.Time { return fixedNow }),
		normalize.WithIDs(func() string { n++; return fmt.Sprintf("q-%d", n) }),
	)
}

func TestPipelineRun_EndToEnd(t *testing.T) {
	t.Parallel()
	repo, st := newRepo(t)
	dir := t.TempDir()
	n := 0
	rec := reconcile.New(repo, reconcile.Config{}, reconcile.WithIDs(func() string { n++; return fmt.Sprintf("s-%d", n) }))
	p := &Pipeline{
		Store:      repo,
		Normalizer: newNormalizer(),
		Backfill:   rec,
		Audit:      audit.Dir{Path: dir},
		Import:     Config{BatchSize: 100},
		Now:        func() time.Time { return fixedNow },
	}

	sum, err := p.Run(context.Background(), sliceSource{name: "oab", rows: datasetRows()})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	want := Summary{Dataset: "oab", Processed: 3, Normalized: 2, Imported: 2, Skipped: 1, StatsCreated: 2, Batches: 1}
	sum.Duration = 0
	if sum != want {
		t.Fatalf("summary=%+v want %+v", sum, want)
	}
	for _, name := range []string{audit.Name("dataset_analysis", fixedNow), audit.Name("processed_questions", fixedNow)} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Fatalf("audit %s: %v", name, err)
		}
	}
	if len(st.Rows("questions")) != 2 || len(st.Rows("question_stats")) != 2 {
		t.Fatalf("questions=%d stats=%d", len(st.Rows("questions")), len(st.Rows("question_stats")))
	}

	// A second run overwrites in place and finds nothing to backfill.
	sum, err = p.Run(context.Background(), sliceSource{name: "oab", rows: datasetRows()})
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if sum.Imported != 2 || sum.StatsCreated != 0 || len(st.Rows("questions")) != 2 {
		t.Fatalf("second summary=%+v rows=%d", sum, len(st.Rows("questions")))
	}
}

func TestPipelineRun_DryRunWritesNothing(t *testing.T) {
	t.Parallel()
	repo, st := newRepo(t)
	st.PingErr = errors.New("must not be called")
	p := &Pipeline{Store: repo, Normalizer: newNormalizer(), DryRun: true}

	sum, err := p.Run(context.Background(), sliceSource{name: "oab", rows: datasetRows()})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !sum.DryRun || sum.Normalized != 2 || sum.Imported != 0 || len(st.Rows("questions")) != 0 {
		t.Fatalf("summary=%+v", sum)
	}
}

func TestPipelineRun_UnreadableLineIsCountedAsSkipped(t *testing.T) {
	t.Parallel()
	repo, _ := newRepo(t)
	rows := datasetRows()
	rows = append(rows, records.Row{Index: len(rows), Err: errors.New("csv line 5: bare quote")})
	p := &Pipeline{Store: repo, Normalizer: newNormalizer(), DryRun: true}

	sum, err := p.Run(context.Background(), sliceSource{name: "oab", rows: rows})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sum.Processed != 4 || sum.Normalized != 2 || sum.Skipped != 2 {
		t.Fatalf("summary=%+v", sum)
	}
}

func TestPipelineRun_ConnectivityIsFatalBeforeWrites(t *testing.T) {
	t.Parallel()
	repo, st := newRepo(t)
	st.PingErr = errors.New("connection refused")
	p := &Pipeline{Store: repo, Normalizer: newNormalizer()}

	sum, err := p.Run(context.Background(), sliceSource{name: "oab", rows: datasetRows()})
	if !errors.Is(err, ErrConnectivity) {
		t.Fatalf("err=%v", err)
	}
	if sum.Imported != 0 || len(st.Rows("questions")) != 0 {
		t.Fatalf("wrote before connectivity check: %+v", sum)
	}
}

func TestPipelineRun_LoadError(t *testing.T) {
	t.Parallel()
	repo, _ := newRepo(t)
	p := &Pipeline{Store: repo, Normalizer: newNormalizer()}
	if _, err := p.Run(context.Background(), sliceSource{name: "x", err: errors.New("404")}); err == nil {
		t.Fatalf("load error must be returned")
	}
}
