package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"qbank/internal/config"
	"qbank/internal/model"
	"qbank/internal/questionstore"
	"qbank/internal/reconcile"
	"qbank/internal/storage"
	"qbank/internal/storage/memory"
)

var now = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

func question(id, ext string) model.Question {
	return model.Question{
		ID:              id,
		ExternalID:      ext,
		QuestionText:    "Qual o prazo?",
		Options:         []model.Option{{Key: "A", Text: "10 dias"}, {Key: "B", Text: "30 dias"}},
		CorrectAnswer:   "B",
		Category:        model.DefaultCategory,
		DifficultyLevel: model.DefaultDifficulty,
		Source:          model.DefaultSource,
		IsActive:        true,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// seeded returns deps over a memory store holding two questions, one linked
// stats row, one orphan and one stats row still carrying question content.
func seeded(t *testing.T) (deps, *memory.Store) {
	t.Helper()
	clearDSN(t)
	ctx := context.Background()
	st := memory.New()
	repo := questionstore.New(st, questionstore.Tables{})
	if err := repo.EnsureSchema(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := repo.InsertQuestions(ctx, []model.Question{question("Q1", "fgv_1"), question("Q2", "fgv_2")}); err != nil {
		t.Fatal(err)
	}
	st.Put("question_stats",
		storage.Row{"id": "s1", "question_id": "Q1", "total_attempts": int64(3)},
		storage.Row{"id": "s2", "question_id": "Q9"},
		storage.Row{
			"id": "s3", "question_id": "Q5", "external_id": "legacy_1",
			"question_text": "Princípio da anterioridade?", "options": `{"A":"Sim","B":"Não"}`,
			"correct_answer": "a", "total_attempts": int64(8),
		},
	)

	cfgFile := filepath.Join(t.TempDir(), "qbank.yaml")
	yaml := "storage:\n  kind: memory\nreconcile:\n  pause: 0s\nmetrics:\n  backend: none\n"
	if err := os.WriteFile(cfgFile, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}
	return deps{
		LoadConfig: func(o config.Options) (*config.Config, error) {
			o.ConfigFile = cfgFile
			o.SkipEnvFile = true
			return config.Load(o)
		},
		OpenStore: func(context.Context, storage.Config) (storage.Store, error) { return st, nil },
		Now:       func() time.Time { return now },
	}, st
}

func run(t *testing.T, d deps, args ...string) (int, output, string) {
	t.Helper()
	var out, errOut bytes.Buffer
	code := runMain(context.Background(), args, &out, &errOut, d)
	var res output
	if out.Len() > 0 {
		if err := json.Unmarshal(out.Bytes(), &res); err != nil {
			t.Fatalf("report json: %v\n%s", err, out.String())
		}
	}
	return code, res, errOut.String()
}

func TestRun_CheckWritesNothing(t *testing.T) {
	d, st := seeded(t)

	code, res, stderr := run(t, d, "-op", "check")
	if code != 0 {
		t.Fatalf("exit=%d stderr=%s", code, stderr)
	}
	c := res.Consistency
	if res.Consistent || c.Questions != 2 || c.StatsRows != 3 || c.Orphaned != 2 || c.Missing != 1 || c.ContentRows != 1 {
		t.Fatalf("result=%+v", res)
	}
	if len(res.Reports) != 0 || len(st.Rows("question_stats")) != 3 {
		t.Fatalf("check changed data: reports=%v", res.Reports)
	}

	if code, _, _ := run(t, d, "-op", "check", "-strict"); code != 1 {
		t.Fatalf("strict exit=%d want 1", code)
	}
}

func TestRun_AllRepairs(t *testing.T) {
	d, st := seeded(t)

	code, res, stderr := run(t, d)
	if code != 0 {
		t.Fatalf("exit=%d stderr=%s", code, stderr)
	}
	if len(res.Reports) != 3 {
		t.Fatalf("reports=%+v", res.Reports)
	}
	ops := []string{reconcile.OpMigrateContent, reconcile.OpRemoveOrphans, reconcile.OpBackfillStats}
	for i, rep := range res.Reports {
		if rep.Operation != ops[i] || rep.Applied != 1 {
			t.Fatalf("report %d=%+v", i, rep)
		}
	}
	if !res.Consistent || res.Consistency.Questions != 3 || res.Consistency.StatsRows != 3 {
		t.Fatalf("after repair=%+v", res)
	}

	var migrated storage.Row
	for _, r := range st.Rows("questions") {
		if r["id"] == "Q5" {
			migrated = r
		}
	}
	if migrated == nil || migrated["external_id"] != "legacy_1" || migrated["correct_answer"] != "A" {
		t.Fatalf("migrated question=%v", migrated)
	}

	// Repaired tables stay put on a second run.
	code, res, _ = run(t, d, "-strict")
	if code != 0 || !res.Consistent {
		t.Fatalf("rerun exit=%d result=%+v", code, res)
	}
	for _, rep := range res.Reports {
		if rep.Applied != 0 {
			t.Fatalf("rerun applied: %+v", rep)
		}
	}
}

func TestRun_SingleOperation(t *testing.T) {
	d, st := seeded(t)

	code, res, stderr := run(t, d, "-op", "orphans")
	if code != 0 {
		t.Fatalf("exit=%d stderr=%s", code, stderr)
	}
	// Q5 has no question yet, so its content row goes with the orphans.
	if len(res.Reports) != 1 || res.Reports[0].Operation != reconcile.OpRemoveOrphans || res.Reports[0].Found != 2 {
		t.Fatalf("reports=%+v", res.Reports)
	}
	if n := len(st.Rows("question_stats")); n != 1 {
		t.Fatalf("stats rows=%d want 1", n)
	}
}

func TestRun_ExitCodes(t *testing.T) {
	cases := []struct {
		name string
		args []string
		mod  func(*deps, *memory.Store)
		want int
		msg  string
	}{
		{name: "unknown op", args: []string{"-op", "purge"}, want: 2, msg: "purge"},
		{name: "negative batch", args: []string{"-batch-size", "-5"}, want: 2},
		{name: "missing dsn", args: []string{"-storage", "mssql"}, want: 2, msg: "dsn"},
		{
			name: "open fails",
			mod: func(d *deps, _ *memory.Store) {
				d.OpenStore = func(context.Context, storage.Config) (storage.Store, error) {
					return nil, errors.New("bad dsn")
				}
			},
			want: 1,
			msg:  "bad dsn",
		},
		{
			name: "ping fails",
			mod:  func(_ *deps, st *memory.Store) { st.PingErr = errors.New("connection refused") },
			want: 1,
			msg:  "connection refused",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d, st := seeded(t)
			if tc.mod != nil {
				tc.mod(&d, st)
			}
			code, _, stderr := run(t, d, tc.args...)
			if code != tc.want {
				t.Fatalf("exit=%d want %d stderr=%s", code, tc.want, stderr)
			}
			if tc.msg != "" && !strings.Contains(stderr, tc.msg) {
				t.Fatalf("stderr %q missing %q", stderr, tc.msg)
			}
		})
	}
}

// clearDSN hides a developer's DATABASE_URL from the config loader.
func clearDSN(t *testing.T) {
	t.Helper()
	t.Setenv("DATABASE_URL", "")
	t.Setenv("QBANK_STORAGE_DSN", "")
	t.Setenv("STORAGE_KIND", "")
}
