// Package questionstore maps the question and statistics tables onto typed
// operations over a storage.Store.
//
// Every read goes to storage; nothing is cached between calls, so callers
// always see current state.
package questionstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"qbank/internal/model"
	"qbank/internal/options"
	"qbank/internal/records"
	"qbank/internal/storage"
)

// Repository is the typed view of both tables.
type Repository struct {
	st     storage.Store
	tables Tables
}

// New wraps st. Empty table names fall back to DefaultTables.
func New(st storage.Store, t Tables) *Repository {
	if t.Questions == "" {
		t.Questions = DefaultTables.Questions
	}
	if t.Stats == "" {
		t.Stats = DefaultTables.Stats
	}
	return &Repository{st: st, tables: t}
}

func (r *Repository) Tables() Tables { return r.tables }

// Ping verifies the backend is reachable.
func (r *Repository) Ping(ctx context.Context) error { return r.st.Ping(ctx) }

// EnsureSchema creates both tables when the backend supports it and is a
// no-op otherwise.
func (r *Repository) EnsureSchema(ctx context.Context) error {
	e, ok := r.st.(storage.SchemaEnsurer)
	if !ok {
		return nil
	}
	return e.EnsureTables(ctx, Specs(r.tables))
}

// QuestionIDs returns every question id.
func (r *Repository) QuestionIDs(ctx context.Context) ([]string, error) {
	rows, err := r.st.Select(ctx, r.tables.Questions, []string{colID}, nil)
	if err != nil {
		return nil, fmt.Errorf("questionstore: question ids: %w", err)
	}
	return distinct(rows, colID), nil
}

// StatsQuestionIDs returns the distinct non-null question ids referenced by
// statistics rows.
func (r *Repository) StatsQuestionIDs(ctx context.Context) ([]string, error) {
	rows, err := r.st.Select(ctx, r.tables.Stats, []string{colQuestionID}, storage.Where(storage.NotNull(colQuestionID)))
	if err != nil {
		return nil, fmt.Errorf("questionstore: stats question ids: %w", err)
	}
	return distinct(rows, colQuestionID), nil
}

// QuestionCount returns the number of question rows.
func (r *Repository) QuestionCount(ctx context.Context) (int, error) {
	ids, err := r.QuestionIDs(ctx)
	return len(ids), err
}

// StatsCount returns the number of statistics rows.
func (r *Repository) StatsCount(ctx context.Context) (int, error) {
	rows, err := r.st.Select(ctx, r.tables.Stats, []string{colID}, nil)
	if err != nil {
		return 0, fmt.Errorf("questionstore: stats count: %w", err)
	}
	return len(rows), nil
}

// UnlinkedStatsCount returns the number of statistics rows with no
// question id.
func (r *Repository) UnlinkedStatsCount(ctx context.Context) (int, error) {
	rows, err := r.st.Select(ctx, r.tables.Stats, []string{colID}, storage.Where(storage.IsNull(colQuestionID)))
	if err != nil {
		return 0, fmt.Errorf("questionstore: unlinked stats count: %w", err)
	}
	return len(rows), nil
}

// questionConflict makes re-imports overwrite content by external id while
// the stored id and creation time survive.
var questionConflict = storage.Conflict{
	Columns:  []string{colExternalID},
	Preserve: []string{colID, colCreatedAt},
}

// UpsertQuestions writes qs as one batch keyed on external_id.
func (r *Repository) UpsertQuestions(ctx context.Context, qs []model.Question) (int64, error) {
	return r.st.Upsert(ctx, r.tables.Questions, questionRows(qs), questionConflict)
}

// InsertQuestions writes qs as one batch. A duplicate external_id fails the
// whole batch.
func (r *Repository) InsertQuestions(ctx context.Context, qs []model.Question) (int64, error) {
	return r.st.Insert(ctx, r.tables.Questions, questionRows(qs))
}

// ExistingExternalIDs reports which of ids are already used by a question.
func (r *Repository) ExistingExternalIDs(ctx context.Context, ids []string) (map[string]bool, error) {
	out := make(map[string]bool)
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := r.st.Select(ctx, r.tables.Questions, []string{colExternalID}, storage.Where(storage.In(colExternalID, storage.Strings(ids))))
	if err != nil {
		return nil, fmt.Errorf("questionstore: external ids: %w", err)
	}
	for _, id := range distinct(rows, colExternalID) {
		out[id] = true
	}
	return out, nil
}

// InsertStats writes statistics rows as one batch.
func (r *Repository) InsertStats(ctx context.Context, stats []model.QuestionStats) (int64, error) {
	rows := make([]storage.Row, len(stats))
	for i, s := range stats {
		rows[i] = storage.Row{
			colID:                 s.ID,
			colQuestionID:         s.QuestionID,
			colTotalAttempts:      s.TotalAttempts,
			colCorrectAttempts:    s.CorrectAttempts,
			colAverageTimeSeconds: s.AverageTimeSeconds,
			colDifficultyRating:   s.DifficultyRating,
			colLastUpdated:        s.LastUpdated,
		}
	}
	return r.st.Insert(ctx, r.tables.Stats, rows)
}

// DeleteStatsByQuestionIDs removes every statistics row whose question_id
// is in ids.
func (r *Repository) DeleteStatsByQuestionIDs(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	return r.st.Delete(ctx, r.tables.Stats, storage.Where(storage.In(colQuestionID, storage.Strings(ids))))
}

// statsContentColumns is what StatsWithContent reads.
var statsContentColumns = append([]string{colID, colQuestionID, colExternalID, colCreatedAt}, model.ContentColumns...)

// StatsWithContent returns statistics rows that still carry question text.
func (r *Repository) StatsWithContent(ctx context.Context) ([]model.StatsContent, error) {
	rows, err := r.st.Select(ctx, r.tables.Stats, statsContentColumns, storage.Where(storage.NotNull(colQuestionText)))
	if err != nil {
		return nil, fmt.Errorf("questionstore: stats with content: %w", err)
	}
	out := make([]model.StatsContent, 0, len(rows))
	for _, row := range rows {
		sc, err := decodeStatsContent(row)
		if err != nil {
			return nil, fmt.Errorf("questionstore: stats row %v: %w", row[colID], err)
		}
		out = append(out, sc)
	}
	return out, nil
}

// ScrubStatsContent sets every content column of the given statistics rows
// to NULL. Rows are kept; counters are not touched.
func (r *Repository) ScrubStatsContent(ctx context.Context, statsIDs []string, now time.Time) (int64, error) {
	if len(statsIDs) == 0 {
		return 0, nil
	}
	patch := storage.Row{colUpdatedAt: now}
	for _, c := range model.ContentColumns {
		patch[c] = nil
	}
	return r.st.Update(ctx, r.tables.Stats, patch, storage.Where(storage.In(colID, storage.Strings(statsIDs))))
}

// LinkStats points the statistics row statsID at questionID.
func (r *Repository) LinkStats(ctx context.Context, statsID, questionID string, now time.Time) (int64, error) {
	patch := storage.Row{colQuestionID: questionID, colUpdatedAt: now}
	return r.st.Update(ctx, r.tables.Stats, patch, storage.Where(storage.Eq(colID, statsID)))
}

// Profile is the part of a question row the quality report looks at.
type Profile struct {
	Category       string
	ExamYear       *int
	HasExplanation bool
	OptionCount    int
}

// QuestionProfiles reads a Profile for every question.
func (r *Repository) QuestionProfiles(ctx context.Context) ([]Profile, error) {
	rows, err := r.st.Select(ctx, r.tables.Questions, []string{colCategory, colExamYear, colExplanation, colOptions}, nil)
	if err != nil {
		return nil, fmt.Errorf("questionstore: question profiles: %w", err)
	}
	out := make([]Profile, 0, len(rows))
	for _, row := range rows {
		p := Profile{Category: records.Text(row[colCategory])}
		if y, ok := intValue(row[colExamYear]); ok {
			p.ExamYear = &y
		}
		if e := textPtr(row[colExplanation]); e != nil && strings.TrimSpace(*e) != "" {
			p.HasExplanation = true
		}
		if v := row[colOptions]; v != nil {
			opts, _ := options.Parse(jsonValue(v))
			p.OptionCount = len(opts)
		}
		out = append(out, p)
	}
	return out, nil
}

func questionRows(qs []model.Question) []storage.Row {
	rows := make([]storage.Row, len(qs))
	for i, q := range qs {
		rows[i] = encodeQuestion(q)
	}
	return rows
}

// distinct returns the non-empty values of col in first-seen order.
func distinct(rows []storage.Row, col string) []string {
	seen := make(map[string]bool, len(rows))
	out := make([]string, 0, len(rows))
	for _, row := range rows {
		k := storage.NormalizeKey(row[col])
		if k == "" || seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, k)
	}
	return out
}
