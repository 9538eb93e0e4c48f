// Package reconcile repairs the statistics table against the question
// table. Every operation derives its work from current storage state, so
// running it again on a consistent store changes nothing.
package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"qbank/internal/batch"
	"qbank/internal/metrics"
	"qbank/internal/model"
	"qbank/internal/questionstore"
	"qbank/internal/tracing"
)

// Operation names, used in reports, logs and metrics.
const (
	OpRemoveOrphans  = "remove_orphans"
	OpBackfillStats  = "backfill_stats"
	OpMigrateContent = "migrate_content"
)

// Store is the storage surface the reconciler needs.
// *questionstore.Repository implements it.
type Store interface {
	QuestionIDs(ctx context.Context) ([]string, error)
	StatsQuestionIDs(ctx context.Context) ([]string, error)
	StatsCount(ctx context.Context) (int, error)
	DeleteStatsByQuestionIDs(ctx context.Context, ids []string) (int64, error)
	InsertStats(ctx context.Context, stats []model.QuestionStats) (int64, error)
	StatsWithContent(ctx context.Context) ([]model.StatsContent, error)
	ExistingExternalIDs(ctx context.Context, ids []string) (map[string]bool, error)
	InsertQuestions(ctx context.Context, qs []model.Question) (int64, error)
	ScrubStatsContent(ctx context.Context, statsIDs []string, now time.Time) (int64, error)
	LinkStats(ctx context.Context, statsID, questionID string, now time.Time) (int64, error)
	UnlinkedStatsCount(ctx context.Context) (int, error)
	QuestionProfiles(ctx context.Context) ([]questionstore.Profile, error)
}

// Config sizes batches and pacing. Zero values take the defaults.
type Config struct {
	BatchSize        int
	MigrateBatchSize int
	Pause            time.Duration
	DefaultCategory  string
	DefaultSource    string
}

// Report is the outcome of one operation.
type Report struct {
	Operation string `json:"operation"`
	// Found is the size of the target set.
	Found int `json:"found"`
	// Applied counts rows deleted, created or migrated.
	Applied       int           `json:"applied"`
	Skipped       int           `json:"skipped"`
	Failed        int           `json:"failed"`
	Scrubbed      int           `json:"scrubbed,omitempty"`
	Batches       int           `json:"batches"`
	FailedBatches int           `json:"failed_batches"`
	Duration      time.Duration `json:"duration"`
}

// Reconciler runs the repair operations one batch at a time.
type Reconciler struct {
	st    Store
	cfg   Config
	pacer *batch.Pacer
	log   *zap.Logger
	now   func() time.Time
	newID func() string
}

// Opt customizes a Reconciler.
type Opt func(*Reconciler)

// WithLogger sets the logger. nil keeps the no-op logger.
func WithLogger(l *zap.Logger) Opt {
	return func(r *Reconciler) {
		if l != nil {
			r.log = l
		}
	}
}

// WithClock fixes the time used for new and scrubbed rows.
func WithClock(now func() time.Time) Opt { return func(r *Reconciler) { r.now = now } }

// WithIDs replaces the UUID generator for new statistics and question ids.
func WithIDs(gen func() string) Opt { return func(r *Reconciler) { r.newID = gen } }

// New builds a Reconciler over st. Zero batch sizes and defaults take the
// package defaults.
func New(st Store, cfg Config, opts ...Opt) *Reconciler {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.MigrateBatchSize <= 0 {
		cfg.MigrateBatchSize = 50
	}
	if cfg.DefaultCategory == "" {
		cfg.DefaultCategory = model.DefaultCategory
	}
	if cfg.DefaultSource == "" {
		cfg.DefaultSource = model.DefaultSource
	}
	r := &Reconciler{
		st:    st,
		cfg:   cfg,
		pacer: batch.NewPacer(cfg.Pause),
		log:   zap.NewNop(),
		now:   func() time.Time { return time.Now().UTC() },
		newID: uuid.NewString,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// RemoveOrphans deletes statistics rows whose question no longer exists.
func (r *Reconciler) RemoveOrphans(ctx context.Context) (Report, error) {
	return r.run(ctx, OpRemoveOrphans, func(ctx context.Context, rep *Report) error {
		qids, sids, err := r.idSets(ctx)
		if err != nil {
			return err
		}
		orphans := difference(sids, qids)
		rep.Found = len(orphans)
		r.log.Info("orphaned stats found", zap.Int("question_ids", len(orphans)))

		return r.eachBatch(ctx, orphans, r.cfg.BatchSize, rep, func(ctx context.Context, ids []string) error {
			n, err := r.st.DeleteStatsByQuestionIDs(ctx, ids)
			if err != nil {
				return err
			}
			rep.Applied += int(n)
			metrics.RecordRecords(metrics.KindDeleted, int(n))
			return nil
		})
	})
}

// BackfillStats inserts a zero-initialized statistics row for every
// question that has none.
func (r *Reconciler) BackfillStats(ctx context.Context) (Report, error) {
	return r.run(ctx, OpBackfillStats, func(ctx context.Context, rep *Report) error {
		qids, sids, err := r.idSets(ctx)
		if err != nil {
			return err
		}
		missing := difference(qids, sids)
		rep.Found = len(missing)
		r.log.Info("questions without stats", zap.Int("count", len(missing)))

		return r.eachBatch(ctx, missing, r.cfg.BatchSize, rep, func(ctx context.Context, ids []string) error {
			now := r.now()
			stats := make([]model.QuestionStats, len(ids))
			for i, id := range ids {
				stats[i] = model.NewStats(r.newID(), id, now)
			}
			if _, err := r.st.InsertStats(ctx, stats); err != nil {
				return err
			}
			rep.Applied += len(ids)
			metrics.RecordRecords(metrics.KindCreated, len(ids))
			return nil
		})
	})
}

// MigrateContent moves question content found on statistics rows into the
// question table, then clears it from the statistics rows. A row is only
// cleared after its question was written; rows that are skipped or fail
// keep their content.
func (r *Reconciler) MigrateContent(ctx context.Context) (Report, error) {
	return r.run(ctx, OpMigrateContent, func(ctx context.Context, rep *Report) error {
		rows, err := r.st.StatsWithContent(ctx)
		if err != nil {
			return err
		}
		rep.Found = len(rows)
		if len(rows) == 0 {
			return nil
		}
		qids, err := r.st.QuestionIDs(ctx)
		if err != nil {
			return err
		}
		knownIDs := toSet(qids)

		extIDs := make([]string, len(rows))
		for i, row := range rows {
			extIDs[i] = migratedExternalID(row)
		}
		existing, err := r.st.ExistingExternalIDs(ctx, extIDs)
		if err != nil {
			return err
		}

		type pending struct {
			statsID string
			q       model.Question
			// link is set when the stats row does not carry q.ID yet.
			link bool
		}
		var todo []pending
		seen := make(map[string]bool, len(rows))
		for i, row := range rows {
			ext := extIDs[i]
			switch {
			case existing[ext]:
				rep.Skipped++
				r.log.Info("stats content skipped", zap.String("stats_id", row.ID), zap.String("external_id", ext), zap.String("reason", "external_id exists"))
				continue
			case seen[ext]:
				rep.Skipped++
				r.log.Warn("stats content skipped", zap.String("stats_id", row.ID), zap.String("external_id", ext), zap.String("reason", "duplicate external_id"))
				continue
			case row.QuestionID != nil && knownIDs[*row.QuestionID]:
				rep.Skipped++
				r.log.Info("stats content skipped", zap.String("stats_id", row.ID), zap.String("question_id", *row.QuestionID), zap.String("reason", "question id exists"))
				continue
			}
			q := r.questionFrom(row, ext)
			if err := q.Validate(); err != nil {
				rep.Skipped++
				r.log.Warn("stats content skipped", zap.String("stats_id", row.ID), zap.Error(err))
				continue
			}
			seen[ext] = true
			todo = append(todo, pending{statsID: row.ID, q: q, link: deref(row.QuestionID, "") != q.ID})
		}

		chunks := batch.Chunk(todo, r.cfg.MigrateBatchSize)
		for i, chunk := range chunks {
			if err := r.pacer.Wait(ctx); err != nil {
				return err
			}
			qs := make([]model.Question, len(chunk))
			for j, p := range chunk {
				qs[j] = p.q
			}
			rep.Batches++
			metrics.RecordBatch()
			wctx := context.WithoutCancel(ctx)
			if _, err := r.st.InsertQuestions(wctx, qs); err != nil {
				r.batchFailed(rep, i+1, len(chunks), len(chunk), err)
				continue
			}
			rep.Applied += len(chunk)
			metrics.RecordRecords(metrics.KindMigrated, len(chunk))
			statsIDs := make([]string, 0, len(chunk))
			for _, p := range chunk {
				if p.link {
					if _, err := r.st.LinkStats(wctx, p.statsID, p.q.ID, r.now()); err != nil {
						// Unscrubbed content keeps the row visible to Check.
						r.log.Error("link stats", zap.String("stats_id", p.statsID), zap.String("question_id", p.q.ID), zap.Error(err))
						continue
					}
				}
				statsIDs = append(statsIDs, p.statsID)
			}
			n, err := r.st.ScrubStatsContent(wctx, statsIDs, r.now())
			if err != nil {
				// The questions exist now; the next run skips these rows by
				// external id and the content stays for a manual look.
				r.log.Error("scrub stats content", zap.Int("batch", i+1), zap.Strings("stats_ids", statsIDs), zap.Error(err))
				continue
			}
			rep.Scrubbed += int(n)
			r.log.Info("migrated batch", zap.Int("batch", i+1), zap.Int("batches", len(chunks)), zap.Int("questions", len(chunk)))
		}
		return nil
	})
}

func (r *Reconciler) questionFrom(row model.StatsContent, ext string) model.Question {
	now := r.now()
	q := model.Question{
		ID:              deref(row.QuestionID, ""),
		ExternalID:      ext,
		QuestionText:    deref(row.QuestionText, ""),
		Options:         row.Options,
		CorrectAnswer:   model.NormalizeAnswer(deref(row.CorrectAnswer, "")),
		Explanation:     row.Explanation,
		Category:        deref(row.Category, r.cfg.DefaultCategory),
		Subcategory:     row.Subcategory,
		DifficultyLevel: deref(row.DifficultyLevel, model.DefaultDifficulty),
		ExamYear:        row.ExamYear,
		ExamEdition:     row.ExamEdition,
		Source:          deref(row.Source, r.cfg.DefaultSource),
		Tags:            row.Tags,
		IsActive:        true,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if q.ID == "" {
		q.ID = r.newID()
	}
	if row.CreatedAt != nil {
		q.CreatedAt = *row.CreatedAt
	}
	return q
}

func migratedExternalID(row model.StatsContent) string {
	if row.ExternalID != nil && *row.ExternalID != "" {
		return *row.ExternalID
	}
	return model.MigratedExternalPrefix + row.ID
}

// RunAll migrates content first so recoverable questions are not removed as
// orphans, then removes orphans, then backfills. It stops at the first
// operation that cannot read its target set.
func (r *Reconciler) RunAll(ctx context.Context) ([]Report, error) {
	ops := []func(context.Context) (Report, error){r.MigrateContent, r.RemoveOrphans, r.BackfillStats}
	reports := make([]Report, 0, len(ops))
	for _, op := range ops {
		rep, err := op(ctx)
		reports = append(reports, rep)
		if err != nil {
			return reports, err
		}
	}
	return reports, nil
}

// run wraps an operation with a span, step metrics and a summary line.
func (r *Reconciler) run(ctx context.Context, op string, fn func(context.Context, *Report) error) (Report, error) {
	ctx, span := tracing.Start(ctx, "reconcile."+op)
	defer span.End()

	start := time.Now()
	rep := Report{Operation: op}
	err := fn(ctx, &rep)
	rep.Duration = time.Since(start)
	metrics.RecordStep(op, err, rep.Duration)

	span.SetAttributes(
		attribute.Int("found", rep.Found),
		attribute.Int("applied", rep.Applied),
		attribute.Int("failed", rep.Failed),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.log.Error("reconcile failed", zap.String("operation", op), zap.Error(err))
		return rep, fmt.Errorf("reconcile %s: %w", op, err)
	}
	r.log.Info("reconcile done",
		zap.String("operation", op),
		zap.Int("found", rep.Found),
		zap.Int("applied", rep.Applied),
		zap.Int("skipped", rep.Skipped),
		zap.Int("failed", rep.Failed),
		zap.Duration("duration", rep.Duration.Truncate(time.Millisecond)),
	)
	return rep, nil
}

// eachBatch applies fn to ids in chunks. A failing chunk is logged and
// counted; the next chunk is still attempted. Only cancellation between
// chunks stops the loop. A chunk in flight runs to completion.
func (r *Reconciler) eachBatch(ctx context.Context, ids []string, size int, rep *Report, fn func(context.Context, []string) error) error {
	chunks := batch.Chunk(ids, size)
	for i, chunk := range chunks {
		if err := r.pacer.Wait(ctx); err != nil {
			return err
		}
		rep.Batches++
		metrics.RecordBatch()
		if err := fn(context.WithoutCancel(ctx), chunk); err != nil {
			r.batchFailed(rep, i+1, len(chunks), len(chunk), err)
			continue
		}
		r.log.Debug("batch done", zap.String("operation", rep.Operation), zap.Int("batch", i+1), zap.Int("batches", len(chunks)), zap.Int("size", len(chunk)))
	}
	return nil
}

func (r *Reconciler) batchFailed(rep *Report, n, total, size int, err error) {
	rep.FailedBatches++
	rep.Failed += size
	metrics.RecordRecords(metrics.KindFailed, size)
	r.log.Error("batch failed",
		zap.String("operation", rep.Operation),
		zap.Int("batch", n),
		zap.Int("batches", total),
		zap.Int("size", size),
		zap.Error(err),
	)
}

func (r *Reconciler) idSets(ctx context.Context) (qids, sids []string, err error) {
	if qids, err = r.st.QuestionIDs(ctx); err != nil {
		return nil, nil, err
	}
	if sids, err = r.st.StatsQuestionIDs(ctx); err != nil {
		return nil, nil, err
	}
	return qids, sids, nil
}

// difference returns a − b, keeping a's order.
func difference(a, b []string) []string {
	drop := toSet(b)
	var out []string
	for _, v := range a {
		if !drop[v] {
			out = append(out, v)
		}
	}
	return out
}

func toSet(xs []string) map[string]bool {
	m := make(map[string]bool, len(xs))
	for _, x := range xs {
		m[x] = true
	}
	return m
}

func deref(p *string, def string) string {
	if p == nil || *p == "" {
		return def
	}
	return *p
}
