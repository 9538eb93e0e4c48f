package importer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"qbank/internal/audit"
	"qbank/internal/dataset"
	"qbank/internal/metrics"
	"qbank/internal/model"
	"qbank/internal/normalize"
	"qbank/internal/records"
	"qbank/internal/reconcile"
	"qbank/internal/tracing"
)

// ErrConnectivity marks a storage backend that could not be reached. The
// pipeline checks connectivity before its first write.
var ErrConnectivity = errors.New("storage unreachable")

// Source yields raw rows. dataset.Source implements it.
type Source interface {
	Load(ctx context.Context) ([]records.Row, error)
	Name() string
}

// Normalizer turns raw rows into questions. *normalize.Normalizer
// implements it.
type Normalizer interface {
	Normalize(rows []records.Row) normalize.Result
}

// Store is the write side of the question table.
type Store interface {
	Writer
	Ping(ctx context.Context) error
}

// StatsBackfiller creates missing statistics rows after an import.
// *reconcile.Reconciler implements it.
type StatsBackfiller interface {
	BackfillStats(ctx context.Context) (reconcile.Report, error)
}

// Summary is the end-of-run account of every input row.
type Summary struct {
	Dataset       string        `json:"dataset"`
	Processed     int           `json:"processed"`
	Normalized    int           `json:"normalized"`
	Imported      int           `json:"imported"`
	Skipped       int           `json:"skipped"`
	Errors        int           `json:"errors"`
	StatsCreated  int           `json:"stats_created"`
	Batches       int           `json:"batches"`
	FailedBatches int           `json:"failed_batches"`
	DryRun        bool          `json:"dry_run"`
	Duration      time.Duration `json:"duration"`
}

// DefaultSampleLimit is how many normalized records the audit sample keeps.
const DefaultSampleLimit = 10

// Pipeline loads, profiles, normalizes and imports one dataset, then
// backfills statistics for the imported questions.
type Pipeline struct {
	Store      Store
	Normalizer Normalizer
	// Backfill is optional; nil skips stats generation.
	Backfill StatsBackfiller
	// Audit receives the dataset analysis and the normalized sample. Audit
	// failures are logged and never stop the run.
	Audit       audit.Sink
	Import      Config
	SampleLimit int
	// DryRun stops after normalization; nothing is written to storage.
	DryRun bool
	Log    *zap.Logger
	Now    func() time.Time
}

type processedSample struct {
	TotalProcessed int              `json:"total_processed"`
	Skipped        []normalize.Skip `json:"skipped"`
	Strategies     map[string]int   `json:"option_strategies"`
	Sample         []model.Question `json:"sample_questions"`
}

// Run executes every stage. Row and batch failures are counted in the
// Summary; only load, connectivity and cancellation errors are returned.
func (p *Pipeline) Run(ctx context.Context, src Source) (Summary, error) {
	ctx, span := tracing.Start(ctx, "importer.pipeline")
	defer span.End()

	log := p.Log
	if log == nil {
		log = zap.NewNop()
	}
	now := p.Now
	if now == nil {
		now = time.Now
	}
	sink := p.Audit
	if sink == nil {
		sink = audit.Discard{}
	}
	limit := p.SampleLimit
	if limit <= 0 {
		limit = DefaultSampleLimit
	}
	runStart := time.Now()
	sum := Summary{Dataset: src.Name(), DryRun: p.DryRun}

	var rows []records.Row
	err := step("load", func() error {
		var err error
		rows, err = src.Load(ctx)
		return err
	})
	if err != nil {
		return sum, fmt.Errorf("load dataset %s: %w", src.Name(), err)
	}
	sum.Processed = len(rows)
	metrics.RecordRecords(metrics.KindProcessed, len(rows))
	log.Info("dataset loaded", zap.String("dataset", sum.Dataset), zap.Int("rows", len(rows)))

	analysis := dataset.Analyze(rows)
	p.writeAudit(ctx, sink, log, audit.Name("dataset_analysis", now()), analysis)

	var res normalize.Result
	_ = step("normalize", func() error {
		res = p.Normalizer.Normalize(rows)
		return nil
	})
	sum.Normalized = len(res.Records)
	sum.Skipped = len(res.Skipped)
	metrics.RecordRecords(metrics.KindSkipped, len(res.Skipped))
	for _, s := range res.Skipped {
		log.Warn("row skipped", zap.Int("index", s.Index), zap.String("reason", s.Reason))
	}
	sample := res.Records
	if len(sample) > limit {
		sample = sample[:limit]
	}
	p.writeAudit(ctx, sink, log, audit.Name("processed_questions", now()), processedSample{
		TotalProcessed: len(res.Records),
		Skipped:        res.Skipped,
		Strategies:     res.Strategies,
		Sample:         sample,
	})

	if p.DryRun {
		sum.Duration = time.Since(runStart)
		logSummary(log, sum)
		return sum, nil
	}

	if err := step("ping", func() error { return p.Store.Ping(ctx) }); err != nil {
		return sum, fmt.Errorf("%w: %v", ErrConnectivity, err)
	}

	var ir Result
	err = step("import", func() error {
		var err error
		ir, err = New(p.Store, p.Import, log).Import(ctx, res.Records)
		return err
	})
	sum.Imported, sum.Errors = ir.Imported, ir.Errors
	sum.Batches, sum.FailedBatches = ir.Batches, ir.FailedBatches
	if err != nil {
		sum.Duration = time.Since(runStart)
		logSummary(log, sum)
		return sum, err
	}

	if p.Backfill != nil {
		rep, err := p.Backfill.BackfillStats(ctx)
		sum.StatsCreated = rep.Applied
		if err != nil {
			// Imported questions stay; a later reconcile run backfills them.
			log.Error("stats generation failed", zap.Error(err))
		}
	}

	sum.Duration = time.Since(runStart)
	logSummary(log, sum)
	return sum, nil
}

func (p *Pipeline) writeAudit(ctx context.Context, sink audit.Sink, log *zap.Logger, name string, v any) {
	where, err := sink.Write(ctx, name, v)
	if err != nil {
		log.Warn("audit write failed", zap.String("name", name), zap.Error(err))
		return
	}
	if where != "" {
		log.Info("audit written", zap.String("location", where))
	}
}

func step(name string, fn func() error) error {
	start := time.Now()
	err := fn()
	metrics.RecordStep(name, err, time.Since(start))
	return err
}

func logSummary(log *zap.Logger, s Summary) {
	log.Info("import summary",
		zap.String("dataset", s.Dataset),
		zap.Int("processed", s.Processed),
		zap.Int("imported", s.Imported),
		zap.Int("skipped", s.Skipped),
		zap.Int("errors", s.Errors),
		zap.Int("stats_created", s.StatsCreated),
		zap.Bool("dry_run", s.DryRun),
		zap.Duration("duration", s.Duration.Truncate(time.Millisecond)),
	)
}
