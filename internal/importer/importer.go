// Package importer writes normalized questions to storage in fixed-size
// batches and drives the end-to-end import pipeline.
package importer

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"qbank/internal/batch"
	"qbank/internal/metrics"
	"qbank/internal/model"
	"qbank/internal/tracing"
)

// DefaultBatchSize is used when Config.BatchSize is not positive.
const DefaultBatchSize = 100

// Writer persists one batch keyed on external_id.
// *questionstore.Repository implements it.
type Writer interface {
	UpsertQuestions(ctx context.Context, qs []model.Question) (int64, error)
}

// Config sizes and paces batches.
type Config struct {
	BatchSize int
	Pause     time.Duration
}

// Result counts what an import did. Imported and Errors are record counts.
type Result struct {
	Imported      int `json:"imported"`
	Errors        int `json:"errors"`
	Batches       int `json:"batches"`
	FailedBatches int `json:"failed_batches"`
}

// Importer is single-threaded: one batch is in flight at a time.
type Importer struct {
	w     Writer
	size  int
	pacer *batch.Pacer
	log   *zap.Logger
}

// New returns an Importer writing through w. A nil log discards output.
func New(w Writer, cfg Config, log *zap.Logger) *Importer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Importer{w: w, size: cfg.BatchSize, pacer: batch.NewPacer(cfg.Pause), log: log}
}

// Import upserts qs in input order. A failing batch is logged with its
// external id range, counted in Errors and skipped; later batches are still
// written. The returned error is non-nil only when ctx ends between batches,
// in which case Result covers the batches already attempted. A batch that
// has been issued is never interrupted.
func (im *Importer) Import(ctx context.Context, qs []model.Question) (Result, error) {
	ctx, span := tracing.Start(ctx, "importer.import")
	defer span.End()

	var res Result
	chunks := batch.Chunk(qs, im.size)
	for i, chunk := range chunks {
		if err := im.pacer.Wait(ctx); err != nil {
			im.log.Warn("import interrupted", zap.Int("batch", i+1), zap.Int("batches", len(chunks)), zap.Error(err))
			return res, err
		}
		res.Batches++
		metrics.RecordBatch()

		start := time.Now()
		_, err := im.w.UpsertQuestions(context.WithoutCancel(ctx), chunk)
		dur := time.Since(start)
		first, last := chunk[0].ExternalID, chunk[len(chunk)-1].ExternalID
		if err != nil {
			res.FailedBatches++
			res.Errors += len(chunk)
			metrics.RecordRecords(metrics.KindFailed, len(chunk))
			im.log.Error("batch failed",
				zap.Int("batch", i+1),
				zap.Int("batches", len(chunks)),
				zap.Int("size", len(chunk)),
				zap.String("first_external_id", first),
				zap.String("last_external_id", last),
				zap.Duration("duration", dur),
				zap.Error(err),
			)
			continue
		}
		res.Imported += len(chunk)
		metrics.RecordRecords(metrics.KindImported, len(chunk))
		im.log.Info("batch imported",
			zap.Int("batch", i+1),
			zap.Int("batches", len(chunks)),
			zap.Int("size", len(chunk)),
			zap.String("first_external_id", first),
			zap.String("last_external_id", last),
			zap.Duration("duration", dur),
		)
	}
	span.SetAttributes(
		attribute.Int("imported", res.Imported),
		attribute.Int("errors", res.Errors),
		attribute.Int("batches", res.Batches),
	)
	return res, nil
}
