// Package setup wires configuration into the concrete logger, metrics
// backend, tracer, storage and audit sink shared by the cmd binaries.
package setup

import (
	"context"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"qbank/internal/audit"
	"qbank/internal/config"
	"qbank/internal/logging"
	"qbank/internal/metrics"
	"qbank/internal/metrics/datadog"
	"qbank/internal/metrics/prompush"
	"qbank/internal/questionstore"
	"qbank/internal/storage"
	"qbank/internal/tracing"

	// Every backend registers itself; config picks one.
	_ "qbank/internal/storage/all"
)

// Logger builds the process logger. verbose forces debug level.
func Logger(cfg config.Log, console io.Writer, verbose bool) (*zap.Logger, func(), error) {
	level := cfg.Level
	if verbose {
		level = "debug"
	}
	return logging.New(logging.Config{Level: level, File: cfg.File, Console: console})
}

// Metrics installs the configured backend and returns a func that flushes
// and closes it. Backend init failures fall back to the no-op backend, as a
// run without metrics is still a useful run.
func Metrics(ctx context.Context, cfg config.Metrics, job string, log *zap.Logger) func() {
	switch cfg.Backend {
	case "pushgateway":
		url := cfg.PushgatewayURL
		if url == "" {
			url = "http://localhost:9091"
		}
		b, err := prompush.NewBackend(job, url)
		if err != nil {
			log.Warn("metrics: pushgateway init failed, metrics disabled", zap.Error(err))
			return func() {}
		}
		metrics.SetBackend(b)
		log.Debug("metrics enabled", zap.String("backend", cfg.Backend), zap.String("url", url), zap.String("job", job))
		return func() {
			if err := metrics.Flush(); err != nil {
				log.Warn("metrics: flush failed", zap.Error(err))
			}
			metrics.SetBackend(nil)
		}
	case "datadog":
		b, err := datadog.NewBackend(ctx, datadog.Options{
			JobName:    job,
			Tags:       datadog.ParseTagsCSV(cfg.Tags),
			FlushEvery: cfg.FlushEvery,
		})
		if err != nil {
			log.Warn("metrics: datadog init failed, metrics disabled", zap.Error(err))
			return func() {}
		}
		metrics.SetBackend(b)
		log.Debug("metrics enabled", zap.String("backend", cfg.Backend), zap.String("job", job))
		return func() {
			if err := b.Close(); err != nil {
				log.Warn("metrics: datadog close failed", zap.Error(err))
			}
			metrics.SetBackend(nil)
		}
	case "", "none":
		return func() {}
	default:
		log.Warn("metrics: unknown backend, metrics disabled", zap.String("backend", cfg.Backend))
		return func() {}
	}
}

// Tracing starts the tracer provider. Failures disable tracing.
func Tracing(cfg config.Tracing, service string, log *zap.Logger) func() {
	shutdown, err := tracing.Init(service, cfg.Endpoint)
	if err != nil {
		log.Warn("tracing disabled", zap.Error(err))
		return func() {}
	}
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(ctx); err != nil {
			log.Warn("tracing shutdown", zap.Error(err))
		}
	}
}

// OpenFunc opens a storage backend. Tests substitute it.
type OpenFunc func(ctx context.Context, cfg storage.Config) (storage.Store, error)

// Repository opens the configured backend and wraps it. The returned close
// func releases the backend.
func Repository(ctx context.Context, cfg config.Storage, open OpenFunc) (*questionstore.Repository, func(), error) {
	dsn, err := cfg.RequireDSN()
	if err != nil {
		return nil, nil, err
	}
	if open == nil {
		open = storage.New
	}
	st, err := open(ctx, storage.Config{Kind: cfg.Kind, DSN: dsn})
	if err != nil {
		return nil, nil, fmt.Errorf("open %s storage: %w", cfg.Kind, err)
	}
	repo := questionstore.New(st, questionstore.Tables{Questions: cfg.QuestionsTable, Stats: cfg.StatsTable})
	if cfg.EnsureSchema {
		if err := repo.EnsureSchema(ctx); err != nil {
			st.Close()
			return nil, nil, fmt.Errorf("ensure schema: %w", err)
		}
	}
	return repo, st.Close, nil
}

// AuditSink returns a bucket sink when a bucket is configured, otherwise a
// local directory sink. An empty directory disables auditing.
func AuditSink(cfg config.Audit) (audit.Sink, error) {
	if cfg.Bucket != "" {
		return audit.NewBucket(audit.BucketConfig{
			Endpoint:  cfg.Endpoint,
			AccessKey: cfg.AccessKey,
			SecretKey: cfg.SecretKey,
			Bucket:    cfg.Bucket,
			Prefix:    cfg.Prefix,
			Secure:    cfg.Secure,
		})
	}
	if cfg.Dir == "" {
		return audit.Discard{}, nil
	}
	return audit.Dir{Path: cfg.Dir}, nil
}
