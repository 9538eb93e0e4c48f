// Command qimport loads an exam-question dataset, normalizes it and upserts
// it into the question table, then creates missing statistics rows.
//
// Sources are local JSON, JSONL, CSV or TSV files, or a hosted dataset given
// as hf://owner/name. Settings come from config/qbank.yaml, .env and the
// environment (see internal/config); flags override them.
//
// Exit codes:
//   - 0: run finished (failed batches are reported in the summary).
//   - 1: fatal error (load, connectivity, cancellation).
//   - 2: usage or configuration error.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"qbank/internal/config"
	"qbank/internal/dataset"
	"qbank/internal/fieldmap"
	"qbank/internal/importer"
	"qbank/internal/normalize"
	"qbank/internal/reconcile"
	"qbank/internal/setup"
	"qbank/internal/taxonomy"
)

// deps are the seams tests replace.
type deps struct {
	LoadConfig func(config.Options) (*config.Config, error)
	OpenStore  setup.OpenFunc
	Now        func() time.Time
}

type options struct {
	configFile string
	envFile    string
	source     string
	storage    string
	dsn        string
	batchSize  int
	pause      time.Duration
	maxRows    int
	sourceTag  string
	dryRun     bool
	noStats    bool
	ensure     bool
	verbose    bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := runMain(ctx, os.Args[1:], os.Stdout, os.Stderr, deps{})
	stop()
	os.Exit(code)
}

func parseFlags(args []string, stderr io.Writer) (options, error) {
	var o options
	fs := flag.NewFlagSet("qimport", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&o.configFile, "config", "", "YAML config file (default ./config/qbank.yaml if present)")
	fs.StringVar(&o.envFile, "env-file", "", ".env file to load (default ./.env if present)")
	fs.StringVar(&o.source, "source", "", "dataset path (.json, .jsonl, .csv, .tsv) or hf://owner/name")
	fs.StringVar(&o.storage, "storage", "", "storage kind: postgres|mssql|mysql|sqlite|memory (overrides config)")
	fs.StringVar(&o.dsn, "dsn", "", "storage DSN (overrides DATABASE_URL)")
	fs.IntVar(&o.batchSize, "batch-size", 0, "records per upsert batch (overrides config)")
	fs.DurationVar(&o.pause, "pause", -1, "pause between batches (overrides config)")
	fs.IntVar(&o.maxRows, "max-rows", 0, "stop after this many source rows (0 = all)")
	fs.StringVar(&o.sourceTag, "source-tag", "", "external_id prefix (default hf_<dataset name>)")
	fs.BoolVar(&o.dryRun, "dry-run", false, "analyze and normalize only; write nothing")
	fs.BoolVar(&o.noStats, "no-stats", false, "skip statistics generation after import")
	fs.BoolVar(&o.ensure, "ensure-schema", false, "create missing tables first (sqlite/local use)")
	fs.BoolVar(&o.verbose, "v", false, "debug logging")
	if err := fs.Parse(args); err != nil {
		return o, err
	}
	if strings.TrimSpace(o.source) == "" {
		return o, errors.New("missing required -source")
	}
	if o.batchSize < 0 || o.maxRows < 0 {
		return o, errors.New("-batch-size and -max-rows must not be negative")
	}
	return o, nil
}

// applyFlags layers explicit flags over the loaded configuration.
func applyFlags(cfg *config.Config, o options) {
	if o.storage != "" {
		cfg.Storage.Kind = o.storage
	}
	if o.dsn != "" {
		cfg.Storage.DSN = o.dsn
	}
	if o.batchSize > 0 {
		cfg.Import.BatchSize = o.batchSize
	}
	if o.pause >= 0 {
		cfg.Import.Pause = o.pause
	}
	if o.maxRows > 0 {
		cfg.Import.MaxRows = o.maxRows
	}
	if o.sourceTag != "" {
		cfg.Import.SourceTag = o.sourceTag
	}
	if o.ensure {
		cfg.Storage.EnsureSchema = true
	}
}

func runMain(ctx context.Context, args []string, stdout, stderr io.Writer, d deps) int {
	if d.LoadConfig == nil {
		d.LoadConfig = config.Load
	}
	if d.Now == nil {
		d.Now = time.Now
	}

	o, err := parseFlags(args, stderr)
	if err != nil {
		if !errors.Is(err, flag.ErrHelp) {
			fmt.Fprintln(stderr, err)
		}
		return 2
	}
	cfg, err := d.LoadConfig(config.Options{ConfigFile: o.configFile, EnvFile: o.envFile})
	if err != nil {
		fmt.Fprintf(stderr, "config: %v\n", err)
		return 2
	}
	applyFlags(cfg, o)
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}

	log, syncLog, err := setup.Logger(cfg.Log, stderr, o.verbose)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}
	defer syncLog()
	defer setup.Tracing(cfg.Tracing, "qimport", log)()
	defer setup.Metrics(ctx, cfg.Metrics, "qimport", log)()

	src := dataset.SourceFor(o.source)
	src.MaxRows = cfg.Import.MaxRows
	src.Log = log
	if src.Kind == dataset.KindHub {
		src.Hub.Endpoint = cfg.Dataset.HubEndpoint
		src.Hub.Token = cfg.Dataset.HubToken
		src.Hub.Config = cfg.Dataset.HubConfig
		src.Hub.Split = cfg.Dataset.HubSplit
		src.Hub.Client = dataset.NewHTTPClient(cfg.Dataset.HTTPTimeout)
	}
	tag := cfg.Import.SourceTag
	if tag == "" {
		tag = "hf_" + src.Name()
	}

	norm := normalize.New(normalize.Config{
		SourceTag: tag,
		Source:    cfg.Import.Source,
		StripHTML: cfg.Import.StripHTML,
	}, fieldmap.New(nil), taxonomy.New(taxonomy.WithFallback(cfg.Import.DefaultCategory)),
		normalize.WithLogger(log),
		normalize.WithClock(func() time.Time { return d.Now().UTC() }),
	)

	sink, err := setup.AuditSink(cfg.Audit)
	if err != nil {
		fmt.Fprintf(stderr, "audit: %v\n", err)
		return 2
	}

	p := &importer.Pipeline{
		Normalizer:  norm,
		Audit:       sink,
		Import:      importer.Config{BatchSize: cfg.Import.BatchSize, Pause: cfg.Import.Pause},
		SampleLimit: cfg.Audit.SampleLimit,
		DryRun:      o.dryRun,
		Log:         log,
		Now:         d.Now,
	}
	if !o.dryRun {
		repo, closeStore, err := setup.Repository(ctx, cfg.Storage, d.OpenStore)
		if err != nil {
			if errors.Is(err, config.ErrMissingDSN) {
				fmt.Fprintln(stderr, err)
				return 2
			}
			log.Error("storage", zap.Error(err))
			return 1
		}
		defer closeStore()
		p.Store = repo
		if !o.noStats {
			p.Backfill = reconcile.New(repo, reconcile.Config{
				BatchSize: cfg.Reconcile.BatchSize,
				Pause:     cfg.Reconcile.Pause,
			}, reconcile.WithLogger(log))
		}
	}

	sum, err := p.Run(ctx, src)
	if encErr := writeJSON(stdout, sum); encErr != nil {
		log.Warn("write summary", zap.Error(encErr))
	}
	if err != nil {
		log.Error("import failed", zap.Error(err))
		return 1
	}
	return 0
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
