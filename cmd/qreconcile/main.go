// Command qreconcile repairs the link between questions and their
// statistics rows and reports how consistent the two tables are.
//
// Operations (-op):
//   - migrate:  move question content left in statistics rows into questions.
//   - orphans:  delete statistics rows whose question does not exist.
//   - backfill: create zeroed statistics for questions that have none.
//   - all:      migrate, orphans, backfill (default).
//   - check:    report only; writes nothing.
//
// Every run ends with a consistency check. The JSON result goes to stdout.
//
// Exit codes:
//   - 0: finished (per-batch failures are counted in the reports).
//   - 1: fatal error, or -strict and the tables are still inconsistent.
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
	"syscall"
	"time"

	"go.uber.org/zap"

	"qbank/internal/config"
	"qbank/internal/reconcile"
	"qbank/internal/setup"
)

const (
	opAll      = "all"
	opMigrate  = "migrate"
	opOrphans  = "orphans"
	opBackfill = "backfill"
	opCheck    = "check"
)

type deps struct {
	LoadConfig func(config.Options) (*config.Config, error)
	OpenStore  setup.OpenFunc
	Now        func() time.Time
}

type options struct {
	configFile string
	envFile    string
	op         string
	storage    string
	dsn        string
	batchSize  int
	pause      time.Duration
	ensure     bool
	strict     bool
	verbose    bool
}

// output is what stdout receives.
type output struct {
	Operation   string                `json:"operation"`
	Reports     []reconcile.Report    `json:"reports,omitempty"`
	Consistency reconcile.Consistency `json:"consistency"`
	Consistent  bool                  `json:"consistent"`
	Error       string                `json:"error,omitempty"`
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := runMain(ctx, os.Args[1:], os.Stdout, os.Stderr, deps{})
	stop()
	os.Exit(code)
}

func parseFlags(args []string, stderr io.Writer) (options, error) {
	var o options
	fs := flag.NewFlagSet("qreconcile", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&o.configFile, "config", "", "YAML config file (default ./config/qbank.yaml if present)")
	fs.StringVar(&o.envFile, "env-file", "", ".env file to load (default ./.env if present)")
	fs.StringVar(&o.op, "op", opAll, "operation: all|migrate|orphans|backfill|check")
	fs.StringVar(&o.storage, "storage", "", "storage kind (overrides config)")
	fs.StringVar(&o.dsn, "dsn", "", "storage DSN (overrides DATABASE_URL)")
	fs.IntVar(&o.batchSize, "batch-size", 0, "ids per delete/insert batch (overrides config)")
	fs.DurationVar(&o.pause, "pause", -1, "pause between batches (overrides config)")
	fs.BoolVar(&o.ensure, "ensure-schema", false, "create missing tables first")
	fs.BoolVar(&o.strict, "strict", false, "exit 1 when the final check is not consistent")
	fs.BoolVar(&o.verbose, "v", false, "debug logging")
	if err := fs.Parse(args); err != nil {
		return o, err
	}
	switch o.op {
	case opAll, opMigrate, opOrphans, opBackfill, opCheck:
	default:
		return o, fmt.Errorf("unknown -op %q", o.op)
	}
	if o.batchSize < 0 {
		return o, errors.New("-batch-size must not be negative")
	}
	return o, nil
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
	if o.storage != "" {
		cfg.Storage.Kind = o.storage
	}
	if o.dsn != "" {
		cfg.Storage.DSN = o.dsn
	}
	if o.batchSize > 0 {
		cfg.Reconcile.BatchSize = o.batchSize
	}
	if o.pause >= 0 {
		cfg.Reconcile.Pause = o.pause
	}
	if o.ensure {
		cfg.Storage.EnsureSchema = true
	}
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
	defer setup.Tracing(cfg.Tracing, "qreconcile", log)()
	defer setup.Metrics(ctx, cfg.Metrics, "qreconcile", log)()

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
	if err := repo.Ping(ctx); err != nil {
		log.Error("storage unreachable", zap.Error(err))
		return 1
	}

	rec := reconcile.New(repo, reconcile.Config{
		BatchSize:        cfg.Reconcile.BatchSize,
		MigrateBatchSize: cfg.Reconcile.MigrateBatchSize,
		Pause:            cfg.Reconcile.Pause,
		DefaultCategory:  cfg.Import.DefaultCategory,
		DefaultSource:    cfg.Import.Source,
	}, reconcile.WithLogger(log), reconcile.WithClock(func() time.Time { return d.Now().UTC() }))

	out := output{Operation: o.op}
	code := 0
	if opErr := apply(ctx, rec, o.op, &out); opErr != nil {
		log.Error("reconcile failed", zap.String("op", o.op), zap.Error(opErr))
		out.Error = opErr.Error()
		code = 1
	}

	// The final check runs even after a failed operation so the report shows
	// where the tables were left.
	cons, err := rec.Check(context.WithoutCancel(ctx))
	if err != nil {
		log.Error("check failed", zap.Error(err))
		code = 1
	}
	out.Consistency = cons
	out.Consistent = err == nil && cons.Consistent()
	if o.strict && !out.Consistent {
		code = 1
	}
	if cons.ContentRows > 0 && o.op != opCheck {
		log.Warn("statistics rows still carry question content; inspect them manually",
			zap.Int("rows", cons.ContentRows))
	}

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		log.Warn("write report", zap.Error(err))
	}
	return code
}

func apply(ctx context.Context, rec *reconcile.Reconciler, op string, out *output) error {
	var (
		rep reconcile.Report
		err error
	)
	switch op {
	case opCheck:
		return nil
	case opAll:
		out.Reports, err = rec.RunAll(ctx)
		return err
	case opMigrate:
		rep, err = rec.MigrateContent(ctx)
	case opOrphans:
		rep, err = rec.RemoveOrphans(ctx)
	case opBackfill:
		rep, err = rec.BackfillStats(ctx)
	}
	out.Reports = []reconcile.Report{rep}
	return err
}
