// Command qprobe inspects a question dataset without touching storage.
//
// It loads the source, profiles its columns, shows which column feeds each
// canonical field, and runs the normalizer to report how many rows would be
// imported, why the rest would be skipped, and which option strategy fired.
//
// Output modes
//
//   - Default: one JSON document on stdout.
//   - Report (-report): a plain-text report on stdout, no JSON.
//
// Exit codes: 0 ok, 1 the dataset could not be loaded, 2 usage error.
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
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"

	"go.uber.org/zap"

	"qbank/internal/config"
	"qbank/internal/dataset"
	"qbank/internal/fieldmap"
	"qbank/internal/model"
	"qbank/internal/normalize"
	"qbank/internal/setup"
	"qbank/internal/taxonomy"
)

// probe is the JSON output.
type probe struct {
	Dataset      string            `json:"dataset"`
	Analysis     dataset.Analysis  `json:"analysis"`
	FieldColumns map[string]string `json:"field_columns"`
	Normalized   int               `json:"normalized"`
	Skipped      int               `json:"skipped"`
	SkipReasons  map[string]int    `json:"skip_reasons"`
	Strategies   map[string]int    `json:"option_strategies"`
	Categories   map[string]int    `json:"categories"`
	Sample       []model.Question  `json:"sample_questions"`
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := runMain(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func runMain(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("qprobe", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var (
		source    = fs.String("source", "", "dataset path (.json, .jsonl, .csv, .tsv) or hf://owner/name")
		maxRows   = fs.Int("max-rows", 0, "read at most this many rows (0 = all)")
		sample    = fs.Int("sample", 3, "normalized questions to include")
		report    = fs.Bool("report", false, "print a text report instead of JSON")
		category  = fs.String("default-category", "Geral", "category when none is found")
		configArg = fs.String("config", "", "YAML config file for hub settings (optional)")
		verbose   = fs.Bool("v", false, "debug logging")
	)
	if err := fs.Parse(args); err != nil {
		if !errors.Is(err, flag.ErrHelp) {
			fmt.Fprintln(stderr, err)
		}
		return 2
	}
	if strings.TrimSpace(*source) == "" {
		fmt.Fprintln(stderr, "missing required -source")
		return 2
	}
	if *maxRows < 0 || *sample < 0 {
		fmt.Fprintln(stderr, "-max-rows and -sample must not be negative")
		return 2
	}

	log, syncLog, err := setup.Logger(config.Log{Level: "warn"}, stderr, *verbose)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}
	defer syncLog()

	src := dataset.SourceFor(*source)
	src.MaxRows = *maxRows
	src.Log = log
	if src.Kind == dataset.KindHub {
		cfg, err := config.Load(config.Options{ConfigFile: *configArg})
		if err != nil {
			fmt.Fprintf(stderr, "config: %v\n", err)
			return 2
		}
		src.Hub.Endpoint = cfg.Dataset.HubEndpoint
		src.Hub.Token = cfg.Dataset.HubToken
		src.Hub.Config = cfg.Dataset.HubConfig
		src.Hub.Split = cfg.Dataset.HubSplit
		src.Hub.Client = dataset.NewHTTPClient(cfg.Dataset.HTTPTimeout)
	}

	rows, err := src.Load(ctx)
	if err != nil {
		log.Error("load dataset", zap.String("source", *source), zap.Error(err))
		return 1
	}

	mapper := fieldmap.New(nil)
	norm := normalize.New(normalize.Config{SourceTag: "hf_" + src.Name(), StripHTML: true},
		mapper, taxonomy.New(taxonomy.WithFallback(*category)), normalize.WithLogger(log))
	res := norm.Normalize(rows)

	p := probe{
		Dataset:      src.Name(),
		Analysis:     dataset.Analyze(rows),
		FieldColumns: map[string]string{},
		Normalized:   len(res.Records),
		Skipped:      len(res.Skipped),
		SkipReasons:  map[string]int{},
		Strategies:   res.Strategies,
		Categories:   map[string]int{},
	}
	for f, col := range mapper.Resolve(p.Analysis.Columns) {
		p.FieldColumns[string(f)] = col
	}
	for _, s := range res.Skipped {
		p.SkipReasons[s.Reason]++
	}
	for _, q := range res.Records {
		p.Categories[q.Category]++
	}
	p.Sample = res.Records
	if len(p.Sample) > *sample {
		p.Sample = p.Sample[:*sample]
	}

	if *report {
		writeReport(stdout, p)
		return 0
	}
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(p); err != nil {
		log.Error("write probe", zap.Error(err))
		return 1
	}
	return 0
}

func writeReport(w io.Writer, p probe) {
	fmt.Fprintf(w, "dataset report: %s rows=%d normalized=%d skipped=%d\n",
		p.Dataset, p.Analysis.TotalRows, p.Normalized, p.Skipped)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "\ncolumn\tkinds\tnulls\tunique")
	for _, c := range p.Analysis.Columns {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\n", c, strings.Join(p.Analysis.Types[c], "|"), p.Analysis.NullCounts[c], p.Analysis.Unique[c])
	}
	fmt.Fprintln(tw, "\nfield\tcolumn")
	for _, f := range fieldmap.Fields {
		col, ok := p.FieldColumns[string(f)]
		if !ok {
			col = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\n", f, col)
	}
	printCounts(tw, "option strategy", p.Strategies)
	printCounts(tw, "skip reason", p.SkipReasons)
	printCounts(tw, "category", p.Categories)
	tw.Flush()
}

// printCounts lists m by descending count, ties by key.
func printCounts(w io.Writer, title string, m map[string]int) {
	if len(m) == 0 {
		return
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if m[keys[i]] != m[keys[j]] {
			return m[keys[i]] > m[keys[j]]
		}
		return keys[i] < keys[j]
	})
	fmt.Fprintf(w, "\n%s\tcount\n", title)
	for _, k := range keys {
		fmt.Fprintf(w, "%s\t%d\n", k, m[k])
	}
}
