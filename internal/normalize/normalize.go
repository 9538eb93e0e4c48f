// Package normalize converts raw dataset rows into canonical questions.
//
// A row that cannot be normalized is reported as a Skip and never halts the
// run. Field lookup, option parsing and categorization are delegated to
// fieldmap, options and taxonomy.
package normalize

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"qbank/internal/fieldmap"
	"qbank/internal/htmltext"
	"qbank/internal/model"
	"qbank/internal/options"
	"qbank/internal/records"
	"qbank/internal/taxonomy"
)

// Skip reasons.
const (
	ReasonMissingQuestion = "missing question text"
	ReasonMissingAnswer   = "missing correct answer"
	ReasonNoOptions       = "unparsable options"
	ReasonUnreadable      = "unreadable source line"
)

var yearInText = regexp.MustCompile(`\b(20\d{2})\b`)

// Skip records a row that was left out of the result.
type Skip struct {
	Index  int    `json:"index"`
	Reason string `json:"reason"`
}

// Result is the outcome of normalizing a batch of rows. Records keep input
// order.
type Result struct {
	Records []model.Question
	Skipped []Skip
	// Strategies counts which option strategy fired, by name.
	Strategies map[string]int
}

// Config controls the defaults applied to every record.
type Config struct {
	// SourceTag prefixes external ids: "<SourceTag>_<row index>".
	SourceTag  string
	Source     string
	Difficulty string
	StripHTML  bool
}

// Normalizer is safe for sequential reuse; it holds no per-run state.
type Normalizer struct {
	cfg    Config
	mapper *fieldmap.Mapper
	infer  *taxonomy.Inferencer
	log    *zap.Logger

	now   func() time.Time
	newID func() string
}

// Opt configures a Normalizer.
type Opt func(*Normalizer)

// WithLogger sets the logger. nil keeps the no-op logger.
func WithLogger(l *zap.Logger) Opt {
	return func(n *Normalizer) {
		if l != nil {
			n.log = l
		}
	}
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Opt {
	return func(n *Normalizer) { n.now = now }
}

// WithIDs overrides the id generator.
func WithIDs(gen func() string) Opt {
	return func(n *Normalizer) { n.newID = gen }
}

// New builds a Normalizer. mapper and infer may be nil for the defaults.
func New(cfg Config, mapper *fieldmap.Mapper, infer *taxonomy.Inferencer, opts ...Opt) *Normalizer {
	if cfg.Source == "" {
		cfg.Source = model.DefaultSource
	}
	if cfg.Difficulty == "" {
		cfg.Difficulty = model.DefaultDifficulty
	}
	if cfg.SourceTag == "" {
		cfg.SourceTag = "import"
	}
	if mapper == nil {
		mapper = fieldmap.New(nil)
	}
	if infer == nil {
		infer = taxonomy.New()
	}
	n := &Normalizer{
		cfg:    cfg,
		mapper: mapper,
		infer:  infer,
		log:    zap.NewNop(),
		now:    func() time.Time { return time.Now().UTC() },
		newID:  func() string { return uuid.NewString() },
	}
	for _, o := range opts {
		o(n)
	}
	return n
}

// ExternalID returns the stable identifier for the row at index.
func (n *Normalizer) ExternalID(index int) string {
	return fmt.Sprintf("%s_%d", n.cfg.SourceTag, index)
}

// Normalize converts rows in order.
func (n *Normalizer) Normalize(rows []records.Row) Result {
	res := Result{
		Records:    make([]model.Question, 0, len(rows)),
		Strategies: map[string]int{},
	}
	for _, row := range rows {
		q, strategy, reason := n.One(row)
		if reason != "" {
			res.Skipped = append(res.Skipped, Skip{Index: row.Index, Reason: reason})
			n.log.Debug("row skipped", zap.Int("index", row.Index), zap.String("reason", reason))
			continue
		}
		res.Strategies[strategy]++
		res.Records = append(res.Records, q)
	}
	return res
}

// One normalizes a single row. reason is non-empty when the row is skipped;
// strategy names the option parser that fired.
func (n *Normalizer) One(row records.Row) (q model.Question, strategy string, reason string) {
	if row.Err != nil {
		return q, "", ReasonUnreadable
	}
	text, ok := n.mapper.LookupText(row, fieldmap.Question)
	if ok {
		text = n.clean(text)
	}
	if text == "" {
		return q, "", ReasonMissingQuestion
	}

	answer, ok := n.mapper.LookupText(row, fieldmap.Answer)
	if !ok {
		return q, "", ReasonMissingAnswer
	}

	rawOpts, _ := n.mapper.Lookup(row, fieldmap.Options)
	opts, strategy := options.Parse(rawOpts)
	opts = n.cleanOptions(opts)
	if len(opts) == 0 {
		return q, "", ReasonNoOptions
	}

	category, ok := n.mapper.LookupText(row, fieldmap.Category)
	if !ok {
		category = n.infer.Infer(text)
	}

	now := n.now()
	q = model.Question{
		ID:              n.newID(),
		ExternalID:      n.ExternalID(row.Index),
		QuestionText:    text,
		Options:         opts,
		CorrectAnswer:   model.NormalizeAnswer(answer),
		Category:        category,
		DifficultyLevel: n.cfg.Difficulty,
		Source:          n.cfg.Source,
		Tags:            n.infer.Tags(text, category),
		IsActive:        true,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if expl, ok := n.mapper.LookupText(row, fieldmap.Explanation); ok {
		if expl = n.clean(expl); expl != "" {
			q.Explanation = &expl
		}
	}
	if phase, ok := n.mapper.LookupText(row, fieldmap.Phase); ok {
		q.ExamEdition = &phase
	}
	q.ExamYear = n.year(row, text)

	return q, strategy, ""
}

// year prefers an explicit year column and falls back to the first 20xx
// token in the question text.
func (n *Normalizer) year(row records.Row, text string) *int {
	if raw, ok := n.mapper.Lookup(row, fieldmap.Year); ok {
		if y, ok := ParseYear(raw); ok {
			return &y
		}
		return nil
	}
	if m := yearInText.FindStringSubmatch(text); m != nil {
		y, _ := strconv.Atoi(m[1])
		return &y
	}
	return nil
}

// ParseYear accepts an integer, an integral float, a json.Number or a
// string of digits.
func ParseYear(v any) (int, bool) {
	switch t := v.(type) {
	case int:
		return t, true
	case int64:
		return int(t), true
	case float64:
		if t == math.Trunc(t) && !math.IsInf(t, 0) {
			return int(t), true
		}
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return int(i), true
		}
		if f, err := t.Float64(); err == nil && f == math.Trunc(f) {
			return int(f), true
		}
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return 0, false
		}
		for _, r := range s {
			if r < '0' || r > '9' {
				return 0, false
			}
		}
		i, err := strconv.Atoi(s)
		return i, err == nil
	}
	return 0, false
}

func (n *Normalizer) clean(s string) string {
	if n.cfg.StripHTML {
		return htmltext.Clean(s)
	}
	return strings.TrimSpace(s)
}

func (n *Normalizer) cleanOptions(opts []model.Option) []model.Option {
	if !n.cfg.StripHTML {
		return opts
	}
	out := opts[:0:0]
	for _, o := range opts {
		if o.Text = htmltext.Clean(o.Text); o.Text != "" {
			out = append(out, o)
		}
	}
	return out
}
