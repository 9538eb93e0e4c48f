// Package options turns the many raw encodings of multiple-choice
// alternatives found in exam datasets into an ordered []model.Option.
//
// Parsing is an ordered list of strategies tried through FirstOf: the first
// strategy that recognizes its input shape and yields at least one option
// wins. Every strategy is a pure function, so the same input always fires the
// same strategy and produces the same keys.
package options

import (
	"sort"
	"strings"

	"qbank/internal/model"
	"qbank/internal/records"
)

// Strategy attempts to parse raw. ok is false when raw is not in the shape
// the strategy understands or no option could be extracted.
type Strategy func(raw any) (opts []model.Option, ok bool)

// Named pairs a strategy with a stable name for logging and metrics.
type Named struct {
	Name string
	Fn   Strategy
}

// DefaultOrder is the fixed strategy order.
var DefaultOrder = []Named{
	{Name: "paired", Fn: Paired},
	{Name: "collection", Fn: Collection},
	{Name: "embedded_json", Fn: EmbeddedJSON},
	{Name: "inline_pattern", Fn: InlinePattern},
	{Name: "delimiter_split", Fn: DelimiterSplit},
}

// FirstOf combines strategies; the result returns the first success.
func FirstOf(strategies ...Strategy) Strategy {
	return func(raw any) ([]model.Option, bool) {
		for _, s := range strategies {
			if opts, ok := s(raw); ok {
				return opts, true
			}
		}
		return nil, false
	}
}

// Parse runs DefaultOrder and returns the options plus the name of the
// strategy that produced them. name is "" when nothing matched.
func Parse(raw any) (opts []model.Option, name string) {
	if records.IsBlank(raw) {
		return nil, ""
	}
	for _, s := range DefaultOrder {
		if out, ok := s.Fn(raw); ok {
			return out, s.Name
		}
	}
	return nil, ""
}

// Paired handles an object holding parallel "label" and "text" sequences.
// Entries are zipped up to the shorter sequence.
func Paired(raw any) ([]model.Option, bool) {
	obj, ok := asObject(raw)
	if !ok {
		return nil, false
	}
	labelsRaw, hasLabel := obj.Get("label")
	textsRaw, hasText := obj.Get("text")
	if !hasLabel || !hasText {
		return nil, false
	}

	labels := asSequence(labelsRaw)
	texts := asSequence(textsRaw)
	n := len(labels)
	if len(texts) < n {
		n = len(texts)
	}

	var ka keyAssigner
	out := make([]model.Option, 0, n)
	for i := 0; i < n; i++ {
		text := strings.TrimSpace(records.Text(texts[i]))
		if text == "" {
			continue
		}
		label, _ := labels[i].(string)
		out = append(out, model.Option{Key: ka.assign(label, len(out)), Text: text})
	}
	return out, len(out) > 0
}

// Collection handles an object (key to text) or a sequence. Sequence
// elements are keyed by position; object elements carrying "text" plus an
// optional "key" or "label" are honoured.
func Collection(raw any) ([]model.Option, bool) {
	switch v := raw.(type) {
	case records.Object, map[string]any:
		obj, _ := asObject(v)
		out := fromPairs(obj)
		return out, len(out) > 0
	case []string:
		seq := make([]any, len(v))
		for i := range v {
			seq[i] = v[i]
		}
		out := fromSequence(seq)
		return out, len(out) > 0
	case []any:
		out := fromSequence(v)
		return out, len(out) > 0
	}
	return nil, false
}

// EmbeddedJSON parses a string as JSON and applies Collection to the
// result.
func EmbeddedJSON(raw any) ([]model.Option, bool) {
	s, ok := raw.(string)
	if !ok {
		return nil, false
	}
	s = strings.TrimSpace(s)
	if s == "" || (s[0] != '{' && s[0] != '[') {
		return nil, false
	}
	parsed, err := records.DecodeJSON([]byte(s))
	if err != nil {
		return nil, false
	}
	if obj, ok := parsed.(records.Object); ok {
		if out, ok := Paired(obj); ok {
			return out, true
		}
	}
	return Collection(parsed)
}

func fromPairs(obj records.Object) []model.Option {
	var ka keyAssigner
	out := make([]model.Option, 0, len(obj))
	for _, f := range obj {
		text := strings.TrimSpace(records.Text(f.Value))
		if text == "" {
			continue
		}
		out = append(out, model.Option{Key: ka.assign(f.Name, len(out)), Text: text})
	}
	return out
}

func fromSequence(seq []any) []model.Option {
	var ka keyAssigner
	out := make([]model.Option, 0, len(seq))
	for _, el := range seq {
		label := ""
		var textVal any = el
		if obj, ok := asObject(el); ok {
			if t, ok := obj.Get("text"); ok {
				textVal = t
				if k, ok := obj.Get("key"); ok {
					label = records.Text(k)
				} else if k, ok := obj.Get("label"); ok {
					label = records.Text(k)
				}
			}
		}
		text := strings.TrimSpace(records.Text(textVal))
		if text == "" {
			continue
		}
		out = append(out, model.Option{Key: ka.assign(label, len(out)), Text: text})
	}
	return out
}

func asObject(raw any) (records.Object, bool) {
	switch v := raw.(type) {
	case records.Object:
		return v, true
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		obj := make(records.Object, 0, len(keys))
		for _, k := range keys {
			obj = append(obj, records.Field{Name: k, Value: v[k]})
		}
		return obj, true
	}
	return nil, false
}

// asSequence accepts a sequence or a lone scalar (treated as one element).
func asSequence(raw any) []any {
	switch v := raw.(type) {
	case []any:
		return v
	case []string:
		out := make([]any, len(v))
		for i := range v {
			out[i] = v[i]
		}
		return out
	case nil:
		return nil
	default:
		return []any{v}
	}
}
