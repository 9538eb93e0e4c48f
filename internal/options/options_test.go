package options

import (
	"reflect"
	"testing"

	"qbank/internal/model"
	"qbank/internal/records"
)

func opts(kv ...string) []model.Option {
	out := make([]model.Option, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, model.Option{Key: kv[i], Text: kv[i+1]})
	}
	return out
}

func obj(kv ...any) records.Object {
	var o records.Object
	for i := 0; i+1 < len(kv); i += 2 {
		o = append(o, records.Field{Name: kv[i].(string), Value: kv[i+1]})
	}
	return o
}

func TestParse_TableDriven(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		raw      any
		want     []model.Option
		strategy string
	}{
		{
			name:     "paired label text",
			raw:      obj("label", []any{"A", "B"}, "text", []any{"10 dias", "30 dias"}),
			want:     opts("A", "10 dias", "B", "30 dias"),
			strategy: "paired",
		},
		{
			name:     "paired lower-case labels",
			raw:      obj("text", []any{"x", "y"}, "label", []any{"a", "b"}),
			want:     opts("A", "x", "B", "y"),
			strategy: "paired",
		},
		{
			name:     "paired invalid labels fall back to positions",
			raw:      obj("label", []any{"A", "2", "C3"}, "text", []any{"x", "y", "z"}),
			want:     opts("A", "x", "B", "y", "C", "z"),
			strategy: "paired",
		},
		{
			name:     "paired uneven lengths zip to shorter",
			raw:      obj("label", []any{"A", "B", "C"}, "text", []any{"x", "y"}),
			want:     opts("A", "x", "B", "y"),
			strategy: "paired",
		},
		{
			name:     "ordered mapping",
			raw:      obj("B", "second", "A", "first"),
			want:     opts("B", "second", "A", "first"),
			strategy: "collection",
		},
		{
			name:     "go map sorted by key",
			raw:      map[string]any{"b": "two", "a": "one"},
			want:     opts("A", "one", "B", "two"),
			strategy: "collection",
		},
		{
			name:     "sequence",
			raw:      []any{" x ", "y", "z"},
			want:     opts("A", "x", "B", "y", "C", "z"),
			strategy: "collection",
		},
		{
			name:     "sequence of keyed objects",
			raw:      []any{obj("key", "b", "text", "bee"), obj("key", "a", "text", "ay")},
			want:     opts("B", "bee", "A", "ay"),
			strategy: "collection",
		},
		{
			name:     "embedded json object",
			raw:      `{"A": "Sim", "B": "Não"}`,
			want:     opts("A", "Sim", "B", "Não"),
			strategy: "embedded_json",
		},
		{
			name:     "embedded json array",
			raw:      `["um", "dois"]`,
			want:     opts("A", "um", "B", "dois"),
			strategy: "embedded_json",
		},
		{
			name:     "embedded json label text",
			raw:      `{"label": ["A","B"], "text": ["p","q"]}`,
			want:     opts("A", "p", "B", "q"),
			strategy: "embedded_json",
		},
		{
			name:     "inline pattern",
			raw:      "(A) Sim (B) Não",
			want:     opts("A", "Sim", "B", "Não"),
			strategy: "inline_pattern",
		},
		{
			name:     "inline pattern lower-case markers",
			raw:      "(a) primeiro\n(b) segundo (c) terceiro",
			want:     opts("A", "primeiro", "B", "segundo", "C", "terceiro"),
			strategy: "inline_pattern",
		},
		{
			name:     "broken json falls through to split",
			raw:      "[not json\nsecond",
			want:     opts("A", "[not json", "B", "second"),
			strategy: "delimiter_split",
		},
		{
			name:     "newline split",
			raw:      "um\n\n dois \ntrês",
			want:     opts("A", "um", "B", "dois", "C", "três"),
			strategy: "delimiter_split",
		},
		{
			name:     "semicolon after useless newline",
			raw:      "um; dois\n",
			want:     opts("A", "um", "B", "dois"),
			strategy: "delimiter_split",
		},
		{
			name:     "pipe split capped at five",
			raw:      "a|b|c|d|e|f|g",
			want:     opts("A", "a", "B", "b", "C", "c", "D", "d", "E", "e"),
			strategy: "delimiter_split",
		},
		{
			name:     "plain text is unparsable",
			raw:      "just one alternative",
			want:     nil,
			strategy: "",
		},
		{
			name:     "blank",
			raw:      "   ",
			want:     nil,
			strategy: "",
		},
		{
			name:     "empty sequence",
			raw:      []any{},
			want:     nil,
			strategy: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, name := Parse(tt.raw)
			if name != tt.strategy {
				t.Fatalf("strategy=%q want %q", name, tt.strategy)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("got %+v want %+v", got, tt.want)
			}
		})
	}
}

func TestParse_Deterministic(t *testing.T) {
	t.Parallel()

	raw := map[string]any{"c": "3", "a": "1", "b": "2", "d": "4"}
	first, _ := Parse(raw)
	for i := 0; i < 50; i++ {
		got, _ := Parse(raw)
		if !reflect.DeepEqual(got, first) {
			t.Fatalf("run %d: got %+v want %+v", i, got, first)
		}
	}
}

func TestFirstOf_StopsAtFirstSuccess(t *testing.T) {
	t.Parallel()

	calls := 0
	fail := func(any) ([]model.Option, bool) { calls++; return nil, false }
	hit := func(any) ([]model.Option, bool) { calls++; return opts("A", "x"), true }
	never := func(any) ([]model.Option, bool) { t.Fatal("strategy after success was called"); return nil, false }

	got, ok := FirstOf(fail, hit, never)("raw")
	if !ok || len(got) != 1 || calls != 2 {
		t.Fatalf("ok=%v got=%v calls=%d", ok, got, calls)
	}
}

func TestKeyAssigner_UniqueKeys(t *testing.T) {
	t.Parallel()

	var ka keyAssigner
	got := []string{
		ka.assign("B", 0),
		ka.assign("", 1),
		ka.assign("b", 2),
		ka.assign("x1", 3),
	}
	want := []string{"B", "C", "D", "E"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v want %v", got, want)
	}
}
