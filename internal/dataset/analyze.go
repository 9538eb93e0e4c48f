package dataset

import (
	"encoding/json"
	"sort"

	"qbank/internal/records"
)

// SampleSize is how many leading rows an Analysis keeps verbatim.
const SampleSize = 3

// Analysis profiles a loaded dataset before it is normalized.
type Analysis struct {
	TotalRows  int                 `json:"total_rows"`
	Columns    []string            `json:"columns"`
	Types      map[string][]string `json:"dtypes"`
	NullCounts map[string]int      `json:"null_counts"`
	Unreadable int                 `json:"unreadable_rows"`
	Unique     map[string]int      `json:"unique_counts"`
	Sample     []records.Object    `json:"sample_data"`
}

// Analyze walks rows once. Columns are listed in first-seen order; Types
// lists the value kinds observed per column, sorted.
func Analyze(rows []records.Row) Analysis {
	a := Analysis{
		TotalRows:  len(rows),
		Types:      map[string][]string{},
		NullCounts: map[string]int{},
		Unique:     map[string]int{},
	}
	kinds := map[string]map[string]struct{}{}
	seen := map[string]map[string]struct{}{}

	for _, r := range rows {
		if r.Err != nil {
			a.Unreadable++
			continue
		}
		if len(a.Sample) < SampleSize {
			a.Sample = append(a.Sample, records.Object(r.Fields))
		}
		for _, f := range r.Fields {
			if _, ok := kinds[f.Name]; !ok {
				kinds[f.Name] = map[string]struct{}{}
				seen[f.Name] = map[string]struct{}{}
				a.Columns = append(a.Columns, f.Name)
			}
			if records.IsBlank(f.Value) {
				a.NullCounts[f.Name]++
				continue
			}
			kinds[f.Name][kindOf(f.Value)] = struct{}{}
			seen[f.Name][records.Text(f.Value)] = struct{}{}
		}
	}

	for col, set := range kinds {
		list := make([]string, 0, len(set))
		for k := range set {
			list = append(list, k)
		}
		sort.Strings(list)
		a.Types[col] = list
		a.Unique[col] = len(seen[col])
	}
	return a
}

func kindOf(v any) string {
	switch v.(type) {
	case string:
		return "string"
	case json.Number, float64, int, int64:
		return "number"
	case bool:
		return "bool"
	case []any, []string:
		return "array"
	case records.Object, map[string]any:
		return "object"
	default:
		return "other"
	}
}
