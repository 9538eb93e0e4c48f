package questionstore

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"qbank/internal/model"
	"qbank/internal/options"
	"qbank/internal/records"
	"qbank/internal/storage"
)

func encodeQuestion(q model.Question) storage.Row {
	opts := q.Options
	if opts == nil {
		opts = []model.Option{}
	}
	tags := q.Tags
	if tags == nil {
		tags = []string{}
	}
	return storage.Row{
		colID:            q.ID,
		colExternalID:    q.ExternalID,
		colQuestionText:  q.QuestionText,
		colOptions:       storage.JSON{V: opts},
		colCorrectAnswer: q.CorrectAnswer,
		colExplanation:   optString(q.Explanation),
		colCategory:      q.Category,
		colSubcategory:   optString(q.Subcategory),
		colDifficulty:    q.DifficultyLevel,
		colExamYear:      optInt(q.ExamYear),
		colExamEdition:   optString(q.ExamEdition),
		colSource:        q.Source,
		colTags:          storage.StringList(tags),
		colIsActive:      q.IsActive,
		colCreatedAt:     q.CreatedAt,
		colUpdatedAt:     q.UpdatedAt,
	}
}

func optString(p *string) any {
	if p == nil {
		return nil
	}
	return *p
}

func optInt(p *int) any {
	if p == nil {
		return nil
	}
	return int64(*p)
}

// decodeStatsContent reads a statistics row written by any backend. Values
// arrive as native driver types (jsonb maps, text[] slices, time.Time) or as
// their JSON/RFC3339 text forms.
func decodeStatsContent(row storage.Row) (model.StatsContent, error) {
	sc := model.StatsContent{
		ID:              storage.NormalizeKey(row[colID]),
		QuestionID:      keyPtr(row[colQuestionID]),
		ExternalID:      textPtr(row[colExternalID]),
		QuestionText:    textPtr(row[colQuestionText]),
		CorrectAnswer:   textPtr(row[colCorrectAnswer]),
		Explanation:     textPtr(row[colExplanation]),
		Category:        textPtr(row[colCategory]),
		Subcategory:     textPtr(row[colSubcategory]),
		DifficultyLevel: textPtr(row[colDifficulty]),
		ExamEdition:     textPtr(row[colExamEdition]),
		Source:          textPtr(row[colSource]),
	}
	if v := row[colOptions]; v != nil {
		opts, _ := options.Parse(jsonValue(v))
		sc.Options = opts
	}
	tags, err := decodeTags(row[colTags])
	if err != nil {
		return sc, fmt.Errorf("tags: %w", err)
	}
	sc.Tags = tags
	if y, ok := intValue(row[colExamYear]); ok {
		sc.ExamYear = &y
	}
	if ts, ok := timeValue(row[colCreatedAt]); ok {
		sc.CreatedAt = &ts
	}
	return sc, nil
}

func keyPtr(v any) *string {
	k := storage.NormalizeKey(v)
	if k == "" {
		return nil
	}
	return &k
}

func textPtr(v any) *string {
	if v == nil {
		return nil
	}
	s := records.Text(v)
	return &s
}

// jsonValue decodes JSON text into ordered records values and leaves
// already-decoded values alone.
func jsonValue(v any) any {
	var s string
	switch t := v.(type) {
	case string:
		s = t
	case []byte:
		s = string(t)
	default:
		return v
	}
	if d, err := records.DecodeJSON([]byte(s)); err == nil {
		return d
	}
	return s
}

func decodeTags(v any) ([]string, error) {
	switch t := jsonValue(v).(type) {
	case nil:
		return nil, nil
	case []string:
		return t, nil
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			if e == nil {
				continue
			}
			out = append(out, records.Text(e))
		}
		return out, nil
	case string:
		// Postgres text[] literal when scanned as text.
		if strings.HasPrefix(t, "{") && strings.HasSuffix(t, "}") {
			inner := strings.TrimSuffix(strings.TrimPrefix(t, "{"), "}")
			if inner == "" {
				return []string{}, nil
			}
			parts := strings.Split(inner, ",")
			for i := range parts {
				parts[i] = strings.Trim(parts[i], `"`)
			}
			return parts, nil
		}
		return nil, fmt.Errorf("unsupported value %q", t)
	default:
		return nil, fmt.Errorf("unsupported type %T", v)
	}
}

func intValue(v any) (int, bool) {
	switch t := v.(type) {
	case int:
		return t, true
	case int64:
		return int(t), true
	case int32:
		return int(t), true
	case float64:
		if t == math.Trunc(t) {
			return int(t), true
		}
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return int(i), true
		}
	case string:
		if i, err := strconv.Atoi(strings.TrimSpace(t)); err == nil {
			return i, true
		}
	case []byte:
		return intValue(string(t))
	}
	return 0, false
}

func timeValue(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05.999999999Z07:00", "2006-01-02T15:04:05.999999999", "2006-01-02 15:04:05"} {
			if ts, err := time.Parse(layout, strings.TrimSpace(t)); err == nil {
				return ts, true
			}
		}
	}
	return time.Time{}, false
}
