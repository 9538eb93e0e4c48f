// Package fieldmap resolves canonical question fields from source rows whose
// column names vary between datasets and languages.
package fieldmap

import (
	"strings"

	"qbank/internal/records"
)

// Field is a canonical field name.
type Field string

const (
	Question    Field = "question"
	Options     Field = "options"
	Answer      Field = "answer"
	Explanation Field = "explanation"
	Category    Field = "category"
	Year        Field = "year"
	Phase       Field = "phase"
)

// Fields lists every canonical field in a stable order.
var Fields = []Field{Question, Options, Answer, Explanation, Category, Year, Phase}

// DefaultSynonyms is the priority-ordered synonym list per canonical field.
var DefaultSynonyms = map[Field][]string{
	Question:    {"question", "pergunta", "enunciado", "text", "question_text"},
	Options:     {"options", "alternativas", "choices", "opcoes"},
	Answer:      {"answer", "resposta", "correct_answer", "gabarito"},
	Explanation: {"explanation", "explicacao", "justificativa", "comentario"},
	Category:    {"category", "categoria", "materia", "subject", "area"},
	Year:        {"year", "ano", "exam_year"},
	Phase:       {"phase", "fase", "exam_phase"},
}

// Mapper looks up canonical fields in rows. The zero value is not usable;
// build one with New.
type Mapper struct {
	synonyms map[Field][]string
}

// New returns a Mapper over DefaultSynonyms. extra synonyms are appended
// after the defaults, so they only win when no default synonym matches.
func New(extra map[Field][]string) *Mapper {
	syn := make(map[Field][]string, len(DefaultSynonyms))
	for f, list := range DefaultSynonyms {
		syn[f] = append([]string(nil), list...)
	}
	for f, list := range extra {
		for _, s := range list {
			s = strings.ToLower(strings.TrimSpace(s))
			if s != "" {
				syn[f] = append(syn[f], s)
			}
		}
	}
	return &Mapper{synonyms: syn}
}

// Synonyms returns the lookup order for field.
func (m *Mapper) Synonyms(field Field) []string {
	return m.synonyms[field]
}

// Lookup returns the value of the first column that matches field.
//
// Synonyms are tried in priority order; for each synonym the row columns are
// scanned in source order and a column matches when its lower-cased name
// contains the synonym. Columns whose value is blank are passed over.
func (m *Mapper) Lookup(row records.Row, field Field) (any, bool) {
	for _, syn := range m.synonyms[field] {
		for _, f := range row.Fields {
			if !strings.Contains(strings.ToLower(f.Name), syn) {
				continue
			}
			if records.IsBlank(f.Value) {
				continue
			}
			return f.Value, true
		}
	}
	return nil, false
}

// LookupText is Lookup rendered as trimmed text.
func (m *Mapper) LookupText(row records.Row, field Field) (string, bool) {
	v, ok := m.Lookup(row, field)
	if !ok {
		return "", false
	}
	s := strings.TrimSpace(records.Text(v))
	return s, s != ""
}

// Resolve reports, per canonical field, the first of columns that Lookup
// would consult. Fields with no matching column are absent. Blank values are
// not considered, so the result describes the schema rather than one row.
func (m *Mapper) Resolve(columns []string) map[Field]string {
	out := make(map[Field]string, len(Fields))
	for _, field := range Fields {
	search:
		for _, syn := range m.synonyms[field] {
			for _, c := range columns {
				if strings.Contains(strings.ToLower(c), syn) {
					out[field] = c
					break search
				}
			}
		}
	}
	return out
}
