// Package taxonomy assigns a legal-area category and descriptive tags to a
// question from its text.
package taxonomy

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"

	"qbank/internal/model"
)

// Category is one row of the keyword table.
type Category struct {
	Name     string
	Keywords []string
}

// DefaultTable is the category table in priority order. The first category
// with any keyword contained in the text wins. Keyword sets overlap (a text
// mentioning "processo penal" also contains "penal"), and the declared order
// decides.
var DefaultTable = []Category{
	{Name: "Direito Civil", Keywords: []string{"civil", "contrato", "propriedade", "família", "sucessões"}},
	{Name: "Direito Penal", Keywords: []string{"penal", "crime", "delito", "pena", "prisão"}},
	{Name: "Direito Constitucional", Keywords: []string{"constitucional", "constituição", "direitos fundamentais"}},
	{Name: "Direito Administrativo", Keywords: []string{"administrativo", "servidor público", "licitação"}},
	{Name: "Direito Tributário", Keywords: []string{"tributário", "imposto", "taxa", "contribuição"}},
	{Name: "Direito Processual Civil", Keywords: []string{"processual civil", "processo civil", "procedimento"}},
	{Name: "Direito Processual Penal", Keywords: []string{"processual penal", "processo penal", "inquérito"}},
	{Name: "Direito do Trabalho", Keywords: []string{"trabalho", "trabalhista", "empregado", "empregador"}},
	{Name: "Direito Empresarial", Keywords: []string{"empresarial", "sociedade", "falência", "recuperação"}},
	{Name: "Ética Profissional", Keywords: []string{"ética", "estatuto", "oab", "advogado"}},
}

// DefaultLegalTerms are tagged whenever they occur in the text, in this order.
var DefaultLegalTerms = []string{
	"jurisprudência", "súmula", "lei", "código", "artigo",
	"princípio", "doutrina", "precedente", "acórdão",
}

// Inferencer is stateless after construction and safe for concurrent use.
type Inferencer struct {
	table    []Category
	terms    []string
	fallback string
	maxTags  int
}

// Option configures an Inferencer.
type Option func(*Inferencer)

// WithFallback sets the generic bucket returned when nothing matches.
func WithFallback(name string) Option {
	return func(i *Inferencer) {
		if strings.TrimSpace(name) != "" {
			i.fallback = strings.TrimSpace(name)
		}
	}
}

// WithTable replaces the category table.
func WithTable(table []Category) Option {
	return func(i *Inferencer) { i.table = table }
}

// New builds an Inferencer over DefaultTable and DefaultLegalTerms.
func New(opts ...Option) *Inferencer {
	i := &Inferencer{
		table:    DefaultTable,
		terms:    DefaultLegalTerms,
		fallback: model.DefaultCategory,
		maxTags:  model.MaxTags,
	}
	for _, o := range opts {
		o(i)
	}
	// Keywords are matched against folded text, so fold them the same way.
	folded := make([]Category, len(i.table))
	for n, c := range i.table {
		kws := make([]string, len(c.Keywords))
		for k, kw := range c.Keywords {
			kws[k] = fold(kw)
		}
		folded[n] = Category{Name: c.Name, Keywords: kws}
	}
	i.table = folded
	terms := make([]string, len(i.terms))
	for n, t := range i.terms {
		terms[n] = fold(t)
	}
	i.terms = terms
	return i
}

// Fallback returns the generic category name.
func (i *Inferencer) Fallback() string { return i.fallback }

// Infer returns the first category whose keywords occur in text, or the
// fallback bucket.
func (i *Inferencer) Infer(text string) string {
	t := fold(text)
	if t == "" {
		return i.fallback
	}
	for _, c := range i.table {
		for _, kw := range c.Keywords {
			if strings.Contains(t, kw) {
				return c.Name
			}
		}
	}
	return i.fallback
}

// Tags returns the category slug (unless category is the fallback or empty)
// followed by every legal term found in text, truncated to the tag limit.
func (i *Inferencer) Tags(text, category string) []string {
	tags := make([]string, 0, 4)
	if category = strings.TrimSpace(category); category != "" && category != i.fallback {
		tags = append(tags, Slug(category))
	}
	t := fold(text)
	for _, term := range i.terms {
		if t != "" && strings.Contains(t, term) {
			tags = append(tags, term)
		}
	}
	if len(tags) > i.maxTags {
		tags = tags[:i.maxTags]
	}
	return tags
}

// Slug lower-cases name and replaces spaces with underscores.
func Slug(name string) string {
	return strings.ReplaceAll(fold(name), " ", "_")
}

// fold NFC-normalizes and lower-cases s so decomposed accents compare
// equal to precomposed keywords. A Caser is stateful, so one is built per
// call.
func fold(s string) string {
	if s == "" {
		return ""
	}
	return cases.Lower(language.Portuguese).String(norm.NFC.String(s))
}
