package storage

import (
	"fmt"
	"strings"
)

// Op is a filter comparison.
type Op int

const (
	OpEq Op = iota
	OpIn
	OpIsNull
	OpNotNull
)

// Cond is one predicate on a column.
type Cond struct {
	Column string
	Op     Op
	Value  any
	Values []any
}

// Filter is a conjunction of conditions. The empty filter matches every row.
type Filter []Cond

// Where builds a Filter.
func Where(conds ...Cond) Filter { return Filter(conds) }

// Eq matches column = v.
func Eq(column string, v any) Cond { return Cond{Column: column, Op: OpEq, Value: v} }

// In matches column IN (vs...). An empty list matches nothing.
func In(column string, vs []any) Cond { return Cond{Column: column, Op: OpIn, Values: vs} }

// IsNull matches column IS NULL.
func IsNull(column string) Cond { return Cond{Column: column, Op: OpIsNull} }

// NotNull matches column IS NOT NULL.
func NotNull(column string) Cond { return Cond{Column: column, Op: OpNotNull} }

// Strings converts string ids to the []any In expects.
func Strings(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

// Dialect is what a SQL backend supplies to BuildWhere.
type Dialect struct {
	// Ident quotes a column name.
	Ident func(string) string
	// Placeholder renders the n-th (1-based) bind parameter.
	Placeholder func(n int) string
	// Encode converts a filter value to a driver argument. nil means identity.
	Encode func(any) any
}

// BuildWhere renders f as " WHERE ..." (or "" for an empty filter). next is
// the number of the first placeholder to use.
func BuildWhere(f Filter, d Dialect, next int) (string, []any, error) {
	if len(f) == 0 {
		return "", nil, nil
	}
	enc := d.Encode
	if enc == nil {
		enc = func(v any) any { return v }
	}

	var b strings.Builder
	var args []any
	b.WriteString(" WHERE ")
	for i, c := range f {
		if i > 0 {
			b.WriteString(" AND ")
		}
		if strings.TrimSpace(c.Column) == "" {
			return "", nil, fmt.Errorf("storage: filter condition %d has no column", i)
		}
		col := d.Ident(c.Column)
		switch c.Op {
		case OpEq:
			if c.Value == nil {
				b.WriteString(col + " IS NULL")
				continue
			}
			b.WriteString(col + " = " + d.Placeholder(next))
			args = append(args, enc(c.Value))
			next++
		case OpIn:
			if len(c.Values) == 0 {
				b.WriteString("1 = 0")
				continue
			}
			b.WriteString(col + " IN (")
			for j, v := range c.Values {
				if j > 0 {
					b.WriteString(", ")
				}
				b.WriteString(d.Placeholder(next))
				args = append(args, enc(v))
				next++
			}
			b.WriteString(")")
		case OpIsNull:
			b.WriteString(col + " IS NULL")
		case OpNotNull:
			b.WriteString(col + " IS NOT NULL")
		default:
			return "", nil, fmt.Errorf("storage: unknown filter op %d", c.Op)
		}
	}
	return b.String(), args, nil
}

// Match evaluates f against an in-memory row.
func (f Filter) Match(r Row) bool {
	for _, c := range f {
		v, ok := r[c.Column]
		if !ok {
			v = nil
		}
		switch c.Op {
		case OpEq:
			if !EqualScalar(v, c.Value) {
				return false
			}
		case OpIn:
			hit := false
			for _, want := range c.Values {
				if v != nil && EqualScalar(v, want) {
					hit = true
					break
				}
			}
			if !hit {
				return false
			}
		case OpIsNull:
			if v != nil {
				return false
			}
		case OpNotNull:
			if v == nil {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// SplitIn splits the first In condition of f with more than size values
// into several filters, each carrying at most size values. Backends use it
// to stay under bind-parameter limits.
func SplitIn(f Filter, size int) []Filter {
	for i, c := range f {
		if c.Op != OpIn || size <= 0 || len(c.Values) <= size {
			continue
		}
		var out []Filter
		for start := 0; start < len(c.Values); start += size {
			end := start + size
			if end > len(c.Values) {
				end = len(c.Values)
			}
			part := make(Filter, len(f))
			copy(part, f)
			part[i] = In(c.Column, c.Values[start:end])
			out = append(out, part)
		}
		return out
	}
	return []Filter{f}
}
