// Package memory is an in-process storage.Store. It backs tests and dry
// runs and follows the same semantics as the SQL backends: unique keys are
// enforced, upserts preserve columns, deletes need a filter.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"qbank/internal/storage"
)

func init() {
	storage.Register("memory", func(ctx context.Context, cfg storage.Config) (storage.Store, error) {
		return New(), nil
	})
}

type table struct {
	spec *storage.TableSpec
	rows []storage.Row
}

// Store keeps every table as an ordered slice of rows.
type Store struct {
	mu     sync.Mutex
	tables map[string]*table

	// FailUpsert, when set, is consulted before every Upsert/Insert and its
	// error returned. Tests use it to simulate a failing batch.
	FailUpsert func(table string, rows []storage.Row) error
	// PingErr is returned by Ping.
	PingErr error
}

// New returns an empty Store.
func New() *Store {
	return &Store{tables: map[string]*table{}}
}

func (s *Store) tbl(name string) *table {
	t, ok := s.tables[name]
	if !ok {
		t = &table{}
		s.tables[name] = t
	}
	return t
}

// EnsureTables records unique keys so Insert can reject duplicates.
func (s *Store) EnsureTables(ctx context.Context, specs []storage.TableSpec) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range specs {
		spec := specs[i]
		s.tbl(spec.Name).spec = &spec
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.PingErr
}

func (s *Store) Close() {}

func (s *Store) Select(ctx context.Context, name string, columns []string, f storage.Filter) ([]storage.Row, error) {
	if len(columns) == 0 {
		return nil, fmt.Errorf("memory: select %s: no columns", name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []storage.Row
	for _, r := range s.tbl(name).rows {
		if !f.Match(r) {
			continue
		}
		sel := make(storage.Row, len(columns))
		for _, c := range columns {
			sel[c] = r[c]
		}
		out = append(out, sel)
	}
	return out, nil
}

func (s *Store) Insert(ctx context.Context, name string, rows []storage.Row) (int64, error) {
	return s.write(ctx, name, rows, nil)
}

func (s *Store) Upsert(ctx context.Context, name string, rows []storage.Row, c storage.Conflict) (int64, error) {
	if len(c.Columns) == 0 {
		return 0, fmt.Errorf("memory: upsert %s: no conflict columns", name)
	}
	return s.write(ctx, name, rows, &c)
}

func (s *Store) write(ctx context.Context, name string, rows []storage.Row, c *storage.Conflict) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if s.FailUpsert != nil {
		if err := s.FailUpsert(name, rows); err != nil {
			return 0, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.tbl(name)

	// Stage on a copy so a failing row leaves the table untouched, like a
	// single SQL statement would.
	staged := make([]storage.Row, len(t.rows))
	copy(staged, t.rows)

	var n int64
	for _, in := range rows {
		r, err := plain(in)
		if err != nil {
			return 0, fmt.Errorf("memory: %s: %w", name, err)
		}
		if c != nil {
			if i := find(staged, c.Columns, r); i >= 0 {
				merged := cloneRow(staged[i])
				for _, col := range storage.UpdateColumns(keys(r), *c) {
					merged[col] = r[col]
				}
				staged[i] = merged
				n++
				continue
			}
		}
		if err := t.checkUnique(staged, r); err != nil {
			return 0, fmt.Errorf("memory: %s: %w", name, err)
		}
		staged = append(staged, r)
		n++
	}
	t.rows = staged
	return n, nil
}

func (s *Store) Update(ctx context.Context, name string, patch storage.Row, f storage.Filter) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	p, err := plain(patch)
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	t := s.tbl(name)
	for i, r := range t.rows {
		if !f.Match(r) {
			continue
		}
		merged := cloneRow(r)
		for k, v := range p {
			merged[k] = v
		}
		t.rows[i] = merged
		n++
	}
	return n, nil
}

func (s *Store) Delete(ctx context.Context, name string, f storage.Filter) (int64, error) {
	if len(f) == 0 {
		return 0, storage.ErrEmptyDeleteFilter
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.tbl(name)
	kept := t.rows[:0:0]
	var n int64
	for _, r := range t.rows {
		if f.Match(r) {
			n++
			continue
		}
		kept = append(kept, r)
	}
	t.rows = kept
	return n, nil
}

// Rows returns a snapshot of a table, for assertions.
func (s *Store) Rows(name string) []storage.Row {
	s.mu.Lock()
	defer s.mu.Unlock()
	src := s.tbl(name).rows
	out := make([]storage.Row, len(src))
	for i, r := range src {
		out[i] = cloneRow(r)
	}
	return out
}

// Put appends raw rows without any checks, for seeding fixtures.
func (s *Store) Put(name string, rows ...storage.Row) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.tbl(name)
	for _, r := range rows {
		p, err := plain(r)
		if err != nil {
			panic(err)
		}
		t.rows = append(t.rows, p)
	}
}

func (t *table) checkUnique(existing []storage.Row, r storage.Row) error {
	if t.spec == nil {
		return nil
	}
	sets := append([][]string(nil), t.spec.Unique...)
	if t.spec.PrimaryKey != "" {
		sets = append(sets, []string{t.spec.PrimaryKey})
	}
	for _, cols := range sets {
		if find(existing, cols, r) >= 0 {
			return fmt.Errorf("duplicate key (%s)", strings.Join(cols, ", "))
		}
	}
	return nil
}

// find returns the index of the row whose cols equal r's, or -1. A NULL in
// any key column never matches, as in SQL.
func find(rows []storage.Row, cols []string, r storage.Row) int {
	for _, c := range cols {
		if r[c] == nil {
			return -1
		}
	}
	for i, ex := range rows {
		match := true
		for _, c := range cols {
			if !storage.EqualScalar(ex[c], r[c]) {
				match = false
				break
			}
		}
		if match {
			return i
		}
	}
	return -1
}

// plain converts wrapper values to the JSON text a SQL backend would store.
func plain(r storage.Row) (storage.Row, error) {
	out := make(storage.Row, len(r))
	for k, v := range r {
		pv, err := storage.EncodeJSONText(v)
		if err != nil {
			return nil, err
		}
		out[k] = pv
	}
	return out, nil
}

func cloneRow(r storage.Row) storage.Row {
	out := make(storage.Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

func keys(r storage.Row) []string {
	out := make([]string, 0, len(r))
	for k := range r {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

var (
	_ storage.Store         = (*Store)(nil)
	_ storage.SchemaEnsurer = (*Store)(nil)
)
