package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrUnknownKind is returned by New for an unregistered backend kind.
var ErrUnknownKind = errors.New("storage: unsupported kind")

// Config is the minimal configuration needed to open a Store.
//
// When to use:
//   - Use Config when constructing a Store via New.
//
// Edge cases:
//   - Kind must be non-empty and must match a registered backend kind.
//   - DSN is passed through to the backend factory; validation is backend-specific.
type Config struct {
	Kind string
	DSN  string
}

// Row is one table row keyed by column name.
//
// Values are plain Go scalars, time.Time, nil, or one of the wrapper types
// JSON and StringList which each backend encodes in its native way.
type Row map[string]any

// Conflict describes an upsert target.
//
// Columns is the unique key that decides "insert vs update". On conflict all
// written columns are overwritten except Columns themselves and Preserve,
// which keep the stored value.
type Conflict struct {
	Columns  []string
	Preserve []string
}

// Store is the backend-agnostic table access the ingestion and
// reconciliation code needs. Every method is a single statement per call
// (or a chunked sequence of them); no multi-call transactions are exposed.
type Store interface {
	// Ping verifies connectivity. Callers run it before any write.
	Ping(ctx context.Context) error

	// Select returns columns of every row matching f. An empty column list
	// selects nothing useful and is rejected.
	Select(ctx context.Context, table string, columns []string, f Filter) ([]Row, error)

	// Upsert writes rows as one batch keyed on c.Columns.
	Upsert(ctx context.Context, table string, rows []Row, c Conflict) (int64, error)

	// Insert writes rows as one batch.
	Insert(ctx context.Context, table string, rows []Row) (int64, error)

	// Update sets patch on every row matching f.
	Update(ctx context.Context, table string, patch Row, f Filter) (int64, error)

	// Delete removes every row matching f. An empty filter is rejected so a
	// bug cannot truncate a table.
	Delete(ctx context.Context, table string, f Filter) (int64, error)

	// Close releases backend resources. Call once.
	Close()
}

// ErrEmptyDeleteFilter guards against unfiltered deletes.
var ErrEmptyDeleteFilter = errors.New("storage: delete requires a filter")

type factory func(ctx context.Context, cfg Config) (Store, error)

var (
	mu        sync.RWMutex
	factories = map[string]factory{}
)

// Register registers a backend under a kind (e.g. "postgres", "sqlite").
//
// When to use:
//   - Call Register from an init() function in a backend package.
//
// Panics:
//   - If kind is empty, f is nil, or kind is already registered.
func Register(kind string, f factory) {
	mu.Lock()
	defer mu.Unlock()

	if kind == "" {
		panic("storage: Register called with empty kind")
	}
	if f == nil {
		panic("storage: Register called with nil factory")
	}
	if _, exists := factories[kind]; exists {
		panic(fmt.Sprintf("storage: factory already registered for kind=%q", kind))
	}
	factories[kind] = f
}

// New constructs a Store using the registered backend factory.
//
// Errors:
//   - Returns an error if cfg.Kind is empty or unsupported (wrapping ErrUnknownKind).
//   - Returns whatever error the registered factory returns.
func New(ctx context.Context, cfg Config) (Store, error) {
	if cfg.Kind == "" {
		return nil, fmt.Errorf("storage: missing kind")
	}

	mu.RLock()
	f := factories[cfg.Kind]
	mu.RUnlock()

	if f == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, cfg.Kind)
	}
	return f(ctx, cfg)
}

// Kinds lists registered backend kinds, sorted.
func Kinds() []string {
	mu.RLock()
	defer mu.RUnlock()
	out := make([]string, 0, len(factories))
	for k := range factories {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Columns returns the sorted union of column names across rows. Backends
// use it to build one multi-row statement; a row lacking a column writes NULL.
func Columns(rows []Row) []string {
	set := map[string]struct{}{}
	for _, r := range rows {
		for k := range r {
			set[k] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// UpdateColumns returns the columns an upsert overwrites on conflict.
func UpdateColumns(columns []string, c Conflict) []string {
	skip := map[string]bool{}
	for _, k := range c.Columns {
		skip[k] = true
	}
	for _, k := range c.Preserve {
		skip[k] = true
	}
	out := make([]string, 0, len(columns))
	for _, col := range columns {
		if !skip[col] {
			out = append(out, col)
		}
	}
	return out
}
