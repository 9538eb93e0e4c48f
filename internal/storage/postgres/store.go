package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"qbank/internal/storage"
)

// inChunk bounds IN (...) lists so statements stay well under the bind
// parameter limit.
const inChunk = 2000

/*
Store implements storage.Store for Postgres.

It provides:
  - Upserts via INSERT ... ON CONFLICT (...) DO UPDATE
  - Plain multi-row inserts
  - Filtered select / update / delete with chunked IN lists

JSON wrapper values are sent as jsonb, StringList as text[].
*/
type Store struct {
	pool *pgxpool.Pool
}

func init() {
	storage.Register("postgres", New)
}

// New creates a new Postgres-backed Store.
func New(ctx context.Context, cfg storage.Config) (storage.Store, error) {
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, err
	}
	return &Store{pool: pool}, nil
}

// Close closes the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Ping checks that a connection can be acquired and used.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Select returns the requested columns of every matching row.
func (s *Store) Select(ctx context.Context, table string, columns []string, f storage.Filter) ([]storage.Row, error) {
	if len(columns) == 0 {
		return nil, fmt.Errorf("postgres: select %s: no columns", table)
	}
	var out []storage.Row
	for _, part := range storage.SplitIn(f, inChunk) {
		sql, args, err := buildSelectSQL(table, columns, part)
		if err != nil {
			return nil, err
		}
		rows, err := s.pool.Query(ctx, sql, args...)
		if err != nil {
			return nil, fmt.Errorf("postgres: select %s: %w", table, err)
		}
		for rows.Next() {
			vals, err := rows.Values()
			if err != nil {
				rows.Close()
				return nil, fmt.Errorf("postgres: scan %s: %w", table, err)
			}
			r := make(storage.Row, len(columns))
			for i, c := range columns {
				r[c] = vals[i]
			}
			out = append(out, r)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("postgres: rows %s: %w", table, err)
		}
	}
	return out, nil
}

// Upsert writes rows in one statement keyed on c.Columns.
func (s *Store) Upsert(ctx context.Context, table string, rows []storage.Row, c storage.Conflict) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	if len(c.Columns) == 0 {
		return 0, fmt.Errorf("postgres: upsert %s: no conflict columns", table)
	}
	rows, err := storage.DedupeRows(rows, c.Columns)
	if err != nil {
		return 0, err
	}
	sql, args, err := buildInsertSQL(table, rows, &c)
	if err != nil {
		return 0, err
	}
	cmd, err := s.pool.Exec(ctx, sql, args...)
	if err != nil {
		return 0, fmt.Errorf("postgres: upsert %s: %w", table, err)
	}
	return cmd.RowsAffected(), nil
}

// Insert writes rows in one statement.
func (s *Store) Insert(ctx context.Context, table string, rows []storage.Row) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	sql, args, err := buildInsertSQL(table, rows, nil)
	if err != nil {
		return 0, err
	}
	cmd, err := s.pool.Exec(ctx, sql, args...)
	if err != nil {
		return 0, fmt.Errorf("postgres: insert %s: %w", table, err)
	}
	return cmd.RowsAffected(), nil
}

// Update applies patch to every matching row.
func (s *Store) Update(ctx context.Context, table string, patch storage.Row, f storage.Filter) (int64, error) {
	var total int64
	for _, part := range storage.SplitIn(f, inChunk) {
		sql, args, err := buildUpdateSQL(table, patch, part)
		if err != nil {
			return total, err
		}
		cmd, err := s.pool.Exec(ctx, sql, args...)
		if err != nil {
			return total, fmt.Errorf("postgres: update %s: %w", table, err)
		}
		total += cmd.RowsAffected()
	}
	return total, nil
}

// Delete removes every matching row. An empty filter is rejected.
func (s *Store) Delete(ctx context.Context, table string, f storage.Filter) (int64, error) {
	if len(f) == 0 {
		return 0, storage.ErrEmptyDeleteFilter
	}
	var total int64
	for _, part := range storage.SplitIn(f, inChunk) {
		where, args, err := storage.BuildWhere(part, dialect, 1)
		if err != nil {
			return total, err
		}
		cmd, err := s.pool.Exec(ctx, "DELETE FROM "+pgTableIdent(table)+where, args...)
		if err != nil {
			return total, fmt.Errorf("postgres: delete %s: %w", table, err)
		}
		total += cmd.RowsAffected()
	}
	return total, nil
}

var dialect = storage.Dialect{
	Ident:       pgIdent,
	Placeholder: func(n int) string { return fmt.Sprintf("$%d", n) },
	Encode:      encodeArg,
}

// encodeArg maps wrapper types to what pgx sends for jsonb and text[].
func encodeArg(v any) any {
	switch t := v.(type) {
	case storage.JSON:
		txt, err := t.Text()
		if err != nil || txt == nil {
			return nil
		}
		return []byte(txt.(string))
	case storage.StringList:
		if t == nil {
			return nil
		}
		return []string(t)
	}
	return v
}

func buildSelectSQL(table string, columns []string, f storage.Filter) (string, []any, error) {
	cols := make([]string, len(columns))
	for i, c := range columns {
		cols[i] = pgIdent(c)
	}
	where, args, err := storage.BuildWhere(f, dialect, 1)
	if err != nil {
		return "", nil, err
	}
	return "SELECT " + strings.Join(cols, ", ") + " FROM " + pgTableIdent(table) + where, args, nil
}

// buildInsertSQL constructs a single multi-row INSERT and its args.
//
// Why this exists:
//   - It is pure and deterministic, so we can unit test correctness (especially
//     ON CONFLICT behavior and placeholder numbering) without a database.
//
// When c is non-nil the statement becomes an upsert:
//
//	ON CONFLICT (<c.Columns>) DO UPDATE SET col = EXCLUDED.col, ...
//
// or DO NOTHING when every written column is a key or preserved column.
func buildInsertSQL(table string, rows []storage.Row, c *storage.Conflict) (string, []any, error) {
	columns := storage.Columns(rows)
	if len(columns) == 0 {
		return "", nil, fmt.Errorf("postgres: insert %s: rows have no columns", table)
	}

	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(pgTableIdent(table))
	b.WriteString(" (")
	for i, col := range columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(pgIdent(col))
	}
	b.WriteString(") VALUES ")

	args := make([]any, 0, len(rows)*len(columns))
	p := 1
	for i, row := range rows {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(")
		for j, col := range columns {
			if j > 0 {
				b.WriteString(", ")
			}
			b.WriteString(fmt.Sprintf("$%d", p))
			args = append(args, encodeArg(row[col]))
			p++
		}
		b.WriteString(")")
	}

	if c != nil {
		b.WriteString(" ON CONFLICT (")
		for i, col := range c.Columns {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(pgIdent(col))
		}
		b.WriteString(")")
		upd := storage.UpdateColumns(columns, *c)
		if len(upd) == 0 {
			b.WriteString(" DO NOTHING")
		} else {
			b.WriteString(" DO UPDATE SET ")
			for i, col := range upd {
				if i > 0 {
					b.WriteString(", ")
				}
				b.WriteString(pgIdent(col))
				b.WriteString(" = EXCLUDED.")
				b.WriteString(pgIdent(col))
			}
		}
	}
	return b.String(), args, nil
}

func buildUpdateSQL(table string, patch storage.Row, f storage.Filter) (string, []any, error) {
	if len(patch) == 0 {
		return "", nil, fmt.Errorf("postgres: update %s: empty patch", table)
	}
	columns := storage.Columns([]storage.Row{patch})

	var b strings.Builder
	b.WriteString("UPDATE ")
	b.WriteString(pgTableIdent(table))
	b.WriteString(" SET ")
	args := make([]any, 0, len(columns))
	for i, col := range columns {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(pgIdent(col))
		b.WriteString(fmt.Sprintf(" = $%d", i+1))
		args = append(args, encodeArg(patch[col]))
	}
	where, wargs, err := storage.BuildWhere(f, dialect, len(columns)+1)
	if err != nil {
		return "", nil, err
	}
	b.WriteString(where)
	return b.String(), append(args, wargs...), nil
}

// pgIdent double-quotes an identifier, escaping embedded quotes.
func pgIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// pgTableIdent quotes a possibly schema-qualified table name.
//
// Example:
//
//	"public.questions" -> "public"."questions"
func pgTableIdent(name string) string {
	schema, table := splitQualifiedName(name)
	if schema == "" {
		return pgIdent(table)
	}
	return pgIdent(schema) + "." + pgIdent(table)
}

// splitQualifiedName splits "schema.table" into its parts.
//
// This helper only handles a single dot. Anything else is treated as an
// unqualified name.
func splitQualifiedName(name string) (schema string, table string) {
	name = strings.TrimSpace(name)
	parts := strings.Split(name, ".")
	if len(parts) != 2 {
		return "", name
	}
	return strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])
}

var (
	_ storage.Store         = (*Store)(nil)
	_ storage.SchemaEnsurer = (*Store)(nil)
)
