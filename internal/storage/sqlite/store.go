package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"qbank/internal/storage"
)

// Store implements storage.Store for SQLite.
//
// Key design points vs Postgres:
//   - SQLite has no jsonb or array types. JSON and StringList values are
//     stored as JSON text.
//   - Timestamps are written as RFC3339Nano strings for reliable round-trip
//     behavior and easy debugging, and parsed back for TIMESTAMP columns.
type Store struct {
	db *sql.DB
}

// maxVars keeps IN lists under SQLite's bind variable limit.
const maxVars = 900

func init() {
	storage.Register("sqlite", New)
}

// New opens the database and verifies connectivity.
//
// An in-memory DSN is pinned to one connection; otherwise every pooled
// connection would see its own empty database.
func New(ctx context.Context, cfg storage.Config) (storage.Store, error) {
	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, err
	}
	if strings.Contains(cfg.DSN, ":memory:") || strings.Contains(cfg.DSN, "mode=memory") {
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() { _ = s.db.Close() }

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// EnsureTables creates missing tables with their primary and unique keys.
// It keeps local runs and tests idempotent.
func (s *Store) EnsureTables(ctx context.Context, tables []storage.TableSpec) error {
	for _, t := range tables {
		q, err := buildCreateSQL(t)
		if err != nil {
			return err
		}
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("sqlite: create table %s: %w", t.Name, err)
		}
	}
	return nil
}

func (s *Store) Select(ctx context.Context, table string, columns []string, f storage.Filter) ([]storage.Row, error) {
	if len(columns) == 0 {
		return nil, fmt.Errorf("sqlite: select %s: no columns", table)
	}
	var out []storage.Row
	for _, part := range storage.SplitIn(f, maxVars) {
		where, args, err := storage.BuildWhere(part, dialect, 1)
		if err != nil {
			return nil, err
		}
		q := "SELECT " + joinIdentList(columns) + " FROM " + sqlIdent(table) + where
		rows, err := s.db.QueryContext(ctx, q, args...)
		if err != nil {
			return nil, fmt.Errorf("sqlite: select %s: %w", table, err)
		}
		got, err := storage.ScanRows(rows, columns, convertValue)
		_ = rows.Close()
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan %s: %w", table, err)
		}
		out = append(out, got...)
	}
	return out, nil
}

func (s *Store) Upsert(ctx context.Context, table string, rows []storage.Row, c storage.Conflict) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	if len(c.Columns) == 0 {
		return 0, fmt.Errorf("sqlite: upsert %s: no conflict columns", table)
	}
	rows, err := storage.DedupeRows(rows, c.Columns)
	if err != nil {
		return 0, err
	}
	q, args, err := buildInsertSQL(table, rows, &c)
	if err != nil {
		return 0, err
	}
	return s.exec(ctx, "upsert", table, q, args)
}

func (s *Store) Insert(ctx context.Context, table string, rows []storage.Row) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	q, args, err := buildInsertSQL(table, rows, nil)
	if err != nil {
		return 0, err
	}
	return s.exec(ctx, "insert", table, q, args)
}

func (s *Store) Update(ctx context.Context, table string, patch storage.Row, f storage.Filter) (int64, error) {
	if len(patch) == 0 {
		return 0, fmt.Errorf("sqlite: update %s: empty patch", table)
	}
	var total int64
	for _, part := range storage.SplitIn(f, maxVars) {
		q, args, err := buildUpdateSQL(table, patch, part)
		if err != nil {
			return total, err
		}
		n, err := s.exec(ctx, "update", table, q, args)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (s *Store) Delete(ctx context.Context, table string, f storage.Filter) (int64, error) {
	if len(f) == 0 {
		return 0, storage.ErrEmptyDeleteFilter
	}
	var total int64
	for _, part := range storage.SplitIn(f, maxVars) {
		where, args, err := storage.BuildWhere(part, dialect, 1)
		if err != nil {
			return total, err
		}
		n, err := s.exec(ctx, "delete", table, "DELETE FROM "+sqlIdent(table)+where, args)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (s *Store) exec(ctx context.Context, op, table, q string, args []any) (int64, error) {
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return 0, fmt.Errorf("sqlite: %s %s: %w", op, table, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sqlite: %s %s: rows affected: %w", op, table, err)
	}
	return n, nil
}

var dialect = storage.Dialect{
	Ident:       sqlIdent,
	Placeholder: func(int) string { return "?" },
	Encode:      encodeArg,
}

// encodeArg stores wrappers as JSON text and times as RFC3339Nano.
func encodeArg(v any) any {
	switch t := v.(type) {
	case storage.TextEncoder:
		txt, err := t.Text()
		if err != nil {
			return nil
		}
		return txt
	case time.Time:
		return formatSQLiteTime(t)
	case *time.Time:
		if t == nil {
			return nil
		}
		return formatSQLiteTime(*t)
	}
	return v
}

// convertValue parses timestamp text back into time.Time.
func convertValue(dbType string, v any) (any, error) {
	s, ok := v.(string)
	if !ok {
		return v, nil
	}
	switch strings.ToUpper(dbType) {
	case "TIMESTAMP", "DATETIME", "DATE":
		return parseSQLiteTime(s)
	}
	return v, nil
}

func buildInsertSQL(table string, rows []storage.Row, c *storage.Conflict) (string, []any, error) {
	columns := storage.Columns(rows)
	if len(columns) == 0 {
		return "", nil, fmt.Errorf("sqlite: insert %s: rows have no columns", table)
	}
	for _, r := range rows {
		for _, v := range r {
			if te, ok := v.(storage.TextEncoder); ok {
				if _, err := te.Text(); err != nil {
					return "", nil, err
				}
			}
		}
	}

	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(sqlIdent(table))
	b.WriteString(" (")
	b.WriteString(joinIdentList(columns))
	b.WriteString(") VALUES ")

	ph := "(" + strings.TrimSuffix(strings.Repeat("?, ", len(columns)), ", ") + ")"
	args := make([]any, 0, len(rows)*len(columns))
	for i, row := range rows {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(ph)
		for _, col := range columns {
			args = append(args, encodeArg(row[col]))
		}
	}

	if c != nil {
		b.WriteString(" ON CONFLICT (")
		b.WriteString(joinIdentList(c.Columns))
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
				b.WriteString(sqlIdent(col) + " = excluded." + sqlIdent(col))
			}
		}
	}
	return b.String(), args, nil
}

func buildUpdateSQL(table string, patch storage.Row, f storage.Filter) (string, []any, error) {
	columns := storage.Columns([]storage.Row{patch})
	sets := make([]string, len(columns))
	args := make([]any, 0, len(columns))
	for i, col := range columns {
		sets[i] = sqlIdent(col) + " = ?"
		args = append(args, encodeArg(patch[col]))
	}
	where, wargs, err := storage.BuildWhere(f, dialect, len(columns)+1)
	if err != nil {
		return "", nil, err
	}
	return "UPDATE " + sqlIdent(table) + " SET " + strings.Join(sets, ", ") + where, append(args, wargs...), nil
}

// buildCreateSQL generates DDL for one table. Logical types map to SQLite
// type names whose affinity matches what encodeArg writes.
func buildCreateSQL(t storage.TableSpec) (string, error) {
	if strings.TrimSpace(t.Name) == "" {
		return "", fmt.Errorf("table name is empty")
	}
	if len(t.Columns) == 0 {
		return "", fmt.Errorf("table %s has no columns", t.Name)
	}
	defs := make([]string, 0, len(t.Columns)+len(t.Unique))
	for _, c := range t.Columns {
		typ, err := sqliteType(c.Type)
		if err != nil {
			return "", fmt.Errorf("table %s column %s: %w", t.Name, c.Name, err)
		}
		def := sqlIdent(c.Name) + " " + typ
		if c.Name == t.PrimaryKey {
			def += " PRIMARY KEY"
		}
		if !c.Nullable {
			def += " NOT NULL"
		}
		defs = append(defs, def)
	}
	for _, u := range t.Unique {
		defs = append(defs, "UNIQUE ("+joinIdentList(u)+")")
	}
	return "CREATE TABLE IF NOT EXISTS " + sqlIdent(t.Name) + " (" + strings.Join(defs, ", ") + ")", nil
}

func sqliteType(logical string) (string, error) {
	switch logical {
	case storage.TypeText, storage.TypeJSON, storage.TypeList:
		return "TEXT", nil
	case storage.TypeInt, storage.TypeBool:
		return "INTEGER", nil
	case storage.TypeFloat:
		return "REAL", nil
	case storage.TypeTimestamp:
		return "TIMESTAMP", nil
	}
	return "", fmt.Errorf("unsupported column type %q", logical)
}

func sqlIdent(id string) string {
	// SQLite supports "quoted identifiers"
	return `"` + strings.ReplaceAll(id, `"`, `""`) + `"`
}

func joinIdentList(columns []string) string {
	out := make([]string, len(columns))
	for i, c := range columns {
		out[i] = sqlIdent(c)
	}
	return strings.Join(out, ", ")
}

// formatSQLiteTime formats a time as RFC3339Nano in UTC.
// We store timestamps as TEXT for reliable scanning/parsing with modernc.org/sqlite.
func formatSQLiteTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// parseSQLiteTime parses timestamps returned by SQLite into time.Time.
//
// Supported formats:
//   - RFC3339Nano (what we write)
//   - RFC3339
//   - Common "SQLite-like" formats used by other tools/libs:
//     "2006-01-02 15:04:05Z07:00"
//     "2006-01-02 15:04:05.999999999Z07:00"
//     "2006-01-02 15:04:05" (interpreted as UTC)
func parseSQLiteTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty time string")
	}

	layouts := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02 15:04:05Z07:00",
		"2006-01-02 15:04:05.999999999Z07:00",
		"2006-01-02 15:04:05",
	}
	for _, layout := range layouts {
		if layout == "2006-01-02 15:04:05" {
			if ts, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
				return ts.UTC(), nil
			}
			continue
		}
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unsupported time format: %q", s)
}

var (
	_ storage.Store         = (*Store)(nil)
	_ storage.SchemaEnsurer = (*Store)(nil)
)
