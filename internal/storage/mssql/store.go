package mssql

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/microsoft/go-mssqldb"

	"qbank/internal/storage"
)

// maxParams stays below SQL Server's 2100 parameter limit per statement.
const maxParams = 2000

// Store implements storage.Store for Microsoft SQL Server.
//
// This implementation supports:
//   - Upserts via MERGE ... WITH (HOLDLOCK), one statement per chunk
//   - Plain bulk inserts
//   - Filtered select / update / delete
//
// JSON and StringList values are stored as JSON text in NVARCHAR(MAX).
// Batches are chunked so no statement carries more than maxParams parameters.
type Store struct {
	db dbConn
}

func init() {
	storage.Register("mssql", New)
}

// New constructs a Store using database/sql and the "sqlserver" driver.
//
// This method validates connectivity via PingContext.
func New(ctx context.Context, cfg storage.Config) (storage.Store, error) {
	raw, err := sql.Open("sqlserver", cfg.DSN)
	if err != nil {
		return nil, err
	}

	// Conservative defaults for bursty batch loads.
	raw.SetMaxOpenConns(64)
	raw.SetMaxIdleConns(64)

	if err := raw.PingContext(ctx); err != nil {
		_ = raw.Close()
		return nil, err
	}
	return &Store{db: &sqlDB{db: raw}}, nil
}

// Close releases database resources held by this store.
func (s *Store) Close() {
	if s == nil || s.db == nil {
		return
	}
	_ = s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// EnsureTables creates missing tables. Each CREATE is wrapped in an
// OBJECT_ID guard so the call is idempotent.
func (s *Store) EnsureTables(ctx context.Context, tables []storage.TableSpec) error {
	for _, t := range tables {
		q, err := buildCreateSQL(t)
		if err != nil {
			return err
		}
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("mssql: create table %s: %w", t.Name, err)
		}
	}
	return nil
}

func (s *Store) Select(ctx context.Context, table string, columns []string, f storage.Filter) ([]storage.Row, error) {
	if len(columns) == 0 {
		return nil, fmt.Errorf("mssql: select %s: no columns", table)
	}
	var out []storage.Row
	for _, part := range storage.SplitIn(f, maxParams) {
		where, args, err := storage.BuildWhere(part, dialect, 1)
		if err != nil {
			return nil, err
		}
		q := "SELECT " + joinIdents(columns) + " FROM " + mssqlTableIdent(table) + where
		rows, err := s.db.QueryContext(ctx, q, args...)
		if err != nil {
			return nil, fmt.Errorf("mssql: select %s: %w", table, err)
		}
		got, err := storage.ScanRows(rows, columns, nil)
		_ = rows.Close()
		if err != nil {
			return nil, fmt.Errorf("mssql: scan %s: %w", table, err)
		}
		out = append(out, got...)
	}
	return out, nil
}

// Upsert merges rows on c.Columns. Rows sharing a key within the batch are
// collapsed first because MERGE rejects a target row matched twice.
func (s *Store) Upsert(ctx context.Context, table string, rows []storage.Row, c storage.Conflict) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	if len(c.Columns) == 0 {
		return 0, fmt.Errorf("mssql: upsert %s: no conflict columns", table)
	}
	rows, err := storage.DedupeRows(rows, c.Columns)
	if err != nil {
		return 0, err
	}
	columns := storage.Columns(rows)
	var total int64
	for _, chunk := range chunkRows(rows, len(columns)) {
		q, args, err := buildMergeSQL(table, columns, chunk, c)
		if err != nil {
			return total, err
		}
		n, err := s.exec(ctx, "upsert", table, q, args)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (s *Store) Insert(ctx context.Context, table string, rows []storage.Row) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	columns := storage.Columns(rows)
	var total int64
	for _, chunk := range chunkRows(rows, len(columns)) {
		q, args := buildBulkInsertSQL(table, columns, chunk)
		n, err := s.exec(ctx, "insert", table, q, args)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (s *Store) Update(ctx context.Context, table string, patch storage.Row, f storage.Filter) (int64, error) {
	if len(patch) == 0 {
		return 0, fmt.Errorf("mssql: update %s: empty patch", table)
	}
	var total int64
	for _, part := range storage.SplitIn(f, maxParams-len(patch)) {
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
	for _, part := range storage.SplitIn(f, maxParams) {
		where, args, err := storage.BuildWhere(part, dialect, 1)
		if err != nil {
			return total, err
		}
		n, err := s.exec(ctx, "delete", table, "DELETE FROM "+mssqlTableIdent(table)+where, args)
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
		return 0, fmt.Errorf("mssql: %s %s: %w", op, table, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("mssql: %s %s: rows affected: %w", op, table, err)
	}
	return n, nil
}

var dialect = storage.Dialect{
	Ident:       mssqlIdent,
	Placeholder: func(n int) string { return fmt.Sprintf("@p%d", n) },
	Encode:      encodeArg,
}

func encodeArg(v any) any {
	if te, ok := v.(storage.TextEncoder); ok {
		txt, err := te.Text()
		if err != nil {
			return nil
		}
		return txt
	}
	return v
}

// chunkRows splits rows so each chunk binds at most maxParams values.
func chunkRows(rows []storage.Row, width int) [][]storage.Row {
	per := maxParams / max(width, 1)
	if per < 1 {
		per = 1
	}
	var out [][]storage.Row
	for start := 0; start < len(rows); start += per {
		end := min(start+per, len(rows))
		out = append(out, rows[start:end])
	}
	return out
}

// buildMergeSQL renders one MERGE for a chunk of rows. The output is
// deterministic for a given input.
//
//	MERGE INTO t WITH (HOLDLOCK) AS tgt
//	USING (VALUES (...), (...)) AS src (cols)
//	ON tgt.k = src.k
//	WHEN MATCHED THEN UPDATE SET ...
//	WHEN NOT MATCHED THEN INSERT (cols) VALUES (src.cols);
func buildMergeSQL(table string, columns []string, rows []storage.Row, c storage.Conflict) (string, []any, error) {
	if len(columns) == 0 {
		return "", nil, fmt.Errorf("mssql: upsert %s: rows have no columns", table)
	}
	values, args := valuesList(columns, rows)

	on := make([]string, len(c.Columns))
	for i, k := range c.Columns {
		on[i] = "tgt." + mssqlIdent(k) + " = src." + mssqlIdent(k)
	}

	var b strings.Builder
	b.WriteString("MERGE INTO ")
	b.WriteString(mssqlTableIdent(table))
	b.WriteString(" WITH (HOLDLOCK) AS tgt USING (VALUES ")
	b.WriteString(values)
	b.WriteString(") AS src (")
	b.WriteString(joinIdents(columns))
	b.WriteString(") ON ")
	b.WriteString(strings.Join(on, " AND "))

	if upd := storage.UpdateColumns(columns, c); len(upd) > 0 {
		sets := make([]string, len(upd))
		for i, col := range upd {
			sets[i] = "tgt." + mssqlIdent(col) + " = src." + mssqlIdent(col)
		}
		b.WriteString(" WHEN MATCHED THEN UPDATE SET ")
		b.WriteString(strings.Join(sets, ", "))
	}

	src := make([]string, len(columns))
	for i, col := range columns {
		src[i] = "src." + mssqlIdent(col)
	}
	b.WriteString(" WHEN NOT MATCHED THEN INSERT (")
	b.WriteString(joinIdents(columns))
	b.WriteString(") VALUES (")
	b.WriteString(strings.Join(src, ", "))
	b.WriteString(");")
	return b.String(), args, nil
}

// buildBulkInsertSQL builds a single INSERT ... VALUES statement for all rows.
func buildBulkInsertSQL(table string, columns []string, rows []storage.Row) (string, []any) {
	values, args := valuesList(columns, rows)
	return "INSERT INTO " + mssqlTableIdent(table) + " (" + joinIdents(columns) + ") VALUES " + values, args
}

func buildUpdateSQL(table string, patch storage.Row, f storage.Filter) (string, []any, error) {
	columns := storage.Columns([]storage.Row{patch})
	sets := make([]string, len(columns))
	args := make([]any, 0, len(columns))
	for i, col := range columns {
		sets[i] = fmt.Sprintf("%s = @p%d", mssqlIdent(col), i+1)
		args = append(args, encodeArg(patch[col]))
	}
	where, wargs, err := storage.BuildWhere(f, dialect, len(columns)+1)
	if err != nil {
		return "", nil, err
	}
	return "UPDATE " + mssqlTableIdent(table) + " SET " + strings.Join(sets, ", ") + where, append(args, wargs...), nil
}

func valuesList(columns []string, rows []storage.Row) (string, []any) {
	var b strings.Builder
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
			b.WriteString(fmt.Sprintf("@p%d", p))
			args = append(args, encodeArg(row[col]))
			p++
		}
		b.WriteString(")")
	}
	return b.String(), args
}

// buildCreateSQL wraps a CREATE TABLE in an OBJECT_ID guard.
//
// Key columns use NVARCHAR(450) so they fit in an index key.
func buildCreateSQL(t storage.TableSpec) (string, error) {
	if strings.TrimSpace(t.Name) == "" {
		return "", fmt.Errorf("mssql: table name is empty")
	}
	if len(t.Columns) == 0 {
		return "", fmt.Errorf("mssql: table %s has no columns", t.Name)
	}
	keyed := map[string]bool{t.PrimaryKey: true}
	for _, u := range t.Unique {
		for _, c := range u {
			keyed[c] = true
		}
	}

	defs := make([]string, 0, len(t.Columns)+len(t.Unique)+1)
	for _, c := range t.Columns {
		typ, err := mssqlType(c.Type, keyed[c.Name])
		if err != nil {
			return "", fmt.Errorf("mssql: table %s column %s: %w", t.Name, c.Name, err)
		}
		def := mssqlIdent(c.Name) + " " + typ
		if !c.Nullable {
			def += " NOT NULL"
		}
		defs = append(defs, def)
	}
	if t.PrimaryKey != "" {
		defs = append(defs, "PRIMARY KEY ("+mssqlIdent(t.PrimaryKey)+")")
	}
	for _, u := range t.Unique {
		defs = append(defs, "UNIQUE ("+joinIdents(u)+")")
	}

	return fmt.Sprintf(
		"IF OBJECT_ID(N'%s', N'U') IS NULL BEGIN CREATE TABLE %s (%s); END;",
		strings.ReplaceAll(t.Name, "'", "''"),
		mssqlTableIdent(t.Name),
		strings.Join(defs, ", "),
	), nil
}

func mssqlType(logical string, key bool) (string, error) {
	switch logical {
	case storage.TypeText:
		if key {
			return "NVARCHAR(450)", nil
		}
		return "NVARCHAR(MAX)", nil
	case storage.TypeJSON, storage.TypeList:
		return "NVARCHAR(MAX)", nil
	case storage.TypeInt:
		return "BIGINT", nil
	case storage.TypeFloat:
		return "FLOAT", nil
	case storage.TypeBool:
		return "BIT", nil
	case storage.TypeTimestamp:
		return "DATETIMEOFFSET", nil
	}
	return "", fmt.Errorf("unsupported column type %q", logical)
}

// mssqlIdent returns a bracket-quoted identifier, escaping ']' as ']]'.
func mssqlIdent(name string) string {
	return "[" + strings.ReplaceAll(name, "]", "]]") + "]"
}

// mssqlTableIdent returns a bracket-quoted identifier for schema-qualified names.
//
// Example:
//
//	"dbo.questions" -> [dbo].[questions]
func mssqlTableIdent(name string) string {
	parts := strings.Split(name, ".")
	for i := range parts {
		parts[i] = mssqlIdent(strings.TrimSpace(parts[i]))
	}
	return strings.Join(parts, ".")
}

func joinIdents(columns []string) string {
	out := make([]string, len(columns))
	for i, c := range columns {
		out[i] = mssqlIdent(c)
	}
	return strings.Join(out, ", ")
}

// ---- database/sql seam types ----

// dbConn is a small interface over *sql.DB used to make this package testable.
type dbConn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	PingContext(ctx context.Context) error
	Close() error
}

// sqlDB wraps *sql.DB to implement dbConn.
type sqlDB struct {
	db *sql.DB
}

func (s *sqlDB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, query, args...)
}

func (s *sqlDB) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, query, args...)
}

func (s *sqlDB) PingContext(ctx context.Context) error { return s.db.PingContext(ctx) }

// Close closes the underlying database handle.
func (s *sqlDB) Close() error { return s.db.Close() }

var (
	_ dbConn                = (*sqlDB)(nil)
	_ storage.Store         = (*Store)(nil)
	_ storage.SchemaEnsurer = (*Store)(nil)
)
