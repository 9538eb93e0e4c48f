// Package mysql implements storage.Store for MySQL through gorm.
//
// The DSN must carry parseTime=true so DATETIME columns scan as time.Time.
package mysql

import (
	"context"
	"fmt"
	"strings"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"qbank/internal/storage"
)

const inChunk = 2000

type Store struct {
	db *gorm.DB
}

func init() {
	storage.Register("mysql", New)
}

func New(ctx context.Context, cfg storage.Config) (storage.Store, error) {
	db, err := gorm.Open(mysql.Open(cfg.DSN), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() {
	if sqlDB, err := s.db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}

func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *Store) EnsureTables(ctx context.Context, tables []storage.TableSpec) error {
	for _, t := range tables {
		q, err := buildCreateSQL(t)
		if err != nil {
			return err
		}
		if err := s.db.WithContext(ctx).Exec(q).Error; err != nil {
			return fmt.Errorf("mysql: create table %s: %w", t.Name, err)
		}
	}
	return nil
}

func (s *Store) Select(ctx context.Context, table string, columns []string, f storage.Filter) ([]storage.Row, error) {
	if len(columns) == 0 {
		return nil, fmt.Errorf("mysql: select %s: no columns", table)
	}
	var out []storage.Row
	for _, part := range storage.SplitIn(f, inChunk) {
		q, err := s.where(s.db.WithContext(ctx).Table(table), part)
		if err != nil {
			return nil, err
		}
		var got []map[string]any
		if err := q.Select(columns).Find(&got).Error; err != nil {
			return nil, fmt.Errorf("mysql: select %s: %w", table, err)
		}
		for _, m := range got {
			r := make(storage.Row, len(columns))
			for _, c := range columns {
				v := m[c]
				if b, ok := v.([]byte); ok {
					v = string(b)
				}
				r[c] = v
			}
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *Store) Upsert(ctx context.Context, table string, rows []storage.Row, c storage.Conflict) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	if len(c.Columns) == 0 {
		return 0, fmt.Errorf("mysql: upsert %s: no conflict columns", table)
	}
	rows, err := storage.DedupeRows(rows, c.Columns)
	if err != nil {
		return 0, err
	}
	res := upsert(s.db.WithContext(ctx), table, rows, c)
	if res.Error != nil {
		return 0, fmt.Errorf("mysql: upsert %s: %w", table, res.Error)
	}
	return res.RowsAffected, nil
}

func (s *Store) Insert(ctx context.Context, table string, rows []storage.Row) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	vals, err := values(rows)
	if err != nil {
		return 0, err
	}
	res := s.db.WithContext(ctx).Table(table).Create(&vals)
	if res.Error != nil {
		return 0, fmt.Errorf("mysql: insert %s: %w", table, res.Error)
	}
	return res.RowsAffected, nil
}

func (s *Store) Update(ctx context.Context, table string, patch storage.Row, f storage.Filter) (int64, error) {
	if len(patch) == 0 {
		return 0, fmt.Errorf("mysql: update %s: empty patch", table)
	}
	p, err := encodeRow(patch, storage.Columns([]storage.Row{patch}))
	if err != nil {
		return 0, err
	}
	var total int64
	for _, part := range storage.SplitIn(f, inChunk) {
		q, err := s.where(s.db.WithContext(ctx).Table(table), part)
		if err != nil {
			return total, err
		}
		res := q.Updates(p)
		if res.Error != nil {
			return total, fmt.Errorf("mysql: update %s: %w", table, res.Error)
		}
		total += res.RowsAffected
	}
	return total, nil
}

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
		res := s.db.WithContext(ctx).Exec("DELETE FROM "+quote(table)+where, args...)
		if res.Error != nil {
			return total, fmt.Errorf("mysql: delete %s: %w", table, res.Error)
		}
		total += res.RowsAffected
	}
	return total, nil
}

func (s *Store) where(q *gorm.DB, f storage.Filter) (*gorm.DB, error) {
	where, args, err := storage.BuildWhere(f, dialect, 1)
	if err != nil {
		return nil, err
	}
	if where == "" {
		return q, nil
	}
	return q.Where(strings.TrimPrefix(where, " WHERE "), args...), nil
}

// upsert renders INSERT ... ON DUPLICATE KEY UPDATE through gorm's
// OnConflict clause. MySQL resolves conflicts on any unique key, so
// c.Columns only decides which columns are left alone.
func upsert(db *gorm.DB, table string, rows []storage.Row, c storage.Conflict) *gorm.DB {
	vals, err := values(rows)
	if err != nil {
		_ = db.AddError(err)
		return db
	}
	oc := clause.OnConflict{DoNothing: true}
	if upd := storage.UpdateColumns(storage.Columns(rows), c); len(upd) > 0 {
		oc = clause.OnConflict{DoUpdates: clause.AssignmentColumns(upd)}
	}
	for _, k := range c.Columns {
		oc.Columns = append(oc.Columns, clause.Column{Name: k})
	}
	return db.Table(table).Clauses(oc).Create(&vals)
}

// values converts rows to the uniform maps gorm batches; every map carries
// the full column union.
func values(rows []storage.Row) ([]map[string]any, error) {
	columns := storage.Columns(rows)
	out := make([]map[string]any, len(rows))
	for i, r := range rows {
		m, err := encodeRow(r, columns)
		if err != nil {
			return nil, err
		}
		out[i] = m
	}
	return out, nil
}

func encodeRow(r storage.Row, columns []string) (map[string]any, error) {
	m := make(map[string]any, len(columns))
	for _, c := range columns {
		v, err := storage.EncodeJSONText(r[c])
		if err != nil {
			return nil, err
		}
		m[c] = v
	}
	return m, nil
}

var dialect = storage.Dialect{
	Ident:       quote,
	Placeholder: func(int) string { return "?" },
	Encode: func(v any) any {
		out, err := storage.EncodeJSONText(v)
		if err != nil {
			return nil
		}
		return out
	},
}

func quote(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}

func buildCreateSQL(t storage.TableSpec) (string, error) {
	if strings.TrimSpace(t.Name) == "" {
		return "", fmt.Errorf("mysql: table name is empty")
	}
	if len(t.Columns) == 0 {
		return "", fmt.Errorf("mysql: table %s has no columns", t.Name)
	}
	keyed := map[string]bool{t.PrimaryKey: true}
	for _, u := range t.Unique {
		for _, c := range u {
			keyed[c] = true
		}
	}
	defs := make([]string, 0, len(t.Columns)+len(t.Unique)+1)
	for _, c := range t.Columns {
		typ, err := mysqlType(c.Type, keyed[c.Name])
		if err != nil {
			return "", fmt.Errorf("mysql: table %s column %s: %w", t.Name, c.Name, err)
		}
		def := quote(c.Name) + " " + typ
		if !c.Nullable {
			def += " NOT NULL"
		}
		defs = append(defs, def)
	}
	if t.PrimaryKey != "" {
		defs = append(defs, "PRIMARY KEY ("+quote(t.PrimaryKey)+")")
	}
	for _, u := range t.Unique {
		cols := make([]string, len(u))
		for i, c := range u {
			cols[i] = quote(c)
		}
		defs = append(defs, "UNIQUE KEY ("+strings.Join(cols, ", ")+")")
	}
	return "CREATE TABLE IF NOT EXISTS " + quote(t.Name) + " (" + strings.Join(defs, ", ") + ")", nil
}

func mysqlType(logical string, key bool) (string, error) {
	switch logical {
	case storage.TypeText:
		if key {
			return "VARCHAR(255)", nil
		}
		return "LONGTEXT", nil
	case storage.TypeJSON, storage.TypeList:
		return "JSON", nil
	case storage.TypeInt:
		return "BIGINT", nil
	case storage.TypeFloat:
		return "DOUBLE", nil
	case storage.TypeBool:
		return "BOOLEAN", nil
	case storage.TypeTimestamp:
		return "DATETIME(6)", nil
	}
	return "", fmt.Errorf("unsupported column type %q", logical)
}

var (
	_ storage.Store         = (*Store)(nil)
	_ storage.SchemaEnsurer = (*Store)(nil)
)
