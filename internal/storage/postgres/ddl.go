package postgres

import (
	"context"
	"fmt"
	"strings"

	"qbank/internal/storage"
)

// EnsureTables creates tables that do not exist yet. Existing tables are
// left alone; there is no migration logic here.
func (s *Store) EnsureTables(ctx context.Context, tables []storage.TableSpec) error {
	for _, t := range tables {
		schemaSQL, tableSQL, err := buildCreateSQL(t)
		if err != nil {
			return err
		}
		if schemaSQL != "" {
			if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
				return fmt.Errorf("postgres: create schema for %s: %w", t.Name, err)
			}
		}
		if _, err := s.pool.Exec(ctx, tableSQL); err != nil {
			return fmt.Errorf("postgres: create table %s: %w", t.Name, err)
		}
	}
	return nil
}

func buildCreateSQL(t storage.TableSpec) (schemaSQL, tableSQL string, err error) {
	if strings.TrimSpace(t.Name) == "" {
		return "", "", fmt.Errorf("table name is empty")
	}
	if len(t.Columns) == 0 {
		return "", "", fmt.Errorf("table %s has no columns", t.Name)
	}

	if schema, _ := splitQualifiedName(t.Name); schema != "" {
		schemaSQL = "CREATE SCHEMA IF NOT EXISTS " + pgIdent(schema)
	}

	defs := make([]string, 0, len(t.Columns)+len(t.Unique)+1)
	for _, c := range t.Columns {
		typ, err := pgType(c.Type)
		if err != nil {
			return "", "", fmt.Errorf("table %s column %s: %w", t.Name, c.Name, err)
		}
		def := pgIdent(c.Name) + " " + typ
		if !c.Nullable {
			def += " NOT NULL"
		}
		defs = append(defs, def)
	}
	if t.PrimaryKey != "" {
		defs = append(defs, "PRIMARY KEY ("+pgIdent(t.PrimaryKey)+")")
	}
	for _, u := range t.Unique {
		cols := make([]string, len(u))
		for i, c := range u {
			cols[i] = pgIdent(c)
		}
		defs = append(defs, "UNIQUE ("+strings.Join(cols, ", ")+")")
	}

	tableSQL = "CREATE TABLE IF NOT EXISTS " + pgTableIdent(t.Name) + " (\n  " + strings.Join(defs, ",\n  ") + "\n)"
	return schemaSQL, tableSQL, nil
}

func pgType(logical string) (string, error) {
	switch logical {
	case storage.TypeText:
		return "text", nil
	case storage.TypeJSON:
		return "jsonb", nil
	case storage.TypeList:
		return "text[]", nil
	case storage.TypeInt:
		return "bigint", nil
	case storage.TypeFloat:
		return "double precision", nil
	case storage.TypeBool:
		return "boolean", nil
	case storage.TypeTimestamp:
		return "timestamptz", nil
	}
	return "", fmt.Errorf("unsupported column type %q", logical)
}
