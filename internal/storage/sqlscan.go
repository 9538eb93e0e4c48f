package storage

import (
	"database/sql"
	"fmt"
)

// ScanRows reads every row of a database/sql result into Rows keyed by
// columns. Driver byte slices become strings. convert, when non-nil, is
// applied to each value with the column's declared database type.
func ScanRows(rows *sql.Rows, columns []string, convert func(dbType string, v any) (any, error)) ([]Row, error) {
	var types []string
	if convert != nil {
		cts, err := rows.ColumnTypes()
		if err != nil {
			return nil, err
		}
		types = make([]string, len(cts))
		for i, ct := range cts {
			types[i] = ct.DatabaseTypeName()
		}
	}

	var out []Row
	for rows.Next() {
		vals := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		r := make(Row, len(columns))
		for i, c := range columns {
			v := vals[i]
			if b, ok := v.([]byte); ok {
				v = string(b)
			}
			if convert != nil && v != nil {
				cv, err := convert(types[i], v)
				if err != nil {
					return nil, fmt.Errorf("column %s: %w", c, err)
				}
				v = cv
			}
			r[c] = v
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
