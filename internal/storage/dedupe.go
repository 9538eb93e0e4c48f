package storage

import (
	"fmt"
	"strings"
)

// DedupeRows keeps one row per key, the last occurrence, at the position of
// the first. Postgres ON CONFLICT DO UPDATE and SQL Server MERGE both fail
// when one statement touches the same key twice, so backends dedupe a batch
// before sending it.
func DedupeRows(rows []Row, keyColumns []string) ([]Row, error) {
	if len(keyColumns) == 0 || len(rows) < 2 {
		return rows, nil
	}
	pos := make(map[string]int, len(rows))
	out := make([]Row, 0, len(rows))
	for _, r := range rows {
		parts := make([]string, len(keyColumns))
		for i, c := range keyColumns {
			v, ok := r[c]
			if !ok {
				return nil, fmt.Errorf("storage: dedupe column %q missing from row", c)
			}
			parts[i] = NormalizeKey(v)
		}
		k := strings.Join(parts, "\x1f")
		if i, seen := pos[k]; seen {
			out[i] = r
			continue
		}
		pos[k] = len(out)
		out = append(out, r)
	}
	return out, nil
}
