package storage

import (
	"fmt"
	"strings"
)

// NormalizeKey converts a key value to a canonical string form, suitable for
// set membership (e.g. a UUID read back as string, []byte or [16]byte).
//
// Backends must not assume a particular underlying type for ids; this helper
// keeps id sets comparable across backends.
func NormalizeKey(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case int64:
		return fmt.Sprintf("%d", t)
	case []byte:
		return strings.TrimSpace(string(t))
	case [16]byte:
		return fmt.Sprintf("%x-%x-%x-%x-%x", t[0:4], t[4:6], t[6:8], t[8:10], t[10:16])
	case int:
		return fmt.Sprintf("%d", t)
	case fmt.Stringer:
		return strings.TrimSpace(t.String())
	default:
		return strings.TrimSpace(fmt.Sprint(v))
	}
}
