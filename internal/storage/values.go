package storage

import (
	"encoding/json"
	"fmt"
	"time"
)

// JSON marks a value that should be stored as a JSON document (jsonb in
// Postgres, JSON text elsewhere).
type JSON struct {
	V any
}

// Text returns the JSON encoding of the wrapped value. A nil value encodes
// as SQL NULL.
func (j JSON) Text() (any, error) {
	if j.V == nil {
		return nil, nil
	}
	b, err := json.Marshal(j.V)
	if err != nil {
		return nil, fmt.Errorf("storage: encode json: %w", err)
	}
	return string(b), nil
}

// StringList marks a list of strings (text[] in Postgres, a JSON array
// elsewhere).
type StringList []string

// Text returns the JSON array encoding of the list. A nil list is NULL.
func (s StringList) Text() (any, error) {
	if s == nil {
		return nil, nil
	}
	b, err := json.Marshal([]string(s))
	if err != nil {
		return nil, fmt.Errorf("storage: encode list: %w", err)
	}
	return string(b), nil
}

// TextEncoder is implemented by the wrapper types.
type TextEncoder interface {
	Text() (any, error)
}

// EncodeJSONText converts wrapper types to JSON text and leaves every other
// value untouched. Backends without native JSON/array types use it.
func EncodeJSONText(v any) (any, error) {
	if te, ok := v.(TextEncoder); ok {
		return te.Text()
	}
	return v, nil
}

// EqualScalar compares two scalar values.
//
// It handles common database/sql differences where TEXT can scan as []byte
// or string, and compares times by instant.
func EqualScalar(a any, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	switch av := a.(type) {
	case []byte:
		switch bv := b.(type) {
		case []byte:
			return string(av) == string(bv)
		case string:
			return string(av) == bv
		}
	case string:
		switch bv := b.(type) {
		case []byte:
			return av == string(bv)
		case string:
			return av == bv
		}
	case time.Time:
		if bv, ok := b.(time.Time); ok {
			return av.Equal(bv)
		}
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}
