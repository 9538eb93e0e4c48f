// Package records holds the source-agnostic row model shared by every
// ingestion stage.
//
// Rows keep their columns in source order. Field lookup and option parsing
// both depend on "first matching column" semantics, so a plain Go map (which
// has randomized iteration order) is never used to carry a source row.
package records

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Field is one named value of a row or object, in source order.
type Field struct {
	Name  string
	Value any
}

// Row is a single source record plus its 0-based position in the source.
//
// Values are whatever the reader produced: string, json.Number, float64,
// bool, nil, []any, Object.
type Row struct {
	Index  int
	Fields []Field
	// Err is set when the source line at Index could not be read. Such a row
	// has no fields; it keeps its index so later rows do not shift.
	Err error
}

// Get returns the value of the first field named exactly name.
func (r Row) Get(name string) (any, bool) {
	for _, f := range r.Fields {
		if f.Name == name {
			return f.Value, true
		}
	}
	return nil, false
}

// Columns returns the field names in source order.
func (r Row) Columns() []string {
	out := make([]string, len(r.Fields))
	for i, f := range r.Fields {
		out[i] = f.Name
	}
	return out
}

// Object is a JSON object that remembers key order.
type Object []Field

// Get returns the value stored under key.
func (o Object) Get(key string) (any, bool) {
	for _, f := range o {
		if f.Name == key {
			return f.Value, true
		}
	}
	return nil, false
}

// Keys returns the object keys in document order.
func (o Object) Keys() []string {
	out := make([]string, len(o))
	for i, f := range o {
		out[i] = f.Name
	}
	return out
}

// MarshalJSON encodes the object with its original key order.
func (o Object) MarshalJSON() ([]byte, error) {
	var b bytes.Buffer
	b.WriteByte('{')
	for i, f := range o {
		if i > 0 {
			b.WriteByte(',')
		}
		k, err := json.Marshal(f.Name)
		if err != nil {
			return nil, err
		}
		b.Write(k)
		b.WriteByte(':')
		v, err := json.Marshal(f.Value)
		if err != nil {
			return nil, err
		}
		b.Write(v)
	}
	b.WriteByte('}')
	return b.Bytes(), nil
}

// UnmarshalJSON decodes a JSON object keeping its key order, so audit files
// read back the way they were written.
func (o *Object) UnmarshalJSON(data []byte) error {
	v, err := DecodeJSON(data)
	if err != nil {
		return err
	}
	if v == nil {
		*o = nil
		return nil
	}
	obj, ok := v.(Object)
	if !ok {
		return fmt.Errorf("records: expected a JSON object, got %T", v)
	}
	*o = obj
	return nil
}

// Text renders a scalar value as text. Structured values are rendered as
// JSON. nil renders as "".
func Text(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case []byte:
		return string(t)
	case json.Number:
		return t.String()
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case int32:
		return strconv.FormatInt(int64(t), 10)
	case bool:
		return strconv.FormatBool(t)
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return ""
		}
		return string(b)
	}
}

// IsBlank reports whether v carries no usable content: nil, an empty or
// whitespace-only string, or an empty collection.
func IsBlank(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(t) == ""
	case []byte:
		return strings.TrimSpace(string(t)) == ""
	case []any:
		return len(t) == 0
	case []string:
		return len(t) == 0
	case Object:
		return len(t) == 0
	case map[string]any:
		return len(t) == 0
	}
	return false
}
