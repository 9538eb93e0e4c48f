package records

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

// DecodeJSON parses a single JSON document keeping object key order.
//
// Objects decode to Object, arrays to []any, numbers to json.Number.
// Trailing non-whitespace input is an error.
func DecodeJSON(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	v, err := DecodeNext(dec)
	if err != nil {
		return nil, err
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, fmt.Errorf("json: unexpected trailing data")
	}
	return v, nil
}

// DecodeNext reads the next complete value from dec.
func DecodeNext(dec *json.Decoder) (any, error) {
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	return DecodeFromToken(dec, tok)
}

// DecodeFromToken builds a value whose first token has already been read.
func DecodeFromToken(dec *json.Decoder, tok json.Token) (any, error) {
	d, ok := tok.(json.Delim)
	if !ok {
		return tok, nil
	}

	switch d {
	case '{':
		obj := Object{}
		for dec.More() {
			kt, err := dec.Token()
			if err != nil {
				return nil, fmt.Errorf("json: read object key: %w", err)
			}
			k, ok := kt.(string)
			if !ok {
				return nil, fmt.Errorf("json: object key not a string (got %T)", kt)
			}
			v, err := DecodeNext(dec)
			if err != nil {
				return nil, err
			}
			obj = append(obj, Field{Name: k, Value: v})
		}
		if end, err := dec.Token(); err != nil {
			return nil, fmt.Errorf("json: read object end: %w", err)
		} else if end != json.Delim('}') {
			return nil, fmt.Errorf("json: expected '}', got %v", end)
		}
		return obj, nil

	case '[':
		arr := []any{}
		for dec.More() {
			v, err := DecodeNext(dec)
			if err != nil {
				return nil, err
			}
			arr = append(arr, v)
		}
		if end, err := dec.Token(); err != nil {
			return nil, fmt.Errorf("json: read array end: %w", err)
		} else if end != json.Delim(']') {
			return nil, fmt.Errorf("json: expected ']', got %v", end)
		}
		return arr, nil

	default:
		return nil, fmt.Errorf("json: unexpected delimiter %q", d)
	}
}

// RowFromObject converts a decoded object into a Row at index.
func RowFromObject(index int, obj Object) Row {
	fields := make([]Field, len(obj))
	copy(fields, obj)
	return Row{Index: index, Fields: fields}
}
