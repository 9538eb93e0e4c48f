package dataset

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"qbank/internal/records"
)

// StreamJSON parses JSON from r and calls emit once per record, in document
// order, with Row.Index counting from 0.
//
// Accepted layouts:
//   - a root array of objects
//   - a root object holding an array of objects (envelope); the first such
//     field is streamed and the rest of the object is skipped
//   - a single root object (one record)
//   - JSON Lines, i.e. objects following each other
//
// Elements shaped like {"row_idx": n, "row": {...}} (the Hugging Face rows
// API) are unwrapped to their "row" object.
func StreamJSON(ctx context.Context, r io.Reader, emit func(records.Row) error) error {
	dec := json.NewDecoder(r)
	dec.UseNumber()

	index := 0
	emitObject := func(obj records.Object) error {
		row := records.RowFromObject(index, unwrapRow(obj))
		index++
		if err := emit(row); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			return nil
		}
	}

	tok, err := dec.Token()
	if err != nil {
		if err == io.EOF {
			return nil
		}
		return fmt.Errorf("json: read first token: %w", err)
	}

	switch d := tok.(type) {
	case json.Delim:
		switch d {
		case '[':
			if err := streamArrayOfObjects(dec, emitObject); err != nil {
				return err
			}
			if end, err := dec.Token(); err != nil {
				return fmt.Errorf("json: read array end: %w", err)
			} else if end != json.Delim(']') {
				return fmt.Errorf("json: expected array end ']', got %v", end)
			}
			return streamTrailingObjects(dec, emitObject)

		case '{':
			streamed, single, err := streamEnvelopeOrSingle(dec, emitObject)
			if err != nil {
				return err
			}
			if end, err := dec.Token(); err != nil {
				return fmt.Errorf("json: read object end: %w", err)
			} else if end != json.Delim('}') {
				return fmt.Errorf("json: expected object end '}', got %v", end)
			}
			if !streamed {
				if err := emitObject(single); err != nil {
					return err
				}
			}
			return streamTrailingObjects(dec, emitObject)

		default:
			return fmt.Errorf("json: unsupported root delimiter %q", d)
		}

	default:
		return fmt.Errorf("json: unsupported root token %T (want object or array)", tok)
	}
}

func streamTrailingObjects(dec *json.Decoder, emit func(records.Object) error) error {
	for {
		v, err := records.DecodeNext(dec)
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("json: decode trailing object: %w", err)
		}
		obj, ok := v.(records.Object)
		if !ok {
			return fmt.Errorf("json: trailing value not an object (got %T)", v)
		}
		if err := emit(obj); err != nil {
			return err
		}
	}
}

// streamArrayOfObjects streams elements of the current array (after '[' has
// been consumed). null elements are skipped.
func streamArrayOfObjects(dec *json.Decoder, emit func(records.Object) error) error {
	for dec.More() {
		v, err := records.DecodeNext(dec)
		if err != nil {
			return fmt.Errorf("json: decode array element: %w", err)
		}
		if v == nil {
			continue
		}
		obj, ok := v.(records.Object)
		if !ok {
			return fmt.Errorf("json: array element not an object (got %T)", v)
		}
		if err := emit(obj); err != nil {
			return err
		}
	}
	return nil
}

// streamEnvelopeOrSingle walks a root object (after '{' has been consumed).
// An array field whose first element is an object is streamed as the record
// list. Otherwise the whole object is returned as a single record.
func streamEnvelopeOrSingle(dec *json.Decoder, emit func(records.Object) error) (streamed bool, single records.Object, _ error) {
	single = records.Object{}

	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return false, nil, fmt.Errorf("json: read object key: %w", err)
		}
		key, ok := keyTok.(string)
		if !ok {
			return false, nil, fmt.Errorf("json: object key not a string (got %T)", keyTok)
		}

		valTok, err := dec.Token()
		if err != nil {
			return false, nil, fmt.Errorf("json: read object value token: %w", err)
		}

		if delim, ok := valTok.(json.Delim); ok && delim == '[' && !streamed {
			// Peek the first element: an array of scalars is an ordinary field.
			var arr []any
			isRecords := false
			for dec.More() {
				v, err := records.DecodeNext(dec)
				if err != nil {
					return false, nil, fmt.Errorf("json: decode array element: %w", err)
				}
				if len(arr) == 0 && !isRecords {
					if obj, ok := v.(records.Object); ok {
						isRecords = true
						if err := emit(obj); err != nil {
							return false, nil, err
						}
						continue
					}
				}
				if isRecords {
					obj, ok := v.(records.Object)
					if !ok {
						return false, nil, fmt.Errorf("json: envelope element not an object (got %T)", v)
					}
					if err := emit(obj); err != nil {
						return false, nil, err
					}
					continue
				}
				arr = append(arr, v)
			}
			if end, err := dec.Token(); err != nil {
				return false, nil, fmt.Errorf("json: read array end: %w", err)
			} else if end != json.Delim(']') {
				return false, nil, fmt.Errorf("json: expected ']', got %v", end)
			}
			if isRecords {
				streamed = true
				continue
			}
			if arr == nil {
				arr = []any{}
			}
			single = append(single, records.Field{Name: key, Value: arr})
			continue
		}

		val, err := records.DecodeFromToken(dec, valTok)
		if err != nil {
			return false, nil, err
		}
		single = append(single, records.Field{Name: key, Value: val})
	}

	return streamed, single, nil
}

// unwrapRow returns the inner "row" object of a rows-API element.
func unwrapRow(obj records.Object) records.Object {
	if _, ok := obj.Get("row_idx"); !ok {
		return obj
	}
	if inner, ok := obj.Get("row"); ok {
		if o, ok := inner.(records.Object); ok {
			return o
		}
	}
	return obj
}
