package dataset

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strings"

	"qbank/internal/records"
)

// CSVOptions controls CSV parsing.
type CSVOptions struct {
	Comma      rune
	LazyQuotes bool
	TrimSpace  bool
}

// StreamCSV reads a headed CSV file and calls emit once per data line. Column
// names come from the header with a leading BOM removed; empty cells become
// nil. A malformed record is reported through onErr and emitted as a row with
// Err set, so every data record keeps its position as Index.
func StreamCSV(ctx context.Context, r io.Reader, opt CSVOptions, emit func(records.Row) error, onErr func(line int, err error)) error {
	cr := csv.NewReader(r)
	if opt.Comma != 0 {
		cr.Comma = opt.Comma
	}
	cr.LazyQuotes = opt.LazyQuotes
	cr.FieldsPerRecord = -1

	line := 0
	readRec := func() ([]string, error) {
		line++
		return cr.Read()
	}

	hdr, err := readRec()
	if err == io.EOF {
		return nil
	}
	if err != nil {
		return fmt.Errorf("csv: read header: %w", err)
	}
	columns := make([]string, len(hdr))
	for i, h := range hdr {
		if i == 0 {
			h = strings.TrimPrefix(h, "\uFEFF")
		}
		columns[i] = strings.TrimSpace(h)
	}

	index := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		rec, err := readRec()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			err = fmt.Errorf("csv line %d: %w", line, err)
			if onErr != nil {
				onErr(line, err)
			}
			row := records.Row{Index: index, Err: err}
			index++
			if err := emit(row); err != nil {
				return err
			}
			continue
		}

		row := records.Row{Index: index, Fields: make([]records.Field, len(columns))}
		for i, name := range columns {
			var v any
			if i < len(rec) {
				s := rec[i]
				if opt.TrimSpace {
					s = strings.TrimSpace(s)
				}
				if s != "" {
					v = s
				}
			}
			row.Fields[i] = records.Field{Name: name, Value: v}
		}
		index++

		if err := emit(row); err != nil {
			return err
		}
	}
}
