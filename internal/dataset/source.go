// Package dataset loads raw question rows from files or a hosted dataset and
// profiles them before normalization.
package dataset

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"qbank/internal/records"
)

// Kind of dataset source.
const (
	KindJSON = "json"
	KindCSV  = "csv"
	KindHub  = "hub"
)

// HubScheme prefixes a hosted dataset location, e.g. "hf://owner/name".
const HubScheme = "hf://"

// Source describes where rows come from.
type Source struct {
	Kind     string
	Path     string
	Hub      Hub
	CSV      CSVOptions
	MaxRows  int
	Log      *zap.Logger
	readFile func(string) ([]byte, error)
}

// SourceFor infers the source kind from location: hf://owner/name for the
// hub, otherwise by file extension (.csv/.tsv vs anything else as JSON).
func SourceFor(location string) Source {
	if strings.HasPrefix(location, HubScheme) {
		return Source{Kind: KindHub, Hub: Hub{Dataset: strings.TrimPrefix(location, HubScheme)}}
	}
	switch strings.ToLower(filepath.Ext(location)) {
	case ".csv":
		return Source{Kind: KindCSV, Path: location, CSV: CSVOptions{TrimSpace: true}}
	case ".tsv":
		return Source{Kind: KindCSV, Path: location, CSV: CSVOptions{Comma: '\t', TrimSpace: true}}
	default:
		return Source{Kind: KindJSON, Path: location}
	}
}

// Name is a short dataset name used in external ids: the last path element
// without extension.
func (s Source) Name() string {
	if s.Kind == KindHub {
		parts := strings.Split(strings.Trim(s.Hub.Dataset, "/"), "/")
		return parts[len(parts)-1]
	}
	base := filepath.Base(s.Path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// Load reads every row. CSV lines that fail to parse are logged and returned
// as rows with Err set.
func (s Source) Load(ctx context.Context) ([]records.Row, error) {
	log := s.Log
	if log == nil {
		log = zap.NewNop()
	}

	var rows []records.Row
	collect := func(r records.Row) error {
		if s.MaxRows > 0 && len(rows) >= s.MaxRows {
			return errLimit
		}
		rows = append(rows, r)
		return nil
	}

	var err error
	switch s.Kind {
	case KindHub:
		hub := s.Hub
		if hub.Log == nil {
			hub.Log = log
		}
		if s.MaxRows > 0 {
			hub.MaxRows = s.MaxRows
		}
		err = hub.Stream(ctx, collect)
	case KindJSON, KindCSV:
		read := s.readFile
		if read == nil {
			read = os.ReadFile
		}
		var data []byte
		data, err = read(s.Path)
		if err != nil {
			return nil, fmt.Errorf("dataset: read %s: %w", s.Path, err)
		}
		if s.Kind == KindCSV {
			err = StreamCSV(ctx, bytes.NewReader(data), s.CSV, collect, func(line int, perr error) {
				log.Warn("csv line skipped", zap.Int("line", line), zap.Error(perr))
			})
		} else {
			err = StreamJSON(ctx, bytes.NewReader(data), collect)
		}
	default:
		return nil, fmt.Errorf("dataset: unsupported source kind %q", s.Kind)
	}
	if err != nil && !errors.Is(err, errLimit) {
		return nil, err
	}
	return rows, nil
}

var errLimit = errors.New("dataset: row limit reached")
