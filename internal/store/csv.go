package store

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/wonny/spotcast/internal/contracts"
	"github.com/wonny/spotcast/internal/table"
)

// timestampLayouts are accepted on load; saves always use RFC3339 UTC.
var timestampLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05-07:00",
	"2006-01-02 15:04:05",
}

// CSVStore persists the table as one CSV file with a timestamp column first.
// ⭐ SSOT: CSV 스냅샷 형식
type CSVStore struct {
	path string
	log  zerolog.Logger
}

// NewCSVStore creates a CSV-backed table store
func NewCSVStore(path string, log zerolog.Logger) *CSVStore {
	return &CSVStore{
		path: path,
		log:  log.With().Str("component", "store").Str("backend", "csv").Logger(),
	}
}

// Path returns the snapshot file path
func (s *CSVStore) Path() string {
	return s.path
}

// Load reads the snapshot. A missing file is a first run: an empty table.
func (s *CSVStore) Load(ctx context.Context) (*table.Table, error) {
	f, err := os.Open(s.path)
	if errors.Is(err, os.ErrNotExist) {
		s.log.Info().Str("path", s.path).Msg("no snapshot, starting empty")
		return table.New(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("open snapshot: %w", err)
	}
	defer f.Close()

	t, err := Decode(f)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", s.path, err)
	}

	s.log.Debug().Str("path", s.path).Int("rows", t.Len()).Msg("snapshot loaded")
	return t, ctx.Err()
}

// Save writes the snapshot to a temp file in the same directory and renames
// it over the old one, so readers see either the old or the new table.
func (s *CSVStore) Save(ctx context.Context, t *table.Table) error {
	if err := t.Validate(); err != nil {
		return fmt.Errorf("refusing to save: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp snapshot: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := Encode(tmp, t); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close snapshot: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("replace snapshot: %w", err)
	}

	s.log.Info().Str("path", s.path).Int("rows", t.Len()).Int("columns", len(t.Columns())).Msg("snapshot saved")
	return nil
}

// Decode parses a CSV snapshot. The first column is the row key; empty and
// NaN cells are null.
func Decode(r io.Reader) (*table.Table, error) {
	reader := csv.NewReader(r)
	reader.ReuseRecord = false

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return table.New(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("header: %w", err)
	}
	if len(header) == 0 || !isKeyColumn(header[0]) {
		return nil, fmt.Errorf("header: first column must be %s, got %q", contracts.ColTimestamp, header)
	}

	columns := header[1:]
	t := table.New(columns...)

	for line := 2; ; line++ {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}

		ts, err := parseTimestamp(record[0])
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}

		row := make(map[string]*float64, len(columns))
		for i, col := range columns {
			v, err := parseCell(record[i+1])
			if err != nil {
				return nil, fmt.Errorf("line %d column %s: %w", line, col, err)
			}
			row[col] = v
		}

		if err := t.AppendRow(ts, row); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
	}

	return t, nil
}

// Encode writes t as CSV in index order with columns in table order.
func Encode(w io.Writer, t *table.Table) error {
	writer := csv.NewWriter(w)
	columns := t.Columns()

	header := append([]string{contracts.ColTimestamp}, columns...)
	if err := writer.Write(header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}

	record := make([]string, len(header))
	for _, ts := range t.Index() {
		record[0] = ts.UTC().Format(time.RFC3339)
		for i, col := range columns {
			record[i+1] = formatCell(t.Get(ts, col))
		}
		if err := writer.Write(record); err != nil {
			return fmt.Errorf("write row %s: %w", record[0], err)
		}
	}

	writer.Flush()
	return writer.Error()
}

func isKeyColumn(name string) bool {
	name = strings.TrimPrefix(name, "\ufeff")
	return name == contracts.ColTimestamp || name == ""
}

func parseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable timestamp %q", s)
}

func parseCell(s string) (*float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, err
	}
	if math.IsNaN(v) {
		return nil, nil
	}
	return &v, nil
}

func formatCell(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'f', -1, 64)
}
