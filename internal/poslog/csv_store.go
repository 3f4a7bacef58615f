package poslog

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"go.uber.org/multierr"
)

// Header is the first line of every CSV log file. Downstream converters
// key on these names.
var Header = []string{"gps_datetime", "latitude", "longitude", "fix_quality", "satellite_count"}

// TimeLayout is the gps_datetime column format (UTC).
const TimeLayout = "2006-01-02T15:04:05.000Z"

// CSVStore appends records to a CSV file, writing the header when the file
// is new or empty.
type CSVStore struct {
	path string

	mu sync.Mutex
	// beforeWrite runs between sizing the file and writing the batch.
	beforeWrite func()
}

func NewCSVStore(path string) (*CSVStore, error) {
	if path == "" {
		return nil, fmt.Errorf("csv store path is empty")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create log dir: %w", err)
		}
	}
	return &CSVStore{path: path}, nil
}

func (s *CSVStore) Path() string { return s.path }

// Append encodes the batch in memory and writes it with a single O_APPEND
// write and fsync, so lines other writers append are never overwritten. On
// failure the file is truncated back to its previous length so a retry
// cannot duplicate rows.
func (s *CSVStore) Append(ctx context.Context, recs []Record) error {
	if len(recs) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", s.path, err)
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", s.path, err)
	}
	size := st.Size()

	payload, err := encodeCSV(recs, size == 0)
	if err != nil {
		return err
	}

	if s.beforeWrite != nil {
		s.beforeWrite()
	}
	if _, err := f.Write(payload); err != nil {
		return rollback(f, size, fmt.Errorf("write %s: %w", s.path, err))
	}
	if err := f.Sync(); err != nil {
		return rollback(f, size, fmt.Errorf("sync %s: %w", s.path, err))
	}
	return nil
}

func (s *CSVStore) Close() error { return nil }

// withLock runs fn while no Append is in progress.
func (s *CSVStore) withLock(fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn()
}

func rollback(f *os.File, size int64, cause error) error {
	if err := f.Truncate(size); err != nil {
		return multierr.Append(cause, fmt.Errorf("rollback truncate: %w", err))
	}
	return cause
}

func encodeCSV(recs []Record, header bool) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if header {
		if err := w.Write(Header); err != nil {
			return nil, err
		}
	}
	for _, r := range recs {
		row := []string{
			r.Time.UTC().Format(TimeLayout),
			strconv.FormatFloat(r.Lat, 'f', 8, 64),
			strconv.FormatFloat(r.Lon, 'f', 8, 64),
			strconv.Itoa(r.Quality),
			strconv.Itoa(r.Satellites),
		}
		if err := w.Write(row); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("encode csv: %w", err)
	}
	return buf.Bytes(), nil
}
