package poslog

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"go.uber.org/multierr"

	"gnss-bridge/internal/gps"
)

// Record is one persisted fix.
type Record struct {
	Time       time.Time
	Lat        float64
	Lon        float64
	Quality    int
	Satellites int
}

// RecordFromFix converts a fix; ok is false when it has no position.
func RecordFromFix(f gps.Fix) (Record, bool) {
	if !f.HasPosition() {
		return Record{}, false
	}
	return Record{
		Time:       f.Time,
		Lat:        *f.Lat,
		Lon:        *f.Lon,
		Quality:    int(f.Quality),
		Satellites: f.Satellites,
	}, true
}

// Store persists batches. Append must either persist the whole batch or
// leave the store as it was.
type Store interface {
	Append(ctx context.Context, recs []Record) error
	Close() error
}

type Config struct {
	// FlushInterval defaults to 180s.
	FlushInterval time.Duration
}

type Snapshot struct {
	Pending       int    `json:"pending"`
	Flushed       uint64 `json:"flushed"`
	FailedFlushes uint64 `json:"failed_flushes"`
	LastFlushUTC  string `json:"last_flush_utc,omitempty"`
	LastError     string `json:"last_error,omitempty"`
}

// Logger buffers records in memory and writes them to a Store on a timer.
// Append never touches the store.
type Logger struct {
	store Store
	cfg   Config
	log   *log.Logger

	mu  sync.Mutex
	buf []Record

	// flushMu serializes flush cycles so a forced flush cannot interleave
	// with the timer's.
	flushMu   sync.Mutex
	lastFlush time.Time
	lastErr   string

	flushed  atomic.Uint64
	failures atomic.Uint64
	closed   atomic.Bool
}

func New(store Store, cfg Config, logger *log.Logger) *Logger {
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 180 * time.Second
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Logger{store: store, cfg: cfg, log: logger}
}

func (l *Logger) Append(r Record) {
	l.mu.Lock()
	l.buf = append(l.buf, r)
	l.mu.Unlock()
}

// AppendFix implements gps.Recorder.
func (l *Logger) AppendFix(f gps.Fix) {
	if r, ok := RecordFromFix(f); ok {
		l.Append(r)
	}
}

func (l *Logger) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buf)
}

// Run flushes every FlushInterval until ctx is cancelled. The final flush is
// left to Close.
func (l *Logger) Run(ctx context.Context) error {
	t := time.NewTicker(l.cfg.FlushInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
		if err := l.flush(ctx); err != nil {
			l.log.Error("log flush failed, records kept for next cycle", "err", err, "pending", l.Pending())
		}
	}
}

// ForceFlush runs one flush cycle now.
func (l *Logger) ForceFlush(ctx context.Context) error {
	return l.flush(ctx)
}

// Close performs a final flush and closes the store. Calling it again is a
// no-op.
func (l *Logger) Close(ctx context.Context) error {
	if l.closed.Swap(true) {
		return nil
	}
	err := l.flush(ctx)
	return multierr.Append(err, l.store.Close())
}

func (l *Logger) flush(ctx context.Context) error {
	l.flushMu.Lock()
	defer l.flushMu.Unlock()

	l.mu.Lock()
	batch := l.buf
	l.buf = nil
	l.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	if err := l.store.Append(ctx, batch); err != nil {
		l.mu.Lock()
		l.buf = append(batch, l.buf...)
		l.mu.Unlock()
		l.failures.Add(1)
		l.lastErr = err.Error()
		return fmt.Errorf("persist %d records: %w", len(batch), err)
	}

	l.flushed.Add(uint64(len(batch)))
	l.lastFlush = time.Now()
	l.lastErr = ""
	l.log.Info("flushed position log", "records", len(batch))
	return nil
}

func (l *Logger) Snapshot() Snapshot {
	out := Snapshot{
		Pending:       l.Pending(),
		Flushed:       l.flushed.Load(),
		FailedFlushes: l.failures.Load(),
	}
	l.flushMu.Lock()
	if !l.lastFlush.IsZero() {
		out.LastFlushUTC = l.lastFlush.UTC().Format(time.RFC3339)
	}
	out.LastError = l.lastErr
	l.flushMu.Unlock()
	return out
}
