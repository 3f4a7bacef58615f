package poslog

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/charmbracelet/log"
	"github.com/lestrrat-go/strftime"
	"github.com/robfig/cron"
)

type RotateConfig struct {
	// Schedule is a cron expression ("@daily", "0 0 */6 * * *"). Empty disables
	// scheduled rotation.
	Schedule string
	// Dir receives rotated files. Defaults to "_LOGS_RAW".
	Dir string
	// NameFormat is a strftime pattern prefixed to the file's base name.
	// Defaults to "%Y%m%d_%H%M%S".
	NameFormat string
}

// Rotator moves the CSV log aside on a schedule so external uploaders and
// converters only ever see closed files.
type Rotator struct {
	store   *CSVStore
	cfg     RotateConfig
	pattern *strftime.Strftime
	log     *log.Logger

	// Flush, when set, runs before each rotation so buffered records land
	// in the file being rotated.
	Flush func(context.Context) error
	Now   func() time.Time

	cron *cron.Cron
}

func NewRotator(store *CSVStore, cfg RotateConfig, logger *log.Logger) (*Rotator, error) {
	if store == nil {
		return nil, fmt.Errorf("rotator needs a csv store")
	}
	if cfg.Dir == "" {
		cfg.Dir = "_LOGS_RAW"
	}
	if cfg.NameFormat == "" {
		cfg.NameFormat = "%Y%m%d_%H%M%S"
	}
	pattern, err := strftime.New(cfg.NameFormat)
	if err != nil {
		return nil, fmt.Errorf("rotate name format %q: %w", cfg.NameFormat, err)
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Rotator{store: store, cfg: cfg, pattern: pattern, log: logger, Now: time.Now}, nil
}

// Start schedules rotation. It is a no-op without a schedule.
func (r *Rotator) Start() error {
	if r.cfg.Schedule == "" {
		return nil
	}
	c := cron.New()
	err := c.AddFunc(r.cfg.Schedule, func() {
		dst, err := r.RotateNow(context.Background())
		if err != nil {
			r.log.Error("log rotation failed", "err", err)
			return
		}
		if dst != "" {
			r.log.Info("rotated position log", "to", dst)
		}
	})
	if err != nil {
		return fmt.Errorf("rotate schedule %q: %w", r.cfg.Schedule, err)
	}
	c.Start()
	r.cron = c
	return nil
}

func (r *Rotator) Stop() {
	if r.cron != nil {
		r.cron.Stop()
	}
}

// RotateNow moves the current file into Dir and returns its new path. An
// absent or empty file is left alone and "" is returned.
func (r *Rotator) RotateNow(ctx context.Context) (string, error) {
	if r.Flush != nil {
		if err := r.Flush(ctx); err != nil {
			r.log.Warn("flush before rotation failed", "err", err)
		}
	}

	var dst string
	err := r.store.withLock(func() error {
		st, err := os.Stat(r.store.path)
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		if err != nil {
			return err
		}
		if st.Size() == 0 {
			return nil
		}
		if err := os.MkdirAll(r.cfg.Dir, 0o755); err != nil {
			return fmt.Errorf("create rotate dir: %w", err)
		}
		name := r.pattern.FormatString(r.Now()) + "_" + filepath.Base(r.store.path)
		target := filepath.Join(r.cfg.Dir, name)
		if err := os.Rename(r.store.path, target); err != nil {
			return fmt.Errorf("rotate %s: %w", r.store.path, err)
		}
		dst = target
		return nil
	})
	return dst, err
}
