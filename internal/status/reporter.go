// Package status runs the periodic status cycle: it logs the latest
// position and pushes a JSON report to the configured publishers.
package status

import (
	"context"
	"encoding/json"
	"time"

	"github.com/charmbracelet/log"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"
	"go.uber.org/multierr"

	"gnss-bridge/internal/gps"
)

// Publisher receives every report. Implementations must be safe to call
// from the reporter goroutine while Close runs on another.
type Publisher interface {
	Name() string
	Publish(ctx context.Context, payload []byte) error
	Close() error
}

// Sources are read once per cycle. Nil functions are skipped.
type Sources struct {
	Latest  func() *gps.Fix
	Clients func() int
	NTRIP   func() string
	Pending func() int
}

type Config struct {
	Interval       time.Duration
	PublishTimeout time.Duration
}

type Report struct {
	TimeUTC      string   `json:"time_utc"`
	HasFix       bool     `json:"has_fix"`
	FixTimeUTC   string   `json:"fix_time_utc,omitempty"`
	Lat          *float64 `json:"lat,omitempty"`
	Lon          *float64 `json:"lon,omitempty"`
	Quality      int      `json:"quality"`
	QualityLabel string   `json:"quality_label"`
	Satellites   int      `json:"satellites"`
	DriftM       *float64 `json:"drift_m,omitempty"`
	Clients      int      `json:"clients"`
	NTRIP        string   `json:"ntrip,omitempty"`
	Pending      int      `json:"pending_records"`
}

type Reporter struct {
	cfg  Config
	src  Sources
	pubs []Publisher
	log  *log.Logger

	// Now is overridable for tests.
	Now func() time.Time

	prev *orb.Point
}

func New(cfg Config, src Sources, logger *log.Logger, pubs ...Publisher) *Reporter {
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Second
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Reporter{cfg: cfg, src: src, pubs: pubs, log: logger, Now: time.Now}
}

// Run reports every Interval until ctx is cancelled.
func (r *Reporter) Run(ctx context.Context) error {
	t := time.NewTicker(r.cfg.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			r.Tick(ctx)
		}
	}
}

// Tick builds one report, logs it and publishes it. Publisher failures are
// logged and do not stop the cycle.
func (r *Reporter) Tick(ctx context.Context) Report {
	rep := r.build()
	if rep.HasFix {
		kv := []any{
			"lat", *rep.Lat,
			"lon", *rep.Lon,
			"sats", rep.Satellites,
			"fix", rep.QualityLabel,
			"clients", rep.Clients,
		}
		if rep.DriftM != nil {
			kv = append(kv, "drift_m", *rep.DriftM)
		}
		r.log.Info("position", kv...)
	} else {
		r.log.Info("No GGA data yet", "clients", rep.Clients)
	}

	if len(r.pubs) > 0 {
		payload, err := json.Marshal(rep)
		if err != nil {
			r.log.Error("encode status report", "err", err)
			return rep
		}
		for _, p := range r.pubs {
			pctx, cancel := context.WithTimeout(ctx, r.cfg.PublishTimeout)
			if err := p.Publish(pctx, payload); err != nil {
				r.log.Warn("status publish failed", "publisher", p.Name(), "err", err)
			}
			cancel()
		}
	}
	return rep
}

func (r *Reporter) build() Report {
	now := r.Now().UTC()
	rep := Report{TimeUTC: now.Format(time.RFC3339), QualityLabel: gps.QualityNoFix.String()}
	if r.src.Clients != nil {
		rep.Clients = r.src.Clients()
	}
	if r.src.NTRIP != nil {
		rep.NTRIP = r.src.NTRIP()
	}
	if r.src.Pending != nil {
		rep.Pending = r.src.Pending()
	}

	var fix *gps.Fix
	if r.src.Latest != nil {
		fix = r.src.Latest()
	}
	if fix == nil {
		return rep
	}
	rep.Quality = int(fix.Quality)
	rep.QualityLabel = fix.Quality.String()
	rep.Satellites = fix.Satellites
	if !fix.Time.IsZero() {
		rep.FixTimeUTC = fix.Time.UTC().Format(time.RFC3339Nano)
	}
	if !fix.HasPosition() {
		return rep
	}

	lat, lon := *fix.Lat, *fix.Lon
	rep.HasFix = true
	rep.Lat, rep.Lon = &lat, &lon

	cur := orb.Point{lon, lat}
	if r.prev != nil {
		d := geo.Distance(*r.prev, cur)
		rep.DriftM = &d
	}
	r.prev = &cur
	return rep
}

// Close closes every publisher.
func (r *Reporter) Close() error {
	var errs error
	for _, p := range r.pubs {
		errs = multierr.Append(errs, p.Close())
	}
	return errs
}
