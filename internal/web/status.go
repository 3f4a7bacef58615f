package web

import (
	"sync/atomic"
	"time"

	"gnss-bridge/internal/gps"
	"gnss-bridge/internal/ntrip"
	"gnss-bridge/internal/poslog"
	"gnss-bridge/internal/tcp"
)

// Sources are polled on every status request. Nil entries are omitted.
type Sources struct {
	Latest func() *gps.Fix
	Serial func() gps.Stats
	TCP    func() tcp.Snapshot
	NTRIP  func() ntrip.Snapshot
	Log    func() poslog.Snapshot
}

type Status struct {
	startUnixNano int64
	device        atomic.Value // string
	src           Sources
}

func NewStatus(src Sources) *Status {
	s := &Status{src: src}
	atomic.StoreInt64(&s.startUnixNano, time.Now().UTC().UnixNano())
	s.device.Store("")
	return s
}

// SetDevice records the serial device path once it is known.
func (s *Status) SetDevice(path string) {
	s.device.Store(path)
}

// FixView is the JSON shape of a fix.
type FixView struct {
	TimeUTC      string   `json:"time_utc,omitempty"`
	Lat          *float64 `json:"lat,omitempty"`
	Lon          *float64 `json:"lon,omitempty"`
	Quality      int      `json:"quality"`
	QualityLabel string   `json:"quality_label"`
	Satellites   int      `json:"satellites"`
}

func NewFixView(f gps.Fix) FixView {
	v := FixView{
		Lat:          f.Lat,
		Lon:          f.Lon,
		Quality:      int(f.Quality),
		QualityLabel: f.Quality.String(),
		Satellites:   f.Satellites,
	}
	if !f.Time.IsZero() {
		v.TimeUTC = f.Time.UTC().Format(time.RFC3339Nano)
	}
	return v
}

type StatusSnapshot struct {
	Service   string           `json:"service"`
	NowUTC    string           `json:"now_utc"`
	UptimeSec int64            `json:"uptime_sec"`
	Device    string           `json:"device,omitempty"`
	Fix       *FixView         `json:"fix,omitempty"`
	Serial    *gps.Stats       `json:"serial,omitempty"`
	TCP       *tcp.Snapshot    `json:"tcp,omitempty"`
	NTRIP     *ntrip.Snapshot  `json:"ntrip,omitempty"`
	Log       *poslog.Snapshot `json:"log,omitempty"`
}

func (s *Status) Snapshot(nowUTC time.Time) StatusSnapshot {
	if nowUTC.IsZero() {
		nowUTC = time.Now().UTC()
	}
	start := time.Unix(0, atomic.LoadInt64(&s.startUnixNano)).UTC()

	snap := StatusSnapshot{
		Service:   "gnss-bridge",
		NowUTC:    nowUTC.UTC().Format(time.RFC3339Nano),
		UptimeSec: int64(nowUTC.Sub(start).Seconds()),
		Device:    s.device.Load().(string),
	}
	if s.src.Latest != nil {
		if f := s.src.Latest(); f != nil {
			v := NewFixView(*f)
			snap.Fix = &v
		}
	}
	if s.src.Serial != nil {
		v := s.src.Serial()
		snap.Serial = &v
	}
	if s.src.TCP != nil {
		v := s.src.TCP()
		snap.TCP = &v
	}
	if s.src.NTRIP != nil {
		v := s.src.NTRIP()
		snap.NTRIP = &v
	}
	if s.src.Log != nil {
		v := s.src.Log()
		snap.Log = &v
	}
	return snap
}
