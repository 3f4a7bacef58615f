package gps

import (
	"sync"
	"time"
)

// Quality is the GGA fix-quality code (field 6).
type Quality int

const (
	QualityNoFix         Quality = 0
	QualityGPS           Quality = 1
	QualityDGPS          Quality = 2
	QualityPPS           Quality = 3
	QualityRTKFixed      Quality = 4
	QualityRTKFloat      Quality = 5
	QualityDeadReckoning Quality = 6
	QualityManual        Quality = 7
	QualitySimulation    Quality = 8
)

var qualityLabels = [...]string{
	QualityNoFix:         "No Fix",
	QualityGPS:           "GPS Fix",
	QualityDGPS:          "DGPS Fix",
	QualityPPS:           "PPS Fix",
	QualityRTKFixed:      "RTK Fix",
	QualityRTKFloat:      "RTK Float",
	QualityDeadReckoning: "Dead Reckoning",
	QualityManual:        "Manual Input",
	QualitySimulation:    "Simulation",
}

func (q Quality) String() string {
	if q < 0 || int(q) >= len(qualityLabels) {
		return "Unknown"
	}
	return qualityLabels[q]
}

// Fix is one position observation taken from a GGA sentence.
//
// Lat and Lon are nil when the receiver had no lock and left the fields
// empty. A Fix is never modified after the parser returns it.
type Fix struct {
	Time       time.Time
	Lat        *float64
	Lon        *float64
	Quality    Quality
	Satellites int
	Raw        string
}

// HasPosition reports whether both coordinates are present.
func (f Fix) HasPosition() bool {
	return f.Lat != nil && f.Lon != nil
}

// DateContext holds the UTC calendar date last seen in an RMC sentence.
// GGA sentences carry only a time of day; the parser stitches this date
// onto them.
type DateContext struct {
	mu   sync.RWMutex
	date time.Time
	set  bool
}

// Set stores the date (truncated to midnight UTC) and reports whether it
// differed from the previous value.
func (d *DateContext) Set(t time.Time) bool {
	if d == nil {
		return false
	}
	t = t.UTC()
	day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.set && d.date.Equal(day) {
		return false
	}
	d.date = day
	d.set = true
	return true
}

// Date returns the current date and whether one has been seen yet.
func (d *DateContext) Date() (time.Time, bool) {
	if d == nil {
		return time.Time{}, false
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.date, d.set
}
