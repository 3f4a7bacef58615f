package gps

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	nmea "github.com/adrianmo/go-nmea"
)

var (
	// ErrNotThisType is returned when a parser is handed a sentence of a
	// different type. It is not a data problem.
	ErrNotThisType = errors.New("nmea: not this sentence type")
	// ErrMalformed is returned for a sentence of the right type whose
	// fields are missing or unparseable.
	ErrMalformed = errors.New("nmea: malformed sentence")
)

// ChecksumPolicy selects what the parser does with the trailing *hh.
type ChecksumPolicy int

const (
	// ChecksumAccept ignores the checksum entirely.
	ChecksumAccept ChecksumPolicy = iota
	// ChecksumReject treats a missing or mismatching checksum as malformed.
	ChecksumReject
)

func ParseChecksumPolicy(s string) (ChecksumPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "accept":
		return ChecksumAccept, nil
	case "reject":
		return ChecksumReject, nil
	default:
		return ChecksumAccept, fmt.Errorf("unknown checksum policy %q", s)
	}
}

const (
	ggaMinFields = 15
	rmcMinFields = 10

	// RTKFixedMode is the RMC mode indicator for an RTK fixed solution.
	RTKFixedMode = "R"
)

// SentenceType returns the three-letter type of a line like "$GNGGA,...",
// independent of talker ID. It returns "" when the line is too short.
func SentenceType(line string) string {
	if len(line) < 6 {
		return ""
	}
	return line[3:6]
}

// Fields splits the sentence payload on commas with the leading '$' and
// the trailing checksum removed.
func Fields(line string) []string {
	payload := strings.TrimPrefix(strings.TrimSpace(line), "$")
	if star := strings.LastIndexByte(payload, '*'); star != -1 {
		payload = payload[:star]
	}
	return strings.Split(payload, ",")
}

func verifyChecksum(line string) error {
	line = strings.TrimSpace(line)
	star := strings.LastIndexByte(line, '*')
	if !strings.HasPrefix(line, "$") || star == -1 {
		return fmt.Errorf("%w: missing checksum", ErrMalformed)
	}
	ck := strings.ToUpper(strings.TrimSpace(line[star+1:]))
	if len(ck) < 2 {
		return fmt.Errorf("%w: short checksum", ErrMalformed)
	}
	if got := nmea.Checksum(line[1:star]); got != ck[:2] {
		return fmt.Errorf("%w: checksum mismatch got=%s want=%s", ErrMalformed, got, ck[:2])
	}
	return nil
}

// ParseCoordinate converts an NMEA ddmm.mmmm / dddmm.mmmm field plus its
// hemisphere into signed decimal degrees.
func ParseCoordinate(value, hemi string) (float64, error) {
	value = strings.TrimSpace(value)
	hemi = strings.ToUpper(strings.TrimSpace(hemi))

	var width int
	switch hemi {
	case "N", "S":
		width = 2
	case "E", "W":
		width = 3
	default:
		return 0, fmt.Errorf("%w: hemisphere %q", ErrMalformed, hemi)
	}
	if len(value) < 4 || len(value) <= width {
		return 0, fmt.Errorf("%w: coordinate %q", ErrMalformed, value)
	}

	deg, err := strconv.Atoi(value[:width])
	if err != nil || deg < 0 {
		return 0, fmt.Errorf("%w: coordinate degrees %q", ErrMalformed, value)
	}
	mins, err := strconv.ParseFloat(value[width:], 64)
	if err != nil || mins < 0 || math.IsNaN(mins) || math.IsInf(mins, 0) {
		return 0, fmt.Errorf("%w: coordinate minutes %q", ErrMalformed, value)
	}

	v := float64(deg) + mins/60.0
	if hemi == "S" || hemi == "W" {
		v = -v
	}
	return v, nil
}

// optionalCoordinate treats an empty value as "no lock" rather than an error.
func optionalCoordinate(value, hemi string) (*float64, error) {
	if strings.TrimSpace(value) == "" {
		return nil, nil
	}
	v, err := ParseCoordinate(value, hemi)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

type clock struct {
	hour, min, sec, nsec int
}

// parseClock parses hhmmss or hhmmss.sss.
func parseClock(s string) (clock, error) {
	s = strings.TrimSpace(s)
	if len(s) < 6 {
		return clock{}, fmt.Errorf("%w: time %q", ErrMalformed, s)
	}
	for i := 0; i < 6; i++ {
		if s[i] < '0' || s[i] > '9' {
			return clock{}, fmt.Errorf("%w: time %q", ErrMalformed, s)
		}
	}
	c := clock{
		hour: int(s[0]-'0')*10 + int(s[1]-'0'),
		min:  int(s[2]-'0')*10 + int(s[3]-'0'),
		sec:  int(s[4]-'0')*10 + int(s[5]-'0'),
	}
	if c.hour > 23 || c.min > 59 || c.sec > 60 {
		return clock{}, fmt.Errorf("%w: time %q", ErrMalformed, s)
	}
	if rest := s[6:]; rest != "" {
		if rest[0] != '.' {
			return clock{}, fmt.Errorf("%w: time %q", ErrMalformed, s)
		}
		frac, err := strconv.ParseFloat("0"+rest, 64)
		if err != nil {
			return clock{}, fmt.Errorf("%w: time %q", ErrMalformed, s)
		}
		c.nsec = int(math.Round(frac * 1e9))
	}
	return c, nil
}

func (c clock) on(day time.Time) time.Time {
	return time.Date(day.Year(), day.Month(), day.Day(), c.hour, c.min, c.sec, c.nsec, time.UTC)
}

// gpsEpochYY pivots two-digit years: 80..99 are 19xx, the rest 20xx. No
// receiver reports a date before the 1980 GPS epoch.
const gpsEpochYY = 80

// parseDate parses ddmmyy.
func parseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if len(s) != 6 {
		return time.Time{}, fmt.Errorf("%w: date %q", ErrMalformed, s)
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return time.Time{}, fmt.Errorf("%w: date %q", ErrMalformed, s)
	}
	day, month, year := n/10000, (n/100)%100, n%100
	if year >= gpsEpochYY {
		year += 1900
	} else {
		year += 2000
	}
	t := time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
	if t.Day() != day || int(t.Month()) != month {
		return time.Time{}, fmt.Errorf("%w: date %q", ErrMalformed, s)
	}
	return t, nil
}

func parseOptionalInt(s string) (int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("%w: integer %q", ErrMalformed, s)
	}
	return v, nil
}

// RMC is the subset of a recommended-minimum sentence the bridge uses.
type RMC struct {
	Time   time.Time
	Status string
	Lat    *float64
	Lon    *float64
	Date   time.Time
	Mode   string
}

// Parser turns sentence text into fixes. Dates may be nil, in which case
// every GGA is stamped with the wall clock.
type Parser struct {
	Dates    *DateContext
	Checksum ChecksumPolicy
	Now      func() time.Time
}

func (p *Parser) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

func (p *Parser) check(line string) error {
	if p.Checksum == ChecksumReject {
		return verifyChecksum(line)
	}
	return nil
}

// ParseGGA parses a GGA sentence from any talker.
func (p *Parser) ParseGGA(line string) (Fix, error) {
	line = strings.TrimSpace(line)
	if SentenceType(line) != "GGA" {
		return Fix{}, ErrNotThisType
	}
	if err := p.check(line); err != nil {
		return Fix{}, err
	}
	f := Fields(line)
	if len(f) < ggaMinFields {
		return Fix{}, fmt.Errorf("%w: gga has %d fields", ErrMalformed, len(f))
	}

	lat, err := optionalCoordinate(f[2], f[3])
	if err != nil {
		return Fix{}, err
	}
	lon, err := optionalCoordinate(f[4], f[5])
	if err != nil {
		return Fix{}, err
	}
	q, err := parseOptionalInt(f[6])
	if err != nil {
		return Fix{}, err
	}
	sats, err := parseOptionalInt(f[7])
	if err != nil {
		return Fix{}, err
	}

	ts := p.now()
	if strings.TrimSpace(f[1]) != "" {
		c, err := parseClock(f[1])
		if err != nil {
			return Fix{}, err
		}
		if day, ok := p.Dates.Date(); ok {
			ts = c.on(day)
		}
	}

	return Fix{
		Time:       ts,
		Lat:        lat,
		Lon:        lon,
		Quality:    Quality(q),
		Satellites: sats,
		Raw:        line,
	}, nil
}

// ParseRMC parses an RMC sentence and, on success, advances the date
// context.
func (p *Parser) ParseRMC(line string) (RMC, error) {
	line = strings.TrimSpace(line)
	if SentenceType(line) != "RMC" {
		return RMC{}, ErrNotThisType
	}
	if err := p.check(line); err != nil {
		return RMC{}, err
	}
	f := Fields(line)
	if len(f) < rmcMinFields {
		return RMC{}, fmt.Errorf("%w: rmc has %d fields", ErrMalformed, len(f))
	}

	c, err := parseClock(f[1])
	if err != nil {
		return RMC{}, err
	}
	lat, err := optionalCoordinate(f[3], f[4])
	if err != nil {
		return RMC{}, err
	}
	lon, err := optionalCoordinate(f[5], f[6])
	if err != nil {
		return RMC{}, err
	}
	day, err := parseDate(f[9])
	if err != nil {
		return RMC{}, err
	}

	out := RMC{
		Time:   c.on(day),
		Status: strings.TrimSpace(f[2]),
		Lat:    lat,
		Lon:    lon,
		Date:   day,
	}
	if len(f) > 12 {
		out.Mode = strings.TrimSpace(f[12])
	}
	p.Dates.Set(day)
	return out, nil
}
