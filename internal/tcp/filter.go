package tcp

import (
	"strings"

	"gnss-bridge/internal/gps"
)

// Filter decides which sentences are rebroadcast.
type Filter struct {
	allow map[string]struct{}
	// OnlyRTKFixed drops GGA and RMC sentences that do not describe an RTK
	// fixed solution. Other sentence types pass if allowed.
	OnlyRTKFixed bool
}

func NewFilter(allow []string, onlyRTKFixed bool) Filter {
	f := Filter{allow: make(map[string]struct{}, len(allow)), OnlyRTKFixed: onlyRTKFixed}
	for _, t := range allow {
		t = strings.ToUpper(strings.TrimSpace(t))
		if t != "" {
			f.allow[t] = struct{}{}
		}
	}
	return f
}

// Pass reports whether line should be forwarded to subscribers.
func (f Filter) Pass(line string) bool {
	typ := gps.SentenceType(line)
	if typ == "" {
		return false
	}
	if _, ok := f.allow[typ]; !ok {
		return false
	}
	if !f.OnlyRTKFixed {
		return true
	}
	switch typ {
	case "GGA":
		fields := gps.Fields(line)
		return len(fields) > 6 && strings.TrimSpace(fields[6]) == "4"
	case "RMC":
		fields := gps.Fields(line)
		return len(fields) > 12 && strings.TrimSpace(fields[12]) == gps.RTKFixedMode
	default:
		return true
	}
}

// Allowed returns the allow-list in no particular order.
func (f Filter) Allowed() []string {
	out := make([]string, 0, len(f.allow))
	for t := range f.allow {
		out = append(out, t)
	}
	return out
}
