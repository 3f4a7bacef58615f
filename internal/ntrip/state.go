package ntrip

// State is the relay's position in its connect/stream/retry cycle.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateHandshaking
	StateStreaming
	StateBackoff
	StateStopped
)

var stateNames = [...]string{
	StateIdle:        "idle",
	StateConnecting:  "connecting",
	StateHandshaking: "handshaking",
	StateStreaming:   "streaming",
	StateBackoff:     "backoff",
	StateStopped:     "stopped",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}
