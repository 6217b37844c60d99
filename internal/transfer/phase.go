package transfer

import "strconv"

// Phase of the Engine.
type Phase int

// Phases of an Engine. Requesting happens at most once.
const (
	Unstarted Phase = iota
	Requesting
	Streaming
	Complete
	Cancelled
	Failed
)

var phaseStrings = map[Phase]string{
	0: "Unstarted",
	1: "Requesting",
	2: "Streaming",
	3: "Complete",
	4: "Cancelled",
	5: "Failed",
}

func (p Phase) String() string {
	s, ok := phaseStrings[p]
	if !ok {
		return strconv.FormatInt(int64(p), 10)
	}
	return s
}

// MarshalText implements encoding.TextMarshaler.
func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}
