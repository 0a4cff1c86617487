package bus

import "time"

// Kind tags an [Event].
type Kind string

const (
	KindCommit Kind = "commit"
	KindSpeed  Kind = "speed"
	KindStatus Kind = "status"
	KindStats  Kind = "stats"
)

// Event is the tagged union carried by the bus. Exactly one payload field,
// the one matching Kind, is set.
type Event struct {
	Kind    Kind      `json:"kind"`
	Session string    `json:"session_id,omitempty"`
	At      time.Time `json:"at"`

	Commit *Commit `json:"commit,omitempty"`
	Speed  *Speed  `json:"speed,omitempty"`
	Status *Status `json:"status,omitempty"`
	Stats  *Stats  `json:"stats,omitempty"`
}

// Commit reports an accepted position update.
type Commit struct {
	Index   int     `json:"index"`
	Prev    int     `json:"prev"`
	Line    int     `json:"line"`
	Speaker string  `json:"speaker,omitempty"`
	Score   float64 `json:"score"`

	// LineStart is the first word of the committed line; the scroll-writer
	// aligns its marker to the line and offsets by Index-LineStart.
	LineStart int `json:"line_start"`

	// Progress is Index over the script length, in [0,1].
	Progress float64 `json:"progress"`

	Leap    bool `json:"leap,omitempty"`
	Refresh bool `json:"refresh,omitempty"`
	Nudged  bool `json:"nudged,omitempty"`

	// TraceID ties the commit to the span that produced it.
	TraceID string `json:"trace_id,omitempty"`
}

// Speed is the controller directive for the scroll-writer.
type Speed struct {
	PxPerSec float64 `json:"px_per_sec"`
	Bias     float64 `json:"bias"`
	Ramp     float64 `json:"ramp"`
	State    string  `json:"state"`
}

// Status is a lifecycle report from the supervisor or the session.
type Status struct {
	Source  string `json:"source"`
	Type    string `json:"type"`
	State   string `json:"state,omitempty"`
	Kind    string `json:"kind,omitempty"`
	Reason  string `json:"reason,omitempty"`
	Error   string `json:"error,omitempty"`
	DelayMs int64  `json:"delay_ms,omitempty"`
}

// Stats carries the guard's suppression counters.
type Stats struct {
	Commits       int `json:"commits"`
	Refreshes     int `json:"refreshes"`
	Dup           int `json:"dup"`
	Backwards     int `json:"backwards"`
	Freeze        int `json:"freeze"`
	Leap          int `json:"leap"`
	LeapConfirmed int `json:"leap_confirmed"`
	LeapExpired   int `json:"leap_expired"`
}
