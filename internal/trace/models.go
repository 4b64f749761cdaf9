package trace

import "time"

// Call is one call session from connect to summary.
type Call struct {
	ID         string     `json:"id"`
	Patient    string     `json:"patient"`
	Caller     string     `json:"caller"`
	StartedAt  time.Time  `json:"started_at"`
	EndedAt    *time.Time `json:"ended_at,omitempty"`
	Status     string     `json:"status"`
	Summary    string     `json:"summary,omitempty"`
	EventCount int        `json:"event_count,omitempty"`
}

// Event is one step recorded during a call: connect, call-start, error,
// call-end, summarize, override.
type Event struct {
	ID         string    `json:"id"`
	CallID     string    `json:"call_id"`
	Name       string    `json:"name"`
	StartedAt  time.Time `json:"started_at"`
	DurationMs float64   `json:"duration_ms"`
	Detail     string    `json:"detail,omitempty"`
	Status     string    `json:"status"`
	Error      string    `json:"error,omitempty"`
}
