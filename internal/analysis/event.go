package analysis

import "time"

type EventType string

const (
	EventAgentProgress  EventType = "agent_progress"
	EventAgentCompleted EventType = "agent_completed"
	EventRunCompleted   EventType = "run_completed"
	EventRunError       EventType = "run_error"
)

// Terminal reports whether the event closes the run's stream.
func (t EventType) Terminal() bool {
	return t == EventRunCompleted || t == EventRunError
}

// ProgressEvent is one entry of a run's ordered event log. Sequence starts
// at 1 and is strictly increasing per run.
type ProgressEvent struct {
	RunID    string         `json:"run_id"`
	Type     EventType      `json:"type"`
	Sequence uint64         `json:"sequence"`
	Payload  map[string]any `json:"payload,omitempty"`
	Time     time.Time      `json:"time"`
}
