package domain

import "time"

// EventType identifies the kind of engine lifecycle event.
type EventType string

const (
	EventRunStarted     EventType = "run.started"
	EventRunCompleted   EventType = "run.completed"
	EventRunFailed      EventType = "run.failed"
	EventStageStarted   EventType = "stage.started"
	EventStageCompleted EventType = "stage.completed"
	EventStageFailed    EventType = "stage.failed"
	EventStageSkipped   EventType = "stage.skipped"
	EventStageCached    EventType = "stage.cached"
)

// Event is one lifecycle event emitted by the scheduler during a run.
type Event struct {
	ID          string         `json:"id"`
	Type        EventType      `json:"type"`
	RunID       string         `json:"run_id"`
	Participant ParticipantID  `json:"participant,omitempty"`
	Stage       StageID        `json:"stage,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
	Data        map[string]any `json:"data,omitempty"`
}
