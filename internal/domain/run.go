package domain

import "time"

// RunStatus is the terminal outcome of a whole invocation.
type RunStatus string

const (
	RunRunning        RunStatus = "running"
	RunCompleted      RunStatus = "completed"
	RunPartialSuccess RunStatus = "partial_success"
	RunFailed         RunStatus = "failed"
)

// ParticipantStatus is the terminal outcome for a single participant.
type ParticipantStatus string

const (
	ParticipantRunning        ParticipantStatus = "running"
	ParticipantCompleted      ParticipantStatus = "completed"
	ParticipantPartialFailure ParticipantStatus = "partial_failure"
	ParticipantFailed         ParticipantStatus = "failed"
)

// StageRecord is the persisted view of one stage instance's progress.
type StageRecord struct {
	Participant ParticipantID `json:"participant"`
	Stage       StageID       `json:"stage"`
	Fingerprint string        `json:"fingerprint"`
	Status      StageStatus   `json:"status"`
	Cached      bool          `json:"cached,omitempty"`
	SkipReason  string        `json:"skip_reason,omitempty"`
	Error       string        `json:"error,omitempty"`
	StartedAt   *time.Time    `json:"started_at,omitempty"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
	Outputs     []Artifact    `json:"outputs,omitempty"`
}

// RunRecord tracks the status of every stage instance across all
// participants for one invocation. It is owned and mutated exclusively by
// the scheduler and persisted incrementally so a killed run can resume.
type RunRecord struct {
	RunID        string                              `json:"run_id"`
	Status       RunStatus                           `json:"status"`
	StartedAt    time.Time                           `json:"started_at"`
	CompletedAt  *time.Time                          `json:"completed_at,omitempty"`
	Participants map[ParticipantID]ParticipantStatus `json:"participants"`
	Stages       map[InstanceKey]*StageRecord        `json:"-"`
}

// NewRunRecord creates a run record covering the given DAGs, all stages
// pending.
func NewRunRecord(runID string, dags []*DAG) *RunRecord {
	rec := &RunRecord{
		RunID:        runID,
		Status:       RunRunning,
		StartedAt:    time.Now(),
		Participants: make(map[ParticipantID]ParticipantStatus),
		Stages:       make(map[InstanceKey]*StageRecord),
	}
	for _, dag := range dags {
		rec.Participants[dag.Participant] = ParticipantRunning
		for _, si := range dag.Instances {
			rec.Stages[si.Key()] = &StageRecord{
				Participant: si.Participant,
				Stage:       si.Definition.ID,
				Fingerprint: si.Fingerprint,
				Status:      StatusPending,
			}
		}
	}
	return rec
}

// CompletionRecord is the artifact-cache entry for a finished stage
// instance: the proof that (participant, stage, fingerprint) has already
// produced its outputs.
type CompletionRecord struct {
	Participant ParticipantID `json:"participant"`
	Stage       StageID       `json:"stage"`
	Fingerprint string        `json:"fingerprint"`
	Outputs     []Artifact    `json:"outputs"`
	RecordedAt  time.Time     `json:"recorded_at"`
}
