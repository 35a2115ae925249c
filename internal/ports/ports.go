// Package ports defines the interfaces between the orchestration core and
// its infrastructure adapters: dataset index, stage executors, run store,
// event bus, and metrics collector.
package ports

import (
	"context"
	"time"

	"github.com/dwiprep/dwiprep/internal/domain"
)

// DatasetIndex enumerates participants and their files. Failures here are
// fatal: the orchestrator cannot proceed without a valid index.
type DatasetIndex interface {
	// ListParticipants returns every participant present in the dataset.
	ListParticipants() ([]domain.ParticipantID, error)
	// FilesFor returns the ordered files of one modality ("anat", "dwi",
	// "fmap") for a participant. An empty slice means the modality is
	// absent, which is not in itself an error.
	FilesFor(p domain.ParticipantID, modality string) ([]string, error)
}

// ExecutionRequest is the fixed input set and parameter bundle handed to an
// external executor for one stage instance.
type ExecutionRequest struct {
	Participant domain.ParticipantID
	Stage       domain.StageID
	Inputs      []domain.Artifact
	// Params carries the per-stage workflow knobs, already resolved.
	Params map[string]string
	// Threads is the thread budget reserved for this invocation.
	Threads int
	// OutputDir is where the executor must place its products.
	OutputDir string
}

// StageExecutor wraps one external tool. Implementations are opaque units
// of work: they either return output artifact locations or an execution
// failure with a diagnostic. Adding a stage means adding an implementation,
// not branching on stage identity.
type StageExecutor interface {
	Execute(ctx context.Context, req ExecutionRequest) ([]domain.Artifact, error)
}

// RunStore persists the run record incrementally and serves the artifact
// cache. The cache is a derived, queryable view over completed entries.
type RunStore interface {
	// CreateRun registers a new run record.
	CreateRun(ctx context.Context, rec *domain.RunRecord) error
	// SaveStage upserts the record of one stage instance.
	SaveStage(ctx context.Context, runID string, rec *domain.StageRecord) error
	// FinishRun stores the terminal run and participant statuses.
	FinishRun(ctx context.Context, rec *domain.RunRecord) error

	// Lookup returns the completion record for (participant, stage,
	// fingerprint), or nil on a miss.
	Lookup(ctx context.Context, p domain.ParticipantID, s domain.StageID, fingerprint string) (*domain.CompletionRecord, error)
	// Record stores a completion. Called only for successful instances.
	Record(ctx context.Context, rec *domain.CompletionRecord) error

	Close() error
}

// EventHandler consumes one engine event.
type EventHandler func(ctx context.Context, event domain.Event) error

// EventBus fans engine lifecycle events out to observers.
type EventBus interface {
	Publish(ctx context.Context, topic string, event domain.Event) error
	Subscribe(ctx context.Context, topic string, handler EventHandler) error
	Close() error
}

// MetricsCollector records orchestration metrics.
type MetricsCollector interface {
	RecordStageExecuted(stage string, status string, duration time.Duration)
	RecordCacheHit(stage string)
	RecordParticipantFinished(status string)
	RecordWorkerPoolStatus(idle, busy int)
	SetThreadsInUse(n int)
}
