// Package scheduler walks the union of all per-participant DAGs,
// dispatching ready stage instances to a bounded worker pool while
// enforcing the process-slot and thread budgets and the configured failure
// policy. It owns the run record and persists every transition through the
// run store, consulting the artifact cache before any dispatch so re-runs
// are idempotent and resumable.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dwiprep/dwiprep/internal/config"
	"github.com/dwiprep/dwiprep/internal/domain"
	"github.com/dwiprep/dwiprep/internal/ports"
)

// EventTopic is the bus topic every scheduler event is published on.
const EventTopic = "run.events"

// Scheduler executes the per-participant DAGs of one run.
type Scheduler struct {
	cfg       *config.Config
	store     ports.RunStore
	executors map[string]ports.StageExecutor
	bus       ports.EventBus
	metrics   ports.MetricsCollector
	logger    *zap.Logger

	healthInterval time.Duration

	mu           sync.Mutex
	dags         map[domain.ParticipantID]*domain.DAG
	order        map[domain.ParticipantID][]domain.StageID
	record       *domain.RunRecord
	running      int
	threadsInUse int
	aborted      bool
	abortReason  string
}

// New creates a scheduler. executors maps executor names (as declared by
// stage definitions) to implementations.
func New(
	cfg *config.Config,
	store ports.RunStore,
	executors map[string]ports.StageExecutor,
	bus ports.EventBus,
	metrics ports.MetricsCollector,
	logger *zap.Logger,
) *Scheduler {
	return &Scheduler{
		cfg:            cfg,
		store:          store,
		executors:      executors,
		bus:            bus,
		metrics:        metrics,
		logger:         logger,
		healthInterval: 30 * time.Second,
	}
}

// Run executes all DAGs and returns the finished run record. The only
// blocking point is waiting for stage instances to finish; cancellation is
// cooperative, in-flight executors drain rather than being force-killed.
func (s *Scheduler) Run(ctx context.Context, dags []*domain.DAG) (*domain.RunRecord, error) {
	s.mu.Lock()
	s.dags = make(map[domain.ParticipantID]*domain.DAG, len(dags))
	s.order = make(map[domain.ParticipantID][]domain.StageID, len(dags))
	for _, dag := range dags {
		s.dags[dag.Participant] = dag
		order, err := dag.TopoSort()
		if err != nil {
			s.mu.Unlock()
			return nil, err
		}
		s.order[dag.Participant] = order
	}
	s.record = domain.NewRunRecord(s.cfg.Execution.RunID, dags)
	s.mu.Unlock()

	if err := s.store.CreateRun(ctx, s.record); err != nil {
		return nil, fmt.Errorf("create run record: %w", err)
	}
	s.publish(ctx, domain.Event{Type: domain.EventRunStarted})
	s.logger.Info("run started",
		zap.String("run_id", s.record.RunID),
		zap.Int("participants", len(dags)),
		zap.Bool("stop_on_first_crash", s.cfg.Resource.StopOnFirstCrash))

	p := newPool(s.cfg.Resource.ProcSlots, s.metrics, s.logger, s.healthInterval)
	p.start(ctx)

	for {
		s.dispatchReady(ctx, p)

		s.mu.Lock()
		active := s.running
		done := s.allTerminal() && active == 0
		stalled := !done && active == 0 && !s.dispatchable()
		s.mu.Unlock()

		if done {
			break
		}
		if stalled {
			// Nothing running and nothing can start: only legal after an
			// abort or cancellation left pending work behind.
			s.mu.Lock()
			blocked := !s.aborted
			s.mu.Unlock()
			if blocked {
				p.stop()
				return nil, fmt.Errorf("scheduler stalled: pending stages but none dispatchable")
			}
			break
		}

		select {
		case <-ctx.Done():
			s.mu.Lock()
			if !s.aborted {
				s.aborted = true
				s.abortReason = "run cancelled"
			}
			s.mu.Unlock()
			// Keep looping: in-flight instances drain cooperatively.
			if active > 0 {
				res := <-p.doneCh
				s.handleResult(ctx, res)
			}
		case res := <-p.doneCh:
			s.handleResult(ctx, res)
		}
	}

	p.stop()
	s.finalize(ctx)
	return s.Snapshot(), nil
}

// dispatchReady repeatedly scans for ready instances, first satisfying them
// from the artifact cache and then handing the rest to the pool while
// resources allow. A stage's status transition, its run-store write, and
// (for cache hits) its completion lookup form one critical section, so no
// worker ever observes a half-applied transition.
func (s *Scheduler) dispatchReady(ctx context.Context, p *pool) {
	for {
		progress := false

		s.mu.Lock()
		for _, participant := range s.participantOrder() {
			dag := s.dags[participant]
			for _, id := range s.order[participant] {
				si := dag.Instances[id]
				if si.Status != domain.StatusPending || !s.depsCompleted(dag, id) {
					continue
				}
				if s.aborted {
					continue
				}

				cr, err := s.store.Lookup(ctx, si.Participant, id, si.Fingerprint)
				if err != nil {
					s.logger.Warn("artifact cache lookup failed, treating as miss",
						zap.String("participant", string(participant)),
						zap.String("stage", string(id)),
						zap.Error(err))
				}
				if cr != nil {
					if !outputsConsistent(si.Definition, cr) {
						s.failLocked(ctx, si, &domain.CacheInconsistencyError{
							Participant: participant,
							Stage:       id,
							Fingerprint: si.Fingerprint,
						})
						progress = true
						continue
					}
					s.completeLocked(ctx, si, cr.Outputs, true, 0)
					progress = true
					continue
				}

				if s.running >= s.cfg.Resource.ProcSlots {
					continue
				}
				if s.threadsInUse+si.Definition.Threads > s.cfg.Resource.ThreadCeiling {
					continue
				}

				req, err2 := s.buildRequest(dag, si)
				if err2 != nil {
					s.failLocked(ctx, si, err2)
					progress = true
					continue
				}
				exec, ok := s.executors[si.Definition.Executor]
				if !ok {
					s.failLocked(ctx, si, &domain.NotFoundError{What: "executor", Key: si.Definition.Executor})
					progress = true
					continue
				}

				si.Status = domain.StatusRunning
				s.running++
				s.threadsInUse += si.Definition.Threads
				s.metrics.SetThreadsInUse(s.threadsInUse)
				s.persistLocked(ctx, si)
				s.publish(ctx, domain.Event{
					Type:        domain.EventStageStarted,
					Participant: participant,
					Stage:       id,
				})
				s.logger.Info("stage dispatched",
					zap.String("participant", string(participant)),
					zap.String("stage", string(id)),
					zap.Int("threads", si.Definition.Threads))

				// doneCh is buffered to the pool size so workers never
				// block reporting; with running < slots a worker is free
				// to take this item.
				p.workCh <- workItem{key: si.Key(), request: req, exec: exec}
				progress = true
			}
		}
		s.mu.Unlock()

		if !progress {
			return
		}
	}
}

// handleResult applies the outcome of one executed instance.
func (s *Scheduler) handleResult(ctx context.Context, res workResult) {
	s.mu.Lock()
	defer s.mu.Unlock()

	dag := s.dags[res.key.Participant]
	si := dag.Instances[res.key.Stage]

	s.running--
	s.threadsInUse -= si.Definition.Threads
	s.metrics.SetThreadsInUse(s.threadsInUse)

	if res.err != nil {
		s.failLocked(ctx, si, res.err)
		return
	}
	s.completeLocked(ctx, si, res.outputs, false, res.duration)
}

// completeLocked transitions an instance to Completed and, for fresh
// executions, records the completion in the artifact cache. Failures are
// never recorded, so a failed stage retries on the next invocation.
func (s *Scheduler) completeLocked(ctx context.Context, si *domain.StageInstance, outputs []domain.Artifact, cached bool, duration time.Duration) {
	si.Status = domain.StatusCompleted
	si.Cached = cached
	si.Outputs = outputs
	s.persistLocked(ctx, si)

	if cached {
		s.metrics.RecordCacheHit(string(si.Definition.ID))
		s.publish(ctx, domain.Event{
			Type:        domain.EventStageCached,
			Participant: si.Participant,
			Stage:       si.Definition.ID,
		})
		s.logger.Info("stage satisfied from cache",
			zap.String("participant", string(si.Participant)),
			zap.String("stage", string(si.Definition.ID)))
		return
	}

	if err := s.store.Record(ctx, &domain.CompletionRecord{
		Participant: si.Participant,
		Stage:       si.Definition.ID,
		Fingerprint: si.Fingerprint,
		Outputs:     outputs,
		RecordedAt:  time.Now(),
	}); err != nil {
		s.logger.Error("failed to record completion in artifact cache",
			zap.String("participant", string(si.Participant)),
			zap.String("stage", string(si.Definition.ID)),
			zap.Error(err))
	}

	s.metrics.RecordStageExecuted(string(si.Definition.ID), string(domain.StatusCompleted), duration)
	s.publish(ctx, domain.Event{
		Type:        domain.EventStageCompleted,
		Participant: si.Participant,
		Stage:       si.Definition.ID,
	})
	s.logger.Info("stage completed",
		zap.String("participant", string(si.Participant)),
		zap.String("stage", string(si.Definition.ID)),
		zap.Duration("duration", duration))
}

// failLocked marks an instance Failed and applies the failure policy:
// Abort mode stops all further dispatch across every participant; Isolate
// mode skips only this participant's downstream instances.
func (s *Scheduler) failLocked(ctx context.Context, si *domain.StageInstance, cause error) {
	si.Status = domain.StatusFailed
	si.Error = cause.Error()
	s.persistLocked(ctx, si)

	s.metrics.RecordStageExecuted(string(si.Definition.ID), string(domain.StatusFailed), 0)
	s.publish(ctx, domain.Event{
		Type:        domain.EventStageFailed,
		Participant: si.Participant,
		Stage:       si.Definition.ID,
		Data:        map[string]any{"error": cause.Error()},
	})
	s.logger.Error("stage failed",
		zap.String("participant", string(si.Participant)),
		zap.String("stage", string(si.Definition.ID)),
		zap.Error(cause))

	if s.cfg.Resource.StopOnFirstCrash {
		if !s.aborted {
			s.aborted = true
			s.abortReason = "run aborted"
			s.logger.Warn("abort mode: cancelling all not-yet-started stages")
		}
		return
	}

	// Isolate mode: the blast radius is this participant's downstream.
	dag := s.dags[si.Participant]
	for _, id := range dag.Descendants(si.Definition.ID) {
		dep := dag.Instances[id]
		if dep.Status.Terminal() || dep.Status == domain.StatusRunning {
			continue
		}
		s.skipLocked(ctx, dep, "upstream failure")
	}
}

func (s *Scheduler) skipLocked(ctx context.Context, si *domain.StageInstance, reason string) {
	si.Status = domain.StatusSkipped
	si.SkipReason = reason
	s.persistLocked(ctx, si)
	s.publish(ctx, domain.Event{
		Type:        domain.EventStageSkipped,
		Participant: si.Participant,
		Stage:       si.Definition.ID,
		Data:        map[string]any{"reason": reason},
	})
	s.logger.Info("stage skipped",
		zap.String("participant", string(si.Participant)),
		zap.String("stage", string(si.Definition.ID)),
		zap.String("reason", reason))
}

// finalize skips leftovers, derives terminal statuses, and persists the
// finished record.
func (s *Scheduler) finalize(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	reason := s.abortReason
	if reason == "" {
		reason = "run aborted"
	}
	for _, dag := range s.dags {
		for _, si := range dag.Instances {
			if !si.Status.Terminal() {
				s.skipLocked(ctx, si, reason)
			}
		}
	}

	completed := 0
	for participant, dag := range s.dags {
		status := participantStatus(dag)
		s.record.Participants[participant] = status
		s.metrics.RecordParticipantFinished(string(status))
		if status == domain.ParticipantCompleted {
			completed++
		}
	}

	switch {
	case s.aborted && s.abortReason == "run aborted" && s.cfg.Resource.StopOnFirstCrash:
		s.record.Status = domain.RunFailed
	case completed == len(s.dags):
		s.record.Status = domain.RunCompleted
	case completed > 0:
		s.record.Status = domain.RunPartialSuccess
	default:
		s.record.Status = domain.RunFailed
	}
	now := time.Now()
	s.record.CompletedAt = &now

	if err := s.store.FinishRun(ctx, s.record); err != nil {
		s.logger.Error("failed to persist final run record", zap.Error(err))
	}

	evt := domain.Event{Type: domain.EventRunCompleted, Data: map[string]any{"status": string(s.record.Status)}}
	if s.record.Status == domain.RunFailed {
		evt.Type = domain.EventRunFailed
	}
	s.publish(ctx, evt)
	s.logger.Info("run finished",
		zap.String("run_id", s.record.RunID),
		zap.String("status", string(s.record.Status)))
}

// Snapshot returns a copy of the run record safe for concurrent readers
// (the monitoring API).
func (s *Scheduler) Snapshot() *domain.RunRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := &domain.RunRecord{
		RunID:        s.record.RunID,
		Status:       s.record.Status,
		StartedAt:    s.record.StartedAt,
		CompletedAt:  s.record.CompletedAt,
		Participants: make(map[domain.ParticipantID]domain.ParticipantStatus, len(s.record.Participants)),
		Stages:       make(map[domain.InstanceKey]*domain.StageRecord, len(s.record.Stages)),
	}
	for k, v := range s.record.Participants {
		cp.Participants[k] = v
	}
	for k, v := range s.record.Stages {
		rec := *v
		cp.Stages[k] = &rec
	}
	return cp
}

// persistLocked mirrors the instance into the run record and writes it
// through the store. Called with s.mu held so the record write and the
// status transition are one atomic unit to any reader.
func (s *Scheduler) persistLocked(ctx context.Context, si *domain.StageInstance) {
	rec := s.record.Stages[si.Key()]
	rec.Status = si.Status
	rec.Cached = si.Cached
	rec.SkipReason = si.SkipReason
	rec.Error = si.Error
	rec.Outputs = si.Outputs
	now := time.Now()
	switch si.Status {
	case domain.StatusRunning:
		rec.StartedAt = &now
	case domain.StatusCompleted, domain.StatusFailed, domain.StatusSkipped:
		rec.CompletedAt = &now
	}

	if err := s.store.SaveStage(ctx, s.record.RunID, rec); err != nil {
		s.logger.Error("failed to persist stage record",
			zap.String("participant", string(si.Participant)),
			zap.String("stage", string(si.Definition.ID)),
			zap.Error(err))
	}
}

// buildRequest resolves the instance's input locations: raw inputs carry
// their location from graph build time; produced inputs take the location
// recorded by their completed producer.
func (s *Scheduler) buildRequest(dag *domain.DAG, si *domain.StageInstance) (ports.ExecutionRequest, error) {
	inputs := make([]domain.Artifact, len(si.Inputs))
	for i, in := range si.Inputs {
		if in.Location != "" {
			inputs[i] = in
			continue
		}
		loc, err := s.producedLocation(dag, si.Definition.ID, in.Kind)
		if err != nil {
			return ports.ExecutionRequest{}, err
		}
		inputs[i] = domain.Artifact{Kind: in.Kind, Location: loc}
	}
	si.Inputs = inputs

	return ports.ExecutionRequest{
		Participant: si.Participant,
		Stage:       si.Definition.ID,
		Inputs:      inputs,
		Params:      si.Definition.FingerprintFields(),
		Threads:     si.Definition.Threads,
		OutputDir:   s.stageWorkDir(si),
	}, nil
}

func (s *Scheduler) producedLocation(dag *domain.DAG, consumer domain.StageID, kind domain.ArtifactKind) (string, error) {
	for _, producerID := range dag.Producers[consumer] {
		producer := dag.Instances[producerID]
		for _, out := range producer.Outputs {
			if out.Kind == kind {
				return out.Location, nil
			}
		}
	}
	return "", fmt.Errorf("no completed producer found for %s required by %s/%s", kind, dag.Participant, consumer)
}

func (s *Scheduler) stageWorkDir(si *domain.StageInstance) string {
	return fmt.Sprintf("%s/sub-%s/%s", s.cfg.Execution.WorkDir, si.Participant, si.Definition.ID)
}

func (s *Scheduler) participantOrder() []domain.ParticipantID {
	out := make([]domain.ParticipantID, 0, len(s.dags))
	for p := range s.dags {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (s *Scheduler) depsCompleted(dag *domain.DAG, id domain.StageID) bool {
	for _, producer := range dag.Producers[id] {
		if dag.Instances[producer].Status != domain.StatusCompleted {
			return false
		}
	}
	return true
}

func (s *Scheduler) allTerminal() bool {
	for _, dag := range s.dags {
		for _, si := range dag.Instances {
			if !si.Status.Terminal() {
				return false
			}
		}
	}
	return true
}

// dispatchable reports whether any pending instance could start right now,
// ignoring resource limits. Called with s.mu held.
func (s *Scheduler) dispatchable() bool {
	if s.aborted {
		return false
	}
	for _, dag := range s.dags {
		for id, si := range dag.Instances {
			if si.Status == domain.StatusPending && s.depsCompleted(dag, id) {
				return true
			}
		}
	}
	return false
}

func (s *Scheduler) publish(ctx context.Context, evt domain.Event) {
	evt.ID = uuid.New().String()
	evt.RunID = s.cfg.Execution.RunID
	evt.Timestamp = time.Now()
	if err := s.bus.Publish(ctx, EventTopic, evt); err != nil {
		s.logger.Warn("failed to publish event",
			zap.String("type", string(evt.Type)),
			zap.Error(err))
	}
}

// outputsConsistent verifies that a cache entry's recorded outputs cover
// exactly the kinds the definition declares. A mismatch means the
// fingerprint matched but the catalog contract changed underneath it: an
// unsafe hit.
func outputsConsistent(def *domain.StageDefinition, cr *domain.CompletionRecord) bool {
	if len(cr.Outputs) != len(def.Outputs) {
		return false
	}
	recorded := make(map[domain.ArtifactKind]bool, len(cr.Outputs))
	for _, a := range cr.Outputs {
		if a.Location == "" {
			return false
		}
		recorded[a.Kind] = true
	}
	for _, k := range def.Outputs {
		if !recorded[k] {
			return false
		}
	}
	return true
}

// participantStatus derives the terminal status of one participant's DAG.
func participantStatus(dag *domain.DAG) domain.ParticipantStatus {
	total := len(dag.Instances)
	completed := 0
	for _, si := range dag.Instances {
		if si.Status == domain.StatusCompleted {
			completed++
		}
	}
	switch completed {
	case total:
		return domain.ParticipantCompleted
	case 0:
		return domain.ParticipantFailed
	default:
		return domain.ParticipantPartialFailure
	}
}
