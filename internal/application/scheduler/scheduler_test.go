package scheduler

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dwiprep/dwiprep/internal/application/graph"
	"github.com/dwiprep/dwiprep/internal/application/registry"
	"github.com/dwiprep/dwiprep/internal/config"
	"github.com/dwiprep/dwiprep/internal/domain"
	"github.com/dwiprep/dwiprep/internal/ports"
	eventsmem "github.com/dwiprep/dwiprep/pkg/adapters/events/memory"
	storemem "github.com/dwiprep/dwiprep/pkg/adapters/runstore/memory"
)

type nopMetrics struct{}

func (nopMetrics) RecordStageExecuted(string, string, time.Duration) {}
func (nopMetrics) RecordCacheHit(string)                             {}
func (nopMetrics) RecordParticipantFinished(string)                  {}
func (nopMetrics) RecordWorkerPoolStatus(int, int)                   {}
func (nopMetrics) SetThreadsInUse(int)                               {}

// fakeExecutor fabricates outputs per the stage catalog and records
// invocation counts and peak concurrency.
type fakeExecutor struct {
	reg *registry.Registry

	mu         sync.Mutex
	calls      int
	concurrent int
	maxConc    int

	delay      time.Duration
	failures   map[domain.InstanceKey]error
	blockOnCtx bool
}

func (f *fakeExecutor) Execute(ctx context.Context, req ports.ExecutionRequest) ([]domain.Artifact, error) {
	key := domain.InstanceKey{Participant: req.Participant, Stage: req.Stage}

	f.mu.Lock()
	f.calls++
	f.concurrent++
	if f.concurrent > f.maxConc {
		f.maxConc = f.concurrent
	}
	failure := f.failures[key]
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.concurrent--
		f.mu.Unlock()
	}()

	if f.blockOnCtx {
		<-ctx.Done()
		return nil, &domain.ExecutionError{Participant: req.Participant, Stage: req.Stage, Message: "interrupted", Err: ctx.Err()}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if failure != nil {
		return nil, failure
	}

	def, err := f.reg.Resolve(req.Stage)
	if err != nil {
		return nil, err
	}
	outputs := make([]domain.Artifact, 0, len(def.Outputs))
	for _, k := range def.Outputs {
		outputs = append(outputs, domain.Artifact{Kind: k, Location: filepath.Join(req.OutputDir, string(k))})
	}
	return outputs, nil
}

func (f *fakeExecutor) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeIndex struct {
	participants []domain.ParticipantID
}

func (f *fakeIndex) ListParticipants() ([]domain.ParticipantID, error) {
	return f.participants, nil
}

func (f *fakeIndex) FilesFor(p domain.ParticipantID, modality string) ([]string, error) {
	return []string{"/ds/sub-" + string(p) + "/" + modality + "/file.nii.gz"}, nil
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Execution.RunID = "test-run"
	cfg.Execution.WorkDir = t.TempDir()
	cfg.Resource.ProcSlots = 2
	cfg.Resource.ThreadsPerProc = 1
	cfg.Resource.ThreadCeiling = 4
	return cfg
}

type fixture struct {
	cfg   *config.Config
	reg   *registry.Registry
	exec  *fakeExecutor
	store *storemem.Store
	bus   *eventsmem.Bus
	sched *Scheduler
}

func newFixture(t *testing.T, cfg *config.Config, store *storemem.Store) *fixture {
	t.Helper()
	reg, err := registry.New(cfg)
	require.NoError(t, err)
	exec := &fakeExecutor{reg: reg, failures: make(map[domain.InstanceKey]error)}
	execs := map[string]ports.StageExecutor{
		registry.ExecutorAnat:        exec,
		registry.ExecutorMRtrix:      exec,
		registry.ExecutorFSL:         exec,
		registry.ExecutorDipy:        exec,
		registry.ExecutorPassthrough: exec,
	}
	if store == nil {
		store = storemem.New()
	}
	bus := eventsmem.New()
	return &fixture{
		cfg:   cfg,
		reg:   reg,
		exec:  exec,
		store: store,
		bus:   bus,
		sched: New(cfg, store, execs, bus, nopMetrics{}, zap.NewNop()),
	}
}

func (fx *fixture) buildDAGs(t *testing.T, participants ...domain.ParticipantID) []*domain.DAG {
	t.Helper()
	b := graph.NewBuilder(fx.cfg, &fakeIndex{participants: participants}, fx.reg)
	dags := make([]*domain.DAG, 0, len(participants))
	for _, p := range participants {
		dag, err := b.Build(p)
		require.NoError(t, err)
		dags = append(dags, dag)
	}
	return dags
}

func stageStatus(rec *domain.RunRecord, p domain.ParticipantID, s domain.StageID) *domain.StageRecord {
	return rec.Stages[domain.InstanceKey{Participant: p, Stage: s}]
}

func TestRunAllStagesComplete(t *testing.T) {
	fx := newFixture(t, testConfig(t), nil)

	var events []domain.EventType
	var evMu sync.Mutex
	require.NoError(t, fx.bus.Subscribe(context.Background(), EventTopic, func(_ context.Context, e domain.Event) error {
		evMu.Lock()
		events = append(events, e.Type)
		evMu.Unlock()
		return nil
	}))

	rec, err := fx.sched.Run(context.Background(), fx.buildDAGs(t, "01", "02"))
	require.NoError(t, err)

	assert.Equal(t, domain.RunCompleted, rec.Status)
	assert.Equal(t, domain.ParticipantCompleted, rec.Participants["01"])
	assert.Equal(t, domain.ParticipantCompleted, rec.Participants["02"])
	require.NotNil(t, rec.CompletedAt)

	for key, sr := range rec.Stages {
		assert.Equal(t, domain.StatusCompleted, sr.Status, "stage %s", key)
		assert.False(t, sr.Cached, "stage %s", key)
		assert.NotEmpty(t, sr.Outputs, "stage %s", key)
	}
	assert.Equal(t, 22, fx.exec.callCount())

	evMu.Lock()
	defer evMu.Unlock()
	assert.Contains(t, events, domain.EventRunStarted)
	assert.Contains(t, events, domain.EventStageCompleted)
	assert.Contains(t, events, domain.EventRunCompleted)
	assert.NotContains(t, events, domain.EventStageFailed)
}

func TestRerunIsFullySatisfiedFromCache(t *testing.T) {
	store := storemem.New()

	first := newFixture(t, testConfig(t), store)
	_, err := first.sched.Run(context.Background(), first.buildDAGs(t, "01"))
	require.NoError(t, err)
	require.Equal(t, 11, first.exec.callCount())

	cfg := testConfig(t)
	cfg.Execution.RunID = "test-run-2"
	second := newFixture(t, cfg, store)
	rec, err := second.sched.Run(context.Background(), second.buildDAGs(t, "01"))
	require.NoError(t, err)

	assert.Equal(t, domain.RunCompleted, rec.Status)
	assert.Equal(t, 0, second.exec.callCount(), "re-run must not invoke any executor")
	for key, sr := range rec.Stages {
		assert.True(t, sr.Cached, "stage %s should be a cache hit", key)
		assert.Equal(t, domain.StatusCompleted, sr.Status, "stage %s", key)
	}
}

func TestChangedParameterInvalidatesOnlyDependentStages(t *testing.T) {
	store := storemem.New()

	first := newFixture(t, testConfig(t), store)
	_, err := first.sched.Run(context.Background(), first.buildDAGs(t, "01"))
	require.NoError(t, err)

	// A tractography-only knob: everything upstream stays cached.
	cfg := testConfig(t)
	cfg.Execution.RunID = "test-run-2"
	cfg.Workflow.NumStreamlines = cfg.Workflow.NumStreamlines / 2
	second := newFixture(t, cfg, store)
	rec, err := second.sched.Run(context.Background(), second.buildDAGs(t, "01"))
	require.NoError(t, err)

	assert.Equal(t, domain.RunCompleted, rec.Status)
	assert.Equal(t, 1, second.exec.callCount())
	assert.False(t, stageStatus(rec, "01", domain.StageTractography).Cached)
	assert.True(t, stageStatus(rec, "01", domain.StageEddy).Cached)
	assert.True(t, stageStatus(rec, "01", domain.StageAnatPreproc).Cached)
}

func TestIsolatePolicyContainsFailure(t *testing.T) {
	fx := newFixture(t, testConfig(t), nil)
	fx.exec.failures[domain.InstanceKey{Participant: "01", Stage: domain.StageEddy}] =
		&domain.ExecutionError{Participant: "01", Stage: domain.StageEddy, Message: "eddy crashed"}

	rec, err := fx.sched.Run(context.Background(), fx.buildDAGs(t, "01", "02"))
	require.NoError(t, err)

	assert.Equal(t, domain.RunPartialSuccess, rec.Status)
	assert.Equal(t, domain.ParticipantPartialFailure, rec.Participants["01"])
	assert.Equal(t, domain.ParticipantCompleted, rec.Participants["02"])

	// Stages not downstream of the failure still complete for 01.
	assert.Equal(t, domain.StatusCompleted, stageStatus(rec, "01", domain.StageAnatPreproc).Status)
	assert.Equal(t, domain.StatusCompleted, stageStatus(rec, "01", domain.StageFiveTissueType).Status)
	assert.Equal(t, domain.StatusCompleted, stageStatus(rec, "01", domain.StageDWIDenoise).Status)

	assert.Equal(t, domain.StatusFailed, stageStatus(rec, "01", domain.StageEddy).Status)
	for _, s := range []domain.StageID{
		domain.StageExtractB0, domain.StageBiasCorrect, domain.StageBrainExtraction,
		domain.StageCoregister, domain.StageResponseFunction,
		domain.StageFiberOrientation, domain.StageTractography,
	} {
		sr := stageStatus(rec, "01", s)
		assert.Equal(t, domain.StatusSkipped, sr.Status, "stage %s", s)
		assert.Equal(t, "upstream failure", sr.SkipReason, "stage %s", s)
	}

	// The healthy participant is untouched.
	for _, sr := range rec.Stages {
		if sr.Participant == "02" {
			assert.Equal(t, domain.StatusCompleted, sr.Status, "stage %s", sr.Stage)
		}
	}
}

func TestAbortPolicyStopsAllDispatch(t *testing.T) {
	cfg := testConfig(t)
	cfg.Resource.ProcSlots = 1
	cfg.Resource.StopOnFirstCrash = true

	fx := newFixture(t, cfg, nil)
	fx.exec.failures[domain.InstanceKey{Participant: "01", Stage: domain.StageAnatPreproc}] =
		&domain.ExecutionError{Participant: "01", Stage: domain.StageAnatPreproc, Message: "anat crashed"}

	rec, err := fx.sched.Run(context.Background(), fx.buildDAGs(t, "01", "02"))
	require.NoError(t, err)

	assert.Equal(t, domain.RunFailed, rec.Status)
	assert.Equal(t, 1, fx.exec.callCount(), "nothing may start after the first crash")

	assert.Equal(t, domain.StatusFailed, stageStatus(rec, "01", domain.StageAnatPreproc).Status)
	for key, sr := range rec.Stages {
		if key.Participant == "01" && key.Stage == domain.StageAnatPreproc {
			continue
		}
		assert.Equal(t, domain.StatusSkipped, sr.Status, "stage %s", key)
		assert.Equal(t, "run aborted", sr.SkipReason, "stage %s", key)
	}
}

func TestThreadCeilingBoundsConcurrency(t *testing.T) {
	cfg := testConfig(t)
	cfg.Resource.ProcSlots = 4
	cfg.Resource.ThreadsPerProc = 1
	cfg.Resource.ThreadCeiling = 2

	fx := newFixture(t, cfg, nil)
	fx.exec.delay = 3 * time.Millisecond

	rec, err := fx.sched.Run(context.Background(), fx.buildDAGs(t, "01", "02", "03"))
	require.NoError(t, err)

	assert.Equal(t, domain.RunCompleted, rec.Status)
	assert.LessOrEqual(t, fx.exec.maxConc, 2, "thread ceiling of 2 with 1 thread per stage")
}

func TestProcSlotsBoundConcurrency(t *testing.T) {
	cfg := testConfig(t)
	cfg.Resource.ProcSlots = 2
	cfg.Resource.ThreadsPerProc = 1
	cfg.Resource.ThreadCeiling = 64

	fx := newFixture(t, cfg, nil)
	fx.exec.delay = 3 * time.Millisecond

	rec, err := fx.sched.Run(context.Background(), fx.buildDAGs(t, "01", "02", "03"))
	require.NoError(t, err)

	assert.Equal(t, domain.RunCompleted, rec.Status)
	assert.LessOrEqual(t, fx.exec.maxConc, 2, "2 process slots with an ample thread ceiling")
}

func TestCacheInconsistencyFailsParticipant(t *testing.T) {
	store := storemem.New()
	fx := newFixture(t, testConfig(t), store)
	dags := fx.buildDAGs(t, "01")

	// An entry whose recorded outputs contradict the catalog contract.
	eddy := dags[0].Instances[domain.StageEddy]
	require.NoError(t, store.Record(context.Background(), &domain.CompletionRecord{
		Participant: "01",
		Stage:       domain.StageEddy,
		Fingerprint: eddy.Fingerprint,
		Outputs:     []domain.Artifact{{Kind: domain.KindStreamlineSet, Location: "/stale/tracks.tck"}},
		RecordedAt:  time.Now(),
	}))

	rec, err := fx.sched.Run(context.Background(), dags)
	require.NoError(t, err)

	assert.Equal(t, domain.RunFailed, rec.Status)
	sr := stageStatus(rec, "01", domain.StageEddy)
	assert.Equal(t, domain.StatusFailed, sr.Status)
	assert.Contains(t, sr.Error, "inconsistency")
	assert.Equal(t, domain.StatusSkipped, stageStatus(rec, "01", domain.StageExtractB0).Status)
}

func TestCancellationDrainsAndSkips(t *testing.T) {
	cfg := testConfig(t)
	cfg.Resource.ProcSlots = 1

	fx := newFixture(t, cfg, nil)
	fx.exec.blockOnCtx = true

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	rec, err := fx.sched.Run(ctx, fx.buildDAGs(t, "01"))
	require.NoError(t, err)

	assert.Equal(t, domain.RunFailed, rec.Status)
	assert.Equal(t, 1, fx.exec.callCount(), "cancellation must not start new stages")
	for key, sr := range rec.Stages {
		assert.True(t, sr.Status.Terminal(), "stage %s must be terminal after cancellation", key)
	}
	assert.Equal(t, domain.StatusFailed, stageStatus(rec, "01", domain.StageAnatPreproc).Status)
}

func TestResumeAfterPartialRun(t *testing.T) {
	store := storemem.New()

	// First run fails mid-pipeline; completed prefixes land in the cache.
	first := newFixture(t, testConfig(t), store)
	first.exec.failures[domain.InstanceKey{Participant: "01", Stage: domain.StageEddy}] =
		&domain.ExecutionError{Participant: "01", Stage: domain.StageEddy, Message: "transient crash"}
	_, err := first.sched.Run(context.Background(), first.buildDAGs(t, "01"))
	require.NoError(t, err)
	completedFirst := first.exec.callCount()

	// Second run re-executes only the failed stage and its downstream.
	cfg := testConfig(t)
	cfg.Execution.RunID = "test-run-2"
	second := newFixture(t, cfg, store)
	rec, err := second.sched.Run(context.Background(), second.buildDAGs(t, "01"))
	require.NoError(t, err)

	assert.Equal(t, domain.RunCompleted, rec.Status)
	assert.Equal(t, 11-(completedFirst-1), second.exec.callCount())
	assert.True(t, stageStatus(rec, "01", domain.StageDWIDenoise).Cached)
	assert.False(t, stageStatus(rec, "01", domain.StageEddy).Cached)
}
