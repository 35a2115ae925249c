package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dwiprep/dwiprep/internal/config"
	"github.com/dwiprep/dwiprep/internal/domain"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Resource.ProcSlots = 2
	cfg.Resource.ThreadsPerProc = 2
	cfg.Resource.ThreadCeiling = 4
	return cfg
}

func TestFullCatalog(t *testing.T) {
	r, err := New(testConfig())
	require.NoError(t, err)

	defs := r.Enabled()
	require.Len(t, defs, 11)
	assert.Equal(t, domain.StageAnatPreproc, defs[0].ID)

	tracto, err := r.Resolve(domain.StageTractography)
	require.NoError(t, err)
	assert.Equal(t, ExecutorMRtrix, tracto.Executor)
	assert.Contains(t, tracto.Inputs, domain.KindCoregTransform)
}

func TestAnatOnlyCatalog(t *testing.T) {
	cfg := testConfig()
	cfg.Workflow.AnatOnly = true

	r, err := New(cfg)
	require.NoError(t, err)

	defs := r.Enabled()
	require.Len(t, defs, 1)
	assert.Equal(t, domain.StageAnatPreproc, defs[0].ID)

	_, err = r.Resolve(domain.StageEddy)
	var nf *domain.NotFoundError
	assert.ErrorAs(t, err, &nf)
}

func TestDenoiseExecutorSelection(t *testing.T) {
	for method, executor := range map[string]string{
		"dwidenoise": ExecutorMRtrix,
		"patch2self": ExecutorDipy,
		"none":       ExecutorPassthrough,
	} {
		cfg := testConfig()
		cfg.Workflow.DenoiseMethod = method

		r, err := New(cfg)
		require.NoError(t, err)
		def, err := r.Resolve(domain.StageDWIDenoise)
		require.NoError(t, err)
		assert.Equal(t, executor, def.Executor, "method %s", method)
	}
}

func TestSkipBiasCorrectionUsesPassthrough(t *testing.T) {
	cfg := testConfig()
	cfg.Workflow.SkipBiasCorrection = true

	r, err := New(cfg)
	require.NoError(t, err)
	def, err := r.Resolve(domain.StageBiasCorrect)
	require.NoError(t, err)
	assert.Equal(t, ExecutorPassthrough, def.Executor)
}

func TestThreadsClampedToCeiling(t *testing.T) {
	cfg := testConfig()
	cfg.Resource.ThreadsPerProc = 16
	cfg.Resource.ThreadCeiling = 16

	r, err := New(cfg)
	require.NoError(t, err)
	for _, def := range r.Enabled() {
		assert.LessOrEqual(t, def.Threads, cfg.Resource.ThreadCeiling, "stage %s", def.ID)
		assert.GreaterOrEqual(t, def.Threads, 1, "stage %s", def.ID)
	}
}

func TestFingerprintFieldsDriveDistinctKeys(t *testing.T) {
	a := testConfig()
	b := testConfig()
	b.Workflow.NumStreamlines = a.Workflow.NumStreamlines / 2

	ra, err := New(a)
	require.NoError(t, err)
	rb, err := New(b)
	require.NoError(t, err)

	defA, _ := ra.Resolve(domain.StageTractography)
	defB, _ := rb.Resolve(domain.StageTractography)
	assert.NotEqual(t,
		domain.Fingerprint(defA.FingerprintFields()),
		domain.Fingerprint(defB.FingerprintFields()))

	// A knob local to tractography leaves upstream fingerprints alone.
	eddyA, _ := ra.Resolve(domain.StageEddy)
	eddyB, _ := rb.Resolve(domain.StageEddy)
	assert.Equal(t,
		domain.Fingerprint(eddyA.FingerprintFields()),
		domain.Fingerprint(eddyB.FingerprintFields()))
}
