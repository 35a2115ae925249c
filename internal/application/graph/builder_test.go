package graph

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dwiprep/dwiprep/internal/application/registry"
	"github.com/dwiprep/dwiprep/internal/config"
	"github.com/dwiprep/dwiprep/internal/domain"
)

// fakeIndex serves canned file lists per participant and modality.
type fakeIndex struct {
	files map[domain.ParticipantID]map[string][]string
	err   error
}

func (f *fakeIndex) ListParticipants() ([]domain.ParticipantID, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make([]domain.ParticipantID, 0, len(f.files))
	for p := range f.files {
		out = append(out, p)
	}
	return out, nil
}

func (f *fakeIndex) FilesFor(p domain.ParticipantID, modality string) ([]string, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.files[p][modality], nil
}

func fullDataset() *fakeIndex {
	return &fakeIndex{files: map[domain.ParticipantID]map[string][]string{
		"01": {
			"anat": {"/ds/sub-01/anat/sub-01_T1w.nii.gz"},
			"dwi":  {"/ds/sub-01/dwi/sub-01_dwi.nii.gz"},
			"fmap": {"/ds/sub-01/fmap/sub-01_epi.nii.gz"},
		},
	}}
}

func newBuilder(t *testing.T, cfg *config.Config, idx *fakeIndex) *Builder {
	t.Helper()
	reg, err := registry.New(cfg)
	require.NoError(t, err)
	return NewBuilder(cfg, idx, reg)
}

func TestBuildFullGraph(t *testing.T) {
	cfg := config.Default()
	b := newBuilder(t, cfg, fullDataset())

	dag, err := b.Build("01")
	require.NoError(t, err)
	require.Len(t, dag.Instances, 11)

	// The cross-modal edges: diffusion stages consuming anatomical outputs.
	assert.Contains(t, dag.Producers[domain.StageFiveTissueType], domain.StageAnatPreproc)
	assert.Contains(t, dag.Producers[domain.StageCoregister], domain.StageAnatPreproc)

	// Raw inputs are located at build time, produced inputs are not.
	denoise := dag.Instances[domain.StageDWIDenoise]
	require.Len(t, denoise.Inputs, 1)
	assert.Equal(t, "/ds/sub-01/dwi/sub-01_dwi.nii.gz", denoise.Inputs[0].Location)

	tracto := dag.Instances[domain.StageTractography]
	for _, in := range tracto.Inputs {
		assert.Empty(t, in.Location, "input %s should be resolved at dispatch", in.Kind)
	}

	order, err := dag.TopoSort()
	require.NoError(t, err)
	assert.Len(t, order, 11)

	// Every instance carries a fingerprint derived from its definition.
	for id, si := range dag.Instances {
		assert.Len(t, si.Fingerprint, 64, "stage %s", id)
		assert.Equal(t, domain.StatusPending, si.Status)
	}
}

func TestBuildAnatOnly(t *testing.T) {
	cfg := config.Default()
	cfg.Workflow.AnatOnly = true

	// No diffusion data at all: still fine in anatomical-only mode.
	idx := &fakeIndex{files: map[domain.ParticipantID]map[string][]string{
		"01": {"anat": {"/ds/sub-01/anat/sub-01_T1w.nii.gz"}},
	}}
	dag, err := newBuilder(t, cfg, idx).Build("01")
	require.NoError(t, err)

	require.Len(t, dag.Instances, 1)
	assert.Contains(t, dag.Instances, domain.StageAnatPreproc)
}

func TestBuildMissingT1wFails(t *testing.T) {
	idx := fullDataset()
	delete(idx.files["01"], "anat")

	_, err := newBuilder(t, config.Default(), idx).Build("01")
	var cerr *domain.ConfigurationError
	require.ErrorAs(t, err, &cerr)
	assert.Contains(t, cerr.Message, string(domain.KindT1wRaw))
}

func TestBuildMissingDWIFails(t *testing.T) {
	idx := fullDataset()
	delete(idx.files["01"], "dwi")

	_, err := newBuilder(t, config.Default(), idx).Build("01")
	var cerr *domain.ConfigurationError
	require.ErrorAs(t, err, &cerr)
	assert.Contains(t, cerr.Message, string(domain.KindDWIRaw))
}

func TestBuildMissingFieldmapFails(t *testing.T) {
	idx := fullDataset()
	delete(idx.files["01"], "fmap")

	_, err := newBuilder(t, config.Default(), idx).Build("01")
	var cerr *domain.ConfigurationError
	require.ErrorAs(t, err, &cerr)
	assert.Contains(t, cerr.Message, string(domain.KindFieldmapRaw))
}

func TestBuildIndexErrorPropagates(t *testing.T) {
	idx := fullDataset()
	idx.err = errors.New("filesystem gone")

	_, err := newBuilder(t, config.Default(), idx).Build("01")
	var ierr *domain.IndexError
	require.ErrorAs(t, err, &ierr)
}
