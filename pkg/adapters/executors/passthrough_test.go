package executors

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dwiprep/dwiprep/internal/domain"
	"github.com/dwiprep/dwiprep/internal/ports"
)

func TestPassthroughForwardsDenoiseInput(t *testing.T) {
	p := NewPassthrough(zap.NewNop())

	outputs, err := p.Execute(context.Background(), ports.ExecutionRequest{
		Participant: "01",
		Stage:       domain.StageDWIDenoise,
		Inputs:      []domain.Artifact{{Kind: domain.KindDWIRaw, Location: "/ds/dwi.nii.gz"}},
	})
	require.NoError(t, err)
	require.Len(t, outputs, 1)
	assert.Equal(t, domain.KindDenoisedVolume, outputs[0].Kind)
	assert.Equal(t, "/ds/dwi.nii.gz", outputs[0].Location)
}

func TestPassthroughRejectsUnknownStage(t *testing.T) {
	p := NewPassthrough(zap.NewNop())

	_, err := p.Execute(context.Background(), ports.ExecutionRequest{
		Participant: "01",
		Stage:       domain.StageTractography,
	})
	var eerr *domain.ExecutionError
	assert.ErrorAs(t, err, &eerr)
}

func TestInputOfMissingKind(t *testing.T) {
	_, err := inputOf(ports.ExecutionRequest{
		Participant: "01",
		Stage:       domain.StageEddy,
		Inputs:      []domain.Artifact{{Kind: domain.KindDWIRaw, Location: "/x"}},
	}, domain.KindFieldmapRaw)
	var eerr *domain.ExecutionError
	require.ErrorAs(t, err, &eerr)
	assert.Contains(t, eerr.Message, string(domain.KindFieldmapRaw))
}

func TestBvalSidecar(t *testing.T) {
	assert.Equal(t, "/ds/dwi.bval", bvalSidecar("/ds/dwi.nii.gz"))
	assert.Equal(t, "/ds/dwi.bval", bvalSidecar("/ds/dwi.mif"))
}
