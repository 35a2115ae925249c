package executors

import (
	"context"

	"go.uber.org/zap"

	"github.com/dwiprep/dwiprep/internal/domain"
	"github.com/dwiprep/dwiprep/internal/ports"
)

// passKinds maps each stage the passthrough can stand in for to the input
// kind it forwards and the output kind it declares.
var passKinds = map[domain.StageID]struct {
	in  domain.ArtifactKind
	out domain.ArtifactKind
}{
	domain.StageDWIDenoise:  {domain.KindDWIRaw, domain.KindDenoisedVolume},
	domain.StageBiasCorrect: {domain.KindEddyCorrectedVolume, domain.KindBiasCorrectedVolume},
}

// Passthrough stands in for a disabled optional stage (denoise method
// "none", bias correction skipped). It forwards its primary input as the
// output artifact without touching any tool, so the graph shape stays
// identical regardless of configuration.
type Passthrough struct {
	logger *zap.Logger
}

// NewPassthrough creates the passthrough executor.
func NewPassthrough(logger *zap.Logger) *Passthrough {
	return &Passthrough{logger: logger}
}

// Execute forwards the stage's primary input unchanged.
func (p *Passthrough) Execute(ctx context.Context, req ports.ExecutionRequest) ([]domain.Artifact, error) {
	kinds, ok := passKinds[req.Stage]
	if !ok {
		return nil, unsupported(req, "passthrough")
	}
	in, err := inputOf(req, kinds.in)
	if err != nil {
		return nil, err
	}
	p.logger.Debug("passthrough stage",
		zap.String("participant", string(req.Participant)),
		zap.String("stage", string(req.Stage)))
	return []domain.Artifact{{Kind: kinds.out, Location: in}}, nil
}
