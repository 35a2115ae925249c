package executors

import (
	"context"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/dwiprep/dwiprep/internal/domain"
	"github.com/dwiprep/dwiprep/internal/ports"
)

// Dipy runs the patch2self denoising variant through dipy's command-line
// workflow. Only the denoise stage routes here, and only when the
// configuration selects patch2self.
type Dipy struct {
	runner
}

// NewDipy creates the dipy executor.
func NewDipy(logger *zap.Logger) *Dipy {
	return &Dipy{runner{logger: logger}}
}

// Execute handles the denoise stage only.
func (d *Dipy) Execute(ctx context.Context, req ports.ExecutionRequest) ([]domain.Artifact, error) {
	if req.Stage != domain.StageDWIDenoise {
		return nil, unsupported(req, "dipy")
	}
	dwi, err := inputOf(req, domain.KindDWIRaw)
	if err != nil {
		return nil, err
	}
	out := filepath.Join(req.OutputDir, "denoised.nii.gz")
	if err := d.run(ctx, req,
		"dipy_denoise_patch2self", dwi, bvalSidecar(dwi),
		"--out_dir", req.OutputDir,
		"--out_denoised", filepath.Base(out),
	); err != nil {
		return nil, err
	}
	return []domain.Artifact{{Kind: domain.KindDenoisedVolume, Location: out}}, nil
}

// bvalSidecar maps an imaging file to its b-value table next to it.
func bvalSidecar(dwi string) string {
	base := dwi
	for _, suffix := range []string{".nii.gz", ".nii", ".mif"} {
		if strings.HasSuffix(base, suffix) {
			return strings.TrimSuffix(base, suffix) + ".bval"
		}
	}
	return base + ".bval"
}
