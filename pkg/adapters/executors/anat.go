package executors

import (
	"context"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/dwiprep/dwiprep/internal/domain"
	"github.com/dwiprep/dwiprep/internal/ports"
)

// Anat runs the anatomical preprocessing stage via FSL's fsl_anat pipeline:
// reorientation, bias correction, brain extraction and tissue segmentation
// in one invocation.
type Anat struct {
	runner
}

// NewAnat creates the anatomical executor.
func NewAnat(logger *zap.Logger) *Anat {
	return &Anat{runner{logger: logger}}
}

// Execute handles the anatomical preprocessing stage only.
func (a *Anat) Execute(ctx context.Context, req ports.ExecutionRequest) ([]domain.Artifact, error) {
	if req.Stage != domain.StageAnatPreproc {
		return nil, unsupported(req, "anat")
	}
	t1, err := inputOf(req, domain.KindT1wRaw)
	if err != nil {
		return nil, err
	}

	prefix := filepath.Join(req.OutputDir, "anat")
	if err := a.run(ctx, req,
		"fsl_anat",
		"-i", t1,
		"-o", prefix,
		"--nosubcortseg",
	); err != nil {
		return nil, err
	}

	// fsl_anat writes into <prefix>.anat/ with fixed names.
	dir := prefix + ".anat"
	return []domain.Artifact{
		{Kind: domain.KindT1wPreproc, Location: filepath.Join(dir, "T1_biascorr.nii.gz")},
		{Kind: domain.KindBrainMask, Location: filepath.Join(dir, "T1_biascorr_brain_mask.nii.gz")},
		{Kind: domain.KindTissueSegmentation, Location: filepath.Join(dir, "T1_fast_seg.nii.gz")},
	}, nil
}
