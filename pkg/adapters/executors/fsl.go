package executors

import (
	"context"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/dwiprep/dwiprep/internal/domain"
	"github.com/dwiprep/dwiprep/internal/ports"
)

// FSL executes the FSL-backed stages: head-motion and eddy-current
// correction, b0 brain extraction, and the diffusion-to-anatomical
// coregistration. An FSL installation on PATH is a deployment prerequisite.
type FSL struct {
	runner
}

// NewFSL creates the FSL executor.
func NewFSL(logger *zap.Logger) *FSL {
	return &FSL{runner{logger: logger}}
}

// Execute dispatches on the requested stage.
func (f *FSL) Execute(ctx context.Context, req ports.ExecutionRequest) ([]domain.Artifact, error) {
	switch req.Stage {
	case domain.StageEddy:
		return f.eddy(ctx, req)
	case domain.StageBrainExtraction:
		return f.brainExtraction(ctx, req)
	case domain.StageCoregister:
		return f.coregister(ctx, req)
	}
	return nil, unsupported(req, "fsl")
}

// eddy drives FSL's eddy through MRtrix's dwifslpreproc wrapper, which
// derives the acquisition tables from the image headers. The configured
// eddy options pass through verbatim.
func (f *FSL) eddy(ctx context.Context, req ports.ExecutionRequest) ([]domain.Artifact, error) {
	dwi, err := inputOf(req, domain.KindDenoisedVolume)
	if err != nil {
		return nil, err
	}
	fieldmap, err := inputOf(req, domain.KindFieldmapRaw)
	if err != nil {
		return nil, err
	}
	out := filepath.Join(req.OutputDir, "eddy_corrected.mif")
	argv := []string{
		"dwifslpreproc", dwi, out,
		"-rpe_header",
		"-se_epi", fieldmap,
		"-nthreads", nthreads(req),
	}
	if opts := strings.TrimSpace(req.Params["eddy_config"]); opts != "" {
		argv = append(argv, "-eddy_options", " "+opts)
	}
	if err := f.run(ctx, req, argv...); err != nil {
		return nil, err
	}
	return []domain.Artifact{{Kind: domain.KindEddyCorrectedVolume, Location: out}}, nil
}

func (f *FSL) brainExtraction(ctx context.Context, req ports.ExecutionRequest) ([]domain.Artifact, error) {
	b0, err := inputOf(req, domain.KindB0Reference)
	if err != nil {
		return nil, err
	}
	prefix := filepath.Join(req.OutputDir, "b0_brain")
	mask := prefix + "_mask.nii.gz"
	if err := f.run(ctx, req,
		"bet", b0, prefix,
		"-m", "-f", "0.2",
	); err != nil {
		return nil, err
	}
	return []domain.Artifact{{Kind: domain.KindDWIBrainMask, Location: mask}}, nil
}

func (f *FSL) coregister(ctx context.Context, req ports.ExecutionRequest) ([]domain.Artifact, error) {
	b0, err := inputOf(req, domain.KindB0Reference)
	if err != nil {
		return nil, err
	}
	t1, err := inputOf(req, domain.KindT1wPreproc)
	if err != nil {
		return nil, err
	}
	mask, err := inputOf(req, domain.KindBrainMask)
	if err != nil {
		return nil, err
	}
	transform := filepath.Join(req.OutputDir, "dwi2anat.mat")

	if req.Params["coreg_method"] == "flirt" {
		if err := f.run(ctx, req,
			"flirt",
			"-in", b0,
			"-ref", t1,
			"-dof", req.Params["coreg_dof"],
			"-omat", transform,
			"-out", filepath.Join(req.OutputDir, "b0_in_anat.nii.gz"),
		); err != nil {
			return nil, err
		}
		return []domain.Artifact{{Kind: domain.KindCoregTransform, Location: transform}}, nil
	}

	// epi_reg wants a skull-stripped T1 alongside the full one.
	t1Brain := filepath.Join(req.OutputDir, "t1_brain.nii.gz")
	if err := f.run(ctx, req, "fslmaths", t1, "-mas", mask, t1Brain); err != nil {
		return nil, err
	}
	regPrefix := filepath.Join(req.OutputDir, "dwi2anat")
	if err := f.run(ctx, req,
		"epi_reg",
		"--epi="+b0,
		"--t1="+t1,
		"--t1brain="+t1Brain,
		"--out="+regPrefix,
	); err != nil {
		return nil, err
	}
	return []domain.Artifact{{Kind: domain.KindCoregTransform, Location: transform}}, nil
}
