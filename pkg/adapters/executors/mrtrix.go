package executors

import (
	"context"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/dwiprep/dwiprep/internal/domain"
	"github.com/dwiprep/dwiprep/internal/ports"
)

// MRtrix executes the MRtrix3-backed stages: denoising, b0 extraction,
// bias correction, tissue typing, response estimation, FOD computation and
// tractography. Commands are resolved from PATH; an MRtrix3 installation is
// a deployment prerequisite.
type MRtrix struct {
	runner
}

// NewMRtrix creates the MRtrix3 executor.
func NewMRtrix(logger *zap.Logger) *MRtrix {
	return &MRtrix{runner{logger: logger}}
}

// Execute dispatches on the requested stage.
func (m *MRtrix) Execute(ctx context.Context, req ports.ExecutionRequest) ([]domain.Artifact, error) {
	switch req.Stage {
	case domain.StageFiveTissueType:
		return m.fiveTissueType(ctx, req)
	case domain.StageDWIDenoise:
		return m.denoise(ctx, req)
	case domain.StageExtractB0:
		return m.extractB0(ctx, req)
	case domain.StageBiasCorrect:
		return m.biasCorrect(ctx, req)
	case domain.StageResponseFunction:
		return m.responseFunction(ctx, req)
	case domain.StageFiberOrientation:
		return m.fiberOrientation(ctx, req)
	case domain.StageTractography:
		return m.tractography(ctx, req)
	}
	return nil, unsupported(req, "mrtrix3")
}

func (m *MRtrix) fiveTissueType(ctx context.Context, req ports.ExecutionRequest) ([]domain.Artifact, error) {
	t1, err := inputOf(req, domain.KindT1wPreproc)
	if err != nil {
		return nil, err
	}
	mask, err := inputOf(req, domain.KindBrainMask)
	if err != nil {
		return nil, err
	}
	out := filepath.Join(req.OutputDir, "5tt.mif")
	if err := m.run(ctx, req,
		"5ttgen", "fsl", t1, out,
		"-mask", mask,
		"-nocrop",
		"-nthreads", nthreads(req),
	); err != nil {
		return nil, err
	}
	return []domain.Artifact{{Kind: domain.KindFiveTissueType, Location: out}}, nil
}

func (m *MRtrix) denoise(ctx context.Context, req ports.ExecutionRequest) ([]domain.Artifact, error) {
	dwi, err := inputOf(req, domain.KindDWIRaw)
	if err != nil {
		return nil, err
	}
	out := filepath.Join(req.OutputDir, "denoised.mif")
	argv := []string{"dwidenoise", dwi, out, "-nthreads", nthreads(req)}
	if w := req.Params["denoise_window"]; w != "" && w != "0" {
		argv = append(argv, "-extent", w)
	}
	if err := m.run(ctx, req, argv...); err != nil {
		return nil, err
	}
	return []domain.Artifact{{Kind: domain.KindDenoisedVolume, Location: out}}, nil
}

func (m *MRtrix) extractB0(ctx context.Context, req ports.ExecutionRequest) ([]domain.Artifact, error) {
	dwi, err := inputOf(req, domain.KindEddyCorrectedVolume)
	if err != nil {
		return nil, err
	}
	b0s := filepath.Join(req.OutputDir, "b0s.mif")
	out := filepath.Join(req.OutputDir, "b0_ref.mif")
	argv := []string{"dwiextract", dwi, b0s, "-bzero"}
	if t := req.Params["b0_threshold"]; t != "" {
		argv = append(argv, "-config", "BZeroThreshold", t)
	}
	if err := m.run(ctx, req, argv...); err != nil {
		return nil, err
	}
	if err := m.run(ctx, req, "mrmath", b0s, "mean", out, "-axis", "3"); err != nil {
		return nil, err
	}
	return []domain.Artifact{{Kind: domain.KindB0Reference, Location: out}}, nil
}

func (m *MRtrix) biasCorrect(ctx context.Context, req ports.ExecutionRequest) ([]domain.Artifact, error) {
	dwi, err := inputOf(req, domain.KindEddyCorrectedVolume)
	if err != nil {
		return nil, err
	}
	out := filepath.Join(req.OutputDir, "biascorr.mif")
	if err := m.run(ctx, req,
		"dwibiascorrect", "ants", dwi, out,
		"-nthreads", nthreads(req),
	); err != nil {
		return nil, err
	}
	return []domain.Artifact{{Kind: domain.KindBiasCorrectedVolume, Location: out}}, nil
}

func (m *MRtrix) responseFunction(ctx context.Context, req ports.ExecutionRequest) ([]domain.Artifact, error) {
	dwi, err := inputOf(req, domain.KindBiasCorrectedVolume)
	if err != nil {
		return nil, err
	}
	mask, err := inputOf(req, domain.KindDWIBrainMask)
	if err != nil {
		return nil, err
	}
	// The wm response is the artifact location; gm.txt and csf.txt are its
	// siblings, found by the FOD stage via the directory.
	wm := filepath.Join(req.OutputDir, "wm.txt")
	gm := filepath.Join(req.OutputDir, "gm.txt")
	csf := filepath.Join(req.OutputDir, "csf.txt")

	algorithm := req.Params["response_algorithm"]
	argv := []string{"dwi2response", algorithm, dwi}
	if algorithm == "tournier" {
		argv = append(argv, wm)
	} else {
		argv = append(argv, wm, gm, csf)
	}
	argv = append(argv, "-mask", mask, "-nthreads", nthreads(req))
	if err := m.run(ctx, req, argv...); err != nil {
		return nil, err
	}
	return []domain.Artifact{{Kind: domain.KindResponseFunction, Location: wm}}, nil
}

func (m *MRtrix) fiberOrientation(ctx context.Context, req ports.ExecutionRequest) ([]domain.Artifact, error) {
	dwi, err := inputOf(req, domain.KindBiasCorrectedVolume)
	if err != nil {
		return nil, err
	}
	wm, err := inputOf(req, domain.KindResponseFunction)
	if err != nil {
		return nil, err
	}
	mask, err := inputOf(req, domain.KindDWIBrainMask)
	if err != nil {
		return nil, err
	}
	responseDir := filepath.Dir(wm)
	wmfod := filepath.Join(req.OutputDir, "wmfod.mif")

	algorithm := req.Params["fod_algorithm"]
	argv := []string{"dwi2fod", algorithm, dwi, wm, wmfod}
	if algorithm == "msmt_csd" {
		argv = append(argv,
			filepath.Join(responseDir, "gm.txt"), filepath.Join(req.OutputDir, "gm.mif"),
			filepath.Join(responseDir, "csf.txt"), filepath.Join(req.OutputDir, "csf.mif"),
		)
	}
	argv = append(argv, "-mask", mask, "-nthreads", nthreads(req))
	if err := m.run(ctx, req, argv...); err != nil {
		return nil, err
	}
	return []domain.Artifact{{Kind: domain.KindFiberOrientation, Location: wmfod}}, nil
}

func (m *MRtrix) tractography(ctx context.Context, req ports.ExecutionRequest) ([]domain.Artifact, error) {
	fod, err := inputOf(req, domain.KindFiberOrientation)
	if err != nil {
		return nil, err
	}
	fivett, err := inputOf(req, domain.KindFiveTissueType)
	if err != nil {
		return nil, err
	}
	raw := filepath.Join(req.OutputDir, "tracks_raw.tck")
	out := filepath.Join(req.OutputDir, "tracks.tck")

	if err := m.run(ctx, req,
		"tckgen", fod, raw,
		"-algorithm", req.Params["tracking_algorithm"],
		"-select", req.Params["n_raw_tracts"],
		"-angle", req.Params["tracking_max_angle"],
		"-minlength", req.Params["tracking_lenscale_min"],
		"-maxlength", req.Params["tracking_lenscale_max"],
		"-step", req.Params["tracking_stepscale"],
		"-act", fivett,
		"-seed_dynamic", fod,
		"-nthreads", nthreads(req),
	); err != nil {
		return nil, err
	}
	if err := m.run(ctx, req,
		"tcksift", raw, fod, out,
		"-term_number", req.Params["n_tracts"],
		"-nthreads", nthreads(req),
	); err != nil {
		return nil, err
	}
	return []domain.Artifact{{Kind: domain.KindStreamlineSet, Location: out}}, nil
}
