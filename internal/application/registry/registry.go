// Package registry holds the static stage catalog: every stage definition,
// its artifact contract, its resource cost, and its cache fingerprint
// contract. Construction is pure (no I/O) and verifies the global
// input/output reachability invariant up front.
package registry

import (
	"fmt"
	"strconv"

	"github.com/dwiprep/dwiprep/internal/config"
	"github.com/dwiprep/dwiprep/internal/domain"
)

// Executor names. Each maps to one ports.StageExecutor implementation.
const (
	ExecutorAnat        = "anat"
	ExecutorMRtrix      = "mrtrix3"
	ExecutorFSL         = "fsl"
	ExecutorDipy        = "dipy"
	ExecutorPassthrough = "passthrough"
)

// Registry is the fixed, ordered catalog of stage definitions enabled for
// one run. Alternate producers of the same artifact kind (denoise method,
// bias correction on/off, coregistration method) are resolved once from the
// workflow configuration here, before any per-participant graph is built.
type Registry struct {
	defs  map[domain.StageID]*domain.StageDefinition
	order []domain.StageID
}

// New builds the registry for the given configuration. A reachability
// violation is a catalog bug and therefore a fatal configuration error,
// never a per-participant runtime error.
func New(cfg *config.Config) (*Registry, error) {
	r := &Registry{defs: make(map[domain.StageID]*domain.StageDefinition)}

	threads := cfg.Resource.ThreadsPerProc
	if threads > cfg.Resource.ThreadCeiling {
		threads = cfg.Resource.ThreadCeiling
	}
	w := cfg.Workflow

	r.add(&domain.StageDefinition{
		ID:       domain.StageAnatPreproc,
		Inputs:   []domain.ArtifactKind{domain.KindT1wRaw},
		Outputs:  []domain.ArtifactKind{domain.KindT1wPreproc, domain.KindBrainMask, domain.KindTissueSegmentation},
		Slots:    1,
		Threads:  threads,
		Executor: ExecutorAnat,
		FingerprintFields: func() map[string]string {
			return map[string]string{}
		},
	})

	if !w.AnatOnly {
		r.add(&domain.StageDefinition{
			ID:       domain.StageFiveTissueType,
			Inputs:   []domain.ArtifactKind{domain.KindT1wPreproc, domain.KindBrainMask},
			Outputs:  []domain.ArtifactKind{domain.KindFiveTissueType},
			Slots:    1,
			Threads:  threads,
			Executor: ExecutorMRtrix,
			FingerprintFields: func() map[string]string {
				return map[string]string{}
			},
		})

		denoiseExec := ExecutorMRtrix
		switch w.DenoiseMethod {
		case "patch2self":
			denoiseExec = ExecutorDipy
		case "none":
			denoiseExec = ExecutorPassthrough
		}
		r.add(&domain.StageDefinition{
			ID:       domain.StageDWIDenoise,
			Inputs:   []domain.ArtifactKind{domain.KindDWIRaw},
			Outputs:  []domain.ArtifactKind{domain.KindDenoisedVolume},
			Slots:    1,
			Threads:  threads,
			Executor: denoiseExec,
			FingerprintFields: func() map[string]string {
				return map[string]string{
					"denoise_method": w.DenoiseMethod,
					"denoise_window": strconv.Itoa(w.DenoiseWindow),
				}
			},
		})

		r.add(&domain.StageDefinition{
			ID:       domain.StageEddy,
			Inputs:   []domain.ArtifactKind{domain.KindDenoisedVolume, domain.KindFieldmapRaw},
			Outputs:  []domain.ArtifactKind{domain.KindEddyCorrectedVolume},
			Slots:    1,
			Threads:  threads,
			Executor: ExecutorFSL,
			FingerprintFields: func() map[string]string {
				return map[string]string{
					"eddy_config": w.EddyConfig,
				}
			},
		})

		r.add(&domain.StageDefinition{
			ID:       domain.StageExtractB0,
			Inputs:   []domain.ArtifactKind{domain.KindEddyCorrectedVolume},
			Outputs:  []domain.ArtifactKind{domain.KindB0Reference},
			Slots:    1,
			Threads:  1,
			Executor: ExecutorMRtrix,
			FingerprintFields: func() map[string]string {
				return map[string]string{
					"b0_threshold": strconv.Itoa(w.B0Threshold),
				}
			},
		})

		biasExec := ExecutorMRtrix
		if w.SkipBiasCorrection {
			biasExec = ExecutorPassthrough
		}
		r.add(&domain.StageDefinition{
			ID:       domain.StageBiasCorrect,
			Inputs:   []domain.ArtifactKind{domain.KindEddyCorrectedVolume, domain.KindB0Reference},
			Outputs:  []domain.ArtifactKind{domain.KindBiasCorrectedVolume},
			Slots:    1,
			Threads:  threads,
			Executor: biasExec,
			FingerprintFields: func() map[string]string {
				return map[string]string{
					"skip_bias_correction": strconv.FormatBool(w.SkipBiasCorrection),
				}
			},
		})

		r.add(&domain.StageDefinition{
			ID:       domain.StageBrainExtraction,
			Inputs:   []domain.ArtifactKind{domain.KindB0Reference},
			Outputs:  []domain.ArtifactKind{domain.KindDWIBrainMask},
			Slots:    1,
			Threads:  1,
			Executor: ExecutorFSL,
			FingerprintFields: func() map[string]string {
				return map[string]string{}
			},
		})

		r.add(&domain.StageDefinition{
			ID:       domain.StageCoregister,
			Inputs:   []domain.ArtifactKind{domain.KindB0Reference, domain.KindT1wPreproc, domain.KindBrainMask},
			Outputs:  []domain.ArtifactKind{domain.KindCoregTransform},
			Slots:    1,
			Threads:  1,
			Executor: ExecutorFSL,
			FingerprintFields: func() map[string]string {
				return map[string]string{
					"coreg_method": w.CoregMethod,
					"coreg_dof":    strconv.Itoa(w.CoregDOF),
				}
			},
		})

		r.add(&domain.StageDefinition{
			ID:       domain.StageResponseFunction,
			Inputs:   []domain.ArtifactKind{domain.KindBiasCorrectedVolume, domain.KindDWIBrainMask},
			Outputs:  []domain.ArtifactKind{domain.KindResponseFunction},
			Slots:    1,
			Threads:  threads,
			Executor: ExecutorMRtrix,
			FingerprintFields: func() map[string]string {
				return map[string]string{
					"response_algorithm": w.ResponseAlgorithm,
				}
			},
		})

		r.add(&domain.StageDefinition{
			ID:       domain.StageFiberOrientation,
			Inputs:   []domain.ArtifactKind{domain.KindBiasCorrectedVolume, domain.KindResponseFunction, domain.KindDWIBrainMask},
			Outputs:  []domain.ArtifactKind{domain.KindFiberOrientation},
			Slots:    1,
			Threads:  threads,
			Executor: ExecutorMRtrix,
			FingerprintFields: func() map[string]string {
				return map[string]string{
					"fod_algorithm": w.FODAlgorithm,
				}
			},
		})

		r.add(&domain.StageDefinition{
			ID:       domain.StageTractography,
			Inputs:   []domain.ArtifactKind{domain.KindFiberOrientation, domain.KindFiveTissueType, domain.KindCoregTransform},
			Outputs:  []domain.ArtifactKind{domain.KindStreamlineSet},
			Slots:    1,
			Threads:  threads,
			Executor: ExecutorMRtrix,
			FingerprintFields: func() map[string]string {
				return map[string]string{
					"tracking_algorithm":    w.TrackingAlgorithm,
					"tracking_max_angle":    strconv.FormatFloat(w.TrackingMaxAngle, 'g', -1, 64),
					"tracking_lenscale_min": strconv.FormatFloat(w.TrackingLenMin, 'g', -1, 64),
					"tracking_lenscale_max": strconv.FormatFloat(w.TrackingLenMax, 'g', -1, 64),
					"tracking_stepscale":    strconv.FormatFloat(w.TrackingStepscale, 'g', -1, 64),
					"n_raw_tracts":          strconv.Itoa(w.NumRawStreamlines),
					"n_tracts":              strconv.Itoa(w.NumStreamlines),
				}
			},
		})
	}

	if err := r.checkReachability(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Registry) add(def *domain.StageDefinition) {
	r.defs[def.ID] = def
	r.order = append(r.order, def.ID)
}

// Resolve returns the definition for the given stage.
func (r *Registry) Resolve(id domain.StageID) (*domain.StageDefinition, error) {
	def, ok := r.defs[id]
	if !ok {
		return nil, &domain.NotFoundError{What: "stage", Key: string(id)}
	}
	return def, nil
}

// Enabled returns the enabled definitions in catalog order.
func (r *Registry) Enabled() []*domain.StageDefinition {
	out := make([]*domain.StageDefinition, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.defs[id])
	}
	return out
}

// checkReachability verifies that every declared input kind is either a raw
// dataset kind or produced by some enabled definition.
func (r *Registry) checkReachability() error {
	produced := make(map[domain.ArtifactKind]bool)
	for _, def := range r.defs {
		for _, k := range def.Outputs {
			produced[k] = true
		}
	}
	for _, id := range r.order {
		for _, k := range r.defs[id].Inputs {
			if !k.IsRaw() && !produced[k] {
				return domain.NewConfigurationError("registry",
					fmt.Sprintf("stage %s requires %s which no enabled stage produces", id, k))
			}
		}
	}
	return nil
}
