// Package graph builds one stage-instance DAG per participant from the
// configuration, the dataset index, and the stage registry.
package graph

import (
	"github.com/dwiprep/dwiprep/internal/application/registry"
	"github.com/dwiprep/dwiprep/internal/config"
	"github.com/dwiprep/dwiprep/internal/domain"
	"github.com/dwiprep/dwiprep/internal/ports"
)

// Builder wires stage instances by artifact dependency. Build is a pure
// function of its three collaborators; it performs no execution.
type Builder struct {
	cfg      *config.Config
	index    ports.DatasetIndex
	registry *registry.Registry
}

// NewBuilder creates a graph builder.
func NewBuilder(cfg *config.Config, index ports.DatasetIndex, reg *registry.Registry) *Builder {
	return &Builder{cfg: cfg, index: index, registry: reg}
}

// Build constructs the DAG for one participant. Raw dataset files act as
// synthetic source artifacts; enabled stage definitions are attached
// greedily until fixpoint. A stage left unattached means a required
// artifact kind is missing for this participant, which is a configuration
// error naming that kind.
func (b *Builder) Build(p domain.ParticipantID) (*domain.DAG, error) {
	raw, err := b.rawArtifacts(p)
	if err != nil {
		return nil, err
	}

	dag := domain.NewDAG(p)

	// producers maps each available kind to the stage that yields it.
	producers := make(map[domain.ArtifactKind]domain.StageID)

	pending := b.registry.Enabled()
	for {
		attached := false
		remaining := pending[:0]
		for _, def := range pending {
			if !b.satisfiable(def, raw, producers) {
				remaining = append(remaining, def)
				continue
			}

			si := &domain.StageInstance{
				Definition:  def,
				Participant: p,
				Fingerprint: domain.Fingerprint(def.FingerprintFields()),
				Status:      domain.StatusPending,
			}
			for _, k := range def.Inputs {
				if loc, ok := raw[k]; ok {
					si.Inputs = append(si.Inputs, domain.Artifact{Kind: k, Location: loc})
					continue
				}
				// Produced upstream; the location is resolved by the
				// scheduler once the producer completes.
				si.Inputs = append(si.Inputs, domain.Artifact{Kind: k})
				dag.Link(producers[k], def.ID)
			}
			if err := dag.Add(si); err != nil {
				return nil, err
			}
			for _, k := range def.Outputs {
				producers[k] = def.ID
			}
			attached = true
		}
		pending = remaining
		if !attached {
			break
		}
	}

	if len(pending) > 0 {
		def := pending[0]
		missing := b.firstMissing(def, raw, producers)
		return nil, domain.NewConfigurationError("graph",
			"participant %s: stage %s cannot run, required artifact %s is unavailable", p, def.ID, missing)
	}

	if err := Validate(dag); err != nil {
		return nil, err
	}
	return dag, nil
}

// rawArtifacts resolves the participant's source files into raw artifact
// kinds. The anatomical image is always required; the diffusion series and
// its fieldmap are required unless the anatomical-only mode is enabled.
func (b *Builder) rawArtifacts(p domain.ParticipantID) (map[domain.ArtifactKind]string, error) {
	raw := make(map[domain.ArtifactKind]string)

	anat, err := b.index.FilesFor(p, "anat")
	if err != nil {
		return nil, &domain.IndexError{Message: "listing anat files for " + string(p), Err: err}
	}
	if len(anat) == 0 {
		return nil, domain.NewConfigurationError("graph",
			"participant %s: no T1w image found, all workflows require one (%s)", p, domain.KindT1wRaw)
	}
	raw[domain.KindT1wRaw] = anat[0]

	if b.cfg.Workflow.AnatOnly {
		return raw, nil
	}

	dwi, err := b.index.FilesFor(p, "dwi")
	if err != nil {
		return nil, &domain.IndexError{Message: "listing dwi files for " + string(p), Err: err}
	}
	if len(dwi) == 0 {
		return nil, domain.NewConfigurationError("graph",
			"participant %s: no DWI series found and anatomical-only mode is disabled (%s)", p, domain.KindDWIRaw)
	}
	raw[domain.KindDWIRaw] = dwi[0]

	fmaps, err := b.index.FilesFor(p, "fmap")
	if err != nil {
		return nil, &domain.IndexError{Message: "listing fieldmap files for " + string(p), Err: err}
	}
	if len(fmaps) == 0 {
		// Distortion correction needs a reverse-phase-encoding fieldmap.
		return nil, domain.NewConfigurationError("graph",
			"participant %s: no fieldmap found for distortion correction (%s)", p, domain.KindFieldmapRaw)
	}
	raw[domain.KindFieldmapRaw] = fmaps[0]

	return raw, nil
}

func (b *Builder) satisfiable(def *domain.StageDefinition, raw map[domain.ArtifactKind]string, producers map[domain.ArtifactKind]domain.StageID) bool {
	for _, k := range def.Inputs {
		if _, ok := raw[k]; ok {
			continue
		}
		if _, ok := producers[k]; ok {
			continue
		}
		return false
	}
	return true
}

func (b *Builder) firstMissing(def *domain.StageDefinition, raw map[domain.ArtifactKind]string, producers map[domain.ArtifactKind]domain.StageID) domain.ArtifactKind {
	for _, k := range def.Inputs {
		if _, ok := raw[k]; ok {
			continue
		}
		if _, ok := producers[k]; ok {
			continue
		}
		return k
	}
	return ""
}
