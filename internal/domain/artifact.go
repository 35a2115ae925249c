package domain

// ParticipantID identifies one subject of the dataset. Opaque; the dataset
// index is the source of truth.
type ParticipantID string

// ArtifactKind tags a category of data product passed between stages.
type ArtifactKind string

// Raw source kinds are produced by the dataset itself, not by any stage.
const (
	KindT1wRaw      ArtifactKind = "t1w-raw"
	KindDWIRaw      ArtifactKind = "dwi-raw"
	KindFieldmapRaw ArtifactKind = "fieldmap-raw"
)

// Anatomical sub-pipeline kinds.
const (
	KindT1wPreproc         ArtifactKind = "t1w-preproc"
	KindBrainMask          ArtifactKind = "brain-mask"
	KindTissueSegmentation ArtifactKind = "tissue-segmentation"
	KindFiveTissueType     ArtifactKind = "five-tissue-type"
)

// Diffusion sub-pipeline kinds.
const (
	KindDenoisedVolume      ArtifactKind = "denoised-volume"
	KindEddyCorrectedVolume ArtifactKind = "eddy-corrected-volume"
	KindB0Reference         ArtifactKind = "b0-reference"
	KindBiasCorrectedVolume ArtifactKind = "bias-corrected-volume"
	KindDWIBrainMask        ArtifactKind = "dwi-brain-mask"
	KindCoregTransform      ArtifactKind = "coregistration-transform"
	KindResponseFunction    ArtifactKind = "response-function"
	KindFiberOrientation    ArtifactKind = "fiber-orientation-field"
	KindStreamlineSet       ArtifactKind = "streamline-set"
)

// RawKinds lists the kinds that come straight from the dataset index.
func RawKinds() []ArtifactKind {
	return []ArtifactKind{KindT1wRaw, KindDWIRaw, KindFieldmapRaw}
}

// IsRaw reports whether k is a raw dataset kind rather than a stage output.
func (k ArtifactKind) IsRaw() bool {
	switch k {
	case KindT1wRaw, KindDWIRaw, KindFieldmapRaw:
		return true
	}
	return false
}

// Artifact is a concrete data product: a kind bound to a location on disk.
type Artifact struct {
	Kind     ArtifactKind `json:"kind"`
	Location string       `json:"location"`
}
