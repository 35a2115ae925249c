package domain

// StageID identifies one declared unit of processing in the registry.
type StageID string

const (
	StageAnatPreproc      StageID = "anat_preproc"
	StageFiveTissueType   StageID = "five_tissue_type"
	StageDWIDenoise       StageID = "dwi_denoise"
	StageEddy             StageID = "eddy"
	StageExtractB0        StageID = "extract_b0"
	StageBiasCorrect      StageID = "bias_correct"
	StageBrainExtraction  StageID = "brain_extraction"
	StageCoregister       StageID = "coregister"
	StageResponseFunction StageID = "response_function"
	StageFiberOrientation StageID = "fiber_orientation"
	StageTractography     StageID = "tractography"
)

// StageDefinition declares a stage's artifact contract and resource cost.
// Definitions are immutable once the registry is built.
type StageDefinition struct {
	ID       StageID
	Inputs   []ArtifactKind
	Outputs  []ArtifactKind
	Slots    int // process slots consumed while running, always 1 today
	Threads  int // thread-budget cost reserved while running
	Executor string

	// FingerprintFields enumerates the workflow options that affect this
	// stage's output bytes. The cache key is derived from exactly these
	// pairs, never from the whole configuration.
	FingerprintFields func() map[string]string
}

// StageStatus is the lifecycle state of a stage instance.
type StageStatus string

const (
	StatusPending   StageStatus = "pending"
	StatusRunning   StageStatus = "running"
	StatusCompleted StageStatus = "completed"
	StatusFailed    StageStatus = "failed"
	StatusSkipped   StageStatus = "skipped"
)

// Terminal reports whether the status is final for this run.
func (s StageStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusSkipped:
		return true
	}
	return false
}

// StageInstance binds a StageDefinition to one participant and a concrete
// set of input artifact locations.
type StageInstance struct {
	Definition  *StageDefinition
	Participant ParticipantID
	Fingerprint string

	Inputs  []Artifact
	Outputs []Artifact

	Status     StageStatus
	Cached     bool   // satisfied from the artifact cache, executor not invoked
	SkipReason string // set when Status == StatusSkipped
	Error      string // set when Status == StatusFailed
}

// Key returns the (participant, stage) identity of the instance, unique
// within a run.
func (si *StageInstance) Key() InstanceKey {
	return InstanceKey{Participant: si.Participant, Stage: si.Definition.ID}
}

// InstanceKey identifies a stage instance across the whole run.
type InstanceKey struct {
	Participant ParticipantID
	Stage       StageID
}

func (k InstanceKey) String() string {
	return string(k.Participant) + "/" + string(k.Stage)
}
