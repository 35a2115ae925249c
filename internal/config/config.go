package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/caarlos0/env/v10"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/dwiprep/dwiprep/internal/domain"
)

// Config is the immutable, validated settings bundle for one run. It is
// built once by Load and passed explicitly to every component; nothing
// reads configuration ambiently.
type Config struct {
	Execution ExecutionConfig `yaml:"execution"`
	Resource  ResourceConfig  `yaml:"resource"`
	Workflow  WorkflowConfig  `yaml:"workflow"`
}

// ExecutionConfig holds paths, participant selection and run identity.
type ExecutionConfig struct {
	DatasetDir        string   `yaml:"dataset_dir" env:"DWIPREP_DATASET_DIR"`
	OutputDir         string   `yaml:"output_dir" env:"DWIPREP_OUTPUT_DIR"`
	WorkDir           string   `yaml:"work_dir" env:"DWIPREP_WORK_DIR"`
	LogDir            string   `yaml:"log_dir" env:"DWIPREP_LOG_DIR"`
	ParticipantLabels []string `yaml:"participant_labels" env:"DWIPREP_PARTICIPANT_LABELS" envSeparator:","`
	LogLevel          string   `yaml:"log_level" env:"LOG_LEVEL"`
	RunID             string   `yaml:"run_id" env:"DWIPREP_RUN_ID"`
	MonitorPort       int      `yaml:"monitor_port" env:"DWIPREP_MONITOR_PORT"`
	RedisAddr         string   `yaml:"redis_addr" env:"DWIPREP_REDIS_ADDR"`
}

// ResourceConfig holds process/thread budgets and the crash policy.
type ResourceConfig struct {
	ProcSlots        int  `yaml:"proc_slots" env:"DWIPREP_PROC_SLOTS"`
	ThreadsPerProc   int  `yaml:"threads_per_proc" env:"DWIPREP_THREADS_PER_PROC"`
	ThreadCeiling    int  `yaml:"thread_ceiling" env:"DWIPREP_THREAD_CEILING"`
	StopOnFirstCrash bool `yaml:"stop_on_first_crash" env:"DWIPREP_STOP_ON_FIRST_CRASH"`
}

// WorkflowConfig holds per-stage algorithm choices and numeric knobs.
// The field inventory follows the tool surface of the diffusion
// preprocessing pipeline: denoising, eddy, bias correction, coregistration,
// tractography.
type WorkflowConfig struct {
	AnatOnly           bool    `yaml:"anat_only" env:"DWIPREP_ANAT_ONLY"`
	DenoiseMethod      string  `yaml:"denoise_method" env:"DWIPREP_DENOISE_METHOD"`
	DenoiseWindow      int     `yaml:"denoise_window" env:"DWIPREP_DENOISE_WINDOW"`
	SkipBiasCorrection bool    `yaml:"skip_bias_correction" env:"DWIPREP_SKIP_BIAS_CORRECTION"`
	EddyConfig         string  `yaml:"eddy_config" env:"DWIPREP_EDDY_CONFIG"`
	B0Threshold        int     `yaml:"b0_threshold" env:"DWIPREP_B0_THRESHOLD"`
	CoregMethod        string  `yaml:"coreg_method" env:"DWIPREP_COREG_METHOD"`
	CoregDOF           int     `yaml:"coreg_dof" env:"DWIPREP_COREG_DOF"`
	ResponseAlgorithm  string  `yaml:"response_algorithm" env:"DWIPREP_RESPONSE_ALGORITHM"`
	FODAlgorithm       string  `yaml:"fod_algorithm" env:"DWIPREP_FOD_ALGORITHM"`
	TrackingAlgorithm  string  `yaml:"tracking_algorithm" env:"DWIPREP_TRACKING_ALGORITHM"`
	TrackingMaxAngle   float64 `yaml:"tracking_max_angle" env:"DWIPREP_TRACKING_MAX_ANGLE"`
	TrackingLenMin     float64 `yaml:"tracking_lenscale_min" env:"DWIPREP_TRACKING_LENSCALE_MIN"`
	TrackingLenMax     float64 `yaml:"tracking_lenscale_max" env:"DWIPREP_TRACKING_LENSCALE_MAX"`
	TrackingStepscale  float64 `yaml:"tracking_stepscale" env:"DWIPREP_TRACKING_STEPSCALE"`
	NumRawStreamlines  int     `yaml:"n_raw_tracts" env:"DWIPREP_N_RAW_TRACTS"`
	NumStreamlines     int     `yaml:"n_tracts" env:"DWIPREP_N_TRACTS"`
}

// Default returns the configuration baseline before any file or
// environment layer is applied.
func Default() *Config {
	return &Config{
		Execution: ExecutionConfig{
			WorkDir:  "work",
			LogLevel: "info",
		},
		Resource: ResourceConfig{
			ProcSlots:        runtime.NumCPU(),
			ThreadsPerProc:   1,
			ThreadCeiling:    runtime.NumCPU(),
			StopOnFirstCrash: false,
		},
		Workflow: WorkflowConfig{
			DenoiseMethod:     "dwidenoise",
			DenoiseWindow:     0, // auto
			EddyConfig:        "--fwhm=0 --flm=quadratic --repol",
			B0Threshold:       100,
			CoregMethod:       "epireg",
			CoregDOF:          6,
			ResponseAlgorithm: "dhollander",
			FODAlgorithm:      "msmt_csd",
			TrackingAlgorithm: "SD_Stream",
			TrackingMaxAngle:  45,
			TrackingLenMin:    30,
			TrackingLenMax:    500,
			TrackingStepscale: 0.5,
			NumRawStreamlines: 4000000,
			NumStreamlines:    800000,
		},
	}
}

// Overrides are explicit settings (normally CLI flags) applied on top of
// the file and environment layers. Zero values mean "not set".
type Overrides struct {
	DatasetDir        string
	OutputDir         string
	WorkDir           string
	ParticipantLabels []string
	AnatOnly          *bool
	StopOnFirstCrash  *bool
	ProcSlots         int
	ThreadsPerProc    int
}

// Load builds the configuration as a layered merge: defaults < file <
// environment < explicit overrides, then validates. configFile may be
// empty. Unknown keys in the file are rejected.
func Load(configFile string, ov Overrides) (*Config, error) {
	cfg := Default()

	if configFile != "" {
		f, err := os.Open(configFile)
		if err != nil {
			return nil, domain.NewConfigurationError("config_file", "cannot open %s: %v", configFile, err)
		}
		defer f.Close()

		dec := yaml.NewDecoder(f)
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil {
			return nil, domain.NewConfigurationError("config_file", "cannot parse %s: %v", configFile, err)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, domain.NewConfigurationError("environment", "cannot parse environment: %v", err)
	}

	applyOverrides(cfg, ov)

	if cfg.Execution.RunID == "" {
		cfg.Execution.RunID = uuid.New().String()
	}
	if cfg.Execution.LogDir == "" {
		cfg.Execution.LogDir = filepath.Join(cfg.Execution.OutputDir, "log")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyOverrides(cfg *Config, ov Overrides) {
	if ov.DatasetDir != "" {
		cfg.Execution.DatasetDir = ov.DatasetDir
	}
	if ov.OutputDir != "" {
		cfg.Execution.OutputDir = ov.OutputDir
	}
	if ov.WorkDir != "" {
		cfg.Execution.WorkDir = ov.WorkDir
	}
	if len(ov.ParticipantLabels) > 0 {
		cfg.Execution.ParticipantLabels = ov.ParticipantLabels
	}
	if ov.AnatOnly != nil {
		cfg.Workflow.AnatOnly = *ov.AnatOnly
	}
	if ov.StopOnFirstCrash != nil {
		cfg.Resource.StopOnFirstCrash = *ov.StopOnFirstCrash
	}
	if ov.ProcSlots > 0 {
		cfg.Resource.ProcSlots = ov.ProcSlots
	}
	if ov.ThreadsPerProc > 0 {
		cfg.Resource.ThreadsPerProc = ov.ThreadsPerProc
	}
}

// Validate checks every namespace; failures are ConfigurationErrors carrying
// the offending field.
func (c *Config) Validate() error {
	if c.Execution.DatasetDir == "" {
		return domain.NewConfigurationError("execution.dataset_dir", "dataset directory is required")
	}
	if info, err := os.Stat(c.Execution.DatasetDir); err != nil || !info.IsDir() {
		return domain.NewConfigurationError("execution.dataset_dir", "not a readable directory: %s", c.Execution.DatasetDir)
	}
	if c.Execution.OutputDir == "" {
		return domain.NewConfigurationError("execution.output_dir", "output directory is required")
	}
	switch c.Execution.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return domain.NewConfigurationError("execution.log_level", "must be debug, info, warn or error, got %q", c.Execution.LogLevel)
	}
	if c.Execution.MonitorPort < 0 || c.Execution.MonitorPort > 65535 {
		return domain.NewConfigurationError("execution.monitor_port", "invalid port: %d", c.Execution.MonitorPort)
	}

	if c.Resource.ProcSlots < 1 {
		return domain.NewConfigurationError("resource.proc_slots", "must be at least 1, got %d", c.Resource.ProcSlots)
	}
	if c.Resource.ThreadsPerProc < 1 {
		return domain.NewConfigurationError("resource.threads_per_proc", "must be at least 1, got %d", c.Resource.ThreadsPerProc)
	}
	if c.Resource.ThreadCeiling < c.Resource.ThreadsPerProc {
		return domain.NewConfigurationError("resource.thread_ceiling",
			"must be >= threads_per_proc (%d), got %d", c.Resource.ThreadsPerProc, c.Resource.ThreadCeiling)
	}

	w := &c.Workflow
	switch w.DenoiseMethod {
	case "dwidenoise", "patch2self", "none":
	default:
		return domain.NewConfigurationError("workflow.denoise_method", "must be dwidenoise, patch2self or none, got %q", w.DenoiseMethod)
	}
	if w.DenoiseWindow < 0 {
		return domain.NewConfigurationError("workflow.denoise_window", "must be >= 0 (0 = auto), got %d", w.DenoiseWindow)
	}
	if w.B0Threshold < 0 {
		return domain.NewConfigurationError("workflow.b0_threshold", "must be >= 0, got %d", w.B0Threshold)
	}
	switch w.CoregMethod {
	case "epireg", "flirt":
	default:
		return domain.NewConfigurationError("workflow.coreg_method", "must be epireg or flirt, got %q", w.CoregMethod)
	}
	if w.CoregDOF != 6 && w.CoregDOF != 12 {
		return domain.NewConfigurationError("workflow.coreg_dof", "must be 6 or 12, got %d", w.CoregDOF)
	}
	switch w.ResponseAlgorithm {
	case "dhollander", "tournier":
	default:
		return domain.NewConfigurationError("workflow.response_algorithm", "must be dhollander or tournier, got %q", w.ResponseAlgorithm)
	}
	switch w.FODAlgorithm {
	case "msmt_csd", "csd":
	default:
		return domain.NewConfigurationError("workflow.fod_algorithm", "must be msmt_csd or csd, got %q", w.FODAlgorithm)
	}
	switch w.TrackingAlgorithm {
	case "SD_Stream", "iFOD2", "Tensor_Det":
	default:
		return domain.NewConfigurationError("workflow.tracking_algorithm", "must be SD_Stream, iFOD2 or Tensor_Det, got %q", w.TrackingAlgorithm)
	}
	if w.TrackingMaxAngle <= 0 || w.TrackingMaxAngle > 90 {
		return domain.NewConfigurationError("workflow.tracking_max_angle", "must be in (0, 90], got %v", w.TrackingMaxAngle)
	}
	if w.TrackingLenMin <= 0 || w.TrackingLenMax <= w.TrackingLenMin {
		return domain.NewConfigurationError("workflow.tracking_lenscale", "need 0 < min < max, got min=%v max=%v", w.TrackingLenMin, w.TrackingLenMax)
	}
	if w.TrackingStepscale <= 0 {
		return domain.NewConfigurationError("workflow.tracking_stepscale", "must be > 0, got %v", w.TrackingStepscale)
	}
	if w.NumRawStreamlines <= 0 {
		return domain.NewConfigurationError("workflow.n_raw_tracts", "must be > 0, got %d", w.NumRawStreamlines)
	}
	if w.NumStreamlines <= 0 {
		return domain.NewConfigurationError("workflow.n_tracts", "must be > 0, got %d", w.NumStreamlines)
	}

	return nil
}

// EnsureDirs creates the output, working and log directories. Idempotent.
// Guarding against concurrent runs over the same tree is out of scope
// (single-run assumption).
func (c *Config) EnsureDirs() error {
	for _, dir := range []string{c.Execution.OutputDir, c.Execution.WorkDir, c.RunLogDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return domain.NewConfigurationError("directories", "cannot create %s: %v", dir, err)
		}
	}
	return nil
}

// RunLogDir is the per-run log directory.
func (c *Config) RunLogDir() string {
	return filepath.Join(c.Execution.LogDir, c.Execution.RunID)
}

// WriteEffective dumps the effective configuration into the per-run log
// directory so the exact settings of a run are recoverable later.
func (c *Config) WriteEffective() error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal effective config: %w", err)
	}
	path := filepath.Join(c.RunLogDir(), "dwiprep.yaml")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write effective config: %w", err)
	}
	return nil
}
