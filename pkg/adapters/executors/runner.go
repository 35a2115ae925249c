// Package executors implements the stage executor port over the external
// neuroimaging toolchains: FSL, MRtrix3, dipy, and a passthrough for stages
// the configuration disables. Each executor turns one execution request
// into command invocations and reports the produced artifact locations.
package executors

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/dwiprep/dwiprep/internal/domain"
	"github.com/dwiprep/dwiprep/internal/ports"
)

// stderrTail bounds the diagnostic carried in an ExecutionError; external
// tools can emit megabytes of progress output on failure.
const stderrTail = 4096

// runner executes external commands for one toolchain.
type runner struct {
	logger *zap.Logger
}

// run executes the given argv inside the request's output directory,
// creating it first. A non-zero exit becomes an ExecutionError carrying the
// tail of stderr.
func (r *runner) run(ctx context.Context, req ports.ExecutionRequest, argv ...string) error {
	if err := os.MkdirAll(req.OutputDir, 0o755); err != nil {
		return &domain.ExecutionError{
			Participant: req.Participant,
			Stage:       req.Stage,
			Message:     "creating output directory " + req.OutputDir,
			Err:         err,
		}
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = req.OutputDir
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	r.logger.Debug("executing command",
		zap.String("participant", string(req.Participant)),
		zap.String("stage", string(req.Stage)),
		zap.String("command", strings.Join(argv, " ")))

	start := time.Now()
	err := cmd.Run()
	r.logger.Debug("command finished",
		zap.String("stage", string(req.Stage)),
		zap.String("command", argv[0]),
		zap.Duration("duration", time.Since(start)),
		zap.Bool("ok", err == nil))

	if err != nil {
		tail := stderr.String()
		if len(tail) > stderrTail {
			tail = tail[len(tail)-stderrTail:]
		}
		return &domain.ExecutionError{
			Participant: req.Participant,
			Stage:       req.Stage,
			Message:     fmt.Sprintf("%s failed: %s", argv[0], strings.TrimSpace(tail)),
			Err:         err,
		}
	}
	return nil
}

// inputOf returns the location of the request input with the given kind.
func inputOf(req ports.ExecutionRequest, kind domain.ArtifactKind) (string, error) {
	for _, a := range req.Inputs {
		if a.Kind == kind {
			return a.Location, nil
		}
	}
	return "", &domain.ExecutionError{
		Participant: req.Participant,
		Stage:       req.Stage,
		Message:     fmt.Sprintf("required input %s not present in request", kind),
	}
}

func unsupported(req ports.ExecutionRequest, toolchain string) error {
	return &domain.ExecutionError{
		Participant: req.Participant,
		Stage:       req.Stage,
		Message:     fmt.Sprintf("stage %s is not handled by the %s executor", req.Stage, toolchain),
	}
}

func nthreads(req ports.ExecutionRequest) string {
	return fmt.Sprintf("%d", req.Threads)
}
