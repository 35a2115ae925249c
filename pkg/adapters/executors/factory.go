package executors

import (
	"go.uber.org/zap"

	"github.com/dwiprep/dwiprep/internal/application/registry"
	"github.com/dwiprep/dwiprep/internal/ports"
)

// NewSet builds the full executor set keyed by the names the stage catalog
// declares.
func NewSet(logger *zap.Logger) map[string]ports.StageExecutor {
	return map[string]ports.StageExecutor{
		registry.ExecutorAnat:        NewAnat(logger),
		registry.ExecutorMRtrix:      NewMRtrix(logger),
		registry.ExecutorFSL:         NewFSL(logger),
		registry.ExecutorDipy:        NewDipy(logger),
		registry.ExecutorPassthrough: NewPassthrough(logger),
	}
}
