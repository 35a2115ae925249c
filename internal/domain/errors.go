package domain

import "fmt"

// ConfigurationError is fatal and pre-run: bad participant labels,
// unreachable artifact kinds, out-of-range parameters. It always aborts
// before any stage runs.
type ConfigurationError struct {
	Field   string
	Message string
}

func (e *ConfigurationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("configuration error: %s", e.Message)
	}
	return fmt.Sprintf("configuration error: %s: %s", e.Field, e.Message)
}

// NewConfigurationError builds a ConfigurationError for the given field.
func NewConfigurationError(field, format string, args ...any) *ConfigurationError {
	return &ConfigurationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// IndexError means the dataset index is unreachable or malformed. Fatal,
// pre-run.
type IndexError struct {
	Message string
	Err     error
}

func (e *IndexError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("dataset index error: %s: %v", e.Message, e.Err)
	}
	return fmt.Sprintf("dataset index error: %s", e.Message)
}

func (e *IndexError) Unwrap() error { return e.Err }

// ExecutionError is a per-stage-instance failure from an external executor.
// Handled by the configured failure policy, never silently dropped.
type ExecutionError struct {
	Participant ParticipantID
	Stage       StageID
	Message     string
	Err         error
}

func (e *ExecutionError) Error() string {
	msg := fmt.Sprintf("stage %s failed for participant %s: %s", e.Stage, e.Participant, e.Message)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// CacheInconsistencyError signals a fingerprint collision producing
// contradictory recorded outputs. Fatal for the affected participant: the
// cache hit would be unsafe.
type CacheInconsistencyError struct {
	Participant ParticipantID
	Stage       StageID
	Fingerprint string
}

func (e *CacheInconsistencyError) Error() string {
	return fmt.Sprintf("artifact cache inconsistency for %s/%s (fingerprint %s): recorded outputs contradict the current instance",
		e.Participant, e.Stage, e.Fingerprint)
}

// NotFoundError reports an unknown stage or run key.
type NotFoundError struct {
	What string
	Key  string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.What, e.Key)
}
