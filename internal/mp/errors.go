package mp

import (
	"errors"
	"fmt"
)

// ConfigErrorCode categorizes configuration errors.
type ConfigErrorCode string

const (
	// ErrCodeInvalidModel indicates the engine was constructed with an
	// unusable model or key set.
	ErrCodeInvalidModel ConfigErrorCode = "INVALID_MODEL"

	// ErrCodeWarmStart indicates a warm start was requested before any
	// initialization.
	ErrCodeWarmStart ConfigErrorCode = "WARM_START_UNINITIALIZED"

	// ErrCodeDampingTarget indicates a damping rule named a variable id
	// that does not resolve to exactly one variable node.
	ErrCodeDampingTarget ConfigErrorCode = "DAMPING_TARGET_NOT_FOUND"

	// ErrCodeDampingRange indicates a damping value outside [0, 1].
	ErrCodeDampingRange ConfigErrorCode = "DAMPING_OUT_OF_RANGE"

	// ErrCodeUnknownEdge indicates a sweep delegate proposed a message for
	// an edge that does not exist in the frozen message graph.
	ErrCodeUnknownEdge ConfigErrorCode = "UNKNOWN_EDGE"

	// ErrCodeUninitialized indicates an operation that requires an
	// initialized message graph was called before one exists.
	ErrCodeUninitialized ConfigErrorCode = "UNINITIALIZED"
)

// ConfigError is a synchronous, non-retryable configuration mistake. The
// caller must fix the configuration; the engine state is unchanged.
type ConfigError struct {
	Code    ConfigErrorCode
	Message string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func newConfigError(code ConfigErrorCode, format string, args ...any) *ConfigError {
	return &ConfigError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// IsConfigError reports whether err is (or wraps) a ConfigError.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

// DivergenceError is a fatal numerical breakdown: a sweep produced a
// non-finite message field. It carries enough context to attribute the
// failure to its source edge, including a snapshot of the messages the
// producing node consumed.
type DivergenceError struct {
	// Field is the offending message field ("a" or "b").
	Field string

	// SourceID and TargetID identify the edge whose proposed value broke.
	SourceID string
	TargetID string

	// NIter is the edge's update count at the time of failure. The failed
	// update is not counted: the edge was never committed.
	NIter int

	// Incoming is a rendered snapshot of the messages that fed the
	// producing node, for post-mortem inspection.
	Incoming string
}

func (e *DivergenceError) Error() string {
	return fmt.Sprintf("%s->%s: %s is not finite (n_iter=%d)", e.SourceID, e.TargetID, e.Field, e.NIter)
}

// IsDivergenceError reports whether err is (or wraps) a DivergenceError.
func IsDivergenceError(err error) bool {
	var de *DivergenceError
	return errors.As(err, &de)
}
