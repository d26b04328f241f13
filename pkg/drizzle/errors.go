package drizzle

import (
	"errors"
	"fmt"
)

// ErrorCode categorizes run errors.
type ErrorCode string

const (
	// CodeConfiguration marks a missing or invalid run parameter.
	CodeConfiguration ErrorCode = "CONFIGURATION"

	// CodeInputAccess marks a required input image that could not be read.
	CodeInputAccess ErrorCode = "INPUT_ACCESS"

	// CodePersistence marks a failed product write.
	CodePersistence ErrorCode = "PERSISTENCE"
)

// ErrStageDisabled is returned by ResolveParams when the requested stage is
// switched off in the configuration.
var ErrStageDisabled = errors.New("drizzle: stage disabled")

// ConfigurationError is raised before any chip is processed.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("%s: %s: %s", CodeConfiguration, e.Field, e.Reason)
}

// Code returns CodeConfiguration.
func (e *ConfigurationError) Code() ErrorCode { return CodeConfiguration }

// InputAccessError wraps a failure to open a required input image.
type InputAccessError struct {
	Chip string
	Path string
	Err  error
}

func (e *InputAccessError) Error() string {
	return fmt.Sprintf("%s: chip %s: %s: %v", CodeInputAccess, e.Chip, e.Path, e.Err)
}

func (e *InputAccessError) Unwrap() error { return e.Err }

// Code returns CodeInputAccess.
func (e *InputAccessError) Code() ErrorCode { return CodeInputAccess }

// PersistenceError wraps a failed product write. Products flushed before the
// failure are left in place.
type PersistenceError struct {
	Product string
	Err     error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s: product %s: %v", CodePersistence, e.Product, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Code returns CodePersistence.
func (e *PersistenceError) Code() ErrorCode { return CodePersistence }

// InputAccessWarning records an optional mask that was referenced but not
// usable. Processing continues as if the mask were all valid.
type InputAccessWarning struct {
	Chip   string
	Mask   string // "dq", "static", "cr", "err", "ivm"
	Path   string
	Reason string
}

func (w InputAccessWarning) String() string {
	return fmt.Sprintf("chip %s: %s mask %s: %s", w.Chip, w.Mask, w.Path, w.Reason)
}

// ErrorCodeOf returns the code of a typed run error anywhere in err's chain,
// or the empty code.
func ErrorCodeOf(err error) ErrorCode {
	var ce *ConfigurationError
	if errors.As(err, &ce) {
		return ce.Code()
	}
	var ie *InputAccessError
	if errors.As(err, &ie) {
		return ie.Code()
	}
	var pe *PersistenceError
	if errors.As(err, &pe) {
		return pe.Code()
	}
	return ""
}
