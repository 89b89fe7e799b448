package deployer

import (
	"errors"
	"fmt"
)

// Sentinel errors, one per failure kind. Every error returned by this package
// matches exactly one of them via errors.Is.
var (
	ErrConfig       = errors.New("popdeploy: invalid configuration")
	ErrEncoding     = errors.New("popdeploy: constructor argument encoding failed")
	ErrSigning      = errors.New("popdeploy: signing failed")
	ErrBroadcast    = errors.New("popdeploy: broadcast failed")
	ErrConfirmation = errors.New("popdeploy: confirmation failed")
)

// Kind classifies a deployment failure.
type Kind string

const (
	KindConfig       Kind = "ConfigError"
	KindEncoding     Kind = "EncodingError"
	KindSigning      Kind = "SigningError"
	KindBroadcast    Kind = "BroadcastError"
	KindConfirmation Kind = "ConfirmationError"
)

// sentinel returns the sentinel error for the kind.
func (k Kind) sentinel() error {
	switch k {
	case KindConfig:
		return ErrConfig
	case KindEncoding:
		return ErrEncoding
	case KindSigning:
		return ErrSigning
	case KindBroadcast:
		return ErrBroadcast
	case KindConfirmation:
		return ErrConfirmation
	default:
		return nil
	}
}

// Error is a classified failure from one of the deployment components.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

// Unwrap implements the errors.Unwrap interface for error chaining.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the sentinel of the error's kind.
func (e *Error) Is(target error) bool {
	s := e.Kind.sentinel()
	return s != nil && target == s
}

func newError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func configErrorf(format string, args ...any) *Error {
	return newError(KindConfig, "", fmt.Errorf(format, args...))
}

// KindOf reports the kind of err, or "" if err was not produced by this package.
func KindOf(err error) Kind {
	var stepErr *StepError
	if errors.As(err, &stepErr) {
		return stepErr.Kind
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// StepError identifies the step that halted a run.
type StepError struct {
	Step  string
	Stage Stage
	Kind  Kind
	Err   error
}

// Error implements the error interface.
func (e *StepError) Error() string {
	return fmt.Sprintf("step %q failed at %s (%s): %v", e.Step, e.Stage, e.Kind, e.Err)
}

// Unwrap implements the errors.Unwrap interface for error chaining.
func (e *StepError) Unwrap() error {
	return e.Err
}

// Is matches the sentinel of the step's failure kind.
func (e *StepError) Is(target error) bool {
	s := e.Kind.sentinel()
	return s != nil && target == s
}

// wrapStepError attaches step context to err.
// Returns nil if the provided error is nil.
func wrapStepError(step string, stage Stage, err error) error {
	if err == nil {
		return nil
	}
	kind := KindOf(err)
	if kind == "" {
		kind = KindConfig
	}
	return &StepError{Step: step, Stage: stage, Kind: kind, Err: err}
}
