// Package engine builds the dependency graph from a plan, schedules phases
// concurrently, applies them against bound resources, and assembles the
// final reconciliation report.
package engine

import (
	"errors"
	"fmt"
)

// ErrorKind classifies engine errors for reporting and abort decisions.
type ErrorKind string

const (
	KindValidation        ErrorKind = "validation"
	KindCycle             ErrorKind = "cycle"
	KindDependencyTimeout ErrorKind = "dependency_timeout"
	KindRetryExhausted    ErrorKind = "retry_exhausted"
	KindNotifier          ErrorKind = "notifier"
	KindAborted           ErrorKind = "aborted"
	KindInternal          ErrorKind = "internal"
)

// EngineError is the error type every engine failure surfaces as.
type EngineError struct {
	Kind    ErrorKind
	Message string
	Phase   string
	Err     error
}

func (e *EngineError) Error() string {
	var prefix string
	if e.Phase != "" {
		prefix = fmt.Sprintf("phase %s: ", e.Phase)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s%s: %v", prefix, e.Message, e.Err)
	}
	return prefix + e.Message
}

func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is matches on kind so callers can compare against sentinel kinds.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// WithPhase returns a copy of the error attributed to a phase.
func (e *EngineError) WithPhase(phase string) *EngineError {
	c := *e
	c.Phase = phase
	return &c
}

// NewValidationError reports invalid plan or resource input.
func NewValidationError(message string, err error) *EngineError {
	return &EngineError{Kind: KindValidation, Message: message, Err: err}
}

// NewCycleError reports a dependency cycle, naming one member of it.
func NewCycleError(member string) *EngineError {
	return &EngineError{
		Kind:    KindCycle,
		Message: fmt.Sprintf("dependency cycle detected involving phase %q", member),
		Phase:   member,
	}
}

// NewDependencyTimeoutError reports a waitFor deadline that expired before
// the phase's dependencies settled.
func NewDependencyTimeoutError(phase, message string) *EngineError {
	return &EngineError{Kind: KindDependencyTimeout, Message: message, Phase: phase}
}

// NewRetryExhaustedError reports a phase that failed every allowed attempt.
func NewRetryExhaustedError(phase string, attempts int, err error) *EngineError {
	return &EngineError{
		Kind:    KindRetryExhausted,
		Message: fmt.Sprintf("failed after %d attempts", attempts),
		Phase:   phase,
		Err:     err,
	}
}

// NewNotifierError reports a notification delivery failure. These are logged
// but never escalate a phase outcome.
func NewNotifierError(phase string, err error) *EngineError {
	return &EngineError{Kind: KindNotifier, Message: "notification failed", Phase: phase, Err: err}
}

// NewAbortedError reports a phase that never ran because the reconciliation
// was aborted.
func NewAbortedError(phase, message string) *EngineError {
	return &EngineError{Kind: KindAborted, Message: message, Phase: phase}
}

// NewInternalError reports an unexpected engine failure.
func NewInternalError(message string, err error) *EngineError {
	return &EngineError{Kind: KindInternal, Message: message, Err: err}
}

// KindOf extracts the kind of an engine error, or KindInternal for foreign
// errors.
func KindOf(err error) ErrorKind {
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee.Kind
	}
	return KindInternal
}

func kindIs(err error, kind ErrorKind) bool {
	var ee *EngineError
	return errors.As(err, &ee) && ee.Kind == kind
}

// IsValidation reports whether err is a validation failure.
func IsValidation(err error) bool { return kindIs(err, KindValidation) }

// IsCycle reports whether err is a dependency cycle.
func IsCycle(err error) bool { return kindIs(err, KindCycle) }

// IsDependencyTimeout reports whether err is an expired waitFor deadline.
func IsDependencyTimeout(err error) bool { return kindIs(err, KindDependencyTimeout) }

// IsRetryExhausted reports whether err is an exhausted retry budget.
func IsRetryExhausted(err error) bool { return kindIs(err, KindRetryExhausted) }

// IsNotifier reports whether err is a notification delivery failure.
func IsNotifier(err error) bool { return kindIs(err, KindNotifier) }

// IsFatal reports whether err should abort the whole reconciliation.
func IsFatal(err error) bool {
	switch KindOf(err) {
	case KindNotifier:
		return false
	default:
		return true
	}
}
