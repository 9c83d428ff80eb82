package models

import (
	"errors"
	"fmt"
)

// ErrorKind classifies the failures the pipeline surfaces.
type ErrorKind string

const (
	KindBinaryNotFound     ErrorKind = "binary_not_found"
	KindSpawnError         ErrorKind = "spawn_error"
	KindHealthLost         ErrorKind = "health_lost"
	KindModelPullFailed    ErrorKind = "model_pull_failed"
	KindChunkQueueOverflow ErrorKind = "chunk_queue_overflow"
	KindParseFailed        ErrorKind = "parse_failed"
	KindLLMTimeout         ErrorKind = "llm_timeout"
	KindTemplateNotFound   ErrorKind = "template_not_found"
	KindValidationBlocked  ErrorKind = "validation_blocked"
	KindCancelled          ErrorKind = "cancelled"
	KindInternal           ErrorKind = "internal"
	KindNotReady           ErrorKind = "not_ready"
	KindNotFound           ErrorKind = "not_found"
)

// CoreError is the one error type components hand across boundaries.
// Op names the failing operation; the message never carries stack traces.
// ValidationBlocked errors carry their per-field findings.
type CoreError struct {
	Kind     ErrorKind
	Op       string
	Detail   string
	Findings []ValidationFinding
	Err      error
}

func (e *CoreError) Error() string {
	switch {
	case e.Detail != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Detail, e.Err)
	case e.Detail != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Detail)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
}

func (e *CoreError) Unwrap() error { return e.Err }

// NewError builds a CoreError with a human-readable detail.
func NewError(kind ErrorKind, op, detail string) *CoreError {
	return &CoreError{Kind: kind, Op: op, Detail: detail}
}

// Errorf builds a CoreError formatting the detail.
func Errorf(kind ErrorKind, op, format string, args ...any) *CoreError {
	return &CoreError{Kind: kind, Op: op, Detail: fmt.Sprintf(format, args...)}
}

// WrapError wraps an underlying error; unknown failures should use
// KindInternal so nothing is silently swallowed.
func WrapError(kind ErrorKind, op string, err error) *CoreError {
	return &CoreError{Kind: kind, Op: op, Err: err}
}

// BlockedError builds a ValidationBlocked error carrying its findings.
func BlockedError(op string, findings []ValidationFinding) *CoreError {
	n := CountErrors(findings)
	return &CoreError{
		Kind:     KindValidationBlocked,
		Op:       op,
		Detail:   fmt.Sprintf("request did not pass validation: %d errors", n),
		Findings: findings,
	}
}

// KindOf extracts the kind of err, or KindInternal for foreign errors.
// A nil err has no kind and returns the empty string.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var ce *CoreError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var ce *CoreError
	if errors.As(err, &ce) {
		return ce.Kind == kind
	}
	return false
}

// FindingsOf returns the findings attached to a ValidationBlocked error.
func FindingsOf(err error) []ValidationFinding {
	var ce *CoreError
	if errors.As(err, &ce) {
		return ce.Findings
	}
	return nil
}
