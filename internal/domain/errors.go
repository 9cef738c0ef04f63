package domain

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrorKind classifies why a pipeline did not yield a usable result.
type ErrorKind string

const (
	KindConfiguration   ErrorKind = "configuration"
	KindTimeout         ErrorKind = "timeout"
	KindProcess         ErrorKind = "process"
	KindMalformedOutput ErrorKind = "malformed_output"
	KindNoOutput        ErrorKind = "no_output"
	KindPersistence     ErrorKind = "persistence"
)

var (
	ErrConfiguration   = errors.New("pipeline configuration error")
	ErrTimeout         = errors.New("pipeline timed out")
	ErrProcess         = errors.New("pipeline process failed")
	ErrMalformedOutput = errors.New("pipeline output malformed")
	ErrNoOutput        = errors.New("pipeline produced no output")
	ErrPersistence     = errors.New("prediction not saved")
)

func (k ErrorKind) sentinel() error {
	switch k {
	case KindConfiguration:
		return ErrConfiguration
	case KindTimeout:
		return ErrTimeout
	case KindProcess:
		return ErrProcess
	case KindMalformedOutput:
		return ErrMalformedOutput
	case KindNoOutput:
		return ErrNoOutput
	case KindPersistence:
		return ErrPersistence
	default:
		return nil
	}
}

// PipelineError is the per-pipeline failure captured ahead of arbitration.
type PipelineError struct {
	Pipeline string
	Kind     ErrorKind
	Reason   string
	Raw      string
	Err      error
}

func NewPipelineError(pipeline string, kind ErrorKind, reason string) *PipelineError {
	return &PipelineError{Pipeline: pipeline, Kind: kind, Reason: reason}
}

func (e *PipelineError) Error() string {
	if e == nil {
		return "<nil>"
	}
	msg := fmt.Sprintf("%s pipeline: %s", e.Pipeline, e.Kind)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *PipelineError) Unwrap() []error {
	out := make([]error, 0, 2)
	if s := e.Kind.sentinel(); s != nil {
		out = append(out, s)
	}
	if e.Err != nil {
		out = append(out, e.Err)
	}
	return out
}

// KindOf reports the ErrorKind carried by err, or "" when unknown.
func KindOf(err error) ErrorKind {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	var persist *PersistenceError
	if errors.As(err, &persist) {
		return KindPersistence
	}
	return ""
}

// ReasonOf returns a human-readable reason without the pipeline prefix.
func ReasonOf(err error) string {
	if err == nil {
		return ""
	}
	var pe *PipelineError
	if errors.As(err, &pe) {
		reason := pe.Reason
		if reason == "" {
			reason = string(pe.Kind)
		}
		if pe.Err != nil {
			reason += ": " + pe.Err.Error()
		}
		return reason
	}
	return err.Error()
}

// PredictionError is returned when no attempted pipeline produced a result.
type PredictionError struct {
	Attempted []string
	Failures  map[string]error
}

func (e *PredictionError) Error() string {
	parts := make([]string, 0, len(e.Attempted))
	for _, name := range e.Attempted {
		reason := ReasonOf(e.Failures[name])
		if reason == "" {
			reason = "unknown error"
		}
		parts = append(parts, fmt.Sprintf("%s: %s", name, reason))
	}
	return "no pipeline produced a valid prediction (" + strings.Join(parts, "; ") + ")"
}

// Reasons returns pipeline -> human-readable reason.
func (e *PredictionError) Reasons() map[string]string {
	out := make(map[string]string, len(e.Failures))
	for name, err := range e.Failures {
		out[name] = ReasonOf(err)
	}
	return out
}

// AllTimedOut reports whether every attempted pipeline failed on its budget.
func (e *PredictionError) AllTimedOut() bool {
	if len(e.Attempted) == 0 {
		return false
	}
	for _, name := range e.Attempted {
		if !errors.Is(e.Failures[name], ErrTimeout) {
			return false
		}
	}
	return true
}

// PersistenceError means a prediction was computed but could not be saved.
type PersistenceError struct {
	Record CanonicalRecord
	Err    error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s: record %s: %v", ErrPersistence, e.Record.ID, e.Err)
}

func (e *PersistenceError) Unwrap() []error {
	return []error{ErrPersistence, e.Err}
}

// SortedNames returns the keys of m in ascending order.
func SortedNames[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
