package domain

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// ExitStatus is the coarse result of one pipeline process.
type ExitStatus string

const (
	ExitSuccess     ExitStatus = "success"
	ExitFailure     ExitStatus = "failure"
	ExitTimeout     ExitStatus = "timeout"
	ExitConfigError ExitStatus = "config_error"
)

// RawOutcome is what the invoker captured from one pipeline run.
type RawOutcome struct {
	Pipeline        string
	Status          ExitStatus
	ExitCode        int
	Stdout          string
	Stderr          string
	StdoutTruncated bool
	StderrTruncated bool
	SoftTimedOut    bool
	Duration        time.Duration
	Detail          string
}

// NormalizedResult is a decoded prediction in vocabulary order.
type NormalizedResult struct {
	Pipeline      string
	Label         string
	Probabilities []float64
	Metadata      map[string]any
}

// Result is the per-pipeline value handed to arbitration: exactly one of
// Value or Err is set.
type Result struct {
	Value *NormalizedResult
	Err   error
}

// Ok wraps a usable result.
func Ok(value NormalizedResult) Result {
	return Result{Value: &value}
}

func Failed(err error) Result {
	return Result{Err: err}
}

func (r Result) Valid() bool {
	return r.Err == nil && r.Value != nil
}

// ArbitrationMode records whether the request was constrained to one pipeline.
type ArbitrationMode string

const (
	ModeSingle ArbitrationMode = "single"
	ModeDual   ArbitrationMode = "dual"
)

// ArbitrationOutcome is the terminal value of one invocation round.
type ArbitrationOutcome struct {
	Mode       ArbitrationMode
	Attempted  []string
	Winner     *NormalizedResult
	Confidence float64
	Failures   map[string]error
}

func (o ArbitrationOutcome) Succeeded() bool {
	return o.Winner != nil
}

// CanonicalRecord is the persisted prediction. It is append-only.
type CanonicalRecord struct {
	ID              string            `json:"id"`
	OwnerID         string            `json:"owner_id"`
	Pipeline        string            `json:"pipeline"`
	Label           string            `json:"predicted_class"`
	Confidence      float64           `json:"confidence_score"`
	ImageRef        string            `json:"image_ref"`
	Extra           map[string]string `json:"extra,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	IntegritySHA256 string            `json:"integrity_sha256"`
}

func (r CanonicalRecord) Validate() error {
	switch {
	case strings.TrimSpace(r.ID) == "":
		return errors.New("record id is required")
	case strings.TrimSpace(r.OwnerID) == "":
		return errors.New("record owner is required")
	case strings.TrimSpace(r.Pipeline) == "":
		return errors.New("record pipeline is required")
	case strings.TrimSpace(r.Label) == "":
		return errors.New("record label is required")
	case strings.TrimSpace(r.ImageRef) == "":
		return errors.New("record image reference is required")
	case math.IsNaN(r.Confidence) || r.Confidence < 0 || r.Confidence > 1:
		return fmt.Errorf("record confidence %v is outside [0,1]", r.Confidence)
	}
	return nil
}
