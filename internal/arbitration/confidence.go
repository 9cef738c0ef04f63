package arbitration

import (
	"fmt"
	"strings"

	"github.com/animus-labs/medscan/internal/domain"
)

// ConfidenceMode decides what happens when a label is missing from the
// vocabulary of the pipeline that produced it.
type ConfidenceMode string

const (
	// ConfidenceFallback uses the first probability entry.
	ConfidenceFallback ConfidenceMode = "fallback"
	// ConfidenceStrict yields zero and an error.
	ConfidenceStrict ConfidenceMode = "strict"
)

// ParseConfidenceMode accepts "fallback", "strict" or "" (fallback).
func ParseConfidenceMode(raw string) (ConfidenceMode, error) {
	switch ConfidenceMode(strings.ToLower(strings.TrimSpace(raw))) {
	case "", ConfidenceFallback:
		return ConfidenceFallback, nil
	case ConfidenceStrict:
		return ConfidenceStrict, nil
	default:
		return "", fmt.Errorf("confidence mode must be one of: fallback, strict (got %q)", raw)
	}
}

// Confidence returns the probability at the label's vocabulary index. The
// finalizer and the arbitration engine both go through here.
func Confidence(result domain.NormalizedResult, vocabulary []string, mode ConfidenceMode) (float64, error) {
	if len(result.Probabilities) == 0 {
		return 0, fmt.Errorf("%s: empty probability vector", result.Pipeline)
	}
	idx := -1
	for i, label := range vocabulary {
		if label == result.Label {
			idx = i
			break
		}
	}
	if idx >= 0 && idx < len(result.Probabilities) {
		return result.Probabilities[idx], nil
	}
	if mode == ConfidenceStrict {
		return 0, fmt.Errorf("%s: label %q has no probability in the vocabulary", result.Pipeline, result.Label)
	}
	return result.Probabilities[0], nil
}
