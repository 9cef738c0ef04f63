// Package extract turns captured pipeline output into a NormalizedResult.
package extract

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/animus-labs/medscan/internal/domain"
)

// MaxRawBytes bounds the raw text carried by a malformed-output error.
const MaxRawBytes = 512

type record struct {
	PredictedClass *string         `json:"predicted_class"`
	Probabilities  json.RawMessage `json:"probabilities"`
	Error          json.RawMessage `json:"error"`
}

// Extract decodes the first JSON record in outcome.Stdout against spec's
// vocabulary. It is pure: the same outcome always yields the same result.
func Extract(outcome domain.RawOutcome, spec domain.PipelineSpec) (domain.NormalizedResult, error) {
	name := spec.Name
	raw, ok := FirstObject(outcome.Stdout)
	if !ok {
		if reason, found := StderrError(outcome.Stderr); found {
			return domain.NormalizedResult{}, domain.NewPipelineError(name, domain.KindProcess, reason)
		}
		return domain.NormalizedResult{}, malformed(name, "no JSON record in output", outcome.Stdout)
	}

	var rec record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return domain.NormalizedResult{}, malformed(name, "decode record: "+err.Error(), raw)
	}
	if reason, set := errorField(rec.Error); set {
		return domain.NormalizedResult{}, domain.NewPipelineError(name, domain.KindProcess, reason)
	}
	if rec.PredictedClass == nil || strings.TrimSpace(*rec.PredictedClass) == "" {
		return domain.NormalizedResult{}, malformed(name, "record has no predicted_class", raw)
	}
	label := *rec.PredictedClass
	if spec.LabelIndex(label) < 0 {
		return domain.NormalizedResult{}, malformed(name, fmt.Sprintf("label %q is not in the vocabulary", label), raw)
	}

	probs, err := probabilities(rec.Probabilities, spec.Vocabulary)
	if err != nil {
		return domain.NormalizedResult{}, malformed(name, err.Error(), raw)
	}

	metadata, err := metadataFields(raw)
	if err != nil {
		return domain.NormalizedResult{}, malformed(name, "decode record: "+err.Error(), raw)
	}

	return domain.NormalizedResult{
		Pipeline:      name,
		Label:         label,
		Probabilities: probs,
		Metadata:      metadata,
	}, nil
}

func probabilities(raw json.RawMessage, vocab []string) ([]float64, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, fmt.Errorf("record has no probabilities")
	}

	var probs []float64
	switch trimmed[0] {
	case '[':
		if err := json.Unmarshal(trimmed, &probs); err != nil {
			return nil, fmt.Errorf("probabilities: %w", err)
		}
		if len(probs) != len(vocab) {
			return nil, fmt.Errorf("probabilities has %d entries, vocabulary has %d", len(probs), len(vocab))
		}
	case '{':
		var byLabel map[string]float64
		if err := json.Unmarshal(trimmed, &byLabel); err != nil {
			return nil, fmt.Errorf("probabilities: %w", err)
		}
		known := make(map[string]struct{}, len(vocab))
		probs = make([]float64, len(vocab))
		for i, label := range vocab {
			known[label] = struct{}{}
			probs[i] = byLabel[label]
		}
		for label := range byLabel {
			if _, ok := known[label]; !ok {
				return nil, fmt.Errorf("probabilities names unknown label %q", label)
			}
		}
	default:
		return nil, fmt.Errorf("probabilities must be an array or an object")
	}

	for i, p := range probs {
		if math.IsNaN(p) || math.IsInf(p, 0) || p < 0 || p > 1 {
			return nil, fmt.Errorf("probabilities[%d]=%v is outside [0,1]", i, p)
		}
	}
	return probs, nil
}

func metadataFields(raw string) (map[string]any, error) {
	var fields map[string]any
	if err := json.Unmarshal([]byte(raw), &fields); err != nil {
		return nil, err
	}
	delete(fields, "predicted_class")
	delete(fields, "probabilities")
	delete(fields, "error")
	if len(fields) == 0 {
		return nil, nil
	}
	return fields, nil
}

// errorField reports a non-empty "error" value. null and "" do not count.
func errorField(raw json.RawMessage) (string, bool) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return "", false
	}
	var s string
	if err := json.Unmarshal(trimmed, &s); err == nil {
		s = strings.TrimSpace(s)
		return s, s != ""
	}
	if bytes.Equal(trimmed, []byte("false")) {
		return "", false
	}
	return string(trimmed), true
}

// StderrError returns the "error" field of the first JSON record printed to
// stderr that carries one.
func StderrError(stderr string) (string, bool) {
	rest := stderr
	for {
		raw, ok := FirstObject(rest)
		if !ok {
			return "", false
		}
		var rec record
		if err := json.Unmarshal([]byte(raw), &rec); err == nil {
			if reason, set := errorField(rec.Error); set {
				return reason, true
			}
		}
		idx := strings.Index(rest, raw)
		rest = rest[idx+len(raw):]
	}
}

func malformed(pipeline, reason, raw string) error {
	err := domain.NewPipelineError(pipeline, domain.KindMalformedOutput, reason)
	err.Raw = Truncate(raw, MaxRawBytes)
	return err
}

// Truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !isRuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

func isRuneStart(b byte) bool {
	return b&0xC0 != 0x80
}
