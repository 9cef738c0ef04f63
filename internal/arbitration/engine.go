// Package arbitration picks one winner from the per-pipeline results of a
// single prediction request. It performs no I/O besides logging.
package arbitration

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"

	"github.com/animus-labs/medscan/internal/domain"
)

const (
	DefaultPreferred = "fracture"
	DefaultFallback  = "chest"
	DefaultThreshold = 0.3
)

// Policy is the dual-mode preference rule. The preferred pipeline wins when
// its confidence exceeds Threshold or exceeds every other valid confidence.
type Policy struct {
	Preferred      string         `json:"preferred"`
	Fallback       string         `json:"fallback"`
	Threshold      float64        `json:"threshold"`
	ConfidenceMode ConfidenceMode `json:"confidence_mode"`
}

// DefaultPolicy prefers fracture above 0.3 and falls back to chest.
func DefaultPolicy() Policy {
	return Policy{
		Preferred:      DefaultPreferred,
		Fallback:       DefaultFallback,
		Threshold:      DefaultThreshold,
		ConfidenceMode: ConfidenceFallback,
	}
}

func (p Policy) Validate() error {
	if strings.TrimSpace(p.Preferred) == "" {
		return errors.New("arbitration.preferred is required")
	}
	if strings.TrimSpace(p.Fallback) == "" {
		return errors.New("arbitration.fallback is required")
	}
	if p.Preferred == p.Fallback {
		return errors.New("arbitration.preferred and arbitration.fallback must differ")
	}
	if math.IsNaN(p.Threshold) || p.Threshold < 0 || p.Threshold > 1 {
		return fmt.Errorf("arbitration.threshold must be within [0,1] (got %v)", p.Threshold)
	}
	if _, err := ParseConfidenceMode(string(p.ConfidenceMode)); err != nil {
		return err
	}
	return nil
}

// Engine picks the winning result of one invocation round.
type Engine struct {
	policy     Policy
	vocabulary map[string][]string
	logger     *slog.Logger
}

// NewEngine builds an engine over the given pipelines. A nil logger discards
// arbitration warnings.
func NewEngine(policy Policy, specs []domain.PipelineSpec, logger *slog.Logger) (*Engine, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	if policy.ConfidenceMode == "" {
		policy.ConfidenceMode = ConfidenceFallback
	}
	vocab := make(map[string][]string, len(specs))
	for _, spec := range specs {
		vocab[spec.Name] = spec.Vocabulary
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Engine{policy: policy, vocabulary: vocab, logger: logger}, nil
}

func (e *Engine) Policy() Policy {
	return e.policy
}

// Confidence applies the shared confidence rule with the engine's mode.
func (e *Engine) Confidence(result domain.NormalizedResult) (float64, error) {
	return Confidence(result, e.vocabulary[result.Pipeline], e.policy.ConfidenceMode)
}

type candidate struct {
	result     *domain.NormalizedResult
	confidence float64
}

// Arbitrate reduces one Result per attempted pipeline to an outcome. The
// answer depends only on the map contents, never on launch or finish order.
func (e *Engine) Arbitrate(mode domain.ArbitrationMode, results map[string]domain.Result) domain.ArbitrationOutcome {
	attempted := domain.SortedNames(results)
	out := domain.ArbitrationOutcome{
		Mode:      mode,
		Attempted: attempted,
		Failures:  make(map[string]error),
	}

	valid := make(map[string]candidate, len(results))
	for _, name := range attempted {
		res := results[name]
		if !res.Valid() {
			err := res.Err
			if err == nil {
				err = domain.NewPipelineError(name, domain.KindNoOutput, "no result")
			}
			out.Failures[name] = err
			continue
		}
		conf, err := e.Confidence(*res.Value)
		if err != nil {
			out.Failures[name] = domain.NewPipelineError(name, domain.KindMalformedOutput, err.Error())
			continue
		}
		valid[name] = candidate{result: res.Value, confidence: conf}
	}

	if len(valid) == 0 {
		return out
	}

	winner := e.pick(valid)
	out.Winner = valid[winner].result
	out.Confidence = valid[winner].confidence

	if mode == domain.ModeDual {
		for _, name := range attempted {
			err, failed := out.Failures[name]
			if !failed || errors.Is(err, domain.ErrTimeout) {
				continue
			}
			e.logger.Warn("pipeline failed, using another result",
				"pipeline", name,
				"winner", winner,
				"kind", string(domain.KindOf(err)),
				"error", domain.ReasonOf(err),
			)
		}
	}
	return out
}

func (e *Engine) pick(valid map[string]candidate) string {
	names := domain.SortedNames(valid)
	if len(names) == 1 {
		return names[0]
	}

	if pref, ok := valid[e.policy.Preferred]; ok {
		beatsAll := true
		for _, name := range names {
			if name != e.policy.Preferred && valid[name].confidence >= pref.confidence {
				beatsAll = false
				break
			}
		}
		if pref.confidence > e.policy.Threshold || beatsAll {
			return e.policy.Preferred
		}
	}

	best := ""
	for _, name := range names {
		if name == e.policy.Preferred {
			continue
		}
		if best == "" || better(name, valid[name].confidence, best, valid[best].confidence, e.policy.Fallback) {
			best = name
		}
	}
	return best
}

// better orders non-preferred candidates by confidence, then the fallback
// pipeline, then name.
func better(name string, conf float64, best string, bestConf float64, fallback string) bool {
	if conf != bestConf {
		return conf > bestConf
	}
	if name == fallback || best == fallback {
		return name == fallback
	}
	return name < best
}
