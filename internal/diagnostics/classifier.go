package diagnostics

import (
	"fmt"
	"strings"

	"github.com/animus-labs/medscan/internal/domain"
)

// Verdict summarizes a pipeline's stderr.
type Verdict struct {
	WarningOnly bool
	FatalError  bool
	// FatalLine is the first line that carried a fatal marker.
	FatalLine string
}

// Decision says whether the outcome goes on to extraction. When Proceed is
// false, Err holds the pipeline error. Escalate asks the caller to report a
// failed extraction as a process error.
type Decision struct {
	Proceed  bool
	Escalate bool
	Verdict  Verdict
	Err      error
}

// Classifier reads pipeline stderr against a MarkerTable.
type Classifier struct {
	markers MarkerTable
}

// NewClassifier returns a classifier for markers. A nil informational
// pattern falls back to DefaultInformationalPattern.
func NewClassifier(markers MarkerTable) *Classifier {
	if markers.Informational == nil {
		markers.Informational = DefaultMarkerTable().Informational
	}
	return &Classifier{markers: markers}
}

// Classify inspects stderr. It never looks at stdout.
func (c *Classifier) Classify(stderr string) Verdict {
	var v Verdict
	for _, line := range strings.Split(stderr, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		if c.markers.Informational.MatchString(line) {
			continue
		}
		if marker := firstMarker(line, c.markers.Fatal); marker != "" {
			v.FatalError = true
			v.FatalLine = strings.TrimSpace(line)
			break
		}
	}
	if !v.FatalError && firstMarker(stderr, c.markers.Benign) != "" {
		v.WarningOnly = true
	}
	return v
}

// Decide maps an outcome to a Decision: proceed to extraction, or fail
// with a configuration, timeout, process or no-output error.
func (c *Classifier) Decide(outcome domain.RawOutcome) Decision {
	name := outcome.Pipeline
	verdict := c.Classify(outcome.Stderr)
	hasStdout := strings.TrimSpace(outcome.Stdout) != ""

	switch outcome.Status {
	case domain.ExitConfigError:
		return Decision{Verdict: verdict, Err: domain.NewPipelineError(name, domain.KindConfiguration, outcome.Detail)}
	case domain.ExitTimeout:
		reason := "hard time budget exceeded"
		if outcome.Detail != "" {
			reason = outcome.Detail
		}
		return Decision{Verdict: verdict, Err: domain.NewPipelineError(name, domain.KindTimeout, reason)}
	case domain.ExitSuccess:
		if !hasStdout {
			return Decision{Verdict: verdict, Err: domain.NewPipelineError(name, domain.KindNoOutput, "exited cleanly without output")}
		}
		return Decision{Proceed: true, Verdict: verdict}
	case domain.ExitFailure:
		if hasStdout {
			return Decision{Proceed: true, Escalate: verdict.FatalError, Verdict: verdict}
		}
		if verdict.FatalError {
			reason := fmt.Sprintf("exit code %d: %s", outcome.ExitCode, verdict.FatalLine)
			if outcome.Detail != "" {
				reason = fmt.Sprintf("%s: %s", outcome.Detail, verdict.FatalLine)
			}
			return Decision{Verdict: verdict, Err: domain.NewPipelineError(name, domain.KindProcess, reason)}
		}
		reason := fmt.Sprintf("exit code %d without output", outcome.ExitCode)
		if verdict.WarningOnly {
			reason += "; stderr held only warnings, the model may have failed to load"
		}
		return Decision{Verdict: verdict, Err: domain.NewPipelineError(name, domain.KindNoOutput, reason)}
	default:
		return Decision{Verdict: verdict, Err: domain.NewPipelineError(name, domain.KindProcess, fmt.Sprintf("unknown exit status %q", outcome.Status))}
	}
}

func firstMarker(text string, markers []string) string {
	for _, m := range markers {
		if strings.Contains(text, m) {
			return m
		}
	}
	return ""
}
