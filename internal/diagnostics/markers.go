package diagnostics

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// DefaultInformationalPattern matches log-level prefixes (WARNING, INFO,
// glog's I0409/W0409), TensorFlow info lines and Python warning categories.
// Fatal markers on these lines are ignored.
const DefaultInformationalPattern = `(?i)^\s*\[?(WARNING|WARN|INFO)\b|^\s*[IW]\d{4}\b|\bI tensorflow|\w+Warning:`

// MarkerTable lists the stderr substrings that decide whether diagnostic
// output is harmless noise or evidence of a crash.
type MarkerTable struct {
	Benign        []string
	Fatal         []string
	Informational *regexp.Regexp
}

// DefaultMarkerTable returns the markers for TensorFlow and PyTorch pipelines.
func DefaultMarkerTable() MarkerTable {
	return MarkerTable{
		Benign: []string{
			"tensorflow",
			"oneDNN",
			"WARNING",
			"deprecated",
			"I tensorflow",
			"This TensorFlow binary",
			"UserWarning",
			"FutureWarning",
			"torch",
		},
		Fatal:         []string{"Error", "Exception", "Traceback", "Failed"},
		Informational: regexp.MustCompile(DefaultInformationalPattern),
	}
}

// NewMarkerTable builds a table from configuration. Empty inputs keep the
// corresponding default.
func NewMarkerTable(benign, fatal []string, informationalPattern string) (MarkerTable, error) {
	table := DefaultMarkerTable()
	if len(benign) > 0 {
		table.Benign = trimMarkers(benign)
	}
	if len(fatal) > 0 {
		table.Fatal = trimMarkers(fatal)
	}
	if strings.TrimSpace(informationalPattern) != "" {
		re, err := regexp.Compile(informationalPattern)
		if err != nil {
			return MarkerTable{}, fmt.Errorf("informational pattern: %w", err)
		}
		table.Informational = re
	}
	if err := table.Validate(); err != nil {
		return MarkerTable{}, err
	}
	return table, nil
}

func (t MarkerTable) Validate() error {
	if len(t.Benign) == 0 {
		return errors.New("benign markers must be non-empty")
	}
	if len(t.Fatal) == 0 {
		return errors.New("fatal markers must be non-empty")
	}
	return nil
}

func trimMarkers(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
