package domain

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// ArtifactRequirement is satisfied when any one of its paths exists.
// Relative paths resolve against the pipeline working directory.
type ArtifactRequirement []string

// ExtraField derives a pipeline-specific record field from the predicted label.
type ExtraField struct {
	Name       string            `json:"name" yaml:"name"`
	TrimPrefix string            `json:"trim_prefix,omitempty" yaml:"trim_prefix,omitempty"`
	Aliases    map[string]string `json:"aliases,omitempty" yaml:"aliases,omitempty"`
}

// Value returns the field value for label.
func (f ExtraField) Value(label string) string {
	if alias, ok := f.Aliases[label]; ok {
		return alias
	}
	if f.TrimPrefix != "" {
		return strings.TrimPrefix(label, f.TrimPrefix)
	}
	return label
}

// PipelineSpec describes one external inference executable and its vocabulary.
type PipelineSpec struct {
	Name              string
	Executable        string
	Script            string
	Args              []string
	WorkingDir        string
	Vocabulary        []string
	RequiredArtifacts []ArtifactRequirement
	Extras            []ExtraField
	Env               map[string]string
	// SoftTimeout and HardTimeout override the service budgets when set.
	SoftTimeout time.Duration
	HardTimeout time.Duration
}

func (s PipelineSpec) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return errors.New("pipeline name is required")
	}
	if strings.TrimSpace(s.Executable) == "" {
		return fmt.Errorf("pipeline %q: executable is required", s.Name)
	}
	if strings.TrimSpace(s.WorkingDir) == "" {
		return fmt.Errorf("pipeline %q: working_dir is required", s.Name)
	}
	if len(s.Vocabulary) == 0 {
		return fmt.Errorf("pipeline %q: vocabulary must be non-empty", s.Name)
	}
	seen := make(map[string]struct{}, len(s.Vocabulary))
	for _, label := range s.Vocabulary {
		if strings.TrimSpace(label) == "" {
			return fmt.Errorf("pipeline %q: vocabulary contains an empty label", s.Name)
		}
		if _, ok := seen[label]; ok {
			return fmt.Errorf("pipeline %q: duplicate vocabulary label %q", s.Name, label)
		}
		seen[label] = struct{}{}
	}
	for i, req := range s.RequiredArtifacts {
		if len(req) == 0 {
			return fmt.Errorf("pipeline %q: required_artifacts[%d] is empty", s.Name, i)
		}
	}
	for i, extra := range s.Extras {
		if strings.TrimSpace(extra.Name) == "" {
			return fmt.Errorf("pipeline %q: extras[%d].name is required", s.Name, i)
		}
	}
	return nil
}

// LabelIndex returns the vocabulary position of label, or -1.
func (s PipelineSpec) LabelIndex(label string) int {
	for i, v := range s.Vocabulary {
		if v == label {
			return i
		}
	}
	return -1
}

// ScriptPath resolves Script against WorkingDir.
func (s PipelineSpec) ScriptPath() string {
	if s.Script == "" {
		return ""
	}
	return s.resolve(s.Script)
}

// ArtifactPaths resolves every candidate path of a requirement.
func (s PipelineSpec) ArtifactPaths(req ArtifactRequirement) []string {
	out := make([]string, 0, len(req))
	for _, p := range req {
		out = append(out, s.resolve(p))
	}
	return out
}

func (s PipelineSpec) resolve(p string) string {
	if filepath.IsAbs(p) {
		return filepath.Clean(p)
	}
	return filepath.Join(s.WorkingDir, p)
}

// InvocationRequest is created per upload and consumed once.
type InvocationRequest struct {
	ImagePath   string
	Pipeline    string
	SoftTimeout time.Duration
	HardTimeout time.Duration
}
