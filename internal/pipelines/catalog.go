// Package pipelines loads the catalog of inference pipelines together with
// the arbitration policy and diagnostic markers that apply to them.
package pipelines

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/animus-labs/medscan/internal/arbitration"
	"github.com/animus-labs/medscan/internal/diagnostics"
	"github.com/animus-labs/medscan/internal/domain"
	"gopkg.in/yaml.v3"
)

const SchemaV1 = "medscan.pipelines.v1"

var ErrUnknownPipeline = errors.New("unknown pipeline")

// Catalog is immutable once loaded.
type Catalog struct {
	specs   []domain.PipelineSpec
	byName  map[string]int
	policy  arbitration.Policy
	markers diagnostics.MarkerTable
}

type fileSpec struct {
	Schema      string            `yaml:"schema"`
	Pipelines   []pipelineEntry   `yaml:"pipelines"`
	Arbitration *arbitrationEntry `yaml:"arbitration,omitempty"`
	Diagnostics *diagnosticsEntry `yaml:"diagnostics,omitempty"`
}

type pipelineEntry struct {
	Name              string              `yaml:"name"`
	Executable        string              `yaml:"executable"`
	Script            string              `yaml:"script,omitempty"`
	Args              []string            `yaml:"args,omitempty"`
	WorkingDir        string              `yaml:"working_dir"`
	Vocabulary        []string            `yaml:"vocabulary"`
	RequiredArtifacts []artifactEntry     `yaml:"required_artifacts,omitempty"`
	Extras            []domain.ExtraField `yaml:"extras,omitempty"`
	Env               map[string]string   `yaml:"env,omitempty"`
	SoftTimeout       string              `yaml:"soft_timeout,omitempty"`
	HardTimeout       string              `yaml:"hard_timeout,omitempty"`
}

// artifactEntry accepts either a single path or a list of alternatives.
type artifactEntry []string

func (a *artifactEntry) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		var path string
		if err := node.Decode(&path); err != nil {
			return err
		}
		*a = artifactEntry{path}
		return nil
	case yaml.SequenceNode:
		var paths []string
		if err := node.Decode(&paths); err != nil {
			return err
		}
		*a = artifactEntry(paths)
		return nil
	default:
		return fmt.Errorf("line %d: artifact must be a path or a list of paths", node.Line)
	}
}

type arbitrationEntry struct {
	Preferred      string   `yaml:"preferred,omitempty"`
	Fallback       string   `yaml:"fallback,omitempty"`
	Threshold      *float64 `yaml:"threshold,omitempty"`
	ConfidenceMode string   `yaml:"confidence_mode,omitempty"`
}

type diagnosticsEntry struct {
	Benign               []string `yaml:"benign,omitempty"`
	Fatal                []string `yaml:"fatal,omitempty"`
	InformationalPattern string   `yaml:"informational_pattern,omitempty"`
}

// Load reads a catalog file. Relative working directories resolve against
// the directory holding the file.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pipelines file: %w", err)
	}
	abs, err := filepath.Abs(filepath.Dir(path))
	if err != nil {
		return nil, fmt.Errorf("resolve pipelines dir: %w", err)
	}
	return Parse(data, abs)
}

// Parse decodes and validates a catalog document.
func Parse(input []byte, baseDir string) (*Catalog, error) {
	var doc fileSpec
	err := yaml.Unmarshal(input, &doc)
	if err != nil {
		return nil, fmt.Errorf("decode pipelines: %w", err)
	}
	if strings.TrimSpace(doc.Schema) != SchemaV1 {
		return nil, fmt.Errorf("pipelines.schema must be %q", SchemaV1)
	}

	specs := make([]domain.PipelineSpec, 0, len(doc.Pipelines))
	for i, entry := range doc.Pipelines {
		spec, err := entry.toSpec(baseDir)
		if err != nil {
			return nil, fmt.Errorf("pipelines[%d]: %w", i, err)
		}
		specs = append(specs, spec)
	}

	policy := arbitration.DefaultPolicy()
	if doc.Arbitration != nil {
		policy, err = doc.Arbitration.apply(policy)
		if err != nil {
			return nil, fmt.Errorf("arbitration: %w", err)
		}
	}

	markers := diagnostics.DefaultMarkerTable()
	if doc.Diagnostics != nil {
		markers, err = diagnostics.NewMarkerTable(doc.Diagnostics.Benign, doc.Diagnostics.Fatal, doc.Diagnostics.InformationalPattern)
		if err != nil {
			return nil, fmt.Errorf("diagnostics: %w", err)
		}
	}
	return New(specs, policy, markers)
}

// New validates and assembles a catalog.
func New(specs []domain.PipelineSpec, policy arbitration.Policy, markers diagnostics.MarkerTable) (*Catalog, error) {
	if len(specs) == 0 {
		return nil, errors.New("pipelines must be non-empty")
	}
	byName := make(map[string]int, len(specs))
	for i, spec := range specs {
		if err := spec.Validate(); err != nil {
			return nil, err
		}
		if _, ok := byName[spec.Name]; ok {
			return nil, fmt.Errorf("duplicate pipeline name %q", spec.Name)
		}
		byName[spec.Name] = i
	}
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	if len(specs) > 1 {
		for _, name := range []string{policy.Preferred, policy.Fallback} {
			if _, ok := byName[name]; !ok {
				return nil, fmt.Errorf("arbitration names unknown pipeline %q", name)
			}
		}
	}
	if err := markers.Validate(); err != nil {
		return nil, err
	}

	owned := make([]domain.PipelineSpec, len(specs))
	copy(owned, specs)
	return &Catalog{specs: owned, byName: byName, policy: policy, markers: markers}, nil
}

// Specs returns the pipelines in catalog order.
func (c *Catalog) Specs() []domain.PipelineSpec {
	out := make([]domain.PipelineSpec, len(c.specs))
	copy(out, c.specs)
	return out
}

func (c *Catalog) Names() []string {
	out := make([]string, 0, len(c.specs))
	for _, spec := range c.specs {
		out = append(out, spec.Name)
	}
	return out
}

// Lookup finds a pipeline by its catalog name.
func (c *Catalog) Lookup(name string) (domain.PipelineSpec, bool) {
	i, ok := c.byName[name]
	if !ok {
		return domain.PipelineSpec{}, false
	}
	return c.specs[i], true
}

// Select resolves an optional pipeline constraint. An empty constraint
// selects every pipeline in dual mode.
func (c *Catalog) Select(constraint string) ([]domain.PipelineSpec, domain.ArbitrationMode, error) {
	constraint = strings.ToLower(strings.TrimSpace(constraint))
	if constraint == "" {
		mode := domain.ModeDual
		if len(c.specs) == 1 {
			mode = domain.ModeSingle
		}
		return c.Specs(), mode, nil
	}
	spec, ok := c.Lookup(constraint)
	if !ok {
		return nil, "", fmt.Errorf("%w: %q", ErrUnknownPipeline, constraint)
	}
	return []domain.PipelineSpec{spec}, domain.ModeSingle, nil
}

func (c *Catalog) Policy() arbitration.Policy {
	return c.policy
}

func (c *Catalog) Markers() diagnostics.MarkerTable {
	return c.markers
}

// WithConfidenceMode returns a copy of the catalog using mode.
func (c *Catalog) WithConfidenceMode(mode arbitration.ConfidenceMode) *Catalog {
	clone := *c
	clone.policy.ConfidenceMode = mode
	return &clone
}

func (e pipelineEntry) toSpec(baseDir string) (domain.PipelineSpec, error) {
	workDir := strings.TrimSpace(e.WorkingDir)
	if workDir != "" && !filepath.IsAbs(workDir) {
		workDir = filepath.Join(baseDir, workDir)
	}
	soft, err := parseDuration(e.SoftTimeout)
	if err != nil {
		return domain.PipelineSpec{}, fmt.Errorf("soft_timeout: %w", err)
	}
	hard, err := parseDuration(e.HardTimeout)
	if err != nil {
		return domain.PipelineSpec{}, fmt.Errorf("hard_timeout: %w", err)
	}
	if soft > 0 && hard > 0 && soft > hard {
		return domain.PipelineSpec{}, errors.New("soft_timeout must not exceed hard_timeout")
	}

	reqs := make([]domain.ArtifactRequirement, 0, len(e.RequiredArtifacts))
	for _, a := range e.RequiredArtifacts {
		reqs = append(reqs, domain.ArtifactRequirement(a))
	}
	return domain.PipelineSpec{
		Name:              strings.ToLower(strings.TrimSpace(e.Name)),
		Executable:        strings.TrimSpace(e.Executable),
		Script:            strings.TrimSpace(e.Script),
		Args:              e.Args,
		WorkingDir:        workDir,
		Vocabulary:        e.Vocabulary,
		RequiredArtifacts: reqs,
		Extras:            e.Extras,
		Env:               e.Env,
		SoftTimeout:       soft,
		HardTimeout:       hard,
	}, nil
}

func parseDuration(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("must be positive (got %s)", raw)
	}
	return d, nil
}

func (a arbitrationEntry) apply(base arbitration.Policy) (arbitration.Policy, error) {
	if v := strings.ToLower(strings.TrimSpace(a.Preferred)); v != "" {
		base.Preferred = v
	}
	if v := strings.ToLower(strings.TrimSpace(a.Fallback)); v != "" {
		base.Fallback = v
	}
	if a.Threshold != nil {
		base.Threshold = *a.Threshold
	}
	if strings.TrimSpace(a.ConfidenceMode) != "" {
		mode, err := arbitration.ParseConfidenceMode(a.ConfidenceMode)
		if err != nil {
			return arbitration.Policy{}, err
		}
		base.ConfidenceMode = mode
	}
	return base, nil
}
