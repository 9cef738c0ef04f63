package prediction

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/animus-labs/medscan/internal/arbitration"
	"github.com/animus-labs/medscan/internal/diagnostics"
	"github.com/animus-labs/medscan/internal/domain"
	"github.com/animus-labs/medscan/internal/extract"
	"github.com/animus-labs/medscan/internal/finalize"
	"github.com/animus-labs/medscan/internal/pipelines"
	"github.com/animus-labs/medscan/internal/repo"
	store "github.com/animus-labs/medscan/internal/storage/objectstore"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

var (
	ErrUnknownPipeline = pipelines.ErrUnknownPipeline
	ErrImageRequired   = errors.New("image is required")
	ErrOwnerRequired   = errors.New("owner id is required")
)

// Invoker runs one pipeline. Implementations report every failure through
// the returned outcome.
type Invoker interface {
	Invoke(ctx context.Context, spec domain.PipelineSpec, req domain.InvocationRequest) domain.RawOutcome
}

// PredictInput is one uploaded image and who submitted it.
type PredictInput struct {
	Image       io.Reader
	Filename    string
	ContentType string
	OwnerID     string
	// Pipeline constrains the request to one pipeline when set.
	Pipeline string
	// HardTimeout overrides the per-pipeline hard budget when positive.
	HardTimeout time.Duration
}

// Service runs pipelines against uploads and records the arbitrated result.
type Service struct {
	cfg        Config
	catalog    *pipelines.Catalog
	invoker    Invoker
	classifier *diagnostics.Classifier
	engine     *arbitration.Engine
	finalizer  *finalize.Finalizer
	records    repo.RecordRepository
	store      store.Store
	logger     *slog.Logger
	now        func() time.Time
	newID      func() string
}

// NewService wires the engine. objects may be nil, in which case images stay
// in the spool directory and are referenced by UploadPrefix.
func NewService(cfg Config, catalog *pipelines.Catalog, invoker Invoker, records repo.RecordRepository, objects store.Store, logger *slog.Logger) (*Service, error) {
	if catalog == nil {
		return nil, errors.New("pipeline catalog is required")
	}
	if invoker == nil {
		return nil, errors.New("invoker is required")
	}
	if records == nil {
		return nil, errors.New("record repository is required")
	}
	if logger == nil {
		return nil, errors.New("logger is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.UploadPrefix == "" {
		cfg.UploadPrefix = defaultUploadPrefix
	}
	if err := os.MkdirAll(cfg.SpoolDir, 0o750); err != nil {
		return nil, fmt.Errorf("create spool dir: %w", err)
	}

	engine, err := arbitration.NewEngine(catalog.Policy(), catalog.Specs(), logger)
	if err != nil {
		return nil, fmt.Errorf("arbitration: %w", err)
	}
	finalizer, err := finalize.New(records, catalog.Specs(), engine.Confidence, logger)
	if err != nil {
		return nil, err
	}
	return &Service{
		cfg:        cfg,
		catalog:    catalog,
		invoker:    invoker,
		classifier: diagnostics.NewClassifier(catalog.Markers()),
		engine:     engine,
		finalizer:  finalizer,
		records:    records,
		store:      objects,
		logger:     logger,
		now:        time.Now,
		newID:      func() string { return uuid.NewString() },
	}, nil
}

func (s *Service) Pipelines() []domain.PipelineSpec {
	return s.catalog.Specs()
}

func (s *Service) Policy() arbitration.Policy {
	return s.engine.Policy()
}

// Predict runs the selected pipelines against one image and persists the
// arbitrated record. Errors are ErrUnknownPipeline, ErrImageRequired,
// *domain.PredictionError or *domain.PersistenceError for the caller-visible
// cases; anything else is an infrastructure failure.
func (s *Service) Predict(ctx context.Context, input PredictInput) (domain.CanonicalRecord, error) {
	specs, mode, err := s.catalog.Select(input.Pipeline)
	if err != nil {
		return domain.CanonicalRecord{}, err
	}
	owner := strings.TrimSpace(input.OwnerID)
	if owner == "" {
		return domain.CanonicalRecord{}, ErrOwnerRequired
	}
	if input.Image == nil {
		return domain.CanonicalRecord{}, ErrImageRequired
	}

	name := s.newID() + "_" + SanitizeFilename(input.Filename)
	spoolPath, size, err := s.spool(name, input.Image)
	if err != nil {
		return domain.CanonicalRecord{}, err
	}
	if !s.keepSpool() {
		defer func() {
			if err := os.Remove(spoolPath); err != nil && !errors.Is(err, os.ErrNotExist) {
				s.logger.Warn("spool cleanup failed", "path", spoolPath, "error", err)
			}
		}()
	}

	imageRef, err := s.archive(ctx, owner, name, spoolPath, size, input.ContentType)
	if err != nil {
		return domain.CanonicalRecord{}, err
	}

	results := s.invokeAll(ctx, specs, domain.InvocationRequest{
		ImagePath:   spoolPath,
		HardTimeout: input.HardTimeout,
	})
	outcome := s.engine.Arbitrate(mode, results)
	if !outcome.Succeeded() {
		s.logger.Warn("no pipeline produced a valid prediction",
			"mode", string(mode),
			"attempted", strings.Join(outcome.Attempted, ","),
		)
	}
	return s.finalizer.Finalize(ctx, outcome, owner, imageRef)
}

// ListRecords returns the owner's records, newest first, optionally for one
// pipeline.
func (s *Service) ListRecords(ctx context.Context, ownerID, pipeline string, limit int) ([]domain.CanonicalRecord, error) {
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return nil, ErrOwnerRequired
	}
	pipeline = strings.ToLower(strings.TrimSpace(pipeline))
	if pipeline != "" {
		if _, ok := s.catalog.Lookup(pipeline); !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownPipeline, pipeline)
		}
	}
	return s.records.ListRecords(ctx, repo.RecordFilter{OwnerID: ownerID, Pipeline: pipeline, Limit: limit})
}

func (s *Service) keepSpool() bool {
	return s.cfg.KeepSpool || s.store == nil
}

// spool writes the image durably: it is synced and closed before any
// pipeline is launched against it.
func (s *Service) spool(name string, image io.Reader) (string, int64, error) {
	dir, err := filepath.Abs(s.cfg.SpoolDir)
	if err != nil {
		return "", 0, fmt.Errorf("spool dir: %w", err)
	}
	p := filepath.Join(dir, name)
	f, err := os.OpenFile(p, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return "", 0, fmt.Errorf("spool image: %w", err)
	}
	size, copyErr := io.Copy(f, image)
	syncErr := f.Sync()
	closeErr := f.Close()
	if err := errors.Join(copyErr, syncErr, closeErr); err != nil {
		_ = os.Remove(p)
		return "", 0, fmt.Errorf("spool image: %w", err)
	}
	if size == 0 {
		_ = os.Remove(p)
		return "", 0, ErrImageRequired
	}
	return p, size, nil
}

func (s *Service) archive(ctx context.Context, owner, name, spoolPath string, size int64, contentType string) (string, error) {
	if s.store == nil {
		return s.cfg.UploadPrefix + name, nil
	}
	now := s.now().UTC()
	key := path.Join(owner, now.Format("2006"), now.Format("01"), name)

	f, err := os.Open(spoolPath)
	if err != nil {
		return "", fmt.Errorf("archive image: %w", err)
	}
	defer f.Close()
	if err := s.store.Put(ctx, s.cfg.ImagesBucket, key, f, size, contentType); err != nil {
		return "", fmt.Errorf("archive image: %w", err)
	}
	return key, nil
}

// invokeAll launches every pipeline concurrently and waits for all of them.
// Each goroutine owns exactly one slot, so a result is assigned once.
func (s *Service) invokeAll(ctx context.Context, specs []domain.PipelineSpec, req domain.InvocationRequest) map[string]domain.Result {
	slots := make([]domain.Result, len(specs))
	var g errgroup.Group
	for i, spec := range specs {
		g.Go(func() error {
			r := req
			r.Pipeline = spec.Name
			slots[i] = s.invokeOne(ctx, spec, r)
			return nil
		})
	}
	_ = g.Wait()

	results := make(map[string]domain.Result, len(specs))
	for i, spec := range specs {
		results[spec.Name] = slots[i]
	}
	return results
}

func (s *Service) invokeOne(ctx context.Context, spec domain.PipelineSpec, req domain.InvocationRequest) domain.Result {
	outcome := s.invoker.Invoke(ctx, spec, req)
	decision := s.classifier.Decide(outcome)
	s.logger.Info("pipeline finished",
		"pipeline", spec.Name,
		"status", string(outcome.Status),
		"exit_code", outcome.ExitCode,
		"duration_ms", outcome.Duration.Milliseconds(),
		"soft_timed_out", outcome.SoftTimedOut,
		"warning_only", decision.Verdict.WarningOnly,
		"fatal", decision.Verdict.FatalError,
	)
	if !decision.Proceed {
		if reason, ok := reportedError(outcome); ok {
			return domain.Failed(domain.NewPipelineError(spec.Name, domain.KindProcess, reason))
		}
		return domain.Failed(decision.Err)
	}

	result, err := extract.Extract(outcome, spec)
	if err != nil {
		if decision.Escalate && domain.KindOf(err) != domain.KindProcess {
			reason := fmt.Sprintf("exit code %d: %s", outcome.ExitCode, decision.Verdict.FatalLine)
			if reported, ok := reportedError(outcome); ok {
				reason = reported
			}
			return domain.Failed(domain.NewPipelineError(spec.Name, domain.KindProcess, reason))
		}
		return domain.Failed(err)
	}
	if outcome.Status != domain.ExitSuccess {
		s.logger.Warn("pipeline exited with failure but its output was usable",
			"pipeline", spec.Name,
			"exit_code", outcome.ExitCode,
		)
	}
	return domain.Ok(result)
}

// reportedError looks for an {"error": ...} record a pipeline printed to
// stderr before exiting. Timeouts and launch failures keep their own reason.
func reportedError(outcome domain.RawOutcome) (string, bool) {
	switch outcome.Status {
	case domain.ExitFailure, domain.ExitSuccess:
		return extract.StderrError(outcome.Stderr)
	default:
		return "", false
	}
}

// SanitizeFilename keeps the base name of an upload with only portable
// characters.
func SanitizeFilename(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = path.Base(name)
	cleaned := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '.', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, name)
	cleaned = strings.TrimLeft(cleaned, ".")
	if len(cleaned) > 100 {
		cleaned = cleaned[len(cleaned)-100:]
	}
	if strings.Trim(cleaned, "_") == "" {
		return "image"
	}
	return cleaned
}
