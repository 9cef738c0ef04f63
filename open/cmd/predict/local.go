package main

import (
	"context"
	"log/slog"
	"os"
	"sort"
	"sync"

	"github.com/animus-labs/medscan/internal/arbitration"
	"github.com/animus-labs/medscan/internal/domain"
	"github.com/animus-labs/medscan/internal/pipelines"
	"github.com/animus-labs/medscan/internal/repo"
	"github.com/animus-labs/medscan/internal/runtimeexec"
	"github.com/animus-labs/medscan/internal/service/prediction"
)

// memoryRecords keeps records for the lifetime of one CLI run.
type memoryRecords struct {
	mu      sync.Mutex
	records []domain.CanonicalRecord
}

func (m *memoryRecords) CreateRecord(ctx context.Context, record domain.CanonicalRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.records {
		if existing.ID == record.ID {
			return repo.ErrConflict
		}
	}
	m.records = append(m.records, record)
	return nil
}

func (m *memoryRecords) ListRecords(ctx context.Context, filter repo.RecordFilter) ([]domain.CanonicalRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.CanonicalRecord, 0, len(m.records))
	for _, r := range m.records {
		if r.OwnerID != filter.OwnerID {
			continue
		}
		if filter.Pipeline != "" && r.Pipeline != filter.Pipeline {
			continue
		}
		out = append(out, r)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

type localOptions struct {
	PipelinesFile  string
	ModelsRoot     string
	Python         string
	ConfidenceMode string
	Owner          string
	Pipeline       string
	SpoolDir       string
	Verbose        bool
}

// predictLocal runs the engine in-process without the HTTP service.
func predictLocal(ctx context.Context, opts localOptions, imagePath string) (domain.CanonicalRecord, error) {
	level := slog.LevelWarn
	if opts.Verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	var (
		catalog *pipelines.Catalog
		err     error
	)
	if opts.PipelinesFile != "" {
		catalog, err = pipelines.Load(opts.PipelinesFile)
	} else {
		catalog, err = pipelines.Default(opts.ModelsRoot, opts.Python)
	}
	if err != nil {
		return domain.CanonicalRecord{}, err
	}
	if opts.ConfidenceMode != "" {
		mode, err := arbitration.ParseConfidenceMode(opts.ConfidenceMode)
		if err != nil {
			return domain.CanonicalRecord{}, err
		}
		catalog = catalog.WithConfidenceMode(mode)
	}

	execCfg, err := runtimeexec.ConfigFromEnv()
	if err != nil {
		return domain.CanonicalRecord{}, err
	}
	invoker, err := runtimeexec.NewInvoker(execCfg, logger)
	if err != nil {
		return domain.CanonicalRecord{}, err
	}

	spool := opts.SpoolDir
	if spool == "" {
		spool, err = os.MkdirTemp("", "medscan-predict-")
		if err != nil {
			return domain.CanonicalRecord{}, err
		}
		defer os.RemoveAll(spool)
	}
	svc, err := prediction.NewService(prediction.Config{SpoolDir: spool, ImagesBucket: "local"}, catalog, invoker, &memoryRecords{}, nil, logger)
	if err != nil {
		return domain.CanonicalRecord{}, err
	}

	f, err := os.Open(imagePath)
	if err != nil {
		return domain.CanonicalRecord{}, err
	}
	defer f.Close()
	return svc.Predict(ctx, prediction.PredictInput{
		Image:       f,
		Filename:    imagePath,
		ContentType: imageContentType(imagePath),
		OwnerID:     opts.Owner,
		Pipeline:    opts.Pipeline,
	})
}
