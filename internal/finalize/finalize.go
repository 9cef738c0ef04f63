// Package finalize turns a successful arbitration outcome into a persisted
// CanonicalRecord.
package finalize

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/animus-labs/medscan/internal/domain"
	"github.com/animus-labs/medscan/internal/repo"
	"github.com/google/uuid"
)

// ConfidenceFunc is the shared confidence rule.
type ConfidenceFunc func(domain.NormalizedResult) (float64, error)

// Finalizer turns an arbitration outcome into at most one persisted record.
type Finalizer struct {
	records    repo.RecordRepository
	specs      map[string]domain.PipelineSpec
	confidence ConfidenceFunc
	logger     *slog.Logger
	now        func() time.Time
	newID      func() (string, error)
}

// New returns a Finalizer. Every argument is required.
func New(records repo.RecordRepository, specs []domain.PipelineSpec, confidence ConfidenceFunc, logger *slog.Logger) (*Finalizer, error) {
	if records == nil {
		return nil, errors.New("record repository is required")
	}
	if confidence == nil {
		return nil, errors.New("confidence function is required")
	}
	if logger == nil {
		return nil, errors.New("logger is required")
	}
	byName := make(map[string]domain.PipelineSpec, len(specs))
	for _, spec := range specs {
		byName[spec.Name] = spec
	}
	return &Finalizer{
		records:    records,
		specs:      byName,
		confidence: confidence,
		logger:     logger,
		now:        time.Now,
		newID: func() (string, error) {
			id, err := uuid.NewRandom()
			if err != nil {
				return "", err
			}
			return id.String(), nil
		},
	}, nil
}

// Finalize persists the winner of outcome exactly once. A failed outcome
// returns *domain.PredictionError and writes nothing; a failed write returns
// *domain.PersistenceError carrying the computed record.
func (f *Finalizer) Finalize(ctx context.Context, outcome domain.ArbitrationOutcome, owner, imageRef string) (domain.CanonicalRecord, error) {
	if !outcome.Succeeded() {
		failures := outcome.Failures
		if failures == nil {
			failures = map[string]error{}
		}
		return domain.CanonicalRecord{}, &domain.PredictionError{
			Attempted: append([]string(nil), outcome.Attempted...),
			Failures:  failures,
		}
	}

	winner := *outcome.Winner
	confidence, err := f.confidence(winner)
	if err != nil {
		failures := map[string]error{winner.Pipeline: domain.NewPipelineError(winner.Pipeline, domain.KindMalformedOutput, err.Error())}
		return domain.CanonicalRecord{}, &domain.PredictionError{Attempted: []string{winner.Pipeline}, Failures: failures}
	}

	id, err := f.newID()
	if err != nil {
		return domain.CanonicalRecord{}, fmt.Errorf("generate record id: %w", err)
	}
	record := domain.CanonicalRecord{
		ID:         id,
		OwnerID:    strings.TrimSpace(owner),
		Pipeline:   winner.Pipeline,
		Label:      winner.Label,
		Confidence: confidence,
		ImageRef:   imageRef,
		Extra:      f.extras(winner),
		CreatedAt:  f.now().UTC(),
	}
	record.IntegritySHA256, err = ComputeIntegritySHA256(record)
	if err != nil {
		return domain.CanonicalRecord{}, fmt.Errorf("integrity: %w", err)
	}

	if err := f.records.CreateRecord(ctx, record); err != nil {
		f.logger.Error("prediction not saved",
			"record_id", record.ID,
			"pipeline", record.Pipeline,
			"error", err,
		)
		return record, &domain.PersistenceError{Record: record, Err: err}
	}
	f.logger.Info("prediction saved",
		"record_id", record.ID,
		"owner_id", record.OwnerID,
		"pipeline", record.Pipeline,
		"label", record.Label,
		"confidence", record.Confidence,
		"mode", string(outcome.Mode),
	)
	return record, nil
}

func (f *Finalizer) extras(winner domain.NormalizedResult) map[string]string {
	spec, ok := f.specs[winner.Pipeline]
	if !ok || len(spec.Extras) == 0 {
		return nil
	}
	out := make(map[string]string, len(spec.Extras))
	for _, field := range spec.Extras {
		out[field.Name] = field.Value(winner.Label)
	}
	return out
}

// ComputeIntegritySHA256 hashes the canonical JSON of every record field
// except the hash itself.
func ComputeIntegritySHA256(record domain.CanonicalRecord) (string, error) {
	type integrityInput struct {
		ID         string            `json:"id"`
		OwnerID    string            `json:"owner_id"`
		Pipeline   string            `json:"pipeline"`
		Label      string            `json:"predicted_class"`
		Confidence float64           `json:"confidence_score"`
		ImageRef   string            `json:"image_ref"`
		Extra      map[string]string `json:"extra"`
		CreatedAt  time.Time         `json:"created_at"`
	}
	extra := record.Extra
	if extra == nil {
		extra = map[string]string{}
	}
	blob, err := json.Marshal(integrityInput{
		ID:         record.ID,
		OwnerID:    record.OwnerID,
		Pipeline:   record.Pipeline,
		Label:      record.Label,
		Confidence: record.Confidence,
		ImageRef:   record.ImageRef,
		Extra:      extra,
		CreatedAt:  record.CreatedAt.UTC(),
	})
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(blob)
	return hex.EncodeToString(sum[:]), nil
}
