package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/animus-labs/medscan/internal/domain"
	"github.com/animus-labs/medscan/internal/repo"
)

const maxListLimit = 500

// RecordStore is the append-only prediction_records table.
type RecordStore struct {
	db DB
}

// NewRecordStore wraps db, usually a *sql.DB from platform/postgres.Open.
func NewRecordStore(db DB) *RecordStore {
	if db == nil {
		return nil
	}
	return &RecordStore{db: db}
}

func (s *RecordStore) CreateRecord(ctx context.Context, record domain.CanonicalRecord) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("record store not initialized")
	}
	if err := record.Validate(); err != nil {
		return err
	}
	if err := requireIntegrity(record.IntegritySHA256); err != nil {
		return err
	}
	extraJSON, err := encodeExtra(record.Extra)
	if err != nil {
		return fmt.Errorf("encode extra: %w", err)
	}
	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO prediction_records (
			record_id,
			owner_id,
			pipeline,
			predicted_class,
			confidence_score,
			image_ref,
			extra,
			created_at,
			integrity_sha256
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		strings.TrimSpace(record.ID),
		strings.TrimSpace(record.OwnerID),
		strings.TrimSpace(record.Pipeline),
		record.Label,
		record.Confidence,
		strings.TrimSpace(record.ImageRef),
		extraJSON,
		normalizeTime(record.CreatedAt),
		strings.TrimSpace(record.IntegritySHA256),
	)
	if err != nil {
		return fmt.Errorf("insert record: %w", handleConflict(err))
	}
	return nil
}

func (s *RecordStore) ListRecords(ctx context.Context, filter repo.RecordFilter) ([]domain.CanonicalRecord, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("record store not initialized")
	}
	query, args, err := buildRecordListQuery(filter)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()

	records := make([]domain.CanonicalRecord, 0)
	for rows.Next() {
		var record domain.CanonicalRecord
		var extraJSON []byte
		if err := rows.Scan(&record.ID, &record.OwnerID, &record.Pipeline, &record.Label, &record.Confidence, &record.ImageRef, &extraJSON, &record.CreatedAt, &record.IntegritySHA256); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		extra, err := decodeExtra(extraJSON)
		if err != nil {
			return nil, fmt.Errorf("decode extra: %w", err)
		}
		record.Extra = extra
		record.CreatedAt = record.CreatedAt.UTC()
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	return records, nil
}

func buildRecordListQuery(filter repo.RecordFilter) (string, []any, error) {
	owner := strings.TrimSpace(filter.OwnerID)
	if owner == "" {
		return "", nil, fmt.Errorf("owner id is required")
	}
	clauses := make([]string, 0, 2)
	args := make([]any, 0, 3)

	args = append(args, owner)
	clauses = append(clauses, fmt.Sprintf("owner_id = $%d", len(args)))
	if p := strings.TrimSpace(filter.Pipeline); p != "" {
		args = append(args, p)
		clauses = append(clauses, fmt.Sprintf("pipeline = $%d", len(args)))
	}

	query := `SELECT record_id, owner_id, pipeline, predicted_class, confidence_score, image_ref, extra, created_at, integrity_sha256 FROM prediction_records`
	query += " WHERE " + strings.Join(clauses, " AND ")
	query += " ORDER BY created_at DESC, record_id DESC"

	limit := filter.Limit
	if limit <= 0 || limit > maxListLimit {
		limit = maxListLimit
	}
	args = append(args, limit)
	query += fmt.Sprintf(" LIMIT $%d", len(args))
	return query, args, nil
}
