package repo

import (
	"context"
	"errors"

	"github.com/animus-labs/medscan/internal/domain"
)

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")
)

// RecordFilter scopes a history query to one owner.
type RecordFilter struct {
	OwnerID  string
	Pipeline string
	Limit    int
}

// RecordRepository is append-only: records are created once and never
// updated or deleted.
type RecordRepository interface {
	CreateRecord(ctx context.Context, record domain.CanonicalRecord) error
	ListRecords(ctx context.Context, filter RecordFilter) ([]domain.CanonicalRecord, error)
}
