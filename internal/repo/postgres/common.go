package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/animus-labs/medscan/internal/repo"
	"github.com/jackc/pgx/v5/pgconn"
)

type DB interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const uniqueViolation = "23505"

func normalizeTime(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}

func encodeExtra(extra map[string]string) ([]byte, error) {
	if extra == nil {
		extra = map[string]string{}
	}
	return json.Marshal(extra)
}

func decodeExtra(raw []byte) (map[string]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var out map[string]string
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}

func requireIntegrity(value string) error {
	if strings.TrimSpace(value) == "" {
		return errors.New("integrity sha256 is required")
	}
	return nil
}

func handleConflict(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return errors.Join(repo.ErrConflict, err)
	}
	return err
}
