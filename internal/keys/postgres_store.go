package keys

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresStatusStore keeps status overrides in the key_status table.
type PostgresStatusStore struct {
	db DB
}

func NewPostgresStatusStore(db DB) StatusStore {
	return &PostgresStatusStore{db: db}
}

func (s *PostgresStatusStore) GetStatus(ctx context.Context, id int64) (*StatusRecord, error) {
	query := `
		SELECT status, reason, expires_at
		FROM key_status
		WHERE id = $1 AND (expires_at IS NULL OR expires_at > now())
	`

	var rec StatusRecord
	err := s.db.QueryRow(ctx, query, id).Scan(&rec.Status, &rec.Reason, &rec.ExpiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get key status: %w", err)
	}

	return &rec, nil
}

func (s *PostgresStatusStore) SetStatus(ctx context.Context, id int64, reason string, status KeyStatus, ttl *time.Duration) error {
	var seconds *float64
	if ttl != nil {
		v := ttl.Seconds()
		seconds = &v
	}

	query := `
		INSERT INTO key_status (id, status, reason, expires_at)
		VALUES ($1, $2, $3, now() + $4::double precision * interval '1 second')
		ON CONFLICT (id) DO UPDATE
		SET status = EXCLUDED.status, reason = EXCLUDED.reason, expires_at = EXCLUDED.expires_at, updated_at = now()
	`
	if _, err := s.db.Exec(ctx, query, id, string(status), reason, seconds); err != nil {
		return fmt.Errorf("failed to set key status: %w", err)
	}

	return nil
}
