package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/freegle/inbound/consts"
)

// EmailTracking correlates an outbound mail with any bounce it later causes.
type EmailTracking struct {
	ID        int64
	TraceID   uuid.UUID
	Email     string
	UserID    *int64
	CreatedAt time.Time
	BouncedAt *time.Time
}

// GetTrackingByTrace fetches a tracking record by its trace id.
func (db *Database) GetTrackingByTrace(ctx context.Context, traceID uuid.UUID) (*EmailTracking, error) {
	var t EmailTracking
	err := db.GetReadPoolWithContext(ctx).QueryRow(ctx, `
		SELECT id, trace_id, email, user_id, created_at, bounced_at
		FROM email_tracking
		WHERE trace_id = $1
	`, traceID).Scan(&t.ID, &t.TraceID, &t.Email, &t.UserID, &t.CreatedAt, &t.BouncedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, consts.ErrDBNotFound
		}
		return nil, fmt.Errorf("failed to fetch tracking %s: %w", traceID, err)
	}
	return &t, nil
}

// GetLatestOpenTracking returns the most recent not-yet-bounced tracking row
// for a recipient address.
func (db *Database) GetLatestOpenTracking(ctx context.Context, email string) (*EmailTracking, error) {
	var t EmailTracking
	err := db.GetReadPoolWithContext(ctx).QueryRow(ctx, `
		SELECT id, trace_id, email, user_id, created_at, bounced_at
		FROM email_tracking
		WHERE LOWER(email) = LOWER($1) AND bounced_at IS NULL
		ORDER BY created_at DESC
		LIMIT 1
	`, email).Scan(&t.ID, &t.TraceID, &t.Email, &t.UserID, &t.CreatedAt, &t.BouncedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, consts.ErrDBNotFound
		}
		return nil, fmt.Errorf("failed to fetch open tracking for %s: %w", email, err)
	}
	return &t, nil
}

// MarkTrackingBounced stamps bounced_at on a tracking record.
func (db *Database) MarkTrackingBounced(ctx context.Context, id int64) error {
	tag, err := db.WritePool.Exec(ctx, `
		UPDATE email_tracking SET bounced_at = NOW() WHERE id = $1 AND bounced_at IS NULL
	`, id)
	if err != nil {
		return fmt.Errorf("failed to mark tracking %d bounced: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return consts.ErrDBNotFound
	}
	return nil
}
