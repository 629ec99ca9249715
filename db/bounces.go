package db

import (
	"context"
	"fmt"
	"time"

	"github.com/freegle/inbound/consts"
)

// BounceRecord is one processed DSN against a mailbox. Rows are append-only;
// reset is flipped when an operator clears a mailbox's bounce history.
type BounceRecord struct {
	ID        int64
	EmailID   int64
	Reason    string
	Permanent bool
	Reset     bool
	Date      time.Time
}

// RecordBounce appends a bounce record and stamps the mailbox's bounced
// timestamp in the same transaction.
func (db *Database) RecordBounce(ctx context.Context, emailID int64, reason string, permanent bool) error {
	tx, err := db.WritePool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", consts.ErrDBBeginTransactionFailed, err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO bounces (email_id, reason, permanent)
		VALUES ($1, $2, $3)
	`, emailID, reason, permanent)
	if err != nil {
		return fmt.Errorf("%w: bounce: %v", consts.ErrDBInsertFailed, err)
	}

	_, err = tx.Exec(ctx, `
		UPDATE users_emails SET bounced = NOW() WHERE id = $1
	`, emailID)
	if err != nil {
		return fmt.Errorf("failed to stamp bounced on email %d: %w", emailID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("%w: %v", consts.ErrDBCommitTransactionFailed, err)
	}
	return nil
}

// ListActiveBounces returns all non-reset bounce records for a mailbox,
// newest first.
func (db *Database) ListActiveBounces(ctx context.Context, emailID int64) ([]BounceRecord, error) {
	rows, err := db.GetReadPoolWithContext(ctx).Query(ctx, `
		SELECT id, email_id, reason, permanent, reset, date
		FROM bounces
		WHERE email_id = $1 AND NOT reset
		ORDER BY date DESC
	`, emailID)
	if err != nil {
		return nil, fmt.Errorf("failed to list bounces for email %d: %w", emailID, err)
	}
	defer rows.Close()

	var records []BounceRecord
	for rows.Next() {
		var r BounceRecord
		if err := rows.Scan(&r.ID, &r.EmailID, &r.Reason, &r.Permanent, &r.Reset, &r.Date); err != nil {
			return nil, fmt.Errorf("failed to scan bounce record: %w", err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// ResetBounces marks all of a user's bounce records as operator-cleared and
// clears the bouncing flag. Used by the admin tool.
func (db *Database) ResetBounces(ctx context.Context, userID int64) error {
	tx, err := db.WritePool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", consts.ErrDBBeginTransactionFailed, err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		UPDATE bounces SET reset = TRUE
		WHERE email_id IN (SELECT id FROM users_emails WHERE user_id = $1)
	`, userID)
	if err != nil {
		return fmt.Errorf("failed to reset bounces for user %d: %w", userID, err)
	}

	_, err = tx.Exec(ctx, `
		UPDATE users SET bouncing = FALSE WHERE id = $1
	`, userID)
	if err != nil {
		return fmt.Errorf("failed to clear bouncing on user %d: %w", userID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("%w: %v", consts.ErrDBCommitTransactionFailed, err)
	}
	return nil
}
