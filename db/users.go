package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/freegle/inbound/consts"
)

// User represents a platform member.
type User struct {
	ID                   int64
	FullName             string
	SystemRole           string
	LastLocation         *int64
	NewslettersAllowed   bool
	RelevantAllowed      bool
	NotificationsAllowed bool
	Bouncing             bool
}

// UserEmail is one mailbox belonging to a user.
type UserEmail struct {
	ID        int64
	UserID    int64
	Email     string
	Preferred bool
	Bounced   *time.Time
}

// GetUserByID fetches a user by primary key. Returns consts.ErrUserNotFound
// when no live user exists.
func (db *Database) GetUserByID(ctx context.Context, id int64) (*User, error) {
	var u User
	err := db.GetReadPoolWithContext(ctx).QueryRow(ctx, `
		SELECT id, fullname, systemrole, lastlocation,
		       newsletters_allowed, relevant_allowed, notifications_allowed, bouncing
		FROM users
		WHERE id = $1 AND deleted_at IS NULL
	`, id).Scan(&u.ID, &u.FullName, &u.SystemRole, &u.LastLocation,
		&u.NewslettersAllowed, &u.RelevantAllowed, &u.NotificationsAllowed, &u.Bouncing)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, consts.ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to fetch user %d: %w", id, err)
	}
	return &u, nil
}

// GetEmailByAddress resolves a mailbox row by address, case-insensitively.
func (db *Database) GetEmailByAddress(ctx context.Context, address string) (*UserEmail, error) {
	var e UserEmail
	err := db.GetReadPoolWithContext(ctx).QueryRow(ctx, `
		SELECT id, user_id, email, preferred, bounced
		FROM users_emails
		WHERE LOWER(email) = LOWER($1)
	`, address).Scan(&e.ID, &e.UserID, &e.Email, &e.Preferred, &e.Bounced)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, consts.ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to fetch email %s: %w", address, err)
	}
	return &e, nil
}

// GetPreferredEmail returns the user's preferred mailbox, falling back to the
// oldest mailbox when none is marked preferred.
func (db *Database) GetPreferredEmail(ctx context.Context, userID int64) (*UserEmail, error) {
	var e UserEmail
	err := db.GetReadPoolWithContext(ctx).QueryRow(ctx, `
		SELECT id, user_id, email, preferred, bounced
		FROM users_emails
		WHERE user_id = $1
		ORDER BY preferred DESC, id ASC
		LIMIT 1
	`, userID).Scan(&e.ID, &e.UserID, &e.Email, &e.Preferred, &e.Bounced)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, consts.ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to fetch preferred email for user %d: %w", userID, err)
	}
	return &e, nil
}

// SetUserBouncing flags or clears the bouncing state on a user.
func (db *Database) SetUserBouncing(ctx context.Context, userID int64, bouncing bool) error {
	_, err := db.WritePool.Exec(ctx, `
		UPDATE users SET bouncing = $2 WHERE id = $1
	`, userID, bouncing)
	if err != nil {
		return fmt.Errorf("failed to set bouncing=%v on user %d: %w", bouncing, userID, err)
	}
	return nil
}

// HasLoginCredential reports whether the given key exactly matches one of the
// user's stored login credentials. Used by one-click unsubscribe.
func (db *Database) HasLoginCredential(ctx context.Context, userID int64, key string) (bool, error) {
	var exists bool
	err := db.GetReadPoolWithContext(ctx).QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM users_logins WHERE user_id = $1 AND credential = $2
		)
	`, userID, key).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check login credential for user %d: %w", userID, err)
	}
	return exists, nil
}

// SetUserMailSetting turns a per-user mail stream on or off. Valid settings
// are "newsletters", "relevant" and "notifications".
func (db *Database) SetUserMailSetting(ctx context.Context, userID int64, setting string, allowed bool) error {
	var column string
	switch setting {
	case "newsletters":
		column = "newsletters_allowed"
	case "relevant":
		column = "relevant_allowed"
	case "notifications":
		column = "notifications_allowed"
	default:
		return fmt.Errorf("unknown mail setting %q", setting)
	}

	tag, err := db.WritePool.Exec(ctx,
		fmt.Sprintf(`UPDATE users SET %s = $2 WHERE id = $1`, column), userID, allowed)
	if err != nil {
		return fmt.Errorf("failed to set %s on user %d: %w", setting, userID, err)
	}
	if tag.RowsAffected() == 0 {
		return consts.ErrUserNotFound
	}
	return nil
}

// SenderKnownToUser reports whether the sender address belongs to a user who
// already shares a chat with the given recipient. Used to decide whether a
// reply to a stale chat should still be delivered.
func (db *Database) SenderKnownToUser(ctx context.Context, recipientUserID int64, senderEmail string) (bool, error) {
	var exists bool
	err := db.GetReadPoolWithContext(ctx).QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1
			FROM users_emails e
			JOIN chat_rooms c ON (c.user1 = e.user_id AND c.user2 = $1)
			                  OR (c.user2 = e.user_id AND c.user1 = $1)
			WHERE LOWER(e.email) = LOWER($2)
		)
	`, recipientUserID, senderEmail).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check sender familiarity: %w", err)
	}
	return exists, nil
}
