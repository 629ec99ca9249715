package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/freegle/inbound/consts"
)

// Tryst is a scheduled handover appointment between two users.
type Tryst struct {
	ID          int64
	User1       int64
	User2       int64
	ArrangedFor *time.Time
}

// GetTrystByID fetches a tryst.
func (db *Database) GetTrystByID(ctx context.Context, id int64) (*Tryst, error) {
	var t Tryst
	err := db.GetReadPoolWithContext(ctx).QueryRow(ctx, `
		SELECT id, user1, user2, arranged_for FROM trysts WHERE id = $1
	`, id).Scan(&t.ID, &t.User1, &t.User2, &t.ArrangedFor)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, consts.ErrTrystNotFound
		}
		return nil, fmt.Errorf("failed to fetch tryst %d: %w", id, err)
	}
	return &t, nil
}

// HasParticipant reports whether the user is a party to the tryst.
func (t *Tryst) HasParticipant(userID int64) bool {
	return t.User1 == userID || t.User2 == userID
}
