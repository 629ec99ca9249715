package db

import (
	"context"
	"fmt"

	"github.com/freegle/inbound/consts"
)

// HistoryEntry records one group post for reuse counting (IP, subject,
// envelope-from). Rows are append-only.
type HistoryEntry struct {
	GroupID int64
	// UserID is nil for volunteer mail from senders without an account.
	UserID        *int64
	EnvelopeFrom  string
	FromIP        string
	Subject       string
	PrunedSubject string
	ToVolunteers  bool
}


// RecordHistory appends a message history row.
func (db *Database) RecordHistory(ctx context.Context, e *HistoryEntry) error {
	var fromIP *string
	if e.FromIP != "" {
		fromIP = &e.FromIP
	}
	_, err := db.WritePool.Exec(ctx, `
		INSERT INTO message_history (group_id, user_id, envelope_from, from_ip, subject, pruned_subject, to_volunteers)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, e.GroupID, e.UserID, e.EnvelopeFrom, fromIP, e.Subject, e.PrunedSubject, e.ToVolunteers)
	if err != nil {
		return fmt.Errorf("%w: history: %v", consts.ErrDBInsertFailed, err)
	}
	return nil
}

// CountDistinctUsersForIP returns how many distinct users have posted from
// the given source IP.
func (db *Database) CountDistinctUsersForIP(ctx context.Context, ip string) (int, error) {
	var count int
	err := db.GetReadPoolWithContext(ctx).QueryRow(ctx, `
		SELECT COUNT(DISTINCT user_id) FROM message_history WHERE from_ip = $1
	`, ip).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count users for ip: %w", err)
	}
	return count, nil
}

// CountDistinctGroupsForIP returns how many distinct groups have been posted
// to from the given source IP.
func (db *Database) CountDistinctGroupsForIP(ctx context.Context, ip string) (int, error) {
	var count int
	err := db.GetReadPoolWithContext(ctx).QueryRow(ctx, `
		SELECT COUNT(DISTINCT group_id) FROM message_history WHERE from_ip = $1
	`, ip).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count groups for ip: %w", err)
	}
	return count, nil
}

// CountGroupsForSubject returns how many distinct groups have seen the given
// pruned subject.
func (db *Database) CountGroupsForSubject(ctx context.Context, prunedSubject string) (int, error) {
	var count int
	err := db.GetReadPoolWithContext(ctx).QueryRow(ctx, `
		SELECT COUNT(DISTINCT group_id) FROM message_history WHERE pruned_subject = $1
	`, prunedSubject).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count groups for subject: %w", err)
	}
	return count, nil
}

// CountVolunteerGroupsForSender returns how many distinct groups' volunteer
// addresses the given envelope-from has mailed.
func (db *Database) CountVolunteerGroupsForSender(ctx context.Context, envelopeFrom string) (int, error) {
	var count int
	err := db.GetReadPoolWithContext(ctx).QueryRow(ctx, `
		SELECT COUNT(DISTINCT group_id)
		FROM message_history
		WHERE LOWER(envelope_from) = LOWER($1) AND to_volunteers
	`, envelopeFrom).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count volunteer groups for sender: %w", err)
	}
	return count, nil
}
