package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/freegle/inbound/consts"
)

// Moderation override values for a group. ModerationModerateAll is the
// "Big Switch": every post is held regardless of per-member status.
const (
	ModerationNone        = "None"
	ModerationModerateAll = "Moderated"
)

// Group is a local community group.
type Group struct {
	ID                 int64
	NameShort          string
	Moderated          bool
	OverrideModeration string
	Publish            bool
}

// Membership posting status values.
const (
	PostingDefault   = "DEFAULT"
	PostingModerated = "MODERATED"
	PostingProhibit  = "PROHIBITED"
)

// Membership collections. Only Approved members are full members; the rest
// are awaiting moderator action or banned.
const (
	CollectionApproved = "Approved"
	CollectionPending  = "Pending"
	CollectionBanned   = "Banned"
)

// Membership roles.
const (
	RoleMember    = "Member"
	RoleModerator = "Moderator"
	RoleOwner     = "Owner"
)

// Membership ties a user to a group with a role and posting status.
// PostingStatus nil means "not yet decided", which the router treats as
// moderated.
type Membership struct {
	ID                  int64
	UserID              int64
	GroupID             int64
	Role                string
	Collection          string
	PostingStatus       *string
	DigestAllowed       bool
	EventsAllowed       bool
	VolunteeringAllowed bool
}

// GetGroupByName resolves a group by its short name, case-insensitively.
func (db *Database) GetGroupByName(ctx context.Context, name string) (*Group, error) {
	var g Group
	err := db.GetReadPoolWithContext(ctx).QueryRow(ctx, `
		SELECT id, nameshort, moderated, overridemoderation, publish
		FROM groups
		WHERE LOWER(nameshort) = LOWER($1)
	`, name).Scan(&g.ID, &g.NameShort, &g.Moderated, &g.OverrideModeration, &g.Publish)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, consts.ErrGroupNotFound
		}
		return nil, fmt.Errorf("failed to fetch group %s: %w", name, err)
	}
	return &g, nil
}

// GetMembership fetches a user's membership of a group.
func (db *Database) GetMembership(ctx context.Context, userID, groupID int64) (*Membership, error) {
	var m Membership
	err := db.GetReadPoolWithContext(ctx).QueryRow(ctx, `
		SELECT id, user_id, group_id, role, collection, ourpostingstatus,
		       digest_allowed, events_allowed, volunteering_allowed
		FROM memberships
		WHERE user_id = $1 AND group_id = $2
	`, userID, groupID).Scan(&m.ID, &m.UserID, &m.GroupID, &m.Role, &m.Collection,
		&m.PostingStatus, &m.DigestAllowed, &m.EventsAllowed, &m.VolunteeringAllowed)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, consts.ErrMembershipNotFound
		}
		return nil, fmt.Errorf("failed to fetch membership %d/%d: %w", userID, groupID, err)
	}
	return &m, nil
}

// AddMembership subscribes a user to a group if not already a member.
func (db *Database) AddMembership(ctx context.Context, userID, groupID int64) error {
	_, err := db.WritePool.Exec(ctx, `
		INSERT INTO memberships (user_id, group_id)
		VALUES ($1, $2)
		ON CONFLICT (user_id, group_id) DO NOTHING
	`, userID, groupID)
	if err != nil {
		return fmt.Errorf("failed to add membership %d/%d: %w", userID, groupID, err)
	}
	return nil
}

// RemoveMembership unsubscribes a user from a group.
func (db *Database) RemoveMembership(ctx context.Context, userID, groupID int64) error {
	tag, err := db.WritePool.Exec(ctx, `
		DELETE FROM memberships WHERE user_id = $1 AND group_id = $2
	`, userID, groupID)
	if err != nil {
		return fmt.Errorf("failed to remove membership %d/%d: %w", userID, groupID, err)
	}
	if tag.RowsAffected() == 0 {
		return consts.ErrMembershipNotFound
	}
	return nil
}

// SetMembershipMailSetting turns a per-membership mail stream on or off.
// Valid settings are "digest", "events" and "volunteering".
func (db *Database) SetMembershipMailSetting(ctx context.Context, userID, groupID int64, setting string, allowed bool) error {
	var column string
	switch setting {
	case "digest":
		column = "digest_allowed"
	case "events":
		column = "events_allowed"
	case "volunteering":
		column = "volunteering_allowed"
	default:
		return fmt.Errorf("unknown membership mail setting %q", setting)
	}

	tag, err := db.WritePool.Exec(ctx,
		fmt.Sprintf(`UPDATE memberships SET %s = $3 WHERE user_id = $1 AND group_id = $2`, column),
		userID, groupID, allowed)
	if err != nil {
		return fmt.Errorf("failed to set %s on membership %d/%d: %w", setting, userID, groupID, err)
	}
	if tag.RowsAffected() == 0 {
		return consts.ErrMembershipNotFound
	}
	return nil
}
