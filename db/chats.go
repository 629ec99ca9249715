package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/freegle/inbound/consts"
)

// isUniqueViolation reports whether the error is a PostgreSQL unique
// constraint violation (SQLSTATE 23505).
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// ChatRoom is a conversation between two users (or a user and group mods).
type ChatRoom struct {
	ID            int64
	ChatType      string
	User1         *int64
	User2         *int64
	LatestMessage *time.Time
}

// ChatMessage is one message within a chat room.
type ChatMessage struct {
	ID        int64
	ChatID    int64
	UserID    int64
	Message   string
	Type      string
	SeenByAll bool
	CreatedAt time.Time
}

// GetChatByID fetches a chat room.
func (db *Database) GetChatByID(ctx context.Context, id int64) (*ChatRoom, error) {
	var c ChatRoom
	err := db.GetReadPoolWithContext(ctx).QueryRow(ctx, `
		SELECT id, chattype, user1, user2, latest_message
		FROM chat_rooms
		WHERE id = $1
	`, id).Scan(&c.ID, &c.ChatType, &c.User1, &c.User2, &c.LatestMessage)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, consts.ErrChatNotFound
		}
		return nil, fmt.Errorf("failed to fetch chat %d: %w", id, err)
	}
	return &c, nil
}

// OtherUser returns the chat participant who is not the given user, if any.
func (c *ChatRoom) OtherUser(userID int64) (int64, bool) {
	if c.User1 != nil && *c.User1 != userID {
		return *c.User1, true
	}
	if c.User2 != nil && *c.User2 != userID {
		return *c.User2, true
	}
	return 0, false
}

// HasParticipant reports whether the user belongs to the chat.
func (c *ChatRoom) HasParticipant(userID int64) bool {
	return (c.User1 != nil && *c.User1 == userID) || (c.User2 != nil && *c.User2 == userID)
}

// GetChatMessage fetches one message, verifying it belongs to the chat.
func (db *Database) GetChatMessage(ctx context.Context, chatID, messageID int64) (*ChatMessage, error) {
	var m ChatMessage
	err := db.GetReadPoolWithContext(ctx).QueryRow(ctx, `
		SELECT id, chat_id, user_id, message, type, seen_by_all, created_at
		FROM chat_messages
		WHERE id = $1 AND chat_id = $2
	`, messageID, chatID).Scan(&m.ID, &m.ChatID, &m.UserID, &m.Message, &m.Type, &m.SeenByAll, &m.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, consts.ErrChatMessageMissing
		}
		return nil, fmt.Errorf("failed to fetch chat message %d: %w", messageID, err)
	}
	return &m, nil
}

// GetChatMessageByID fetches a message by id alone, used when an address
// references a message without naming its chat.
func (db *Database) GetChatMessageByID(ctx context.Context, messageID int64) (*ChatMessage, error) {
	var m ChatMessage
	err := db.GetReadPoolWithContext(ctx).QueryRow(ctx, `
		SELECT id, chat_id, user_id, message, type, seen_by_all, created_at
		FROM chat_messages
		WHERE id = $1
	`, messageID).Scan(&m.ID, &m.ChatID, &m.UserID, &m.Message, &m.Type, &m.SeenByAll, &m.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, consts.ErrChatMessageMissing
		}
		return nil, fmt.Errorf("failed to fetch chat message %d: %w", messageID, err)
	}
	return &m, nil
}

// GetOrCreateDirectChat returns the user-to-user chat between two users,
// creating it when none exists yet.
func (db *Database) GetOrCreateDirectChat(ctx context.Context, user1, user2 int64) (*ChatRoom, error) {
	c, err := db.getDirectChat(ctx, db.GetReadPoolWithContext(ctx), user1, user2)
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("failed to fetch direct chat %d/%d: %w", user1, user2, err)
	}

	c = &ChatRoom{}
	err = db.WritePool.QueryRow(ctx, `
		INSERT INTO chat_rooms (chattype, user1, user2)
		VALUES ('User2User', $1, $2)
		RETURNING id, chattype, user1, user2, latest_message
	`, user1, user2).Scan(&c.ID, &c.ChatType, &c.User1, &c.User2, &c.LatestMessage)
	if err != nil {
		if isUniqueViolation(err) {
			// Lost the race with a concurrent ingest; their row wins.
			c, err = db.getDirectChat(ctx, db.WritePool, user1, user2)
			if err != nil {
				return nil, fmt.Errorf("%w: chat room %d/%d: %v", consts.ErrDBUniqueViolation, user1, user2, err)
			}
			return c, nil
		}
		return nil, fmt.Errorf("%w: chat room: %v", consts.ErrDBInsertFailed, err)
	}
	return c, nil
}

func (db *Database) getDirectChat(ctx context.Context, pool *pgxpool.Pool, user1, user2 int64) (*ChatRoom, error) {
	var c ChatRoom
	err := pool.QueryRow(ctx, `
		SELECT id, chattype, user1, user2, latest_message
		FROM chat_rooms
		WHERE chattype = 'User2User'
		  AND ((user1 = $1 AND user2 = $2) OR (user1 = $2 AND user2 = $1))
	`, user1, user2).Scan(&c.ID, &c.ChatType, &c.User1, &c.User2, &c.LatestMessage)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// AppendChatMessage adds a message to a chat and bumps the room's activity
// timestamp. Returns the new message id.
func (db *Database) AppendChatMessage(ctx context.Context, chatID, userID int64, text string) (int64, error) {
	tx, err := db.WritePool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", consts.ErrDBBeginTransactionFailed, err)
	}
	defer tx.Rollback(ctx)

	var id int64
	err = tx.QueryRow(ctx, `
		INSERT INTO chat_messages (chat_id, user_id, message)
		VALUES ($1, $2, $3)
		RETURNING id
	`, chatID, userID, text).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("%w: chat message: %v", consts.ErrDBInsertFailed, err)
	}

	_, err = tx.Exec(ctx, `
		UPDATE chat_rooms SET latest_message = NOW() WHERE id = $1
	`, chatID)
	if err != nil {
		return 0, fmt.Errorf("failed to bump chat %d: %w", chatID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("%w: %v", consts.ErrDBCommitTransactionFailed, err)
	}
	return id, nil
}

// MarkChatMessageSeen records a read receipt for a message.
func (db *Database) MarkChatMessageSeen(ctx context.Context, chatID, messageID int64) error {
	tag, err := db.WritePool.Exec(ctx, `
		UPDATE chat_messages SET seen_by_all = TRUE WHERE id = $1 AND chat_id = $2
	`, messageID, chatID)
	if err != nil {
		return fmt.Errorf("failed to mark message %d seen: %w", messageID, err)
	}
	if tag.RowsAffected() == 0 {
		return consts.ErrChatMessageMissing
	}
	return nil
}

// RecordChatImage stores the content hash of an image attached to a chat
// message, for the image-reuse spam check.
func (db *Database) RecordChatImage(ctx context.Context, chatMessageID int64, contentHash string) error {
	_, err := db.WritePool.Exec(ctx, `
		INSERT INTO chat_images (chat_message_id, content_hash)
		VALUES ($1, $2)
	`, chatMessageID, contentHash)
	if err != nil {
		return fmt.Errorf("%w: chat image: %v", consts.ErrDBInsertFailed, err)
	}
	return nil
}

// CountChatImageUses returns how many prior chat messages carried an image
// with this content hash.
func (db *Database) CountChatImageUses(ctx context.Context, contentHash string) (int, error) {
	var count int
	err := db.GetReadPoolWithContext(ctx).QueryRow(ctx, `
		SELECT COUNT(DISTINCT chat_message_id) FROM chat_images WHERE content_hash = $1
	`, contentHash).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count image uses: %w", err)
	}
	return count, nil
}
