package db

import (
	"context"
	"fmt"
)

// SpamKeyword is one configurable keyword rule. Exclude, when set, is a
// pattern that suppresses the hit if it also matches the text.
type SpamKeyword struct {
	ID      int64
	Word    string
	Exclude *string
	Action  string // "Spam" or "Review"
}

// LoadSpamKeywords returns the configured keyword table.
func (db *Database) LoadSpamKeywords(ctx context.Context) ([]SpamKeyword, error) {
	rows, err := db.GetReadPoolWithContext(ctx).Query(ctx, `
		SELECT id, word, exclude, action FROM spam_keywords
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to load spam keywords: %w", err)
	}
	defer rows.Close()

	var keywords []SpamKeyword
	for rows.Next() {
		var k SpamKeyword
		if err := rows.Scan(&k.ID, &k.Word, &k.Exclude, &k.Action); err != nil {
			return nil, fmt.Errorf("failed to scan spam keyword: %w", err)
		}
		keywords = append(keywords, k)
	}
	return keywords, rows.Err()
}

// LoadWhitelistedSubjects returns subjects excluded from the reuse check.
func (db *Database) LoadWhitelistedSubjects(ctx context.Context) (map[string]bool, error) {
	return db.loadStringSet(ctx, `SELECT subject FROM spam_whitelist_subjects`)
}

// LoadBlockedCountries returns country names from which posts are rejected.
func (db *Database) LoadBlockedCountries(ctx context.Context) (map[string]bool, error) {
	return db.loadStringSet(ctx, `SELECT country FROM spam_countries`)
}

// LoadWorryWords returns keywords that force a post into moderation.
func (db *Database) LoadWorryWords(ctx context.Context) ([]string, error) {
	rows, err := db.GetReadPoolWithContext(ctx).Query(ctx, `SELECT keyword FROM worrywords`)
	if err != nil {
		return nil, fmt.Errorf("failed to load worry words: %w", err)
	}
	defer rows.Close()

	var words []string
	for rows.Next() {
		var w string
		if err := rows.Scan(&w); err != nil {
			return nil, fmt.Errorf("failed to scan worry word: %w", err)
		}
		words = append(words, w)
	}
	return words, rows.Err()
}

// LoadKnownSpammerEmails returns the addresses of users in the spammer
// collection. A body that mentions one of these is itself suspect.
func (db *Database) LoadKnownSpammerEmails(ctx context.Context) (map[string]bool, error) {
	return db.loadStringSet(ctx, `
		SELECT LOWER(e.email)
		FROM spam_users s
		JOIN users_emails e ON e.user_id = s.user_id
		WHERE s.collection = 'Spammer'
	`)
}

// LoadLinkWhitelist returns link domains with their sighting counts.
func (db *Database) LoadLinkWhitelist(ctx context.Context) (map[string]int64, error) {
	rows, err := db.GetReadPoolWithContext(ctx).Query(ctx, `
		SELECT LOWER(domain), count FROM spam_whitelist_links
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to load link whitelist: %w", err)
	}
	defer rows.Close()

	domains := make(map[string]int64)
	for rows.Next() {
		var domain string
		var count int64
		if err := rows.Scan(&domain, &count); err != nil {
			return nil, fmt.Errorf("failed to scan link whitelist row: %w", err)
		}
		domains[domain] = count
	}
	return domains, rows.Err()
}

// IsKnownSpammer reports whether the user is in the spammer collection.
func (db *Database) IsKnownSpammer(ctx context.Context, userID int64) (bool, error) {
	var exists bool
	err := db.GetReadPoolWithContext(ctx).QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM spam_users WHERE user_id = $1 AND collection = 'Spammer'
		)
	`, userID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check spammer list for user %d: %w", userID, err)
	}
	return exists, nil
}

func (db *Database) loadStringSet(ctx context.Context, query string) (map[string]bool, error) {
	rows, err := db.GetReadPoolWithContext(ctx).Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to load lookup table: %w", err)
	}
	defer rows.Close()

	set := make(map[string]bool)
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("failed to scan lookup row: %w", err)
		}
		set[v] = true
	}
	return set, rows.Err()
}
