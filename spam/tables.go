package spam

import (
	"context"
	"time"

	"github.com/freegle/inbound/db"
	"github.com/freegle/inbound/pkg/lookupcache"
)

// TableStore loads the operator-maintained lookup tables.
type TableStore interface {
	LoadSpamKeywords(ctx context.Context) ([]db.SpamKeyword, error)
	LoadWhitelistedSubjects(ctx context.Context) (map[string]bool, error)
	LoadBlockedCountries(ctx context.Context) (map[string]bool, error)
	LoadKnownSpammerEmails(ctx context.Context) (map[string]bool, error)
	LoadWorryWords(ctx context.Context) ([]string, error)
	LoadLinkWhitelist(ctx context.Context) (map[string]int64, error)
}

// Tables bundles the read-through caches over the lookup tables. Each table
// refreshes on its TTL and serves stale data while the store is down.
type Tables struct {
	Keywords            *lookupcache.Table[[]db.SpamKeyword]
	WhitelistedSubjects *lookupcache.Table[map[string]bool]
	BlockedCountries    *lookupcache.Table[map[string]bool]
	SpammerEmails       *lookupcache.Table[map[string]bool]
	WorryWords          *lookupcache.Table[[]string]
	LinkWhitelist       *lookupcache.Table[map[string]int64]
}

func NewTables(store TableStore, ttl time.Duration) *Tables {
	return &Tables{
		Keywords:            lookupcache.NewTable("spam_keywords", ttl, store.LoadSpamKeywords),
		WhitelistedSubjects: lookupcache.NewTable("spam_whitelist_subjects", ttl, prunedSubjects(store.LoadWhitelistedSubjects)),
		BlockedCountries:    lookupcache.NewTable("spam_countries", ttl, store.LoadBlockedCountries),
		SpammerEmails:       lookupcache.NewTable("spam_users", ttl, store.LoadKnownSpammerEmails),
		WorryWords:          lookupcache.NewTable("worrywords", ttl, store.LoadWorryWords),
		LinkWhitelist:       lookupcache.NewTable("spam_whitelist_links", ttl, store.LoadLinkWhitelist),
	}
}

// prunedSubjects normalises stored whitelist subjects the same way incoming
// subjects are, so an entry saved with a type prefix or location still
// matches. The raw form is kept too.
func prunedSubjects(load func(context.Context) (map[string]bool, error)) func(context.Context) (map[string]bool, error) {
	return func(ctx context.Context) (map[string]bool, error) {
		raw, err := load(ctx)
		if err != nil {
			return nil, err
		}
		subjects := make(map[string]bool, len(raw))
		for subject := range raw {
			subjects[subject] = true
			if pruned := PruneSubject(subject); pruned != "" {
				subjects[pruned] = true
			}
		}
		return subjects, nil
	}
}
