// Package spam runs the heuristic battery that decides whether an inbound
// group post is spam or needs human review. Checks run in a fixed order and
// the first positive wins. External scorers failing count as no signal.
package spam

import (
	"context"
	"fmt"
	"html"
	"net/url"
	"regexp"
	"strings"

	"github.com/freegle/inbound/config"
	"github.com/freegle/inbound/geoip"
	"github.com/freegle/inbound/helpers"
	"github.com/freegle/inbound/logger"
	"github.com/freegle/inbound/mailparser"
	"github.com/freegle/inbound/pkg/metrics"
)

// Reason identifies which heuristic flagged the message.
type Reason string

const (
	ReasonUsedOurDomain     Reason = "UsedOurDomain"
	ReasonCountryBlocked    Reason = "CountryBlocked"
	ReasonIPUsedForUsers    Reason = "IPUsedForDifferentUsers"
	ReasonIPUsedForGroups   Reason = "IPUsedForDifferentGroups"
	ReasonSubjectReused     Reason = "SubjectReused"
	ReasonGreetingLink      Reason = "GreetingLink"
	ReasonReferencesSpammer Reason = "ReferencesSpammer"
	ReasonKnownKeyword      Reason = "KnownKeyword"
	ReasonBulkVolunteerMail Reason = "BulkVolunteerMail"
	ReasonImageHashReused   Reason = "ImageHashReused"
	ReasonSpamAssassin      Reason = "SpamAssassin"

	// Review-only reasons, used by the moderation path.
	ReasonScriptTag     Reason = "ScriptTag"
	ReasonMoneySymbol   Reason = "MoneySymbol"
	ReasonExternalEmail Reason = "ExternalEmail"
	ReasonUnlistedLink  Reason = "UnlistedLink"
)

// Result is one positive heuristic match.
type Result struct {
	Reason Reason
	Detail string
}

// CountStore supplies the history counters the reuse checks need.
type CountStore interface {
	CountDistinctUsersForIP(ctx context.Context, ip string) (int, error)
	CountDistinctGroupsForIP(ctx context.Context, ip string) (int, error)
	CountGroupsForSubject(ctx context.Context, prunedSubject string) (int, error)
	CountVolunteerGroupsForSender(ctx context.Context, envelopeFrom string) (int, error)
	CountChatImageUses(ctx context.Context, contentHash string) (int, error)
	IsKnownSpammer(ctx context.Context, userID int64) (bool, error)
}

// Scorer is the external content scorer. A nil Scorer disables the check.
type Scorer interface {
	Score(ctx context.Context, raw []byte) (float64, error)
}

// CountryResolver maps a sender IP to a country name or code. A nil
// interface value disables country blocking.
type CountryResolver interface {
	Country(ip string) string
}

type Service struct {
	cfg    *config.SpamConfig
	store  CountStore
	tables *Tables
	geo    CountryResolver
	scorer Scorer
}

func NewService(cfg *config.SpamConfig, store CountStore, tables *Tables, geo CountryResolver, scorer Scorer) *Service {
	return &Service{cfg: cfg, store: store, tables: tables, geo: geo, scorer: scorer}
}

// IsTrustedSource reports whether the message came from the pre-vetted feed
// integration, identified by a shared-secret header.
func (s *Service) IsTrustedSource(p *mailparser.ParsedEmail) bool {
	secret := s.cfg.TrustedSourceSecret
	return secret != "" && p.Header(s.cfg.GetTrustedSourceHeader()) == secret
}

// CheckMessage runs the spam battery in order and returns the first
// positive match, or nil when the message is clean. Store failures
// propagate; scorer and GeoIP failures count as no signal.
func (s *Service) CheckMessage(ctx context.Context, p *mailparser.ParsedEmail) (*Result, error) {
	type check func(context.Context, *mailparser.ParsedEmail) (*Result, error)

	checks := []check{
		s.checkOwnDomain,
		s.checkIP,
		s.checkSubjectReuse,
		s.checkGreetingLink,
		s.checkSpammerReference,
		s.checkBulkVolunteerMail,
		s.checkKeywords,
		s.checkImageReuse,
		s.checkScorer,
	}

	for _, c := range checks {
		result, err := c(ctx, p)
		if err != nil {
			return nil, err
		}
		if result != nil {
			metrics.SpamChecksTotal.WithLabelValues("spam").Inc()
			metrics.SpamHits.WithLabelValues(string(result.Reason)).Inc()
			logger.InfoContext(ctx, "message flagged as spam",
				"reason", result.Reason, "detail", result.Detail,
				"from", helpers.MaskEmail(p.FromAddress))
			return result, nil
		}
	}

	metrics.SpamChecksTotal.WithLabelValues("clean").Inc()
	return nil, nil
}

var urlRe = regexp.MustCompile(`(?i)\bhttps?://[^\s<>"')\]]+|\bwww\.[^\s<>"')\]]+`)

// checkOwnDomain flags our own domains appearing in the From display name
// or in URLs in the body, which legitimate member posts never do.
func (s *Service) checkOwnDomain(_ context.Context, p *mailparser.ParsedEmail) (*Result, error) {
	fromName := strings.ToLower(p.FromName)
	for _, domain := range s.cfg.OurDomains {
		d := strings.ToLower(domain)
		if d == "" {
			continue
		}
		if strings.Contains(fromName, d) {
			return &Result{Reason: ReasonUsedOurDomain, Detail: "from name contains " + d}, nil
		}
		for _, raw := range urlRe.FindAllString(p.Body(), -1) {
			if strings.Contains(strings.ToLower(linkDomain(raw)), d) {
				return &Result{Reason: ReasonUsedOurDomain, Detail: "url uses " + d}, nil
			}
		}
	}
	return nil, nil
}

// checkIP runs the reputation checks keyed on the sender IP. Skipped
// entirely for the trusted feed and for private/internal addresses.
func (s *Service) checkIP(ctx context.Context, p *mailparser.ParsedEmail) (*Result, error) {
	ip := p.SenderIP
	if ip == "" || s.IsTrustedSource(p) || geoip.IsPrivate(ip) {
		return nil, nil
	}

	if s.geo != nil {
		if country := s.geo.Country(ip); country != "" {
			blocked, err := s.tables.BlockedCountries.Get(ctx)
			if err == nil && blocked[country] {
				return &Result{Reason: ReasonCountryBlocked, Detail: country}, nil
			}
		}
	}

	users, err := s.store.CountDistinctUsersForIP(ctx, ip)
	if err != nil {
		return nil, fmt.Errorf("counting users for ip: %w", err)
	}
	if users >= s.cfg.GetUserThreshold() {
		return &Result{Reason: ReasonIPUsedForUsers, Detail: fmt.Sprintf("%s used by %d users", ip, users)}, nil
	}

	groups, err := s.store.CountDistinctGroupsForIP(ctx, ip)
	if err != nil {
		return nil, fmt.Errorf("counting groups for ip: %w", err)
	}
	if groups >= s.cfg.GetGroupThreshold() {
		return &Result{Reason: ReasonIPUsedForGroups, Detail: fmt.Sprintf("%s posted to %d groups", ip, groups)}, nil
	}
	return nil, nil
}

func (s *Service) checkSubjectReuse(ctx context.Context, p *mailparser.ParsedEmail) (*Result, error) {
	pruned := PruneSubject(p.Subject)
	if pruned == "" {
		return nil, nil
	}

	whitelisted, err := s.tables.WhitelistedSubjects.Get(ctx)
	if err == nil && whitelisted[pruned] {
		return nil, nil
	}

	groups, err := s.store.CountGroupsForSubject(ctx, pruned)
	if err != nil {
		return nil, fmt.Errorf("counting groups for subject: %w", err)
	}
	if groups >= s.cfg.GetSubjectThreshold() {
		return &Result{Reason: ReasonSubjectReused, Detail: fmt.Sprintf("%q seen on %d groups", pruned, groups)}, nil
	}
	return nil, nil
}

var greetingRe = regexp.MustCompile(`(?i)^\s*(hi|hello|hey|dear|greetings|good\s+(morning|afternoon|evening))\b`)

// checkGreetingLink flags the "Hello, <link>" template: a greeting on line
// 1 or line 3 combined with a URL anywhere in the body.
func (s *Service) checkGreetingLink(_ context.Context, p *mailparser.ParsedEmail) (*Result, error) {
	body := p.Body()
	if !urlRe.MatchString(body) {
		return nil, nil
	}
	lines := strings.Split(body, "\n")
	for _, i := range []int{0, 2} {
		if i < len(lines) && greetingRe.MatchString(lines[i]) {
			return &Result{Reason: ReasonGreetingLink, Detail: strings.TrimSpace(lines[i])}, nil
		}
	}
	return nil, nil
}

func (s *Service) checkSpammerReference(ctx context.Context, p *mailparser.ParsedEmail) (*Result, error) {
	spammers, err := s.tables.SpammerEmails.Get(ctx)
	if err != nil {
		return nil, nil
	}
	body := strings.ToLower(p.Body())
	for email := range spammers {
		if email != "" && strings.Contains(body, email) {
			return &Result{Reason: ReasonReferencesSpammer, Detail: email}, nil
		}
	}
	return nil, nil
}

func (s *Service) checkBulkVolunteerMail(ctx context.Context, p *mailparser.ParsedEmail) (*Result, error) {
	if p.EnvelopeFrom == "" {
		return nil, nil
	}
	groups, err := s.store.CountVolunteerGroupsForSender(ctx, p.EnvelopeFrom)
	if err != nil {
		return nil, fmt.Errorf("counting volunteer groups for sender: %w", err)
	}
	if groups >= s.cfg.GetGroupThreshold() {
		return &Result{Reason: ReasonBulkVolunteerMail, Detail: fmt.Sprintf("mailed %d volunteer addresses", groups)}, nil
	}
	return nil, nil
}

func (s *Service) checkKeywords(ctx context.Context, p *mailparser.ParsedEmail) (*Result, error) {
	keywords, err := s.tables.Keywords.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading keyword table: %w", err)
	}

	text := keywordMatchText(s.cfg.OurDomains, p.Subject+"\n"+p.Body())
	for _, k := range keywords {
		if k.Action != "Spam" {
			continue
		}
		if matchKeyword(text, k.Word, k.Exclude) {
			return &Result{Reason: ReasonKnownKeyword, Detail: k.Word}, nil
		}
	}
	return nil, nil
}

func (s *Service) checkImageReuse(ctx context.Context, p *mailparser.ParsedEmail) (*Result, error) {
	for _, att := range p.Attachments {
		if !strings.HasPrefix(att.ContentType, "image/") || len(att.Data) == 0 {
			continue
		}
		hash := helpers.ContentHash(att.Data)
		uses, err := s.store.CountChatImageUses(ctx, hash)
		if err != nil {
			return nil, fmt.Errorf("counting image uses: %w", err)
		}
		if uses >= s.cfg.GetImageThreshold() {
			return &Result{Reason: ReasonImageHashReused, Detail: fmt.Sprintf("image seen %d times", uses)}, nil
		}
	}
	return nil, nil
}

// checkScorer delegates to the external scorer, but only for non-standard
// subjects: OFFER/WANTED posts are plentiful and well-policed by the other
// checks, so the network call is not worth its cost for them.
func (s *Service) checkScorer(ctx context.Context, p *mailparser.ParsedEmail) (*Result, error) {
	if s.scorer == nil || IsStandardSubject(p.Subject) {
		return nil, nil
	}
	score, err := s.scorer.Score(ctx, p.Raw)
	if err != nil {
		// Scorer down: no signal.
		return nil, nil
	}
	if score >= s.cfg.GetSpamAssassinCutoff() {
		return &Result{Reason: ReasonSpamAssassin, Detail: fmt.Sprintf("score %.1f", score)}, nil
	}
	return nil, nil
}

// IsSpammerListed reports whether the user is on the global spammer list.
func (s *Service) IsSpammerListed(ctx context.Context, userID int64) (bool, error) {
	return s.store.IsKnownSpammer(ctx, userID)
}

// HasWorryWord returns the first configured worry word found in the text.
func (s *Service) HasWorryWord(ctx context.Context, text string) (string, bool, error) {
	words, err := s.tables.WorryWords.Get(ctx)
	if err != nil {
		return "", false, fmt.Errorf("loading worry words: %w", err)
	}
	lower := strings.ToLower(text)
	for _, w := range words {
		if w != "" && strings.Contains(lower, strings.ToLower(w)) {
			return w, true, nil
		}
	}
	return "", false, nil
}

var (
	scriptTagRe  = regexp.MustCompile(`(?i)<\s*script\b`)
	moneyRe      = regexp.MustCompile(`[£$€¥]`)
	emailAddrRe  = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	wwwPrefixRe  = regexp.MustCompile(`(?i)^www\.`)
	schemelessRe = regexp.MustCompile(`(?i)^[a-z][a-z0-9+.\-]*://`)
)

// CheckReview runs the lower-severity review heuristics used by the
// moderation path. A match holds the post for a human rather than
// rejecting it.
func (s *Service) CheckReview(ctx context.Context, p *mailparser.ParsedEmail) (*Result, error) {
	text := p.Subject + "\n" + p.Body()

	if scriptTagRe.MatchString(p.HTMLBody) || scriptTagRe.MatchString(text) {
		return &Result{Reason: ReasonScriptTag}, nil
	}

	if m := moneyRe.FindString(text); m != "" {
		return &Result{Reason: ReasonMoneySymbol, Detail: m}, nil
	}

	for _, addr := range emailAddrRe.FindAllString(text, -1) {
		if !s.isOurAddress(addr) {
			return &Result{Reason: ReasonExternalEmail, Detail: strings.ToLower(addr)}, nil
		}
	}

	whitelist, err := s.tables.LinkWhitelist.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading link whitelist: %w", err)
	}
	for _, raw := range urlRe.FindAllString(text, -1) {
		domain := strings.ToLower(linkDomain(raw))
		if domain == "" || s.isOurDomain(domain) {
			continue
		}
		if whitelist[domain] >= int64(s.cfg.GetLinkWhitelistHits()) {
			continue
		}
		return &Result{Reason: ReasonUnlistedLink, Detail: domain}, nil
	}

	// Review-action keywords share the table with the spam-action ones.
	keywords, err := s.tables.Keywords.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading keyword table: %w", err)
	}
	matchable := keywordMatchText(s.cfg.OurDomains, text)
	for _, k := range keywords {
		if k.Action != "Review" {
			continue
		}
		if matchKeyword(matchable, k.Word, k.Exclude) {
			return &Result{Reason: ReasonKnownKeyword, Detail: k.Word}, nil
		}
	}

	return nil, nil
}

func (s *Service) isOurDomain(domain string) bool {
	for _, d := range s.cfg.OurDomains {
		d = strings.ToLower(d)
		if d != "" && (domain == d || strings.HasSuffix(domain, "."+d)) {
			return true
		}
	}
	return false
}

func (s *Service) isOurAddress(addr string) bool {
	_, domain, ok := helpers.SplitEmailAddress(addr)
	if !ok {
		return false
	}
	return s.isOurDomain(domain)
}

// keywordMatchText prepares text for keyword matching: HTML entities are
// decoded to defeat obfuscation, and lines carrying our own job-listing
// URLs are dropped so adjacent marketing copy does not false-positive.
func keywordMatchText(ourDomains []string, text string) string {
	text = html.UnescapeString(text)

	lines := strings.Split(text, "\n")
	kept := lines[:0]
	for _, line := range lines {
		if isJobListingLine(ourDomains, line) {
			continue
		}
		kept = append(kept, line)
	}
	return strings.ToLower(strings.Join(kept, "\n"))
}

func isJobListingLine(ourDomains []string, line string) bool {
	lower := strings.ToLower(line)
	if !strings.Contains(lower, "/job") {
		return false
	}
	for _, d := range ourDomains {
		d = strings.ToLower(d)
		if d != "" && strings.Contains(lower, d) {
			return true
		}
	}
	return false
}

func matchKeyword(text, word string, exclude *string) bool {
	if word == "" || !strings.Contains(text, strings.ToLower(word)) {
		return false
	}
	if exclude != nil && *exclude != "" && strings.Contains(text, strings.ToLower(*exclude)) {
		return false
	}
	return true
}

// linkDomain pulls the host out of a URL-ish token, tolerating missing
// schemes and trailing punctuation.
func linkDomain(raw string) string {
	raw = strings.TrimRight(raw, ".,;:!?")
	if !schemelessRe.MatchString(raw) {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return ""
	}
	host := u.Hostname()
	return wwwPrefixRe.ReplaceAllString(host, "")
}

