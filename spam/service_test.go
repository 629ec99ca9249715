package spam

import (
	"context"
	"testing"
	"time"

	"github.com/freegle/inbound/config"
	"github.com/freegle/inbound/db"
	"github.com/freegle/inbound/helpers"
	"github.com/freegle/inbound/mailparser"
)

var parseOpts = mailparser.Options{
	UserDomain:  "users.ilovefreegle.org",
	GroupDomain: "groups.ilovefreegle.org",
}

type mockCounts struct {
	usersForIP    map[string]int
	groupsForIP   map[string]int
	subjectGroups map[string]int
	volunteerWide map[string]int
	imageUses     map[string]int
	spammers      map[int64]bool
}

func (m *mockCounts) CountDistinctUsersForIP(_ context.Context, ip string) (int, error) {
	return m.usersForIP[ip], nil
}
func (m *mockCounts) CountDistinctGroupsForIP(_ context.Context, ip string) (int, error) {
	return m.groupsForIP[ip], nil
}
func (m *mockCounts) CountGroupsForSubject(_ context.Context, subject string) (int, error) {
	return m.subjectGroups[subject], nil
}
func (m *mockCounts) CountVolunteerGroupsForSender(_ context.Context, from string) (int, error) {
	return m.volunteerWide[from], nil
}
func (m *mockCounts) CountChatImageUses(_ context.Context, hash string) (int, error) {
	return m.imageUses[hash], nil
}
func (m *mockCounts) IsKnownSpammer(_ context.Context, userID int64) (bool, error) {
	return m.spammers[userID], nil
}

type mockTables struct {
	keywords  []db.SpamKeyword
	subjects  map[string]bool
	countries map[string]bool
	spammers  map[string]bool
	worry     []string
	links     map[string]int64
}

func (m *mockTables) LoadSpamKeywords(context.Context) ([]db.SpamKeyword, error) {
	return m.keywords, nil
}
func (m *mockTables) LoadWhitelistedSubjects(context.Context) (map[string]bool, error) {
	return m.subjects, nil
}
func (m *mockTables) LoadBlockedCountries(context.Context) (map[string]bool, error) {
	return m.countries, nil
}
func (m *mockTables) LoadKnownSpammerEmails(context.Context) (map[string]bool, error) {
	return m.spammers, nil
}
func (m *mockTables) LoadWorryWords(context.Context) ([]string, error) { return m.worry, nil }
func (m *mockTables) LoadLinkWhitelist(context.Context) (map[string]int64, error) {
	return m.links, nil
}

type fixedGeo map[string]string

func (g fixedGeo) Country(ip string) string { return g[ip] }

type fixedScorer float64

func (s fixedScorer) Score(context.Context, []byte) (float64, error) { return float64(s), nil }

func newTestService(counts *mockCounts, tables *mockTables, geo CountryResolver, scorer Scorer) *Service {
	cfg := &config.SpamConfig{
		OurDomains:          []string{"ilovefreegle.org"},
		TrustedSourceSecret: "tn-secret",
	}
	return NewService(cfg, counts, NewTables(tables, time.Minute), geo, scorer)
}

func emptyCounts() *mockCounts {
	return &mockCounts{
		usersForIP:    map[string]int{},
		groupsForIP:   map[string]int{},
		subjectGroups: map[string]int{},
		volunteerWide: map[string]int{},
		imageUses:     map[string]int{},
		spammers:      map[int64]bool{},
	}
}

func post(t *testing.T, headers, body string) *mailparser.ParsedEmail {
	t.Helper()
	raw := []byte("From: Fred <fred@example.com>\r\n" +
		"Subject: OFFER: Free sofa (Leith)\r\n" +
		headers +
		"Content-Type: text/plain\r\n" +
		"\r\n" +
		body + "\r\n")
	return mailparser.Parse(raw, "fred@example.com", "edinburgh@groups.ilovefreegle.org", parseOpts)
}

func TestPruneSubject(t *testing.T) {
	tests := []struct{ in, want string }{
		{"OFFER: Free sofa (London)", "Free sofa"},
		{"Just a subject", "Just a subject"},
		{"WANTED - bike (Leeds LS6)", "bike"},
		{"Taken: table", "table"},
		{"Recieved: plant pots", "plant pots"},
		{"offer free books", "free books"},
	}
	for _, tc := range tests {
		if got := PruneSubject(tc.in); got != tc.want {
			t.Errorf("PruneSubject(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestIsStandardSubject(t *testing.T) {
	if !IsStandardSubject("OFFER: sofa (here)") {
		t.Error("OFFER should be standard")
	}
	if IsStandardSubject("Cheap watches online") {
		t.Error("arbitrary subject should not be standard")
	}
}

func TestCheckCleanMessage(t *testing.T) {
	svc := newTestService(emptyCounts(), &mockTables{}, nil, nil)
	p := post(t, "", "Still available, collection from Leith.")
	result, err := svc.CheckMessage(context.Background(), p)
	if err != nil {
		t.Fatal(err)
	}
	if result != nil {
		t.Errorf("clean message flagged: %+v", result)
	}
}

func TestCheckOwnDomainInURL(t *testing.T) {
	svc := newTestService(emptyCounts(), &mockTables{}, nil, nil)
	p := post(t, "", "Claim your prize at https://ilovefreegle.org.evil.example/win")
	result, err := svc.CheckMessage(context.Background(), p)
	if err != nil {
		t.Fatal(err)
	}
	if result == nil || result.Reason != ReasonUsedOurDomain {
		t.Errorf("result = %+v", result)
	}
}

func TestCheckCountryBlocked(t *testing.T) {
	counts := emptyCounts()
	tables := &mockTables{countries: map[string]bool{"XX": true}}
	svc := newTestService(counts, tables, fixedGeo{"203.0.113.9": "XX"}, nil)

	p := post(t, "X-Freegle-IP: 203.0.113.9\r\n", "hello")
	result, err := svc.CheckMessage(context.Background(), p)
	if err != nil {
		t.Fatal(err)
	}
	if result == nil || result.Reason != ReasonCountryBlocked {
		t.Errorf("result = %+v", result)
	}
}

func TestIPChecksSkippedForTrustedSource(t *testing.T) {
	counts := emptyCounts()
	counts.usersForIP["203.0.113.9"] = 99
	tables := &mockTables{countries: map[string]bool{"XX": true}}
	svc := newTestService(counts, tables, fixedGeo{"203.0.113.9": "XX"}, nil)

	p := post(t, "X-Freegle-IP: 203.0.113.9\r\nX-Trash-Nothing-Secret: tn-secret\r\n", "hello")
	result, err := svc.CheckMessage(context.Background(), p)
	if err != nil {
		t.Fatal(err)
	}
	if result != nil {
		t.Errorf("trusted source should skip IP checks, got %+v", result)
	}
}

func TestIPChecksSkippedForPrivateIP(t *testing.T) {
	counts := emptyCounts()
	counts.usersForIP["10.0.0.5"] = 99
	svc := newTestService(counts, &mockTables{}, nil, nil)

	p := post(t, "X-Freegle-IP: 10.0.0.5\r\n", "hello")
	result, err := svc.CheckMessage(context.Background(), p)
	if err != nil {
		t.Fatal(err)
	}
	if result != nil {
		t.Errorf("private IP should skip checks, got %+v", result)
	}
}

func TestCheckIPThresholds(t *testing.T) {
	counts := emptyCounts()
	counts.usersForIP["203.0.113.9"] = 5
	svc := newTestService(counts, &mockTables{}, nil, nil)

	p := post(t, "X-Freegle-IP: 203.0.113.9\r\n", "hello")
	result, err := svc.CheckMessage(context.Background(), p)
	if err != nil {
		t.Fatal(err)
	}
	if result == nil || result.Reason != ReasonIPUsedForUsers {
		t.Errorf("result = %+v", result)
	}
}

func TestCheckSubjectReuse(t *testing.T) {
	counts := emptyCounts()
	counts.subjectGroups["Free sofa"] = 15
	svc := newTestService(counts, &mockTables{}, nil, nil)

	p := post(t, "", "hello")
	result, err := svc.CheckMessage(context.Background(), p)
	if err != nil {
		t.Fatal(err)
	}
	if result == nil || result.Reason != ReasonSubjectReused {
		t.Errorf("result = %+v", result)
	}
}

func TestSubjectReuseWhitelisted(t *testing.T) {
	counts := emptyCounts()
	counts.subjectGroups["Free sofa"] = 15
	tables := &mockTables{subjects: map[string]bool{"Free sofa": true}}
	svc := newTestService(counts, tables, nil, nil)

	p := post(t, "", "hello")
	result, err := svc.CheckMessage(context.Background(), p)
	if err != nil {
		t.Fatal(err)
	}
	if result != nil {
		t.Errorf("whitelisted subject flagged: %+v", result)
	}
}

func TestSubjectWhitelistEntriesPruned(t *testing.T) {
	counts := emptyCounts()
	counts.subjectGroups["Free sofa"] = 15
	// Operators store whitelist entries as full subjects, prefix and
	// location included.
	tables := &mockTables{subjects: map[string]bool{"OFFER: Free sofa (Leith)": true}}
	svc := newTestService(counts, tables, nil, nil)

	p := post(t, "", "hello")
	result, err := svc.CheckMessage(context.Background(), p)
	if err != nil {
		t.Fatal(err)
	}
	if result != nil {
		t.Errorf("whitelisted subject flagged: %+v", result)
	}
}

func TestCheckGreetingLink(t *testing.T) {
	svc := newTestService(emptyCounts(), &mockTables{}, nil, nil)

	p := post(t, "", "Hello dear friend\nsome filler\nvisit https://spam.example/buy now")
	result, err := svc.CheckMessage(context.Background(), p)
	if err != nil {
		t.Fatal(err)
	}
	if result == nil || result.Reason != ReasonGreetingLink {
		t.Errorf("result = %+v", result)
	}

	// Greeting buried mid-body is fine.
	p = post(t, "", "About the sofa.\nIt is blue.\nMore detail.\nIt suits a hello kitty room https://example.org/pic")
	result, err = svc.CheckMessage(context.Background(), p)
	if err != nil {
		t.Fatal(err)
	}
	if result != nil {
		t.Errorf("mid-body greeting flagged: %+v", result)
	}
}

func TestCheckSpammerReference(t *testing.T) {
	tables := &mockTables{spammers: map[string]bool{"scammer@bad.example": true}}
	svc := newTestService(emptyCounts(), tables, nil, nil)

	p := post(t, "", "Contact scammer@bad.example for amazing deals")
	result, err := svc.CheckMessage(context.Background(), p)
	if err != nil {
		t.Fatal(err)
	}
	if result == nil || result.Reason != ReasonReferencesSpammer {
		t.Errorf("result = %+v", result)
	}
}

func TestCheckBulkVolunteerMail(t *testing.T) {
	counts := emptyCounts()
	counts.volunteerWide["fred@example.com"] = 10
	svc := newTestService(counts, &mockTables{}, nil, nil)

	p := post(t, "", "hello volunteers")
	result, err := svc.CheckMessage(context.Background(), p)
	if err != nil {
		t.Fatal(err)
	}
	if result == nil || result.Reason != ReasonBulkVolunteerMail {
		t.Errorf("result = %+v", result)
	}
}

func TestCheckKeywords(t *testing.T) {
	exclude := "sofa cushion"
	tables := &mockTables{keywords: []db.SpamKeyword{
		{Word: "viagra", Action: "Spam"},
		{Word: "cushion", Exclude: &exclude, Action: "Spam"},
	}}
	svc := newTestService(emptyCounts(), tables, nil, nil)

	p := post(t, "", "cheap VIAGRA here")
	result, err := svc.CheckMessage(context.Background(), p)
	if err != nil {
		t.Fatal(err)
	}
	if result == nil || result.Reason != ReasonKnownKeyword {
		t.Errorf("result = %+v", result)
	}

	// HTML-entity obfuscation is decoded before matching.
	p = post(t, "", "cheap v&#105;agra here")
	result, err = svc.CheckMessage(context.Background(), p)
	if err != nil {
		t.Fatal(err)
	}
	if result == nil || result.Reason != ReasonKnownKeyword {
		t.Errorf("obfuscated keyword missed: %+v", result)
	}

	// The exclude pattern suppresses the hit.
	p = post(t, "", "one sofa cushion going spare")
	result, err = svc.CheckMessage(context.Background(), p)
	if err != nil {
		t.Fatal(err)
	}
	if result != nil {
		t.Errorf("excluded keyword flagged: %+v", result)
	}
}

func TestCheckImageReuse(t *testing.T) {
	data := []byte("JPEGDATA")
	counts := emptyCounts()
	counts.imageUses[helpers.ContentHash(data)] = 10
	svc := newTestService(counts, &mockTables{}, nil, nil)

	raw := []byte("From: Fred <fred@example.com>\r\n" +
		"Subject: OFFER: sofa (Leith)\r\n" +
		"MIME-Version: 1.0\r\n" +
		"Content-Type: multipart/mixed; boundary=\"b1\"\r\n" +
		"\r\n" +
		"--b1\r\n" +
		"Content-Type: text/plain\r\n" +
		"\r\n" +
		"see photo\r\n" +
		"--b1\r\n" +
		"Content-Type: image/jpeg\r\n" +
		"Content-Disposition: attachment; filename=\"a.jpg\"\r\n" +
		"\r\n" +
		"JPEGDATA\r\n" +
		"--b1--\r\n")
	p := mailparser.Parse(raw, "fred@example.com", "edinburgh@groups.ilovefreegle.org", parseOpts)

	result, err := svc.CheckMessage(context.Background(), p)
	if err != nil {
		t.Fatal(err)
	}
	if result == nil || result.Reason != ReasonImageHashReused {
		t.Errorf("result = %+v", result)
	}
}

func TestScorerSkippedForStandardSubjects(t *testing.T) {
	svc := newTestService(emptyCounts(), &mockTables{}, nil, fixedScorer(99))

	p := post(t, "", "Still available.")
	result, err := svc.CheckMessage(context.Background(), p)
	if err != nil {
		t.Fatal(err)
	}
	if result != nil {
		t.Errorf("standard subject should bypass the scorer, got %+v", result)
	}
}

func TestScorerFlagsNonStandardSubject(t *testing.T) {
	svc := newTestService(emptyCounts(), &mockTables{}, nil, fixedScorer(12.5))

	raw := []byte("From: x@example.com\r\nSubject: Make money fast\r\n\r\nbody\r\n")
	p := mailparser.Parse(raw, "x@example.com", "edinburgh@groups.ilovefreegle.org", parseOpts)

	result, err := svc.CheckMessage(context.Background(), p)
	if err != nil {
		t.Fatal(err)
	}
	if result == nil || result.Reason != ReasonSpamAssassin {
		t.Errorf("result = %+v", result)
	}
}

func TestCheckReview(t *testing.T) {
	tables := &mockTables{links: map[string]int64{"trusted.example": 50}}
	svc := newTestService(emptyCounts(), tables, nil, nil)
	ctx := context.Background()

	cases := []struct {
		body string
		want Reason
	}{
		{"look <script>alert(1)</script>", ReasonScriptTag},
		{"only £50 each", ReasonMoneySymbol},
		{"mail me at other@elsewhere.example", ReasonExternalEmail},
		{"see https://shady.example/page", ReasonUnlistedLink},
	}
	for _, tc := range cases {
		p := post(t, "", tc.body)
		result, err := svc.CheckReview(ctx, p)
		if err != nil {
			t.Fatal(err)
		}
		if result == nil || result.Reason != tc.want {
			t.Errorf("%q: result = %+v, want %s", tc.body, result, tc.want)
		}
	}

	// Whitelisted link domains and our own addresses pass.
	p := post(t, "", "see https://trusted.example/page or mail me-1@users.ilovefreegle.org")
	result, err := svc.CheckReview(ctx, p)
	if err != nil {
		t.Fatal(err)
	}
	if result != nil {
		t.Errorf("clean review body flagged: %+v", result)
	}
}

func TestHasWorryWord(t *testing.T) {
	tables := &mockTables{worry: []string{"knife"}}
	svc := newTestService(emptyCounts(), tables, nil, nil)

	word, found, err := svc.HasWorryWord(context.Background(), "Kitchen KNIFE set, barely used")
	if err != nil {
		t.Fatal(err)
	}
	if !found || word != "knife" {
		t.Errorf("got (%q, %v)", word, found)
	}

	_, found, err = svc.HasWorryWord(context.Background(), "wooden spoon")
	if err != nil {
		t.Fatal(err)
	}
	if found {
		t.Error("no worry word expected")
	}
}
