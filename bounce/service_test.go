package bounce

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/freegle/inbound/consts"
	"github.com/freegle/inbound/db"
	"github.com/freegle/inbound/mailparser"
)

type mockStore struct {
	users     map[int64]*db.User
	emails    map[string]*db.UserEmail
	preferred map[int64]*db.UserEmail
	bounces   map[int64][]db.BounceRecord
	tracking  []*db.EmailTracking

	recorded    []db.BounceRecord
	suspended   []int64
	pinnedReads int
}

func newMockStore() *mockStore {
	return &mockStore{
		users:     make(map[int64]*db.User),
		emails:    make(map[string]*db.UserEmail),
		preferred: make(map[int64]*db.UserEmail),
		bounces:   make(map[int64][]db.BounceRecord),
	}
}

func (m *mockStore) addUser(userID, emailID int64, address string) {
	m.users[userID] = &db.User{ID: userID}
	e := &db.UserEmail{ID: emailID, UserID: userID, Email: address, Preferred: true}
	m.emails[address] = e
	m.preferred[userID] = e
}

func (m *mockStore) GetUserByID(_ context.Context, id int64) (*db.User, error) {
	if u, ok := m.users[id]; ok {
		return u, nil
	}
	return nil, consts.ErrUserNotFound
}

func (m *mockStore) GetEmailByAddress(_ context.Context, address string) (*db.UserEmail, error) {
	if e, ok := m.emails[address]; ok {
		return e, nil
	}
	return nil, consts.ErrUserNotFound
}

func (m *mockStore) GetPreferredEmail(_ context.Context, userID int64) (*db.UserEmail, error) {
	if e, ok := m.preferred[userID]; ok {
		return e, nil
	}
	return nil, consts.ErrUserNotFound
}

func (m *mockStore) SetUserBouncing(_ context.Context, userID int64, bouncing bool) error {
	m.users[userID].Bouncing = bouncing
	if bouncing {
		m.suspended = append(m.suspended, userID)
	}
	return nil
}

func (m *mockStore) RecordBounce(_ context.Context, emailID int64, reason string, permanent bool) error {
	r := db.BounceRecord{EmailID: emailID, Reason: reason, Permanent: permanent, Date: time.Now()}
	m.bounces[emailID] = append(m.bounces[emailID], r)
	m.recorded = append(m.recorded, r)
	return nil
}

func (m *mockStore) ListActiveBounces(ctx context.Context, emailID int64) ([]db.BounceRecord, error) {
	if useMaster, ok := ctx.Value(consts.UseMasterDBKey).(bool); ok && useMaster {
		m.pinnedReads++
	}
	return m.bounces[emailID], nil
}

func (m *mockStore) GetTrackingByTrace(_ context.Context, traceID uuid.UUID) (*db.EmailTracking, error) {
	for _, t := range m.tracking {
		if t.TraceID == traceID {
			return t, nil
		}
	}
	return nil, consts.ErrDBNotFound
}

func (m *mockStore) GetLatestOpenTracking(_ context.Context, email string) (*db.EmailTracking, error) {
	for i := len(m.tracking) - 1; i >= 0; i-- {
		if m.tracking[i].Email == email && m.tracking[i].BouncedAt == nil {
			return m.tracking[i], nil
		}
	}
	return nil, consts.ErrDBNotFound
}

func (m *mockStore) MarkTrackingBounced(_ context.Context, id int64) error {
	for _, t := range m.tracking {
		if t.ID == id {
			now := time.Now()
			t.BouncedAt = &now
			return nil
		}
	}
	return consts.ErrDBNotFound
}

func dsnFor(t *testing.T, recipient, diagnostic, envelopeTo string) *mailparser.ParsedEmail {
	t.Helper()
	raw := []byte("From: MAILER-DAEMON@mx.example.com\r\n" +
		"Subject: Undelivered Mail Returned to Sender\r\n" +
		"Content-Type: multipart/report; report-type=delivery-status; boundary=\"b1\"\r\n" +
		"\r\n" +
		"--b1\r\n" +
		"Content-Type: message/delivery-status\r\n" +
		"\r\n" +
		"Final-Recipient: rfc822; " + recipient + "\r\n" +
		"Diagnostic-Code: " + diagnostic + "\r\n" +
		"--b1--\r\n")
	return mailparser.Parse(raw, "", envelopeTo, parseOpts)
}

func TestProcessBouncePermanent(t *testing.T) {
	store := newMockStore()
	store.addUser(7, 70, "gone@example.org")
	svc := NewService(store)

	p := dsnFor(t, "gone@example.org", "smtp; 550 5.1.1 user unknown", "bounce-7-1700000000@users.ilovefreegle.org")
	result, err := svc.ProcessBounce(context.Background(), p)
	if err != nil {
		t.Fatal(err)
	}
	if !result.Recorded {
		t.Error("bounce not recorded")
	}
	if len(store.recorded) != 1 || !store.recorded[0].Permanent {
		t.Errorf("recorded = %+v", store.recorded)
	}
	if !result.Suspended || !store.users[7].Bouncing {
		t.Error("one permanent bounce should suspend")
	}
}

func TestProcessBounceSuspensionReadsUsePrimary(t *testing.T) {
	store := newMockStore()
	store.addUser(7, 70, "gone@example.org")
	svc := NewService(store)

	p := dsnFor(t, "gone@example.org", "smtp; 550 5.1.1 user unknown", "bounce-7-1@users.ilovefreegle.org")
	if _, err := svc.ProcessBounce(context.Background(), p); err != nil {
		t.Fatal(err)
	}
	if store.pinnedReads == 0 {
		t.Error("suspension check read from the replica")
	}
}

func TestProcessBounceVERPWinsOverDSNRecipient(t *testing.T) {
	store := newMockStore()
	store.addUser(7, 70, "verp-owner@example.org")
	store.addUser(8, 80, "dsn-recipient@example.org")
	svc := NewService(store)

	p := dsnFor(t, "dsn-recipient@example.org", "smtp; 550 user unknown", "bounce-7-1700000000@users.ilovefreegle.org")
	if _, err := svc.ProcessBounce(context.Background(), p); err != nil {
		t.Fatal(err)
	}
	if len(store.recorded) != 1 || store.recorded[0].EmailID != 70 {
		t.Errorf("recorded against wrong mailbox: %+v", store.recorded)
	}
}

func TestProcessBounceUnknownRecipient(t *testing.T) {
	store := newMockStore()
	svc := NewService(store)

	p := dsnFor(t, "nobody@example.org", "550 user unknown", "postmaster@mx.example.com")
	_, err := svc.ProcessBounce(context.Background(), p)
	if !errors.Is(err, ErrUnknownRecipient) {
		t.Errorf("err = %v", err)
	}
}

func TestProcessBounceUnparseable(t *testing.T) {
	store := newMockStore()
	svc := NewService(store)

	raw := []byte("From: MAILER-DAEMON@mx.example.com\r\n" +
		"Subject: Delivery Status Notification\r\n" +
		"\r\n" +
		"nothing useful\r\n")
	p := mailparser.Parse(raw, "", "inbound@mx.ilovefreegle.org", parseOpts)
	_, err := svc.ProcessBounce(context.Background(), p)
	if !errors.Is(err, ErrUnparseable) {
		t.Errorf("err = %v", err)
	}
}

func TestProcessBounceIgnoredTransient(t *testing.T) {
	store := newMockStore()
	store.addUser(7, 70, "busy@example.org")
	svc := NewService(store)

	p := dsnFor(t, "busy@example.org", "smtp; 421 rate limit exceeded, try again later", "bounce-7-1@users.ilovefreegle.org")
	result, err := svc.ProcessBounce(context.Background(), p)
	if err != nil {
		t.Fatal(err)
	}
	if !result.Ignored || result.Recorded {
		t.Errorf("result = %+v", result)
	}
	if len(store.recorded) != 0 {
		t.Error("ignored bounce must record nothing")
	}
	if store.users[7].Bouncing {
		t.Error("ignored bounce must not suspend")
	}
}

func TestProcessBounceUpdatesTrackingByRecipient(t *testing.T) {
	store := newMockStore()
	store.addUser(7, 70, "gone@example.org")
	store.tracking = append(store.tracking, &db.EmailTracking{ID: 1, TraceID: uuid.New(), Email: "gone@example.org"})
	svc := NewService(store)

	p := dsnFor(t, "gone@example.org", "550 5.1.1 user unknown", "bounce-7-1@users.ilovefreegle.org")
	result, err := svc.ProcessBounce(context.Background(), p)
	if err != nil {
		t.Fatal(err)
	}
	if !result.TrackingUpdated || store.tracking[0].BouncedAt == nil {
		t.Error("tracking row not stamped")
	}
}

func TestCheckAndSuspendRules(t *testing.T) {
	now := time.Now()

	tests := []struct {
		name    string
		records []db.BounceRecord
		want    bool
	}{
		{"no bounces", nil, false},
		{"one permanent", []db.BounceRecord{{Permanent: true, Date: now}}, true},
		{"four recent soft", softRecords(4, now.Add(-time.Hour)), false},
		{"five recent soft", softRecords(5, now.Add(-time.Hour)), true},
		{"five aged soft", softRecords(5, now.Add(-15*24*time.Hour)), false},
		{"fifty aged soft", softRecords(50, now.Add(-30*24*time.Hour)), true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			store := newMockStore()
			store.addUser(1, 10, "x@example.org")
			store.bounces[10] = tc.records
			svc := NewService(store)

			suspended, err := svc.CheckAndSuspendUser(context.Background(), 1)
			if err != nil {
				t.Fatal(err)
			}
			if suspended != tc.want {
				t.Errorf("suspended = %v, want %v", suspended, tc.want)
			}
		})
	}
}

func TestCheckAndSuspendIdempotent(t *testing.T) {
	store := newMockStore()
	store.addUser(1, 10, "x@example.org")
	store.bounces[10] = []db.BounceRecord{{Permanent: true, Date: time.Now()}}
	svc := NewService(store)

	first, err := svc.CheckAndSuspendUser(context.Background(), 1)
	if err != nil || !first {
		t.Fatalf("first call: %v %v", first, err)
	}
	second, err := svc.CheckAndSuspendUser(context.Background(), 1)
	if err != nil {
		t.Fatal(err)
	}
	if second {
		t.Error("second call reported a new suspension")
	}
	if len(store.suspended) != 1 {
		t.Errorf("suspension recorded %d times", len(store.suspended))
	}
}

func softRecords(n int, date time.Time) []db.BounceRecord {
	records := make([]db.BounceRecord, n)
	for i := range records {
		records[i] = db.BounceRecord{Date: date}
	}
	return records
}
