package mailparser

import "testing"

const (
	userDomain  = "users.ilovefreegle.org"
	groupDomain = "groups.ilovefreegle.org"
)

func classify(t *testing.T, address string) *RoutedAddress {
	t.Helper()
	return ClassifyAddress(address, userDomain, groupDomain)
}

func TestClassifyNotify(t *testing.T) {
	a := classify(t, "notify-123-456@users.ilovefreegle.org")
	if a.Kind != KindNotify || a.ChatID != 123 || a.UserID != 456 || a.MessageID != 0 {
		t.Errorf("unexpected classification %+v", a)
	}

	a = classify(t, "NOTIFY-123-456-789@USERS.ilovefreegle.org")
	if a.Kind != KindNotify || a.MessageID != 789 {
		t.Errorf("case-insensitive notify with message id failed: %+v", a)
	}
}

func TestClassifyMalformedNumericFields(t *testing.T) {
	for _, addr := range []string{
		"notify-abc-456@users.ilovefreegle.org",
		"notify-123@users.ilovefreegle.org",
		"notify-123-456-x@users.ilovefreegle.org",
		"readreceipt-1-2@users.ilovefreegle.org",
		"digestoff-1@users.ilovefreegle.org",
		"digestoff-one-two@users.ilovefreegle.org",
		"handover-1@users.ilovefreegle.org",
		"unsubscribe-1-key@users.ilovefreegle.org",
	} {
		if a := classify(t, addr); a.Kind != KindUnknown {
			t.Errorf("%s: expected KindUnknown, got %+v", addr, a)
		}
	}
}

func TestClassifyReadReceipt(t *testing.T) {
	a := classify(t, "readreceipt-10-20-30@users.ilovefreegle.org")
	if a.Kind != KindReadReceipt || a.ChatID != 10 || a.UserID != 20 || a.MessageID != 30 {
		t.Errorf("unexpected classification %+v", a)
	}
}

func TestClassifyReplyTo(t *testing.T) {
	a := classify(t, "replyto-77-88@users.ilovefreegle.org")
	if a.Kind != KindReplyTo || a.MessageID != 77 || a.UserID != 88 {
		t.Errorf("unexpected classification %+v", a)
	}
}

func TestClassifyCommandAddresses(t *testing.T) {
	tests := []struct {
		addr string
		kind AddressKind
	}{
		{"digestoff-1-2@users.ilovefreegle.org", KindDigestOff},
		{"eventsoff-1-2@users.ilovefreegle.org", KindEventsOff},
		{"volunteeringoff-1-2@users.ilovefreegle.org", KindVolunteeringOff},
		{"newslettersoff-1@users.ilovefreegle.org", KindNewslettersOff},
		{"relevantoff-1@users.ilovefreegle.org", KindRelevantOff},
		{"notificationmailsoff-1@users.ilovefreegle.org", KindNotificationMailsOff},
		{"fbl@users.ilovefreegle.org", KindFeedbackLoop},
		{"bounce-42-1700000000@users.ilovefreegle.org", KindVERPBounce},
	}
	for _, tc := range tests {
		if a := classify(t, tc.addr); a.Kind != tc.kind {
			t.Errorf("%s: expected kind %d, got %+v", tc.addr, tc.kind, a)
		}
	}
}

func TestClassifyOneClickUnsubscribe(t *testing.T) {
	a := classify(t, "unsubscribe-42-s3cret-digest-weekly@users.ilovefreegle.org")
	if a.Kind != KindOneClickUnsubscribe || a.UserID != 42 || a.Key != "s3cret" || a.ListName != "digest-weekly" {
		t.Errorf("unexpected classification %+v", a)
	}
}

func TestClassifyHandover(t *testing.T) {
	a := classify(t, "handover-5-6@users.ilovefreegle.org")
	if a.Kind != KindHandover || a.TrystID != 5 || a.UserID != 6 {
		t.Errorf("unexpected classification %+v", a)
	}
}

func TestClassifyDirectUser(t *testing.T) {
	a := classify(t, "fred-bloggs-1234@users.ilovefreegle.org")
	if a.Kind != KindDirectUser || a.UserID != 1234 || a.Name != "fred-bloggs" {
		t.Errorf("unexpected classification %+v", a)
	}

	if a := classify(t, "fred@users.ilovefreegle.org"); a.Kind != KindUnknown {
		t.Errorf("bare name should be unknown, got %+v", a)
	}
}

func TestClassifyGroupAddresses(t *testing.T) {
	tests := []struct {
		addr  string
		kind  AddressKind
		group string
	}{
		{"edinburgh@groups.ilovefreegle.org", KindGroupPost, "edinburgh"},
		{"edinburgh-volunteers@groups.ilovefreegle.org", KindGroupVolunteers, "edinburgh"},
		{"edinburgh-auto@groups.ilovefreegle.org", KindGroupAuto, "edinburgh"},
		{"north-leeds-subscribe@groups.ilovefreegle.org", KindGroupSubscribe, "north-leeds"},
		{"north-leeds-unsubscribe@groups.ilovefreegle.org", KindGroupUnsubscribe, "north-leeds"},
		{"north-leeds@groups.ilovefreegle.org", KindGroupPost, "north-leeds"},
	}
	for _, tc := range tests {
		a := classify(t, tc.addr)
		if a.Kind != tc.kind || a.GroupName != tc.group {
			t.Errorf("%s: expected (%d, %q), got %+v", tc.addr, tc.kind, tc.group, a)
		}
	}
}

func TestClassifyForeignDomain(t *testing.T) {
	if a := classify(t, "someone@example.com"); a.Kind != KindUnknown {
		t.Errorf("foreign domain should be unknown, got %+v", a)
	}
	if a := classify(t, "not-an-address"); a.Kind != KindUnknown {
		t.Errorf("malformed address should be unknown, got %+v", a)
	}
}
