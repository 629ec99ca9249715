package bounce

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/freegle/inbound/consts"
	"github.com/freegle/inbound/db"
	"github.com/freegle/inbound/logger"
	"github.com/freegle/inbound/mailparser"
	"github.com/freegle/inbound/pkg/metrics"
)

// Suspension policy: any one rule alone is enough to suspend a mailbox.
const (
	permanentSuspendCount = 1
	totalSuspendCount     = 50
	softSuspendCount      = 5
	softSuspendWindow     = 14 * 24 * time.Hour
)

var (
	// ErrUnparseable means no recipient and no diagnostic could be recovered.
	ErrUnparseable = errors.New("bounce: unparseable delivery status notification")
	// ErrUnknownRecipient means the failed recipient is not one of our mailboxes.
	ErrUnknownRecipient = errors.New("bounce: recipient not a known mailbox")
)

// Store is the persistence surface the bounce service needs. *db.Database
// satisfies it.
type Store interface {
	GetUserByID(ctx context.Context, id int64) (*db.User, error)
	GetEmailByAddress(ctx context.Context, address string) (*db.UserEmail, error)
	GetPreferredEmail(ctx context.Context, userID int64) (*db.UserEmail, error)
	SetUserBouncing(ctx context.Context, userID int64, bouncing bool) error
	RecordBounce(ctx context.Context, emailID int64, reason string, permanent bool) error
	ListActiveBounces(ctx context.Context, emailID int64) ([]db.BounceRecord, error)
	GetTrackingByTrace(ctx context.Context, traceID uuid.UUID) (*db.EmailTracking, error)
	GetLatestOpenTracking(ctx context.Context, email string) (*db.EmailTracking, error)
	MarkTrackingBounced(ctx context.Context, id int64) error
}

// Result reports what processing one bounce did.
type Result struct {
	Recorded        bool
	Ignored         bool
	Suspended       bool
	TrackingUpdated bool
}

// Service processes bounces against the persistence store.
type Service struct {
	store Store
	now   func() time.Time
}

func NewService(store Store) *Service {
	return &Service{store: store, now: time.Now}
}

// ProcessBounce handles one inbound bounce message. The mailbox is resolved
// from the VERP envelope address when present, else from the DSN's failed
// recipient. Transient noise is ignored without recording anything. On
// success the bounce is recorded, the suspension policy is applied, and any
// matching email-tracking row is stamped.
func (s *Service) ProcessBounce(ctx context.Context, p *mailparser.ParsedEmail) (*Result, error) {
	info := ParseDSN(p)

	var email *db.UserEmail
	var err error

	if p.Addr != nil && p.Addr.Kind == mailparser.KindVERPBounce {
		email, err = s.store.GetPreferredEmail(ctx, p.Addr.UserID)
		if err != nil {
			if errors.Is(err, consts.ErrUserNotFound) {
				metrics.BouncesProcessed.WithLabelValues("unknown_recipient").Inc()
				return nil, ErrUnknownRecipient
			}
			return nil, err
		}
	} else {
		if info == nil || info.Recipient == "" {
			metrics.BouncesProcessed.WithLabelValues("unparseable").Inc()
			return nil, ErrUnparseable
		}
		email, err = s.store.GetEmailByAddress(ctx, info.Recipient)
		if err != nil {
			if errors.Is(err, consts.ErrUserNotFound) {
				metrics.BouncesProcessed.WithLabelValues("unknown_recipient").Inc()
				return nil, ErrUnknownRecipient
			}
			return nil, err
		}
	}

	diagnostic := "delivery failure"
	if info != nil && info.Diagnostic != "" {
		diagnostic = info.Diagnostic
	}

	if ShouldIgnoreBounce(diagnostic) {
		logger.DebugContext(ctx, "ignoring transient bounce",
			"email_id", email.ID, "diagnostic", diagnostic)
		metrics.BouncesProcessed.WithLabelValues("ignored").Inc()
		return &Result{Ignored: true}, nil
	}

	permanent := IsPermanentBounce(diagnostic)
	if err := s.store.RecordBounce(ctx, email.ID, diagnostic, permanent); err != nil {
		return nil, fmt.Errorf("recording bounce for email %d: %w", email.ID, err)
	}

	class := "soft"
	if permanent {
		class = "permanent"
	}
	metrics.BouncesProcessed.WithLabelValues(class).Inc()

	result := &Result{Recorded: true}

	// The suspension check must see the bounce just recorded, which a
	// lagging replica may not have yet.
	ctx = context.WithValue(ctx, consts.UseMasterDBKey, true)

	suspended, err := s.CheckAndSuspendUser(ctx, email.UserID)
	if err != nil {
		return nil, err
	}
	result.Suspended = suspended

	result.TrackingUpdated = s.updateTracking(ctx, info, email.Email)
	return result, nil
}

// updateTracking stamps bounced_at on the tracking row this bounce belongs
// to. Trace-id lookup wins; fallback is the most recent open row for the
// recipient. Tracking is best-effort: failures are logged, never propagated.
func (s *Service) updateTracking(ctx context.Context, info *DSNInfo, recipient string) bool {
	var tracking *db.EmailTracking
	var err error

	if info != nil && info.TraceID != nil {
		tracking, err = s.store.GetTrackingByTrace(ctx, *info.TraceID)
		if err != nil && !errors.Is(err, consts.ErrDBNotFound) {
			logger.WarnContext(ctx, "tracking lookup failed", "trace_id", *info.TraceID, "error", err)
		}
	}
	if tracking == nil && recipient != "" {
		tracking, err = s.store.GetLatestOpenTracking(ctx, recipient)
		if err != nil && !errors.Is(err, consts.ErrDBNotFound) {
			logger.WarnContext(ctx, "tracking lookup failed", "recipient", recipient, "error", err)
		}
	}
	if tracking == nil || tracking.BouncedAt != nil {
		return false
	}

	if err := s.store.MarkTrackingBounced(ctx, tracking.ID); err != nil {
		logger.WarnContext(ctx, "failed to stamp tracking row", "tracking_id", tracking.ID, "error", err)
		return false
	}
	return true
}

// CheckAndSuspendUser applies the suspension policy to the user's preferred
// mailbox. Idempotent: an already-suspended user is left untouched. Returns
// whether the user is now newly suspended.
func (s *Service) CheckAndSuspendUser(ctx context.Context, userID int64) (bool, error) {
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return false, err
	}
	if user.Bouncing {
		return false, nil
	}

	email, err := s.store.GetPreferredEmail(ctx, userID)
	if err != nil {
		if errors.Is(err, consts.ErrUserNotFound) {
			return false, nil
		}
		return false, err
	}

	records, err := s.store.ListActiveBounces(ctx, email.ID)
	if err != nil {
		return false, err
	}

	if !shouldSuspend(records, s.now()) {
		return false, nil
	}

	if err := s.store.SetUserBouncing(ctx, userID, true); err != nil {
		return false, err
	}
	logger.InfoContext(ctx, "suspended bouncing mailbox",
		"user_id", userID, "email_id", email.ID, "bounce_count", len(records))
	metrics.UsersSuspended.Inc()
	return true, nil
}

func shouldSuspend(records []db.BounceRecord, now time.Time) bool {
	var permanent, recentSoft int
	cutoff := now.Add(-softSuspendWindow)

	for _, r := range records {
		if r.Permanent {
			permanent++
		} else if r.Date.After(cutoff) {
			recentSoft++
		}
	}

	return permanent >= permanentSuspendCount ||
		len(records) >= totalSuspendCount ||
		recentSoft >= softSuspendCount
}
