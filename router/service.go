// Package router sequences the routing decision chain for one inbound
// message: auto-reply and self-send screening, bounce handling, system
// command addresses, chat and tryst replies, and group-post moderation and
// spam evaluation. Each message gets exactly one Outcome; unresolvable
// references resolve to Dropped, never an error. Errors are reserved for
// persistence failures the caller must retry.
package router

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/freegle/inbound/bounce"
	"github.com/freegle/inbound/consts"
	"github.com/freegle/inbound/db"
	"github.com/freegle/inbound/helpers"
	"github.com/freegle/inbound/logger"
	"github.com/freegle/inbound/mailparser"
	"github.com/freegle/inbound/pkg/metrics"
	"github.com/freegle/inbound/quotes"
	"github.com/freegle/inbound/spam"
	"github.com/freegle/inbound/storage"
)

// A chat with no activity for this long only accepts replies from senders
// the recipient already knows.
const staleChatAge = 90 * 24 * time.Hour

// Store is the persistence surface the router needs. *db.Database
// satisfies it.
type Store interface {
	GetUserByID(ctx context.Context, id int64) (*db.User, error)
	GetEmailByAddress(ctx context.Context, address string) (*db.UserEmail, error)
	HasLoginCredential(ctx context.Context, userID int64, key string) (bool, error)
	SetUserMailSetting(ctx context.Context, userID int64, setting string, allowed bool) error
	SenderKnownToUser(ctx context.Context, recipientUserID int64, senderEmail string) (bool, error)

	GetGroupByName(ctx context.Context, name string) (*db.Group, error)
	GetMembership(ctx context.Context, userID, groupID int64) (*db.Membership, error)
	AddMembership(ctx context.Context, userID, groupID int64) error
	RemoveMembership(ctx context.Context, userID, groupID int64) error
	SetMembershipMailSetting(ctx context.Context, userID, groupID int64, setting string, allowed bool) error

	GetChatByID(ctx context.Context, id int64) (*db.ChatRoom, error)
	GetChatMessage(ctx context.Context, chatID, messageID int64) (*db.ChatMessage, error)
	GetChatMessageByID(ctx context.Context, messageID int64) (*db.ChatMessage, error)
	GetOrCreateDirectChat(ctx context.Context, user1, user2 int64) (*db.ChatRoom, error)
	AppendChatMessage(ctx context.Context, chatID, userID int64, text string) (int64, error)
	MarkChatMessageSeen(ctx context.Context, chatID, messageID int64) error
	RecordChatImage(ctx context.Context, chatMessageID int64, contentHash string) error

	GetTrystByID(ctx context.Context, id int64) (*db.Tryst, error)
	RecordHistory(ctx context.Context, e *db.HistoryEntry) error
}

// BounceProcessor handles DSN messages.
type BounceProcessor interface {
	ProcessBounce(ctx context.Context, p *mailparser.ParsedEmail) (*bounce.Result, error)
}

// SpamChecker runs the spam and review heuristics over group posts.
type SpamChecker interface {
	CheckMessage(ctx context.Context, p *mailparser.ParsedEmail) (*spam.Result, error)
	HasWorryWord(ctx context.Context, text string) (string, bool, error)
	IsSpammerListed(ctx context.Context, userID int64) (bool, error)
}

// NoticeSender delivers out-of-band notices, such as posting rejections.
type NoticeSender interface {
	SendRejectionNotice(ctx context.Context, to, groupName, reason string) error
}

// Archiver stores attachments out of band.
type Archiver interface {
	ArchiveAttachments(ctx context.Context, p *mailparser.ParsedEmail) []storage.Archived
}

type Service struct {
	store    Store
	bounces  BounceProcessor
	spam     SpamChecker
	notifier NoticeSender
	archiver Archiver
	now      func() time.Time
}

func NewService(store Store, bounces BounceProcessor, checker SpamChecker, notifier NoticeSender, archiver Archiver) *Service {
	return &Service{
		store:    store,
		bounces:  bounces,
		spam:     checker,
		notifier: notifier,
		archiver: archiver,
		now:      time.Now,
	}
}

// Route decides what happens to one parsed message. The stages run in
// order and the first match wins. An error is returned only when the
// message could not be durably recorded; every other failure resolves to
// Dropped.
func (s *Service) Route(ctx context.Context, p *mailparser.ParsedEmail) (Outcome, error) {
	start := time.Now()
	outcome, err := s.route(ctx, p)
	if err != nil {
		return outcome, err
	}

	metrics.MessagesRouted.WithLabelValues(string(outcome)).Inc()
	metrics.RouteDuration.WithLabelValues(string(outcome)).Observe(time.Since(start).Seconds())
	logger.InfoContext(ctx, "routed message",
		"outcome", outcome,
		"envelope_to", helpers.MaskEmail(p.EnvelopeTo),
		"from", helpers.MaskEmail(p.EnvelopeFrom))
	return outcome, nil
}

func (s *Service) route(ctx context.Context, p *mailparser.ParsedEmail) (Outcome, error) {
	if p.IsAutoReply() {
		return Dropped, nil
	}

	if s.isSelfSend(p) {
		return Dropped, nil
	}

	if p.IsBounce() {
		// Bounces are never delivered as content, whatever processing says.
		if _, err := s.bounces.ProcessBounce(ctx, p); err != nil {
			logger.WarnContext(ctx, "bounce processing failed",
				"error", err, "envelope_to", helpers.MaskEmail(p.EnvelopeTo))
		}
		return Dropped, nil
	}

	if p.Addr == nil {
		return Dropped, nil
	}

	switch p.Addr.Kind {
	case mailparser.KindVERPBounce:
		// VERP-addressed mail is a bounce even when it carries none of the
		// usual DSN signals.
		if _, err := s.bounces.ProcessBounce(ctx, p); err != nil {
			logger.WarnContext(ctx, "bounce processing failed",
				"error", err, "envelope_to", helpers.MaskEmail(p.EnvelopeTo))
		}
		return Dropped, nil

	case mailparser.KindDigestOff:
		return s.membershipCommand(ctx, p.Addr, "digest")
	case mailparser.KindEventsOff:
		return s.membershipCommand(ctx, p.Addr, "events")
	case mailparser.KindVolunteeringOff:
		return s.membershipCommand(ctx, p.Addr, "volunteering")
	case mailparser.KindNewslettersOff:
		return s.userCommand(ctx, p.Addr, "newsletters")
	case mailparser.KindRelevantOff:
		return s.userCommand(ctx, p.Addr, "relevant")
	case mailparser.KindNotificationMailsOff:
		return s.userCommand(ctx, p.Addr, "notifications")
	case mailparser.KindOneClickUnsubscribe:
		return s.oneClickUnsubscribe(ctx, p.Addr)
	case mailparser.KindFeedbackLoop:
		logger.InfoContext(ctx, "feedback loop complaint",
			"from", helpers.MaskEmail(p.EnvelopeFrom), "subject", p.Subject)
		return ToSystem, nil
	case mailparser.KindGroupSubscribe:
		return s.groupSubscribe(ctx, p)
	case mailparser.KindGroupUnsubscribe:
		return s.groupUnsubscribe(ctx, p)

	case mailparser.KindHandover:
		return s.handover(ctx, p.Addr)

	case mailparser.KindReadReceipt:
		return s.readReceipt(ctx, p.Addr)
	case mailparser.KindNotify:
		return s.chatReply(ctx, p)
	case mailparser.KindReplyTo:
		return s.replyToMessage(ctx, p)
	case mailparser.KindDirectUser:
		return s.directUserMail(ctx, p)

	case mailparser.KindGroupVolunteers, mailparser.KindGroupAuto:
		return s.volunteersMail(ctx, p)
	case mailparser.KindGroupPost:
		return s.groupPost(ctx, p)
	}

	return Dropped, nil
}

// isSelfSend catches mail a user sends to their own address, which loops
// otherwise. Only the envelope recipient counts: a sender who CCs
// themselves on a group post is still posting to the group.
func (s *Service) isSelfSend(p *mailparser.ParsedEmail) bool {
	from := p.FromAddress
	if from == "" {
		from = p.EnvelopeFrom
	}
	if from == "" {
		return false
	}
	return strings.EqualFold(from, p.EnvelopeTo)
}

// membershipCommand handles {setting}off-{userId}-{groupId} addresses.
func (s *Service) membershipCommand(ctx context.Context, addr *mailparser.RoutedAddress, setting string) (Outcome, error) {
	err := s.store.SetMembershipMailSetting(ctx, addr.UserID, addr.GroupID, setting, false)
	if err != nil {
		if errors.Is(err, consts.ErrMembershipNotFound) {
			return Dropped, nil
		}
		return Dropped, fmt.Errorf("membership command %s: %w", setting, err)
	}
	return ToSystem, nil
}

// userCommand handles {setting}off-{userId} addresses.
func (s *Service) userCommand(ctx context.Context, addr *mailparser.RoutedAddress, setting string) (Outcome, error) {
	err := s.store.SetUserMailSetting(ctx, addr.UserID, setting, false)
	if err != nil {
		if errors.Is(err, consts.ErrUserNotFound) {
			return Dropped, nil
		}
		return Dropped, fmt.Errorf("user command %s: %w", setting, err)
	}
	return ToSystem, nil
}

// oneClickUnsubscribe requires the embedded key to match a stored login
// credential exactly before acting.
func (s *Service) oneClickUnsubscribe(ctx context.Context, addr *mailparser.RoutedAddress) (Outcome, error) {
	if _, err := s.store.GetUserByID(ctx, addr.UserID); err != nil {
		if errors.Is(err, consts.ErrUserNotFound) {
			return Dropped, nil
		}
		return Dropped, fmt.Errorf("one-click unsubscribe: %w", err)
	}

	ok, err := s.store.HasLoginCredential(ctx, addr.UserID, addr.Key)
	if err != nil {
		return Dropped, fmt.Errorf("one-click unsubscribe: %w", err)
	}
	if !ok {
		return Dropped, nil
	}

	if setting := listNameSetting(addr.ListName); setting != "" {
		if err := s.store.SetUserMailSetting(ctx, addr.UserID, setting, false); err != nil &&
			!errors.Is(err, consts.ErrUserNotFound) {
			return Dropped, fmt.Errorf("one-click unsubscribe: %w", err)
		}
	}
	return ToSystem, nil
}

// listNameSetting maps a one-click list name onto a per-user mail stream.
// Unrecognised lists still unsubscribe, handled downstream by list name.
func listNameSetting(listName string) string {
	lower := strings.ToLower(listName)
	switch {
	case strings.Contains(lower, "newsletter"):
		return "newsletters"
	case strings.Contains(lower, "relevant"):
		return "relevant"
	case strings.Contains(lower, "notification"):
		return "notifications"
	}
	return ""
}

func (s *Service) groupSubscribe(ctx context.Context, p *mailparser.ParsedEmail) (Outcome, error) {
	sender, group, outcome, err := s.resolveSenderAndGroup(ctx, p)
	if outcome != "" || err != nil {
		return outcome, err
	}
	if err := s.store.AddMembership(ctx, sender.UserID, group.ID); err != nil {
		return Dropped, fmt.Errorf("subscribe: %w", err)
	}
	return ToSystem, nil
}

func (s *Service) groupUnsubscribe(ctx context.Context, p *mailparser.ParsedEmail) (Outcome, error) {
	sender, group, outcome, err := s.resolveSenderAndGroup(ctx, p)
	if outcome != "" || err != nil {
		return outcome, err
	}
	if err := s.store.RemoveMembership(ctx, sender.UserID, group.ID); err != nil {
		if errors.Is(err, consts.ErrMembershipNotFound) {
			return Dropped, nil
		}
		return Dropped, fmt.Errorf("unsubscribe: %w", err)
	}
	return ToSystem, nil
}

// resolveSenderAndGroup returns a non-empty outcome when either reference
// is unresolvable.
func (s *Service) resolveSenderAndGroup(ctx context.Context, p *mailparser.ParsedEmail) (*db.UserEmail, *db.Group, Outcome, error) {
	sender, err := s.store.GetEmailByAddress(ctx, p.EnvelopeFrom)
	if err != nil {
		if errors.Is(err, consts.ErrUserNotFound) {
			return nil, nil, Dropped, nil
		}
		return nil, nil, Dropped, fmt.Errorf("resolving sender: %w", err)
	}
	group, err := s.store.GetGroupByName(ctx, p.Addr.GroupName)
	if err != nil {
		if errors.Is(err, consts.ErrGroupNotFound) {
			return nil, nil, Dropped, nil
		}
		return nil, nil, Dropped, fmt.Errorf("resolving group: %w", err)
	}
	return sender, group, "", nil
}

// handover accepts calendar replies for an existing arrangement the user
// is party to.
func (s *Service) handover(ctx context.Context, addr *mailparser.RoutedAddress) (Outcome, error) {
	tryst, err := s.store.GetTrystByID(ctx, addr.TrystID)
	if err != nil {
		if errors.Is(err, consts.ErrTrystNotFound) {
			return Dropped, nil
		}
		return Dropped, fmt.Errorf("resolving tryst: %w", err)
	}
	if !tryst.HasParticipant(addr.UserID) {
		return Dropped, nil
	}
	return Tryst, nil
}

// readReceipt updates an existing message's seen state; no new content is
// created.
func (s *Service) readReceipt(ctx context.Context, addr *mailparser.RoutedAddress) (Outcome, error) {
	if _, err := s.store.GetChatMessage(ctx, addr.ChatID, addr.MessageID); err != nil {
		if errors.Is(err, consts.ErrChatMessageMissing) || errors.Is(err, consts.ErrChatNotFound) {
			return Dropped, nil
		}
		return Dropped, fmt.Errorf("resolving receipt target: %w", err)
	}
	if err := s.store.MarkChatMessageSeen(ctx, addr.ChatID, addr.MessageID); err != nil {
		if errors.Is(err, consts.ErrChatMessageMissing) {
			return Dropped, nil
		}
		return Dropped, fmt.Errorf("marking message seen: %w", err)
	}
	return Receipt, nil
}

// chatReply handles notify-{chatId}-{chatUserId} replies.
func (s *Service) chatReply(ctx context.Context, p *mailparser.ParsedEmail) (Outcome, error) {
	chat, err := s.store.GetChatByID(ctx, p.Addr.ChatID)
	if err != nil {
		if errors.Is(err, consts.ErrChatNotFound) {
			return Dropped, nil
		}
		return Dropped, fmt.Errorf("resolving chat: %w", err)
	}
	if !chat.HasParticipant(p.Addr.UserID) {
		return Dropped, nil
	}
	return s.deliverToChat(ctx, p, chat, p.Addr.UserID)
}

// replyToMessage handles replyto-{msgId}-{userId}: the chat is resolved
// from the referenced message.
func (s *Service) replyToMessage(ctx context.Context, p *mailparser.ParsedEmail) (Outcome, error) {
	msg, err := s.store.GetChatMessageByID(ctx, p.Addr.MessageID)
	if err != nil {
		if errors.Is(err, consts.ErrChatMessageMissing) {
			return Dropped, nil
		}
		return Dropped, fmt.Errorf("resolving replied-to message: %w", err)
	}
	chat, err := s.store.GetChatByID(ctx, msg.ChatID)
	if err != nil {
		if errors.Is(err, consts.ErrChatNotFound) {
			return Dropped, nil
		}
		return Dropped, fmt.Errorf("resolving chat: %w", err)
	}
	if !chat.HasParticipant(p.Addr.UserID) {
		return Dropped, nil
	}
	return s.deliverToChat(ctx, p, chat, p.Addr.UserID)
}

// directUserMail handles the generic {name}-{userId} address by finding or
// creating the user-to-user chat between sender and target.
func (s *Service) directUserMail(ctx context.Context, p *mailparser.ParsedEmail) (Outcome, error) {
	if _, err := s.store.GetUserByID(ctx, p.Addr.UserID); err != nil {
		if errors.Is(err, consts.ErrUserNotFound) {
			return Dropped, nil
		}
		return Dropped, fmt.Errorf("resolving target user: %w", err)
	}

	sender, err := s.store.GetEmailByAddress(ctx, p.EnvelopeFrom)
	if err != nil {
		if errors.Is(err, consts.ErrUserNotFound) {
			return Dropped, nil
		}
		return Dropped, fmt.Errorf("resolving sender: %w", err)
	}
	if sender.UserID == p.Addr.UserID {
		return Dropped, nil
	}

	chat, err := s.store.GetOrCreateDirectChat(ctx, sender.UserID, p.Addr.UserID)
	if err != nil {
		return Dropped, fmt.Errorf("resolving direct chat: %w", err)
	}
	return s.deliverToChat(ctx, p, chat, sender.UserID)
}

// deliverToChat appends the stripped reply body as a new chat message.
// Stale chats only accept mail from senders the recipient already knows.
func (s *Service) deliverToChat(ctx context.Context, p *mailparser.ParsedEmail, chat *db.ChatRoom, asUserID int64) (Outcome, error) {
	if s.isStale(chat) {
		recipient, ok := chat.OtherUser(asUserID)
		if ok {
			known, err := s.store.SenderKnownToUser(ctx, recipient, p.EnvelopeFrom)
			if err != nil {
				return Dropped, fmt.Errorf("checking sender familiarity: %w", err)
			}
			if !known {
				logger.DebugContext(ctx, "dropping reply to stale chat",
					"chat_id", chat.ID, "from", helpers.MaskEmail(p.EnvelopeFrom))
				return Dropped, nil
			}
		}
	}

	text := quotes.Strip(p.Body())
	if text == "" {
		return Dropped, nil
	}

	messageID, err := s.store.AppendChatMessage(ctx, chat.ID, asUserID, text)
	if err != nil {
		return Dropped, fmt.Errorf("appending chat message: %w", err)
	}

	for _, archived := range s.archiveAttachments(ctx, p) {
		if err := s.store.RecordChatImage(ctx, messageID, archived.ContentHash); err != nil {
			logger.WarnContext(ctx, "failed to record chat image", "error", err)
		}
	}
	return ToUser, nil
}

func (s *Service) isStale(chat *db.ChatRoom) bool {
	return chat.LatestMessage != nil && s.now().Sub(*chat.LatestMessage) > staleChatAge
}

func (s *Service) archiveAttachments(ctx context.Context, p *mailparser.ParsedEmail) []storage.Archived {
	if s.archiver == nil {
		return nil
	}
	return s.archiver.ArchiveAttachments(ctx, p)
}

// volunteersMail goes to the group's volunteer team whenever the group
// exists, regardless of sender membership.
func (s *Service) volunteersMail(ctx context.Context, p *mailparser.ParsedEmail) (Outcome, error) {
	group, err := s.store.GetGroupByName(ctx, p.Addr.GroupName)
	if err != nil {
		if errors.Is(err, consts.ErrGroupNotFound) {
			return Dropped, nil
		}
		return Dropped, fmt.Errorf("resolving group: %w", err)
	}

	if err := s.recordHistory(ctx, p, group.ID, nil, true); err != nil {
		return Dropped, err
	}
	return ToVolunteers, nil
}

// groupPost runs the moderation and spam chain for a plain group posting
// address.
func (s *Service) groupPost(ctx context.Context, p *mailparser.ParsedEmail) (Outcome, error) {
	group, err := s.store.GetGroupByName(ctx, p.Addr.GroupName)
	if err != nil {
		if errors.Is(err, consts.ErrGroupNotFound) {
			return Dropped, nil
		}
		return Dropped, fmt.Errorf("resolving group: %w", err)
	}

	sender, err := s.store.GetEmailByAddress(ctx, p.EnvelopeFrom)
	if err != nil {
		if errors.Is(err, consts.ErrUserNotFound) {
			s.sendRejection(ctx, p, group.NameShort, rejectionNotMember)
			return Dropped, nil
		}
		return Dropped, fmt.Errorf("resolving sender: %w", err)
	}

	membership, err := s.store.GetMembership(ctx, sender.UserID, group.ID)
	if err != nil {
		if errors.Is(err, consts.ErrMembershipNotFound) {
			s.sendRejection(ctx, p, group.NameShort, rejectionNotMember)
			return Dropped, nil
		}
		return Dropped, fmt.Errorf("resolving membership: %w", err)
	}
	if membership.Collection != db.CollectionApproved {
		s.sendRejection(ctx, p, group.NameShort, rejectionNotApproved)
		return Dropped, nil
	}
	if membership.PostingStatus != nil && *membership.PostingStatus == db.PostingProhibit {
		logger.InfoContext(ctx, "dropping post from prohibited member",
			"user_id", sender.UserID, "group", group.NameShort)
		return Dropped, nil
	}

	user, err := s.store.GetUserByID(ctx, sender.UserID)
	if err != nil {
		if errors.Is(err, consts.ErrUserNotFound) {
			return Dropped, nil
		}
		return Dropped, fmt.Errorf("resolving user: %w", err)
	}

	if err := s.recordHistory(ctx, p, group.ID, &sender.UserID, false); err != nil {
		return Dropped, err
	}
	s.archiveAttachments(ctx, p)

	held, err := s.shouldHold(ctx, p, group, membership, user)
	if err != nil {
		return Dropped, err
	}
	if held {
		return Pending, nil
	}

	result, err := s.spam.CheckMessage(ctx, p)
	if err != nil {
		return Dropped, fmt.Errorf("spam check: %w", err)
	}
	if result != nil {
		return IncomingSpam, nil
	}

	listed, err := s.spam.IsSpammerListed(ctx, sender.UserID)
	if err != nil {
		return Dropped, fmt.Errorf("spammer list check: %w", err)
	}
	if listed {
		return Dropped, nil
	}

	return Approved, nil
}

// shouldHold collects the conditions that force a post into moderation.
// Moderator and owner posts are always held so a slip of the finger never
// auto-publishes.
func (s *Service) shouldHold(ctx context.Context, p *mailparser.ParsedEmail, group *db.Group, membership *db.Membership, user *db.User) (bool, error) {
	if user.LastLocation == nil {
		return true, nil
	}

	if _, found, err := s.spam.HasWorryWord(ctx, p.Subject+"\n"+p.Body()); err != nil {
		return false, fmt.Errorf("worry word check: %w", err)
	} else if found {
		return true, nil
	}

	if group.Moderated || group.OverrideModeration == db.ModerationModerateAll {
		return true, nil
	}

	if membership.PostingStatus == nil || *membership.PostingStatus == db.PostingModerated {
		return true, nil
	}

	if membership.Role == db.RoleModerator || membership.Role == db.RoleOwner {
		return true, nil
	}

	return false, nil
}

func (s *Service) recordHistory(ctx context.Context, p *mailparser.ParsedEmail, groupID int64, userID *int64, toVolunteers bool) error {
	entry := &db.HistoryEntry{
		GroupID:       groupID,
		UserID:        userID,
		EnvelopeFrom:  strings.ToLower(p.EnvelopeFrom),
		FromIP:        p.SenderIP,
		Subject:       p.Subject,
		PrunedSubject: spam.PruneSubject(p.Subject),
		ToVolunteers:  toVolunteers,
	}
	if err := s.store.RecordHistory(ctx, entry); err != nil {
		return fmt.Errorf("recording history: %w", err)
	}
	return nil
}

const (
	rejectionNotMember   = "You are not a member of this community, so your message was not accepted."
	rejectionNotApproved = "Your membership of this community has not been approved yet, so your message was not accepted."
)

func (s *Service) sendRejection(ctx context.Context, p *mailparser.ParsedEmail, groupName, reason string) {
	if s.notifier == nil || p.EnvelopeFrom == "" {
		return
	}
	if err := s.notifier.SendRejectionNotice(ctx, p.EnvelopeFrom, groupName, reason); err != nil {
		logger.WarnContext(ctx, "failed to send rejection notice",
			"to", helpers.MaskEmail(p.EnvelopeFrom), "error", err)
	}
}
