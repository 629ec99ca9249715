package mailparser

import (
	"strconv"
	"strings"

	"github.com/freegle/inbound/helpers"
)

// AddressKind classifies an envelope-to address against the platform's
// address grammar.
type AddressKind int

const (
	KindUnknown AddressKind = iota

	// User-domain patterns.
	KindNotify               // notify-{chatId}-{chatUserId}[-{chatMessageId}]
	KindReadReceipt          // readreceipt-{chatId}-{userId}-{msgId}
	KindReplyTo              // replyto-{msgId}-{userId}
	KindDigestOff            // digestoff-{userId}-{groupId}
	KindEventsOff            // eventsoff-{userId}-{groupId}
	KindNewslettersOff       // newslettersoff-{userId}
	KindRelevantOff          // relevantoff-{userId}
	KindVolunteeringOff      // volunteeringoff-{userId}-{groupId}
	KindNotificationMailsOff // notificationmailsoff-{userId}
	KindOneClickUnsubscribe  // unsubscribe-{userId}-{key}-{listname}
	KindHandover             // handover-{trystId}-{userId}
	KindFeedbackLoop         // fbl
	KindVERPBounce           // bounce-{userId}-{timestamp}
	KindDirectUser           // {name}-{userId}

	// Group-domain patterns.
	KindGroupPost        // {groupname}
	KindGroupVolunteers  // {groupname}-volunteers
	KindGroupAuto        // {groupname}-auto
	KindGroupSubscribe   // {groupname}-subscribe
	KindGroupUnsubscribe // {groupname}-unsubscribe
)

var kindNames = map[AddressKind]string{
	KindUnknown:              "unknown",
	KindNotify:               "notify",
	KindReadReceipt:          "readreceipt",
	KindReplyTo:              "replyto",
	KindDigestOff:            "digestoff",
	KindEventsOff:            "eventsoff",
	KindNewslettersOff:       "newslettersoff",
	KindRelevantOff:          "relevantoff",
	KindVolunteeringOff:      "volunteeringoff",
	KindNotificationMailsOff: "notificationmailsoff",
	KindOneClickUnsubscribe:  "unsubscribe",
	KindHandover:             "handover",
	KindFeedbackLoop:         "fbl",
	KindVERPBounce:           "verp-bounce",
	KindDirectUser:           "direct-user",
	KindGroupPost:            "group-post",
	KindGroupVolunteers:      "group-volunteers",
	KindGroupAuto:            "group-auto",
	KindGroupSubscribe:       "group-subscribe",
	KindGroupUnsubscribe:     "group-unsubscribe",
}

func (k AddressKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// RoutedAddress is the decoded form of an envelope-to address. Only the
// fields relevant to the Kind are set.
type RoutedAddress struct {
	Kind AddressKind

	ChatID    int64
	UserID    int64
	MessageID int64
	GroupID   int64
	TrystID   int64

	Key      string
	ListName string

	GroupName string
	Name      string
}

// ClassifyAddress decodes an address against the user and group domains.
// All matching is case-insensitive; numeric fields are unsigned integers.
// Anything malformed or unrecognised comes back as KindUnknown, never an
// error: the router drops unknown addresses.
func ClassifyAddress(address, userDomain, groupDomain string) *RoutedAddress {
	local, domain, ok := helpers.SplitEmailAddress(address)
	if !ok {
		return &RoutedAddress{Kind: KindUnknown}
	}

	switch domain {
	case strings.ToLower(userDomain):
		return classifyUserAddress(local)
	case strings.ToLower(groupDomain):
		return classifyGroupAddress(local)
	}
	return &RoutedAddress{Kind: KindUnknown}
}

func classifyUserAddress(local string) *RoutedAddress {
	parts := strings.Split(local, "-")

	switch parts[0] {
	case "notify":
		// notify-{chatId}-{chatUserId}[-{chatMessageId}]
		if len(parts) == 3 || len(parts) == 4 {
			chatID, ok1 := parseID(parts[1])
			userID, ok2 := parseID(parts[2])
			if ok1 && ok2 {
				a := &RoutedAddress{Kind: KindNotify, ChatID: chatID, UserID: userID}
				if len(parts) == 4 {
					msgID, ok := parseID(parts[3])
					if !ok {
						return &RoutedAddress{Kind: KindUnknown}
					}
					a.MessageID = msgID
				}
				return a
			}
		}

	case "readreceipt":
		if len(parts) == 4 {
			chatID, ok1 := parseID(parts[1])
			userID, ok2 := parseID(parts[2])
			msgID, ok3 := parseID(parts[3])
			if ok1 && ok2 && ok3 {
				return &RoutedAddress{Kind: KindReadReceipt, ChatID: chatID, UserID: userID, MessageID: msgID}
			}
		}

	case "replyto":
		if len(parts) == 3 {
			msgID, ok1 := parseID(parts[1])
			userID, ok2 := parseID(parts[2])
			if ok1 && ok2 {
				return &RoutedAddress{Kind: KindReplyTo, MessageID: msgID, UserID: userID}
			}
		}

	case "digestoff":
		return userGroupPattern(parts, KindDigestOff)

	case "eventsoff":
		return userGroupPattern(parts, KindEventsOff)

	case "volunteeringoff":
		return userGroupPattern(parts, KindVolunteeringOff)

	case "newslettersoff":
		return userOnlyPattern(parts, KindNewslettersOff)

	case "relevantoff":
		return userOnlyPattern(parts, KindRelevantOff)

	case "notificationmailsoff":
		return userOnlyPattern(parts, KindNotificationMailsOff)

	case "unsubscribe":
		// unsubscribe-{userId}-{key}-{listname}; the list name may itself
		// contain hyphens.
		if len(parts) >= 4 {
			userID, ok := parseID(parts[1])
			if ok && parts[2] != "" {
				return &RoutedAddress{
					Kind:     KindOneClickUnsubscribe,
					UserID:   userID,
					Key:      parts[2],
					ListName: strings.Join(parts[3:], "-"),
				}
			}
		}

	case "handover":
		if len(parts) == 3 {
			trystID, ok1 := parseID(parts[1])
			userID, ok2 := parseID(parts[2])
			if ok1 && ok2 {
				return &RoutedAddress{Kind: KindHandover, TrystID: trystID, UserID: userID}
			}
		}

	case "fbl":
		if len(parts) == 1 {
			return &RoutedAddress{Kind: KindFeedbackLoop}
		}

	case "bounce":
		// VERP: bounce-{userId}-{timestamp}
		if len(parts) == 3 {
			userID, ok1 := parseID(parts[1])
			_, ok2 := parseID(parts[2])
			if ok1 && ok2 {
				return &RoutedAddress{Kind: KindVERPBounce, UserID: userID}
			}
		}

	default:
		// Generic direct-to-user address: {name}-{userId}.
		if len(parts) >= 2 {
			if userID, ok := parseID(parts[len(parts)-1]); ok {
				return &RoutedAddress{
					Kind:   KindDirectUser,
					UserID: userID,
					Name:   strings.Join(parts[:len(parts)-1], "-"),
				}
			}
		}
	}

	return &RoutedAddress{Kind: KindUnknown}
}

func classifyGroupAddress(local string) *RoutedAddress {
	if local == "" {
		return &RoutedAddress{Kind: KindUnknown}
	}

	suffixes := []struct {
		suffix string
		kind   AddressKind
	}{
		{"-volunteers", KindGroupVolunteers},
		{"-auto", KindGroupAuto},
		{"-subscribe", KindGroupSubscribe},
		{"-unsubscribe", KindGroupUnsubscribe},
	}

	for _, s := range suffixes {
		if strings.HasSuffix(local, s.suffix) {
			name := strings.TrimSuffix(local, s.suffix)
			if name == "" {
				return &RoutedAddress{Kind: KindUnknown}
			}
			return &RoutedAddress{Kind: s.kind, GroupName: name}
		}
	}

	return &RoutedAddress{Kind: KindGroupPost, GroupName: local}
}

func userGroupPattern(parts []string, kind AddressKind) *RoutedAddress {
	if len(parts) == 3 {
		userID, ok1 := parseID(parts[1])
		groupID, ok2 := parseID(parts[2])
		if ok1 && ok2 {
			return &RoutedAddress{Kind: kind, UserID: userID, GroupID: groupID}
		}
	}
	return &RoutedAddress{Kind: KindUnknown}
}

func userOnlyPattern(parts []string, kind AddressKind) *RoutedAddress {
	if len(parts) == 2 {
		if userID, ok := parseID(parts[1]); ok {
			return &RoutedAddress{Kind: kind, UserID: userID}
		}
	}
	return &RoutedAddress{Kind: KindUnknown}
}

func parseID(s string) (int64, bool) {
	if s == "" {
		return 0, false
	}
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id < 0 {
		return 0, false
	}
	return id, true
}
