// Package bounce interprets Delivery Status Notifications, records bounce
// events against the affected mailbox and applies the suspension policy.
package bounce

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/freegle/inbound/mailparser"
)

// DSNInfo is what could be recovered from a delivery failure report.
type DSNInfo struct {
	Recipient  string
	Diagnostic string
	TraceID    *uuid.UUID
}

var (
	emailRe      = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	smtpCodeRe   = regexp.MustCompile(`\b(\d\.\d{1,3}\.\d{1,3}|[45]\d\d)\b`)
	traceHdrRe   = regexp.MustCompile(`(?im)^X-Freegle-Trace:\s*([0-9a-f\-]{36})\s*$`)
	failureWords = []string{"failed", "rejected", "failure", "undeliverable", "returned"}
)

// ParseDSN recovers the failed recipient and the diagnostic from a bounce.
// The machine-readable delivery-status fields take priority; when the
// reporting MTA sent free text instead, a heuristic scan of the body fills
// in what it can. Returns nil only when neither a recipient nor a
// diagnostic could be found at all.
func ParseDSN(p *mailparser.ParsedEmail) *DSNInfo {
	info := &DSNInfo{
		Recipient:  p.BounceRecipient,
		Diagnostic: p.BounceDiagnostic,
	}
	if info.Diagnostic == "" {
		info.Diagnostic = p.BounceStatus
	}

	body := p.Body()
	if body == "" {
		body = string(p.Raw)
	}

	if info.Recipient == "" {
		info.Recipient = scanRecipient(body)
	}
	if info.Diagnostic == "" {
		info.Diagnostic = scanDiagnostic(body)
	}

	if info.Recipient == "" && info.Diagnostic == "" {
		return nil
	}

	info.TraceID = extractTraceID(p)
	return info
}

// scanRecipient looks for an email address mentioned after failure phrasing,
// the way free-text bounces report "delivery to the following address
// failed: x@y".
func scanRecipient(body string) string {
	lower := strings.ToLower(body)
	start := -1
	for _, word := range failureWords {
		if i := strings.Index(lower, word); i >= 0 && (start == -1 || i < start) {
			start = i
		}
	}
	if start == -1 {
		return ""
	}
	if m := emailRe.FindString(body[start:]); m != "" {
		return strings.ToLower(m)
	}
	// Some MTAs put the address before the phrasing.
	if m := emailRe.FindString(body[:start]); m != "" {
		return strings.ToLower(m)
	}
	return ""
}

// scanDiagnostic finds an SMTP-style NNN or N.N.N code on a line carrying
// failure phrasing.
func scanDiagnostic(body string) string {
	lines := strings.Split(body, "\n")
	for _, line := range lines {
		lower := strings.ToLower(line)
		for _, word := range failureWords {
			if strings.Contains(lower, word) {
				if smtpCodeRe.MatchString(line) {
					return strings.TrimSpace(line)
				}
			}
		}
	}

	// The code often sits on its own line ("The response was: 550 ..."),
	// so when the body carries failure phrasing anywhere, take the first
	// line with an SMTP-style code.
	if !containsFailureWord(body) {
		return ""
	}
	for _, line := range lines {
		if smtpCodeRe.MatchString(line) {
			return strings.TrimSpace(line)
		}
	}
	return ""
}

func containsFailureWord(text string) bool {
	lower := strings.ToLower(text)
	for _, word := range failureWords {
		if strings.Contains(lower, word) {
			return true
		}
	}
	return false
}

// extractTraceID finds the trace header the platform stamps on outbound
// mail. Bounces usually embed the original message, so the raw bytes are
// scanned as well as the top-level headers.
func extractTraceID(p *mailparser.ParsedEmail) *uuid.UUID {
	candidate := p.Header("X-Freegle-Trace")
	if candidate == "" {
		if m := traceHdrRe.FindSubmatch(p.Raw); m != nil {
			candidate = string(m[1])
		}
	}
	if candidate == "" {
		return nil
	}
	id, err := uuid.Parse(strings.TrimSpace(candidate))
	if err != nil {
		return nil
	}
	return &id
}

var permanentPhrases = []string{
	"mailbox unavailable",
	"mailbox not found",
	"no such user",
	"user unknown",
	"invalid recipient",
	"recipient address rejected",
	"does not exist",
}

var permanentAccountRe = regexp.MustCompile(`(?i)doesn't have an? \S+ account`)

// IsPermanentBounce reports whether the diagnostic describes a hard
// failure: a 5xx / 5.x.x code or known permanent-failure phrasing.
func IsPermanentBounce(code string) bool {
	code = strings.TrimSpace(code)
	if code == "" {
		return false
	}

	if m := smtpCodeRe.FindString(code); m != "" {
		if strings.HasPrefix(m, "5") {
			return true
		}
	} else if strings.HasPrefix(code, "5") {
		return true
	}

	lower := strings.ToLower(code)
	for _, phrase := range permanentPhrases {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return permanentAccountRe.MatchString(code)
}

var ignorePhrases = []string{
	"temporarily suspended",
	"temporarily deferred",
	"temporary failure",
	"try again later",
	"rate limit",
	"too many messages",
	"greylisted",
	"blacklist",
	"blocklist",
	"spamhaus",
	"poor reputation",
	"blocked using",
}

// ShouldIgnoreBounce reports whether the diagnostic is known transient or
// reputation noise that must not count towards suspension.
func ShouldIgnoreBounce(code string) bool {
	lower := strings.ToLower(code)
	for _, phrase := range ignorePhrases {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return false
}

var verpRe = regexp.MustCompile(`(?i)^bounce-(\d+)-\d+@`)

// ExtractVERPUserID pulls the user id out of a bounce-{userId}-{timestamp}
// envelope address. Malformed forms yield no id, never an error.
func ExtractVERPUserID(address string) (int64, bool) {
	m := verpRe.FindStringSubmatch(strings.TrimSpace(address))
	if m == nil {
		return 0, false
	}
	id, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}
