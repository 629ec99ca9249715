// Package mailparser turns a raw RFC822 message plus its SMTP envelope into
// an immutable ParsedEmail. Parsing is best-effort and never fails: malformed
// input yields a ParsedEmail carrying the envelope addresses and empty
// bodies, so the router always has something safe to work with.
package mailparser

import (
	"strings"
	"time"
)

// Attachment is a decoded MIME attachment. Only the fields the spam checks
// and the archiver need are kept.
type Attachment struct {
	Name        string
	ContentType string
	Data        []byte
}

// ParsedEmail is the immutable result of parsing one inbound message. It is
// created once per message by Parse, read by the routing pass and then
// discarded.
type ParsedEmail struct {
	Raw          []byte
	EnvelopeFrom string
	EnvelopeTo   string

	Subject     string
	FromAddress string
	FromName    string
	ToAddresses []string
	MessageID   string
	Date        *time.Time
	TextBody    string
	HTMLBody    string
	Attachments []Attachment

	// headers holds the first value of each top-level header, keyed by
	// lowercased name.
	headers map[string]string

	// Derived classification flags.
	Bounce    bool
	AutoReply bool

	// Derived DSN fields, populated when the message carries a
	// machine-readable delivery-status part.
	BounceRecipient  string
	BounceStatus     string
	BounceDiagnostic string

	// Envelope-to classification against the platform's address grammar.
	Addr *RoutedAddress

	SenderIP string
}

// Header returns the first value of the named header, case-insensitively.
// Missing headers yield the empty string.
func (p *ParsedEmail) Header(name string) string {
	return p.headers[strings.ToLower(name)]
}

// HasHeader reports whether the named header is present at all.
func (p *ParsedEmail) HasHeader(name string) bool {
	_, ok := p.headers[strings.ToLower(name)]
	return ok
}

// IsBounce reports whether any bounce signal matched: DSN content type,
// empty or mailer-daemon envelope sender, or known DSN subject phrasing.
func (p *ParsedEmail) IsBounce() bool {
	return p.Bounce
}

// IsAutoReply reports whether the Auto-Submitted header marks this message
// as machine-generated.
func (p *ParsedEmail) IsAutoReply() bool {
	return p.AutoReply
}

// Body returns the best text rendering of the message: the text/plain part
// when present, else the HTML part converted to text at parse time.
func (p *ParsedEmail) Body() string {
	return p.TextBody
}

// TargetGroupName returns the group the envelope-to address targets, if any.
func (p *ParsedEmail) TargetGroupName() string {
	if p.Addr == nil {
		return ""
	}
	return p.Addr.GroupName
}

// IsToVolunteers reports whether the message is addressed to a group's
// volunteer team.
func (p *ParsedEmail) IsToVolunteers() bool {
	return p.Addr != nil && p.Addr.Kind == KindGroupVolunteers
}

// IsToAuto reports whether the message is addressed to a group's auto
// address.
func (p *ParsedEmail) IsToAuto() bool {
	return p.Addr != nil && p.Addr.Kind == KindGroupAuto
}
