package mailparser

import (
	"bytes"
	"io"
	"net/mail"
	"regexp"
	"strings"
	"time"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/k3a/html2text"

	"github.com/freegle/inbound/helpers"
	"github.com/freegle/inbound/logger"
	"github.com/freegle/inbound/pkg/metrics"
)

// Options carries the platform identity the parser needs to classify the
// envelope-to address.
type Options struct {
	UserDomain  string
	GroupDomain string
}

// Subject phrases used by common MTAs for delivery failure reports.
var dsnSubjects = []string{
	"undelivered mail returned to sender",
	"delivery status notification",
	"mail delivery failed",
}

// Parse builds a ParsedEmail from a raw message and its envelope. It never
// fails: whatever cannot be parsed is left empty.
func Parse(raw []byte, envelopeFrom, envelopeTo string, opts Options) *ParsedEmail {
	start := time.Now()
	defer func() {
		metrics.ParseDuration.Observe(time.Since(start).Seconds())
	}()
	metrics.MessageSize.Observe(float64(len(raw)))

	p := &ParsedEmail{
		Raw:          raw,
		EnvelopeFrom: strings.TrimSpace(envelopeFrom),
		EnvelopeTo:   strings.TrimSpace(envelopeTo),
		headers:      make(map[string]string),
	}

	p.Addr = ClassifyAddress(p.EnvelopeTo, opts.UserDomain, opts.GroupDomain)

	entity, err := message.Read(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		// Unparsable input: keep the envelope, classify what we can from it
		// and give up on the content.
		logger.Debug("unparsable message", "error", err, "envelope_to", helpers.MaskEmail(p.EnvelopeTo))
		p.Bounce = bounceFromEnvelope(p.EnvelopeFrom)
		return p
	}

	p.readHeaders(entity)
	p.readParts(entity)
	p.deriveBounce(entity)
	p.deriveDSNFields()

	p.AutoReply = strings.HasPrefix(strings.ToLower(p.Header("Auto-Submitted")), "auto-")
	p.SenderIP = extractSenderIP(p)

	return p
}

func (p *ParsedEmail) readHeaders(entity *message.Entity) {
	fields := entity.Header.Fields()
	for fields.Next() {
		key := strings.ToLower(fields.Key())
		if _, seen := p.headers[key]; seen {
			continue
		}
		value, err := fields.Text()
		if err != nil {
			// Undecodable encoded-word; keep the raw value.
			value = fields.Value()
		}
		p.headers[key] = value
	}

	p.Subject = helpers.SanitizeUTF8(p.Header("Subject"))
	p.MessageID = strings.Trim(p.Header("Message-Id"), "<>")

	if from := p.Header("From"); from != "" {
		if addr, err := mail.ParseAddress(from); err == nil {
			p.FromAddress = strings.ToLower(addr.Address)
			p.FromName = addr.Name
		} else {
			p.FromAddress = strings.ToLower(strings.TrimSpace(from))
		}
	}

	if to := p.Header("To"); to != "" {
		if addrs, err := mail.ParseAddressList(to); err == nil {
			for _, a := range addrs {
				p.ToAddresses = append(p.ToAddresses, strings.ToLower(a.Address))
			}
		}
	}

	if date := p.Header("Date"); date != "" {
		if t, err := mail.ParseDate(date); err == nil {
			p.Date = &t
		}
	}
}

// readParts walks the MIME structure collecting the first text/plain part,
// the first text/html part, and any attachments.
func (p *ParsedEmail) readParts(entity *message.Entity) {
	var walk func(*message.Entity)
	walk = func(e *message.Entity) {
		mediaType, _, _ := e.Header.ContentType()

		if strings.HasPrefix(mediaType, "multipart/") {
			mr := e.MultipartReader()
			if mr == nil {
				return
			}
			for {
				part, err := mr.NextPart()
				if err == io.EOF {
					break
				}
				if err != nil {
					// Tolerate truncated multiparts; keep what we have.
					logger.Debug("truncated multipart", "error", err)
					break
				}
				walk(part)
			}
			return
		}

		content, err := io.ReadAll(e.Body)
		if err != nil {
			return
		}

		disposition, dparams, _ := e.Header.ContentDisposition()
		filename := dparams["filename"]

		switch {
		case mediaType == "text/plain" && disposition != "attachment":
			if p.TextBody == "" {
				p.TextBody = helpers.SanitizeUTF8(string(content))
			}
		case mediaType == "text/html" && disposition != "attachment":
			if p.HTMLBody == "" {
				p.HTMLBody = helpers.SanitizeUTF8(string(content))
			}
		case strings.HasPrefix(mediaType, "image/") || disposition == "attachment":
			p.Attachments = append(p.Attachments, Attachment{
				Name:        filename,
				ContentType: mediaType,
				Data:        content,
			})
		}
	}

	walk(entity)

	// No text part: fall back to a text rendering of the HTML.
	if p.TextBody == "" && p.HTMLBody != "" {
		p.TextBody = html2text.HTML2Text(p.HTMLBody)
	}
}

// deriveBounce applies the three independent bounce signals. They are or'd:
// a well-formed DSN and a mailer-daemon sender both count.
func (p *ParsedEmail) deriveBounce(entity *message.Entity) {
	mediaType, params, _ := entity.Header.ContentType()
	if mediaType == "multipart/report" || mediaType == "message/delivery-status" ||
		params["report-type"] == "delivery-status" {
		p.Bounce = true
	}

	if bounceFromEnvelope(p.EnvelopeFrom) {
		p.Bounce = true
	}

	subject := strings.ToLower(p.Subject)
	for _, phrase := range dsnSubjects {
		if strings.Contains(subject, phrase) {
			p.Bounce = true
			break
		}
	}
}

func bounceFromEnvelope(envelopeFrom string) bool {
	from := strings.ToLower(strings.Trim(envelopeFrom, "<>"))
	if from == "" {
		return true
	}
	return strings.HasPrefix(from, "postmaster@") || strings.HasPrefix(from, "mailer-daemon@")
}

var (
	dsnRecipientRe  = regexp.MustCompile(`(?im)^(Original-Recipient|Final-Recipient|X-Failed-Recipients):\s*(.+)$`)
	dsnDiagnosticRe = regexp.MustCompile(`(?im)^Diagnostic-Code:\s*(.+)$`)
	dsnStatusRe     = regexp.MustCompile(`(?im)^Status:\s*(\d\.\d{1,3}\.\d{1,3})\s*$`)
)

// deriveDSNFields scans the raw message for machine-readable delivery-status
// fields. The bounce service layers heuristic fallbacks on top of these.
func (p *ParsedEmail) deriveDSNFields() {
	if !p.Bounce {
		return
	}

	text := string(p.Raw)

	// Recipient priority: Original-Recipient, then Final-Recipient, then
	// X-Failed-Recipients.
	best := -1
	priority := map[string]int{"original-recipient": 0, "final-recipient": 1, "x-failed-recipients": 2}
	for _, m := range dsnRecipientRe.FindAllStringSubmatch(text, -1) {
		rank := priority[strings.ToLower(m[1])]
		value := m[2]
		// Strip the "rfc822;" address-type prefix.
		if i := strings.LastIndex(value, ";"); i >= 0 {
			value = value[i+1:]
		}
		value = strings.ToLower(strings.TrimSpace(value))
		if value == "" || !strings.Contains(value, "@") {
			continue
		}
		if best == -1 || rank < best {
			best = rank
			p.BounceRecipient = value
		}
	}

	if m := dsnDiagnosticRe.FindStringSubmatch(text); m != nil {
		p.BounceDiagnostic = strings.TrimSpace(m[1])
	}
	if m := dsnStatusRe.FindStringSubmatch(text); m != nil {
		p.BounceStatus = m[1]
	}
}

// extractSenderIP reads the submitting client's IP from the headers added by
// the platform's web front end or the trusted feed.
func extractSenderIP(p *ParsedEmail) string {
	for _, header := range []string{"X-Freegle-IP", "X-Originating-IP"} {
		if v := p.Header(header); v != "" {
			v = strings.Trim(strings.TrimSpace(v), "[]")
			if v != "" {
				return v
			}
		}
	}
	return ""
}
