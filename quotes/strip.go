// Package quotes removes quoted previous-message text, mail-client
// signatures and platform boilerplate from reply bodies before they are
// stored as chat messages.
package quotes

import (
	"regexp"
	"strings"
)

// A transform rewrites the remaining body text. Each transform is
// idempotent, so the whole chain is too.
type transform func(string) string

// The chain runs in order; truncating transforms cut at the FIRST marker
// they find, since everything below a quote marker is quoted material.
var chain = []transform{
	normalizeSpace,
	truncateAt(originalMessageRe),
	truncateAt(wroteAttributionRe),
	dropQuotedLines,
	truncateAt(separatorRe),
	truncateAt(platformFooterRe),
	dropSignatureLines,
	dropImagePlaceholders,
	stripLoginKeys,
	collapseBlankLines,
}

// Strip returns text with quoted content and boilerplate removed. Empty
// input yields empty output; text with no quoting markers passes through
// unchanged apart from whitespace normalization.
func Strip(text string) string {
	if text == "" {
		return ""
	}
	for _, t := range chain {
		text = t(text)
	}
	return strings.TrimSpace(text)
}

var (
	// Client-specific "everything below is the previous message" banners.
	originalMessageRe = regexp.MustCompile(`(?im)^\s*-{2,}\s*(original|forwarded)\s+message\s*-{2,}\s*$`)

	// "On <date>, <someone> wrote:" only counts when it owns the line;
	// inline occurrences are part of the reply and must survive.
	wroteAttributionRe = regexp.MustCompile(`(?im)^\s*On .{0,200}?wrote:\s*$`)

	// Horizontal rules and list-service footers.
	separatorRe = regexp.MustCompile(`(?im)^\s*(-{4,}|_{4,}|={4,}|__,_\._,__)\s*$`)

	// Boilerplate the platform itself appends to outbound notifications.
	platformFooterRe = regexp.MustCompile(`(?im)^\s*(` +
		`freegle is registered as a charity.*|` +
		`you can reply to this email.*|` +
		`this message was from user #\d+.*|` +
		`unsubscribe from these (mails|emails).*` +
		`)$`)

	signatureRe = regexp.MustCompile(`(?i)^\s*(sent from my .*|sent from yahoo mail.*|get outlook for .*)$`)

	imagePlaceholderRe = regexp.MustCompile(`(?i)^\s*(\[image:?[^\]]*\]|\[cid:[^\]]*\])\s*$`)

	loginKeyRe = regexp.MustCompile(`([?&])(k|key|u)=[^&\s]+`)

	blankRunRe = regexp.MustCompile(`\n{3,}`)
)

// truncateAt cuts the text at the first match of re, keeping what came
// before it.
func truncateAt(re *regexp.Regexp) transform {
	return func(text string) string {
		if loc := re.FindStringIndex(text); loc != nil {
			return text[:loc[0]]
		}
		return text
	}
}

// dropQuotedLines removes `>` and `|` quoted lines wherever they appear.
func dropQuotedLines(text string) string {
	lines := strings.Split(text, "\n")
	kept := lines[:0]
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, ">") || strings.HasPrefix(trimmed, "|") {
			continue
		}
		kept = append(kept, line)
	}
	return strings.Join(kept, "\n")
}

func dropSignatureLines(text string) string {
	lines := strings.Split(text, "\n")
	kept := lines[:0]
	for _, line := range lines {
		if signatureRe.MatchString(line) {
			continue
		}
		kept = append(kept, line)
	}
	return strings.Join(kept, "\n")
}

func dropImagePlaceholders(text string) string {
	lines := strings.Split(text, "\n")
	kept := lines[:0]
	for _, line := range lines {
		if imagePlaceholderRe.MatchString(line) {
			continue
		}
		kept = append(kept, line)
	}
	return strings.Join(kept, "\n")
}

// stripLoginKeys removes login-key query parameters from URLs so keys are
// never echoed back into chat, keeping the rest of the URL intact.
func stripLoginKeys(text string) string {
	return loginKeyRe.ReplaceAllStringFunc(text, func(m string) string {
		if strings.HasPrefix(m, "?") {
			return "?"
		}
		return ""
	})
}

func normalizeSpace(text string) string {
	text = strings.ReplaceAll(text, " ", " ")
	text = strings.ReplaceAll(text, "\r\n", "\n")
	return text
}

func collapseBlankLines(text string) string {
	return blankRunRe.ReplaceAllString(text, "\n\n")
}
