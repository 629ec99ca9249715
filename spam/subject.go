package spam

import (
	"regexp"
	"strings"
)

// Leading post-type tokens, including the misspellings members actually
// type. Matched case-insensitively with optional punctuation after.
var typeTokenRe = regexp.MustCompile(`(?i)^\s*(offer+ed?|of+er|offers|wanted|wan?te?d|wnted|taken|received|recieved|request(ed)?)\b[:\-\s]*`)

var trailingLocationRe = regexp.MustCompile(`\s*\([^()]*\)\s*$`)

// PruneSubject strips the leading post-type token and the trailing
// parenthesised location, yielding the key used for reuse detection.
// Subjects without either pass through unchanged.
func PruneSubject(subject string) string {
	s := typeTokenRe.ReplaceAllString(subject, "")
	s = trailingLocationRe.ReplaceAllString(s, "")
	return strings.TrimSpace(s)
}

// IsStandardSubject reports whether the subject starts with a recognised
// post-type token. Standard posts skip the external scorer.
func IsStandardSubject(subject string) bool {
	return typeTokenRe.MatchString(subject)
}
