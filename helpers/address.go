package helpers

import "strings"

// SplitEmailAddress splits an email address into its lowercased local part and
// domain. The second return value is false when the input is not a plausible
// address (no @, or empty local part / domain).
func SplitEmailAddress(email string) (string, string, bool) {
	email = strings.ToLower(strings.TrimSpace(email))
	at := strings.LastIndex(email, "@")
	if at <= 0 || at == len(email)-1 {
		return "", "", false
	}
	return email[:at], email[at+1:], true
}

// MaskEmail redacts the local part of an address for logging, keeping the
// first character and the domain so operators can still correlate entries.
func MaskEmail(email string) string {
	local, domain, ok := SplitEmailAddress(email)
	if !ok {
		return "[invalid]"
	}
	if len(local) <= 1 {
		return "*@" + domain
	}
	return local[:1] + "***@" + domain
}
