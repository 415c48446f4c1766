// Package logging scrubs credentials and employee identifiers from text
// before it reaches logs or user-facing error messages.
package logging

import (
	"regexp"
	"strings"
)

// RedactedText replaces secrets.
const RedactedText = "[REDACTED]"

type redaction struct {
	pattern *regexp.Regexp
	replace func(string) string
}

var (
	// password=..., pwd=..., pass=... up to the next delimiter.
	passwordPattern = regexp.MustCompile(`(?i)\b(password|pwd|pass)=[^;&\s]+`)

	// user:secret@host in a URL.
	userInfoPattern = regexp.MustCompile(`://[^:/\s]+:[^@\s]+@`)

	// RUT in raw or formatted form: 123456789, 12345678-9, 12.345.678-K.
	identifierPattern = regexp.MustCompile(`\b\d{1,2}\.?\d{3}\.?\d{3}-?[\dkK]\b`)

	credentialRedactions = []redaction{
		{passwordPattern, func(m string) string {
			return m[:strings.IndexByte(m, '=')+1] + RedactedText
		}},
		{userInfoPattern, func(string) string { return "://" + RedactedText + "@" }},
	}
)

func apply(s string, rs []redaction) string {
	for _, r := range rs {
		s = r.pattern.ReplaceAllStringFunc(s, r.replace)
	}
	return s
}

// SanitizeConnectionString hides passwords in a DSN or URL.
func SanitizeConnectionString(connStr string) string {
	return apply(connStr, credentialRedactions)
}

// SanitizeError renders err with credentials redacted and employee
// identifiers masked. Parse errors often echo cell values.
func SanitizeError(err error) string {
	if err == nil {
		return ""
	}
	msg := apply(err.Error(), credentialRedactions)
	return identifierPattern.ReplaceAllStringFunc(msg, MaskIdentifier)
}

// MaskIdentifier keeps the last three characters of an employee identifier.
// "12345678-9" -> "*******8-9"
func MaskIdentifier(id string) string {
	if len(id) <= 3 {
		return strings.Repeat("*", len(id))
	}
	return strings.Repeat("*", len(id)-3) + id[len(id)-3:]
}

// TruncateString cuts s to maxLen bytes and appends "..." when it was longer.
func TruncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
