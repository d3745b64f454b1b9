// Package policy masks candidate PII before it reaches log lines.
package policy

import (
	"regexp"
	"strings"
)

type redaction struct {
	pattern *regexp.Regexp
	marker  string
}

// Cards are matched before phones so long digit runs are not reported as
// phone numbers.
var redactions = []redaction{
	{regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`), "[REDACTED_EMAIL]"},
	{regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`), "[REDACTED_CARD]"},
	{regexp.MustCompile(`\+?[0-9][0-9\-() ]{7,}[0-9]`), "[REDACTED_PHONE]"},
}

// RedactPII masks emails, card numbers and phone numbers in free text such
// as a candidate transcript.
func RedactPII(input string) (string, bool) {
	out := input
	for _, r := range redactions {
		out = r.pattern.ReplaceAllString(out, r.marker)
	}
	return out, out != input
}

// MaskPhone keeps the country prefix and last three digits of a number for
// log lines, e.g. "+84******678".
func MaskPhone(phone string) string {
	const keep = 3
	if len(phone) <= 2*keep {
		return "[REDACTED_PHONE]"
	}
	return phone[:keep] + strings.Repeat("*", len(phone)-2*keep) + phone[len(phone)-keep:]
}
