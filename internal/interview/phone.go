package interview

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var ErrInvalidPhone = errors.New("invalid phone number")

var e164Pattern = regexp.MustCompile(`^\+[0-9]{10,15}$`)

// NormalizePhone converts a user-entered number to international form.
// A leading trunk "0" is replaced with defaultCountryCode and bare 9-10 digit
// numbers are assumed to be local to that country.
func NormalizePhone(raw, defaultCountryCode string) (string, error) {
	in := strings.TrimSpace(raw)
	if in == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidPhone)
	}
	cc := strings.TrimPrefix(strings.TrimSpace(defaultCountryCode), "+")

	international := strings.HasPrefix(in, "+") || strings.HasPrefix(in, "00")
	digits := digitsOnly(in)
	if strings.HasPrefix(in, "00") {
		digits = strings.TrimPrefix(digits, "00")
	}

	var out string
	switch {
	case international:
		out = "+" + digits
	case strings.HasPrefix(digits, "0"):
		out = "+" + cc + strings.TrimPrefix(digits, "0")
	case len(digits) == 9 || len(digits) == 10:
		out = "+" + cc + digits
	default:
		out = "+" + digits
	}

	if !e164Pattern.MatchString(out) {
		return "", fmt.Errorf("%w: %q", ErrInvalidPhone, raw)
	}
	return out, nil
}

func digitsOnly(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
