package policy

import (
	"strings"
	"testing"
)

func TestRedactPII(t *testing.T) {
	input := "Email me at sam@example.com or +1 (555) 123-9876 and use 4242 4242 4242 4242."
	out, changed := RedactPII(input)
	if !changed {
		t.Fatalf("changed = false, want true")
	}
	for _, marker := range []string{"[REDACTED_EMAIL]", "[REDACTED_PHONE]", "[REDACTED_CARD]"} {
		if !strings.Contains(out, marker) {
			t.Fatalf("output missing marker %q: %q", marker, out)
		}
	}
}

func TestRedactPIILeavesAnswersAlone(t *testing.T) {
	input := "I led a team of 6 engineers for 3 years."
	out, changed := RedactPII(input)
	if changed || out != input {
		t.Fatalf("RedactPII() = %q, %v; want input unchanged", out, changed)
	}
}

func TestMaskPhone(t *testing.T) {
	if got := MaskPhone("+84912345678"); got != "+84******678" {
		t.Fatalf("MaskPhone() = %q, want %q", got, "+84******678")
	}
	if got := MaskPhone("123"); got != "[REDACTED_PHONE]" {
		t.Fatalf("MaskPhone(short) = %q, want fully redacted", got)
	}
}
