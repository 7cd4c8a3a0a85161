package rooms

import (
	"strings"
	"testing"
)

func TestSanitizeDisplayName(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{name: "plain", input: "Alice", expected: "Alice"},
		{name: "markup stripped", input: "<b>Bob</b>", expected: "Bob"},
		{name: "empty falls back", input: "<img src=x>", expected: fallbackDisplayName},
		{name: "truncated", input: strings.Repeat("x", 40), expected: strings.Repeat("x", maxDisplayNameRunes)},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			if got := SanitizeDisplayName(testCase.input); got != testCase.expected {
				t.Fatalf("expected %q, got %q", testCase.expected, got)
			}
		})
	}
}

func TestSanitizeMessage(t *testing.T) {
	cleaned, err := SanitizeMessage(`<b>hi</b><script>alert(1)</script>`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cleaned != "<b>hi</b>" {
		t.Fatalf("unexpected sanitized message %q", cleaned)
	}
	if _, err := SanitizeMessage("<script>x</script>"); err != ErrEmptyMessage {
		t.Fatalf("expected empty message error, got %v", err)
	}
	if _, err := SanitizeMessage(strings.Repeat("a", maxMessageRunes+1)); err != ErrMessageTooLong {
		t.Fatalf("expected too long error, got %v", err)
	}
}
