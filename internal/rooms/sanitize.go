package rooms

import (
	"html"
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

const (
	maxDisplayNameRunes = 32
	maxMessageRunes     = 2000
	maxReasonRunes      = 300
	maxRoomNameRunes    = 80
	fallbackDisplayName = "guest"
)

var (
	// Names and reasons are plain text.
	plainTextPolicy = bluemonday.StrictPolicy()

	// Chat lines keep light inline formatting and safe links.
	messagePolicy = bluemonday.NewPolicy().
			AllowElements("b", "i", "em", "strong", "u", "s", "del", "code", "br").
			AllowURLSchemes("http", "https").
			AllowAttrs("href").OnElements("a").
			RequireNoFollowOnLinks(true).
			AddTargetBlankToFullyQualifiedLinks(true)
)

// SanitizeDisplayName strips markup and bounds the length of a display name.
func SanitizeDisplayName(raw string) string {
	cleaned := strings.TrimSpace(plainTextPolicy.Sanitize(html.UnescapeString(raw)))
	cleaned = truncateRunes(cleaned, maxDisplayNameRunes)
	if cleaned == "" {
		return fallbackDisplayName
	}
	return cleaned
}

// SanitizeMessage strips unsafe markup from a chat line.
func SanitizeMessage(raw string) (string, error) {
	cleaned := strings.TrimSpace(messagePolicy.Sanitize(raw))
	if cleaned == "" {
		return "", ErrEmptyMessage
	}
	if utf8.RuneCountInString(cleaned) > maxMessageRunes {
		return "", ErrMessageTooLong
	}
	return cleaned, nil
}

func sanitizeReason(raw string) string {
	return truncateRunes(strings.TrimSpace(plainTextPolicy.Sanitize(raw)), maxReasonRunes)
}

func sanitizeRoomName(raw string) (string, error) {
	cleaned := strings.TrimSpace(plainTextPolicy.Sanitize(raw))
	if cleaned == "" || utf8.RuneCountInString(cleaned) > maxRoomNameRunes {
		return "", ErrInvalidRoomName
	}
	return cleaned, nil
}

func truncateRunes(value string, limit int) string {
	if utf8.RuneCountInString(value) <= limit {
		return value
	}
	runes := []rune(value)
	return string(runes[:limit])
}
