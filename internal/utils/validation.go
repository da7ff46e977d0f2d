package utils

import (
	"fmt"
	"strings"
	"time"
)

// TimestampLayout is the wire format of every timestamp the service emits:
// a UTC instant with millisecond precision.
const TimestampLayout = "2006-01-02T15:04:05.000Z"

// fallbackFilename is used when nothing of the client filename survives sanitizing.
const fallbackFilename = "upload"

// SanitizeFilename keeps only [A-Za-z0-9._-], collapses runs of dots and
// trims leading dots so the result can never act as a path component like
// "." or "..".
func SanitizeFilename(name string) string {
	var b strings.Builder
	b.Grow(len(name))

	var prev rune
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
		case r == '.':
			if prev == '.' {
				continue
			}
		default:
			continue
		}
		b.WriteRune(r)
		prev = r
	}

	safe := strings.TrimLeft(b.String(), ".")
	if safe == "" {
		return fallbackFilename
	}
	return safe
}

// ParseTimestamp parses a client supplied ISO-8601 date-time. Only the
// RFC 3339 profile is accepted: a full date, a time and an explicit offset.
func ParseTimestamp(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, fmt.Errorf("capturedAt is empty")
	}

	ts, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("capturedAt is not a valid ISO 8601 date: %q", raw)
	}
	return ts, nil
}

// FormatTimestamp renders t in TimestampLayout.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}
