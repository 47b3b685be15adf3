package logutil

import (
	"strings"
	"unicode"
)

// maxLogFieldLen bounds how much of a single user-provided value is logged.
const maxLogFieldLen = 256

// SanitizeForLog makes a user-provided string safe to embed in a log line.
// Line breaks and tabs become spaces, other control characters are dropped,
// and overly long values are truncated, so a crafted label or remote session
// name cannot forge extra log entries.
func SanitizeForLog(s string) string {
	out := strings.Map(func(r rune) rune {
		switch r {
		case '\n', '\r', '\t':
			return ' '
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)
	if len(out) > maxLogFieldLen {
		out = out[:maxLogFieldLen] + "..."
	}
	return out
}
