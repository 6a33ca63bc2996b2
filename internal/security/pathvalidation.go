// Package security holds filename and path hygiene helpers for
// user-influenced output paths.
package security

import "strings"

// SanitizeFilename makes a safe filename from an arbitrary string. Characters
// outside ASCII letters, digits, dot, underscore and dash are replaced with a
// single underscore, and the result is trimmed to a reasonable length. Use it
// when embedding run ids or plot names into file names.
func SanitizeFilename(s string) string {
	if s == "" {
		return "unknown"
	}
	const maxLen = 128
	var b strings.Builder
	lastUnderscore := false
	for _, r := range s {
		if b.Len() >= maxLen {
			break
		}
		switch {
		case (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9'):
			b.WriteRune(r)
			lastUnderscore = false
		case r == '.' || r == '_' || r == '-':
			b.WriteRune(r)
			lastUnderscore = false
		default:
			if !lastUnderscore {
				b.WriteRune('_')
				lastUnderscore = true
			}
		}
	}
	out := strings.Trim(b.String(), "._")
	if out == "" {
		return "unknown"
	}
	return out
}
