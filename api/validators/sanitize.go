package validators

import "strings"

// SanitizeString collapses whitespace runs to single spaces and keeps at most
// maxLen runes. A non-positive maxLen disables the cut.
func SanitizeString(input string, maxLen int) string {
	cleaned := strings.Join(strings.Fields(input), " ")
	if maxLen <= 0 {
		return cleaned
	}
	runes := []rune(cleaned)
	if len(runes) <= maxLen {
		return cleaned
	}
	return strings.TrimSpace(string(runes[:maxLen]))
}
