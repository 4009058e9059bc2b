package util

import (
	"html"
	"strings"
	"unicode/utf8"
)

// MaxDetailLength bounds free-text fields that end up in the audit trail.
const MaxDetailLength = 2048

// SanitizeInput trims, escapes HTML/script-like characters and truncates to
// MaxDetailLength runes so client-supplied text is safe to store and render.
func SanitizeInput(s string) string {
	s = html.EscapeString(strings.TrimSpace(s))
	if utf8.RuneCountInString(s) <= MaxDetailLength {
		return s
	}
	runes := []rune(s)
	return string(runes[:MaxDetailLength])
}

// ContainsSuspicious reports script-injection markers in identifiers such as
// capability names, section names and element ids.
func ContainsSuspicious(s string) bool {
	lower := strings.ToLower(s)
	for _, c := range []string{"<", ">", "$", "{", "}", "script", "onerror", "onload"} {
		if strings.Contains(lower, c) {
			return true
		}
	}
	return false
}
