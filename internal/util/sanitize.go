package util

import (
	"html"
	"strings"
	"unicode"
	"unicode/utf8"
)

// MaxTextLength caps free-text fields such as block reasons and event details.
const MaxTextLength = 2048

// SanitizeInput trims, drops control characters, escapes HTML and caps the
// result at MaxTextLength bytes without splitting a rune.
func SanitizeInput(s string) string {
	s = strings.TrimSpace(s)
	s = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) && r != '\n' && r != '\t' {
			return -1
		}
		return r
	}, s)
	s = html.EscapeString(s)
	if len(s) <= MaxTextLength {
		return s
	}
	cut := MaxTextLength
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

// ContainsSuspicious reports markup or template fragments commonly seen in
// probing requests. Used to tag endpoints on recorded events.
func ContainsSuspicious(s string) bool {
	lower := strings.ToLower(s)
	for _, c := range []string{"<", ">", "${", "{{", "script", "onerror", "onload", "../"} {
		if strings.Contains(lower, c) {
			return true
		}
	}
	return false
}
