// Package match decides whether a video title is covered by the user's
// keyword list.
package match

import "strings"

// Matches reports whether at least one keyword is a case-insensitive
// substring of title. An empty title or an empty keyword list never matches.
// Only case is folded: punctuation, whitespace and unicode forms are
// compared as-is.
func Matches(title string, keywords []string) bool {
	if title == "" || len(keywords) == 0 {
		return false
	}
	lower := strings.ToLower(title)
	for _, kw := range keywords {
		if strings.Contains(lower, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

// First returns the first keyword that matches title, or "" when none does.
func First(title string, keywords []string) string {
	if title == "" {
		return ""
	}
	lower := strings.ToLower(title)
	for _, kw := range keywords {
		if strings.Contains(lower, strings.ToLower(kw)) {
			return kw
		}
	}
	return ""
}
