// Package settings holds the user preferences that drive matching and
// their SQLite-backed store.
package settings

import (
	"context"
	"strings"
)

// Settings are the user preferences.
type Settings struct {
	Keywords        []string `json:"keywords"`
	HideThumbnails  bool     `json:"hideThumbnails"`
	ShowCurrentTime bool     `json:"showCurrentTime"`
	Enabled         bool     `json:"enabled"`
}

// SeedKeywords are written on first install.
var SeedKeywords = []string{"masters"}

// Defaults are used for keys missing from the store. A missing keyword
// list means no keywords, not the seed.
func Defaults() Settings {
	return Settings{
		Keywords:       []string{},
		HideThumbnails: true,
		Enabled:        true,
	}
}

// Patch is a partial update. Nil fields are left alone.
type Patch struct {
	Keywords        *[]string `json:"keywords,omitempty"`
	HideThumbnails  *bool     `json:"hideThumbnails,omitempty"`
	ShowCurrentTime *bool     `json:"showCurrentTime,omitempty"`
	Enabled         *bool     `json:"enabled,omitempty"`
}

// Empty reports whether the patch changes nothing.
func (p Patch) Empty() bool {
	return p.Keywords == nil && p.HideThumbnails == nil && p.ShowCurrentTime == nil && p.Enabled == nil
}

// Apply returns s with the patch applied and keywords normalised.
func (p Patch) Apply(s Settings) Settings {
	if p.Keywords != nil {
		s.Keywords = NormalizeKeywords(*p.Keywords)
	}
	if p.HideThumbnails != nil {
		s.HideThumbnails = *p.HideThumbnails
	}
	if p.ShowCurrentTime != nil {
		s.ShowCurrentTime = *p.ShowCurrentTime
	}
	if p.Enabled != nil {
		s.Enabled = *p.Enabled
	}
	return s
}

// NormalizeKeywords trims, drops blanks and removes case-insensitive
// duplicates, keeping the first spelling and the input order.
func NormalizeKeywords(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, k := range in {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		key := strings.ToLower(k)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, k)
	}
	return out
}

// ParseKeywords splits a comma or newline separated list, as typed in a
// settings form.
func ParseKeywords(s string) []string {
	return NormalizeKeywords(strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == '\n' || r == '\r'
	}))
}

// Store reads and writes settings. OnChange blocks until ctx is done and
// calls fn with the current settings when it starts, then with the fresh
// settings after each change, whichever process made it.
type Store interface {
	Get(ctx context.Context) (Settings, error)
	Set(ctx context.Context, p Patch) error
	OnChange(ctx context.Context, fn func(Settings))
}
