package guard

import (
	"net/url"
	"strings"
)

type pageKind int

const (
	pageOther pageKind = iota
	pageWatch
	pageEmbed
)

func (k pageKind) String() string {
	switch k {
	case pageWatch:
		return "watch"
	case pageEmbed:
		return "embed"
	default:
		return "other"
	}
}

type pageInfo struct {
	kind    pageKind
	videoID string
}

// classify tells watch pages from player embeds. Watch detection is a
// plain substring test on the URL, the same test the title lookup uses.
func classify(raw string) pageInfo {
	u, err := url.Parse(raw)
	if err != nil {
		return pageInfo{}
	}
	host := strings.ToLower(u.Hostname())
	youtube := strings.Contains(host, "youtube.com") || strings.Contains(host, "youtube-nocookie.com")
	if youtube && strings.HasPrefix(u.Path, "/embed/") {
		id, _, _ := strings.Cut(strings.TrimPrefix(u.Path, "/embed/"), "/")
		return pageInfo{kind: pageEmbed, videoID: id}
	}
	if strings.Contains(raw, "watch") {
		return pageInfo{kind: pageWatch, videoID: u.Query().Get("v")}
	}
	return pageInfo{}
}
