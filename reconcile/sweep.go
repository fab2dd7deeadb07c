package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/hazyhaar/spoilguard/dom"
	"github.com/hazyhaar/spoilguard/match"
	"github.com/hazyhaar/spoilguard/settings"
)

const (
	untaggedSelector = "ytd-thumbnail:not([" + TagAttr + "]), " +
		"ytd-rich-item-renderer:not([" + TagAttr + "]), " +
		"ytd-compact-video-renderer:not([" + TagAttr + "]), " +
		".ytp-videowall-still:not([" + TagAttr + "])"
	taggedSelector = "[" + TagAttr + "]"
	badgeSelector  = "ytd-thumbnail-overlay-time-status-renderer, .ytp-videowall-still-info-duration"
	badgeHidden    = "display: none !important"
)

// titleContainers are tried in order; the first one enclosing the
// thumbnail that has a #video-title wins.
var titleContainers = []string{
	"ytd-video-renderer",
	"ytd-grid-video-renderer",
	"ytd-compact-video-renderer",
	"ytd-rich-item-renderer",
}

// SweepResult summarises one sweep.
type SweepResult struct {
	Hidden   int `json:"hidden"`
	Shown    int `json:"shown"`
	Skipped  int `json:"skipped"`
	Untagged int `json:"untagged"`
}

// Sweeper hides duration badges on thumbnails whose title matches.
// Each thumbnail is decided once and tagged; tagged thumbnails are not
// looked at again until Reset.
type Sweeper struct {
	doc     dom.Document
	journal Journal
	logger  *slog.Logger
}

// NewSweeper creates a Sweeper. journal may be nil.
func NewSweeper(doc dom.Document, journal Journal, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{doc: doc, journal: journal, logger: logger}
}

// Sweep processes every untagged thumbnail. With thumbnail hiding off (or
// the guard disabled) it untags everything instead.
func (s *Sweeper) Sweep(ctx context.Context, st settings.Settings) (SweepResult, error) {
	if !st.HideThumbnails || !st.Enabled {
		n, err := s.untag(ctx, false)
		return SweepResult{Untagged: n}, err
	}

	thumbs, err := s.doc.QueryAll(ctx, nil, untaggedSelector)
	if err != nil {
		return SweepResult{}, fmt.Errorf("reconcile: sweep: %w", err)
	}
	var res SweepResult
	for _, th := range thumbs {
		badge, err := s.doc.QueryOne(ctx, th, badgeSelector)
		if err != nil {
			res.Skipped++
			continue
		}
		title := s.title(ctx, th)
		if title == "" {
			res.Skipped++
			continue
		}

		hide := match.Matches(title, st.Keywords)
		tag := TagShown
		if hide {
			tag = TagHidden
		}
		if err := s.doc.SetAttr(ctx, th, TagAttr, tag); err != nil {
			s.logger.Debug("reconcile: tag thumbnail", "error", err)
			continue
		}
		if !hide {
			res.Shown++
			continue
		}
		if err := s.doc.SetStyle(ctx, badge, badgeHidden); err != nil {
			s.logger.Debug("reconcile: hide badge", "error", err)
		}
		res.Hidden++
		if s.journal != nil {
			s.journal.Append(ctx, "Hiding thumbnail duration for: "+title)
		}
	}
	return res, nil
}

// Reset untags every thumbnail and restores every badge.
func (s *Sweeper) Reset(ctx context.Context) error {
	_, err := s.untag(ctx, true)
	return err
}

// untag removes tags in one pass. With all set, every badge in the
// document is restored, not only those under tagged elements.
func (s *Sweeper) untag(ctx context.Context, all bool) (int, error) {
	tagged, err := s.doc.QueryAll(ctx, nil, taggedSelector)
	if err != nil {
		return 0, fmt.Errorf("reconcile: untag: %w", err)
	}
	for _, el := range tagged {
		if err := s.doc.RemoveAttr(ctx, el, TagAttr); err != nil {
			s.logger.Debug("reconcile: untag thumbnail", "error", err)
		}
		if all {
			continue
		}
		badge, err := s.doc.QueryOne(ctx, el, badgeSelector)
		if err == nil {
			s.restoreBadge(ctx, badge)
		}
	}
	if all {
		badges, err := s.doc.QueryAll(ctx, nil, badgeSelector)
		if err != nil {
			return len(tagged), fmt.Errorf("reconcile: restore badges: %w", err)
		}
		for _, b := range badges {
			s.restoreBadge(ctx, b)
		}
	}
	return len(tagged), nil
}

func (s *Sweeper) restoreBadge(ctx context.Context, badge dom.Node) {
	if err := s.doc.SetStyle(ctx, badge, ""); err != nil {
		s.logger.Debug("reconcile: restore badge", "error", err)
	}
}

func (s *Sweeper) title(ctx context.Context, thumb dom.Node) string {
	for _, sel := range titleContainers {
		c, err := s.doc.Closest(ctx, thumb, sel)
		if err != nil {
			continue
		}
		t, err := s.doc.QueryOne(ctx, c, "#video-title")
		if err != nil {
			continue
		}
		text, err := s.doc.Text(ctx, t)
		if err != nil {
			continue
		}
		if text = strings.TrimSpace(text); text != "" {
			return text
		}
	}
	return ""
}
