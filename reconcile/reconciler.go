package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/hazyhaar/spoilguard/dom"
	"github.com/hazyhaar/spoilguard/match"
	"github.com/hazyhaar/spoilguard/schedule"
	"github.com/hazyhaar/spoilguard/settings"
)

// Journal receives user-visible activity lines. Append is best effort.
type Journal interface {
	Append(ctx context.Context, msg string)
}

// Config for creating a Reconciler.
type Config struct {
	Doc     dom.Document
	Sched   *schedule.Scheduler
	Journal Journal // optional
	Layout  Layout  // default WatchLayout
	// AnchorRetryDelay is the single deferred retry when the controls
	// anchor is not mounted yet. Default 500ms.
	AnchorRetryDelay time.Duration
	Logger           *slog.Logger
}

func (c *Config) defaults() {
	if c.Layout.Name == "" {
		c.Layout = WatchLayout
	}
	if c.AnchorRetryDelay <= 0 {
		c.AnchorRetryDelay = 500 * time.Millisecond
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Stats counts reconciler work.
type Stats struct {
	Evaluations  int64 `json:"evaluations"`
	Injections   int64 `json:"injections"`
	Clears       int64 `json:"clears"`
	Reasserts    int64 `json:"reasserts"`
	AnchorMisses int64 `json:"anchor_misses"`
}

// Reconciler owns one PageState and its InjectionHandle. Every method
// must run on the scheduler loop.
type Reconciler struct {
	cfg    Config
	doc    dom.Document
	logger *slog.Logger

	state  PageState
	handle InjectionHandle
	opts   Options
	retry  schedule.CancelToken
	stats  Stats

	// logged is the last verdict written to the journal. It outlives
	// Invalidate and Reset so a re-evaluation of the same video is not
	// counted again.
	logged verdict
}

type verdict struct {
	title    string
	videoID  string
	decision Decision
}

// New creates a Reconciler in the Unknown state.
func New(cfg Config) *Reconciler {
	cfg.defaults()
	return &Reconciler{cfg: cfg, doc: cfg.Doc, logger: cfg.Logger}
}

// State returns a copy of the page state.
func (r *Reconciler) State() PageState { return r.state }

// Handle returns a copy of the live injection handle.
func (r *Reconciler) Handle() InjectionHandle {
	h := r.handle
	h.Controls = append([]dom.Node(nil), r.handle.Controls...)
	return h
}

// Stats returns the counters.
func (r *Reconciler) Stats() Stats { return r.stats }

// Layout returns the active layout.
func (r *Reconciler) Layout() Layout { return r.cfg.Layout }

// SetLayout switches page flavour. A live injection built for the other
// layout is cleared and the decision forgotten.
func (r *Reconciler) SetLayout(ctx context.Context, l Layout) {
	if l.Name == r.cfg.Layout.Name {
		return
	}
	r.Reset(ctx)
	r.cfg.Layout = l
}

// SetVideoID records the video the page currently shows.
func (r *Reconciler) SetVideoID(id string) { r.state.VideoID = id }

// Evaluate decides visibility for title under s. Pure.
func (r *Reconciler) Evaluate(title string, s settings.Settings) Decision {
	return Evaluate(title, s)
}

// Evaluate is Hide iff the guard is enabled and title matches a keyword.
func Evaluate(title string, s settings.Settings) Decision {
	if s.Enabled && match.Matches(title, s.Keywords) {
		return Hide
	}
	return Show
}

// Process is the main path: evaluate title, apply the result and journal
// it. It returns false when the title was skipped (empty, or already
// evaluated with a settled decision).
func (r *Reconciler) Process(ctx context.Context, title string, s settings.Settings) bool {
	if title == "" {
		return false
	}
	if title == r.state.LastEvaluatedTitle && r.state.Decision != Unknown {
		return false
	}
	r.state.LastEvaluatedTitle = title
	r.stats.Evaluations++

	d := r.Evaluate(title, s)
	r.Apply(ctx, d, Options{ShowCurrentTime: s.ShowCurrentTime})

	v := verdict{title: title, videoID: r.state.VideoID, decision: d}
	if v == r.logged {
		return true
	}
	r.logged = v
	if d == Hide {
		r.journal(ctx, "Hiding duration for video: "+title)
	} else {
		r.journal(ctx, "No keywords matched for: "+title)
	}
	return true
}

// Invalidate forgets the last evaluated title so the next Process runs
// even for the same title. Used on settings refresh. The journal still
// sees one line per title and decision.
func (r *Reconciler) Invalidate() {
	r.state.LastEvaluatedTitle = ""
}

// Apply makes the document reflect d. Applying the recorded decision with
// the same options over an intact handle changes nothing.
func (r *Reconciler) Apply(ctx context.Context, d Decision, opts Options) {
	if d == r.state.Decision && opts == r.opts && r.intact(ctx) {
		return
	}
	r.ClearAll(ctx)
	r.state.Decision = d
	r.opts = opts
	if d == Hide {
		r.inject(ctx)
	}
}

// ClearAll removes the nodes recorded in the handle. The decision is kept,
// so a later Apply of the same decision re-injects.
func (r *Reconciler) ClearAll(ctx context.Context) {
	r.retry.Cancel()
	r.retry = schedule.CancelToken{}

	if !r.handle.empty() {
		r.stats.Clears++
	}
	for _, n := range r.handle.Controls {
		r.remove(ctx, n)
	}
	if r.handle.Style != nil {
		r.remove(ctx, r.handle.Style)
	}
	r.handle = InjectionHandle{}
}

// Reset clears the injection and returns the page state to Unknown. Marker
// nodes no handle owns (left by a torn-down context) are removed too.
func (r *Reconciler) Reset(ctx context.Context) {
	r.ClearAll(ctx)
	r.removeOrphans(ctx)
	r.state = PageState{}
	r.opts = Options{}
}

func (r *Reconciler) removeOrphans(ctx context.Context) {
	orphans, err := r.doc.QueryAll(ctx, nil, r.cfg.Layout.orphanSelector())
	if err != nil {
		r.logger.Debug("reconcile: orphan lookup failed", "error", err)
		return
	}
	for _, n := range orphans {
		r.remove(ctx, n)
	}
}

// intact reports whether the live handle still matches the decision.
func (r *Reconciler) intact(ctx context.Context) bool {
	switch r.state.Decision {
	case Hide:
		return r.contained(ctx, r.handle.Style)
	default:
		return r.handle.empty()
	}
}

func (r *Reconciler) inject(ctx context.Context) {
	r.stats.Injections++
	head, err := r.doc.Head(ctx)
	if err == nil {
		r.handle.Style, err = r.doc.Create(ctx, head, dom.Append, dom.Element{
			Tag:  "style",
			ID:   StyleID,
			Text: r.cfg.Layout.CSS(r.opts),
		})
	}
	if err != nil {
		r.logger.Warn("reconcile: inject style", "layout", r.cfg.Layout.Name, "error", err)
	}
	r.placeControls(ctx, true)
}

// placeControls injects the seek controls. When the anchor is missing and
// retry is set, one deferred attempt is scheduled; a second miss leaves the
// page with the style only.
func (r *Reconciler) placeControls(ctx context.Context, retry bool) {
	l := r.cfg.Layout
	anchor, err := r.anchor(ctx)
	if errors.Is(err, dom.ErrNotFound) {
		r.stats.AnchorMisses++
		if retry && r.cfg.Sched != nil {
			r.retry = r.cfg.Sched.After(r.cfg.AnchorRetryDelay, func(ctx context.Context) {
				r.retry = schedule.CancelToken{}
				if r.state.Decision == Hide && len(r.handle.Controls) == 0 {
					r.placeControls(ctx, false)
				}
			})
			return
		}
		r.logger.Debug("reconcile: controls anchor missing, style only", "anchor", l.Anchor)
		return
	}
	if err != nil {
		r.logger.Warn("reconcile: controls anchor", "anchor", l.Anchor, "error", err)
		return
	}

	parent, pos := anchor, dom.Append
	if l.Wrapper != "" {
		wrap, err := r.doc.Create(ctx, anchor, dom.After, dom.Element{
			Tag: "div", Classes: []string{l.Wrapper}, Style: l.WrapperStyle,
		})
		if err != nil {
			r.logger.Warn("reconcile: create controls wrapper", "error", err)
			return
		}
		r.handle.Controls = append(r.handle.Controls, wrap)
		parent = wrap
	}
	for _, el := range l.buttons() {
		n, err := r.doc.Create(ctx, parent, pos, el)
		if err != nil {
			r.logger.Warn("reconcile: create seek control", "label", el.Text, "error", err)
			continue
		}
		if l.Wrapper == "" {
			r.handle.Controls = append(r.handle.Controls, n)
		}
	}
	r.journal(ctx, "Timeline hidden and seek buttons added")
}

func (r *Reconciler) anchor(ctx context.Context) (dom.Node, error) {
	l := r.cfg.Layout
	n, err := r.doc.QueryOne(ctx, nil, l.Anchor)
	if err != nil || !l.AnchorParent {
		return n, err
	}
	return r.doc.Parent(ctx, n)
}

func (r *Reconciler) contained(ctx context.Context, n dom.Node) bool {
	if n == nil {
		return false
	}
	ok, err := r.doc.Contains(ctx, n)
	if err != nil {
		r.logger.Debug("reconcile: contains", "node", n.Key(), "error", err)
		return false
	}
	return ok
}

func (r *Reconciler) remove(ctx context.Context, n dom.Node) {
	if err := r.doc.Remove(ctx, n); err != nil {
		r.logger.Debug("reconcile: remove", "node", n.Key(), "error", err)
	}
}

func (r *Reconciler) journal(ctx context.Context, msg string) {
	if r.cfg.Journal != nil {
		r.cfg.Journal.Append(ctx, msg)
	}
}
