package guard

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/hazyhaar/spoilguard/dom"
	"github.com/hazyhaar/spoilguard/observe"
	"github.com/hazyhaar/spoilguard/reconcile"
	"github.com/hazyhaar/spoilguard/schedule"
	"github.com/hazyhaar/spoilguard/settings"
	"github.com/hazyhaar/spoilguard/titles"
)

// titleSelectors locate the video title on a watch page, in order.
var titleSelectors = []string{
	"ytd-watch-flexy h1 yt-formatted-string",
	"ytd-video-primary-info-renderer h1 yt-formatted-string",
}

// ErrClosed is returned by calls on a stopped session.
var ErrClosed = errors.New("guard: session closed")

// SessionConfig wires one guarded page.
type SessionConfig struct {
	ID  string
	Doc dom.Document
	// Attacher observes the player root. Nil disables player observation.
	Attacher  observe.Attacher
	Store     settings.Store
	Journal   reconcile.Journal
	Titles    titles.Fetcher // nil disables embed pages
	Intervals IntervalsConfig
	Debounce  DebounceConfig
	Logger    *slog.Logger
}

// SessionStats is a snapshot of one session.
type SessionStats struct {
	ID           string                `json:"id"`
	URL          string                `json:"url"`
	Page         string                `json:"page"`
	VideoID      string                `json:"video_id,omitempty"`
	Title        string                `json:"title,omitempty"`
	Decision     string                `json:"decision"`
	Paused       bool                  `json:"paused"`
	Reconcile    reconcile.Stats       `json:"reconcile"`
	Observer     observe.Stats         `json:"observer"`
	Thumbnails   reconcile.SweepResult `json:"thumbnails"`
	StaleFetches int64                 `json:"stale_fetches"`
	FetchErrors  int64                 `json:"fetch_errors"`
}

// Session binds one page to a scheduler loop, an observer, a reconciler,
// a stale guard and a thumbnail sweeper. Everything except Feed, Refresh
// and Stop runs on the loop.
type Session struct {
	id     string
	cfg    SessionConfig
	logger *slog.Logger

	obs   *observe.Observer
	sub   *observe.Subscription
	sched *schedule.Scheduler
	rec   *reconcile.Reconciler
	stale *reconcile.StaleGuard
	sweep *reconcile.Sweeper

	// Loop-owned.
	url      string
	kind     pageKind
	paused   bool
	fetching string
	thumbs   reconcile.SweepResult

	started      atomic.Bool
	staleFetches atomic.Int64
	fetchErrors  atomic.Int64
}

// NewSession creates a session. Events fed before Start are queued.
func NewSession(cfg SessionConfig) *Session {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	logger := cfg.Logger.With("session", cfg.ID)
	s := &Session{id: cfg.ID, cfg: cfg, logger: logger}
	s.obs = observe.New(observe.Config{
		Attacher:          cfg.Attacher,
		AttachInterval:    cfg.Intervals.Attach,
		MaxAttachAttempts: cfg.Intervals.MaxAttach,
		DebounceWindow:    cfg.Debounce.Window,
		DebounceMax:       cfg.Debounce.MaxBuffer,
		SettleDelay:       cfg.Intervals.Settle,
		Logger:            logger,
	})
	return s
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Start begins guarding. Cancelling ctx has the same effect as Stop.
func (s *Session) Start(ctx context.Context) {
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	iv := s.cfg.Intervals
	s.sched = schedule.New(ctx, s.logger)
	s.rec = reconcile.New(reconcile.Config{
		Doc:              s.cfg.Doc,
		Sched:            s.sched,
		Journal:          s.cfg.Journal,
		AnchorRetryDelay: iv.AnchorRetry,
		Logger:           s.logger,
	})
	s.stale = reconcile.NewStaleGuard(s.rec)
	s.sweep = reconcile.NewSweeper(s.cfg.Doc, s.cfg.Journal, s.logger)

	s.sub = s.obs.Subscribe(func(sig observe.Signal) {
		s.sched.Post(func(ctx context.Context) { s.handle(ctx, sig) })
	})
	go s.obs.Run(s.sched.Context())

	s.sched.After(iv.InitialDelay, func(ctx context.Context) {
		s.rec.Reset(ctx)
		s.evaluate(ctx)
		s.sweepOnce(ctx)
	})
	s.sched.Every(iv.StaleGuard, func(ctx context.Context) {
		if s.paused {
			return
		}
		s.stale.Tick(ctx)
	})
	s.sched.Every(iv.Sweep, s.sweepOnce)
	s.sched.Every(iv.EmbedPoll, func(ctx context.Context) {
		if s.kind == pageEmbed {
			s.evaluate(ctx)
		}
	})
	s.logger.Info("guard: session started")
}

// Feed hands a raw page event to the observer.
func (s *Session) Feed(ev observe.Event) { s.obs.Feed(ev) }

// Refresh delivers a cross-context refresh message.
func (s *Session) Refresh(msg observe.Message) {
	s.obs.Feed(observe.Event{Kind: observe.EventMessage, Message: msg})
}

// SettingsChanged notifies the session that the store changed.
func (s *Session) SettingsChanged() {
	s.obs.Feed(observe.Event{Kind: observe.EventSettings})
}

// Stop cancels every timer of the session and waits for the loop.
func (s *Session) Stop() {
	if !s.started.Load() {
		return
	}
	s.sub.Cancel()
	s.sched.Close()
	s.logger.Info("guard: session stopped")
}

// Done is closed once the session loop has exited.
func (s *Session) Done() <-chan struct{} {
	if !s.started.Load() {
		return nil
	}
	return s.sched.Done()
}

// Stats snapshots the session on its loop.
func (s *Session) Stats(ctx context.Context) (SessionStats, error) {
	if !s.started.Load() {
		return SessionStats{ID: s.id}, ErrClosed
	}
	ch := make(chan SessionStats, 1)
	ok := s.sched.Post(func(context.Context) {
		st := s.rec.State()
		ch <- SessionStats{
			ID:           s.id,
			URL:          s.url,
			Page:         s.kind.String(),
			VideoID:      st.VideoID,
			Title:        st.LastEvaluatedTitle,
			Decision:     st.Decision.String(),
			Paused:       s.paused,
			Reconcile:    s.rec.Stats(),
			Observer:     s.obs.Stats(),
			Thumbnails:   s.thumbs,
			StaleFetches: s.staleFetches.Load(),
			FetchErrors:  s.fetchErrors.Load(),
		}
	})
	if !ok {
		return SessionStats{ID: s.id}, ErrClosed
	}
	select {
	case st := <-ch:
		return st, nil
	case <-ctx.Done():
		return SessionStats{ID: s.id}, ctx.Err()
	case <-s.sched.Done():
		return SessionStats{ID: s.id}, ErrClosed
	}
}

func (s *Session) handle(ctx context.Context, sig observe.Signal) {
	switch sig.Kind {
	case observe.Reset:
		if sig.Inferred && !s.pageChanged(ctx) {
			s.resetThumbnails(ctx)
			return
		}
		s.rec.Reset(ctx)
		s.resetThumbnails(ctx)

	case observe.Reevaluate:
		s.evaluate(ctx)
		s.sweepOnce(ctx)

	case observe.Refresh:
		msg := sig.Message
		if msg.Disables() {
			s.paused = true
			s.rec.Invalidate()
			s.rec.Apply(ctx, reconcile.Show, reconcile.Options{})
			s.resetThumbnails(ctx)
			s.logger.Info("guard: disabled by message")
			return
		}
		if msg.Type == observe.MsgExtensionState && msg.Enabled != nil {
			s.paused = false
		}
		s.rec.Invalidate()
		s.resetThumbnails(ctx)
		s.evaluate(ctx)
		s.sweepOnce(ctx)
	}
}

// pageChanged reports whether the document moved to another URL or video
// since the last evaluation.
func (s *Session) pageChanged(ctx context.Context) bool {
	raw, err := s.cfg.Doc.URL(ctx)
	if err != nil {
		s.logger.Debug("guard: url unavailable", "error", err)
		return false
	}
	if s.url == "" || raw != s.url {
		return true
	}
	id := classify(raw).videoID
	return id != "" && id != s.rec.State().VideoID
}

// evaluate looks up the title for the current page and reconciles.
func (s *Session) evaluate(ctx context.Context) {
	raw, err := s.cfg.Doc.URL(ctx)
	if err != nil {
		s.logger.Debug("guard: url unavailable", "error", err)
		return
	}
	page := classify(raw)
	s.url, s.kind = raw, page.kind

	if page.kind == pageEmbed {
		s.rec.SetLayout(ctx, reconcile.EmbedLayout)
		s.evaluateEmbed(ctx, page.videoID)
		return
	}

	s.rec.SetLayout(ctx, reconcile.WatchLayout)
	if page.kind != pageWatch {
		return
	}
	if page.videoID != "" {
		s.rec.SetVideoID(page.videoID)
	}
	title := s.watchTitle(ctx)
	if title == "" {
		return
	}
	st, ok := s.settings(ctx)
	if !ok {
		return
	}
	s.rec.Process(ctx, title, st)
}

// evaluateEmbed resolves the title off-loop. The result is applied only
// if the page still shows the same video when it arrives.
func (s *Session) evaluateEmbed(ctx context.Context, id string) {
	if id == "" {
		return
	}
	if cur := s.rec.State().VideoID; cur != id {
		if cur != "" {
			s.rec.Reset(ctx)
		}
		s.rec.SetVideoID(id)
	}
	if s.cfg.Titles == nil || s.fetching == id {
		return
	}
	s.fetching = id

	go func() {
		title, err := s.cfg.Titles.Fetch(ctx, id)
		s.sched.Post(func(ctx context.Context) {
			if s.fetching == id {
				s.fetching = ""
			}
			if err != nil {
				s.fetchErrors.Add(1)
				s.logger.Warn("guard: embed title lookup failed", "video_id", id, "error", err)
				return
			}
			if s.rec.State().VideoID != id {
				s.staleFetches.Add(1)
				s.logger.Debug("guard: dropping stale title", "video_id", id,
					"current", s.rec.State().VideoID)
				return
			}
			st, ok := s.settings(ctx)
			if !ok {
				return
			}
			s.rec.Process(ctx, title, st)
		})
	}()
}

func (s *Session) watchTitle(ctx context.Context) string {
	for _, sel := range titleSelectors {
		n, err := s.cfg.Doc.QueryOne(ctx, nil, sel)
		if err != nil {
			continue
		}
		text, err := s.cfg.Doc.Text(ctx, n)
		if err != nil {
			continue
		}
		if text = strings.TrimSpace(text); text != "" {
			return text
		}
	}
	return ""
}

// settings reads the store fresh. A failed read keeps the previous
// decision in place.
func (s *Session) settings(ctx context.Context) (settings.Settings, bool) {
	st, err := s.cfg.Store.Get(ctx)
	if err != nil {
		s.logger.Warn("guard: settings read failed, keeping state", "error", err)
		return settings.Settings{}, false
	}
	if s.paused {
		st.Enabled = false
	}
	return st, true
}

func (s *Session) sweepOnce(ctx context.Context) {
	st, ok := s.settings(ctx)
	if !ok {
		return
	}
	res, err := s.sweep.Sweep(ctx, st)
	if err != nil {
		s.logger.Debug("guard: thumbnail sweep", "error", err)
	}
	s.thumbs.Hidden += res.Hidden
	s.thumbs.Shown += res.Shown
	s.thumbs.Skipped += res.Skipped
	s.thumbs.Untagged += res.Untagged
}

func (s *Session) resetThumbnails(ctx context.Context) {
	if err := s.sweep.Reset(ctx); err != nil {
		s.logger.Debug("guard: thumbnail reset", "error", err)
	}
}
