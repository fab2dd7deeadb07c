// Package guard orchestrates spoilguard: it owns the browser, the settings
// store, the journal and the title client, and runs one Session per
// guarded page. Settings edits and refresh messages fan out to every
// session.
package guard

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/go-rod/rod"

	"github.com/hazyhaar/spoilguard/browser"
	"github.com/hazyhaar/spoilguard/dbopen"
	"github.com/hazyhaar/spoilguard/dom"
	"github.com/hazyhaar/spoilguard/idgen"
	"github.com/hazyhaar/spoilguard/journal"
	"github.com/hazyhaar/spoilguard/match"
	"github.com/hazyhaar/spoilguard/observe"
	"github.com/hazyhaar/spoilguard/reconcile"
	"github.com/hazyhaar/spoilguard/settings"
	"github.com/hazyhaar/spoilguard/titles"
)

// ErrNotOpen is returned before Open or Start succeeded.
var ErrNotOpen = errors.New("guard: not open")

// CheckResult is the verdict for one title under the stored settings.
type CheckResult struct {
	Title    string            `json:"title"`
	Decision string            `json:"decision"`
	Keyword  string            `json:"keyword,omitempty"`
	Settings settings.Settings `json:"settings"`
}

// Stats is a snapshot of the whole guard.
type Stats struct {
	Sessions    []SessionStats `json:"sessions"`
	HiddenToday int            `json:"hidden_today"`
	Version     int64          `json:"settings_version"`
}

type entry struct {
	sess   *Session
	page   PageConfig
	tab    *browser.Tab
	bridge *browser.Bridge
}

// Guard is the top-level orchestrator. Create one per process.
type Guard struct {
	cfg    *Config
	logger *slog.Logger
	ids    idgen.Generator

	mgr     *browser.Manager
	db      *sql.DB
	ownsDB  bool
	store   *settings.SQLiteStore
	journal *journal.Journal
	titles  titles.Fetcher

	mu       sync.Mutex
	sessions map[string]*entry
	recycled []PageConfig
	bgCancel context.CancelFunc
	bg       sync.WaitGroup
}

// Option customises a Guard.
type Option func(*Guard)

// WithIDs sets the session id generator. Default idgen.Session.
func WithIDs(gen idgen.Generator) Option { return func(g *Guard) { g.ids = gen } }

// WithTitles replaces the HTTP title client.
func WithTitles(f titles.Fetcher) Option { return func(g *Guard) { g.titles = f } }

// New creates a Guard from configuration.
func New(cfg *Config, logger *slog.Logger, opts ...Option) *Guard {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	g := &Guard{
		cfg:      cfg,
		logger:   logger,
		ids:      idgen.Session,
		sessions: make(map[string]*entry),
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Start opens the database, launches the browser and guards every
// configured page. A page that fails to open is logged and skipped.
func (g *Guard) Start(ctx context.Context) error {
	db, err := dbopen.Open(g.cfg.DB.Path, dbopen.WithMkdirAll())
	if err != nil {
		return fmt.Errorf("guard: open db: %w", err)
	}
	g.ownsDB = true
	if err := g.Open(ctx, db); err != nil {
		db.Close()
		return err
	}

	bc := g.cfg.Browser
	g.mgr = browser.NewManager(browser.Config{
		RemoteURL:        bc.Remote,
		Bin:              bc.Bin,
		Mode:             browser.ParseMode(bc.Mode),
		UserDataDir:      bc.UserDataDir,
		RecycleInterval:  bc.RecycleInterval,
		MemoryLimit:      bc.MemoryLimit,
		ResourceBlocking: bc.ResourceBlocking,
		Stealth:          bc.Stealth != nil && *bc.Stealth,
		XvfbDisplay:      bc.XvfbDisplay,
		Logger:           g.logger,
	})
	if _, err := g.mgr.Start(ctx); err != nil {
		return fmt.Errorf("guard: start browser: %w", err)
	}
	g.mgr.SetRecycleCallback(&browser.RecycleCallback{
		BeforeRecycle: g.dropBrowserSessions,
		AfterRecycle:  func(*rod.Browser) { g.reopenPages(ctx) },
	})

	for _, page := range g.cfg.Pages {
		if _, err := g.OpenPage(ctx, page); err != nil {
			g.logger.Error("guard: failed to guard page", "url", page.URL, "error", err)
		}
	}
	return nil
}

// Open binds the guard to db: migrates and seeds settings, opens the
// journal and starts the daily reset and settings watch. Start calls it;
// tests call it directly with an in-memory database.
func (g *Guard) Open(ctx context.Context, db *sql.DB) error {
	store, err := settings.Open(ctx, db, settings.Options{
		PollInterval: g.cfg.DB.SettingsPoll,
		Logger:       g.logger,
	})
	if err != nil {
		return fmt.Errorf("guard: %w", err)
	}
	if seeded, err := store.Seed(ctx); err != nil {
		return fmt.Errorf("guard: %w", err)
	} else if seeded {
		g.logger.Info("guard: settings seeded", "keywords", settings.SeedKeywords)
	}
	j, err := journal.Open(ctx, db, journal.Options{
		Capacity: g.cfg.Journal.Capacity,
		Logger:   g.logger,
	})
	if err != nil {
		return fmt.Errorf("guard: %w", err)
	}
	if g.titles == nil {
		tc := g.cfg.Titles
		g.titles = titles.New(titles.Config{
			BaseURL:   tc.BaseURL,
			Timeout:   tc.Timeout,
			Retries:   tc.Retries,
			Backoff:   tc.Backoff,
			CacheSize: tc.CacheSize,
			Logger:    g.logger,
		})
	}

	bgCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	g.mu.Lock()
	g.db, g.store, g.journal, g.bgCancel = db, store, j, cancel
	g.mu.Unlock()

	g.bg.Add(2)
	go func() {
		defer g.bg.Done()
		j.RunDailyReset(bgCtx)
	}()
	go func() {
		defer g.bg.Done()
		store.OnChange(bgCtx, func(settings.Settings) { g.settingsChanged() })
	}()
	return nil
}

// Store returns the settings store.
func (g *Guard) Store() *settings.SQLiteStore { return g.store }

// DB returns the database bound by Open.
func (g *Guard) DB() *sql.DB { return g.db }

// Journal returns the activity journal.
func (g *Guard) Journal() *journal.Journal { return g.journal }

// OpenPage opens a browser tab on page and guards it.
func (g *Guard) OpenPage(ctx context.Context, page PageConfig) (string, error) {
	if g.mgr == nil {
		return "", fmt.Errorf("guard: open page: no browser")
	}
	tab, err := browser.OpenTab(ctx, g.mgr, page.URL, page.ID)
	if err != nil {
		return "", fmt.Errorf("guard: open tab: %w", err)
	}

	var sess *Session
	bridge := browser.NewBridge(tab, func(ev observe.Event) { sess.Feed(ev) }, g.logger)
	sess, err = g.Adopt(ctx, page, browser.NewDocument(tab), bridge)
	if err != nil {
		tab.Close()
		return "", err
	}
	if err := bridge.Start(ctx); err != nil {
		g.drop(sess.ID())
		tab.Close()
		return "", fmt.Errorf("guard: start bridge: %w", err)
	}

	g.mu.Lock()
	if e, ok := g.sessions[sess.ID()]; ok {
		e.tab, e.bridge = tab, bridge
	}
	g.mu.Unlock()

	g.logger.Info("guard: guarding page", "url", page.URL, "id", page.ID, "session", sess.ID())
	return sess.ID(), nil
}

// Adopt guards an existing document. attacher may be nil.
func (g *Guard) Adopt(ctx context.Context, page PageConfig, doc dom.Document, attacher observe.Attacher) (*Session, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.store == nil {
		return nil, ErrNotOpen
	}
	sess := NewSession(SessionConfig{
		ID:        g.ids(),
		Doc:       doc,
		Attacher:  attacher,
		Store:     g.store,
		Journal:   g.journal,
		Titles:    g.titles,
		Intervals: g.cfg.Intervals,
		Debounce:  g.cfg.Debounce,
		Logger:    g.logger.With("page", page.ID),
	})
	sess.Start(ctx)
	g.sessions[sess.ID()] = &entry{sess: sess, page: page}
	return sess, nil
}

// Close stops one session and closes its tab.
func (g *Guard) Close(id string) error {
	if !g.drop(id) {
		return fmt.Errorf("guard: no session %q", id)
	}
	return nil
}

// Broadcast delivers msg to every session and returns how many got it.
func (g *Guard) Broadcast(msg observe.Message) int {
	sessions := g.list()
	for _, e := range sessions {
		e.sess.Refresh(msg)
	}
	g.logger.Debug("guard: broadcast", "type", msg.Type, "sessions", len(sessions))
	return len(sessions)
}

// CheckTitle evaluates title against the stored settings without touching
// any page.
func (g *Guard) CheckTitle(ctx context.Context, title string) (CheckResult, error) {
	if g.store == nil {
		return CheckResult{}, ErrNotOpen
	}
	st, err := g.store.Get(ctx)
	if err != nil {
		return CheckResult{}, fmt.Errorf("guard: check title: %w", err)
	}
	d := reconcile.Evaluate(title, st)
	res := CheckResult{Title: title, Decision: d.String(), Settings: st}
	if d == reconcile.Hide {
		res.Keyword = match.First(title, st.Keywords)
	}
	return res, nil
}

// Stats snapshots every session plus the journal counter.
func (g *Guard) Stats(ctx context.Context) (Stats, error) {
	if g.store == nil {
		return Stats{}, ErrNotOpen
	}
	var out Stats
	for _, e := range g.list() {
		st, err := e.sess.Stats(ctx)
		if err != nil && !errors.Is(err, ErrClosed) {
			return Stats{}, err
		}
		out.Sessions = append(out.Sessions, st)
	}
	n, err := g.journal.HiddenToday(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("guard: stats: %w", err)
	}
	out.HiddenToday = n
	if out.Version, err = g.store.Version(ctx); err != nil {
		return Stats{}, fmt.Errorf("guard: stats: %w", err)
	}
	return out, nil
}

// Stop shuts down every session, the browser and the database.
func (g *Guard) Stop() {
	for _, e := range g.list() {
		g.drop(e.sess.ID())
	}
	g.mu.Lock()
	cancel := g.bgCancel
	g.bgCancel = nil
	g.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	g.bg.Wait()

	if g.mgr != nil {
		if err := g.mgr.Close(); err != nil {
			g.logger.Warn("guard: close browser", "error", err)
		}
	}
	if g.ownsDB && g.db != nil {
		g.db.Close()
	}
	g.logger.Info("guard: stopped")
}

func (g *Guard) settingsChanged() {
	for _, e := range g.list() {
		e.sess.SettingsChanged()
	}
}

// list returns the sessions ordered by id.
func (g *Guard) list() []*entry {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]*entry, 0, len(g.sessions))
	for _, e := range g.sessions {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].sess.ID() < out[j].sess.ID() })
	return out
}

func (g *Guard) drop(id string) bool {
	g.mu.Lock()
	e, ok := g.sessions[id]
	delete(g.sessions, id)
	g.mu.Unlock()
	if !ok {
		return false
	}
	if e.bridge != nil {
		e.bridge.Stop()
	}
	e.sess.Stop()
	if e.tab != nil {
		if err := e.tab.Close(); err != nil {
			g.logger.Debug("guard: close tab", "session", id, "error", err)
		}
	}
	return true
}

// dropBrowserSessions stops the sessions whose tab dies with the browser
// and remembers their pages for reopenPages.
func (g *Guard) dropBrowserSessions() {
	var pages []PageConfig
	for _, e := range g.list() {
		if e.tab != nil {
			pages = append(pages, e.page)
			g.drop(e.sess.ID())
		}
	}
	g.mu.Lock()
	g.recycled = pages
	g.mu.Unlock()
}

func (g *Guard) reopenPages(ctx context.Context) {
	g.mu.Lock()
	pages := g.recycled
	g.recycled = nil
	g.mu.Unlock()
	for _, page := range pages {
		if _, err := g.OpenPage(ctx, page); err != nil {
			g.logger.Error("guard: reopen page after recycle failed", "url", page.URL, "error", err)
		}
	}
}
