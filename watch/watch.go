// Package watch polls a SQLite version token and runs an action when it
// moves. The settings store uses it to notice edits made by any process
// sharing the database file, including the api surface and the CLI.
//
//	w := watch.New(db, watch.Options{Detector: watch.MaxColumnDetector("settings_meta", "version")})
//	go w.OnChange(ctx, func(ctx context.Context) error { return reload(ctx) })
package watch

import (
	"context"
	"database/sql"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// ChangeDetector reads a version token. Two different values mean the
// watched data changed.
type ChangeDetector func(ctx context.Context, db *sql.DB) (int64, error)

// Options tunes a Watcher.
type Options struct {
	// Interval between polls. Default: 1s.
	Interval time.Duration
	// Debounce is the quiet period after a change before the action
	// runs; further changes restart it. Zero runs the action at once.
	Debounce time.Duration
	// Detector defaults to PragmaDataVersion.
	Detector ChangeDetector
	// Initial runs the action once after the first version read, so a
	// change committed before OnChange started is not missed.
	Initial bool
	Logger  *slog.Logger
}

func (o *Options) defaults() {
	if o.Interval <= 0 {
		o.Interval = time.Second
	}
	if o.Detector == nil {
		o.Detector = PragmaDataVersion
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Stats are point-in-time counters.
type Stats struct {
	Checks  int64 `json:"checks"`
	Changes int64 `json:"changes"`
	Errors  int64 `json:"errors"`
	Fired   int64 `json:"fired"`
}

// Watcher runs an action each time the detector's token moves.
type Watcher struct {
	db    *sql.DB
	opts  Options
	poke  chan struct{}
	ready chan struct{}
	once  sync.Once

	mu      sync.Mutex
	cond    *sync.Cond
	version int64

	checks  atomic.Int64
	changes atomic.Int64
	errors  atomic.Int64
	fired   atomic.Int64
}

// New creates a Watcher. Call OnChange to start polling.
func New(db *sql.DB, opts Options) *Watcher {
	opts.defaults()
	w := &Watcher{db: db, opts: opts, poke: make(chan struct{}, 1), ready: make(chan struct{})}
	w.cond = sync.NewCond(&w.mu)
	return w
}

// Stats returns the counters.
func (w *Watcher) Stats() Stats {
	return Stats{
		Checks:  w.checks.Load(),
		Changes: w.changes.Load(),
		Errors:  w.errors.Load(),
		Fired:   w.fired.Load(),
	}
}

// Version returns the last version whose action succeeded.
func (w *Watcher) Version() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.version
}

// Ready is closed once OnChange has read its starting version. Changes
// after that are always seen.
func (w *Watcher) Ready() <-chan struct{} { return w.ready }

// Poke asks for a poll now instead of at the next interval. Local writers
// call it after committing.
func (w *Watcher) Poke() {
	select {
	case w.poke <- struct{}{}:
	default:
	}
}

// OnChange polls until ctx is done. A failed action leaves the version
// unchanged so the next poll retries it.
func (w *Watcher) OnChange(ctx context.Context, action func(ctx context.Context) error) {
	log := w.opts.Logger
	v, err := w.opts.Detector(ctx, w.db)
	if err != nil {
		log.Warn("watch: initial version check failed", "error", err)
	} else {
		w.setVersion(v)
	}
	w.once.Do(func() { close(w.ready) })
	if w.opts.Initial && err == nil {
		w.fire(ctx, action, v)
	}

	ticker := time.NewTicker(w.opts.Interval)
	defer ticker.Stop()

	var (
		debounce  *time.Timer
		debounceC <-chan time.Time
		pending   int64 = -1
	)
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	check := func() {
		w.checks.Add(1)
		cur, err := w.opts.Detector(ctx, w.db)
		if err != nil {
			if ctx.Err() == nil {
				w.errors.Add(1)
				log.Warn("watch: version check failed", "error", err)
			}
			return
		}
		if cur == w.Version() || cur == pending {
			return
		}
		w.changes.Add(1)
		pending = cur
		if w.opts.Debounce <= 0 {
			w.fire(ctx, action, pending)
			pending = -1
			return
		}
		if debounce != nil {
			debounce.Stop()
		}
		debounce = time.NewTimer(w.opts.Debounce)
		debounceC = debounce.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			check()
		case <-w.poke:
			check()
		case <-debounceC:
			debounceC = nil
			if pending >= 0 {
				w.fire(ctx, action, pending)
				pending = -1
			}
		}
	}
}

// WaitForVersion blocks until an action for a version >= target has
// succeeded or ctx is done.
func (w *Watcher) WaitForVersion(ctx context.Context, target int64) error {
	stop := context.AfterFunc(ctx, func() {
		w.mu.Lock()
		w.cond.Broadcast()
		w.mu.Unlock()
	})
	defer stop()

	w.mu.Lock()
	defer w.mu.Unlock()
	for w.version < target {
		if err := ctx.Err(); err != nil {
			return err
		}
		w.cond.Wait()
	}
	return nil
}

func (w *Watcher) fire(ctx context.Context, action func(context.Context) error, ver int64) {
	if err := action(ctx); err != nil {
		w.errors.Add(1)
		w.opts.Logger.Error("watch: action failed", "version", ver, "error", err)
		return
	}
	w.fired.Add(1)
	w.setVersion(ver)
	w.opts.Logger.Debug("watch: change applied", "version", ver)
}

func (w *Watcher) setVersion(v int64) {
	w.mu.Lock()
	w.version = v
	w.cond.Broadcast()
	w.mu.Unlock()
}

// PragmaDataVersion moves whenever another connection commits to the
// database file. Writes through the same connection do not move it.
func PragmaDataVersion(ctx context.Context, db *sql.DB) (int64, error) {
	var v int64
	err := db.QueryRowContext(ctx, "PRAGMA data_version").Scan(&v)
	return v, err
}

// MaxColumnDetector polls MAX(column) of table. Identifiers are quoted.
func MaxColumnDetector(table, column string) ChangeDetector {
	query := "SELECT COALESCE(MAX(" + quoteIdent(column) + "), 0) FROM " + quoteIdent(table)
	return func(ctx context.Context, db *sql.DB) (int64, error) {
		var v int64
		err := db.QueryRowContext(ctx, query).Scan(&v)
		return v, err
	}
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}
