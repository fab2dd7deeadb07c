package settings

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hazyhaar/spoilguard/dbopen"
	"github.com/hazyhaar/spoilguard/watch"
)

const (
	keyKeywords        = "keywords"
	keyHideThumbnails  = "hideThumbnails"
	keyShowCurrentTime = "showCurrentTime"
	keyEnabled         = "enabled"
)

var migrations = []dbopen.Migration{
	{Name: "settings", SQL: `
		CREATE TABLE IF NOT EXISTS settings (
			key        TEXT PRIMARY KEY,
			value      TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		);
		CREATE TABLE IF NOT EXISTS settings_meta (
			id      INTEGER PRIMARY KEY CHECK (id = 1),
			version INTEGER NOT NULL
		);
		INSERT OR IGNORE INTO settings_meta (id, version) VALUES (1, 0);`},
}

// Options for the SQLite store.
type Options struct {
	// PollInterval is how often OnChange looks for changes. Default 1s.
	PollInterval time.Duration
	Logger       *slog.Logger
}

// SQLiteStore keeps settings as JSON values in a key/value table. Every
// Set bumps settings_meta.version, which OnChange polls.
type SQLiteStore struct {
	db     *sql.DB
	opts   Options
	logger *slog.Logger

	mu       sync.Mutex
	watchers map[*watch.Watcher]struct{}
}

// Open migrates db and returns the store.
func Open(ctx context.Context, db *sql.DB, opts Options) (*SQLiteStore, error) {
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if err := dbopen.Migrate(ctx, db, "settings", migrations); err != nil {
		return nil, fmt.Errorf("settings: %w", err)
	}
	return &SQLiteStore{
		db:       db,
		opts:     opts,
		logger:   opts.Logger,
		watchers: make(map[*watch.Watcher]struct{}),
	}, nil
}

// Seed writes the install defaults when the store is empty. It reports
// whether it wrote anything.
func (s *SQLiteStore) Seed(ctx context.Context) (bool, error) {
	seeded := false
	err := dbopen.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		var n int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM settings`).Scan(&n); err != nil {
			return err
		}
		if n > 0 {
			return nil
		}
		kw := append([]string(nil), SeedKeywords...)
		d := Defaults()
		if err := put(ctx, tx, Patch{
			Keywords:        &kw,
			HideThumbnails:  &d.HideThumbnails,
			ShowCurrentTime: &d.ShowCurrentTime,
			Enabled:         &d.Enabled,
		}); err != nil {
			return err
		}
		seeded = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("settings: seed: %w", err)
	}
	if seeded {
		s.logger.Info("settings: seeded install defaults", "keywords", SeedKeywords)
		s.poke()
	}
	return seeded, nil
}

// Get reads the settings. Missing or unreadable keys fall back to
// Defaults.
func (s *SQLiteStore) Get(ctx context.Context) (Settings, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM settings`)
	if err != nil {
		return Defaults(), fmt.Errorf("settings: get: %w", err)
	}
	defer rows.Close()

	out := Defaults()
	for rows.Next() {
		var key, raw string
		if err := rows.Scan(&key, &raw); err != nil {
			return Defaults(), fmt.Errorf("settings: get: %w", err)
		}
		var dst any
		switch key {
		case keyKeywords:
			dst = &out.Keywords
		case keyHideThumbnails:
			dst = &out.HideThumbnails
		case keyShowCurrentTime:
			dst = &out.ShowCurrentTime
		case keyEnabled:
			dst = &out.Enabled
		default:
			continue
		}
		if err := json.Unmarshal([]byte(raw), dst); err != nil {
			s.logger.Warn("settings: invalid stored value, using default", "key", key, "error", err)
			d := Defaults()
			switch key {
			case keyKeywords:
				out.Keywords = d.Keywords
			case keyHideThumbnails:
				out.HideThumbnails = d.HideThumbnails
			case keyShowCurrentTime:
				out.ShowCurrentTime = d.ShowCurrentTime
			case keyEnabled:
				out.Enabled = d.Enabled
			}
		}
	}
	if err := rows.Err(); err != nil {
		return Defaults(), fmt.Errorf("settings: get: %w", err)
	}
	if out.Keywords == nil {
		out.Keywords = []string{}
	}
	return out, nil
}

// Set writes the non-nil fields of p in one transaction.
func (s *SQLiteStore) Set(ctx context.Context, p Patch) error {
	if p.Empty() {
		return nil
	}
	if err := dbopen.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		return put(ctx, tx, p)
	}); err != nil {
		return fmt.Errorf("settings: set: %w", err)
	}
	s.poke()
	return nil
}

// Version returns the change counter.
func (s *SQLiteStore) Version(ctx context.Context) (int64, error) {
	var v int64
	err := s.db.QueryRowContext(ctx, `SELECT version FROM settings_meta WHERE id = 1`).Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("settings: version: %w", err)
	}
	return v, nil
}

// OnChange blocks until ctx is done. fn gets the current settings once
// when watching starts, then again after every change.
func (s *SQLiteStore) OnChange(ctx context.Context, fn func(Settings)) {
	w := watch.New(s.db, watch.Options{
		Interval: s.opts.PollInterval,
		Detector: watch.MaxColumnDetector("settings_meta", "version"),
		Initial:  true,
		Logger:   s.logger,
	})
	s.mu.Lock()
	s.watchers[w] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.watchers, w)
		s.mu.Unlock()
	}()

	w.OnChange(ctx, func(ctx context.Context) error {
		cur, err := s.Get(ctx)
		if err != nil {
			return err
		}
		fn(cur)
		return nil
	})
}

func (s *SQLiteStore) poke() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for w := range s.watchers {
		w.Poke()
	}
}

func put(ctx context.Context, tx *sql.Tx, p Patch) error {
	now := time.Now().UnixMilli()
	write := func(key string, v any) error {
		raw, err := json.Marshal(v)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
			key, string(raw), now)
		return err
	}
	if p.Keywords != nil {
		if err := write(keyKeywords, NormalizeKeywords(*p.Keywords)); err != nil {
			return err
		}
	}
	if p.HideThumbnails != nil {
		if err := write(keyHideThumbnails, *p.HideThumbnails); err != nil {
			return err
		}
	}
	if p.ShowCurrentTime != nil {
		if err := write(keyShowCurrentTime, *p.ShowCurrentTime); err != nil {
			return err
		}
	}
	if p.Enabled != nil {
		if err := write(keyEnabled, *p.Enabled); err != nil {
			return err
		}
	}
	_, err := tx.ExecContext(ctx, `UPDATE settings_meta SET version = version + 1 WHERE id = 1`)
	return err
}
