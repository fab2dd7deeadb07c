// Package journal keeps the user-visible activity log: a capped ring of
// timestamped lines, newest first, and the count of videos hidden today.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hazyhaar/spoilguard/dbopen"
)

// hiddenMarker identifies lines that count toward HiddenToday.
const hiddenMarker = "Hiding duration for video"

var migrations = []dbopen.Migration{
	{Name: "journal", SQL: `
		CREATE TABLE IF NOT EXISTS journal_lines (
			id   INTEGER PRIMARY KEY AUTOINCREMENT,
			line TEXT NOT NULL,
			at   INTEGER NOT NULL
		);
		CREATE TABLE IF NOT EXISTS journal_counter (
			id     INTEGER PRIMARY KEY CHECK (id = 1),
			day    TEXT NOT NULL,
			hidden INTEGER NOT NULL
		);`},
}

// Options for a Journal.
type Options struct {
	// Capacity is the number of lines kept. Default 100.
	Capacity int
	// Now defaults to time.Now. Days are computed in its location.
	Now    func() time.Time
	Logger *slog.Logger
}

// Journal is safe for concurrent use.
type Journal struct {
	db     *sql.DB
	opts   Options
	logger *slog.Logger
}

// Open migrates db and returns the journal.
func Open(ctx context.Context, db *sql.DB, opts Options) (*Journal, error) {
	if opts.Capacity <= 0 {
		opts.Capacity = 100
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if err := dbopen.Migrate(ctx, db, "journal", migrations); err != nil {
		return nil, fmt.Errorf("journal: %w", err)
	}
	return &Journal{db: db, opts: opts, logger: opts.Logger}, nil
}

// Append records msg. Failures are logged, never returned: the journal
// must not interfere with reconciliation.
func (j *Journal) Append(ctx context.Context, msg string) {
	if err := j.append(ctx, msg); err != nil {
		j.logger.Warn("journal: append failed", "error", err)
	}
}

func (j *Journal) append(ctx context.Context, msg string) error {
	now := j.opts.Now()
	line := fmt.Sprintf("[%s] %s", now.Format("15:04:05"), msg)
	return dbopen.RunTx(ctx, j.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO journal_lines (line, at) VALUES (?, ?)`, line, now.UnixMilli()); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM journal_lines WHERE id NOT IN (
			SELECT id FROM journal_lines ORDER BY id DESC LIMIT ?)`, j.opts.Capacity); err != nil {
			return err
		}
		if !strings.Contains(msg, hiddenMarker) {
			return nil
		}
		_, err := tx.ExecContext(ctx, `INSERT INTO journal_counter (id, day, hidden) VALUES (1, ?, 1)
			ON CONFLICT(id) DO UPDATE SET
				hidden = CASE WHEN day = excluded.day THEN hidden + 1 ELSE 1 END,
				day = excluded.day`, day(now))
		return err
	})
}

// Logs returns the stored lines, newest first.
func (j *Journal) Logs(ctx context.Context) ([]string, error) {
	rows, err := j.db.QueryContext(ctx, `SELECT line FROM journal_lines ORDER BY id DESC`)
	if err != nil {
		return nil, fmt.Errorf("journal: logs: %w", err)
	}
	defer rows.Close()
	out := []string{}
	for rows.Next() {
		var l string
		if err := rows.Scan(&l); err != nil {
			return nil, fmt.Errorf("journal: logs: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// HiddenToday returns how many videos were hidden since local midnight.
func (j *Journal) HiddenToday(ctx context.Context) (int, error) {
	var d string
	var n int
	err := j.db.QueryRowContext(ctx, `SELECT day, hidden FROM journal_counter WHERE id = 1`).Scan(&d, &n)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("journal: hidden today: %w", err)
	}
	if d != day(j.opts.Now()) {
		return 0, nil
	}
	return n, nil
}

// Clear drops every line. The counter is kept.
func (j *Journal) Clear(ctx context.Context) error {
	if _, err := dbopen.Exec(ctx, j.db, `DELETE FROM journal_lines`); err != nil {
		return fmt.Errorf("journal: clear: %w", err)
	}
	return nil
}

// ResetCounter zeroes the daily counter.
func (j *Journal) ResetCounter(ctx context.Context) error {
	_, err := dbopen.Exec(ctx, j.db, `INSERT INTO journal_counter (id, day, hidden) VALUES (1, ?, 0)
		ON CONFLICT(id) DO UPDATE SET day = excluded.day, hidden = 0`, day(j.opts.Now()))
	if err != nil {
		return fmt.Errorf("journal: reset counter: %w", err)
	}
	return nil
}

// RunDailyReset zeroes the counter at every local midnight until ctx is
// done.
func (j *Journal) RunDailyReset(ctx context.Context) {
	for {
		wait := untilMidnight(j.opts.Now())
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
		if err := j.ResetCounter(ctx); err != nil {
			j.logger.Warn("journal: daily reset failed", "error", err)
			continue
		}
		j.logger.Info("journal: daily counter reset")
	}
}

func day(t time.Time) string { return t.Format(time.DateOnly) }

// untilMidnight is the time left before the next local midnight.
func untilMidnight(now time.Time) time.Duration {
	y, m, d := now.Date()
	next := time.Date(y, m, d+1, 0, 0, 0, 0, now.Location())
	return next.Sub(now)
}
