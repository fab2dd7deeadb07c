// Package audit keeps a SQLite trail of operations that change state:
// settings writes, journal clears and refresh broadcasts, whichever
// transport they came through.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/spoilguard/dbopen"
	"github.com/hazyhaar/spoilguard/idgen"
	"github.com/hazyhaar/spoilguard/kit"
)

var migrations = []dbopen.Migration{
	{Name: "audit_log", SQL: `
		CREATE TABLE IF NOT EXISTS audit_log (
			entry_id    TEXT PRIMARY KEY,
			timestamp   INTEGER NOT NULL,
			action      TEXT NOT NULL,
			transport   TEXT NOT NULL DEFAULT '',
			user_name   TEXT NOT NULL DEFAULT '',
			client      TEXT NOT NULL DEFAULT '',
			request_id  TEXT NOT NULL DEFAULT '',
			parameters  TEXT NOT NULL DEFAULT '',
			status      TEXT NOT NULL,
			error       TEXT NOT NULL DEFAULT '',
			duration_ms INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_audit_log_timestamp ON audit_log (timestamp);`},
}

// Entry is one audited call.
type Entry struct {
	EntryID    string `json:"entry_id"`
	Timestamp  int64  `json:"timestamp"` // unix milliseconds
	Action     string `json:"action"`
	Transport  string `json:"transport"`
	User       string `json:"user,omitempty"`
	Client     string `json:"client,omitempty"`
	RequestID  string `json:"request_id,omitempty"`
	Parameters string `json:"parameters,omitempty"`
	Status     string `json:"status"` // "success" or "error"
	Error      string `json:"error,omitempty"`
	DurationMs int64  `json:"duration_ms"`
}

// Options for a Logger.
type Options struct {
	// Buffer is the async queue size. Default 256.
	Buffer int
	// FlushInterval bounds how long a queued entry waits. Default 2s.
	FlushInterval time.Duration
	IDs           idgen.Generator
	Now           func() time.Time
	Logger        *slog.Logger
}

// Logger persists entries. Log writes synchronously; LogAsync batches on
// a background goroutine drained by Close.
type Logger struct {
	db     *sql.DB
	opts   Options
	logger *slog.Logger
	ch     chan *Entry
	stop   chan struct{}
	done   chan struct{}
}

// Open migrates db and starts the flush loop.
func Open(ctx context.Context, db *sql.DB, opts Options) (*Logger, error) {
	if opts.Buffer <= 0 {
		opts.Buffer = 256
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = 2 * time.Second
	}
	if opts.IDs == nil {
		opts.IDs = idgen.Prefixed("aud_", idgen.UUIDv7())
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if err := dbopen.Migrate(ctx, db, "audit", migrations); err != nil {
		return nil, fmt.Errorf("audit: %w", err)
	}
	l := &Logger{
		db:     db,
		opts:   opts,
		logger: opts.Logger,
		ch:     make(chan *Entry, opts.Buffer),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go l.flushLoop()
	return l, nil
}

// Log inserts e now.
func (l *Logger) Log(ctx context.Context, e *Entry) error {
	l.fillDefaults(e)
	if err := l.insert(ctx, l.db, e); err != nil {
		return fmt.Errorf("audit: log: %w", err)
	}
	return nil
}

// LogAsync queues e. A full queue falls back to a synchronous insert.
func (l *Logger) LogAsync(e *Entry) {
	l.fillDefaults(e)
	select {
	case l.ch <- e:
	default:
		l.logger.Warn("audit: buffer full, sync fallback", "action", e.Action)
		if err := l.insert(context.Background(), l.db, e); err != nil {
			l.logger.Error("audit: sync fallback failed", "error", err)
		}
	}
}

// Recent returns up to limit entries, newest first.
func (l *Logger) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := l.db.QueryContext(ctx, `SELECT entry_id, timestamp, action, transport, user_name,
		client, request_id, parameters, status, error, duration_ms
		FROM audit_log ORDER BY timestamp DESC, entry_id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("audit: recent: %w", err)
	}
	defer rows.Close()

	out := []Entry{}
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.EntryID, &e.Timestamp, &e.Action, &e.Transport, &e.User,
			&e.Client, &e.RequestID, &e.Parameters, &e.Status, &e.Error, &e.DurationMs); err != nil {
			return nil, fmt.Errorf("audit: scan: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Cleanup deletes entries older than retention.
func (l *Logger) Cleanup(ctx context.Context, retention time.Duration) (int64, error) {
	threshold := l.opts.Now().Add(-retention).UnixMilli()
	res, err := dbopen.Exec(ctx, l.db, `DELETE FROM audit_log WHERE timestamp < ?`, threshold)
	if err != nil {
		return 0, fmt.Errorf("audit: cleanup: %w", err)
	}
	return res.RowsAffected()
}

// Close drains the queue and stops the flush loop.
func (l *Logger) Close() error {
	close(l.stop)
	<-l.done
	return nil
}

// Middleware audits every call of the named endpoint asynchronously.
func Middleware(l *Logger, action string) kit.Middleware {
	return func(next kit.Endpoint) kit.Endpoint {
		return func(ctx context.Context, req any) (any, error) {
			start := time.Now()
			resp, err := next(ctx, req)

			e := &Entry{
				Action:     action,
				Transport:  kit.GetTransport(ctx),
				User:       kit.GetUser(ctx),
				Client:     kit.GetClient(ctx),
				RequestID:  kit.GetRequestID(ctx),
				DurationMs: time.Since(start).Milliseconds(),
			}
			if req != nil {
				if b, mErr := json.Marshal(req); mErr == nil {
					e.Parameters = string(b)
				}
			}
			if err != nil {
				e.Error = err.Error()
			}
			l.LogAsync(e)
			return resp, err
		}
	}
}

func (l *Logger) fillDefaults(e *Entry) {
	if e.EntryID == "" {
		e.EntryID = l.opts.IDs()
	}
	if e.Timestamp == 0 {
		e.Timestamp = l.opts.Now().UnixMilli()
	}
	if e.Transport == "" {
		e.Transport = "http"
	}
	if e.Status == "" {
		if e.Error != "" {
			e.Status = "error"
		} else {
			e.Status = "success"
		}
	}
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (l *Logger) insert(ctx context.Context, x execer, e *Entry) error {
	_, err := x.ExecContext(ctx, `INSERT INTO audit_log
		(entry_id, timestamp, action, transport, user_name, client, request_id, parameters, status, error, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.EntryID, e.Timestamp, e.Action, e.Transport, e.User, e.Client, e.RequestID,
		e.Parameters, e.Status, e.Error, e.DurationMs)
	return err
}

func (l *Logger) flushLoop() {
	defer close(l.done)
	ticker := time.NewTicker(l.opts.FlushInterval)
	defer ticker.Stop()
	batch := make([]*Entry, 0, 64)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := dbopen.RunTx(ctx, l.db, func(tx *sql.Tx) error {
			for _, e := range batch {
				if err := l.insert(ctx, tx, e); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			l.logger.Error("audit: flush failed", "entries", len(batch), "error", err)
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-l.stop:
			for {
				select {
				case e := <-l.ch:
					batch = append(batch, e)
				default:
					flush()
					return
				}
			}
		case e := <-l.ch:
			batch = append(batch, e)
			if len(batch) >= cap(batch) {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}
