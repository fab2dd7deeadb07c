package audit

import (
	"context"
	"errors"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/spoilguard/dbopen"
	"github.com/hazyhaar/spoilguard/idgen"
	"github.com/hazyhaar/spoilguard/kit"
)

func setup(t *testing.T) *Logger {
	t.Helper()
	db := dbopen.OpenMemory(t)
	l, err := Open(context.Background(), db, Options{IDs: idgen.Sequence("aud_")})
	if err != nil {
		t.Fatal(err)
	}
	return l
}

func TestLog_Sync(t *testing.T) {
	l := setup(t)
	defer l.Close()

	e := &Entry{Action: "set_settings", Parameters: `{"enabled":false}`}
	if err := l.Log(context.Background(), e); err != nil {
		t.Fatal(err)
	}
	if e.EntryID != "aud_1" || e.Timestamp == 0 || e.Status != "success" || e.Transport != "http" {
		t.Fatalf("defaults not filled: %+v", e)
	}

	got, err := l.Recent(context.Background(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Action != "set_settings" || got[0].Parameters != `{"enabled":false}` {
		t.Fatalf("recent = %+v", got)
	}
}

func TestLogAsync_FlushedOnClose(t *testing.T) {
	l := setup(t)
	l.LogAsync(&Entry{Action: "refresh"})
	l.Close()

	got, err := l.Recent(context.Background(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Action != "refresh" {
		t.Fatalf("recent = %+v", got)
	}
}

func TestMiddleware(t *testing.T) {
	l := setup(t)

	ok := Middleware(l, "set_settings")(func(ctx context.Context, req any) (any, error) {
		return "done", nil
	})
	errFail := errors.New("store down")
	fail := Middleware(l, "clear_logs")(func(ctx context.Context, req any) (any, error) {
		return nil, errFail
	})

	ctx := kit.WithTransport(context.Background(), "mcp")
	ctx = kit.WithRequestID(ctx, "req_abc")
	ctx = kit.WithUser(ctx, "admin")
	ctx = kit.WithClient(ctx, "Firefox 120.0 (Linux)")
	if resp, err := ok(ctx, map[string]bool{"enabled": true}); err != nil || resp != "done" {
		t.Fatalf("ok: %v %v", resp, err)
	}
	if _, err := fail(context.Background(), nil); !errors.Is(err, errFail) {
		t.Fatalf("fail: %v", err)
	}
	l.Close()

	got, err := l.Recent(context.Background(), 10)
	if err != nil {
		t.Fatal(err)
	}
	byAction := map[string]Entry{}
	for _, e := range got {
		byAction[e.Action] = e
	}
	s := byAction["set_settings"]
	if s.Transport != "mcp" || s.User != "admin" || s.RequestID != "req_abc" ||
		s.Client != "Firefox 120.0 (Linux)" || s.Status != "success" || s.Parameters != `{"enabled":true}` {
		t.Errorf("success entry = %+v", s)
	}
	f := byAction["clear_logs"]
	if f.Status != "error" || f.Error != "store down" || f.Transport != "http" {
		t.Errorf("error entry = %+v", f)
	}
}

func TestCleanup(t *testing.T) {
	now := time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)
	db := dbopen.OpenMemory(t)
	l, err := Open(context.Background(), db, Options{Now: func() time.Time { return now }})
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	ctx := context.Background()
	l.Log(ctx, &Entry{Action: "old", Timestamp: now.Add(-48 * time.Hour).UnixMilli()})
	l.Log(ctx, &Entry{Action: "new"})

	n, err := l.Cleanup(ctx, 24*time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("deleted %d, want 1", n)
	}
	got, _ := l.Recent(ctx, 10)
	if len(got) != 1 || got[0].Action != "new" {
		t.Fatalf("recent = %+v", got)
	}
}
