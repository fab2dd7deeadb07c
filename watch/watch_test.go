package watch

import (
	"context"
	"database/sql"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

func testDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

// counter is a detector whose token the test moves by hand.
type counter struct{ v atomic.Int64 }

func (c *counter) detect(context.Context, *sql.DB) (int64, error) { return c.v.Load(), nil }

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met")
}

func TestMaxColumnDetector(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	if _, err := db.Exec(`CREATE TABLE "settings meta" (id INTEGER PRIMARY KEY, version INTEGER)`); err != nil {
		t.Fatal(err)
	}

	det := MaxColumnDetector("settings meta", "version")
	if v, err := det(ctx, db); err != nil || v != 0 {
		t.Fatalf("empty table: v=%d err=%v", v, err)
	}
	if _, err := db.Exec(`INSERT INTO "settings meta" (version) VALUES (7)`); err != nil {
		t.Fatal(err)
	}
	if v, err := det(ctx, db); err != nil || v != 7 {
		t.Fatalf("v=%d err=%v, want 7", v, err)
	}
}

func TestPragmaDataVersion(t *testing.T) {
	v, err := PragmaDataVersion(context.Background(), testDB(t))
	if err != nil {
		t.Fatal(err)
	}
	if v < 0 {
		t.Fatalf("version = %d", v)
	}
}

func TestOnChange_FiresOncePerChange(t *testing.T) {
	var c counter
	var fired atomic.Int32
	w := New(nil, Options{Interval: 10 * time.Millisecond, Detector: c.detect})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.OnChange(ctx, func(context.Context) error {
		fired.Add(1)
		return nil
	})

	<-w.Ready()
	c.v.Store(1)
	eventually(t, func() bool { return fired.Load() == 1 })
	c.v.Store(2)
	eventually(t, func() bool { return fired.Load() == 2 })

	time.Sleep(50 * time.Millisecond)
	if got := fired.Load(); got != 2 {
		t.Fatalf("fired = %d with no change, want 2", got)
	}
}

func TestOnChange_Debounce(t *testing.T) {
	var c counter
	var fired atomic.Int32
	w := New(nil, Options{Interval: 10 * time.Millisecond, Debounce: 150 * time.Millisecond, Detector: c.detect})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.OnChange(ctx, func(context.Context) error {
		fired.Add(1)
		return nil
	})

	<-w.Ready()
	for i := int64(1); i <= 5; i++ {
		c.v.Store(i)
		time.Sleep(15 * time.Millisecond)
	}
	if got := fired.Load(); got != 0 {
		t.Fatalf("fired %d times inside the debounce window", got)
	}
	eventually(t, func() bool { return fired.Load() == 1 })
	if w.Version() != 5 {
		t.Fatalf("version = %d, want 5", w.Version())
	}
}

func TestOnChange_FailedActionRetried(t *testing.T) {
	var c counter
	var calls atomic.Int32
	w := New(nil, Options{Interval: 10 * time.Millisecond, Detector: c.detect})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.OnChange(ctx, func(context.Context) error {
		if calls.Add(1) == 1 {
			return errors.New("reload failed")
		}
		return nil
	})

	<-w.Ready()
	c.v.Store(1)
	eventually(t, func() bool { return w.Version() == 1 })
	if calls.Load() < 2 {
		t.Fatalf("calls = %d, want retry after failure", calls.Load())
	}
	if w.Stats().Errors == 0 {
		t.Fatal("failure not counted")
	}
}

func TestPoke(t *testing.T) {
	var c counter
	var fired atomic.Int32
	w := New(nil, Options{Interval: time.Hour, Detector: c.detect})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.OnChange(ctx, func(context.Context) error {
		fired.Add(1)
		return nil
	})

	<-w.Ready()
	c.v.Store(3)
	eventually(t, func() bool {
		w.Poke()
		return fired.Load() == 1
	})
}

func TestOnChange_InitialCoversEarlierChange(t *testing.T) {
	var c counter
	var fired atomic.Int32
	c.v.Store(4)
	w := New(nil, Options{Interval: time.Hour, Detector: c.detect, Initial: true})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.OnChange(ctx, func(context.Context) error {
		fired.Add(1)
		return nil
	})

	eventually(t, func() bool { return fired.Load() == 1 && w.Version() == 4 })
	time.Sleep(30 * time.Millisecond)
	if got := fired.Load(); got != 1 {
		t.Fatalf("fired = %d, want 1", got)
	}
}

func TestWaitForVersion(t *testing.T) {
	var c counter
	w := New(nil, Options{Interval: 10 * time.Millisecond, Detector: c.detect})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go w.OnChange(ctx, func(context.Context) error { return nil })

	go func() {
		time.Sleep(30 * time.Millisecond)
		c.v.Store(10)
	}()
	if err := w.WaitForVersion(ctx, 10); err != nil {
		t.Fatalf("WaitForVersion: %v", err)
	}
}

func TestWaitForVersion_Timeout(t *testing.T) {
	var c counter
	w := New(nil, Options{Interval: 10 * time.Millisecond, Detector: c.detect})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.OnChange(ctx, func(context.Context) error { return nil })

	waitCtx, waitCancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer waitCancel()
	if err := w.WaitForVersion(waitCtx, 99); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
}
