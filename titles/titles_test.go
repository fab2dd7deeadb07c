package titles

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name, page, want string
		err              error
	}{
		{"meta first", `<html><head><meta name="title" content="2024 Masters Final Round"><title>Other - YouTube</title></head></html>`, "2024 Masters Final Round", nil},
		{"title suffix stripped", `<html><head><title>Cooking Tutorial - YouTube</title></head></html>`, "Cooking Tutorial", nil},
		{"empty meta falls back", `<html><head><meta name="title" content=" "><title>Fallback</title></head></html>`, "Fallback", nil},
		{"entities decoded", `<html><head><meta name="title" content="Rock &amp; Roll"></head></html>`, "Rock & Roll", nil},
		{"nothing", `<html><head></head><body>x</body></html>`, "", ErrNoTitle},
		{"only suffix", `<html><head><title> - YouTube</title></head></html>`, "", ErrNoTitle},
		{"suffix without padding", `<html><head><title>- YouTube</title></head></html>`, "", ErrNoTitle},
		{"padded title", "<html><head><title>\n  Masters Recap - YouTube\n</title></head></html>", "Masters Recap", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(strings.NewReader(tt.page))
			if !errors.Is(err, tt.err) {
				t.Fatalf("err = %v, want %v", err, tt.err)
			}
			if got != tt.want {
				t.Fatalf("title = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestFetch_RequestAndCache(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.URL.Path != "/watch" || r.URL.Query().Get("v") != "abc123" {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("User-Agent") == "" {
			t.Error("missing User-Agent")
		}
		fmt.Fprint(w, `<html><head><meta name="title" content="Masters Round 1"></head></html>`)
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL + "/"})
	for range 2 {
		got, err := c.Fetch(context.Background(), "abc123")
		if err != nil {
			t.Fatal(err)
		}
		if got != "Masters Round 1" {
			t.Fatalf("title = %q", got)
		}
	}
	if hits.Load() != 1 {
		t.Fatalf("hits = %d, want 1 (cached)", hits.Load())
	}
}

func TestFetch_RetriesServerErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, `<title>Late - YouTube</title>`)
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, Backoff: time.Millisecond})
	got, err := c.Fetch(context.Background(), "x")
	if err != nil {
		t.Fatal(err)
	}
	if got != "Late" || hits.Load() != 3 {
		t.Fatalf("title=%q hits=%d", got, hits.Load())
	}
}

func TestFetch_GivesUpAfterRetries(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, Retries: 1, Backoff: time.Millisecond})
	if _, err := c.Fetch(context.Background(), "x"); err == nil {
		t.Fatal("expected error")
	}
	if hits.Load() != 2 {
		t.Fatalf("hits = %d, want 2", hits.Load())
	}
}

func TestFetch_NotFoundNotRetried(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.NotFound(w, r)
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, Backoff: time.Millisecond})
	if _, err := c.Fetch(context.Background(), "x"); err == nil {
		t.Fatal("expected error")
	}
	if hits.Load() != 1 {
		t.Fatalf("hits = %d, want 1", hits.Load())
	}
}

func TestFetch_NoTitleNotCached(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		fmt.Fprint(w, `<html></html>`)
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL})
	for range 2 {
		if _, err := c.Fetch(context.Background(), "x"); !errors.Is(err, ErrNoTitle) {
			t.Fatalf("err = %v, want ErrNoTitle", err)
		}
	}
	if hits.Load() != 2 {
		t.Fatalf("hits = %d, want 2", hits.Load())
	}
}

func TestCacheEviction(t *testing.T) {
	c := New(Config{CacheSize: 2})
	c.store("a", "A")
	c.store("b", "B")
	c.store("c", "C")
	if _, ok := c.cached("a"); ok {
		t.Fatal("oldest entry not evicted")
	}
	if v, ok := c.cached("c"); !ok || v != "C" {
		t.Fatal("newest entry missing")
	}
}
