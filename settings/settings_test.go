package settings

import (
	"context"
	"reflect"
	"sync"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/spoilguard/dbopen"
)

func openStore(t *testing.T) *SQLiteStore {
	t.Helper()
	db := dbopen.OpenMemory(t)
	s, err := Open(context.Background(), db, Options{PollInterval: 10 * time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func boolp(b bool) *bool { return &b }

func TestNormalizeKeywords(t *testing.T) {
	tests := []struct {
		in   []string
		want []string
	}{
		{nil, []string{}},
		{[]string{" Masters ", "", "  "}, []string{"Masters"}},
		{[]string{"Masters", "masters", "MASTERS", "open"}, []string{"Masters", "open"}},
		{[]string{"b", "a"}, []string{"b", "a"}},
	}
	for _, tt := range tests {
		if got := NormalizeKeywords(tt.in); !reflect.DeepEqual(got, tt.want) {
			t.Errorf("NormalizeKeywords(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestParseKeywords(t *testing.T) {
	got := ParseKeywords("masters, open\nfinal,,")
	want := []string{"masters", "open", "final"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("ParseKeywords = %q, want %q", got, want)
	}
}

func TestPatchApply(t *testing.T) {
	kw := []string{"x", "X"}
	got := Patch{Keywords: &kw, Enabled: boolp(false)}.Apply(Defaults())
	if !reflect.DeepEqual(got.Keywords, []string{"x"}) || got.Enabled || !got.HideThumbnails {
		t.Fatalf("Apply = %+v", got)
	}
	if !(Patch{}).Empty() {
		t.Fatal("zero patch not empty")
	}
}

func TestGet_EmptyStoreUsesDefaults(t *testing.T) {
	s := openStore(t)
	got, err := s.Get(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, Defaults()) {
		t.Fatalf("Get = %+v, want defaults", got)
	}
	if got.Keywords == nil {
		t.Fatal("keywords must be empty, not nil")
	}
}

func TestSeed_OnlyOnce(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	seeded, err := s.Seed(ctx)
	if err != nil || !seeded {
		t.Fatalf("first seed: seeded=%v err=%v", seeded, err)
	}
	got, _ := s.Get(ctx)
	if !reflect.DeepEqual(got.Keywords, []string{"masters"}) || !got.Enabled || !got.HideThumbnails || got.ShowCurrentTime {
		t.Fatalf("seeded settings = %+v", got)
	}

	kw := []string{"final"}
	if err := s.Set(ctx, Patch{Keywords: &kw}); err != nil {
		t.Fatal(err)
	}
	if seeded, _ := s.Seed(ctx); seeded {
		t.Fatal("second seed overwrote user settings")
	}
	got, _ = s.Get(ctx)
	if !reflect.DeepEqual(got.Keywords, []string{"final"}) {
		t.Fatalf("keywords = %q", got.Keywords)
	}
}

func TestSet_PartialAndVersion(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	v0, _ := s.Version(ctx)
	if err := s.Set(ctx, Patch{ShowCurrentTime: boolp(true)}); err != nil {
		t.Fatal(err)
	}
	if err := s.Set(ctx, Patch{}); err != nil {
		t.Fatal(err)
	}
	v1, _ := s.Version(ctx)
	if v1 != v0+1 {
		t.Fatalf("version %d -> %d, want one bump", v0, v1)
	}
	got, _ := s.Get(ctx)
	if !got.ShowCurrentTime || !got.Enabled {
		t.Fatalf("settings = %+v", got)
	}
}

func TestGet_InvalidValueFallsBack(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	if _, err := s.db.Exec(`INSERT INTO settings (key, value, updated_at) VALUES ('enabled', 'not json', 0), ('keywords', '"oops"', 0)`); err != nil {
		t.Fatal(err)
	}
	got, err := s.Get(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Enabled || len(got.Keywords) != 0 {
		t.Fatalf("settings = %+v, want defaults for bad values", got)
	}
}

func watchSettings(t *testing.T, s *SQLiteStore) func() []Settings {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	var mu sync.Mutex
	var seen []Settings
	done := make(chan struct{})
	go func() {
		s.OnChange(ctx, func(cur Settings) {
			mu.Lock()
			seen = append(seen, cur)
			mu.Unlock()
		})
		close(done)
	}()
	t.Cleanup(func() { cancel(); <-done })
	return func() []Settings {
		mu.Lock()
		defer mu.Unlock()
		return append([]Settings(nil), seen...)
	}
}

func waitSeen(t *testing.T, seen func() []Settings, cond func(Settings) bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		if all := seen(); len(all) > 0 && cond(all[len(all)-1]) {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("change not observed: %+v", seen())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestOnChange(t *testing.T) {
	s := openStore(t)
	seen := watchSettings(t, s)

	// The first call reports the settings as they are.
	waitSeen(t, seen, func(cur Settings) bool { return cur.Enabled })
	if err := s.Set(context.Background(), Patch{Enabled: boolp(false)}); err != nil {
		t.Fatal(err)
	}
	waitSeen(t, seen, func(cur Settings) bool { return !cur.Enabled })
}

func TestOnChange_WriteBeforeWatchStarts(t *testing.T) {
	s := openStore(t)
	if err := s.Set(context.Background(), Patch{Enabled: boolp(false)}); err != nil {
		t.Fatal(err)
	}
	seen := watchSettings(t, s)
	waitSeen(t, seen, func(cur Settings) bool { return !cur.Enabled })
}
