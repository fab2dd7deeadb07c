package reconcile

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/hazyhaar/spoilguard/dom"
	"github.com/hazyhaar/spoilguard/schedule"
	"github.com/hazyhaar/spoilguard/settings"
)

const watchPage = `<!doctype html><html><head><title>YouTube</title></head><body>
<div id="movie_player" class="html5-video-player">
  <video class="html5-main-video"></video>
  <div class="ytp-chrome-bottom">
    <div class="ytp-progress-bar-container"></div>
    <div class="ytp-left-controls">
      <div class="ytp-time-display"><span class="ytp-time-current">0:01</span><span class="ytp-time-separator">/</span><span class="ytp-time-duration">3:10:00</span></div>
    </div>
  </div>
</div>
</body></html>`

const bareHead = `<!doctype html><html><head></head><body><div class="html5-video-player"></div></body></html>`

type lines struct {
	mu  sync.Mutex
	all []string
}

func (l *lines) Append(_ context.Context, msg string) {
	l.mu.Lock()
	l.all = append(l.all, msg)
	l.mu.Unlock()
}

func (l *lines) has(prefix string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, m := range l.all {
		if strings.HasPrefix(m, prefix) {
			return true
		}
	}
	return false
}

func on() settings.Settings {
	return settings.Settings{Keywords: []string{"masters"}, HideThumbnails: true, Enabled: true}
}

func newDoc(t *testing.T, src string) *dom.Memory {
	t.Helper()
	m, err := dom.NewMemory(src, "https://www.youtube.com/watch?v=abc")
	if err != nil {
		t.Fatal(err)
	}
	return m
}

// harness runs every reconciler call on the scheduler loop, as a page
// session does.
type harness struct {
	t     *testing.T
	doc   *dom.Memory
	sched *schedule.Scheduler
	r     *Reconciler
	g     *StaleGuard
	j     *lines
}

func newHarness(t *testing.T, src string, layout Layout) *harness {
	t.Helper()
	doc := newDoc(t, src)
	s := schedule.New(context.Background(), nil)
	t.Cleanup(s.Close)
	j := &lines{}
	r := New(Config{Doc: doc, Sched: s, Journal: j, Layout: layout, AnchorRetryDelay: 50 * time.Millisecond})
	return &harness{t: t, doc: doc, sched: s, r: r, g: NewStaleGuard(r), j: j}
}

func (h *harness) do(fn func(ctx context.Context)) {
	h.t.Helper()
	done := make(chan struct{})
	if !h.sched.Post(func(ctx context.Context) { fn(ctx); close(done) }) {
		h.t.Fatal("scheduler closed")
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		h.t.Fatal("loop callback timed out")
	}
}

func (h *harness) process(title string, s settings.Settings) (ran bool) {
	h.do(func(ctx context.Context) { ran = h.r.Process(ctx, title, s) })
	return ran
}

func (h *harness) counts() (styles, controls int) {
	return h.doc.Count("#" + StyleID), h.doc.Count("." + ControlClass)
}

func TestEvaluate(t *testing.T) {
	s := on()
	if Evaluate("2024 Masters Final Round", s) != Hide {
		t.Error("matching title should hide")
	}
	if Evaluate("Cooking Tutorial", s) != Show {
		t.Error("non-matching title should show")
	}
	s.Enabled = false
	if Evaluate("2024 Masters Final Round", s) != Show {
		t.Error("disabled guard should show")
	}
}

func TestProcess_MatchingTitleInjects(t *testing.T) {
	h := newHarness(t, watchPage, WatchLayout)
	if !h.process("2024 Masters Final Round", on()) {
		t.Fatal("process skipped")
	}
	styles, controls := h.counts()
	if styles != 1 || controls != 8 {
		t.Fatalf("styles=%d controls=%d, want 1 and 8", styles, controls)
	}
	if got := h.doc.Count(".ytp-time-display > ." + ControlClass); got != 8 {
		t.Errorf("controls under time display = %d, want 8", got)
	}
	if got := h.doc.Count(`[data-seek-seconds="-1800"]`); got != 1 {
		t.Errorf("-30m control missing")
	}
	if h.r.State().Decision != Hide {
		t.Errorf("decision = %v", h.r.State().Decision)
	}
	if !h.j.has("Hiding duration for video: 2024 Masters Final Round") {
		t.Errorf("journal = %q", h.j.all)
	}
}

func TestProcess_NonMatchingTitle(t *testing.T) {
	h := newHarness(t, watchPage, WatchLayout)
	h.process("Cooking Tutorial", on())
	if styles, controls := h.counts(); styles != 0 || controls != 0 {
		t.Fatalf("styles=%d controls=%d, want none", styles, controls)
	}
	if !h.j.has("No keywords matched for: Cooking Tutorial") {
		t.Errorf("journal = %q", h.j.all)
	}
}

func TestProcess_SkipsEmptyAndRepeatedTitle(t *testing.T) {
	h := newHarness(t, watchPage, WatchLayout)
	if h.process("", on()) {
		t.Fatal("empty title processed")
	}
	h.process("Masters", on())
	if h.process("Masters", on()) {
		t.Fatal("same title processed twice")
	}
	h.do(func(context.Context) { h.r.Invalidate() })
	if !h.process("Masters", on()) {
		t.Fatal("invalidated title skipped")
	}
	if got := h.r.Stats().Injections; got != 1 {
		t.Fatalf("injections = %d, want 1 (re-evaluation kept the intact handle)", got)
	}
}

func TestApply_Idempotent(t *testing.T) {
	h := newHarness(t, watchPage, WatchLayout)
	h.do(func(ctx context.Context) {
		h.r.Apply(ctx, Hide, Options{})
		h.r.Apply(ctx, Hide, Options{})
		h.r.Apply(ctx, Hide, Options{})
	})
	if styles, controls := h.counts(); styles != 1 || controls != 8 {
		t.Fatalf("styles=%d controls=%d after repeated Apply", styles, controls)
	}
	if got := h.r.Stats().Injections; got != 1 {
		t.Fatalf("injections = %d, want 1", got)
	}
}

func TestApply_RoundTripLeavesNoMarkers(t *testing.T) {
	h := newHarness(t, watchPage, WatchLayout)
	before := h.doc.HTML()
	h.do(func(ctx context.Context) {
		h.r.Apply(ctx, Hide, Options{})
		h.r.Apply(ctx, Show, Options{})
	})
	if styles, controls := h.counts(); styles != 0 || controls != 0 {
		t.Fatalf("styles=%d controls=%d after round trip", styles, controls)
	}
	if after := h.doc.HTML(); after != before {
		t.Fatalf("document changed by round trip:\n%s", after)
	}
}

func TestApply_OptionsChangeRebuildsStyle(t *testing.T) {
	h := newHarness(t, watchPage, WatchLayout)
	css := func() string {
		var out string
		h.doc.Mutate(func(d *goquery.Document) { out = d.Find("#" + StyleID).Text() })
		return out
	}
	h.do(func(ctx context.Context) { h.r.Apply(ctx, Hide, Options{}) })
	if !strings.Contains(css(), ".ytp-time-current") {
		t.Fatal("current time not hidden by default")
	}
	h.do(func(ctx context.Context) { h.r.Apply(ctx, Hide, Options{ShowCurrentTime: true}) })
	if strings.Contains(css(), ".ytp-time-current") {
		t.Fatal("current time still hidden with ShowCurrentTime")
	}
	if styles, controls := h.counts(); styles != 1 || controls != 8 {
		t.Fatalf("styles=%d controls=%d after rebuild", styles, controls)
	}
}

func TestClearAll_KeepsDecision(t *testing.T) {
	h := newHarness(t, watchPage, WatchLayout)
	h.do(func(ctx context.Context) {
		h.r.Apply(ctx, Hide, Options{})
		h.r.ClearAll(ctx)
	})
	if styles, controls := h.counts(); styles != 0 || controls != 0 {
		t.Fatalf("styles=%d controls=%d after ClearAll", styles, controls)
	}
	if h.r.State().Decision != Hide {
		t.Fatal("ClearAll changed the decision")
	}
}

func addOrphans(doc *dom.Memory) {
	doc.Mutate(func(d *goquery.Document) {
		d.Find("head").AppendHtml(`<style id="hide-timeline-css"></style>`)
		d.Find(".ytp-time-display").AppendHtml(`<span class="custom-seek-button">+10s</span>`)
	})
}

func TestClearAll_TouchesOnlyHandleNodes(t *testing.T) {
	h := newHarness(t, watchPage, WatchLayout)
	addOrphans(h.doc)
	h.do(func(ctx context.Context) { h.r.ClearAll(ctx) })
	if styles, controls := h.counts(); styles != 1 || controls != 1 {
		t.Fatalf("styles=%d controls=%d, want the unowned nodes left alone", styles, controls)
	}
}

func TestReset_RemovesOrphans(t *testing.T) {
	h := newHarness(t, watchPage, WatchLayout)
	addOrphans(h.doc)
	h.do(func(ctx context.Context) { h.r.Reset(ctx) })
	if styles, controls := h.counts(); styles != 0 || controls != 0 {
		t.Fatalf("orphans left: styles=%d controls=%d", styles, controls)
	}
}

func TestProcess_JournalsOncePerVerdict(t *testing.T) {
	h := newHarness(t, watchPage, WatchLayout)
	h.do(func(context.Context) { h.r.SetVideoID("abc") })
	h.process("Masters", on())
	for range 3 {
		h.do(func(context.Context) { h.r.Invalidate() })
		if !h.process("Masters", on()) {
			t.Fatal("invalidated title skipped")
		}
	}
	count := func(prefix string) int {
		h.j.mu.Lock()
		defer h.j.mu.Unlock()
		n := 0
		for _, m := range h.j.all {
			if strings.HasPrefix(m, prefix) {
				n++
			}
		}
		return n
	}
	if got := count("Hiding duration for video: "); got != 1 {
		t.Fatalf("hiding lines = %d, want 1: %q", got, h.j.all)
	}

	// A changed decision on the same title is a new verdict.
	off := on()
	off.Keywords = []string{"cooking"}
	h.do(func(context.Context) { h.r.Invalidate() })
	h.process("Masters", off)
	h.do(func(context.Context) { h.r.Invalidate() })
	h.process("Masters", on())
	if got := count("Hiding duration for video: "); got != 2 {
		t.Fatalf("hiding lines = %d, want 2 after show then hide: %q", got, h.j.all)
	}
	if got := count("No keywords matched for: "); got != 1 {
		t.Fatalf("show lines = %d, want 1", got)
	}
}

func TestReset_NavigationHidesExactlyOnce(t *testing.T) {
	h := newHarness(t, watchPage, WatchLayout)
	h.process("Masters Round 1", on())

	// navigate-start
	h.do(func(ctx context.Context) { h.r.Reset(ctx) })
	if h.r.State().Decision != Unknown || h.r.State().LastEvaluatedTitle != "" {
		t.Fatalf("state after reset = %+v", h.r.State())
	}
	if styles, controls := h.counts(); styles != 0 || controls != 0 {
		t.Fatalf("injection survived reset: styles=%d controls=%d", styles, controls)
	}

	// navigate-finish on another matching video, followed by mutation noise.
	for range 3 {
		h.process("Masters Round 2", on())
	}
	if styles, controls := h.counts(); styles != 1 || controls != 8 {
		t.Fatalf("styles=%d controls=%d, want 1 and 8", styles, controls)
	}
	if got := h.r.Stats().Injections; got != 2 {
		t.Fatalf("injections = %d, want 2 (one per page)", got)
	}
}

func TestDisabledShowsEverywhere(t *testing.T) {
	h := newHarness(t, watchPage, WatchLayout)
	h.process("Masters", on())
	off := on()
	off.Enabled = false
	h.do(func(context.Context) { h.r.Invalidate() })
	h.process("Masters", off)
	if styles, controls := h.counts(); styles != 0 || controls != 0 {
		t.Fatalf("styles=%d controls=%d while disabled", styles, controls)
	}
}

func TestStaleGuard_RestoresRemovedStyle(t *testing.T) {
	h := newHarness(t, watchPage, WatchLayout)
	h.process("Masters", on())

	var restored bool
	h.do(func(ctx context.Context) { restored = h.g.Tick(ctx) })
	if restored {
		t.Fatal("tick reasserted an intact injection")
	}

	h.doc.Mutate(func(d *goquery.Document) { d.Find("#" + StyleID).Remove() })
	h.do(func(ctx context.Context) { restored = h.g.Tick(ctx) })
	if !restored {
		t.Fatal("tick did not notice the missing style")
	}
	if styles, controls := h.counts(); styles != 1 || controls != 8 {
		t.Fatalf("styles=%d controls=%d after restore", styles, controls)
	}
	if h.r.Stats().Evaluations != 1 {
		t.Fatal("stale guard re-ran the matcher")
	}
}

func TestStaleGuard_RestoresControlsAfterPlayerRebuild(t *testing.T) {
	h := newHarness(t, watchPage, WatchLayout)
	h.process("Masters", on())

	// The host re-renders the time display, dropping our controls.
	h.doc.Mutate(func(d *goquery.Document) {
		d.Find(".ytp-time-display").ReplaceWithHtml(`<div class="ytp-time-display"><span class="ytp-time-current">0:02</span><span class="ytp-time-duration">3:10:00</span></div>`)
	})
	var restored bool
	h.do(func(ctx context.Context) { restored = h.g.Tick(ctx) })
	if !restored {
		t.Fatal("lost controls not restored")
	}
	if styles, controls := h.counts(); styles != 1 || controls != 8 {
		t.Fatalf("styles=%d controls=%d after restore", styles, controls)
	}
}

func TestStaleGuard_IdleWhenShown(t *testing.T) {
	h := newHarness(t, watchPage, WatchLayout)
	h.process("Cooking Tutorial", on())
	var restored bool
	h.do(func(ctx context.Context) { restored = h.g.Tick(ctx) })
	if restored {
		t.Fatal("tick acted on a Show decision")
	}
}

func TestAnchorRetry(t *testing.T) {
	h := newHarness(t, bareHead, WatchLayout)
	h.process("Masters", on())
	if styles, controls := h.counts(); styles != 1 || controls != 0 {
		t.Fatalf("styles=%d controls=%d before anchor", styles, controls)
	}

	h.doc.Mutate(func(d *goquery.Document) {
		d.Find(".html5-video-player").AppendHtml(`<div class="ytp-time-display"><span class="ytp-time-duration">1:00</span></div>`)
	})
	deadline := time.Now().Add(2 * time.Second)
	for h.doc.Count("."+ControlClass) != 8 {
		if time.Now().After(deadline) {
			t.Fatal("deferred retry never placed the controls")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestAnchorRetryOnlyOnce(t *testing.T) {
	h := newHarness(t, bareHead, WatchLayout)
	h.process("Masters", on())
	time.Sleep(150 * time.Millisecond)

	var misses int64
	h.do(func(context.Context) { misses = h.r.Stats().AnchorMisses })
	if misses != 2 {
		t.Fatalf("anchor misses = %d, want 2 (initial + one retry)", misses)
	}
	if styles, controls := h.counts(); styles != 1 || controls != 0 {
		t.Fatalf("styles=%d controls=%d, want style only", styles, controls)
	}
}

func TestResetCancelsPendingRetry(t *testing.T) {
	h := newHarness(t, bareHead, WatchLayout)
	h.process("Masters", on())
	h.do(func(ctx context.Context) { h.r.Reset(ctx) })
	h.doc.Mutate(func(d *goquery.Document) {
		d.Find(".html5-video-player").AppendHtml(`<div><span class="ytp-time-duration">1:00</span></div>`)
	})
	time.Sleep(150 * time.Millisecond)
	if _, controls := h.counts(); controls != 0 {
		t.Fatalf("cancelled retry still injected %d controls", controls)
	}
}

const embedPage = `<!doctype html><html><head></head><body>
<div class="html5-video-player"><video class="html5-main-video"></video>
<div class="ytp-chrome-bottom"><div class="ytp-chrome-controls"><div class="ytp-left-controls"></div><div class="ytp-right-controls"></div></div></div>
</div></body></html>`

func TestEmbedLayout(t *testing.T) {
	h := newHarness(t, embedPage, EmbedLayout)
	h.process("Masters Final", on())
	if got := h.doc.Count(".ytp-left-controls + .custom-seek-buttons > ." + ControlClass); got != 8 {
		t.Fatalf("wrapped controls = %d, want 8", got)
	}
	if len(h.r.Handle().Controls) != 1 {
		t.Fatalf("handle controls = %d, want the wrapper only", len(h.r.Handle().Controls))
	}
	h.do(func(ctx context.Context) { h.r.Apply(ctx, Show, Options{}) })
	if h.doc.Count(".custom-seek-buttons") != 0 || h.doc.Count("#"+StyleID) != 0 {
		t.Fatal("embed injection not cleared")
	}
}

func TestSetLayoutClears(t *testing.T) {
	h := newHarness(t, watchPage, WatchLayout)
	h.process("Masters", on())
	h.do(func(ctx context.Context) { h.r.SetLayout(ctx, EmbedLayout) })
	if styles, controls := h.counts(); styles != 0 || controls != 0 {
		t.Fatalf("styles=%d controls=%d after layout switch", styles, controls)
	}
	if h.r.Layout().Name != "embed" || h.r.State().Decision != Unknown {
		t.Fatalf("layout=%s state=%+v", h.r.Layout().Name, h.r.State())
	}
}
