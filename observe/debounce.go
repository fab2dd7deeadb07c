package observe

import (
	"time"
)

// debounceConfig controls how mutation bursts are coalesced.
type debounceConfig struct {
	// Window is the quiet period before a burst is flushed. Zero means the
	// burst is flushed as soon as the input queue is momentarily empty
	// (same-tick batching). Default: 0.
	Window time.Duration
	// MaxBuffer flushes immediately when this many records accumulate. Default: 1000.
	MaxBuffer int
}

func (dc *debounceConfig) defaults() {
	if dc.Window < 0 {
		dc.Window = 0
	}
	if dc.MaxBuffer <= 0 {
		dc.MaxBuffer = 1000
	}
}

// debouncer counts mutation records of one burst and reports the burst as
// a single flush. Records themselves are not kept: downstream only needs
// to know that state might be stale and whether a navigation-shaped
// mutation was part of it.
type debouncer struct {
	cfg        debounceConfig
	pending    int
	navigation bool
	timer      *time.Timer
	timerCh    <-chan time.Time
	flushFn    func(records int, navigation bool)
}

func newDebouncer(cfg debounceConfig, flushFn func(int, bool)) *debouncer {
	cfg.defaults()
	return &debouncer{cfg: cfg, flushFn: flushFn}
}

// add registers a mutation. Returns true if an immediate flush was
// triggered (buffer full).
func (d *debouncer) add(ev Event) bool {
	d.pending++
	if isNavigationTarget(ev.Target) {
		d.navigation = true
	}

	if d.pending >= d.cfg.MaxBuffer {
		d.flush()
		return true
	}
	if d.cfg.Window <= 0 {
		return false
	}

	// (Re)start the window timer.
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.NewTimer(d.cfg.Window)
	d.timerCh = d.timer.C
	return false
}

// timerC returns the channel that fires when the window expires.
func (d *debouncer) timerC() <-chan time.Time {
	return d.timerCh
}

// flush emits the buffered burst, then resets.
func (d *debouncer) flush() {
	if d.pending == 0 {
		return
	}
	n, nav := d.pending, d.navigation
	d.reset()
	d.flushFn(n, nav)
}

// reset drops the pending burst without emitting it.
func (d *debouncer) reset() {
	d.pending = 0
	d.navigation = false
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
		d.timerCh = nil
	}
}

// isNavigationTarget reports whether a mutation on target means the host
// application swapped the page: the document title, the main content
// container or the page manager.
func isNavigationTarget(target string) bool {
	switch target {
	case "TITLE", "title", "#content", "#page-manager":
		return true
	}
	return false
}
