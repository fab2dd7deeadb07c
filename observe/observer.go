package observe

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Attacher installs mutation observation on the root element matched by a
// selector. It returns an error (dom.ErrNotFound while the root is not
// mounted yet) when attachment is not possible right now.
type Attacher interface {
	Attach(ctx context.Context, root string) error
}

var errPanic = errors.New("observe: attach panicked")

// Config for creating an Observer.
type Config struct {
	Attacher          Attacher
	Root              string        // default ".html5-video-player"
	AttachInterval    time.Duration // default 1s
	MaxAttachAttempts int           // default 30, then give up until the next navigation
	DebounceWindow    time.Duration // default 0
	DebounceMax       int           // default 1000
	SettleDelay       time.Duration // delay between navigate-finish and Reevaluate; zero emits at once
	Logger            *slog.Logger
}

func (c *Config) defaults() {
	if c.Root == "" {
		c.Root = ".html5-video-player"
	}
	if c.AttachInterval <= 0 {
		c.AttachInterval = time.Second
	}
	if c.MaxAttachAttempts <= 0 {
		c.MaxAttachAttempts = 30
	}
	if c.SettleDelay < 0 {
		c.SettleDelay = 0
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Stats are point-in-time counters.
type Stats struct {
	Reevaluates int64 `json:"reevaluates"`
	Resets      int64 `json:"resets"`
	Refreshes   int64 `json:"refreshes"`
	Dropped     int64 `json:"dropped"`
	Attached    bool  `json:"attached"`
	GaveUp      bool  `json:"gave_up"`
}

// Observer coalesces raw page activity into Signals. Feed may be called
// from any goroutine; subscribers are invoked on the Run goroutine.
type Observer struct {
	cfg    Config
	logger *slog.Logger

	rawCh   chan Event // mutations, droppable
	ctrlCh  chan Event // everything else, never dropped
	stopped chan struct{}
	once    sync.Once

	debouncer *debouncer

	subMu   sync.Mutex
	subs    map[uint64]func(Signal)
	nextSub uint64

	// Attach state, owned by Run.
	attempts int
	settleC  <-chan time.Time
	settle   *time.Timer

	attached    atomic.Bool
	gaveUp      atomic.Bool
	reevaluates atomic.Int64
	resets      atomic.Int64
	refreshes   atomic.Int64
	dropped     atomic.Int64
}

// New creates an Observer. Call Run to start it.
func New(cfg Config) *Observer {
	cfg.defaults()
	o := &Observer{
		cfg:     cfg,
		logger:  cfg.Logger,
		rawCh:   make(chan Event, 4096),
		ctrlCh:  make(chan Event, 64),
		stopped: make(chan struct{}),
		subs:    make(map[uint64]func(Signal)),
	}
	o.debouncer = newDebouncer(debounceConfig{
		Window:    cfg.DebounceWindow,
		MaxBuffer: cfg.DebounceMax,
	}, o.onFlush)
	return o
}

// Subscription detaches a subscriber.
type Subscription struct {
	o  *Observer
	id uint64
}

// Cancel removes the subscriber. Safe to call more than once.
func (s *Subscription) Cancel() {
	if s == nil || s.o == nil {
		return
	}
	s.o.subMu.Lock()
	delete(s.o.subs, s.id)
	s.o.subMu.Unlock()
}

// Subscribe registers fn for every emitted Signal.
func (o *Observer) Subscribe(fn func(Signal)) *Subscription {
	o.subMu.Lock()
	defer o.subMu.Unlock()
	o.nextSub++
	o.subs[o.nextSub] = fn
	return &Subscription{o: o, id: o.nextSub}
}

// Feed hands a raw event to the observer. Mutations are dropped when the
// queue is full: a flush is already due and will cover them.
func (o *Observer) Feed(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	if ev.Kind == EventMutation {
		select {
		case o.rawCh <- ev:
		default:
			o.dropped.Add(1)
		}
		return
	}
	select {
	case o.ctrlCh <- ev:
	case <-o.stopped:
	}
}

// Stats returns the current counters.
func (o *Observer) Stats() Stats {
	return Stats{
		Reevaluates: o.reevaluates.Load(),
		Resets:      o.resets.Load(),
		Refreshes:   o.refreshes.Load(),
		Dropped:     o.dropped.Load(),
		Attached:    o.attached.Load(),
		GaveUp:      o.gaveUp.Load(),
	}
}

// Run processes events until ctx is cancelled.
func (o *Observer) Run(ctx context.Context) {
	defer o.once.Do(func() { close(o.stopped) })

	attachTicker := time.NewTicker(o.cfg.AttachInterval)
	defer attachTicker.Stop()
	o.tryAttach(ctx)

	for {
		select {
		case <-ctx.Done():
			o.debouncer.reset()
			if o.settle != nil {
				o.settle.Stop()
			}
			return

		case ev := <-o.rawCh:
			o.debouncer.add(ev)

		case ev := <-o.ctrlCh:
			o.handleControl(ctx, ev)

		case <-o.debouncer.timerC():
			o.debouncer.flush()

		case <-o.settleC:
			o.settleC, o.settle = nil, nil
			o.emit(Signal{Kind: Reevaluate})

		case <-attachTicker.C:
			o.tryAttach(ctx)
		}

		if o.cfg.DebounceWindow <= 0 && len(o.rawCh) == 0 {
			o.debouncer.flush()
		}
	}
}

func (o *Observer) handleControl(ctx context.Context, ev Event) {
	// Mutations fed before ev are queued ahead of it.
	for len(o.rawCh) > 0 {
		o.debouncer.add(<-o.rawCh)
	}

	switch ev.Kind {
	case EventNavigateStart:
		o.logger.Debug("observe: navigation started", "url", ev.URL)
		o.debouncer.reset()
		o.stopSettle()
		o.detach()
		o.emit(Signal{Kind: Reset})

	case EventNavigateFinish:
		o.logger.Debug("observe: navigation finished", "url", ev.URL)
		o.detach()
		o.stopSettle()
		if o.cfg.SettleDelay <= 0 {
			o.emit(Signal{Kind: Reevaluate})
			return
		}
		o.settle = time.NewTimer(o.cfg.SettleDelay)
		o.settleC = o.settle.C

	case EventSettings:
		o.emit(Signal{Kind: Refresh, Message: Message{Type: MsgRefreshSettings}})

	case EventMessage:
		if !ev.Message.Valid() {
			o.logger.Warn("observe: unknown refresh message", "type", ev.Message.Type)
			return
		}
		o.emit(Signal{Kind: Refresh, Message: ev.Message})

	case EventDetached:
		o.logger.Debug("observe: root detached", "root", o.cfg.Root)
		o.detach()
		o.tryAttach(ctx)
	}
}

// detach forgets the current attachment and leaves the giving-up state:
// a navigation or detachment is the one event worth a new round of attempts.
func (o *Observer) detach() {
	o.attached.Store(false)
	o.gaveUp.Store(false)
	o.attempts = 0
}

func (o *Observer) stopSettle() {
	if o.settle != nil {
		o.settle.Stop()
	}
	o.settle, o.settleC = nil, nil
}

func (o *Observer) tryAttach(ctx context.Context) {
	if o.cfg.Attacher == nil || o.attached.Load() || o.gaveUp.Load() {
		return
	}
	err := o.safeAttach(ctx)
	if err == nil {
		o.attached.Store(true)
		o.logger.Debug("observe: root attached", "root", o.cfg.Root, "attempts", o.attempts+1)
		o.attempts = 0
		return
	}
	o.attempts++
	if o.attempts >= o.cfg.MaxAttachAttempts {
		o.gaveUp.Store(true)
		o.logger.Info("observe: giving up attaching root until next navigation",
			"root", o.cfg.Root, "attempts", o.attempts, "error", err)
	}
}

func (o *Observer) safeAttach(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("observe: attach panicked", "panic", r)
			err = errPanic
		}
	}()
	return o.cfg.Attacher.Attach(ctx, o.cfg.Root)
}

func (o *Observer) onFlush(records int, navigation bool) {
	if navigation {
		o.emit(Signal{Kind: Reset, Inferred: true})
	}
	o.emit(Signal{Kind: Reevaluate})
	o.logger.Debug("observe: mutation burst flushed", "records", records, "navigation", navigation)
}

func (o *Observer) emit(sig Signal) {
	if sig.At.IsZero() {
		sig.At = time.Now()
	}
	switch sig.Kind {
	case Reevaluate:
		o.reevaluates.Add(1)
	case Reset:
		o.resets.Add(1)
	case Refresh:
		o.refreshes.Add(1)
	}

	o.subMu.Lock()
	fns := make([]func(Signal), 0, len(o.subs))
	for _, fn := range o.subs {
		fns = append(fns, fn)
	}
	o.subMu.Unlock()

	for _, fn := range fns {
		o.deliver(fn, sig)
	}
}

func (o *Observer) deliver(fn func(Signal), sig Signal) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("observe: subscriber panicked", "signal", sig.Kind.String(), "panic", r)
		}
	}()
	fn(sig)
}
