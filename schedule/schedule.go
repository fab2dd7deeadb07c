// Package schedule runs every callback of one page context on a single
// goroutine. Periodic tickers, one-shot timers and posted work all funnel
// into the same loop, so the state they touch needs no locks, and one
// Close (or cancelling the parent context) stops all of it.
package schedule

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Func is a unit of work executed on the loop goroutine.
type Func func(ctx context.Context)

// CancelToken stops one ticker or timer. The zero token is valid and
// cancels nothing.
type CancelToken struct {
	s  *Scheduler
	id uint64
}

// Cancel stops the ticker or timer. Safe to call more than once.
func (t CancelToken) Cancel() {
	if t.s == nil {
		return
	}
	t.s.drop(t.id)
}

// Active reports whether the ticker or timer is still registered.
func (t CancelToken) Active() bool {
	if t.s == nil {
		return false
	}
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	_, ok := t.s.entries[t.id]
	return ok
}

type entry struct {
	stop    chan struct{}
	pending atomic.Bool
}

// Scheduler is a cooperative event loop.
type Scheduler struct {
	ctx    context.Context
	cancel context.CancelFunc
	posts  chan Func
	done   chan struct{}
	logger *slog.Logger

	mu      sync.Mutex
	entries map[uint64]*entry
	next    uint64
	closed  bool
}

// New starts a loop bound to ctx. Cancelling ctx has the same effect as
// Close.
func New(ctx context.Context, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(ctx)
	s := &Scheduler{
		ctx:     ctx,
		cancel:  cancel,
		posts:   make(chan Func, 256),
		done:    make(chan struct{}),
		logger:  logger,
		entries: make(map[uint64]*entry),
	}
	go s.loop()
	return s
}

// Context returns the loop context. It is cancelled on Close.
func (s *Scheduler) Context() context.Context { return s.ctx }

// Done is closed once the loop goroutine has exited.
func (s *Scheduler) Done() <-chan struct{} { return s.done }

// Post queues fn on the loop. It returns false when the scheduler is
// closed; the work is then dropped.
func (s *Scheduler) Post(fn Func) bool {
	select {
	case <-s.ctx.Done():
		return false
	default:
	}
	select {
	case s.posts <- fn:
		return true
	case <-s.ctx.Done():
		return false
	}
}

// Every runs fn on the loop every period. A tick that finds the previous
// one still queued is skipped, so a slow callback never piles up work.
func (s *Scheduler) Every(period time.Duration, fn Func) CancelToken {
	id, e, ok := s.register()
	if !ok {
		return CancelToken{}
	}
	go func() {
		t := time.NewTicker(period)
		defer t.Stop()
		for {
			select {
			case <-s.ctx.Done():
				return
			case <-e.stop:
				return
			case <-t.C:
				if !e.pending.CompareAndSwap(false, true) {
					continue
				}
				s.Post(func(ctx context.Context) {
					e.pending.Store(false)
					if s.live(id) {
						fn(ctx)
					}
				})
			}
		}
	}()
	return CancelToken{s: s, id: id}
}

// After runs fn once on the loop after delay.
func (s *Scheduler) After(delay time.Duration, fn Func) CancelToken {
	id, e, ok := s.register()
	if !ok {
		return CancelToken{}
	}
	go func() {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-s.ctx.Done():
		case <-e.stop:
		case <-t.C:
			s.Post(func(ctx context.Context) {
				if s.live(id) {
					s.drop(id)
					fn(ctx)
				}
			})
		}
	}()
	return CancelToken{s: s, id: id}
}

// Close cancels every ticker and timer, stops the loop and waits for the
// callback in flight to return. Later registrations are no-ops. Close
// must not be called from a loop callback.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		for id, e := range s.entries {
			close(e.stop)
			delete(s.entries, id)
		}
	}
	s.mu.Unlock()
	s.cancel()
	<-s.done
}

// Pending returns the number of live tickers and timers.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *Scheduler) register() (uint64, *entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.ctx.Err() != nil {
		return 0, nil, false
	}
	s.next++
	e := &entry{stop: make(chan struct{})}
	s.entries[s.next] = e
	return s.next, e, true
}

func (s *Scheduler) drop(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[id]; ok {
		close(e.stop)
		delete(s.entries, id)
	}
}

func (s *Scheduler) live(id uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[id]
	return ok
}

func (s *Scheduler) loop() {
	defer close(s.done)
	for {
		select {
		case <-s.ctx.Done():
			s.shutdown()
			return
		case fn := <-s.posts:
			s.run(fn)
		}
	}
}

// shutdown releases tickers when the parent context went away without
// Close being called.
func (s *Scheduler) shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for id, e := range s.entries {
		close(e.stop)
		delete(s.entries, id)
	}
	s.logger.Debug("schedule: loop stopped")
}

func (s *Scheduler) run(fn Func) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("schedule: callback panicked", "panic", r)
		}
	}()
	fn(s.ctx)
}
