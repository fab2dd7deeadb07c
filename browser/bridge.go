package browser

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"

	"github.com/hazyhaar/spoilguard/dom"
	"github.com/hazyhaar/spoilguard/observe"
)

//go:embed bridge.js
var bridgeJS string

const bindingName = "__spoilguard_binding"

// Bridge injects the page script that reports mutations and navigation
// through a CDP binding, and turns its calls into observe.Events.
// It implements observe.Attacher.
type Bridge struct {
	page   *rod.Page
	feed   func(observe.Event)
	logger *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	remove func() error
}

// NewBridge creates a bridge for tab; feed receives every event.
func NewBridge(t *Tab, feed func(observe.Event), logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{page: t.Page, feed: feed, logger: logger}
}

// Start installs the binding and the script (on the current document and
// every later one) and begins listening.
func (b *Bridge) Start(ctx context.Context) error {
	if err := (proto.RuntimeAddBinding{Name: bindingName}).Call(b.page); err != nil {
		b.logger.Warn("browser: add binding failed (may already exist)", "error", err)
	}
	remove, err := b.page.EvalOnNewDocument(bridgeJS)
	if err != nil {
		return fmt.Errorf("browser: install bridge: %w", err)
	}
	if _, err := b.page.Context(ctx).Eval(`() => { ` + bridgeJS + ` }`); err != nil {
		remove()
		return fmt.Errorf("browser: inject bridge: %w", err)
	}

	lctx, cancel := context.WithCancel(ctx)
	b.mu.Lock()
	b.cancel, b.remove = cancel, remove
	b.mu.Unlock()

	wait := b.page.Context(lctx).EachEvent(func(e *proto.RuntimeBindingCalled) {
		if e.Name != bindingName {
			return
		}
		evs, err := decode(e.Payload, time.Now())
		if err != nil {
			b.logger.Warn("browser: bridge payload", "error", err)
			return
		}
		for _, ev := range evs {
			b.feed(ev)
		}
	})
	go wait()
	return nil
}

// Attach starts the player observer on root. dom.ErrNotFound means the
// root is not mounted yet.
func (b *Bridge) Attach(ctx context.Context, root string) error {
	res, err := b.page.Context(ctx).Eval(
		`(sel) => window.__spoilguard ? window.__spoilguard.attach(sel) : false`, root)
	if err != nil {
		return fmt.Errorf("browser: attach %s: %w", root, err)
	}
	if !res.Value.Bool() {
		return dom.ErrNotFound
	}
	return nil
}

// Stop stops listening and uninstalls the script for future documents.
func (b *Bridge) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cancel != nil {
		b.cancel()
		b.cancel = nil
	}
	if b.remove != nil {
		if err := b.remove(); err != nil {
			b.logger.Debug("browser: remove bridge script", "error", err)
		}
		b.remove = nil
	}
}

type bridgeMsg struct {
	Kind   string `json:"kind"`
	Target string `json:"target"`
	URL    string `json:"url"`
	Count  int    `json:"count"`
}

// decode maps one binding payload to observer events. A fresh document
// ("load") invalidates every node handle, so it is reported as a full
// navigation.
func decode(payload string, at time.Time) ([]observe.Event, error) {
	var m bridgeMsg
	if err := json.Unmarshal([]byte(payload), &m); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	switch m.Kind {
	case "mutation":
		return []observe.Event{{Kind: observe.EventMutation, Target: m.Target, At: at}}, nil
	case "navigate-start":
		return []observe.Event{{Kind: observe.EventNavigateStart, URL: m.URL, At: at}}, nil
	case "navigate-finish":
		return []observe.Event{{Kind: observe.EventNavigateFinish, URL: m.URL, At: at}}, nil
	case "load":
		return []observe.Event{
			{Kind: observe.EventNavigateStart, URL: m.URL, At: at},
			{Kind: observe.EventNavigateFinish, URL: m.URL, At: at},
		}, nil
	case "detached":
		return []observe.Event{{Kind: observe.EventDetached, At: at}}, nil
	}
	return nil, fmt.Errorf("decode: unknown kind %q", m.Kind)
}

var _ observe.Attacher = (*Bridge)(nil)
