// Package observe turns raw page activity (DOM mutations, SPA navigation,
// settings edits, refresh messages) into a small typed signal stream that
// one reconciliation state machine consumes.
package observe

import "time"

// SignalKind is what downstream state should do.
type SignalKind int

const (
	// Reevaluate: state may be stale, re-run matching and reconciliation.
	Reevaluate SignalKind = iota
	// Reset: a navigation started, drop per-page state before the next
	// Reevaluate.
	Reset
	// Refresh: settings or extension state changed; re-evaluate now,
	// bypassing debounce.
	Refresh
)

func (k SignalKind) String() string {
	switch k {
	case Reevaluate:
		return "reevaluate"
	case Reset:
		return "reset"
	case Refresh:
		return "refresh"
	default:
		return "unknown"
	}
}

// Signal is one emission of the observer.
type Signal struct {
	Kind    SignalKind
	Message Message // set for Refresh
	// Inferred marks a Reset read off a mutation burst rather than an
	// explicit navigate-start. The page may not have changed at all.
	Inferred bool
	At       time.Time
}

// Message types broadcast from a settings-editing surface.
const (
	MsgRefreshKeywords = "refreshKeywords"
	MsgRefreshSettings = "refreshSettings"
	MsgExtensionState  = "extensionState"
)

// Message is the cross-context refresh message.
type Message struct {
	Type    string `json:"type"`
	Enabled *bool  `json:"enabled,omitempty"`
}

// Valid reports whether the message type is one the observer understands.
func (m Message) Valid() bool {
	switch m.Type {
	case MsgRefreshKeywords, MsgRefreshSettings, MsgExtensionState:
		return true
	}
	return false
}

// Disables reports whether the message turns the guard off.
func (m Message) Disables() bool {
	return m.Type == MsgExtensionState && m.Enabled != nil && !*m.Enabled
}

// EventKind classifies raw input fed to the observer.
type EventKind int

const (
	EventMutation EventKind = iota
	EventNavigateStart
	EventNavigateFinish
	EventSettings
	EventMessage
	// EventDetached reports that the observed root left the document.
	EventDetached
)

// Event is raw input from a page bridge or the settings store.
type Event struct {
	Kind EventKind
	// Target is the mutation target: node name (e.g. "TITLE") or "#id".
	Target  string
	URL     string
	Message Message
	At      time.Time
}
