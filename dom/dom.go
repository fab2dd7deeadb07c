// Package dom abstracts the externally controlled document that spoilguard
// reconciles against. The host page owns the tree and rewrites it at will;
// callers only create, tag and remove their own nodes through a Document.
//
// Two backends exist: Memory (x/net/html + goquery, used by tests and the
// offline check mode) and the rod-backed document in package browser.
package dom

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a selector matches nothing. It marks a
// transient absence (player not mounted yet), never a fatal condition.
var ErrNotFound = errors.New("dom: element not found")

// Node is an opaque handle to an element held by a Document backend.
type Node interface {
	// Key identifies the node inside its document, for logs.
	Key() string
}

// Position tells Create where the new element goes relative to ref.
type Position int

const (
	// Append adds the element as the last child of ref.
	Append Position = iota
	// After inserts the element as the next sibling of ref.
	After
)

// Seek describes the click behaviour of a seek control: move the target
// video's playhead by Seconds (negative rewinds).
type Seek struct {
	Seconds int    `json:"seconds"`
	Video   string `json:"video"` // CSS selector of the <video> element
}

// Element describes a node to create.
type Element struct {
	Tag     string            `json:"tag"`
	ID      string            `json:"id,omitempty"`
	Classes []string          `json:"classes,omitempty"`
	Style   string            `json:"style,omitempty"`
	Text    string            `json:"text,omitempty"`
	Attrs   map[string]string `json:"attrs,omitempty"`
	Seek    *Seek             `json:"seek,omitempty"`
}

// Document is the mutating structure. A nil root means the whole document.
// Implementations must treat operations on detached nodes as no-ops or
// report them through Contains, never panic.
type Document interface {
	URL(ctx context.Context) (string, error)
	Head(ctx context.Context) (Node, error)
	QueryOne(ctx context.Context, root Node, selector string) (Node, error)
	QueryAll(ctx context.Context, root Node, selector string) ([]Node, error)
	Closest(ctx context.Context, n Node, selector string) (Node, error)
	Parent(ctx context.Context, n Node) (Node, error)
	Text(ctx context.Context, n Node) (string, error)
	Attr(ctx context.Context, n Node, name string) (string, bool, error)
	SetAttr(ctx context.Context, n Node, name, value string) error
	RemoveAttr(ctx context.Context, n Node, name string) error
	SetStyle(ctx context.Context, n Node, css string) error
	Create(ctx context.Context, ref Node, pos Position, el Element) (Node, error)
	Remove(ctx context.Context, n Node) error
	Contains(ctx context.Context, n Node) (bool, error)
}
