package dom

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Memory is an in-process Document over a parsed HTML tree. Selection uses
// goquery (cascadia), so selectors behave like querySelector in a browser.
// It is safe for concurrent use: tests mutate it from a "host" goroutine
// while the reconciler works on it.
type Memory struct {
	mu  sync.Mutex
	doc *goquery.Document
	url string
}

type memNode struct{ n *html.Node }

func (m memNode) Key() string { return fmt.Sprintf("mem:%p", m.n) }

// NewMemory parses src into a Memory document located at pageURL.
func NewMemory(src, pageURL string) (*Memory, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(src))
	if err != nil {
		return nil, fmt.Errorf("dom: parse: %w", err)
	}
	return &Memory{doc: doc, url: pageURL}, nil
}

// SetURL simulates a navigation that keeps the document (SPA).
func (m *Memory) SetURL(u string) {
	m.mu.Lock()
	m.url = u
	m.mu.Unlock()
}

// Mutate runs fn with exclusive access to the tree. It is the hook for
// simulated host-page rewrites.
func (m *Memory) Mutate(fn func(doc *goquery.Document)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn(m.doc)
}

// Count returns how many elements match selector.
func (m *Memory) Count(selector string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.doc.Find(selector).Length()
}

// HTML renders the whole document.
func (m *Memory) HTML() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out, err := goquery.OuterHtml(m.doc.Selection)
	if err != nil {
		return ""
	}
	return out
}

func (m *Memory) URL(context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.url, nil
}

func (m *Memory) Head(ctx context.Context) (Node, error) {
	return m.QueryOne(ctx, nil, "head")
}

func (m *Memory) QueryOne(_ context.Context, root Node, selector string) (Node, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sel, err := m.scope(root)
	if err != nil {
		return nil, err
	}
	found := sel.Find(selector)
	if found.Length() == 0 {
		return nil, ErrNotFound
	}
	return memNode{found.Get(0)}, nil
}

func (m *Memory) QueryAll(_ context.Context, root Node, selector string) ([]Node, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sel, err := m.scope(root)
	if err != nil {
		return nil, err
	}
	var out []Node
	for _, n := range sel.Find(selector).Nodes {
		out = append(out, memNode{n})
	}
	return out, nil
}

func (m *Memory) Closest(_ context.Context, n Node, selector string) (Node, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	hn, err := unwrap(n)
	if err != nil {
		return nil, err
	}
	found := goquery.NewDocumentFromNode(hn).Selection.Closest(selector)
	if found.Length() == 0 {
		return nil, ErrNotFound
	}
	return memNode{found.Get(0)}, nil
}

func (m *Memory) Parent(_ context.Context, n Node) (Node, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	hn, err := unwrap(n)
	if err != nil {
		return nil, err
	}
	if hn.Parent == nil || hn.Parent.Type != html.ElementNode {
		return nil, ErrNotFound
	}
	return memNode{hn.Parent}, nil
}

func (m *Memory) Text(_ context.Context, n Node) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	hn, err := unwrap(n)
	if err != nil {
		return "", err
	}
	return goquery.NewDocumentFromNode(hn).Text(), nil
}

func (m *Memory) Attr(_ context.Context, n Node, name string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	hn, err := unwrap(n)
	if err != nil {
		return "", false, err
	}
	for _, a := range hn.Attr {
		if a.Key == name {
			return a.Val, true, nil
		}
	}
	return "", false, nil
}

func (m *Memory) SetAttr(_ context.Context, n Node, name, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	hn, err := unwrap(n)
	if err != nil {
		return err
	}
	setAttr(hn, name, value)
	return nil
}

func (m *Memory) RemoveAttr(_ context.Context, n Node, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	hn, err := unwrap(n)
	if err != nil {
		return err
	}
	kept := hn.Attr[:0]
	for _, a := range hn.Attr {
		if a.Key != name {
			kept = append(kept, a)
		}
	}
	hn.Attr = kept
	return nil
}

func (m *Memory) SetStyle(ctx context.Context, n Node, css string) error {
	if css == "" {
		return m.RemoveAttr(ctx, n, "style")
	}
	return m.SetAttr(ctx, n, "style", css)
}

func (m *Memory) Create(_ context.Context, ref Node, pos Position, el Element) (Node, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	hn, err := unwrap(ref)
	if err != nil {
		return nil, err
	}

	n := build(el)
	switch pos {
	case After:
		if hn.Parent == nil {
			return nil, fmt.Errorf("dom: create after detached node")
		}
		hn.Parent.InsertBefore(n, hn.NextSibling)
	default:
		hn.AppendChild(n)
	}
	return memNode{n}, nil
}

func (m *Memory) Remove(_ context.Context, n Node) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	hn, err := unwrap(n)
	if err != nil {
		return err
	}
	if hn.Parent != nil {
		hn.Parent.RemoveChild(hn)
	}
	return nil
}

func (m *Memory) Contains(_ context.Context, n Node) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	hn, err := unwrap(n)
	if err != nil {
		return false, err
	}
	root := m.doc.Get(0)
	for p := hn; p != nil; p = p.Parent {
		if p == root {
			return true, nil
		}
	}
	return false, nil
}

func (m *Memory) scope(root Node) (*goquery.Selection, error) {
	if root == nil {
		return m.doc.Selection, nil
	}
	hn, err := unwrap(root)
	if err != nil {
		return nil, err
	}
	return goquery.NewDocumentFromNode(hn).Selection, nil
}

func unwrap(n Node) (*html.Node, error) {
	mn, ok := n.(memNode)
	if !ok || mn.n == nil {
		return nil, fmt.Errorf("dom: foreign node %T", n)
	}
	return mn.n, nil
}

func build(el Element) *html.Node {
	tag := strings.ToLower(el.Tag)
	n := &html.Node{Type: html.ElementNode, Data: tag, DataAtom: atom.Lookup([]byte(tag))}
	if el.ID != "" {
		setAttr(n, "id", el.ID)
	}
	if len(el.Classes) > 0 {
		setAttr(n, "class", strings.Join(el.Classes, " "))
	}
	if el.Style != "" {
		setAttr(n, "style", el.Style)
	}
	keys := make([]string, 0, len(el.Attrs))
	for k := range el.Attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		setAttr(n, k, el.Attrs[k])
	}
	if el.Seek != nil {
		setAttr(n, "data-seek-seconds", strconv.Itoa(el.Seek.Seconds))
	}
	if el.Text != "" {
		n.AppendChild(&html.Node{Type: html.TextNode, Data: el.Text})
	}
	return n
}

func setAttr(n *html.Node, name, value string) {
	for i := range n.Attr {
		if n.Attr[i].Key == name {
			n.Attr[i].Val = value
			return
		}
	}
	n.Attr = append(n.Attr, html.Attribute{Key: name, Val: value})
}
