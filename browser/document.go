package browser

import (
	"context"
	"fmt"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"

	"github.com/hazyhaar/spoilguard/dom"
)

// createJS builds an element from a dom.Element description and places it
// relative to this. Seek controls get their click handler here; the Go
// side only knows the offset.
const createJS = `function (spec, after) {
	const el = document.createElement(spec.tag);
	if (spec.id) el.id = spec.id;
	for (const c of spec.classes || []) el.classList.add(c);
	if (spec.style) el.style.cssText = spec.style;
	for (const [k, v] of Object.entries(spec.attrs || {})) el.setAttribute(k, v);
	if (spec.text) el.textContent = spec.text;
	if (spec.seek) {
		const secs = spec.seek.seconds, sel = spec.seek.video;
		el.setAttribute("data-seek-seconds", String(secs));
		el.addEventListener("click", (ev) => {
			ev.stopPropagation();
			const v = document.querySelector(sel);
			if (v && v.currentTime) v.currentTime += secs;
		});
	}
	if (after) this.after(el); else this.appendChild(el);
	return el;
}`

// Document is the live dom.Document of a Tab.
type Document struct {
	page *rod.Page
}

// NewDocument wraps the tab's page.
func NewDocument(t *Tab) *Document {
	return &Document{page: t.Page}
}

type rodNode struct{ el *rod.Element }

func (n rodNode) Key() string { return string(n.el.Object.ObjectID) }

func (d *Document) URL(ctx context.Context) (string, error) {
	res, err := d.page.Context(ctx).Eval(`() => location.href`)
	if err != nil {
		return "", fmt.Errorf("browser: url: %w", err)
	}
	return res.Value.Str(), nil
}

func (d *Document) Head(ctx context.Context) (dom.Node, error) {
	return d.QueryOne(ctx, nil, "head")
}

func (d *Document) QueryOne(ctx context.Context, root dom.Node, selector string) (dom.Node, error) {
	if root == nil {
		return d.object(d.page.Context(ctx).Evaluate(
			rod.Eval(`(s) => document.querySelector(s)`, selector).ByObject()))
	}
	el, err := unwrap(root)
	if err != nil {
		return nil, err
	}
	return d.object(el.Context(ctx).Evaluate(
		rod.Eval(`function (s) { return this.querySelector(s) }`, selector).ByObject()))
}

func (d *Document) QueryAll(ctx context.Context, root dom.Node, selector string) ([]dom.Node, error) {
	var (
		els rod.Elements
		err error
	)
	if root == nil {
		els, err = d.page.Context(ctx).Elements(selector)
	} else {
		var el *rod.Element
		if el, err = unwrap(root); err != nil {
			return nil, err
		}
		els, err = el.Context(ctx).Elements(selector)
	}
	if err != nil {
		return nil, fmt.Errorf("browser: query %q: %w", selector, err)
	}
	out := make([]dom.Node, 0, len(els))
	for _, el := range els {
		out = append(out, rodNode{el})
	}
	return out, nil
}

func (d *Document) Closest(ctx context.Context, n dom.Node, selector string) (dom.Node, error) {
	el, err := unwrap(n)
	if err != nil {
		return nil, err
	}
	return d.object(el.Context(ctx).Evaluate(
		rod.Eval(`function (s) { return this.closest(s) }`, selector).ByObject()))
}

func (d *Document) Parent(ctx context.Context, n dom.Node) (dom.Node, error) {
	el, err := unwrap(n)
	if err != nil {
		return nil, err
	}
	return d.object(el.Context(ctx).Evaluate(
		rod.Eval(`function () { return this.parentElement }`).ByObject()))
}

func (d *Document) Text(ctx context.Context, n dom.Node) (string, error) {
	el, err := unwrap(n)
	if err != nil {
		return "", err
	}
	res, err := el.Context(ctx).Eval(`function () { return this.textContent || "" }`)
	if err != nil {
		return "", fmt.Errorf("browser: text: %w", err)
	}
	return res.Value.Str(), nil
}

func (d *Document) Attr(ctx context.Context, n dom.Node, name string) (string, bool, error) {
	el, err := unwrap(n)
	if err != nil {
		return "", false, err
	}
	v, err := el.Context(ctx).Attribute(name)
	if err != nil {
		return "", false, fmt.Errorf("browser: attr %s: %w", name, err)
	}
	if v == nil {
		return "", false, nil
	}
	return *v, true, nil
}

func (d *Document) SetAttr(ctx context.Context, n dom.Node, name, value string) error {
	return d.call(ctx, n, `function (k, v) { this.setAttribute(k, v) }`, name, value)
}

func (d *Document) RemoveAttr(ctx context.Context, n dom.Node, name string) error {
	return d.call(ctx, n, `function (k) { this.removeAttribute(k) }`, name)
}

func (d *Document) SetStyle(ctx context.Context, n dom.Node, css string) error {
	return d.call(ctx, n, `function (c) { this.style.cssText = c }`, css)
}

func (d *Document) Create(ctx context.Context, ref dom.Node, pos dom.Position, spec dom.Element) (dom.Node, error) {
	el, err := unwrap(ref)
	if err != nil {
		return nil, err
	}
	n, err := d.object(el.Context(ctx).Evaluate(
		rod.Eval(createJS, spec, pos == dom.After).ByObject()))
	if err != nil {
		return nil, fmt.Errorf("browser: create %s: %w", spec.Tag, err)
	}
	return n, nil
}

func (d *Document) Remove(ctx context.Context, n dom.Node) error {
	return d.call(ctx, n, `function () { this.remove() }`)
}

func (d *Document) Contains(ctx context.Context, n dom.Node) (bool, error) {
	el, err := unwrap(n)
	if err != nil {
		return false, err
	}
	res, err := el.Context(ctx).Eval(`function () { return this.isConnected }`)
	if err != nil {
		// The handle died with its execution context: not in this document.
		return false, nil
	}
	return res.Value.Bool(), nil
}

func (d *Document) call(ctx context.Context, n dom.Node, js string, args ...any) error {
	el, err := unwrap(n)
	if err != nil {
		return err
	}
	if _, err := el.Context(ctx).Eval(js, args...); err != nil {
		return fmt.Errorf("browser: eval: %w", err)
	}
	return nil
}

// object turns a by-object evaluation into a node; null is ErrNotFound.
func (d *Document) object(obj *proto.RuntimeRemoteObject, err error) (dom.Node, error) {
	if err != nil {
		return nil, fmt.Errorf("browser: eval: %w", err)
	}
	if obj == nil || obj.ObjectID == "" {
		return nil, dom.ErrNotFound
	}
	el, err := d.page.ElementFromObject(obj)
	if err != nil {
		return nil, fmt.Errorf("browser: element from object: %w", err)
	}
	return rodNode{el}, nil
}

func unwrap(n dom.Node) (*rod.Element, error) {
	rn, ok := n.(rodNode)
	if !ok || rn.el == nil {
		return nil, fmt.Errorf("browser: foreign node %T", n)
	}
	return rn.el, nil
}

var _ dom.Document = (*Document)(nil)
