// Package reconcile keeps the injected page UI (hidden timeline, seek
// controls, hidden thumbnail badges) consistent with the keyword decision
// for the current page, against a document the host rewrites at will.
//
// A Reconciler, its StaleGuard and the Sweeper are driven from a single
// schedule loop; none of them lock.
package reconcile

import "github.com/hazyhaar/spoilguard/dom"

// Decision is the visibility verdict for the current page.
type Decision int

const (
	Unknown Decision = iota
	Show
	Hide
)

func (d Decision) String() string {
	switch d {
	case Show:
		return "show"
	case Hide:
		return "hide"
	default:
		return "unknown"
	}
}

// PageState is the per-page memory of the reconciler.
type PageState struct {
	VideoID            string   `json:"video_id,omitempty"`
	LastEvaluatedTitle string   `json:"last_evaluated_title,omitempty"`
	Decision           Decision `json:"decision"`
}

// InjectionHandle references every node the reconciler created. There is
// at most one live handle per PageState.
type InjectionHandle struct {
	Style    dom.Node
	Controls []dom.Node
}

func (h InjectionHandle) empty() bool {
	return h.Style == nil && len(h.Controls) == 0
}

// Options are the settings that shape an injection without changing the
// decision.
type Options struct {
	ShowCurrentTime bool
}

// Thumbnail tag values stored in the processed-duration attribute.
const (
	TagAttr   = "processed-duration"
	TagHidden = "hidden"
	TagShown  = "shown"
)
