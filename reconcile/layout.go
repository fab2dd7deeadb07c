package reconcile

import (
	"strings"

	"github.com/hazyhaar/spoilguard/dom"
)

// StyleID is the id of the injected stylesheet.
const StyleID = "hide-timeline-css"

// ControlClass marks every injected seek control.
const ControlClass = "custom-seek-button"

// SeekStep is one seek control: a label and a playhead offset in seconds.
type SeekStep struct {
	Label   string
	Seconds int
}

// SeekSteps are the injected controls, in display order.
var SeekSteps = []SeekStep{
	{"-30m", -1800},
	{"-10m", -600},
	{"-1m", -60},
	{"-10s", -10},
	{"+10s", 10},
	{"+1m", 60},
	{"+10m", 600},
	{"+30m", 1800},
}

// Layout describes where a page flavour shows its timeline and where the
// seek controls go.
type Layout struct {
	Name string
	// Hidden selectors are always hidden while the decision is Hide.
	Hidden []string
	// CurrentTime is hidden too unless ShowCurrentTime is set.
	CurrentTime string
	// Anchor locates the controls. With AnchorParent the controls are
	// appended to the anchor's parent; otherwise they go right after it.
	Anchor       string
	AnchorParent bool
	// Wrapper, when set, is the class of a container created after the
	// anchor that holds the controls.
	Wrapper      string
	WrapperStyle string
	ButtonStyle  string
	Video        string
}

// WatchLayout is the regular watch page player.
var WatchLayout = Layout{
	Name: "watch",
	Hidden: []string{
		".ytp-chrome-bottom .ytp-progress-bar-container",
		".ytp-chrome-bottom .ytp-time-separator",
		".ytp-chrome-bottom .ytp-time-duration",
		".ytp-miniplayer-controls .ytp-time-display",
		".video-time",
		"ytd-thumbnail-overlay-time-status-renderer",
		"ytd-video-preview ytd-thumbnail-overlay-time-status-renderer",
		"ytd-rich-grid-media ytd-thumbnail-overlay-time-status-renderer",
		"ytd-compact-video-renderer ytd-thumbnail-overlay-time-status-renderer",
		".ytp-videowall-still-info-duration",
	},
	CurrentTime:  ".ytp-chrome-bottom .ytp-time-current",
	Anchor:       ".ytp-time-duration",
	AnchorParent: true,
	ButtonStyle:  "cursor: pointer; user-select: none; margin: 0 7px;",
	Video:        ".html5-main-video",
}

// EmbedLayout is the embedded player (/embed/<id>).
var EmbedLayout = Layout{
	Name: "embed",
	Hidden: []string{
		".ytp-chrome-bottom .ytp-progress-bar-container",
		".ytp-chrome-bottom .ytp-time-separator",
		".ytp-chrome-bottom .ytp-time-duration",
		".ytp-ce-video-duration",
	},
	CurrentTime:  ".ytp-chrome-bottom .ytp-time-current",
	Anchor:       ".ytp-left-controls",
	Wrapper:      "custom-seek-buttons",
	WrapperStyle: "display: flex; align-items: center; margin: 0 10px 0 20px;",
	ButtonStyle: "cursor: pointer; user-select: none; margin: 0 7px; color: white; " +
		"background: rgba(0,0,0,0.5); padding: 2px 5px; border-radius: 3px; font-size: 12px;",
	Video: ".html5-main-video",
}

// CSS renders the stylesheet for this layout.
func (l Layout) CSS(opts Options) string {
	sels := append([]string(nil), l.Hidden...)
	if !opts.ShowCurrentTime && l.CurrentTime != "" {
		sels = append(sels, l.CurrentTime)
	}
	var b strings.Builder
	b.WriteString(strings.Join(sels, ",\n"))
	b.WriteString(" {\n  display: none !important;\n  visibility: hidden !important;\n" +
		"  opacity: 0 !important;\n  pointer-events: none !important;\n}\n")
	b.WriteString(".ytp-progress-bar-container {\n  height: 0 !important;\n  min-height: 0 !important;\n" +
		"  padding: 0 !important;\n  margin: 0 !important;\n  border: none !important;\n}\n")
	return b.String()
}

func (l Layout) buttons() []dom.Element {
	out := make([]dom.Element, 0, len(SeekSteps))
	for _, s := range SeekSteps {
		out = append(out, dom.Element{
			Tag:     "span",
			Classes: []string{ControlClass},
			Style:   l.ButtonStyle,
			Text:    s.Label,
			Seek:    &dom.Seek{Seconds: s.Seconds, Video: l.Video},
		})
	}
	return out
}

// orphanSelector matches injected nodes regardless of which handle
// created them.
func (l Layout) orphanSelector() string {
	sel := "#" + StyleID + ", ." + ControlClass
	if l.Wrapper != "" {
		sel += ", ." + l.Wrapper
	}
	return sel
}
