package reconcile

import "context"

// StaleGuard re-asserts a Hide decision that the host page undid, without
// running the matcher again.
type StaleGuard struct {
	r *Reconciler
}

// NewStaleGuard watches r.
func NewStaleGuard(r *Reconciler) *StaleGuard {
	return &StaleGuard{r: r}
}

// Tick checks the injection once and reports whether it was restored.
func (g *StaleGuard) Tick(ctx context.Context) bool {
	r := g.r
	if r.state.Decision != Hide {
		return false
	}
	if r.contained(ctx, r.handle.Style) && !g.controlsLost(ctx) {
		return false
	}
	r.logger.Debug("reconcile: injection lost, reasserting",
		"title", r.state.LastEvaluatedTitle, "layout", r.cfg.Layout.Name)
	r.stats.Reasserts++
	r.ClearAll(ctx)
	r.inject(ctx)
	return true
}

// controlsLost is true when the anchor is present but the controls are
// gone. A pending anchor retry owns that case.
func (g *StaleGuard) controlsLost(ctx context.Context) bool {
	r := g.r
	if r.retry.Active() {
		return false
	}
	if _, err := r.anchor(ctx); err != nil {
		return false
	}
	if len(r.handle.Controls) == 0 {
		return true
	}
	for _, n := range r.handle.Controls {
		if !r.contained(ctx, n) {
			return true
		}
	}
	return false
}
