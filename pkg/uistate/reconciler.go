package uistate

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/entrhq/camou/pkg/logging"
	"github.com/entrhq/camou/pkg/profile"
)

// DefaultReconcileInterval is the polling cadence of the reconciler.
const DefaultReconcileInterval = 120 * time.Millisecond

// RunningSource reports which profiles have an active session.
type RunningSource interface {
	RunningNames() []string
}

// ProfileSource lists the stored profiles.
type ProfileSource interface {
	List() []profile.Profile
}

// View is everything a painter needs to draw one frame.
type View struct {
	Profiles   []profile.Profile
	PageItems  []profile.Profile
	Page       int
	TotalPages int
	Running    []string
	Loading    []string
	Selected   []string
}

// IsRunning reports whether name is in v.Running.
func (v View) IsRunning(name string) bool {
	return slices.Contains(v.Running, name)
}

// IsLoading reports whether name is in v.Loading.
func (v View) IsLoading(name string) bool {
	return slices.Contains(v.Loading, name)
}

// IsSelected reports whether name is in v.Selected.
func (v View) IsSelected(name string) bool {
	return slices.Contains(v.Selected, name)
}

// Painter draws the view. The reconciler never calls it concurrently, even
// when Repaint is called from another goroutine than Run.
type Painter interface {
	Repaint(v View)
	FlushLog(text string)
}

// Reconciler is the single background loop allowed to repaint. Everything
// else only sets flags or appends log lines; the reconciler notices on its
// next tick, so the view is at most one interval stale.
type Reconciler struct {
	state    *State
	running  RunningSource
	profiles ProfileSource
	painter  Painter
	interval time.Duration
	logger   *logging.Logger

	// paintMu serializes Tick and Repaint
	paintMu sync.Mutex
}

// ReconcilerOption configures a Reconciler.
type ReconcilerOption func(*Reconciler)

// WithInterval sets the polling interval.
func WithInterval(d time.Duration) ReconcilerOption {
	return func(r *Reconciler) {
		if d > 0 {
			r.interval = d
		}
	}
}

// WithLogger sets the logger for loop errors.
func WithLogger(logger *logging.Logger) ReconcilerOption {
	return func(r *Reconciler) {
		r.logger = logger
	}
}

// NewReconciler creates a Reconciler.
func NewReconciler(state *State, running RunningSource, profiles ProfileSource, painter Painter, opts ...ReconcilerOption) *Reconciler {
	r := &Reconciler{
		state:    state,
		running:  running,
		profiles: profiles,
		painter:  painter,
		interval: DefaultReconcileInterval,
		logger:   logging.Discard("reconciler"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run paints once, then reconciles every interval until ctx is done.
func (r *Reconciler) Run(ctx context.Context) error {
	r.state.SetRunningSnapshot(r.running.RunningNames())
	r.Repaint()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.Tick()
		}
	}
}

// Tick runs one reconciliation pass and reports whether it repainted. A
// pending log flush without other changes updates only the log.
func (r *Reconciler) Tick() (repainted bool) {
	r.paintMu.Lock()
	defer r.paintMu.Unlock()
	defer func() {
		if p := recover(); p != nil {
			r.logger.Errorf("error in reconcile loop: %v", p)
			repainted = false
		}
	}()

	running := r.running.RunningNames()
	changed := r.state.RunningChanged(running)
	requested := r.state.ConsumeRefresh()

	if changed || requested {
		r.paint(running)
		return true
	}

	if text, ok := r.state.FlushLog(); ok {
		r.painter.FlushLog(text)
	}
	return false
}

// Repaint draws a full frame now. Direct user actions call it to skip the
// wait for the next tick; it is safe to call from any goroutine.
func (r *Reconciler) Repaint() {
	r.paintMu.Lock()
	defer r.paintMu.Unlock()
	r.paint(r.running.RunningNames())
}

func (r *Reconciler) paint(running []string) {
	profiles := r.profiles.List()

	names := make([]string, len(profiles))
	for i, p := range profiles {
		names[i] = p.Name
	}
	if pruned := r.state.PruneSelection(names); pruned > 0 {
		r.logger.Debugf("pruned %d stale selection(s)", pruned)
	}

	items, page, total := Paginate(profiles, r.state.Page())
	r.state.SetPage(page)

	if text, ok := r.state.FlushLog(); ok {
		r.painter.FlushLog(text)
	}

	r.painter.Repaint(View{
		Profiles:   profiles,
		PageItems:  items,
		Page:       page,
		TotalPages: total,
		Running:    normalize(running),
		Loading:    r.state.Loading(),
		Selected:   r.state.Selected(),
	})
}
