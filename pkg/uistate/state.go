// Package uistate holds the view-side state shared between user actions,
// session callbacks and the reconciliation loop.
//
// Each concern (loading flags, activity log, selection, refresh trigger,
// running snapshot, page) has its own lock, so a burst of log lines from a
// session never contends with a selection toggle.
package uistate

import (
	"slices"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// DefaultLogFlushInterval is the minimum gap between debounced flushes.
	DefaultLogFlushInterval = 150 * time.Millisecond

	// DefaultLogViewLines is how many trailing lines a flush returns.
	DefaultLogViewLines = 50

	// maxLogLines bounds the activity log; older lines are dropped.
	maxLogLines = 10000

	logPrefix = "> "
)

// State is the shared UI state. The zero value is not usable; call New.
type State struct {
	loadingMu sync.Mutex
	loading   map[string]struct{}

	logMu         sync.Mutex
	logLines      []string
	lastFlush     time.Time
	pendingFlush  bool
	flushInterval time.Duration
	viewLines     int
	now           func() time.Time

	refresh atomic.Bool

	selectionMu sync.Mutex
	selected    map[string]struct{}

	snapshotMu  sync.Mutex
	lastRunning []string

	pageMu sync.Mutex
	page   int
}

// Option configures a State.
type Option func(*State)

// WithLogFlushInterval sets the debounce interval for log flushes.
func WithLogFlushInterval(d time.Duration) Option {
	return func(s *State) {
		if d >= 0 {
			s.flushInterval = d
		}
	}
}

// WithLogViewLines sets how many lines FlushLog returns.
func WithLogViewLines(n int) Option {
	return func(s *State) {
		if n > 0 {
			s.viewLines = n
		}
	}
}

// WithClock overrides the clock used for debouncing.
func WithClock(now func() time.Time) Option {
	return func(s *State) {
		s.now = now
	}
}

// New creates an empty State on page 1.
func New(opts ...Option) *State {
	s := &State{
		loading:       make(map[string]struct{}),
		selected:      make(map[string]struct{}),
		flushInterval: DefaultLogFlushInterval,
		viewLines:     DefaultLogViewLines,
		now:           time.Now,
		page:          1,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetLoading marks or clears the loading flag for name. The flag covers the
// gap between a launch request and the ready signal.
func (s *State) SetLoading(name string, loading bool) {
	s.loadingMu.Lock()
	defer s.loadingMu.Unlock()

	if loading {
		s.loading[name] = struct{}{}
	} else {
		delete(s.loading, name)
	}
}

// IsLoading reports whether name is loading.
func (s *State) IsLoading(name string) bool {
	s.loadingMu.Lock()
	defer s.loadingMu.Unlock()

	_, ok := s.loading[name]
	return ok
}

// Loading returns the sorted names currently loading.
func (s *State) Loading() []string {
	s.loadingMu.Lock()
	defer s.loadingMu.Unlock()

	return sortedKeys(s.loading)
}

// isForcedLog reports whether a message must reach the view immediately.
func isForcedLog(msg string) bool {
	return msg == "Browser started!" ||
		strings.HasPrefix(msg, "Session ended:") ||
		strings.Contains(msg, "LAUNCH_FAILED:") ||
		strings.Contains(msg, "Error")
}

// AddLog appends msg to the activity log and reports whether the view
// should flush now. High-value messages always flush; everything else
// flushes at most once per flush interval.
func (s *State) AddLog(msg string) bool {
	now := s.now()

	s.logMu.Lock()
	defer s.logMu.Unlock()

	s.logLines = append(s.logLines, logPrefix+msg)
	if len(s.logLines) > maxLogLines {
		s.logLines = append([]string(nil), s.logLines[len(s.logLines)-maxLogLines:]...)
	}

	if isForcedLog(msg) || now.Sub(s.lastFlush) >= s.flushInterval {
		s.lastFlush = now
		s.pendingFlush = true
		return true
	}

	// Debounced lines still reach the view on the next tick
	s.pendingFlush = true
	return false
}

// FlushLog returns the trailing log lines joined by newlines when a flush
// is pending, and clears the pending flag.
func (s *State) FlushLog() (string, bool) {
	s.logMu.Lock()
	defer s.logMu.Unlock()

	if !s.pendingFlush {
		return "", false
	}
	s.pendingFlush = false

	lines := s.logLines
	if len(lines) > s.viewLines {
		lines = lines[len(lines)-s.viewLines:]
	}
	return strings.Join(lines, "\n"), true
}

// LogLines returns a copy of the whole activity log.
func (s *State) LogLines() []string {
	s.logMu.Lock()
	defer s.logMu.Unlock()

	return append([]string(nil), s.logLines...)
}

// ScheduleRefresh requests a repaint. Requests collapse until consumed.
func (s *State) ScheduleRefresh() {
	s.refresh.Store(true)
}

// ConsumeRefresh reports whether a repaint was requested and clears the
// request.
func (s *State) ConsumeRefresh() bool {
	return s.refresh.CompareAndSwap(true, false)
}

// ToggleSelection flips the selection of name.
func (s *State) ToggleSelection(name string) {
	s.selectionMu.Lock()
	defer s.selectionMu.Unlock()

	if _, ok := s.selected[name]; ok {
		delete(s.selected, name)
	} else {
		s.selected[name] = struct{}{}
	}
}

// IsSelected reports whether name is selected.
func (s *State) IsSelected(name string) bool {
	s.selectionMu.Lock()
	defer s.selectionMu.Unlock()

	_, ok := s.selected[name]
	return ok
}

// Selected returns the sorted selected names.
func (s *State) Selected() []string {
	s.selectionMu.Lock()
	defer s.selectionMu.Unlock()

	return sortedKeys(s.selected)
}

// SelectAll replaces the selection with names.
func (s *State) SelectAll(names []string) {
	s.selectionMu.Lock()
	defer s.selectionMu.Unlock()

	s.selected = make(map[string]struct{}, len(names))
	for _, name := range names {
		s.selected[name] = struct{}{}
	}
}

// Deselect removes names from the selection.
func (s *State) Deselect(names []string) {
	s.selectionMu.Lock()
	defer s.selectionMu.Unlock()

	for _, name := range names {
		delete(s.selected, name)
	}
}

// ClearSelection empties the selection.
func (s *State) ClearSelection() {
	s.selectionMu.Lock()
	defer s.selectionMu.Unlock()

	clear(s.selected)
}

// PruneSelection drops selected names not in existing and returns how many
// were dropped.
func (s *State) PruneSelection(existing []string) int {
	keep := make(map[string]struct{}, len(existing))
	for _, name := range existing {
		keep[name] = struct{}{}
	}

	s.selectionMu.Lock()
	defer s.selectionMu.Unlock()

	pruned := 0
	for name := range s.selected {
		if _, ok := keep[name]; !ok {
			delete(s.selected, name)
			pruned++
		}
	}
	return pruned
}

// SetRunningSnapshot records the running set without reporting a change.
func (s *State) SetRunningSnapshot(names []string) {
	s.snapshotMu.Lock()
	defer s.snapshotMu.Unlock()

	s.lastRunning = normalize(names)
}

// RunningChanged compares current with the last recorded running set,
// stores current, and reports whether they differ.
func (s *State) RunningChanged(current []string) bool {
	next := normalize(current)

	s.snapshotMu.Lock()
	defer s.snapshotMu.Unlock()

	if slices.Equal(s.lastRunning, next) {
		return false
	}
	s.lastRunning = next
	return true
}

// Page returns the current 1-based page.
func (s *State) Page() int {
	s.pageMu.Lock()
	defer s.pageMu.Unlock()
	return s.page
}

// SetPage sets the current page. Values below 1 become 1; the upper bound
// is applied by Paginate.
func (s *State) SetPage(page int) {
	s.pageMu.Lock()
	defer s.pageMu.Unlock()
	s.page = max(page, 1)
}

// ChangePage moves the current page by delta and returns the new page.
func (s *State) ChangePage(delta int) int {
	s.pageMu.Lock()
	defer s.pageMu.Unlock()
	s.page = max(s.page+delta, 1)
	return s.page
}

func normalize(names []string) []string {
	out := append([]string(nil), names...)
	sort.Strings(out)
	return slices.Compact(out)
}

func sortedKeys(m map[string]struct{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
