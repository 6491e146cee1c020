package main

import (
	"fmt"
	"io"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/entrhq/camou/pkg/app"
	"github.com/entrhq/camou/pkg/profile"
	"github.com/entrhq/camou/pkg/proxy"
	"github.com/entrhq/camou/pkg/uistate"
)

// Color Palette
var (
	salmonPink  = lipgloss.Color("#FFB3BA") // Primary accent, failures
	coralPink   = lipgloss.Color("#FFCCCB") // Transitional states
	mintGreen   = lipgloss.Color("#A8E6CF") // Running sessions
	mutedGray   = lipgloss.Color("#6B7280") // Secondary text
	brightWhite = lipgloss.Color("#F9FAFB") // Primary text
)

var (
	headerStyle = lipgloss.NewStyle().
			Foreground(salmonPink).
			Bold(true)

	mutedStyle = lipgloss.NewStyle().
			Foreground(mutedGray)

	cellStyle = lipgloss.NewStyle().
			Foreground(brightWhite).
			Padding(0, 1)

	logBoxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(mutedGray).
			Padding(0, 1)

	statusColors = map[string]lipgloss.Color{
		statusRunning:   mintGreen,
		statusLaunching: coralPink,
		statusStopping:  coralPink,
		statusFailed:    salmonPink,
		statusStopped:   mutedGray,
	}
)

const (
	statusRunning   = "running"
	statusLaunching = "launching"
	statusStopping  = "stopping"
	statusFailed    = "failed"
	statusStopped   = "stopped"
)

// clearScreen moves the cursor home and clears the terminal.
const clearScreen = "\x1b[H\x1b[2J"

func profileStatus(v uistate.View, name string, failures map[string]string) string {
	running, loading := v.IsRunning(name), v.IsLoading(name)
	switch {
	case running && loading:
		return statusStopping
	case loading:
		return statusLaunching
	case running:
		return statusRunning
	case failures[name] != "":
		return statusFailed
	default:
		return statusStopped
	}
}

// displayProxy shows a proxy without its password.
func displayProxy(s string) string {
	cfg, err := proxy.Parse(s)
	if err != nil {
		return s
	}
	if cfg == nil {
		return "-"
	}
	if cfg.Username != "" {
		return fmt.Sprintf("%s://%s@%s", cfg.Scheme, cfg.Username, cfg.Address())
	}
	return cfg.Server()
}

// renderProfiles draws v.PageItems as a table. pids and failures may be nil.
func renderProfiles(v uistate.View, pids map[string]int, failures map[string]string) string {
	rows := make([][]string, 0, len(v.PageItems))
	statuses := make([]string, 0, len(v.PageItems))
	for _, p := range v.PageItems {
		mark := " "
		if v.IsSelected(p.Name) {
			mark = "*"
		}
		pid := ""
		if n, ok := pids[p.Name]; ok && n > 0 {
			pid = strconv.Itoa(n)
		}
		status := profileStatus(v, p.Name, failures)
		statuses = append(statuses, status)
		rows = append(rows, []string{mark, p.Name, displayProxy(p.Proxy), string(profile.ParseOSType(string(p.OSType))), status, pid})
	}

	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(mutedStyle).
		Headers("", "NAME", "PROXY", "OS", "STATUS", "PID").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle.Padding(0, 1)
			}
			if col == 4 && row >= 0 && row < len(statuses) {
				return cellStyle.Foreground(statusColors[statuses[row]])
			}
			return cellStyle
		})

	var b strings.Builder
	b.WriteString(headerStyle.Render("Profiles"))
	b.WriteString(mutedStyle.Render(fmt.Sprintf("  page %d/%d, %d total, %d running", v.Page, v.TotalPages, len(v.Profiles), len(v.Running))))
	b.WriteString("\n")
	b.WriteString(t.String())
	return b.String()
}

// dashboard paints the run command's view. On a terminal it redraws the
// whole screen; otherwise it appends status changes and new log lines.
type dashboard struct {
	mu   sync.Mutex
	out  io.Writer
	app  *app.App
	live bool

	view    uistate.View
	logTail string

	// append mode
	printedLog  []string
	lastSummary string
}

func newDashboard(out io.Writer, a *app.App, live bool) *dashboard {
	return &dashboard{out: out, app: a, live: live}
}

func (d *dashboard) Repaint(v uistate.View) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.view = runView(v)
	if d.live {
		d.draw()
		return
	}

	summary := d.summary()
	if summary != d.lastSummary {
		d.lastSummary = summary
		fmt.Fprintln(d.out, summary)
	}
}

func (d *dashboard) FlushLog(text string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.live {
		if text != d.logTail {
			d.logTail = text
			d.draw()
		}
		return
	}

	lines := splitLines(text)
	for _, line := range newLines(d.printedLog, lines) {
		fmt.Fprintln(d.out, line)
	}
	d.printedLog = lines
}

// finish leaves the final state on screen.
func (d *dashboard) finish() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.live {
		fmt.Fprintln(d.out, d.table())
	}
}

func (d *dashboard) draw() {
	var b strings.Builder
	b.WriteString(clearScreen)
	b.WriteString(d.table())
	b.WriteString("\n")
	if d.logTail != "" {
		b.WriteString(logBoxStyle.Render(d.logTail))
		b.WriteString("\n")
	}
	b.WriteString(mutedStyle.Render("Ctrl+C stops every browser and exits"))
	b.WriteString("\n")
	fmt.Fprint(d.out, b.String())
}

func (d *dashboard) table() string {
	pids := make(map[string]int)
	for _, info := range d.app.Supervisor.Sessions() {
		pids[info.Profile] = info.PID
	}
	return renderProfiles(d.view, pids, d.failures())
}

func (d *dashboard) failures() map[string]string {
	failures := make(map[string]string)
	for _, f := range d.app.LaunchFailures() {
		failures[f.Profile] = f.Reason
	}
	return failures
}

// summary is one line per status change in append mode.
func (d *dashboard) summary() string {
	failures := d.failures()
	parts := make([]string, 0, len(d.view.PageItems))
	for _, p := range d.view.PageItems {
		parts = append(parts, p.Name+"="+profileStatus(d.view, p.Name, failures))
	}
	return "[status] " + strings.Join(parts, " ")
}

// runView narrows v to the selected profiles, the ones this run launched.
func runView(v uistate.View) uistate.View {
	if len(v.Selected) == 0 {
		return v
	}
	items := make([]profile.Profile, 0, len(v.Selected))
	for _, p := range v.Profiles {
		if v.IsSelected(p.Name) {
			items = append(items, p)
		}
	}
	v.PageItems = items
	v.Page, v.TotalPages = 1, 1
	return v
}

func splitLines(text string) []string {
	if text == "" {
		return nil
	}
	return strings.Split(text, "\n")
}

// newLines returns the lines of cur not already printed as the tail of
// prev. Both are windows over the same growing log.
func newLines(prev, cur []string) []string {
	overlap := min(len(prev), len(cur))
	for ; overlap > 0; overlap-- {
		if slices.Equal(prev[len(prev)-overlap:], cur[:overlap]) {
			break
		}
	}
	return cur[overlap:]
}
