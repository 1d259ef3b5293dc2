// Package ui renders tasks and goals for the terminal.
package ui

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"golang.org/x/term"

	"github.com/polravi/mapmyactivities/internal/schema"
)

// Quadrant describes one cell of the Eisenhower matrix.
type Quadrant struct {
	Number int
	Label  string
	Action string
	Color  lipgloss.Color
}

// Quadrants in matrix order.
var Quadrants = []Quadrant{
	{1, "Urgent & Important", "Do First", lipgloss.Color("#ef4444")},
	{2, "Not Urgent & Important", "Schedule", lipgloss.Color("#3b82f6")},
	{3, "Urgent & Not Important", "Delegate", lipgloss.Color("#eab308")},
	{4, "Not Urgent & Not Important", "Eliminate", lipgloss.Color("#9ca3af")},
}

var (
	colorMuted   = lipgloss.Color("#6b7280")
	colorSuccess = lipgloss.Color("#22c55e")
	colorError   = lipgloss.Color("#ef4444")
)

// QuadrantInfo returns the quadrant with number n, or an "Unplaced" entry.
func QuadrantInfo(n int) Quadrant {
	if n >= 1 && n <= len(Quadrants) {
		return Quadrants[n-1]
	}
	return Quadrant{Number: 0, Label: "Unplaced", Action: "Triage", Color: colorMuted}
}

// IsTerminal reports whether w is an interactive terminal.
func IsTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// Renderer styles output for one writer. Colors are dropped when the writer
// is not a terminal or NO_COLOR is set.
type Renderer struct {
	w  io.Writer
	lg *lipgloss.Renderer

	title   lipgloss.Style
	muted   lipgloss.Style
	success lipgloss.Style
	errorS  lipgloss.Style
	box     lipgloss.Style
}

// NewRenderer creates a renderer for w.
func NewRenderer(w io.Writer) *Renderer {
	lg := lipgloss.NewRenderer(w)
	if !IsTerminal(w) || os.Getenv("NO_COLOR") != "" {
		lg.SetColorProfile(termenv.Ascii)
	}
	return &Renderer{
		w:       w,
		lg:      lg,
		title:   lg.NewStyle().Bold(true),
		muted:   lg.NewStyle().Foreground(colorMuted),
		success: lg.NewStyle().Foreground(colorSuccess),
		errorS:  lg.NewStyle().Foreground(colorError),
		box:     lg.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1),
	}
}

// Println writes a plain line.
func (r *Renderer) Println(a ...any) {
	fmt.Fprintln(r.w, a...)
}

// Success writes a line marked as done.
func (r *Renderer) Success(format string, a ...any) {
	fmt.Fprintln(r.w, r.success.Render("✓")+" "+fmt.Sprintf(format, a...))
}

// Error writes a line marked as failed.
func (r *Renderer) Error(format string, a ...any) {
	fmt.Fprintln(r.w, r.errorS.Render("✗")+" "+fmt.Sprintf(format, a...))
}

// Muted writes a de-emphasized line.
func (r *Renderer) Muted(format string, a ...any) {
	fmt.Fprintln(r.w, r.muted.Render(fmt.Sprintf(format, a...)))
}

func statusIcon(s schema.Status) string {
	switch s {
	case schema.StatusInProgress:
		return "◐"
	case schema.StatusDone:
		return "✓"
	case schema.StatusDiscarded:
		return "✗"
	default:
		return "○"
	}
}

// TaskLine renders a task on one line.
func (r *Renderer) TaskLine(t *schema.Task) string {
	q := QuadrantInfo(t.Quadrant())
	var b strings.Builder
	b.WriteString(r.lg.NewStyle().Foreground(q.Color).Render(statusIcon(t.Status)))
	b.WriteString(" ")
	title := t.Title
	if t.Status == schema.StatusDone || t.Status == schema.StatusDiscarded {
		title = r.muted.Render(title)
	}
	b.WriteString(title)
	if t.Priority == schema.PriorityHigh {
		b.WriteString(r.errorS.Render(" !"))
	}
	if t.DueDate != nil {
		b.WriteString(r.muted.Render(" due " + t.DueDate.Local().Format("Mon Jan 2")))
	}
	if t.Recurrence != nil {
		b.WriteString(r.muted.Render(" ↻ " + string(t.Recurrence.Type)))
	}
	if len(t.Tags) > 0 {
		b.WriteString(r.muted.Render(" #" + strings.Join(t.Tags, " #")))
	}
	b.WriteString(r.muted.Render("  " + shortID(t.ID)))
	return b.String()
}

// Matrix renders tasks grouped into the four quadrants, two per row.
// Unplaced tasks are listed underneath.
func (r *Renderer) Matrix(tasks []*schema.Task, width int) string {
	byQuadrant := make(map[int][]*schema.Task)
	for _, t := range tasks {
		byQuadrant[t.Quadrant()] = append(byQuadrant[t.Quadrant()], t)
	}

	cellWidth := max(width/2-4, 24)
	cell := func(n int) string {
		q := QuadrantInfo(n)
		lines := []string{r.lg.NewStyle().Bold(true).Foreground(q.Color).Render(fmt.Sprintf("%d. %s", q.Number, q.Action)) +
			" " + r.muted.Render(q.Label)}
		if len(byQuadrant[n]) == 0 {
			lines = append(lines, r.muted.Render("(empty)"))
		}
		for _, t := range byQuadrant[n] {
			lines = append(lines, r.TaskLine(t))
		}
		return r.box.BorderForeground(q.Color).Width(cellWidth).Render(strings.Join(lines, "\n"))
	}

	out := lipgloss.JoinVertical(lipgloss.Left,
		lipgloss.JoinHorizontal(lipgloss.Top, cell(1), cell(2)),
		lipgloss.JoinHorizontal(lipgloss.Top, cell(3), cell(4)),
	)
	if unplaced := byQuadrant[0]; len(unplaced) > 0 {
		lines := []string{r.title.Render("Unplaced")}
		for _, t := range unplaced {
			lines = append(lines, r.TaskLine(t))
		}
		out += "\n" + strings.Join(lines, "\n")
	}
	return out
}

// GoalLine renders a goal with its progress.
func (r *Renderer) GoalLine(g *schema.Goal) string {
	const barWidth = 10
	filled := 0
	if g.TargetCount > 0 {
		filled = min(barWidth, g.CompletedCount*barWidth/g.TargetCount)
	}
	bar := r.success.Render(strings.Repeat("█", filled)) + r.muted.Render(strings.Repeat("░", barWidth-filled))
	return fmt.Sprintf("%s %s %d/%d %s %s",
		bar, g.Title, g.CompletedCount, g.TargetCount,
		r.muted.Render(string(g.Timeframe)+" · "+string(g.Status)),
		r.muted.Render(shortID(g.ID)),
	)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
