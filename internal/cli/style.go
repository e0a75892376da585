package cli

import (
	"io"

	"github.com/charmbracelet/lipgloss"

	"github.com/roach88/cimatrix/internal/ir"
)

// palette colours text output. A renderer bound to a writer that is not a
// terminal renders every style as plain text.
type palette struct {
	ok   lipgloss.Style
	warn lipgloss.Style
	bad  lipgloss.Style
	dim  lipgloss.Style
	bold lipgloss.Style
}

func newPalette(w io.Writer) palette {
	r := lipgloss.NewRenderer(w)
	return palette{
		ok:   r.NewStyle().Foreground(lipgloss.Color("2")),
		warn: r.NewStyle().Foreground(lipgloss.Color("3")),
		bad:  r.NewStyle().Foreground(lipgloss.Color("1")),
		dim:  r.NewStyle().Faint(true),
		bold: r.NewStyle().Bold(true),
	}
}

// status renders a status word in its colour.
func (p palette) status(s ir.Status) string {
	return p.styleFor(s).Render(string(s))
}

// mark renders the one-character marker shown before a job run or step.
func (p palette) mark(s ir.Status) string {
	return p.styleFor(s).Render(statusMark(s))
}

func (p palette) styleFor(s ir.Status) lipgloss.Style {
	switch s {
	case ir.StatusSucceeded:
		return p.ok
	case ir.StatusPartial:
		return p.warn
	case ir.StatusFailed, ir.StatusCanceled:
		return p.bad
	default:
		return p.dim
	}
}

func statusMark(s ir.Status) string {
	switch s {
	case ir.StatusSucceeded:
		return "✓"
	case ir.StatusPartial:
		return "!"
	case ir.StatusFailed, ir.StatusCanceled:
		return "✗"
	case ir.StatusSkipped:
		return "-"
	default:
		return "…"
	}
}
