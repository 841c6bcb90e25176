package cli

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"

	"partbatch/internal/batch"
)

// printer renders batch output. Styles are applied only on a terminal.
type printer struct {
	w      io.Writer
	quiet  bool
	styled bool

	ok    lipgloss.Style
	fail  lipgloss.Style
	muted lipgloss.Style
	bold  lipgloss.Style
}

func newPrinter(w io.Writer, quiet bool) *printer {
	return &printer{
		w:      w,
		quiet:  quiet,
		styled: isTerminal(w),
		ok:     lipgloss.NewStyle().Foreground(lipgloss.Color("10")),
		fail:   lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true),
		muted:  lipgloss.NewStyle().Foreground(lipgloss.Color("8")),
		bold:   lipgloss.NewStyle().Bold(true),
	}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

func (p *printer) paint(s lipgloss.Style, text string) string {
	if !p.styled {
		return text
	}
	return s.Render(text)
}

func (p *printer) status(status string) string {
	switch {
	case status == batch.StatusSaved:
		return p.paint(p.ok, status)
	case strings.HasPrefix(status, "✗"):
		return p.paint(p.fail, status)
	case status == batch.StatusProcessing || status == batch.StatusNotSubmitted:
		return p.paint(p.muted, status)
	default:
		return status
	}
}

func (p *printer) validation(v batch.Validation) {
	for _, r := range v.Rejected {
		if r.Status == batch.StatusNotSubmitted {
			if !p.quiet {
				fmt.Fprintf(p.w, "row %-3d %s\n", r.Row, p.paint(p.muted, "skipped, no dimensions"))
			}
			continue
		}
		fmt.Fprintf(p.w, "row %-3d %s %v\n", r.Row, p.status(r.Status), r.Err)
	}

	rows := make([]int, 0, len(v.Renamed))
	for row := range v.Renamed {
		rows = append(rows, row)
	}
	sort.Ints(rows)
	for _, row := range rows {
		fmt.Fprintf(p.w, "row %-3d renamed to %s\n", row, p.paint(p.bold, v.Renamed[row]))
	}
}

func (p *printer) event(ev batch.Event) {
	switch ev.Kind {
	case batch.EventProgress:
		if ev.Row < 0 {
			fmt.Fprintf(p.w, "batch   %s\n", p.paint(p.fail, ev.Status))
			return
		}
		if ev.Status == batch.StatusProcessing && p.quiet {
			return
		}
		fmt.Fprintf(p.w, "row %-3d %s\n", ev.Row, p.status(ev.Status))
	case batch.EventLog:
		if !p.quiet {
			fmt.Fprintln(p.w, p.paint(p.muted, ev.Line))
		}
	}
}

func (p *printer) summary(res batch.Result, total int) {
	if res.Original != nil {
		fmt.Fprintf(p.w, "original %s\n", res.Original.Path)
	}
	line := fmt.Sprintf("%d of %d configurations exported", len(res.Artifacts), total)
	if len(res.Artifacts) == total && res.Err == nil {
		line = p.paint(p.ok, line)
	} else {
		line = p.paint(p.fail, line)
	}
	fmt.Fprintln(p.w, line)
}
