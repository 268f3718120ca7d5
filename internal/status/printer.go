// Package status prints one-line progress reports while a command runs.
package status

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"mwfn-driver/internal/ledger"
	"mwfn-driver/internal/monitor"
)

// TailBytes is how much trailing output callers should pass to Sample.
const TailBytes = 200

const timeLayout = "2006-01-02 15:04:05"

var (
	busyStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("3")) // yellow
	idleStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("2")) // green
	dimStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
)

// Printer writes status lines to w. It is safe for concurrent use.
type Printer struct {
	mu  sync.Mutex
	w   io.Writer
	now func() time.Time
}

// NewPrinter creates a printer writing to w.
func NewPrinter(w io.Writer) *Printer {
	return &Printer{w: w, now: time.Now}
}

// Sample prints one monitor sample, e.g.
//
//	(2024-01-02 15:04:05) cpu=12.5% out=1.2 kB (+56) busy -- Loading...
//
// tail is recent output; only its last line is shown.
func (p *Printer) Sample(s monitor.Sample, busy bool, tail string) {
	state := idleStyle.Render("idle")
	if busy {
		state = busyStyle.Render("busy")
	}

	delta := s.Lengths[0] - s.Lengths[1]
	line := fmt.Sprintf("(%s) cpu=%.1f%% out=%s (%+d) %s -- %s",
		p.now().Format(timeLayout),
		s.CPU,
		humanize.Bytes(uint64(max(s.Lengths[0], 0))),
		delta,
		state,
		LastLine(tail),
	)
	p.println(line)
}

// Command prints a summary of a finished command.
func (p *Printer) Command(rec ledger.Record) {
	line := fmt.Sprintf("(%s) #%d %q: %s of output in %s, %d samples",
		p.now().Format(timeLayout),
		rec.Index,
		rec.Command,
		humanize.Bytes(uint64(rec.Span.Len())),
		rec.Duration().Round(time.Millisecond),
		len(rec.History),
	)
	if n := len(rec.Artifacts); n > 0 {
		line += dimStyle.Render(fmt.Sprintf(" [%d %s written]", n, plural(n, "file", "files")))
	}
	p.println(line)
}

func (p *Printer) println(line string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(p.w, line)
}

// LastLine returns the last non-empty line of text, trimmed of surrounding
// whitespace.
func LastLine(text string) string {
	lines := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if l := strings.TrimSpace(lines[i]); l != "" {
			return l
		}
	}
	return ""
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
