// Package console prints a one-line summary of the mirror whenever it changes.
package console

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/dustin/go-humanize"
	"golang.org/x/time/rate"

	"github.com/lyallcooper/kuron-watch/internal/livescan"
)

// Printer writes state lines to an io.Writer. Progress lines are
// rate-limited; idle and terminal lines are always written.
type Printer struct {
	out     io.Writer
	limiter *rate.Limiter
	last    string
}

// New creates a printer allowing perSecond progress lines per second.
// A non-positive rate disables limiting.
func New(out io.Writer, perSecond float64) *Printer {
	limit := rate.Inf
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
	}
	return &Printer{
		out:     out,
		limiter: rate.NewLimiter(limit, 1),
	}
}

// Run prints updates until ctx is done or the channel is closed.
func (p *Printer) Run(ctx context.Context, updates <-chan livescan.State) {
	for {
		select {
		case <-ctx.Done():
			return
		case state, ok := <-updates:
			if !ok {
				return
			}
			p.Print(state)
		}
	}
}

// Print writes the line for state unless it repeats the previous line or
// the rate limit is exhausted. It reports whether a line was written.
func (p *Printer) Print(state livescan.State) bool {
	line := FormatState(state)
	if line == p.last {
		return false
	}

	cur, ok := state.Current()
	if ok && !cur.Terminal() && !p.limiter.Allow() {
		return false
	}

	p.last = line
	fmt.Fprintln(p.out, line)
	return true
}

// FormatState renders the current scan, or idle.
func FormatState(state livescan.State) string {
	cur, ok := state.Current()
	if !ok {
		if n := len(state.Sessions); n > 0 {
			return fmt.Sprintf("idle (%d finished %s)", n, plural(n, "scan", "scans"))
		}
		return "idle"
	}
	return FormatSession(cur)
}

// FormatSession renders one session.
func FormatSession(s livescan.ScanSession) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[#%d %s] ", s.JobID, s.TargetPath)

	switch s.Status {
	case livescan.StatusCompleted:
		b.WriteString("completed")
		if s.Collecting != nil {
			n := s.Collecting.ItemsSeen
			fmt.Fprintf(&b, ", %s %s", humanize.Comma(n), plural(int(n), "file", "files"))
		}
		return b.String()
	case livescan.StatusStopped:
		b.WriteString("stopped")
		return b.String()
	case livescan.StatusError:
		b.WriteString("failed")
		if s.ErrorMessage != "" {
			b.WriteString(": " + s.ErrorMessage)
		}
		return b.String()
	}

	b.WriteString(s.Phase.String())
	switch s.Phase {
	case livescan.PhaseCollecting, livescan.PhaseReconciling:
		if c := s.Collecting; c != nil {
			fmt.Fprintf(&b, " %s %s in %s %s",
				humanize.Comma(c.ItemsSeen),
				plural(int(c.ItemsSeen), "file", "files"),
				humanize.Comma(c.ContainersSeen),
				plural(int(c.ContainersSeen), "directory", "directories"))
		}
	case livescan.PhaseAnalyzing:
		if o := s.Overall; o != nil {
			fmt.Fprintf(&b, " %.1f%% (%s/%s)", o.Percentage, humanize.Comma(o.Completed), humanize.Comma(o.Total))
		}
	}

	if n := len(s.Workers); n > 0 {
		fmt.Fprintf(&b, " | %d/%d workers busy", s.ActiveWorkers(), n)
	}
	if s.Status != livescan.StatusRunning {
		b.WriteString(" | " + string(s.Status))
	}
	return b.String()
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
