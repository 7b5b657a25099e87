// Package report renders fan-out, transfer, and history results for the
// terminal.
package report

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/agent462/shellpool/internal/executor"
	"github.com/agent462/shellpool/internal/grouper"
	"github.com/agent462/shellpool/internal/history"
	"github.com/agent462/shellpool/internal/transfer"
)

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
)

// Formatter formats results for terminal display.
type Formatter struct {
	ErrorsOnly bool
	Color      bool
}

// NewFormatter creates a Formatter.
func NewFormatter(errorsOnly, color bool) *Formatter {
	return &Formatter{ErrorsOnly: errorsOnly, Color: color}
}

// Format renders grouped command results followed by a summary line.
func (f *Formatter) Format(grouped *grouper.GroupedResults) string {
	var b strings.Builder

	// A diff against a norm the reader cannot see is noise.
	normShown := false
	for _, g := range grouped.Groups {
		if g.IsNorm && (g.RC != 0 || g.Unfinished) {
			normShown = true
		}
	}

	succeeded, nonZero := 0, 0
	for _, g := range grouped.Groups {
		if g.RC == 0 && !g.Unfinished {
			succeeded += len(g.Hosts)
		} else {
			nonZero += len(g.Hosts)
		}
		if !f.ErrorsOnly || g.RC != 0 || g.Unfinished {
			f.writeGroup(&b, &g, len(grouped.Groups), !f.ErrorsOnly || normShown)
			b.WriteString("\n")
		}
	}

	for _, r := range grouped.Failed {
		f.writeHostLine(&b, "failed", r.Host, errText(r.Err, "unknown error"))
	}
	for _, r := range grouped.TimedOut {
		f.writeHostLine(&b, "timed out", r.Host, errText(r.Err, "timeout"))
	}
	for _, r := range grouped.Skipped {
		f.writeHostLine(&b, "skipped", r.Host, "no connection available")
	}

	b.WriteString(f.summaryLine(succeeded, nonZero, len(grouped.Failed), len(grouped.TimedOut), len(grouped.Skipped)))
	b.WriteString("\n")
	return b.String()
}

type jsonResult struct {
	Host     string `json:"host"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	RC       int    `json:"rc"`
	Retries  int    `json:"retries"`
	Finished bool   `json:"finished"`
	Skipped  bool   `json:"skipped,omitempty"`
	Duration string `json:"duration"`
	Error    string `json:"error,omitempty"`
}

// FormatJSON serializes command results as a JSON array in host order.
func (f *Formatter) FormatJSON(results []*executor.HostResult) ([]byte, error) {
	out := make([]jsonResult, 0, len(results))
	for _, r := range results {
		if r == nil {
			continue
		}
		jr := jsonResult{
			Host:     r.Host,
			RC:       -1,
			Skipped:  r.Skipped,
			Duration: r.Duration.String(),
		}
		if r.Response != nil {
			jr.Stdout, jr.Stderr, jr.RC = r.Response.Stdout, r.Response.Stderr, r.Response.RC
		}
		if r.Command != nil {
			jr.Retries, jr.Finished = r.Command.RetryCount(), r.Command.Finished()
		}
		if r.Err != nil {
			jr.Error = r.Err.Error()
		}
		out = append(out, jr)
	}
	return json.MarshalIndent(out, "", "  ")
}

// FormatTransfers renders one line per host for a push or pull.
func (f *Formatter) FormatTransfers(results []*transfer.Result) string {
	var b strings.Builder
	ok, failed, skipped := 0, 0, 0
	for _, r := range results {
		switch {
		case r.Skipped:
			skipped++
			f.writeHostLine(&b, "skipped", r.Host, "no connection available")
		case r.Err != nil:
			failed++
			f.writeHostLine(&b, "failed", r.Host, r.Err.Error())
		default:
			ok++
			if f.ErrorsOnly {
				continue
			}
			sum := r.Checksum
			if len(sum) > 12 {
				sum = sum[:12]
			}
			fmt.Fprintf(&b, " %s %s (%d bytes, sha256 %s, %s)\n",
				f.colorize(r.Host, colorCyan), r.Path, r.Bytes, sum, r.Duration.Round(time.Millisecond))
		}
	}
	parts := []string{fmt.Sprintf("%d transferred", ok)}
	if failed > 0 {
		parts = append(parts, fmt.Sprintf("%d failed", failed))
	}
	if skipped > 0 {
		parts = append(parts, fmt.Sprintf("%d skipped", skipped))
	}
	b.WriteString(strings.Join(parts, ", "))
	b.WriteString("\n")
	return b.String()
}

// FormatHistory renders recorded attempts as a table, newest first.
func (f *Formatter) FormatHistory(entries []history.Entry) string {
	if len(entries) == 0 {
		return "no recorded commands\n"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-19s  %-20s  %3s  %7s  %8s  %s\n", "STARTED", "HOST", "TRY", "RC", "ELAPSED", "COMMAND")
	for _, e := range entries {
		rc := fmt.Sprintf("%7d", e.RC)
		if e.RC != 0 {
			rc = f.colorize(rc, colorRed)
		}
		fmt.Fprintf(&b, "%-19s  %-20s  %3d  %s  %8s  %s\n",
			e.Start.Local().Format("2006-01-02 15:04:05"),
			truncate(e.Host, 20),
			e.Attempt,
			rc,
			e.End.Sub(e.Start).Round(time.Millisecond),
			e.Cmd,
		)
	}
	return b.String()
}

func (f *Formatter) writeGroup(b *strings.Builder, g *grouper.OutputGroup, totalGroups int, showDiff bool) {
	n := len(g.Hosts)
	hostWord := "hosts"
	if n == 1 {
		hostWord = "host"
	}

	switch {
	case g.Unfinished:
		b.WriteString(f.colorize(fmt.Sprintf(" %d %s lost the connection:", n, hostWord), colorRed))
	case g.RC != 0:
		b.WriteString(f.colorize(fmt.Sprintf(" %d %s exited with rc %d:", n, hostWord, g.RC), colorRed))
	case g.IsNorm && totalGroups == 1 && n == 1:
		b.WriteString(f.colorize(fmt.Sprintf(" %d %s:", n, hostWord), colorGreen))
	case g.IsNorm:
		b.WriteString(f.colorize(fmt.Sprintf(" %d %s identical:", n, hostWord), colorGreen))
	default:
		verb := "differ"
		if n == 1 {
			verb = "differs"
		}
		b.WriteString(f.colorize(fmt.Sprintf(" %d %s %s:", n, hostWord, verb), colorYellow))
	}
	b.WriteString("\n")

	b.WriteString("   ")
	b.WriteString(f.colorize(strings.Join(g.Hosts, ", "), colorCyan))
	b.WriteString("\n")

	if stdout := strings.TrimRight(g.Stdout, "\n"); stdout != "" {
		for _, line := range strings.Split(stdout, "\n") {
			b.WriteString("   ")
			b.WriteString(line)
			b.WriteString("\n")
		}
	}
	if stderr := strings.TrimRight(g.Stderr, "\n"); stderr != "" {
		for _, line := range strings.Split(stderr, "\n") {
			b.WriteString("   ")
			b.WriteString(f.colorize("stderr: "+line, colorRed))
			b.WriteString("\n")
		}
	}

	if showDiff && !g.IsNorm && g.Diff != "" {
		b.WriteString("\n")
		f.writeDiff(b, g.Diff)
	}
}

func (f *Formatter) writeDiff(b *strings.Builder, diff string) {
	for _, line := range strings.Split(strings.TrimRight(diff, "\n"), "\n") {
		b.WriteString("   ")
		switch {
		case strings.HasPrefix(line, "--- "), strings.HasPrefix(line, "+++ "), strings.HasPrefix(line, "@@"):
			b.WriteString(f.colorize(line, colorCyan))
		case strings.HasPrefix(line, "+"):
			b.WriteString(f.colorize(line, colorGreen))
		case strings.HasPrefix(line, "-"):
			b.WriteString(f.colorize(line, colorRed))
		default:
			b.WriteString(line)
		}
		b.WriteString("\n")
	}
}

func (f *Formatter) writeHostLine(b *strings.Builder, what, host, detail string) {
	b.WriteString(f.colorize(" 1 host "+what+":", colorRed))
	b.WriteString("\n   ")
	b.WriteString(f.colorize(host, colorCyan))
	fmt.Fprintf(b, " (%s)\n\n", detail)
}

func (f *Formatter) summaryLine(succeeded, nonZero, failed, timedOut, skipped int) string {
	parts := []string{fmt.Sprintf("%d succeeded", succeeded)}
	if nonZero > 0 {
		parts = append(parts, fmt.Sprintf("%d non-zero exit", nonZero))
	}
	if failed > 0 {
		parts = append(parts, fmt.Sprintf("%d failed", failed))
	}
	if timedOut > 0 {
		parts = append(parts, fmt.Sprintf("%d timeout", timedOut))
	}
	if skipped > 0 {
		parts = append(parts, fmt.Sprintf("%d skipped", skipped))
	}
	return strings.Join(parts, ", ")
}

func (f *Formatter) colorize(text, color string) string {
	if !f.Color {
		return text
	}
	return color + text + colorReset
}

func errText(err error, fallback string) string {
	if err == nil {
		return fallback
	}
	return err.Error()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "~"
}
