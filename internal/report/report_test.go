package report

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/agent462/shellpool/internal/command"
	"github.com/agent462/shellpool/internal/executor"
	"github.com/agent462/shellpool/internal/grouper"
	"github.com/agent462/shellpool/internal/history"
	"github.com/agent462/shellpool/internal/transfer"
)

func ran(host, stdout string, rc int) *executor.HostResult {
	return &executor.HostResult{
		Host:     host,
		Response: &command.Response{Host: host, Cmd: "uname -r", RC: rc, Stdout: stdout},
		Duration: time.Second,
	}
}

func TestFormatIdentical(t *testing.T) {
	grouped := grouper.Group([]*executor.HostResult{
		ran("host-a", "6.1.0\n", 0),
		ran("host-b", "6.1.0\n", 0),
		ran("host-c", "6.1.0\n", 0),
	})
	out := NewFormatter(false, false).Format(grouped)

	for _, want := range []string{"3 hosts identical:", "host-a, host-b, host-c", "   6.1.0", "3 succeeded"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestFormatOutliersAndFailures(t *testing.T) {
	skipped := &executor.HostResult{Host: "host-f", Skipped: true}
	grouped := grouper.Group([]*executor.HostResult{
		ran("host-a", "6.1.0\n", 0),
		ran("host-b", "6.1.0\n", 0),
		ran("host-c", "5.10.0\n", 0),
		ran("host-d", "", 2),
		{Host: "host-e", Err: errors.New("connection refused")},
		skipped,
	})
	out := NewFormatter(false, false).Format(grouped)

	for _, want := range []string{
		"2 hosts identical:",
		"1 host differs:",
		"-6.1.0",
		"+5.10.0",
		"1 host exited with rc 2:",
		"1 host failed:",
		"host-e (connection refused)",
		"1 host skipped:",
		"3 succeeded, 1 non-zero exit, 1 failed, 1 skipped",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestFormatErrorsOnly(t *testing.T) {
	grouped := grouper.Group([]*executor.HostResult{
		ran("host-a", "fine\n", 0),
		ran("host-b", "broken\n", 1),
	})
	out := NewFormatter(true, false).Format(grouped)

	if strings.Contains(out, "fine") {
		t.Errorf("errors-only output should hide successful groups:\n%s", out)
	}
	if !strings.Contains(out, "broken") || !strings.Contains(out, "1 succeeded, 1 non-zero exit") {
		t.Errorf("unexpected output:\n%s", out)
	}
	if strings.Contains(out, "@@") {
		t.Errorf("no diff against a hidden norm group:\n%s", out)
	}
}

func TestFormatErrorsOnly_DiffAgainstFailingNorm(t *testing.T) {
	grouped := grouper.Group([]*executor.HostResult{
		ran("host-a", "disk full\n", 1),
		ran("host-b", "disk full\n", 1),
		ran("host-c", "permission denied\n", 2),
	})
	out := NewFormatter(true, false).Format(grouped)

	for _, want := range []string{"2 hosts exited with rc 1:", "-disk full", "+permission denied"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestFormatColor(t *testing.T) {
	grouped := grouper.Group([]*executor.HostResult{ran("host-a", "x\n", 0)})

	if out := NewFormatter(false, true).Format(grouped); !strings.Contains(out, colorGreen) {
		t.Errorf("expected ANSI color codes:\n%q", out)
	}
	if out := NewFormatter(false, false).Format(grouped); strings.Contains(out, "\033[") {
		t.Errorf("unexpected ANSI codes:\n%q", out)
	}
}

func TestFormatJSON(t *testing.T) {
	data, err := NewFormatter(false, false).FormatJSON([]*executor.HostResult{
		ran("host-a", "ok\n", 0),
		{Host: "host-b", Err: errors.New("connection refused")},
		{Host: "host-c", Skipped: true},
	})
	if err != nil {
		t.Fatalf("FormatJSON: %v", err)
	}

	var parsed []map[string]any
	if err := json.Unmarshal(data, &parsed); err != nil {
		t.Fatalf("invalid JSON: %v\n%s", err, data)
	}
	if len(parsed) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(parsed))
	}
	if parsed[0]["stdout"] != "ok\n" || parsed[0]["rc"] != float64(0) {
		t.Errorf("entry 0 = %v", parsed[0])
	}
	if parsed[1]["error"] != "connection refused" || parsed[1]["rc"] != float64(-1) {
		t.Errorf("entry 1 = %v", parsed[1])
	}
	if parsed[2]["skipped"] != true {
		t.Errorf("entry 2 = %v", parsed[2])
	}
}

func TestFormatTransfers(t *testing.T) {
	out := NewFormatter(false, false).FormatTransfers([]*transfer.Result{
		{Host: "web-01", Path: "/etc/app.conf", Bytes: 42, Checksum: strings.Repeat("ab", 32), Duration: 15 * time.Millisecond},
		{Host: "web-02", Err: errors.New("permission denied")},
		{Host: "web-03", Skipped: true},
	})
	for _, want := range []string{"web-01 /etc/app.conf (42 bytes, sha256 abababababab, 15ms)", "web-02 (permission denied)", "1 transferred, 1 failed, 1 skipped"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestFormatHistory(t *testing.T) {
	f := NewFormatter(false, false)
	if out := f.FormatHistory(nil); !strings.Contains(out, "no recorded commands") {
		t.Errorf("empty history output = %q", out)
	}

	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.Local)
	out := f.FormatHistory([]history.Entry{
		{Host: "db-01", Cmd: "pg_isready", Attempt: 2, RC: 0, Start: start, End: start.Add(1500 * time.Millisecond)},
	})
	for _, want := range []string{"STARTED", "2026-03-01 12:00:00", "db-01", "1.5s", "pg_isready"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}
