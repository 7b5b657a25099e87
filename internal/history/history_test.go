package history

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/agent462/shellpool/internal/command"
)

func openTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "db", "history.db")
	s, err := Open(context.Background(), DriverSQLite, path, WithLogger(zerolog.Nop()))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, path
}

func TestOpenCreatesDatabase(t *testing.T) {
	_, path := openTestStore(t)
	if _, err := os.Stat(path); err != nil {
		t.Errorf("database file not created: %v", err)
	}
}

func TestOpenIsIdempotent(t *testing.T) {
	_, path := openTestStore(t)
	again, err := Open(context.Background(), "", path, WithLogger(zerolog.Nop()))
	if err != nil {
		t.Fatalf("reopening existing database: %v", err)
	}
	again.Close()
}

func TestOpenErrors(t *testing.T) {
	tests := []struct {
		driver, dsn, want string
	}{
		{"postgres", "x", "unsupported history driver"},
		{DriverMySQL, "", "requires a dsn"},
	}
	for _, tt := range tests {
		_, err := Open(context.Background(), tt.driver, tt.dsn)
		if err == nil || !strings.Contains(err.Error(), tt.want) {
			t.Errorf("Open(%q, %q) error = %v, want %q", tt.driver, tt.dsn, err, tt.want)
		}
	}
}

func TestRecordAndRecent(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	base := time.UnixMilli(1_700_000_000_000)
	attempts := []struct {
		host string
		rc   int
		at   time.Duration
	}{
		{"web-01", 124, 0},
		{"web-01", 0, 2 * time.Second},
		{"db-01", 1, time.Second},
	}
	for i, a := range attempts {
		resp := &command.Response{
			Host:   a.host,
			Cmd:    "uptime",
			RC:     a.rc,
			Stdout: "up 3 days",
			Start:  base.Add(a.at),
			End:    base.Add(a.at + 250*time.Millisecond),
		}
		if err := s.Record(ctx, resp, i+1); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	all, err := s.Recent(ctx, "", 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("got %d entries, want 3", len(all))
	}
	if all[0].Host != "web-01" || all[0].RC != 0 || all[1].Host != "db-01" {
		t.Errorf("entries not newest first: %+v", all)
	}
	if !all[0].Start.Equal(base.Add(2*time.Second)) {
		t.Errorf("start = %s, want %s", all[0].Start, base.Add(2*time.Second))
	}
	if got := all[0].End.Sub(all[0].Start); got != 250*time.Millisecond {
		t.Errorf("elapsed = %s, want 250ms", got)
	}

	web, err := s.Recent(ctx, "web-01", 1)
	if err != nil {
		t.Fatalf("Recent(web-01): %v", err)
	}
	if len(web) != 1 || web[0].Attempt != 2 {
		t.Errorf("host filter with limit: %+v", web)
	}
}

func TestRecordNilResponse(t *testing.T) {
	s, _ := openTestStore(t)
	if err := s.Record(context.Background(), nil, 1); err != nil {
		t.Errorf("Record(nil) = %v, want nil", err)
	}
}

type flakyRunner struct {
	rcs []int
	n   int
}

func (r *flakyRunner) Label() string { return "app-01" }

func (r *flakyRunner) Run(_ context.Context, cmd string, _ time.Duration) (*command.Response, error) {
	rc := r.rcs[r.n]
	r.n++
	now := time.Now()
	return &command.Response{Host: "app-01", Cmd: cmd, RC: rc, Start: now, End: now}, nil
}

func TestStoreAsCommandRecorder(t *testing.T) {
	s, _ := openTestStore(t)

	c := command.New("systemctl restart app",
		command.WithRecorder(s),
		command.WithLogger(zerolog.Nop()),
		command.WithSleep(func(time.Duration) {}),
	)
	resp, err := c.Execute(context.Background(), &flakyRunner{rcs: []int{command.TimeoutRC, 0}})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if resp.RC != 0 {
		t.Fatalf("rc = %d, want 0", resp.RC)
	}

	entries, err := s.Recent(context.Background(), "app-01", 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("recorded %d attempts, want 2", len(entries))
	}
	seen := map[int]int{}
	for _, e := range entries {
		seen[e.Attempt] = e.RC
	}
	if seen[1] != command.TimeoutRC || seen[2] != 0 {
		t.Errorf("attempts = %v, want 1:124 2:0", seen)
	}
}

func TestDefaultPath(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", "/data")
	if got := DefaultPath(); got != "/data/shellpool/history.db" {
		t.Errorf("DefaultPath() = %q", got)
	}
}
