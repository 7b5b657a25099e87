package recipe

import (
	"context"
	"errors"
	"reflect"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/agent462/shellpool/internal/command"
	"github.com/agent462/shellpool/internal/config"
	"github.com/agent462/shellpool/internal/executor"
)

type stubRunner struct {
	host    string
	handler func(host, cmd string) (*command.Response, error)
}

func (s *stubRunner) Label() string { return s.host }

func (s *stubRunner) Run(_ context.Context, cmd string, _ time.Duration) (*command.Response, error) {
	return s.handler(s.host, cmd)
}

// fleet records which hosts ran which command.
type fleet struct {
	mu   sync.Mutex
	ran  map[string][]string
	exec *executor.Executor
}

func newFleet(handler func(host, cmd string) (*command.Response, error)) *fleet {
	f := &fleet{ran: make(map[string][]string)}
	f.exec = executor.New(func(host string) command.Runner {
		return &stubRunner{host: host, handler: func(host, cmd string) (*command.Response, error) {
			f.mu.Lock()
			f.ran[cmd] = append(f.ran[cmd], host)
			f.mu.Unlock()
			return handler(host, cmd)
		}}
	},
		executor.WithCommandOptions(command.WithRetries(false), command.WithLogger(zerolog.Nop())),
		executor.WithLogger(zerolog.Nop()),
	)
	return f
}

func (f *fleet) hostsFor(cmd string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	hosts := slices.Clone(f.ran[cmd])
	slices.Sort(hosts)
	return hosts
}

func reply(host, cmd, stdout string, rc int) *command.Response {
	now := time.Now()
	return &command.Response{Host: host, Cmd: cmd, RC: rc, Stdout: stdout, Start: now, End: now}
}

func TestParseStep(t *testing.T) {
	tests := []struct {
		raw  string
		want Step
	}{
		{"echo hello", Step{Command: "echo hello"}},
		{"@web* systemctl restart nginx", Step{Selector: "@web*", Command: "systemctl restart nginx"}},
		{"@ok, @differs uptime", Step{Selector: "@ok,@differs", Command: "uptime"}},
	}
	for _, tc := range tests {
		got, err := ParseStep(tc.raw)
		if err != nil {
			t.Fatalf("ParseStep(%q): %v", tc.raw, err)
		}
		if got != tc.want {
			t.Errorf("ParseStep(%q) = %+v, want %+v", tc.raw, got, tc.want)
		}
	}

	if _, err := ParseStep("@failed"); err == nil {
		t.Error("a step with only a selector should be rejected")
	}
	if got := (Step{Selector: "@ok", Command: "uptime"}).String(); got != "@ok uptime" {
		t.Errorf("String() = %q", got)
	}
}

func TestRun_SelectorsFollowPreviousStep(t *testing.T) {
	f := newFleet(func(host, cmd string) (*command.Response, error) {
		if cmd == "systemctl is-active nginx" && host == "web-02" {
			return reply(host, cmd, "failed\n", 3), nil
		}
		return reply(host, cmd, "active\n", 0), nil
	})

	steps, err := ParseSteps([]string{
		"systemctl is-active nginx",
		"@failed systemctl restart nginx",
		"@ok echo done",
	})
	if err != nil {
		t.Fatal(err)
	}

	hosts := []string{"web-01", "web-02", "web-03"}
	results, err := New(f.exec, hosts, WithLogger(zerolog.Nop())).Run(context.Background(), steps)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("got %d step results, want 3", len(results))
	}

	if got := f.hostsFor("systemctl restart nginx"); !reflect.DeepEqual(got, []string{"web-02"}) {
		t.Errorf("restart ran on %v, want [web-02]", got)
	}
	// The restart succeeded, so @ok now means just web-02.
	if got := f.hostsFor("echo done"); !reflect.DeepEqual(got, []string{"web-02"}) {
		t.Errorf("final step ran on %v, want [web-02]", got)
	}
	if results[0].Failed() != 1 {
		t.Errorf("first step failed = %d, want 1", results[0].Failed())
	}
}

func TestRun_EmptySelectionSkipsStep(t *testing.T) {
	f := newFleet(func(host, cmd string) (*command.Response, error) {
		return reply(host, cmd, "same\n", 0), nil
	})
	steps, _ := ParseSteps([]string{"cat /etc/hostname", "@differs diff -u a b", "uptime"})

	results, err := New(f.exec, []string{"a", "b"}, WithLogger(zerolog.Nop())).Run(context.Background(), steps)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(results[1].Hosts) != 0 || results[1].Results != nil {
		t.Errorf("@differs step should select nothing, got %+v", results[1])
	}
	if got := f.hostsFor("uptime"); len(got) != 2 {
		t.Errorf("last step ran on %v, want both hosts", got)
	}
}

func TestRun_StopOnFailure(t *testing.T) {
	f := newFleet(func(host, cmd string) (*command.Response, error) {
		if host == "b" {
			return nil, errors.New("auth failed")
		}
		return reply(host, cmd, "", 0), nil
	})
	steps, _ := ParseSteps([]string{"nginx -t", "systemctl reload nginx"})

	results, err := New(f.exec, []string{"a", "b"},
		WithStopOnFailure(true),
		WithLogger(zerolog.Nop()),
	).Run(context.Background(), steps)

	if err == nil || !strings.Contains(err.Error(), "1 of 2 hosts did not succeed") {
		t.Fatalf("error = %v", err)
	}
	if len(results) != 1 {
		t.Errorf("got %d step results, want 1", len(results))
	}
	if got := f.hostsFor("systemctl reload nginx"); len(got) != 0 {
		t.Errorf("reload should not run, ran on %v", got)
	}
}

func TestRun_BadSelector(t *testing.T) {
	f := newFleet(func(host, cmd string) (*command.Response, error) {
		return reply(host, cmd, "", 0), nil
	})
	steps, _ := ParseSteps([]string{"@nomatch* uptime"})

	_, err := New(f.exec, []string{"a"}, WithLogger(zerolog.Nop())).Run(context.Background(), steps)
	if err == nil || !strings.Contains(err.Error(), "step 1") {
		t.Errorf("error = %v", err)
	}
}

func TestRun_Cancelled(t *testing.T) {
	f := newFleet(func(host, cmd string) (*command.Response, error) {
		return reply(host, cmd, "", 0), nil
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	steps, _ := ParseSteps([]string{"uptime"})
	_, err := New(f.exec, []string{"a"}, WithLogger(zerolog.Nop())).Run(ctx, steps)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", err)
	}
}

func TestBuiltinsParse(t *testing.T) {
	for name, r := range Builtins() {
		if r.Description == "" {
			t.Errorf("%s: missing description", name)
		}
		if _, err := ParseSteps(r.Steps); err != nil {
			t.Errorf("%s: %v", name, err)
		}
	}
}

func TestLookup(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Recipes["uptime"] = config.Recipe{Steps: []string{"cat /proc/uptime"}}
	cfg.Recipes["deploy"] = config.Recipe{Steps: []string{"./deploy.sh"}}

	r, ok := Lookup("uptime", cfg)
	if !ok || r.Steps[0] != "cat /proc/uptime" {
		t.Errorf("configured recipe should shadow the built-in, got %+v", r)
	}
	if _, ok := Lookup("disk", cfg); !ok {
		t.Error("built-in disk not found")
	}
	if _, ok := Lookup("missing", nil); ok {
		t.Error("unknown recipe found")
	}

	all := All(cfg)
	if _, ok := all["deploy"]; !ok {
		t.Error("All is missing the configured recipe")
	}
	if len(all) != len(Builtins())+1 {
		t.Errorf("All has %d recipes, want %d", len(all), len(Builtins())+1)
	}
	if Builtins()["uptime"].Steps[0] != "uptime" {
		t.Error("merging must not modify the built-ins")
	}
}
