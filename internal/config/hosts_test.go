package config

import (
	"strings"
	"testing"
	"time"

	"github.com/agent462/shellpool/internal/pathutil"
)

func boolPtr(b bool) *bool { return &b }

func TestResolveHostsFromGroup(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Groups["db"] = Group{Hosts: []string{"db-primary", "db-replica-1", "db-replica-2"}}

	hosts, err := ResolveHosts(cfg, "db", nil)
	if err != nil {
		t.Fatalf("ResolveHosts error: %v", err)
	}
	if len(hosts) != 3 {
		t.Fatalf("expected 3 hosts, got %d", len(hosts))
	}
	if hosts[0].Name != "db-primary" {
		t.Errorf("hosts[0].Name = %q, want \"db-primary\"", hosts[0].Name)
	}
	if !hosts[0].AllowAgent || !hosts[0].LookForKeys {
		t.Error("agent and key lookup should default to on")
	}
}

func TestResolveHostsMergesGroupAndCLI(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Groups["web"] = Group{Hosts: []string{"web-01", "web-02"}}

	hosts, err := ResolveHosts(cfg, "web", []string{"web-02", "web-03"})
	if err != nil {
		t.Fatalf("ResolveHosts error: %v", err)
	}
	// web-02 is deduplicated.
	want := []string{"web-01", "web-02", "web-03"}
	if len(hosts) != len(want) {
		t.Fatalf("expected %d hosts, got %d", len(want), len(hosts))
	}
	for i, name := range want {
		if hosts[i].Name != name {
			t.Errorf("hosts[%d].Name = %q, want %q", i, hosts[i].Name, name)
		}
	}
}

func TestResolveHostsErrors(t *testing.T) {
	withGroups := DefaultConfig()
	withGroups.Groups["db"] = Group{Hosts: []string{"db-1"}}
	withGroups.Groups["app"] = Group{Hosts: []string{"app-1"}}

	tests := []struct {
		name    string
		cfg     *Config
		group   string
		cli     []string
		wantErr string
	}{
		{"nothing specified", DefaultConfig(), "", nil, "no hosts specified"},
		{"no groups defined", DefaultConfig(), "missing", nil, "no groups defined"},
		{"lists available groups", withGroups, "missing", nil, "available: [app db]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ResolveHosts(tt.cfg, tt.group, tt.cli)
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %q, want it to contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestResolveHostsGroupOverrides(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Groups["web"] = Group{
		Hosts:   []string{"deploy@web-01", "web-02"},
		User:    "admin",
		Timeout: Duration{10 * time.Second},
	}

	hosts, err := ResolveHosts(cfg, "web", nil)
	if err != nil {
		t.Fatalf("ResolveHosts error: %v", err)
	}
	for _, h := range hosts {
		if h.User != "admin" {
			t.Errorf("host %q user = %q, want \"admin\"", h.Name, h.User)
		}
		if h.Timeout != 10*time.Second {
			t.Errorf("host %q timeout = %s, want 10s", h.Name, h.Timeout)
		}
	}
	if hosts[0].Hostname != "web-01" {
		t.Errorf("hostname = %q, want \"web-01\"", hosts[0].Hostname)
	}
}

func TestResolveHostsFromHostsSection(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Hosts["build"] = HostEntry{
		Hostname:     "10.0.4.12",
		User:         "ci",
		Port:         2222,
		IdentityFile: "/keys/ci_ed25519",
		ProxyJump:    "bastion.example.com",
		AllowAgent:   boolPtr(false),
	}

	hosts, err := ResolveHosts(cfg, "", []string{"build", "ops@build"})
	if err != nil {
		t.Fatalf("ResolveHosts error: %v", err)
	}

	h := hosts[0]
	if h.Name != "build" || h.Hostname != "10.0.4.12" {
		t.Errorf("name=%q hostname=%q, want build/10.0.4.12", h.Name, h.Hostname)
	}
	if h.User != "ci" || h.Port != 2222 {
		t.Errorf("user=%q port=%d, want ci/2222", h.User, h.Port)
	}
	if h.IdentityFile != "/keys/ci_ed25519" || h.ProxyJump != "bastion.example.com" {
		t.Errorf("identity=%q proxy=%q", h.IdentityFile, h.ProxyJump)
	}
	if h.AllowAgent {
		t.Error("allow_agent false should be honored")
	}
	if !h.LookForKeys {
		t.Error("look_for_keys should keep its default when unset")
	}

	// The user from user@host wins over the entry's user.
	if hosts[1].User != "ops" || hosts[1].Hostname != "10.0.4.12" {
		t.Errorf("hosts[1]: user=%q hostname=%q, want ops/10.0.4.12", hosts[1].User, hosts[1].Hostname)
	}
}

func TestResolveHostsDefaultPort(t *testing.T) {
	cfg := DefaultConfig()

	hosts, err := ResolveHosts(cfg, "", []string{"some-unknown-host-for-testing"})
	if err != nil {
		t.Fatalf("ResolveHosts error: %v", err)
	}
	if hosts[0].Port != 22 {
		t.Errorf("port = %d, want 22", hosts[0].Port)
	}
}

func TestResolveHostsSameHostDifferentUsers(t *testing.T) {
	cfg := DefaultConfig()

	hosts, err := ResolveHosts(cfg, "", []string{"admin@server1", "deploy@server1"})
	if err != nil {
		t.Fatalf("ResolveHosts error: %v", err)
	}
	// Distinct labels keep distinct pool entries.
	if len(hosts) != 2 {
		t.Fatalf("expected 2 hosts, got %d", len(hosts))
	}
	if hosts[0].Name != "admin@server1" || hosts[0].User != "admin" {
		t.Errorf("hosts[0]: name=%q user=%q, want admin@server1/admin", hosts[0].Name, hosts[0].User)
	}
	if hosts[1].Name != "deploy@server1" || hosts[1].User != "deploy" {
		t.Errorf("hosts[1]: name=%q user=%q, want deploy@server1/deploy", hosts[1].Name, hosts[1].User)
	}
	if hosts[0].Hostname != "server1" || hosts[1].Hostname != "server1" {
		t.Errorf("hostnames should both be server1, got %q and %q", hosts[0].Hostname, hosts[1].Hostname)
	}
}

func TestParseUserAtHost(t *testing.T) {
	tests := []struct {
		input string
		user  string
		host  string
		ok    bool
	}{
		{"user@host", "user", "host", true},
		{"deploy@192.168.1.1", "deploy", "192.168.1.1", true},
		{"hostname", "", "", false},
		{"192.168.1.1", "", "", false},
		{"@host", "", "", false},
	}
	for _, tt := range tests {
		user, host, ok := parseUserAtHost(tt.input)
		if ok != tt.ok || user != tt.user || host != tt.host {
			t.Errorf("parseUserAtHost(%q) = (%q, %q, %v), want (%q, %q, %v)",
				tt.input, user, host, ok, tt.user, tt.host, tt.ok)
		}
	}
}

func TestExpandHome(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"/absolute/path", "/absolute/path"},
		{"", ""},
		{"~otheruser/.ssh/id_rsa", "~otheruser/.ssh/id_rsa"},
	}
	for _, tt := range tests {
		if got := pathutil.ExpandHome(tt.in); got != tt.want {
			t.Errorf("ExpandHome(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
	if got := pathutil.ExpandHome("~/.ssh/id_rsa"); strings.HasPrefix(got, "~") {
		t.Errorf("ExpandHome should expand ~/.ssh/id_rsa, got %q", got)
	}
}
