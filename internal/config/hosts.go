package config

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/kevinburke/ssh_config"

	"github.com/agent462/shellpool/internal/pathutil"
)

// Host represents a resolved SSH host with connection details.
type Host struct {
	Name         string // Display/pool label (original input, e.g. "admin@server1")
	Hostname     string // Actual SSH hostname to connect to (e.g. "server1")
	User         string
	Port         int
	IdentityFile string
	ProxyJump    string
	AllowAgent   bool
	LookForKeys  bool
	Timeout      time.Duration
}

// ResolveHosts resolves a list of hosts from a combination of a config group
// and CLI-provided host names. If both are given, the results are merged
// (deduplicated, CLI hosts appended after group hosts). Names found in the
// hosts section take their connection details from there.
func ResolveHosts(cfg *Config, groupName string, cliHosts []string) ([]Host, error) {
	if groupName == "" && len(cliHosts) == 0 {
		return nil, fmt.Errorf("no hosts specified: provide a group (-g) or host names as arguments")
	}

	var hostnames []string
	var groupUser string
	var groupTimeout Duration

	if groupName != "" {
		group, ok := cfg.Groups[groupName]
		if !ok {
			available := make([]string, 0, len(cfg.Groups))
			for name := range cfg.Groups {
				available = append(available, name)
			}
			if len(available) == 0 {
				return nil, fmt.Errorf("group %q not found (no groups defined)", groupName)
			}
			sort.Strings(available)
			return nil, fmt.Errorf("group %q not found (available: %v)", groupName, available)
		}
		hostnames = append(hostnames, group.Hosts...)
		groupUser = group.User
		groupTimeout = group.Timeout
	}

	seen := make(map[string]bool, len(hostnames))
	for _, h := range hostnames {
		seen[h] = true
	}
	for _, h := range cliHosts {
		if !seen[h] {
			hostnames = append(hostnames, h)
			seen[h] = true
		}
	}

	hosts := make([]Host, 0, len(hostnames))
	for _, name := range hostnames {
		host := Host{Name: name, Hostname: name, AllowAgent: true, LookForKeys: true}

		lookupName := name
		if user, hostname, ok := parseUserAtHost(name); ok {
			host.Hostname = hostname
			host.User = user
			lookupName = hostname
		}

		if entry, ok := cfg.Hosts[lookupName]; ok {
			applyEntry(&host, entry)
		}

		if groupUser != "" {
			host.User = groupUser
		}
		if groupTimeout.Duration > 0 {
			host.Timeout = groupTimeout.Duration
		}

		MergeSSHConfig(&host)
		if host.Port == 0 {
			host.Port = 22
		}

		hosts = append(hosts, host)
	}

	return hosts, nil
}

func applyEntry(host *Host, e HostEntry) {
	if e.Hostname != "" {
		host.Hostname = e.Hostname
	}
	if e.User != "" && host.User == "" {
		host.User = e.User
	}
	if e.Port != 0 {
		host.Port = e.Port
	}
	if e.IdentityFile != "" {
		host.IdentityFile = pathutil.ExpandHome(e.IdentityFile)
	}
	if e.ProxyJump != "" {
		host.ProxyJump = e.ProxyJump
	}
	if e.AllowAgent != nil {
		host.AllowAgent = *e.AllowAgent
	}
	if e.LookForKeys != nil {
		host.LookForKeys = *e.LookForKeys
	}
}

// MergeSSHConfig reads ~/.ssh/config and fills in User, Port, IdentityFile,
// and ProxyJump for the host if they are not already set. Lookups use
// the Hostname field (the actual SSH target), not the display Name.
func MergeSSHConfig(host *Host) {
	lookup := host.Hostname
	if lookup == "" {
		lookup = host.Name
	}

	if host.User == "" {
		host.User = sshConfigGet(lookup, "User")
	}

	if host.Port == 0 || host.Port == 22 {
		if portStr := sshConfigGet(lookup, "Port"); portStr != "" {
			if port, err := strconv.Atoi(portStr); err == nil && port > 0 {
				host.Port = port
			}
		}
	}

	if host.IdentityFile == "" {
		if identity := sshConfigGet(lookup, "IdentityFile"); identity != "" {
			expanded := pathutil.ExpandHome(identity)
			if pathutil.Exists(expanded) {
				host.IdentityFile = expanded
			}
		}
	}

	if host.ProxyJump == "" {
		host.ProxyJump = sshConfigGet(lookup, "ProxyJump")
	}
}

// sshConfigGet looks up a key for a host in the user's SSH config.
func sshConfigGet(hostname, key string) string {
	val, err := ssh_config.GetStrict(hostname, key)
	if err != nil {
		return ""
	}
	return val
}

// parseUserAtHost splits "user@host" into its components.
// Returns ("", "", false) if the input doesn't contain @ or if the user part is empty.
func parseUserAtHost(s string) (user, host string, ok bool) {
	i := strings.Index(s, "@")
	if i <= 0 {
		return "", "", false
	}
	return s[:i], s[i+1:], true
}
