// Package selector picks hosts for a step from the outcome of the previous
// one. A selector is a comma-separated list of @-tokens: @all, @ok,
// @differs, @failed, @timeout, @skipped, @lost, or a glob such as @web-*.
package selector

import (
	"fmt"
	"path"
	"strings"

	"github.com/agent462/shellpool/internal/executor"
	"github.com/agent462/shellpool/internal/grouper"
)

// State is what selectors are resolved against.
type State struct {
	AllHosts []string
	Grouped  *grouper.GroupedResults // nil before the first step
}

// Split separates a leading selector from the command that follows it.
// "@differs, @failed systemctl status sshd" yields "@differs,@failed" and
// "systemctl status sshd". Lines without a leading @ have an empty selector.
func Split(line string) (sel, cmd string) {
	rest := strings.TrimSpace(line)
	var tokens []string
	for strings.HasPrefix(rest, "@") {
		tok, tail := rest, ""
		if i := strings.IndexAny(rest, " \t"); i >= 0 {
			tok, tail = rest[:i], strings.TrimSpace(rest[i:])
		}
		for _, t := range strings.Split(tok, ",") {
			if t != "" {
				tokens = append(tokens, t)
			}
		}
		rest = tail

		more := strings.HasSuffix(tok, ",")
		if strings.HasPrefix(rest, ",") {
			rest = strings.TrimSpace(rest[1:])
			more = true
		}
		if !more {
			break
		}
	}
	return strings.Join(tokens, ","), rest
}

// Resolve returns the hosts sel selects, in AllHosts order. An empty
// selector means @all.
func Resolve(sel string, state *State) ([]string, error) {
	if sel == "" {
		return state.AllHosts, nil
	}

	picked := make(map[string]bool)
	for _, tok := range strings.Split(sel, ",") {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		hosts, err := resolveToken(tok, state)
		if err != nil {
			return nil, err
		}
		for _, h := range hosts {
			picked[h] = true
		}
	}

	var out []string
	for _, h := range state.AllHosts {
		if picked[h] {
			out = append(out, h)
		}
	}
	return out, nil
}

func resolveToken(tok string, state *State) ([]string, error) {
	name, ok := strings.CutPrefix(tok, "@")
	if !ok || name == "" {
		return nil, fmt.Errorf("invalid selector %q: must be @name", tok)
	}
	if name == "all" {
		return state.AllHosts, nil
	}

	outcome, isOutcome := outcomes[name]
	if !isOutcome {
		return glob(name, state.AllHosts)
	}
	if state.Grouped == nil {
		return nil, fmt.Errorf("@%s needs the results of a previous step", name)
	}
	return outcome(state.Grouped), nil
}

var outcomes = map[string]func(*grouper.GroupedResults) []string{
	"ok":      okHosts,
	"differs": differsHosts,
	"failed":  failedHosts,
	"timeout": func(gr *grouper.GroupedResults) []string { return hostsOf(gr.TimedOut) },
	"skipped": func(gr *grouper.GroupedResults) []string { return hostsOf(gr.Skipped) },
	"lost":    lostHosts,
}

// okHosts are hosts whose command finished with rc 0.
func okHosts(gr *grouper.GroupedResults) []string {
	var hosts []string
	for _, g := range gr.Groups {
		if g.RC == 0 && !g.Unfinished {
			hosts = append(hosts, g.Hosts...)
		}
	}
	return hosts
}

// differsHosts are hosts outside the largest output group.
func differsHosts(gr *grouper.GroupedResults) []string {
	var hosts []string
	for _, g := range gr.Groups {
		if !g.IsNorm {
			hosts = append(hosts, g.Hosts...)
		}
	}
	return hosts
}

// failedHosts covers everything that did not exit 0: non-zero exits, lost
// connections, errors and timeouts. Skipped hosts never ran and are not
// included.
func failedHosts(gr *grouper.GroupedResults) []string {
	hosts := hostsOf(gr.Failed)
	for _, g := range gr.Groups {
		if g.RC != 0 || g.Unfinished {
			hosts = append(hosts, g.Hosts...)
		}
	}
	return append(hosts, hostsOf(gr.TimedOut)...)
}

func lostHosts(gr *grouper.GroupedResults) []string {
	var hosts []string
	for _, g := range gr.Groups {
		if g.Unfinished {
			hosts = append(hosts, g.Hosts...)
		}
	}
	return hosts
}

func hostsOf(results []*executor.HostResult) []string {
	hosts := make([]string, 0, len(results))
	for _, r := range results {
		hosts = append(hosts, r.Host)
	}
	return hosts
}

func glob(pattern string, all []string) ([]string, error) {
	if _, err := path.Match(pattern, ""); err != nil {
		return nil, fmt.Errorf("invalid pattern @%s: %w", pattern, err)
	}
	var matched []string
	for _, h := range all {
		if ok, _ := path.Match(pattern, h); ok {
			matched = append(matched, h)
		}
	}
	if len(matched) == 0 {
		return nil, fmt.Errorf("no hosts match @%s", pattern)
	}
	return matched, nil
}
