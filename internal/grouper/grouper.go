// Package grouper folds per-host results into groups of identical output so
// a fan-out over many hosts reads as a handful of distinct answers.
package grouper

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"net"
	"sort"

	"github.com/pmezard/go-difflib/difflib"

	"github.com/agent462/shellpool/internal/command"
	"github.com/agent462/shellpool/internal/executor"
)

// OutputGroup is a set of hosts whose last attempt produced the same output
// and return code.
type OutputGroup struct {
	Hosts  []string
	Stdout string
	Stderr string
	RC     int
	// IsNorm marks the largest group. Ties go to the group seen first.
	IsNorm bool
	// Diff is a unified diff of Stdout against the norm; empty for the norm.
	Diff string
	// Unfinished is set when the command gave up on a closed connection.
	Unfinished bool
}

// GroupedResults holds the categorized results of one fan-out.
type GroupedResults struct {
	Groups   []OutputGroup
	Failed   []*executor.HostResult
	TimedOut []*executor.HostResult
	Skipped  []*executor.HostResult
}

// Group categorizes results. Hosts that produced a response are grouped by
// output, including hosts whose command failed a pass check. Hosts that never
// produced a response are listed as failed, timed out, or skipped.
func Group(results []*executor.HostResult) *GroupedResults {
	gr := &GroupedResults{}

	type groupData struct {
		hosts      []string
		resp       *command.Response
		unfinished bool
	}
	groups := make(map[[sha256.Size]byte]*groupData)
	var order [][sha256.Size]byte

	for _, r := range results {
		if r == nil {
			continue
		}
		switch {
		case r.Skipped:
			gr.Skipped = append(gr.Skipped, r)
			continue
		case r.Response == nil || (r.Err != nil && !isFailedCheck(r.Err)):
			if isTimeout(r.Err) {
				gr.TimedOut = append(gr.TimedOut, r)
			} else {
				gr.Failed = append(gr.Failed, r)
			}
			continue
		}

		unfinished := r.Command != nil && !r.Command.Finished()
		key := outputKey(r.Response, unfinished)
		g, ok := groups[key]
		if !ok {
			g = &groupData{resp: r.Response, unfinished: unfinished}
			groups[key] = g
			order = append(order, key)
		}
		g.hosts = append(g.hosts, r.Host)
	}

	if len(order) == 0 {
		return gr
	}

	norm := order[0]
	for _, k := range order[1:] {
		if len(groups[k].hosts) > len(groups[norm].hosts) {
			norm = k
		}
	}
	normStdout := groups[norm].resp.Stdout

	build := func(k [sha256.Size]byte, isNorm bool) OutputGroup {
		g := groups[k]
		sort.Strings(g.hosts)
		og := OutputGroup{
			Hosts:      g.hosts,
			Stdout:     g.resp.Stdout,
			Stderr:     g.resp.Stderr,
			RC:         g.resp.RC,
			IsNorm:     isNorm,
			Unfinished: g.unfinished,
		}
		if !isNorm {
			og.Diff = unifiedDiff(normStdout, og.Stdout)
		}
		return og
	}

	gr.Groups = append(gr.Groups, build(norm, true))
	for _, k := range order {
		if k != norm {
			gr.Groups = append(gr.Groups, build(k, false))
		}
	}
	return gr
}

// outputKey hashes stdout, stderr, and the return code. NUL separators keep
// "a"+"bc" apart from "ab"+"c".
func outputKey(resp *command.Response, unfinished bool) [sha256.Size]byte {
	h := sha256.New()
	h.Write([]byte(resp.Stdout))
	h.Write([]byte{0})
	h.Write([]byte(resp.Stderr))
	h.Write([]byte{0})
	var rc [9]byte
	binary.BigEndian.PutUint64(rc[:8], uint64(int64(resp.RC)))
	if unfinished {
		rc[8] = 1
	}
	h.Write(rc[:])

	var key [sha256.Size]byte
	copy(key[:], h.Sum(nil))
	return key
}

func isFailedCheck(err error) bool {
	var fe *command.FailedError
	return errors.As(err, &fe)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}

// unifiedDiff renders b against a. It returns "" when they are equal.
func unifiedDiff(a, b string) string {
	text, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(a),
		B:        difflib.SplitLines(b),
		FromFile: "norm",
		ToFile:   "outlier",
		Context:  3,
	})
	if err != nil {
		return ""
	}
	return text
}
