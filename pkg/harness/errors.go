// Copyright (C) 2024 ScyllaDB
//
// SPDX-License-Identifier: Apache-2.0

package harness

import (
	"context"
	"fmt"
	"io/fs"
	"regexp"
	"strings"
	"unicode"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/scylladb/dtest/pkg/cluster"
	"github.com/scylladb/dtest/pkg/manager"
)

// baselineLogPolicy is the permanent allow-list of known-benign operational
// noise seen while tests deliberately disrupt the cluster. The wording of
// these patterns tracks specific server subsystems and drifts as the server
// evolves; pass Options.LogPolicy to override the compiled-in list.
var baselineLogPolicy = []string{
	`Compaction for .* deliberately stopped`,
	`update compaction history failed:.*ignored`,
	// We may stop nodes that have not finished starting yet.
	`(Startup|start) failed:.*(seastar::sleep_aborted|raft::request_aborted)`,
	`Timer callback failed: seastar::gate_closed_exception`,
	// Expected rpc errors when nodes are stopped.
	`rpc - client .*(connection dropped|fail to connect)`,
	// Benign rpc errors when nodes start/stop. If they cause system
	// malfunction, it should be detected using higher-level tests.
	`rpc::unknown_verb_error`,
	`raft_rpc - Failed to send`,
	`raft_topology.*(seastar::broken_promise|rpc::closed_error)`,
	// Expected tablet migration stream failure where a node is stopped.
	// refs: https://github.com/scylladb/scylladb/issues/19640
	`Failed to handle STREAM_MUTATION_FRAGMENTS.*rpc::stream_closed`,
	// Expected on decommission-abort or node restart with MV.
	`raft_topology - raft_topology_cmd.*failed with: raft::request_aborted`,
}

// DefaultLogPolicy returns a copy of the baseline benign-error allow-list.
func DefaultLogPolicy() []string {
	return append([]string(nil), baselineLogPolicy...)
}

// criticalErrorsPattern matches log lines that are fatal regardless of the
// allow-list.
const criticalErrorsPattern = `Assertion.*failed|AddressSanitizer`

// abortingOnShardPattern extends the critical set for nodes that have not
// opted out of core detection.
const abortingOnShardPattern = `Aborting on shard`

func stripControlChars(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsControl(r) && r != '\t' {
			return -1
		}
		return r
	}, s)
}

func joinAlternates(patterns []string) string {
	parts := make([]string, 0, len(patterns))
	for _, p := range patterns {
		parts = append(parts, "("+p+")")
	}
	return strings.Join(parts, "|")
}

// filterErrors drops lines matching any of extra, the test's cumulative
// ignore patterns, or the baseline policy.
func (s *Setup) filterErrors(lines, extra []string) ([]string, error) {
	s.mu.Lock()
	patterns := make([]string, 0, len(extra)+len(s.ignoreLogPatterns)+len(s.ignoreCoresLogPatterns)+len(s.policy))
	patterns = append(patterns, extra...)
	patterns = append(patterns, s.ignoreLogPatterns...)
	patterns = append(patterns, s.ignoreCoresLogPatterns...)
	patterns = append(patterns, s.policy...)
	s.mu.Unlock()

	if len(patterns) == 0 {
		out := make([]string, 0, len(lines))
		for _, l := range lines {
			out = append(out, stripControlChars(l))
		}
		return out, nil
	}
	re, err := regexp.Compile(joinAlternates(patterns))
	if err != nil {
		return nil, errors.Wrap(err, "compiling error allow-list")
	}
	var out []string
	for _, l := range lines {
		if !re.MatchString(l) {
			out = append(out, stripControlChars(l))
		}
	}
	return out, nil
}

// CheckErrorsOptions configures CheckErrors.
type CheckErrorsOptions struct {
	// ExcludeErrors are per-call benign patterns. Treated as literal
	// strings unless Regex is set.
	ExcludeErrors []string
	Regex         bool
	// FromMark overrides the node's error mark for this scan.
	FromMark *manager.Mark
	// ReturnErrors returns the filtered lines instead of failing on them.
	ReturnErrors bool
}

// CheckErrors scans one node's log for new error lines past its error mark,
// drops everything the allow-list covers, and fails on the rest. When the
// scan passes, the per-call excludes join the test's cumulative ignore set
// so later scans (teardown included) stay consistent.
func (s *Setup) CheckErrors(node *cluster.Node, opts CheckErrorsOptions) ([]string, error) {
	if opts.FromMark != nil {
		node.SetErrorMark(*opts.FromMark)
	}
	lines, err := node.GrepLogForErrors(true, nil)
	if err != nil {
		return nil, err
	}

	excludes := opts.ExcludeErrors
	if !opts.Regex {
		escaped := make([]string, 0, len(excludes))
		for _, e := range excludes {
			escaped = append(escaped, regexp.QuoteMeta(e))
		}
		excludes = escaped
	}
	filtered, err := s.filterErrors(lines, excludes)
	if err != nil {
		return nil, err
	}
	if opts.ReturnErrors {
		return filtered, nil
	}
	if len(filtered) > 0 {
		return nil, errors.Newf("unexpected errors on %s:\n%s", node.Name(), strings.Join(filtered, "\n"))
	}
	if len(excludes) > 0 {
		s.IgnoreLogPatterns(excludes...)
	}
	return nil, nil
}

type nodeErrors struct {
	node  string
	lines []string
}

// CheckErrorsAllNodes is the teardown health gate. For every node it checks
// the ignore-cores opt-out patterns, scans for critical errors (assertion
// failures, sanitizer reports, and shard aborts on nodes without ignored
// cores), then for ordinary unexpected errors, and finally correlates core
// files against node pids. Critical errors and core files are always fatal;
// ordinary errors are logged with a bounded sample and then fail the test
// too.
func (s *Setup) CheckErrorsAllNodes(
	ctx context.Context, nodes []*cluster.Node, excludeErrors []string, regex bool,
) error {
	if nodes == nil {
		var err error
		if nodes, err = s.cluster.Nodes(ctx); err != nil {
			return err
		}
	}

	var critical, found []nodeErrors
	for _, node := range nodes {
		skip, err := s.scanCritical(node, &critical)
		if err != nil {
			return err
		}
		if skip {
			continue
		}
		errs, err := s.CheckErrors(node, CheckErrorsOptions{
			ExcludeErrors: excludeErrors,
			Regex:         regex,
			ReturnErrors:  true,
		})
		if err != nil {
			return err
		}
		if len(errs) > 0 {
			found = append(found, nodeErrors{node: node.Name(), lines: errs})
		}
	}

	if len(critical) > 0 {
		var b strings.Builder
		for _, ne := range critical {
			fmt.Fprintf(&b, "%s: %s\n", ne.node, strings.Join(ne.lines, "\n"))
		}
		return errors.Newf("critical errors found:\n%sother errors: %v", b.String(), summarize(found, 5))
	}
	if len(found) > 0 {
		s.log.Error("unexpected errors found", zap.Any("errors", summarize(found, 5)))
		return errors.Newf("unexpected errors found:\n%s", strings.Join(summarize(found, 5), "\n"))
	}

	cores, _, err := s.findCores(nodes)
	if err != nil {
		return err
	}
	if len(cores) > 0 {
		return errors.Newf("core file(s) found: %s", strings.Join(cores, ", "))
	}
	return nil
}

// scanCritical updates the ignore-cores set from the node's log and
// collects critical error lines. It reports skip=true when the node's log
// file no longer exists.
func (s *Setup) scanCritical(node *cluster.Node, critical *[]nodeErrors) (skip bool, _ error) {
	s.mu.Lock()
	ignoreCoresPatterns := append([]string(nil), s.ignoreCoresLogPatterns...)
	filterExpr := strings.Join(s.ignoreLogPatterns, "|")
	s.mu.Unlock()

	if len(ignoreCoresPatterns) > 0 {
		matches, err := node.GrepLog(joinAlternates(ignoreCoresPatterns), "", nil)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return true, nil
			}
			return false, err
		}
		if len(matches) > 0 {
			s.log.Debug("will ignore cores", zap.String("node", node.Name()), zap.Strings("matches", matches))
			s.mu.Lock()
			s.ignoreCores[node.Name()] = struct{}{}
			s.mu.Unlock()
		}
	}

	pattern := criticalErrorsPattern
	s.mu.Lock()
	_, coresIgnored := s.ignoreCores[node.Name()]
	s.mu.Unlock()
	if !coresIgnored {
		pattern += "|" + abortingOnShardPattern
	}
	matches, err := node.GrepLog(pattern, filterExpr, nil)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return true, nil
		}
		return false, err
	}
	if len(matches) > 0 {
		trimmed := make([]string, 0, len(matches))
		for _, m := range matches {
			trimmed = append(trimmed, strings.TrimSpace(m))
		}
		*critical = append(*critical, nodeErrors{node: node.Name(), lines: trimmed})
	}
	return false, nil
}

// summarize renders per-node error groups with at most sample lines each.
func summarize(groups []nodeErrors, sample int) []string {
	out := make([]string, 0, len(groups))
	for _, g := range groups {
		lines := g.lines
		if len(lines) > sample {
			lines = lines[:sample]
		}
		out = append(out, fmt.Sprintf("%s: %d errors\n%s", g.node, len(g.lines), strings.Join(lines, "\n")))
	}
	return out
}
