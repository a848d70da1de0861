// Copyright (C) 2024 ScyllaDB
//
// SPDX-License-Identifier: Apache-2.0

package cluster

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/scylladb/dtest/pkg/manager"
)

// ToolError reports a non-zero exit from an administrative command. It
// carries enough context to diagnose the failure without re-running.
type ToolError struct {
	Cmd        []string
	ExitStatus int
	Stdout     string
	Stderr     string
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("%s exited with %d; stdout: %q; stderr: %q",
		strings.Join(e.Cmd, " "), e.ExitStatus, e.Stdout, e.Stderr)
}

// Known-benign stderr noise dropped from tool output after (never before)
// the exit-status check: sanitizer chatter and debug-build banners.
var benignToolStderr = []string{
	"WARNING: debug mode. Not for benchmarking or production",
	"==WARNING: ASan",
	"WARNING: ASAN",
	"LeakSanitizer has encountered a fatal error",
	"Sanitizer: failed to intercept",
}

func filterToolStderr(stderr string) string {
	var kept []string
	for _, line := range strings.Split(stderr, "\n") {
		benign := false
		for _, p := range benignToolStderr {
			if strings.Contains(line, p) {
				benign = true
				break
			}
		}
		if !benign {
			kept = append(kept, line)
		}
	}
	return strings.Join(kept, "\n")
}

// NodetoolOptions configures a Nodetool invocation.
type NodetoolOptions struct {
	// CaptureOutput returns stdout/stderr to the caller; otherwise both
	// come back empty (the command still runs to completion).
	CaptureOutput bool
	// Wait is ignored when CaptureOutput is set; when both are false the
	// command is fired and not waited for.
	Wait bool
	// Timeout bounds the invocation; zero means no explicit bound beyond
	// ctx.
	Timeout time.Duration
}

// Nodetool runs an administrative command against this node's management
// endpoint, out of process. On non-zero exit it returns a *ToolError
// carrying the command, exit status and captured output. Benign stderr
// lines are filtered out of the returned stderr only after the exit-status
// check.
func (n *Node) Nodetool(
	ctx context.Context, opts NodetoolOptions, cmd string, args ...string,
) (stdout, stderr string, err error) {
	exe, err := n.cluster.mgr.ServerExe(n.id)
	if err != nil {
		return "", "", err
	}
	host, err := n.cluster.mgr.HostIP(n.id)
	if err != nil {
		return "", "", err
	}

	argv := append([]string{"nodetool", cmd, "-h", host}, args...)

	if !opts.CaptureOutput && !opts.Wait {
		// Fire and forget. The child's lifetime is detached from this call:
		// the timeout context is released by a reaper goroutine after the
		// child exits, not when Nodetool returns.
		runCtx, cancel := ctx, context.CancelFunc(func() {})
		if opts.Timeout > 0 {
			runCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
		}
		c := exec.CommandContext(runCtx, exe, argv...)
		if err := c.Start(); err != nil {
			cancel()
			return "", "", errors.Wrapf(err, "nodetool %s on %s", cmd, n.Name())
		}
		go func() {
			_ = c.Wait()
			cancel()
		}()
		return "", "", nil
	}

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}
	c := exec.CommandContext(ctx, exe, argv...)

	var outBuf, errBuf bytes.Buffer
	c.Stdout = &outBuf
	c.Stderr = &errBuf
	runErr := c.Run()

	rawOut, rawErr := outBuf.String(), errBuf.String()
	if runErr != nil {
		exitStatus := -1
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			exitStatus = exitErr.ExitCode()
		}
		return "", "", errors.WithStack(&ToolError{
			Cmd:        append([]string{exe}, argv...),
			ExitStatus: exitStatus,
			Stdout:     rawOut,
			Stderr:     rawErr,
		})
	}
	if !opts.CaptureOutput {
		return "", "", nil
	}
	return rawOut, filterToolStderr(rawErr), nil
}

// RepairOptions selects what Repair operates on. Zero values mean "all".
type RepairOptions struct {
	Keyspace string
	Table    string
	Primary  bool // repair only the primary replica ranges
}

// Repair runs a nodetool repair with the given scope.
func (n *Node) Repair(ctx context.Context, opts RepairOptions) error {
	var args []string
	if opts.Primary {
		args = append(args, "-pr")
	}
	if opts.Keyspace != "" {
		args = append(args, opts.Keyspace)
		if opts.Table != "" {
			args = append(args, opts.Table)
		}
	}
	_, _, err := n.Nodetool(ctx, NodetoolOptions{CaptureOutput: true}, "repair", args...)
	return err
}

// Flush flushes memtables to disk, optionally scoped to a keyspace or a
// single table.
func (n *Node) Flush(ctx context.Context, keyspace, table string) error {
	var args []string
	if keyspace != "" {
		args = append(args, keyspace)
		if table != "" {
			args = append(args, table)
		}
	}
	_, _, err := n.Nodetool(ctx, NodetoolOptions{CaptureOutput: true}, "flush", args...)
	return err
}

// drainedPattern announces a completed drain in the server log.
const drainedPattern = `DRAINED|Drain completed`

// Drain stops accepting writes and flushes everything to disk. With
// blockOnLog set, the node's log is marked first and the call waits for the
// drain-complete marker to appear after the mark, turning the asynchronous
// server-side drain into a synchronous call.
func (n *Node) Drain(ctx context.Context, blockOnLog bool, timeout time.Duration) error {
	var mark manager.Mark
	if blockOnLog {
		var err error
		if mark, err = n.MarkLog(); err != nil {
			return err
		}
	}
	if _, _, err := n.Nodetool(ctx, NodetoolOptions{CaptureOutput: true}, "drain"); err != nil {
		return err
	}
	if !blockOnLog {
		return nil
	}
	_, err := n.WatchLogFor(ctx, mark, timeout, drainedPattern)
	return err
}
