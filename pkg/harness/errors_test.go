// Copyright (C) 2024 ScyllaDB
//
// SPDX-License-Identifier: Apache-2.0

package harness

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/scylladb/dtest/pkg/cluster"
	"github.com/scylladb/dtest/pkg/harness/config"
	"github.com/scylladb/dtest/pkg/manager/managertest"
)

func newTestSetup(t *testing.T, nodes int, opts Options) (*Setup, *managertest.Fake, []*cluster.Node) {
	t.Helper()
	ctx := context.Background()
	fake := managertest.New(t.TempDir())
	cl := cluster.New(fake, config.ModeDebug)
	require.NoError(t, cl.Populate(ctx, cluster.Single(nodes)))
	require.NoError(t, cl.Start(ctx))
	if opts.Logger == nil {
		opts.Logger = zaptest.NewLogger(t)
	}
	if opts.CoreDir == "" {
		opts.CoreDir = t.TempDir()
	}
	s := New(config.Default(), cl, opts)
	nl, err := cl.Nodes(ctx)
	require.NoError(t, err)
	require.Len(t, nl, nodes)
	return s, fake, nl
}

func TestCheckErrorsAllowList(t *testing.T) {
	s, fake, nodes := newTestSetup(t, 1, Options{})
	require.NoError(t, fake.AppendLog(nodes[0].ID(),
		"ERROR 2024-05-01 12:00:00 [shard 0] compaction - Compaction for ks.t deliberately stopped"))

	errs, err := s.CheckErrors(nodes[0], CheckErrorsOptions{ReturnErrors: true})
	require.NoError(t, err)
	require.Empty(t, errs)

	_, err = s.CheckErrors(nodes[0], CheckErrorsOptions{})
	require.NoError(t, err)
}

func TestCheckErrorsUnexpectedLine(t *testing.T) {
	s, fake, nodes := newTestSetup(t, 1, Options{})
	require.NoError(t, fake.AppendLog(nodes[0].ID(),
		"ERROR 2024-05-01 12:00:00 [shard 0] storage - disk write failed"))

	_, err := s.CheckErrors(nodes[0], CheckErrorsOptions{})
	require.ErrorContains(t, err, "disk write failed")

	errs, err := s.CheckErrors(nodes[0], CheckErrorsOptions{ReturnErrors: true})
	require.NoError(t, err)
	require.Len(t, errs, 1)
}

func TestCheckErrorsExcludesAccumulate(t *testing.T) {
	ctx := context.Background()
	s, fake, nodes := newTestSetup(t, 1, Options{})

	// A passing scan records its excludes for the rest of the test, so
	// teardown sees the same allow-list.
	_, err := s.CheckErrors(nodes[0], CheckErrorsOptions{ExcludeErrors: []string{"disk write failed"}})
	require.NoError(t, err)
	require.NoError(t, fake.AppendLog(nodes[0].ID(),
		"ERROR 2024-05-01 12:00:00 [shard 0] storage - disk write failed"))
	require.NoError(t, s.CheckErrorsAllNodes(ctx, nil, nil, false))
}

func TestCheckErrorsFromMarkScopesScan(t *testing.T) {
	s, fake, nodes := newTestSetup(t, 1, Options{})
	require.NoError(t, fake.AppendLog(nodes[0].ID(),
		"ERROR 2024-05-01 12:00:00 [shard 0] old failure before the mark"))
	mark, err := nodes[0].MarkLog()
	require.NoError(t, err)

	errs, err := s.CheckErrors(nodes[0], CheckErrorsOptions{FromMark: &mark, ReturnErrors: true})
	require.NoError(t, err)
	require.Empty(t, errs)
}

func TestCheckErrorsAllNodesCritical(t *testing.T) {
	ctx := context.Background()
	s, fake, nodes := newTestSetup(t, 2, Options{})
	require.NoError(t, fake.AppendLog(nodes[1].ID(),
		"2024-05-01 12:00:00 [shard 0] Assertion `x == y' failed."))

	err := s.CheckErrorsAllNodes(ctx, nil, nil, false)
	require.ErrorContains(t, err, "critical errors found")
	require.ErrorContains(t, err, "node2")
	require.ErrorContains(t, err, "Assertion `x == y' failed.")
}

func TestCheckErrorsAllNodesOrdinarySample(t *testing.T) {
	ctx := context.Background()
	s, fake, nodes := newTestSetup(t, 1, Options{})
	for i := 0; i < 8; i++ {
		require.NoError(t, fake.AppendLog(nodes[0].ID(),
			fmt.Sprintf("ERROR 2024-05-01 12:00:%02d [shard 0] unexpected failure %c", i, 'a'+i)))
	}

	err := s.CheckErrorsAllNodes(ctx, nil, nil, false)
	require.ErrorContains(t, err, "unexpected errors found")
	require.ErrorContains(t, err, "node1: 8 errors")
	require.ErrorContains(t, err, "unexpected failure a")
	require.NotContains(t, err.Error(), "unexpected failure f")
}

func TestCheckErrorsAllNodesEmptyDeltaIdempotent(t *testing.T) {
	ctx := context.Background()
	s, fake, nodes := newTestSetup(t, 2, Options{})
	require.NoError(t, fake.AppendLog(nodes[0].ID(),
		"ERROR 2024-05-01 12:00:00 [shard 0] startup noise"))
	require.NoError(t, nodes[0].MarkLogForErrors())
	require.NoError(t, nodes[1].MarkLogForErrors())

	require.NoError(t, s.CheckErrorsAllNodes(ctx, nodes, nil, false))
	require.NoError(t, s.CheckErrorsAllNodes(ctx, nodes, nil, false))
}

func TestCheckErrorsAllNodesAbortingOnShard(t *testing.T) {
	ctx := context.Background()
	s, fake, nodes := newTestSetup(t, 1, Options{})
	require.NoError(t, fake.AppendLog(nodes[0].ID(),
		"2024-05-01 12:00:00 [shard 2] Aborting on shard 2"))

	err := s.CheckErrorsAllNodes(ctx, nil, nil, false)
	require.ErrorContains(t, err, "critical errors found")

	// The same line is not critical once the node opted out of core
	// detection via an ignore-cores pattern found in its log.
	s2, fake2, nodes2 := newTestSetup(t, 1, Options{})
	s2.IgnoreCoresLogPatterns("deliberate crash requested")
	require.NoError(t, fake2.AppendLog(nodes2[0].ID(),
		"2024-05-01 12:00:00 [shard 0] deliberate crash requested",
		"2024-05-01 12:00:01 [shard 2] Aborting on shard 2"))
	require.NoError(t, s2.CheckErrorsAllNodes(ctx, nil, nil, false))
}

func TestCheckErrorsAllNodesFindsCores(t *testing.T) {
	ctx := context.Background()
	coreDir := t.TempDir()
	s, fake, nodes := newTestSetup(t, 1, Options{CoreDir: coreDir})
	srv := fake.Server(nodes[0].ID())
	require.NotNil(t, srv)
	pid := srv.PIDs[0]

	path := filepath.Join(coreDir, "scylla."+strconv.Itoa(pid)+".core")
	require.NoError(t, os.WriteFile(path, []byte("core"), 0644))

	err := s.CheckErrorsAllNodes(ctx, nil, nil, false)
	require.ErrorContains(t, err, "core file(s) found")
	require.ErrorContains(t, err, "node1")
}

func TestCheckErrorsAllNodesIgnoredCores(t *testing.T) {
	ctx := context.Background()
	coreDir := t.TempDir()
	s, fake, nodes := newTestSetup(t, 1, Options{CoreDir: coreDir})
	s.IgnoreCoresLogPatterns("deliberate crash requested")
	require.NoError(t, fake.AppendLog(nodes[0].ID(),
		"2024-05-01 12:00:00 [shard 0] deliberate crash requested"))

	srv := fake.Server(nodes[0].ID())
	pid := srv.PIDs[0]
	path := filepath.Join(coreDir, "scylla."+strconv.Itoa(pid)+".core")
	require.NoError(t, os.WriteFile(path, []byte("core"), 0644))

	require.NoError(t, s.CheckErrorsAllNodes(ctx, nil, nil, false))
}
