// Copyright (C) 2024 ScyllaDB
//
// SPDX-License-Identifier: Apache-2.0

package cluster

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/scylladb/dtest/pkg/manager"
	"github.com/scylladb/dtest/pkg/manager/managertest"
)

func newTestCluster(t *testing.T) (*Cluster, *managertest.Fake) {
	t.Helper()
	fake := managertest.New(t.TempDir())
	return New(fake, "dev"), fake
}

func TestPopulateSingleDatacenter(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCluster(t)

	require.NoError(t, c.Populate(ctx, Single(3)))
	nodes, err := c.Nodes(ctx)
	require.NoError(t, err)
	require.Len(t, nodes, 3)
	for _, n := range nodes {
		require.Equal(t, "dc1", n.Datacenter())
	}
}

func TestPopulateMultiDatacenter(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCluster(t)

	require.NoError(t, c.Populate(ctx, PerDatacenter(2, 3)))
	nodes, err := c.Nodes(ctx)
	require.NoError(t, err)
	require.Len(t, nodes, 5)

	// Server-id order matches declaration order: dc1 first.
	for i, n := range nodes {
		if i < 2 {
			require.Equal(t, "dc1", n.Datacenter(), "node %d", i)
		} else {
			require.Equal(t, "dc2", n.Datacenter(), "node %d", i)
		}
		require.Equal(t, "RAC1", n.Rack())
	}
	for i := 1; i < len(nodes); i++ {
		require.Greater(t, nodes[i].ID(), nodes[i-1].ID())
	}
}

func TestStartOrderIsAscendingServerID(t *testing.T) {
	ctx := context.Background()
	c, fake := newTestCluster(t)
	require.NoError(t, c.Populate(ctx, Single(4)))
	require.NoError(t, c.Start(ctx))
	require.Equal(t,
		[]manager.ServerID{1, 2, 3, 4},
		fake.StartOrder)
}

func TestStopOnlyRunningNodes(t *testing.T) {
	ctx := context.Background()
	c, fake := newTestCluster(t)
	require.NoError(t, c.Populate(ctx, Single(3)))
	require.NoError(t, c.Start(ctx))

	nodes, err := c.Nodes(ctx)
	require.NoError(t, err)
	require.NoError(t, nodes[1].Stop(ctx, false))
	fake.StopOrder = nil

	require.NoError(t, c.Stop(ctx, true))
	require.Equal(t, []manager.ServerID{1, 3}, fake.StopOrder)
}

func TestSetConfigurationOptionsEmptyIsNoop(t *testing.T) {
	ctx := context.Background()
	c, fake := newTestCluster(t)
	require.NoError(t, c.Populate(ctx, Single(2)))

	before := c.ConfigOptions()
	require.NoError(t, c.SetConfigurationOptions(ctx, nil, nil))
	require.NoError(t, c.SetConfigurationOptions(ctx, map[string]interface{}{}, nil))
	require.Empty(t, fake.ConfigPushes)
	require.Equal(t, before, c.ConfigOptions())
}

func TestSetConfigurationOptionsPushesToEveryNode(t *testing.T) {
	ctx := context.Background()
	c, fake := newTestCluster(t)
	require.NoError(t, c.Populate(ctx, Single(2)))

	require.NoError(t, c.SetConfigurationOptions(ctx, map[string]interface{}{
		"ring_delay_ms": 10000,
	}, nil))

	require.Len(t, fake.ConfigPushes, 2)
	for _, p := range fake.ConfigPushes {
		require.Equal(t, "ring_delay_ms", p.Key)
		require.Equal(t, 10000, p.Value)
	}
	require.Equal(t, 10000, c.ConfigOptions()["ring_delay_ms"])
}

func TestSetConfigurationOptionsNilValueRemovesOverride(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCluster(t)
	require.NoError(t, c.SetConfigurationOptions(ctx, map[string]interface{}{"num_tokens": 256}, nil))
	require.NoError(t, c.SetConfigurationOptions(ctx, map[string]interface{}{"num_tokens": nil}, nil))
	_, ok := c.ConfigOptions()["num_tokens"]
	require.False(t, ok)
}

func TestBatchCommitlogExpansion(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCluster(t)

	batch := true
	require.NoError(t, c.SetConfigurationOptions(ctx, nil, &batch))
	opts := c.ConfigOptions()
	require.Equal(t, "batch", opts["commitlog_sync"])
	require.Equal(t, 5, opts["commitlog_sync_batch_window_in_ms"])
	_, ok := opts["commitlog_sync_period_in_ms"]
	require.False(t, ok)

	batch = false
	require.NoError(t, c.SetConfigurationOptions(ctx, nil, &batch))
	opts = c.ConfigOptions()
	require.Equal(t, "periodic", opts["commitlog_sync"])
	require.Equal(t, 10000, opts["commitlog_sync_period_in_ms"])
	_, ok = opts["commitlog_sync_batch_window_in_ms"]
	require.False(t, ok)
}

func TestPopulateAppliesCurrentConfigAtBootstrap(t *testing.T) {
	ctx := context.Background()
	c, fake := newTestCluster(t)
	require.NoError(t, c.SetConfigurationOptions(ctx, map[string]interface{}{"enable_tablets": true}, nil))

	require.NoError(t, c.Populate(ctx, Single(1)))
	s := fake.Server(1)
	require.NotNil(t, s)
	require.Equal(t, true, s.Config["enable_tablets"])
}

func TestNodeOperationsAfterDecommissionFailNotFound(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCluster(t)
	require.NoError(t, c.Populate(ctx, Single(2)))
	nodes, err := c.Nodes(ctx)
	require.NoError(t, err)

	gone := nodes[1]
	require.NoError(t, gone.Decommission(ctx))
	err = gone.Start(ctx)
	require.True(t, manager.IsServerNotFound(err))
}

func TestNodeNameAndAddressAreStable(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCluster(t)
	require.NoError(t, c.Populate(ctx, Single(1)))
	nodes, err := c.Nodes(ctx)
	require.NoError(t, err)
	n := nodes[0]

	require.Equal(t, "node1", n.Name())
	addr := n.Address()
	require.NotEmpty(t, addr)

	require.NoError(t, n.Start(ctx))
	require.NoError(t, n.Stop(ctx, true))
	// Address stays valid to reference while the node is stopped.
	require.Equal(t, addr, n.Address())
}

func TestGrepLogForErrorsUsesErrorMark(t *testing.T) {
	ctx := context.Background()
	c, fake := newTestCluster(t)
	require.NoError(t, c.Populate(ctx, Single(1)))
	nodes, err := c.Nodes(ctx)
	require.NoError(t, err)
	n := nodes[0]

	require.NoError(t, fake.AppendLog(n.ID(), "ERROR old problem"))
	require.NoError(t, n.MarkLogForErrors())
	require.NoError(t, fake.AppendLog(n.ID(), "ERROR new problem", "ERROR new problem"))

	lines, err := n.GrepLogForErrors(true, nil)
	require.NoError(t, err)
	require.Equal(t, []string{"ERROR new problem"}, lines)
}

func TestWatchLogForDeathAndAlive(t *testing.T) {
	ctx := context.Background()
	c, fake := newTestCluster(t)
	require.NoError(t, c.Populate(ctx, Single(2)))
	nodes, err := c.Nodes(ctx)
	require.NoError(t, err)
	observer, target := nodes[0], nodes[1]

	mark, err := observer.MarkLog()
	require.NoError(t, err)
	require.NoError(t, fake.AppendLog(observer.ID(),
		"gossip - InetAddress "+target.Address()+" is now DOWN"))
	require.NoError(t, observer.WatchLogForDeath(ctx, mark, 5*time.Second, target))

	mark, err = observer.MarkLog()
	require.NoError(t, err)
	require.NoError(t, fake.AppendLog(observer.ID(),
		"gossip - InetAddress "+target.Address()+" is now UP"))
	require.NoError(t, observer.WatchLogForAlive(ctx, mark, 5*time.Second, target))
}
