// Copyright (C) 2024 ScyllaDB
//
// SPDX-License-Identifier: Apache-2.0

// Package cluster provides handles over a fleet of server processes managed
// by a process manager. A Cluster owns the cluster-wide configuration and
// fans lifecycle operations out to its Nodes; a Node wraps a single server's
// lifecycle, log and administrative surface.
//
// The cluster layer adds no retry logic of its own: process-manager failures
// propagate unchanged to callers, and retries belong to the retry package at
// a higher layer.
package cluster

import (
	"context"
	"sort"
	"strconv"
	"sync"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/scylladb/dtest/pkg/manager"
)

// Cluster is the handle over one test cluster. Its configuration map is
// mutated only by the owning test setup (single writer per test).
type Cluster struct {
	mgr  manager.Client
	mode string
	log  *zap.Logger

	mu            sync.Mutex
	configOptions map[string]interface{}
}

// Option configures a Cluster.
type Option func(*Cluster)

// WithLogger sets the cluster's logger. Defaults to a nop logger.
func WithLogger(log *zap.Logger) Option {
	return func(c *Cluster) { c.log = log }
}

// New returns an empty Cluster driven through mgr. mode is the server build
// mode (debug, release, dev, ...); it scales timeouts at higher layers.
func New(mgr manager.Client, mode string, opts ...Option) *Cluster {
	c := &Cluster{
		mgr:           mgr,
		mode:          mode,
		log:           zap.NewNop(),
		configOptions: make(map[string]interface{}),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Manager returns the underlying process-manager client.
func (c *Cluster) Manager() manager.Client { return c.mgr }

// Mode returns the server build mode the cluster was created with.
func (c *Cluster) Mode() string { return c.mode }

// ConfigOptions returns a copy of the cluster-wide configuration map.
func (c *Cluster) ConfigOptions() map[string]interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]interface{}, len(c.configOptions))
	for k, v := range c.configOptions {
		out[k] = v
	}
	return out
}

func sortedServers(servers []manager.ServerInfo) []manager.ServerInfo {
	sorted := append([]manager.ServerInfo(nil), servers...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ServerID < sorted[j].ServerID })
	return sorted
}

// Nodes returns a handle per declared server, in ascending server-id order.
func (c *Cluster) Nodes(ctx context.Context) ([]*Node, error) {
	servers, err := c.mgr.AllServers(ctx)
	if err != nil {
		return nil, err
	}
	nodes := make([]*Node, 0, len(servers))
	for _, s := range sortedServers(servers) {
		nodes = append(nodes, newNode(c, s))
	}
	return nodes, nil
}

// Populate declares the topology's nodes with the cluster's current
// configuration, without starting them. For multi-datacenter topologies each
// datacenter gets the label dc<i> (1-indexed) and rack RAC1. Node counts are
// not validated here beyond the manager's own checks.
func (c *Cluster) Populate(ctx context.Context, topo Topology) error {
	cfg := c.ConfigOptions()
	if !topo.multi {
		_, err := c.mgr.ServersAdd(ctx, topo.Total(), manager.AddOptions{Config: cfg})
		return err
	}
	if len(topo.counts) == 0 {
		return errors.New("cluster: per-datacenter topology declares no datacenters")
	}
	for i, n := range topo.counts {
		dc := "dc" + strconv.Itoa(i+1)
		_, err := c.mgr.ServersAdd(ctx, n, manager.AddOptions{
			Config:    cfg,
			Placement: &manager.Placement{Datacenter: dc, Rack: "RAC1"},
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// NewNode declares one additional node with the cluster's current
// configuration, without starting it. Used by replace/bootstrap tests.
func (c *Cluster) NewNode(ctx context.Context) (*Node, error) {
	info, err := c.mgr.ServerAdd(ctx, manager.AddOptions{Config: c.ConfigOptions()})
	if err != nil {
		return nil, err
	}
	return newNode(c, info), nil
}

// Start starts every declared node in ascending server-id order. Each start
// call returns once the request is issued, not once the node is ready;
// callers needing readiness poll via a session or a log wait.
func (c *Cluster) Start(ctx context.Context) error {
	servers, err := c.mgr.AllServers(ctx)
	if err != nil {
		return err
	}
	for _, s := range sortedServers(servers) {
		if err := c.mgr.ServerStart(ctx, s.ServerID); err != nil {
			return err
		}
	}
	return nil
}

// Stop stops every currently running node in ascending server-id order.
// gently selects graceful shutdown over immediate kill.
func (c *Cluster) Stop(ctx context.Context, gently bool) error {
	servers, err := c.mgr.RunningServers(ctx)
	if err != nil {
		return err
	}
	for _, s := range sortedServers(servers) {
		var err error
		if gently {
			err = c.mgr.ServerStopGracefully(ctx, s.ServerID)
		} else {
			err = c.mgr.ServerStop(ctx, s.ServerID)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// SetConfigurationOptions merges values into the cluster-wide configuration
// (new keys override old; a nil value removes the key's override) and, if
// any nodes already exist, pushes every given key to every known node. Pushes
// are per-node and not atomic across the cluster.
//
// batchCommitlog, when non-nil, expands into the commitlog sync mode plus
// the matching batch-window or periodic-interval setting so callers don't
// need to know both keys.
func (c *Cluster) SetConfigurationOptions(
	ctx context.Context, values map[string]interface{}, batchCommitlog *bool,
) error {
	merged := make(map[string]interface{}, len(values)+3)
	for k, v := range values {
		merged[k] = v
	}
	if batchCommitlog != nil {
		if *batchCommitlog {
			merged["commitlog_sync"] = "batch"
			merged["commitlog_sync_batch_window_in_ms"] = 5
			merged["commitlog_sync_period_in_ms"] = nil
		} else {
			merged["commitlog_sync"] = "periodic"
			merged["commitlog_sync_period_in_ms"] = 10000
			merged["commitlog_sync_batch_window_in_ms"] = nil
		}
	}
	if len(merged) == 0 {
		return nil
	}

	c.mu.Lock()
	for k, v := range merged {
		if v == nil {
			delete(c.configOptions, k)
		} else {
			c.configOptions[k] = v
		}
	}
	c.mu.Unlock()

	servers, err := c.mgr.AllServers(ctx)
	if err != nil {
		return err
	}
	for _, s := range sortedServers(servers) {
		for k, v := range merged {
			if err := c.mgr.ServerUpdateConfig(ctx, s.ServerID, k, v); err != nil {
				return err
			}
		}
	}
	c.log.Debug("configuration options updated", zap.Int("keys", len(merged)))
	return nil
}
