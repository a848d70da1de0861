// Copyright (C) 2024 ScyllaDB
//
// SPDX-License-Identifier: Apache-2.0

package cluster

import (
	"context"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/scylladb/dtest/pkg/manager"
)

// Well-known ports of a server's network interfaces.
const (
	StoragePort = 7000
	ClientPort  = 9042
)

// Node is the handle over one cluster member. The handle may outlive the
// backing process; operations on a removed server fail with the manager's
// not-found error.
type Node struct {
	cluster *Cluster
	id      manager.ServerID

	// Addresses and placement are fixed at node-add time and never
	// re-derived from the live process, so they remain valid to reference
	// while the node is stopped.
	addr       string
	datacenter string
	rack       string

	mu        sync.Mutex
	errorMark *manager.Mark
}

func newNode(c *Cluster, info manager.ServerInfo) *Node {
	return &Node{
		cluster:    c,
		id:         info.ServerID,
		addr:       info.RPCAddress,
		datacenter: info.Datacenter,
		rack:       info.Rack,
	}
}

// ID returns the node's stable server id.
func (n *Node) ID() manager.ServerID { return n.id }

// Name is a deterministic function of the server id, not of start order.
func (n *Node) Name() string { return "node" + strconv.Itoa(int(n.id)) }

// Address returns the storage-layer address recorded at node-add time.
func (n *Node) Address() string { return n.addr }

// Datacenter returns the node's datacenter label.
func (n *Node) Datacenter() string { return n.datacenter }

// Rack returns the node's rack label.
func (n *Node) Rack() string { return n.rack }

// Start starts the backing process.
func (n *Node) Start(ctx context.Context) error {
	return n.cluster.mgr.ServerStart(ctx, n.id)
}

// Stop stops the backing process, gracefully when gently is set.
func (n *Node) Stop(ctx context.Context, gently bool) error {
	if gently {
		return n.cluster.mgr.ServerStopGracefully(ctx, n.id)
	}
	return n.cluster.mgr.ServerStop(ctx, n.id)
}

// Restart restarts the backing process.
func (n *Node) Restart(ctx context.Context) error {
	return n.cluster.mgr.ServerRestart(ctx, n.id)
}

// Decommission streams this node's data away and removes it from the
// cluster. The handle remains usable only for log access afterwards.
func (n *Node) Decommission(ctx context.Context) error {
	return n.cluster.mgr.DecommissionNode(ctx, n.id)
}

// IsRunning reports whether the manager currently lists the node as running.
func (n *Node) IsRunning(ctx context.Context) (bool, error) {
	running, err := n.cluster.mgr.RunningServers(ctx)
	if err != nil {
		return false, err
	}
	for _, s := range running {
		if s.ServerID == n.id {
			return true, nil
		}
	}
	return false, nil
}

// PIDs returns the process ids ever used by this node's server.
func (n *Node) PIDs() ([]int, error) {
	return n.cluster.mgr.ServerPIDs(n.id)
}

func (n *Node) openLog() (manager.LogHandle, error) {
	return n.cluster.mgr.ServerOpenLog(n.id)
}

// MarkLog returns an opaque cursor at the current end of this node's log.
func (n *Node) MarkLog() (manager.Mark, error) {
	log, err := n.openLog()
	if err != nil {
		return 0, err
	}
	return log.Mark()
}

// MarkLogForErrors stores the current log position as the node's error-scan
// baseline: subsequent GrepLogForErrors calls only consider newer content.
func (n *Node) MarkLogForErrors() error {
	m, err := n.MarkLog()
	if err != nil {
		return err
	}
	n.mu.Lock()
	n.errorMark = &m
	n.mu.Unlock()
	return nil
}

// SetErrorMark overrides the error-scan baseline with an explicit mark.
func (n *Node) SetErrorMark(m manager.Mark) {
	n.mu.Lock()
	n.errorMark = &m
	n.mu.Unlock()
}

// ErrorMark returns the node's error-scan baseline, or nil if none was set.
func (n *Node) ErrorMark() *manager.Mark {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.errorMark
}

// GrepLog returns all log lines at/after fromMark (or from the log start
// when fromMark is nil) matching pattern, excluding lines matching
// filterPattern when non-empty.
func (n *Node) GrepLog(pattern, filterPattern string, fromMark *manager.Mark) ([]string, error) {
	log, err := n.openLog()
	if err != nil {
		return nil, err
	}
	return log.Grep(pattern, filterPattern, fromMark)
}

// GrepLogForErrors returns the error-level log lines after the node's
// error mark (or fromMark when given). With distinct set, duplicate lines
// collapse to one occurrence.
func (n *Node) GrepLogForErrors(distinct bool, fromMark *manager.Mark) ([]string, error) {
	if fromMark == nil {
		fromMark = n.ErrorMark()
	}
	lines, err := n.GrepLog(`ERROR`, "", fromMark)
	if err != nil {
		return nil, err
	}
	if !distinct {
		return lines, nil
	}
	seen := make(map[string]struct{}, len(lines))
	out := lines[:0]
	for _, l := range lines {
		if _, ok := seen[l]; ok {
			continue
		}
		seen[l] = struct{}{}
		out = append(out, l)
	}
	return out, nil
}

// WatchLogFor blocks until any of the patterns matches log content appended
// after fromMark, or the timeout elapses with a logwatch timeout error.
func (n *Node) WatchLogFor(
	ctx context.Context, fromMark manager.Mark, timeout time.Duration, patterns ...string,
) (string, error) {
	log, err := n.openLog()
	if err != nil {
		return "", err
	}
	return log.WaitFor(ctx, fromMark, timeout, patterns...)
}

// WatchLogForDeath waits until this node's log reports every one of the
// given nodes as dead or down.
func (n *Node) WatchLogForDeath(
	ctx context.Context, fromMark manager.Mark, timeout time.Duration, others ...*Node,
) error {
	for _, other := range others {
		pattern := regexp.QuoteMeta(other.Address()) + `.*(now dead|now DOWN)`
		if _, err := n.WatchLogFor(ctx, fromMark, timeout, pattern); err != nil {
			return err
		}
	}
	return nil
}

// WatchLogForAlive waits until this node's log reports every one of the
// given nodes as up.
func (n *Node) WatchLogForAlive(
	ctx context.Context, fromMark manager.Mark, timeout time.Duration, others ...*Node,
) error {
	for _, other := range others {
		pattern := regexp.QuoteMeta(other.Address()) + `.*now UP`
		if _, err := n.WatchLogFor(ctx, fromMark, timeout, pattern); err != nil {
			return err
		}
	}
	return nil
}
