// Copyright (C) 2024 ScyllaDB
//
// SPDX-License-Identifier: Apache-2.0

// Package manager defines the contract between the test orchestration layer
// and the process manager that owns the actual server processes. The
// orchestration layer never spawns or signals a server directly; everything
// goes through a Client.
package manager

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
)

// ServerID is the stable identity of one server process. It never changes
// across restarts and is never reused within a manager's lifetime.
type ServerID int

// ServerInfo describes one server as known to the process manager.
type ServerInfo struct {
	ServerID   ServerID
	RPCAddress string // client-protocol address
	Datacenter string
	Rack       string
}

// Placement is the datacenter/rack hint passed when adding servers.
type Placement struct {
	Datacenter string
	Rack       string
}

// AddOptions configures ServersAdd / ServerAdd. Config is the node
// configuration applied at bootstrap. Placement is optional. Cmdline is an
// opaque extra-arguments passthrough for provider-specific flags.
type AddOptions struct {
	Config    map[string]interface{}
	Placement *Placement
	Cmdline   []string
	Start     bool
}

// ErrServerNotFound is returned by operations referencing a server the
// manager no longer (or never did) know about, e.g. after decommission.
var ErrServerNotFound = errors.New("manager: server not found")

// IsServerNotFound reports whether err means the referenced server is gone.
func IsServerNotFound(err error) bool {
	return errors.Is(err, ErrServerNotFound)
}

// Mark is an opaque cursor into one server's log stream. Marks are
// node-local: comparing marks across servers is meaningless.
type Mark int64

// LogHandle provides access to one server's growing log file.
type LogHandle interface {
	// Mark returns a cursor at the current end of the log.
	Mark() (Mark, error)

	// Grep returns the log lines at or after fromMark matching pattern,
	// excluding lines that match filterPattern (when non-empty). A nil
	// fromMark means "from the start of the log". Patterns are regular
	// expressions.
	Grep(pattern, filterPattern string, fromMark *Mark) ([]string, error)

	// WaitFor blocks until a line appended strictly after fromMark matches
	// any of the given patterns, or the timeout elapses. Content written
	// before the mark is never considered. Returns the matched line.
	WaitFor(ctx context.Context, fromMark Mark, timeout time.Duration, patterns ...string) (string, error)
}

// Client is the process-manager capability consumed by the cluster layer.
// Every call may suspend on I/O; failures propagate unchanged to callers.
type Client interface {
	// ServersAdd declares count new servers with the given options, without
	// starting them unless opts.Start is set. Returned infos are in
	// server-id order.
	ServersAdd(ctx context.Context, count int, opts AddOptions) ([]ServerInfo, error)

	// ServerAdd declares a single new server.
	ServerAdd(ctx context.Context, opts AddOptions) (ServerInfo, error)

	ServerStart(ctx context.Context, id ServerID) error
	ServerStop(ctx context.Context, id ServerID) error
	ServerStopGracefully(ctx context.Context, id ServerID) error
	ServerRestart(ctx context.Context, id ServerID) error

	// AllServers lists every declared server, running or not.
	AllServers(ctx context.Context) ([]ServerInfo, error)
	// RunningServers lists the currently running servers.
	RunningServers(ctx context.Context) ([]ServerInfo, error)

	// ServerUpdateConfig pushes one key/value into a live server's
	// configuration. A nil value removes the key's override.
	ServerUpdateConfig(ctx context.Context, id ServerID, key string, value interface{}) error

	// DecommissionNode streams the server's data away and removes it from
	// the cluster, then from the manager.
	DecommissionNode(ctx context.Context, id ServerID) error
	// RemoveNode removes a (typically dead) server via initiator.
	RemoveNode(ctx context.Context, initiator, id ServerID, ignoreDead []ServerID) error

	ServerExe(id ServerID) (string, error)
	HostIP(id ServerID) (string, error)
	ServerWorkdir(id ServerID) (string, error)

	// ServerOpenLog opens the server's log for marking, grepping and
	// waiting. The handle stays valid while the log file exists, even
	// after the server stops.
	ServerOpenLog(id ServerID) (LogHandle, error)

	// ServerPIDs returns the process ids ever used by the server, newest
	// last. Used to correlate core dumps.
	ServerPIDs(id ServerID) ([]int, error)
}
