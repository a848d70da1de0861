// Copyright (C) 2024 ScyllaDB
//
// SPDX-License-Identifier: Apache-2.0

package harness

import (
	"context"
	gosql "database/sql"
	"database/sql/driver"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"

	// Registers the default "postgres" driver.
	_ "github.com/lib/pq"

	"github.com/scylladb/dtest/pkg/cluster"
	"github.com/scylladb/dtest/pkg/util/retry"
)

// ErrNoHostAvailable means no node was reachable for a session. It is the
// transient condition the patient connection helpers retry on.
var ErrNoHostAvailable = errors.New("harness: no host available")

// IsNoHostAvailable reports whether err is a "node not reachable yet"
// condition worth retrying: our own sentinel, a refused or reset
// connection, a dial timeout, or a driver-level bad connection.
func IsNoHostAvailable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrNoHostAvailable) || errors.Is(err, driver.ErrBadConn) {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// SessionOptions configures a client session.
type SessionOptions struct {
	User     string
	Password string
	// Keyspace scopes the session to one keyspace.
	Keyspace string
	// ConnectTimeout bounds the dial. Zero means the derived request
	// timeout, or 30s before InitDefaultConfig ran.
	ConnectTimeout time.Duration
	// KeepSession registers the session for teardown cleanup.
	KeepSession bool
}

func (s *Setup) dataSource(addr string, opts SessionOptions) string {
	timeout := opts.ConnectTimeout
	if timeout == 0 {
		s.mu.Lock()
		timeout = s.requestTimeout
		s.mu.Unlock()
	}
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	u := url.URL{
		Scheme: "postgres",
		Host:   fmt.Sprintf("%s:%d", addr, cluster.ClientPort),
		Path:   "/" + opts.Keyspace,
	}
	if opts.User != "" {
		if opts.Password != "" {
			u.User = url.UserPassword(opts.User, opts.Password)
		} else {
			u.User = url.User(opts.User)
		}
	}
	q := url.Values{}
	q.Set("sslmode", "disable")
	q.Set("connect_timeout", strconv.Itoa(int(timeout/time.Second)))
	u.RawQuery = q.Encode()
	return u.String()
}

func (s *Setup) open(ctx context.Context, addr string, opts SessionOptions) (*gosql.DB, error) {
	db, err := gosql.Open(s.driver, s.dataSource(addr, opts))
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if opts.KeepSession {
		s.mu.Lock()
		s.connections = append(s.connections, db)
		s.mu.Unlock()
	}
	return db, nil
}

func (s *Setup) anyRunningAddress(ctx context.Context) (string, error) {
	running, err := s.cluster.Manager().RunningServers(ctx)
	if err != nil {
		return "", err
	}
	if len(running) == 0 {
		return "", errors.Wrap(ErrNoHostAvailable, "no running servers")
	}
	return running[0].RPCAddress, nil
}

// Connection opens a session against node, or against any running node when
// node is nil.
func (s *Setup) Connection(ctx context.Context, node *cluster.Node, opts SessionOptions) (*gosql.DB, error) {
	addr := ""
	if node != nil {
		addr = node.Address()
	} else {
		var err error
		if addr, err = s.anyRunningAddress(ctx); err != nil {
			return nil, err
		}
	}
	return s.open(ctx, addr, opts)
}

// ExclusiveConnection opens a session that only ever talks to node. The
// session is pinned to the node's address and never fails over to another
// cluster member, so it keeps observing that node even as topology changes.
func (s *Setup) ExclusiveConnection(ctx context.Context, node *cluster.Node, opts SessionOptions) (*gosql.DB, error) {
	if node == nil {
		return nil, errors.New("harness: exclusive connection requires a node")
	}
	return s.open(ctx, node.Address(), opts)
}

// ClusterSession opens a session registered for teardown cleanup.
func (s *Setup) ClusterSession(ctx context.Context, node *cluster.Node, opts SessionOptions) (*gosql.DB, error) {
	opts.KeepSession = true
	return s.Connection(ctx, node, opts)
}

// patientTimeout maps a zero timeout to the 60s default retry window. A
// negative timeout passes through, giving a single attempt.
func patientTimeout(timeout time.Duration) time.Duration {
	if timeout == 0 {
		return retry.DefaultTimeout
	}
	return timeout
}

// PatientConnection retries Connection while no host is available, for up
// to timeout (default 60s). A freshly started node may not be accepting
// client connections yet.
func (s *Setup) PatientConnection(
	ctx context.Context, node *cluster.Node, timeout time.Duration, opts SessionOptions,
) (*gosql.DB, error) {
	return retry.TillSuccess(ctx, patientTimeout(timeout), IsNoHostAvailable,
		func(ctx context.Context) (*gosql.DB, error) {
			return s.Connection(ctx, node, opts)
		})
}

// PatientExclusiveConnection is the patient variant of ExclusiveConnection.
func (s *Setup) PatientExclusiveConnection(
	ctx context.Context, node *cluster.Node, timeout time.Duration, opts SessionOptions,
) (*gosql.DB, error) {
	return retry.TillSuccess(ctx, patientTimeout(timeout), IsNoHostAvailable,
		func(ctx context.Context) (*gosql.DB, error) {
			return s.ExclusiveConnection(ctx, node, opts)
		})
}

// PatientClusterSession is the patient variant of ClusterSession.
func (s *Setup) PatientClusterSession(
	ctx context.Context, node *cluster.Node, timeout time.Duration, opts SessionOptions,
) (*gosql.DB, error) {
	return retry.TillSuccess(ctx, patientTimeout(timeout), IsNoHostAvailable,
		func(ctx context.Context) (*gosql.DB, error) {
			return s.ClusterSession(ctx, node, opts)
		})
}
