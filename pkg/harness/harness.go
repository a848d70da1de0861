// Copyright (C) 2024 ScyllaDB
//
// SPDX-License-Identifier: Apache-2.0

// Package harness glues one test case's cluster usage together: client
// session pooling, configuration derivation from the suite config, and the
// error-based pass/fail decision at teardown.
//
// A Setup is single-writer state. It must not be shared across concurrently
// running tests; every session it opens is drained during Teardown.
package harness

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	gosql "database/sql"

	"github.com/scylladb/dtest/pkg/cluster"
	"github.com/scylladb/dtest/pkg/harness/config"
	"github.com/scylladb/dtest/pkg/manager"
	"github.com/scylladb/dtest/pkg/predicate"
)

// Options configures a Setup beyond the suite config.
type Options struct {
	// Logger defaults to a nop logger.
	Logger *zap.Logger
	// DriverName is the database/sql driver used for client sessions.
	// Defaults to "postgres" (lib/pq).
	DriverName string
	// CoreDir is scanned for core files at teardown. Defaults to ".".
	CoreDir string
	// LogPolicy overrides the baseline benign-error allow-list. Nil means
	// DefaultLogPolicy().
	LogPolicy []string
	// ClusterOptions are per-test configuration overrides merged by
	// InitDefaultConfig.
	ClusterOptions map[string]interface{}
	// NoBootSpeedups keeps the server's full gossip settle wait.
	NoBootSpeedups bool
	// SingleNode marks a single-node test; boot speedups always apply.
	SingleNode bool
	// AdminPort is the node administrative HTTP port. Defaults to 10000.
	AdminPort int
}

// Setup orchestrates one test case's cluster.
type Setup struct {
	cfg     config.Config
	cluster *cluster.Cluster
	log     *zap.Logger

	driver    string
	coreDir   string
	policy    []string
	adminPort int

	baseCQLTimeout time.Duration

	mu                     sync.Mutex
	connections            []*gosql.DB
	clusterOptions         map[string]interface{}
	ignoreLogPatterns      []string
	ignoreCoresLogPatterns []string
	ignoreCores            map[string]struct{}
	allowLogErrors         bool
	replacementNode        *cluster.Node
	features               map[string]struct{}
	requestTimeout         time.Duration
	countRequestTimeout    time.Duration
}

// New returns a Setup over cl. Boot speedups are applied to the per-test
// cluster options unless opts.NoBootSpeedups is set on a multi-node test:
// single-host clusters have nothing to gossip about, and a short ring delay
// is safe when every node is local.
func New(cfg config.Config, cl *cluster.Cluster, opts Options) *Setup {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.DriverName == "" {
		opts.DriverName = "postgres"
	}
	if opts.CoreDir == "" {
		opts.CoreDir = "."
	}
	if opts.LogPolicy == nil {
		opts.LogPolicy = DefaultLogPolicy()
	}
	if opts.AdminPort == 0 {
		opts.AdminPort = 10000
	}
	co := make(map[string]interface{}, len(opts.ClusterOptions)+2)
	for k, v := range opts.ClusterOptions {
		co[k] = v
	}
	if opts.SingleNode || !opts.NoBootSpeedups {
		if _, ok := co["skip_wait_for_gossip_to_settle"]; !ok {
			co["skip_wait_for_gossip_to_settle"] = 0
		}
	}
	if _, ok := co["ring_delay_ms"]; !ok {
		co["ring_delay_ms"] = 10000
	}
	return &Setup{
		cfg:            cfg,
		cluster:        cl,
		log:            opts.Logger,
		driver:         opts.DriverName,
		coreDir:        opts.CoreDir,
		policy:         opts.LogPolicy,
		adminPort:      opts.AdminPort,
		baseCQLTimeout: 10 * time.Second,
		clusterOptions: co,
		ignoreCores:    make(map[string]struct{}),
		features:       cfg.Features(),
	}
}

// Cluster returns the cluster under test.
func (s *Setup) Cluster() *cluster.Cluster { return s.cluster }

// Config returns the suite configuration.
func (s *Setup) Config() config.Config { return s.cfg }

// AllowLogErrors disables the teardown log health gate for this test.
func (s *Setup) AllowLogErrors() {
	s.mu.Lock()
	s.allowLogErrors = true
	s.mu.Unlock()
}

// IgnoreLogPatterns appends benign-error patterns for the rest of this test.
func (s *Setup) IgnoreLogPatterns(patterns ...string) {
	s.mu.Lock()
	s.ignoreLogPatterns = append(s.ignoreLogPatterns, patterns...)
	s.mu.Unlock()
}

// IgnoreCoresLogPatterns registers patterns that, when found in a node's
// log, opt that node out of core-dump detection.
func (s *Setup) IgnoreCoresLogPatterns(patterns ...string) {
	s.mu.Lock()
	s.ignoreCoresLogPatterns = append(s.ignoreCoresLogPatterns, patterns...)
	s.mu.Unlock()
}

// SetReplacementNode records the node that replaced a removed one, so the
// teardown scan knows to treat it as part of the fleet.
func (s *Setup) SetReplacementNode(n *cluster.Node) {
	s.mu.Lock()
	s.replacementNode = n
	s.mu.Unlock()
}

// ReplacementNode returns the recorded replacement node, or nil.
func (s *Setup) ReplacementNode() *cluster.Node {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.replacementNode
}

// Features returns a copy of the enabled-feature set, suite-configured
// features plus any added by InitDefaultConfig's experimental handling.
func (s *Setup) Features() map[string]struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]struct{}, len(s.features))
	for f := range s.features {
		out[f] = struct{}{}
	}
	return out
}

// GateContext builds the fact context the collection-time gate evaluates
// predicates against.
func (s *Setup) GateContext(testID string) predicate.Context {
	return predicate.Context{
		EnabledFeatures: s.Features(),
		TestID:          testID,
	}
}

// Teardown drains every registered session (in reverse open order), stops
// the cluster gracefully and, unless AllowLogErrors was called, runs the
// log health gate over all nodes.
func (s *Setup) Teardown(ctx context.Context) error {
	s.mu.Lock()
	conns := s.connections
	s.connections = nil
	allow := s.allowLogErrors
	s.mu.Unlock()

	for i := len(conns) - 1; i >= 0; i-- {
		if err := conns[i].Close(); err != nil {
			s.log.Warn("closing session", zap.Error(err))
		}
	}
	if err := s.cluster.Stop(ctx, true); err != nil {
		return err
	}
	if allow {
		return nil
	}
	return s.CheckErrorsAllNodes(ctx, nil, nil, false)
}

// findCores correlates core files in the core directory with the pids of
// the given nodes. Nodes in the ignore set contribute to the second return
// value instead of the first.
func (s *Setup) findCores(nodes []*cluster.Node) (cores, ignored []string, _ error) {
	entries, err := os.ReadDir(s.coreDir)
	if err != nil {
		return nil, nil, errors.Wrap(err, "scanning for core files")
	}
	type nodePIDs struct {
		node *cluster.Node
		pids []int
	}
	var known []nodePIDs
	for _, n := range nodes {
		pids, err := n.PIDs()
		if err != nil {
			if manager.IsServerNotFound(err) {
				continue
			}
			return nil, nil, err
		}
		known = append(known, nodePIDs{node: n, pids: pids})
	}
	s.mu.Lock()
	ignoreSet := s.ignoreCores
	s.mu.Unlock()
	for _, e := range entries {
		if !strings.HasSuffix(e.Name(), ".core") {
			continue
		}
		for _, np := range known {
			for _, pid := range np.pids {
				if !strings.Contains(e.Name(), "."+strconv.Itoa(pid)+".") {
					continue
				}
				path := filepath.Join(s.coreDir, e.Name())
				if _, ok := ignoreSet[np.node.Name()]; ok {
					s.log.Debug("ignoring core file", zap.String("node", np.node.Name()), zap.String("path", path))
					ignored = append(ignored, np.node.Name()+": "+path)
				} else {
					cores = append(cores, np.node.Name()+": "+path)
				}
			}
		}
	}
	return cores, ignored, nil
}

// WaitForLogOnAll waits concurrently until every node's log matches one of
// the patterns after its mark. marks must parallel nodes.
func WaitForLogOnAll(
	ctx context.Context,
	nodes []*cluster.Node,
	marks []manager.Mark,
	timeout time.Duration,
	patterns ...string,
) error {
	if len(nodes) != len(marks) {
		return errors.Newf("harness: %d nodes but %d marks", len(nodes), len(marks))
	}
	g, ctx := errgroup.WithContext(ctx)
	for i := range nodes {
		n, m := nodes[i], marks[i]
		g.Go(func() error {
			_, err := n.WatchLogFor(ctx, m, timeout, patterns...)
			return errors.Wrapf(err, "waiting on %s", n.Name())
		})
	}
	return g.Wait()
}
