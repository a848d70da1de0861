// Copyright (C) 2024 ScyllaDB
//
// SPDX-License-Identifier: Apache-2.0

package harness

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/scylladb/dtest/pkg/harness/config"
)

// modeFactor scales timeouts by build mode. Debug servers are slow enough
// to need triple the budget; any other non-release build gets double.
func modeFactor(mode string) int {
	switch mode {
	case config.ModeDebug:
		return 3
	case config.ModeRelease:
		return 1
	default:
		return 2
	}
}

// CQLTimeout returns seconds scaled by the cluster's build-mode factor.
// A zero seconds means the base timeout (10s).
func (s *Setup) CQLTimeout(seconds int) time.Duration {
	d := time.Duration(seconds) * time.Second
	if seconds == 0 {
		d = s.baseCQLTimeout
	}
	return d * time.Duration(modeFactor(s.cluster.Mode()))
}

// RequestTimeout returns the client-side request timeout derived by
// InitDefaultConfig, zero before it ran.
func (s *Setup) RequestTimeout() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requestTimeout
}

// CountRequestTimeout returns the timeout for count(*)-style full scans,
// which need a far larger base budget than point requests.
func (s *Setup) CountRequestTimeout() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.countRequestTimeout
}

// InitDefaultConfig derives the node configuration from the suite config
// and the per-test overrides, then pushes the merged result to the cluster.
//
// The whole "slow build means longer timeout" policy lives here: every
// server-side *_request_timeout_in_ms is the scaled base timeout, range and
// truncate requests get triple that, counter writes double. The client-side
// request timeout is triple the scaled base so the server always times out
// first.
func (s *Setup) InitDefaultConfig(ctx context.Context) error {
	timeout := s.CQLTimeout(0)
	timeoutMS := int(timeout / time.Millisecond)
	rangeMS := 3 * timeoutMS

	s.mu.Lock()
	s.requestTimeout = 3 * timeout
	s.countRequestTimeout = s.CQLTimeout(400)
	values := make(map[string]interface{}, len(s.clusterOptions)+12)
	for k, v := range s.clusterOptions {
		values[k] = v
	}
	s.mu.Unlock()

	// The failure detector is too eager for tests that start and stop
	// nodes quickly.
	values["phi_convict_threshold"] = 5
	values["task_ttl_in_seconds"] = 0
	values["read_request_timeout_in_ms"] = timeoutMS
	values["range_request_timeout_in_ms"] = rangeMS
	values["write_request_timeout_in_ms"] = timeoutMS
	values["truncate_request_timeout_in_ms"] = rangeMS
	values["counter_write_request_timeout_in_ms"] = 2 * timeoutMS
	values["cas_contention_timeout_in_ms"] = timeoutMS
	values["request_timeout_in_ms"] = timeoutMS

	if s.cfg.UseVnodes {
		if err := s.cluster.SetConfigurationOptions(ctx, map[string]interface{}{
			"initial_token": nil,
			"num_tokens":    s.cfg.NumTokens,
		}, nil); err != nil {
			return err
		}
	} else {
		if err := s.cluster.SetConfigurationOptions(ctx, map[string]interface{}{
			"num_tokens": nil,
		}, nil); err != nil {
			return err
		}
	}

	if len(s.cfg.ExperimentalFeatures) > 0 {
		existing, _ := values["experimental_features"].([]string)
		for _, f := range s.cfg.ExperimentalFeatures {
			found := false
			for _, e := range existing {
				if e == f {
					found = true
					break
				}
			}
			if !found {
				existing = append(existing, f)
			}
		}
		values["experimental_features"] = existing
	}
	if feats, _ := values["experimental_features"].([]string); len(feats) > 0 {
		s.mu.Lock()
		for _, f := range feats {
			s.features[f] = struct{}{}
		}
		s.mu.Unlock()
	}

	if s.cfg.ForceGossipTopology {
		s.log.Debug("forcing gossip topology changes")
		values["force_gossip_topology_changes"] = true
	}
	values["enable_tablets"] = s.cfg.Tablets
	if s.cfg.Tablets {
		s.mu.Lock()
		s.features["tablets"] = struct{}{}
		s.mu.Unlock()
	}

	if err := s.cluster.SetConfigurationOptions(ctx, values, nil); err != nil {
		return err
	}
	s.log.Debug("configuration derived",
		zap.Int("request_timeout_in_ms", timeoutMS),
		zap.Int("range_request_timeout_in_ms", rangeMS),
		zap.Duration("cql_request_timeout", s.RequestTimeout()))
	return nil
}
