// Copyright (C) 2024 ScyllaDB
//
// SPDX-License-Identifier: Apache-2.0

// Package config holds the suite-wide test configuration. It is constructed
// once at process start (from flags or literals) and passed by reference
// into the orchestration components; nothing deeper in the stack reads the
// process environment.
package config

import (
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/spf13/pflag"
)

// Build modes of the server under test.
const (
	ModeDebug    = "debug"
	ModeRelease  = "release"
	ModeDev      = "dev"
	ModeSanitize = "sanitize"
	ModeCoverage = "coverage"
)

var validModes = map[string]struct{}{
	ModeDebug:    {},
	ModeRelease:  {},
	ModeDev:      {},
	ModeSanitize: {},
	ModeCoverage: {},
}

// Config is the immutable suite configuration.
type Config struct {
	// Modes are the build modes to run the suite against.
	Modes []string
	// Tmpdir is where cluster state and logs go.
	Tmpdir string
	// Repeat runs every test N times.
	Repeat int
	// RunID distinguishes runs sharing a tmpdir.
	RunID string

	UseVnodes            bool
	NumTokens            int
	ExperimentalFeatures []string
	Tablets              bool
	ForceGossipTopology  bool
}

// Default returns the configuration used when no flags are given.
func Default() Config {
	return Config{
		Modes:     []string{ModeDev},
		Tmpdir:    "testlog",
		Repeat:    1,
		RunID:     uuid.NewString(),
		UseVnodes: true,
		NumTokens: 256,
	}
}

// AddFlags registers the suite flags on fs, writing into cfg.
func AddFlags(fs *pflag.FlagSet, cfg *Config) {
	fs.StringArrayVar(&cfg.Modes, "mode", cfg.Modes,
		"server build mode to test (repeatable): debug, release, dev, sanitize, coverage")
	fs.StringVar(&cfg.Tmpdir, "tmpdir", cfg.Tmpdir, "directory for cluster state and logs")
	fs.IntVar(&cfg.Repeat, "repeat", cfg.Repeat, "run every test this many times")
	fs.StringVar(&cfg.RunID, "run_id", cfg.RunID, "identifier distinguishing runs sharing a tmpdir")
	fs.BoolVar(&cfg.UseVnodes, "use-vnodes", cfg.UseVnodes, "set up clusters using vnodes")
	fs.IntVar(&cfg.NumTokens, "num-tokens", cfg.NumTokens,
		"num_tokens setting for instances created with vnodes enabled")
	fs.StringSliceVar(&cfg.ExperimentalFeatures, "experimental-features", cfg.ExperimentalFeatures,
		"experimental features to enable, comma separated")
	fs.BoolVar(&cfg.Tablets, "tablets", cfg.Tablets, "enable tablets support")
	fs.BoolVar(&cfg.ForceGossipTopology, "force-gossip-topology-changes", cfg.ForceGossipTopology,
		"force gossip topology changes in a fresh cluster")
}

// Validate checks flag combinations that cannot work together.
func (c Config) Validate() error {
	for _, m := range c.Modes {
		if _, ok := validModes[m]; !ok {
			return errors.Newf("config: unknown mode %q (want one of debug, release, dev, sanitize, coverage)", m)
		}
	}
	if c.ForceGossipTopology && c.Tablets {
		return errors.New("config: --force-gossip-topology-changes and --tablets cannot be used together")
	}
	if c.Repeat < 1 {
		return errors.Newf("config: --repeat must be at least 1, got %d", c.Repeat)
	}
	return nil
}

// baseFeatures are always assumed enabled by the server under test.
var baseFeatures = []string{"cdc", "raft", "consistent-cluster-management", "consistent-topology-changes"}

// Features derives the enabled-feature set the gating engine evaluates
// against: the baseline plus experimental features, with the
// consistent-topology-changes feature removed under forced gossip topology
// and tablets added when enabled.
func (c Config) Features() map[string]struct{} {
	set := make(map[string]struct{})
	for _, f := range baseFeatures {
		set[f] = struct{}{}
	}
	for _, f := range c.ExperimentalFeatures {
		if f = strings.TrimSpace(f); f != "" {
			set[f] = struct{}{}
		}
	}
	if c.ForceGossipTopology {
		delete(set, "consistent-topology-changes")
	}
	if c.Tablets {
		set["tablets"] = struct{}{}
	}
	return set
}
