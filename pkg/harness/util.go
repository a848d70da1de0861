// Copyright (C) 2024 ScyllaDB
//
// SPDX-License-Identifier: Apache-2.0

package harness

import (
	"context"
	gosql "database/sql"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/scylladb/dtest/pkg/util/retry"
)

const uniqueNamePrefix = "test_"

var uniqueNameMu sync.Mutex
var uniqueNameLastMS int64

// UniqueName returns a fresh identifier for a test-created entity. Names
// are strictly increasing even within one millisecond.
func UniqueName() string {
	uniqueNameMu.Lock()
	defer uniqueNameMu.Unlock()
	ms := time.Now().UnixMilli()
	if uniqueNameLastMS >= ms {
		ms = uniqueNameLastMS + 1
	}
	uniqueNameLastMS = ms
	return uniqueNamePrefix + strconv.FormatInt(ms, 10)
}

// ReadBarrier forces the session's node to catch up on cluster metadata.
// Attempting to drop a non-existing table is sufficient; "if exists" keeps
// the statement from failing validation before the barrier is performed.
func ReadBarrier(ctx context.Context, db *gosql.DB) error {
	_, err := db.ExecContext(ctx, "drop table if exists nosuchkeyspace.nosuchtable")
	return err
}

// EnabledFeatures returns the cluster features the session's node considers
// enabled.
func EnabledFeatures(ctx context.Context, db *gosql.DB) (map[string]struct{}, error) {
	var value string
	err := db.QueryRowContext(ctx,
		"SELECT value FROM system.scylla_local WHERE key = 'enabled_features'").Scan(&value)
	if errors.Is(err, gosql.ErrNoRows) {
		return map[string]struct{}{}, nil
	}
	if err != nil {
		return nil, err
	}
	out := make(map[string]struct{})
	for _, f := range strings.Split(value, ",") {
		if f = strings.TrimSpace(f); f != "" {
			out[f] = struct{}{}
		}
	}
	return out, nil
}

// errFeatureNotEnabled marks a pending feature poll as transient.
var errFeatureNotEnabled = errors.New("harness: feature not enabled yet")

// WaitForFeature polls until the session's node reports feature as enabled,
// for up to timeout (default 60s).
func WaitForFeature(ctx context.Context, db *gosql.DB, feature string, timeout time.Duration) error {
	_, err := retry.TillSuccess(ctx, patientTimeout(timeout),
		func(err error) bool { return errors.Is(err, errFeatureNotEnabled) },
		func(ctx context.Context) (struct{}, error) {
			feats, err := EnabledFeatures(ctx, db)
			if err != nil {
				return struct{}{}, err
			}
			if _, ok := feats[feature]; !ok {
				return struct{}{}, errors.Wrapf(errFeatureNotEnabled, "%s", feature)
			}
			return struct{}{}, nil
		})
	return err
}
