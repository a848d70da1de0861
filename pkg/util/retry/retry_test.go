// Copyright (C) 2024 ScyllaDB
//
// SPDX-License-Identifier: Apache-2.0

package retry

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
)

var errNotReady = errors.New("not ready")

func isNotReady(err error) bool { return errors.Is(err, errNotReady) }

func TestTillSuccessEventualSuccess(t *testing.T) {
	calls := 0
	res, err := TillSuccess(context.Background(), 10*time.Second, isNotReady,
		func(context.Context) (string, error) {
			calls++
			if calls < 3 {
				return "", errNotReady
			}
			return "ok", nil
		})
	require.NoError(t, err)
	require.Equal(t, "ok", res)
	require.Equal(t, 3, calls)
}

func TestTillSuccessTimeout(t *testing.T) {
	start := time.Now()
	_, err := TillSuccess(context.Background(), 500*time.Millisecond, isNotReady,
		func(context.Context) (int, error) {
			return 0, errNotReady
		})
	require.ErrorIs(t, err, errNotReady)
	elapsed := time.Since(start)
	require.GreaterOrEqual(t, elapsed, 500*time.Millisecond)
	// Allow generous scheduling slack, but it must not hang.
	require.Less(t, elapsed, 5*time.Second)
}

func TestTillSuccessAtLeastOneAttempt(t *testing.T) {
	for _, timeout := range []time.Duration{-time.Second, -time.Nanosecond, 0} {
		calls := 0
		_, err := TillSuccess(context.Background(), timeout, isNotReady,
			func(context.Context) (struct{}, error) {
				calls++
				return struct{}{}, errNotReady
			})
		require.ErrorIs(t, err, errNotReady)
		require.Equal(t, 1, calls)
	}
}

func TestTillSuccessNonTransientPropagates(t *testing.T) {
	boom := errors.New("boom")
	calls := 0
	_, err := TillSuccess(context.Background(), 10*time.Second, isNotReady,
		func(context.Context) (int, error) {
			calls++
			return 0, boom
		})
	require.ErrorIs(t, err, boom)
	require.Equal(t, 1, calls)
}

func TestTillSuccessNilClassifierRetriesEverything(t *testing.T) {
	calls := 0
	res, err := TillSuccess(context.Background(), 10*time.Second, nil,
		func(context.Context) (int, error) {
			calls++
			if calls == 1 {
				return 0, errors.New("anything")
			}
			return 7, nil
		})
	require.NoError(t, err)
	require.Equal(t, 7, res)
	require.Equal(t, 2, calls)
}

func TestBackoffRetry(t *testing.T) {
	opts := Options{
		InitialBackoff: time.Millisecond,
		MaxBackoff:     4 * time.Millisecond,
		Multiplier:     2,
		MaxRetries:     3,
	}
	attempts := 0
	for r := Start(opts); r.Next(); {
		attempts++
	}
	// One initial attempt plus MaxRetries retries.
	require.Equal(t, 4, attempts)
}

func TestBackoffRetryContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	opts := Options{InitialBackoff: time.Hour, MaxBackoff: time.Hour}
	r := StartWithCtx(ctx, opts)
	require.True(t, r.Next())
	cancel()
	require.False(t, r.Next())
}
