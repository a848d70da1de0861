// Copyright (C) 2024 ScyllaDB
//
// SPDX-License-Identifier: Apache-2.0

package logwatch

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeLines(t *testing.T, path string, lines ...string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
	require.NoError(t, err)
	defer f.Close()
	for _, l := range lines {
		_, err := f.WriteString(l + "\n")
		require.NoError(t, err)
	}
}

func TestGrepWithFilterAndMark(t *testing.T) {
	path := filepath.Join(t.TempDir(), "system.log")
	writeLines(t, path,
		"INFO  init - serving",
		"ERROR storage - disk is sad",
		"ERROR storage - disk is fine actually",
	)
	w := New(path)

	m, err := w.Mark()
	require.NoError(t, err)

	writeLines(t, path, "ERROR compaction - oh no")

	// Unscoped grep sees everything.
	all, err := w.Grep("ERROR", "", nil)
	require.NoError(t, err)
	require.Len(t, all, 3)

	// Filter pattern drops matching lines.
	filtered, err := w.Grep("ERROR", "fine actually", nil)
	require.NoError(t, err)
	require.Len(t, filtered, 2)

	// Mark-scoped grep only sees the post-mark append.
	after, err := w.Grep("ERROR", "", &m)
	require.NoError(t, err)
	require.Equal(t, []string{"ERROR compaction - oh no"}, after)
}

func TestWaitForMatchesOnlyAfterMark(t *testing.T) {
	path := filepath.Join(t.TempDir(), "system.log")
	writeLines(t, path, "node 10.0.0.1 is now UP")
	w := New(path)

	m, err := w.Mark()
	require.NoError(t, err)

	// The pattern already appeared before the mark; only a fresh append may
	// satisfy the wait.
	done := make(chan error, 1)
	go func() {
		_, err := w.WaitFor(context.Background(), m, 10*time.Second, `10\.0\.0\.1.*now UP`)
		done <- err
	}()

	time.Sleep(300 * time.Millisecond)
	select {
	case <-done:
		t.Fatal("WaitFor returned before any post-mark append")
	default:
	}

	writeLines(t, path, "node 10.0.0.1 is now UP")
	require.NoError(t, <-done)
}

func TestWaitForTimeout(t *testing.T) {
	path := filepath.Join(t.TempDir(), "system.log")
	writeLines(t, path, "nothing interesting")
	w := New(path)
	m, err := w.Mark()
	require.NoError(t, err)

	_, err = w.WaitFor(context.Background(), m, 300*time.Millisecond, "never appears")
	require.Error(t, err)
	require.True(t, IsTimeout(err))
}

func TestWaitForAnyOfSeveralPatterns(t *testing.T) {
	path := filepath.Join(t.TempDir(), "system.log")
	writeLines(t, path, "boot")
	w := New(path)
	m, err := w.Mark()
	require.NoError(t, err)

	writeLines(t, path, "node 3 is now DOWN")

	line, err := w.WaitFor(context.Background(), m, 5*time.Second, "now dead", "now DOWN")
	require.NoError(t, err)
	require.Equal(t, "node 3 is now DOWN", line)
}

func TestWaitForMatchesEmptyLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "system.log")
	writeLines(t, path, "prologue")
	w := New(path)
	m, err := w.Mark()
	require.NoError(t, err)

	writeLines(t, path, "")

	line, err := w.WaitFor(context.Background(), m, 5*time.Second, `^$`)
	require.NoError(t, err)
	require.Empty(t, line)
}

func TestWaitForFileCreatedLate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "system.log")
	w := New(path)

	done := make(chan error, 1)
	go func() {
		_, err := w.WaitFor(context.Background(), 0, 10*time.Second, "started")
		done <- err
	}()

	time.Sleep(200 * time.Millisecond)
	writeLines(t, path, "server started")
	require.NoError(t, <-done)
}
