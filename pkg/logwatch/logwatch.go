// Copyright (C) 2024 ScyllaDB
//
// SPDX-License-Identifier: Apache-2.0

// Package logwatch implements a cursor-based view over a growing log file.
// A Mark is a byte offset taken at "now"; greps and waits scoped to a mark
// only ever see content appended after it, which is what lets tests
// synchronize on cluster-internal state transitions without races.
package logwatch

import (
	"bufio"
	"context"
	"io"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/fsnotify/fsnotify"

	"github.com/scylladb/dtest/pkg/manager"
)

// pollInterval is the fallback cadence for re-reading the file when the
// fsnotify watch cannot be established (e.g. the file does not exist yet).
const pollInterval = 100 * time.Millisecond

// TimeoutError is returned by WaitFor when the deadline elapses with no
// match. It carries the patterns so the failure is diagnosable without
// re-running.
type TimeoutError struct {
	Path     string
	Patterns []string
	Timeout  time.Duration
}

func (e *TimeoutError) Error() string {
	return "timed out after " + e.Timeout.String() + " waiting for [" +
		strings.Join(e.Patterns, " | ") + "] in " + e.Path
}

// IsTimeout reports whether err is a WaitFor timeout.
func IsTimeout(err error) bool {
	return errors.HasType(err, (*TimeoutError)(nil))
}

// Watcher watches one log file. It satisfies manager.LogHandle.
type Watcher struct {
	path string
}

var _ manager.LogHandle = (*Watcher)(nil)

// New returns a Watcher over the given file path. The file may not exist
// yet; operations fail (Mark, Grep) or keep polling (WaitFor) until it does.
func New(path string) *Watcher {
	return &Watcher{path: path}
}

// Path returns the watched file path.
func (w *Watcher) Path() string { return w.path }

// Mark returns a cursor at the current end of the log.
func (w *Watcher) Mark() (manager.Mark, error) {
	fi, err := os.Stat(w.path)
	if err != nil {
		return 0, errors.Wrapf(err, "mark %s", w.path)
	}
	return manager.Mark(fi.Size()), nil
}

// Grep returns log lines at or after fromMark matching pattern, excluding
// lines matching filterPattern when it is non-empty. A nil fromMark scans
// from the beginning of the file.
func (w *Watcher) Grep(pattern, filterPattern string, fromMark *manager.Mark) ([]string, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, errors.Wrapf(err, "bad pattern %q", pattern)
	}
	var filter *regexp.Regexp
	if filterPattern != "" {
		if filter, err = regexp.Compile(filterPattern); err != nil {
			return nil, errors.Wrapf(err, "bad filter pattern %q", filterPattern)
		}
	}

	var offset int64
	if fromMark != nil {
		offset = int64(*fromMark)
	}
	var matches []string
	err = w.scanFrom(offset, func(line string) bool {
		if re.MatchString(line) && (filter == nil || !filter.MatchString(line)) {
			matches = append(matches, line)
		}
		return false
	})
	if err != nil {
		return nil, err
	}
	return matches, nil
}

// WaitFor blocks until a line appended strictly after fromMark matches any
// of the patterns, or the timeout elapses. It never matches content that
// was already present at fromMark; callers must mark before triggering the
// action they want to observe. Returns the first matching line.
func (w *Watcher) WaitFor(
	ctx context.Context, fromMark manager.Mark, timeout time.Duration, patterns ...string,
) (string, error) {
	if len(patterns) == 0 {
		return "", errors.New("logwatch: no patterns given")
	}
	res := make([]*regexp.Regexp, len(patterns))
	for i, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return "", errors.Wrapf(err, "bad pattern %q", p)
		}
		res[i] = re
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// fsnotify wakes us when the file grows; the poll ticker covers the
	// file-not-created-yet case and missed events.
	var events chan struct{}
	if fw, err := fsnotify.NewWatcher(); err == nil {
		if err := fw.Add(w.path); err == nil {
			events = make(chan struct{}, 1)
			go forwardWrites(fw, events)
			defer fw.Close()
		} else {
			fw.Close()
		}
	}

	offset := int64(fromMark)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		var matched string
		var found bool
		scanErr := w.scanFrom(offset, func(line string) bool {
			offset += int64(len(line)) + 1
			for _, re := range res {
				if re.MatchString(line) {
					matched, found = line, true
					return true
				}
			}
			return false
		})
		if found {
			return matched, nil
		}
		if scanErr != nil && !errors.Is(scanErr, os.ErrNotExist) {
			return "", scanErr
		}

		select {
		case <-ctx.Done():
			return "", errors.WithStack(&TimeoutError{Path: w.path, Patterns: patterns, Timeout: timeout})
		case <-ticker.C:
		case <-events:
		}
	}
}

func forwardWrites(fw *fsnotify.Watcher, events chan<- struct{}) {
	for {
		select {
		case ev, ok := <-fw.Events:
			if !ok {
				return
			}
			if ev.Op&fsnotify.Write != 0 {
				select {
				case events <- struct{}{}:
				default:
				}
			}
		case _, ok := <-fw.Errors:
			if !ok {
				return
			}
		}
	}
}

// scanFrom feeds complete lines starting at offset to fn until fn returns
// true or EOF. A trailing line without a newline is not considered complete
// and is skipped, so WaitFor re-reads it once the writer finishes it.
func (w *Watcher) scanFrom(offset int64, fn func(line string) bool) error {
	f, err := os.Open(w.path)
	if err != nil {
		return errors.Wrapf(err, "open %s", w.path)
	}
	defer f.Close()
	if offset > 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			return errors.Wrapf(err, "seek %s", w.path)
		}
	}
	r := bufio.NewReader(f)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			// Incomplete trailing line.
			return nil //nolint:nilerr
		}
		if fn(strings.TrimRight(line, "\n")) {
			return nil
		}
	}
}
