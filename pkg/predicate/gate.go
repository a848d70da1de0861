// Copyright (C) 2024 ScyllaDB
//
// SPDX-License-Identifier: Apache-2.0

package predicate

import (
	"regexp"

	"github.com/cockroachdb/errors"
)

// Marks are the gating annotations attached to one test.
type Marks struct {
	// Require selects the test only when the predicate evaluates true
	// (typically IssueClosed).
	Require *P
	// SkipIf deselects the test when the predicate evaluates true.
	SkipIf *P
	// RequiredFeatures must all be satisfied by the enabled-feature set;
	// "!"-prefixed entries must be absent.
	RequiredFeatures []string
	// Names are the free-form mark labels on the test, matched against
	// Context.Selector.
	Names []string
	// UnmarkIf strips mark names before the Selector runs.
	UnmarkIf []Unmark
}

// Unmark removes the named marks from a test when Condition evaluates true,
// so a selector that matched on one of them stops selecting the test. An
// Unmark with a nil Condition is ignored.
type Unmark struct {
	Names     []string
	Condition *P
}

// Outcome is a collection-time decision for one test.
type Outcome struct {
	Selected bool
	Reason   string
}

// Characters that break downstream CI tooling when they appear in a test
// id. Their presence is a collection error, not a skip.
var illegalTestIDChars = regexp.MustCompile("[$!#&\"()|<>`\\\\;'\\s+]")

// ValidateTestID fails fast on test ids that would break CI tooling that
// tokenizes by shell metacharacters or whitespace.
func ValidateTestID(id string) error {
	if loc := illegalTestIDChars.FindString(id); loc != "" {
		return errors.Newf("test id %q has illegal character %q in it, it's gonna break CI", id, loc)
	}
	return nil
}

// Gate decides whether the test identified by ctx.TestID runs. An invalid
// test id is an error (fail-fast); everything else produces an Outcome.
func Gate(marks Marks, ctx Context) (Outcome, error) {
	if err := ValidateTestID(ctx.TestID); err != nil {
		return Outcome{}, err
	}
	if marks.Require != nil {
		ok, err := marks.Require.Bind(ctx).Eval()
		if err != nil {
			return Outcome{}, err
		}
		if !ok {
			return Outcome{Reason: "require predicate is false"}, nil
		}
	}
	if marks.SkipIf != nil {
		skip, err := marks.SkipIf.Bind(ctx).Eval()
		if err != nil {
			return Outcome{}, err
		}
		if skip {
			return Outcome{Reason: "skip_if predicate is true"}, nil
		}
	}
	if ctx.Selector != nil {
		names, err := survivingNames(marks, ctx)
		if err != nil {
			return Outcome{}, err
		}
		if !ctx.Selector(names) {
			return Outcome{Reason: "mark expression not satisfied"}, nil
		}
	}
	if len(marks.RequiredFeatures) > 0 &&
		!EnabledWithFeatures(marks.RequiredFeatures, ctx.EnabledFeatures) {
		return Outcome{Reason: "required features not satisfied"}, nil
	}
	return Outcome{Selected: true}, nil
}

// survivingNames returns marks.Names minus every name stripped by an
// UnmarkIf whose condition holds.
func survivingNames(marks Marks, ctx Context) ([]string, error) {
	removed := make(map[string]struct{})
	for _, u := range marks.UnmarkIf {
		if u.Condition == nil {
			continue
		}
		strip, err := u.Condition.Bind(ctx).Eval()
		if err != nil {
			return nil, err
		}
		if strip {
			for _, n := range u.Names {
				removed[n] = struct{}{}
			}
		}
	}
	names := make([]string, 0, len(marks.Names))
	for _, n := range marks.Names {
		if _, gone := removed[n]; !gone {
			names = append(names, n)
		}
	}
	return names, nil
}
