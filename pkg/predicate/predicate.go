// Copyright (C) 2024 ScyllaDB
//
// SPDX-License-Identifier: Apache-2.0

// Package predicate decides, at test-collection time, whether a test should
// run, based on a composable boolean expression over external facts: is an
// issue closed, is a feature enabled, is this the enterprise product.
//
// Predicates are built once (next to the test) and evaluated many times,
// each time against facts that are not known until collection. Evaluation is
// therefore two-phase: Bind pushes the facts down the tree, then Eval
// computes the boolean, lazily, at the moment it is asked for.
package predicate

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
)

// RequireMode controls how issue-based predicates behave.
type RequireMode int

const (
	// RequireAuto checks the issue state: run when closed, skip when open.
	RequireAuto RequireMode = iota
	// RequireEnabled always skips issue-gated tests.
	RequireEnabled
	// RequireDisabled ignores issue gating and runs the test.
	RequireDisabled
)

// Context carries the late-bound facts a predicate tree is evaluated
// against. It is constructed once per collection run and shared across
// tests (TestID varies per test).
type Context struct {
	EnabledFeatures map[string]struct{}
	IsEnterprise    bool
	Verbose         bool
	TestID          string
	RequireMode     RequireMode

	// IssueClosed reports whether the referenced issue is closed. A nil
	// func (or an error) is treated as "not closed", which keeps the test
	// skipped rather than running it against a known-open issue.
	IssueClosed func(ref IssueRef) (bool, error)

	// Selector is the suite-level mark-match expression (the "-m" filter).
	// When non-nil, Gate calls it with the test's surviving mark names,
	// after UnmarkIf stripping, and deselects the test on false.
	Selector func(names []string) bool
}

// FeatureSet builds the EnabledFeatures map from a list of names.
func FeatureSet(features ...string) map[string]struct{} {
	set := make(map[string]struct{}, len(features))
	for _, f := range features {
		if f != "" {
			set[f] = struct{}{}
		}
	}
	return set
}

type kind int

const (
	kindTrue kind = iota
	kindAnd
	kindOr
	kindNot
	kindIssueClosed
	kindWithFeature
	kindProductIs
)

// P is a predicate expression tree node. The zero value is the literal
// true; combinators build composite nodes without evaluating anything.
type P struct {
	kind     kind
	lhs, rhs *P
	issue    string
	features []string
	product  string
}

// True is the literal true predicate.
func True() *P { return &P{kind: kindTrue} }

// And evaluates true iff both operands do.
func And(lhs, rhs *P) *P { return &P{kind: kindAnd, lhs: lhs, rhs: rhs} }

// Or evaluates true iff either operand does.
func Or(lhs, rhs *P) *P { return &P{kind: kindOr, lhs: lhs, rhs: rhs} }

// Not negates its operand. The negation is applied at evaluation time, not
// at construction, so the operand keeps seeing bound facts.
func Not(inner *P) *P { return &P{kind: kindNot, lhs: inner} }

// IssueClosed evaluates true when the referenced issue is closed. The ref
// accepts "888", "#888", "repo#888", "user/repo#888" and full issue/pull
// URLs; user and repo default to scylladb/scylladb.
func IssueClosed(ref string) *P { return &P{kind: kindIssueClosed, issue: ref} }

// IssueOpen is Not(IssueClosed(ref)).
func IssueOpen(ref string) *P { return Not(IssueClosed(ref)) }

// WithFeature evaluates true when every non-negated feature is enabled and
// every "!"-prefixed feature is absent. The tokens form a pure conjunction;
// there is no OR among them.
func WithFeature(features ...string) *P {
	return &P{kind: kindWithFeature, features: features}
}

// ProductIs evaluates true when the product name ("oss" or "enterprise")
// matches. An empty expected name always evaluates true.
func ProductIs(name string) *P { return &P{kind: kindProductIs, product: name} }

// Bound is a predicate tree with facts attached, ready for Eval.
type Bound struct {
	node *P
	ctx  Context
}

// Bind attaches the context's facts to the tree. Combinators still evaluate
// lazily: nothing is computed until Eval.
func (p *P) Bind(ctx Context) Bound {
	return Bound{node: p, ctx: ctx}
}

// Eval computes the predicate's boolean value under the bound facts.
func (b Bound) Eval() (bool, error) {
	return eval(b.node, b.ctx)
}

func eval(p *P, ctx Context) (bool, error) {
	if p == nil {
		return true, nil
	}
	switch p.kind {
	case kindTrue:
		return true, nil
	case kindAnd:
		lhs, err := eval(p.lhs, ctx)
		if err != nil || !lhs {
			return false, err
		}
		return eval(p.rhs, ctx)
	case kindOr:
		lhs, err := eval(p.lhs, ctx)
		if err != nil {
			return false, err
		}
		if lhs {
			return true, nil
		}
		return eval(p.rhs, ctx)
	case kindNot:
		inner, err := eval(p.lhs, ctx)
		return !inner, err
	case kindIssueClosed:
		return evalIssueClosed(p.issue, ctx)
	case kindWithFeature:
		return EnabledWithFeatures(p.features, ctx.EnabledFeatures), nil
	case kindProductIs:
		if p.product == "" {
			return true, nil
		}
		name := "oss"
		if ctx.IsEnterprise {
			name = "enterprise"
		}
		return name == p.product, nil
	default:
		return false, errors.AssertionFailedf("unknown predicate kind %d", p.kind)
	}
}

func evalIssueClosed(ref string, ctx Context) (bool, error) {
	switch ctx.RequireMode {
	case RequireDisabled:
		return true, nil
	case RequireEnabled:
		return false, nil
	}
	parsed, err := ParseIssueRef(ref)
	if err != nil {
		return false, err
	}
	if ctx.IssueClosed == nil {
		return false, nil
	}
	closed, err := ctx.IssueClosed(parsed)
	if err != nil {
		// An unreachable issue tracker keeps the test skipped.
		return false, nil //nolint:nilerr
	}
	return closed, nil
}

// EnabledWithFeatures reports whether all non-negated features are present
// in enabled and all "!"-negated ones are absent. Empty tokens are skipped.
func EnabledWithFeatures(features []string, enabled map[string]struct{}) bool {
	for _, f := range features {
		if f == "" {
			continue
		}
		negated := strings.HasPrefix(f, "!")
		if negated {
			f = f[1:]
		}
		_, have := enabled[f]
		if negated == have {
			return false
		}
	}
	return true
}

// IssueRef identifies one tracker issue.
type IssueRef struct {
	User string
	Repo string
	ID   int
}

var issueRefPattern = regexp.MustCompile(
	`^\s*(?:(?:(?:(?P<user>[\w-]+)/)?(?P<repo>[\w-]+))?#|` +
		`https?://github\.com/(?P<url_user>[\w-]+)/(?P<url_repo>[\w-]+)/(?:issues|pull)/)?` +
		`(?P<id>\d+)\s*$`)

// ParseIssueRef parses an issue reference; user and repo default to
// scylladb/scylladb.
func ParseIssueRef(ref string) (IssueRef, error) {
	m := issueRefPattern.FindStringSubmatch(ref)
	if m == nil {
		return IssueRef{}, errors.Newf("predicate: %q is not a valid issue reference", ref)
	}
	groups := make(map[string]string)
	for i, name := range issueRefPattern.SubexpNames() {
		if name != "" && m[i] != "" {
			groups[name] = m[i]
		}
	}
	user := groups["user"]
	if user == "" {
		user = groups["url_user"]
	}
	if user == "" {
		user = "scylladb"
	}
	repo := groups["repo"]
	if repo == "" {
		repo = groups["url_repo"]
	}
	if repo == "" {
		repo = "scylladb"
	}
	id, err := strconv.Atoi(groups["id"])
	if err != nil {
		return IssueRef{}, errors.Wrapf(err, "predicate: bad issue id in %q", ref)
	}
	return IssueRef{User: user, Repo: repo, ID: id}, nil
}
