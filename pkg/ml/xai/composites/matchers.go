// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package composites

import (
	"fmt"
	"strings"

	"github.com/gomlx/xai/internal/scoped"
	"github.com/gomlx/xai/pkg/ml/nn"
	"github.com/gomlx/xai/pkg/support/sets"
)

// Matcher selects layers of a model, given their path and descriptor.
type Matcher interface {
	Match(path string, m nn.Module) bool
	fmt.Stringer
}

type kindsMatcher struct {
	kinds sets.Set[string]
}

// Kinds matches layers whose Descriptor().Kind is one of the given kinds.
func Kinds(kinds ...string) Matcher {
	return kindsMatcher{kinds: sets.MakeWith(kinds...)}
}

func (k kindsMatcher) Match(_ string, m nn.Module) bool { return k.kinds.Has(m.Descriptor().Kind) }

func (k kindsMatcher) String() string {
	return fmt.Sprintf("Kinds(%s)", strings.Join(sets.Sorted(k.kinds), ", "))
}

type capsMatcher struct {
	caps nn.Capability
}

// Caps matches layers that have all the given capabilities.
func Caps(caps nn.Capability) Matcher {
	return capsMatcher{caps: caps}
}

func (c capsMatcher) Match(_ string, m nn.Module) bool { return m.Descriptor().Caps.Has(c.caps) }

func (c capsMatcher) String() string { return fmt.Sprintf("Caps%s", c.caps) }

type namesMatcher struct {
	names sets.Set[string]
}

// Names matches layers by their exact dotted path, e.g. "features.0".
func Names(paths ...string) Matcher {
	return namesMatcher{names: sets.MakeWith(paths...)}
}

func (n namesMatcher) Match(path string, _ nn.Module) bool { return n.names.Has(path) }

func (n namesMatcher) String() string {
	return fmt.Sprintf("Names(%s)", strings.Join(sets.Sorted(n.names), ", "))
}

type scopesMatcher struct {
	table *scoped.Table[bool]
}

// Scopes matches layers whose path is in (or under) any of the given scopes: Scopes("features") matches
// "features.0" and "features.1.conv1", but not "features2". The empty scope matches everything.
func Scopes(scopes ...string) Matcher {
	table := scoped.New[bool](nn.PathSeparator)
	for _, scope := range scopes {
		table.Set(scope, true)
	}
	return scopesMatcher{table: table}
}

func (s scopesMatcher) Match(path string, _ nn.Module) bool {
	_, _, found := s.table.Get(path)
	return found
}

func (s scopesMatcher) String() string {
	var scopes []string
	s.table.Enumerate(func(scope string, _ bool) { scopes = append(scopes, fmt.Sprintf("%q", scope)) })
	return fmt.Sprintf("Scopes(%s)", strings.Join(scopes, ", "))
}

type allMatcher []Matcher

// All matches layers matched by all the given matchers.
func All(matchers ...Matcher) Matcher { return allMatcher(matchers) }

func (a allMatcher) Match(path string, m nn.Module) bool {
	for _, matcher := range a {
		if !matcher.Match(path, m) {
			return false
		}
	}
	return true
}

func (a allMatcher) String() string {
	parts := make([]string, len(a))
	for ii, matcher := range a {
		parts[ii] = matcher.String()
	}
	return fmt.Sprintf("All(%s)", strings.Join(parts, ", "))
}
