// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package scoped provides a mapping from a scope (a path like "features.0") to values, where looking up a
// path returns the value of the most specific scope that contains it.
package scoped

import (
	"strings"

	"github.com/gomlx/xai/pkg/support/xslices"
)

// Table maps scopes to values of type T.
//
// Example: let's say the Table (with separator ".") holds:
//
//	"": "pass", "features": "zplus", "features.0": "zbox"
//
//	Table.Get("features.0") -> "zbox", from scope "features.0"
//	Table.Get("features.3") -> "zplus", from scope "features"
//	Table.Get("classifier.1") -> "pass", from the root scope ""
//
// The root scope is the empty string, and it contains every path. A scope contains a path if it is
// equal to it, or if it is a prefix followed by the separator: "features" doesn't contain "features2.1".
type Table[T any] struct {
	Separator    string
	scopeToValue map[string]T
}

// New creates an empty Table.
func New[T any](separator string) *Table[T] {
	return &Table[T]{
		Separator:    separator,
		scopeToValue: make(map[string]T),
	}
}

// Len returns the number of scopes set.
func (t *Table[T]) Len() int { return len(t.scopeToValue) }

// Set the value for the given scope.
func (t *Table[T]) Set(scope string, value T) {
	t.scopeToValue[scope] = value
}

// Get retrieves the value of the most specific scope containing path: it searches path itself, then its parent
// scopes, up to the root scope.
//
// It returns the value and scope found, and whether some value was found.
func (t *Table[T]) Get(path string) (value T, scope string, found bool) {
	scope = path
	for {
		value, found = t.scopeToValue[scope]
		if found {
			return
		}
		if scope == "" {
			return
		}
		idx := strings.LastIndex(scope, t.Separator)
		if idx < 0 {
			scope = ""
		} else {
			scope = scope[:idx]
		}
	}
}

// Enumerate calls fn for every scope set, in sorted order.
func (t *Table[T]) Enumerate(fn func(scope string, value T)) {
	for _, scope := range xslices.SortedKeys(t.scopeToValue) {
		fn(scope, t.scopeToValue[scope])
	}
}
