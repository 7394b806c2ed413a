// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package xslices provides generic slice helpers missing from the standard slices package.
package xslices

import (
	"cmp"
	"flag"
	"fmt"
	"slices"
	"strings"

	"golang.org/x/exp/maps"
)

// Map executes the given function sequentially for every element on in, and returns a mapped slice.
func Map[In, Out any](in []In, fn func(e In) Out) (out []Out) {
	out = make([]Out, len(in))
	for ii, e := range in {
		out[ii] = fn(e)
	}
	return
}

// SortedKeys returns the sorted keys of a map.
func SortedKeys[K cmp.Ordered, V any](m map[K]V) []K {
	keys := maps.Keys(m)
	slices.Sort(keys)
	return keys
}

// ParseList splits a comma-separated list and parses each element with parserFn, after trimming spaces.
// An empty string yields an empty (non-nil) slice.
func ParseList[T any](listStr string, parserFn func(valueStr string) (T, error)) ([]T, error) {
	if strings.TrimSpace(listStr) == "" {
		return make([]T, 0), nil
	}
	parts := strings.Split(listStr, ",")
	values := make([]T, len(parts))
	for ii, part := range parts {
		var err error
		values[ii], err = parserFn(strings.TrimSpace(part))
		if err != nil {
			return nil, err
		}
	}
	return values, nil
}

// Flag creates a flag for []T with the given name, description and default value.
// It takes as input a parser for an individual T value.
func Flag[T any](name string, defaultValue []T, usage string,
	parserFn func(valueStr string) (T, error)) *[]T {
	f := &sliceFlag[T]{
		parsedSlice: defaultValue,
		parserFn:    parserFn,
	}
	flag.Var(f, name, usage)
	return &f.parsedSlice
}

// sliceFlag implements flag.Value for a slice of a generic type.
type sliceFlag[T any] struct {
	parsedSlice []T
	parserFn    func(valueStr string) (T, error)
}

func (f *sliceFlag[T]) String() string {
	return strings.Join(Map(f.parsedSlice, func(e T) string { return fmt.Sprint(e) }), ",")
}

func (f *sliceFlag[T]) Set(listStr string) error {
	parsed, err := ParseList(listStr, f.parserFn)
	if err != nil {
		return err
	}
	f.parsedSlice = parsed
	return nil
}
