// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package scoped_test

import (
	"testing"

	"github.com/gomlx/xai/internal/scoped"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTable(t *testing.T) {
	table := scoped.New[string](".")
	table.Set("features", "zplus")
	table.Set("features.0", "zbox")

	value, scope, found := table.Get("features.0")
	assert.True(t, found)
	assert.Equal(t, "zbox", value)
	assert.Equal(t, "features.0", scope)

	value, scope, found = table.Get("features.3.weird")
	assert.True(t, found)
	assert.Equal(t, "zplus", value)
	assert.Equal(t, "features", scope)

	// Prefixes only match at a separator.
	_, _, found = table.Get("features2.1")
	assert.False(t, found)
	_, _, found = table.Get("")
	assert.False(t, found)

	table.Set("", "pass")
	value, scope, found = table.Get("classifier.1")
	assert.True(t, found)
	assert.Equal(t, "pass", value)
	assert.Equal(t, "", scope)
	assert.Equal(t, 3, table.Len())

	want := []string{"", "features", "features.0"}
	var got []string
	table.Enumerate(func(scope string, _ string) { got = append(got, scope) })
	require.Equal(t, want, got)
}
