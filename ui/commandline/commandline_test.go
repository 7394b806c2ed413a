// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package commandline

import (
	"bytes"
	"testing"
	"time"

	"github.com/gomlx/xai/pkg/core/tensors"
	"github.com/gomlx/xai/pkg/ml/nn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStats(t *testing.T) {
	output := tensors.FromValue([][]float64{{0.1, 0.7, 0.2}, {-1, -3, -2}})
	attribution := tensors.FromValue([][]float64{{1, -1, 2, 0}, {0.5, 0.5, 0.5, -0.5}})
	stats, err := Stats(output, attribution)
	require.NoError(t, err)
	require.Len(t, stats, 2)
	assert.Equal(t, SampleStats{Class: 1, Score: 0.7, Sum: 2, Min: -1, Max: 2, Positive: 0.5}, stats[0])
	assert.Equal(t, SampleStats{Class: 0, Score: -1, Sum: 1, Min: -0.5, Max: 0.5, Positive: 0.75}, stats[1])

	_, err = Stats(tensors.FromValue([]float64{1, 2}), attribution)
	require.Error(t, err)
	_, err = Stats(output, tensors.FromValue([][]float64{{1}}))
	require.Error(t, err)
}

func TestReportAttribution(t *testing.T) {
	model := nn.NewSequential(nn.NewLinear(tensors.FromValue([][]float64{{1, 2}, {3, 4}, {5, 6}}), nil))
	output := tensors.FromValue([][]float64{{0.1, 0.7, 0.2}})
	attribution := tensors.FromValue([][]float64{{1, -1}})
	var buf bytes.Buffer
	require.NoError(t, ReportAttribution(&buf, model, "epsilon_plus", output, attribution))
	report := buf.String()
	assert.Contains(t, report, "6 parameters")
	assert.Contains(t, report, `"epsilon_plus"`)
	assert.Contains(t, report, "Relevance")
	assert.Contains(t, report, "50.0%")
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "1.23s", FormatDuration(1234567890*time.Nanosecond))
	assert.Equal(t, "12.35ms", FormatDuration(12345678*time.Nanosecond))
	assert.Equal(t, "0.00s", FormatDuration(0))
}

func TestProgressBarNotebook(t *testing.T) {
	var buf bytes.Buffer
	pBar := newProgressBar(&buf, true, 4, "SmoothGrad")
	for ii := range 4 {
		pBar.Update(ii+1, 4)
	}
	pBar.Update(4, 4) // No-op.
	pBar.Finish()
	pBar.Finish()
	pBar.Update(5, 4) // Ignored after Finish.
	assert.Contains(t, buf.String(), "SmoothGrad")
	assert.Contains(t, buf.String(), "[4 of 4]")
}

func TestProgressBarTerminal(t *testing.T) {
	var buf bytes.Buffer
	pBar := newProgressBar(&buf, false, 3, "SmoothGrad", func() (name, value string) {
		return "Noise", "0.1"
	})
	for ii := range 3 {
		pBar.Update(ii+1, 3)
	}
	pBar.Finish()
	output := buf.String()
	assert.Contains(t, output, "Iterations")
	assert.Contains(t, output, "of 3")
	assert.Contains(t, output, "Noise")
}
