// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package commandline contains convenience UI tools to report attributions on the command line.
package commandline

import (
	"fmt"
	"io"
	"regexp"
	"strconv"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/xai/pkg/core/tensors"
	"github.com/gomlx/xai/pkg/ml/nn"
	"github.com/pkg/errors"
)

// SampleStats summarizes the attribution of one sample.
type SampleStats struct {
	// Class is the highest scoring output of the sample.
	Class int

	// Score of Class.
	Score float64

	// Sum of the relevance: for conservative rules it approximates the relevance seeded at the output.
	Sum float64

	Min, Max float64

	// Positive is the fraction of the relevance values that are positive.
	Positive float64
}

// Stats returns the statistics of each sample of the attribution. output must have shape [batch_size, classes].
func Stats(output, attribution *tensors.Tensor) ([]SampleStats, error) {
	if output.Rank() != 2 {
		return nil, errors.Errorf("output must have shape [batch_size, classes], got %s", output.Shape())
	}
	batchSize := output.Shape().Dim(0)
	if attribution.Rank() == 0 || attribution.Shape().Dim(0) != batchSize {
		return nil, errors.Errorf("attribution shape %s doesn't match output shape %s", attribution.Shape(),
			output.Shape())
	}
	sums := tensors.SumPerSample(attribution)
	mins, maxs := tensors.MinMaxPerSample(attribution)
	sampleSize := attribution.Shape().SampleSize()
	data := attribution.Flat()
	stats := make([]SampleStats, batchSize)
	for ii := range stats {
		s := &stats[ii]
		s.Sum, s.Min, s.Max = sums[ii], mins[ii], maxs[ii]
		var positive int
		for _, v := range data[ii*sampleSize : (ii+1)*sampleSize] {
			if v > 0 {
				positive++
			}
		}
		s.Positive = float64(positive) / float64(sampleSize)
		scores := output.Sample(ii).Flat()
		for class, score := range scores {
			if class == 0 || score > s.Score {
				s.Class, s.Score = class, score
			}
		}
	}
	return stats, nil
}

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Align(lipgloss.Center).Padding(0, 1)
	titleStyle  = lipgloss.NewStyle().Bold(true)
)

// ReportAttribution writes to w a table with the statistics of each sample of the attribution, preceded by a
// short description of the model and of the composite used.
func ReportAttribution(w io.Writer, model nn.Module, compositeName string, output, attribution *tensors.Tensor) error {
	stats, err := Stats(output, attribution)
	if err != nil {
		return err
	}
	table := lgtable.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color(tableBorderColor))).
		Headers("Sample", "Class", "Score", "Relevance", "Min", "Max", "Positive").
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == lgtable.HeaderRow {
				return headerStyle
			}
			return rightAlignedStyle
		})
	for ii, s := range stats {
		table.Row(strconv.Itoa(ii), strconv.Itoa(s.Class), formatFloat(s.Score), formatFloat(s.Sum),
			formatFloat(s.Min), formatFloat(s.Max), fmt.Sprintf("%.1f%%", 100*s.Positive))
	}
	_, err = fmt.Fprintf(w, "%s\n%s\n",
		titleStyle.Render(fmt.Sprintf("Model %s (%s parameters), composite %q:", model.Descriptor().Kind,
			humanize.Comma(int64(nn.CountParameters(model))), compositeName)),
		table.String())
	if err != nil {
		return errors.Wrap(err, "failed to write attribution report")
	}
	return nil
}

func formatFloat(v float64) string {
	return humanize.FtoaWithDigits(v, 4)
}

// FormatDuration pretty prints duration without a long list of decimal points.
func FormatDuration(d time.Duration) string {
	s := d.String()
	matches := durationRegexp.FindStringSubmatch(s)
	if len(matches) != 3 {
		return s
	}
	num, err := strconv.ParseFloat(matches[1], 64)
	if err != nil {
		return s
	}
	return fmt.Sprintf("%.2f%s", num, matches[2])
}

var durationRegexp = regexp.MustCompile(`(\d+\.?\d*)([µa-z]+)`)
