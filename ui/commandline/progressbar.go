// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package commandline

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/xai/ui/notebooks"
	"github.com/muesli/termenv"
	"github.com/schollz/progressbar/v3"
)

// ExtraMetricFn is any function that will give extra values to display along the progress bar.
// It is called at each time the progress bar is updated, and it should return a name and the current value when it is called.
type ExtraMetricFn func() (name, value string)

// ProgressbarStyle to use. Defaults to the ASCII version.
// Consider "progressbar.ThemeUnicode" for a prettier version.
// But it requires some of the graphical symbols to be supported.
var ProgressbarStyle = progressbar.ThemeASCII

// ProgressBar displays the progress of an iterative attribution (like SmoothGrad) on the command line or in
// a notebook. Its Update method can be used as the progress function of the attributors.
type ProgressBar struct {
	out          io.Writer
	bar          *progressbar.ProgressBar
	total        int
	lastReported int
	suffix       string
	inNotebook   bool
	start        time.Time

	// lipgloss-based rich and asynchronous display for the command-line.
	termenv          *termenv.Output
	statsStyle       lipgloss.Style
	statsTable       *lgtable.Table
	isFirstOutput    bool
	updates          chan progressBarUpdate
	asyncUpdatesDone sync.WaitGroup

	extraMetricFns []ExtraMetricFn
	finished       bool
	finishOnce     sync.Once
}

var (
	normalStyle       = lipgloss.NewStyle().Padding(0, 1)
	rightAlignedStyle = lipgloss.NewStyle().Align(lipgloss.Right).Padding(0, 1)
	tableBorderColor  = "#705090"
)

type progressBarUpdate struct {
	amount   int
	done     int
	total    int
	duration time.Duration
}

// maxUpdateFrequency is the time between updates to the commandline display of stats.
const maxUpdateFrequency = time.Millisecond * 200

// NewProgressBar creates a progress bar for total iterations, written to the standard output.
//
// Optionally, one can provide extraMetrics: functions that are called at every update of
// the progress bar and should return a name (title) and a value to be included in the
// updated print-out.
func NewProgressBar(total int, description string, extraMetrics ...ExtraMetricFn) *ProgressBar {
	return newProgressBar(os.Stdout, notebooks.IsNotebook(), total, description, extraMetrics...)
}

func newProgressBar(out io.Writer, inNotebook bool, total int, description string,
	extraMetrics ...ExtraMetricFn) *ProgressBar {
	pBar := &ProgressBar{
		out:            out,
		total:          total,
		inNotebook:     inNotebook,
		start:          time.Now(),
		extraMetricFns: extraMetrics,
	}
	pBar.bar = progressbar.NewOptions(total,
		progressbar.OptionSetDescription(fmt.Sprintf("%-12s", description)),
		progressbar.OptionUseANSICodes(!inNotebook),
		progressbar.OptionEnableColorCodes(!inNotebook),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("iterations"),
		progressbar.OptionSetTheme(ProgressbarStyle),
		progressbar.OptionSetWriter(pBar), // Required to work with Jupyter notebook.
	)
	if inNotebook {
		return pBar
	}

	// Erase to the end of the line spurious characters from previous prints.
	pBar.suffix = "\033[J"
	pBar.isFirstOutput = true
	pBar.termenv = termenv.NewOutput(out)
	pBar.statsStyle = lipgloss.NewStyle().PaddingLeft(8)
	pBar.statsTable = lgtable.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color(tableBorderColor))).
		StyleFunc(func(row, col int) lipgloss.Style {
			if col == 0 {
				return rightAlignedStyle
			}
			return normalStyle
		})
	pBar.updates = make(chan progressBarUpdate, 100) // Large buffer so attribution is not blocked.
	pBar.asyncUpdatesDone.Add(1)
	go pBar.drawUpdates()
	return pBar
}

// Write implements io.Writer, and appends the current suffix to each line.
// It is meant to be used as the writer for the enclosed progressbar.ProgressBar,
// so that the progress bar and its suffix are written in the same write operation;
// otherwise Jupyter Notebook may display things in different lines.
func (pBar *ProgressBar) Write(data []byte) (n int, err error) {
	n, err = pBar.out.Write(data)
	if err != nil {
		return n, err
	}
	_, err = pBar.out.Write([]byte(pBar.suffix))
	if err != nil {
		return 0, err
	}
	return
}

// Update reports that done out of total iterations are finished.
func (pBar *ProgressBar) Update(done, total int) {
	if pBar.finished || pBar.bar.IsFinished() {
		return
	}
	if total != pBar.total {
		pBar.total = total
		pBar.bar.ChangeMax(total)
	}
	amount := done - pBar.lastReported
	if amount <= 0 {
		return
	}
	pBar.lastReported = done

	if pBar.inNotebook {
		// Erase to an end-of-line escape sequence ("\033[J") not supported in Jupyter notebooks:
		pBar.suffix = fmt.Sprintf(" [%d of %d]        ", done, total)
		_ = pBar.bar.Add(amount) // Triggers print, see [ProgressBar.Write] method.
		return
	}
	pBar.updates <- progressBarUpdate{amount: amount, done: done, total: total, duration: time.Since(pBar.start)}
}

// drawUpdates asynchronously draws the updates on the terminal, skipping those that arrive faster than
// maxUpdateFrequency.
func (pBar *ProgressBar) drawUpdates() {
	defer pBar.asyncUpdatesDone.Done()
	for update := range pBar.updates {
		// Exhaust the updates in the buffer:
		amount := update.amount
	exhaust:
		for {
			select {
			case newUpdate, ok := <-pBar.updates:
				if !ok {
					break exhaust
				}
				amount += newUpdate.amount
				update = newUpdate
			default:
				break exhaust
			}
		}

		// Create the table to be printed.
		pBar.statsTable.Data(lgtable.NewStringData())
		pBar.statsTable.Row("Iterations", fmt.Sprintf("%s of %s",
			humanize.Comma(int64(update.done)), humanize.Comma(int64(update.total))))
		pBar.statsTable.Row("Mean iteration duration", FormatDuration(update.duration/time.Duration(update.done)))
		for _, extraMetric := range pBar.extraMetricFns {
			name, value := extraMetric()
			pBar.statsTable.Row(name, value)
		}

		// Clear the previous lines that will be overwritten.
		pBar.termenv.HideCursor()
		if !pBar.isFirstOutput {
			// Table rows, its 2 border lines and the progress bar line.
			numLinesToBackup := 2 + len(pBar.extraMetricFns) + 3
			pBar.termenv.CursorPrevLine(numLinesToBackup)
		}
		pBar.isFirstOutput = false

		_, _ = fmt.Fprintln(pBar.out, pBar.statsStyle.Render(pBar.statsTable.String()))
		_ = pBar.bar.Add(amount) // Prints progress bar line.
		_, _ = fmt.Fprintln(pBar.out)
		pBar.termenv.ShowCursor()
		time.Sleep(maxUpdateFrequency)
	}
}

// Finish waits for pending updates to be displayed and ends the progress bar display.
// It is safe to call it more than once.
func (pBar *ProgressBar) Finish() {
	pBar.finishOnce.Do(func() {
		pBar.finished = true
		if pBar.updates != nil {
			close(pBar.updates)
		}
		pBar.asyncUpdatesDone.Wait()
		if pBar.termenv != nil {
			pBar.termenv.ShowCursor()
		}
		_, _ = fmt.Fprintln(pBar.out)
	})
}
