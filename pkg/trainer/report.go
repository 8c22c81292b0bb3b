// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package trainer

import (
	"fmt"
	"io"
	"math"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"

	"github.com/gomlx/devign/pkg/metrics"
)

var (
	titleStyle     = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	headerRowStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)
	rowStyle = lipgloss.NewStyle().
			PaddingLeft(1).PaddingRight(1).Align(lipgloss.Right)
	firstColumnStyle = rowStyle.Align(lipgloss.Left).Bold(true)
)

// formatMetric prints NaN (undefined metrics) as "n/a".
func formatMetric(v float64) string {
	if math.IsNaN(v) {
		return "n/a"
	}
	return fmt.Sprintf("%.4f", v)
}

// MetricsTable renders the reports as a table with one row per split.
func MetricsTable(names []string, reports []*metrics.Report) string {
	table := lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		Headers("Split", "Examples", "Loss", "Accuracy", "Precision", "Recall", "F1", "AUC").
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row < 0:
				return headerRowStyle
			case col == 0:
				return firstColumnStyle
			}
			return rowStyle
		})
	for ii, r := range reports {
		if r == nil {
			continue
		}
		table.Row(names[ii], humanize.Comma(int64(r.Count)), formatMetric(r.Loss), formatMetric(r.Accuracy),
			formatMetric(r.Precision), formatMetric(r.Recall), formatMetric(r.F1), formatMetric(r.AUC))
	}
	return table.Render()
}

// PrintReport writes a summary of the training result to w.
func PrintReport(w io.Writer, result *Result) {
	state := result.State
	_, _ = fmt.Fprintln(w, titleStyle.Render(fmt.Sprintf("Run %s", result.RunID)))
	_, _ = fmt.Fprintf(w, "  Stopped:    %s at step %s\n", state.Phase, humanize.Comma(int64(state.Step)))
	if state.BestStep >= 0 {
		_, _ = fmt.Fprintf(w, "  Best:       step %s, valid metric %.4f (%d checks)\n",
			humanize.Comma(int64(state.BestStep)), state.BestMetric, state.Checks)
	}
	_, _ = fmt.Fprintf(w, "  Model:      %s parameters, saved in %q\n",
		humanize.Comma(int64(result.NumParameters)), result.CheckpointDir)
	if result.MedianStepDuration > 0 {
		_, _ = fmt.Fprintf(w, "  Train step: %s (median)\n", result.MedianStepDuration)
	}
	_, _ = fmt.Fprintf(w, "  Elapsed:    %s\n", result.Elapsed.Round(time.Millisecond))
	if result.Valid != nil || result.Test != nil {
		_, _ = fmt.Fprintln(w, MetricsTable([]string{"valid", "test"}, []*metrics.Report{result.Valid, result.Test}))
	}
}
