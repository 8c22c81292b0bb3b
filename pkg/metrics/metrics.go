// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package metrics computes host-side binary classification metrics over the predictions of a whole split.
package metrics

import (
	"fmt"
	"math"
	"slices"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/integrate"
	"gonum.org/v1/gonum/stat"

	"github.com/gomlx/devign/pkg/graphs"
)

// DefaultThreshold above which (inclusive) a probability is classified as positive.
const DefaultThreshold = 0.5

// Names of the metrics that can be used for model selection.
const (
	Accuracy  = "accuracy"
	Precision = "precision"
	Recall    = "recall"
	F1        = "f1"
	AUC       = "auc"
)

// SelectionMetrics lists the names accepted by Report.Get.
var SelectionMetrics = []string{Accuracy, Precision, Recall, F1, AUC}

// Report holds the metrics of one evaluation.
type Report struct {
	Count int

	// Loss is the mean loss per example, if it was accumulated.
	Loss float64

	TruePositives, FalsePositives, TrueNegatives, FalseNegatives int

	Accuracy, Precision, Recall, F1 float64

	// AUC is the area under the ROC curve. It is NaN if only one class is present.
	AUC float64
}

// Get returns the metric by name, see SelectionMetrics.
func (r *Report) Get(name string) (float64, error) {
	switch name {
	case Accuracy:
		return r.Accuracy, nil
	case Precision:
		return r.Precision, nil
	case Recall:
		return r.Recall, nil
	case F1:
		return r.F1, nil
	case AUC:
		return r.AUC, nil
	}
	return 0, errors.Wrapf(graphs.ErrConfiguration, "unknown metric %q, valid values are %q", name, SelectionMetrics)
}

// String implements fmt.Stringer.
func (r *Report) String() string {
	return fmt.Sprintf("n=%d loss=%.4f acc=%.4f prec=%.4f rec=%.4f f1=%.4f auc=%.4f",
		r.Count, r.Loss, r.Accuracy, r.Precision, r.Recall, r.F1, r.AUC)
}

// Compute the metrics for the given labels (0 or 1) and predicted probabilities.
// The loss is not filled.
func Compute(labels, probabilities []float64, threshold float64) *Report {
	r := &Report{Count: len(labels)}
	for ii, label := range labels {
		positive := probabilities[ii] >= threshold
		switch {
		case positive && label > 0.5:
			r.TruePositives++
		case positive:
			r.FalsePositives++
		case label > 0.5:
			r.FalseNegatives++
		default:
			r.TrueNegatives++
		}
	}
	r.Accuracy = ratio(r.TruePositives+r.TrueNegatives, r.Count)
	r.Precision = ratio(r.TruePositives, r.TruePositives+r.FalsePositives)
	r.Recall = ratio(r.TruePositives, r.TruePositives+r.FalseNegatives)
	if r.Precision+r.Recall > 0 {
		r.F1 = 2 * r.Precision * r.Recall / (r.Precision + r.Recall)
	}
	r.AUC = ROCAUC(labels, probabilities)
	return r
}

// ratio returns 0 when the denominator is 0.
func ratio(num, den int) float64 {
	if den == 0 {
		return 0
	}
	return float64(num) / float64(den)
}

// ROCAUC returns the area under the ROC curve, or NaN if labels don't have both classes.
func ROCAUC(labels, probabilities []float64) float64 {
	var numPositives int
	classes := make([]bool, len(labels))
	for ii, label := range labels {
		classes[ii] = label > 0.5
		if classes[ii] {
			numPositives++
		}
	}
	if numPositives == 0 || numPositives == len(labels) {
		return math.NaN()
	}
	scores := slices.Clone(probabilities)
	stat.SortWeightedLabeled(scores, classes, nil)
	tpr, fpr, _ := stat.ROC(nil, scores, classes, nil)
	return integrate.Trapezoidal(fpr, tpr)
}

// Accumulator collects labels, predictions and losses over the batches of a split.
// It is not safe for concurrent use.
type Accumulator struct {
	Threshold     float64
	labels, probs []float64
	lossSum       float64
}

// NewAccumulator with DefaultThreshold.
func NewAccumulator() *Accumulator {
	return &Accumulator{Threshold: DefaultThreshold}
}

// Add the real (non-padding) labels and probabilities of one batch, and the summed loss over them.
func (a *Accumulator) Add(labels, probabilities []float32, lossSum float64) {
	for ii, label := range labels {
		a.labels = append(a.labels, float64(label))
		a.probs = append(a.probs, float64(probabilities[ii]))
	}
	a.lossSum += lossSum
}

// Len returns the number of examples accumulated.
func (a *Accumulator) Len() int { return len(a.labels) }

// Probabilities returns the accumulated predictions.
func (a *Accumulator) Probabilities() []float64 { return a.probs }

// Report computes the metrics over everything accumulated.
func (a *Accumulator) Report() *Report {
	r := Compute(a.labels, a.probs, a.Threshold)
	if r.Count > 0 {
		r.Loss = a.lossSum / float64(r.Count)
	}
	return r
}
