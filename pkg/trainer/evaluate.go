// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package trainer

import (
	"io"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"

	"github.com/gomlx/devign/pkg/compute"
	"github.com/gomlx/devign/pkg/dataset"
	"github.com/gomlx/devign/pkg/graphs"
	"github.com/gomlx/devign/pkg/metrics"
	"github.com/gomlx/devign/pkg/models"
)

// Evaluator runs the model in inference mode over whole splits.
type Evaluator struct {
	cc   *compute.Context
	exec *context.Exec
}

// NewEvaluator creates an evaluator for the model in ctx, which must be already scoped to models.Scope.
// The variables are reused: they must have been trained or loaded from a checkpoint before the first
// evaluation.
func NewEvaluator(cc *compute.Context, ctx *context.Context) (*Evaluator, error) {
	exec, err := context.NewExec(cc.Backend, ctx.Reuse(), func(ctx *context.Context, inputs []*Node) []*Node {
		modelInputs, labels := inputs[:graphs.NumInputs], inputs[graphs.NumInputs:]
		predictions := models.ModelFn(ctx, nil, modelInputs)
		return []*Node{predictions[0], models.Loss(labels, predictions)}
	})
	if err != nil {
		return nil, errors.WithMessage(err, "failed to create evaluator")
	}
	return &Evaluator{cc: cc, exec: exec}, nil
}

// Predict returns the predicted probabilities and the summed loss of the real graphs of a placed batch.
func (e *Evaluator) Predict(placed *compute.Placed) (probabilities []float32, loss float64, err error) {
	if err = e.cc.Check(placed.Placement); err != nil {
		return
	}
	args := make([]any, 0, len(placed.Inputs)+len(placed.Labels))
	for _, t := range placed.Inputs {
		args = append(args, t)
	}
	for _, t := range placed.Labels {
		args = append(args, t)
	}
	predictions, lossT, err := e.exec.Exec2(args...)
	if err != nil {
		return nil, 0, errors.WithMessage(err, "failed to evaluate batch")
	}
	defer predictions.FinalizeAll()
	defer lossT.FinalizeAll()
	probabilities = tensors.CopyFlatData[float32](predictions)[:placed.Batch.NumGraphs]
	loss = float64(tensors.ToScalar[float32](lossT))
	return
}

// Evaluate runs the model over the whole split, from its start, and returns the metrics.
func (e *Evaluator) Evaluate(split *dataset.Split) (*metrics.Report, error) {
	acc, err := e.Accumulate(split)
	if err != nil {
		return nil, err
	}
	return acc.Report(), nil
}

// Accumulate runs the model over the whole split, from its start, and returns the accumulated predictions.
func (e *Evaluator) Accumulate(split *dataset.Split) (*metrics.Accumulator, error) {
	split.Reset()
	acc := metrics.NewAccumulator()
	for {
		batch, err := split.NextBatch()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		placed := e.cc.Place(batch)
		probabilities, loss, err := e.Predict(placed)
		placed.Finalize()
		if err != nil {
			return nil, errors.WithMessagef(err, "while evaluating split %q", split.Name())
		}
		acc.Add(batch.RealLabels(), probabilities, loss)
	}
	return acc, nil
}
