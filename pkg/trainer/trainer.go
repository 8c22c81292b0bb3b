// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package trainer trains the vulnerability classifiers, with periodic validation, early stopping
// and checkpointing of the best model, and reports the best model's metrics on the test split.
package trainer

import (
	"fmt"
	"strings"
	"time"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/devign/pkg/compute"
	"github.com/gomlx/devign/pkg/dataset"
	"github.com/gomlx/devign/pkg/ggnn"
	"github.com/gomlx/devign/pkg/graphs"
	"github.com/gomlx/devign/pkg/metrics"
	"github.com/gomlx/devign/pkg/models"
)

// ErrEarlyStopped is returned by the validation hook to interrupt the training loop.
var ErrEarlyStopped = errors.New("early stopped")

// Options of the training loop.
type Options struct {
	// MaxSteps is the total number of training steps (including those of a resumed checkpoint).
	MaxSteps int

	// DevEvery is the number of steps between validations.
	DevEvery int

	// MaxPatience is the number of validations without improvement before stopping.
	MaxPatience int

	BatchSize int

	// SelectionMetric is the validation metric used to select the best model, see metrics.SelectionMetrics.
	SelectionMetric string

	// CheckpointDir where the best model is saved. If it has a checkpoint already, training resumes from it.
	CheckpointDir string

	// Seed for the shuffling of the train split.
	Seed uint64

	// PrefetchDepth is the number of train batches prepared in the background.
	PrefetchDepth int

	// Quiet disables the progress bar.
	Quiet bool
}

// DefaultOptions returns the options used if not configured otherwise.
func DefaultOptions() Options {
	return Options{
		MaxSteps:        1_000_000,
		DevEvery:        128,
		MaxPatience:     5,
		BatchSize:       128,
		SelectionMetric: metrics.Accuracy,
		Seed:            1000,
		PrefetchDepth:   2,
	}
}

// Validate returns an error wrapping graphs.ErrConfiguration if an option is invalid.
func (o *Options) Validate() error {
	switch {
	case o.MaxSteps <= 0:
		return errors.Wrapf(graphs.ErrConfiguration, "max_steps must be > 0, got %d", o.MaxSteps)
	case o.DevEvery <= 0:
		return errors.Wrapf(graphs.ErrConfiguration, "dev_every must be > 0, got %d", o.DevEvery)
	case o.BatchSize <= 0:
		return errors.Wrapf(graphs.ErrConfiguration, "batch_size must be > 0, got %d", o.BatchSize)
	case o.CheckpointDir == "":
		return errors.Wrap(graphs.ErrConfiguration, "checkpoint directory not set")
	}
	_, err := (&metrics.Report{}).Get(o.SelectionMetric)
	return err
}

// Result of a training run.
type Result struct {
	RunID         string
	State         *TrainingState
	CheckpointDir string
	NumParameters int
	Elapsed       time.Duration

	// MedianStepDuration of the training steps of this run.
	MedianStepDuration time.Duration

	// Valid and Test are the evaluations of the best model. Test is nil if there is no test split.
	Valid, Test *metrics.Report

	// Best is the context with the best model, loaded from the checkpoint.
	Best *context.Context
}

// Train trains the model configured in ctx's hyperparameters on ds.
//
// Every opts.DevEvery steps the model is evaluated on the valid split, and on each new best it is saved
// to opts.CheckpointDir. Training stops after opts.MaxPatience validations without improvement, or after
// opts.MaxSteps. At the end the best model is reloaded from the checkpoint and evaluated on the valid
// and test splits.
func Train(cc *compute.Context, ctx *context.Context, ds *dataset.Dataset, opts Options) (*Result, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	start := time.Now()
	result := &Result{RunID: uuid.NewString(), CheckpointDir: opts.CheckpointDir}
	klog.Infof("Training run %s, checkpoint in %q", result.RunID, opts.CheckpointDir)

	numEdgeTypes := ds.NumEdgeTypes()
	ctx.SetParam(ggnn.ParamNumEdgeTypes, numEdgeTypes)
	trainSplit, err := dataset.NewSplit(dataset.TypeTrain.String(), ds.Split(dataset.TypeTrain), ds.FeatureSize,
		numEdgeTypes, opts.BatchSize, dataset.Shuffled(opts.Seed), dataset.Infinite())
	if err != nil {
		return nil, err
	}
	validSplit, err := dataset.NewSplit(dataset.TypeValid.String(), ds.Split(dataset.TypeValid), ds.FeatureSize,
		numEdgeTypes, opts.BatchSize)
	if err != nil {
		return nil, err
	}

	// Checkpoint: it loads the previous best model if there is one, and is saved on each new best.
	requested := architecture(ctx)
	checkpoint, err := checkpoints.Build(ctx).Dir(opts.CheckpointDir).Keep(1).Done()
	if err != nil {
		return nil, errors.WithMessagef(err, "while setting up checkpoint in %q", opts.CheckpointDir)
	}
	if err = checkArchitecture(requested, architecture(ctx), opts.CheckpointDir); err != nil {
		return nil, err
	}
	globalStep := int(optimizers.GetGlobalStep(ctx))
	if globalStep != 0 {
		klog.Infof("Restarting training from global_step=%d", globalStep)
	} else {
		ctx.RngStateFromSeed(int64(opts.Seed))
	}

	// Batches have different shapes, hence the model graph is built multiple times.
	modelCtx := ctx.In(models.Scope).Checked(false)
	trainer := train.NewTrainer(cc.Backend, modelCtx, models.ModelFn, models.Loss,
		optimizers.FromContext(modelCtx), nil, nil)
	evaluator, err := NewEvaluator(cc, ctx.In(models.Scope))
	if err != nil {
		return nil, err
	}
	loop := train.NewLoop(trainer)
	if !opts.Quiet {
		commandline.AttachProgressBar(loop)
	}

	state := NewTrainingState(opts.MaxSteps, opts.MaxPatience)
	result.State = state
	state.Advance(globalStep)
	if validSplit.Len() == 0 {
		klog.Warningf("No validation examples: early stopping is disabled, and the last model is kept")
	} else {
		attachValidation(loop, state, evaluator, validSplit, checkpoint, opts)
	}

	if !state.Phase.Done() {
		prefetched := dataset.NewPrefetched(trainSplit, opts.PrefetchDepth)
		_, err = loop.RunSteps(prefetched, opts.MaxSteps-globalStep)
		prefetched.Close()
		if err != nil && !errors.Is(err, ErrEarlyStopped) {
			return nil, errors.WithMessage(err, "while training")
		}
		// After an early stop the loop is still at the index of the last step run.
		state.Advance(max(state.Step, loop.LoopStep))
		result.MedianStepDuration = loop.MedianTrainStepDuration()
		klog.Infof("Training finished: %s; median train step %s", state, result.MedianStepDuration)
	}
	if state.BestStep < 0 {
		// No validation ever improved on the initial best: keep the last model.
		if err = checkpoint.Save(); err != nil {
			return nil, errors.WithMessagef(err, "while saving checkpoint in %q", opts.CheckpointDir)
		}
	}

	// Reload the best model, and evaluate it.
	best, err := LoadBest(opts.CheckpointDir)
	if err != nil {
		return nil, err
	}
	result.Best = best
	if result.Valid, result.Test, err = EvaluateBest(cc, best, ds, opts.BatchSize); err != nil {
		return nil, err
	}
	result.NumParameters = NumModelParameters(best)
	result.Elapsed = time.Since(start)
	return result, nil
}

// architectureParams are the hyperparameters that define the model variables: a checkpoint can only be
// resumed if they match.
var architectureParams = []string{models.ParamModelType, ggnn.ParamNumEdgeTypes, ggnn.ParamNumSteps,
	ggnn.ParamGraphEmbedSize, ggnn.ParamReadoutSize}

// architecture returns the values of architectureParams in ctx, formatted for comparison, with the
// defaults the models use for missing ones.
func architecture(ctx *context.Context) map[string]string {
	defaults := map[string]any{
		models.ParamModelType:    models.ModelGGNN,
		ggnn.ParamNumEdgeTypes:   1,
		ggnn.ParamNumSteps:       models.DefaultNumSteps,
		ggnn.ParamGraphEmbedSize: models.DefaultGraphEmbedSize,
		ggnn.ParamReadoutSize:    0,
	}
	values := make(map[string]string, len(architectureParams))
	for _, key := range architectureParams {
		value, found := ctx.GetParam(key)
		if !found {
			value = defaults[key]
		}
		values[key] = fmt.Sprint(value)
	}
	return values
}

// checkArchitecture returns an error wrapping graphs.ErrConfiguration if the model loaded from the
// checkpoint was built with different architecture hyperparameters than requested.
func checkArchitecture(requested, loaded map[string]string, checkpointDir string) error {
	for _, key := range architectureParams {
		if requested[key] != loaded[key] {
			return errors.Wrapf(graphs.ErrConfiguration,
				"checkpoint in %q has %s=%s, but %s was requested: use another models directory or dataset name",
				checkpointDir, key, loaded[key], requested[key])
		}
	}
	return nil
}

// attachValidation to the training loop: it runs every opts.DevEvery steps and drives the state.
func attachValidation(loop *train.Loop, state *TrainingState, evaluator *Evaluator, validSplit *dataset.Split,
	checkpoint *checkpoints.Handler, opts Options) {
	loop.OnStep("devign validation", 100, func(loop *train.Loop, _ []*tensors.Tensor) error {
		step := loop.LoopStep + 1
		state.Advance(step)
		if step%opts.DevEvery != 0 {
			return nil
		}
		state.StartValidation(step)
		report, err := evaluator.Evaluate(validSplit)
		if err != nil {
			return err
		}
		metric, err := report.Get(opts.SelectionMetric)
		if err != nil {
			return err
		}
		if state.Observe(metric) {
			klog.Infof("Step %d: new best valid %s=%.4f (%s)", step, opts.SelectionMetric, metric, report)
			if err = checkpoint.Save(); err != nil {
				return errors.WithMessagef(err, "while saving best model at step %d", step)
			}
		} else {
			klog.V(1).Infof("Step %d: valid %s=%.4f, patience %d/%d", step, opts.SelectionMetric, metric,
				state.Patience, state.MaxPatience)
		}
		if state.Phase == PhaseEarlyStopped {
			klog.Infof("Early stopping at step %d: best valid %s=%.4f at step %d", step, opts.SelectionMetric,
				state.BestMetric, state.BestStep)
			return ErrEarlyStopped
		}
		return nil
	})
}

// LoadBest loads the model saved in checkpointDir into a new context, including its hyperparameters.
func LoadBest(checkpointDir string) (*context.Context, error) {
	ctx := context.New()
	if _, err := checkpoints.Load(ctx).Dir(checkpointDir).Done(); err != nil {
		return nil, errors.WithMessagef(err, "while loading best model from %q", checkpointDir)
	}
	return ctx, nil
}

// EvaluateBest evaluates the model in ctx on the valid and test splits of ds. Empty splits return nil reports.
func EvaluateBest(cc *compute.Context, ctx *context.Context, ds *dataset.Dataset, batchSize int) (
	valid, test *metrics.Report, err error) {
	evaluator, err := NewEvaluator(cc, ctx.In(models.Scope))
	if err != nil {
		return
	}
	reports := make([]*metrics.Report, 2)
	for ii, splitType := range []dataset.SplitType{dataset.TypeValid, dataset.TypeTest} {
		if len(ds.Split(splitType)) == 0 {
			continue
		}
		var split *dataset.Split
		split, err = dataset.NewSplit(splitType.String(), ds.Split(splitType), ds.FeatureSize, ds.NumEdgeTypes(),
			batchSize)
		if err != nil {
			return
		}
		if reports[ii], err = evaluator.Evaluate(split); err != nil {
			return
		}
		klog.Infof("Best model on %s: %s", splitType, reports[ii])
	}
	return reports[0], reports[1], nil
}

// NumModelParameters returns the number of trainable scalar parameters of the model in ctx.
// Variables loaded from a checkpoint are only counted after they are used by a graph.
func NumModelParameters(ctx *context.Context) int {
	prefix := context.ScopeSeparator + models.Scope
	var count int
	ctx.EnumerateVariables(func(v *context.Variable) {
		if v.Trainable && strings.HasPrefix(v.Scope(), prefix) {
			count += v.Shape().Size()
		}
	})
	return count
}
