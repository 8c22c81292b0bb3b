// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package trainer

import (
	"bytes"
	"os"
	"testing"

	_ "github.com/gomlx/gomlx/backends/default"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/devign/pkg/compute"
	"github.com/gomlx/devign/pkg/dataset"
	"github.com/gomlx/devign/pkg/ggnn"
	"github.com/gomlx/devign/pkg/graphs"
	"github.com/gomlx/devign/pkg/metrics"
	"github.com/gomlx/devign/pkg/models"
)

func TestTrainingStateEarlyStop(t *testing.T) {
	state := NewTrainingState(1_000_000, 5)
	state.StartValidation(128)
	assert.Equal(t, PhaseValidating, state.Phase)
	require.True(t, state.Observe(0.6))
	assert.Equal(t, PhaseTraining, state.Phase)
	assert.Equal(t, 128, state.BestStep)

	for ii := range 5 {
		assert.False(t, state.Phase.Done(), "stopped too early, after %d checks past the best", ii)
		state.StartValidation(128 * (ii + 2))
		assert.False(t, state.Observe(0.5))
	}
	assert.Equal(t, PhaseEarlyStopped, state.Phase)
	assert.Equal(t, 6, state.Checks)
	assert.Equal(t, 5, state.Patience)
	assert.Equal(t, 0.6, state.BestMetric)
	assert.Equal(t, 128, state.BestStep)
	assert.Len(t, state.History, 6)
}

func TestTrainingStateImprovement(t *testing.T) {
	state := NewTrainingState(1_000_000, 2)
	// Initial best is 0, and improvements must be strict.
	assert.False(t, state.Observe(0))
	assert.Equal(t, -1, state.BestStep)
	state.StartValidation(10)
	assert.True(t, state.Observe(0.5))
	state.StartValidation(20)
	assert.False(t, state.Observe(0.5))
	assert.Equal(t, 1, state.Patience)
	// A new best resets the patience.
	state.StartValidation(30)
	assert.True(t, state.Observe(0.7))
	assert.Equal(t, 0, state.Patience)
	assert.Equal(t, 30, state.BestStep)
	assert.Equal(t, PhaseTraining, state.Phase)
}

func TestTrainingStateMaxSteps(t *testing.T) {
	state := NewTrainingState(100, 5)
	state.Advance(99)
	assert.Equal(t, PhaseTraining, state.Phase)
	state.Advance(100)
	assert.Equal(t, PhaseConvergedByMaxSteps, state.Phase)
	// Terminal phases are kept.
	state.StartValidation(100)
	state.Observe(0.9)
	assert.Equal(t, PhaseConvergedByMaxSteps, state.Phase)
}

func TestOptionsValidate(t *testing.T) {
	opts := DefaultOptions()
	err := opts.Validate()
	assert.True(t, errors.Is(err, graphs.ErrConfiguration), "checkpoint dir is required")
	opts.CheckpointDir = t.TempDir()
	require.NoError(t, opts.Validate())
	opts.SelectionMetric = "mcc"
	assert.True(t, errors.Is(opts.Validate(), graphs.ErrConfiguration))
}

func makeExamples(n int) []*graphs.Example {
	examples := make([]*graphs.Example, n)
	for ii := range examples {
		label := ii % 2
		numNodes := 2 + ii%3
		features := make([][]float32, numNodes)
		for node := range features {
			features[node] = []float32{float32(label), float32(node) / 4, 0, 1}
		}
		examples[ii] = &graphs.Example{
			Features: features,
			Edges:    []graphs.Edge{{Source: 0, Type: ii % 2, Target: numNodes - 1}},
			Label:    label,
		}
	}
	return examples
}

func makeDataset() *dataset.Dataset {
	edgeTypes := graphs.NewEdgeTypes()
	edgeTypes.ID("AST")
	edgeTypes.ID("CFG")
	return &dataset.Dataset{
		Schema:      dataset.DefaultSchema(),
		FeatureSize: 4,
		EdgeTypes:   edgeTypes,
		Examples: map[dataset.SplitType][]*graphs.Example{
			dataset.TypeTrain: makeExamples(12),
			dataset.TypeValid: makeExamples(4),
			dataset.TypeTest:  makeExamples(5),
		},
	}
}

func TestTrain(t *testing.T) {
	cc := compute.New(graphtest.BuildTestBackend())
	ds := makeDataset()
	for _, modelType := range models.ModelTypes() {
		t.Run(modelType, func(t *testing.T) {
			ctx := context.New()
			ctx.SetParams(map[string]any{
				models.ParamModelType:        modelType,
				ggnn.ParamNumSteps:           1,
				ggnn.ParamGraphEmbedSize:     8,
				optimizers.ParamOptimizer:    "adam",
				optimizers.ParamLearningRate: 1e-2,
			})
			opts := DefaultOptions()
			opts.MaxSteps = 12
			opts.DevEvery = 3
			opts.MaxPatience = 2
			opts.BatchSize = 4
			opts.Quiet = true
			opts.CheckpointDir = t.TempDir()

			result, err := Train(cc, ctx, ds, opts)
			require.NoError(t, err)
			assert.True(t, result.State.Phase.Done())
			assert.NotEmpty(t, result.RunID)
			assert.Greater(t, result.State.Checks, 0)
			require.NotNil(t, result.Valid)
			require.NotNil(t, result.Test)
			assert.Equal(t, 5, result.Test.Count)
			assert.Greater(t, result.NumParameters, 0)
			if result.State.BestStep >= 0 {
				// The reloaded model is the best one.
				assert.InDelta(t, result.State.BestMetric, result.Valid.Accuracy, 1e-6)
			}
			entries, err := os.ReadDir(opts.CheckpointDir)
			require.NoError(t, err)
			assert.NotEmpty(t, entries)

			var buf bytes.Buffer
			PrintReport(&buf, result)
			assert.Contains(t, buf.String(), result.RunID)
			assert.Contains(t, buf.String(), "test")
		})
	}
}

func smallModelContext(modelType string, learningRate float64) *context.Context {
	ctx := context.New()
	ctx.SetParams(map[string]any{
		models.ParamModelType:        modelType,
		ggnn.ParamNumSteps:           2,
		ggnn.ParamGraphEmbedSize:     6,
		optimizers.ParamOptimizer:    "adam",
		optimizers.ParamLearningRate: learningRate,
	})
	return ctx
}

func smallOptions(t *testing.T) Options {
	opts := DefaultOptions()
	opts.MaxSteps = 4
	opts.DevEvery = 2
	opts.BatchSize = 3
	opts.Quiet = true
	opts.CheckpointDir = t.TempDir()
	return opts
}

func TestCheckpointRoundTrip(t *testing.T) {
	cc := compute.New(graphtest.BuildTestBackend())
	ds := makeDataset()
	ctx := smallModelContext(models.ModelGGNN, 1e-2)
	ctx.SetParam(ggnn.ParamNumEdgeTypes, ds.NumEdgeTypes())

	// Train a few steps in memory.
	modelCtx := ctx.In(models.Scope).Checked(false)
	trainer := train.NewTrainer(cc.Backend, modelCtx, models.ModelFn, models.Loss,
		optimizers.FromContext(modelCtx), nil, nil)
	trainSplit, err := dataset.NewSplit("train", ds.Split(dataset.TypeTrain), ds.FeatureSize, ds.NumEdgeTypes(), 3,
		dataset.Shuffled(1), dataset.Infinite())
	require.NoError(t, err)
	_, err = train.NewLoop(trainer).RunSteps(trainSplit, 3)
	require.NoError(t, err)

	testSplit, err := dataset.NewSplit("test", ds.Split(dataset.TypeTest), ds.FeatureSize, ds.NumEdgeTypes(), 3)
	require.NoError(t, err)
	predict := func(ctx *context.Context) []float64 {
		evaluator, err := NewEvaluator(cc, ctx.In(models.Scope))
		require.NoError(t, err)
		acc, err := evaluator.Accumulate(testSplit)
		require.NoError(t, err)
		return acc.Probabilities()
	}
	want := predict(ctx)

	dir := t.TempDir()
	checkpoint, err := checkpoints.Build(ctx).Dir(dir).Keep(1).Done()
	require.NoError(t, err)
	require.NoError(t, checkpoint.Save())
	reloaded, err := LoadBest(dir)
	require.NoError(t, err)
	got := predict(reloaded)
	require.Len(t, got, 5)
	assert.InDeltaSlice(t, want, got, 1e-6)
	assert.Equal(t, models.ModelGGNN, context.GetParamOr(reloaded, models.ParamModelType, ""))
	assert.Equal(t, int64(3), optimizers.GetGlobalStep(reloaded))
}

func TestTrainEarlyStop(t *testing.T) {
	cc := compute.New(graphtest.BuildTestBackend())
	ds := makeDataset()
	// Without learning, the validation metric never changes after the first check.
	ctx := smallModelContext(models.ModelGGNN, 0)
	opts := smallOptions(t)
	opts.MaxSteps = 1000
	opts.MaxPatience = 3
	result, err := Train(cc, ctx, ds, opts)
	require.NoError(t, err)

	state := result.State
	require.Equal(t, PhaseEarlyStopped, state.Phase)
	lastImprovement := max(state.BestStep, 0)
	if state.BestStep >= 0 {
		assert.Equal(t, opts.DevEvery, state.BestStep, "only the first check can improve")
	}
	assert.Equal(t, lastImprovement+opts.MaxPatience*opts.DevEvery, state.Step)
	assert.Equal(t, state.Step/opts.DevEvery, state.Checks)
	assert.Len(t, state.History, state.Checks)
	assert.Equal(t, opts.MaxPatience, state.Patience)
}

func TestTrainResume(t *testing.T) {
	cc := compute.New(graphtest.BuildTestBackend())
	ds := makeDataset()
	opts := smallOptions(t)
	_, err := Train(cc, smallModelContext(models.ModelGGNN, 1e-2), ds, opts)
	require.NoError(t, err)

	// Same model: it resumes from the last global step, which already reached MaxSteps.
	result, err := Train(cc, smallModelContext(models.ModelGGNN, 1e-2), ds, opts)
	require.NoError(t, err)
	assert.Equal(t, PhaseConvergedByMaxSteps, result.State.Phase)
	assert.Equal(t, opts.MaxSteps, result.State.Step)

	// A different model in the same checkpoint directory is rejected.
	_, err = Train(cc, smallModelContext(models.ModelDevign, 1e-2), ds, opts)
	require.Error(t, err)
	assert.True(t, errors.Is(err, graphs.ErrConfiguration), "got %+v", err)

	ctx := smallModelContext(models.ModelGGNN, 1e-2)
	ctx.SetParam(ggnn.ParamGraphEmbedSize, 8)
	_, err = Train(cc, ctx, ds, opts)
	assert.True(t, errors.Is(err, graphs.ErrConfiguration), "got %+v", err)

	// So is a dataset with a different edge vocabulary.
	moreEdgeTypes := makeDataset()
	moreEdgeTypes.EdgeTypes.ID("DDG")
	_, err = Train(cc, smallModelContext(models.ModelGGNN, 1e-2), moreEdgeTypes, opts)
	assert.True(t, errors.Is(err, graphs.ErrConfiguration), "got %+v", err)
}

func TestTrainSeed(t *testing.T) {
	cc := compute.New(graphtest.BuildTestBackend())
	ds := makeDataset()
	var losses []float64
	for range 2 {
		result, err := Train(cc, smallModelContext(models.ModelDevign, 1e-2), ds, smallOptions(t))
		require.NoError(t, err)
		require.NotNil(t, result.Test)
		losses = append(losses, result.Test.Loss)
	}
	assert.InDelta(t, losses[0], losses[1], 1e-6, "same seed, same model")
}

func TestMetricsTable(t *testing.T) {
	table := MetricsTable([]string{"valid", "test"}, []*metrics.Report{
		metrics.Compute([]float64{1, 0}, []float64{0.9, 0.2}, metrics.DefaultThreshold),
		nil,
	})
	assert.Contains(t, table, "valid")
	assert.NotContains(t, table, "test")
	assert.Contains(t, table, "1.0000")
}
