// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package models

import (
	"math"
	"testing"

	_ "github.com/gomlx/gomlx/backends/default"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/devign/pkg/ggnn"
	"github.com/gomlx/devign/pkg/graphs"
)

func testBatch(t *testing.T) *graphs.Batch {
	examples := []*graphs.Example{
		{
			Features: [][]float32{{1, 0, 0, 0}, {0, 1, 0, 0}, {0, 0, 1, 0}},
			Edges:    []graphs.Edge{{Source: 0, Type: 0, Target: 1}, {Source: 1, Type: 0, Target: 2}},
			Label:    1,
		},
		{
			Features: [][]float32{{0, 0, 0, 1}, {1, 1, 0, 0}},
			Label:    0,
		},
	}
	batch, err := graphs.NewBatch(examples, 4, 1)
	require.NoError(t, err)
	return batch
}

func testContext(modelType string) *context.Context {
	ctx := context.New()
	ctx.SetParams(map[string]any{
		ParamModelType:           modelType,
		ggnn.ParamNumSteps:       1,
		ggnn.ParamGraphEmbedSize: 4,
		ggnn.ParamNumEdgeTypes:   1,
	})
	return ctx
}

func toArgs(values []*tensors.Tensor) []any {
	args := make([]any, len(values))
	for ii, v := range values {
		args[ii] = v
	}
	return args
}

func TestModels(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	batch := testBatch(t)
	inputs, _ := batch.Tensors()
	for _, modelType := range ModelTypes() {
		t.Run(modelType, func(t *testing.T) {
			ctx := testContext(modelType)
			exec := context.MustNewExec(backend, ctx.In(Scope), func(ctx *context.Context, inputs []*Node) []*Node {
				return ModelFn(ctx, nil, inputs)
			})
			outputs := exec.MustExec(toArgs(inputs)...)
			require.Len(t, outputs, 1)
			predictions := tensors.CopyFlatData[float32](outputs[0])
			require.Len(t, predictions, 2)
			for ii, p := range predictions {
				assert.False(t, math.IsNaN(float64(p)), "prediction #%d is NaN", ii)
				assert.GreaterOrEqual(t, p, float32(0))
				assert.LessOrEqual(t, p, float32(1))
			}
			assert.Greater(t, ctx.NumParameters(), 0)
		})
	}
}

func TestDevignLargeGraph(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	features := make([][]float32, 20)
	for ii := range features {
		features[ii] = []float32{float32(ii) / 20, 0, 1, 0}
	}
	batch, err := graphs.NewBatch([]*graphs.Example{
		{Features: features, Edges: []graphs.Edge{{Source: 19, Type: 0, Target: 0}}, Label: 1},
		{Features: [][]float32{{1, 1, 1, 1}}, Label: 0},
	}, 4, 1, graphs.WithPadGraphs(3))
	require.NoError(t, err)
	inputs, _ := batch.Tensors()
	ctx := testContext(ModelDevign)
	predictions := context.MustExecOnce(backend, ctx.In(Scope), func(ctx *context.Context, inputs []*Node) *Node {
		return ModelFn(ctx, nil, inputs)[0]
	}, toArgs(inputs)...)
	values := tensors.CopyFlatData[float32](predictions)
	require.Len(t, values, 3)
	for _, p := range values {
		assert.False(t, math.IsNaN(float64(p)))
	}
	// Padding graphs have no valid pooled positions: their score is 0.
	assert.InDelta(t, 0.5, values[2], 1e-6)
}

func TestGraphEmbeddings(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	inputs, _ := testBatch(t).Tensors()
	for _, modelType := range ModelTypes() {
		ctx := testContext(modelType)
		// Embeddings must only use the variables created by the model.
		context.MustExecOnce(backend, ctx.In(Scope), func(ctx *context.Context, inputs []*Node) *Node {
			return ModelFn(ctx, nil, inputs)[0]
		}, toArgs(inputs)...)
		embeddings := context.MustExecOnce(backend, ctx.In(Scope).Reuse(), func(ctx *context.Context, inputs []*Node) *Node {
			return GraphEmbeddings(ctx, inputs)
		}, toArgs(inputs)...)
		assert.Equal(t, []int{2, 4}, embeddings.Shape().Dimensions, "model %s", modelType)
	}
}

func TestModelFnUnknown(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	inputs, _ := testBatch(t).Tensors()
	ctx := testContext("transformer")
	exec := context.MustNewExec(backend, ctx, func(ctx *context.Context, inputs []*Node) *Node {
		return ModelFn(ctx, nil, inputs)[0]
	})
	_, err := exec.Exec1(toArgs(inputs)...)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "transformer")
}

func TestLoss(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	loss := MustExecOnce(backend, func(labels, mask, predictions *Node) *Node {
		return Loss([]*Node{labels, mask}, []*Node{predictions})
	}, []float32{1, 0, 1}, []bool{true, true, false}, []float32{0.5, 0.5, 0.9})
	assert.InDelta(t, 2*math.Ln2, tensors.ToScalar[float32](loss), 1e-5)

	// Saturated predictions are clipped.
	loss = MustExecOnce(backend, func(labels, mask, predictions *Node) *Node {
		return Loss([]*Node{labels, mask}, []*Node{predictions})
	}, []float32{1}, []bool{true}, []float32{0})
	value := tensors.ToScalar[float32](loss)
	assert.False(t, math.IsInf(float64(value), 0))
	assert.Greater(t, value, float32(10))
}
