// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package models

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gopjrt/dtypes"

	"github.com/gomlx/devign/pkg/ggnn"
)

// devignScope holds the variables of the Devign model, including its GGNN engine.
const devignScope = "devign"

// Devign classifies graphs with two streams of 1D convolutions over the node axis.
//
// The "y" stream sees the final node states, the "z" stream the states concatenated with the
// original features. Each stream goes through conv(3) -> relu -> maxpool(3, 2) -> conv(1) -> relu ->
// maxpool(2, 2). The linear projections of each stream to one value per position are multiplied, averaged
// over the pooled positions that cover at least one real node, and passed through a sigmoid.
func Devign(ctx *context.Context, in *ggnn.Inputs) *Node {
	ctx = ctx.In(devignScope)
	states := propagate(ctx, in)
	stateDim := states.Shape().Dimensions[2]
	combined := Concatenate([]*Node{states, in.Features}, -1)

	y := convStream(ctx.In("y"), states, stateDim)
	z := convStream(ctx.In("z"), combined, stateDim+in.FeatureSize())
	scores := Mul(
		layers.DenseWithBias(ctx.In("mlp_y"), y, 1),
		layers.DenseWithBias(ctx.In("mlp_z"), z, 1))
	numGraphs, numPositions := scores.Shape().Dimensions[0], scores.Shape().Dimensions[1]
	scores = Reshape(scores, numGraphs, numPositions)

	mask := pooledMask(in.NodeMask)
	scores = Where(mask, scores, ZerosLike(scores))
	counts := MaxScalar(ReduceSum(ConvertDType(mask, scores.DType()), 1), 1)
	return Sigmoid(Div(ReduceSum(scores, 1), counts))
}

// convStream is applied to x shaped [numGraphs, maxNodes, channels], and returns [numGraphs, positions, channels].
func convStream(ctx *context.Context, x *Node, channels int) *Node {
	x = layers.Convolution(ctx.In("conv_1"), x).Channels(channels).KernelSize(3).NoPadding().Done()
	x = activations.Relu(x)
	x = MaxPool(x).Window(3).Strides(2).NoPadding().Done()
	x = layers.Convolution(ctx.In("conv_2"), x).Channels(channels).KernelSize(1).NoPadding().Done()
	x = activations.Relu(x)
	return MaxPool(x).Window(2).Strides(2).NoPadding().Done()
}

// pooledMask pushes the node mask ([numGraphs, maxNodes]) through the windows of convStream: a pooled
// position is valid if its receptive field includes a real node.
func pooledMask(nodeMask *Node) *Node {
	numGraphs, maxNodes := nodeMask.Shape().Dimensions[0], nodeMask.Shape().Dimensions[1]
	mask := Reshape(ConvertDType(nodeMask, dtypes.Float32), numGraphs, maxNodes, 1)
	mask = MaxPool(mask).Window(3).Strides(1).NoPadding().Done()
	mask = MaxPool(mask).Window(3).Strides(2).NoPadding().Done()
	mask = MaxPool(mask).Window(2).Strides(2).NoPadding().Done()
	numPositions := mask.Shape().Dimensions[1]
	mask = Reshape(mask, numGraphs, numPositions)
	return GreaterThan(mask, ZerosLike(mask))
}
