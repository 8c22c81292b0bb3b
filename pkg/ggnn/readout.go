// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ggnn

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
)

// Readout summarizes the node states of each graph into one graph embedding, shaped [numGraphs, readoutSize].
//
// Each node contributes σ(gate([feature, state])) ⊙ tanh(content(state)), and contributions are summed
// per graph, according to membership ([numGraphs*maxNodes], the graph of each node slot). Padding nodes
// (nodeMask false) contribute nothing.
//
// The readout size is given by ParamReadoutSize, and if not set defaults to the state width.
func Readout(ctx *context.Context, features, states, nodeMask, membership *Node, numGraphs int) *Node {
	ctx = ctx.In("readout")
	g := states.Graph()
	dims := states.Shape().Dimensions
	numSlots := dims[0] * dims[1]
	stateDim := dims[2]
	featureSize := features.Shape().Dimensions[2]
	readoutSize := context.GetParamOr(ctx, ParamReadoutSize, 0)
	if readoutSize <= 0 {
		readoutSize = stateDim
	}

	flatStates := Reshape(states, numSlots, stateDim)
	flatFeatures := Reshape(features, numSlots, featureSize)
	gate := Sigmoid(layers.DenseWithBias(ctx.In("gate"),
		Concatenate([]*Node{flatFeatures, flatStates}, -1), 1))
	content := Tanh(layers.DenseWithBias(ctx.In("content"), flatStates, readoutSize))
	contributions := Mul(gate, content)
	mask := BroadcastToDims(InsertAxes(Reshape(nodeMask, numSlots), -1), numSlots, readoutSize)
	contributions = Where(mask, contributions, ZerosLike(contributions))

	return ScatterSum(
		Zeros(g, shapes.Make(states.DType(), numGraphs, readoutSize)),
		InsertAxes(membership, -1), contributions, true, false)
}
