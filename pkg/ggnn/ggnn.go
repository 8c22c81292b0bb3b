// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package ggnn implements the Gated Graph Neural Network (GGNN) propagation engine and its
// attention-gated readout, over batches laid out by graphs.Batch.
//
// Node states are refined for a fixed number of steps: at each step every node sums the messages
// coming through its incoming edges, each transformed by a linear map specific to the edge type,
// and updates its state with a GRU cell. See [1] for details.
//
// [1] "Gated Graph Sequence Neural Networks", Li et al., 2016, https://arxiv.org/abs/1511.05493
package ggnn

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
	"github.com/pkg/errors"

	"github.com/gomlx/devign/pkg/graphs"
)

const (
	// ParamNumSteps is the context hyperparameter with the number of propagation steps. Default is 6.
	ParamNumSteps = "ggnn_num_steps"

	// ParamGraphEmbedSize is the context hyperparameter with the width of the node states (output_dim).
	// Default is 200, and it must be >= the feature size.
	ParamGraphEmbedSize = "ggnn_graph_embed_size"

	// ParamNumEdgeTypes is the context hyperparameter with the number of edge types of the dataset.
	ParamNumEdgeTypes = "ggnn_num_edge_types"

	// ParamReadoutSize is the context hyperparameter with the width of the readout graph embedding.
	// If 0 (the default) it is the same as ParamGraphEmbedSize.
	ParamReadoutSize = "ggnn_readout_size"
)

// Inputs are the graph nodes of a batch, in the order returned by graphs.Batch.Tensors.
type Inputs struct {
	// Features: [numGraphs, maxNodes, featureSize].
	Features *Node

	// NodeMask: [numGraphs, maxNodes].
	NodeMask *Node

	// GraphIndex: [numGraphs*maxNodes], the graph of each node slot.
	GraphIndex *Node

	// Edges: [numEdges, 3] with (source, edge type, target), node indices flattened as graphIdx*maxNodes+nodeIdx.
	Edges *Node

	// EdgeMask: [numEdges].
	EdgeMask *Node

	// GraphMask: [numGraphs].
	GraphMask *Node
}

// NewInputs splits the model inputs.
func NewInputs(inputs []*Node) *Inputs {
	if len(inputs) != graphs.NumInputs {
		panic(errors.Wrapf(graphs.ErrDimensionMismatch, "expected %d graph inputs, got %d", graphs.NumInputs, len(inputs)))
	}
	return &Inputs{
		Features:   inputs[0],
		NodeMask:   inputs[1],
		GraphIndex: inputs[2],
		Edges:      inputs[3],
		EdgeMask:   inputs[4],
		GraphMask:  inputs[5],
	}
}

// NumGraphs in the (padded) batch.
func (in *Inputs) NumGraphs() int { return in.Features.Shape().Dimensions[0] }

// MaxNodes is the padded number of nodes per graph.
func (in *Inputs) MaxNodes() int { return in.Features.Shape().Dimensions[1] }

// FeatureSize is the width of the node features.
func (in *Inputs) FeatureSize() int { return in.Features.Shape().Dimensions[2] }

// InitialState zero-pads the last axis of features to outputDim.
//
// It panics with an error wrapping graphs.ErrConfiguration if outputDim is smaller than the feature size.
func InitialState(features *Node, outputDim int) *Node {
	dims := features.Shape().Dimensions
	featureSize := dims[len(dims)-1]
	if outputDim < featureSize {
		panic(errors.Wrapf(graphs.ErrConfiguration, "graph embedding size (%d) must be >= feature size (%d)",
			outputDim, featureSize))
	}
	if outputDim == featureSize {
		return features
	}
	padDims := append([]int(nil), dims...)
	padDims[len(padDims)-1] = outputDim - featureSize
	padding := Zeros(features.Graph(), shapes.Make(features.DType(), padDims...))
	return Concatenate([]*Node{features, padding}, -1)
}

// Propagate runs numSteps rounds of typed message passing followed by a GRU update, and returns the
// final node states shaped [numGraphs, maxNodes, outputDim]. Padding nodes are left as zeros.
//
// Variables are created under the "ggnn" scope: one [outputDim, outputDim] kernel and one bias per
// edge type, and the GRU cell weights. They are shared by all steps.
func Propagate(ctx *context.Context, in *Inputs, outputDim, numEdgeTypes, numSteps int) *Node {
	ctx = ctx.In("ggnn")
	g := in.Features.Graph()
	dtype := in.Features.DType()
	numSlots := in.NumGraphs() * in.MaxNodes()
	numEdges := in.Edges.Shape().Dimensions[0]

	state := maskNodes(InitialState(in.Features, outputDim), in.NodeMask)
	if numSteps <= 0 {
		return state
	}
	state = Reshape(state, numSlots, outputDim)

	kernels := ctx.VariableWithShape("edge_type_kernels",
		shapes.Make(dtype, numEdgeTypes, outputDim, outputDim)).ValueGraph(g)
	biases := ctx.WithInitializer(initializers.Zero).VariableWithShape("edge_type_biases",
		shapes.Make(dtype, numEdgeTypes, outputDim)).ValueGraph(g)
	kernels = Reshape(kernels, numEdgeTypes*outputDim, outputDim)
	gru := NewGRUCell(ctx.In("gru"), g, dtype, outputDim, outputDim)

	// Messages are gathered from the source node and summed per (target node, edge type):
	// the per-type transform is linear, so it can be applied after the sum.
	sources := Slice(in.Edges, AxisRange(), AxisElem(0))
	targetsAndTypes := Concatenate([]*Node{
		Slice(in.Edges, AxisRange(), AxisElem(2)),
		Slice(in.Edges, AxisRange(), AxisElem(1)),
	}, -1)
	edgeMask := BroadcastToDims(InsertAxes(in.EdgeMask, -1), numEdges, outputDim)

	// Each incoming edge of type t adds the bias b_t once.
	incomingCounts := ScatterSum(
		Zeros(g, shapes.Make(dtype, numSlots, numEdgeTypes)),
		targetsAndTypes, ConvertDType(in.EdgeMask, dtype), false, false)
	messageBias := MatMul(incomingCounts, biases)

	for range numSteps {
		messages := Gather(state, sources)
		messages = Where(edgeMask, messages, ZerosLike(messages))
		aggregated := ScatterSum(
			Zeros(g, shapes.Make(dtype, numSlots, numEdgeTypes, outputDim)),
			targetsAndTypes, messages, false, false)
		aggregated = Reshape(aggregated, numSlots, numEdgeTypes*outputDim)
		input := Add(MatMul(aggregated, kernels), messageBias)
		state = gru.Step(input, state)
	}
	state = Reshape(state, in.NumGraphs(), in.MaxNodes(), outputDim)
	return maskNodes(state, in.NodeMask)
}

// maskNodes zeroes the rows of x ([numGraphs, maxNodes, dim]) where nodeMask ([numGraphs, maxNodes]) is false.
func maskNodes(x, nodeMask *Node) *Node {
	mask := BroadcastToDims(InsertAxes(nodeMask, -1), x.Shape().Dimensions...)
	return Where(mask, x, ZerosLike(x))
}
