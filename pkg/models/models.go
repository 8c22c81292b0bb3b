// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package models implements the vulnerability classifiers built on the GGNN engine: GGNNSum and Devign.
//
// Both are train.ModelFn compatible: they take the inputs generated by graphs.Batch.Tensors and return
// one prediction per graph, the probability of the graph being vulnerable, shaped [numGraphs].
package models

import (
	"maps"
	"slices"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/train"

	"github.com/gomlx/devign/pkg/ggnn"
)

const (
	// ParamModelType is the context hyperparameter selecting the model, one of ValidModels.
	ParamModelType = "model_type"

	// Scope under which all model variables are created.
	Scope = "model"

	// DefaultNumSteps of GGNN propagation.
	DefaultNumSteps = 6

	// DefaultGraphEmbedSize is the default width of the node states.
	DefaultGraphEmbedSize = 200
)

// ModelDevign and ModelGGNN are the names of the models in ValidModels.
const (
	ModelDevign = "devign"
	ModelGGNN   = "ggnn"
)

// ValidModels maps the model types to their graph building functions.
var ValidModels = map[string]GraphModel{
	ModelDevign: Devign,
	ModelGGNN:   GGNNSum,
}

// GraphModel builds the predictions, shaped [numGraphs], for the given inputs.
type GraphModel func(ctx *context.Context, in *ggnn.Inputs) *Node

// ModelTypes returns the sorted list of valid model types.
func ModelTypes() []string {
	return slices.Sorted(maps.Keys(ValidModels))
}

// ModelFn implements train.ModelFn: it selects the model from the ParamModelType hyperparameter.
func ModelFn(ctx *context.Context, spec any, inputs []*Node) []*Node {
	_ = spec
	modelType := context.GetParamOr(ctx, ParamModelType, ModelGGNN)
	model, found := ValidModels[modelType]
	if !found {
		exceptions.Panicf("hyperparameter %q must be one of %q, got %q", ParamModelType, ModelTypes(), modelType)
	}
	return []*Node{model(ctx, ggnn.NewInputs(inputs))}
}

var _ train.ModelFn = ModelFn

// propagate runs the GGNN engine configured from the context hyperparameters.
func propagate(ctx *context.Context, in *ggnn.Inputs) *Node {
	outputDim := context.GetParamOr(ctx, ggnn.ParamGraphEmbedSize, DefaultGraphEmbedSize)
	numEdgeTypes := context.GetParamOr(ctx, ggnn.ParamNumEdgeTypes, 1)
	numSteps := context.GetParamOr(ctx, ggnn.ParamNumSteps, DefaultNumSteps)
	return ggnn.Propagate(ctx, in, outputDim, numEdgeTypes, numSteps)
}

// GGNNSum propagates, reads out one embedding per graph and classifies it with a linear layer.
func GGNNSum(ctx *context.Context, in *ggnn.Inputs) *Node {
	embeddings := ggnnSumEmbeddings(ctx, in)
	logits := layers.DenseWithBias(ctx.In("classifier"), embeddings, 1)
	return Sigmoid(Reshape(logits, in.NumGraphs()))
}

func ggnnSumEmbeddings(ctx *context.Context, in *ggnn.Inputs) *Node {
	states := propagate(ctx, in)
	return ggnn.Readout(ctx, in.Features, states, in.NodeMask, in.GraphIndex, in.NumGraphs())
}

// GraphEmbeddings returns one embedding per graph, shaped [numGraphs, embedSize], using the trained
// variables of the model selected by ParamModelType.
//
// For GGNNSum it is the readout embedding the classifier sees. Devign has no readout, so it is the
// sum of the final node states of each graph.
func GraphEmbeddings(ctx *context.Context, inputs []*Node) *Node {
	in := ggnn.NewInputs(inputs)
	switch modelType := context.GetParamOr(ctx, ParamModelType, ModelGGNN); modelType {
	case ModelGGNN:
		return ggnnSumEmbeddings(ctx, in)
	case ModelDevign:
		states := propagate(ctx.In(devignScope), in)
		return ReduceSum(states, 1)
	default:
		exceptions.Panicf("hyperparameter %q must be one of %q, got %q", ParamModelType, ModelTypes(), modelType)
	}
	return nil
}
