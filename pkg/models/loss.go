// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package models

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/train"
)

// probabilityEpsilon bounds the predictions away from 0 and 1 before taking the log.
const probabilityEpsilon = 1e-7

// Loss is the binary cross-entropy between the predicted probabilities and the labels, summed over the
// real graphs of the batch. It implements train.LossFn.
//
// labels are the labels [numGraphs] and the graph mask [numGraphs], as returned by graphs.Batch.Tensors.
func Loss(labels, predictions []*Node) *Node {
	targets, graphMask := labels[0], labels[1]
	probs := ClipScalar(predictions[0], probabilityEpsilon, 1-probabilityEpsilon)
	targets = ConvertDType(targets, probs.DType())
	perGraph := Neg(Add(
		Mul(targets, Log(probs)),
		Mul(OneMinus(targets), Log(OneMinus(probs)))))
	perGraph = Where(graphMask, perGraph, ZerosLike(perGraph))
	return ReduceAllSum(perGraph)
}

var _ train.LossFn = Loss
