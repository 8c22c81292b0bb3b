// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ggnn

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
	"github.com/gomlx/gopjrt/dtypes"
)

// GRUCell holds the weights of a gated recurrent unit, so it can be applied to many steps.
//
// The gates follow the usual formulation, with reset (r), update (z) and new (n) gates:
//
//	r = σ(W_ir·x + b_ir + W_hr·h + b_hr)
//	z = σ(W_iz·x + b_iz + W_hz·h + b_hz)
//	n = tanh(W_in·x + b_in + r ⊙ (W_hn·h + b_hn))
//	h' = (1 - z) ⊙ n + z ⊙ h
type GRUCell struct {
	inputKernel, recurrentKernel *Node
	inputBias, recurrentBias     *Node
	hiddenDim                    int
}

// NewGRUCell creates (or reuses) the GRU variables in ctx, and returns a cell that can be applied to
// inputs of width inputDim and states of width hiddenDim.
func NewGRUCell(ctx *context.Context, g *Graph, dtype dtypes.DType, inputDim, hiddenDim int) *GRUCell {
	zeroCtx := ctx.WithInitializer(initializers.Zero)
	return &GRUCell{
		inputKernel: ctx.VariableWithShape("input_kernel",
			shapes.Make(dtype, inputDim, 3*hiddenDim)).ValueGraph(g),
		recurrentKernel: ctx.VariableWithShape("recurrent_kernel",
			shapes.Make(dtype, hiddenDim, 3*hiddenDim)).ValueGraph(g),
		inputBias: zeroCtx.VariableWithShape("input_bias",
			shapes.Make(dtype, 3*hiddenDim)).ValueGraph(g),
		recurrentBias: zeroCtx.VariableWithShape("recurrent_bias",
			shapes.Make(dtype, 3*hiddenDim)).ValueGraph(g),
		hiddenDim: hiddenDim,
	}
}

// Step returns the new state given x ([batch, inputDim]) and state ([batch, hiddenDim]).
func (c *GRUCell) Step(x, state *Node) *Node {
	d := c.hiddenDim
	inputProj := Add(MatMul(x, c.inputKernel), InsertAxes(c.inputBias, 0))
	recurrentProj := Add(MatMul(state, c.recurrentKernel), InsertAxes(c.recurrentBias, 0))
	gate := func(proj *Node, idx int) *Node {
		return Slice(proj, AxisRange(), AxisRange(idx*d, (idx+1)*d))
	}
	reset := Sigmoid(Add(gate(inputProj, 0), gate(recurrentProj, 0)))
	update := Sigmoid(Add(gate(inputProj, 1), gate(recurrentProj, 1)))
	candidate := Tanh(Add(gate(inputProj, 2), Mul(reset, gate(recurrentProj, 2))))
	return Add(Mul(OneMinus(update), candidate), Mul(update, state))
}
