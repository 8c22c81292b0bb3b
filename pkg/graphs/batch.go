// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graphs

import (
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
)

const (
	// DefaultMinNodes is the smallest padded number of nodes per graph. The Devign convolution stack
	// needs at least 8 positions to produce one pooled output.
	DefaultMinNodes = 8

	// DefaultMinEdges is the smallest padded edge list length.
	DefaultMinEdges = 16
)

// Batch is the disjoint union of a list of examples, laid out for the model.
//
// Nodes are padded per graph to MaxNodes, so node i of graph b gets the global index b*MaxNodes+i,
// unique within the batch. The edge list is flat, with one (source, type, target) triplet per edge
// in global indices, padded to PaddedEdges. Graphs are padded to PaddedGraphs. Masks mark the real
// entries.
//
// MaxNodes and PaddedEdges are bucketed to powers of 2, to limit the number of different shapes
// (and hence of compiled graphs) the model sees.
type Batch struct {
	NumGraphs, PaddedGraphs int
	MaxNodes                int
	FeatureSize             int
	NumEdgeTypes            int
	NumEdges, PaddedEdges   int

	// Features is shaped [PaddedGraphs, MaxNodes, FeatureSize], zero on padding.
	Features []float32

	// NodeMask is shaped [PaddedGraphs, MaxNodes].
	NodeMask []bool

	// GraphIndex is shaped [PaddedGraphs * MaxNodes]: the graph each node slot belongs to.
	GraphIndex []int32

	// EdgeData is shaped [PaddedEdges, 3]: source, edge type, target.
	EdgeData []int32

	// EdgeMask is shaped [PaddedEdges].
	EdgeMask []bool

	// GraphMask is shaped [PaddedGraphs].
	GraphMask []bool

	// Labels is shaped [PaddedGraphs], 0 on padding.
	Labels []float32

	nodeCounts []int
}

type batchOptions struct {
	padGraphs, minNodes, minEdges int
}

// BatchOption configures NewBatch.
type BatchOption func(*batchOptions)

// WithPadGraphs pads the batch to n graphs: usually the batch size, so the last (partial) batch of a
// split has the same shape as the others.
func WithPadGraphs(n int) BatchOption {
	return func(o *batchOptions) { o.padGraphs = n }
}

// WithMinNodes sets the minimum padded number of nodes per graph. Default is DefaultMinNodes.
func WithMinNodes(n int) BatchOption {
	return func(o *batchOptions) { o.minNodes = n }
}

// NewBatch packs the examples, in order, into one Batch.
//
// It returns an error wrapping ErrDimensionMismatch if an example's feature width is not featureSize,
// or ErrDataFormat if an example is malformed.
func NewBatch(examples []*Example, featureSize, numEdgeTypes int, opts ...BatchOption) (*Batch, error) {
	if len(examples) == 0 {
		return nil, errors.Wrap(ErrDataFormat, "cannot create a batch without examples")
	}
	options := batchOptions{minNodes: DefaultMinNodes, minEdges: DefaultMinEdges}
	for _, opt := range opts {
		opt(&options)
	}
	if options.padGraphs > 0 && options.padGraphs < len(examples) {
		return nil, errors.Errorf("batch with %d examples cannot be padded to %d graphs",
			len(examples), options.padGraphs)
	}

	b := &Batch{
		NumGraphs:    len(examples),
		PaddedGraphs: max(len(examples), options.padGraphs),
		FeatureSize:  featureSize,
		NumEdgeTypes: numEdgeTypes,
		nodeCounts:   make([]int, len(examples)),
	}
	maxNodes := 0
	for ii, example := range examples {
		if err := example.Validate(featureSize, numEdgeTypes); err != nil {
			return nil, errors.WithMessagef(err, "example #%d of batch", ii)
		}
		b.nodeCounts[ii] = example.NumNodes()
		maxNodes = max(maxNodes, example.NumNodes())
		b.NumEdges += len(example.Edges)
	}
	b.MaxNodes = Bucket(maxNodes, options.minNodes)
	b.PaddedEdges = Bucket(b.NumEdges, options.minEdges)

	numSlots := b.PaddedGraphs * b.MaxNodes
	b.Features = make([]float32, numSlots*featureSize)
	b.NodeMask = make([]bool, numSlots)
	b.GraphIndex = make([]int32, numSlots)
	b.EdgeData = make([]int32, b.PaddedEdges*3)
	b.EdgeMask = make([]bool, b.PaddedEdges)
	b.GraphMask = make([]bool, b.PaddedGraphs)
	b.Labels = make([]float32, b.PaddedGraphs)

	for slot := range numSlots {
		b.GraphIndex[slot] = int32(slot / b.MaxNodes)
	}
	edgeIdx := 0
	for graphIdx, example := range examples {
		offset := graphIdx * b.MaxNodes
		for nodeIdx, row := range example.Features {
			copy(b.Features[(offset+nodeIdx)*featureSize:], row)
			b.NodeMask[offset+nodeIdx] = true
		}
		for _, edge := range example.Edges {
			b.EdgeData[edgeIdx*3] = int32(offset + edge.Source)
			b.EdgeData[edgeIdx*3+1] = int32(edge.Type)
			b.EdgeData[edgeIdx*3+2] = int32(offset + edge.Target)
			b.EdgeMask[edgeIdx] = true
			edgeIdx++
		}
		b.GraphMask[graphIdx] = true
		b.Labels[graphIdx] = float32(example.Label)
	}
	return b, nil
}

// Bucket rounds n up to the next power of 2, and at least to minValue.
func Bucket(n, minValue int) int {
	bucket := max(minValue, 1)
	for bucket < n {
		bucket <<= 1
	}
	return bucket
}

// TotalNodes is the number of real nodes in the batch.
func (b *Batch) TotalNodes() int {
	total := 0
	for _, count := range b.nodeCounts {
		total += count
	}
	return total
}

// NodeCounts returns the number of nodes of each real graph.
func (b *Batch) NodeCounts() []int { return b.nodeCounts }

// Membership returns, for each real node in concatenation order, the index of the graph it belongs to.
func (b *Batch) Membership() []int {
	membership := make([]int, 0, b.TotalNodes())
	for slot, valid := range b.NodeMask {
		if valid {
			membership = append(membership, int(b.GraphIndex[slot]))
		}
	}
	return membership
}

// Adjacency returns the (source, target) pairs, in global node indices, of the edges of the given type.
func (b *Batch) Adjacency(edgeType int) [][2]int {
	var pairs [][2]int
	for ii := range b.NumEdges {
		if int(b.EdgeData[ii*3+1]) == edgeType {
			pairs = append(pairs, [2]int{int(b.EdgeData[ii*3]), int(b.EdgeData[ii*3+2])})
		}
	}
	return pairs
}

// RealLabels returns the labels of the real (non-padding) graphs.
func (b *Batch) RealLabels() []float32 { return b.Labels[:b.NumGraphs] }

// NumInputs is the number of input tensors returned by Batch.Tensors.
const NumInputs = 6

// Tensors converts the batch to the model inputs and labels.
//
// Inputs, in order: features [B, N, F] float32, nodeMask [B, N] bool, graph index per node [B*N] int32,
// edges [E, 3] int32 (source, type, target), edgeMask [E] bool and graphMask [B] bool.
//
// Labels: labels [B] float32 and graphMask [B] bool.
func (b *Batch) Tensors() (inputs, labels []*tensors.Tensor) {
	numGraphs, numNodes := b.PaddedGraphs, b.MaxNodes
	inputs = []*tensors.Tensor{
		tensors.FromFlatDataAndDimensions(b.Features, numGraphs, numNodes, b.FeatureSize),
		tensors.FromFlatDataAndDimensions(b.NodeMask, numGraphs, numNodes),
		tensors.FromFlatDataAndDimensions(b.GraphIndex, numGraphs*numNodes),
		tensors.FromFlatDataAndDimensions(b.EdgeData, b.PaddedEdges, 3),
		tensors.FromFlatDataAndDimensions(b.EdgeMask, b.PaddedEdges),
		tensors.FromFlatDataAndDimensions(b.GraphMask, numGraphs),
	}
	labels = []*tensors.Tensor{
		tensors.FromFlatDataAndDimensions(b.Labels, numGraphs),
		tensors.FromFlatDataAndDimensions(b.GraphMask, numGraphs),
	}
	return
}
