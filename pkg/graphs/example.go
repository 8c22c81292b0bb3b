// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package graphs holds the host-side representation of code graphs: single examples, the
// edge-type vocabulary and the Batch container that packs several graphs into one disjoint union
// ready to be fed to the model.
package graphs

import (
	"fmt"

	"github.com/pkg/errors"
)

// Edge is a typed directed edge between two nodes of the same graph.
type Edge struct {
	Source, Type, Target int
}

// Example is one source-code graph: one feature vector per node, typed edges and a binary label.
type Example struct {
	// Features holds one row per node, all with the same width.
	Features [][]float32

	// Edges use node indices local to this graph, and edge type ids from an EdgeTypes vocabulary.
	Edges []Edge

	// Label is 1 for vulnerable, 0 otherwise.
	Label int
}

// NumNodes in the graph.
func (e *Example) NumNodes() int { return len(e.Features) }

// FeatureSize returns the width of the first node's feature vector, or 0 if there are no nodes.
func (e *Example) FeatureSize() int {
	if len(e.Features) == 0 {
		return 0
	}
	return len(e.Features[0])
}

// Validate checks that every node has featureSize features and that the edges are within the graph
// and typed within [0, numEdgeTypes).
func (e *Example) Validate(featureSize, numEdgeTypes int) error {
	if len(e.Features) == 0 {
		return errors.Wrap(ErrDataFormat, "graph has no nodes")
	}
	for ii, row := range e.Features {
		if len(row) != featureSize {
			return errors.Wrapf(ErrDimensionMismatch, "node #%d has %d features, expected feature_size=%d",
				ii, len(row), featureSize)
		}
	}
	numNodes := e.NumNodes()
	for ii, edge := range e.Edges {
		if edge.Source < 0 || edge.Source >= numNodes || edge.Target < 0 || edge.Target >= numNodes {
			return errors.Wrapf(ErrDataFormat, "edge #%d (%d -> %d) out of range for graph with %d nodes",
				ii, edge.Source, edge.Target, numNodes)
		}
		if edge.Type < 0 || edge.Type >= numEdgeTypes {
			return errors.Wrapf(ErrDataFormat, "edge #%d has type %d, but only %d edge types are configured",
				ii, edge.Type, numEdgeTypes)
		}
	}
	if e.Label != 0 && e.Label != 1 {
		return errors.Wrapf(ErrDataFormat, "label must be 0 or 1, got %d", e.Label)
	}
	return nil
}

// EdgeTypes maps the edge labels found in the data (ints or strings) to dense ids in first-seen order.
//
// It is not safe for concurrent use: ids must be assigned in a deterministic order.
type EdgeTypes struct {
	ids    map[string]int
	labels []string
}

// NewEdgeTypes returns an empty vocabulary.
func NewEdgeTypes() *EdgeTypes {
	return &EdgeTypes{ids: make(map[string]int)}
}

// ID returns the id for the label, assigning the next free one if it was never seen.
func (et *EdgeTypes) ID(label any) int {
	key := edgeLabelKey(label)
	if id, found := et.ids[key]; found {
		return id
	}
	id := len(et.labels)
	et.ids[key] = id
	et.labels = append(et.labels, key)
	return id
}

// Lookup returns the id of a known label.
func (et *EdgeTypes) Lookup(label any) (id int, found bool) {
	id, found = et.ids[edgeLabelKey(label)]
	return
}

// Len is the number of distinct edge types seen. The model needs at least one, see NumTypes.
func (et *EdgeTypes) Len() int { return len(et.labels) }

// NumTypes is the number of edge types to configure the model with: Len, but at least 1.
func (et *EdgeTypes) NumTypes() int { return max(et.Len(), 1) }

// Labels returns the labels in id order.
func (et *EdgeTypes) Labels() []string { return et.labels }

// String implements fmt.Stringer.
func (et *EdgeTypes) String() string {
	return fmt.Sprintf("EdgeTypes%q", et.labels)
}

// edgeLabelKey normalizes JSON decoded labels: whole float64 values print as ints, so that
// 1 and 1.0 map to the same type.
func edgeLabelKey(label any) string {
	switch v := label.(type) {
	case string:
		return v
	case float64:
		if v == float64(int64(v)) {
			return fmt.Sprintf("%d", int64(v))
		}
		return fmt.Sprintf("%g", v)
	default:
		return fmt.Sprint(v)
	}
}
