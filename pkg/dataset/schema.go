// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package dataset loads the train/valid/test code-graph splits from the JSON files produced by the
// graph extraction step, and iterates over them in batches.
package dataset

import (
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/gomlx/devign/pkg/graphs"
)

// Schema names the JSON fields of each entry. It is resolved once per load.
type Schema struct {
	// NodeField holds the per-node feature vectors: [][]float.
	NodeField string `yaml:"node_tag"`

	// EdgeField holds the edge list: [][source, edge type, target]. Edge types may be ints or strings.
	EdgeField string `yaml:"graph_tag"`

	// LabelField holds the binary label: an int, a bool, or nested arrays of those (e.g. [[1]]).
	LabelField string `yaml:"label_tag"`
}

// DefaultSchema returns the field names used by the Devign extraction scripts.
func DefaultSchema() Schema {
	return Schema{NodeField: "node_features", EdgeField: "graph", LabelField: "target"}
}

// WithDefaults fills empty field names with the default ones.
func (s Schema) WithDefaults() Schema {
	def := DefaultSchema()
	if s.NodeField == "" {
		s.NodeField = def.NodeField
	}
	if s.EdgeField == "" {
		s.EdgeField = def.EdgeField
	}
	if s.LabelField == "" {
		s.LabelField = def.LabelField
	}
	return s
}

// rawExample is a parsed entry whose edge types are not yet mapped to ids.
type rawExample struct {
	features [][]float32
	edges    [][3]any
	label    int
}

// parseEntry decodes one JSON object according to the schema.
func (s Schema) parseEntry(entry map[string]json.RawMessage) (*rawExample, error) {
	raw := &rawExample{}
	nodesJSON, found := entry[s.NodeField]
	if !found {
		return nil, errors.Wrapf(graphs.ErrDataFormat, "missing node field %q", s.NodeField)
	}
	if err := json.Unmarshal(nodesJSON, &raw.features); err != nil {
		return nil, errors.Wrapf(graphs.ErrDataFormat, "node field %q: %v", s.NodeField, err)
	}

	edgesJSON, found := entry[s.EdgeField]
	if !found {
		return nil, errors.Wrapf(graphs.ErrDataFormat, "missing edge field %q", s.EdgeField)
	}
	var edges [][]any
	if err := json.Unmarshal(edgesJSON, &edges); err != nil {
		return nil, errors.Wrapf(graphs.ErrDataFormat, "edge field %q: %v", s.EdgeField, err)
	}
	raw.edges = make([][3]any, len(edges))
	for ii, edge := range edges {
		if len(edge) != 3 {
			return nil, errors.Wrapf(graphs.ErrDataFormat, "edge #%d has %d elements, expected [source, type, target]",
				ii, len(edge))
		}
		raw.edges[ii] = [3]any{edge[0], edge[1], edge[2]}
	}

	labelJSON, found := entry[s.LabelField]
	if !found {
		return nil, errors.Wrapf(graphs.ErrDataFormat, "missing label field %q", s.LabelField)
	}
	var label any
	if err := json.Unmarshal(labelJSON, &label); err != nil {
		return nil, errors.Wrapf(graphs.ErrDataFormat, "label field %q: %v", s.LabelField, err)
	}
	var err error
	raw.label, err = firstScalarLabel(label)
	if err != nil {
		return nil, errors.WithMessagef(err, "label field %q", s.LabelField)
	}
	return raw, nil
}

// firstScalarLabel digs into nested arrays and returns the first scalar as a 0/1 label.
func firstScalarLabel(value any) (int, error) {
	switch v := value.(type) {
	case float64:
		if v != 0 && v != 1 {
			return 0, errors.Wrapf(graphs.ErrDataFormat, "label must be 0 or 1, got %g", v)
		}
		return int(v), nil
	case bool:
		if v {
			return 1, nil
		}
		return 0, nil
	case []any:
		if len(v) == 0 {
			return 0, errors.Wrap(graphs.ErrDataFormat, "empty label")
		}
		return firstScalarLabel(v[0])
	default:
		return 0, errors.Wrapf(graphs.ErrDataFormat, "invalid label %v (%T)", value, value)
	}
}

// nodeIndex converts a JSON number to a node index.
func nodeIndex(value any) (int, error) {
	v, ok := value.(float64)
	if !ok || v != float64(int(v)) {
		return 0, errors.Wrapf(graphs.ErrDataFormat, "invalid node index %v", value)
	}
	return int(v), nil
}

// resolve maps the edge labels to ids, in edge order, and builds the Example.
func (raw *rawExample) resolve(edgeTypes *graphs.EdgeTypes) (*graphs.Example, error) {
	example := &graphs.Example{Features: raw.features, Label: raw.label}
	if len(raw.edges) > 0 {
		example.Edges = make([]graphs.Edge, len(raw.edges))
	}
	for ii, edge := range raw.edges {
		source, err := nodeIndex(edge[0])
		if err != nil {
			return nil, errors.WithMessagef(err, "edge #%d source", ii)
		}
		target, err := nodeIndex(edge[2])
		if err != nil {
			return nil, errors.WithMessagef(err, "edge #%d target", ii)
		}
		example.Edges[ii] = graphs.Edge{Source: source, Type: edgeTypes.ID(edge[1]), Target: target}
	}
	return example, nil
}
