// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package export

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	_ "github.com/gomlx/gomlx/backends/default"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/devign/pkg/compute"
	"github.com/gomlx/devign/pkg/dataset"
	"github.com/gomlx/devign/pkg/ggnn"
	"github.com/gomlx/devign/pkg/graphs"
	"github.com/gomlx/devign/pkg/models"
)

func makeExamples(n, label int) []*graphs.Example {
	examples := make([]*graphs.Example, n)
	for ii := range examples {
		examples[ii] = &graphs.Example{
			Features: [][]float32{{1, float32(ii), 0}, {0, 1, float32(ii)}},
			Edges:    []graphs.Edge{{Source: 0, Type: 0, Target: 1}},
			Label:    label,
		}
	}
	return examples
}

func readRecords(t *testing.T, filePath string) []Record {
	contents, err := os.ReadFile(filePath)
	require.NoError(t, err)
	var records []Record
	require.NoError(t, json.Unmarshal(contents, &records))
	return records
}

func TestWriteRecords(t *testing.T) {
	dir := t.TempDir()
	filePath := filepath.Join(dir, DirName, "x.json")
	require.NoError(t, WriteRecords(filePath, []Record{{GraphFeature: []float32{1, 2}, Target: 1}}))
	require.NoError(t, WriteRecords(filePath, []Record{{GraphFeature: []float32{3}, Target: 0}}))
	assert.Equal(t, []Record{{GraphFeature: []float32{3}, Target: 0}}, readRecords(t, filePath))
	entries, err := os.ReadDir(filepath.Dir(filePath))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temporary files left behind")

	contents, err := os.ReadFile(filePath)
	require.NoError(t, err)
	assert.JSONEq(t, `[{"graph_feature": [3], "target": 0}]`, string(contents))
}

func TestExporter(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	cc := compute.New(backend)
	edgeTypes := graphs.NewEdgeTypes()
	edgeTypes.ID("AST")
	ds := &dataset.Dataset{
		Schema:      dataset.DefaultSchema(),
		FeatureSize: 3,
		EdgeTypes:   edgeTypes,
		Examples: map[dataset.SplitType][]*graphs.Example{
			dataset.TypeTrain: makeExamples(5, 1),
			dataset.TypeTest:  makeExamples(2, 0),
		},
	}

	const embedSize = 4
	ctx := context.New()
	ctx.SetParams(map[string]any{
		models.ParamModelType:    models.ModelGGNN,
		ggnn.ParamNumSteps:       1,
		ggnn.ParamGraphEmbedSize: embedSize,
		ggnn.ParamNumEdgeTypes:   ds.NumEdgeTypes(),
	})
	// Create the model variables.
	batch, err := graphs.NewBatch(ds.Split(dataset.TypeTest), ds.FeatureSize, ds.NumEdgeTypes())
	require.NoError(t, err)
	inputs, _ := batch.Tensors()
	args := make([]any, len(inputs))
	for ii, input := range inputs {
		args[ii] = input
	}
	want := context.MustExecOnce(backend, ctx.In(models.Scope), func(ctx *context.Context, inputs []*Node) *Node {
		return models.GraphEmbeddings(ctx, inputs)
	}, args...)

	exporter, err := New(cc, ctx)
	require.NoError(t, err)
	exporter.Quiet = true
	dir := t.TempDir()
	paths, err := exporter.All(ds, dir, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{Path(dir, dataset.TypeTest), Path(dir, dataset.TypeTrain)}, paths)

	testRecords := readRecords(t, paths[0])
	require.Len(t, testRecords, 2)
	wantFlat := tensors.CopyFlatData[float32](want)
	for ii, record := range testRecords {
		assert.Equal(t, 0, record.Target)
		assert.InDeltaSlice(t, wantFlat[ii*embedSize:(ii+1)*embedSize], record.GraphFeature, 1e-5)
	}
	trainRecords := readRecords(t, paths[1])
	require.Len(t, trainRecords, 5)
	for _, record := range trainRecords {
		assert.Equal(t, 1, record.Target)
		assert.Len(t, record.GraphFeature, embedSize)
	}
	assert.NoFileExists(t, Path(dir, dataset.TypeValid))
}
