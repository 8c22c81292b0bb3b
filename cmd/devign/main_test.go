// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/devign/pkg/compute"
	"github.com/gomlx/devign/pkg/config"
	"github.com/gomlx/devign/pkg/dataset"
	"github.com/gomlx/devign/pkg/export"
)

// writeSplit writes n examples of 3 nodes with 4 features: label 1 examples have a CFG loop.
func writeSplit(dir string, splitType dataset.SplitType, n int) {
	var entries []string
	for ii := range n {
		label := ii % 2
		edges := `[[0, "AST", 1], [1, "AST", 2]]`
		if label == 1 {
			edges = `[[0, "AST", 1], [1, "CFG", 2], [2, "CFG", 0]]`
		}
		entries = append(entries, fmt.Sprintf(
			`{"node_features": [[1,0,0,%d],[0,1,0,0],[0,0,1,0]], "graph": %s, "target": %d}`,
			label, edges, label))
	}
	contents := "[" + strings.Join(entries, ",\n") + "]"
	must.M(os.WriteFile(filepath.Join(dir, splitType.FileName()), []byte(contents), 0644))
}

func TestParse(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "devign.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte(`
dataset: chrome
input_dir: /data/chrome
batch_size: 64
num_steps: 8
`), 0644))

	f := newFlags("devign")
	cfg, err := f.parse([]string{"-config", configPath, "-batch_size=16", "-feature_size=32"})
	require.NoError(t, err)
	assert.Equal(t, "chrome", cfg.Dataset)
	assert.Equal(t, 16, cfg.BatchSize, "explicit flags override the configuration file")
	assert.Equal(t, 8, cfg.NumSteps)
	assert.Equal(t, 32, cfg.FeatureSize)
	assert.Equal(t, config.Default().GraphEmbedSize, cfg.GraphEmbedSize)

	f = newFlags("devign")
	cfg, err = f.parse([]string{"-dataset=ffmpeg", "-input_dir=/data", "-feature_size=300"})
	require.NoError(t, err)
	assert.Equal(t, 300, cfg.GraphEmbedSize)

	f = newFlags("devign")
	_, err = f.parse([]string{"-input_dir=/data"})
	require.Error(t, err, "dataset is required")
}

func TestRun(t *testing.T) {
	cc := compute.New(graphtest.BuildTestBackend())
	inputDir := t.TempDir()
	writeSplit(inputDir, dataset.TypeTrain, 8)
	writeSplit(inputDir, dataset.TypeValid, 4)
	writeSplit(inputDir, dataset.TypeTest, 4)
	modelsDir := t.TempDir()

	var out bytes.Buffer
	err := run(cc, newFlags("devign"), []string{
		"-quiet", "-dataset=toy", "-input_dir=" + inputDir, "-models_dir=" + modelsDir,
		"-model_type=ggnn", "-feature_size=4", "-graph_embed_size=8", "-num_steps=2",
		"-batch_size=4", "-max_steps=6", "-dev_every=2", "-max_patience=2", "-save_after_ggnn",
		"-set=ggnn_readout_size=4",
	}, &out)
	require.NoError(t, err)
	assert.Contains(t, out.String(), "valid")
	assert.Contains(t, out.String(), "test")
	assert.DirExists(t, filepath.Join(modelsDir, "toy", config.CheckpointName))
	for _, splitType := range export.Order {
		assert.FileExists(t, export.Path(inputDir, splitType))
	}

	err = run(cc, newFlags("devign"), []string{
		"-quiet", "-dataset=toy", "-input_dir=" + inputDir, "-models_dir=" + modelsDir, "-feature_size=5",
	}, &out)
	require.Error(t, err, "feature size doesn't match the dataset")
}
