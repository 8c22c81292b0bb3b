// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package export writes the graph embeddings computed by a trained model, so they can be used by
// downstream classifiers.
package export

import (
	"encoding/json"
	"io"
	"os"
	"path/filepath"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"

	"github.com/gomlx/devign/pkg/compute"
	"github.com/gomlx/devign/pkg/dataset"
	"github.com/gomlx/devign/pkg/models"
)

// DirName is the subdirectory of the input directory where embeddings are written.
const DirName = "after_ggnn"

// Order in which the splits are exported.
var Order = []dataset.SplitType{dataset.TypeTest, dataset.TypeValid, dataset.TypeTrain}

// Record is the exported embedding of one graph.
type Record struct {
	GraphFeature []float32 `json:"graph_feature"`
	Target       int       `json:"target"`
}

// Path returns the file where the embeddings of the split are written, e.g.
// "<inputDir>/after_ggnn/test_GGNNinput_graph.json".
func Path(inputDir string, splitType dataset.SplitType) string {
	return filepath.Join(inputDir, DirName, splitType.String()+"_GGNNinput_graph.json")
}

// Exporter computes graph embeddings with a trained model.
type Exporter struct {
	cc    *compute.Context
	exec  *context.Exec
	Quiet bool
}

// New creates an Exporter for the model in ctx (not scoped: the model scope is added).
func New(cc *compute.Context, ctx *context.Context) (*Exporter, error) {
	exec, err := context.NewExec(cc.Backend, ctx.In(models.Scope).Reuse(),
		func(ctx *context.Context, inputs []*Node) *Node {
			return models.GraphEmbeddings(ctx, inputs)
		})
	if err != nil {
		return nil, errors.WithMessage(err, "failed to create embeddings exporter")
	}
	return &Exporter{cc: cc, exec: exec}, nil
}

// Embed returns one record per example of the split, in order.
func (e *Exporter) Embed(split *dataset.Split) ([]Record, error) {
	split.Reset()
	records := make([]Record, 0, split.Len())
	bar := progressbar.NewOptions(split.Len(),
		progressbar.OptionSetDescription("embedding "+split.Name()),
		progressbar.OptionSetVisibility(!e.Quiet),
		progressbar.OptionShowCount(),
		progressbar.OptionClearOnFinish())
	defer func() { _ = bar.Finish() }()
	for {
		batch, err := split.NextBatch()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		placed := e.cc.Place(batch)
		if err = e.cc.Check(placed.Placement); err != nil {
			placed.Finalize()
			return nil, err
		}
		args := make([]any, len(placed.Inputs))
		for ii, t := range placed.Inputs {
			args[ii] = t
		}
		embeddings, err := e.exec.Exec1(args...)
		placed.Finalize()
		if err != nil {
			return nil, errors.WithMessagef(err, "while computing embeddings of split %q", split.Name())
		}
		embedSize := embeddings.Shape().Dimensions[1]
		flat := tensors.CopyFlatData[float32](embeddings)
		embeddings.FinalizeAll()
		for graphIdx, label := range batch.RealLabels() {
			records = append(records, Record{
				GraphFeature: flat[graphIdx*embedSize : (graphIdx+1)*embedSize],
				Target:       int(label),
			})
		}
		_ = bar.Add(batch.NumGraphs)
	}
	return records, nil
}

// WriteRecords writes the records as a JSON array to filePath, atomically: the contents are written to a
// temporary file in the same directory, which is then renamed.
func WriteRecords(filePath string, records []Record) error {
	dir := filepath.Dir(filePath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.Wrapf(err, "failed to create directory %q", dir)
	}
	tmpPath := filepath.Join(dir, "."+filepath.Base(filePath)+"."+uuid.NewString()+".tmp")
	contents, err := json.Marshal(records)
	if err != nil {
		return errors.Wrap(err, "failed to encode embeddings")
	}
	if err = os.WriteFile(tmpPath, contents, 0644); err != nil {
		return errors.Wrapf(err, "failed to write %q", tmpPath)
	}
	if err = os.Rename(tmpPath, filePath); err != nil {
		_ = os.Remove(tmpPath)
		return errors.Wrapf(err, "failed to rename %q to %q", tmpPath, filePath)
	}
	return nil
}

// All exports the embeddings of every non-empty split of ds to inputDir, in Order, and returns the
// paths written.
func (e *Exporter) All(ds *dataset.Dataset, inputDir string, batchSize int) ([]string, error) {
	var paths []string
	for _, splitType := range Order {
		examples := ds.Split(splitType)
		if len(examples) == 0 {
			continue
		}
		split, err := dataset.NewSplit(splitType.String(), examples, ds.FeatureSize, ds.NumEdgeTypes(), batchSize)
		if err != nil {
			return nil, err
		}
		records, err := e.Embed(split)
		if err != nil {
			return nil, err
		}
		filePath := Path(inputDir, splitType)
		if err = WriteRecords(filePath, records); err != nil {
			return nil, err
		}
		klog.Infof("Wrote %d %s graph embeddings to %q", len(records), splitType, filePath)
		paths = append(paths, filePath)
	}
	return paths, nil
}
