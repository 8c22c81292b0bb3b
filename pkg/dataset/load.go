// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package dataset

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"

	"github.com/gomlx/devign/internal/parallel"
	"github.com/gomlx/devign/pkg/graphs"
)

// SplitType enumerates the dataset splits.
type SplitType int

const (
	TypeTrain SplitType = iota
	TypeValid
	TypeTest
)

// AllSplits in the order they are read.
var AllSplits = []SplitType{TypeTrain, TypeValid, TypeTest}

// String implements fmt.Stringer.
func (t SplitType) String() string {
	switch t {
	case TypeTrain:
		return "train"
	case TypeValid:
		return "valid"
	case TypeTest:
		return "test"
	}
	return fmt.Sprintf("SplitType(%d)", int(t))
}

// FileName returns the name of the split's input file, e.g. "train_GGNNinput.json".
func (t SplitType) FileName() string {
	return t.String() + "_GGNNinput.json"
}

// ProcessedFileName is the name of the cache of the parsed dataset, in the input directory.
const ProcessedFileName = "processed.bin"

// Dataset holds the three splits in memory for the lifetime of the process.
type Dataset struct {
	Schema      Schema
	FeatureSize int
	EdgeTypes   *graphs.EdgeTypes
	Examples    map[SplitType][]*graphs.Example
}

// Split returns the examples of one split.
func (ds *Dataset) Split(t SplitType) []*graphs.Example { return ds.Examples[t] }

// NumEdgeTypes the models should be configured with.
func (ds *Dataset) NumEdgeTypes() int { return ds.EdgeTypes.NumTypes() }

// LoadOptions configures Load.
type LoadOptions struct {
	Schema Schema

	// UseProcessed loads the parsed dataset from ProcessedFileName if it exists, and otherwise writes it
	// there after parsing.
	UseProcessed bool

	// Parallelism for parsing. 0 uses runtime.NumCPU().
	Parallelism int

	// Quiet disables the progress bars.
	Quiet bool
}

// Load reads the train, valid and test files from inputDir.
//
// The train file is required, the others are optional (their splits will be empty).
// The feature size is taken from the first train example, and every other example must match it,
// otherwise an error wrapping graphs.ErrDimensionMismatch is returned.
// Malformed entries return an error wrapping graphs.ErrDataFormat.
func Load(inputDir string, opts LoadOptions) (*Dataset, error) {
	opts.Schema = opts.Schema.WithDefaults()
	processedPath := filepath.Join(inputDir, ProcessedFileName)
	if opts.UseProcessed {
		if _, err := os.Stat(processedPath); err == nil {
			klog.Infof("Reading already processed data from %q", processedPath)
			ds, err := LoadProcessed(processedPath)
			if err != nil {
				return nil, err
			}
			if ds.Schema != opts.Schema {
				return nil, errors.Wrapf(graphs.ErrConfiguration,
					"processed dataset %q was built with schema %+v, but %+v was requested", processedPath,
					ds.Schema, opts.Schema)
			}
			return ds, nil
		}
	}

	pool := parallel.New()
	if opts.Parallelism != 0 {
		pool = parallel.NewWithParallelism(opts.Parallelism)
	}
	ds := &Dataset{
		Schema:    opts.Schema,
		EdgeTypes: graphs.NewEdgeTypes(),
		Examples:  make(map[SplitType][]*graphs.Example),
	}
	for _, splitType := range AllSplits {
		filePath := filepath.Join(inputDir, splitType.FileName())
		if splitType != TypeTrain {
			if _, err := os.Stat(filePath); os.IsNotExist(err) {
				klog.Warningf("Split %q not found in %q, it will be empty", splitType, filePath)
				continue
			}
		}
		raws, err := readSplitFile(pool, filePath, opts)
		if err != nil {
			return nil, errors.WithMessagef(err, "while reading %s split", splitType)
		}
		examples := make([]*graphs.Example, len(raws))
		for ii, raw := range raws {
			examples[ii], err = raw.resolve(ds.EdgeTypes)
			if err != nil {
				return nil, errors.WithMessagef(err, "%s entry #%d", filePath, ii)
			}
			if ds.FeatureSize == 0 {
				ds.FeatureSize = examples[ii].FeatureSize()
				klog.V(1).Infof("Feature size %d", ds.FeatureSize)
			}
			if err = examples[ii].Validate(ds.FeatureSize, ds.EdgeTypes.NumTypes()); err != nil {
				return nil, errors.WithMessagef(err, "%s entry #%d", filePath, ii)
			}
		}
		ds.Examples[splitType] = examples
		klog.V(1).Infof("Read %d %s examples", len(examples), splitType)
	}
	if len(ds.Examples[TypeTrain]) == 0 {
		return nil, errors.Wrapf(graphs.ErrDataFormat, "no train examples in %q", inputDir)
	}
	klog.Infof("Dataset %q: train=%d, valid=%d, test=%d examples, feature size %d, %d edge types",
		inputDir, len(ds.Examples[TypeTrain]), len(ds.Examples[TypeValid]), len(ds.Examples[TypeTest]),
		ds.FeatureSize, ds.EdgeTypes.Len())

	if opts.UseProcessed {
		if err := SaveProcessed(processedPath, ds); err != nil {
			return nil, err
		}
	}
	return ds, nil
}

// readSplitFile parses the JSON array of entries in filePath, decoding the entries in parallel.
func readSplitFile(pool *parallel.Pool, filePath string, opts LoadOptions) ([]*rawExample, error) {
	contents, err := os.ReadFile(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read %q", filePath)
	}
	var entries []map[string]json.RawMessage
	if err = json.Unmarshal(contents, &entries); err != nil {
		return nil, errors.Wrapf(graphs.ErrDataFormat, "%q is not a JSON array of objects: %v", filePath, err)
	}
	bar := progressbar.NewOptions(len(entries),
		progressbar.OptionSetDescription(filepath.Base(filePath)),
		progressbar.OptionSetVisibility(!opts.Quiet),
		progressbar.OptionShowCount(),
		progressbar.OptionClearOnFinish())
	defer func() { _ = bar.Finish() }()
	return parallel.Map(pool, entries, func(_ int, entry map[string]json.RawMessage) (*rawExample, error) {
		return opts.Schema.parseEntry(entry)
	}, func() { _ = bar.Add(1) })
}
