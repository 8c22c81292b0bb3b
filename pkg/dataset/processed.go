// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package dataset

import (
	"compress/gzip"
	"encoding/gob"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/devign/pkg/graphs"
)

// processedVersion is bumped whenever the processed file layout changes.
const processedVersion = 1

type processedFile struct {
	Version        int
	Schema         Schema
	FeatureSize    int
	EdgeTypeLabels []string
	Train          []*graphs.Example
	Valid          []*graphs.Example
	Test           []*graphs.Example
}

// SaveProcessed writes the parsed dataset (gob, gzip compressed), so it can be reloaded without parsing.
func SaveProcessed(filePath string, ds *Dataset) error {
	f, err := os.Create(filePath)
	if err != nil {
		return errors.Wrapf(err, "failed to create processed dataset file %q", filePath)
	}
	zw := gzip.NewWriter(f)
	pf := processedFile{
		Version:        processedVersion,
		Schema:         ds.Schema,
		FeatureSize:    ds.FeatureSize,
		EdgeTypeLabels: ds.EdgeTypes.Labels(),
		Train:          ds.Examples[TypeTrain],
		Valid:          ds.Examples[TypeValid],
		Test:           ds.Examples[TypeTest],
	}
	if err = gob.NewEncoder(zw).Encode(&pf); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "failed to encode processed dataset to %q", filePath)
	}
	if err = zw.Close(); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "failed to compress processed dataset to %q", filePath)
	}
	if err = f.Close(); err != nil {
		return errors.Wrapf(err, "failed to close %q", filePath)
	}
	if info, err := os.Stat(filePath); err == nil {
		klog.V(1).Infof("Saved processed dataset to %q (%s)", filePath, humanize.Bytes(uint64(info.Size())))
	}
	return nil
}

// LoadProcessed reads a dataset written by SaveProcessed.
func LoadProcessed(filePath string) (*Dataset, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open processed dataset %q", filePath)
	}
	defer func() { _ = f.Close() }()
	zr, err := gzip.NewReader(f)
	if err != nil {
		return nil, errors.Wrapf(graphs.ErrDataFormat, "processed dataset %q: %v", filePath, err)
	}
	var pf processedFile
	if err = gob.NewDecoder(zr).Decode(&pf); err != nil {
		return nil, errors.Wrapf(graphs.ErrDataFormat, "processed dataset %q: %v", filePath, err)
	}
	if pf.Version != processedVersion {
		return nil, errors.Wrapf(graphs.ErrDataFormat, "processed dataset %q has version %d, expected %d",
			filePath, pf.Version, processedVersion)
	}
	ds := &Dataset{
		Schema:      pf.Schema,
		FeatureSize: pf.FeatureSize,
		EdgeTypes:   graphs.NewEdgeTypes(),
		Examples: map[SplitType][]*graphs.Example{
			TypeTrain: pf.Train,
			TypeValid: pf.Valid,
			TypeTest:  pf.Test,
		},
	}
	for _, label := range pf.EdgeTypeLabels {
		ds.EdgeTypes.ID(label)
	}
	return ds, nil
}
