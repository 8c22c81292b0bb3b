// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package config holds the run configuration: its defaults, loading from a YAML file, validation,
// and its mapping to the model hyperparameters and the trainer options.
package config

import (
	"bytes"
	"os"
	"path/filepath"

	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
	"k8s.io/klog/v2"

	"github.com/gomlx/devign/pkg/dataset"
	"github.com/gomlx/devign/pkg/ggnn"
	"github.com/gomlx/devign/pkg/graphs"
	"github.com/gomlx/devign/pkg/models"
	"github.com/gomlx/devign/pkg/trainer"
)

// CheckpointName is the name of the checkpoint directory of the best model, under <models_dir>/<dataset>.
const CheckpointName = "GGNNSumModel"

// Config of a training run.
type Config struct {
	// ModelType is one of models.ValidModels: "devign" or "ggnn".
	ModelType string `yaml:"model_type"`

	// Dataset name, used for the checkpoint directory.
	Dataset string `yaml:"dataset"`

	// InputDir holds the <split>_GGNNinput.json files.
	InputDir string `yaml:"input_dir"`

	// ModelsDir is the base directory for checkpoints.
	ModelsDir string `yaml:"models_dir"`

	dataset.Schema `yaml:",inline"`

	FeatureSize    int `yaml:"feature_size"`
	GraphEmbedSize int `yaml:"graph_embed_size"`
	NumSteps       int `yaml:"num_steps"`
	BatchSize      int `yaml:"batch_size"`

	// SaveAfterGGNN exports the graph embeddings of the best model after training.
	SaveAfterGGNN bool `yaml:"save_after_ggnn"`

	// UseProcessed loads (or creates) the processed dataset cache in the input directory.
	UseProcessed bool `yaml:"use_processed"`

	MaxSteps        int     `yaml:"max_steps"`
	DevEvery        int     `yaml:"dev_every"`
	MaxPatience     int     `yaml:"max_patience"`
	SelectionMetric string  `yaml:"selection_metric"`
	LearningRate    float64 `yaml:"learning_rate"`
	WeightDecay     float64 `yaml:"weight_decay"`
	Seed            uint64  `yaml:"seed"`
}

// Default returns the default configuration.
func Default() *Config {
	opts := trainer.DefaultOptions()
	return &Config{
		ModelType:       models.ModelDevign,
		ModelsDir:       "models",
		Schema:          dataset.DefaultSchema(),
		FeatureSize:     100,
		GraphEmbedSize:  models.DefaultGraphEmbedSize,
		NumSteps:        models.DefaultNumSteps,
		BatchSize:       opts.BatchSize,
		MaxSteps:        opts.MaxSteps,
		DevEvery:        opts.DevEvery,
		MaxPatience:     opts.MaxPatience,
		SelectionMetric: opts.SelectionMetric,
		LearningRate:    1e-4,
		WeightDecay:     1e-3,
		Seed:            opts.Seed,
	}
}

// LoadFile reads the YAML file over a copy of base (or Default() if base is nil).
// Unknown fields are reported as errors wrapping graphs.ErrConfiguration.
func LoadFile(filePath string, base *Config) (*Config, error) {
	if base == nil {
		base = Default()
	}
	c := *base
	contents, err := os.ReadFile(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read configuration file")
	}
	decoder := yaml.NewDecoder(bytes.NewReader(contents))
	decoder.KnownFields(true)
	if err = decoder.Decode(&c); err != nil {
		return nil, errors.Wrapf(graphs.ErrConfiguration, "invalid configuration file %q: %v", filePath, err)
	}
	return &c, nil
}

// Validate checks the configuration, and auto-corrects a graph embedding size smaller than the feature
// size (with a warning). Errors wrap graphs.ErrConfiguration.
func (c *Config) Validate() error {
	if _, found := models.ValidModels[c.ModelType]; !found {
		return errors.Wrapf(graphs.ErrConfiguration, "model_type must be one of %q, got %q",
			models.ModelTypes(), c.ModelType)
	}
	if c.InputDir == "" {
		return errors.Wrap(graphs.ErrConfiguration, "input_dir must be set")
	}
	if c.Dataset == "" {
		return errors.Wrap(graphs.ErrConfiguration, "dataset must be set")
	}
	if c.FeatureSize <= 0 {
		return errors.Wrapf(graphs.ErrConfiguration, "feature_size must be > 0, got %d", c.FeatureSize)
	}
	if c.NumSteps < 0 {
		return errors.Wrapf(graphs.ErrConfiguration, "num_steps must be >= 0, got %d", c.NumSteps)
	}
	if c.GraphEmbedSize < c.FeatureSize {
		klog.Warningf("graph_embed_size=%d is smaller than feature_size=%d, using graph_embed_size=%d",
			c.GraphEmbedSize, c.FeatureSize, c.FeatureSize)
		c.GraphEmbedSize = c.FeatureSize
	}
	c.Schema = c.Schema.WithDefaults()
	opts := c.TrainerOptions()
	return opts.Validate()
}

// CheckFeatureSize returns an error wrapping graphs.ErrDimensionMismatch if the dataset's feature
// size differs from the configured one.
func (c *Config) CheckFeatureSize(datasetFeatureSize int) error {
	if datasetFeatureSize != c.FeatureSize {
		return errors.Wrapf(graphs.ErrDimensionMismatch, "configured feature_size=%d, but dataset has %d",
			c.FeatureSize, datasetFeatureSize)
	}
	return nil
}

// CheckpointDir where the best model is kept: <models_dir>/<dataset>/GGNNSumModel.
func (c *Config) CheckpointDir() string {
	return filepath.Join(c.ModelsDir, c.Dataset, CheckpointName)
}

// LoadOptions for dataset.Load.
func (c *Config) LoadOptions() dataset.LoadOptions {
	return dataset.LoadOptions{Schema: c.Schema, UseProcessed: c.UseProcessed}
}

// TrainerOptions for trainer.Train.
func (c *Config) TrainerOptions() trainer.Options {
	opts := trainer.DefaultOptions()
	opts.MaxSteps = c.MaxSteps
	opts.DevEvery = c.DevEvery
	opts.MaxPatience = c.MaxPatience
	opts.BatchSize = c.BatchSize
	opts.SelectionMetric = c.SelectionMetric
	opts.Seed = c.Seed
	opts.CheckpointDir = c.CheckpointDir()
	return opts
}

// ApplyTo sets the model hyperparameters in ctx.
func (c *Config) ApplyTo(ctx *context.Context) {
	ctx.SetParams(map[string]any{
		models.ParamModelType:           c.ModelType,
		ggnn.ParamNumSteps:              c.NumSteps,
		ggnn.ParamGraphEmbedSize:        c.GraphEmbedSize,
		ggnn.ParamReadoutSize:           0,
		optimizers.ParamOptimizer:       "adam",
		optimizers.ParamLearningRate:    c.LearningRate,
		optimizers.ParamAdamWeightDecay: c.WeightDecay,
	})
}
