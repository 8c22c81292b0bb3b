// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// devign trains a Devign or GGNNSum vulnerability classifier on code property graphs, keeps the
// best model (by validation accuracy, by default) under <models_dir>/<dataset>/GGNNSumModel, and
// reports its valid and test metrics.
//
// Usage:
//
//	devign -dataset=ffmpeg -input_dir=data/ffmpeg -model_type=devign -feature_size=169
//
// The backend is selected with GOMLX_BACKEND (or CUDA=1), also read from a ".env" file if present.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/gomlx/exceptions"
	_ "github.com/gomlx/gomlx/backends/default"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/devign/pkg/compute"
	"github.com/gomlx/devign/pkg/config"
	"github.com/gomlx/devign/pkg/dataset"
	"github.com/gomlx/devign/pkg/export"
	"github.com/gomlx/devign/pkg/metrics"
	"github.com/gomlx/devign/pkg/models"
	"github.com/gomlx/devign/pkg/trainer"
)

// flags of one invocation. They point into cfg, so that explicit flags can be re-applied over the
// configuration file.
type flags struct {
	set *flag.FlagSet
	cfg config.Config

	configPath, settings string
	quiet                bool
}

func newFlags(name string) *flags {
	f := &flags{set: flag.NewFlagSet(name, flag.ContinueOnError), cfg: *config.Default()}
	fs, c := f.set, &f.cfg
	fs.StringVar(&f.configPath, "config", "", "YAML configuration file. Flags given explicitly override its values.")
	fs.StringVar(&f.settings, "set", "", `Extra model hyperparameters, e.g. "ggnn_readout_size=64;learning_rate=1e-3".`)
	fs.BoolVar(&f.quiet, "quiet", false, "Disable progress bars.")
	fs.StringVar(&c.ModelType, "model_type", c.ModelType, fmt.Sprintf("Model, one of %q.", models.ModelTypes()))
	fs.StringVar(&c.Dataset, "dataset", c.Dataset, "Name of the dataset, used for the checkpoint directory.")
	fs.StringVar(&c.InputDir, "input_dir", c.InputDir, "Directory with the <split>_GGNNinput.json files.")
	fs.StringVar(&c.ModelsDir, "models_dir", c.ModelsDir, "Base directory of the checkpoints.")
	fs.StringVar(&c.NodeField, "node_tag", c.NodeField, "Name of the node features field.")
	fs.StringVar(&c.EdgeField, "graph_tag", c.EdgeField, "Name of the edge list field.")
	fs.StringVar(&c.LabelField, "label_tag", c.LabelField, "Name of the label field.")
	fs.IntVar(&c.FeatureSize, "feature_size", c.FeatureSize, "Size of the node feature vectors.")
	fs.IntVar(&c.GraphEmbedSize, "graph_embed_size", c.GraphEmbedSize, "Size of the node states.")
	fs.IntVar(&c.NumSteps, "num_steps", c.NumSteps, "Number of GGNN propagation steps.")
	fs.IntVar(&c.BatchSize, "batch_size", c.BatchSize, "Number of graphs per batch.")
	fs.IntVar(&c.MaxSteps, "max_steps", c.MaxSteps, "Maximum number of training steps.")
	fs.IntVar(&c.DevEvery, "dev_every", c.DevEvery, "Validate every this many steps.")
	fs.IntVar(&c.MaxPatience, "max_patience", c.MaxPatience, "Validations without improvement before stopping.")
	fs.StringVar(&c.SelectionMetric, "selection_metric", c.SelectionMetric,
		fmt.Sprintf("Validation metric used to select the best model, one of %q.", metrics.SelectionMetrics))
	fs.BoolVar(&c.SaveAfterGGNN, "save_after_ggnn", c.SaveAfterGGNN,
		"Export the graph embeddings of the best model to <input_dir>/"+export.DirName+".")
	fs.BoolVar(&c.UseProcessed, "use_processed", c.UseProcessed,
		"Read the parsed dataset from (or write it to) <input_dir>/"+dataset.ProcessedFileName+".")
	return f
}

// parse the arguments and resolve the configuration: defaults, then the configuration file, then the
// explicit flags.
func (f *flags) parse(args []string) (*config.Config, error) {
	if err := f.set.Parse(args); err != nil {
		return nil, err
	}
	if f.configPath != "" {
		fromFile, err := config.LoadFile(f.configPath, config.Default())
		if err != nil {
			return nil, err
		}
		f.cfg = *fromFile
		if err = f.set.Parse(args); err != nil {
			return nil, err
		}
	}
	if f.set.NArg() > 0 {
		return nil, errors.Errorf("unexpected arguments %q", f.set.Args())
	}
	if err := f.cfg.Validate(); err != nil {
		return nil, err
	}
	return &f.cfg, nil
}

// run a full training from the command line arguments, printing the report to w.
func run(cc *compute.Context, f *flags, args []string, w io.Writer) error {
	cfg, err := f.parse(args)
	if err != nil {
		return err
	}

	ctx := context.New()
	cfg.ApplyTo(ctx)
	if _, err = commandline.ParseContextSettings(ctx, f.settings); err != nil {
		return errors.WithMessage(err, "while parsing -set")
	}

	loadOpts := cfg.LoadOptions()
	loadOpts.Quiet = f.quiet
	ds, err := dataset.Load(cfg.InputDir, loadOpts)
	if err != nil {
		return err
	}
	if err = cfg.CheckFeatureSize(ds.FeatureSize); err != nil {
		return err
	}

	opts := cfg.TrainerOptions()
	opts.Quiet = f.quiet
	result, err := trainer.Train(cc, ctx, ds, opts)
	if err != nil {
		return err
	}
	trainer.PrintReport(w, result)

	if cfg.SaveAfterGGNN {
		exporter, err := export.New(cc, result.Best)
		if err != nil {
			return err
		}
		exporter.Quiet = f.quiet
		paths, err := exporter.All(ds, cfg.InputDir, cfg.BatchSize)
		if err != nil {
			return err
		}
		for _, p := range paths {
			_, _ = fmt.Fprintf(w, "Graph embeddings: %s\n", p)
		}
	}
	return nil
}

func main() {
	f := newFlags(os.Args[0])
	f.set.Init(os.Args[0], flag.ExitOnError)
	klog.InitFlags(f.set)
	cc, err := compute.FromEnv()
	if err != nil {
		klog.Fatalf("%+v", err)
	}
	err = exceptions.TryCatch[error](func() {
		if runErr := run(cc, f, os.Args[1:], os.Stdout); runErr != nil {
			panic(runErr)
		}
	})
	if err != nil {
		klog.Fatalf("%+v", err)
	}
}
