// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package compute selects, once at startup, where the model runs (the GoMLX backend and its device)
// and checks that the data fed to the model was prepared for the same place.
package compute

import (
	"io/fs"
	"os"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/devign/pkg/graphs"
)

const (
	// BackendEnvVar is read by GoMLX to select the backend, e.g. "xla:cpu" or "xla:cuda".
	BackendEnvVar = "GOMLX_BACKEND"

	// CUDAEnvVar set to "1" selects the "xla:cuda" backend, unless BackendEnvVar is set explicitly.
	CUDAEnvVar = "CUDA"

	cudaBackendConfig = "xla:cuda"
)

// Placement identifies where tensors are to be used.
type Placement struct {
	Backend string
}

// Context is the compute capability passed to everything that builds or runs model graphs.
type Context struct {
	Backend   backends.Backend
	placement Placement
}

// New wraps an already created backend.
func New(backend backends.Backend) *Context {
	return &Context{
		Backend:   backend,
		placement: Placement{Backend: backend.Name()},
	}
}

// FromEnv loads the given .env files (or ".env" if none is given, silently skipping it if it doesn't
// exist) and creates the backend configured by the environment.
func FromEnv(envFiles ...string) (*Context, error) {
	if err := godotenv.Load(envFiles...); err != nil {
		if len(envFiles) > 0 || !errors.Is(err, fs.ErrNotExist) {
			return nil, errors.Wrapf(err, "failed to load environment files %v", envFiles)
		}
	}
	if config := BackendConfig(); config != "" {
		if err := os.Setenv(BackendEnvVar, config); err != nil {
			return nil, errors.Wrapf(err, "failed to set %s", BackendEnvVar)
		}
	}
	backend, err := backends.New()
	if err != nil {
		return nil, errors.WithMessage(err, "failed to create backend")
	}
	c := New(backend)
	klog.Infof("Backend %q: %s", backend.Name(), backend.Description())
	return c, nil
}

// BackendConfig returns the backend configuration implied by the environment: BackendEnvVar if set,
// "xla:cuda" if CUDA=1, and "" (GoMLX default) otherwise.
func BackendConfig() string {
	if config := os.Getenv(BackendEnvVar); config != "" {
		return config
	}
	if os.Getenv(CUDAEnvVar) == "1" {
		klog.Infof("CUDA is enabled")
		return cudaBackendConfig
	}
	klog.V(1).Infof("CUDA is disabled")
	return ""
}

// Placement of the tensors used with this context.
func (c *Context) Placement() Placement { return c.placement }

// Check returns an error wrapping graphs.ErrDeviceMismatch if p is not this context's placement.
func (c *Context) Check(p Placement) error {
	if p != c.placement {
		return errors.Wrapf(graphs.ErrDeviceMismatch, "data placed for backend %q, but model runs on %q",
			p.Backend, c.placement.Backend)
	}
	return nil
}

// Placed is a batch converted to tensors for a given placement.
type Placed struct {
	Batch          *graphs.Batch
	Inputs, Labels []*tensors.Tensor
	Placement      Placement
}

// Place converts the batch to the model input tensors, tagged with this context's placement.
// They are transferred to the device on first use.
func (c *Context) Place(batch *graphs.Batch) *Placed {
	inputs, labels := batch.Tensors()
	return &Placed{Batch: batch, Inputs: inputs, Labels: labels, Placement: c.placement}
}

// Finalize frees the tensors' memory.
func (p *Placed) Finalize() {
	for _, t := range p.Inputs {
		t.FinalizeAll()
	}
	for _, t := range p.Labels {
		t.FinalizeAll()
	}
}
