// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package compute

import (
	"testing"

	_ "github.com/gomlx/gomlx/backends/default"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/devign/pkg/graphs"
)

func TestBackendConfig(t *testing.T) {
	t.Setenv(BackendEnvVar, "")
	t.Setenv(CUDAEnvVar, "")
	assert.Equal(t, "", BackendConfig())

	t.Setenv(CUDAEnvVar, "1")
	assert.Equal(t, "xla:cuda", BackendConfig())

	t.Setenv(BackendEnvVar, "xla:cpu")
	assert.Equal(t, "xla:cpu", BackendConfig())
}

func TestPlacement(t *testing.T) {
	c := New(graphtest.BuildTestBackend())
	batch, err := graphs.NewBatch([]*graphs.Example{{Features: [][]float32{{1, 2}}, Label: 1}}, 2, 1)
	require.NoError(t, err)
	placed := c.Place(batch)
	defer placed.Finalize()
	require.NoError(t, c.Check(placed.Placement))
	assert.Len(t, placed.Inputs, graphs.NumInputs)

	other := Placement{Backend: "some_accelerator"}
	err = c.Check(other)
	require.Error(t, err)
	assert.True(t, errors.Is(err, graphs.ErrDeviceMismatch))
}
