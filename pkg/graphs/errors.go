// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graphs

import "github.com/pkg/errors"

// Error kinds shared by the whole pipeline. Use errors.Is to test for them: they are always
// wrapped with more context.
var (
	// ErrConfiguration is returned (or logged, when auto-corrected) for inconsistent settings,
	// e.g. a graph embedding size smaller than the node feature size.
	ErrConfiguration = errors.New("configuration error")

	// ErrDimensionMismatch is returned when the declared feature width differs from the data.
	ErrDimensionMismatch = errors.New("dimension mismatch")

	// ErrDeviceMismatch is returned when a batch was placed on a different device/backend than the model.
	ErrDeviceMismatch = errors.New("device mismatch")

	// ErrDataFormat is returned for missing or malformed dataset fields.
	ErrDataFormat = errors.New("data format error")
)
