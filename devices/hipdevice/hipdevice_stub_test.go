// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

//go:build !rocm || !cgo

package hipdevice

import (
	"testing"

	"github.com/gomlx/mpitests/devices"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStub(t *testing.T) {
	assert.Contains(t, devices.List(), Name)
	_, err := devices.Open(Name, 0)
	require.Error(t, err)
	assert.False(t, errors.Is(err, devices.ErrNotFound), "got %+v", err)
	assert.ErrorContains(t, err, "requires cgo and ROCm")
}
