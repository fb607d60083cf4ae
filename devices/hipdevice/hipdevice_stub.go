// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

//go:build !rocm || !cgo

package hipdevice

import (
	"github.com/gomlx/mpitests/devices"
	"github.com/pkg/errors"
)

func init() {
	devices.Register(Name, New)
}

// New returns an error on builds without HIP support.
func New(config string, deviceNum int) (devices.Device, error) {
	return nil, errors.New("HIP support requires cgo and ROCm (build with: go build -tags rocm)")
}
