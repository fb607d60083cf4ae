// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package _default includes the default devices, namely the simulated device and, when available, PJRT
// and HIP.
//
// To use it simply include:
//
//	import _ "github.com/gomlx/mpitests/devices/default"
//
// The simulated device is made the default (devices.DefaultConfig) if no other default was set.
// If you add the tag `nopjrt` it will not include PJRT -- useful if you don't have the corresponding libraries
// installed. HIP is only included with the tag `rocm`.
package _default

import (
	"github.com/gomlx/mpitests/devices"
	"github.com/gomlx/mpitests/devices/simdevice"
)

func init() {
	if devices.DefaultConfig == "" {
		devices.DefaultConfig = simdevice.Name
	}
}
