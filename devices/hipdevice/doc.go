// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package hipdevice implements device memory with the HIP runtime (hipMalloc, hipMemcpy, hipFree), registered
// as device "hip".
//
// It requires cgo and the ROCm installation, and is only built with the tag `rocm`:
//
//	go build -tags rocm ./...
//
// The configuration string is not used. A rank bound to device number N uses the HIP device N modulo the
// number of visible devices. HIP addresses are real pointers, so hipdevice also implements
// devices.PointerDevice, which allows passing device buffers directly to a GPU-aware MPI library.
package hipdevice

// Name of the device, as registered in package devices.
const Name = "hip"
