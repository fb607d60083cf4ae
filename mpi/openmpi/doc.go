// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package openmpi binds a real MPI library (Open MPI by default, or MPICH with the "mpich" build tag) and
// registers it as the "openmpi" launcher of package mpi.
//
// It requires cgo and the build tag "mpi" (or "mpich"); without it the package is empty and the launcher is not
// available. Programs are started with mpirun, one process per rank:
//
//	go build -tags mpi ./cmd/hip_scatter && mpirun -np 4 ./hip_scatter -s D -r D
//
// Buffers that expose their address (host buffers and buffers of devices implementing devices.PointerDevice)
// are handed to MPI directly, so a GPU-aware MPI library moves device memory itself. Other buffers are staged
// through host memory around each call.
package openmpi

// Name of the launcher registered in package mpi.
const Name = "openmpi"
