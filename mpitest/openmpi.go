// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

//go:build (mpi || mpich) && cgo

package mpitest

// With an MPI library available, it becomes the default launcher.
import _ "github.com/gomlx/mpitests/mpi/openmpi"
