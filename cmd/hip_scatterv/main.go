// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// hip_scatterv scatters a buffer from rank 0 to all ranks with MPI Scatterv, with the send and receive buffers
// in host (-s=H, -r=H) or device (-s=D, -r=D) memory.
//
// By default the ranks run in-process (-mpi=local, -np=<number of ranks>); built with the "mpi" tag it runs
// under mpirun with Open MPI.
package main

import (
	"github.com/gomlx/mpitests/mpitest"
	"github.com/gomlx/mpitests/suite"
)

func main() {
	mpitest.Main(suite.Scatterv)
}
