// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// hip_pt2pt_bl_mult sends multiple messages from rank 0 to rank 1 with blocking synchronous sends, rewriting
// the send buffer between them. The send and receive buffers are in host (-s=H, -r=H) or device (-s=D, -r=D)
// memory. It requires exactly 2 ranks.
//
// By default the ranks run in-process (-mpi=local, -np=<number of ranks>); built with the "mpi" tag it runs
// under mpirun with Open MPI.
package main

import (
	"github.com/gomlx/mpitests/mpitest"
	"github.com/gomlx/mpitests/suite"
)

func main() {
	mpitest.Main(suite.Pt2ptBlMult)
}
