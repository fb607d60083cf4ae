// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

//go:build (mpi || mpich) && cgo

package openmpi

import (
	"context"
	"testing"

	"github.com/gomlx/mpitests/buffers"
	"github.com/gomlx/mpitests/mpi"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

// TestSingleton runs as a singleton MPI job (without mpirun): a world of one rank.
func TestSingleton(t *testing.T) {
	err := mpi.Launch(context.Background(), Name, 1, func(comm mpi.Comm) error {
		if comm.Size() != 1 {
			return errors.Errorf("expected a singleton world, got %d ranks", comm.Size())
		}
		send := must.M1(buffers.Alloc[float64](buffers.NewHost(), 4, func(flat []float64) {
			buffers.Fill(flat, func(i int) float64 { return float64(i) })
		}))
		defer func() { _ = send.Release() }()
		recv := must.M1(buffers.Alloc[float64](buffers.NewHost(), 4, nil))
		defer func() { _ = recv.Release() }()
		if err := comm.Scatter(send.Buffer(), 4, mpi.Float64, recv.Buffer(), 4, mpi.Float64, 0); err != nil {
			return err
		}
		if ok, first := buffers.CheckAll(recv.Host(), func(i int) float64 { return float64(i) }); !ok {
			return errors.Errorf("mismatch at %d", first)
		}
		return comm.Barrier()
	})
	require.NoError(t, err)
	require.NoError(t, mpi.Finalize())
	err = mpi.Launch(context.Background(), Name, 1, func(comm mpi.Comm) error { return nil })
	require.Error(t, err)
}
