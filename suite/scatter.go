// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package suite

import (
	"cmp"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/mpitests/buffers"
	"github.com/gomlx/mpitests/mpi"
	"github.com/gomlx/mpitests/mpitest"
	"github.com/x448/float16"
)

// Scatter tests MPI Scatter from rank 0: block j of the send buffer holds the value j, so after the scatter the
// first n elements of the receive buffer of every rank must hold its rank.
//
// It runs one warm-up scatter, followed by the timed iterations.
var Scatter = &mpitest.Test{
	Name:       "hip_scatter",
	Elements:   100,
	Iterations: 25,
	Run: forDTypes(
		scatterTest[float64](false), scatterTest[float32](false), scatterTest[float16.Float16](false),
		scatterTest[int32](false), scatterTest[int64](false)),
}

// Scatterv is the same as Scatter, using MPI Scatterv with every rank receiving n elements from displacement i*n.
var Scatterv = &mpitest.Test{
	Name:       "hip_scatterv",
	Elements:   100,
	Iterations: 25,
	Run: forDTypes(
		scatterTest[float64](true), scatterTest[float32](true), scatterTest[float16.Float16](true),
		scatterTest[int32](true), scatterTest[int64](true)),
}

func scatterTest[T dtypes.Supported](variable bool) runFunc {
	return func(env *mpitest.Env) (*mpitest.Result, error) {
		return runScatter[T](env, variable)
	}
}

func runScatter[T dtypes.Supported](env *mpitest.Env, variable bool) (*mpitest.Result, error) {
	n, size, rank := env.Elements, env.Size(), env.Rank()
	dt, err := mpi.TypeFor[T]()
	if err != nil {
		return nil, err
	}

	// Both buffers hold size*n elements in every rank.
	send, sendErr := mpitest.Alloc(env, env.Config.SendKind, size*n, func(flat []T) {
		buffers.Fill(flat, func(i int) T { return buffers.ValueOf[T](int64(i / n)) })
	})
	defer func() { _ = send.Release() }()
	recv, recvErr := mpitest.Alloc[T](env, env.Config.RecvKind, size*n, nil)
	defer func() { _ = recv.Release() }()
	if err := env.Agree(cmp.Or(sendErr, recvErr)); err != nil {
		return nil, err
	}

	var counts, displs []int
	if variable {
		counts = make([]int, size)
		displs = make([]int, size)
		for i := range size {
			counts[i] = n
			displs[i] = i * n
		}
	}
	scatter := func(int) error {
		if variable {
			return env.Comm.Scatterv(send.Buffer(), counts, displs, dt, recv.Buffer(), n, dt, root)
		}
		return env.Comm.Scatter(send.Buffer(), n, dt, recv.Buffer(), n, dt, root)
	}

	// Warm-up.
	if err := scatter(0); err != nil {
		return nil, err
	}
	elapsed, err := env.TimedLoop(env.Iterations, scatter)
	if err != nil {
		return nil, err
	}

	want := buffers.ValueOf[T](int64(rank))
	ok, err := recv.Verify(func(flat []T) bool {
		ok, first := buffers.CheckAll(flat[:n], func(int) T { return want })
		if !ok {
			logMismatch(env, "recv", first, flat[first], want)
		}
		return ok
	})
	if err != nil {
		return nil, err
	}
	if err := cmp.Or(send.Release(), recv.Release()); err != nil {
		return nil, err
	}
	return &mpitest.Result{
		OK:       ok,
		SendChar: env.Config.SendKind.MemChar(),
		RecvChar: env.Config.RecvKind.MemChar(),
		Bytes:    int64(n * buffers.ElementSize[T]()),
		Elapsed:  elapsed,
	}, nil
}
