// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package suite

import (
	"github.com/gomlx/mpitests/buffers"
	"github.com/gomlx/mpitests/mpi"
	"github.com/gomlx/mpitests/mpitest"
	"github.com/pkg/errors"
)

// Pt2ptTag is the tag of the messages of Pt2ptBlMult.
const Pt2ptTag = 251

// Pt2ptBlMult stresses the synchronization of buffers between a sender and a receiver, with blocking
// point-to-point operations over exactly 2 ranks:
//
//   - Rank 0 has a single send buffer, rewritten with the value i+1 before the synchronous send of iteration i.
//   - Rank 1 receives iteration i into slot i of a receive buffer with one slot per iteration.
//   - The receive buffer is only verified after all iterations are done.
var Pt2ptBlMult = &mpitest.Test{
	Name:       "hip_pt2pt_bl_mult",
	Elements:   1024,
	Iterations: 10,
	NumRanks:   2,
	Run:        runPt2ptBlMult,
}

func runPt2ptBlMult(env *mpitest.Env) (*mpitest.Result, error) {
	n, numIters, rank := env.Elements, env.Iterations, env.Rank()
	const sender, receiver = 0, 1

	var send, recv *buffers.Operand[int32]
	var err error
	switch rank {
	case sender:
		send, err = mpitest.Alloc[int32](env, env.Config.SendKind, n, nil)
	case receiver:
		recv, err = mpitest.Alloc[int32](env, env.Config.RecvKind, numIters*n, nil)
	}
	defer func() { _ = send.Release() }()
	defer func() { _ = recv.Release() }()
	if err := env.Agree(err); err != nil {
		return nil, err
	}

	elapsed, err := env.TimedLoop(numIters, func(i int) error {
		switch rank {
		case sender:
			buffers.Fill(send.Host(), func(int) int32 { return int32(i + 1) })
			if err := send.Push(); err != nil {
				return err
			}
			return env.Comm.Ssend(send.Buffer(), n, mpi.Int32, receiver, Pt2ptTag)
		case receiver:
			slot, err := buffers.ElementWindow(recv.Buffer(), i*n, n)
			if err != nil {
				return err
			}
			status, err := env.Comm.Recv(slot, n, mpi.Int32, sender, Pt2ptTag)
			if err != nil {
				return err
			}
			if got := status.Count(mpi.Int32); got != n {
				return errors.Errorf("received %d elements, expected %d (%s)", got, n, status)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	ok := true
	if rank == receiver {
		ok, err = recv.Verify(func(flat []int32) bool {
			want := func(k int) int32 { return int32(k/n + 1) }
			ok, first := buffers.CheckAll(flat, want)
			if !ok {
				logMismatch(env, "recv", first, flat[first], want(first))
			}
			return ok
		})
		if err != nil {
			return nil, err
		}
		if err := recv.Release(); err != nil {
			return nil, err
		}
	} else if err := send.Release(); err != nil {
		return nil, err
	}
	return &mpitest.Result{
		OK:       ok,
		SendChar: env.Config.SendKind.MemChar(),
		RecvChar: env.Config.RecvKind.MemChar(),
		Bytes:    int64(n * buffers.ElementSize[int32]()),
		Elapsed:  elapsed,
	}, nil
}
