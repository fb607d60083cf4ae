// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package suite

import (
	"cmp"
	"io"
	"os"

	"github.com/gomlx/mpitests/buffers"
	"github.com/gomlx/mpitests/internal/report"
	"github.com/gomlx/mpitests/mpi"
	"github.com/gomlx/mpitests/mpitest"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Names of the scratch files of the file tests, in the configured scratch directory.
const (
	OutputFileName = "testout.out"
	InputFileName  = "testin.in"
)

// FileReadAll tests a collective read through a strided file view: rank 0 writes a file with R*E longs, where
// the k-th long holds k+1, and rank r reads the E elements starting at element r*E into its receive buffer.
//
// The file is written from a host buffer regardless of the configured send memory.
var FileReadAll = &mpitest.Test{
	Name:       "hip_file_read_all",
	Elements:   64 * 1024 * 1024,
	Iterations: 1,
	Run:        runFileReadAll,
}

// FileWriteAll tests a collective write through the same file view as FileReadAll: rank r writes the values
// r*E+i+1 from its send buffer, and rank 0 checks that the k-th long of the resulting file holds k+1.
var FileWriteAll = &mpitest.Test{
	Name:       "hip_file_write_all",
	Elements:   64 * 1024 * 1024,
	Iterations: 1,
	Run:        runFileWriteAll,
}

// fileView returns the view filetype of rank: one block of elements longs at element rank*elements, repeated
// every size*elements longs.
func fileView(rank, size, elements int) (*mpi.Datatype, error) {
	longSize := mpi.Long.Size()
	block, err := mpi.CreateStruct([]int{elements}, []int{rank * elements * longSize}, []*mpi.Datatype{mpi.Long})
	if err != nil {
		return nil, err
	}
	return block.Resized(0, size*elements*longSize)
}

// removeScratch removes a scratch file, ignoring files that don't exist.
func removeScratch(path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		klog.Warningf("failed to remove %q: %v", path, err)
	}
}

// writeInput creates the file at path with the contents of the host buffer of op.
func writeInput(path string, op *buffers.Operand[int64]) error {
	err := os.WriteFile(path, buffers.AsBytes(op.Host()), 0o666)
	return errors.Wrapf(err, "failed to create input file %q", path)
}

func runFileReadAll(env *mpitest.Env) (*mpitest.Result, error) {
	e, size, rank := env.Elements, env.Size(), env.Rank()
	path := env.ScratchPath(OutputFileName)

	var send *buffers.Operand[int64]
	var sendErr, writeErr error
	if rank == root {
		send, sendErr = mpitest.Alloc(env, buffers.Host, size*e, func(flat []int64) {
			buffers.Fill(flat, func(k int) int64 { return int64(k + 1) })
		})
	}
	defer func() { _ = send.Release() }()
	recv, recvErr := mpitest.Alloc[int64](env, env.Config.RecvKind, e, nil)
	defer func() { _ = recv.Release() }()
	if rank == root && sendErr == nil {
		defer removeScratch(path)
		writeErr = writeInput(path, send)
	}
	if err := env.Agree(cmp.Or(sendErr, recvErr, writeErr)); err != nil {
		return nil, err
	}

	f, err := env.Comm.FileOpen(path, mpi.ModeRdOnly)
	if err != nil {
		return nil, err
	}
	view, err := fileView(rank, size, e)
	if err != nil {
		return nil, err
	}
	if err := f.SetView(0, mpi.Long, view, mpi.NativeRepresentation); err != nil {
		return nil, err
	}
	elapsed, err := env.TimedLoop(1, func(int) error {
		if _, err := f.ReadAll(recv.Buffer(), e, mpi.Long); err != nil {
			return err
		}
		return f.Close()
	})
	if err != nil {
		return nil, err
	}

	ok, err := recv.Verify(func(flat []int64) bool {
		want := func(i int) int64 { return int64(rank*e + i + 1) }
		ok, first := buffers.CheckAll(flat, want)
		if !ok {
			logMismatch(env, "recv", first, flat[first], want(first))
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
		OK:         ok,
		SendChar:   report.NoBuffer,
		RecvChar:   env.Config.RecvKind.MemChar(),
		Bytes:      int64(e * mpi.Long.Size()),
		Iterations: 1,
		Elapsed:    elapsed,
	}, nil
}

func runFileWriteAll(env *mpitest.Env) (*mpitest.Result, error) {
	e, size, rank := env.Elements, env.Size(), env.Rank()
	outPath, inPath := env.ScratchPath(OutputFileName), env.ScratchPath(InputFileName)

	send, err := mpitest.Alloc(env, env.Config.SendKind, e, func(flat []int64) {
		buffers.Fill(flat, func(i int) int64 { return int64(rank*e + i + 1) })
	})
	defer func() { _ = send.Release() }()
	if rank == root {
		// Stale output would not be truncated.
		removeScratch(outPath)
		defer removeScratch(outPath)
	}
	if err := env.Agree(err); err != nil {
		return nil, err
	}

	f, err := env.Comm.FileOpen(outPath, mpi.ModeWrOnly|mpi.ModeCreate)
	if err != nil {
		return nil, err
	}
	view, err := fileView(rank, size, e)
	if err != nil {
		return nil, err
	}
	if err := f.SetView(0, mpi.Long, view, mpi.NativeRepresentation); err != nil {
		return nil, err
	}
	elapsed, err := env.TimedLoop(1, func(int) error {
		if _, err := f.WriteAll(send.Buffer(), e, mpi.Long); err != nil {
			return err
		}
		return f.Close()
	})
	if err != nil {
		return nil, err
	}
	if err := send.Release(); err != nil {
		return nil, err
	}

	ok := true
	if rank == root {
		defer removeScratch(inPath)
		ok, err = checkOutput(env, outPath, inPath, size*e)
		if err != nil {
			return nil, err
		}
	}
	return &mpitest.Result{
		OK:         ok,
		SendChar:   env.Config.SendKind.MemChar(),
		RecvChar:   report.NoBuffer,
		Bytes:      int64(e * mpi.Long.Size()),
		Iterations: 1,
		Elapsed:    elapsed,
	}, nil
}

// checkOutput renames the written file to inPath and checks that it holds exactly the longs 1...total.
func checkOutput(env *mpitest.Env, outPath, inPath string, total int) (bool, error) {
	if err := os.Rename(outPath, inPath); err != nil {
		return false, errors.Wrapf(err, "failed to rename %q", outPath)
	}
	info, err := os.Stat(inPath)
	if err != nil {
		return false, errors.WithStack(err)
	}
	if want := int64(total * mpi.Long.Size()); info.Size() != want {
		klog.Errorf("%q has %d bytes, wanted %d", inPath, info.Size(), want)
		return false, nil
	}

	contents, err := buffers.Alloc[int64](buffers.NewHost(), total, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = contents.Release() }()
	in, err := os.Open(inPath)
	if err != nil {
		return false, errors.WithStack(err)
	}
	defer func() { _ = in.Close() }()
	flat := contents.Host()
	if _, err := io.ReadFull(in, buffers.AsBytes(flat)); err != nil {
		return false, errors.Wrapf(err, "failed to read %q", inPath)
	}
	want := func(k int) int64 { return int64(k + 1) }
	ok, first := buffers.CheckAll(flat, want)
	if !ok {
		logMismatch(env, inPath, first, flat[first], want(first))
	}
	return ok, contents.Release()
}
