// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package mpitest is the driver of the MPI buffer tests: it holds the configuration, binds every rank to its
// device, runs a Test on every rank of a world, and reports the results.
//
// Errors follow three categories:
//
//   - Allocation failures: fatal. Every rank agrees on them right after allocating (Env.Agree), so all ranks
//     take the same fatal path, even if only one of them failed.
//   - Communication (or runtime) errors: fatal. The rank returns the error, which aborts every rank of the world.
//   - Data mismatches: not fatal. The test reports Result.OK = false; it still releases its buffers and reports.
//
// Fatal errors are logged to stderr, and the process exits with a non-zero code.
package mpitest

import (
	"path/filepath"
	"time"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/mpitests/buffers"
	"github.com/gomlx/mpitests/devices"
	"github.com/gomlx/mpitests/internal/report"
	"github.com/gomlx/mpitests/mpi"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ErrPeerFailed is returned by Env.Agree on the ranks that succeeded when some other rank failed.
var ErrPeerFailed = mpi.ErrPeerFailed

// Test describes one test program.
type Test struct {
	// Name reported in the results, e.g. "hip_scatter".
	Name string

	// Elements per rank and Iterations of the timed loop, unless configured otherwise.
	Elements, Iterations int

	// NumRanks required by the test, or 0 if it works with any number of ranks.
	NumRanks int

	// Run the test in one rank. It returns the result of the verification and the measurement of the timed
	// loop. An error is fatal and aborts all ranks.
	Run func(env *Env) (*Result, error)
}

// Result of a Test in one rank.
type Result struct {
	// OK is true if the verification passed in this rank.
	OK bool

	// SendChar and RecvChar are the memory characters reported for the send and receive buffers.
	SendChar, RecvChar byte

	// Bytes per rank of each operation.
	Bytes int64

	// Iterations measured in Elapsed. If 0, Env.Iterations is reported.
	Iterations int

	// Elapsed time of the timed loop (or operation).
	Elapsed time.Duration
}

// Env is the environment of a Test in one rank.
type Env struct {
	Comm   mpi.Comm
	Config *Config

	// Device bound to the rank, or nil if the configuration doesn't use device memory.
	Device devices.Device

	// Elements and Iterations resolved from the configuration and the test's defaults.
	Elements, Iterations int

	test *Test
}

// Rank of the environment in its world.
func (e *Env) Rank() int { return e.Comm.Rank() }

// Size of the world.
func (e *Env) Size() int { return e.Comm.Size() }

// DType configured for the elements.
func (e *Env) DType() dtypes.DType { return e.Config.DType }

// NewBuffer creates a not yet allocated buffer of the given kind, on the rank's device for device buffers.
func (e *Env) NewBuffer(kind buffers.Kind) (buffers.Buffer, error) {
	return buffers.New(kind, e.Device)
}

// Alloc creates a buffer of the given kind in env and allocates count elements of T, initialized by init, following
// the allocation protocol (see buffers.Alloc).
func Alloc[T dtypes.Supported](env *Env, kind buffers.Kind, count int, init func(flat []T)) (*buffers.Operand[T], error) {
	buf, err := env.NewBuffer(kind)
	if err != nil {
		return nil, err
	}
	op, err := buffers.Alloc[T](buf, count, init)
	if err != nil {
		return nil, errors.WithMessagef(err, "rank %d: %s failed to allocate %s buffer", env.Rank(), env.test.Name, kind)
	}
	return op, nil
}

// Agree is a collective that makes every rank learn whether any rank failed: it returns nil only if err is nil
// on every rank. It returns err on the ranks where it failed, and ErrPeerFailed on the others.
//
// Tests call it after allocating their buffers, so a partial allocation failure is fatal everywhere.
func (e *Env) Agree(err error) error {
	allOK, commErr := report.AllTrue(e.Comm, err == nil)
	if commErr != nil {
		if err != nil {
			return err
		}
		return commErr
	}
	if allOK {
		return nil
	}
	if err != nil {
		return err
	}
	return errors.WithStack(ErrPeerFailed)
}

// ScratchPath returns the path of a scratch file in the configured scratch directory.
func (e *Env) ScratchPath(name string) string {
	return filepath.Join(e.Config.ScratchDir, name)
}

// NewProgress returns the progress bar of a timed loop with numIterations, or nil if it is not enabled or if
// this is not rank 0.
func (e *Env) NewProgress(numIterations int) *report.Progress {
	return report.NewProgress(e.Config.Progress, e.Rank(), e.test.Name, numIterations, e.Config.output())
}

// TimedLoop synchronizes all ranks with a barrier and then times numIterations calls to fn, advancing the
// progress bar (if enabled) after each one.
func (e *Env) TimedLoop(numIterations int, fn func(i int) error) (time.Duration, error) {
	if err := e.Comm.Barrier(); err != nil {
		return 0, err
	}
	progress := e.NewProgress(numIterations)
	defer progress.Done()
	start := time.Now()
	for i := range numIterations {
		if err := fn(i); err != nil {
			return 0, errors.WithMessagef(err, "iteration %d", i)
		}
		progress.Add(1)
	}
	return time.Since(start), nil
}

// Execute runs test in the rank of comm and reports the results. It returns whether the test passed on all
// ranks. Errors are fatal: the caller is expected to abort the world.
func Execute(comm mpi.Comm, cfg *Config, test *Test) (passed bool, err error) {
	if test.NumRanks > 0 && comm.Size() != test.NumRanks {
		return false, errors.Errorf("%s requires exactly %d processes, got %d", test.Name, test.NumRanks, comm.Size())
	}
	env := &Env{
		Comm:       comm,
		Config:     cfg,
		Elements:   test.Elements,
		Iterations: test.Iterations,
		test:       test,
	}
	if cfg.Elements > 0 {
		env.Elements = cfg.Elements
	}
	if cfg.Iterations > 0 {
		env.Iterations = cfg.Iterations
	}

	// Bind the rank to its device.
	var openErr error
	if cfg.NeedsDevice() {
		env.Device, openErr = devices.Open(cfg.DeviceConfig(), comm.Rank())
		if env.Device != nil {
			defer func() {
				if finalizeErr := env.Device.Finalize(); finalizeErr != nil && err == nil {
					err = finalizeErr
				}
			}()
			klog.V(1).Infof("rank %d bound to %s", comm.Rank(), env.Device.Description())
		}
	}
	if err := env.Agree(openErr); err != nil {
		return false, errors.WithMessagef(err, "rank %d: failed to bind device", comm.Rank())
	}

	var result *Result
	exception := exceptions.TryCatch[error](func() { result, err = test.Run(env) })
	if exception != nil {
		err = exception
	}
	if err == nil && result == nil {
		err = errors.New("test returned no result")
	}
	if err != nil {
		return false, errors.WithMessagef(err, "rank %d: %s", comm.Rank(), test.Name)
	}

	iterations := result.Iterations
	if iterations <= 0 {
		iterations = max(env.Iterations, 1)
	}
	w := cfg.output()
	passed, err = report.TestResult(w, comm, test.Name, result.SendChar, result.RecvChar, result.OK)
	if err != nil {
		return false, err
	}
	err = report.Performance(w, comm, report.Measurement{
		Name:       test.Name,
		SendChar:   result.SendChar,
		RecvChar:   result.RecvChar,
		Elements:   env.Elements,
		Bytes:      result.Bytes,
		Iterations: iterations,
		Seconds:    result.Elapsed.Seconds(),
	})
	return passed, err
}
