// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package mpitest

import (
	"bytes"
	"context"
	"flag"
	"testing"
	"time"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/mpitests/buffers"
	"github.com/gomlx/mpitests/mpi"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testConfig returns a configuration for the in-process world with simulated devices, reporting to out.
func testConfig(out *bytes.Buffer) *Config {
	cfg := DefaultConfig()
	cfg.Launcher = "local"
	cfg.Device = "sim"
	cfg.ScratchDir = ""
	cfg.Output = out
	return cfg
}

func run(t *testing.T, cfg *Config, test *Test) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	return Run(ctx, cfg, test)
}

func TestRegisterFlags(t *testing.T) {
	cfg := DefaultConfig()
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	cfg.RegisterFlags(fs)
	require.NoError(t, fs.Parse([]string{"-s=D", "-r", "h", "-n=10", "-iters=3", "-device=sim:1MiB",
		"-np=4", "-dtype=Float32", "-progress"}))
	assert.Equal(t, buffers.Device, cfg.SendKind)
	assert.Equal(t, buffers.Host, cfg.RecvKind)
	assert.Equal(t, 10, cfg.Elements)
	assert.Equal(t, 3, cfg.Iterations)
	assert.Equal(t, "sim:1MiB", cfg.DeviceConfig())
	assert.Equal(t, 4, cfg.NumRanks)
	assert.Equal(t, dtypes.Float32, cfg.DType)
	assert.True(t, cfg.Progress)
	assert.True(t, cfg.NeedsDevice())

	fs = flag.NewFlagSet("test", flag.ContinueOnError)
	fs.SetOutput(&bytes.Buffer{})
	DefaultConfig().RegisterFlags(fs)
	require.Error(t, fs.Parse([]string{"-s=X"}))
}

func TestParseDType(t *testing.T) {
	for _, dtype := range SupportedDTypes {
		got, err := ParseDType(dtype.String())
		require.NoError(t, err)
		assert.Equal(t, dtype, got)
	}
	got, err := ParseDType(" int64 ")
	require.NoError(t, err)
	assert.Equal(t, dtypes.Int64, got)
	_, err = ParseDType("complex64")
	require.Error(t, err)
	_, err = ParseDType("foo")
	require.Error(t, err)
}

func TestRun(t *testing.T) {
	var out bytes.Buffer
	cfg := testConfig(&out)
	cfg.SendKind = buffers.Device
	numLive := buffers.NumLive()
	var elements [3]int
	test := &Test{
		Name:       "fill",
		Elements:   8,
		Iterations: 2,
		Run: func(env *Env) (*Result, error) {
			elements[env.Rank()] = env.Elements
			op, err := Alloc(env, env.Config.SendKind, env.Elements, func(flat []float32) {
				buffers.Fill(flat, func(i int) float32 { return float32(i) })
			})
			defer func() { _ = op.Release() }()
			if err := env.Agree(err); err != nil {
				return nil, err
			}
			if !op.HasStaging() {
				return nil, errors.New("device operand without staging")
			}
			var count int
			elapsed, err := env.TimedLoop(env.Iterations, func(int) error {
				count++
				return nil
			})
			if err != nil {
				return nil, err
			}
			ok, err := op.Verify(func(flat []float32) bool {
				ok, _ := buffers.CheckAll(flat, func(i int) float32 { return float32(i) })
				return ok && count == env.Iterations
			})
			if err != nil {
				return nil, err
			}
			return &Result{OK: ok, SendChar: op.MemChar(), RecvChar: '-', Bytes: 32, Elapsed: elapsed}, nil
		},
	}
	cfg.NumRanks = 3
	cfg.Elements = 16
	passed, err := run(t, cfg, test)
	require.NoError(t, err)
	assert.True(t, passed)
	assert.Equal(t, [3]int{16, 16, 16}, elements)
	assert.Contains(t, out.String(), "fill D -")
	assert.Contains(t, out.String(), "PASSED")
	assert.Contains(t, out.String(), "16")
	assert.Equal(t, numLive, buffers.NumLive())
	assert.Equal(t, 0, ExitCode(passed, err))
}

func TestRunFailedVerification(t *testing.T) {
	var out bytes.Buffer
	cfg := testConfig(&out)
	test := &Test{
		Name: "mismatch",
		Run: func(env *Env) (*Result, error) {
			return &Result{OK: env.Rank() != 1, SendChar: 'H', RecvChar: 'H'}, nil
		},
	}
	passed, err := run(t, cfg, test)
	require.NoError(t, err)
	assert.False(t, passed)
	assert.Contains(t, out.String(), "mismatch H H")
	assert.Contains(t, out.String(), "FAILED")
	assert.Equal(t, 1, ExitCode(passed, err))
}

func TestAgree(t *testing.T) {
	var out bytes.Buffer
	cfg := testConfig(&out)
	cfg.NumRanks = 4
	errs := make([]error, cfg.NumRanks)
	injected := errors.New("injected allocation failure")
	test := &Test{
		Name: "agree",
		Run: func(env *Env) (*Result, error) {
			var err error
			if env.Rank() == 2 {
				err = injected
			}
			errs[env.Rank()] = env.Agree(err)
			return &Result{OK: true, SendChar: 'H', RecvChar: 'H'}, nil
		},
	}
	passed, err := run(t, cfg, test)
	require.NoError(t, err)
	assert.True(t, passed)
	for rank, err := range errs {
		if rank == 2 {
			assert.Equal(t, injected, err)
		} else {
			assert.True(t, errors.Is(err, ErrPeerFailed), "rank %d: got %v", rank, err)
		}
	}
}

func TestRunErrors(t *testing.T) {
	var out bytes.Buffer
	cfg := testConfig(&out)

	// Wrong number of ranks.
	cfg.NumRanks = 3
	passed, err := run(t, cfg, &Test{Name: "pair", NumRanks: 2, Run: func(env *Env) (*Result, error) {
		return &Result{OK: true}, nil
	}})
	require.Error(t, err)
	assert.False(t, passed)
	assert.True(t, errors.Is(err, mpi.ErrAborted), "got %+v", err)
	assert.Equal(t, 1, ExitCode(passed, err))

	// A panic in one rank aborts all of them.
	cfg.NumRanks = 2
	passed, err = run(t, cfg, &Test{Name: "panic", Run: func(env *Env) (*Result, error) {
		if env.Rank() == 1 {
			panic(errors.New("boom"))
		}
		return &Result{OK: true}, env.Comm.Barrier()
	}})
	require.Error(t, err)
	assert.False(t, passed)
	assert.ErrorContains(t, err, "boom")

	// Device allocation failure on every rank: fatal, and nothing is left allocated.
	numLive := buffers.NumLive()
	cfg.Device = "sim:1KiB"
	cfg.SendKind = buffers.Device
	passed, err = run(t, cfg, &Test{Name: "oom", Run: func(env *Env) (*Result, error) {
		op, err := Alloc[float64](env, buffers.Device, 1024, nil)
		defer func() { _ = op.Release() }()
		if err := env.Agree(err); err != nil {
			return nil, err
		}
		return &Result{OK: true}, nil
	}})
	require.Error(t, err)
	assert.False(t, passed)
	assert.True(t, errors.Is(err, buffers.ErrAllocation), "got %+v", err)
	assert.Equal(t, numLive, buffers.NumLive())
	assert.Empty(t, out.String())

	// Allocation failure on a single rank: its error is the reported one, not the peers' ErrPeerFailed.
	cfg.NumRanks = 4
	for range 5 {
		passed, err = run(t, cfg, &Test{Name: "oom1", Run: func(env *Env) (*Result, error) {
			count := 8
			if env.Rank() == 3 {
				count = 1024
			}
			op, err := Alloc[float64](env, buffers.Device, count, nil)
			defer func() { _ = op.Release() }()
			if err := env.Agree(err); err != nil {
				return nil, err
			}
			return &Result{OK: true}, nil
		}})
		require.Error(t, err)
		assert.False(t, passed)
		assert.True(t, errors.Is(err, buffers.ErrAllocation), "got %+v", err)
		assert.False(t, errors.Is(err, ErrPeerFailed), "got %+v", err)
		var abortErr *mpi.AbortError
		require.True(t, errors.As(err, &abortErr))
		assert.Equal(t, 3, abortErr.Rank)
		assert.Equal(t, numLive, buffers.NumLive())
	}
}

func TestRunMainUnknownLauncher(t *testing.T) {
	var out bytes.Buffer
	cfg := testConfig(&out)
	cfg.Launcher = "nonexistent"
	assert.Equal(t, 1, RunMain(cfg, &Test{Name: "none"}))
}
