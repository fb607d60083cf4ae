// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package mpitest

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/mpitests/buffers"
	"github.com/gomlx/mpitests/mpi"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	// Default devices and the in-process world.
	_ "github.com/gomlx/mpitests/devices/default"
	_ "github.com/gomlx/mpitests/mpi/local"
)

// Run launches a world with the configured launcher and executes test on every rank.
// It returns whether the test passed. An error means the run was aborted.
func Run(ctx context.Context, cfg *Config, test *Test) (bool, error) {
	numRanks := cfg.NumRanks
	if numRanks <= 0 {
		numRanks = test.NumRanks
	}
	if numRanks <= 0 {
		numRanks = DefaultNumRanks
	}
	numLive := buffers.NumLive()
	var passed atomic.Bool
	err := mpi.Launch(ctx, cfg.Launcher, numRanks, func(comm mpi.Comm) error {
		ok, err := Execute(comm, cfg, test)
		if err != nil {
			return err
		}
		passed.Store(ok)
		return nil
	})
	if err == nil {
		if leaked := buffers.NumLive() - numLive; leaked > 0 {
			klog.Warningf("%s: %d buffers not released: %v", test.Name, leaked, buffers.ListLive())
		}
	}
	return passed.Load(), err
}

// ExitCode of a run: 0 if passed, the abort code if aborted, 1 otherwise.
func ExitCode(passed bool, err error) int {
	if err != nil {
		return mpi.ExitCode(err)
	}
	if !passed {
		return 1
	}
	return 0
}

// Main is the main function of a test program: it parses the command line flags, runs the test and exits with
// the resulting exit code. It doesn't return.
func Main(test *Test) {
	klog.InitFlags(nil)
	cfg := DefaultConfig()
	cfg.RegisterFlags(flag.CommandLine)
	flag.Usage = func() {
		_, _ = fmt.Fprintf(flag.CommandLine.Output(), "Usage of %s: test %s with buffers in host or device memory.\n\n",
			os.Args[0], test.Name)
		flag.PrintDefaults()
	}
	flag.Parse()
	Exit(RunMain(cfg, test))
}

// Exit finalizes the MPI launchers and exits with code, or 1 if code is 0 but the finalization failed.
func Exit(code int) {
	if err := mpi.Finalize(); err != nil && code == 0 {
		code = 1
	}
	os.Exit(code)
}

// RunMain runs test with cfg, logging fatal errors, and returns the exit code.
// An interrupt (Ctrl+C) aborts the world.
func RunMain(cfg *Config, test *Test) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	var passed bool
	var err error
	exception := exceptions.TryCatch[error](func() { passed, err = Run(ctx, cfg, test) })
	if exception != nil {
		err = errors.WithMessage(exception, "panic")
	}
	if err != nil {
		klog.Errorf("%s aborted: %+v", test.Name, err)
	}
	return ExitCode(passed, err)
}
