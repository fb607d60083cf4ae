// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package suite implements the MPI buffer tests: each one allocates its send and receive buffers in host or
// device memory (as configured), initializes them with a known pattern, runs one MPI operation, verifies the
// result and reports it.
//
// Each test is a *mpitest.Test, to be run with mpitest.Run or from a command with mpitest.Main.
package suite

import (
	"slices"
	"strings"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/mpitests/mpitest"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// root of the collective operations.
const root = 0

// All returns all the tests of the suite, sorted by name.
func All() []*mpitest.Test {
	tests := []*mpitest.Test{Scatter, Scatterv, Pt2ptBlMult, FileReadAll, FileWriteAll}
	slices.SortFunc(tests, func(a, b *mpitest.Test) int { return strings.Compare(a.Name, b.Name) })
	return tests
}

// ByName returns the test with the given name. The "hip_" prefix is optional.
func ByName(name string) (*mpitest.Test, error) {
	for _, test := range All() {
		if test.Name == name || strings.TrimPrefix(test.Name, "hip_") == name {
			return test, nil
		}
	}
	names := make([]string, 0, len(All()))
	for _, test := range All() {
		names = append(names, test.Name)
	}
	return nil, errors.Errorf("unknown test %q, valid tests are %v", name, names)
}

// runFunc is the per-rank body of a test.
type runFunc = func(env *mpitest.Env) (*mpitest.Result, error)

// forDTypes returns a Test.Run that calls the instantiation of a generic test for the configured dtype.
func forDTypes(f64, f32, f16, i32, i64 runFunc) runFunc {
	return func(env *mpitest.Env) (*mpitest.Result, error) {
		switch env.DType() {
		case dtypes.Float64:
			return f64(env)
		case dtypes.Float32:
			return f32(env)
		case dtypes.Float16:
			return f16(env)
		case dtypes.Int32:
			return i32(env)
		case dtypes.Int64:
			return i64(env)
		}
		return nil, errors.Errorf("dtype %s not supported", env.DType())
	}
}

// logMismatch logs the first mismatched element found in verification.
func logMismatch[T any](env *mpitest.Env, what string, index int, got, want T) {
	klog.Errorf("rank %d: %s[%d] = %v, wanted %v", env.Rank(), what, index, got, want)
}
