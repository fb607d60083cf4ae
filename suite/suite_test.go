// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package suite

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/mpitests/buffers"
	"github.com/gomlx/mpitests/mpi"
	"github.com/gomlx/mpitests/mpitest"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// kindPairs are all the combinations of send and receive memory.
var kindPairs = [][2]buffers.Kind{
	{buffers.Host, buffers.Host},
	{buffers.Host, buffers.Device},
	{buffers.Device, buffers.Host},
	{buffers.Device, buffers.Device},
}

// newConfig returns a configuration for the in-process world with simulated devices and small sizes.
func newConfig(t *testing.T, numRanks int, kinds [2]buffers.Kind, out *bytes.Buffer) *mpitest.Config {
	cfg := mpitest.DefaultConfig()
	cfg.Launcher = "local"
	cfg.Device = "sim"
	cfg.NumRanks = numRanks
	cfg.SendKind, cfg.RecvKind = kinds[0], kinds[1]
	cfg.Iterations = 3
	cfg.ScratchDir = t.TempDir()
	cfg.Output = out
	return cfg
}

// runTest runs test, reporting to the *bytes.Buffer of cfg.Output, and checks that it passed, didn't leak buffers and reported its memory characters.
func runTest(t *testing.T, cfg *mpitest.Config, test *mpitest.Test, sendChar, recvChar byte) {
	numLive := buffers.NumLive()
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	passed, err := mpitest.Run(ctx, cfg, test)
	require.NoError(t, err)
	assert.True(t, passed)
	assert.Equal(t, numLive, buffers.NumLive(), "buffers leaked")
	report := cfg.Output.(*bytes.Buffer).String()
	assert.Contains(t, report, fmt.Sprintf("%s %c %c", test.Name, sendChar, recvChar))
	assert.Contains(t, report, "PASSED")
}

func TestScatter(t *testing.T) {
	for _, test := range []*mpitest.Test{Scatter, Scatterv} {
		for _, numRanks := range []int{1, 2, 4, 8} {
			for _, kinds := range kindPairs {
				t.Run(fmt.Sprintf("%s/%d/%c%c", test.Name, numRanks, kinds[0].MemChar(), kinds[1].MemChar()),
					func(t *testing.T) {
						var out bytes.Buffer
						cfg := newConfig(t, numRanks, kinds, &out)
						cfg.Elements = 13
						runTest(t, cfg, test, kinds[0].MemChar(), kinds[1].MemChar())
					})
			}
		}
	}
}

func TestScatterDTypes(t *testing.T) {
	for _, dtype := range mpitest.SupportedDTypes {
		t.Run(dtype.String(), func(t *testing.T) {
			var out bytes.Buffer
			cfg := newConfig(t, 3, [2]buffers.Kind{buffers.Device, buffers.Device}, &out)
			cfg.DType = dtype
			cfg.Elements = 7
			runTest(t, cfg, Scatterv, 'D', 'D')
		})
	}

	var out bytes.Buffer
	cfg := newConfig(t, 2, kindPairs[0], &out)
	cfg.DType = dtypes.Complex64
	_, err := mpitest.Run(context.Background(), cfg, Scatter)
	require.Error(t, err)
	assert.True(t, errors.Is(err, mpi.ErrAborted))
}

func TestPt2ptBlMult(t *testing.T) {
	for _, kinds := range kindPairs {
		t.Run(fmt.Sprintf("%c%c", kinds[0].MemChar(), kinds[1].MemChar()), func(t *testing.T) {
			var out bytes.Buffer
			cfg := newConfig(t, 2, kinds, &out)
			cfg.Elements = 64
			cfg.Iterations = 0
			runTest(t, cfg, Pt2ptBlMult, kinds[0].MemChar(), kinds[1].MemChar())
			assert.Contains(t, out.String(), "10")
		})
	}

	// Only the receiver's buffer doesn't fit in its device: its allocation failure is what's reported.
	var oomOut bytes.Buffer
	cfg := newConfig(t, 2, kindPairs[3], &oomOut)
	cfg.Device = "sim:1KiB"
	cfg.Elements = 64
	cfg.Iterations = 0
	numLive := buffers.NumLive()
	passed, err := mpitest.Run(context.Background(), cfg, Pt2ptBlMult)
	require.Error(t, err)
	assert.False(t, passed)
	assert.True(t, errors.Is(err, buffers.ErrAllocation), "got %+v", err)
	assert.False(t, errors.Is(err, mpitest.ErrPeerFailed), "got %+v", err)
	assert.Equal(t, numLive, buffers.NumLive())

	// Requires exactly 2 ranks.
	var out bytes.Buffer
	cfg = newConfig(t, 3, kindPairs[0], &out)
	passed, err = mpitest.Run(context.Background(), cfg, Pt2ptBlMult)
	require.Error(t, err)
	assert.False(t, passed)
	assert.ErrorContains(t, err, "requires exactly 2 processes")
	assert.Equal(t, 1, mpitest.ExitCode(passed, err))
}

func TestFileReadAll(t *testing.T) {
	for _, numRanks := range []int{1, 3, 4} {
		for _, recvKind := range []buffers.Kind{buffers.Host, buffers.Device} {
			t.Run(fmt.Sprintf("%d/%c", numRanks, recvKind.MemChar()), func(t *testing.T) {
				var out bytes.Buffer
				// The send memory is ignored: the input file is always written from host memory.
				cfg := newConfig(t, numRanks, [2]buffers.Kind{buffers.Device, recvKind}, &out)
				cfg.Elements = 1000
				runTest(t, cfg, FileReadAll, '-', recvKind.MemChar())
				assert.NoFileExists(t, filepath.Join(cfg.ScratchDir, OutputFileName))
			})
		}
	}
}

func TestFileReadAllRemovesInput(t *testing.T) {
	// The receive buffers don't fit in the devices: all ranks fail after rank 0 created the input file.
	var out bytes.Buffer
	cfg := newConfig(t, 2, [2]buffers.Kind{buffers.Host, buffers.Device}, &out)
	cfg.Device = "sim:1KiB"
	cfg.Elements = 1000
	numLive := buffers.NumLive()
	passed, err := mpitest.Run(context.Background(), cfg, FileReadAll)
	require.Error(t, err)
	assert.False(t, passed)
	assert.True(t, errors.Is(err, buffers.ErrAllocation), "got %+v", err)
	assert.Equal(t, numLive, buffers.NumLive())
	assert.NoFileExists(t, filepath.Join(cfg.ScratchDir, OutputFileName))
}

func TestFileWriteAll(t *testing.T) {
	for _, numRanks := range []int{1, 2, 5} {
		for _, sendKind := range []buffers.Kind{buffers.Host, buffers.Device} {
			t.Run(fmt.Sprintf("%d/%c", numRanks, sendKind.MemChar()), func(t *testing.T) {
				var out bytes.Buffer
				cfg := newConfig(t, numRanks, [2]buffers.Kind{sendKind, buffers.Device}, &out)
				cfg.Elements = 333

				// Stale output from a previous run is replaced.
				stale := filepath.Join(cfg.ScratchDir, OutputFileName)
				require.NoError(t, os.WriteFile(stale, make([]byte, 1<<16), 0o644))

				runTest(t, cfg, FileWriteAll, sendKind.MemChar(), '-')
				assert.NoFileExists(t, filepath.Join(cfg.ScratchDir, OutputFileName))
				assert.NoFileExists(t, filepath.Join(cfg.ScratchDir, InputFileName))
			})
		}
	}
}

func TestFileView(t *testing.T) {
	view, err := fileView(2, 4, 10)
	require.NoError(t, err)
	assert.Equal(t, 0, view.LB())
	assert.Equal(t, 4*10*8, view.Extent())
	assert.Equal(t, 10*8, view.Size())
	assert.Equal(t, []mpi.Block{{Offset: 2 * 10 * 8, Length: 10 * 8}}, view.Blocks())
}

func TestByName(t *testing.T) {
	names := make([]string, 0, len(All()))
	for _, test := range All() {
		names = append(names, test.Name)
	}
	assert.Equal(t, []string{"hip_file_read_all", "hip_file_write_all", "hip_pt2pt_bl_mult", "hip_scatter",
		"hip_scatterv"}, names)

	test, err := ByName("scatterv")
	require.NoError(t, err)
	assert.Same(t, Scatterv, test)
	test, err = ByName("hip_file_read_all")
	require.NoError(t, err)
	assert.Same(t, FileReadAll, test)
	_, err = ByName("gather")
	require.Error(t, err)
}
