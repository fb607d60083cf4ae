// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package mpitest

import (
	"flag"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/mpitests/buffers"
	"github.com/gomlx/mpitests/devices"
	"github.com/gomlx/mpitests/mpi"
	"github.com/pkg/errors"
)

// Config of a test run, usually set from the command line (see Config.RegisterFlags).
type Config struct {
	// SendKind and RecvKind select the memory of the send and receive buffers.
	SendKind, RecvKind buffers.Kind

	// Elements per rank. If 0, the test's default is used.
	Elements int

	// Iterations of the timed loop. If 0, the test's default is used.
	Iterations int

	// Device configuration, see devices.Open. If empty, devices.DefaultConfigString() is used.
	Device string

	// Launcher of the world, see mpi.Launch. If empty, mpi.DefaultLauncher is used.
	Launcher string

	// NumRanks for launchers that start the ranks themselves (the in-process world). If 0, the test's required
	// number of ranks is used, or 2.
	NumRanks int

	// DType of the elements, for tests that support more than one.
	DType dtypes.DType

	// ScratchDir is where scratch files are created.
	ScratchDir string

	// Progress enables a progress bar of the timed loops on rank 0.
	Progress bool

	// Output of the reports. Defaults to os.Stdout.
	Output io.Writer
}

// DefaultNumRanks is the number of ranks of the in-process world if neither the configuration nor the test
// define it.
const DefaultNumRanks = 2

// SupportedDTypes are the element types selectable with -dtype.
var SupportedDTypes = []dtypes.DType{dtypes.Float64, dtypes.Float32, dtypes.Float16, dtypes.Int32, dtypes.Int64}

// DefaultConfig returns a configuration with host buffers for both sides and the defaults of each test.
func DefaultConfig() *Config {
	return &Config{
		SendKind:   buffers.Host,
		RecvKind:   buffers.Host,
		DType:      dtypes.Float64,
		ScratchDir: ".",
		Output:     os.Stdout,
	}
}

// kindFlag implements flag.Value for a buffers.Kind.
type kindFlag struct{ kind *buffers.Kind }

func (f kindFlag) String() string {
	if f.kind == nil {
		return ""
	}
	return string(f.kind.MemChar())
}

func (f kindFlag) Set(s string) error {
	kind, err := buffers.ParseKind(s)
	if err != nil {
		return err
	}
	*f.kind = kind
	return nil
}

// dtypeFlag implements flag.Value for one of SupportedDTypes.
type dtypeFlag struct{ dtype *dtypes.DType }

func (f dtypeFlag) String() string {
	if f.dtype == nil {
		return ""
	}
	return strings.ToLower(f.dtype.String())
}

func (f dtypeFlag) Set(s string) error {
	dtype, err := ParseDType(s)
	if err != nil {
		return err
	}
	*f.dtype = dtype
	return nil
}

// ParseDType parses the name of one of the SupportedDTypes, case-insensitive.
func ParseDType(s string) (dtypes.DType, error) {
	s = strings.TrimSpace(s)
	for name, dtype := range dtypes.MapOfNames {
		if strings.EqualFold(name, s) && slices.Contains(SupportedDTypes, dtype) {
			return dtype, nil
		}
	}
	names := make([]string, 0, len(SupportedDTypes))
	for _, dtype := range SupportedDTypes {
		names = append(names, strings.ToLower(dtype.String()))
	}
	return dtypes.InvalidDType, errors.Errorf("unsupported dtype %q: valid values are %v", s, names)
}

// RegisterFlags registers the command-line flags of the configuration in fs, with the current values of c as
// defaults.
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.Var(kindFlag{&c.SendKind}, "s", `Memory of the send buffer: "H" (host) or "D" (device).`)
	fs.Var(kindFlag{&c.RecvKind}, "r", `Memory of the receive buffer: "H" (host) or "D" (device).`)
	fs.IntVar(&c.Elements, "n", c.Elements, "Number of elements per process. If 0, the test's default is used.")
	fs.IntVar(&c.Iterations, "iters", c.Iterations, "Number of timed iterations. If 0, the test's default is used.")
	fs.StringVar(&c.Device, "device", c.Device,
		fmt.Sprintf("Device configuration \"<name>[:<config>]\" (e.g. \"sim:1GiB\", \"pjrt:cuda\", \"hip\"). "+
			"If empty, $%s or the default device is used.", devices.MPITEST_DEVICE))
	fs.StringVar(&c.Launcher, "mpi", c.Launcher,
		fmt.Sprintf("MPI implementation: \"local\" (in-process ranks) or \"openmpi\" (requires build tag \"mpi\"). "+
			"Default is %q.", mpi.DefaultLauncher))
	fs.IntVar(&c.NumRanks, "np", c.NumRanks,
		"Number of ranks of the in-process world (-mpi=local). If 0, the test's requirement or 2 is used.")
	fs.Var(dtypeFlag{&c.DType}, "dtype", "Element type for tests that support it: float64, float32, float16, int32 or int64.")
	fs.StringVar(&c.ScratchDir, "scratch", c.ScratchDir, "Directory for the scratch files of the file tests.")
	fs.BoolVar(&c.Progress, "progress", c.Progress, "Display a progress bar of the timed iterations.")
}

// NeedsDevice returns whether any side of the test uses device memory.
func (c *Config) NeedsDevice() bool {
	return c.SendKind == buffers.Device || c.RecvKind == buffers.Device
}

// DeviceConfig returns the device configuration to open.
func (c *Config) DeviceConfig() string {
	if c.Device != "" {
		return c.Device
	}
	return devices.DefaultConfigString()
}

// output returns the writer of the reports.
func (c *Config) output() io.Writer {
	if c.Output == nil {
		return os.Stdout
	}
	return c.Output
}
