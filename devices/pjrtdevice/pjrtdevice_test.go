// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package pjrtdevice

import (
	"flag"
	"testing"

	"github.com/gomlx/mpitests/devices"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"k8s.io/klog/v2"
)

var flagPlugin = flag.String("plugin", "cpu", "PJRT plugin name or path used in tests. E.g. \"cpu\" or \"cuda\".")

func init() {
	klog.InitFlags(nil)
}

// openOrSkip opens the device, and skips the test if the PJRT plugin is not available.
func openOrSkip(t *testing.T, deviceNum int) *Device {
	d, err := New(*flagPlugin, deviceNum)
	if err != nil {
		t.Skipf("PJRT plugin %q not available: %v", *flagPlugin, err)
	}
	return d
}

func TestRoundTrip(t *testing.T) {
	d := openOrSkip(t, 0)
	defer func() { require.NoError(t, d.Finalize()) }()

	ptr, err := d.Malloc(12)
	require.NoError(t, err)
	pattern := []byte{0xde, 0xad, 0xbe, 0xef, 1, 2, 3, 4, 5, 6, 7, 8}
	require.NoError(t, d.MemcpyHtoD(ptr, 0, pattern))
	got := make([]byte, len(pattern))
	require.NoError(t, d.MemcpyDtoH(got, ptr, 0))
	require.Equal(t, pattern, got)

	// Partial overwrite keeps the rest of the allocation.
	require.NoError(t, d.MemcpyHtoD(ptr, 4, []byte{9, 9}))
	require.NoError(t, d.MemcpyDtoH(got, ptr, 0))
	require.Equal(t, []byte{0xde, 0xad, 0xbe, 0xef, 9, 9, 3, 4, 5, 6, 7, 8}, got)

	tail := make([]byte, 2)
	require.NoError(t, d.MemcpyDtoH(tail, ptr, 10))
	require.Equal(t, []byte{7, 8}, tail)

	used, _ := d.MemInfo()
	require.Equal(t, int64(12), used)
	require.NoError(t, d.Free(ptr))
	err = d.Free(ptr)
	require.True(t, errors.Is(err, devices.ErrInvalidAddress))
}

func TestBounds(t *testing.T) {
	d := openOrSkip(t, 1)
	defer func() { require.NoError(t, d.Finalize()) }()
	ptr, err := d.Malloc(4)
	require.NoError(t, err)
	err = d.MemcpyHtoD(ptr, 3, []byte{1, 2})
	require.True(t, errors.Is(err, devices.ErrInvalidAddress), "got %+v", err)
	require.NoError(t, d.Free(ptr))
}
