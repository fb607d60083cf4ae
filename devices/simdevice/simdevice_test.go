// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package simdevice

import (
	"testing"

	"github.com/gomlx/mpitests/devices"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestMallocAndMemcpy(t *testing.T) {
	d, err := New("", 0)
	require.NoError(t, err)
	defer func() { require.NoError(t, d.Finalize()) }()

	ptr, err := d.Malloc(16)
	require.NoError(t, err)
	require.NotEqual(t, devices.NilPtr, ptr)
	require.Zero(t, uint64(ptr)%Alignment)

	src := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	require.NoError(t, d.MemcpyHtoD(ptr, 8, src))
	dst := make([]byte, 16)
	require.NoError(t, d.MemcpyDtoH(dst, ptr, 0))
	require.Equal(t, []byte{0, 0, 0, 0, 0, 0, 0, 0, 1, 2, 3, 4, 5, 6, 7, 8}, dst)

	used, total := d.MemInfo()
	require.Equal(t, int64(16), used)
	require.Equal(t, int64(DefaultCapacity), total)

	require.NoError(t, d.Free(ptr))
	used, _ = d.MemInfo()
	require.Zero(t, used)
}

func TestOutOfBounds(t *testing.T) {
	d, err := New("", 1)
	require.NoError(t, err)
	ptr, err := d.Malloc(4)
	require.NoError(t, err)

	err = d.MemcpyHtoD(ptr, 2, []byte{1, 2, 3})
	require.True(t, errors.Is(err, devices.ErrInvalidAddress), "got %+v", err)
	err = d.MemcpyDtoH(make([]byte, 5), ptr, 0)
	require.True(t, errors.Is(err, devices.ErrInvalidAddress), "got %+v", err)
	err = d.MemcpyDtoH(make([]byte, 1), ptr+Alignment, 0)
	require.True(t, errors.Is(err, devices.ErrInvalidAddress), "got %+v", err)

	require.NoError(t, d.Free(ptr))
	err = d.Free(ptr)
	require.True(t, errors.Is(err, devices.ErrInvalidAddress), "double free must fail, got %+v", err)
}

func TestCapacity(t *testing.T) {
	d, err := New("1KiB", 0)
	require.NoError(t, err)
	_, total := d.MemInfo()
	require.Equal(t, int64(1024), total)

	ptr, err := d.Malloc(1000)
	require.NoError(t, err)
	_, err = d.Malloc(100)
	require.True(t, errors.Is(err, devices.ErrOutOfMemory), "got %+v", err)
	require.NoError(t, d.Free(ptr))
	ptr, err = d.Malloc(100)
	require.NoError(t, err)
	require.Equal(t, 1, d.NumAllocations())

	_, err = New("lots", 0)
	require.Error(t, err)
}

func TestZeroSizedAllocations(t *testing.T) {
	d, err := New("", 0)
	require.NoError(t, err)
	p0, err := d.Malloc(0)
	require.NoError(t, err)
	p1, err := d.Malloc(0)
	require.NoError(t, err)
	require.NotEqual(t, p0, p1)
	require.NoError(t, d.MemcpyHtoD(p0, 0, nil))
	require.NoError(t, d.Free(p0))
	require.NoError(t, d.Free(p1))
}

func TestDeviceNumbersDontShareAddresses(t *testing.T) {
	d0, err := New("", 0)
	require.NoError(t, err)
	d1, err := New("", 1)
	require.NoError(t, err)
	p0, err := d0.Malloc(8)
	require.NoError(t, err)
	p1, err := d1.Malloc(8)
	require.NoError(t, err)
	require.NotEqual(t, p0, p1)
	err = d1.Free(p0)
	require.True(t, errors.Is(err, devices.ErrInvalidAddress))
}

func TestFinalize(t *testing.T) {
	d, err := New("", 0)
	require.NoError(t, err)
	_, err = d.Malloc(8)
	require.NoError(t, err)
	require.NoError(t, d.Finalize())
	require.NoError(t, d.Finalize())
	_, err = d.Malloc(8)
	require.True(t, errors.Is(err, devices.ErrFinalized))
}

func TestRegistered(t *testing.T) {
	require.Contains(t, devices.List(), Name)
	d, err := devices.Open("sim:2MiB", 3)
	require.NoError(t, err)
	require.Equal(t, Name, d.Name())
	require.Equal(t, 3, d.DeviceNum())
	_, total := d.MemInfo()
	require.Equal(t, int64(2<<20), total)
	require.Contains(t, d.Description(), "#3")
}
