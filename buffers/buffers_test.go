// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package buffers

import (
	"testing"

	"github.com/gomlx/mpitests/devices/simdevice"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
)

func newSimDevice(t *testing.T, config string) *simdevice.Device {
	d, err := simdevice.New(config, 0)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, d.Finalize()) })
	return d
}

func TestParseKind(t *testing.T) {
	for _, s := range []string{"H", "h", "host", " Host "} {
		k, err := ParseKind(s)
		require.NoError(t, err)
		assert.Equal(t, Host, k)
	}
	for _, s := range []string{"D", "d", "device", "DEVICE"} {
		k, err := ParseKind(s)
		require.NoError(t, err)
		assert.Equal(t, Device, k)
	}
	_, err := ParseKind("X")
	require.Error(t, err)
	assert.Equal(t, byte('H'), Host.MemChar())
	assert.Equal(t, byte('D'), Device.MemChar())
}

func TestHostNeverStages(t *testing.T) {
	numLive := NumLive()
	buf, err := New(Host, nil)
	require.NoError(t, err)
	op, err := Alloc[float64](buf, 10, func(flat []float64) {
		Fill(flat, func(i int) float64 { return float64(i) })
	})
	require.NoError(t, err)
	assert.False(t, op.HasStaging())
	assert.Equal(t, numLive+1, NumLive())
	assert.Equal(t, 80, buf.Len())
	assert.Equal(t, byte('H'), op.MemChar())

	// Host view is the buffer itself.
	flat := op.Host()
	flat[3] = 33
	assert.Equal(t, float64(33), FromBytes[float64](buf.Bytes())[3])

	ok, err := op.Verify(func(flat []float64) bool {
		ok, _ := CheckAll(flat, func(i int) float64 {
			if i == 3 {
				return 33
			}
			return float64(i)
		})
		return ok
	})
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, op.Release())
	require.NoError(t, op.Release())
	assert.Equal(t, numLive, NumLive())
}

func TestDeviceRoundTrip(t *testing.T) {
	d := newSimDevice(t, "")
	numLive := NumLive()
	buf, err := New(Device, d)
	require.NoError(t, err)
	op, err := Alloc[int32](buf, 100, func(flat []int32) {
		Fill(flat, func(i int) int32 { return int32(i * 7) })
	})
	require.NoError(t, err)
	assert.True(t, op.HasStaging())
	assert.Nil(t, buf.Bytes())
	// Primary region + staging region.
	assert.Equal(t, numLive+2, NumLive())
	assert.Len(t, ListLive(), numLive+2)

	// Scribble on the staging area: Fetch must bring back the device contents.
	Fill(op.Host(), func(int) int32 { return -1 })
	flat, err := op.Fetch()
	require.NoError(t, err)
	ok, first := CheckAll(flat, func(i int) int32 { return int32(i * 7) })
	assert.True(t, ok)
	assert.Equal(t, -1, first)

	// Push modifications and read them back with ReadAt.
	op.Host()[99] = 1000
	require.NoError(t, op.Push())
	raw := make([]byte, 4)
	_, err = buf.ReadAt(raw, 99*4)
	require.NoError(t, err)
	assert.Equal(t, int32(1000), FromBytes[int32](raw)[0])

	require.NoError(t, op.Release())
	assert.Equal(t, numLive, NumLive())
	assert.Zero(t, d.NumAllocations())
}

func TestDoubleRelease(t *testing.T) {
	for _, kind := range []Kind{Host, Device} {
		buf, err := New(kind, newSimDevice(t, ""))
		require.NoError(t, err)
		require.NoError(t, buf.Allocate(4, 8))
		require.NoError(t, buf.Release())
		err = buf.Release()
		require.True(t, errors.Is(err, ErrReleased), "%s: got %+v", kind, err)
		_, err = buf.ReadAt(make([]byte, 1), 0)
		require.True(t, errors.Is(err, ErrReleased), "%s: got %+v", kind, err)
	}
}

func TestAllocationFailure(t *testing.T) {
	d := newSimDevice(t, "1KiB")
	numLive := NumLive()
	buf := NewDevice(d)
	op, err := Alloc[float64](buf, 1024, nil)
	require.Nil(t, op)
	require.True(t, errors.Is(err, ErrAllocation), "got %+v", err)
	assert.Equal(t, numLive, NumLive())

	_, err = Alloc[float64](NewHost(), -1, nil)
	require.True(t, errors.Is(err, ErrAllocation), "got %+v", err)

	// Allocating twice fails.
	host := NewHost()
	require.NoError(t, host.Allocate(1, 1))
	require.True(t, errors.Is(host.Allocate(1, 1), ErrAllocation))
	require.NoError(t, host.Release())
}

func TestUnallocated(t *testing.T) {
	buf := NewHost()
	_, err := buf.WriteAt([]byte{1}, 0)
	require.True(t, errors.Is(err, ErrNotAllocated), "got %+v", err)
	require.NoError(t, buf.Release())
}

func TestWindow(t *testing.T) {
	for _, kind := range []Kind{Host, Device} {
		buf, err := New(kind, newSimDevice(t, ""))
		require.NoError(t, err)
		op, err := Alloc[int64](buf, 8, nil)
		require.NoError(t, err)

		w, err := ElementWindow(buf, 2, 3)
		require.NoError(t, err)
		assert.Equal(t, 24, w.Len())
		assert.Equal(t, 16, w.Offset())
		_, err = w.WriteAt(AsBytes([]int64{20, 30, 40}), 0)
		require.NoError(t, err)
		_, err = w.WriteAt(make([]byte, 8), 24)
		require.True(t, errors.Is(err, ErrOutOfBounds), "got %+v", err)

		flat, err := op.Fetch()
		require.NoError(t, err)
		assert.Equal(t, []int64{0, 0, 20, 30, 40, 0, 0, 0}, flat)
		if kind == Host {
			assert.NotNil(t, w.UnsafePointer())
		} else {
			assert.Nil(t, w.UnsafePointer())
		}

		_, err = ElementWindow(buf, 6, 3)
		require.True(t, errors.Is(err, ErrOutOfBounds), "got %+v", err)
		require.NoError(t, op.Release())
	}
}

func TestValueOf(t *testing.T) {
	assert.Equal(t, 3.0, ValueOf[float64](3))
	assert.Equal(t, float32(-2), ValueOf[float32](-2))
	assert.Equal(t, float16.Fromfloat32(7), ValueOf[float16.Float16](7))
	assert.Equal(t, int32(11), ValueOf[int32](11))
	assert.Equal(t, uint8(255), ValueOf[uint8](255))
	assert.Panics(t, func() { ValueOf[string](1) })
}

func TestCheckAll(t *testing.T) {
	ok, first := CheckAll([]int64{1, 2, 3}, func(i int) int64 { return int64(i + 1) })
	assert.True(t, ok)
	assert.Equal(t, -1, first)
	ok, first = CheckAll([]int64{1, 2, 0, 0}, func(i int) int64 { return int64(i + 1) })
	assert.False(t, ok)
	assert.Equal(t, 2, first)
	ok, _ = CheckAll([]float32{}, func(int) float32 { return 1 })
	assert.True(t, ok)
}

func TestBytesViews(t *testing.T) {
	assert.Nil(t, AsBytes([]float32{}))
	assert.Len(t, AsBytes([]float32{1, 2}), 8)
	assert.Equal(t, []int16{1}, FromBytes[int16](AsBytes([]int16{1})))
	assert.Panics(t, func() { FromBytes[int32](make([]byte, 3)) })
}
