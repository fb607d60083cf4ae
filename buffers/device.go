// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package buffers

import (
	"unsafe"

	"github.com/gomlx/mpitests/devices"
	"github.com/pkg/errors"
)

// DeviceBuffer is a Buffer in device memory. It always needs a staging buffer: CopyTo and CopyFrom use the
// device's host<->device transfer primitives.
type DeviceBuffer struct {
	region
	device devices.Device
	ptr    devices.Ptr
}

// Compile-time check that DeviceBuffer implements Buffer.
var _ Buffer = (*DeviceBuffer)(nil)

// NewDevice creates a not yet allocated DeviceBuffer on the given device.
func NewDevice(device devices.Device) *DeviceBuffer {
	return &DeviceBuffer{device: device}
}

// Kind implements Buffer.
func (b *DeviceBuffer) Kind() Kind { return Device }

// MemChar implements Buffer.
func (b *DeviceBuffer) MemChar() byte { return Device.MemChar() }

// Device returns the device holding the buffer.
func (b *DeviceBuffer) Device() devices.Device { return b.device }

// Ptr returns the device address of the region. It is not dereferenceable by Go code.
func (b *DeviceBuffer) Ptr() devices.Ptr { return b.ptr }

// Allocate implements Buffer.
func (b *DeviceBuffer) Allocate(count, elementSize int) error {
	numBytes, err := b.prepareAllocation(count, elementSize)
	if err != nil {
		return err
	}
	ptr, err := b.device.Malloc(numBytes)
	if err != nil {
		return errors.Wrapf(ErrAllocation, "%d elements of %d bytes on %s: %v", count, elementSize,
			b.device.Description(), err)
	}
	b.ptr = ptr
	b.count, b.elementSize = count, elementSize
	b.allocated = true
	b.live = acquireLive(Device, numBytes)
	return nil
}

// Bytes implements Buffer: device memory is not accessible by the host, so it always returns nil.
func (b *DeviceBuffer) Bytes() []byte { return nil }

// UnsafePointer returns the device address as a pointer, if the device supports it (see
// devices.PointerDevice), to be handed to a GPU-aware MPI library. Otherwise, it returns nil.
func (b *DeviceBuffer) UnsafePointer() unsafe.Pointer {
	if pd, ok := b.device.(devices.PointerDevice); ok && b.allocated && !b.released {
		return pd.UnsafePointer(b.ptr)
	}
	return nil
}

// NeedsStagingBuffer implements Buffer: always true for device memory.
func (b *DeviceBuffer) NeedsStagingBuffer() bool { return true }

// CopyTo implements Buffer, with a host to device transfer.
func (b *DeviceBuffer) CopyTo(src []byte) error {
	_, err := b.WriteAt(src, 0)
	return err
}

// CopyFrom implements Buffer, with a device to host transfer.
func (b *DeviceBuffer) CopyFrom(dst []byte) error {
	_, err := b.ReadAt(dst, 0)
	return err
}

// ReadAt implements io.ReaderAt with a device to host transfer.
func (b *DeviceBuffer) ReadAt(p []byte, off int64) (int, error) {
	if err := b.checkUsable(); err != nil {
		return 0, err
	}
	if err := checkRange(off, len(p), b.Len()); err != nil {
		return 0, err
	}
	if err := b.device.MemcpyDtoH(p, b.ptr, int(off)); err != nil {
		return 0, err
	}
	return len(p), nil
}

// WriteAt implements io.WriterAt with a host to device transfer.
func (b *DeviceBuffer) WriteAt(p []byte, off int64) (int, error) {
	if err := b.checkUsable(); err != nil {
		return 0, err
	}
	if err := checkRange(off, len(p), b.Len()); err != nil {
		return 0, err
	}
	if err := b.device.MemcpyHtoD(b.ptr, int(off), p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Release implements Buffer, freeing the device memory.
func (b *DeviceBuffer) Release() error {
	if b.released {
		return errors.WithStack(ErrReleased)
	}
	b.released = true
	if !b.allocated {
		return nil
	}
	b.live.release()
	return b.device.Free(b.ptr)
}
