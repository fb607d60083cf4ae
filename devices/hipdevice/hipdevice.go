// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

//go:build rocm && cgo

package hipdevice

/*
#cgo CFLAGS: -D__HIP_PLATFORM_AMD__ -I/opt/rocm/include
#cgo LDFLAGS: -L/opt/rocm/lib -lamdhip64

#include <hip/hip_runtime_api.h>
#include <stdlib.h>

static const char* hipErrorString(hipError_t err) {
    return hipGetErrorString(err);
}
*/
import "C"

import (
	"fmt"
	"runtime"
	"sync"
	"unsafe"

	"github.com/gomlx/mpitests/devices"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

func init() {
	devices.Register(Name, New)
}

// hipError converts a HIP status to an error, nil if hipSuccess.
func hipError(status C.hipError_t, op string) error {
	if status == C.hipSuccess {
		return nil
	}
	return errors.Errorf("%s failed: %s (%d)", op, C.GoString(C.hipErrorString(status)), int(status))
}

// Device is a handle to a HIP device. It implements devices.PointerDevice.
type Device struct {
	deviceNum int
	hipDevice int
	name      string

	mu          sync.Mutex
	allocations map[devices.Ptr]int
	used        int64
	finalized   bool
}

// Compile-time check that Device implements devices.PointerDevice.
var _ devices.PointerDevice = (*Device)(nil)

// New binds to the HIP device deviceNum modulo the number of visible devices.
func New(_ string, deviceNum int) (devices.Device, error) {
	var count C.int
	if err := hipError(C.hipGetDeviceCount(&count), "hipGetDeviceCount"); err != nil {
		return nil, err
	}
	if count == 0 {
		return nil, errors.New("no HIP devices found")
	}
	d := &Device{
		deviceNum:   deviceNum,
		hipDevice:   deviceNum % int(count),
		allocations: make(map[devices.Ptr]int),
	}
	var props C.hipDeviceProp_t
	err := d.bound(func() error {
		return hipError(C.hipGetDeviceProperties(&props, C.int(d.hipDevice)), "hipGetDeviceProperties")
	})
	if err != nil {
		return nil, err
	}
	d.name = C.GoString(&props.name[0])
	klog.V(1).Infof("%s: rank device #%d bound to HIP device %d (%s)", Name, deviceNum, d.hipDevice, d.name)
	return d, nil
}

// bound runs fn with the calling OS thread bound to the device: the HIP current device is per-thread state,
// and several ranks may share a process.
func (d *Device) bound(fn func() error) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	if err := hipError(C.hipSetDevice(C.int(d.hipDevice)), "hipSetDevice"); err != nil {
		return err
	}
	return fn()
}

// Name implements devices.Device.
func (d *Device) Name() string { return Name }

// Description implements devices.Device.
func (d *Device) Description() string {
	return fmt.Sprintf("HIP device %d (%s)", d.hipDevice, d.name)
}

// DeviceNum implements devices.Device.
func (d *Device) DeviceNum() int { return d.deviceNum }

// UnsafePointer implements devices.PointerDevice.
func (d *Device) UnsafePointer(ptr devices.Ptr) unsafe.Pointer {
	return unsafe.Pointer(uintptr(ptr))
}

// Malloc implements devices.Device.
func (d *Device) Malloc(numBytes int) (devices.Ptr, error) {
	if numBytes < 0 {
		return devices.NilPtr, errors.Errorf("%s: invalid allocation size %d", Name, numBytes)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.finalized {
		return devices.NilPtr, errors.WithStack(devices.ErrFinalized)
	}
	var ptr unsafe.Pointer
	err := d.bound(func() error {
		// hipMalloc of 0 bytes returns a nil pointer: allocate at least one byte so the Ptr is unique.
		return hipError(C.hipMalloc(&ptr, C.size_t(max(numBytes, 1))), "hipMalloc")
	})
	if err != nil {
		return devices.NilPtr, errors.Wrap(devices.ErrOutOfMemory, err.Error())
	}
	p := devices.Ptr(uintptr(ptr))
	d.allocations[p] = numBytes
	d.used += int64(numBytes)
	return p, nil
}

// Free implements devices.Device.
func (d *Device) Free(ptr devices.Ptr) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.finalized {
		return errors.WithStack(devices.ErrFinalized)
	}
	numBytes, found := d.allocations[ptr]
	if !found {
		return errors.WithMessagef(devices.ErrInvalidAddress, "%s: free(0x%x) of memory not allocated (or already freed)",
			Name, uint64(ptr))
	}
	delete(d.allocations, ptr)
	d.used -= int64(numBytes)
	return d.bound(func() error {
		return hipError(C.hipFree(d.UnsafePointer(ptr)), "hipFree")
	})
}

func (d *Device) lockedCheck(ptr devices.Ptr, offset, length int) error {
	if d.finalized {
		return errors.WithStack(devices.ErrFinalized)
	}
	numBytes, found := d.allocations[ptr]
	if !found {
		return errors.WithMessagef(devices.ErrInvalidAddress, "%s: address 0x%x was not allocated", Name, uint64(ptr))
	}
	if offset < 0 || length < 0 || offset+length > numBytes {
		return errors.WithMessagef(devices.ErrInvalidAddress,
			"%s: access to [%d, %d) out of bounds of allocation 0x%x of %d bytes", Name, offset, offset+length,
			uint64(ptr), numBytes)
	}
	return nil
}

// MemcpyHtoD implements devices.Device.
func (d *Device) MemcpyHtoD(dst devices.Ptr, offset int, src []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.lockedCheck(dst, offset, len(src)); err != nil {
		return errors.WithMessage(err, "MemcpyHtoD")
	}
	if len(src) == 0 {
		return nil
	}
	return d.bound(func() error {
		return hipError(C.hipMemcpy(unsafe.Add(d.UnsafePointer(dst), offset), unsafe.Pointer(&src[0]),
			C.size_t(len(src)), C.hipMemcpyHostToDevice), "hipMemcpy(HostToDevice)")
	})
}

// MemcpyDtoH implements devices.Device.
func (d *Device) MemcpyDtoH(dst []byte, src devices.Ptr, offset int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.lockedCheck(src, offset, len(dst)); err != nil {
		return errors.WithMessage(err, "MemcpyDtoH")
	}
	if len(dst) == 0 {
		return nil
	}
	return d.bound(func() error {
		return hipError(C.hipMemcpy(unsafe.Pointer(&dst[0]), unsafe.Add(d.UnsafePointer(src), offset),
			C.size_t(len(dst)), C.hipMemcpyDeviceToHost), "hipMemcpy(DeviceToHost)")
	})
}

// MemInfo implements devices.Device.
func (d *Device) MemInfo() (used, total int64) {
	d.mu.Lock()
	used = d.used
	d.mu.Unlock()
	var free, capacity C.size_t
	err := d.bound(func() error {
		return hipError(C.hipMemGetInfo(&free, &capacity), "hipMemGetInfo")
	})
	if err != nil {
		klog.Warningf("%s: %v", Name, err)
		return used, 0
	}
	return used, int64(capacity)
}

// Finalize implements devices.Device.
func (d *Device) Finalize() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.finalized {
		return nil
	}
	var firstErr error
	for ptr := range d.allocations {
		err := d.bound(func() error {
			return hipError(C.hipFree(d.UnsafePointer(ptr)), "hipFree")
		})
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if len(d.allocations) > 0 {
		klog.Warningf("%s: device %d finalized with %d allocations not freed", Name, d.deviceNum, len(d.allocations))
	}
	d.allocations = nil
	d.finalized = true
	return firstErr
}
