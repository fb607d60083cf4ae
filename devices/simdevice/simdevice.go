// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package simdevice implements a simulated accelerator, registered as device "sim".
//
// Device memory is owned by the simulated device and is only reachable through MemcpyHtoD and MemcpyDtoH,
// exactly like real GPU memory: Go code holding a devices.Ptr can't read or write it. Every allocation is
// bounds-checked, and the device has a finite capacity, so allocation failures and invalid transfers can be
// exercised without hardware.
//
// The configuration string is the capacity of the device, in any format accepted by humanize.ParseBytes
// (e.g.: "sim:512MiB"). It defaults to DefaultCapacity.
package simdevice

import (
	"fmt"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/mpitests/devices"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Name of the device, as registered in package devices.
const Name = "sim"

// DefaultCapacity of a simulated device, in bytes.
const DefaultCapacity = 1 << 30

// Alignment of the addresses returned by Malloc, same as hipMalloc guarantees.
const Alignment = 256

// baseAddress of the first allocation. Each device number gets its own address range, so addresses of
// different devices never collide.
const baseAddress devices.Ptr = 0x7f00_0000_0000

func init() {
	devices.Register(Name, func(config string, deviceNum int) (devices.Device, error) {
		return New(config, deviceNum)
	})
}

// Device is a simulated accelerator. It implements devices.Device.
type Device struct {
	deviceNum int
	capacity  int64

	mu          sync.Mutex
	allocations map[devices.Ptr][]byte
	used        int64
	next        devices.Ptr
	finalized   bool
}

// Compile-time check that Device implements devices.Device.
var _ devices.Device = (*Device)(nil)

// New creates a new simulated device bound to deviceNum, configured with its capacity (empty for DefaultCapacity).
func New(config string, deviceNum int) (*Device, error) {
	capacity := int64(DefaultCapacity)
	if config != "" {
		parsed, err := humanize.ParseBytes(config)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid capacity %q for device %q", config, Name)
		}
		capacity = int64(parsed)
	}
	d := &Device{
		deviceNum:   deviceNum,
		capacity:    capacity,
		allocations: make(map[devices.Ptr][]byte),
		next:        baseAddress + devices.Ptr(deviceNum)<<40,
	}
	klog.V(1).Infof("%s: opened device #%d with capacity %s", Name, deviceNum, humanize.IBytes(uint64(capacity)))
	return d, nil
}

// Name implements devices.Device.
func (d *Device) Name() string { return Name }

// Description implements devices.Device.
func (d *Device) Description() string {
	return fmt.Sprintf("simulated device #%d (%s)", d.deviceNum, humanize.IBytes(uint64(d.capacity)))
}

// DeviceNum implements devices.Device.
func (d *Device) DeviceNum() int { return d.deviceNum }

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
	if d.used+int64(numBytes) > d.capacity {
		return devices.NilPtr, errors.WithMessagef(devices.ErrOutOfMemory,
			"%s: device #%d can't allocate %s: %s of %s in use", Name, d.deviceNum,
			humanize.IBytes(uint64(numBytes)), humanize.IBytes(uint64(d.used)), humanize.IBytes(uint64(d.capacity)))
	}
	ptr := d.next
	d.next += devices.Ptr(max((numBytes+Alignment-1)/Alignment, 1) * Alignment)
	d.allocations[ptr] = make([]byte, numBytes)
	d.used += int64(numBytes)
	klog.V(3).Infof("%s: device #%d malloc(%d) -> 0x%x", Name, d.deviceNum, numBytes, uint64(ptr))
	return ptr, nil
}

// Free implements devices.Device.
func (d *Device) Free(ptr devices.Ptr) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.finalized {
		return errors.WithStack(devices.ErrFinalized)
	}
	region, found := d.allocations[ptr]
	if !found {
		return errors.WithMessagef(devices.ErrInvalidAddress, "%s: free(0x%x) of memory not allocated (or already freed)",
			Name, uint64(ptr))
	}
	delete(d.allocations, ptr)
	d.used -= int64(len(region))
	klog.V(3).Infof("%s: device #%d free(0x%x)", Name, d.deviceNum, uint64(ptr))
	return nil
}

// lockedRegion returns the slice of device memory [ptr+offset, ptr+offset+length).
// It must be called with d.mu locked.
func (d *Device) lockedRegion(ptr devices.Ptr, offset, length int) ([]byte, error) {
	if d.finalized {
		return nil, errors.WithStack(devices.ErrFinalized)
	}
	region, found := d.allocations[ptr]
	if !found {
		return nil, errors.WithMessagef(devices.ErrInvalidAddress, "%s: address 0x%x was not allocated", Name, uint64(ptr))
	}
	if offset < 0 || length < 0 || offset+length > len(region) {
		return nil, errors.WithMessagef(devices.ErrInvalidAddress,
			"%s: access to [%d, %d) out of bounds of allocation 0x%x of %d bytes",
			Name, offset, offset+length, uint64(ptr), len(region))
	}
	return region[offset : offset+length], nil
}

// MemcpyHtoD implements devices.Device.
func (d *Device) MemcpyHtoD(dst devices.Ptr, offset int, src []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	region, err := d.lockedRegion(dst, offset, len(src))
	if err != nil {
		return errors.WithMessage(err, "MemcpyHtoD")
	}
	copy(region, src)
	return nil
}

// MemcpyDtoH implements devices.Device.
func (d *Device) MemcpyDtoH(dst []byte, src devices.Ptr, offset int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	region, err := d.lockedRegion(src, offset, len(dst))
	if err != nil {
		return errors.WithMessage(err, "MemcpyDtoH")
	}
	copy(dst, region)
	return nil
}

// MemInfo implements devices.Device.
func (d *Device) MemInfo() (used, total int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.used, d.capacity
}

// NumAllocations returns the number of live allocations.
func (d *Device) NumAllocations() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.allocations)
}

// Finalize implements devices.Device. Memory still allocated is logged and released.
func (d *Device) Finalize() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.finalized {
		return nil
	}
	if len(d.allocations) > 0 {
		klog.Warningf("%s: device #%d finalized with %d allocations (%s) not freed", Name, d.deviceNum,
			len(d.allocations), humanize.IBytes(uint64(d.used)))
	}
	d.allocations = nil
	d.used = 0
	d.finalized = true
	return nil
}
