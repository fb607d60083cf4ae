// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package pjrtdevice implements device memory on real accelerators through PJRT plugins, registered as
// device "pjrt".
//
// The configuration string is the PJRT plugin name or path, e.g. "pjrt:cuda", "pjrt:rocm" or "pjrt:cpu" (the
// default). All ranks of a process share one PJRT client per plugin, and a rank bound to device number N uses
// the addressable device N modulo the number of addressable devices.
//
// PJRT buffers are immutable: a transfer that overwrites only part of an allocation reads the buffer back,
// patches it on the host and replaces the on-device buffer.
package pjrtdevice

import (
	"fmt"
	"sync"

	"github.com/gomlx/gopjrt/pjrt"
	"github.com/gomlx/mpitests/devices"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Name of the device, as registered in package devices.
const Name = "pjrt"

// DefaultPlugin is used if no plugin is given in the configuration.
var DefaultPlugin = "cpu"

func init() {
	devices.Register(Name, func(config string, deviceNum int) (devices.Device, error) {
		return New(config, deviceNum)
	})
}

var (
	muClients sync.Mutex
	clients   = make(map[string]*pjrt.Client)
)

// getClient returns the process-wide client for the plugin, creating it on first use.
func getClient(pluginName string) (*pjrt.Client, error) {
	muClients.Lock()
	defer muClients.Unlock()
	if client, found := clients[pluginName]; found {
		return client, nil
	}
	plugin, err := pjrt.GetPlugin(pluginName)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to load PJRT plugin %q", pluginName)
	}
	client, err := plugin.NewClient(nil)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to create client for PJRT plugin %q", pluginName)
	}
	klog.V(1).Infof("%s: created client for plugin %s", Name, plugin)
	clients[pluginName] = client
	return client, nil
}

// allocation is a device memory region, backed by a PJRT buffer of uint8 of the same size.
type allocation struct {
	buffer   *pjrt.Buffer // nil for zero-sized allocations.
	numBytes int
}

// Device stores device memory in PJRT buffers. It implements devices.Device.
type Device struct {
	pluginName     string
	client         *pjrt.Client
	deviceNum      int
	pjrtDevice     int
	numPjrtDevices int

	mu          sync.Mutex
	allocations map[devices.Ptr]*allocation
	used        int64
	next        devices.Ptr
	finalized   bool
}

// Compile-time check that Device implements devices.Device.
var _ devices.Device = (*Device)(nil)

// New opens the PJRT plugin named by config (DefaultPlugin if empty) and binds to deviceNum.
func New(config string, deviceNum int) (*Device, error) {
	pluginName := config
	if pluginName == "" {
		pluginName = DefaultPlugin
	}
	client, err := getClient(pluginName)
	if err != nil {
		return nil, err
	}
	numDevices := len(client.AddressableDevices())
	if numDevices == 0 {
		return nil, errors.Errorf("%s: plugin %q has no addressable devices", Name, pluginName)
	}
	return &Device{
		pluginName:     pluginName,
		client:         client,
		deviceNum:      deviceNum,
		pjrtDevice:     deviceNum % numDevices,
		numPjrtDevices: numDevices,
		allocations:    make(map[devices.Ptr]*allocation),
		next:           1,
	}, nil
}

// Name implements devices.Device.
func (d *Device) Name() string { return Name }

// Description implements devices.Device.
func (d *Device) Description() string {
	return fmt.Sprintf("PJRT %q device %d of %d", d.pluginName, d.pjrtDevice, d.numPjrtDevices)
}

// DeviceNum implements devices.Device.
func (d *Device) DeviceNum() int { return d.deviceNum }

// toDevice transfers flat to a new on-device buffer.
func (d *Device) toDevice(flat []uint8) (*pjrt.Buffer, error) {
	buffer, err := d.client.BufferFromHost().
		FromFlatDataWithDimensions(flat, []int{len(flat)}).
		ToDeviceNum(d.pjrtDevice).Done()
	if err != nil {
		return nil, errors.WithMessagef(err, "%s: failed to transfer %d bytes to device %d", Name, len(flat), d.pjrtDevice)
	}
	return buffer, nil
}

// fromDevice transfers the contents of the on-device buffer to the host.
func fromDevice(a *allocation) ([]uint8, error) {
	if a.buffer == nil {
		return nil, nil
	}
	flatAny, _, err := a.buffer.ToFlatDataAndDimensions()
	if err != nil {
		return nil, errors.WithMessagef(err, "%s: failed to transfer %d bytes from device", Name, a.numBytes)
	}
	flat, ok := flatAny.([]uint8)
	if !ok || len(flat) != a.numBytes {
		return nil, errors.Errorf("%s: unexpected data (%T, %d bytes) transferred from device, wanted []uint8 with %d bytes",
			Name, flatAny, len(flat), a.numBytes)
	}
	return flat, nil
}

// Malloc implements devices.Device. The memory is zero-initialized.
func (d *Device) Malloc(numBytes int) (devices.Ptr, error) {
	if numBytes < 0 {
		return devices.NilPtr, errors.Errorf("%s: invalid allocation size %d", Name, numBytes)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.finalized {
		return devices.NilPtr, errors.WithStack(devices.ErrFinalized)
	}
	a := &allocation{numBytes: numBytes}
	if numBytes > 0 {
		var err error
		a.buffer, err = d.toDevice(make([]uint8, numBytes))
		if err != nil {
			return devices.NilPtr, errors.Wrap(devices.ErrOutOfMemory, err.Error())
		}
	}
	ptr := d.next
	d.next++
	d.allocations[ptr] = a
	d.used += int64(numBytes)
	return ptr, nil
}

// Free implements devices.Device.
func (d *Device) Free(ptr devices.Ptr) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.finalized {
		return errors.WithStack(devices.ErrFinalized)
	}
	a, found := d.allocations[ptr]
	if !found {
		return errors.WithMessagef(devices.ErrInvalidAddress, "%s: free(%d) of memory not allocated (or already freed)",
			Name, uint64(ptr))
	}
	delete(d.allocations, ptr)
	d.used -= int64(a.numBytes)
	if a.buffer != nil {
		return a.buffer.Destroy()
	}
	return nil
}

func (d *Device) lockedAllocation(ptr devices.Ptr, offset, length int) (*allocation, error) {
	if d.finalized {
		return nil, errors.WithStack(devices.ErrFinalized)
	}
	a, found := d.allocations[ptr]
	if !found {
		return nil, errors.WithMessagef(devices.ErrInvalidAddress, "%s: address %d was not allocated", Name, uint64(ptr))
	}
	if offset < 0 || length < 0 || offset+length > a.numBytes {
		return nil, errors.WithMessagef(devices.ErrInvalidAddress,
			"%s: access to [%d, %d) out of bounds of allocation of %d bytes", Name, offset, offset+length, a.numBytes)
	}
	return a, nil
}

// MemcpyHtoD implements devices.Device.
func (d *Device) MemcpyHtoD(dst devices.Ptr, offset int, src []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	a, err := d.lockedAllocation(dst, offset, len(src))
	if err != nil {
		return errors.WithMessage(err, "MemcpyHtoD")
	}
	if len(src) == 0 {
		return nil
	}
	var flat []uint8
	if offset == 0 && len(src) == a.numBytes {
		flat = make([]uint8, len(src))
	} else {
		flat, err = fromDevice(a)
		if err != nil {
			return errors.WithMessage(err, "MemcpyHtoD")
		}
	}
	copy(flat[offset:], src)
	buffer, err := d.toDevice(flat)
	if err != nil {
		return errors.WithMessage(err, "MemcpyHtoD")
	}
	old := a.buffer
	a.buffer = buffer
	return old.Destroy()
}

// MemcpyDtoH implements devices.Device.
func (d *Device) MemcpyDtoH(dst []byte, src devices.Ptr, offset int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	a, err := d.lockedAllocation(src, offset, len(dst))
	if err != nil {
		return errors.WithMessage(err, "MemcpyDtoH")
	}
	if len(dst) == 0 {
		return nil
	}
	flat, err := fromDevice(a)
	if err != nil {
		return errors.WithMessage(err, "MemcpyDtoH")
	}
	copy(dst, flat[offset:])
	return nil
}

// MemInfo implements devices.Device. The total is not known to PJRT, and is returned as 0.
func (d *Device) MemInfo() (used, total int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.used, 0
}

// Finalize implements devices.Device. It destroys the buffers still allocated, but not the client, which is
// shared by every device of the process.
func (d *Device) Finalize() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.finalized {
		return nil
	}
	var firstErr error
	for _, a := range d.allocations {
		if a.buffer == nil {
			continue
		}
		if err := a.buffer.Destroy(); err != nil && firstErr == nil {
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
