// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package devices defines the interface to the accelerator runtime that holds device-resident buffers.
//
// A Device is a handle to the memory of one accelerator, bound to one device number (the equivalent of
// calling hipSetDevice once at the start of a rank). Memory allocated on a Device is addressed by a Ptr and
// is not dereferenceable from Go: its contents can only be read or written with the explicit copy primitives
// MemcpyHtoD and MemcpyDtoH.
//
// Implementations register themselves with Register, usually during package initialization, and are
// selected with a configuration string "<device_name>:<device_configuration>". See Open.
package devices

import (
	"os"
	"slices"
	"strings"
	"sync"
	"unsafe"

	"github.com/pkg/errors"
)

// Ptr is the address of a device memory region. It is opaque to the host, and only meaningful to the
// Device that returned it.
type Ptr uint64

// NilPtr is never returned by a successful Malloc.
const NilPtr Ptr = 0

var (
	// ErrNotFound is returned when a configuration names a device that was not registered.
	ErrNotFound = errors.New("device not registered")

	// ErrOutOfMemory is returned by Malloc when the device can't satisfy an allocation.
	ErrOutOfMemory = errors.New("out of device memory")

	// ErrInvalidAddress is returned when a Ptr (or a Ptr plus offset/length) doesn't refer to live memory
	// allocated by the device.
	ErrInvalidAddress = errors.New("invalid device address")

	// ErrFinalized is returned by any operation on a Device after Finalize.
	ErrFinalized = errors.New("device finalized")
)

// Device is the API of an accelerator runtime, restricted to what a test of device-resident MPI operands needs.
//
// A Device is used by one rank at a time and operations are synchronous: they return once the memory is
// allocated, freed or transferred.
type Device interface {
	// Name returns the short name of the device implementation. E.g.: "sim", "pjrt" or "hip".
	Name() string

	// Description is a longer description of the device, used in reports and logs.
	Description() string

	// DeviceNum returns the device number this handle was bound to.
	DeviceNum() int

	// Malloc reserves numBytes of device memory.
	// A zero-sized allocation is valid, and returns a unique Ptr.
	Malloc(numBytes int) (Ptr, error)

	// Free releases memory returned by Malloc. Freeing an unknown or already freed Ptr is an error.
	Free(ptr Ptr) error

	// MemcpyHtoD copies src (host memory) into the device region starting at dst+offset.
	MemcpyHtoD(dst Ptr, offset int, src []byte) error

	// MemcpyDtoH copies len(dst) bytes from the device region starting at src+offset into dst (host memory).
	MemcpyDtoH(dst []byte, src Ptr, offset int) error

	// MemInfo returns the number of bytes currently allocated and the total capacity of the device.
	// The total may be 0 if unknown.
	MemInfo() (used, total int64)

	// Finalize releases all resources associated with the handle. Memory not freed is released.
	Finalize() error
}

// PointerDevice is implemented by devices whose addresses are real pointers in the process address space
// (e.g.: HIP), that can be handed to a GPU-aware MPI library.
type PointerDevice interface {
	Device

	// UnsafePointer converts the device address to a pointer. It must not be dereferenced by Go code.
	UnsafePointer(ptr Ptr) unsafe.Pointer
}

// Constructor takes a configuration string (optionally empty) and the device number to bind to.
type Constructor func(config string, deviceNum int) (Device, error)

var (
	muRegistry             sync.Mutex
	registeredConstructors = make(map[string]Constructor)
	firstRegistered        string
)

// Register a device implementation with the given name, and a constructor that takes as input the configuration
// string and the device number.
//
// To be safe, call Register during initialization of a package.
func Register(name string, constructor Constructor) {
	muRegistry.Lock()
	defer muRegistry.Unlock()
	if len(registeredConstructors) == 0 {
		firstRegistered = name
	}
	registeredConstructors[name] = constructor
}

// List returns the sorted names of the registered devices.
func List() []string {
	muRegistry.Lock()
	defer muRegistry.Unlock()
	names := make([]string, 0, len(registeredConstructors))
	for name := range registeredConstructors {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// DefaultConfig is the device configuration to use if MPITEST_DEVICE is not set.
//
// See Open for the format of the configuration string.
var DefaultConfig string

// MPITEST_DEVICE is the environment variable with the default device configuration to use.
//
// The format of config is "<device_name>:<device_configuration>".
const MPITEST_DEVICE = "MPITEST_DEVICE"

// DefaultConfigString returns the configuration that OpenDefault uses:
//
// 1. The environment MPITEST_DEVICE is used as a configuration if defined.
// 2. Next the variable DefaultConfig is used as a configuration if defined.
// 3. The empty configuration, which selects the first registered device.
func DefaultConfigString() string {
	if config, found := os.LookupEnv(MPITEST_DEVICE); found {
		return config
	}
	return DefaultConfig
}

// OpenDefault opens the default device (see DefaultConfigString) bound to deviceNum.
func OpenDefault(deviceNum int) (Device, error) {
	return Open(DefaultConfigString(), deviceNum)
}

// Open takes a configuration string and returns a Device bound to deviceNum.
//
// The format of config is "<device_name>:<device_configuration>". The "<device_name>" is the name of a registered
// device (e.g.: "sim") and "<device_configuration>" is device specific (e.g.: for the "pjrt" device it is the
// PJRT plugin name). If config is empty, the first registered device is used with an empty configuration.
func Open(config string, deviceNum int) (Device, error) {
	muRegistry.Lock()
	if len(registeredConstructors) == 0 {
		muRegistry.Unlock()
		return nil, errors.WithMessage(ErrNotFound,
			`no registered devices -- maybe import the default ones with import _ "github.com/gomlx/mpitests/devices/default"?`)
	}
	name, deviceConfig := SplitConfig(config)
	if name == "" {
		name = firstRegistered
	}
	constructor, found := registeredConstructors[name]
	muRegistry.Unlock()
	if !found {
		return nil, errors.WithMessagef(ErrNotFound, "can't find device %q for configuration %q (registered: %v)",
			name, config, List())
	}
	if deviceNum < 0 {
		return nil, errors.Errorf("invalid device number %d for device %q", deviceNum, name)
	}
	device, err := constructor(deviceConfig, deviceNum)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to open device %q (config %q) for device number %d",
			name, deviceConfig, deviceNum)
	}
	return device, nil
}

// SplitConfig splits "<device_name>:<device_configuration>" into its parts.
// The configuration part is empty if there is no ":".
func SplitConfig(config string) (name, deviceConfig string) {
	if idx := strings.Index(config, ":"); idx != -1 {
		return config[:idx], config[idx+1:]
	}
	return config, ""
}
