// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package buffers implements the memory operands of MPI tests: a Buffer is a contiguous region used as an MPI
// send or receive argument, resident either in host memory or in device memory.
//
// A Buffer exposes the same contract regardless of where it lives, so tests are written once against host
// memory assumptions. Device-resident buffers can't be read or written by Go code directly: they report
// NeedsStagingBuffer, and the test fills (or inspects) a host shadow that is explicitly transferred with CopyTo
// (or CopyFrom). Operand implements that protocol generically over the element type.
//
// Buffers also implement io.ReaderAt and io.WriterAt, which is how a GPU-aware communication layer moves data in
// and out of them without caring about their kind.
package buffers

import (
	"io"
	"math"
	"strings"

	"github.com/gomlx/mpitests/devices"
	"github.com/pkg/errors"
)

// Kind of memory backing a Buffer.
type Kind int

const (
	// Host memory, directly accessible by Go code.
	Host Kind = iota

	// Device memory, only accessible through explicit transfers.
	Device
)

// MemChar returns the single character tag of the memory kind used in reports: 'H' for Host and 'D' for Device.
func (k Kind) MemChar() byte {
	switch k {
	case Host:
		return 'H'
	case Device:
		return 'D'
	}
	return '?'
}

// String implements fmt.Stringer.
func (k Kind) String() string {
	switch k {
	case Host:
		return "host"
	case Device:
		return "device"
	}
	return "unknown"
}

// ParseKind converts a memory kind given in the command line to a Kind.
// It accepts the memory characters ("H", "D") or the names ("host", "device"), case-insensitive.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "h", "host":
		return Host, nil
	case "d", "device":
		return Device, nil
	}
	return Host, errors.Errorf("invalid buffer kind %q: valid values are \"H\" (host) or \"D\" (device)", s)
}

var (
	// ErrAllocation is returned (wrapped) when the memory of a Buffer can't be allocated.
	ErrAllocation = errors.New("buffer allocation failed")

	// ErrNotAllocated is returned when using a Buffer that was not allocated yet.
	ErrNotAllocated = errors.New("buffer not allocated")

	// ErrReleased is returned when using (or releasing again) a Buffer that was already released.
	ErrReleased = errors.New("buffer already released")

	// ErrOutOfBounds is returned by transfers that don't fit the Buffer.
	ErrOutOfBounds = errors.New("transfer out of buffer bounds")
)

// Buffer is a region of memory used as an MPI send or receive argument.
//
// Once allocated, the region has exactly Count*ElementSize bytes and remains valid until Release.
// A Buffer is used by one rank (goroutine) at a time.
type Buffer interface {
	io.ReaderAt
	io.WriterAt

	// Kind of the memory where the Buffer lives.
	Kind() Kind

	// MemChar returns the single character tag of the memory kind, used in reports.
	MemChar() byte

	// Allocate reserves count elements of elementSize bytes. It can only be called once.
	// Errors wrap ErrAllocation.
	Allocate(count, elementSize int) error

	// Count returns the number of elements allocated.
	Count() int

	// ElementSize returns the size in bytes of each element.
	ElementSize() int

	// Len returns the size of the region in bytes: Count*ElementSize.
	Len() int

	// Bytes returns the region, if it is directly accessible by the host. It returns nil for Device buffers:
	// their memory can't be dereferenced by Go code.
	Bytes() []byte

	// NeedsStagingBuffer returns true if the memory is not directly accessible by the host. In that case the caller
	// must initialize (or inspect) the contents through a host shadow transferred with CopyTo (or CopyFrom).
	NeedsStagingBuffer() bool

	// CopyTo transfers len(src) bytes from host memory into the start of the Buffer.
	CopyTo(src []byte) error

	// CopyFrom transfers len(dst) bytes from the start of the Buffer into host memory.
	CopyFrom(dst []byte) error

	// Release frees the region. It must be called exactly once: releasing twice returns ErrReleased.
	Release() error
}

// New creates a Buffer of the given kind. Device buffers are allocated on device, which must not be nil.
// The returned Buffer still needs to be allocated with Buffer.Allocate.
func New(kind Kind, device devices.Device) (Buffer, error) {
	switch kind {
	case Host:
		return NewHost(), nil
	case Device:
		if device == nil {
			return nil, errors.New("device buffer requested, but no device is available")
		}
		return NewDevice(device), nil
	}
	return nil, errors.Errorf("unknown buffer kind %d", kind)
}

// regionSize returns count*elementSize, checking for invalid values and overflows.
func regionSize(count, elementSize int) (int, error) {
	if count < 0 {
		return 0, errors.WithMessagef(ErrAllocation, "invalid element count %d", count)
	}
	if elementSize <= 0 {
		return 0, errors.WithMessagef(ErrAllocation, "invalid element size %d", elementSize)
	}
	if count > 0 && elementSize > math.MaxInt/count {
		return 0, errors.WithMessagef(ErrAllocation, "%d elements of %d bytes overflows", count, elementSize)
	}
	return count * elementSize, nil
}

// checkRange validates that [offset, offset+length) fits in a region of size bytes.
func checkRange(offset int64, length, size int) error {
	if offset < 0 || int64(length) > int64(size)-offset {
		return errors.WithMessagef(ErrOutOfBounds, "range [%d, %d) of buffer with %d bytes",
			offset, offset+int64(length), size)
	}
	return nil
}
