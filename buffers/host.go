// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package buffers

import (
	"unsafe"

	"github.com/pkg/errors"
)

// region holds the bookkeeping shared by all Buffer implementations.
type region struct {
	count, elementSize int
	allocated          bool
	released           bool
	live               liveSlot
}

// Count implements Buffer.
func (r *region) Count() int { return r.count }

// ElementSize implements Buffer.
func (r *region) ElementSize() int { return r.elementSize }

// Len implements Buffer.
func (r *region) Len() int { return r.count * r.elementSize }

// checkUsable returns an error if the region is not allocated or was already released.
func (r *region) checkUsable() error {
	if r.released {
		return errors.WithStack(ErrReleased)
	}
	if !r.allocated {
		return errors.WithStack(ErrNotAllocated)
	}
	return nil
}

// prepareAllocation validates the sizes and that the region was not allocated before.
func (r *region) prepareAllocation(count, elementSize int) (numBytes int, err error) {
	if r.released {
		return 0, errors.WithStack(ErrReleased)
	}
	if r.allocated {
		return 0, errors.WithMessage(ErrAllocation, "buffer already allocated")
	}
	return regionSize(count, elementSize)
}

// HostBuffer is a Buffer in host memory. It never needs a staging buffer.
type HostBuffer struct {
	region

	// words backs data, so that the region is 8-bytes aligned for any element type.
	words []uint64
	data  []byte
}

// Compile-time check that HostBuffer implements Buffer.
var _ Buffer = (*HostBuffer)(nil)

// NewHost creates a not yet allocated HostBuffer.
func NewHost() *HostBuffer {
	return &HostBuffer{}
}

// Kind implements Buffer.
func (b *HostBuffer) Kind() Kind { return Host }

// MemChar implements Buffer.
func (b *HostBuffer) MemChar() byte { return Host.MemChar() }

// Allocate implements Buffer.
func (b *HostBuffer) Allocate(count, elementSize int) error {
	numBytes, err := b.prepareAllocation(count, elementSize)
	if err != nil {
		return err
	}
	if numBytes > 0 {
		b.words = make([]uint64, (numBytes+7)/8)
		b.data = unsafe.Slice((*byte)(unsafe.Pointer(unsafe.SliceData(b.words))), numBytes)
	} else {
		b.data = []byte{}
	}
	b.count, b.elementSize = count, elementSize
	b.allocated = true
	b.live = acquireLive(Host, numBytes)
	return nil
}

// Bytes implements Buffer: host memory is directly accessible.
func (b *HostBuffer) Bytes() []byte {
	return b.data
}

// UnsafePointer returns the address of the region, to be handed to a native MPI library.
// It returns nil for empty buffers.
func (b *HostBuffer) UnsafePointer() unsafe.Pointer {
	if len(b.data) == 0 {
		return nil
	}
	return unsafe.Pointer(unsafe.SliceData(b.data))
}

// NeedsStagingBuffer implements Buffer: always false for host memory.
func (b *HostBuffer) NeedsStagingBuffer() bool { return false }

// CopyTo implements Buffer with a plain memory copy.
func (b *HostBuffer) CopyTo(src []byte) error {
	_, err := b.WriteAt(src, 0)
	return err
}

// CopyFrom implements Buffer with a plain memory copy.
func (b *HostBuffer) CopyFrom(dst []byte) error {
	_, err := b.ReadAt(dst, 0)
	return err
}

// ReadAt implements io.ReaderAt. Reads past the end of the buffer fail with ErrOutOfBounds.
func (b *HostBuffer) ReadAt(p []byte, off int64) (int, error) {
	if err := b.checkUsable(); err != nil {
		return 0, err
	}
	if err := checkRange(off, len(p), len(b.data)); err != nil {
		return 0, err
	}
	return copy(p, b.data[off:]), nil
}

// WriteAt implements io.WriterAt. Writes past the end of the buffer fail with ErrOutOfBounds.
func (b *HostBuffer) WriteAt(p []byte, off int64) (int, error) {
	if err := b.checkUsable(); err != nil {
		return 0, err
	}
	if err := checkRange(off, len(p), len(b.data)); err != nil {
		return 0, err
	}
	return copy(b.data[off:], p), nil
}

// Release implements Buffer.
func (b *HostBuffer) Release() error {
	if b.released {
		return errors.WithStack(ErrReleased)
	}
	b.released = true
	if b.allocated {
		b.live.release()
	}
	b.words, b.data = nil, nil
	return nil
}
