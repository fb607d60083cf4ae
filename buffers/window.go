// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package buffers

import (
	"unsafe"

	"github.com/pkg/errors"
)

// Window is a sub-range of a Buffer, the equivalent of offsetting the address of the buffer: it can be used
// wherever MPI memory is expected (e.g.: receiving into the i-th slot of a larger buffer).
//
// A Window doesn't own memory: it is only valid while its parent Buffer is, and it is never released.
type Window struct {
	parent         Buffer
	offset, length int
}

// NewWindow returns the window [offset, offset+length) bytes of buf.
func NewWindow(buf Buffer, offset, length int) (*Window, error) {
	if length < 0 {
		return nil, errors.WithMessagef(ErrOutOfBounds, "negative window length %d", length)
	}
	if err := checkRange(int64(offset), length, buf.Len()); err != nil {
		return nil, err
	}
	return &Window{parent: buf, offset: offset, length: length}, nil
}

// ElementWindow returns the window with count elements starting at element first of buf.
func ElementWindow(buf Buffer, first, count int) (*Window, error) {
	size := buf.ElementSize()
	return NewWindow(buf, first*size, count*size)
}

// Len returns the size of the window in bytes.
func (w *Window) Len() int { return w.length }

// Parent returns the Buffer the window is part of.
func (w *Window) Parent() Buffer { return w.parent }

// Offset returns the offset of the window in its parent, in bytes.
func (w *Window) Offset() int { return w.offset }

// ReadAt implements io.ReaderAt, relative to the start of the window.
func (w *Window) ReadAt(p []byte, off int64) (int, error) {
	if err := checkRange(off, len(p), w.length); err != nil {
		return 0, err
	}
	return w.parent.ReadAt(p, int64(w.offset)+off)
}

// WriteAt implements io.WriterAt, relative to the start of the window.
func (w *Window) WriteAt(p []byte, off int64) (int, error) {
	if err := checkRange(off, len(p), w.length); err != nil {
		return 0, err
	}
	return w.parent.WriteAt(p, int64(w.offset)+off)
}

// UnsafePointer returns the address of the start of the window, if the parent exposes its address.
// Otherwise, it returns nil.
func (w *Window) UnsafePointer() unsafe.Pointer {
	p, ok := w.parent.(interface{ UnsafePointer() unsafe.Pointer })
	if !ok {
		return nil
	}
	base := p.UnsafePointer()
	if base == nil {
		return nil
	}
	return unsafe.Add(base, w.offset)
}
