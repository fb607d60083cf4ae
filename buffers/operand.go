// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package buffers

import (
	"unsafe"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Operand is a Buffer holding elements of type T, plus the host staging region that shadows it when the Buffer
// is not directly accessible by the host.
//
// It implements the protocols every test follows:
//
//   - Allocation (Alloc): allocate the primary region; if it needs staging, allocate a host shadow of the same size;
//     initialize the host-visible region (shadow or primary); transfer the shadow to the primary region.
//   - Verification (Verify): transfer the primary region to the shadow if needed, and check the host-visible region.
//   - Release (Release): free the shadow, then the primary region.
//
// Callers should `defer operand.Release()` right after a successful Alloc: Release is idempotent for an Operand,
// so an explicit release on the normal path doesn't conflict with the deferred one.
type Operand[T dtypes.Supported] struct {
	buf   Buffer
	count int

	staging     []T
	stagingLive liveSlot
	released    bool
}

// ElementSize returns the size in bytes of the elements of type T.
func ElementSize[T any]() int {
	var zero T
	return int(unsafe.Sizeof(zero))
}

// Alloc allocates count elements of type T in buf, plus a host staging region if buf.NeedsStagingBuffer, and
// initializes them with init (if not nil), called with the host-visible region.
//
// Alloc takes ownership of buf: if it fails, buf is released. Errors from the allocation wrap ErrAllocation.
func Alloc[T dtypes.Supported](buf Buffer, count int, init func(flat []T)) (*Operand[T], error) {
	elementSize := ElementSize[T]()
	if err := buf.Allocate(count, elementSize); err != nil {
		_ = buf.Release()
		return nil, err
	}
	o := &Operand[T]{buf: buf, count: count}
	if buf.NeedsStagingBuffer() {
		o.staging = make([]T, count)
		o.stagingLive = acquireLiveStaging(count * elementSize)
	}
	if init != nil {
		init(o.Host())
	}
	if err := o.Push(); err != nil {
		_ = o.Release()
		return nil, errors.WithMessagef(err, "failed to initialize %s buffer of %d x %s", buf.Kind(), count, o.DType())
	}
	klog.V(2).Infof("allocated %s operand with %d x %s (staging=%v)", buf.Kind(), count, o.DType(), o.staging != nil)
	return o, nil
}

// Buffer returns the primary Buffer, to be used as the MPI operand.
func (o *Operand[T]) Buffer() Buffer { return o.buf }

// Count returns the number of elements.
func (o *Operand[T]) Count() int { return o.count }

// DType returns the dtype of the elements.
func (o *Operand[T]) DType() dtypes.DType { return dtypes.FromGenericsType[T]() }

// MemChar returns the memory kind tag of the primary Buffer.
func (o *Operand[T]) MemChar() byte { return o.buf.MemChar() }

// HasStaging returns whether the Operand has a host staging region.
func (o *Operand[T]) HasStaging() bool { return o.staging != nil }

// Host returns the host-visible region: the staging region if there is one, or the primary region otherwise.
//
// Changes to the staging region only reach the primary region after Push, and the staging region only
// reflects the primary region after Fetch.
func (o *Operand[T]) Host() []T {
	if o.released {
		exceptions.Panicf("Operand.Host() called on a released operand")
	}
	if o.staging != nil {
		return o.staging
	}
	return FromBytes[T](o.buf.Bytes())
}

// Push transfers the staging region to the primary region (copy_to). It is a no-op if there is no staging region.
func (o *Operand[T]) Push() error {
	if o.staging == nil {
		return nil
	}
	return o.buf.CopyTo(AsBytes(o.staging))
}

// Fetch transfers the primary region to the staging region (copy_from), if there is one, and returns the
// host-visible region.
func (o *Operand[T]) Fetch() ([]T, error) {
	if o.staging != nil {
		if err := o.buf.CopyFrom(AsBytes(o.staging)); err != nil {
			return nil, err
		}
	}
	return o.Host(), nil
}

// Verify implements the verification protocol: it fetches the contents of the primary region and runs check on
// the host-visible region. A transfer failure is returned as an error, while check failing is not an error.
func (o *Operand[T]) Verify(check func(flat []T) bool) (bool, error) {
	flat, err := o.Fetch()
	if err != nil {
		return false, errors.WithMessage(err, "failed to transfer results for verification")
	}
	return check(flat), nil
}

// Release implements the release protocol: it frees the staging region (if any) and then releases the primary
// Buffer. It is safe to call more than once (and on a nil Operand): only the first call releases.
func (o *Operand[T]) Release() error {
	if o == nil || o.released {
		return nil
	}
	o.released = true
	if o.staging != nil {
		o.staging = nil
		o.stagingLive.release()
	}
	return o.buf.Release()
}
