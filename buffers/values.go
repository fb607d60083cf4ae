// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package buffers

import (
	"unsafe"

	"github.com/gomlx/exceptions"
	"github.com/x448/float16"
)

// AsBytes returns the memory of flat as a slice of bytes, without copying.
func AsBytes[T any](flat []T) []byte {
	if len(flat) == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(unsafe.SliceData(flat))), len(flat)*ElementSize[T]())
}

// FromBytes returns data as a slice of T, without copying.
// It panics if len(data) is not a multiple of the size of T, or if data is not aligned for T.
func FromBytes[T any](data []byte) []T {
	size := ElementSize[T]()
	if len(data) == 0 {
		return []T{}
	}
	if len(data)%size != 0 {
		exceptions.Panicf("FromBytes: %d bytes is not a multiple of the element size %d", len(data), size)
	}
	var zero T
	if uintptr(unsafe.Pointer(unsafe.SliceData(data)))%unsafe.Alignof(zero) != 0 {
		exceptions.Panicf("FromBytes: data is not aligned to %d bytes", unsafe.Alignof(zero))
	}
	return unsafe.Slice((*T)(unsafe.Pointer(unsafe.SliceData(data))), len(data)/size)
}

// ValueOf converts an integer to T, for the numeric types used in tests.
// It panics for non-numeric types.
func ValueOf[T any](v int64) T {
	var t T
	switch p := any(&t).(type) {
	case *float64:
		*p = float64(v)
	case *float32:
		*p = float32(v)
	case *float16.Float16:
		*p = float16.Fromfloat32(float32(v))
	case *int:
		*p = int(v)
	case *int8:
		*p = int8(v)
	case *int16:
		*p = int16(v)
	case *int32:
		*p = int32(v)
	case *int64:
		*p = v
	case *uint8:
		*p = uint8(v)
	case *uint16:
		*p = uint16(v)
	case *uint32:
		*p = uint32(v)
	case *uint64:
		*p = uint64(v)
	default:
		exceptions.Panicf("ValueOf: type %T is not a supported numeric type", t)
	}
	return t
}

// Fill sets flat[i] = value(i) for every element.
func Fill[T any](flat []T, value func(i int) T) {
	for i := range flat {
		flat[i] = value(i)
	}
}

// CheckAll returns whether every element of flat equals want(i). If not, it also returns the index of the
// first mismatch, otherwise -1. The comparison is exact.
func CheckAll[T comparable](flat []T, want func(i int) T) (ok bool, firstMismatch int) {
	for i, v := range flat {
		if v != want(i) {
			return false, i
		}
	}
	return true, -1
}
