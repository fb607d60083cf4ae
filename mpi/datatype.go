// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package mpi

import (
	"fmt"
	"math"
	"strings"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// Block is a contiguous run of bytes of a Datatype, relative to the start of an element.
type Block struct {
	Offset, Length int
}

// Datatype describes the layout of one element in memory or in a file: the blocks of bytes it covers (its
// flattened type map), its lower bound and its extent (the stride between consecutive elements).
//
// Datatypes are immutable values: derived types are built with CreateStruct and Resized, and there is nothing
// to free.
type Datatype struct {
	name       string
	dtype      dtypes.DType
	size       int
	lb, extent int
	blocks     []Block

	// elem is the basic datatype all blocks are made of, or nil if they mix basic types.
	elem *Datatype
}

// newBasic creates the contiguous Datatype of a dtype.
func newBasic(name string, dtype dtypes.DType) *Datatype {
	size := int(dtype.Size())
	dt := &Datatype{
		name:   name,
		dtype:  dtype,
		size:   size,
		extent: size,
		blocks: []Block{{Offset: 0, Length: size}},
	}
	dt.elem = dt
	return dt
}

// Basic datatypes.
var (
	Byte    = newBasic("MPI_BYTE", dtypes.Uint8)
	Int32   = newBasic("MPI_INT", dtypes.Int32)
	Int64   = newBasic("MPI_INT64_T", dtypes.Int64)
	Long    = newBasic("MPI_LONG", dtypes.Int64)
	Float16 = newBasic("MPIX_C_FLOAT16", dtypes.Float16)
	Float32 = newBasic("MPI_FLOAT", dtypes.Float32)
	Float64 = newBasic("MPI_DOUBLE", dtypes.Float64)
)

// TypeOf returns the basic Datatype for a dtype.
func TypeOf(dtype dtypes.DType) (*Datatype, error) {
	switch dtype {
	case dtypes.Uint8:
		return Byte, nil
	case dtypes.Int32:
		return Int32, nil
	case dtypes.Int64:
		return Int64, nil
	case dtypes.Float16:
		return Float16, nil
	case dtypes.Float32:
		return Float32, nil
	case dtypes.Float64:
		return Float64, nil
	}
	return nil, errors.WithMessagef(ErrType, "no MPI datatype for dtype %s", dtype)
}

// TypeFor returns the basic Datatype for the Go type T.
func TypeFor[T dtypes.Supported]() (*Datatype, error) {
	return TypeOf(dtypes.FromGenericsType[T]())
}

// Name of the datatype.
func (dt *Datatype) Name() string { return dt.name }

// DType of a basic datatype, or dtypes.InvalidDType for derived ones.
func (dt *Datatype) DType() dtypes.DType { return dt.dtype }

// Size is the number of bytes of data in one element (the sum of its blocks).
func (dt *Datatype) Size() int { return dt.size }

// LB is the lower bound of the element.
func (dt *Datatype) LB() int { return dt.lb }

// Extent is the distance in bytes between consecutive elements.
func (dt *Datatype) Extent() int { return dt.extent }

// Elem returns the basic datatype every block of dt is made of, or nil if dt mixes basic types.
// For a basic datatype it is the datatype itself.
func (dt *Datatype) Elem() *Datatype { return dt.elem }

// Blocks returns the blocks of bytes covered by one element, in type map order.
func (dt *Datatype) Blocks() []Block {
	return append([]Block(nil), dt.blocks...)
}

// IsContiguous returns whether count elements occupy a single contiguous run of count*Size bytes starting at 0.
func (dt *Datatype) IsContiguous() bool {
	if dt.size == 0 {
		return true
	}
	return len(dt.blocks) == 1 && dt.blocks[0].Offset == 0 && dt.lb == 0 && dt.extent == dt.size
}

// Span returns the bytes of memory spanned by count elements: the smallest buffer that holds them.
func (dt *Datatype) Span(count int) int {
	if count <= 0 || dt.size == 0 {
		return 0
	}
	end := 0
	for _, b := range dt.blocks {
		end = max(end, b.Offset+b.Length)
	}
	return (count-1)*dt.extent + end
}

// String implements fmt.Stringer.
func (dt *Datatype) String() string {
	if dt.dtype != dtypes.InvalidDType {
		return dt.name
	}
	parts := make([]string, 0, len(dt.blocks))
	for _, b := range dt.blocks {
		parts = append(parts, fmt.Sprintf("%d+%d", b.Offset, b.Length))
	}
	return fmt.Sprintf("%s{lb=%d, extent=%d, size=%d, blocks=[%s]}", dt.name, dt.lb, dt.extent, dt.size,
		strings.Join(parts, " "))
}

// CreateStruct creates a derived datatype with len(blockLengths) blocks: block i has blockLengths[i]
// consecutive elements of types[i], starting at byte displacements[i].
func CreateStruct(blockLengths, displacements []int, types []*Datatype) (*Datatype, error) {
	if len(blockLengths) != len(displacements) || len(blockLengths) != len(types) {
		return nil, errors.WithMessagef(ErrType, "CreateStruct: %d block lengths, %d displacements and %d types",
			len(blockLengths), len(displacements), len(types))
	}
	dt := &Datatype{name: "struct", dtype: dtypes.InvalidDType}
	lb, ub := math.MaxInt, math.MinInt
	mixed := false
	for i, length := range blockLengths {
		t := types[i]
		if t == nil {
			return nil, errors.WithMessagef(ErrType, "CreateStruct: nil type for block %d", i)
		}
		if length < 0 {
			return nil, errors.WithMessagef(ErrCount, "CreateStruct: negative length %d for block %d", length, i)
		}
		if length == 0 {
			continue
		}
		switch {
		case t.elem == nil || (dt.elem != nil && dt.elem != t.elem):
			mixed = true
		case dt.elem == nil:
			dt.elem = t.elem
		}
		disp := displacements[i]
		lb = min(lb, disp+t.lb)
		ub = max(ub, disp+t.lb+length*t.extent)
		dt.size += length * t.size
		if t.IsContiguous() {
			dt.appendBlock(Block{Offset: disp, Length: length * t.size})
			continue
		}
		for rep := range length {
			for _, b := range t.blocks {
				dt.appendBlock(Block{Offset: disp + rep*t.extent + b.Offset, Length: b.Length})
			}
		}
	}
	if lb > ub {
		lb, ub = 0, 0
	}
	if mixed {
		dt.elem = nil
	}
	dt.lb, dt.extent = lb, ub-lb
	return dt, nil
}

// Contiguous creates a derived datatype of count consecutive elements of t.
func Contiguous(count int, t *Datatype) (*Datatype, error) {
	dt, err := CreateStruct([]int{count}, []int{0}, []*Datatype{t})
	if err != nil {
		return nil, err
	}
	dt.name = "contiguous"
	return dt, nil
}

// Resized returns a copy of dt with the given lower bound and extent.
func (dt *Datatype) Resized(lb, extent int) (*Datatype, error) {
	if extent < 0 {
		return nil, errors.WithMessagef(ErrType, "Resized: negative extent %d", extent)
	}
	resized := *dt
	resized.name = "resized"
	resized.dtype = dtypes.InvalidDType
	resized.lb, resized.extent = lb, extent
	resized.blocks = dt.Blocks()
	return &resized, nil
}

// appendBlock appends a block, merging it with the previous one if they are adjacent.
func (dt *Datatype) appendBlock(b Block) {
	if b.Length == 0 {
		return
	}
	if n := len(dt.blocks); n > 0 && dt.blocks[n-1].Offset+dt.blocks[n-1].Length == b.Offset {
		dt.blocks[n-1].Length += b.Length
		return
	}
	dt.blocks = append(dt.blocks, b)
}

// Pack reads count elements of dt from mem into a contiguous slice of count*dt.Size() bytes.
func Pack(mem Memory, count int, dt *Datatype) ([]byte, error) {
	if count < 0 {
		return nil, errors.WithMessagef(ErrCount, "negative count %d", count)
	}
	data := make([]byte, count*dt.size)
	if len(data) == 0 {
		return data, nil
	}
	if mem == nil || dt.Span(count) > mem.Len() {
		return nil, errors.WithMessagef(ErrCount, "%d x %s don't fit in a buffer of %d bytes", count, dt, memLen(mem))
	}
	if dt.IsContiguous() {
		if _, err := mem.ReadAt(data, 0); err != nil {
			return nil, err
		}
		return data, nil
	}
	pos := 0
	for k := range count {
		for _, b := range dt.blocks {
			if _, err := mem.ReadAt(data[pos:pos+b.Length], int64(k*dt.extent+b.Offset)); err != nil {
				return nil, err
			}
			pos += b.Length
		}
	}
	return data, nil
}

// Unpack writes the contiguous data into mem, laid out as elements of dt. len(data) must be a multiple of
// dt.Size().
func Unpack(mem Memory, data []byte, dt *Datatype) error {
	if len(data) == 0 {
		return nil
	}
	if dt.size == 0 || len(data)%dt.size != 0 {
		return errors.WithMessagef(ErrType, "%d bytes is not a whole number of %s", len(data), dt)
	}
	count := len(data) / dt.size
	if mem == nil || dt.Span(count) > mem.Len() {
		return errors.WithMessagef(ErrCount, "%d x %s don't fit in a buffer of %d bytes", count, dt, memLen(mem))
	}
	if dt.IsContiguous() {
		_, err := mem.WriteAt(data, 0)
		return err
	}
	pos := 0
	for k := range count {
		for _, b := range dt.blocks {
			if _, err := mem.WriteAt(data[pos:pos+b.Length], int64(k*dt.extent+b.Offset)); err != nil {
				return err
			}
			pos += b.Length
		}
	}
	return nil
}

func memLen(mem Memory) int {
	if mem == nil {
		return 0
	}
	return mem.Len()
}
