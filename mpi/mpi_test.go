// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package mpi

import (
	"context"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// bytesMemory is a Memory backed by a byte slice.
type bytesMemory []byte

func (m bytesMemory) Len() int { return len(m) }

func (m bytesMemory) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(p)) > int64(len(m)) {
		return 0, errors.New("out of bounds")
	}
	return copy(p, m[off:]), nil
}

func (m bytesMemory) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(p)) > int64(len(m)) {
		return 0, errors.New("out of bounds")
	}
	return copy(m[off:], p), nil
}

func TestBasicTypes(t *testing.T) {
	assert.Equal(t, 8, Float64.Size())
	assert.Equal(t, 8, Long.Extent())
	assert.Equal(t, 2, Float16.Size())
	assert.True(t, Int32.IsContiguous())
	dt, err := TypeOf(dtypes.Float32)
	require.NoError(t, err)
	assert.Same(t, Float32, dt)
	dt, err = TypeFor[int64]()
	require.NoError(t, err)
	assert.Same(t, Int64, dt)
	_, err = TypeOf(dtypes.Complex128)
	require.True(t, errors.Is(err, ErrType))
}

func TestStructResized(t *testing.T) {
	// The file view of rank 2 in a world of 4 ranks, with 3 elements per rank.
	const rank, numRanks, elements = 2, 4, 3
	st, err := CreateStruct([]int{elements}, []int{rank * elements * 8}, []*Datatype{Long})
	require.NoError(t, err)
	assert.Equal(t, []Block{{Offset: 48, Length: 24}}, st.Blocks())
	assert.Equal(t, 48, st.LB())
	assert.Equal(t, 24, st.Extent())
	assert.Equal(t, 24, st.Size())

	view, err := st.Resized(0, numRanks*elements*8)
	require.NoError(t, err)
	assert.Equal(t, 0, view.LB())
	assert.Equal(t, 96, view.Extent())
	assert.Equal(t, 24, view.Size())
	assert.False(t, view.IsContiguous())
	assert.Equal(t, []Block{{Offset: 48, Length: 24}}, view.Blocks())

	// Original is not changed.
	assert.Equal(t, 24, st.Extent())

	// Views are made of their basic element type.
	assert.Same(t, Long, Long.Elem())
	assert.Same(t, Long, st.Elem())
	assert.Same(t, Long, view.Elem())
	mixed, err := CreateStruct([]int{1, 1}, []int{0, 8}, []*Datatype{Long, Int32})
	require.NoError(t, err)
	assert.Nil(t, mixed.Elem())
	nested, err := CreateStruct([]int{2, 1}, []int{0, 64}, []*Datatype{view, Long})
	require.NoError(t, err)
	assert.Same(t, Long, nested.Elem())
	nested, err = CreateStruct([]int{1, 1}, []int{0, 128}, []*Datatype{view, mixed})
	require.NoError(t, err)
	assert.Nil(t, nested.Elem())

	_, err = CreateStruct([]int{1, 2}, []int{0}, []*Datatype{Long})
	require.True(t, errors.Is(err, ErrType))
	_, err = view.Resized(0, -1)
	require.True(t, errors.Is(err, ErrType))
}

func TestPackUnpack(t *testing.T) {
	// Two int32 blocks with a gap of 4 bytes: [0,4) and [8,12), extent 12.
	st, err := CreateStruct([]int{1, 1}, []int{0, 8}, []*Datatype{Int32, Int32})
	require.NoError(t, err)
	assert.Equal(t, 12, st.Extent())
	assert.Equal(t, 8, st.Size())
	assert.Equal(t, 24, st.Span(2))

	mem := make(bytesMemory, 24)
	for i := range mem {
		mem[i] = byte(i)
	}
	packed, err := Pack(mem, 2, st)
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 1, 2, 3, 8, 9, 10, 11, 12, 13, 14, 15, 20, 21, 22, 23}, packed)

	out := make(bytesMemory, 24)
	require.NoError(t, Unpack(out, packed, st))
	assert.Equal(t, bytesMemory{0, 1, 2, 3, 0, 0, 0, 0, 8, 9, 10, 11, 12, 13, 14, 15, 0, 0, 0, 0, 20, 21, 22, 23}, out)

	_, err = Pack(mem, 3, st)
	require.True(t, errors.Is(err, ErrCount))
	require.True(t, errors.Is(Unpack(out, packed[:3], st), ErrType))

	contiguous, err := Contiguous(3, Int64)
	require.NoError(t, err)
	assert.True(t, contiguous.IsContiguous())
	assert.Equal(t, 24, contiguous.Size())
}

func TestSection(t *testing.T) {
	mem := make(bytesMemory, 8)
	s, err := Section(mem, 2, 4)
	require.NoError(t, err)
	_, err = s.WriteAt([]byte{7, 7}, 2)
	require.NoError(t, err)
	assert.Equal(t, bytesMemory{0, 0, 0, 0, 7, 7, 0, 0}, mem)
	_, err = s.WriteAt([]byte{7, 7}, 3)
	require.True(t, errors.Is(err, ErrCount))
	_, err = Section(mem, 6, 4)
	require.True(t, errors.Is(err, ErrCount))
	whole, err := Section(mem, 0, 8)
	require.NoError(t, err)
	assert.Equal(t, mem, whole)
}

func TestStatusCount(t *testing.T) {
	assert.Equal(t, 4, Status{Bytes: 32}.Count(Float64))
	assert.Equal(t, -1, Status{Bytes: 33}.Count(Float64))
}

func TestAbortError(t *testing.T) {
	err := error(&AbortError{Code: 3, Rank: 1})
	assert.True(t, errors.Is(err, ErrAborted))
	assert.Equal(t, 3, ExitCode(errors.WithMessage(err, "running test")))
	assert.Equal(t, 1, ExitCode(errors.New("other")))
	assert.Equal(t, 0, ExitCode(nil))
}

type fakeLauncher struct {
	numRanks   int
	finalized  int
	finalizeFn func() error
}

func (l *fakeLauncher) Finalize() error {
	l.finalized++
	if l.finalizeFn != nil {
		return l.finalizeFn()
	}
	return nil
}

func (l *fakeLauncher) Launch(_ context.Context, numRanks int, _ RankFunc) error {
	l.numRanks = numRanks
	return nil
}

func TestLaunch(t *testing.T) {
	l := &fakeLauncher{}
	RegisterLauncher("fake", l)
	require.Contains(t, Launchers(), "fake")
	require.NoError(t, Launch(context.Background(), "fake", 3, nil))
	assert.Equal(t, 3, l.numRanks)
	require.Error(t, Launch(context.Background(), "unknown", 3, nil))
}

func TestFinalize(t *testing.T) {
	l := &fakeLauncher{}
	RegisterLauncher("fake_finalizer", l)
	require.NoError(t, Finalize())
	assert.Equal(t, 1, l.finalized)

	l.finalizeFn = func() error { return errors.New("finalize failed") }
	require.Error(t, Finalize())
	assert.Equal(t, 2, l.finalized)
	l.finalizeFn = nil
}
