// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

//go:build (mpi || mpich) && cgo

package openmpi

/*
#cgo mpi pkg-config: ompi
#cgo mpich pkg-config: mpich
#include <stdlib.h>
#include <mpi.h>

static MPI_Comm world() { return MPI_COMM_WORLD; }
static MPI_Info infoNull() { return MPI_INFO_NULL; }
static MPI_Datatype typeByte() { return MPI_BYTE; }
static MPI_Datatype typeInt32() { return MPI_INT32_T; }
static MPI_Datatype typeInt64() { return MPI_INT64_T; }
static MPI_Datatype typeLong() { return MPI_LONG; }
static MPI_Datatype typeFloat() { return MPI_FLOAT; }
static MPI_Datatype typeDouble() { return MPI_DOUBLE; }
static int setErrorsReturn() { return MPI_Comm_set_errhandler(MPI_COMM_WORLD, MPI_ERRORS_RETURN); }
static int statusSource(MPI_Status *s) { return s->MPI_SOURCE; }
static int statusTag(MPI_Status *s) { return s->MPI_TAG; }
*/
import "C"

import (
	"context"
	"fmt"
	"runtime"
	"unsafe"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/mpitests/mpi"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

func init() {
	mpi.RegisterLauncher(Name, launcher{})
	mpi.DefaultLauncher = Name
}

// mpiError converts an MPI error code to an error wrapping the matching mpi error value, or nil on success.
func mpiError(code C.int, op string) error {
	if code == C.MPI_SUCCESS {
		return nil
	}
	msg := make([]byte, C.MPI_MAX_ERROR_STRING)
	var length, class C.int
	C.MPI_Error_string(code, (*C.char)(unsafe.Pointer(&msg[0])), &length)
	C.MPI_Error_class(code, &class)
	var base error
	switch class {
	case C.MPI_ERR_TRUNCATE:
		base = mpi.ErrTruncate
	case C.MPI_ERR_RANK, C.MPI_ERR_ROOT:
		base = mpi.ErrRank
	case C.MPI_ERR_TAG:
		base = mpi.ErrTag
	case C.MPI_ERR_COUNT, C.MPI_ERR_BUFFER:
		base = mpi.ErrCount
	case C.MPI_ERR_TYPE:
		base = mpi.ErrType
	case C.MPI_ERR_FILE, C.MPI_ERR_IO, C.MPI_ERR_NO_SUCH_FILE, C.MPI_ERR_ACCESS, C.MPI_ERR_AMODE:
		base = mpi.ErrFile
	default:
		return errors.Errorf("%s failed with MPI error %d: %s", op, int(code), string(msg[:length]))
	}
	return errors.Wrapf(base, "%s: %s", op, string(msg[:length]))
}

// launcher implements mpi.Launcher for the process' rank of MPI_COMM_WORLD.
type launcher struct{}

// Launch implements mpi.Launcher. The number of ranks is defined by mpirun: numRanks is only checked.
// MPI is initialized by the first Launch, and finalized by mpi.Finalize.
func (launcher) Launch(ctx context.Context, numRanks int, fn mpi.RankFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	// MPI is initialized in single thread mode: all calls must come from the same OS thread.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	var initialized, finalized C.int
	C.MPI_Finalized(&finalized)
	if finalized != 0 {
		return errors.New("MPI was already finalized: no world can be launched after mpi.Finalize")
	}
	C.MPI_Initialized(&initialized)
	if initialized == 0 {
		// Successive worlds may run on different OS threads, but never concurrently.
		var provided C.int
		if err := mpiError(C.MPI_Init_thread(nil, nil, C.int(C.MPI_THREAD_SERIALIZED), &provided), "MPI_Init_thread"); err != nil {
			return err
		}
		if provided < C.int(C.MPI_THREAD_SERIALIZED) {
			klog.Warningf("MPI library provides thread level %d, successive worlds may fail", int(provided))
		}
	}
	if err := mpiError(C.setErrorsReturn(), "MPI_Comm_set_errhandler"); err != nil {
		return err
	}
	c := &comm{world: C.world()}
	var rank, size C.int
	C.MPI_Comm_rank(c.world, &rank)
	C.MPI_Comm_size(c.world, &size)
	c.rank, c.size = int(rank), int(size)
	if numRanks > 0 && numRanks != c.size {
		klog.Warningf("%d ranks requested, but mpirun started %d: the number of ranks is given to mpirun (-np)",
			numRanks, c.size)
	}

	var err error
	if exception := exceptions.Try(func() { err = fn(c) }); exception != nil {
		err = errors.Errorf("rank %d panicked: %v", c.rank, exception)
	}
	if err != nil {
		var abortErr *mpi.AbortError
		if errors.As(err, &abortErr) {
			return err
		}
		klog.Errorf("rank %d failed, aborting: %+v", c.rank, err)
		C.MPI_Abort(c.world, 1)
		return &mpi.AbortError{Code: 1, Rank: c.rank, Cause: err}
	}
	return nil
}

// Finalize implements mpi.Finalizer: it finalizes MPI, if it was initialized.
func (launcher) Finalize() error {
	var initialized, finalized C.int
	C.MPI_Initialized(&initialized)
	C.MPI_Finalized(&finalized)
	if initialized == 0 || finalized != 0 {
		return nil
	}
	return mpiError(C.MPI_Finalize(), "MPI_Finalize")
}

// comm implements mpi.Comm for MPI_COMM_WORLD.
type comm struct {
	world      C.MPI_Comm
	rank, size int
}

// Compile-time check.
var _ mpi.Comm = (*comm)(nil)

func (c *comm) Rank() int { return c.rank }

func (c *comm) Size() int { return c.size }

func (c *comm) String() string { return fmt.Sprintf("MPI_COMM_WORLD rank %d/%d", c.rank, c.size) }

// operand is the native address of a buffer, possibly staged in host memory.
type operand struct {
	ptr    unsafe.Pointer
	mem    mpi.Memory
	staged []byte
}

// newOperand returns the native address for count elements of dt in mem. Memory that doesn't expose its address
// is staged in host memory: its current contents are copied so that gaps of derived types are preserved.
func newOperand(mem mpi.Memory, count int, dt *mpi.Datatype) (*operand, error) {
	span := dt.Span(count)
	if span == 0 {
		return &operand{}, nil
	}
	if mem == nil || mem.Len() < span {
		return nil, errors.WithMessagef(mpi.ErrCount, "%d x %s need %d bytes", count, dt, span)
	}
	if p, ok := mem.(interface{ UnsafePointer() unsafe.Pointer }); ok {
		if ptr := p.UnsafePointer(); ptr != nil {
			return &operand{ptr: ptr}, nil
		}
	}
	staged := make([]byte, span)
	if _, err := mem.ReadAt(staged, 0); err != nil {
		return nil, errors.WithMessage(err, "failed to stage buffer in host memory")
	}
	return &operand{ptr: unsafe.Pointer(&staged[0]), mem: mem, staged: staged}, nil
}

// writeBack copies the staged data back to the memory, after it was received.
func (o *operand) writeBack() error {
	if o.staged == nil {
		return nil
	}
	_, err := o.mem.WriteAt(o.staged, 0)
	return err
}

// basicType returns the MPI datatype of a basic dt, if there is one.
func basicType(dt *mpi.Datatype) (C.MPI_Datatype, bool) {
	switch dt {
	case mpi.Byte:
		return C.typeByte(), true
	case mpi.Int32:
		return C.typeInt32(), true
	case mpi.Int64:
		return C.typeInt64(), true
	case mpi.Long:
		return C.typeLong(), true
	case mpi.Float32:
		return C.typeFloat(), true
	case mpi.Float64:
		return C.typeDouble(), true
	}
	return C.typeByte(), false
}

// nativeType returns the MPI datatype for dt, and the function to free it.
// Derived types are built as an hindexed type of their basic element type (or of bytes if they mix basic types),
// resized to dt's bounds.
func nativeType(dt *mpi.Datatype) (C.MPI_Datatype, func(), error) {
	if t, ok := basicType(dt); ok {
		return t, func() {}, nil
	}
	base, unit := C.typeByte(), 1
	if elem := dt.Elem(); elem != nil {
		if t, ok := basicType(elem); ok {
			base, unit = t, elem.Size()
		}
	}
	blocks := dt.Blocks()
	lengths := make([]C.int, len(blocks)+1)
	displs := make([]C.MPI_Aint, len(blocks)+1)
	for ii, b := range blocks {
		lengths[ii] = C.int(b.Length / unit)
		displs[ii] = C.MPI_Aint(b.Offset)
	}
	var indexed, resized C.MPI_Datatype
	if err := mpiError(C.MPI_Type_create_hindexed(C.int(len(blocks)), &lengths[0], &displs[0], base, &indexed),
		"MPI_Type_create_hindexed"); err != nil {
		return indexed, nil, err
	}
	defer C.MPI_Type_free(&indexed)
	if err := mpiError(C.MPI_Type_create_resized(indexed, C.MPI_Aint(dt.LB()), C.MPI_Aint(dt.Extent()), &resized),
		"MPI_Type_create_resized"); err != nil {
		return resized, nil, err
	}
	if err := mpiError(C.MPI_Type_commit(&resized), "MPI_Type_commit"); err != nil {
		C.MPI_Type_free(&resized)
		return resized, nil, err
	}
	return resized, func() { C.MPI_Type_free(&resized) }, nil
}

// sourceOrAny converts a source rank, mapping mpi.AnySource.
func sourceOrAny(source int) C.int {
	if source == mpi.AnySource {
		return C.MPI_ANY_SOURCE
	}
	return C.int(source)
}

// tagOrAny converts a tag, mapping mpi.AnyTag.
func tagOrAny(tag int) C.int {
	if tag == mpi.AnyTag {
		return C.MPI_ANY_TAG
	}
	return C.int(tag)
}

// Barrier implements mpi.Comm.
func (c *comm) Barrier() error {
	return mpiError(C.MPI_Barrier(c.world), "MPI_Barrier")
}

// Bcast implements mpi.Comm.
func (c *comm) Bcast(buf mpi.Memory, count int, dt *mpi.Datatype, root int) error {
	op, err := newOperand(buf, count, dt)
	if err != nil {
		return err
	}
	t, free, err := nativeType(dt)
	if err != nil {
		return err
	}
	defer free()
	if err := mpiError(C.MPI_Bcast(op.ptr, C.int(count), t, C.int(root), c.world), "MPI_Bcast"); err != nil {
		return err
	}
	return op.writeBack()
}

// Gather implements mpi.Comm.
func (c *comm) Gather(send mpi.Memory, sendCount int, sendType *mpi.Datatype,
	recv mpi.Memory, recvCount int, recvType *mpi.Datatype, root int) error {
	sendOp, err := newOperand(send, sendCount, sendType)
	if err != nil {
		return err
	}
	sendT, freeSend, err := nativeType(sendType)
	if err != nil {
		return err
	}
	defer freeSend()
	recvOp := &operand{}
	recvT := C.typeByte()
	if c.rank == root {
		if recvOp, err = newOperand(recv, c.size*recvCount, recvType); err != nil {
			return err
		}
		var freeRecv func()
		if recvT, freeRecv, err = nativeType(recvType); err != nil {
			return err
		}
		defer freeRecv()
	}
	if err := mpiError(C.MPI_Gather(sendOp.ptr, C.int(sendCount), sendT, recvOp.ptr, C.int(recvCount), recvT,
		C.int(root), c.world), "MPI_Gather"); err != nil {
		return err
	}
	return recvOp.writeBack()
}

// Scatter implements mpi.Comm.
func (c *comm) Scatter(send mpi.Memory, sendCount int, sendType *mpi.Datatype,
	recv mpi.Memory, recvCount int, recvType *mpi.Datatype, root int) error {
	sendOp := &operand{}
	sendT := C.typeByte()
	if c.rank == root {
		var err error
		if sendOp, err = newOperand(send, c.size*sendCount, sendType); err != nil {
			return err
		}
		var freeSend func()
		if sendT, freeSend, err = nativeType(sendType); err != nil {
			return err
		}
		defer freeSend()
	}
	recvOp, err := newOperand(recv, recvCount, recvType)
	if err != nil {
		return err
	}
	recvT, freeRecv, err := nativeType(recvType)
	if err != nil {
		return err
	}
	defer freeRecv()
	if err := mpiError(C.MPI_Scatter(sendOp.ptr, C.int(sendCount), sendT, recvOp.ptr, C.int(recvCount), recvT,
		C.int(root), c.world), "MPI_Scatter"); err != nil {
		return err
	}
	return recvOp.writeBack()
}

// Scatterv implements mpi.Comm.
func (c *comm) Scatterv(send mpi.Memory, sendCounts, displs []int, sendType *mpi.Datatype,
	recv mpi.Memory, recvCount int, recvType *mpi.Datatype, root int) error {
	sendOp := &operand{}
	sendT := C.typeByte()
	var cCounts, cDispls *C.int
	if c.rank == root {
		if len(sendCounts) != c.size || len(displs) != c.size {
			return errors.WithMessagef(mpi.ErrCount, "Scatterv: %d counts and %d displacements for %d ranks",
				len(sendCounts), len(displs), c.size)
		}
		counts := make([]C.int, c.size)
		offsets := make([]C.int, c.size)
		span := 0
		for ii := range counts {
			counts[ii], offsets[ii] = C.int(sendCounts[ii]), C.int(displs[ii])
			span = max(span, displs[ii]+sendCounts[ii])
		}
		cCounts, cDispls = &counts[0], &offsets[0]
		var err error
		if sendOp, err = newOperand(send, span, sendType); err != nil {
			return err
		}
		var freeSend func()
		if sendT, freeSend, err = nativeType(sendType); err != nil {
			return err
		}
		defer freeSend()
	}
	recvOp, err := newOperand(recv, recvCount, recvType)
	if err != nil {
		return err
	}
	recvT, freeRecv, err := nativeType(recvType)
	if err != nil {
		return err
	}
	defer freeRecv()
	if err := mpiError(C.MPI_Scatterv(sendOp.ptr, cCounts, cDispls, sendT, recvOp.ptr, C.int(recvCount), recvT,
		C.int(root), c.world), "MPI_Scatterv"); err != nil {
		return err
	}
	return recvOp.writeBack()
}

// Send implements mpi.Comm.
func (c *comm) Send(buf mpi.Memory, count int, dt *mpi.Datatype, dest, tag int) error {
	return c.send(buf, count, dt, dest, tag, false)
}

// Ssend implements mpi.Comm.
func (c *comm) Ssend(buf mpi.Memory, count int, dt *mpi.Datatype, dest, tag int) error {
	return c.send(buf, count, dt, dest, tag, true)
}

func (c *comm) send(buf mpi.Memory, count int, dt *mpi.Datatype, dest, tag int, synchronous bool) error {
	op, err := newOperand(buf, count, dt)
	if err != nil {
		return err
	}
	t, free, err := nativeType(dt)
	if err != nil {
		return err
	}
	defer free()
	if synchronous {
		return mpiError(C.MPI_Ssend(op.ptr, C.int(count), t, C.int(dest), C.int(tag), c.world), "MPI_Ssend")
	}
	return mpiError(C.MPI_Send(op.ptr, C.int(count), t, C.int(dest), C.int(tag), c.world), "MPI_Send")
}

// Recv implements mpi.Comm.
func (c *comm) Recv(buf mpi.Memory, count int, dt *mpi.Datatype, source, tag int) (mpi.Status, error) {
	op, err := newOperand(buf, count, dt)
	if err != nil {
		return mpi.Status{}, err
	}
	t, free, err := nativeType(dt)
	if err != nil {
		return mpi.Status{}, err
	}
	defer free()
	var status C.MPI_Status
	if err := mpiError(C.MPI_Recv(op.ptr, C.int(count), t, sourceOrAny(source), tagOrAny(tag), c.world, &status),
		"MPI_Recv"); err != nil {
		return mpi.Status{}, err
	}
	var numBytes C.int
	C.MPI_Get_count(&status, C.typeByte(), &numBytes)
	result := mpi.Status{
		Source: int(C.statusSource(&status)),
		Tag:    int(C.statusTag(&status)),
		Bytes:  int(numBytes),
	}
	return result, op.writeBack()
}

// Abort implements mpi.Comm. MPI_Abort terminates every process of the job, so it normally doesn't return.
func (c *comm) Abort(code int) error {
	klog.Errorf("rank %d aborting with code %d", c.rank, code)
	C.MPI_Abort(c.world, C.int(code))
	return &mpi.AbortError{Code: code, Rank: c.rank}
}

// file implements mpi.File with MPI-IO.
type file struct {
	c    *comm
	fh   C.MPI_File
	name string
}

// FileOpen implements mpi.Comm.
func (c *comm) FileOpen(filename string, mode mpi.FileMode) (mpi.File, error) {
	var amode C.int
	if mode&mpi.ModeRdOnly != 0 {
		amode |= C.MPI_MODE_RDONLY
	}
	if mode&mpi.ModeWrOnly != 0 {
		amode |= C.MPI_MODE_WRONLY
	}
	if mode&mpi.ModeRdWr != 0 {
		amode |= C.MPI_MODE_RDWR
	}
	if mode&mpi.ModeCreate != 0 {
		amode |= C.MPI_MODE_CREATE
	}
	cName := C.CString(filename)
	defer C.free(unsafe.Pointer(cName))
	f := &file{c: c, name: filename}
	if err := mpiError(C.MPI_File_open(c.world, cName, amode, C.infoNull(), &f.fh), "MPI_File_open"); err != nil {
		return nil, errors.WithMessagef(err, "opening %q", filename)
	}
	return f, nil
}

// SetView implements mpi.File.
func (f *file) SetView(disp int64, etype, filetype *mpi.Datatype, datarep string) error {
	et, freeEt, err := nativeType(etype)
	if err != nil {
		return err
	}
	defer freeEt()
	ft, freeFt, err := nativeType(filetype)
	if err != nil {
		return err
	}
	defer freeFt()
	cRep := C.CString(datarep)
	defer C.free(unsafe.Pointer(cRep))
	return mpiError(C.MPI_File_set_view(f.fh, C.MPI_Offset(disp), et, ft, cRep, C.infoNull()), "MPI_File_set_view")
}

// ReadAll implements mpi.File.
func (f *file) ReadAll(buf mpi.Memory, count int, dt *mpi.Datatype) (mpi.Status, error) {
	op, err := newOperand(buf, count, dt)
	if err != nil {
		return mpi.Status{}, err
	}
	t, free, err := nativeType(dt)
	if err != nil {
		return mpi.Status{}, err
	}
	defer free()
	var status C.MPI_Status
	if err := mpiError(C.MPI_File_read_all(f.fh, op.ptr, C.int(count), t, &status), "MPI_File_read_all"); err != nil {
		return mpi.Status{}, errors.WithMessagef(err, "reading %q", f.name)
	}
	var numBytes C.int
	C.MPI_Get_count(&status, C.typeByte(), &numBytes)
	return mpi.Status{Bytes: int(numBytes)}, op.writeBack()
}

// WriteAll implements mpi.File.
func (f *file) WriteAll(buf mpi.Memory, count int, dt *mpi.Datatype) (mpi.Status, error) {
	op, err := newOperand(buf, count, dt)
	if err != nil {
		return mpi.Status{}, err
	}
	t, free, err := nativeType(dt)
	if err != nil {
		return mpi.Status{}, err
	}
	defer free()
	var status C.MPI_Status
	if err := mpiError(C.MPI_File_write_all(f.fh, op.ptr, C.int(count), t, &status), "MPI_File_write_all"); err != nil {
		return mpi.Status{}, errors.WithMessagef(err, "writing %q", f.name)
	}
	var numBytes C.int
	C.MPI_Get_count(&status, C.typeByte(), &numBytes)
	return mpi.Status{Bytes: int(numBytes)}, nil
}

// Close implements mpi.File.
func (f *file) Close() error {
	return mpiError(C.MPI_File_close(&f.fh), "MPI_File_close")
}
