// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package mpi defines the message passing API the tests are written against: a communicator (Comm) with
// point-to-point, collective and MPI-IO operations, datatypes (including derived struct and resized types
// used by file views) and the launchers that start a world of ranks.
//
// Implementations register themselves as launchers (see RegisterLauncher):
//
//   - "local" (package mpi/local): an in-process world, one goroutine per rank.
//   - "openmpi" (package mpi/openmpi, build tag "mpi"): a binding to a real MPI library, one process per rank.
//
// Operands are Memory values: anything that can be read and written at offsets. Both host and device buffers
// (package buffers) implement it, so a GPU-aware implementation moves data directly in and out of device memory.
package mpi

import (
	"fmt"
	"io"

	"github.com/pkg/errors"
)

const (
	// AnySource matches messages from any rank in Comm.Recv.
	AnySource = -1

	// AnyTag matches messages with any tag in Comm.Recv.
	AnyTag = -1

	// TagUpperBound is the largest tag value accepted.
	TagUpperBound = 1<<30 - 1
)

var (
	// ErrAborted is returned by every pending or new operation after the world was aborted.
	ErrAborted = errors.New("mpi: world aborted")

	// ErrPeerFailed is returned by a rank that fails only because some other rank failed. A launcher reports
	// the error of the failing rank as the cause of the abort, rather than this one.
	ErrPeerFailed = errors.New("operation failed in another rank")

	// ErrTruncate is returned by a receive whose buffer is smaller than the message.
	ErrTruncate = errors.New("mpi: message truncated")

	// ErrRank is returned for an invalid rank (destination, source or root).
	ErrRank = errors.New("mpi: invalid rank")

	// ErrTag is returned for an invalid tag.
	ErrTag = errors.New("mpi: invalid tag")

	// ErrCount is returned for invalid counts, displacements, or buffers too small for them.
	ErrCount = errors.New("mpi: invalid count")

	// ErrType is returned for invalid datatypes.
	ErrType = errors.New("mpi: invalid datatype")

	// ErrFile is returned for failures of MPI-IO operations.
	ErrFile = errors.New("mpi: file operation failed")
)

// Memory is a region used as operand of communication: the send or receive buffer.
type Memory interface {
	io.ReaderAt
	io.WriterAt

	// Len returns the size of the region in bytes.
	Len() int
}

// section is a sub-range of a Memory.
type section struct {
	mem            Memory
	offset, length int
}

// Section returns the sub-range [offset, offset+length) of mem. It fails with ErrCount if the range doesn't fit.
func Section(mem Memory, offset, length int) (Memory, error) {
	if mem == nil {
		if length == 0 {
			return nil, nil
		}
		return nil, errors.WithMessagef(ErrCount, "section of %d bytes of a nil buffer", length)
	}
	if offset < 0 || length < 0 || offset+length > mem.Len() {
		return nil, errors.WithMessagef(ErrCount, "section [%d, %d) out of buffer with %d bytes",
			offset, offset+length, mem.Len())
	}
	if offset == 0 && length == mem.Len() {
		return mem, nil
	}
	return &section{mem: mem, offset: offset, length: length}, nil
}

func (s *section) Len() int { return s.length }

func (s *section) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(p)) > int64(s.length) {
		return 0, errors.WithMessagef(ErrCount, "read [%d, %d) out of section of %d bytes", off, off+int64(len(p)), s.length)
	}
	return s.mem.ReadAt(p, int64(s.offset)+off)
}

func (s *section) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(p)) > int64(s.length) {
		return 0, errors.WithMessagef(ErrCount, "write [%d, %d) out of section of %d bytes", off, off+int64(len(p)), s.length)
	}
	return s.mem.WriteAt(p, int64(s.offset)+off)
}

// Status describes a completed receive or file access.
type Status struct {
	// Source rank and Tag of the received message. Not set for file accesses.
	Source, Tag int

	// Bytes transferred.
	Bytes int
}

// Count returns the number of elements of dt transferred, or -1 if the bytes transferred are not a whole number
// of elements (MPI_UNDEFINED).
func (s Status) Count(dt *Datatype) int {
	if dt.Size() == 0 {
		if s.Bytes == 0 {
			return 0
		}
		return -1
	}
	if s.Bytes%dt.Size() != 0 {
		return -1
	}
	return s.Bytes / dt.Size()
}

// String implements fmt.Stringer.
func (s Status) String() string {
	return fmt.Sprintf("Status{source=%d, tag=%d, bytes=%d}", s.Source, s.Tag, s.Bytes)
}

// Comm is a communicator: the group of ranks of a world and the context of their operations.
//
// All methods are blocking. A Comm is used by a single goroutine (its rank). Collective operations must be
// called by every rank in the same order. Buffers are given as (memory, count, datatype): memory must have at
// least the bytes spanned by count elements of the datatype.
type Comm interface {
	// Rank of the caller in the communicator.
	Rank() int

	// Size is the number of ranks in the communicator.
	Size() int

	// Barrier blocks until every rank called it.
	Barrier() error

	// Bcast copies count elements of buf from root to every other rank's buf.
	Bcast(buf Memory, count int, dt *Datatype, root int) error

	// Gather collects sendCount elements from every rank into root's recv, in rank order, each rank's data
	// recvCount elements apart. recv is only used at root.
	Gather(send Memory, sendCount int, sendType *Datatype, recv Memory, recvCount int, recvType *Datatype, root int) error

	// Scatter sends the i-th block of sendCount elements of root's send to rank i, which receives it into
	// recvCount elements of recv. send is only used at root.
	Scatter(send Memory, sendCount int, sendType *Datatype, recv Memory, recvCount int, recvType *Datatype, root int) error

	// Scatterv is like Scatter, but rank i receives sendCounts[i] elements starting at element displs[i] of
	// root's send. sendCounts and displs are only used at root and must have Size() entries.
	Scatterv(send Memory, sendCounts, displs []int, sendType *Datatype, recv Memory, recvCount int, recvType *Datatype, root int) error

	// Send count elements of buf to rank dest, with the given tag. It returns once buf can be reused.
	Send(buf Memory, count int, dt *Datatype, dest, tag int) error

	// Ssend is the synchronous Send: it only returns once the matching receive started.
	Ssend(buf Memory, count int, dt *Datatype, dest, tag int) error

	// Recv receives up to count elements into buf, from source (or AnySource) with tag (or AnyTag).
	// Messages from the same source with the same tag are received in the order they were sent.
	// A message larger than count elements fails with ErrTruncate.
	Recv(buf Memory, count int, dt *Datatype, source, tag int) (Status, error)

	// FileOpen collectively opens a file. Every rank must give the same filename and mode.
	FileOpen(filename string, mode FileMode) (File, error)

	// Abort every rank of the world with the given exit code. It returns an *AbortError that the caller should
	// return: pending and subsequent operations on every rank fail with ErrAborted.
	Abort(code int) error
}

// FileMode is the access mode of FileOpen, a combination of the Mode* flags.
type FileMode int

const (
	// ModeRdOnly opens the file read-only.
	ModeRdOnly FileMode = 1 << iota

	// ModeWrOnly opens the file write-only.
	ModeWrOnly

	// ModeRdWr opens the file for reading and writing.
	ModeRdWr

	// ModeCreate creates the file if it doesn't exist.
	ModeCreate
)

// NativeRepresentation is the only data representation supported by File.SetView.
const NativeRepresentation = "native"

// File is a file opened collectively by every rank of a Comm.
type File interface {
	// SetView collectively sets the part of the file visible to the rank: starting at byte disp, the file is
	// the repetition of filetype, and only the bytes covered by filetype's blocks are accessible. etype is the
	// elementary type of accesses. It resets the individual file pointer to 0.
	SetView(disp int64, etype, filetype *Datatype, datarep string) error

	// ReadAll collectively reads count elements of dt into buf, from the individual file pointer through the view.
	// Reading past the end of the file is not an error: Status.Bytes reports what was read.
	ReadAll(buf Memory, count int, dt *Datatype) (Status, error)

	// WriteAll collectively writes count elements of dt from buf, at the individual file pointer through the view.
	WriteAll(buf Memory, count int, dt *Datatype) (Status, error)

	// Close collectively closes the file.
	Close() error
}

// AbortError is returned when a world was aborted, either explicitly by Comm.Abort or because a rank failed.
type AbortError struct {
	// Code passed to Comm.Abort, or 1 if a rank failed.
	Code int

	// Rank that aborted the world, or -1 if unknown.
	Rank int

	// Cause is the error that caused the abort, if any.
	Cause error
}

// Error implements error.
func (e *AbortError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("mpi: world aborted by rank %d with code %d: %v", e.Rank, e.Code, e.Cause)
	}
	return fmt.Sprintf("mpi: world aborted by rank %d with code %d", e.Rank, e.Code)
}

// Is makes errors.Is(err, ErrAborted) true for an AbortError.
func (e *AbortError) Is(target error) bool {
	return target == ErrAborted
}

// Unwrap returns the cause of the abort.
func (e *AbortError) Unwrap() error {
	return e.Cause
}

// ExitCode returns the process exit code for an error returned by a launcher: 0 for nil, the abort code for an
// AbortError, or 1 for anything else.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var abortErr *AbortError
	if errors.As(err, &abortErr) {
		if abortErr.Code == 0 {
			return 1
		}
		return abortErr.Code
	}
	return 1
}
