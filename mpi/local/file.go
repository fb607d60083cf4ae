// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package local

import (
	"io"
	"os"

	"github.com/gomlx/mpitests/mpi"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// file implements mpi.File on top of an os.File opened by each rank.
type file struct {
	c    *comm
	f    *os.File
	name string
	mode mpi.FileMode

	// View: the file is the repetition of filetype starting at disp.
	disp            int64
	etype, filetype *mpi.Datatype

	// pos is the individual file pointer, in bytes of data visible through the view.
	pos    int64
	closed bool
}

// Compile-time check.
var _ mpi.File = (*file)(nil)

// osFlags converts a FileMode to flags of os.OpenFile.
func osFlags(mode mpi.FileMode) (int, error) {
	var flags int
	switch mode &^ mpi.ModeCreate {
	case mpi.ModeRdOnly:
		flags = os.O_RDONLY
	case mpi.ModeWrOnly:
		flags = os.O_WRONLY
	case mpi.ModeRdWr:
		flags = os.O_RDWR
	default:
		return 0, errors.WithMessagef(mpi.ErrFile, "invalid file mode %d: exactly one of ModeRdOnly, ModeWrOnly "+
			"or ModeRdWr must be given", mode)
	}
	if mode&mpi.ModeCreate != 0 {
		if mode&mpi.ModeRdOnly != 0 {
			return 0, errors.WithMessage(mpi.ErrFile, "ModeCreate can't be used with ModeRdOnly")
		}
		flags |= os.O_CREATE
	}
	return flags, nil
}

// FileOpen implements mpi.Comm. Rank 0 opens (and possibly creates) the file first, then the other ranks open it.
// If any rank fails to open the file, every rank returns an error.
func (c *comm) FileOpen(filename string, mode mpi.FileMode) (mpi.File, error) {
	flags, err := osFlags(mode)
	if err != nil {
		return nil, err
	}
	var f *os.File
	var openErr error
	if c.rank == 0 {
		f, openErr = os.OpenFile(filename, flags, 0o644)
	}
	if err := c.Barrier(); err != nil {
		if f != nil {
			_ = f.Close()
		}
		return nil, err
	}
	if c.rank != 0 {
		f, openErr = os.OpenFile(filename, flags&^os.O_CREATE, 0o644)
	}
	allOpened, err := c.agree(openErr == nil)
	if err != nil || !allOpened {
		if f != nil {
			_ = f.Close()
		}
		if err != nil {
			return nil, err
		}
		if openErr != nil {
			return nil, errors.Wrapf(mpi.ErrFile, "failed to open %q: %v", filename, openErr)
		}
		return nil, errors.WithMessagef(mpi.ErrFile, "failed to open %q in some other rank", filename)
	}
	klog.V(2).Infof("%s: opened %q with mode %d", c, filename, mode)
	fh := &file{
		c:        c,
		f:        f,
		name:     filename,
		mode:     mode,
		etype:    mpi.Byte,
		filetype: mpi.Byte,
	}
	c.files = append(c.files, fh)
	return fh, nil
}

// releaseFiles closes the files the rank left open, without synchronizing with the other ranks.
func (c *comm) releaseFiles() {
	for _, fh := range c.files {
		if fh.closed {
			continue
		}
		fh.closed = true
		if err := fh.f.Close(); err != nil {
			klog.Warningf("%s: failed to close %q: %v", c, fh.name, err)
		}
		klog.V(1).Infof("%s: closed %q left open", c, fh.name)
	}
	c.files = nil
}

func (fh *file) checkOpen() error {
	if fh.closed {
		return errors.WithMessagef(mpi.ErrFile, "file %q already closed", fh.name)
	}
	return nil
}

// SetView implements mpi.File.
func (fh *file) SetView(disp int64, etype, filetype *mpi.Datatype, datarep string) error {
	if err := fh.checkOpen(); err != nil {
		return err
	}
	if datarep != mpi.NativeRepresentation {
		return errors.WithMessagef(mpi.ErrFile, "data representation %q not supported, only %q",
			datarep, mpi.NativeRepresentation)
	}
	if disp < 0 {
		return errors.WithMessagef(mpi.ErrFile, "negative view displacement %d", disp)
	}
	if etype.Size() == 0 || filetype.Size() == 0 || filetype.Size()%etype.Size() != 0 {
		return errors.WithMessagef(mpi.ErrType, "filetype %s is not made of etype %s", filetype, etype)
	}
	if filetype.Extent() <= 0 {
		return errors.WithMessagef(mpi.ErrType, "filetype %s has no extent", filetype)
	}
	for _, b := range filetype.Blocks() {
		if b.Offset < 0 || b.Offset+b.Length > filetype.Extent() {
			return errors.WithMessagef(mpi.ErrType, "filetype %s has blocks outside of its extent", filetype)
		}
	}
	fh.disp, fh.etype, fh.filetype = disp, etype, filetype
	fh.pos = 0
	return fh.c.Barrier()
}

// segment is a contiguous range of the file.
type segment struct {
	offset int64
	length int
}

// segments maps numBytes of view data starting at view position pos to ranges of the file.
func (fh *file) segments(pos int64, numBytes int) []segment {
	var segs []segment
	ft := fh.filetype
	ftSize := int64(ft.Size())
	blocks := ft.Blocks()
	element, within := pos/ftSize, pos%ftSize
	for numBytes > 0 {
		base := fh.disp + element*int64(ft.Extent())
		var cumulative int64
		for _, b := range blocks {
			if numBytes == 0 {
				break
			}
			length := int64(b.Length)
			if within >= cumulative+length {
				cumulative += length
				continue
			}
			skip := within - cumulative
			n := min(length-skip, int64(numBytes))
			offset := base + int64(b.Offset) + skip
			if last := len(segs) - 1; last >= 0 && segs[last].offset+int64(segs[last].length) == offset {
				segs[last].length += int(n)
			} else {
				segs = append(segs, segment{offset: offset, length: int(n)})
			}
			numBytes -= int(n)
			within += n
			cumulative += length
		}
		element++
		within = 0
	}
	return segs
}

// ReadAll implements mpi.File.
func (fh *file) ReadAll(buf mpi.Memory, count int, dt *mpi.Datatype) (mpi.Status, error) {
	status, err := fh.read(buf, count, dt)
	if err != nil {
		return status, err
	}
	return status, fh.c.Barrier()
}

// chunkSize bounds the bytes staged at a time when reading or writing contiguous data.
const chunkSize = 1 << 20

// checkFits returns an error if count elements of dt don't fit in buf.
func checkFits(buf mpi.Memory, count int, dt *mpi.Datatype) error {
	if count < 0 {
		return errors.WithMessagef(mpi.ErrCount, "negative count %d", count)
	}
	if span := dt.Span(count); span > 0 && (buf == nil || span > buf.Len()) {
		bufLen := 0
		if buf != nil {
			bufLen = buf.Len()
		}
		return errors.WithMessagef(mpi.ErrCount, "%d x %s don't fit in a buffer of %d bytes", count, dt, bufLen)
	}
	return nil
}

func (fh *file) read(buf mpi.Memory, count int, dt *mpi.Datatype) (mpi.Status, error) {
	if err := fh.checkOpen(); err != nil {
		return mpi.Status{}, err
	}
	if fh.mode&mpi.ModeWrOnly != 0 {
		return mpi.Status{}, errors.WithMessagef(mpi.ErrFile, "file %q opened write-only", fh.name)
	}
	if err := checkFits(buf, count, dt); err != nil {
		return mpi.Status{}, err
	}
	numBytes := count * dt.Size()

	// Contiguous data is read straight into buf, otherwise it is packed first and then laid out as dt.
	var data []byte
	target := buf
	if !dt.IsContiguous() {
		data = make([]byte, numBytes)
		target = bytesMemory(data)
	}
	chunk := make([]byte, min(numBytes, chunkSize))
	numRead := 0
readSegments:
	for _, seg := range fh.segments(fh.pos, numBytes) {
		for done := 0; done < seg.length; {
			piece := chunk[:min(len(chunk), seg.length-done)]
			n, err := fh.f.ReadAt(piece, seg.offset+int64(done))
			if n > 0 {
				if _, err := target.WriteAt(piece[:n], int64(numRead)); err != nil {
					return mpi.Status{Bytes: numRead}, errors.WithMessagef(err, "%s: failed to write read data to buffer", fh.c)
				}
			}
			numRead += n
			done += n
			if err == io.EOF {
				break readSegments
			}
			if err != nil {
				return mpi.Status{Bytes: numRead}, errors.Wrapf(mpi.ErrFile, "reading %q: %v", fh.name, err)
			}
		}
	}
	// Only whole elements are delivered.
	if dt.Size() > 0 {
		numRead -= numRead % dt.Size()
	}
	if data != nil {
		if err := mpi.Unpack(buf, data[:numRead], dt); err != nil {
			return mpi.Status{Bytes: numRead}, errors.WithMessagef(err, "%s: failed to write read data to buffer", fh.c)
		}
	}
	fh.pos += int64(numRead)
	klog.V(2).Infof("%s: read %d bytes of %q", fh.c, numRead, fh.name)
	return mpi.Status{Bytes: numRead}, nil
}

// bytesMemory is a mpi.Memory over a byte slice.
type bytesMemory []byte

func (m bytesMemory) Len() int { return len(m) }

func (m bytesMemory) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(p)) > int64(len(m)) {
		return 0, errors.WithMessagef(mpi.ErrCount, "access to [%d, %d) out of %d bytes", off, off+int64(len(p)), len(m))
	}
	return copy(p, m[off:]), nil
}

func (m bytesMemory) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(p)) > int64(len(m)) {
		return 0, errors.WithMessagef(mpi.ErrCount, "access to [%d, %d) out of %d bytes", off, off+int64(len(p)), len(m))
	}
	return copy(m[off:], p), nil
}

// WriteAll implements mpi.File.
func (fh *file) WriteAll(buf mpi.Memory, count int, dt *mpi.Datatype) (mpi.Status, error) {
	status, err := fh.write(buf, count, dt)
	if err != nil {
		return status, err
	}
	return status, fh.c.Barrier()
}

func (fh *file) write(buf mpi.Memory, count int, dt *mpi.Datatype) (mpi.Status, error) {
	if err := fh.checkOpen(); err != nil {
		return mpi.Status{}, err
	}
	if fh.mode&mpi.ModeRdOnly != 0 {
		return mpi.Status{}, errors.WithMessagef(mpi.ErrFile, "file %q opened read-only", fh.name)
	}
	if err := checkFits(buf, count, dt); err != nil {
		return mpi.Status{}, err
	}
	numBytes := count * dt.Size()

	// Contiguous data is written straight from buf, otherwise it is packed first.
	source := buf
	if !dt.IsContiguous() {
		data, err := mpi.Pack(buf, count, dt)
		if err != nil {
			return mpi.Status{}, errors.WithMessagef(err, "%s: failed to read buffer to write", fh.c)
		}
		source = bytesMemory(data)
	}
	chunk := make([]byte, min(numBytes, chunkSize))
	numWritten := 0
	for _, seg := range fh.segments(fh.pos, numBytes) {
		for done := 0; done < seg.length; {
			piece := chunk[:min(len(chunk), seg.length-done)]
			if _, err := source.ReadAt(piece, int64(numWritten)); err != nil {
				return mpi.Status{Bytes: numWritten}, errors.WithMessagef(err, "%s: failed to read buffer to write", fh.c)
			}
			n, err := fh.f.WriteAt(piece, seg.offset+int64(done))
			numWritten += n
			done += n
			if err != nil {
				return mpi.Status{Bytes: numWritten}, errors.Wrapf(mpi.ErrFile, "writing %q: %v", fh.name, err)
			}
		}
	}
	fh.pos += int64(numWritten)
	klog.V(2).Infof("%s: wrote %d bytes of %q", fh.c, numWritten, fh.name)
	return mpi.Status{Bytes: numWritten}, nil
}

// Close implements mpi.File.
func (fh *file) Close() error {
	if err := fh.checkOpen(); err != nil {
		return err
	}
	fh.closed = true
	closeErr := fh.f.Close()
	if err := fh.c.Barrier(); err != nil {
		return err
	}
	if closeErr != nil {
		return errors.Wrapf(mpi.ErrFile, "closing %q: %v", fh.name, closeErr)
	}
	return nil
}
