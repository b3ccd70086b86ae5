// Copyright 2025 The PdbKit Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package msf

import (
	"io"

	"github.com/pdbkit/pdbkit/vfs"
)

// Reader reads the contents of a single stream. It implements io.ReaderAt,
// io.Reader and io.Seeker. Multiple Readers may be used concurrently as long
// as the File is not being written.
type Reader struct {
	file   vfs.File
	mapper streamPageMapper
	pos    int64
}

// StreamReader returns a Reader for the given stream. Reading a nil stream
// behaves like reading a zero-length stream.
func (m *File) StreamReader(stream int) (*Reader, error) {
	size, pages, err := m.streamPages(stream)
	if err != nil {
		return nil, err
	}
	return &Reader{
		file: m.file,
		mapper: streamPageMapper{
			pages:      pages,
			pageSize:   m.alloc.pageSize,
			streamSize: size,
		},
	}, nil
}

// Size returns the stream size in bytes. Nil streams report zero.
func (r *Reader) Size() int64 {
	if r.mapper.streamSize == NilStreamSize {
		return 0
	}
	return int64(r.mapper.streamSize)
}

// ReadAt implements io.ReaderAt. Reads wholly past the end of the stream
// return 0, io.EOF; reads that cross the end return the available bytes and
// io.EOF.
func (r *Reader) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, io.ErrUnexpectedEOF
	}
	n, err := r.readCore(p, off)
	if err != nil {
		return n, err
	}
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// readCore reads as much of p as the stream holds at off, issuing one file
// read per contiguous page run.
func (r *Reader) readCore(p []byte, off int64) (int, error) {
	size := r.Size()
	if off >= size {
		return 0, nil
	}
	pos := uint32(off)
	total := 0
	for total < len(p) && int64(pos) < size {
		fileOff, transfer, ok := r.mapper.mapRun(pos, uint32(len(p)-total))
		if !ok {
			break
		}
		if _, err := r.file.ReadAt(p[total:total+int(transfer)], fileOff); err != nil {
			return total, err
		}
		pos += transfer
		total += int(transfer)
	}
	return total, nil
}

// Read implements io.Reader.
func (r *Reader) Read(p []byte) (int, error) {
	if r.pos >= r.Size() {
		return 0, io.EOF
	}
	n, err := r.readCore(p, r.pos)
	r.pos += int64(n)
	if err == nil && n == 0 {
		err = io.EOF
	}
	return n, err
}

// Seek implements io.Seeker.
func (r *Reader) Seek(offset int64, whence int) (int64, error) {
	var pos int64
	switch whence {
	case io.SeekStart:
		pos = offset
	case io.SeekCurrent:
		pos = r.pos + offset
	case io.SeekEnd:
		pos = r.Size() + offset
	}
	if pos < 0 {
		return 0, io.ErrUnexpectedEOF
	}
	r.pos = pos
	return pos, nil
}

// ReadStream reads an entire stream into memory.
func (m *File) ReadStream(stream int) ([]byte, error) {
	r, err := m.StreamReader(stream)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, r.Size())
	if len(buf) == 0 {
		return buf, nil
	}
	if _, err := r.ReadAt(buf, 0); err != nil && err != io.EOF {
		return nil, err
	}
	return buf, nil
}

// ReadStreamAt reads from a stream at the given offset. It implements the
// container-independent stream access used by the root package. Unlike
// io.ReaderAt, a short read at the end of the stream returns a nil error.
func (m *File) ReadStreamAt(stream int, p []byte, off int64) (int, error) {
	r, err := m.StreamReader(stream)
	if err != nil {
		return 0, err
	}
	return r.readCore(p, off)
}
