// Copyright 2025 The PdbKit Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

// Package pdbkit provides unified access to PDB debug containers in both
// the page-based MSF format and the compressed MSFZ format.
//
// Open sniffs the container signature and returns a StreamSource backed by
// the right implementation. The msf and msfz packages expose the full
// per-format APIs, including writing; this package covers the common read
// path and the symbol index helpers in globals.
package pdbkit

import (
	"io"

	"github.com/cockroachdb/errors"
	"github.com/pdbkit/pdbkit/internal/base"
	"github.com/pdbkit/pdbkit/msf"
	"github.com/pdbkit/pdbkit/msfz"
	"github.com/pdbkit/pdbkit/vfs"
)

// StreamSource is the read surface shared by both container formats. It is
// implemented by *msf.File and *msfz.Reader.
//
// Implementations are safe for concurrent readers. ReadStreamAt never
// returns io.EOF for reads that start within the stream; reads that extend
// past the end return the available prefix.
type StreamSource interface {
	// NumStreams returns the number of streams in the container,
	// including nil streams.
	NumStreams() int
	// StreamSize returns the size of a stream. ok is false if the stream
	// index is out of range or the stream is nil.
	StreamSize(stream int) (size int64, ok bool)
	// IsNilStream distinguishes nil streams from zero-length ones.
	IsNilStream(stream int) bool
	// ReadStream reads an entire stream. Nil streams read as empty.
	ReadStream(stream int) ([]byte, error)
	// ReadStreamAt reads len(p) bytes from a stream starting at off.
	ReadStreamAt(stream int, p []byte, off int64) (int, error)
	// Close releases the underlying file.
	Close() error
}

// Kind identifies a container format.
type Kind int8

const (
	KindUnknown Kind = iota
	KindMSF
	KindMSFZ
)

// String implements fmt.Stringer.
func (k Kind) String() string {
	switch k {
	case KindMSF:
		return "msf"
	case KindMSFZ:
		return "msfz"
	}
	return "unknown"
}

// DetectKind classifies the leading bytes of a file. Both signatures are 32
// bytes; shorter input is classified as unknown.
func DetectKind(header []byte) Kind {
	switch {
	case msf.IsFileHeader(header):
		return KindMSF
	case msfz.IsFileHeader(header):
		return KindMSFZ
	}
	return KindUnknown
}

// Sniff reports the container kind of the file at path without opening it
// as a container.
func Sniff(fs vfs.FS, path string) (Kind, error) {
	f, err := fs.Open(path)
	if err != nil {
		return KindUnknown, err
	}
	defer f.Close()
	var buf [32]byte
	n, err := f.ReadAt(buf[:], 0)
	if n < len(buf) {
		// A file shorter than either signature is not a container.
		if err == nil || errors.Is(err, io.EOF) {
			return KindUnknown, nil
		}
		return KindUnknown, err
	}
	return DetectKind(buf[:]), nil
}

// Open opens the container at path read-only, sniffing the format from the
// signature. Unrecognized signatures return an error marked
// base.ErrUnsupported, distinguishing "not a container" from a corrupt one.
func Open(fs vfs.FS, path string) (StreamSource, error) {
	kind, err := Sniff(fs, path)
	if err != nil {
		return nil, err
	}
	switch kind {
	case KindMSF:
		return msf.Open(fs, path)
	case KindMSFZ:
		return msfz.Open(fs, path, msfz.ReaderOptions{})
	}
	return nil, base.UnsupportedErrorf("%s is not a recognized debug container", path)
}
