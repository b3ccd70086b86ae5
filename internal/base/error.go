// Copyright 2025 The PdbKit Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package base

import "github.com/cockroachdb/errors"

// Marker errors for failure classification. Concrete errors are marked with
// one of these; callers classify with errors.Is.
var (
	// ErrCorruptContainer means that a container file (MSF or MSFZ) is not in
	// the expected format: a bad signature, an out-of-range header field, a
	// page or fragment pointing outside the file.
	ErrCorruptContainer = errors.New("pdbkit: corrupt container")

	// ErrCorruptRecord means that a symbol record stream or a serialized hash
	// table within a well-formed container is malformed.
	ErrCorruptRecord = errors.New("pdbkit: corrupt record")

	// ErrOutOfSpace means that an allocation would exceed a format limit,
	// such as the maximum page count of an MSF file.
	ErrOutOfSpace = errors.New("pdbkit: out of space")

	// ErrDecompression means that compressed data could not be decoded, or
	// decoded to an unexpected length.
	ErrDecompression = errors.New("pdbkit: decompression failure")

	// ErrUnsupported means that the input uses a feature or format variant
	// that this implementation does not handle.
	ErrUnsupported = errors.New("pdbkit: unsupported")
)

// CorruptionErrorf formats according to a format specifier and returns the
// string as an error value that is marked as a container corruption error.
func CorruptionErrorf(format string, args ...interface{}) error {
	return errors.Mark(errors.Newf(format, args...), ErrCorruptContainer)
}

// MarkCorruptionError marks the given error as a container corruption error.
func MarkCorruptionError(err error) error {
	if errors.Is(err, ErrCorruptContainer) {
		return err
	}
	return errors.Mark(err, ErrCorruptContainer)
}

// RecordErrorf returns an error marked as a record corruption error.
func RecordErrorf(format string, args ...interface{}) error {
	return errors.Mark(errors.Newf(format, args...), ErrCorruptRecord)
}

// OutOfSpaceErrorf returns an error marked as an out-of-space error.
func OutOfSpaceErrorf(format string, args ...interface{}) error {
	return errors.Mark(errors.Newf(format, args...), ErrOutOfSpace)
}

// DecompressionErrorf returns an error marked as a decompression error.
func DecompressionErrorf(format string, args ...interface{}) error {
	return errors.Mark(errors.Newf(format, args...), ErrDecompression)
}

// MarkDecompressionError marks the given error as a decompression error.
func MarkDecompressionError(err error) error {
	if errors.Is(err, ErrDecompression) {
		return err
	}
	return errors.Mark(err, ErrDecompression)
}

// UnsupportedErrorf returns an error marked as an unsupported-input error.
func UnsupportedErrorf(format string, args ...interface{}) error {
	return errors.Mark(errors.Newf(format, args...), ErrUnsupported)
}
