// Copyright 2025 The PdbKit Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

// Package compression provides the codecs used for compressed container
// chunks. The numeric codes of None, Zstd and Deflate are fixed by the on-disk
// format; Snappy and MinLZ are extensions and are never emitted by default.
package compression

import (
	"github.com/cockroachdb/redact"
	"github.com/pdbkit/pdbkit/internal/base"
)

// Method identifies a compression codec. The value is the on-disk code.
type Method uint32

const (
	// None stores data without compression.
	None Method = 0
	// Zstd is zstandard framed compression with content checksums.
	Zstd Method = 1
	// Deflate is raw DEFLATE, with no zlib or gzip wrapper.
	Deflate Method = 2
	// Snappy is an extension code, not part of the base format.
	Snappy Method = 3
	// MinLZ is an extension code, not part of the base format.
	MinLZ Method = 4

	numMethods = 5
)

// MethodFromCode validates an on-disk compression code.
func MethodFromCode(code uint32) (Method, error) {
	if code >= numMethods {
		return 0, base.UnsupportedErrorf("pdbkit: unknown compression code %d", redact.Safe(code))
	}
	return Method(code), nil
}

// Code returns the on-disk code for the method.
func (m Method) Code() uint32 { return uint32(m) }

func (m Method) String() string {
	switch m {
	case None:
		return "none"
	case Zstd:
		return "zstd"
	case Deflate:
		return "deflate"
	case Snappy:
		return "snappy"
	case MinLZ:
		return "minlz"
	default:
		return "unknown"
	}
}

// SafeFormat implements redact.SafeFormatter.
func (m Method) SafeFormat(w redact.SafePrinter, _ rune) {
	w.Print(redact.SafeString(m.String()))
}

// Compress compresses src with the given method. dst is a scratch buffer that
// may be reused for the result; it may be nil. The compressed bytes are
// returned, which may alias dst.
func Compress(m Method, dst, src []byte) ([]byte, error) {
	switch m {
	case None:
		return append(dst[:0], src...), nil
	case Zstd:
		return zstdCompress(dst, src), nil
	case Deflate:
		return deflateCompress(dst, src)
	case Snappy:
		return snappyCompress(dst, src), nil
	case MinLZ:
		return minlzCompress(dst, src), nil
	default:
		return nil, base.UnsupportedErrorf("pdbkit: compress with unknown method %d", redact.Safe(uint32(m)))
	}
}

// DecompressInto decompresses src into dst. The caller must know the
// uncompressed size in advance: exactly len(dst) bytes are produced. A codec
// failure or a length mismatch returns an error marked as a decompression
// failure.
func DecompressInto(m Method, dst, src []byte) error {
	switch m {
	case None:
		if len(src) != len(dst) {
			return base.DecompressionErrorf(
				"pdbkit: uncompressed data is %d bytes, expected %d",
				redact.Safe(len(src)), redact.Safe(len(dst)))
		}
		copy(dst, src)
		return nil
	case Zstd:
		return zstdDecompressInto(dst, src)
	case Deflate:
		return deflateDecompressInto(dst, src)
	case Snappy:
		return snappyDecompressInto(dst, src)
	case MinLZ:
		return minlzDecompressInto(dst, src)
	default:
		return base.UnsupportedErrorf("pdbkit: decompress with unknown method %d", redact.Safe(uint32(m)))
	}
}
