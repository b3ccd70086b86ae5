// Copyright 2025 The PdbKit Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

// Package msfz reads and writes MSFZ containers, the compressed immutable
// sibling of the MSF format. An MSFZ file holds numbered streams whose data
// lives either in shared compressed chunks or as uncompressed byte ranges of
// the file.
package msfz

import (
	"encoding/binary"

	"github.com/cockroachdb/redact"
	"github.com/pdbkit/pdbkit/internal/base"
)

// signature identifies an MSFZ file. It occupies the first 32 bytes.
const signature = "Microsoft MSFZ Container\r\n\x1aALD\x00\x00"

// versionV0 is the only container version defined so far.
const versionV0 = 0

// NilStreamSize marks a stream as nil in the stream directory.
const NilStreamSize = 0xffff_ffff

// MaxStreamSize is the largest valid stream size.
const MaxStreamSize = NilStreamSize - 1

const headerLen = 80

// header is the decoded MSFZ file header.
type header struct {
	version                   uint64
	streamDirOffset           uint64
	chunkTableOffset          uint64
	numStreams                uint32
	streamDirCompression      uint32
	streamDirSizeCompressed   uint32
	streamDirSizeUncompressed uint32
	numChunks                 uint32
	chunkTableSize            uint32
}

func decodeHeader(buf []byte) (header, error) {
	if len(buf) < headerLen {
		return header{}, base.CorruptionErrorf("msfz: file too small for header")
	}
	if string(buf[:32]) != signature {
		return header{}, base.CorruptionErrorf("msfz: bad signature")
	}
	h := header{
		version:                   binary.LittleEndian.Uint64(buf[32:]),
		streamDirOffset:           binary.LittleEndian.Uint64(buf[40:]),
		chunkTableOffset:          binary.LittleEndian.Uint64(buf[48:]),
		numStreams:                binary.LittleEndian.Uint32(buf[56:]),
		streamDirCompression:      binary.LittleEndian.Uint32(buf[60:]),
		streamDirSizeCompressed:   binary.LittleEndian.Uint32(buf[64:]),
		streamDirSizeUncompressed: binary.LittleEndian.Uint32(buf[68:]),
		numChunks:                 binary.LittleEndian.Uint32(buf[72:]),
		chunkTableSize:            binary.LittleEndian.Uint32(buf[76:]),
	}
	if h.version != versionV0 {
		return header{}, base.UnsupportedErrorf("msfz: unsupported container version %d",
			redact.Safe(h.version))
	}
	return h, nil
}

func encodeHeader(dst []byte, h header) {
	copy(dst, signature)
	binary.LittleEndian.PutUint64(dst[32:], h.version)
	binary.LittleEndian.PutUint64(dst[40:], h.streamDirOffset)
	binary.LittleEndian.PutUint64(dst[48:], h.chunkTableOffset)
	binary.LittleEndian.PutUint32(dst[56:], h.numStreams)
	binary.LittleEndian.PutUint32(dst[60:], h.streamDirCompression)
	binary.LittleEndian.PutUint32(dst[64:], h.streamDirSizeCompressed)
	binary.LittleEndian.PutUint32(dst[68:], h.streamDirSizeUncompressed)
	binary.LittleEndian.PutUint32(dst[72:], h.numChunks)
	binary.LittleEndian.PutUint32(dst[76:], h.chunkTableSize)
}

// IsFileHeader reports whether buf begins with an MSFZ signature.
func IsFileHeader(buf []byte) bool {
	return len(buf) >= len(signature) && string(buf[:len(signature)]) == signature
}

// chunkEntry describes one compressed chunk: 20 bytes on disk.
type chunkEntry struct {
	fileOffset       uint64
	compression      uint32
	compressedSize   uint32
	uncompressedSize uint32
}

const chunkEntryLen = 20

func decodeChunkEntry(buf []byte) chunkEntry {
	return chunkEntry{
		fileOffset:       binary.LittleEndian.Uint64(buf),
		compression:      binary.LittleEndian.Uint32(buf[8:]),
		compressedSize:   binary.LittleEndian.Uint32(buf[12:]),
		uncompressedSize: binary.LittleEndian.Uint32(buf[16:]),
	}
}

func encodeChunkEntry(dst []byte, e chunkEntry) {
	binary.LittleEndian.PutUint64(dst, e.fileOffset)
	binary.LittleEndian.PutUint32(dst[8:], e.compression)
	binary.LittleEndian.PutUint32(dst[12:], e.compressedSize)
	binary.LittleEndian.PutUint32(dst[16:], e.uncompressedSize)
}

// A fragment location is a packed uint64. If bit 63 is set, the fragment
// lives in a compressed chunk: bits 32..62 hold the chunk index and bits
// 0..31 the offset within the decompressed chunk. Otherwise the value is the
// file offset of the uncompressed fragment data.
const (
	locationChunkMask = uint64(1) << 63

	// locationNil is a sentinel, not a real location. The reader synthesizes
	// one fragment with this location for each nil stream so that nil and
	// zero-length streams stay distinguishable.
	locationNil = ^uint64(0)
)

// fragment describes one contiguous region of a stream.
type fragment struct {
	size     uint32
	location uint64
}

func (f fragment) isNil() bool        { return f.location == locationNil }
func (f fragment) isCompressed() bool { return f.location&locationChunkMask != 0 }

func (f fragment) chunk() uint32 {
	return uint32(f.location >> 32 &^ (1 << 31))
}

func (f fragment) offsetWithinChunk() uint32 {
	return uint32(f.location)
}

func (f fragment) fileOffset() uint64 {
	return f.location
}

func compressedLocation(chunk, offsetWithinChunk uint32) uint64 {
	return locationChunkMask | uint64(chunk)<<32 | uint64(offsetWithinChunk)
}
