// Copyright 2025 The PdbKit Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

// Package msf reads and writes MSF (multi-stream file) containers, the
// page-based format underlying PDB files. An MSF file holds a set of numbered
// streams. Each stream is a byte vector stored in fixed-size pages scattered
// through the file; a stream directory maps stream indices to page lists.
//
// Modifications are transactional. Writes allocate fresh pages and never
// overwrite committed data; Commit atomically publishes the new state by
// writing the file header last.
package msf

import (
	"encoding/binary"
	"math/bits"

	"github.com/cockroachdb/redact"
	"github.com/pdbkit/pdbkit/internal/base"
)

// bigMagic identifies "big" MSF files, the only variant with read/write
// support. It occupies the first 32 bytes of the file.
const bigMagic = "Microsoft C/C++ MSF 7.00\r\n\x1aDS\x00\x00\x00"

// smallMagic identifies the obsolete pre-"big" MSF encoding. Recognized only
// so that it can be rejected with a useful error.
const smallMagic = "Microsoft C/C++ program database 2.00\r\n\x1aJG\x00\x00"

const (
	// headerLen is the size of the file header at offset 0. The stream
	// directory page map immediately follows it.
	headerLen = 52

	// streamDirPageMapOffset is the file offset of the stream directory page
	// map within page 0.
	streamDirPageMapOffset = headerLen

	// NilStreamSize marks a stream as nil. A nil stream is distinct from a
	// zero-length stream.
	NilStreamSize = 0xffff_ffff

	// MaxStreamSize is the largest byte size a stream can have.
	MaxStreamSize = NilStreamSize - 1

	// DefaultMaxStreams bounds stream creation so that stream indices fit the
	// 16-bit indices used elsewhere in PDB files.
	DefaultMaxStreams = 0xfffe

	// Stream 0 holds the previous stream directory. It is reserved; its size
	// reads as zero.
	streamDirStream = 0

	fpmSlot1 uint32 = 1
	fpmSlot2 uint32 = 2
)

// Page size bounds. Page sizes are powers of two.
const (
	MinPageSize     = 1 << 9  // 512
	DefaultPageSize = 1 << 12 // 4096
	MaxPageSize     = 1 << 16 // 65536
)

// PageSize is the size in bytes of an MSF page, always a power of two in
// [MinPageSize, MaxPageSize].
type PageSize uint32

func (s PageSize) valid() bool {
	return s >= MinPageSize && s <= MaxPageSize && s&(s-1) == 0
}

func (s PageSize) shift() uint {
	return uint(bits.TrailingZeros32(uint32(s)))
}

func (s PageSize) mask() uint32 {
	return uint32(s) - 1
}

func (s PageSize) isAligned(v uint32) bool {
	return v&s.mask() == 0
}

func (s PageSize) alignDown(v uint32) uint32 {
	return v &^ s.mask()
}

// offsetWithinPage returns the byte offset within a page for a stream offset.
func (s PageSize) offsetWithinPage(v uint32) uint32 {
	return v & s.mask()
}

// divRoundUp returns ceil(v / s).
func (s PageSize) divRoundUp(v uint32) uint32 {
	return (v + s.mask()) >> s.shift()
}

// pageToOffset converts a page number to a file offset.
func pageToOffset(page uint32, ps PageSize) int64 {
	return int64(page) << ps.shift()
}

// intervalToPage returns the first page of an FPM interval.
func intervalToPage(interval uint32, ps PageSize) uint32 {
	return interval << ps.shift()
}

// pagesForStreamSize returns the number of pages needed to store a stream of
// the given size. Nil streams occupy no pages.
func pagesForStreamSize(size uint32, ps PageSize) uint32 {
	if size == NilStreamSize {
		return 0
	}
	return ps.divRoundUp(size)
}

// isFPMPage reports whether page holds part of FPM1 or FPM2. Within each
// interval of pageSize pages, pages interval+1 and interval+2 are reserved
// for the free page maps.
func isFPMPage(ps PageSize, page uint32) bool {
	p := page & ps.mask()
	return p == 1 || p == 2
}

// isSpecialPage reports whether page is page 0 or an FPM page. Special pages
// can never be assigned to a stream.
func isSpecialPage(ps PageSize, page uint32) bool {
	return page == 0 || isFPMPage(ps, page)
}

// header is the decoded MSF file header.
type header struct {
	pageSize      uint32
	activeFPM     uint32
	numPages      uint32
	streamDirSize uint32
}

func decodeHeader(page0 []byte) (header, error) {
	if len(page0) < headerLen {
		return header{}, base.CorruptionErrorf("msf: file too small for header")
	}
	if string(page0[:len(smallMagic)]) == smallMagic {
		return header{}, base.UnsupportedErrorf("msf: obsolete small MSF format")
	}
	if string(page0[:32]) != bigMagic {
		return header{}, base.CorruptionErrorf("msf: bad magic")
	}
	h := header{
		pageSize:      binary.LittleEndian.Uint32(page0[32:]),
		activeFPM:     binary.LittleEndian.Uint32(page0[36:]),
		numPages:      binary.LittleEndian.Uint32(page0[40:]),
		streamDirSize: binary.LittleEndian.Uint32(page0[44:]),
	}
	if !PageSize(h.pageSize).valid() {
		return header{}, base.CorruptionErrorf("msf: invalid page size %d", redact.Safe(h.pageSize))
	}
	if h.activeFPM != fpmSlot1 && h.activeFPM != fpmSlot2 {
		return header{}, base.CorruptionErrorf("msf: invalid active FPM %d", redact.Safe(h.activeFPM))
	}
	if h.numPages == 0 {
		return header{}, base.CorruptionErrorf("msf: zero page count")
	}
	return h, nil
}

func encodeHeader(dst []byte, h header) {
	copy(dst, bigMagic)
	binary.LittleEndian.PutUint32(dst[32:], h.pageSize)
	binary.LittleEndian.PutUint32(dst[36:], h.activeFPM)
	binary.LittleEndian.PutUint32(dst[40:], h.numPages)
	binary.LittleEndian.PutUint32(dst[44:], h.streamDirSize)
	binary.LittleEndian.PutUint32(dst[48:], 0) // small-MSF page map, unused
}

// IsFileHeader reports whether buf begins with an MSF signature. It inspects
// only the magic; it does not validate anything else.
func IsFileHeader(buf []byte) bool {
	return len(buf) >= 32 && (string(buf[:32]) == bigMagic ||
		(len(buf) >= len(smallMagic) && string(buf[:len(smallMagic)]) == smallMagic))
}
