// Copyright 2025 The PdbKit Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package msf

import (
	"encoding/binary"

	"github.com/cockroachdb/redact"
	"github.com/pdbkit/pdbkit/internal/base"
)

// Commit atomically publishes all modifications made since the file was
// opened (or since the previous Commit). It returns false without touching
// the file if nothing was modified.
//
// The commit writes the new stream directory and free page map to freshly
// allocated pages and the inactive FPM slot, syncs, then writes page 0 with
// the new header. Page 0 is the commit point: a crash before it leaves the
// previous committed state intact, a crash after it leaves the new state.
//
// Commit invalidates all Writers and Readers.
func (m *File) Commit() (bool, error) {
	if err := m.requireWritable(); err != nil {
		return false, err
	}
	if !m.IsModified() {
		return false, nil
	}
	ps := m.alloc.pageSize

	dirBytes, err := m.buildStreamDir()
	if err != nil {
		return false, err
	}

	// The directory and its page map go to fresh pages so the committed
	// directory stays readable until page 0 flips.
	dirPages, err := m.allocAndWrite(dirBytes)
	if err != nil {
		return false, err
	}
	pageMapBytes := make([]byte, len(dirPages)*4)
	for i, page := range dirPages {
		binary.LittleEndian.PutUint32(pageMapBytes[i*4:], page)
	}
	mapPages, err := m.allocAndWrite(pageMapBytes)
	if err != nil {
		return false, err
	}
	if len(mapPages)*4 > int(ps)-streamDirPageMapOffset {
		return false, base.OutOfSpaceErrorf(
			"msf: stream directory of %d bytes does not fit the page map in page 0",
			redact.Safe(len(dirBytes)))
	}

	// Pages freed in this transaction become allocatable in the next one.
	m.alloc.mergeFreedIntoFree()
	m.alloc.fpm.fillTailOfLastWord()

	newSlot := fpmSlot1
	if m.activeFPM == fpmSlot1 {
		newSlot = fpmSlot2
	}
	if err := m.writeFPM(newSlot); err != nil {
		return false, err
	}
	if err := m.file.Sync(); err != nil {
		return false, err
	}

	page0 := make([]byte, ps)
	encodeHeader(page0, header{
		pageSize:      uint32(ps),
		activeFPM:     newSlot,
		numPages:      m.alloc.numPages,
		streamDirSize: uint32(len(dirBytes)),
	})
	for i, page := range mapPages {
		binary.LittleEndian.PutUint32(page0[streamDirPageMapOffset+i*4:], page)
	}
	if _, err := m.file.WriteAt(page0, 0); err != nil {
		return false, err
	}
	if err := m.file.Sync(); err != nil {
		return false, err
	}

	m.postCommit(newSlot, dirPages, mapPages)
	return true, nil
}

// buildStreamDir serializes the stream directory: the stream count, the size
// of every stream, then the page list of every non-nil stream. Stream 0
// holds the previous directory and is recorded as zero length; its pages are
// the pages of the directory being replaced and are recovered on the next
// open.
func (m *File) buildStreamDir() ([]byte, error) {
	numStreams := len(m.streamSizes)
	size := 4 + numStreams*4
	for stream := 0; stream < numStreams; stream++ {
		streamSize, pages, err := m.streamPages(stream)
		if err != nil {
			return nil, err
		}
		if streamSize == NilStreamSize || stream == streamDirStream {
			continue
		}
		if want := pagesForStreamSize(streamSize, m.alloc.pageSize); uint32(len(pages)) != want {
			return nil, base.CorruptionErrorf(
				"msf: stream %d has %d pages, expected %d for size %d",
				redact.Safe(stream), redact.Safe(len(pages)), redact.Safe(want),
				redact.Safe(streamSize))
		}
		size += len(pages) * 4
	}

	buf := make([]byte, size)
	binary.LittleEndian.PutUint32(buf, uint32(numStreams))
	pos := 4
	for stream := 0; stream < numStreams; stream++ {
		streamSize := m.streamSizes[stream]
		if stream == streamDirStream {
			streamSize = 0
		}
		binary.LittleEndian.PutUint32(buf[pos:], streamSize)
		pos += 4
	}
	for stream := 0; stream < numStreams; stream++ {
		streamSize, pages, err := m.streamPages(stream)
		if err != nil {
			return nil, err
		}
		if streamSize == NilStreamSize || stream == streamDirStream {
			continue
		}
		for _, page := range pages {
			binary.LittleEndian.PutUint32(buf[pos:], page)
			pos += 4
		}
	}
	return buf, nil
}

// allocAndWrite allocates pages for data and writes it, padding the last
// page with zeroes. It returns the allocated pages.
func (m *File) allocAndWrite(data []byte) ([]uint32, error) {
	ps := m.alloc.pageSize
	var pages []uint32
	for len(data) > 0 {
		wanted := ps.divRoundUp(uint32(len(data)))
		first, runLen, err := m.alloc.allocPages(wanted)
		if err != nil {
			return nil, err
		}
		for i := uint32(0); i < runLen; i++ {
			pages = append(pages, first+i)
		}
		xfer := int(runLen << ps.shift())
		if xfer > len(data) {
			padded := make([]byte, xfer)
			copy(padded, data)
			data = padded
		}
		if _, err := m.file.WriteAt(data[:xfer], pageToOffset(first, ps)); err != nil {
			return nil, err
		}
		data = data[xfer:]
	}
	return pages, nil
}

// writeFPM writes the free page map into the given FPM slot. The bitmap is
// stored as a sequence of whole pages, one per interval, each holding the
// next pageSize bytes of the bitmap. Bytes past the end of the bitmap are
// written as 0xff (free).
func (m *File) writeFPM(slot uint32) error {
	ps := m.alloc.pageSize
	fpmBytes := m.alloc.fpm.bytes()
	numFPMPages := ps.divRoundUp(uint32(divRoundUp32(m.alloc.numPages, 8)))
	for i := uint32(0); i < numFPMPages; i++ {
		chunk := make([]byte, ps)
		lo := int(i << ps.shift())
		n := 0
		if lo < len(fpmBytes) {
			n = copy(chunk, fpmBytes[lo:])
		}
		for j := n; j < len(chunk); j++ {
			chunk[j] = 0xff
		}
		fpmPage := intervalToPage(i, ps) + slot
		if _, err := m.file.WriteAt(chunk, pageToOffset(fpmPage, ps)); err != nil {
			return err
		}
	}
	return nil
}

// postCommit rebuilds the committed stream table from the in-memory state
// and resets the per-transaction state. The directory and page map pages of
// the commit stay BUSY until the next commit replaces them, exactly as if
// the file had been reopened.
func (m *File) postCommit(newSlot uint32, dirPages, mapPages []uint32) {
	numStreams := len(m.streamSizes)
	committedPages := make([]uint32, 0, len(m.committedPages))
	committedStarts := make([]uint32, numStreams+1)
	for stream := 0; stream < numStreams; stream++ {
		committedStarts[stream] = uint32(len(committedPages))
		_, pages, _ := m.streamPages(stream)
		committedPages = append(committedPages, pages...)
	}
	committedStarts[numStreams] = uint32(len(committedPages))
	m.committedPages = committedPages
	m.committedStarts = committedStarts

	for _, page := range dirPages {
		m.alloc.freed.set(int(page), true)
	}
	for _, page := range mapPages {
		m.alloc.freed.set(int(page), true)
	}

	m.modified.Init(8)
	m.alloc.fresh.clearAll()
	m.alloc.nextFreeHint = 3
	m.activeFPM = newSlot
}

func divRoundUp32(n, d uint32) uint32 {
	return (n + d - 1) / d
}
