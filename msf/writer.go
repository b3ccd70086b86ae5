// Copyright 2025 The PdbKit Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package msf

import (
	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/redact"
	"github.com/pdbkit/pdbkit/internal/base"
)

// Writer provides write access to a single stream. Writes allocate fresh
// pages and never modify pages that belong to the committed state, so an
// interrupted transaction leaves the committed file intact.
//
// A Writer stays valid until the next call that modifies the stream table
// (NewStream, NilStream, StreamWriter for another stream is fine; Commit
// invalidates all Writers).
type Writer struct {
	m      *File
	stream uint32
	ms     *modifiedStream
}

// StreamWriter returns a Writer for the given stream index.
//
// If stream is beyond the current stream count, the stream table grows with
// nil streams until it is in range. A nil stream is promoted to a zero-length
// stream.
func (m *File) StreamWriter(stream int) (*Writer, error) {
	if err := m.requireWritable(); err != nil {
		return nil, err
	}
	if stream < 0 || stream >= m.opts.MaxStreams {
		return nil, errors.Newf("msf: stream index %d out of range", redact.Safe(stream))
	}
	for len(m.streamSizes) <= stream {
		if _, err := m.NilStream(); err != nil {
			return nil, err
		}
	}
	if m.streamSizes[stream] == NilStreamSize {
		m.streamSizes[stream] = 0
	}
	ms, ok := m.modified.Get(uint32(stream))
	if !ok {
		// Copy the committed page list. Copying does not make the pages
		// writable; copy-on-write happens as pages are touched.
		start, end := m.committedStarts[stream], m.committedStarts[stream+1]
		ms = &modifiedStream{pages: append([]uint32(nil), m.committedPages[start:end]...)}
		m.modified.Put(uint32(stream), ms)
	}
	return &Writer{m: m, stream: uint32(stream), ms: ms}, nil
}

// NewStream appends a new zero-length stream and returns its index and a
// Writer for it.
func (m *File) NewStream() (int, *Writer, error) {
	if err := m.requireWritable(); err != nil {
		return 0, nil, err
	}
	if err := m.checkCanAddStream(); err != nil {
		return 0, nil, err
	}
	stream := len(m.streamSizes)
	m.streamSizes = append(m.streamSizes, 0)
	ms := &modifiedStream{}
	m.modified.Put(uint32(stream), ms)
	return stream, &Writer{m: m, stream: uint32(stream), ms: ms}, nil
}

// NilStream appends a new nil stream and returns its index.
func (m *File) NilStream() (int, error) {
	if err := m.requireWritable(); err != nil {
		return 0, err
	}
	if err := m.checkCanAddStream(); err != nil {
		return 0, err
	}
	stream := len(m.streamSizes)
	m.streamSizes = append(m.streamSizes, NilStreamSize)
	m.modified.Put(uint32(stream), &modifiedStream{})
	return stream, nil
}

// Nullify turns an existing stream into a nil stream, freeing its pages.
func (m *File) Nullify(stream int) error {
	w, err := m.StreamWriter(stream)
	if err != nil {
		return err
	}
	if err := w.SetSize(0); err != nil {
		return err
	}
	m.streamSizes[stream] = NilStreamSize
	return nil
}

func (m *File) checkCanAddStream() error {
	if len(m.streamSizes) >= m.opts.MaxStreams {
		return base.OutOfSpaceErrorf("msf: maximum number of streams (%d) reached",
			redact.Safe(m.opts.MaxStreams))
	}
	return nil
}

// Size returns the current stream size. Nil streams report zero.
func (w *Writer) Size() int64 {
	if s := w.size(); s != NilStreamSize {
		return int64(s)
	}
	return 0
}

func (w *Writer) size() uint32         { return w.m.streamSizes[w.stream] }
func (w *Writer) setSizeRaw(v uint32)  { w.m.streamSizes[w.stream] = v }
func (w *Writer) addSize(delta uint32) { w.m.streamSizes[w.stream] += delta }

// WriteAt writes p at the given stream offset, growing the stream as needed.
// Writing past the current end zero-fills the gap. Either all of p is
// written or an error is returned.
func (w *Writer) WriteAt(p []byte, off int64) (int, error) {
	if err := w.writeCore(p, off); err != nil {
		return 0, err
	}
	return len(p), nil
}

// SetContents replaces the stream contents with p.
func (w *Writer) SetContents(p []byte) error {
	if uint64(len(p)) > MaxStreamSize {
		return errors.Newf("msf: contents of %d bytes exceed the maximum stream size", redact.Safe(len(p)))
	}
	if w.size() != NilStreamSize && w.size() > uint32(len(p)) {
		// Truncate first to avoid read-modify-write cycles on pages that are
		// about to be overwritten anyway.
		if err := w.SetSize(int64(len(p))); err != nil {
			return err
		}
	}
	if err := w.writeCore(p, 0); err != nil {
		return err
	}
	return w.SetSize(int64(len(p)))
}

// writeCore is the main driver for all writes. It walks the write request
// through up to three phases: zero-extension of the gap before off, overwrite
// of the existing extent, and append past the end.
func (w *Writer) writeCore(buf []byte, off int64) error {
	if len(buf) == 0 {
		return nil
	}
	if w.size() == NilStreamSize {
		w.setSizeRaw(0)
	}
	if off < 0 || off > MaxStreamSize || uint64(off)+uint64(len(buf)) > MaxStreamSize {
		return errors.Newf("msf: write of %d bytes at %d exceeds the maximum stream size",
			redact.Safe(len(buf)), redact.Safe(off))
	}
	pos := uint32(off)
	ps := w.m.alloc.pageSize

	if w.size() < pos {
		var err error
		buf, pos, err = w.writeZeroExtend(buf, pos)
		if err != nil {
			return err
		}
		if len(buf) == 0 {
			return nil
		}
	}

	if pos < w.size() {
		var err error
		buf, pos, err = w.writeOverwrite(buf, pos)
		if err != nil {
			return err
		}
		if len(buf) == 0 {
			return nil
		}
	}

	// pos == size from here on: everything left is an append.
	if !ps.isAligned(pos) {
		var err error
		buf, pos, err = w.writeUnalignedStartPage(buf, pos)
		if err != nil {
			return err
		}
		if len(buf) == 0 {
			return nil
		}
	}

	var err error
	buf, pos, err = w.writeAppendCompletePages(buf, pos)
	if err != nil {
		return err
	}
	if len(buf) == 0 {
		return nil
	}
	return w.writeAppendFinalPage(buf, pos)
}

// writeZeroExtend handles writes that start past the current end of the
// stream: the unaligned tail of the last page, whole zero pages, and the
// unaligned head of the page where the new data begins. It may consume a
// prefix of buf when the zero gap and the new data share a page.
func (w *Writer) writeZeroExtend(buf []byte, pos uint32) ([]byte, uint32, error) {
	buf, pos, err := w.writeZeroExtendUnalignedStart(buf, pos)
	if err != nil || len(buf) == 0 {
		return buf, pos, err
	}

	if w.size() < pos {
		if err := w.writeZeroExtendWholePages(pos); err != nil {
			return buf, pos, err
		}
	}
	if w.size() < pos {
		buf, pos, err = w.writeZeroExtendUnalignedEnd(buf, pos)
		if err != nil {
			return buf, pos, err
		}
	}
	return buf, pos, nil
}

func (w *Writer) writeZeroExtendUnalignedStart(buf []byte, pos uint32) ([]byte, uint32, error) {
	ps := w.m.alloc.pageSize
	numZX := pos - w.size()

	endSpage := w.size() >> ps.shift()
	endPhase := ps.offsetWithinPage(w.size())
	posSpage := pos >> ps.shift()
	posPhase := ps.offsetWithinPage(pos)

	if endPhase == 0 {
		return buf, pos, nil
	}

	// The stream ends mid-page. Rebuild that page: old data, then zeroes,
	// then possibly the head of the new data.
	pageBuffer := w.m.alloc.pageBuffer()
	if err := w.readPagePrefix(endSpage, pageBuffer[:endPhase]); err != nil {
		return buf, pos, err
	}

	if endSpage == posSpage {
		// The new data begins on this same page.
		headLen := int(uint32(ps) - posPhase)
		if headLen > len(buf) {
			headLen = len(buf)
		}
		copy(pageBuffer[posPhase:], buf[:headLen])
		buf = buf[headLen:]
		pos += uint32(headLen)
		w.addSize(numZX + uint32(headLen))
	} else {
		// The zero gap reaches the end of this page.
		w.addSize(uint32(ps) - endPhase)
	}

	if err := w.cowPageAndWrite(endSpage, pageBuffer); err != nil {
		return buf, pos, err
	}
	return buf, pos, nil
}

// writeZeroExtendWholePages writes complete zero pages until the stream size
// reaches the last page before pos.
func (w *Writer) writeZeroExtendWholePages(pos uint32) error {
	ps := w.m.alloc.pageSize
	if (pos-w.size())>>ps.shift() == 0 {
		return nil
	}
	zeroPage := w.m.alloc.pageBuffer()
	for {
		wanted := (pos - w.size()) >> ps.shift()
		if wanted == 0 {
			return nil
		}
		first, runLen, err := w.m.alloc.allocPages(wanted)
		if err != nil {
			return err
		}
		for i := uint32(0); i < runLen; i++ {
			w.ms.pages = append(w.ms.pages, first+i)
		}
		w.addSize(runLen << ps.shift())
		for i := uint32(0); i < runLen; i++ {
			if _, err := w.m.file.WriteAt(zeroPage, pageToOffset(first+i, ps)); err != nil {
				return err
			}
		}
	}
}

func (w *Writer) writeZeroExtendUnalignedEnd(buf []byte, pos uint32) ([]byte, uint32, error) {
	ps := w.m.alloc.pageSize
	numZX := pos - w.size()
	if numZX == 0 {
		return buf, pos, nil
	}

	pageBuffer := w.m.alloc.pageBuffer()
	dataLen := int(uint32(ps) - numZX)
	if dataLen > len(buf) {
		dataLen = len(buf)
	}
	copy(pageBuffer[numZX:], buf[:dataLen])
	buf = buf[dataLen:]
	pos += uint32(dataLen)

	page, err := w.m.alloc.allocPage()
	if err != nil {
		return buf, pos, err
	}
	w.ms.pages = append(w.ms.pages, page)
	w.addSize(numZX + uint32(dataLen))

	if _, err := w.m.file.WriteAt(pageBuffer, pageToOffset(page, ps)); err != nil {
		return buf, pos, err
	}
	return buf, pos, nil
}

// writeOverwrite overwrites the existing extent of the stream: the unaligned
// head page, then whole aligned pages, then a trailing partial page.
func (w *Writer) writeOverwrite(buf []byte, pos uint32) ([]byte, uint32, error) {
	buf, pos, err := w.writeOverwriteUnalignedStart(buf, pos)
	if err != nil || len(buf) == 0 {
		return buf, pos, err
	}
	return w.writeOverwriteAlignedPages(buf, pos)
}

func (w *Writer) writeOverwriteUnalignedStart(buf []byte, pos uint32) ([]byte, uint32, error) {
	ps := w.m.alloc.pageSize
	posSpage := pos >> ps.shift()
	posPhase := ps.offsetWithinPage(pos)
	if posPhase == 0 {
		return buf, pos, nil
	}

	// Rebuild the whole page from the old contents and the new data, then
	// copy-on-write it.
	pageBuffer := w.m.alloc.pageBuffer()
	if err := w.readPage(posSpage, pageBuffer); err != nil {
		return buf, pos, err
	}
	n := int(uint32(ps) - posPhase)
	if n > len(buf) {
		n = len(buf)
	}
	copy(pageBuffer[posPhase:], buf[:n])
	buf = buf[n:]
	pos += uint32(n)

	if err := w.cowPageAndWrite(posSpage, pageBuffer); err != nil {
		return buf, pos, err
	}
	if pos > w.size() {
		w.setSizeRaw(pos)
	}
	return buf, pos, nil
}

func (w *Writer) writeOverwriteAlignedPages(buf []byte, pos uint32) ([]byte, uint32, error) {
	ps := w.m.alloc.pageSize
	if pos == w.size() {
		return buf, pos, nil
	}

	posSpage := pos >> ps.shift()
	numBufPages := uint32(len(buf)) >> ps.shift()
	numPagesTotal := ps.divRoundUp(w.size())
	numPagesAtPos := pos >> ps.shift()
	numPagesOwned := numPagesTotal - numPagesAtPos

	// Whole pages get fresh page slots and are written as coalesced runs;
	// their old contents are irrelevant.
	numXfer := numPagesOwned
	if numBufPages < numXfer {
		numXfer = numBufPages
	}
	if numXfer != 0 {
		xferBytes := numXfer << ps.shift()
		head := buf[:xferBytes]
		buf = buf[xferBytes:]
		pos += xferBytes

		pages := w.ms.pages[posSpage : posSpage+numXfer]
		if err := w.m.alloc.makePagesFresh(pages); err != nil {
			return buf, pos, err
		}
		if err := writeRuns(w.m, head, pages, ps); err != nil {
			return buf, pos, err
		}
		// Overwriting a trailing partial page may have extended the stream,
		// but never across a page boundary.
		if pos > w.size() {
			w.setSizeRaw(pos)
		}
		if len(buf) == 0 {
			return buf, pos, nil
		}
	}

	// A partial page of new data remains while the stream still owns a page
	// here. Merge and copy-on-write it.
	if w.size()-pos > 0 {
		spage := pos >> ps.shift()
		oldLen := w.size() - pos
		pageBuffer := w.m.alloc.pageBuffer()
		if oldLen > uint32(len(buf)) {
			if err := w.readPage(spage, pageBuffer); err != nil {
				return buf, pos, err
			}
		}
		copy(pageBuffer, buf)
		if err := w.cowPageAndWrite(spage, pageBuffer); err != nil {
			return buf, pos, err
		}
		pos += uint32(len(buf))
		if pos > w.size() {
			w.setSizeRaw(pos)
		}
		return nil, pos, nil
	}
	return buf, pos, nil
}

// writeUnalignedStartPage handles an append that begins mid-page: the last
// existing page is rebuilt with the head of the new data.
func (w *Writer) writeUnalignedStartPage(buf []byte, pos uint32) ([]byte, uint32, error) {
	ps := w.m.alloc.pageSize
	posSpage := pos >> ps.shift()
	posPhase := ps.offsetWithinPage(pos)

	pageBuffer := w.m.alloc.pageBuffer()
	if err := w.readPage(posSpage, pageBuffer); err != nil {
		return buf, pos, err
	}
	n := int(uint32(ps) - posPhase)
	if n > len(buf) {
		n = len(buf)
	}
	copy(pageBuffer[posPhase:], buf[:n])
	buf = buf[n:]
	pos += uint32(n)

	if err := w.cowPageAndWrite(posSpage, pageBuffer); err != nil {
		return buf, pos, err
	}
	if pos > w.size() {
		w.setSizeRaw(pos)
	}
	return buf, pos, nil
}

// writeAppendCompletePages appends whole pages, allocating contiguous runs so
// a long append becomes few large writes. This is the hot path when building
// a file from scratch.
func (w *Writer) writeAppendCompletePages(buf []byte, pos uint32) ([]byte, uint32, error) {
	ps := w.m.alloc.pageSize
	for {
		wanted := uint32(len(buf)) >> ps.shift()
		if wanted == 0 {
			return buf, pos, nil
		}
		first, runLen, err := w.m.alloc.allocPages(wanted)
		if err != nil {
			return buf, pos, err
		}
		xfer := runLen << ps.shift()
		for i := uint32(0); i < runLen; i++ {
			w.ms.pages = append(w.ms.pages, first+i)
		}
		head := buf[:xfer]
		buf = buf[xfer:]
		if _, err := w.m.file.WriteAt(head, pageToOffset(first, ps)); err != nil {
			return buf, pos, err
		}
		w.addSize(xfer)
		pos += xfer
	}
}

// writeAppendFinalPage appends the trailing partial page through a zero
// padded page buffer so the device always sees whole-page writes.
func (w *Writer) writeAppendFinalPage(buf []byte, pos uint32) error {
	ps := w.m.alloc.pageSize
	page, err := w.m.alloc.allocPage()
	if err != nil {
		return err
	}
	pageBuffer := w.m.alloc.pageBuffer()
	copy(pageBuffer, buf)
	w.ms.pages = append(w.ms.pages, page)
	w.addSize(uint32(len(buf)))
	_, err = w.m.file.WriteAt(pageBuffer, pageToOffset(page, ps))
	return err
}

// SetSize sets the stream length, truncating or zero-extending as needed. A
// nil stream becomes a non-nil stream.
func (w *Writer) SetSize(n int64) error {
	if n < 0 || n > MaxStreamSize {
		return errors.Newf("msf: invalid stream size %d", redact.Safe(n))
	}
	if w.size() == NilStreamSize {
		w.setSizeRaw(0)
	}
	newLen := uint32(n)
	ps := w.m.alloc.pageSize

	switch {
	case newLen == w.size():
		return nil

	case newLen < w.size():
		// Truncate: release the pages past the new end.
		oldPages := pagesForStreamSize(w.size(), ps)
		newPages := pagesForStreamSize(newLen, ps)
		for _, page := range w.ms.pages[newPages:oldPages] {
			w.m.alloc.freed.set(int(page), true)
		}
		w.ms.pages = w.ms.pages[:newPages]
		w.setSizeRaw(newLen)
		return nil

	default:
		// Zero-extend. First fill the unaligned tail of the last page.
		if endPhase := ps.offsetWithinPage(w.size()); endPhase != 0 {
			totalZX := newLen - w.size()
			endSpage := w.size() >> ps.shift()
			numZX := uint32(ps) - endPhase
			if totalZX < numZX {
				numZX = totalZX
			}
			pageBuffer := w.m.alloc.pageBuffer()
			if err := w.readPage(endSpage, pageBuffer); err != nil {
				return err
			}
			for i := endPhase; i < uint32(ps); i++ {
				pageBuffer[i] = 0
			}
			if err := w.cowPageAndWrite(endSpage, pageBuffer); err != nil {
				return err
			}
			w.addSize(numZX)
			if w.size() == newLen {
				return nil
			}
		}

		// Append zero pages for the rest, including a trailing partial page.
		zeroPage := w.m.alloc.pageBuffer()
		for w.size() < newLen {
			wanted := ps.divRoundUp(newLen - w.size())
			first, runLen, err := w.m.alloc.allocPages(wanted)
			if err != nil {
				return err
			}
			for i := uint32(0); i < runLen; i++ {
				w.ms.pages = append(w.ms.pages, first+i)
				if _, err := w.m.file.WriteAt(zeroPage, pageToOffset(first+i, ps)); err != nil {
					return err
				}
			}
			grow := runLen << ps.shift()
			if remaining := newLen - w.size(); remaining < grow {
				grow = remaining
			}
			w.addSize(grow)
		}
		return nil
	}
}

// cowPageAndWrite makes the stream page writable (allocating a replacement
// page if it belongs to the committed state) and writes one page of data.
func (w *Writer) cowPageAndWrite(spage uint32, data []byte) error {
	page, err := w.m.alloc.makePageFresh(&w.ms.pages[spage])
	if err != nil {
		return err
	}
	_, err = w.m.file.WriteAt(data, pageToOffset(page, w.m.alloc.pageSize))
	return err
}

// readPage reads one whole page of the stream into data.
func (w *Writer) readPage(spage uint32, data []byte) error {
	return w.readPagePrefix(spage, data)
}

// readPagePrefix reads a prefix of a stream page into data.
func (w *Writer) readPagePrefix(spage uint32, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	page := w.ms.pages[spage]
	_, err := w.m.file.ReadAt(data, pageToOffset(page, w.m.alloc.pageSize))
	return err
}

// longestPageRun returns the length of the prefix of pages that are numbered
// consecutively.
func longestPageRun(pages []uint32) int {
	if len(pages) == 0 {
		return 0
	}
	i := 1
	for i < len(pages) && pages[i] == pages[i-1]+1 {
		i++
	}
	return i
}

// writeRuns writes whole pages of buf to the listed pages, grouping
// consecutive pages into single writes.
func writeRuns(m *File, buf []byte, pages []uint32, ps PageSize) error {
	for len(pages) > 0 {
		run := longestPageRun(pages)
		xfer := run << int(ps.shift())
		if _, err := m.file.WriteAt(buf[:xfer], pageToOffset(pages[0], ps)); err != nil {
			return err
		}
		buf = buf[xfer:]
		pages = pages[run:]
	}
	return nil
}
