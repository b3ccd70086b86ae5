// Copyright 2025 The PdbKit Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package msf

import (
	"github.com/cockroachdb/redact"
	"github.com/pdbkit/pdbkit/internal/base"
)

// pageAllocator tracks the allocation state of every page in the file.
//
// The fpm, freed and fresh vectors are parallel; index p describes page p.
// Legal states:
//
//	fpm[p] | freed[p] | state
//	true   | false    | FREE: available for use
//	false  | false    | BUSY: used by a stream or by metadata
//	false  | true     | DELETING: busy in the committed state, freed in the
//	                    uncommitted state; becomes FREE at commit
//	true   | true     | illegal
type pageAllocator struct {
	fpm   bitvec
	freed bitvec

	// fresh marks pages allocated in the current transaction. Fresh pages can
	// be overwritten in place; writes to non-fresh pages must copy first.
	fresh bitvec

	// nextFreeHint is the next index to check when scanning for a free page.
	// It is not guaranteed to point at a free page.
	nextFreeHint uint32

	numPages uint32
	pageSize PageSize
}

// newPageAllocator marks all pages free, then reserves page 0 and the FPM
// pages of every interval. The caller marks stream and directory pages.
func newPageAllocator(numPages int, ps PageSize) *pageAllocator {
	a := &pageAllocator{
		fpm:      newBitvec(numPages, true),
		freed:    newBitvec(numPages, false),
		fresh:    newBitvec(numPages, false),
		numPages: uint32(numPages),
		pageSize: ps,
	}
	a.fpm.set(0, false)
	for interval := uint32(0); ; interval++ {
		fpm1 := int(intervalToPage(interval, ps)) + 1
		if fpm1 < numPages {
			a.fpm.set(fpm1, false)
		}
		if fpm1+1 < numPages {
			a.fpm.set(fpm1+1, false)
		} else {
			break
		}
	}
	return a
}

func (a *pageAllocator) pageBuffer() []byte {
	return make([]byte, a.pageSize)
}

// initMarkMetaPageBusy marks a stream directory or page map page as BUSY and
// DELETING while the committed state is being loaded. These pages become free
// after the next commit writes a new directory.
func (a *pageAllocator) initMarkMetaPageBusy(page uint32) error {
	if page >= a.numPages {
		return base.CorruptionErrorf("msf: page %d out of range (file has %d pages)",
			redact.Safe(page), redact.Safe(a.numPages))
	}
	if !a.fpm.get(int(page)) {
		return base.CorruptionErrorf("msf: page %d used more than once", redact.Safe(page))
	}
	a.fpm.set(int(page), false)
	if a.freed.get(int(page)) {
		return base.CorruptionErrorf("msf: page %d already marked freed", redact.Safe(page))
	}
	a.freed.set(int(page), true)
	return nil
}

// initMarkStreamPageBusy marks a stream data page as BUSY while the committed
// state is being loaded.
func (a *pageAllocator) initMarkStreamPageBusy(page uint32) error {
	if page >= a.numPages {
		return base.CorruptionErrorf("msf: stream page %d out of range (file has %d pages)",
			redact.Safe(page), redact.Safe(a.numPages))
	}
	if isSpecialPage(a.pageSize, page) {
		return base.CorruptionErrorf("msf: stream page %d overlaps page 0 or the free page map",
			redact.Safe(page))
	}
	if !a.fpm.get(int(page)) {
		return base.CorruptionErrorf("msf: stream page %d used more than once", redact.Safe(page))
	}
	a.fpm.set(int(page), false)
	return nil
}

// maxPages bounds file growth so that page numbers and file offsets stay
// within the 32-bit fields of the format.
const maxPages = 0xfff0_0000

// allocPage allocates a single page.
func (a *pageAllocator) allocPage() (uint32, error) {
	page, _, err := a.allocPages(1)
	return page, err
}

// allocPages allocates up to wanted contiguous pages and returns the first
// page and the run length. The run may be shorter than wanted when it hits an
// interval boundary; callers loop. No disk I/O happens here.
func (a *pageAllocator) allocPages(wanted uint32) (first, runLen uint32, _ error) {
	if wanted == 0 {
		panic("msf: allocPages with zero pages")
	}

	// Reuse an existing free page if there is one.
	if a.nextFreeHint < uint32(a.fpm.len()) {
		if i := a.fpm.firstSetFrom(int(a.nextFreeHint)); i >= 0 {
			p0 := uint32(i)
			a.fpm.set(i, false)
			a.fresh.set(i, true)
			a.nextFreeHint = p0 + 1
			runLen = 1
			for runLen < wanted && p0+runLen < a.numPages && a.fpm.get(int(a.nextFreeHint)) {
				a.fpm.set(int(a.nextFreeHint), false)
				a.fresh.set(int(a.nextFreeHint), true)
				a.nextFreeHint++
				runLen++
			}
			return p0, runLen, nil
		}
		// No free pages remain; skip this scan region in future calls.
		a.nextFreeHint = uint32(a.fpm.len())
	}

	// Grow the file. The number of pages available before the next interval's
	// FPM pages depends on where numPages sits within its interval.
	pageSize := uint32(a.pageSize)
	var available uint32
	switch phase := a.numPages & a.pageSize.mask(); phase {
	case 0:
		// Positioned exactly at the start of an interval: one usable page,
		// then FPM1 and FPM2.
		available = 1
	case 1:
		// Positioned on FPM1. Step over both FPM pages.
		a.fpm.appendBit(false)
		a.fpm.appendBit(false)
		a.freed.appendBit(false)
		a.freed.appendBit(false)
		a.fresh.appendBit(false)
		a.fresh.appendBit(false)
		a.numPages += 2
		a.nextFreeHint += 2
		available = pageSize - 2
	case 2:
		// Positioned on FPM2. Step over it.
		a.fpm.appendBit(false)
		a.freed.appendBit(false)
		a.fresh.appendBit(false)
		a.numPages++
		a.nextFreeHint++
		available = pageSize - 2
	default:
		// Remainder of this interval plus the first page of the next.
		available = pageSize - phase + 1
	}

	allocated := available
	if wanted < allocated {
		allocated = wanted
	}
	if a.numPages+allocated > maxPages {
		return 0, 0, base.OutOfSpaceErrorf("msf: file would exceed %d pages", redact.Safe(uint32(maxPages)))
	}

	first = a.numPages
	a.numPages += allocated
	a.freed.resize(int(a.numPages), false)
	a.fpm.resize(int(a.numPages), false)
	a.fresh.resize(int(a.numPages), true)
	a.nextFreeHint = a.numPages
	return first, allocated, nil
}

// makePageFresh ensures *page can be modified in the current transaction. If
// the page belongs to the committed state, a new page is allocated, the old
// page is marked DELETING and *page is redirected. No data is copied here.
func (a *pageAllocator) makePageFresh(page *uint32) (uint32, error) {
	p := int(*page)
	if a.fresh.get(p) {
		return *page, nil
	}
	newPage, _, err := a.allocPages(1)
	if err != nil {
		return 0, err
	}
	a.freed.set(p, true)
	*page = newPage
	return newPage, nil
}

func (a *pageAllocator) makePagesFresh(pages []uint32) error {
	for i := range pages {
		if _, err := a.makePageFresh(&pages[i]); err != nil {
			return err
		}
	}
	return nil
}

// mergeFreedIntoFree folds DELETING pages into the free set and clears the
// freed vector. Part of the commit protocol.
func (a *pageAllocator) mergeFreedIntoFree() {
	for i := range a.fpm.words {
		a.fpm.words[i] |= a.freed.words[i]
		a.freed.words[i] = 0
	}
}

// checkConsistency verifies that no page is both free and freed.
func (a *pageAllocator) checkConsistency() error {
	for p := 0; p < int(a.numPages); p++ {
		if a.fpm.get(p) && a.freed.get(p) {
			return base.CorruptionErrorf("msf: page %d is both free and freed", redact.Safe(p))
		}
	}
	return nil
}

// streamPageMapper maps byte ranges within a stream to contiguous byte ranges
// of the containing file.
type streamPageMapper struct {
	pages      []uint32
	pageSize   PageSize
	streamSize uint32
}

// mapRun maps (pos, wanted) to (fileOffset, transferLen). Runs of
// consecutively numbered pages coalesce into a single transfer, so large
// reads of well-laid-out streams become few file reads. Returns ok=false
// when nothing can be mapped (pos at or past the end, or a nil stream).
func (m *streamPageMapper) mapRun(pos, wanted uint32) (fileOffset int64, transferLen uint32, ok bool) {
	if m.streamSize == NilStreamSize || pos >= m.streamSize {
		return 0, 0, false
	}
	maxTransfer := m.streamSize - pos
	if wanted < maxTransfer {
		maxTransfer = wanted
	}
	if maxTransfer == 0 {
		return 0, 0, false
	}

	firstPageIndex := pos >> m.pageSize.shift()
	firstPage := m.pages[firstPageIndex]
	offsetInPage := pos - m.pageSize.alignDown(pos)
	fileOffset = pageToOffset(firstPage, m.pageSize) + int64(offsetInPage)

	availableFirstPage := uint32(m.pageSize) - offsetInPage
	if maxTransfer <= availableFirstPage {
		return fileOffset, maxTransfer, true
	}

	// The transfer crosses a page boundary. Extend over consecutively
	// numbered pages.
	p := pos + availableFirstPage
	lastPage := firstPage
	for p-pos < maxTransfer {
		want := maxTransfer - (p - pos)
		pageIndex := p >> m.pageSize.shift()
		ptr := m.pages[pageIndex]
		if ptr != lastPage+1 {
			break
		}
		step := uint32(m.pageSize)
		if want < step {
			step = want
		}
		p += step
		lastPage++
	}
	return fileOffset, p - pos, true
}
