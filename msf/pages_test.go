// Copyright 2025 The PdbKit Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package msf

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBitvec(t *testing.T) {
	var b bitvec
	b.resize(100, true)
	require.Equal(t, 100, b.len())
	require.Equal(t, 100, b.countSet())
	b.set(40, false)
	require.False(t, b.get(40))
	require.Equal(t, 41, b.firstSetFrom(40))
	require.Equal(t, 41, b.firstSetFrom(41))
	require.Equal(t, 99, b.countSet())

	b.resize(40, false)
	b.resize(100, false)
	require.Equal(t, 40, b.countSet())
	require.Equal(t, -1, b.firstSetFrom(40))

	b.fillTailOfLastWord()
	// Bits 100..127 are now set in the words, but remain outside len.
	require.Equal(t, 100, b.len())
	b.resize(128, false)
	require.Equal(t, -1, b.firstSetFrom(100))

	b.clearAll()
	require.Equal(t, 0, b.countSet())
}

func TestBitvecBytes(t *testing.T) {
	var b bitvec
	b.resize(16, false)
	b.set(0, true)
	b.set(9, true)
	got := b.bytes()
	require.Equal(t, byte(0x01), got[0])
	require.Equal(t, byte(0x02), got[1])
}

func TestStreamPageMapper(t *testing.T) {
	m := streamPageMapper{
		pages:      []uint32{5, 6, 7, 300, 301},
		pageSize:   0x1000,
		streamSize: 0x4abc,
	}
	type result struct {
		fileOffset  int64
		transferLen uint32
		ok          bool
	}
	testCases := []struct {
		pos, wanted uint32
		want        result
	}{
		// Within the first page.
		{0, 0x10, result{0x5000, 0x10, true}},
		// Coalesces pages 5, 6, 7; stops at the discontinuity to page 300.
		{0, 0x3eee, result{0x5000, 0x3000, true}},
		// Unaligned start, capped at the same discontinuity.
		{0xccc, 0x10000000, result{0x5ccc, 0x2334, true}},
		// Within page 6.
		{0x1800, 0x100, result{0x6800, 0x100, true}},
		// Pages 300 and 301 coalesce and the transfer is capped by the
		// stream size.
		{0x3000, 0x10000, result{300 * 0x1000, 0x1abc, true}},
		// At and past the end.
		{0x4abc, 1, result{0, 0, false}},
		{0x5000, 1, result{0, 0, false}},
		// Zero-length request.
		{0, 0, result{0, 0, false}},
	}
	for _, tc := range testCases {
		fileOffset, transferLen, ok := m.mapRun(tc.pos, tc.wanted)
		require.Equal(t, tc.want, result{fileOffset, transferLen, ok},
			"mapRun(%#x, %#x)", tc.pos, tc.wanted)
	}

	nilMapper := streamPageMapper{pageSize: 0x1000, streamSize: NilStreamSize}
	_, _, ok := nilMapper.mapRun(0, 1)
	require.False(t, ok)
}

func TestNewPageAllocator(t *testing.T) {
	a := newPageAllocator(3, DefaultPageSize)
	// Page 0 and the two FPM pages are busy; nothing is free.
	require.False(t, a.fpm.get(0))
	require.False(t, a.fpm.get(1))
	require.False(t, a.fpm.get(2))
	require.Equal(t, 0, a.fpm.countSet())
}

func TestAllocPagesGrowth(t *testing.T) {
	const ps = PageSize(MinPageSize)
	a := newPageAllocator(3, ps)

	// First allocation grows the file.
	first, runLen, err := a.allocPages(10)
	require.NoError(t, err)
	require.Equal(t, uint32(3), first)
	require.Equal(t, uint32(10), runLen)
	require.Equal(t, uint32(13), a.numPages)
	require.True(t, a.fresh.get(5))

	// Grow to the end of the first interval. Pages 3..511 are usable, plus
	// the first page of the next interval.
	first, runLen, err = a.allocPages(1 << 20)
	require.NoError(t, err)
	require.Equal(t, uint32(13), first)
	require.Equal(t, uint32(MinPageSize)-13+1, runLen)
	require.Equal(t, uint32(MinPageSize)+1, a.numPages)

	// numPages now sits on FPM1 of interval 1: the allocator steps over both
	// FPM pages before handing out more.
	first, runLen, err = a.allocPages(1 << 20)
	require.NoError(t, err)
	require.Equal(t, uint32(MinPageSize)+3, first)
	require.Equal(t, uint32(MinPageSize)-2, runLen)
	require.False(t, a.fpm.get(MinPageSize+1))
	require.False(t, a.fpm.get(MinPageSize+2))
	require.False(t, a.freed.get(MinPageSize+1))
}

func TestAllocPagesReusesFreed(t *testing.T) {
	a := newPageAllocator(3, DefaultPageSize)
	first, _, err := a.allocPages(4)
	require.NoError(t, err)

	// Free a page mid-run and merge, as a commit would.
	a.fpm.set(int(first+1), false)
	a.freed.set(int(first+1), true)
	a.mergeFreedIntoFree()
	a.fresh.clearAll()
	a.nextFreeHint = 3

	page, err := a.allocPage()
	require.NoError(t, err)
	require.Equal(t, first+1, page)
	require.True(t, a.fresh.get(int(page)))
}

func TestMakePageFresh(t *testing.T) {
	a := newPageAllocator(3, DefaultPageSize)
	page, err := a.allocPage()
	require.NoError(t, err)

	// A page allocated in this transaction is already fresh.
	p := page
	got, err := a.makePageFresh(&p)
	require.NoError(t, err)
	require.Equal(t, page, got)

	// A committed page is replaced and marked deleting.
	a.fresh.clearAll()
	got, err = a.makePageFresh(&p)
	require.NoError(t, err)
	require.NotEqual(t, page, got)
	require.Equal(t, got, p)
	require.True(t, a.freed.get(int(page)))
	require.True(t, a.fresh.get(int(got)))
}

func TestLongestPageRun(t *testing.T) {
	require.Equal(t, 0, longestPageRun(nil))
	require.Equal(t, 1, longestPageRun([]uint32{7}))
	require.Equal(t, 3, longestPageRun([]uint32{7, 8, 9, 11}))
	require.Equal(t, 1, longestPageRun([]uint32{7, 9, 10}))
}
