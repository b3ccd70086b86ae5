// Copyright 2025 The PdbKit Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package globals

import (
	"encoding/binary"
	"fmt"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/pdbkit/pdbkit/internal/base"
	"github.com/stretchr/testify/require"
)

// streamBuilder assembles a symbol stream with 4-byte aligned records.
type streamBuilder struct {
	data []byte
}

func (b *streamBuilder) add(kind Kind, payload []byte) uint32 {
	off := uint32(len(b.data))
	recLen := 2 + len(payload)
	for (recLen+2)%4 != 0 {
		recLen++
	}
	var hdr [4]byte
	binary.LittleEndian.PutUint16(hdr[:], uint16(recLen))
	binary.LittleEndian.PutUint16(hdr[2:], uint16(kind))
	b.data = append(b.data, hdr[:]...)
	b.data = append(b.data, payload...)
	for len(b.data)%4 != 0 {
		b.data = append(b.data, 0)
	}
	return off
}

func pub32Payload(seg uint16, off uint32, name string) []byte {
	p := make([]byte, 10, 10+len(name)+1)
	binary.LittleEndian.PutUint32(p, 2) // flags: function
	binary.LittleEndian.PutUint32(p[4:], off)
	binary.LittleEndian.PutUint16(p[8:], seg)
	p = append(p, name...)
	return append(p, 0)
}

func dataPayload(seg uint16, off uint32, name string) []byte {
	p := make([]byte, 10, 10+len(name)+1)
	binary.LittleEndian.PutUint32(p, 0x74) // type index
	binary.LittleEndian.PutUint32(p[4:], off)
	binary.LittleEndian.PutUint16(p[8:], seg)
	p = append(p, name...)
	return append(p, 0)
}

func udtPayload(name string) []byte {
	p := make([]byte, 4, 4+len(name)+1)
	binary.LittleEndian.PutUint32(p, 0x1010)
	p = append(p, name...)
	return append(p, 0)
}

func constantPayload(value uint64, name string) []byte {
	p := make([]byte, 4, 4+10+len(name)+1)
	binary.LittleEndian.PutUint32(p, 0x74)
	switch {
	case value < 0x8000:
		p = binary.LittleEndian.AppendUint16(p, uint16(value))
	case value <= 0xffff_ffff:
		p = binary.LittleEndian.AppendUint16(p, leafULong)
		p = binary.LittleEndian.AppendUint32(p, uint32(value))
	default:
		p = binary.LittleEndian.AppendUint16(p, leafUQuadword)
		p = binary.LittleEndian.AppendUint64(p, value)
	}
	p = append(p, name...)
	return append(p, 0)
}

func refPayload(module uint16, symOff uint32, name string) []byte {
	p := make([]byte, 10, 10+len(name)+1)
	binary.LittleEndian.PutUint32(p[4:], symOff)
	binary.LittleEndian.PutUint16(p[8:], module)
	p = append(p, name...)
	return append(p, 0)
}

func manProcPayload(seg uint16, off uint32, name string) []byte {
	p := make([]byte, 37, 37+len(name)+1)
	binary.LittleEndian.PutUint32(p[28:], off)
	binary.LittleEndian.PutUint16(p[32:], seg)
	p = append(p, name...)
	return append(p, 0)
}

func TestRecordIter(t *testing.T) {
	var sb streamBuilder
	off1 := sb.add(KindUDT, udtPayload("Widget"))
	off2 := sb.add(KindPub32, pub32Payload(1, 0x100, "main"))
	off3 := sb.add(KindConstant, constantPayload(42, "kAnswer"))

	it := NewRecordIter(sb.data)
	var recs []Record
	for {
		rec, ok, err := it.Next()
		require.NoError(t, err)
		if !ok {
			break
		}
		recs = append(recs, rec)
	}
	require.Len(t, recs, 3)
	require.Equal(t, off1, recs[0].Offset)
	require.Equal(t, KindUDT, recs[0].Kind)
	require.Equal(t, off2, recs[1].Offset)
	require.Equal(t, KindPub32, recs[1].Kind)
	require.Equal(t, off3, recs[2].Offset)

	rec, err := RecordAt(sb.data, off2)
	require.NoError(t, err)
	require.Equal(t, KindPub32, rec.Kind)
	addr, err := Pub32Address(rec)
	require.NoError(t, err)
	require.Equal(t, SegOffset{Segment: 1, Offset: 0x100}, addr)
}

func TestRecordIterCorrupt(t *testing.T) {
	check := func(data []byte) {
		t.Helper()
		it := NewRecordIter(data)
		var err error
		for {
			var ok bool
			_, ok, err = it.Next()
			if !ok {
				break
			}
		}
		require.Error(t, err)
		require.True(t, errors.Is(err, base.ErrCorruptRecord), "%v", err)
	}
	// Truncated header.
	check([]byte{0x04})
	// Length below the minimum.
	check([]byte{0x01, 0x00, 0x0e, 0x11})
	// Record overruns the stream.
	check([]byte{0x40, 0x00, 0x0e, 0x11, 0x00, 0x00})
	// A record past a valid one.
	var sb streamBuilder
	sb.add(KindUDT, udtPayload("ok"))
	check(append(sb.data, 0xff, 0xff, 0x0e, 0x11))
}

func TestSymbolName(t *testing.T) {
	cases := []struct {
		kind    Kind
		payload []byte
		name    string
	}{
		{KindPub32, pub32Payload(1, 0, "pub_name"), "pub_name"},
		{KindUDT, udtPayload("Widget"), "Widget"},
		{KindConstant, constantPayload(7, "kSmall"), "kSmall"},
		{KindConstant, constantPayload(0x12345678, "kLong"), "kLong"},
		{KindConstant, constantPayload(1 << 40, "kQuad"), "kQuad"},
		{KindGData32, dataPayload(2, 8, "gVar"), "gVar"},
		{KindLThread32, dataPayload(3, 0, "tlsVar"), "tlsVar"},
		{KindProcRef, refPayload(1, 0x20, "DoWork"), "DoWork"},
		{KindGManProc, manProcPayload(1, 0x40, "Managed::Run"), "Managed::Run"},
	}
	for _, c := range cases {
		name, ok, err := SymbolName(Record{Kind: c.kind, Payload: c.payload})
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, c.name, string(name))
	}

	// S_TOKENREF has a name field but is not usable for lookups.
	_, ok, err := SymbolName(Record{Kind: KindTokenRef, Payload: refPayload(1, 0, "token")})
	require.NoError(t, err)
	require.False(t, ok)

	// Unterminated name.
	p := udtPayload("x")
	_, _, err = SymbolName(Record{Kind: KindUDT, Payload: p[:len(p)-1]})
	require.Error(t, err)
	require.True(t, errors.Is(err, base.ErrCorruptRecord))
}

func TestNameTableRoundTrip(t *testing.T) {
	for _, n := range []int{0, 3, 100} {
		t.Run(fmt.Sprint(n), func(t *testing.T) {
			names := make([]string, n)
			b := newNameTableBuilder(NumBucketsDefault)
			for i := range names {
				names[i] = fmt.Sprintf("name%d", i)
				b.push([]byte(names[i]), uint32(i*16))
			}
			encoded := b.encode()

			table, err := ParseNameTable(encoded, NumBucketsDefault)
			require.NoError(t, err)
			require.Equal(t, n, table.NumRecords())
			require.Equal(t, NumBucketsDefault, table.NumBuckets())

			for i, name := range names {
				bucket := table.Bucket([]byte(name))
				found := 0
				for _, hr := range bucket {
					if hr.SymOffset == uint32(i*16) {
						found++
					}
				}
				require.Equal(t, 1, found, "name %q", name)
			}
		})
	}
}

func TestNameTableDeterministic(t *testing.T) {
	build := func(order []int) []byte {
		b := newNameTableBuilder(NumBucketsDefault)
		for _, i := range order {
			b.push([]byte(fmt.Sprintf("sym%d", i)), uint32(i*8))
		}
		return b.encode()
	}
	a := build([]int{0, 1, 2, 3, 4})
	c := build([]int{4, 2, 0, 3, 1})
	require.Equal(t, a, c)
}

func TestNameTableCaseVariantsShareBucket(t *testing.T) {
	b := newNameTableBuilder(NumBucketsDefault)
	b.push([]byte("hello"), 0)
	b.push([]byte("HELLO"), 16)
	table, err := ParseNameTable(b.encode(), NumBucketsDefault)
	require.NoError(t, err)
	// The hash folds case, so both land in one bucket; exact-match
	// filtering is the caller's job.
	require.Len(t, table.Bucket([]byte("hello")), 2)
	require.Len(t, table.Bucket([]byte("HELLO")), 2)
}

func TestNameTableParseCorrupt(t *testing.T) {
	b := newNameTableBuilder(NumBucketsDefault)
	b.push([]byte("alpha"), 0)
	b.push([]byte("beta"), 16)
	good := b.encode()

	check := func(mutate func([]byte)) {
		t.Helper()
		data := append([]byte(nil), good...)
		mutate(data)
		_, err := ParseNameTable(data, NumBucketsDefault)
		require.Error(t, err)
		require.True(t, errors.Is(err, base.ErrCorruptContainer), "%v", err)
	}

	// Bad signature.
	check(func(d []byte) { d[0] = 0 })
	// Bad version.
	check(func(d []byte) { d[4]++ })
	// Hash record region size not a multiple of the record size.
	check(func(d []byte) { binary.LittleEndian.PutUint32(d[8:], 9) })
	// Regions exceed the stream.
	check(func(d []byte) { binary.LittleEndian.PutUint32(d[12:], 1 << 20) })
	// Non-positive symbol offset.
	check(func(d []byte) { binary.LittleEndian.PutUint32(d[tableHeaderLen:], 0) })
	// Bucket offset not a multiple of 12.
	offsetsAt := tableHeaderLen + 2*hashRecordLen + nonemptyBitmapLen(NumBucketsDefault)
	check(func(d []byte) { binary.LittleEndian.PutUint32(d[offsetsAt:], 5) })
	// Truncated header.
	_, err := ParseNameTable(good[:8], NumBucketsDefault)
	require.Error(t, err)
	require.True(t, errors.Is(err, base.ErrCorruptContainer))
}

// buildTestStream returns a symbol stream mixing public and global symbols.
func buildTestStream(t *testing.T) (data []byte, pubOffsets, globalOffsets map[string]uint32) {
	var sb streamBuilder
	pubOffsets = map[string]uint32{}
	globalOffsets = map[string]uint32{}

	pubOffsets["main"] = sb.add(KindPub32, pub32Payload(1, 0x1000, "main"))
	globalOffsets["Widget"] = sb.add(KindUDT, udtPayload("Widget"))
	pubOffsets["helper"] = sb.add(KindPub32, pub32Payload(1, 0x1200, "helper"))
	globalOffsets["kAnswer"] = sb.add(KindConstant, constantPayload(42, "kAnswer"))
	globalOffsets["gCounter"] = sb.add(KindGData32, dataPayload(2, 0x10, "gCounter"))
	pubOffsets["gCounter"] = sb.add(KindPub32, pub32Payload(2, 0x10, "gCounter"))
	globalOffsets["DoWork"] = sb.add(KindProcRef, refPayload(1, 0x20, "DoWork"))
	// Skipped by the index build.
	sb.add(KindTokenRef, refPayload(1, 0x30, "tokenName"))
	sb.add(KindDataRef, refPayload(1, 0x40, "dataName"))
	// Unindexed kind, also skipped.
	sb.add(Kind(0x1101), []byte{0, 0, 0, 0})
	pubOffsets["zzz_last"] = sb.add(KindPub32, pub32Payload(3, 0x80, "zzz_last"))

	return sb.data, pubOffsets, globalOffsets
}

func TestGlobalIndex(t *testing.T) {
	stream, _, globalOffsets := buildTestStream(t)

	encoded, err := BuildGlobalIndex(stream, NumBucketsDefault)
	require.NoError(t, err)
	gsi, err := ParseGlobalIndex(encoded, NumBucketsDefault)
	require.NoError(t, err)
	require.Equal(t, len(globalOffsets), gsi.NumRecords())

	for name, off := range globalOffsets {
		recs, err := gsi.LookupExact(stream, []byte(name))
		require.NoError(t, err)
		require.Len(t, recs, 1, "name %q", name)
		require.Equal(t, off, recs[0].Offset)
	}

	// Publics are not in the GSI.
	recs, err := gsi.LookupExact(stream, []byte("main"))
	require.NoError(t, err)
	require.Empty(t, recs)
	// Neither are names of skipped ref kinds.
	recs, err = gsi.LookupExact(stream, []byte("tokenName"))
	require.NoError(t, err)
	require.Empty(t, recs)
	recs, err = gsi.LookupExact(stream, []byte("dataName"))
	require.NoError(t, err)
	require.Empty(t, recs)
	// Case variants hash equal but do not match.
	recs, err = gsi.LookupExact(stream, []byte("WIDGET"))
	require.NoError(t, err)
	require.Empty(t, recs)
}

func TestPublicIndexByName(t *testing.T) {
	stream, pubOffsets, _ := buildTestStream(t)

	encoded, err := BuildPublicIndex(stream, NumBucketsDefault)
	require.NoError(t, err)
	psi, err := ParsePublicIndex(encoded, NumBucketsDefault)
	require.NoError(t, err)
	require.Equal(t, len(pubOffsets), psi.NumRecords())

	for name, off := range pubOffsets {
		recs, err := psi.LookupExact(stream, []byte(name))
		require.NoError(t, err)
		require.Len(t, recs, 1, "name %q", name)
		require.Equal(t, off, recs[0].Offset)
		require.Equal(t, KindPub32, recs[0].Kind)
	}

	// "gCounter" exists as both an S_GDATA32 and an S_PUB32; the PSI
	// lookup returns only the public.
	recs, err := psi.LookupExact(stream, []byte("gCounter"))
	require.NoError(t, err)
	require.Len(t, recs, 1)

	// Global-only names are absent.
	recs, err = psi.LookupExact(stream, []byte("Widget"))
	require.NoError(t, err)
	require.Empty(t, recs)
}

func TestPublicIndexByAddress(t *testing.T) {
	stream, pubOffsets, _ := buildTestStream(t)

	encoded, err := BuildPublicIndex(stream, NumBucketsDefault)
	require.NoError(t, err)
	psi, err := ParsePublicIndex(encoded, NumBucketsDefault)
	require.NoError(t, err)

	requireFound := func(seg uint16, off uint32, wantName string) {
		t.Helper()
		rec, ok, err := psi.LookupByAddress(stream, seg, off)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, pubOffsets[wantName], rec.Offset)
	}
	requireNotFound := func(seg uint16, off uint32) {
		t.Helper()
		_, ok, err := psi.LookupByAddress(stream, seg, off)
		require.NoError(t, err)
		require.False(t, ok)
	}

	// Exact hits.
	requireFound(1, 0x1000, "main")
	requireFound(1, 0x1200, "helper")
	requireFound(2, 0x10, "gCounter")
	requireFound(3, 0x80, "zzz_last")

	// Addresses inside a symbol resolve to the nearest preceding public.
	requireFound(1, 0x1050, "main")
	requireFound(1, 0x11ff, "main")
	requireFound(1, 0xffff_ffff, "helper")
	requireFound(2, 0x11, "gCounter")

	// Below the first public of a segment, or in an empty segment.
	requireNotFound(1, 0xfff)
	requireNotFound(2, 0xf)
	requireNotFound(4, 0x1000)
	requireNotFound(0, 0)
}

func TestEmptyIndexes(t *testing.T) {
	gsiData, psiData, err := BuildIndexes(nil, NumBucketsDefault)
	require.NoError(t, err)

	gsi, err := ParseGlobalIndex(gsiData, NumBucketsDefault)
	require.NoError(t, err)
	require.Zero(t, gsi.NumRecords())
	recs, err := gsi.LookupExact(nil, []byte("anything"))
	require.NoError(t, err)
	require.Empty(t, recs)

	psi, err := ParsePublicIndex(psiData, NumBucketsDefault)
	require.NoError(t, err)
	require.Zero(t, psi.NumRecords())
	_, ok, err := psi.LookupByAddress(nil, 1, 0)
	require.NoError(t, err)
	require.False(t, ok)

	// Zero-length streams parse as empty indices.
	gsi, err = ParseGlobalIndex(nil, NumBucketsDefault)
	require.NoError(t, err)
	require.Zero(t, gsi.NumRecords())
	psi, err = ParsePublicIndex(nil, NumBucketsDefault)
	require.NoError(t, err)
	require.Zero(t, psi.NumRecords())
}

func TestBuildIndexesCorruptStream(t *testing.T) {
	// A malformed record aborts both builds.
	bad := []byte{0x01, 0x00, 0x0e, 0x11}
	_, _, err := BuildIndexes(bad, NumBucketsDefault)
	require.Error(t, err)
	require.True(t, errors.Is(err, base.ErrCorruptRecord))
}

func TestMiniBucketCount(t *testing.T) {
	stream, _, globalOffsets := buildTestStream(t)

	encoded, err := BuildGlobalIndex(stream, NumBucketsMini)
	require.NoError(t, err)
	gsi, err := ParseGlobalIndex(encoded, NumBucketsMini)
	require.NoError(t, err)

	// The bucket count changes the layout but never lookup results.
	for name, off := range globalOffsets {
		recs, err := gsi.LookupExact(stream, []byte(name))
		require.NoError(t, err)
		require.Len(t, recs, 1)
		require.Equal(t, off, recs[0].Offset)
	}
}
