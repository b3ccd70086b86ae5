// Copyright 2025 The PdbKit Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package globals

import (
	"encoding/binary"
	"sort"

	"github.com/pdbkit/pdbkit/internal/base"
)

// psiHeaderLen is the size of the PSI stream header. The thunk map fields
// are legacy incremental-linking state and are written as zero.
const psiHeaderLen = 28

// PublicIndex is the parsed Public Symbol Index: a name table plus an
// address map, both over the S_PUB32 records of the symbol stream.
type PublicIndex struct {
	table *NameTable
	// addrMap holds record offsets of S_PUB32 records sorted by
	// (segment, offset, record offset).
	addrMap []uint32
}

// ParsePublicIndex parses a serialized PSI stream. As with the GSI, the
// bucket count is supplied by the caller.
func ParsePublicIndex(data []byte, numBuckets int) (*PublicIndex, error) {
	if len(data) == 0 {
		t, _ := ParseNameTable(nil, numBuckets)
		return &PublicIndex{table: t}, nil
	}
	if len(data) < psiHeaderLen {
		return nil, base.CorruptionErrorf("public index stream truncated: %d bytes", len(data))
	}
	nameTableSize := binary.LittleEndian.Uint32(data)
	addrTableSize := binary.LittleEndian.Uint32(data[4:])
	rest := data[psiHeaderLen:]
	if uint64(nameTableSize)+uint64(addrTableSize) > uint64(len(rest)) {
		return nil, base.CorruptionErrorf(
			"public index regions (0x%x + 0x%x bytes) exceed stream size %d",
			nameTableSize, addrTableSize, len(data))
	}
	if addrTableSize%4 != 0 {
		return nil, base.CorruptionErrorf(
			"public index address map size 0x%x is not a multiple of 4", addrTableSize)
	}
	t, err := ParseNameTable(rest[:nameTableSize], numBuckets)
	if err != nil {
		return nil, err
	}
	addrBytes := rest[nameTableSize : nameTableSize+addrTableSize]
	addrMap := make([]uint32, addrTableSize/4)
	for i := range addrMap {
		addrMap[i] = binary.LittleEndian.Uint32(addrBytes[i*4:])
	}
	return &PublicIndex{table: t, addrMap: addrMap}, nil
}

// NumRecords returns the number of indexed S_PUB32 symbols.
func (p *PublicIndex) NumRecords() int {
	return len(p.addrMap)
}

// LookupExact finds the S_PUB32 records whose name is byte-identical to
// name.
func (p *PublicIndex) LookupExact(symbolStream, name []byte) ([]Record, error) {
	return lookupExact(p.table, symbolStream, name, func(k Kind) bool { return k == KindPub32 })
}

// LookupByAddress finds the S_PUB32 record covering the given address: the
// record with the greatest (segment, offset) <= the query within the same
// segment. ok=false means the segment has no public at or below offset.
func (p *PublicIndex) LookupByAddress(symbolStream []byte, segment uint16, offset uint32) (Record, bool, error) {
	query := SegOffset{Segment: segment, Offset: offset}

	// Binary search for the first entry strictly greater than the query;
	// the answer, if any, is the entry before it.
	var searchErr error
	n := sort.Search(len(p.addrMap), func(i int) bool {
		if searchErr != nil {
			return false
		}
		addr, err := p.recordAddress(symbolStream, p.addrMap[i])
		if err != nil {
			searchErr = err
			return false
		}
		return query.Less(addr)
	})
	if searchErr != nil {
		return Record{}, false, searchErr
	}
	if n == 0 {
		return Record{}, false, nil
	}
	rec, err := RecordAt(symbolStream, p.addrMap[n-1])
	if err != nil {
		return Record{}, false, err
	}
	addr, err := Pub32Address(rec)
	if err != nil {
		return Record{}, false, err
	}
	if addr.Segment != segment {
		return Record{}, false, nil
	}
	return rec, true, nil
}

func (p *PublicIndex) recordAddress(symbolStream []byte, recOffset uint32) (SegOffset, error) {
	rec, err := RecordAt(symbolStream, recOffset)
	if err != nil {
		return SegOffset{}, err
	}
	return Pub32Address(rec)
}

// BuildPublicIndex scans a symbol stream and serializes a PSI covering its
// S_PUB32 records. Any malformed record aborts the build.
func BuildPublicIndex(symbolStream []byte, numBuckets int) ([]byte, error) {
	b := newNameTableBuilder(numBuckets)
	type addrEntry struct {
		addr      SegOffset
		recOffset uint32
	}
	var addrs []addrEntry

	it := NewRecordIter(symbolStream)
	for {
		rec, ok, err := it.Next()
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		if rec.Kind != KindPub32 {
			continue
		}
		name, _, err := SymbolName(rec)
		if err != nil {
			return nil, err
		}
		addr, err := Pub32Address(rec)
		if err != nil {
			return nil, err
		}
		b.push(name, rec.Offset)
		addrs = append(addrs, addrEntry{addr: addr, recOffset: rec.Offset})
	}

	sort.Slice(addrs, func(i, j int) bool {
		if addrs[i].addr != addrs[j].addr {
			return addrs[i].addr.Less(addrs[j].addr)
		}
		return addrs[i].recOffset < addrs[j].recOffset
	})

	nameTable := b.encode()
	out := make([]byte, psiHeaderLen+len(nameTable)+len(addrs)*4)
	binary.LittleEndian.PutUint32(out, uint32(len(nameTable)))
	binary.LittleEndian.PutUint32(out[4:], uint32(len(addrs)*4))
	// Remaining header fields (thunk map, section count) stay zero.
	copy(out[psiHeaderLen:], nameTable)
	addrOut := out[psiHeaderLen+len(nameTable):]
	for i, a := range addrs {
		binary.LittleEndian.PutUint32(addrOut[i*4:], a.recOffset)
	}
	return out, nil
}

// BuildIndexes scans the symbol stream once and builds both indices. This
// is the path used when rebuilding a container's index streams.
func BuildIndexes(symbolStream []byte, numBuckets int) (gsi, psi []byte, _ error) {
	gsi, err := BuildGlobalIndex(symbolStream, numBuckets)
	if err != nil {
		return nil, nil, err
	}
	psi, err = BuildPublicIndex(symbolStream, numBuckets)
	if err != nil {
		return nil, nil, err
	}
	return gsi, psi, nil
}
