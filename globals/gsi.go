// Copyright 2025 The PdbKit Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package globals

import (
	"bytes"

	"github.com/pdbkit/pdbkit/internal/base"
)

// GlobalIndex is the parsed Global Symbol Index: a name-to-record table for
// the named global symbol kinds. S_PUB32 records are indexed by
// PublicIndex instead, and the GSI has no address table.
type GlobalIndex struct {
	table *NameTable
}

// ParseGlobalIndex parses a serialized GSI stream. The bucket count is not
// stored in the stream; callers pass NumBucketsDefault unless the container
// was built with minimal debug info.
func ParseGlobalIndex(data []byte, numBuckets int) (*GlobalIndex, error) {
	t, err := ParseNameTable(data, numBuckets)
	if err != nil {
		return nil, err
	}
	return &GlobalIndex{table: t}, nil
}

// NumRecords returns the number of indexed symbols.
func (g *GlobalIndex) NumRecords() int {
	return g.table.NumRecords()
}

// Bucket returns the candidate hash records for name. Callers that already
// hold the symbol stream usually want LookupExact instead.
func (g *GlobalIndex) Bucket(name []byte) []HashRecord {
	return g.table.Bucket(name)
}

// LookupExact finds the symbol records whose name is byte-identical to
// name. The hash is case-insensitive, so the bucket may contain
// case-variant candidates; those are filtered out here. Matches are
// returned in table order, which is deterministic for a given build.
func (g *GlobalIndex) LookupExact(symbolStream, name []byte) ([]Record, error) {
	return lookupExact(g.table, symbolStream, name, func(Kind) bool { return true })
}

func lookupExact(t *NameTable, symbolStream, name []byte, keep func(Kind) bool) ([]Record, error) {
	var out []Record
	for _, hr := range t.Bucket(name) {
		rec, err := RecordAt(symbolStream, hr.SymOffset)
		if err != nil {
			return nil, err
		}
		if !keep(rec.Kind) {
			continue
		}
		recName, ok, err := SymbolName(rec)
		if err != nil {
			return nil, err
		}
		if ok && bytes.Equal(recName, name) {
			out = append(out, rec)
		}
	}
	return out, nil
}

// BuildGlobalIndex scans a symbol stream and serializes a GSI covering its
// named non-public symbols. Any malformed record aborts the build.
func BuildGlobalIndex(symbolStream []byte, numBuckets int) ([]byte, error) {
	b := newNameTableBuilder(numBuckets)
	it := NewRecordIter(symbolStream)
	for {
		rec, ok, err := it.Next()
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		if !indexedInGSI(rec.Kind) {
			continue
		}
		name, ok, err := SymbolName(rec)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, base.RecordErrorf(
				"%s record at offset 0x%x has no extractable name", rec.Kind, rec.Offset)
		}
		b.push(name, rec.Offset)
	}
	return b.encode(), nil
}
