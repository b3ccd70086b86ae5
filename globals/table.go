// Copyright 2025 The PdbKit Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package globals

import (
	"encoding/binary"
	"sort"

	"github.com/pdbkit/pdbkit/internal/base"
	"github.com/pdbkit/pdbkit/namehash"
)

// NumBucketsDefault is the bucket count used by normal PDBs.
const NumBucketsDefault = 0x1000

// NumBucketsMini is the bucket count used by minimal debug info PDBs.
const NumBucketsMini = 0x3ffff

const (
	tableSignature = 0xffff_ffff
	tableVersion   = 0xeffe_0000 + 19990810

	tableHeaderLen = 16

	// hashRecordLen is the on-disk size of a hash record. The bucket
	// offsets, however, are scaled by hashRecordMemLen, the size of the
	// in-memory record layout of the original implementation.
	hashRecordLen    = 8
	hashRecordMemLen = 12
)

// HashRecord is one entry of a name table bucket. SymOffset is the byte
// offset of the symbol record in the symbol stream (the on-disk +1 bias is
// stripped during parse and re-applied during build).
type HashRecord struct {
	SymOffset uint32
}

// NameTable is a parsed hash table mapping symbol names to symbol record
// offsets. Lookups hash the name with namehash.Hash and walk one bucket.
type NameTable struct {
	records []HashRecord
	// starts has numBuckets+1 entries; bucket i spans
	// records[starts[i]:starts[i+1]].
	starts []uint32
}

// nonemptyBitmapLen returns the byte size of the bitmap that marks
// non-empty buckets. The +1 slot is historical and always present.
func nonemptyBitmapLen(numBuckets int) int {
	return (numBuckets + 1 + 31) / 32 * 4
}

// ParseNameTable parses a serialized name table. The bucket count is not
// stored in the table, so the caller must supply it.
func ParseNameTable(data []byte, numBuckets int) (*NameTable, error) {
	if len(data) == 0 {
		return &NameTable{starts: make([]uint32, numBuckets+1)}, nil
	}
	if len(data) < tableHeaderLen {
		return nil, base.CorruptionErrorf("name table truncated: %d bytes", len(data))
	}
	sig := binary.LittleEndian.Uint32(data)
	ver := binary.LittleEndian.Uint32(data[4:])
	if sig != tableSignature || ver != tableVersion {
		return nil, base.CorruptionErrorf(
			"unrecognized name table signature 0x%x version 0x%x", sig, ver)
	}
	hashRecordsSize := binary.LittleEndian.Uint32(data[8:])
	bucketsSize := binary.LittleEndian.Uint32(data[12:])
	rest := data[tableHeaderLen:]
	if hashRecordsSize%hashRecordLen != 0 {
		return nil, base.CorruptionErrorf(
			"name table hash record region size 0x%x is not a multiple of %d",
			hashRecordsSize, hashRecordLen)
	}
	if uint64(hashRecordsSize)+uint64(bucketsSize) > uint64(len(rest)) {
		return nil, base.CorruptionErrorf(
			"name table regions (0x%x + 0x%x bytes) exceed stream size %d",
			hashRecordsSize, bucketsSize, len(data))
	}
	recordBytes := rest[:hashRecordsSize]
	bucketBytes := rest[hashRecordsSize : hashRecordsSize+bucketsSize]

	numRecords := int(hashRecordsSize / hashRecordLen)
	records := make([]HashRecord, numRecords)
	for i := range records {
		// offset i32 (biased by +1), cRef i32 (ignored).
		biased := int32(binary.LittleEndian.Uint32(recordBytes[i*hashRecordLen:]))
		if biased <= 0 {
			return nil, base.CorruptionErrorf(
				"name table hash record %d has non-positive symbol offset %d", i, biased)
		}
		records[i] = HashRecord{SymOffset: uint32(biased) - 1}
	}

	starts, err := expandBuckets(bucketBytes, numBuckets, numRecords)
	if err != nil {
		return nil, err
	}
	return &NameTable{records: records, starts: starts}, nil
}

// expandBuckets decompresses the buckets region: a bitmap of non-empty
// buckets followed by one i32 start offset per non-empty bucket, scaled by
// hashRecordMemLen. The result has numBuckets+1 entries with the tail
// filled so every bucket has a defined end.
func expandBuckets(b []byte, numBuckets, numRecords int) ([]uint32, error) {
	starts := make([]uint32, numBuckets+1)
	if len(b) == 0 {
		for i := range starts {
			starts[i] = uint32(numRecords)
		}
		if numRecords > 0 {
			return nil, base.CorruptionErrorf(
				"name table has %d hash records but an empty buckets region", numRecords)
		}
		return starts, nil
	}
	bitmapLen := nonemptyBitmapLen(numBuckets)
	if len(b) < bitmapLen {
		return nil, base.CorruptionErrorf(
			"name table buckets region too small for bitmap: %d < %d", len(b), bitmapLen)
	}
	bitmap := b[:bitmapLen]
	offsets := b[bitmapLen:]
	if len(offsets)%4 != 0 {
		return nil, base.CorruptionErrorf(
			"name table bucket offsets region size %d is not a multiple of 4", len(offsets))
	}

	next := 0 // index of next unconsumed offset
	prev := int32(-1)
	filled := 0
	for bucket := 0; bucket < numBuckets; bucket++ {
		if bitmap[bucket>>3]&(1<<(bucket&7)) == 0 {
			continue
		}
		if next*4 >= len(offsets) {
			return nil, base.CorruptionErrorf(
				"name table bitmap marks more buckets than there are offsets")
		}
		off := int32(binary.LittleEndian.Uint32(offsets[next*4:]))
		next++
		switch {
		case off < 0:
			return nil, base.CorruptionErrorf("name table bucket %d has negative offset %d", bucket, off)
		case off%hashRecordMemLen != 0:
			return nil, base.CorruptionErrorf(
				"name table bucket %d offset %d is not a multiple of %d", bucket, off, hashRecordMemLen)
		case off < prev:
			return nil, base.CorruptionErrorf(
				"name table bucket %d offset %d decreases (previous %d)", bucket, off, prev)
		}
		start := off / hashRecordMemLen
		if int(start) > numRecords {
			return nil, base.CorruptionErrorf(
				"name table bucket %d starts at record %d of %d", bucket, start, numRecords)
		}
		if filled == 0 && start != 0 {
			return nil, base.CorruptionErrorf(
				"name table first non-empty bucket starts at record %d, not 0", start)
		}
		// All buckets between the previous non-empty one and this one are
		// empty and share this start.
		for i := filled; i <= bucket; i++ {
			starts[i] = uint32(start)
		}
		filled = bucket + 1
		prev = off
	}
	for i := filled; i <= numBuckets; i++ {
		starts[i] = uint32(numRecords)
	}
	return starts, nil
}

// NumRecords returns the total number of hash records in the table.
func (t *NameTable) NumRecords() int {
	return len(t.records)
}

// NumBuckets returns the hash modulus of the table.
func (t *NameTable) NumBuckets() int {
	return len(t.starts) - 1
}

// Bucket returns the hash records of the bucket that name hashes to. The
// records are candidates only; callers must compare names against the
// symbol stream.
func (t *NameTable) Bucket(name []byte) []HashRecord {
	if len(t.starts) <= 1 {
		return nil
	}
	h := namehash.HashMod(name, uint32(t.NumBuckets()))
	return t.records[t.starts[h]:t.starts[h+1]]
}

// nameTableBuilder accumulates (name hash, symbol offset) pairs and
// serializes them as a name table.
type nameTableBuilder struct {
	numBuckets int
	entries    []hashEntry
}

type hashEntry struct {
	hash      uint32
	symOffset uint32
}

func newNameTableBuilder(numBuckets int) *nameTableBuilder {
	return &nameTableBuilder{numBuckets: numBuckets}
}

func (b *nameTableBuilder) push(name []byte, symOffset uint32) {
	b.entries = append(b.entries, hashEntry{
		hash:      namehash.HashMod(name, uint32(b.numBuckets)),
		symOffset: symOffset,
	})
}

func (b *nameTableBuilder) numNames() int {
	return len(b.entries)
}

// encode serializes the table. Entries are sorted by (hash, symbol offset)
// so the output is deterministic.
func (b *nameTableBuilder) encode() []byte {
	sort.Slice(b.entries, func(i, j int) bool {
		if b.entries[i].hash != b.entries[j].hash {
			return b.entries[i].hash < b.entries[j].hash
		}
		return b.entries[i].symOffset < b.entries[j].symOffset
	})

	numNonempty := 0
	for i := range b.entries {
		if i == 0 || b.entries[i].hash != b.entries[i-1].hash {
			numNonempty++
		}
	}

	bitmapLen := nonemptyBitmapLen(b.numBuckets)
	bucketsSize := bitmapLen + numNonempty*4
	size := tableHeaderLen + len(b.entries)*hashRecordLen + bucketsSize
	out := make([]byte, size)

	binary.LittleEndian.PutUint32(out, tableSignature)
	binary.LittleEndian.PutUint32(out[4:], tableVersion)
	binary.LittleEndian.PutUint32(out[8:], uint32(len(b.entries)*hashRecordLen))
	binary.LittleEndian.PutUint32(out[12:], uint32(bucketsSize))

	recs := out[tableHeaderLen:]
	for i, e := range b.entries {
		binary.LittleEndian.PutUint32(recs[i*hashRecordLen:], e.symOffset+1)
		binary.LittleEndian.PutUint32(recs[i*hashRecordLen+4:], 1) // cRef
	}

	bitmap := out[tableHeaderLen+len(b.entries)*hashRecordLen:]
	offsets := bitmap[bitmapLen:]
	next := 0
	for i := range b.entries {
		if i > 0 && b.entries[i].hash == b.entries[i-1].hash {
			continue
		}
		h := b.entries[i].hash
		bitmap[h>>3] |= 1 << (h & 7)
		binary.LittleEndian.PutUint32(offsets[next*4:], uint32(i)*hashRecordMemLen)
		next++
	}
	return out
}
