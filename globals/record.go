// Copyright 2025 The PdbKit Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

// Package globals implements the hash-accelerated symbol indices stored in
// PDB debug containers: the Global Symbol Index (GSI) for named global
// symbols and the Public Symbol Index (PSI) for S_PUB32 linker publics.
//
// Both indices point into a flat stream of variable-length symbol records
// (the global symbol stream). Records are framed by a u16 length that counts
// the u16 kind but not itself, so the smallest legal record length is 2.
package globals

import (
	"bytes"
	"encoding/binary"

	"github.com/pdbkit/pdbkit/internal/base"
)

// Kind identifies a symbol record type. The values are the CodeView
// S_* constants.
type Kind uint16

const (
	KindConstant      Kind = 0x1107 // S_CONSTANT
	KindUDT           Kind = 0x1108 // S_UDT
	KindLData32       Kind = 0x110c // S_LDATA32
	KindGData32       Kind = 0x110d // S_GDATA32
	KindPub32         Kind = 0x110e // S_PUB32
	KindLThread32     Kind = 0x1112 // S_LTHREAD32
	KindGThread32     Kind = 0x1113 // S_GTHREAD32
	KindLManData      Kind = 0x111c // S_LMANDATA
	KindGManData      Kind = 0x111d // S_GMANDATA
	KindProcRef       Kind = 0x1125 // S_PROCREF
	KindDataRef       Kind = 0x1126 // S_DATAREF
	KindLProcRef      Kind = 0x1127 // S_LPROCREF
	KindAnnotationRef Kind = 0x1128 // S_ANNOTATIONREF
	KindTokenRef      Kind = 0x1129 // S_TOKENREF
	KindGManProc      Kind = 0x112a // S_GMANPROC
	KindLManProc      Kind = 0x112b // S_LMANPROC
)

// String implements fmt.Stringer.
func (k Kind) String() string {
	switch k {
	case KindConstant:
		return "S_CONSTANT"
	case KindUDT:
		return "S_UDT"
	case KindLData32:
		return "S_LDATA32"
	case KindGData32:
		return "S_GDATA32"
	case KindPub32:
		return "S_PUB32"
	case KindLThread32:
		return "S_LTHREAD32"
	case KindGThread32:
		return "S_GTHREAD32"
	case KindLManData:
		return "S_LMANDATA"
	case KindGManData:
		return "S_GMANDATA"
	case KindProcRef:
		return "S_PROCREF"
	case KindDataRef:
		return "S_DATAREF"
	case KindLProcRef:
		return "S_LPROCREF"
	case KindAnnotationRef:
		return "S_ANNOTATIONREF"
	case KindTokenRef:
		return "S_TOKENREF"
	case KindGManProc:
		return "S_GMANPROC"
	case KindLManProc:
		return "S_LMANPROC"
	}
	return "S_UNKNOWN"
}

// Record is one symbol record within a symbol stream. Offset is the byte
// offset of the record's length field within the stream; the hash tables
// built by this package store these offsets.
type Record struct {
	Offset  uint32
	Kind    Kind
	Payload []byte
}

// recordHeaderLen is the size of the framing: u16 length, u16 kind.
const recordHeaderLen = 4

// RecordIter iterates over the symbol records of a flat symbol stream.
type RecordIter struct {
	data []byte
	pos  uint32
}

// NewRecordIter returns an iterator positioned at the first record of data.
func NewRecordIter(data []byte) *RecordIter {
	return &RecordIter{data: data}
}

// Offset returns the stream offset of the next record.
func (it *RecordIter) Offset() uint32 {
	return it.pos
}

// Next returns the next record. It returns ok=false at the end of the
// stream, and a non-nil error for malformed framing.
func (it *RecordIter) Next() (_ Record, ok bool, _ error) {
	if int(it.pos) >= len(it.data) {
		return Record{}, false, nil
	}
	rest := it.data[it.pos:]
	if len(rest) < recordHeaderLen {
		return Record{}, false, base.RecordErrorf(
			"truncated symbol record header at offset 0x%x", it.pos)
	}
	recLen := binary.LittleEndian.Uint16(rest)
	kind := Kind(binary.LittleEndian.Uint16(rest[2:]))
	if recLen < 2 {
		return Record{}, false, base.RecordErrorf(
			"symbol record at offset 0x%x has length %d, must be >= 2", it.pos, recLen)
	}
	end := int(recLen) + 2
	if end > len(rest) {
		return Record{}, false, base.RecordErrorf(
			"symbol record at offset 0x%x overruns stream: length %d, %d bytes remain",
			it.pos, recLen, len(rest))
	}
	rec := Record{
		Offset:  it.pos,
		Kind:    kind,
		Payload: rest[recordHeaderLen:end],
	}
	it.pos += uint32(end)
	return rec, true, nil
}

// RecordAt decodes the single record that starts at offset within data.
func RecordAt(data []byte, offset uint32) (Record, error) {
	it := RecordIter{data: data, pos: offset}
	rec, ok, err := it.Next()
	if err != nil {
		return Record{}, err
	}
	if !ok {
		return Record{}, base.RecordErrorf(
			"symbol record offset 0x%x is past the end of the stream", offset)
	}
	return rec, nil
}

// Numeric leaf tags. Values below leafNumeric encode themselves.
const (
	leafNumeric    = 0x8000
	leafChar       = 0x8000
	leafShort      = 0x8001
	leafUShort     = 0x8002
	leafLong       = 0x8003
	leafULong      = 0x8004
	leafReal32     = 0x8005
	leafReal64     = 0x8006
	leafReal80     = 0x8007
	leafReal128    = 0x8008
	leafQuadword   = 0x8009
	leafUQuadword  = 0x800a
	leafReal48     = 0x800b
	leafComplex32  = 0x800c
	leafComplex64  = 0x800d
	leafComplex80  = 0x800e
	leafComplex128 = 0x800f
	leafVarString  = 0x8010
	leafOctword    = 0x8017
	leafUOctword   = 0x8018
)

// skipNumericLeaf returns the payload after a CodeView numeric leaf.
func skipNumericLeaf(p []byte) ([]byte, error) {
	if len(p) < 2 {
		return nil, base.RecordErrorf("truncated numeric leaf")
	}
	tag := binary.LittleEndian.Uint16(p)
	p = p[2:]
	if tag < leafNumeric {
		return p, nil
	}
	var n int
	switch tag {
	case leafChar:
		n = 1
	case leafShort, leafUShort:
		n = 2
	case leafLong, leafULong, leafReal32:
		n = 4
	case leafReal48:
		n = 6
	case leafReal64, leafQuadword, leafUQuadword, leafComplex32:
		n = 8
	case leafReal80:
		n = 10
	case leafReal128, leafComplex64, leafOctword, leafUOctword:
		n = 16
	case leafComplex80:
		n = 20
	case leafComplex128:
		n = 32
	case leafVarString:
		if len(p) < 2 {
			return nil, base.RecordErrorf("truncated LF_VARSTRING leaf")
		}
		n = 2 + int(binary.LittleEndian.Uint16(p))
	default:
		return nil, base.RecordErrorf("unknown numeric leaf tag 0x%x", tag)
	}
	if len(p) < n {
		return nil, base.RecordErrorf("truncated numeric leaf value (tag 0x%x)", tag)
	}
	return p[n:], nil
}

func nameAt(rec Record, off int) ([]byte, error) {
	if off > len(rec.Payload) {
		return nil, base.RecordErrorf(
			"%s record at offset 0x%x too short for its name", rec.Kind, rec.Offset)
	}
	return terminatedName(rec, rec.Payload[off:])
}

func terminatedName(rec Record, tail []byte) ([]byte, error) {
	i := bytes.IndexByte(tail, 0)
	if i < 0 {
		return nil, base.RecordErrorf(
			"%s record at offset 0x%x has unterminated name", rec.Kind, rec.Offset)
	}
	return tail[:i], nil
}

// SymbolName extracts the NUL-terminated symbol name from a record.
// ok=false means the kind carries no name usable for index lookups
// (S_TOKENREF names refer to metadata tokens, not linkage names).
func SymbolName(rec Record) (name []byte, ok bool, _ error) {
	switch rec.Kind {
	case KindPub32:
		// flags u32, offset u32, segment u16.
		name, err := nameAt(rec, 10)
		return name, err == nil, err
	case KindConstant:
		// type index u32, then a numeric leaf holding the value.
		if len(rec.Payload) < 4 {
			return nil, false, base.RecordErrorf(
				"S_CONSTANT record at offset 0x%x too short", rec.Offset)
		}
		tail, err := skipNumericLeaf(rec.Payload[4:])
		if err != nil {
			return nil, false, err
		}
		name, err = terminatedName(rec, tail)
		return name, err == nil, err
	case KindUDT:
		// type index u32.
		name, err := nameAt(rec, 4)
		return name, err == nil, err
	case KindProcRef, KindLProcRef, KindDataRef, KindAnnotationRef:
		// sumName u32, symbol offset u32, module index u16.
		name, err := nameAt(rec, 10)
		return name, err == nil, err
	case KindLData32, KindGData32, KindLManData, KindGManData,
		KindLThread32, KindGThread32:
		// type index u32, offset u32, segment u16.
		name, err := nameAt(rec, 10)
		return name, err == nil, err
	case KindGManProc, KindLManProc:
		// parent/end/next u32, length u32, dbg start/end u32, token u32,
		// offset u32, segment u16, flags u8, return register u16.
		name, err := nameAt(rec, 37)
		return name, err == nil, err
	}
	return nil, false, nil
}

// SegOffset is a (segment, offset) address, ordered segment-major.
type SegOffset struct {
	Segment uint16
	Offset  uint32
}

// Less reports whether s orders before o.
func (s SegOffset) Less(o SegOffset) bool {
	if s.Segment != o.Segment {
		return s.Segment < o.Segment
	}
	return s.Offset < o.Offset
}

// Pub32Address extracts the (segment, offset) address of an S_PUB32 record.
func Pub32Address(rec Record) (SegOffset, error) {
	if rec.Kind != KindPub32 {
		return SegOffset{}, base.RecordErrorf(
			"record at offset 0x%x is %s, not S_PUB32", rec.Offset, rec.Kind)
	}
	if len(rec.Payload) < 10 {
		return SegOffset{}, base.RecordErrorf(
			"S_PUB32 record at offset 0x%x too short", rec.Offset)
	}
	return SegOffset{
		Segment: binary.LittleEndian.Uint16(rec.Payload[8:]),
		Offset:  binary.LittleEndian.Uint32(rec.Payload[4:]),
	}, nil
}

// indexedInGSI reports whether a record of this kind belongs in the global
// symbol index. S_PUB32 goes to the public index instead, and S_TOKENREF
// and S_DATAREF carry names that are not linkage names.
func indexedInGSI(k Kind) bool {
	switch k {
	case KindConstant, KindUDT, KindLData32, KindGData32,
		KindLManData, KindGManData, KindLThread32, KindGThread32,
		KindProcRef, KindLProcRef, KindAnnotationRef,
		KindGManProc, KindLManProc:
		return true
	}
	return false
}
