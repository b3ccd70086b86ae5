// Copyright 2025 The PdbKit Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

// Package namehash implements the hash functions used by PDB symbol name
// tables.
//
// Hash is a port of the LHashPbCb function from the Microsoft PDB reader.
// It is a very poor hash function with a small effective range and frequent
// collisions (it is case-folding by construction), and exists solely for
// compatibility with the on-disk data structures. Do not use it for anything
// else.
package namehash

import (
	"encoding/binary"
	"hash/crc32"
)

// Hash computes the 32-bit LHashPbCb hash of data.
func Hash(data []byte) uint32 {
	var h uint32
	for len(data) >= 4 {
		h ^= binary.LittleEndian.Uint32(data)
		data = data[4:]
	}
	if len(data) >= 2 {
		h ^= uint32(binary.LittleEndian.Uint16(data))
		data = data[2:]
	}
	if len(data) >= 1 {
		h ^= uint32(data[0])
	}
	// Setting 0x20 in every byte folds ASCII case, which is intended: the
	// table is used for case-insensitive lookups.
	h |= 0x20202020
	h ^= h >> 11
	return h ^ h>>16
}

// HashMod computes Hash(data) % modulus, the form used to pick a hash
// bucket.
func HashMod(data []byte, modulus uint32) uint32 {
	return Hash(data) % modulus
}

// HashMod16 is HashMod truncated to 16 bits, a port of HashPbCb.
func HashMod16(data []byte, modulus uint32) uint16 {
	return uint16(HashMod(data, modulus))
}

var crcTable = crc32.MakeTable(crc32.IEEE)

// HashSig computes the SigForPbCb hash of data: a CRC-32 over the IEEE
// polynomial seeded with sig, without the usual initial and final
// complement.
func HashSig(data []byte, sig uint32) uint32 {
	for _, b := range data {
		sig = sig>>8 ^ crcTable[byte(sig)^b]
	}
	return sig
}

// HashSigMod computes HashSig(data, sig) % modulus.
func HashSigMod(data []byte, sig, modulus uint32) uint32 {
	return HashSig(data, sig) % modulus
}
