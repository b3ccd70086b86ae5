// Copyright 2025 The PdbKit Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package msf

import "math/bits"

// bitvec is a bit vector packed into little-endian uint32 words, matching the
// on-disk layout of the free page map: bit i lives in word i/32 at bit
// position i%32.
type bitvec struct {
	words []uint32
	n     int
}

func newBitvec(n int, v bool) bitvec {
	b := bitvec{}
	b.resize(n, v)
	return b
}

func (b *bitvec) len() int { return b.n }

func (b *bitvec) get(i int) bool {
	return b.words[i>>5]&(1<<(uint(i)&31)) != 0
}

func (b *bitvec) set(i int, v bool) {
	if v {
		b.words[i>>5] |= 1 << (uint(i) & 31)
	} else {
		b.words[i>>5] &^= 1 << (uint(i) & 31)
	}
}

// resize grows or shrinks the vector to n bits. New bits take the value v.
func (b *bitvec) resize(n int, v bool) {
	if n <= b.n {
		// Clear any dropped bits in the last retained word so that future
		// growth sees zeroes.
		words := (n + 31) / 32
		b.words = b.words[:words]
		if tail := uint(n) & 31; tail != 0 && words > 0 {
			b.words[words-1] &= (1 << tail) - 1
		}
		b.n = n
		return
	}
	oldN := b.n
	words := (n + 31) / 32
	for len(b.words) < words {
		b.words = append(b.words, 0)
	}
	b.n = n
	// Set the new bits explicitly; the underlying words may hold stale bits
	// from fillTailOfLastWord or an earlier shrink.
	for i := oldN; i < n; i++ {
		b.set(i, v)
	}
}

func (b *bitvec) appendBit(v bool) {
	b.resize(b.n+1, v)
}

// firstSetFrom returns the index of the first set bit at or after i, or -1.
func (b *bitvec) firstSetFrom(i int) int {
	if i >= b.n {
		return -1
	}
	w := i >> 5
	// Mask off bits below i in the first word.
	cur := b.words[w] &^ ((1 << (uint(i) & 31)) - 1)
	for {
		if cur != 0 {
			idx := w<<5 + bits.TrailingZeros32(cur)
			if idx >= b.n {
				return -1
			}
			return idx
		}
		w++
		if w >= len(b.words) {
			return -1
		}
		cur = b.words[w]
	}
}

func (b *bitvec) countSet() int {
	total := 0
	for i, w := range b.words {
		if i == len(b.words)-1 {
			if tail := uint(b.n) & 31; tail != 0 {
				w &= (1 << tail) - 1
			}
		}
		total += bits.OnesCount32(w)
	}
	return total
}

func (b *bitvec) clearAll() {
	for i := range b.words {
		b.words[i] = 0
	}
}

// bytes returns the vector packed as little-endian bytes, n bits rounded up
// to whole words.
func (b *bitvec) bytes() []byte {
	out := make([]byte, len(b.words)*4)
	for i, w := range b.words {
		out[i*4] = byte(w)
		out[i*4+1] = byte(w >> 8)
		out[i*4+2] = byte(w >> 16)
		out[i*4+3] = byte(w >> 24)
	}
	return out
}

// equalBits reports whether the first n bits of a and b match.
func equalBits(a, b *bitvec, n int) bool {
	for i := 0; i < n; i++ {
		if a.get(i) != b.get(i) {
			return false
		}
	}
	return true
}

// fillTailOfLastWord sets the unused bits of the final word. Reference PDB
// readers use 32-bit words for the free page map and expect the bits beyond
// the page count to read as free.
func (b *bitvec) fillTailOfLastWord() {
	tail := uint(b.n) & 31
	if tail == 0 || len(b.words) == 0 {
		return
	}
	b.words[len(b.words)-1] |= 0xffff_ffff << tail
}
