// Copyright ©2020 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package block

import (
	"sort"

	"github.com/dchest/siphash"
)

// patternSeed0/patternSeed1 are the fixed siphash keys used to intern
// patterns by a 64-bit hash of their sorted global-id vector, per §6 of
// the archive's pattern hash convention: a fixed seed chosen once, so
// that a hash computed at build time and one computed at read time
// always agree.
const (
	patternSeed0 = 0x9ae16a3b2f90404f
	patternSeed1 = 0xc949d7c7509e6557
)

func patternHash(globals []int32) uint64 {
	buf := make([]byte, 4*len(globals))
	for i, g := range globals {
		buf[4*i] = byte(g)
		buf[4*i+1] = byte(g >> 8)
		buf[4*i+2] = byte(g >> 16)
		buf[4*i+3] = byte(g >> 24)
	}
	return siphash.Hash(patternSeed0, patternSeed1, buf)
}

// Pattern is one interned info/format/filter membership set: the sorted
// global ids it contains, and a bit-vector over local ids rebuilt once
// the dictionary's final stream count is known.
type Pattern struct {
	Globals []int32
	Bits    []byte
}

// Dictionary is the set-membership machinery of C5: a global-id to
// local-id map built as new ids are observed, and a pattern interning
// table keyed by a 64-bit hash of each pattern's sorted global-id
// vector, with explicit collision resolution by full comparison.
type Dictionary struct {
	globals  []int32         // local id -> global id
	localOf  map[int32]int32 // global id -> local id
	patterns []Pattern
	byHash   map[uint64][]int32 // hash -> candidate local pattern ids
}

// NewDictionary returns an empty C5 dictionary.
func NewDictionary() *Dictionary {
	return &Dictionary{
		localOf: make(map[int32]int32),
		byHash:  make(map[uint64][]int32),
	}
}

// AddStream returns the local id for globalID, allocating one if this is
// the first time it has been observed.
func (d *Dictionary) AddStream(globalID int32) int32 {
	if id, ok := d.localOf[globalID]; ok {
		return id
	}
	id := int32(len(d.globals))
	d.globals = append(d.globals, globalID)
	d.localOf[globalID] = id
	return id
}

// NStreams returns the number of distinct global ids registered so far.
func (d *Dictionary) NStreams() int { return len(d.globals) }

// LocalOf reports the local id for a previously registered global id.
func (d *Dictionary) LocalOf(globalID int32) (int32, bool) {
	id, ok := d.localOf[globalID]
	return id, ok
}

// GlobalOf returns the global id registered at local id i.
func (d *Dictionary) GlobalOf(i int32) int32 { return d.globals[i] }

// AddPattern interns a pattern, given as a vector of global ids (not
// required to be pre-sorted), returning its local pattern id. An
// identical pattern (same multiset of global ids) seen before returns
// the existing id.
func (d *Dictionary) AddPattern(globals []int32) int32 {
	sorted := append([]int32(nil), globals...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	h := patternHash(sorted)
	for _, candidate := range d.byHash[h] {
		if int32SliceEqual(d.patterns[candidate].Globals, sorted) {
			return candidate
		}
	}

	id := int32(len(d.patterns))
	bits := make([]byte, bitVectorWidth(len(d.globals)))
	for _, g := range sorted {
		local, ok := d.localOf[g]
		if !ok {
			local = d.AddStream(g)
			bits = growBitVector(bits, len(d.globals))
		}
		setBit(bits, int(local))
	}
	d.patterns = append(d.patterns, Pattern{Globals: sorted, Bits: bits})
	d.byHash[h] = append(d.byHash[h], id)
	return id
}

// RebuildBitVectors recomputes every pattern's bit-vector using the
// dictionary's final stream count, called once after a block's last
// variant has been appended and no further streams will be registered.
func (d *Dictionary) RebuildBitVectors() {
	w := bitVectorWidth(len(d.globals))
	for i := range d.patterns {
		bits := make([]byte, w)
		for _, g := range d.patterns[i].Globals {
			local := d.localOf[g]
			setBit(bits, int(local))
		}
		d.patterns[i].Bits = bits
	}
}

// Pattern returns the interned pattern at local pattern id.
func (d *Dictionary) Pattern(id int32) Pattern { return d.patterns[id] }

// NPatterns returns the number of distinct patterns interned.
func (d *Dictionary) NPatterns() int { return len(d.patterns) }

func bitVectorWidth(nStreams int) int { return (nStreams + 7) / 8 }

func growBitVector(bits []byte, nStreams int) []byte {
	w := bitVectorWidth(nStreams)
	if len(bits) >= w {
		return bits
	}
	grown := make([]byte, w)
	copy(grown, bits)
	return grown
}

func setBit(bits []byte, i int) { bits[i/8] |= 1 << uint(i%8) }

// BitSet reports whether local id i is set in a pattern's bit-vector.
func BitSet(bits []byte, i int) bool {
	if i/8 >= len(bits) {
		return false
	}
	return bits[i/8]&(1<<uint(i%8)) != 0
}

func int32SliceEqual(a, b []int32) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
