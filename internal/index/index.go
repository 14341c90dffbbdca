// Copyright ©2020 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package index implements C7, the append-only per-block variant index:
// (contig, position range) to byte offset, with an interval-overlap
// query used by the reader to seek directly to the blocks a region
// touches.
package index

import (
	"encoding/binary"
	"sort"

	"github.com/biogo/store/interval"

	"github.com/kortschak/tachyon/internal/tachyonerr"
)

// Entry is one block's index record.
type Entry struct {
	BlockID         int64
	Contig          int32
	MinPos          int64
	MaxPos          int64
	NVariants       uint32
	ByteOffsetBegin uint64
	ByteOffsetEnd   uint64
	MinBin          uint32
	MaxBin          uint32
}

// Binner computes the hierarchical bin a position falls into, with leaf
// bin size scaled to a contig's length so that short and chromosome-
// scale contigs both resolve to a handful of bins per level. Bins are
// recorded in each Entry (MinBin, MaxBin); no query in this package
// consults them, and the authoritative block-level overlap query
// (FindOverlaps) never does.
type Binner struct {
	leafSize int64
}

const (
	binLevels   = 4
	binFanout   = 8
	minLeafBins = 512
)

// NewBinner returns a Binner whose finest level divides a contig of the
// given length into roughly minLeafBins leaves.
func NewBinner(contigLen int64) Binner {
	leaf := contigLen / minLeafBins
	if leaf < 1 {
		leaf = 1
	}
	return Binner{leafSize: leaf}
}

// levelOffset returns the cumulative bin count of all coarser levels,
// used so that bin ids are unique across levels.
func levelOffset(level int) uint32 {
	var off uint32
	span := uint32(1)
	for l := 0; l < level; l++ {
		off += span
		span *= binFanout
	}
	return off
}

// Bin returns the finest-level bin id containing pos.
func (b Binner) Bin(pos int64) uint32 {
	return b.BinAtLevel(pos, binLevels-1)
}

// BinAtLevel returns the bin id at the given level (0 = coarsest,
// binLevels-1 = finest) that contains pos.
func (b Binner) BinAtLevel(pos int64, level int) uint32 {
	size := b.leafSize
	for l := 0; l < binLevels-1-level; l++ {
		size *= binFanout
	}
	if size < 1 {
		size = 1
	}
	idx := uint32(pos / size)
	return levelOffset(level) + idx
}

// Index is the in-memory, append-only variant index for one archive,
// grouped by contig and kept sorted by min position within each contig.
type Index struct {
	byContig map[int32][]Entry
	order    []int32 // contigs in first-seen order, for deterministic Marshal
}

// New returns an empty Index.
func New() *Index {
	return &Index{byContig: make(map[int32][]Entry)}
}

// Add appends a block's index entry, maintaining sort order by
// (contig, min position) within the contig.
func (ix *Index) Add(e Entry) {
	entries, ok := ix.byContig[e.Contig]
	if !ok {
		ix.order = append(ix.order, e.Contig)
	}
	i := sort.Search(len(entries), func(i int) bool { return entries[i].MinPos >= e.MinPos })
	entries = append(entries, Entry{})
	copy(entries[i+1:], entries[i:])
	entries[i] = e
	ix.byContig[e.Contig] = entries
}

// contigInterval adapts an Entry to biogo/store/interval's IntInterface
// so that FindOverlapsTree can answer overlap queries with an IntTree.
// Range is half-open, so Overlap treats b.End as exclusive.
type contigInterval struct {
	Entry
}

func (c contigInterval) Overlap(b interval.IntRange) bool {
	return c.MinPos < int64(b.End) && int64(b.Start) <= c.MaxPos
}
func (c contigInterval) ID() uintptr { return uintptr(c.BlockID) }
func (c contigInterval) Range() interval.IntRange {
	return interval.IntRange{Start: int(c.MinPos), End: int(c.MaxPos) + 1}
}

// FindOverlaps returns every entry on contig whose [MinPos, MaxPos]
// intersects [p0, p1]: a binary search finds the first entry whose
// MinPos lies beyond p1, then a linear scan of the entries before it
// keeps those whose MaxPos reaches p0 — the bin index is deliberately
// not consulted here (see Binner's doc comment).
func (ix *Index) FindOverlaps(contig int32, p0, p1 int64) []Entry {
	entries := ix.byContig[contig]
	if len(entries) == 0 {
		return nil
	}
	// Entries are sorted by MinPos; only those before the first with
	// MinPos > p1 can overlap. MaxPos is not sorted, so all of them are
	// scanned.
	i := sort.Search(len(entries), func(i int) bool { return entries[i].MinPos > p1 })
	var out []Entry
	for j := 0; j < i; j++ {
		if entries[j].MaxPos >= p0 {
			out = append(out, entries[j])
		}
	}
	return out
}

// FindOverlapsTree answers the same query as FindOverlaps but by
// building a biogo/store/interval.IntTree over the contig's entries
// first. It is exercised in tests to cross-validate the binary-search
// path above against an independent structure; the reader does not
// call it, and FindOverlaps remains the authoritative, spec-mandated
// implementation.
func (ix *Index) FindOverlapsTree(contig int32, p0, p1 int64) []Entry {
	entries := ix.byContig[contig]
	if len(entries) == 0 {
		return nil
	}
	var tree interval.IntTree
	for _, e := range entries {
		if err := tree.Insert(contigInterval{e}, true); err != nil {
			panic(err)
		}
	}
	tree.AdjustRanges()
	hits := tree.Get(contigInterval{Entry{MinPos: p0, MaxPos: p1}})
	out := make([]Entry, len(hits))
	for i, h := range hits {
		out[i] = h.(contigInterval).Entry
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MinPos < out[j].MinPos })
	return out
}

// Len returns the total number of block entries recorded across every
// contig.
func (ix *Index) Len() int {
	n := 0
	for _, entries := range ix.byContig {
		n += len(entries)
	}
	return n
}

// Entries returns every entry across all contigs, in contig-then-min-pos
// order, for marshalling.
func (ix *Index) Entries() []Entry {
	var out []Entry
	for _, c := range ix.order {
		out = append(out, ix.byContig[c]...)
	}
	return out
}

// Marshal serialises the index: a u32 entry count followed by
// fixed-width little-endian records.
func (ix *Index) Marshal() []byte {
	entries := ix.Entries()
	const recWidth = 8 + 4 + 8 + 8 + 4 + 8 + 8 + 4 + 4
	buf := make([]byte, 4+recWidth*len(entries))
	binary.LittleEndian.PutUint32(buf[:4], uint32(len(entries)))
	off := 4
	for _, e := range entries {
		binary.LittleEndian.PutUint64(buf[off:], uint64(e.BlockID))
		binary.LittleEndian.PutUint32(buf[off+8:], uint32(e.Contig))
		binary.LittleEndian.PutUint64(buf[off+12:], uint64(e.MinPos))
		binary.LittleEndian.PutUint64(buf[off+20:], uint64(e.MaxPos))
		binary.LittleEndian.PutUint32(buf[off+28:], e.NVariants)
		binary.LittleEndian.PutUint64(buf[off+32:], e.ByteOffsetBegin)
		binary.LittleEndian.PutUint64(buf[off+40:], e.ByteOffsetEnd)
		binary.LittleEndian.PutUint32(buf[off+48:], e.MinBin)
		binary.LittleEndian.PutUint32(buf[off+52:], e.MaxBin)
		off += recWidth
	}
	return buf
}

// Unmarshal inverts Marshal.
func Unmarshal(buf []byte) (*Index, error) {
	if len(buf) < 4 {
		return nil, tachyonerr.New(tachyonerr.Truncated, "index: short buffer")
	}
	n := int(binary.LittleEndian.Uint32(buf[:4]))
	const recWidth = 8 + 4 + 8 + 8 + 4 + 8 + 8 + 4 + 4
	if len(buf) != 4+recWidth*n {
		return nil, tachyonerr.New(tachyonerr.Truncated, "index: length mismatch for %d entries", n)
	}
	ix := New()
	off := 4
	for i := 0; i < n; i++ {
		e := Entry{
			BlockID:         int64(binary.LittleEndian.Uint64(buf[off:])),
			Contig:          int32(binary.LittleEndian.Uint32(buf[off+8:])),
			MinPos:          int64(binary.LittleEndian.Uint64(buf[off+12:])),
			MaxPos:          int64(binary.LittleEndian.Uint64(buf[off+20:])),
			NVariants:       binary.LittleEndian.Uint32(buf[off+28:]),
			ByteOffsetBegin: binary.LittleEndian.Uint64(buf[off+32:]),
			ByteOffsetEnd:   binary.LittleEndian.Uint64(buf[off+40:]),
			MinBin:          binary.LittleEndian.Uint32(buf[off+48:]),
			MaxBin:          binary.LittleEndian.Uint32(buf[off+52:]),
		}
		ix.Add(e)
		off += recWidth
	}
	return ix, nil
}
