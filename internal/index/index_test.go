// Copyright ©2020 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package index

import (
	"reflect"
	"sort"
	"testing"
)

func blockIDs(entries []Entry) []int64 {
	ids := make([]int64, len(entries))
	for i, e := range entries {
		ids[i] = e.BlockID
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// buildS6Index constructs the five-block layout from the interval query
// end-to-end scenario: chr1 split into three contiguous 1000bp blocks
// and chr2 split into two.
func buildS6Index() *Index {
	ix := New()
	const chr1, chr2 = int32(0), int32(1)
	ix.Add(Entry{BlockID: 0, Contig: chr1, MinPos: 0, MaxPos: 999})
	ix.Add(Entry{BlockID: 1, Contig: chr1, MinPos: 1000, MaxPos: 1999})
	ix.Add(Entry{BlockID: 2, Contig: chr1, MinPos: 2000, MaxPos: 2999})
	ix.Add(Entry{BlockID: 3, Contig: chr2, MinPos: 0, MaxPos: 999})
	ix.Add(Entry{BlockID: 4, Contig: chr2, MinPos: 1000, MaxPos: 1999})
	return ix
}

func TestFindOverlapsS6(t *testing.T) {
	ix := buildS6Index()

	got := blockIDs(ix.FindOverlaps(0, 1500, 2500))
	want := []int64{1, 2}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("chr1:1500-2500 = %v, want %v", got, want)
	}

	got = blockIDs(ix.FindOverlaps(1, 500, 1500))
	want = []int64{3, 4}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("chr2:500-1500 = %v, want %v", got, want)
	}

	got = blockIDs(ix.FindOverlaps(2, 0, 100))
	if len(got) != 0 {
		t.Errorf("chr3 (unknown contig) = %v, want empty", got)
	}
}

func TestFindOverlapsTreeAgreesWithBinarySearch(t *testing.T) {
	ix := buildS6Index()
	queries := []struct {
		contig int32
		p0, p1 int64
	}{
		{0, 1500, 2500},
		{1, 500, 1500},
		{0, 0, 3000},
		{1, 2000, 3000},
	}
	for _, q := range queries {
		bs := blockIDs(ix.FindOverlaps(q.contig, q.p0, q.p1))
		tree := blockIDs(ix.FindOverlapsTree(q.contig, q.p0, q.p1))
		if !reflect.DeepEqual(bs, tree) {
			t.Errorf("contig %d [%d,%d]: binary-search %v != tree %v", q.contig, q.p0, q.p1, bs, tree)
		}
	}
}

func TestIndexMarshalRoundTrip(t *testing.T) {
	ix := buildS6Index()
	buf := ix.Marshal()
	got, err := Unmarshal(buf)
	if err != nil {
		t.Fatal(err)
	}
	for _, contig := range []int32{0, 1} {
		a := ix.FindOverlaps(contig, 0, 100000)
		b := got.FindOverlaps(contig, 0, 100000)
		if !reflect.DeepEqual(a, b) {
			t.Errorf("contig %d round trip mismatch: %+v != %+v", contig, a, b)
		}
	}
}

func TestUnmarshalTruncated(t *testing.T) {
	ix := buildS6Index()
	buf := ix.Marshal()
	_, err := Unmarshal(buf[:len(buf)-1])
	if err == nil {
		t.Fatal("expected truncation error")
	}
}

func TestBinnerMonotonic(t *testing.T) {
	b := NewBinner(1_000_000)
	if b.Bin(0) > b.Bin(999_999) {
		t.Error("finest bin id should be non-decreasing with position")
	}
	coarse0 := b.BinAtLevel(0, 0)
	coarse1 := b.BinAtLevel(999_999, 0)
	if coarse1 < coarse0 {
		t.Error("coarsest level bin id decreased with position")
	}
}
