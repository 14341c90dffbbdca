// Copyright ©2020 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package block

import (
	"reflect"
	"testing"
)

func TestAddStreamIsIdempotent(t *testing.T) {
	d := NewDictionary()
	a := d.AddStream(100)
	b := d.AddStream(200)
	if a == b {
		t.Fatal("distinct global ids must get distinct local ids")
	}
	if got := d.AddStream(100); got != a {
		t.Fatalf("re-adding global 100 returned %d, want %d", got, a)
	}
	if d.NStreams() != 2 {
		t.Fatalf("n streams = %d, want 2", d.NStreams())
	}
}

func TestAddPatternInternsByContent(t *testing.T) {
	d := NewDictionary()
	p0 := d.AddPattern([]int32{100, 200})
	p1 := d.AddPattern([]int32{200, 100}) // same multiset, different order
	p2 := d.AddPattern([]int32{100})
	if p0 != p1 {
		t.Fatalf("equal patterns interned as %d and %d", p0, p1)
	}
	if p2 == p0 {
		t.Fatal("distinct patterns must get distinct ids")
	}
	if d.NPatterns() != 2 {
		t.Fatalf("n patterns = %d, want 2", d.NPatterns())
	}
}

// TestPatternBitVectorSoundness checks that iterating a pattern's
// bit-vector in local-id order yields exactly the pattern's stream set.
func TestPatternBitVectorSoundness(t *testing.T) {
	d := NewDictionary()
	d.AddPattern([]int32{100, 200})
	d.AddPattern([]int32{100})
	d.AddPattern([]int32{300, 100, 200})
	d.RebuildBitVectors()

	for id := int32(0); id < int32(d.NPatterns()); id++ {
		p := d.Pattern(id)
		var fromBits []int32
		for local := 0; local < d.NStreams(); local++ {
			if BitSet(p.Bits, local) {
				fromBits = append(fromBits, d.GlobalOf(int32(local)))
			}
		}
		want := append([]int32(nil), p.Globals...)
		got := append([]int32(nil), fromBits...)
		sortInt32(want)
		sortInt32(got)
		if !reflect.DeepEqual(got, want) {
			t.Fatalf("pattern %d: bit-vector yields %v, want %v", id, got, want)
		}
	}
}

func sortInt32(s []int32) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j] < s[j-1]; j-- {
			s[j], s[j-1] = s[j-1], s[j]
		}
	}
}

func TestRebuildBitVectorsWidth(t *testing.T) {
	d := NewDictionary()
	// First pattern is interned while only two streams exist; once ten
	// streams are known the vector must widen to ceil(10/8) bytes.
	d.AddPattern([]int32{1, 2})
	for g := int32(3); g <= 10; g++ {
		d.AddStream(g)
	}
	d.RebuildBitVectors()
	if got, want := len(d.Pattern(0).Bits), 2; got != want {
		t.Fatalf("bit-vector width = %d bytes, want %d for 10 streams", got, want)
	}
}

func TestDictMarshalRoundTrip(t *testing.T) {
	d := NewDictionary()
	d.AddPattern([]int32{7, 9})
	d.AddPattern([]int32{9})
	d.RebuildBitVectors()

	buf := marshalDict(snapshotDict(d))
	snap, n, err := unmarshalDict(buf)
	if err != nil {
		t.Fatal(err)
	}
	if n != len(buf) {
		t.Fatalf("consumed %d bytes, want %d", n, len(buf))
	}
	rt := dictFromSnapshot(snap)
	if rt.NStreams() != d.NStreams() || rt.NPatterns() != d.NPatterns() {
		t.Fatalf("round trip: %d streams/%d patterns, want %d/%d", rt.NStreams(), rt.NPatterns(), d.NStreams(), d.NPatterns())
	}
	for id := int32(0); id < int32(d.NPatterns()); id++ {
		if !reflect.DeepEqual(rt.Pattern(id).Globals, d.Pattern(id).Globals) {
			t.Fatalf("pattern %d globals mismatch after round trip", id)
		}
	}
}
