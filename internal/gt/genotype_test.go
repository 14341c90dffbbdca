// Copyright ©2020 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package gt

import "testing"

func callsEqual(a, b []Call) bool {
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

func TestEncodeDecodeRLEBiallelicNoMissing(t *testing.T) {
	// A/C site, 6 samples, no missing, uniform phase.
	calls := []Call{
		{A: 0, B: 0, Phased: true},
		{A: 0, B: 0, Phased: true},
		{A: 0, B: 1, Phased: true},
		{A: 1, B: 1, Phased: true},
		{A: 1, B: 1, Phased: true},
		{A: 1, B: 1, Phased: true},
	}
	enc, err := Encode(calls, 2)
	if err != nil {
		t.Fatal(err)
	}
	if enc.Form != RLE {
		t.Fatalf("form = %v, want RLE", enc.Form)
	}
	if enc.Shift != 1 {
		t.Fatalf("shift = %d, want 1 (no missing)", enc.Shift)
	}
	if enc.Add != 0 {
		t.Fatalf("add = %d, want 0 (uniform phase)", enc.Add)
	}
	got, err := Decode(enc)
	if err != nil {
		t.Fatal(err)
	}
	if !callsEqual(got, calls) {
		t.Fatalf("decode mismatch: got %+v, want %+v", got, calls)
	}
}

func TestEncodeDecodeRLEWithMissing(t *testing.T) {
	calls := []Call{
		{A: AlleleMissing, B: AlleleMissing, Phased: false},
		{A: AlleleMissing, B: AlleleMissing, Phased: false},
		{A: 0, B: 1, Phased: false},
		{A: 1, B: 1, Phased: false},
	}
	enc, err := Encode(calls, 2)
	if err != nil {
		t.Fatal(err)
	}
	if enc.Form != RLE {
		t.Fatalf("form = %v, want RLE", enc.Form)
	}
	if enc.Shift != 2 {
		t.Fatalf("shift = %d, want 2 (missing present)", enc.Shift)
	}
	got, err := Decode(enc)
	if err != nil {
		t.Fatal(err)
	}
	if !callsEqual(got, calls) {
		t.Fatalf("decode mismatch: got %+v, want %+v", got, calls)
	}
}

func TestEncodeDecodeSimpleMixedPloidy(t *testing.T) {
	// 0/1 diploid, 1 haploid, ./. diploid missing — mirrors a
	// mixed-ploidy, has-missing variant, which must select Simple form.
	calls := []Call{
		{A: 0, B: 1, Phased: false},
		{A: 1, Haploid: true, Phased: false},
		{A: AlleleMissing, B: AlleleMissing, Phased: false},
	}
	enc, err := Encode(calls, 2)
	if err != nil {
		t.Fatal(err)
	}
	if enc.Form != Simple {
		t.Fatalf("form = %v, want Simple", enc.Form)
	}
	if !enc.MixedPloidy {
		t.Fatal("expected MixedPloidy to be true")
	}
	got, err := Decode(enc)
	if err != nil {
		t.Fatal(err)
	}
	if !callsEqual(got, calls) {
		t.Fatalf("decode mismatch: got %+v, want %+v", got, calls)
	}
}

func TestEncodeDecodeRLEFourAlleles(t *testing.T) {
	// Four declared alleles still select RLE, but the allele slots must
	// widen past the biallelic 1-bit default to hold codes 2 and 3.
	calls := []Call{
		{A: 0, B: 3, Phased: true},
		{A: 2, B: 1, Phased: true},
		{A: 3, B: 3, Phased: true},
	}
	enc, err := Encode(calls, 4)
	if err != nil {
		t.Fatal(err)
	}
	if enc.Form != RLE {
		t.Fatalf("form = %v, want RLE", enc.Form)
	}
	if enc.Shift < 2 {
		t.Fatalf("shift = %d, want >= 2 for allele code 3", enc.Shift)
	}
	got, err := Decode(enc)
	if err != nil {
		t.Fatal(err)
	}
	if !callsEqual(got, calls) {
		t.Fatalf("decode mismatch: got %+v, want %+v", got, calls)
	}
}

func TestEncodeAllHaploidSelectsSimple(t *testing.T) {
	calls := []Call{
		{A: 0, Haploid: true},
		{A: 1, Haploid: true},
		{A: 1, Haploid: true},
	}
	enc, err := Encode(calls, 2)
	if err != nil {
		t.Fatal(err)
	}
	if enc.Form != Simple {
		t.Fatalf("form = %v, want Simple for haploid calls", enc.Form)
	}
	got, err := Decode(enc)
	if err != nil {
		t.Fatal(err)
	}
	if !callsEqual(got, calls) {
		t.Fatalf("decode mismatch: got %+v, want %+v", got, calls)
	}
}

func TestEncodeRejectsAlleleOutsideDeclaredCount(t *testing.T) {
	calls := []Call{{A: 0, B: 2}}
	if _, err := Encode(calls, 2); err == nil {
		t.Fatal("expected an error for allele code 2 at a biallelic site")
	}
}

func TestEncodeManyAllelesSelectsSimple(t *testing.T) {
	calls := []Call{
		{A: 0, B: 1},
		{A: 2, B: 3},
		{A: 4, B: 0},
	}
	enc, err := Encode(calls, 5)
	if err != nil {
		t.Fatal(err)
	}
	if enc.Form != Simple {
		t.Fatalf("form = %v, want Simple for nAlleles=5", enc.Form)
	}
	got, err := Decode(enc)
	if err != nil {
		t.Fatal(err)
	}
	if !callsEqual(got, calls) {
		t.Fatalf("decode mismatch: got %+v, want %+v", got, calls)
	}
}

func TestEncodeLongRunWidensWordWidth(t *testing.T) {
	// 500 identical calls exceed a 1-byte word's run-length field, so the
	// width must widen until a single word can hold the whole run.
	calls := make([]Call, 500)
	for i := range calls {
		calls[i] = Call{A: 0, B: 0, Phased: true}
	}
	enc, err := Encode(calls, 2)
	if err != nil {
		t.Fatal(err)
	}
	if enc.WordWidth < 2 {
		t.Fatalf("word width = %d, want >= 2 for a run of 500", enc.WordWidth)
	}
	if len(enc.Data) != enc.WordWidth {
		t.Fatalf("uniform run encoded as %d bytes at width %d, want a single word", len(enc.Data), enc.WordWidth)
	}
	got, err := Decode(enc)
	if err != nil {
		t.Fatal(err)
	}
	if !callsEqual(got, calls) {
		t.Fatal("decode mismatch after width widening")
	}
}

func TestComputePermutationGroupsIdenticalSamples(t *testing.T) {
	variants := [][]Call{
		{{A: 0, B: 0}, {A: 1, B: 1}, {A: 0, B: 0}, {A: 1, B: 1}},
	}
	perm := ComputePermutation(variants)
	if len(perm) != 4 {
		t.Fatalf("len(perm) = %d, want 4", len(perm))
	}
	seen := make(map[int]bool)
	for _, p := range perm {
		if seen[p] {
			t.Fatalf("permutation %v is not a bijection", perm)
		}
		seen[p] = true
	}
	calls := variants[0]
	permuted := Apply(perm, calls)
	countRuns := func(cs []Call) int {
		runs := 1
		for i := 1; i < len(cs); i++ {
			if cs[i].A != cs[i-1].A || cs[i].B != cs[i-1].B {
				runs++
			}
		}
		return runs
	}
	if countRuns(permuted) > countRuns(calls) {
		t.Fatalf("permutation increased run count: %d > %d", countRuns(permuted), countRuns(calls))
	}
}

func TestInvertPermutation(t *testing.T) {
	p := []int{2, 0, 3, 1}
	inv := Invert(p)
	for i, v := range p {
		if inv[v] != i {
			t.Fatalf("inv[%d] = %d, want %d", v, inv[v], i)
		}
	}
}

func TestSinglePloidySamplePermutationIsIdentity(t *testing.T) {
	variants := [][]Call{{{A: 0, B: 1}}}
	perm := ComputePermutation(variants)
	if len(perm) != 1 || perm[0] != 0 {
		t.Fatalf("perm = %v, want [0]", perm)
	}
}
