// Copyright ©2020 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package gt implements the sample permutation engine (C3) and the
// genotype encoder/decoder (C4).
package gt

import "sort"

// Call is one sample's genotype call at one variant site.
type Call struct {
	// A and B are 0-based allele indices, or one of AlleleMissing,
	// AlleleEOV.
	A, B int
	// Haploid reports that this sample carries only one allele at
	// this site (B is not meaningful).
	Haploid bool
	Phased  bool
}

const (
	// AlleleMissing marks an unobserved allele call.
	AlleleMissing = -1
	// AlleleEOV marks an explicit end-of-vector padding allele.
	AlleleEOV = -2
)

// groupCode reduces a Call to a single byte used only to group samples
// with similar haplotype histories together; it need not be lossless.
func groupCode(c Call) byte {
	clamp := func(v int) byte {
		switch {
		case v == AlleleMissing:
			return 14
		case v == AlleleEOV:
			return 15
		case v < 0:
			return 13
		case v > 12:
			return 12
		default:
			return byte(v)
		}
	}
	a := clamp(c.A)
	b := byte(0)
	if !c.Haploid {
		b = clamp(c.B)
	} else {
		b = 13
	}
	phase := byte(0)
	if c.Phased {
		phase = 1
	}
	return a<<4 | b&0x7 | phase<<3 // uses nibble-ish packing; only a grouping heuristic
}

// ComputePermutation computes a sample-ordering permutation that
// maximises contiguity of equal haplotypes within a batch of variants.
//
// variants[v][s] is sample s's call at the v-th variant of the batch, in
// original sample order. The result P is a bijection of [0,S); applying
// it as permuted[i] = variants[*][P[i]] groups samples with identical
// haplotype histories into adjacent positions, which lengthens RLE runs
// in the genotype encoder.
//
// Samples are ordered by the concatenation of their per-variant codes,
// earliest variant most significant — a single stable sort on the full
// composite key, equivalent to the positional prefix sort of repeated
// per-variant passes but computed directly.
func ComputePermutation(variants [][]Call) []int {
	if len(variants) == 0 {
		return nil
	}
	s := len(variants[0])
	perm := make([]int, s)
	for i := range perm {
		perm[i] = i
	}
	if s <= 1 {
		return perm
	}

	keys := make([][]byte, s)
	for sample := 0; sample < s; sample++ {
		key := make([]byte, len(variants))
		for v, calls := range variants {
			key[v] = groupCode(calls[sample])
		}
		keys[sample] = key
	}

	sort.SliceStable(perm, func(i, j int) bool {
		return lessBytes(keys[perm[i]], keys[perm[j]])
	})
	return perm
}

func lessBytes(a, b []byte) bool {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return len(a) < len(b)
}

// Invert returns the inverse of a bijective permutation: Invert(p)[p[i]]
// == i for all i.
func Invert(p []int) []int {
	inv := make([]int, len(p))
	for i, v := range p {
		inv[v] = i
	}
	return inv
}

// Apply reorders src (length len(p)) according to p: dst[i] = src[p[i]].
func Apply(p []int, src []Call) []Call {
	dst := make([]Call, len(p))
	for i, v := range p {
		dst[i] = src[v]
	}
	return dst
}
