// Copyright ©2020 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package stats implements the summary statistics §1 explicitly places
// outside the storable core but describes as consumers of decoded
// records: transition/transversion ratio, and per-variant
// Hardy-Weinberg equilibrium, both walking the same gt.Call slices the
// genotype codec in internal/gt produces. Chi-square machinery is
// delegated to gonum.org/v1/gonum/stat and stat/distuv, the same module
// the teacher repository depends on for its graph package.
package stats

import (
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/kortschak/tachyon/internal/gt"
)

// TsTv accumulates a transition/transversion tally across biallelic SNVs.
type TsTv struct {
	Transitions   int64
	Transversions int64
}

// isTransition reports whether the unordered base pair {a, b} is a
// transition (purine<->purine or pyrimidine<->pyrimidine).
func isTransition(a, b byte) bool {
	purine := func(c byte) bool { return c == 'A' || c == 'G' }
	pyrimidine := func(c byte) bool { return c == 'C' || c == 'T' }
	return (purine(a) && purine(b)) || (pyrimidine(a) && pyrimidine(b))
}

// Add tallies one biallelic SNV's ref/alt pair. Multi-allelic or
// indel/structural records (any allele string longer than one base) are
// ignored, matching the original's base-conversion tallying which only
// ever classifies single-base substitutions.
func (t *TsTv) Add(alleles []string) {
	if len(alleles) != 2 || len(alleles[0]) != 1 || len(alleles[1]) != 1 {
		return
	}
	a, b := alleles[0][0], alleles[1][0]
	if a == b {
		return
	}
	if isTransition(a, b) {
		t.Transitions++
	} else {
		t.Transversions++
	}
}

// Ratio returns Transitions/Transversions, or 0 if no transversions have
// been observed.
func (t TsTv) Ratio() float64 {
	if t.Transversions == 0 {
		return 0
	}
	return float64(t.Transitions) / float64(t.Transversions)
}

// HWEResult is one variant's Hardy-Weinberg equilibrium test outcome.
type HWEResult struct {
	NHomRef, NHet, NHomAlt int
	ObservedHetFreq        float64
	ExpectedHetFreq        float64
	ChiSquare              float64
	PValue                 float64
}

// HardyWeinberg computes the classical one-degree-of-freedom
// Hardy-Weinberg equilibrium chi-square test for a biallelic site's
// diploid genotype calls. Haploid and missing calls are excluded from
// the allele count. Samples whose ploidy is not 2 contribute nothing;
// if fewer than one complete diploid call remains, the zero value is
// returned.
func HardyWeinberg(calls []gt.Call) HWEResult {
	var homRef, het, homAlt int
	for _, c := range calls {
		if c.Haploid || c.A == gt.AlleleMissing || c.B == gt.AlleleMissing {
			continue
		}
		switch {
		case c.A == 0 && c.B == 0:
			homRef++
		case c.A != 0 && c.B != 0 && c.A == c.B:
			homAlt++
		default:
			het++
		}
	}
	n := homRef + het + homAlt
	if n == 0 {
		return HWEResult{}
	}

	nAlleles := float64(2 * n)
	p := (2*float64(homRef) + float64(het)) / nAlleles // reference allele frequency
	q := 1 - p

	expHomRef := p * p * float64(n)
	expHet := 2 * p * q * float64(n)
	expHomAlt := q * q * float64(n)

	obs := []float64{float64(homRef), float64(het), float64(homAlt)}
	exp := []float64{expHomRef, expHet, expHomAlt}
	chi2 := chiSquareObsExp(obs, exp)

	dist := distuv.ChiSquared{K: 1}
	pValue := 1 - dist.CDF(chi2)

	return HWEResult{
		NHomRef:         homRef,
		NHet:            het,
		NHomAlt:         homAlt,
		ObservedHetFreq: float64(het) / float64(n),
		ExpectedHetFreq: expHet / float64(n),
		ChiSquare:       chi2,
		PValue:          pValue,
	}
}

// chiSquareObsExp sums (o-e)^2/e over categories with e > 0, passing
// only those categories to gonum's stat.ChiSquare and skipping
// zero-expectation categories as degenerate (a zero expected count,
// which a purely homozygous or purely heterozygous site can produce,
// would divide by zero).
func chiSquareObsExp(obs, exp []float64) float64 {
	var filteredObs, filteredExp []float64
	for i := range exp {
		if exp[i] > 0 {
			filteredObs = append(filteredObs, obs[i])
			filteredExp = append(filteredExp, exp[i])
		}
	}
	if len(filteredExp) == 0 {
		return 0
	}
	return stat.ChiSquare(filteredObs, filteredExp)
}
