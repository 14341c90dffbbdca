// Copyright ©2020 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package stats

import (
	"math"
	"testing"

	"github.com/kortschak/tachyon/internal/gt"
)

func TestTsTvTransitionVsTransversion(t *testing.T) {
	var tt TsTv
	tt.Add([]string{"A", "G"}) // transition
	tt.Add([]string{"C", "T"}) // transition
	tt.Add([]string{"A", "C"}) // transversion
	if tt.Transitions != 2 {
		t.Fatalf("transitions = %d, want 2", tt.Transitions)
	}
	if tt.Transversions != 1 {
		t.Fatalf("transversions = %d, want 1", tt.Transversions)
	}
	if got, want := tt.Ratio(), 2.0; got != want {
		t.Fatalf("ratio = %v, want %v", got, want)
	}
}

func TestTsTvIgnoresNonSNV(t *testing.T) {
	var tt TsTv
	tt.Add([]string{"AT", "A"})
	tt.Add([]string{"A", "C", "G"})
	if tt.Transitions != 0 || tt.Transversions != 0 {
		t.Fatalf("expected no tally for non-SNV alleles, got %+v", tt)
	}
}

func TestHardyWeinbergInEquilibrium(t *testing.T) {
	// p = q = 0.5 expected proportions 1:2:1 among 400 samples.
	var calls []gt.Call
	for i := 0; i < 100; i++ {
		calls = append(calls, gt.Call{A: 0, B: 0})
	}
	for i := 0; i < 200; i++ {
		calls = append(calls, gt.Call{A: 0, B: 1})
	}
	for i := 0; i < 100; i++ {
		calls = append(calls, gt.Call{A: 1, B: 1})
	}
	res := HardyWeinberg(calls)
	if res.NHomRef != 100 || res.NHet != 200 || res.NHomAlt != 100 {
		t.Fatalf("counts = %+v", res)
	}
	if res.ChiSquare > 0.01 {
		t.Fatalf("chi-square = %v, want ~0 for exact equilibrium", res.ChiSquare)
	}
	if res.PValue < 0.9 {
		t.Fatalf("p-value = %v, want close to 1 for exact equilibrium", res.PValue)
	}
}

func TestHardyWeinbergSkewed(t *testing.T) {
	// All heterozygous: strongly violates Hardy-Weinberg.
	var calls []gt.Call
	for i := 0; i < 100; i++ {
		calls = append(calls, gt.Call{A: 0, B: 1})
	}
	res := HardyWeinberg(calls)
	if res.ChiSquare <= 3.84 {
		t.Fatalf("chi-square = %v, want > 3.84 (significant at 0.05) for all-het sample", res.ChiSquare)
	}
	if res.PValue > 0.05 {
		t.Fatalf("p-value = %v, want <= 0.05", res.PValue)
	}
}

func TestHardyWeinbergExcludesMissingAndHaploid(t *testing.T) {
	calls := []gt.Call{
		{A: 0, B: 0},
		{A: gt.AlleleMissing, B: gt.AlleleMissing},
		{A: 1, Haploid: true},
		{A: 0, B: 1},
	}
	res := HardyWeinberg(calls)
	if res.NHomRef+res.NHet+res.NHomAlt != 2 {
		t.Fatalf("expected 2 complete diploid calls counted, got %+v", res)
	}
}

func TestHardyWeinbergEmpty(t *testing.T) {
	res := HardyWeinberg(nil)
	if res != (HWEResult{}) {
		t.Fatalf("expected zero value for no calls, got %+v", res)
	}
}

func TestChiSquareObsExpIgnoresDegenerateCategories(t *testing.T) {
	got := chiSquareObsExp([]float64{5, 0, 5}, []float64{5, 0, 5})
	if math.IsNaN(got) || math.IsInf(got, 0) {
		t.Fatalf("chi-square = %v, want a finite value", got)
	}
}
