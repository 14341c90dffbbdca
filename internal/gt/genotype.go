// Copyright ©2020 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package gt

import (
	"encoding/binary"
	"math/bits"

	"github.com/kortschak/tachyon/internal/tachyonerr"
)

// Form selects the packed word layout of an encoded genotype stream.
type Form byte

const (
	// RLE packs runs of identical two-allele calls, LSB first:
	// [phase bit, present only if mixed-phase][allele A: Shift
	// bits][allele B: Shift bits][run length: remaining high bits].
	RLE Form = 1
	// Simple packs runs of identical two-allele calls in the same word
	// layout as RLE, over a wider alphabet (EOV, ploidy-terminator and
	// missing codes); it is used for sites with more than four alleles
	// or any haploid call.
	Simple Form = 2
)

// Encoded is one variant's genotype stream: the chosen form, the packing
// parameters needed to invert it, and the packed words themselves.
type Encoded struct {
	Form         Form
	WordWidth    int // bytes per word: 1, 2, 4 or 8
	Shift        int // bits per allele slot
	Add          int // 1 if a per-word phase bit is present, else 0
	NAlleles     int
	MixedPloidy  bool
	AnyMissing   bool
	UniformPhase bool // valid when Add == 0: the constant phase shared by every call
	NSamples     int
	Data         []byte
}

// widths tried, smallest first.
var wordWidths = [...]int{1, 2, 4, 8}

func bitsFor(alphabet int) int {
	if alphabet <= 1 {
		return 1
	}
	return bits.Len(uint(alphabet - 1))
}

// Encode chooses between RLE and Simple form for one variant's permuted
// sample calls and packs them. calls is already in permuted sample order
// (see ComputePermutation); nAlleles is the variant's declared allele
// count (REF plus ALTs).
func Encode(calls []Call, nAlleles int) (Encoded, error) {
	if len(calls) == 0 {
		return Encoded{}, tachyonerr.New(tachyonerr.InputMalformed, "gt: encode requires at least one sample")
	}
	if nAlleles < 1 {
		nAlleles = 1
	}

	var anyMissing, hasHaploid, mixedPhase bool
	maxAllele := 0
	first := calls[0].Phased
	for _, c := range calls {
		if c.A >= nAlleles {
			return Encoded{}, tachyonerr.New(tachyonerr.InputMalformed, "gt: allele code %d outside declared %d alleles", c.A, nAlleles)
		}
		if c.A > maxAllele {
			maxAllele = c.A
		}
		if c.A == AlleleMissing || (!c.Haploid && c.B == AlleleMissing) {
			anyMissing = true
		}
		if c.Haploid {
			hasHaploid = true
		} else {
			if c.B >= nAlleles {
				return Encoded{}, tachyonerr.New(tachyonerr.InputMalformed, "gt: allele code %d outside declared %d alleles", c.B, nAlleles)
			}
			if c.B > maxAllele {
				maxAllele = c.B
			}
		}
		if c.Phased != first {
			mixedPhase = true
		}
	}

	if nAlleles <= 4 && !hasHaploid {
		return encodeRLE(calls, maxAllele, anyMissing, mixedPhase, first)
	}
	// The ploidy terminator is reserved whenever any call is haploid,
	// uniformly haploid sites included; without it a haploid call's B
	// slot would decode as EOV and its ploidy would be lost.
	return encodeSimple(calls, nAlleles, anyMissing, hasHaploid, mixedPhase, first)
}

// rleCode maps an allele call to the compact RLE alphabet. When no call in
// the variant is missing, the alphabet is exactly the real allele indices
// (0/1 for a biallelic site) and Shift collapses to 1 bit. When any call
// is missing, code 0 is reserved for missing and code 1 for EOV, with
// real allele k stored as k+2; Shift widens to 2 bits for the biallelic
// case and further for sites that carry more alternate alleles.
func rleCode(v int, anyMissing bool) uint64 {
	if !anyMissing {
		return uint64(v)
	}
	switch v {
	case AlleleMissing:
		return 0
	case AlleleEOV:
		return 1
	default:
		return uint64(v + 2)
	}
}

func rleDecode(code uint64, anyMissing bool) int {
	if !anyMissing {
		return int(code)
	}
	switch code {
	case 0:
		return AlleleMissing
	case 1:
		return AlleleEOV
	default:
		return int(code) - 2
	}
}

func encodeRLE(calls []Call, maxAllele int, anyMissing, mixedPhase, uniformPhase bool) (Encoded, error) {
	shift := 1
	maxCode := maxAllele
	if anyMissing {
		shift = 2
		maxCode = maxAllele + 2
	}
	if w := bitsFor(maxCode + 1); w > shift {
		shift = w
	}
	add := 0
	if mixedPhase {
		add = 1
	}

	type run struct {
		a, b  uint64
		phase uint64
		n     uint64
	}
	var runs []run
	for _, c := range calls {
		a := rleCode(c.A, anyMissing)
		b := rleCode(c.B, anyMissing)
		p := uint64(0)
		if c.Phased {
			p = 1
		}
		if len(runs) > 0 {
			last := &runs[len(runs)-1]
			if last.a == a && last.b == b && last.phase == p {
				last.n++
				continue
			}
		}
		runs = append(runs, run{a: a, b: b, phase: p, n: 1})
	}

	width, runBits := chooseWidth(2*shift+add, len(calls))
	maxRun := uint64(1)<<runBits - 1

	enc := Encoded{
		Form:         RLE,
		WordWidth:    width,
		Shift:        shift,
		Add:          add,
		AnyMissing:   anyMissing,
		UniformPhase: uniformPhase,
		NSamples:     len(calls),
	}
	for _, r := range runs {
		remaining := r.n
		for remaining > 0 {
			n := remaining
			if n > maxRun {
				n = maxRun
			}
			remaining -= n
			word := n<<(2*shift+add) | r.b<<(shift+add) | r.a<<add
			if add == 1 {
				word |= r.phase
			}
			enc.Data = append(enc.Data, packWord(word, width)...)
		}
	}
	return enc, nil
}

func decodeRLE(e Encoded) ([]Call, error) {
	calls := make([]Call, 0, e.NSamples)
	runBits := 8*e.WordWidth - 2*e.Shift - e.Add
	if runBits <= 0 {
		return nil, tachyonerr.New(tachyonerr.InputMalformed, "gt: RLE word width %d too small for shift %d", e.WordWidth, e.Shift)
	}
	mask := uint64(1)<<e.Shift - 1
	for off := 0; off < len(e.Data); off += e.WordWidth {
		word := unpackWord(e.Data[off:off+e.WordWidth], e.WordWidth)
		phase := e.UniformPhase
		if e.Add == 1 {
			phase = word&1 != 0
		}
		a := rleDecode((word>>e.Add)&mask, e.AnyMissing)
		b := rleDecode((word>>(e.Shift+e.Add))&mask, e.AnyMissing)
		n := word >> (2*e.Shift + e.Add)
		for i := uint64(0); i < n; i++ {
			calls = append(calls, Call{A: a, B: b, Phased: phase})
		}
	}
	if len(calls) != e.NSamples {
		return nil, tachyonerr.New(tachyonerr.Integrity, "gt: RLE decode produced %d calls, want %d", len(calls), e.NSamples)
	}
	return calls, nil
}

// simpleAlphabet computes the code assigned to each special (non-allele)
// symbol, per the widening rule: nAlleles real codes, then one code
// always reserved for EOV, then one more (the ploidy terminator) if any
// call is haploid, then one more if any call is missing.
func simpleAlphabet(nAlleles int, mixedPloidy, anyMissing bool) (codeEOV, codePloidyTerm, codeMissing, size int) {
	base := nAlleles
	codeEOV = base
	base++
	codePloidyTerm = -1
	if mixedPloidy {
		codePloidyTerm = base
		base++
	}
	codeMissing = -1
	if anyMissing {
		codeMissing = base
		base++
	}
	return codeEOV, codePloidyTerm, codeMissing, base
}

func encodeSimple(calls []Call, nAlleles int, anyMissing, mixedPloidy, mixedPhase, uniformPhase bool) (Encoded, error) {
	codeEOV, codePloidyTerm, codeMissing, alphabet := simpleAlphabet(nAlleles, mixedPloidy, anyMissing)
	shift := bitsFor(alphabet)
	add := 0
	if mixedPhase {
		add = 1
	}

	code := func(v int, haploidSlot bool) uint64 {
		switch {
		case haploidSlot:
			if mixedPloidy {
				return uint64(codePloidyTerm)
			}
			return uint64(codeEOV)
		case v == AlleleMissing:
			return uint64(codeMissing)
		case v == AlleleEOV:
			return uint64(codeEOV)
		default:
			return uint64(v)
		}
	}

	type run struct {
		a, b  uint64
		phase uint64
		n     uint64
	}
	var runs []run
	for _, c := range calls {
		a := code(c.A, false)
		b := code(c.B, c.Haploid)
		p := uint64(0)
		if c.Phased {
			p = 1
		}
		if len(runs) > 0 {
			last := &runs[len(runs)-1]
			if last.a == a && last.b == b && last.phase == p {
				last.n++
				continue
			}
		}
		runs = append(runs, run{a: a, b: b, phase: p, n: 1})
	}

	width, runBits := chooseWidth(2*shift+add, len(calls))
	maxRun := uint64(1)<<runBits - 1

	enc := Encoded{
		Form:         Simple,
		WordWidth:    width,
		Shift:        shift,
		Add:          add,
		NAlleles:     nAlleles,
		MixedPloidy:  mixedPloidy,
		AnyMissing:   anyMissing,
		UniformPhase: uniformPhase,
		NSamples:     len(calls),
	}
	for _, r := range runs {
		remaining := r.n
		for remaining > 0 {
			n := remaining
			if n > maxRun {
				n = maxRun
			}
			remaining -= n
			word := n<<(2*shift+add) | r.b<<(shift+add) | r.a<<add
			if add == 1 {
				word |= r.phase
			}
			enc.Data = append(enc.Data, packWord(word, width)...)
		}
	}
	return enc, nil
}

func decodeSimple(e Encoded) ([]Call, error) {
	codeEOV, codePloidyTerm, codeMissing, _ := simpleAlphabet(e.NAlleles, e.MixedPloidy, e.AnyMissing)
	decode := func(v uint64) (allele int, haploidSlot bool) {
		switch {
		case e.MixedPloidy && int(v) == codePloidyTerm:
			return 0, true
		case int(v) == codeEOV:
			return AlleleEOV, false
		case e.AnyMissing && int(v) == codeMissing:
			return AlleleMissing, false
		default:
			return int(v), false
		}
	}

	calls := make([]Call, 0, e.NSamples)
	runBits := 8*e.WordWidth - 2*e.Shift - e.Add
	if runBits <= 0 {
		return nil, tachyonerr.New(tachyonerr.InputMalformed, "gt: Simple word width %d too small for shift %d", e.WordWidth, e.Shift)
	}
	mask := uint64(1)<<e.Shift - 1
	for off := 0; off < len(e.Data); off += e.WordWidth {
		word := unpackWord(e.Data[off:off+e.WordWidth], e.WordWidth)
		phase := e.UniformPhase
		if e.Add == 1 {
			phase = word&1 != 0
		}
		av, _ := decode((word >> e.Add) & mask)
		bv, haploid := decode((word >> (e.Shift + e.Add)) & mask)
		n := word >> (2*e.Shift + e.Add)
		for i := uint64(0); i < n; i++ {
			calls = append(calls, Call{A: av, B: bv, Haploid: haploid, Phased: phase})
		}
	}
	if len(calls) != e.NSamples {
		return nil, tachyonerr.New(tachyonerr.Integrity, "gt: Simple decode produced %d calls, want %d", len(calls), e.NSamples)
	}
	return calls, nil
}

// Decode inverts Encode, returning calls in the same permuted sample
// order they were encoded in. The caller is responsible for applying the
// inverse permutation to recover original sample order.
func Decode(e Encoded) ([]Call, error) {
	switch e.Form {
	case RLE:
		return decodeRLE(e)
	case Simple:
		return decodeSimple(e)
	default:
		return nil, tachyonerr.New(tachyonerr.Unsupported, "gt: unknown form %d", e.Form)
	}
}

// chooseWidth returns the narrowest word width in {1,2,4,8} bytes whose
// run-length field (total bits minus headerBits) can represent a run up
// to nSamples long, and the resulting run-length bit count.
func chooseWidth(headerBits, nSamples int) (width, runBits int) {
	need := bitsFor(nSamples + 1)
	for _, w := range wordWidths {
		rb := 8*w - headerBits
		if rb >= need && rb > 0 {
			return w, rb
		}
	}
	w := wordWidths[len(wordWidths)-1]
	return w, 8*w - headerBits
}

func packWord(v uint64, width int) []byte {
	b := make([]byte, width)
	switch width {
	case 1:
		b[0] = byte(v)
	case 2:
		binary.LittleEndian.PutUint16(b, uint16(v))
	case 4:
		binary.LittleEndian.PutUint32(b, uint32(v))
	case 8:
		binary.LittleEndian.PutUint64(b, v)
	}
	return b
}

func unpackWord(b []byte, width int) uint64 {
	switch width {
	case 1:
		return uint64(b[0])
	case 2:
		return uint64(binary.LittleEndian.Uint16(b))
	case 4:
		return uint64(binary.LittleEndian.Uint32(b))
	case 8:
		return binary.LittleEndian.Uint64(b)
	}
	return 0
}
