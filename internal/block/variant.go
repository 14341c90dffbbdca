// Copyright ©2020 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package block

import (
	"github.com/kortschak/tachyon/internal/container"
	"github.com/kortschak/tachyon/internal/gt"
)

// GTGlobalID is the reserved global id FORMAT fields use to mark the
// genotype codec — the one FORMAT field that never travels through a
// generic container, because C3/C4 own its representation.
const GTGlobalID int32 = 0

// InfoValue is one INFO field attached to a variant, addressed by its
// tachyon global id.
type InfoValue struct {
	GlobalID int32
	Tag      container.Tag
	Ints     []int64
	Floats   []float64
	Bytes    []byte
}

// FormatValue is one FORMAT field attached to a variant. A FormatValue
// with GlobalID == GTGlobalID carries GT instead of the generic
// per-sample payloads, and is routed to the genotype encoder rather
// than a dynamic container.
type FormatValue struct {
	GlobalID   int32
	Tag        container.Tag
	PerSample  [][]int64
	PerFloats  [][]float64
	GT         []gt.Call
	GTNAlleles int
}

// Variant is the in-memory record constructed by the source adapter
// (internal/vcfio) from one external VCF record, consumed by
// Block.AppendVariant and then discarded.
type Variant struct {
	// Contig is the tachyon contig id this variant belongs to. It is
	// only consulted by the producer (internal/pipeline) when deciding
	// batch boundaries; a Block itself carries its contig once, in
	// Header.Contig, since every variant appended to it must agree.
	Contig   int32
	Position int64
	// End is the variant's true end position for indexing purposes:
	// equal to Position for point variants, or the structural extent
	// recovered from END/SVLEN (see vcfio.Source.SetStructuralKeys)
	// for structural variants whose REF/ALT span understates their
	// reach.
	End     int64
	Quality float32
	Name    string
	// Alleles holds REF at index 0 followed by ALTs.
	Alleles []string
	Filters []int32
	Info    []InfoValue
	Format  []FormatValue
}

// gtField returns v's GT FORMAT field and whether v carries one.
func (v *Variant) gtField() (FormatValue, bool) {
	for _, f := range v.Format {
		if f.GlobalID == GTGlobalID {
			return f, true
		}
	}
	return FormatValue{}, false
}
