// Copyright ©2020 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package block

import (
	"github.com/kortschak/tachyon/internal/container"
	"github.com/kortschak/tachyon/internal/gt"
	"github.com/kortschak/tachyon/internal/tachyonerr"
)

var refAltBases = [4]string{"A", "C", "G", "T"}

func unpackRefAlt(b byte) (ref, alt string) {
	return refAltBases[b>>4], refAltBases[b&0x0F]
}

func unmarshalAlleleStrings(buf []byte) []string {
	var out []string
	for i := 0; i < len(buf); {
		var n int
		if buf[i] == 0xFF {
			n = int(buf[i+1]) | int(buf[i+2])<<8
			i += 3
		} else {
			n = int(buf[i])
			i++
		}
		out = append(out, string(buf[i:i+n]))
		i += n
	}
	return out
}

// occurrenceCursor tracks, per local stream id, how many of its
// occurrences have already been consumed while walking variants in
// order — the inverse of Block.appendInfo/appendFormat, which only
// append a record to a stream for the variants that actually carry it.
type occurrenceCursor struct {
	next []int
}

func newCursor(n int) *occurrenceCursor { return &occurrenceCursor{next: make([]int, n)} }

func (oc *occurrenceCursor) take(local int32) int {
	i := oc.next[local]
	oc.next[local]++
	return i
}

// Reconstruct rematerialises every variant record a fully loaded block
// (base containers always populated; dynamic streams populated per the
// Selection passed to ReadBody) was built from. Streams not selected
// during ReadBody are simply absent from the reconstructed records'
// Info/Format slices, matching the reader's field-selection contract.
func (b *Block) Reconstruct() ([]*Variant, error) {
	n := int(b.Header.NVariants)
	out := make([]*Variant, n)

	hasGT := b.Header.Controller&ControllerHasGT != 0
	permuted := b.Header.Controller&ControllerHasGTPermuted != 0
	var inversePerm []int
	if hasGT && b.sampleCount > 1 {
		perm := b.base[RoleGTPPA].DecodeUints(b.base[RoleGTPPA].RecordBytes(0))
		p := make([]int, len(perm))
		for i, v := range perm {
			p[i] = int(v)
		}
		if permuted {
			inversePerm = gt.Invert(p)
		} else {
			inversePerm = p
		}
	}

	infoCur := newCursor(len(b.InfoDict.globals))
	formatCur := newCursor(len(b.FormatDict.globals))

	for i := 0; i < n; i++ {
		v := &Variant{Contig: b.Header.Contig}
		v.Position = b.base[RolePosition].DecodeInts(b.base[RolePosition].RecordBytes(i))[0]
		v.Quality = float32(b.base[RoleQuality].DecodeFloats(b.base[RoleQuality].RecordBytes(i))[0])

		refAlt := b.base[RoleRefAlt].RecordBytes(i)
		if refAlt[0] == refAltEscape {
			v.Alleles = unmarshalAlleleStrings(b.base[RoleAlleleStrings].RecordBytes(i))
		} else {
			ref, alt := unpackRefAlt(refAlt[0])
			v.Alleles = []string{ref, alt}
		}
		v.Name = string(b.base[RoleName].RecordBytes(i))

		filterPattern := b.base[RoleFilterPatternID].DecodeInts(b.base[RoleFilterPatternID].RecordBytes(i))[0]
		v.Filters = append([]int32(nil), b.FilterDict.Pattern(int32(filterPattern)).Globals...)

		infoPattern := b.base[RoleInfoPatternID].DecodeInts(b.base[RoleInfoPatternID].RecordBytes(i))[0]
		ip := b.InfoDict.Pattern(int32(infoPattern))
		for local := 0; local < len(b.InfoDict.globals); local++ {
			if !BitSet(ip.Bits, local) {
				continue
			}
			idx := infoCur.take(int32(local))
			c := b.InfoStreams[local]
			if c == nil {
				continue // stream not selected for load
			}
			raw := c.RecordBytes(idx)
			iv := InfoValue{GlobalID: c.GlobalID, Tag: c.Tag}
			switch c.Tag {
			case container.Boolean:
			case container.F32, container.F64:
				iv.Floats = c.DecodeFloats(raw)
			case container.Char, container.Struct:
				iv.Bytes = append([]byte(nil), raw...)
			default:
				iv.Ints = c.DecodeInts(raw)
			}
			v.Info = append(v.Info, iv)
		}

		formatPattern := b.base[RoleFormatPatternID].DecodeInts(b.base[RoleFormatPatternID].RecordBytes(i))[0]
		fp := b.FormatDict.Pattern(int32(formatPattern))
		for local := 0; local < len(b.FormatDict.globals); local++ {
			if !BitSet(fp.Bits, local) {
				continue
			}
			idx := formatCur.take(int32(local))
			c := b.FormatStreams[local]
			if c == nil {
				continue
			}
			raw := c.RecordBytes(idx)
			fv := FormatValue{GlobalID: c.GlobalID, Tag: c.Tag}
			switch c.Tag {
			case container.F32, container.F64:
				fv.PerFloats = [][]float64{c.DecodeFloats(raw)}
			default:
				fv.PerSample = [][]int64{c.DecodeInts(raw)}
			}
			v.Format = append(v.Format, fv)
		}

		if hasGT {
			support := unmarshalSupport(b.base[RoleGTSupport].RecordBytes(i), b.sampleCount)
			var calls []gt.Call
			var err error
			switch support.Form {
			case gt.RLE:
				support.Data = b.base[RoleGTRLE].RecordBytes(i)
				calls, err = gt.Decode(support)
			case gt.Simple:
				support.Data = b.base[RoleGTSimple].RecordBytes(i)
				calls, err = gt.Decode(support)
			default:
				// No GT call was staged for this variant (e.g. a
				// site with no FORMAT/GT field in a block that
				// otherwise carries genotypes).
			}
			if err != nil {
				return nil, tachyonerr.WithLocus(tachyonerr.Integrity, "", v.Position, "gt decode: %v", err)
			}
			if calls != nil {
				if inversePerm != nil {
					calls = gt.Apply(inversePerm, calls)
				}
				v.Format = append(v.Format, FormatValue{GlobalID: GTGlobalID, GT: calls})
			}
		}

		out[i] = v
	}
	return out, nil
}
