// Copyright ©2020 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package vcfio is the external VCF collaborator of §6: it adapts
// github.com/brentp/vcfgo's header and record model into tachyon's
// global-id space, and feeds bgzf-aware input through
// github.com/biogo/hts/bgzf so that both plain and block-gzipped VCF
// streams work without the caller caring which it got.
package vcfio

import (
	"bufio"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/biogo/hts/bgzf"
	"github.com/brentp/vcfgo"

	"github.com/kortschak/tachyon/internal/block"
	"github.com/kortschak/tachyon/internal/container"
	"github.com/kortschak/tachyon/internal/gt"
	"github.com/kortschak/tachyon/internal/tachyonerr"
)

// ContigInfo is one contig's name and length, as declared in the VCF
// header's ##contig lines.
type ContigInfo struct {
	Name   string
	Length int64
}

// FieldDef maps one external VCF INFO or FORMAT field to its tachyon
// global id and primitive type.
type FieldDef struct {
	GlobalID int32
	ID       string
	Tag      container.Tag
}

// Header is the reorder map built once at open time (§4.10): a static
// translation from the external library's string/positional ids to
// tachyon's dense int32 global id space.
type Header struct {
	Contigs     []ContigInfo
	SampleNames []string

	InfoByID   map[string]FieldDef
	FormatByID map[string]FieldDef
	FilterByID map[string]int32

	contigIndex map[string]int32
}

// ContigIndex returns the tachyon contig id for a VCF contig name.
func (h *Header) ContigIndex(name string) (int32, bool) {
	id, ok := h.contigIndex[name]
	return id, ok
}

// vcfTag maps a VCF Type declaration to a tachyon primitive tag.
func vcfTag(vcfType string) container.Tag {
	switch vcfType {
	case "Integer":
		return container.I32
	case "Float":
		return container.F32
	case "Flag":
		return container.Boolean
	case "Character", "String":
		return container.Char
	default:
		return container.Char
	}
}

// NewHeader builds the reorder maps from a parsed VCF header. Global ids
// are assigned in sorted-key order so that a rebuild from the same
// header is always reproducible; id 0 is reserved for block.GTGlobalID
// and is never assigned to an INFO or FORMAT field.
func NewHeader(vh *vcfgo.Header) *Header {
	h := &Header{
		InfoByID:    make(map[string]FieldDef),
		FormatByID:  make(map[string]FieldDef),
		FilterByID:  make(map[string]int32),
		contigIndex: make(map[string]int32),
	}

	// vcfgo surfaces ##contig lines as raw key/value maps.
	for _, c := range vh.Contigs {
		name := c["ID"]
		if name == "" {
			continue
		}
		var length int64
		if l, err := strconv.ParseInt(c["length"], 10, 64); err == nil {
			length = l
		}
		h.contigIndex[name] = int32(len(h.Contigs))
		h.Contigs = append(h.Contigs, ContigInfo{Name: name, Length: length})
	}
	h.SampleNames = append(h.SampleNames, vh.SampleNames...)

	next := int32(1) // 0 is block.GTGlobalID
	infoKeys := make([]string, 0, len(vh.Infos))
	for id := range vh.Infos {
		infoKeys = append(infoKeys, id)
	}
	sort.Strings(infoKeys)
	for _, id := range infoKeys {
		h.InfoByID[id] = FieldDef{GlobalID: next, ID: id, Tag: vcfTag(vh.Infos[id].Type)}
		next++
	}
	formatKeys := make([]string, 0, len(vh.SampleFormats))
	for id := range vh.SampleFormats {
		if id == "GT" {
			continue
		}
		formatKeys = append(formatKeys, id)
	}
	sort.Strings(formatKeys)
	for _, id := range formatKeys {
		h.FormatByID[id] = FieldDef{GlobalID: next, ID: id, Tag: vcfTag(vh.SampleFormats[id].Type)}
		next++
	}

	filterKeys := make([]string, 0, len(vh.Filters))
	for id := range vh.Filters {
		filterKeys = append(filterKeys, id)
	}
	sort.Strings(filterKeys)
	var fnext int32
	for _, id := range filterKeys {
		h.FilterByID[id] = fnext
		fnext++
	}
	return h
}

// Source pulls variant records from an external VCF stream, translating
// each into tachyon's in-memory Variant model. It is the concrete
// implementation of the "external VCF iterator" that C10 (the producer)
// pulls from.
type Source struct {
	rdr    *vcfgo.Reader
	header *Header

	// endKey and svLenKey are the INFO field ids (e.g. "END", "SVLEN")
	// consulted to recover a structural variant's true extent for
	// indexing, per the builder configuration's info_end_key and
	// info_svlen_key. Empty disables the corresponding lookup.
	endKey, svLenKey string
}

// Open wraps r — transparently bgzf-decompressed if it leads with a gzip
// magic pair — as a VCF record source. codecThreads is handed to the
// bgzf reader's decompression worker pool; values below 1 select the
// bgzf default.
func Open(r io.Reader, codecThreads int) (*Source, error) {
	br := bufio.NewReader(r)
	var src io.Reader = br
	if magic, err := br.Peek(2); err == nil && magic[0] == 0x1f && magic[1] == 0x8b {
		if codecThreads < 1 {
			codecThreads = 0
		}
		bz, err := bgzf.NewReader(br, codecThreads)
		if err != nil {
			return nil, tachyonerr.New(tachyonerr.InputMalformed, "vcfio: bgzf: %v", err)
		}
		src = bz
	}
	rdr, err := vcfgo.NewReader(src, false)
	if err != nil {
		return nil, tachyonerr.New(tachyonerr.InputMalformed, "vcfio: open: %v", err)
	}
	return &Source{rdr: rdr, header: NewHeader(rdr.Header)}, nil
}

// Header returns the reorder map built from this source's VCF header.
func (s *Source) Header() *Header { return s.header }

// SetStructuralKeys configures the INFO field ids used to recover a
// structural variant's true extent (END, falling back to POS+SVLEN)
// for the variant index, instead of the bare REF/ALT-implied span.
// Either id may be empty to disable that lookup.
func (s *Source) SetStructuralKeys(endKey, svLenKey string) {
	s.endKey = endKey
	s.svLenKey = svLenKey
}

// Next returns the next variant record, translated into tachyon's
// in-memory model, or io.EOF once the source is exhausted.
func (s *Source) Next() (*block.Variant, error) {
	rec := s.rdr.Read()
	if rec == nil {
		if err := s.rdr.Error(); err != nil && err != io.EOF {
			return nil, tachyonerr.New(tachyonerr.InputMalformed, "vcfio: read: %v", err)
		}
		return nil, io.EOF
	}
	// Drop vcfgo's accumulated soft parse diagnostics; they are advisory
	// for records it still yields.
	s.rdr.Clear()
	return s.translate(rec)
}

func (s *Source) translate(rec *vcfgo.Variant) (*block.Variant, error) {
	alleles := append([]string{rec.Ref()}, rec.Alt()...)
	contig, _ := s.header.ContigIndex(rec.Chromosome)
	pos := int64(rec.Pos) - 1 // VCF is 1-based; tachyon is 0-based
	v := &block.Variant{
		Contig:   contig,
		Position: pos,
		End:      pos,
		Quality:  float32(rec.Quality),
		Name:     rec.Id(),
		Alleles:  alleles,
	}
	v.End = s.structuralEnd(rec, pos)

	for _, name := range strings.Split(rec.Filter, ";") {
		if name == "" || name == "PASS" || name == "." {
			continue
		}
		if id, ok := s.header.FilterByID[name]; ok {
			v.Filters = append(v.Filters, id)
		}
	}

	// Walking the record's own key order keeps container occurrence
	// order deterministic across rebuilds of the same input.
	info := rec.Info()
	for _, id := range info.Keys() {
		def, ok := s.header.InfoByID[id]
		if !ok {
			continue
		}
		raw, err := info.Get(id)
		if err != nil || raw == nil {
			continue
		}
		iv, err := translateInfo(def, raw)
		if err != nil {
			return nil, tachyonerr.New(tachyonerr.InputMalformed, "vcfio: %s at %s:%d: %v", id, rec.Chromosome, rec.Pos, err)
		}
		v.Info = append(v.Info, iv)
	}

	hasGT := false
	for _, id := range rec.Format {
		if id == "GT" {
			hasGT = true
			break
		}
	}
	if hasGT && len(rec.Samples) > 0 {
		calls := make([]gt.Call, len(rec.Samples))
		for i, sg := range rec.Samples {
			calls[i] = translateGT(sg)
		}
		v.Format = append(v.Format, block.FormatValue{
			GlobalID:   block.GTGlobalID,
			GT:         calls,
			GTNAlleles: len(alleles),
		})
	}
	for _, id := range rec.Format {
		if id == "GT" {
			continue
		}
		def, ok := s.header.FormatByID[id]
		if !ok {
			continue
		}
		fv, ok := translateFormat(def, rec.Samples, id)
		if ok {
			v.Format = append(v.Format, fv)
		}
	}

	return v, nil
}

// structuralEnd resolves a variant's true end position for indexing: the
// END annotation if present, else POS+SVLEN, else the point position
// pos itself.
func (s *Source) structuralEnd(rec *vcfgo.Variant, pos int64) int64 {
	info := rec.Info()
	if s.endKey != "" {
		if raw, err := info.Get(s.endKey); err == nil && raw != nil {
			if end, ok := asInt64(raw); ok {
				return end - 1
			}
		}
	}
	if s.svLenKey != "" {
		if raw, err := info.Get(s.svLenKey); err == nil && raw != nil {
			if svlen, ok := asInt64(raw); ok {
				if svlen < 0 {
					svlen = -svlen
				}
				return pos + svlen
			}
		}
	}
	return pos
}

func asInt64(raw interface{}) (int64, bool) {
	switch x := raw.(type) {
	case int:
		return int64(x), true
	case int64:
		return x, true
	case []int:
		if len(x) > 0 {
			return int64(x[0]), true
		}
	}
	return 0, false
}

func translateInfo(def FieldDef, raw interface{}) (block.InfoValue, error) {
	iv := block.InfoValue{GlobalID: def.GlobalID, Tag: def.Tag}
	switch def.Tag {
	case container.Boolean:
		// Presence alone carries the value for a Flag field.
	case container.I32:
		switch x := raw.(type) {
		case int:
			iv.Ints = []int64{int64(x)}
		case []int:
			for _, v := range x {
				iv.Ints = append(iv.Ints, int64(v))
			}
		default:
			return iv, tachyonerr.New(tachyonerr.TypeViolation, "%s: expected integer, got %T", def.ID, raw)
		}
	case container.F32:
		switch x := raw.(type) {
		case float32:
			iv.Floats = []float64{float64(x)}
		case float64:
			iv.Floats = []float64{x}
		case []float32:
			for _, v := range x {
				iv.Floats = append(iv.Floats, float64(v))
			}
		default:
			return iv, tachyonerr.New(tachyonerr.TypeViolation, "%s: expected float, got %T", def.ID, raw)
		}
	default:
		if s, ok := raw.(string); ok {
			iv.Bytes = []byte(s)
		}
	}
	return iv, nil
}

func translateFormat(def FieldDef, samples []*vcfgo.SampleGenotype, id string) (block.FormatValue, bool) {
	fv := block.FormatValue{GlobalID: def.GlobalID, Tag: def.Tag}
	found := false
	switch def.Tag {
	case container.F32:
		for _, s := range samples {
			if s == nil {
				fv.PerFloats = append(fv.PerFloats, nil)
				continue
			}
			raw, ok := s.Fields[id]
			if !ok {
				fv.PerFloats = append(fv.PerFloats, nil)
				continue
			}
			found = true
			fv.PerFloats = append(fv.PerFloats, parseFloats(raw))
		}
	default:
		for _, s := range samples {
			if s == nil {
				fv.PerSample = append(fv.PerSample, nil)
				continue
			}
			raw, ok := s.Fields[id]
			if !ok {
				fv.PerSample = append(fv.PerSample, nil)
				continue
			}
			found = true
			fv.PerSample = append(fv.PerSample, parseInts(raw))
		}
	}
	return fv, found
}

func parseInts(s string) []int64 {
	var out []int64
	for _, tok := range strings.Split(s, ",") {
		n, err := strconv.ParseInt(tok, 10, 64)
		if err == nil {
			out = append(out, n)
		}
	}
	return out
}

func parseFloats(s string) []float64 {
	var out []float64
	for _, tok := range strings.Split(s, ",") {
		f, err := strconv.ParseFloat(tok, 64)
		if err == nil {
			out = append(out, f)
		}
	}
	return out
}

// translateGT converts one sample's vcfgo genotype call into tachyon's
// Call model. vcfgo represents a missing allele as -1 and a sample with
// fewer alleles than the declared ploidy by a shorter GT slice; a
// single-element GT marks a haploid call.
func translateGT(s *vcfgo.SampleGenotype) gt.Call {
	if s == nil {
		return gt.Call{A: gt.AlleleMissing, B: gt.AlleleMissing}
	}
	a := gt.AlleleMissing
	b := gt.AlleleMissing
	haploid := len(s.GT) < 2
	if len(s.GT) > 0 {
		a = vcfAllele(s.GT[0])
	}
	if len(s.GT) > 1 {
		b = vcfAllele(s.GT[1])
	}
	return gt.Call{A: a, B: b, Haploid: haploid, Phased: s.Phased}
}

func vcfAllele(a int) int {
	if a < 0 {
		return gt.AlleleMissing
	}
	return a
}
