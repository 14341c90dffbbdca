// Copyright ©2020 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package block implements C2, the aggregation of typed containers that
// forms one unit of storage and concurrency in an archive, together with
// C5's set-membership dictionaries. A block owns a fixed set of
// base containers addressed by role, a dynamically grown set of INFO and
// FORMAT containers, and the footer dictionaries that let a reader
// recover which of those dynamic containers applies to each variant.
package block

import (
	"crypto/rand"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/kortschak/tachyon/internal/codec"
	"github.com/kortschak/tachyon/internal/container"
	"github.com/kortschak/tachyon/internal/gt"
	"github.com/kortschak/tachyon/internal/keychain"
	"github.com/kortschak/tachyon/internal/tachyonerr"
)

// Role identifies a block's fixed-position base container.
type Role int

const (
	RoleContig Role = iota
	RoleController
	RolePosition
	RoleQuality
	RoleRefAlt
	RoleAlleleStrings
	RoleName
	RoleInfoPatternID
	RoleFormatPatternID
	RoleFilterPatternID
	RoleGTPPA
	RoleGTRLE
	RoleGTSimple
	RoleGTSupport
	RolePloidy
	nRoles
)

// Controller bits recorded in the block header.
const (
	ControllerHasGT uint16 = 1 << iota
	ControllerHasGTPermuted
	ControllerAnyEncrypted
)

// per-record controller flags, packed into the RoleController container.
const (
	recMultiallelic byte = 1 << iota
	recHasName
	recHasFilters
)

// Header is the fixed-size block header written immediately before a
// block's container bytes, per §6's archive layout.
type Header struct {
	FooterOffsetRel uint32
	BlockHash       uint64
	Controller      uint16
	Contig          int32
	MinPos          int64
	MaxPos          int64
	NVariants       uint32
}

// Block aggregates one batch of variant records into the C2 storage
// unit: fixed base containers, dynamically allocated INFO/FORMAT
// containers, and the C5 dictionaries that make dynamic columns
// self-describing.
type Block struct {
	Header Header

	base [nRoles]*container.Container

	InfoStreams   []*container.Container
	FormatStreams []*container.Container
	InfoDict      *Dictionary
	FormatDict    *Dictionary
	FilterDict    *Dictionary

	sampleCount int
	nVariants   int

	pendingGT       [][]gt.Call
	pendingNAlleles []int
	permutation     []int
	finalized       bool
}

// New returns an empty block for the given contig and sample count.
func New(contig int32, sampleCount int) *Block {
	b := &Block{
		sampleCount: sampleCount,
		InfoDict:    NewDictionary(),
		FormatDict:  NewDictionary(),
		FilterDict:  NewDictionary(),
	}
	b.base[RoleContig] = container.NewContainer(int32(RoleContig), container.I32)
	b.base[RoleController] = container.NewContainer(int32(RoleController), container.U8)
	b.base[RolePosition] = container.NewContainer(int32(RolePosition), container.I64)
	b.base[RoleQuality] = container.NewContainer(int32(RoleQuality), container.F32)
	b.base[RoleRefAlt] = container.NewStructContainer(int32(RoleRefAlt), 1)
	b.base[RoleAlleleStrings] = container.NewCharContainer(int32(RoleAlleleStrings))
	b.base[RoleName] = container.NewCharContainer(int32(RoleName))
	b.base[RoleInfoPatternID] = container.NewContainer(int32(RoleInfoPatternID), container.I32)
	b.base[RoleFormatPatternID] = container.NewContainer(int32(RoleFormatPatternID), container.I32)
	b.base[RoleFilterPatternID] = container.NewContainer(int32(RoleFilterPatternID), container.I32)
	b.base[RoleGTPPA] = container.NewStructContainer(int32(RoleGTPPA), 1)
	b.base[RoleGTRLE] = container.NewStructContainer(int32(RoleGTRLE), 1)
	b.base[RoleGTSimple] = container.NewStructContainer(int32(RoleGTSimple), 1)
	b.base[RoleGTSupport] = container.NewStructContainer(int32(RoleGTSupport), gtSupportWidth)
	b.base[RolePloidy] = container.NewContainer(int32(RolePloidy), container.U8)
	b.Header.Contig = contig
	return b
}

// Base returns the container for a fixed role.
func (b *Block) Base(r Role) *container.Container { return b.base[r] }

// SampleCount returns the number of samples this block's genotype
// containers are laid out over.
func (b *Block) SampleCount() int { return b.sampleCount }

// NVariants returns the number of variants appended so far.
func (b *Block) NVariants() int { return b.nVariants }

func packRefAlt(alleles []string) (byte, bool) {
	if len(alleles) != 2 {
		return 0, false
	}
	code := func(s string) (byte, bool) {
		if len(s) != 1 {
			return 0, false
		}
		switch s[0] {
		case 'A', 'a':
			return 0, true
		case 'C', 'c':
			return 1, true
		case 'G', 'g':
			return 2, true
		case 'T', 't':
			return 3, true
		}
		return 0, false
	}
	r, ok := code(alleles[0])
	if !ok {
		return 0, false
	}
	a, ok := code(alleles[1])
	if !ok {
		return 0, false
	}
	return r<<4 | a, true
}

// refAltEscape marks a RoleRefAlt record as "see RoleAlleleStrings
// instead", used whenever a variant's alleles are not a canonical
// single-base substitution pair.
const refAltEscape = 0xFF

// AppendVariant appends one variant record to the block, updating every
// fixed base container, the dynamic INFO/FORMAT containers, and the C5
// dictionaries. Genotype data, if present, is staged for batch encoding
// in Finalize (the permutation engine needs the whole block's genotype
// matrix before it can run).
func (b *Block) AppendVariant(v *Variant) error {
	if b.finalized {
		return tachyonerr.New(tachyonerr.InputMalformed, "block: append after finalize")
	}
	if err := b.base[RoleContig].AppendInts([]int64{int64(b.Header.Contig)}); err != nil {
		return err
	}
	if err := b.base[RolePosition].AppendInts([]int64{v.Position}); err != nil {
		return err
	}
	if err := b.base[RoleQuality].AppendFloats([]float64{float64(v.Quality)}); err != nil {
		return err
	}

	var ctrl byte
	if len(v.Alleles) > 2 {
		ctrl |= recMultiallelic
	}
	if v.Name != "" {
		ctrl |= recHasName
	}
	if len(v.Filters) > 0 {
		ctrl |= recHasFilters
	}

	if packed, ok := packRefAlt(v.Alleles); ok {
		if err := b.base[RoleRefAlt].AppendStruct([]byte{packed}); err != nil {
			return err
		}
		if err := b.base[RoleAlleleStrings].AppendBytes(nil); err != nil {
			return err
		}
	} else {
		if err := b.base[RoleRefAlt].AppendStruct([]byte{refAltEscape}); err != nil {
			return err
		}
		buf := marshalAlleleStrings(v.Alleles)
		if err := b.base[RoleAlleleStrings].AppendBytes(buf); err != nil {
			return err
		}
	}

	if err := b.base[RoleName].AppendBytes([]byte(v.Name)); err != nil {
		return err
	}
	if err := b.base[RoleController].AppendUints([]uint64{uint64(ctrl)}); err != nil {
		return err
	}

	filterPattern := b.FilterDict.AddPattern(v.Filters)
	if err := b.base[RoleFilterPatternID].AppendInts([]int64{int64(filterPattern)}); err != nil {
		return err
	}

	infoGlobals := make([]int32, 0, len(v.Info))
	for _, f := range v.Info {
		infoGlobals = append(infoGlobals, f.GlobalID)
		if err := b.appendInfo(f); err != nil {
			return err
		}
	}
	infoPattern := b.InfoDict.AddPattern(infoGlobals)
	if err := b.base[RoleInfoPatternID].AppendInts([]int64{int64(infoPattern)}); err != nil {
		return err
	}

	formatGlobals := make([]int32, 0, len(v.Format))
	ploidy := 2
	gtf, hasGT := v.gtField()
	for _, f := range v.Format {
		if f.GlobalID == GTGlobalID {
			continue
		}
		formatGlobals = append(formatGlobals, f.GlobalID)
		if err := b.appendFormat(f); err != nil {
			return err
		}
	}
	formatPattern := b.FormatDict.AddPattern(formatGlobals)
	if err := b.base[RoleFormatPatternID].AppendInts([]int64{int64(formatPattern)}); err != nil {
		return err
	}

	if hasGT {
		b.pendingGT = append(b.pendingGT, gtf.GT)
		nAlleles := gtf.GTNAlleles
		if nAlleles == 0 {
			nAlleles = len(v.Alleles)
		}
		b.pendingNAlleles = append(b.pendingNAlleles, nAlleles)
		for _, c := range gtf.GT {
			if c.Haploid {
				ploidy = 1
			}
		}
	} else {
		b.pendingGT = append(b.pendingGT, nil)
		b.pendingNAlleles = append(b.pendingNAlleles, len(v.Alleles))
	}
	if err := b.base[RolePloidy].AppendUints([]uint64{uint64(ploidy)}); err != nil {
		return err
	}

	end := v.End
	if end < v.Position {
		end = v.Position
	}
	b.nVariants++
	if b.nVariants == 1 {
		b.Header.MinPos = v.Position
		b.Header.MaxPos = end
	} else {
		if v.Position < b.Header.MinPos {
			b.Header.MinPos = v.Position
		}
		if end > b.Header.MaxPos {
			b.Header.MaxPos = end
		}
	}
	return nil
}

func marshalAlleleStrings(alleles []string) []byte {
	var buf []byte
	for _, a := range alleles {
		n := len(a)
		switch {
		case n < 1<<8:
			buf = append(buf, byte(n))
		default:
			buf = append(buf, 0xFF, byte(n), byte(n>>8))
		}
		buf = append(buf, a...)
	}
	return buf
}

func (b *Block) infoContainer(f InfoValue) *container.Container {
	if local, ok := b.InfoDict.LocalOf(f.GlobalID); ok {
		return b.InfoStreams[local]
	}
	b.InfoDict.AddStream(f.GlobalID)
	var c *container.Container
	if f.Tag == container.Struct || f.Tag == container.Char {
		c = container.NewCharContainer(f.GlobalID)
	} else {
		c = container.NewContainer(f.GlobalID, f.Tag)
	}
	b.InfoStreams = append(b.InfoStreams, c)
	return c
}

func (b *Block) appendInfo(f InfoValue) error {
	c := b.infoContainer(f)
	switch {
	case f.Tag == container.Boolean:
		// A flag-type INFO field carries no value; its mere presence
		// in the pattern is the payload, but the stream must still
		// record one element for each variant that carries it.
		return c.AppendUints([]uint64{1})
	case len(f.Ints) > 0:
		return c.AppendInts(f.Ints)
	case len(f.Floats) > 0:
		return c.AppendFloats(f.Floats)
	default:
		return c.AppendBytes(f.Bytes)
	}
}

func (b *Block) formatContainer(f FormatValue) *container.Container {
	if local, ok := b.FormatDict.LocalOf(f.GlobalID); ok {
		return b.FormatStreams[local]
	}
	b.FormatDict.AddStream(f.GlobalID)
	c := container.NewContainer(f.GlobalID, f.Tag)
	b.FormatStreams = append(b.FormatStreams, c)
	return c
}

func (b *Block) appendFormat(f FormatValue) error {
	c := b.formatContainer(f)
	switch {
	case len(f.PerSample) > 0:
		flat := make([]int64, 0, len(f.PerSample)*len(f.PerSample[0]))
		for _, s := range f.PerSample {
			flat = append(flat, s...)
		}
		return c.AppendInts(flat)
	case len(f.PerFloats) > 0:
		flat := make([]float64, 0, len(f.PerFloats)*len(f.PerFloats[0]))
		for _, s := range f.PerFloats {
			flat = append(flat, s...)
		}
		return c.AppendFloats(flat)
	default:
		return nil
	}
}

// gtSupportWidth is the fixed byte width of one genotype-support record:
// [form:1][word width:1][shift:1][flags:1][n_alleles:2][word count:2].
const gtSupportWidth = 8

const (
	supportFlagAdd byte = 1 << iota
	supportFlagAnyMissing
	supportFlagMixedPloidy
	supportFlagUniformPhase
)

func marshalSupport(e gt.Encoded) []byte {
	var flags byte
	if e.Add == 1 {
		flags |= supportFlagAdd
	}
	if e.AnyMissing {
		flags |= supportFlagAnyMissing
	}
	if e.MixedPloidy {
		flags |= supportFlagMixedPloidy
	}
	if e.UniformPhase {
		flags |= supportFlagUniformPhase
	}
	wordCount := 0
	if e.WordWidth > 0 {
		wordCount = len(e.Data) / e.WordWidth
	}
	buf := make([]byte, gtSupportWidth)
	buf[0] = byte(e.Form)
	buf[1] = byte(e.WordWidth)
	buf[2] = byte(e.Shift)
	buf[3] = flags
	buf[4] = byte(e.NAlleles)
	buf[5] = byte(e.NAlleles >> 8)
	buf[6] = byte(wordCount)
	buf[7] = byte(wordCount >> 8)
	return buf
}

func unmarshalSupport(buf []byte, nSamples int) gt.Encoded {
	flags := buf[3]
	return gt.Encoded{
		Form:         gt.Form(buf[0]),
		WordWidth:    int(buf[1]),
		Shift:        int(buf[2]),
		Add:          boolToInt(flags&supportFlagAdd != 0),
		AnyMissing:   flags&supportFlagAnyMissing != 0,
		MixedPloidy:  flags&supportFlagMixedPloidy != 0,
		UniformPhase: flags&supportFlagUniformPhase != 0,
		NAlleles:     int(buf[4]) | int(buf[5])<<8,
		NSamples:     nSamples,
	}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// narrowestUnsignedWidth mirrors container's own helper for external
// callers packing raw permutation/support bytes.
func narrowestUnsignedWidth(max uint64) int {
	switch {
	case max < 1<<8:
		return 1
	case max < 1<<16:
		return 2
	case max < 1<<32:
		return 4
	default:
		return 8
	}
}

// Finalize runs the permutation engine and genotype encoder over the
// block's staged genotype matrix, compresses every container, optionally
// AEAD-encrypts them recording key material into kc, and rebuilds the
// C5 bit-vectors to their final width. It must be called exactly once,
// after the block's last AppendVariant.
func (b *Block) Finalize(blockID int64, cfg FinalizeConfig, kc *keychain.Keychain) error {
	if b.finalized {
		return tachyonerr.New(tachyonerr.InputMalformed, "block %d: finalize called twice", blockID)
	}
	b.finalized = true

	hasGT := false
	for _, calls := range b.pendingGT {
		if calls != nil {
			hasGT = true
			break
		}
	}

	if hasGT {
		b.Header.Controller |= ControllerHasGT
		if b.sampleCount > 1 && cfg.PermuteGenotypes {
			b.permutation = gt.ComputePermutation(b.pendingGT)
			b.Header.Controller |= ControllerHasGTPermuted
		} else {
			b.permutation = make([]int, b.sampleCount)
			for i := range b.permutation {
				b.permutation[i] = i
			}
		}

		if b.sampleCount > 1 {
			w := narrowestUnsignedWidth(uint64(b.sampleCount - 1))
			b.base[RoleGTPPA].ElemWidth = w
			vals := make([]uint64, b.sampleCount)
			for i, p := range b.permutation {
				vals[i] = uint64(p)
			}
			if err := b.base[RoleGTPPA].AppendUints(vals); err != nil {
				return err
			}
		}

		for i, calls := range b.pendingGT {
			if calls == nil {
				if err := b.base[RoleGTRLE].AppendStruct(nil); err != nil {
					return err
				}
				if err := b.base[RoleGTSimple].AppendStruct(nil); err != nil {
					return err
				}
				if err := b.base[RoleGTSupport].AppendStruct(make([]byte, gtSupportWidth)); err != nil {
					return err
				}
				continue
			}
			permuted := gt.Apply(b.permutation, calls)
			enc, err := gt.Encode(permuted, b.pendingNAlleles[i])
			if err != nil {
				pos := b.base[RolePosition].DecodeInts(b.base[RolePosition].RecordBytes(i))[0]
				return tachyonerr.WithLocus(tachyonerr.InputMalformed, "", pos, "block %d: %v", blockID, err)
			}
			switch enc.Form {
			case gt.RLE:
				if err := b.base[RoleGTRLE].AppendStruct(enc.Data); err != nil {
					return err
				}
				if err := b.base[RoleGTSimple].AppendStruct(nil); err != nil {
					return err
				}
			case gt.Simple:
				if err := b.base[RoleGTSimple].AppendStruct(enc.Data); err != nil {
					return err
				}
				if err := b.base[RoleGTRLE].AppendStruct(nil); err != nil {
					return err
				}
			}
			if err := b.base[RoleGTSupport].AppendStruct(marshalSupport(enc)); err != nil {
				return err
			}
		}
	}

	b.InfoDict.RebuildBitVectors()
	b.FormatDict.RebuildBitVectors()
	b.FilterDict.RebuildBitVectors()

	b.Header.NVariants = uint32(b.nVariants)

	for _, c := range b.allContainers() {
		c.MarkUniformIfConstant()
		c.NarrowStrides()
	}

	for i, c := range b.allContainers() {
		if err := codec.Compress(c, cfg.CompressionLevel); err != nil {
			return err
		}
		if cfg.EncryptData {
			key := make([]byte, chacha20poly1305.KeySize)
			iv := make([]byte, chacha20poly1305.NonceSize)
			if _, err := rand.Read(key); err != nil {
				return tachyonerr.New(tachyonerr.IO, "block %d: generate key: %v", blockID, err)
			}
			if _, err := rand.Read(iv); err != nil {
				return tachyonerr.New(tachyonerr.IO, "block %d: generate iv: %v", blockID, err)
			}
			if err := codec.Encrypt(c, key, iv, blockID, i); err != nil {
				return err
			}
			kc.Put(blockID, int32(i), keychain.Entry{Key: key, IV: iv})
			b.Header.Controller |= ControllerAnyEncrypted
		}
	}

	b.Header.BlockHash = uint64(blockID)
	return nil
}

// FinalizeConfig carries the subset of the builder configuration that
// Finalize needs.
type FinalizeConfig struct {
	PermuteGenotypes bool
	EncryptData      bool
	CompressionLevel int
}

// allContainers returns every container in the block in fixed on-disk
// order: base containers by role, then dynamic info streams, then
// dynamic format streams.
func (b *Block) allContainers() []*container.Container {
	out := make([]*container.Container, 0, int(nRoles)+len(b.InfoStreams)+len(b.FormatStreams))
	for _, c := range b.base {
		out = append(out, c)
	}
	out = append(out, b.InfoStreams...)
	out = append(out, b.FormatStreams...)
	return out
}

// AllContainers exposes allContainers for the writer and reader.
func (b *Block) AllContainers() []*container.Container { return b.allContainers() }
