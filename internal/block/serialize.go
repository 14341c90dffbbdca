// Copyright ©2020 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package block

import (
	"encoding/binary"

	"github.com/golang/snappy"

	"github.com/kortschak/tachyon/internal/codec"
	"github.com/kortschak/tachyon/internal/container"
	"github.com/kortschak/tachyon/internal/tachyonerr"
)

const headerWidth = 4 + 8 + 2 + 4 + 8 + 8 + 4

func marshalHeader(h Header) []byte {
	buf := make([]byte, headerWidth)
	binary.LittleEndian.PutUint32(buf[0:4], h.FooterOffsetRel)
	binary.LittleEndian.PutUint64(buf[4:12], h.BlockHash)
	binary.LittleEndian.PutUint16(buf[12:14], h.Controller)
	binary.LittleEndian.PutUint32(buf[14:18], uint32(h.Contig))
	binary.LittleEndian.PutUint64(buf[18:26], uint64(h.MinPos))
	binary.LittleEndian.PutUint64(buf[26:34], uint64(h.MaxPos))
	binary.LittleEndian.PutUint32(buf[34:38], h.NVariants)
	return buf
}

func unmarshalHeader(buf []byte) (Header, error) {
	if len(buf) < headerWidth {
		return Header{}, tachyonerr.New(tachyonerr.Truncated, "block: short header")
	}
	return Header{
		FooterOffsetRel: binary.LittleEndian.Uint32(buf[0:4]),
		BlockHash:       binary.LittleEndian.Uint64(buf[4:12]),
		Controller:      binary.LittleEndian.Uint16(buf[12:14]),
		Contig:          int32(binary.LittleEndian.Uint32(buf[14:18])),
		MinPos:          int64(binary.LittleEndian.Uint64(buf[18:26])),
		MaxPos:          int64(binary.LittleEndian.Uint64(buf[26:34])),
		NVariants:       binary.LittleEndian.Uint32(buf[34:38]),
	}, nil
}

// streamCatalogEntry is one container's footer-resident record: the
// byte range (relative to the start of the block body, i.e. right
// after the block header) of its marshalled bytes, duplicated here so
// a selective reader can seek straight to a wanted container without
// parsing every preceding one.
type streamCatalogEntry struct {
	GlobalID int32
	Offset   uint32
	Length   uint32
	// NRecords is the number of logical records actually appended to
	// this container, which for a dynamic INFO/FORMAT stream is the
	// number of variants that carried it (an occurrence count), not
	// the block's total variant count.
	NRecords uint32
}

// dictSnapshot is the serialised form of one C5 Dictionary: the local
// id -> global id table and the interned patterns, each as a bit-vector
// plus its sorted global-id vector (kept alongside the bits so a
// collision-resistant re-hash is unnecessary on read).
type dictSnapshot struct {
	globals  []int32
	patterns []Pattern
}

func snapshotDict(d *Dictionary) dictSnapshot {
	return dictSnapshot{globals: append([]int32(nil), d.globals...), patterns: d.patterns}
}

func marshalDict(d dictSnapshot) []byte {
	var buf []byte
	var tmp [4]byte
	put32 := func(v int32) {
		binary.LittleEndian.PutUint32(tmp[:], uint32(v))
		buf = append(buf, tmp[:]...)
	}
	put32(int32(len(d.globals)))
	for _, g := range d.globals {
		put32(g)
	}
	put32(int32(len(d.patterns)))
	for _, p := range d.patterns {
		put32(int32(len(p.Globals)))
		for _, g := range p.Globals {
			put32(g)
		}
		put32(int32(len(p.Bits)))
		buf = append(buf, p.Bits...)
	}
	return buf
}

func unmarshalDict(buf []byte) (dictSnapshot, int, error) {
	read32 := func(off int) (int32, error) {
		if off+4 > len(buf) {
			return 0, tachyonerr.New(tachyonerr.Truncated, "block footer: short dictionary")
		}
		return int32(binary.LittleEndian.Uint32(buf[off:])), nil
	}
	off := 0
	n, err := read32(off)
	if err != nil {
		return dictSnapshot{}, 0, err
	}
	off += 4
	d := dictSnapshot{}
	for i := int32(0); i < n; i++ {
		g, err := read32(off)
		if err != nil {
			return dictSnapshot{}, 0, err
		}
		off += 4
		d.globals = append(d.globals, g)
	}
	np, err := read32(off)
	if err != nil {
		return dictSnapshot{}, 0, err
	}
	off += 4
	for i := int32(0); i < np; i++ {
		ng, err := read32(off)
		if err != nil {
			return dictSnapshot{}, 0, err
		}
		off += 4
		var globals []int32
		for j := int32(0); j < ng; j++ {
			g, err := read32(off)
			if err != nil {
				return dictSnapshot{}, 0, err
			}
			off += 4
			globals = append(globals, g)
		}
		nb, err := read32(off)
		if err != nil {
			return dictSnapshot{}, 0, err
		}
		off += 4
		if off+int(nb) > len(buf) {
			return dictSnapshot{}, 0, tachyonerr.New(tachyonerr.Truncated, "block footer: short pattern bits")
		}
		bits := append([]byte(nil), buf[off:off+int(nb)]...)
		off += int(nb)
		d.patterns = append(d.patterns, Pattern{Globals: globals, Bits: bits})
	}
	return d, off, nil
}

// footer is C2's footer (§3, §4.2): the three C5 dictionaries plus the
// per-container stream catalog that lets ReadBody seek directly to a
// selected container.
type footer struct {
	Info, Format, Filter dictSnapshot
	Streams              []streamCatalogEntry
}

func marshalFooter(f footer) []byte {
	var buf []byte
	for _, d := range []dictSnapshot{f.Info, f.Format, f.Filter} {
		b := marshalDict(d)
		var lenBuf [4]byte
		binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(b)))
		buf = append(buf, lenBuf[:]...)
		buf = append(buf, b...)
	}
	var nBuf [4]byte
	binary.LittleEndian.PutUint32(nBuf[:], uint32(len(f.Streams)))
	buf = append(buf, nBuf[:]...)
	for _, s := range f.Streams {
		var rec [16]byte
		binary.LittleEndian.PutUint32(rec[0:4], uint32(s.GlobalID))
		binary.LittleEndian.PutUint32(rec[4:8], s.Offset)
		binary.LittleEndian.PutUint32(rec[8:12], s.Length)
		binary.LittleEndian.PutUint32(rec[12:16], s.NRecords)
		buf = append(buf, rec[:]...)
	}
	return buf
}

func unmarshalFooter(buf []byte) (footer, error) {
	var f footer
	off := 0
	dicts := make([]*dictSnapshot, 3)
	dicts[0], dicts[1], dicts[2] = &f.Info, &f.Format, &f.Filter
	for _, d := range dicts {
		if off+4 > len(buf) {
			return footer{}, tachyonerr.New(tachyonerr.Truncated, "block footer: short dictionary length")
		}
		n := int(binary.LittleEndian.Uint32(buf[off:]))
		off += 4
		if off+n > len(buf) {
			return footer{}, tachyonerr.New(tachyonerr.Truncated, "block footer: dictionary overruns footer")
		}
		snap, _, err := unmarshalDict(buf[off : off+n])
		if err != nil {
			return footer{}, err
		}
		*d = snap
		off += n
	}
	if off+4 > len(buf) {
		return footer{}, tachyonerr.New(tachyonerr.Truncated, "block footer: short stream count")
	}
	nStreams := int(binary.LittleEndian.Uint32(buf[off:]))
	off += 4
	for i := 0; i < nStreams; i++ {
		if off+16 > len(buf) {
			return footer{}, tachyonerr.New(tachyonerr.Truncated, "block footer: short stream catalog entry")
		}
		f.Streams = append(f.Streams, streamCatalogEntry{
			GlobalID: int32(binary.LittleEndian.Uint32(buf[off:])),
			Offset:   binary.LittleEndian.Uint32(buf[off+4:]),
			Length:   binary.LittleEndian.Uint32(buf[off+8:]),
			NRecords: binary.LittleEndian.Uint32(buf[off+12:]),
		})
		off += 16
	}
	return f, nil
}

// Write serialises the finalized block: the fixed-size header, every
// container in fixed on-disk order, and the compressed footer, per §6's
// archive layout. It returns the full byte range written.
func (b *Block) Write() ([]byte, error) {
	if !b.finalized {
		return nil, tachyonerr.New(tachyonerr.InputMalformed, "block: write before finalize")
	}

	containers := b.allContainers()
	var body []byte
	streams := make([]streamCatalogEntry, 0, len(containers))
	for _, c := range containers {
		start := uint32(len(body))
		enc := c.Marshal()
		body = append(body, enc...)
		streams = append(streams, streamCatalogEntry{GlobalID: c.GlobalID, Offset: start, Length: uint32(len(enc)), NRecords: uint32(c.NumRecords())})
	}

	f := footer{
		Info:    snapshotDict(b.InfoDict),
		Format:  snapshotDict(b.FormatDict),
		Filter:  snapshotDict(b.FilterDict),
		Streams: streams,
	}
	footerPlain := marshalFooter(f)
	footerBytes := snappy.Encode(nil, footerPlain)

	b.Header.FooterOffsetRel = uint32(len(body))
	out := make([]byte, 0, headerWidth+len(body)+4+len(footerBytes))
	out = append(out, marshalHeader(b.Header)...)
	out = append(out, body...)
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(footerBytes)))
	out = append(out, lenBuf[:]...)
	out = append(out, footerBytes...)
	return out, nil
}

// ReadHeaderFooter parses a block's header and footer out of buf, which
// must hold at least the full block as produced by Write. It returns a
// Block with its dictionaries and stream catalog populated, ready for
// ReadBody, but with no container data yet loaded.
func ReadHeaderFooter(buf []byte, sampleCount int) (*Block, footer, error) {
	h, err := unmarshalHeader(buf)
	if err != nil {
		return nil, footer{}, err
	}
	bodyStart := headerWidth
	footerLenOff := bodyStart + int(h.FooterOffsetRel)
	if footerLenOff+4 > len(buf) {
		return nil, footer{}, tachyonerr.New(tachyonerr.Truncated, "block %d: footer offset out of range", h.BlockHash)
	}
	flen := int(binary.LittleEndian.Uint32(buf[footerLenOff:]))
	footerStart := footerLenOff + 4
	if footerStart+flen > len(buf) {
		return nil, footer{}, tachyonerr.New(tachyonerr.Truncated, "block %d: footer overruns buffer", h.BlockHash)
	}
	plain, err := snappy.Decode(nil, buf[footerStart:footerStart+flen])
	if err != nil {
		return nil, footer{}, tachyonerr.WithBlock(tachyonerr.Integrity, int64(h.BlockHash), -1, "decompress footer: %v", err)
	}
	f, err := unmarshalFooter(plain)
	if err != nil {
		return nil, footer{}, err
	}

	b := &Block{Header: h, finalized: true, sampleCount: sampleCount}
	b.InfoDict = dictFromSnapshot(f.Info)
	b.FormatDict = dictFromSnapshot(f.Format)
	b.FilterDict = dictFromSnapshot(f.Filter)
	b.nVariants = int(h.NVariants)
	return b, f, nil
}

func dictFromSnapshot(s dictSnapshot) *Dictionary {
	d := NewDictionary()
	for _, g := range s.globals {
		d.AddStream(g)
	}
	d.patterns = s.patterns
	return d
}

// Selection chooses which of a block's containers ReadBody should
// materialise.
type Selection struct {
	// All, if true, loads every container regardless of GlobalIDs.
	All bool
	// GlobalIDs, when All is false, is the explicit set of dynamic
	// info/format global ids to load. Base containers are always
	// loaded: a variant cannot be reconstructed without them.
	GlobalIDs map[int32]bool
}

// wants reports whether sel selects globalID for loading: either "all"
// is set, or globalID is named explicitly.
func (sel Selection) wants(globalID int32) bool {
	if sel.All {
		return true
	}
	return sel.GlobalIDs[globalID]
}

// ReadBody loads the containers selected by sel out of buf (the same
// byte range passed to ReadHeaderFooter), decompresses and, if
// decryptor is non-nil, decrypts them, and attaches them to b in the
// fixed roles and InfoStreams/FormatStreams slots ReadHeaderFooter's
// dictionaries describe.
func (b *Block) ReadBody(buf []byte, f footer, sel Selection, level int, decryptor Decryptor) error {
	bodyStart := headerWidth
	nInfo := len(b.InfoDict.globals)
	nFormat := len(b.FormatDict.globals)
	total := int(nRoles) + nInfo + nFormat
	if len(f.Streams) != total {
		return tachyonerr.WithBlock(tachyonerr.Truncated, int64(b.Header.BlockHash), -1, "stream catalog has %d entries, want %d", len(f.Streams), total)
	}

	load := func(localID int, wanted bool) (*container.Container, error) {
		if !wanted {
			return nil, nil
		}
		s := f.Streams[localID]
		if bodyStart+int(s.Offset)+int(s.Length) > len(buf) {
			return nil, tachyonerr.WithBlock(tachyonerr.Truncated, int64(b.Header.BlockHash), localID, "stream %d overruns buffer", localID)
		}
		raw := buf[bodyStart+int(s.Offset) : bodyStart+int(s.Offset)+int(s.Length)]
		c, _, err := container.Unmarshal(raw)
		if err != nil {
			return nil, err
		}
		if c.Encrypted {
			if decryptor == nil {
				return nil, tachyonerr.WithBlock(tachyonerr.Integrity, int64(b.Header.BlockHash), localID, "block is encrypted but no keychain was supplied")
			}
			key, iv, ok := decryptor.Key(b.Header.BlockHash, localID)
			if !ok {
				return nil, tachyonerr.WithBlock(tachyonerr.Integrity, int64(b.Header.BlockHash), localID, "no keychain entry for container")
			}
			if err := codec.Decrypt(c, key, iv, int64(b.Header.BlockHash), localID); err != nil {
				return nil, err
			}
		}
		if err := codec.Decompress(c, level); err != nil {
			return nil, err
		}
		if err := c.DecodeStrides(int(s.NRecords)); err != nil {
			return nil, err
		}
		c.SetRecordCount(int(s.NRecords))
		return c, nil
	}

	for r := Role(0); r < nRoles; r++ {
		c, err := load(int(r), true)
		if err != nil {
			return err
		}
		b.base[r] = c
	}
	b.InfoStreams = make([]*container.Container, nInfo)
	for i := 0; i < nInfo; i++ {
		globalID := b.InfoDict.globals[i]
		c, err := load(int(nRoles)+i, sel.wants(globalID))
		if err != nil {
			return err
		}
		b.InfoStreams[i] = c
	}
	b.FormatStreams = make([]*container.Container, nFormat)
	for i := 0; i < nFormat; i++ {
		globalID := b.FormatDict.globals[i]
		c, err := load(int(nRoles)+nInfo+i, sel.wants(globalID))
		if err != nil {
			return err
		}
		b.FormatStreams[i] = c
	}
	return nil
}

// Decryptor resolves the key material for one container of one block,
// the read-side counterpart of internal/keychain.Keychain.Get.
type Decryptor interface {
	Key(blockHash uint64, localID int) (key, iv []byte, ok bool)
}
