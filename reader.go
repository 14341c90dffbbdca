// Copyright ©2020 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package tachyon

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"strconv"
	"strings"

	mmap "github.com/edsrzf/mmap-go"

	"github.com/kortschak/tachyon/internal/block"
	"github.com/kortschak/tachyon/internal/checksum"
	"github.com/kortschak/tachyon/internal/index"
	"github.com/kortschak/tachyon/internal/keychain"
	"github.com/kortschak/tachyon/internal/tachyonerr"
)

// Reader is the inverse of Build: it mmaps an archive written by Build,
// validates its framing, and yields blocks either sequentially or by
// interval query against the variant index.
type Reader struct {
	f    *os.File
	data mmap.MMap

	Schema    Schema
	index     *index.Index
	checksums *checksum.Table
	kc        *keychain.Keychain

	dataStart int64
	order     []index.Entry // file order, for NextBlock
	cursor    int
}

// Open mmaps the archive at path, validating its magic and magic tail,
// and loads its schema, variant index, and checksum table. If the
// archive is encrypted, keychainPath must name the side file Build
// wrote; otherwise pass the empty string.
func Open(path, keychainPath string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, tachyonerr.New(tachyonerr.IO, "open %s: %v", path, err)
	}
	data, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		f.Close()
		return nil, tachyonerr.New(tachyonerr.IO, "mmap %s: %v", path, err)
	}

	r := &Reader{f: f, data: data}
	if err := r.parse(); err != nil {
		data.Unmap()
		f.Close()
		return nil, err
	}

	if keychainPath != "" {
		kc, err := keychain.Load(keychainPath)
		if err != nil {
			data.Unmap()
			f.Close()
			return nil, err
		}
		r.kc = kc
	}
	return r, nil
}

func (r *Reader) parse() error {
	buf := []byte(r.data)
	if len(buf) < len(Magic)+8+trailerWidth {
		return tachyonerr.New(tachyonerr.Truncated, "archive shorter than minimum framing")
	}
	if !bytes.Equal(buf[:len(Magic)], Magic[:]) {
		return tachyonerr.New(tachyonerr.Unsupported, "bad magic")
	}
	if !bytes.Equal(buf[len(buf)-8:], MagicTail[:]) {
		return tachyonerr.New(tachyonerr.Truncated, "missing magic tail")
	}

	off := len(Magic)
	uncompLen := binary.LittleEndian.Uint32(buf[off : off+4])
	compLen := binary.LittleEndian.Uint32(buf[off+4 : off+8])
	off += 8
	if off+int(compLen) > len(buf) {
		return tachyonerr.New(tachyonerr.Truncated, "schema header overruns archive")
	}
	schema, err := unmarshalSchema(buf[off:off+int(compLen)], int(uncompLen))
	if err != nil {
		return err
	}
	r.Schema = schema
	r.dataStart = int64(off + int(compLen))

	trailer := buf[len(buf)-trailerWidth:]
	ixLen := binary.LittleEndian.Uint64(trailer[0:8])
	ckLen := binary.LittleEndian.Uint64(trailer[8:16])

	eofStart := int64(len(buf)) - trailerWidth - int64(ckLen) - int64(ixLen)
	if eofStart < r.dataStart {
		return tachyonerr.New(tachyonerr.Truncated, "EOF region overlaps block data")
	}
	ixBuf := buf[eofStart : eofStart+int64(ixLen)]
	ckBuf := buf[eofStart+int64(ixLen) : eofStart+int64(ixLen)+int64(ckLen)]

	ix, err := index.Unmarshal(ixBuf)
	if err != nil {
		return err
	}
	ck, err := checksum.Unmarshal(ckBuf)
	if err != nil {
		return err
	}
	r.index = ix
	r.checksums = ck
	r.order = ix.Entries()
	return nil
}

// Index exposes the parsed variant index for callers (e.g. the
// package's tests) that want to run their own queries without going
// through NextBlock/SeekToOverlap.
func (r *Reader) Index() *index.Index { return r.index }

// Close unmaps and closes the underlying file.
func (r *Reader) Close() error {
	if err := r.data.Unmap(); err != nil {
		return tachyonerr.New(tachyonerr.IO, "unmap: %v", err)
	}
	return r.f.Close()
}

// BlockSettings chooses which of a block's containers to materialise on
// read, per §6's reader block-settings.
type BlockSettings struct {
	// All loads every INFO/FORMAT container regardless of Fields.
	All bool
	// Fields names INFO/FORMAT fields (by their original VCF id) to
	// load when All is false. Loading a field implicitly loads its
	// dependencies (e.g. genotypes require the permutation array,
	// which is always a fixed base container and so is always
	// loaded).
	Fields []string
	// VerifyChecksum, if true, validates each block's C8 digest before
	// returning it.
	VerifyChecksum bool
}

func (r *Reader) selection(settings BlockSettings) block.Selection {
	if settings.All {
		return block.Selection{All: true}
	}
	ids := make(map[int32]bool, len(settings.Fields))
	for _, name := range settings.Fields {
		if def, ok := r.Schema.InfoByID[name]; ok {
			ids[def.GlobalID] = true
		}
		if def, ok := r.Schema.FormatByID[name]; ok {
			ids[def.GlobalID] = true
		}
	}
	return block.Selection{GlobalIDs: ids}
}

// decryptorAdapter adapts keychain.Keychain's (int64, int32) key to
// block.Decryptor's (uint64, int) key.
type decryptorAdapter struct{ kc *keychain.Keychain }

func (d decryptorAdapter) Key(blockHash uint64, localID int) ([]byte, []byte, bool) {
	e, ok := d.kc.Get(int64(blockHash), int32(localID))
	if !ok {
		return nil, nil, false
	}
	return e.Key, e.IV, true
}

func (r *Reader) decryptor() block.Decryptor {
	if r.kc == nil {
		return nil
	}
	return decryptorAdapter{r.kc}
}

// readAt loads and materialises the block described by e according to
// settings.
func (r *Reader) readAt(e index.Entry, settings BlockSettings) (*block.Block, error) {
	buf := []byte(r.data)
	start := int64(r.dataStart) + int64(e.ByteOffsetBegin)
	end := int64(r.dataStart) + int64(e.ByteOffsetEnd)
	if end > int64(len(buf)) || start < 0 || start > end {
		return nil, tachyonerr.WithBlock(tachyonerr.Truncated, e.BlockID, -1, "block offsets out of range")
	}
	raw := buf[start:end]

	if settings.VerifyChecksum {
		if err := r.checksums.Verify(e.BlockID, raw); err != nil {
			return nil, err
		}
	}

	sampleCount := len(r.Schema.SampleNames)
	blk, f, err := block.ReadHeaderFooter(raw, sampleCount)
	if err != nil {
		return nil, err
	}
	sel := r.selection(settings)
	if err := blk.ReadBody(raw, f, sel, r.Schema.CompressionLevel, r.decryptor()); err != nil {
		return nil, err
	}
	return blk, nil
}

// NextBlock returns the next block in file order, or nil, io.EOF-style
// (a nil block and nil error) once every block has been returned.
// Callers wanting an explicit end-of-archive signal should compare
// against the count returned by Index().Len().
func (r *Reader) NextBlock(settings BlockSettings) (*block.Block, error) {
	if r.cursor >= len(r.order) {
		return nil, nil
	}
	e := r.order[r.cursor]
	r.cursor++
	return r.readAt(e, settings)
}

// Rewind resets NextBlock's cursor to the first block.
func (r *Reader) Rewind() { r.cursor = 0 }

// SeekToOverlap returns the index entries of every block whose position
// range overlaps [p0, p1] on contig, in ascending MinPos order — the
// candidate set a caller then loads one at a time with ReadEntry.
func (r *Reader) SeekToOverlap(contig int32, p0, p1 int64) []index.Entry {
	return r.index.FindOverlaps(contig, p0, p1)
}

// ReadEntry materialises a specific index entry, as returned by
// SeekToOverlap, according to settings.
func (r *Reader) ReadEntry(e index.Entry, settings BlockSettings) (*block.Block, error) {
	return r.readAt(e, settings)
}

// ContigID returns the archive's dense contig id for a VCF contig name.
func (r *Reader) ContigID(name string) (int32, bool) {
	for i, c := range r.Schema.Contigs {
		if c.Name == name {
			return int32(i), true
		}
	}
	return 0, false
}

// Interval is a parsed reader block-settings interval filter.
type Interval struct {
	Contig   string
	HasRange bool
	P0, P1   int64
}

// ParseInterval parses a region string of the form "CONTIG",
// "CONTIG:POS", or "CONTIG:FROM-TO" (whitespace ignored; an inverted
// FROM-TO range is auto-swapped), per §6.
func ParseInterval(s string) (Interval, error) {
	s = strings.Join(strings.Fields(s), "")
	if s == "" {
		return Interval{}, tachyonerr.New(tachyonerr.InputMalformed, "empty interval")
	}
	i := strings.LastIndexByte(s, ':')
	if i < 0 {
		return Interval{Contig: s}, nil
	}
	contig, rng := s[:i], s[i+1:]
	if contig == "" {
		return Interval{}, tachyonerr.New(tachyonerr.InputMalformed, "interval %q: empty contig", s)
	}
	j := strings.IndexByte(rng, '-')
	if j < 0 {
		p, err := strconv.ParseInt(rng, 10, 64)
		if err != nil {
			return Interval{}, tachyonerr.New(tachyonerr.InputMalformed, "interval %q: bad position: %v", s, err)
		}
		return Interval{Contig: contig, HasRange: true, P0: p, P1: p}, nil
	}
	p0, err := strconv.ParseInt(rng[:j], 10, 64)
	if err != nil {
		return Interval{}, tachyonerr.New(tachyonerr.InputMalformed, "interval %q: bad start: %v", s, err)
	}
	p1, err := strconv.ParseInt(rng[j+1:], 10, 64)
	if err != nil {
		return Interval{}, tachyonerr.New(tachyonerr.InputMalformed, "interval %q: bad end: %v", s, err)
	}
	if p1 < p0 {
		p0, p1 = p1, p0
	}
	return Interval{Contig: contig, HasRange: true, P0: p0, P1: p1}, nil
}

func (iv Interval) String() string {
	if !iv.HasRange {
		return iv.Contig
	}
	if iv.P0 == iv.P1 {
		return fmt.Sprintf("%s:%d", iv.Contig, iv.P0)
	}
	return fmt.Sprintf("%s:%d-%d", iv.Contig, iv.P0, iv.P1)
}
