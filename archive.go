// Copyright ©2020 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package tachyon is a columnar storage engine for cohort-scale
// variant-call data. It ingests a stream of variant records from an
// external VCF source and emits a self-describing, block-structured
// archive that supports selective random access by genomic interval
// and by field identifier.
//
// Build drives the concurrent ingestion pipeline (internal/pipeline)
// that turns a VCF stream into an archive; Open drives the reader
// (internal/block, internal/index) that turns an archive back into
// variant records.
package tachyon

import (
	"bufio"
	"context"
	"encoding/binary"
	"io"
	"os"
	"runtime"
	"sync"

	"github.com/kortschak/tachyon/internal/block"
	"github.com/kortschak/tachyon/internal/checksum"
	"github.com/kortschak/tachyon/internal/index"
	"github.com/kortschak/tachyon/internal/keychain"
	"github.com/kortschak/tachyon/internal/pipeline"
	"github.com/kortschak/tachyon/internal/tachyonerr"
	"github.com/kortschak/tachyon/internal/vcfio"
)

// Magic identifies a tachyon archive file.
var Magic = [8]byte{'T', 'Y', 'O', 'N', '\x01', '\x00', '\x00', '\x00'}

// MagicTail is appended as the final bytes of the archive so that
// truncation is detectable without scanning the whole file.
var MagicTail = [8]byte{'T', 'Y', 'O', 'N', 'E', 'N', 'D', '\x00'}

// Config is the builder configuration of §6.
type Config struct {
	InputPath    string
	OutputPrefix string
	Verbose      bool

	PermuteGenotypes bool
	EncryptData      bool

	CheckpointNVariants int
	CheckpointBases     int64

	WorkerThreads              int
	CodecThreadsForExternalVCF int
	CompressionLevel           int

	// InfoEndKey and InfoSVLenKey are the external VCF INFO field names
	// of the optional END and SVLEN annotations, consulted when indexing
	// structural variants whose true extent is not REF/ALT length.
	InfoEndKey   string
	InfoSVLenKey string
}

// DefaultConfig returns a Config with every field at its spec default.
func DefaultConfig() Config {
	n := runtime.GOMAXPROCS(0)
	codecThreads := n - 1
	if codecThreads < 1 {
		codecThreads = 1
	}
	return Config{
		PermuteGenotypes:           true,
		EncryptData:                false,
		CheckpointNVariants:        1000,
		CheckpointBases:            10_000_000,
		WorkerThreads:              n,
		CodecThreadsForExternalVCF: codecThreads,
		CompressionLevel:           6,
	}
}

// Summary reports the outcome of a Build.
type Summary struct {
	NBlocks   int
	NVariants int64
}

// Build ingests cfg.InputPath as a VCF stream and writes
// cfg.OutputPrefix+".tyon" (the archive) and, if cfg.EncryptData,
// cfg.OutputPrefix+".tyk" (the keychain side file). Progress messages
// are passed to progress if it is non-nil; Build itself does not consult
// cfg.Verbose. Diagnostics are returned as errors per §7.
func Build(ctx context.Context, cfg Config, progress func(string, ...interface{})) (Summary, error) {
	if progress == nil {
		progress = func(string, ...interface{}) {}
	}

	in, err := os.Open(cfg.InputPath)
	if err != nil {
		return Summary{}, tachyonerr.New(tachyonerr.IO, "open input: %v", err)
	}
	defer in.Close()

	src, err := vcfio.Open(bufio.NewReaderSize(in, 1<<20), cfg.CodecThreadsForExternalVCF)
	if err != nil {
		return Summary{}, err
	}
	src.SetStructuralKeys(cfg.InfoEndKey, cfg.InfoSVLenKey)
	header := src.Header()

	outPath := cfg.OutputPrefix + ".tyon"
	out, err := os.Create(outPath)
	if err != nil {
		return Summary{}, tachyonerr.New(tachyonerr.IO, "create %s: %v", outPath, err)
	}
	defer out.Close()
	bw := bufio.NewWriterSize(out, 1<<20)

	schema := schemaFromHeader(header, cfg.CompressionLevel)
	if err := writeSchemaHeader(bw, schema); err != nil {
		return Summary{}, err
	}

	sink := newArchiveSink(bw, schema)
	writer := pipeline.NewWriter(sink)
	kc := keychain.New()

	queue := make(chan pipeline.Batch, cfg.WorkerThreads)
	cctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var firstErr error
	var errOnce sync.Once
	recordErr := func(err error) {
		if err == nil {
			return
		}
		errOnce.Do(func() {
			firstErr = err
			cancel()
		})
	}

	policy := pipeline.CheckpointPolicy{
		MaxVariants: cfg.CheckpointNVariants,
		MaxBases:    cfg.CheckpointBases,
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		progress("reading %s", cfg.InputPath)
		recordErr(pipeline.Produce(cctx, src, policy, queue))
	}()

	nWorkers := cfg.WorkerThreads
	if nWorkers < 1 {
		nWorkers = 1
	}
	buildCfg := pipeline.BuildConfig{
		SampleCount:      len(header.SampleNames),
		PermuteGenotypes: cfg.PermuteGenotypes,
		EncryptData:      cfg.EncryptData,
		CompressionLevel: cfg.CompressionLevel,
	}
	var cwg sync.WaitGroup
	for i := 0; i < nWorkers; i++ {
		cwg.Add(1)
		consumer := pipeline.NewConsumer(buildCfg, kc)
		go func() {
			defer cwg.Done()
			recordErr(consumer.Run(cctx, queue, writer))
		}()
	}

	wg.Wait()
	cwg.Wait()
	writer.Close()
	if err := writer.Err(); err != nil {
		recordErr(err)
	}
	if firstErr != nil {
		return Summary{}, firstErr
	}

	progress("wrote %d block(s), %d variant(s)", sink.ix.Len(), sink.nVariants)
	if err := writeEOFRegion(bw, sink.ix, sink.ck); err != nil {
		return Summary{}, err
	}
	if err := bw.Flush(); err != nil {
		return Summary{}, tachyonerr.New(tachyonerr.IO, "flush %s: %v", outPath, err)
	}

	if cfg.EncryptData {
		kcPath := cfg.OutputPrefix + ".tyk"
		if err := kc.Save(kcPath); err != nil {
			return Summary{}, err
		}
	}

	return Summary{NBlocks: sink.ix.Len(), NVariants: sink.nVariants}, nil
}

func writeSchemaHeader(w io.Writer, s Schema) error {
	compressed, uncompressedLen, err := marshalSchema(s)
	if err != nil {
		return err
	}
	if _, err := w.Write(Magic[:]); err != nil {
		return tachyonerr.New(tachyonerr.IO, "write magic: %v", err)
	}
	var lens [8]byte
	binary.LittleEndian.PutUint32(lens[0:4], uint32(uncompressedLen))
	binary.LittleEndian.PutUint32(lens[4:8], uint32(len(compressed)))
	if _, err := w.Write(lens[:]); err != nil {
		return tachyonerr.New(tachyonerr.IO, "write header lengths: %v", err)
	}
	if _, err := w.Write(compressed); err != nil {
		return tachyonerr.New(tachyonerr.IO, "write header: %v", err)
	}
	return nil
}

// writeEOFRegion appends the variant index, the checksum table, and the
// fixed trailer described in §6's "EOF region", in that order.
func writeEOFRegion(w io.Writer, ix *index.Index, ck *checksum.Table) error {
	ixBytes := ix.Marshal()
	ckBytes := ck.Marshal()
	if _, err := w.Write(ixBytes); err != nil {
		return tachyonerr.New(tachyonerr.IO, "write index: %v", err)
	}
	if _, err := w.Write(ckBytes); err != nil {
		return tachyonerr.New(tachyonerr.IO, "write checksum table: %v", err)
	}
	var trailer [8 + 8 + 8]byte
	binary.LittleEndian.PutUint64(trailer[0:8], uint64(len(ixBytes)))
	binary.LittleEndian.PutUint64(trailer[8:16], uint64(len(ckBytes)))
	copy(trailer[16:24], MagicTail[:])
	if _, err := w.Write(trailer[:]); err != nil {
		return tachyonerr.New(tachyonerr.IO, "write trailer: %v", err)
	}
	return nil
}

const trailerWidth = 8 + 8 + 8

// archiveSink implements pipeline.Sink: the Writer calls it only while
// holding its own mutex, from whichever consumer goroutine is draining,
// so calls never overlap and it owns its offset counter and index
// builder without needing its own lock.
type archiveSink struct {
	w         io.Writer
	offset    int64
	ix        *index.Index
	ck        *checksum.Table
	binners   map[int32]index.Binner
	schema    Schema
	nVariants int64
}

func newArchiveSink(w io.Writer, schema Schema) *archiveSink {
	s := &archiveSink{
		w:       w,
		ix:      index.New(),
		ck:      &checksum.Table{},
		binners: make(map[int32]index.Binner),
		schema:  schema,
	}
	for i, c := range schema.Contigs {
		s.binners[int32(i)] = index.NewBinner(c.Length)
	}
	return s
}

func (s *archiveSink) binnerFor(contig int32) index.Binner {
	b, ok := s.binners[contig]
	if !ok {
		b = index.NewBinner(1 << 20)
		s.binners[contig] = b
	}
	return b
}

// WriteBlock serialises blk, writes it to the archive, and records its
// variant-index and checksum-table entries.
func (s *archiveSink) WriteBlock(blockID int64, blk *block.Block) error {
	data, err := blk.Write()
	if err != nil {
		return err
	}
	begin := s.offset
	n, err := s.w.Write(data)
	if err != nil {
		return tachyonerr.New(tachyonerr.IO, "write block %d: %v", blockID, err)
	}
	s.offset += int64(n)

	binner := s.binnerFor(blk.Header.Contig)
	s.ix.Add(index.Entry{
		BlockID:         blockID,
		Contig:          blk.Header.Contig,
		MinPos:          blk.Header.MinPos,
		MaxPos:          blk.Header.MaxPos,
		NVariants:       blk.Header.NVariants,
		ByteOffsetBegin: uint64(begin),
		ByteOffsetEnd:   uint64(s.offset),
		MinBin:          binner.Bin(blk.Header.MinPos),
		MaxBin:          binner.Bin(blk.Header.MaxPos),
	})
	s.ck.Add(blockID, data)
	s.nVariants += int64(blk.Header.NVariants)
	return nil
}

