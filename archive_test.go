// Copyright ©2020 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package tachyon_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/kortschak/tachyon"
	"github.com/kortschak/tachyon/internal/block"
	"github.com/kortschak/tachyon/internal/gt"
	"github.com/kortschak/tachyon/internal/tachyonerr"
)

// buildArchive writes vcfText to a temp file, builds an archive from it
// with cfg (already pre-populated via tachyon.DefaultConfig and
// mutated by the caller), and returns the resulting reader. The
// keychain path is passed only when cfg.EncryptData is set; otherwise
// Open gets an empty path, which it accepts for unencrypted archives.
func buildArchive(t *testing.T, vcfText string, mutate func(*tachyon.Config)) (*tachyon.Reader, tachyon.Summary) {
	t.Helper()
	dir := t.TempDir()

	in := filepath.Join(dir, "in.vcf")
	if err := os.WriteFile(in, []byte(vcfText), 0o644); err != nil {
		t.Fatalf("write input vcf: %v", err)
	}
	outPrefix := filepath.Join(dir, "out")

	cfg := tachyon.DefaultConfig()
	cfg.InputPath = in
	cfg.OutputPrefix = outPrefix
	cfg.WorkerThreads = 1
	if mutate != nil {
		mutate(&cfg)
	}

	summary, err := tachyon.Build(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	keychainPath := ""
	if cfg.EncryptData {
		keychainPath = outPrefix + ".tyk"
	}
	r, err := tachyon.Open(outPrefix+".tyon", keychainPath)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { r.Close() })
	return r, summary
}

const s1VCF = `##fileformat=VCFv4.2
##contig=<ID=chr1,length=1000>
#CHROM	POS	ID	REF	ALT	QUAL	FILTER	INFO
chr1	101	.	A	C	.	.	.
`

func TestSingleBiallelicSNV(t *testing.T) {
	r, summary := buildArchive(t, s1VCF, nil)
	if summary.NBlocks != 1 || summary.NVariants != 1 {
		t.Fatalf("summary = %+v, want 1 block, 1 variant", summary)
	}

	blk, err := r.NextBlock(tachyon.BlockSettings{All: true})
	if err != nil {
		t.Fatalf("next block: %v", err)
	}
	if blk == nil {
		t.Fatal("expected one block, got none")
	}
	if blk.Header.NVariants != 1 {
		t.Fatalf("n_variants = %d, want 1", blk.Header.NVariants)
	}
	if blk.Header.Controller&block.ControllerHasGT != 0 {
		t.Fatal("expected has_gt = false")
	}

	variants, err := blk.Reconstruct()
	if err != nil {
		t.Fatalf("reconstruct: %v", err)
	}
	if len(variants) != 1 {
		t.Fatalf("got %d variants, want 1", len(variants))
	}
	v := variants[0]
	if v.Position != 100 {
		t.Fatalf("position = %d, want 100 (0-based)", v.Position)
	}
	if len(v.Alleles) != 2 || v.Alleles[0] != "A" || v.Alleles[1] != "C" {
		t.Fatalf("alleles = %v, want [A C]", v.Alleles)
	}

	entries := r.Index().Entries()
	if len(entries) != 1 {
		t.Fatalf("index has %d entries, want 1", len(entries))
	}
	if entries[0].Contig != 0 || entries[0].MinPos != 100 || entries[0].MaxPos != 100 {
		t.Fatalf("index entry = %+v, want contig=0 min=max=100", entries[0])
	}
}

const s2VCF = `##fileformat=VCFv4.2
##contig=<ID=chr1,length=1000>
##FORMAT=<ID=GT,Number=1,Type=String,Description="Genotype">
#CHROM	POS	ID	REF	ALT	QUAL	FILTER	INFO	FORMAT	a	b	c	d
chr1	11	.	A	C	.	.	.	GT	0|0	0|1	1|0	1|1
chr1	21	.	G	T	.	.	.	GT	0|1	0|1	0|1	0|0
`

func TestDiploidGenotypesWithPermutation(t *testing.T) {
	r, _ := buildArchive(t, s2VCF, func(cfg *tachyon.Config) {
		cfg.CheckpointNVariants = 1000
	})

	blk, err := r.NextBlock(tachyon.BlockSettings{All: true})
	if err != nil {
		t.Fatalf("next block: %v", err)
	}
	if blk.Header.Controller&block.ControllerHasGT == 0 {
		t.Fatal("expected has_gt = true")
	}

	variants, err := blk.Reconstruct()
	if err != nil {
		t.Fatalf("reconstruct: %v", err)
	}
	if len(variants) != 2 {
		t.Fatalf("got %d variants, want 2", len(variants))
	}

	want := [][]gt.Call{
		{{A: 0, B: 0, Phased: true}, {A: 0, B: 1, Phased: true}, {A: 1, B: 0, Phased: true}, {A: 1, B: 1, Phased: true}},
		{{A: 0, B: 1, Phased: true}, {A: 0, B: 1, Phased: true}, {A: 0, B: 1, Phased: true}, {A: 0, B: 0, Phased: true}},
	}
	for i, v := range variants {
		gtField, ok := formatGT(v)
		if !ok {
			t.Fatalf("variant %d: no GT field", i)
		}
		if len(gtField) != 4 {
			t.Fatalf("variant %d: %d calls, want 4", i, len(gtField))
		}
		for s := range gtField {
			if gtField[s].A != want[i][s].A || gtField[s].B != want[i][s].B {
				t.Fatalf("variant %d sample %d: got %+v, want %+v", i, s, gtField[s], want[i][s])
			}
		}
	}

	entries := r.Index().Entries()
	if len(entries) != 1 || entries[0].MinPos != 10 || entries[0].MaxPos != 20 || entries[0].NVariants != 2 {
		t.Fatalf("index entry = %+v, want min=10 max=20 n=2", entries[0])
	}
}

const s3VCF = `##fileformat=VCFv4.2
##contig=<ID=chr1,length=1000>
##FORMAT=<ID=GT,Number=1,Type=String,Description="Genotype">
#CHROM	POS	ID	REF	ALT	QUAL	FILTER	INFO	FORMAT	s0	s1	s2
chr1	6	.	A	C	.	.	.	GT	0/1	1	./.
`

func TestMixedPloidyWithMissing(t *testing.T) {
	r, _ := buildArchive(t, s3VCF, nil)

	blk, err := r.NextBlock(tachyon.BlockSettings{All: true})
	if err != nil {
		t.Fatalf("next block: %v", err)
	}
	variants, err := blk.Reconstruct()
	if err != nil {
		t.Fatalf("reconstruct: %v", err)
	}
	gtField, ok := formatGT(variants[0])
	if !ok || len(gtField) != 3 {
		t.Fatalf("got %v", gtField)
	}
	if gtField[0].A != 0 || gtField[0].B != 1 || gtField[0].Haploid {
		t.Fatalf("sample 0 = %+v, want diploid 0/1", gtField[0])
	}
	if gtField[1].A != 1 || !gtField[1].Haploid {
		t.Fatalf("sample 1 = %+v, want haploid 1", gtField[1])
	}
	if gtField[2].A != gt.AlleleMissing || gtField[2].B != gt.AlleleMissing {
		t.Fatalf("sample 2 = %+v, want missing/missing", gtField[2])
	}
}

func formatGT(v *block.Variant) ([]gt.Call, bool) {
	for _, f := range v.Format {
		if f.GlobalID == block.GTGlobalID {
			return f.GT, true
		}
	}
	return nil, false
}

const s4VCF = `##fileformat=VCFv4.2
##contig=<ID=chr1,length=1000>
##INFO=<ID=DP,Number=1,Type=Integer,Description="Depth">
##INFO=<ID=AF,Number=1,Type=Float,Description="Allele Frequency">
#CHROM	POS	ID	REF	ALT	QUAL	FILTER	INFO
chr1	1	.	A	C	.	.	DP=10;AF=0.5
chr1	2	.	A	C	.	.	DP=20;AF=0.25
chr1	3	.	A	C	.	.	DP=30;AF=0.75
chr1	4	.	A	C	.	.	DP=40
`

func TestInfoPatternInterning(t *testing.T) {
	r, _ := buildArchive(t, s4VCF, nil)

	blk, err := r.NextBlock(tachyon.BlockSettings{All: true})
	if err != nil {
		t.Fatalf("next block: %v", err)
	}
	if blk.InfoDict.NPatterns() != 2 {
		t.Fatalf("n info patterns = %d, want 2", blk.InfoDict.NPatterns())
	}

	if _, ok := blk.InfoDict.LocalOf(r.Schema.InfoByID["DP"].GlobalID); !ok {
		t.Fatal("DP stream not registered")
	}
	if _, ok := blk.InfoDict.LocalOf(r.Schema.InfoByID["AF"].GlobalID); !ok {
		t.Fatal("AF stream not registered")
	}

	variants, err := blk.Reconstruct()
	if err != nil {
		t.Fatalf("reconstruct: %v", err)
	}
	if len(variants[0].Info) != 2 || len(variants[3].Info) != 1 {
		t.Fatalf("record info counts = %d, %d, want 2, 1", len(variants[0].Info), len(variants[3].Info))
	}
}

func TestEncryptedBlockRoundTrip(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "in.vcf")
	if err := os.WriteFile(in, []byte(s2VCF), 0o644); err != nil {
		t.Fatalf("write input vcf: %v", err)
	}
	outPrefix := filepath.Join(dir, "out")

	cfg := tachyon.DefaultConfig()
	cfg.InputPath = in
	cfg.OutputPrefix = outPrefix
	cfg.WorkerThreads = 1
	cfg.EncryptData = true

	if _, err := tachyon.Build(context.Background(), cfg, nil); err != nil {
		t.Fatalf("build: %v", err)
	}

	rNoKey, err := tachyon.Open(outPrefix+".tyon", "")
	if err != nil {
		t.Fatalf("open without keychain: %v", err)
	}
	defer rNoKey.Close()
	if _, err := rNoKey.NextBlock(tachyon.BlockSettings{All: true}); err == nil {
		t.Fatal("expected an error reading an encrypted block without its keychain")
	}

	rWithKey, err := tachyon.Open(outPrefix+".tyon", outPrefix+".tyk")
	if err != nil {
		t.Fatalf("open with keychain: %v", err)
	}
	defer rWithKey.Close()
	blk, err := rWithKey.NextBlock(tachyon.BlockSettings{All: true})
	if err != nil {
		t.Fatalf("read with keychain: %v", err)
	}
	variants, err := blk.Reconstruct()
	if err != nil {
		t.Fatalf("reconstruct: %v", err)
	}
	if len(variants) != 2 {
		t.Fatalf("got %d variants, want 2", len(variants))
	}
}

const s6VCF = `##fileformat=VCFv4.2
##contig=<ID=chr1,length=3000>
##contig=<ID=chr2,length=2000>
#CHROM	POS	ID	REF	ALT	QUAL	FILTER	INFO
chr1	501	.	A	C	.	.	.
chr1	1501	.	A	C	.	.	.
chr1	2501	.	A	C	.	.	.
chr2	501	.	A	C	.	.	.
chr2	1501	.	A	C	.	.	.
`

func TestIntervalQueryAcrossBlocks(t *testing.T) {
	r, summary := buildArchive(t, s6VCF, func(cfg *tachyon.Config) {
		cfg.CheckpointNVariants = 1
	})
	if summary.NBlocks != 5 {
		t.Fatalf("n blocks = %d, want 5", summary.NBlocks)
	}

	chr1, ok := r.ContigID("chr1")
	if !ok {
		t.Fatal("chr1 not found")
	}
	chr2, ok := r.ContigID("chr2")
	if !ok {
		t.Fatal("chr2 not found")
	}

	hits := r.SeekToOverlap(chr1, 1500, 2500)
	if len(hits) != 2 {
		t.Fatalf("chr1:1500-2500 returned %d blocks, want 2", len(hits))
	}
	for _, h := range hits {
		if h.MinPos != 1500 && h.MinPos != 2500 {
			t.Fatalf("unexpected hit %+v", h)
		}
	}

	hits = r.SeekToOverlap(chr2, 500, 1500)
	if len(hits) != 2 {
		t.Fatalf("chr2:500-1500 returned %d blocks, want 2", len(hits))
	}

	if _, ok := r.ContigID("chr3"); ok {
		t.Fatal("chr3 should not exist")
	}
}

func TestTruncationDetection(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "in.vcf")
	if err := os.WriteFile(in, []byte(s1VCF), 0o644); err != nil {
		t.Fatalf("write input vcf: %v", err)
	}
	outPrefix := filepath.Join(dir, "out")

	cfg := tachyon.DefaultConfig()
	cfg.InputPath = in
	cfg.OutputPrefix = outPrefix
	cfg.WorkerThreads = 1
	if _, err := tachyon.Build(context.Background(), cfg, nil); err != nil {
		t.Fatalf("build: %v", err)
	}

	archive := outPrefix + ".tyon"
	data, err := os.ReadFile(archive)
	if err != nil {
		t.Fatalf("read archive: %v", err)
	}
	truncated := filepath.Join(dir, "truncated.tyon")
	if err := os.WriteFile(truncated, data[:len(data)-8], 0o644); err != nil {
		t.Fatalf("write truncated archive: %v", err)
	}

	_, err = tachyon.Open(truncated, "")
	if err == nil {
		t.Fatal("expected open to fail on an archive missing its magic tail")
	}
	if !errors.Is(err, tachyonerr.Truncated) {
		t.Fatalf("open error = %v, want a truncation kind", err)
	}
}

func TestFieldSelectionSkipsUnrequestedStreams(t *testing.T) {
	r, _ := buildArchive(t, s4VCF, nil)

	blk, err := r.NextBlock(tachyon.BlockSettings{Fields: []string{"DP"}})
	if err != nil {
		t.Fatalf("next block: %v", err)
	}
	variants, err := blk.Reconstruct()
	if err != nil {
		t.Fatalf("reconstruct: %v", err)
	}
	dpGlobal := r.Schema.InfoByID["DP"].GlobalID
	for i, v := range variants {
		for _, iv := range v.Info {
			if iv.GlobalID != dpGlobal {
				t.Fatalf("variant %d carries unselected stream %d", i, iv.GlobalID)
			}
		}
	}
	if len(variants[0].Info) != 1 {
		t.Fatalf("variant 0 info count = %d, want only DP", len(variants[0].Info))
	}
}

func TestParseInterval(t *testing.T) {
	cases := []struct {
		in      string
		want    tachyon.Interval
		wantErr bool
	}{
		{in: "chr1", want: tachyon.Interval{Contig: "chr1"}},
		{in: "chr1:100", want: tachyon.Interval{Contig: "chr1", HasRange: true, P0: 100, P1: 100}},
		{in: "chr1:200-100", want: tachyon.Interval{Contig: "chr1", HasRange: true, P0: 100, P1: 200}},
		{in: "", wantErr: true},
		{in: ":100", wantErr: true},
		{in: "chr1:abc", wantErr: true},
	}
	for _, c := range cases {
		got, err := tachyon.ParseInterval(c.in)
		if c.wantErr {
			if err == nil {
				t.Errorf("ParseInterval(%q): expected error", c.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseInterval(%q): %v", c.in, err)
			continue
		}
		if got != c.want {
			t.Errorf("ParseInterval(%q) = %+v, want %+v", c.in, got, c.want)
		}
	}
}
