// Copyright ©2020 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// tachyon-build ingests a VCF file and writes a tachyon archive
// (.tyon) and, if encryption is requested, a keychain side file
// (.tyk).
//
// usage: tachyon-build -in in.vcf -out cohort [options]
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/kortschak/tachyon"
)

func main() {
	in := flag.String("in", "", "specify input VCF file (required)")
	out := flag.String("out", "", "specify output prefix (required; writes <out>.tyon and, if -encrypt, <out>.tyk)")
	verbose := flag.Bool("verbose", false, "specify verbose progress logging")
	permute := flag.Bool("permute", true, "specify sample-ordering permutation of genotypes")
	encrypt := flag.Bool("encrypt", false, "specify AEAD encryption of container data")
	checkpointVariants := flag.Int("checkpoint-variants", 1000, "specify the number of variants per block")
	checkpointBases := flag.Int64("checkpoint-bases", 10_000_000, "specify the maximum base-pair span per block")
	workers := flag.Int("workers", 0, "specify the number of block-builder workers (<=0 is hardware parallelism)")
	level := flag.Int("level", 6, "specify the compression level (<=1 selects snappy, otherwise zstd)")
	infoEnd := flag.String("info-end-key", "END", "specify the INFO field used to recover a structural variant's extent")
	infoSVLen := flag.String("info-svlen-key", "SVLEN", "specify the INFO field used as a fallback for a structural variant's extent")

	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), `Usage of %[1]s:
  $ %[1]s -in in.vcf -out cohort [options]

Options:
`, os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if *in == "" || *out == "" {
		flag.Usage()
		os.Exit(2)
	}

	cfg := tachyon.DefaultConfig()
	cfg.InputPath = *in
	cfg.OutputPrefix = *out
	cfg.Verbose = *verbose
	cfg.PermuteGenotypes = *permute
	cfg.EncryptData = *encrypt
	cfg.CheckpointNVariants = *checkpointVariants
	cfg.CheckpointBases = *checkpointBases
	cfg.CompressionLevel = *level
	cfg.InfoEndKey = *infoEnd
	cfg.InfoSVLenKey = *infoSVLen
	if *workers > 0 {
		cfg.WorkerThreads = *workers
	}

	logger := log.New(os.Stderr, "tachyon-build: ", log.LstdFlags)

	progress := func(format string, args ...interface{}) {
		if cfg.Verbose {
			logger.Printf(format, args...)
		}
	}

	summary, err := tachyon.Build(context.Background(), cfg, progress)
	if err != nil {
		logger.Fatalf("build failed: %v", err)
	}
	logger.Printf("wrote %s.tyon: %d block(s), %d variant(s)", *out, summary.NBlocks, summary.NVariants)
}
