// Copyright ©2020 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// The tachyon-view command dumps a tachyon archive's variant records as
// a JSON stream on stdout, one object per variant, in on-disk block
// order. Each record corresponds to the following Go struct:
//
//	struct {
//		Block    int64
//		Contig   string
//		Position int64
//		Name     string
//		Alleles  []string
//		Filters  []string
//	}
//
// With -stats, tachyon-view instead reports transition/transversion and
// Hardy-Weinberg summaries accumulated across every variant, as a single
// JSON object written after the whole archive has been scanned.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/kortschak/tachyon"
	"github.com/kortschak/tachyon/internal/stats"
)

type record struct {
	Block    int64
	Contig   string
	Position int64
	Name     string
	Alleles  []string
	Filters  []string
}

func main() {
	in := flag.String("in", "", "specify archive file to read (required)")
	keychainPath := flag.String("keychain", "", "specify keychain side file (required for encrypted archives)")
	showStats := flag.Bool("stats", false, "specify summary statistics output instead of a variant stream")
	verify := flag.Bool("verify", false, "specify per-block checksum verification")

	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), `Usage of %[1]s:
  $ %[1]s -in cohort.tyon [-keychain cohort.tyk] [-stats] [-verify]

Options:
`, os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if *in == "" {
		flag.Usage()
		os.Exit(2)
	}

	r, err := tachyon.Open(*in, *keychainPath)
	if err != nil {
		log.Fatalf("tachyon-view: %v", err)
	}
	defer r.Close()

	filterNames := make([]string, len(r.Schema.FilterByID))
	for name, id := range r.Schema.FilterByID {
		filterNames[id] = name
	}
	contigNames := make([]string, len(r.Schema.Contigs))
	for i, c := range r.Schema.Contigs {
		contigNames[i] = c.Name
	}

	settings := tachyon.BlockSettings{All: true, VerifyChecksum: *verify}

	if *showStats {
		runStats(r, settings)
		return
	}

	enc := json.NewEncoder(os.Stdout)
	for {
		blk, err := r.NextBlock(settings)
		if err != nil {
			log.Fatalf("tachyon-view: %v", err)
		}
		if blk == nil {
			break
		}
		variants, err := blk.Reconstruct()
		if err != nil {
			log.Fatalf("tachyon-view: %v", err)
		}
		for _, v := range variants {
			rec := record{
				Block:    int64(blk.Header.BlockHash),
				Contig:   contigNames[blk.Header.Contig],
				Position: v.Position,
				Name:     v.Name,
				Alleles:  v.Alleles,
			}
			for _, f := range v.Filters {
				if int(f) < len(filterNames) {
					rec.Filters = append(rec.Filters, filterNames[f])
				}
			}
			if err := enc.Encode(rec); err != nil {
				log.Fatalf("tachyon-view: %v", err)
			}
		}
	}
}

type summary struct {
	NVariants     int64
	TsTvRatio     float64
	Transitions   int64
	Transversions int64
	Sites         []siteHWE
}

type siteHWE struct {
	Contig   string
	Position int64
	stats.HWEResult
}

func runStats(r *tachyon.Reader, settings tachyon.BlockSettings) {
	contigNames := make([]string, len(r.Schema.Contigs))
	for i, c := range r.Schema.Contigs {
		contigNames[i] = c.Name
	}

	var tt stats.TsTv
	var nVariants int64
	var sites []siteHWE
	for {
		blk, err := r.NextBlock(settings)
		if err != nil {
			log.Fatalf("tachyon-view: %v", err)
		}
		if blk == nil {
			break
		}
		variants, err := blk.Reconstruct()
		if err != nil {
			log.Fatalf("tachyon-view: %v", err)
		}
		for _, v := range variants {
			nVariants++
			tt.Add(v.Alleles)
			for _, fv := range v.Format {
				if len(fv.GT) == 0 {
					continue
				}
				res := stats.HardyWeinberg(fv.GT)
				if res.NHomRef+res.NHet+res.NHomAlt > 0 {
					sites = append(sites, siteHWE{
						Contig:    contigNames[blk.Header.Contig],
						Position:  v.Position,
						HWEResult: res,
					})
				}
			}
		}
	}

	out := summary{
		NVariants:     nVariants,
		TsTvRatio:     tt.Ratio(),
		Transitions:   tt.Transitions,
		Transversions: tt.Transversions,
		Sites:         sites,
	}
	if err := json.NewEncoder(os.Stdout).Encode(out); err != nil {
		log.Fatalf("tachyon-view: %v", err)
	}
}
