// Copyright ©2020 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// The tachyon-query command lists the blocks of a tachyon archive whose
// genomic range overlaps one or more query intervals, without
// materialising variant records. Intervals are given as repeated
// -region flags of the form "CONTIG", "CONTIG:POS", or
// "CONTIG:FROM-TO". Output is a JSON stream on stdout, one object per
// matching block:
//
//	struct {
//		Region          string
//		Block           int64
//		Contig          string
//		MinPos, MaxPos  int64
//		NVariants       uint32
//		ByteOffsetBegin uint64
//		ByteOffsetEnd   uint64
//	}
//
// usage: tachyon-query -in cohort.tyon -region chr1:1000-2000 [-region chr2]
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/kortschak/tachyon"
)

// regionValue is a multi-value flag value for repeated -region flags.
type regionValue []string

func (r *regionValue) Set(v string) error {
	*r = append(*r, v)
	return nil
}

func (r *regionValue) String() string {
	return fmt.Sprintf("%q", []string(*r))
}

type hit struct {
	Region          string
	Block           int64
	Contig          string
	MinPos, MaxPos  int64
	NVariants       uint32
	ByteOffsetBegin uint64
	ByteOffsetEnd   uint64
}

func main() {
	in := flag.String("in", "", "specify archive file to query (required)")
	var regions regionValue
	flag.Var(&regions, "region", "specify a query interval (repeatable); CONTIG, CONTIG:POS, or CONTIG:FROM-TO")

	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), `Usage of %[1]s:
  $ %[1]s -in cohort.tyon -region chr1:1000-2000 [-region chr2]

Options:
`, os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if *in == "" || len(regions) == 0 {
		flag.Usage()
		os.Exit(2)
	}

	r, err := tachyon.Open(*in, "")
	if err != nil {
		log.Fatalf("tachyon-query: %v", err)
	}
	defer r.Close()

	contigNames := make([]string, len(r.Schema.Contigs))
	for i, c := range r.Schema.Contigs {
		contigNames[i] = c.Name
	}

	enc := json.NewEncoder(os.Stdout)
	for _, raw := range regions {
		iv, err := tachyon.ParseInterval(raw)
		if err != nil {
			log.Fatalf("tachyon-query: %v", err)
		}
		contig, ok := r.ContigID(iv.Contig)
		if !ok {
			log.Fatalf("tachyon-query: unknown contig %q", iv.Contig)
		}
		p0, p1 := iv.P0, iv.P1
		if !iv.HasRange {
			p0, p1 = 0, 1<<62
		}
		for _, e := range r.SeekToOverlap(contig, p0, p1) {
			h := hit{
				Region:          iv.String(),
				Block:           e.BlockID,
				Contig:          contigNames[e.Contig],
				MinPos:          e.MinPos,
				MaxPos:          e.MaxPos,
				NVariants:       e.NVariants,
				ByteOffsetBegin: e.ByteOffsetBegin,
				ByteOffsetEnd:   e.ByteOffsetEnd,
			}
			if err := enc.Encode(h); err != nil {
				log.Fatalf("tachyon-query: %v", err)
			}
		}
	}
}
