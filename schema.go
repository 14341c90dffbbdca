// Copyright ©2020 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package tachyon

import (
	"bytes"
	"encoding/gob"

	"github.com/golang/snappy"

	"github.com/kortschak/tachyon/internal/tachyonerr"
	"github.com/kortschak/tachyon/internal/vcfio"
)

// Schema is the archive's literal header block (§6): the VCF header
// reorder maps a reader needs to translate stored global ids back into
// field names, persisted so an archive is self-describing without its
// original VCF file. There is no third-party structured-serialisation
// library among the pack's dependencies, so the schema envelope uses
// the standard library's encoding/gob, snappy-compressed like the
// block footers (see DESIGN.md).
type Schema struct {
	Contigs     []vcfio.ContigInfo
	SampleNames []string
	InfoByID    map[string]vcfio.FieldDef
	FormatByID  map[string]vcfio.FieldDef
	FilterByID  map[string]int32

	// CompressionLevel is the builder's codec.Compress level (levels <=
	// 1 select snappy, anything higher zstd); a reader must decompress
	// every container with the same level it was compressed at, so it
	// travels with the schema rather than needing to be passed in by
	// the caller of Open.
	CompressionLevel int
}

func schemaFromHeader(h *vcfio.Header, compressionLevel int) Schema {
	return Schema{
		Contigs:          h.Contigs,
		SampleNames:      h.SampleNames,
		InfoByID:         h.InfoByID,
		FormatByID:       h.FormatByID,
		FilterByID:       h.FilterByID,
		CompressionLevel: compressionLevel,
	}
}

// marshalSchema returns the snappy-compressed gob encoding of s and the
// length of the plain (uncompressed) encoding, matching the archive
// header's "u32 header_uncompressed_len | u32 header_compressed_len"
// framing.
func marshalSchema(s Schema) (compressed []byte, uncompressedLen int, err error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(s); err != nil {
		return nil, 0, tachyonerr.New(tachyonerr.IO, "archive: encode schema: %v", err)
	}
	return snappy.Encode(nil, buf.Bytes()), buf.Len(), nil
}

func unmarshalSchema(compressed []byte, wantUncompressedLen int) (Schema, error) {
	plain, err := snappy.Decode(nil, compressed)
	if err != nil {
		return Schema{}, tachyonerr.New(tachyonerr.Integrity, "archive: decompress schema: %v", err)
	}
	if len(plain) != wantUncompressedLen {
		return Schema{}, tachyonerr.New(tachyonerr.Integrity, "archive: schema length mismatch: got %d want %d", len(plain), wantUncompressedLen)
	}
	var s Schema
	if err := gob.NewDecoder(bytes.NewReader(plain)).Decode(&s); err != nil {
		return Schema{}, tachyonerr.New(tachyonerr.Integrity, "archive: decode schema: %v", err)
	}
	return s, nil
}
