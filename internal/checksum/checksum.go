// Copyright ©2020 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package checksum implements C8, the archive-level per-block content
// digest table stored in the EOF region and validated on read. It is
// distinct from the per-container CRCs kept in a container's own header
// (internal/codec): this is one digest per block, covering the block's
// full on-disk byte range, so truncation or silent corruption of a whole
// block is detected even before any individual container is touched.
package checksum

import (
	"encoding/binary"

	"github.com/minio/highwayhash"

	"github.com/kortschak/tachyon/internal/tachyonerr"
)

// key is a fixed, archive-format-wide HighwayHash key. It is not a
// secret: it only needs to be stable across writer and reader so that
// the same bytes hash to the same digest.
var key = [32]byte{
	0x74, 0x61, 0x63, 0x68, 0x79, 0x6f, 0x6e, 0x2d,
	0x63, 0x68, 0x65, 0x63, 0x6b, 0x73, 0x75, 0x6d,
	0x2d, 0x76, 0x31, 0x00, 0x00, 0x00, 0x00, 0x00,
	0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
}

// Entry is one block's recorded digest.
type Entry struct {
	BlockID int64
	Digest  uint64
}

// Table is the append-only sequence of per-block digests, in block-id
// order.
type Table struct {
	Entries []Entry
}

// Add computes and appends the digest for blockID over data.
func (t *Table) Add(blockID int64, data []byte) {
	d := highwayhash.Sum64(data, key[:])
	t.Entries = append(t.Entries, Entry{BlockID: blockID, Digest: d})
}

// Verify recomputes the digest of data and compares it against the
// recorded entry for blockID.
func (t *Table) Verify(blockID int64, data []byte) error {
	for _, e := range t.Entries {
		if e.BlockID == blockID {
			if highwayhash.Sum64(data, key[:]) != e.Digest {
				return tachyonerr.WithBlock(tachyonerr.Integrity, blockID, -1, "block checksum mismatch")
			}
			return nil
		}
	}
	return tachyonerr.WithBlock(tachyonerr.Truncated, blockID, -1, "no checksum table entry for block")
}

// Marshal serialises the table: a u32 count followed by (u64 block id,
// u64 digest) pairs, little-endian.
func (t *Table) Marshal() []byte {
	buf := make([]byte, 4+16*len(t.Entries))
	binary.LittleEndian.PutUint32(buf[:4], uint32(len(t.Entries)))
	off := 4
	for _, e := range t.Entries {
		binary.LittleEndian.PutUint64(buf[off:], uint64(e.BlockID))
		binary.LittleEndian.PutUint64(buf[off+8:], e.Digest)
		off += 16
	}
	return buf
}

// Unmarshal inverts Marshal.
func Unmarshal(buf []byte) (*Table, error) {
	if len(buf) < 4 {
		return nil, tachyonerr.New(tachyonerr.Truncated, "checksum table: short buffer")
	}
	n := int(binary.LittleEndian.Uint32(buf[:4]))
	if len(buf) != 4+16*n {
		return nil, tachyonerr.New(tachyonerr.Truncated, "checksum table: length mismatch for %d entries", n)
	}
	t := &Table{Entries: make([]Entry, n)}
	off := 4
	for i := 0; i < n; i++ {
		t.Entries[i] = Entry{
			BlockID: int64(binary.LittleEndian.Uint64(buf[off:])),
			Digest:  binary.LittleEndian.Uint64(buf[off+8:]),
		}
		off += 16
	}
	return t, nil
}
