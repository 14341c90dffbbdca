// Copyright ©2020 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package codec implements the compression/encryption envelope (C6)
// applied to a container's data and stride streams after a block is
// finalized. Compression is delegated to klauspost/compress's zstd
// implementation for container payloads and to golang/snappy for the
// lowest compression levels (the small footer and schema streams use
// snappy too; the variant index is stored uncompressed); encryption is
// delegated to golang.org/x/crypto's ChaCha20-Poly1305 AEAD construction.
package codec

import (
	"hash/crc32"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/kortschak/tachyon/internal/container"
	"github.com/kortschak/tachyon/internal/tachyonerr"
)

// EncryptionKind values recorded in a container's header.
const (
	EncryptionNone byte = iota
	EncryptionChaCha20Poly1305
)

var (
	fastEncoder    *zstd.Encoder
	defaultEncoder *zstd.Encoder
	betterEncoder  *zstd.Encoder
	decoder        *zstd.Decoder
)

func init() {
	mk := func(l zstd.EncoderLevel) *zstd.Encoder {
		e, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(l))
		if err != nil {
			panic(err)
		}
		return e
	}
	fastEncoder = mk(zstd.SpeedFastest)
	defaultEncoder = mk(zstd.SpeedDefault)
	betterEncoder = mk(zstd.SpeedBetterCompression)
	var err error
	decoder, err = zstd.NewReader(nil)
	if err != nil {
		panic(err)
	}
}

// compressZstd and decompressZstd wrap package-global encoders/decoder.
// zstd.Encoder/Decoder are safe for concurrent use by multiple goroutines.
func compressZstd(src []byte, level int) []byte {
	e := defaultEncoder
	switch {
	case level <= 3:
		e = fastEncoder
	case level >= 9:
		e = betterEncoder
	}
	return e.EncodeAll(src, make([]byte, 0, len(src)))
}

func decompressZstd(dst, src []byte) ([]byte, error) {
	return decoder.DecodeAll(src, dst)
}

// Compress compresses a container's data buffer (and stride buffer, if
// present) independently, recording lengths and a CRC of the
// uncompressed bytes in the container header. level selects the byte
// codec used for the main data stream: levels <= 1 use snappy (fast),
// anything higher uses zstd.
func Compress(c *container.Container, level int) error {
	c.UncompressedLen = uint32(len(c.Data))
	c.CRC = crc32.ChecksumIEEE(c.Data)
	if len(c.Data) == 0 {
		c.CompressedLen = 0
		c.Data = nil
	} else {
		var out []byte
		if level <= 1 {
			out = snappy.Encode(nil, c.Data)
		} else {
			out = compressZstd(c.Data, level)
		}
		c.Data = out
		c.CompressedLen = uint32(len(out))
	}

	if c.MixedStride && len(c.Strides) > 0 {
		c.StrideUncompressedLen = uint32(len(c.Strides))
		c.StrideCRC = crc32.ChecksumIEEE(c.Strides)
		out := snappy.Encode(nil, c.Strides)
		c.Strides = out
		c.StrideCompressedLen = uint32(len(out))
	}
	return nil
}

// Decompress inverts Compress, verifying the uncompressed CRC. The gate
// is the uncompressed length, not the compressed one: an encrypted
// container that held no data still carries an AEAD tag's worth of
// ciphertext, which decrypts to nothing.
func Decompress(c *container.Container, level int) error {
	if c.UncompressedLen > 0 {
		var plain []byte
		var err error
		if level <= 1 {
			plain, err = snappy.Decode(nil, c.Data)
		} else {
			plain, err = decompressZstd(nil, c.Data)
		}
		if err != nil {
			return tachyonerr.WithBlock(tachyonerr.Integrity, 0, int(c.GlobalID), "decompress: %v", err)
		}
		if uint32(len(plain)) != c.UncompressedLen {
			return tachyonerr.WithBlock(tachyonerr.Integrity, 0, int(c.GlobalID), "decompressed length mismatch: got %d want %d", len(plain), c.UncompressedLen)
		}
		if crc32.ChecksumIEEE(plain) != c.CRC {
			return tachyonerr.WithBlock(tachyonerr.Integrity, 0, int(c.GlobalID), "data CRC mismatch")
		}
		c.Data = plain
	} else {
		c.Data = nil
	}

	if c.MixedStride && c.StrideCompressedLen > 0 {
		plain, err := snappy.Decode(nil, c.Strides)
		if err != nil {
			return tachyonerr.WithBlock(tachyonerr.Integrity, 0, int(c.GlobalID), "decompress strides: %v", err)
		}
		if uint32(len(plain)) != c.StrideUncompressedLen || crc32.ChecksumIEEE(plain) != c.StrideCRC {
			return tachyonerr.WithBlock(tachyonerr.Integrity, 0, int(c.GlobalID), "stride integrity mismatch")
		}
		c.Strides = plain
	}
	return nil
}

// AAD builds the additional authenticated data for a container's AEAD
// encryption: the block id and the container's local id, per §6.
func AAD(blockID int64, localID int) []byte {
	b := make([]byte, 12)
	for i := 0; i < 8; i++ {
		b[i] = byte(blockID >> (8 * i))
	}
	for i := 0; i < 4; i++ {
		b[8+i] = byte(localID >> (8 * i))
	}
	return b
}

// Encrypt AEAD-encrypts a container's already-compressed data bytes in
// place with key and iv, recording the authentication tag appended to
// the ciphertext. It must be called after Compress.
func Encrypt(c *container.Container, key, iv []byte, blockID int64, localID int) error {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return tachyonerr.New(tachyonerr.Unsupported, "encrypt: %v", err)
	}
	c.Data = aead.Seal(nil, iv, c.Data, AAD(blockID, localID))
	c.CompressedLen = uint32(len(c.Data))
	c.Encrypted = true
	c.EncryptionKind = EncryptionChaCha20Poly1305
	return nil
}

// Decrypt inverts Encrypt.
func Decrypt(c *container.Container, key, iv []byte, blockID int64, localID int) error {
	if c.EncryptionKind != EncryptionChaCha20Poly1305 {
		return tachyonerr.New(tachyonerr.Unsupported, "decrypt: unknown encryption kind %d", c.EncryptionKind)
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return tachyonerr.New(tachyonerr.Unsupported, "decrypt: %v", err)
	}
	plain, err := aead.Open(nil, iv, c.Data, AAD(blockID, localID))
	if err != nil {
		return tachyonerr.WithBlock(tachyonerr.Integrity, blockID, localID, "AEAD tag mismatch")
	}
	c.Data = plain
	return nil
}
