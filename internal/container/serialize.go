// Copyright ©2020 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package container

import (
	"encoding/binary"

	"github.com/kortschak/tachyon/internal/tachyonerr"
)

// headerWidth is the fixed on-disk size of a container's inline
// sub-header, written immediately before its compressed data bytes and
// (if present) its compressed stride bytes, per §6's "ContainerBytes*
// // each has its own sub-header inline".
const headerWidth = 4 + 1 + 1 + 4 + 4 + 1 + 1 + 4 + 4 + 4 + 4 + 4 + 4 + 4

const (
	flagUniform byte = 1 << iota
	flagMixedStride
)

// Marshal serialises the container's inline sub-header followed by its
// (already compressed, and possibly encrypted) data bytes and stride
// bytes.
func (c *Container) Marshal() []byte {
	buf := make([]byte, headerWidth, headerWidth+len(c.Data)+len(c.Strides))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(c.GlobalID))
	buf[4] = byte(c.Tag)
	var signed byte
	if c.Signed {
		signed = 1
	}
	buf[5] = signed
	binary.LittleEndian.PutUint32(buf[6:10], uint32(c.ElemWidth))
	binary.LittleEndian.PutUint32(buf[10:14], uint32(int32(c.Stride)))
	var flags byte
	if c.Uniform {
		flags |= flagUniform
	}
	if c.MixedStride {
		flags |= flagMixedStride
	}
	buf[14] = flags
	var encKind byte
	if c.Encrypted {
		encKind = c.EncryptionKind
	}
	buf[15] = encKind
	binary.LittleEndian.PutUint32(buf[16:20], c.UncompressedLen)
	binary.LittleEndian.PutUint32(buf[20:24], c.CompressedLen)
	binary.LittleEndian.PutUint32(buf[24:28], c.CRC)
	binary.LittleEndian.PutUint32(buf[28:32], c.StrideUncompressedLen)
	binary.LittleEndian.PutUint32(buf[32:36], c.StrideCompressedLen)
	binary.LittleEndian.PutUint32(buf[36:40], c.StrideCRC)
	binary.LittleEndian.PutUint32(buf[40:44], uint32(c.StrideWidth))

	buf = append(buf, c.Data...)
	buf = append(buf, c.Strides...)
	return buf
}

// Unmarshal parses one container's inline sub-header and slices its
// data and stride bytes out of buf, without decompressing or
// decrypting them. It returns the container and the number of bytes of
// buf it consumed.
func Unmarshal(buf []byte) (*Container, int, error) {
	if len(buf) < headerWidth {
		return nil, 0, errShort("container header")
	}
	c := &Container{
		GlobalID:  int32(binary.LittleEndian.Uint32(buf[0:4])),
		Tag:       Tag(buf[4]),
		Signed:    buf[5] != 0,
		ElemWidth: int(int32(binary.LittleEndian.Uint32(buf[6:10]))),
		Stride:    int(int32(binary.LittleEndian.Uint32(buf[10:14]))),
	}
	if c.Tag > Struct {
		return nil, 0, tachyonerr.New(tachyonerr.Unsupported, "container: unknown primitive tag %d", buf[4])
	}
	flags := buf[14]
	c.Uniform = flags&flagUniform != 0
	c.MixedStride = flags&flagMixedStride != 0
	encKind := buf[15]
	if encKind != 0 {
		c.Encrypted = true
		c.EncryptionKind = encKind
	}
	c.UncompressedLen = binary.LittleEndian.Uint32(buf[16:20])
	c.CompressedLen = binary.LittleEndian.Uint32(buf[20:24])
	c.CRC = binary.LittleEndian.Uint32(buf[24:28])
	c.StrideUncompressedLen = binary.LittleEndian.Uint32(buf[28:32])
	c.StrideCompressedLen = binary.LittleEndian.Uint32(buf[32:36])
	c.StrideCRC = binary.LittleEndian.Uint32(buf[36:40])
	c.StrideWidth = int(int32(binary.LittleEndian.Uint32(buf[40:44])))

	off := headerWidth
	dataEnd := off + int(c.CompressedLen)
	if len(buf) < dataEnd {
		return nil, 0, errShort("container data")
	}
	c.Data = buf[off:dataEnd]
	off = dataEnd
	strideEnd := off + int(c.StrideCompressedLen)
	if len(buf) < strideEnd {
		return nil, 0, errShort("container strides")
	}
	c.Strides = buf[off:strideEnd]
	off = strideEnd
	return c, off, nil
}

func errShort(what string) error {
	return tachyonerr.New(tachyonerr.Truncated, "container: short buffer reading %s", what)
}
