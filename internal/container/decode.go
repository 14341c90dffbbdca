// Copyright ©2020 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package container

import (
	"encoding/binary"
	"math"
)

// DecodeUints decodes raw (a record's payload, as returned by
// RecordBytes) as a slice of unsigned values of the container's
// ElemWidth.
func (c *Container) DecodeUints(raw []byte) []uint64 {
	n := len(raw) / c.ElemWidth
	out := make([]uint64, n)
	for i := 0; i < n; i++ {
		b := raw[i*c.ElemWidth : (i+1)*c.ElemWidth]
		switch c.ElemWidth {
		case 1:
			out[i] = uint64(b[0])
		case 2:
			out[i] = uint64(binary.LittleEndian.Uint16(b))
		case 4:
			out[i] = uint64(binary.LittleEndian.Uint32(b))
		case 8:
			out[i] = binary.LittleEndian.Uint64(b)
		}
	}
	return out
}

// DecodeInts decodes raw as a slice of signed values, honouring the
// container's declared width.
func (c *Container) DecodeInts(raw []byte) []int64 {
	n := len(raw) / c.ElemWidth
	out := make([]int64, n)
	for i := 0; i < n; i++ {
		b := raw[i*c.ElemWidth : (i+1)*c.ElemWidth]
		switch c.ElemWidth {
		case 1:
			out[i] = int64(int8(b[0]))
		case 2:
			out[i] = int64(int16(binary.LittleEndian.Uint16(b)))
		case 4:
			out[i] = int64(int32(binary.LittleEndian.Uint32(b)))
		case 8:
			out[i] = int64(binary.LittleEndian.Uint64(b))
		}
	}
	return out
}

// DecodeFloats decodes raw as a slice of float values per the
// container's F32/F64 tag.
func (c *Container) DecodeFloats(raw []byte) []float64 {
	var out []float64
	switch c.Tag {
	case F32:
		for i := 0; i+4 <= len(raw); i += 4 {
			out = append(out, float64(math.Float32frombits(binary.LittleEndian.Uint32(raw[i:]))))
		}
	case F64:
		for i := 0; i+8 <= len(raw); i += 8 {
			out = append(out, math.Float64frombits(binary.LittleEndian.Uint64(raw[i:])))
		}
	}
	return out
}
