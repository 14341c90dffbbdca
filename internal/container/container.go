// Copyright ©2020 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package container implements the typed sub-stream container that is the
// base unit of storage in a tachyon block: an append-only typed column of
// primitive values plus an optional per-record stride vector.
package container

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/kortschak/tachyon/internal/tachyonerr"
)

// Tag is the primitive type tag carried by every typed value in an
// archive. Signedness and width are implied by the tag.
type Tag uint8

const (
	U8 Tag = iota
	U16
	U32
	U64
	I8
	I16
	I32
	I64
	F32
	F64
	Char
	Boolean
	Struct
)

func (t Tag) String() string {
	switch t {
	case U8:
		return "u8"
	case U16:
		return "u16"
	case U32:
		return "u32"
	case I8:
		return "i8"
	case I16:
		return "i16"
	case I32:
		return "i32"
	case I64:
		return "i64"
	case U64:
		return "u64"
	case F32:
		return "f32"
	case F64:
		return "f64"
	case Char:
		return "char"
	case Boolean:
		return "boolean"
	case Struct:
		return "struct"
	default:
		return "unknown"
	}
}

// Width returns the element width in bytes of a fixed-width tag. Char and
// Struct are variable or caller-defined, and return 0.
func (t Tag) Width() int {
	switch t {
	case U8, I8, Boolean, Char:
		return 1
	case U16, I16:
		return 2
	case U32, I32, F32:
		return 4
	case U64, I64, F64:
		return 8
	default:
		return 0
	}
}

func (t Tag) signed() bool {
	switch t {
	case I8, I16, I32, I64:
		return true
	default:
		return false
	}
}

// Sentinel values. The missing and end-of-vector (EOV) sentinels are the
// two lexicographically smallest representable values of a signed width,
// or designated NaN bit patterns for floats.
const (
	Int8Missing  = int64(-128)
	Int8EOV      = int64(-127)
	Int16Missing = int64(-32768)
	Int16EOV     = int64(-32767)
	Int32Missing = int64(-2147483648)
	Int32EOV     = int64(-2147483647)
	Int64Missing = int64(math.MinInt64)
	Int64EOV     = int64(math.MinInt64 + 1)
)

var (
	float32MissingBits = uint32(0x7F800001)
	float32EOVBits     = uint32(0x7F800002)
	float64MissingBits = uint64(0x7FF0000000000001)
	float64EOVBits     = uint64(0x7FF0000000000002)
)

// Float32Missing and Float32EOV are the reserved NaN-like bit patterns
// used as sentinels in f32 containers.
func Float32Missing() float32 { return math.Float32frombits(float32MissingBits) }
func Float32EOV() float32     { return math.Float32frombits(float32EOVBits) }
func Float64Missing() float64 { return math.Float64frombits(float64MissingBits) }
func Float64EOV() float64     { return math.Float64frombits(float64EOVBits) }

// MixedStride is the sentinel recorded in a container's Stride field when
// each record carries its own element count.
const MixedStride = -1

// Container is a single typed column, the storage unit described as C1.
// It tracks header flags and separately compresses data and strides.
type Container struct {
	GlobalID int32
	Tag      Tag
	Signed   bool

	// ElemWidth is the byte width of one element. For fixed-width
	// numeric tags it is implied by Tag; Char is 1; Struct requires the
	// caller to set it explicitly via NewStructContainer.
	ElemWidth int

	// Stride is MixedStride if each record has its own element count,
	// otherwise the fixed element count shared by every record.
	Stride int

	Uniform        bool
	MixedStride    bool
	Encrypted      bool
	EncryptionKind byte

	UncompressedLen uint32
	CompressedLen   uint32
	CRC             uint32
	Offset          uint32

	StrideUncompressedLen uint32
	StrideCompressedLen   uint32
	StrideCRC             uint32
	StrideOffset          uint32
	StrideWidth           int

	// Data is the concatenation of every record's payload, in units of
	// ElemWidth bytes. Strides, if MixedStride, is the narrowed-width
	// vector of per-record element counts.
	Data    []byte
	Strides []byte

	nRecords   int
	strideVals []uint64
}

// NewContainer returns an empty container for a fixed-width primitive tag.
func NewContainer(globalID int32, tag Tag) *Container {
	return &Container{
		GlobalID:  globalID,
		Tag:       tag,
		Signed:    tag.signed(),
		ElemWidth: tag.Width(),
		Stride:    1,
	}
}

// NewStructContainer returns an empty container for opaque fixed-width
// composite elements (e.g. a packed ref+alt nibble byte, or a PPA entry
// whose width is chosen at encode time).
func NewStructContainer(globalID int32, elemWidth int) *Container {
	return &Container{
		GlobalID:  globalID,
		Tag:       Struct,
		ElemWidth: elemWidth,
		Stride:    1,
	}
}

// NewCharContainer returns an empty container of variable-length byte
// strings (VCF allele text, sample names, and the like).
func NewCharContainer(globalID int32) *Container {
	c := NewContainer(globalID, Char)
	c.Stride = MixedStride
	c.MixedStride = true
	return c
}

func (c *Container) recordWidth(n int) int {
	if c.ElemWidth == 0 {
		panic("container: element width is zero")
	}
	return n * c.ElemWidth
}

// appendRaw records one record's payload of n elements and tracks its
// stride.
func (c *Container) appendRaw(raw []byte, n int) error {
	if len(raw) != c.recordWidth(n) {
		return tachyonerr.New(tachyonerr.TypeViolation, "container %d: payload length %d does not match %d elements of width %d", c.GlobalID, len(raw), n, c.ElemWidth)
	}
	c.Data = append(c.Data, raw...)
	c.strideVals = append(c.strideVals, uint64(n))
	c.nRecords++
	if c.Stride != MixedStride {
		if c.nRecords == 1 {
			c.Stride = n
		} else if c.Stride != n {
			c.Stride = MixedStride
			c.MixedStride = true
		}
	}
	return nil
}

// AppendUints appends one record consisting of the given unsigned values.
func (c *Container) AppendUints(vals []uint64) error {
	buf := make([]byte, 0, c.recordWidth(len(vals)))
	for _, v := range vals {
		var b [8]byte
		switch c.ElemWidth {
		case 1:
			buf = append(buf, byte(v))
			continue
		case 2:
			binary.LittleEndian.PutUint16(b[:2], uint16(v))
			buf = append(buf, b[:2]...)
			continue
		case 4:
			binary.LittleEndian.PutUint32(b[:4], uint32(v))
			buf = append(buf, b[:4]...)
			continue
		case 8:
			binary.LittleEndian.PutUint64(b[:8], v)
			buf = append(buf, b[:8]...)
			continue
		default:
			return tachyonerr.New(tachyonerr.TypeViolation, "container %d: unsupported element width %d", c.GlobalID, c.ElemWidth)
		}
	}
	return c.appendRaw(buf, len(vals))
}

// AppendInts appends one record consisting of the given signed values.
func (c *Container) AppendInts(vals []int64) error {
	u := make([]uint64, len(vals))
	for i, v := range vals {
		switch c.ElemWidth {
		case 1:
			u[i] = uint64(uint8(int8(v)))
		case 2:
			u[i] = uint64(uint16(int16(v)))
		case 4:
			u[i] = uint64(uint32(int32(v)))
		case 8:
			u[i] = uint64(v)
		default:
			return tachyonerr.New(tachyonerr.TypeViolation, "container %d: unsupported element width %d", c.GlobalID, c.ElemWidth)
		}
	}
	return c.AppendUints(u)
}

// AppendFloats appends one record consisting of the given float values,
// encoded per c.Tag (F32 or F64).
func (c *Container) AppendFloats(vals []float64) error {
	buf := make([]byte, 0, c.recordWidth(len(vals)))
	for _, v := range vals {
		switch c.Tag {
		case F32:
			var b [4]byte
			binary.LittleEndian.PutUint32(b[:], math.Float32bits(float32(v)))
			buf = append(buf, b[:]...)
		case F64:
			var b [8]byte
			binary.LittleEndian.PutUint64(b[:], math.Float64bits(v))
			buf = append(buf, b[:]...)
		default:
			return tachyonerr.New(tachyonerr.TypeViolation, "container %d: not a float tag", c.GlobalID)
		}
	}
	return c.appendRaw(buf, len(vals))
}

// AppendBytes appends one record of raw bytes to a Char container.
func (c *Container) AppendBytes(raw []byte) error {
	if c.Tag != Char {
		return tachyonerr.New(tachyonerr.TypeViolation, "container %d: AppendBytes requires a Char container", c.GlobalID)
	}
	return c.appendRaw(raw, len(raw))
}

// AppendStruct appends one record of raw struct elements; len(raw) must
// be a multiple of ElemWidth.
func (c *Container) AppendStruct(raw []byte) error {
	if c.ElemWidth == 0 || len(raw)%c.ElemWidth != 0 {
		return tachyonerr.New(tachyonerr.TypeViolation, "container %d: %d bytes is not a multiple of element width %d", c.GlobalID, len(raw), c.ElemWidth)
	}
	return c.appendRaw(raw, len(raw)/c.ElemWidth)
}

// NumRecords returns the number of logical records appended, irrespective
// of whether the container has since been marked uniform.
func (c *Container) NumRecords() int { return c.nRecords }

// StrideAt returns the element count of record i.
func (c *Container) StrideAt(i int) int {
	if c.Stride != MixedStride {
		return c.Stride
	}
	return int(c.strideVals[i])
}

// RecordBytes returns the raw payload bytes for record i, honouring the
// Uniform broadcast flag.
func (c *Container) RecordBytes(i int) []byte {
	if c.Uniform {
		w := c.recordWidth(c.Stride)
		return c.Data[:w]
	}
	off := 0
	for j := 0; j < i; j++ {
		off += c.recordWidth(c.StrideAt(j))
	}
	w := c.recordWidth(c.StrideAt(i))
	return c.Data[off : off+w]
}

// MarkUniformIfConstant scans the populated buffer; if every record has
// the same fixed stride and is byte-identical to the first, the buffer is
// truncated to a single broadcast element and Uniform is set.
func (c *Container) MarkUniformIfConstant() bool {
	if c.Uniform || c.Stride == MixedStride || c.nRecords == 0 {
		return c.Uniform
	}
	w := c.recordWidth(c.Stride)
	first := c.Data[:w]
	for i := 1; i < c.nRecords; i++ {
		rec := c.Data[i*w : i*w+w]
		if !bytes.Equal(first, rec) {
			return false
		}
	}
	c.Data = append([]byte(nil), first...)
	c.Uniform = true
	return true
}

// narrowestUnsignedWidth returns the narrowest width in {1,2,4,8} that can
// represent max.
func narrowestUnsignedWidth(max uint64) int {
	switch {
	case max <= math.MaxUint8:
		return 1
	case max <= math.MaxUint16:
		return 2
	case max <= math.MaxUint32:
		return 4
	default:
		return 8
	}
}

// NarrowStrides chooses the narrowest unsigned width that represents the
// largest stride and transcodes the stride vector into it. It is a no-op
// for containers with a fixed (non-mixed) stride.
func (c *Container) NarrowStrides() {
	if c.Stride != MixedStride || len(c.strideVals) == 0 {
		return
	}
	var max uint64
	for _, v := range c.strideVals {
		if v > max {
			max = v
		}
	}
	w := narrowestUnsignedWidth(max)
	buf := make([]byte, 0, w*len(c.strideVals))
	var tmp [8]byte
	for _, v := range c.strideVals {
		switch w {
		case 1:
			buf = append(buf, byte(v))
		case 2:
			binary.LittleEndian.PutUint16(tmp[:2], uint16(v))
			buf = append(buf, tmp[:2]...)
		case 4:
			binary.LittleEndian.PutUint32(tmp[:4], uint32(v))
			buf = append(buf, tmp[:4]...)
		case 8:
			binary.LittleEndian.PutUint64(tmp[:8], v)
			buf = append(buf, tmp[:8]...)
		}
	}
	c.StrideWidth = w
	c.Strides = buf
}

// DecodeStrides reconstructs strideVals from the narrowed Strides buffer;
// used when reading a container back from an archive.
func (c *Container) DecodeStrides(n int) error {
	if c.Stride != MixedStride {
		return nil
	}
	if c.StrideWidth == 0 {
		return tachyonerr.New(tachyonerr.TypeViolation, "container %d: mixed-stride container has zero stride width", c.GlobalID)
	}
	if len(c.Strides) != n*c.StrideWidth {
		return tachyonerr.New(tachyonerr.Truncated, "container %d: stride buffer length %d does not match %d records of width %d", c.GlobalID, len(c.Strides), n, c.StrideWidth)
	}
	vals := make([]uint64, n)
	for i := 0; i < n; i++ {
		b := c.Strides[i*c.StrideWidth : (i+1)*c.StrideWidth]
		switch c.StrideWidth {
		case 1:
			vals[i] = uint64(b[0])
		case 2:
			vals[i] = uint64(binary.LittleEndian.Uint16(b))
		case 4:
			vals[i] = uint64(binary.LittleEndian.Uint32(b))
		case 8:
			vals[i] = binary.LittleEndian.Uint64(b)
		}
	}
	c.strideVals = vals
	c.nRecords = n
	return nil
}

// SetRecordCount sets the logical record count directly; used by the
// reader after DecodeStrides, or for uniform/fixed-stride containers
// where the count is not otherwise recoverable from the data buffer
// alone (e.g. after a narrowing round trip).
func (c *Container) SetRecordCount(n int) { c.nRecords = n }

// sentinelPair returns this tag's (missing, eov) sentinel values as
// int64, and whether the tag has integer sentinels at all.
func sentinelPair(t Tag) (missing, eov int64, ok bool) {
	switch t {
	case I8:
		return Int8Missing, Int8EOV, true
	case I16:
		return Int16Missing, Int16EOV, true
	case I32:
		return Int32Missing, Int32EOV, true
	case I64:
		return Int64Missing, Int64EOV, true
	default:
		return 0, 0, false
	}
}

// NarrowSigned reports whether every value in a fixed-width signed
// integer container fits losslessly in dst, preserving the missing and
// eov sentinels: for every source sentinel, the destination must hold
// the destination sentinel of the same kind. It returns the narrowed
// buffer and true if narrowing is possible; otherwise it returns nil,
// false and the container is left untouched.
func (c *Container) NarrowSigned(dst Tag) ([]byte, bool) {
	if !c.Tag.signed() || !dst.signed() || dst.Width() >= c.Tag.Width() {
		return nil, false
	}
	srcMissing, srcEOV, ok := sentinelPair(c.Tag)
	if !ok {
		return nil, false
	}
	dstMissing, dstEOV, _ := sentinelPair(dst)

	n := len(c.Data) / c.ElemWidth
	out := make([]byte, 0, n*dst.Width())
	var tmp [8]byte
	for i := 0; i < n; i++ {
		v := c.decodeSignedAt(i)
		switch v {
		case srcMissing:
			v = dstMissing
		case srcEOV:
			v = dstEOV
		default:
			lo, hi := rangeOf(dst)
			if v < lo || v > hi {
				return nil, false
			}
		}
		switch dst.Width() {
		case 1:
			out = append(out, byte(int8(v)))
		case 2:
			binary.LittleEndian.PutUint16(tmp[:2], uint16(int16(v)))
			out = append(out, tmp[:2]...)
		case 4:
			binary.LittleEndian.PutUint32(tmp[:4], uint32(int32(v)))
			out = append(out, tmp[:4]...)
		}
	}
	return out, true
}

func rangeOf(t Tag) (lo, hi int64) {
	switch t {
	case I8:
		return Int8EOV + 1, math.MaxInt8
	case I16:
		return Int16EOV + 1, math.MaxInt16
	case I32:
		return Int32EOV + 1, math.MaxInt32
	default:
		return math.MinInt64, math.MaxInt64
	}
}

func (c *Container) decodeSignedAt(i int) int64 {
	off := i * c.ElemWidth
	b := c.Data[off : off+c.ElemWidth]
	switch c.ElemWidth {
	case 1:
		return int64(int8(b[0]))
	case 2:
		return int64(int16(binary.LittleEndian.Uint16(b)))
	case 4:
		return int64(int32(binary.LittleEndian.Uint32(b)))
	case 8:
		return int64(binary.LittleEndian.Uint64(b))
	default:
		panic(fmt.Sprintf("container: unsupported width %d", c.ElemWidth))
	}
}
