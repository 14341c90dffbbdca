// Copyright ©2020 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package container

import (
	"bytes"
	"testing"
)

func TestMarkUniformIfConstant(t *testing.T) {
	c := NewContainer(1, I32)
	for i := 0; i < 5; i++ {
		if err := c.AppendInts([]int64{42}); err != nil {
			t.Fatal(err)
		}
	}
	if !c.MarkUniformIfConstant() {
		t.Fatal("expected uniform flag for constant column")
	}
	if len(c.Data) != 4 {
		t.Fatalf("uniform data = %d bytes, want a single broadcast element", len(c.Data))
	}
	for i := 0; i < 5; i++ {
		got := c.DecodeInts(c.RecordBytes(i))
		if len(got) != 1 || got[0] != 42 {
			t.Fatalf("record %d = %v, want [42]", i, got)
		}
	}
}

func TestMarkUniformRejectsVaryingColumn(t *testing.T) {
	c := NewContainer(1, I32)
	c.AppendInts([]int64{1})
	c.AppendInts([]int64{2})
	if c.MarkUniformIfConstant() {
		t.Fatal("varying column must not be marked uniform")
	}
}

func TestMixedStrideSum(t *testing.T) {
	c := NewCharContainer(2)
	records := [][]byte{[]byte("A"), []byte("ACGT"), nil, []byte("GG")}
	total := 0
	for _, r := range records {
		if err := c.AppendBytes(r); err != nil {
			t.Fatal(err)
		}
		total += len(r)
	}
	if c.Stride != MixedStride {
		t.Fatalf("stride = %d, want MixedStride", c.Stride)
	}
	sum := 0
	for i := range records {
		sum += c.StrideAt(i)
	}
	if sum != total || sum != len(c.Data) {
		t.Fatalf("stride sum = %d, data length = %d, want %d", sum, len(c.Data), total)
	}
}

func TestNarrowStridesRoundTrip(t *testing.T) {
	c := NewCharContainer(3)
	c.AppendBytes(bytes.Repeat([]byte{'x'}, 3))
	c.AppendBytes(bytes.Repeat([]byte{'y'}, 300))
	c.NarrowStrides()
	if c.StrideWidth != 2 {
		t.Fatalf("stride width = %d, want 2 for max stride 300", c.StrideWidth)
	}

	rt := &Container{
		Tag:         Char,
		ElemWidth:   1,
		Stride:      MixedStride,
		MixedStride: true,
		StrideWidth: c.StrideWidth,
		Strides:     c.Strides,
		Data:        c.Data,
	}
	if err := rt.DecodeStrides(2); err != nil {
		t.Fatal(err)
	}
	if rt.StrideAt(0) != 3 || rt.StrideAt(1) != 300 {
		t.Fatalf("decoded strides = %d, %d, want 3, 300", rt.StrideAt(0), rt.StrideAt(1))
	}
}

func TestNarrowSignedPreservesSentinels(t *testing.T) {
	c := NewContainer(4, I32)
	c.AppendInts([]int64{5, Int32Missing, Int32EOV, -7})

	out, ok := c.NarrowSigned(I8)
	if !ok {
		t.Fatal("expected narrowing to i8 to succeed")
	}
	want := []int64{5, Int8Missing, Int8EOV, -7}
	narrow := &Container{Tag: I8, Signed: true, ElemWidth: 1}
	got := narrow.DecodeInts(out)
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("narrowed[%d] = %d, want %d", i, got[i], want[i])
		}
	}
}

func TestNarrowSignedRefusesSentinelCollision(t *testing.T) {
	c := NewContainer(5, I32)
	// -128 is the i8 missing sentinel; narrowing must refuse rather
	// than silently turn a real value into a sentinel.
	c.AppendInts([]int64{-128})
	if _, ok := c.NarrowSigned(I8); ok {
		t.Fatal("expected narrowing to refuse a value colliding with the destination sentinel")
	}
}

func TestMarshalUnmarshalHeaderRoundTrip(t *testing.T) {
	c := NewCharContainer(7)
	c.AppendBytes([]byte("hello"))
	c.AppendBytes([]byte("hi"))
	c.NarrowStrides()
	c.UncompressedLen = uint32(len(c.Data))
	c.CompressedLen = uint32(len(c.Data))
	c.StrideUncompressedLen = uint32(len(c.Strides))
	c.StrideCompressedLen = uint32(len(c.Strides))

	buf := c.Marshal()
	got, n, err := Unmarshal(buf)
	if err != nil {
		t.Fatal(err)
	}
	if n != len(buf) {
		t.Fatalf("consumed %d bytes, want %d", n, len(buf))
	}
	if got.GlobalID != 7 || got.Tag != Char || !got.MixedStride {
		t.Fatalf("header mismatch: %+v", got)
	}
	if !bytes.Equal(got.Data, c.Data) || !bytes.Equal(got.Strides, c.Strides) {
		t.Fatal("data or stride bytes did not round trip")
	}
}

func TestUnmarshalShortBuffer(t *testing.T) {
	if _, _, err := Unmarshal(make([]byte, 10)); err == nil {
		t.Fatal("expected an error for a short container buffer")
	}
}

func TestAppendBytesRequiresCharContainer(t *testing.T) {
	c := NewContainer(8, I32)
	if err := c.AppendBytes([]byte("nope")); err == nil {
		t.Fatal("expected a type violation appending bytes to an i32 container")
	}
}
