// Copyright ©2020 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package tachyonerr defines the error kinds used throughout tachyon so
// that callers can distinguish fatal archive conditions from transient
// ones with errors.As.
package tachyonerr

import "fmt"

// Kind classifies the failure modes described in the storage engine's
// error handling design.
type Kind int

const (
	// InputMalformed indicates an external VCF record violated the
	// schema: allele count mismatch, position beyond contig length, or
	// an unknown field id.
	InputMalformed Kind = iota
	// TypeViolation indicates an info/format payload's actual primitive
	// type disagreed with the header declaration.
	TypeViolation
	// Integrity indicates a CRC or AEAD check failed on read.
	Integrity
	// IO indicates an underlying sink/source failure.
	IO
	// Truncated indicates the archive was shorter than its declared
	// extent, or was missing its magic tail.
	Truncated
	// Unsupported indicates an encoding or encryption kind unknown to
	// this reader.
	Unsupported
	// Capacity indicates a batch or container exceeded an internal
	// limit.
	Capacity
)

func (k Kind) String() string {
	switch k {
	case InputMalformed:
		return "input malformed"
	case TypeViolation:
		return "type violation"
	case Integrity:
		return "integrity"
	case IO:
		return "io"
	case Truncated:
		return "truncated"
	case Unsupported:
		return "unsupported"
	case Capacity:
		return "capacity"
	default:
		return "unknown"
	}
}

// Error is a tachyon diagnostic: a kind, a stable one-line message, and
// the block or record locus it applies to, if any.
type Error struct {
	Kind     Kind
	Message  string
	BlockID  int64
	StreamID int
	Contig   string
	Position int64

	// HasBlock reports whether BlockID/StreamID are meaningful for this
	// error, and HasLocus whether Contig/Position are.
	HasBlock bool
	HasLocus bool

	Err error
}

func (e *Error) Error() string {
	switch {
	case e.HasBlock:
		return fmt.Sprintf("tachyon: %s: %s (block %d, stream %d)", e.Kind, e.Message, e.BlockID, e.StreamID)
	case e.HasLocus:
		return fmt.Sprintf("tachyon: %s: %s (%s:%d)", e.Kind, e.Message, e.Contig, e.Position)
	default:
		return fmt.Sprintf("tachyon: %s: %s", e.Kind, e.Message)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// New returns a plain Error of the given kind.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WithBlock returns an Error of the given kind annotated with a block
// and stream id.
func WithBlock(kind Kind, blockID int64, streamID int, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), BlockID: blockID, StreamID: streamID, HasBlock: true}
}

// WithLocus returns an Error of the given kind annotated with a contig
// and position.
func WithLocus(kind Kind, contig string, pos int64, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Contig: contig, Position: pos, HasLocus: true}
}

// Error makes Kind implement error, so a Kind can be the target of
// errors.Is(err, tachyonerr.Integrity), matched by Error.Is below.
func (k Kind) Error() string { return k.String() }

// Is allows errors.Is(err, SomeKind) to match any *Error with that kind.
func (e *Error) Is(target error) bool {
	k, ok := target.(Kind)
	return ok && e.Kind == k
}
