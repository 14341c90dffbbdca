// Copyright ©2020 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package pipeline implements the concurrent build pipeline: a single
// source producer (C10), N block-builder consumers (C9), and an
// order-preserving writer (C11). Design note §9 directs that the
// original's hand-rolled ring buffer and condition variables be
// replaced with channels. The bounded queue is a buffered channel sized
// to the worker count. Writer keeps its ordering state behind its own
// mutex: the consumer whose Enqueue supplies the next expected block
// writes it, and any buffered successors, from its own goroutine, and a
// consumer whose block is not yet due waits on a per-block channel.
package pipeline

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/kortschak/tachyon/internal/block"
	"github.com/kortschak/tachyon/internal/keychain"
	"github.com/kortschak/tachyon/internal/tachyonerr"
)

// Source is the external VCF iterator C10 pulls from.
type Source interface {
	// Next returns the next variant, or an io.EOF-like error when
	// exhausted. Any other error aborts the pipeline.
	Next() (*block.Variant, error)
}

// Batch is one unit of work handed from the producer to a consumer.
type Batch struct {
	BlockID int64
	Contig  int32
	Records []*block.Variant
}

// CheckpointPolicy decides when a batch is complete.
type CheckpointPolicy struct {
	MaxVariants int
	MaxBases    int64
}

func (p CheckpointPolicy) trips(n int, minPos, pos int64) bool {
	if p.MaxVariants > 0 && n >= p.MaxVariants {
		return true
	}
	if p.MaxBases > 0 && pos-minPos >= p.MaxBases {
		return true
	}
	return false
}

// Produce runs the source producer: it reads from src until exhausted
// or ctx is cancelled, grouping consecutive same-contig variants into
// checkpoint-bounded batches and sending them, in strictly increasing
// block id order, to out. It closes out before returning, which is how
// every consumer learns the source is exhausted — the Go channel close
// signal replaces the original's explicit "alive" flag and wake-all.
func Produce(ctx context.Context, src Source, policy CheckpointPolicy, out chan<- Batch) error {
	defer close(out)

	var blockID int64
	var cur Batch
	var minPos int64
	haveCur := false

	flush := func() error {
		if !haveCur || len(cur.Records) == 0 {
			return nil
		}
		select {
		case out <- cur:
		case <-ctx.Done():
			return ctx.Err()
		}
		blockID++
		cur = Batch{}
		haveCur = false
		return nil
	}

	for {
		rec, err := src.Next()
		if err != nil {
			if err := flush(); err != nil {
				return err
			}
			if isEOF(err) {
				return nil
			}
			return err
		}

		if !haveCur {
			cur = Batch{BlockID: blockID, Contig: contigOf(rec)}
			minPos = rec.Position
			haveCur = true
		} else if contigOf(rec) != cur.Contig {
			if err := flush(); err != nil {
				return err
			}
			cur = Batch{BlockID: blockID, Contig: contigOf(rec)}
			minPos = rec.Position
			haveCur = true
		}

		cur.Records = append(cur.Records, rec)
		if policy.trips(len(cur.Records), minPos, rec.Position) {
			if err := flush(); err != nil {
				return err
			}
		}
	}
}

// contigOf reports the contig a variant belongs to, per its Source
// adapter's translation into tachyon's dense contig id space
// (internal/vcfio.Header.ContigIndex). The producer uses it to split
// batches at contig boundaries, maintaining the "one contig per block"
// invariant even when the source interleaves contigs.
func contigOf(v *block.Variant) int32 { return v.Contig }

// BuildConfig carries the per-block build settings needed by a Consumer.
type BuildConfig struct {
	SampleCount      int
	PermuteGenotypes bool
	EncryptData      bool
	CompressionLevel int
}

// Consumer is one of the N block-builder (C9) goroutines: it pops
// batches from in, builds and finalizes a Block for each, and forwards
// the finished block to the writer via enqueue.
type Consumer struct {
	cfg BuildConfig
	kc  *keychain.Keychain
}

// NewConsumer returns a Consumer sharing kc with its siblings; Keychain
// is safe for concurrent Put from multiple consumers.
func NewConsumer(cfg BuildConfig, kc *keychain.Keychain) *Consumer {
	return &Consumer{cfg: cfg, kc: kc}
}

// Run drains in until it closes, building and enqueuing one block per
// batch. It returns the first error encountered, after which the caller
// is expected to cancel its siblings via ctx.
func (c *Consumer) Run(ctx context.Context, in <-chan Batch, w *Writer) error {
	for {
		select {
		case b, ok := <-in:
			if !ok {
				return nil
			}
			blk, err := c.build(b)
			if err != nil {
				return err
			}
			if err := w.Enqueue(ctx, b.BlockID, blk); err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Consumer) build(b Batch) (*block.Block, error) {
	blk := block.New(b.Contig, c.cfg.SampleCount)
	for _, rec := range b.Records {
		if err := blk.AppendVariant(rec); err != nil {
			return nil, err
		}
	}
	err := blk.Finalize(b.BlockID, block.FinalizeConfig{
		PermuteGenotypes: c.cfg.PermuteGenotypes,
		EncryptData:      c.cfg.EncryptData,
		CompressionLevel: c.cfg.CompressionLevel,
	}, c.kc)
	if err != nil {
		return nil, err
	}
	return blk, nil
}

// Sink is where the writer puts a finished block's bytes; it also
// accumulates the variant index and checksum table entries.
type Sink interface {
	WriteBlock(blockID int64, blk *block.Block) error
}

// Writer is the C11 ordering writer: it owns "next expected block id"
// and serialises every Sink call under its mutex. Consumers hand
// finished blocks to Enqueue; the call that supplies the next expected
// block writes it (and any buffered successors) to Sink from the
// calling goroutine, while a consumer whose block is not yet due waits
// on a per-block channel until a later drain writes it. This follows
// §4.8's state machine, with per-block channels in place of a shared
// condition variable.
type Writer struct {
	sink Sink

	mu      sync.Mutex
	pending map[int64]*block.Block
	next    int64
	waiters map[int64]chan struct{}
	err     error
	done    chan struct{}
}

// NewWriter returns a Writer that streams finished blocks to sink in
// strict block-id order, starting at 0.
func NewWriter(sink Sink) *Writer {
	return &Writer{
		sink:    sink,
		pending: make(map[int64]*block.Block),
		waiters: make(map[int64]chan struct{}),
		done:    make(chan struct{}),
	}
}

// Enqueue hands a finished block to the writer. It blocks until every
// block with a smaller id has been written, then writes this one (and
// any immediately-following blocks already buffered) before returning.
func (w *Writer) Enqueue(ctx context.Context, blockID int64, blk *block.Block) error {
	w.mu.Lock()
	w.pending[blockID] = blk
	w.drainLocked()
	if blockID < w.next || w.err != nil {
		// Either this block (and possibly a sibling's buffered
		// successors) was just written, or the writer is already
		// failed; no waiter is needed.
		err := w.err
		w.mu.Unlock()
		return err
	}
	ch := make(chan struct{})
	w.waiters[blockID] = ch
	w.mu.Unlock()

	select {
	case <-ch:
		return w.Err()
	case <-ctx.Done():
		return ctx.Err()
	case <-w.done:
		return w.Err()
	}
}

// drainLocked writes every block at or after w.next that is already
// buffered, in order, stopping at the first gap. Caller holds w.mu.
func (w *Writer) drainLocked() {
	if w.err != nil {
		return
	}
	for {
		blk, ok := w.pending[w.next]
		if !ok {
			return
		}
		delete(w.pending, w.next)
		if err := w.sink.WriteBlock(w.next, blk); err != nil {
			w.err = err
		}
		if ch, ok := w.waiters[w.next]; ok {
			close(ch)
			delete(w.waiters, w.next)
		}
		w.next++
		if w.err != nil {
			return
		}
	}
}

// Err returns the first write error encountered, if any.
func (w *Writer) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

// Close marks the writer as shutting down; any Enqueue callers still
// waiting for their turn (because an earlier block never arrived, e.g.
// its consumer aborted) are released with an error.
func (w *Writer) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	select {
	case <-w.done:
		return
	default:
	}
	if w.err == nil && len(w.pending) > 0 {
		w.err = tachyonerr.New(tachyonerr.IO, "writer: shutdown with %d block(s) never reaching their turn", len(w.pending))
	}
	close(w.done)
}

func isEOF(err error) bool {
	return errors.Is(err, io.EOF)
}
