// Copyright ©2020 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pipeline

import (
	"context"
	"io"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/kortschak/tachyon/internal/block"
)

// orderSink records the block ids it is handed, in call order.
type orderSink struct {
	mu  sync.Mutex
	ids []int64
}

func (s *orderSink) WriteBlock(blockID int64, _ *block.Block) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ids = append(s.ids, blockID)
	return nil
}

func TestWriterEmitsBlocksInIDOrder(t *testing.T) {
	const nBlocks = 64
	sink := &orderSink{}
	w := NewWriter(sink)

	ids := rand.Perm(nBlocks)
	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			// Jitter arrival order so early ids do not always arrive
			// first.
			time.Sleep(time.Duration(rand.Intn(3)) * time.Millisecond)
			if err := w.Enqueue(context.Background(), id, nil); err != nil {
				t.Errorf("enqueue %d: %v", id, err)
			}
		}(int64(id))
	}
	wg.Wait()
	w.Close()

	if len(sink.ids) != nBlocks {
		t.Fatalf("wrote %d blocks, want %d", len(sink.ids), nBlocks)
	}
	for i, id := range sink.ids {
		if id != int64(i) {
			t.Fatalf("position %d holds block %d; on-disk order must equal id order", i, id)
		}
	}
}

func TestWriterCloseReleasesStrandedWaiters(t *testing.T) {
	sink := &orderSink{}
	w := NewWriter(sink)

	done := make(chan error, 1)
	go func() {
		// Block 1 can never be written: block 0 never arrives.
		done <- w.Enqueue(context.Background(), 1, nil)
	}()

	time.Sleep(10 * time.Millisecond)
	w.Close()
	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected an error for a block stranded at shutdown")
		}
	case <-time.After(time.Second):
		t.Fatal("Enqueue did not return after Close")
	}
}

// sliceSource yields a fixed set of variants.
type sliceSource struct {
	recs []*block.Variant
	i    int
}

func (s *sliceSource) Next() (*block.Variant, error) {
	if s.i >= len(s.recs) {
		return nil, io.EOF
	}
	r := s.recs[s.i]
	s.i++
	return r, nil
}

func collectBatches(t *testing.T, src Source, policy CheckpointPolicy) []Batch {
	t.Helper()
	out := make(chan Batch, 16)
	errc := make(chan error, 1)
	go func() { errc <- Produce(context.Background(), src, policy, out) }()
	var batches []Batch
	for b := range out {
		batches = append(batches, b)
	}
	if err := <-errc; err != nil {
		t.Fatalf("produce: %v", err)
	}
	return batches
}

func v(contig int32, pos int64) *block.Variant {
	return &block.Variant{Contig: contig, Position: pos, End: pos}
}

func TestProduceCheckpointsOnVariantCount(t *testing.T) {
	src := &sliceSource{recs: []*block.Variant{
		v(0, 1), v(0, 2), v(0, 3), v(0, 4), v(0, 5),
	}}
	batches := collectBatches(t, src, CheckpointPolicy{MaxVariants: 2})
	if len(batches) != 3 {
		t.Fatalf("got %d batches, want 3", len(batches))
	}
	for i, b := range batches {
		if b.BlockID != int64(i) {
			t.Fatalf("batch %d has id %d; ids must be strictly increasing from 0", i, b.BlockID)
		}
	}
	if len(batches[2].Records) != 1 {
		t.Fatalf("final batch has %d records, want 1", len(batches[2].Records))
	}
}

func TestProduceCheckpointsOnBaseSpan(t *testing.T) {
	src := &sliceSource{recs: []*block.Variant{
		v(0, 0), v(0, 100), v(0, 20_000), v(0, 20_010),
	}}
	batches := collectBatches(t, src, CheckpointPolicy{MaxVariants: 1000, MaxBases: 10_000})
	if len(batches) != 2 {
		t.Fatalf("got %d batches, want 2 (span checkpoint at 20kb)", len(batches))
	}
}

func TestProduceSplitsAtContigBoundary(t *testing.T) {
	src := &sliceSource{recs: []*block.Variant{
		v(0, 1), v(0, 2), v(1, 1),
	}}
	batches := collectBatches(t, src, CheckpointPolicy{MaxVariants: 1000})
	if len(batches) != 2 {
		t.Fatalf("got %d batches, want a split at the contig boundary", len(batches))
	}
	if batches[0].Contig != 0 || batches[1].Contig != 1 {
		t.Fatalf("batch contigs = %d, %d, want 0, 1", batches[0].Contig, batches[1].Contig)
	}
}
