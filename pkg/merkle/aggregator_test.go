// Copyright 2025 Meridian Mesh Authors

package merkle

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/meridian-mesh/trustfabric/pkg/clock"
)

type batchRecorder struct {
	mu      sync.Mutex
	batches []Batch
	leaves  [][]BufferedLeaf
}

func (r *batchRecorder) record(_ context.Context, b Batch, leaves []BufferedLeaf) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = append(r.batches, b)
	r.leaves = append(r.leaves, leaves)
}

func (r *batchRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.batches)
}

func TestAggregatorFlushesOnCountThreshold(t *testing.T) {
	rec := &batchRecorder{}
	cfg := Config{CountThreshold: 3, TimeInterval: time.Hour, CheckEvery: time.Hour}
	fc := clock.NewFixed(time.Unix(0, 0))
	agg := New(cfg, fc, rec.record)

	ctx := context.Background()
	agg.Append(ctx, 1, leafByte(1))
	agg.Append(ctx, 2, leafByte(2))
	if rec.count() != 0 {
		t.Fatalf("expected no flush before threshold, got %d batches", rec.count())
	}

	agg.Append(ctx, 3, leafByte(3))
	if rec.count() != 1 {
		t.Fatalf("expected one flush at threshold, got %d batches", rec.count())
	}

	batch := rec.batches[0]
	if batch.StartSeqNo != 1 || batch.EndSeqNo != 3 || batch.EventCount != 3 {
		t.Fatalf("unexpected batch window: %+v", batch)
	}
}

func TestAggregatorFlushesOnTimeTrigger(t *testing.T) {
	rec := &batchRecorder{}
	cfg := Config{CountThreshold: 1000, TimeInterval: time.Minute, CheckEvery: time.Second}
	fc := clock.NewFixed(time.Unix(0, 0))
	agg := New(cfg, fc, rec.record)

	ctx := context.Background()
	agg.Append(ctx, 1, leafByte(1))
	if rec.count() != 0 {
		t.Fatalf("expected no flush before interval elapsed, got %d batches", rec.count())
	}

	fc.Advance(2 * time.Minute)
	agg.checkTimeTrigger(ctx)

	if rec.count() != 1 {
		t.Fatalf("expected flush after interval elapsed, got %d batches", rec.count())
	}
}

func TestAggregatorNoFlushOnEmptyBuffer(t *testing.T) {
	rec := &batchRecorder{}
	cfg := Config{CountThreshold: 10, TimeInterval: time.Minute, CheckEvery: time.Second}
	fc := clock.NewFixed(time.Unix(0, 0))
	agg := New(cfg, fc, rec.record)

	fc.Advance(time.Hour)
	agg.checkTimeTrigger(context.Background())

	if rec.count() != 0 {
		t.Fatalf("expected no flush for empty buffer, got %d batches", rec.count())
	}
}

func TestAggregatorBatchRootMatchesDirectBuild(t *testing.T) {
	rec := &batchRecorder{}
	cfg := Config{CountThreshold: 2, TimeInterval: time.Hour, CheckEvery: time.Hour}
	fc := clock.NewFixed(time.Unix(0, 0))
	agg := New(cfg, fc, rec.record)

	ctx := context.Background()
	h1 := NormalizeLeaf(leafByte(11))
	h2 := NormalizeLeaf(leafByte(22))
	agg.Append(ctx, 5, h1)
	agg.Append(ctx, 6, h2)

	if rec.count() != 1 {
		t.Fatalf("expected one batch, got %d", rec.count())
	}

	tree, err := Build([][]byte{h1[:], h2[:]})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if rec.batches[0].RootHash != tree.Root() {
		t.Fatalf("batch root does not match direct tree build")
	}
}

func TestAggregatorForcedFlushDrainsPartialBuffer(t *testing.T) {
	rec := &batchRecorder{}
	cfg := Config{CountThreshold: 100, TimeInterval: time.Hour, CheckEvery: time.Hour}
	fc := clock.NewFixed(time.Unix(0, 0))
	agg := New(cfg, fc, rec.record)

	ctx := context.Background()
	agg.Append(ctx, 1, leafByte(1))
	agg.Flush(ctx)

	if rec.count() != 1 {
		t.Fatalf("expected forced flush to emit one batch, got %d", rec.count())
	}
	if rec.batches[0].EventCount != 1 {
		t.Fatalf("expected single-leaf batch, got %+v", rec.batches[0])
	}
}
