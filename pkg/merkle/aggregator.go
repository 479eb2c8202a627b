// Copyright 2025 Meridian Mesh Authors
//
// Aggregator fills a buffer of (seq_no, event_hash) pairs as the ledger
// appends events and emits a Batch when either the count_threshold is hit
// or time_interval has elapsed since the last batch with a non-empty
// buffer (spec §4.2). The time trigger rides a cron-style ticker the same
// way the batch scheduler in this codebase rode a cadence timer for
// anchoring windows, generalized from a fixed interval to the configured
// time_interval.
package merkle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/meridian-mesh/trustfabric/pkg/clock"
)

// BatchReadyFunc is invoked with a freshly closed batch and its leaves, in
// (seq_no, event_hash) order, whenever a batch is emitted.
type BatchReadyFunc func(ctx context.Context, batch Batch, leaves []BufferedLeaf)

// BufferedLeaf is one entry awaiting aggregation.
type BufferedLeaf struct {
	SeqNo     uint64
	EventHash [LeafSize]byte
}

// Config controls aggregation scheduling.
type Config struct {
	CountThreshold int
	TimeInterval   time.Duration
	// CheckEvery controls how often the cron-driven tick evaluates the
	// time trigger; it should be well under TimeInterval.
	CheckEvery time.Duration
}

// DefaultConfig returns the spec §6 defaults.
func DefaultConfig() Config {
	return Config{
		CountThreshold: 1000,
		TimeInterval:   60 * time.Second,
		CheckEvery:     1 * time.Second,
	}
}

// Aggregator buffers appended leaves and emits Batches per Config.
type Aggregator struct {
	mu     sync.Mutex
	cfg    Config
	clock  clock.Clock
	onBatch BatchReadyFunc

	buffer        []BufferedLeaf
	lastBatchTime time.Time

	cron *cron.Cron
}

// New constructs an Aggregator. Start must be called to begin the
// time-trigger cron loop; Append alone is enough to trigger count-based
// batches synchronously.
func New(cfg Config, c clock.Clock, onBatch BatchReadyFunc) *Aggregator {
	if c == nil {
		c = clock.System{}
	}
	return &Aggregator{
		cfg:           cfg,
		clock:         c,
		onBatch:       onBatch,
		lastBatchTime: c.Now(),
	}
}

// Start begins the cron-driven time-trigger check. Stop must be called to
// release the cron goroutine.
func (a *Aggregator) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.cron != nil {
		return fmt.Errorf("merkle: aggregator already started")
	}

	a.cron = cron.New(cron.WithParser(cron.NewParser(
		cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow,
	)))
	spec := fmt.Sprintf("@every %s", a.cfg.CheckEvery)
	_, err := a.cron.AddFunc(spec, func() { a.checkTimeTrigger(ctx) })
	if err != nil {
		a.cron = nil
		return fmt.Errorf("merkle: schedule time trigger: %w", err)
	}
	a.cron.Start()
	return nil
}

// Stop halts the cron loop, if running.
func (a *Aggregator) Stop() {
	a.mu.Lock()
	c := a.cron
	a.cron = nil
	a.mu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}
}

// Append adds a leaf to the buffer, flushing synchronously if
// count_threshold is reached.
func (a *Aggregator) Append(ctx context.Context, seqNo uint64, eventHash [LeafSize]byte) {
	a.mu.Lock()
	a.buffer = append(a.buffer, BufferedLeaf{SeqNo: seqNo, EventHash: eventHash})
	shouldFlush := len(a.buffer) >= a.cfg.CountThreshold
	a.mu.Unlock()

	if shouldFlush {
		a.flush(ctx)
	}
}

func (a *Aggregator) checkTimeTrigger(ctx context.Context) {
	a.mu.Lock()
	elapsed := a.clock.Now().Sub(a.lastBatchTime)
	nonEmpty := len(a.buffer) > 0
	a.mu.Unlock()

	if nonEmpty && elapsed >= a.cfg.TimeInterval {
		a.flush(ctx)
	}
}

// flush closes the current buffer into a Batch and invokes onBatch. It
// always runs under a fresh lock acquisition to avoid holding the mutex
// across the (potentially slow) callback.
func (a *Aggregator) flush(ctx context.Context) {
	a.mu.Lock()
	if len(a.buffer) == 0 {
		a.mu.Unlock()
		return
	}
	leaves := a.buffer
	a.buffer = nil
	a.lastBatchTime = a.clock.Now()
	a.mu.Unlock()

	rawLeaves := make([][]byte, len(leaves))
	for i, l := range leaves {
		h := l.EventHash
		rawLeaves[i] = h[:]
	}

	tree, err := Build(rawLeaves)
	if err != nil {
		// Empty input cannot happen here since we checked len(leaves) > 0,
		// but fail visibly rather than silently dropping the window.
		panic("merkle: " + err.Error())
	}

	start, end := leaves[0].SeqNo, leaves[0].SeqNo
	for _, l := range leaves {
		if l.SeqNo < start {
			start = l.SeqNo
		}
		if l.SeqNo > end {
			end = l.SeqNo
		}
	}

	batch := Batch{
		BatchID:    uuid.NewString(),
		RootHash:   tree.Root(),
		StartSeqNo: start,
		EndSeqNo:   end,
		EventCount: len(leaves),
		CreatedAt:  a.clock.Now(),
	}

	if a.onBatch != nil {
		a.onBatch(ctx, batch, leaves)
	}
}

// Flush forces an immediate flush regardless of thresholds, for shutdown
// paths that must not drop a partial window.
func (a *Aggregator) Flush(ctx context.Context) {
	a.flush(ctx)
}
