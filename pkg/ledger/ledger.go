// Copyright 2025 Meridian Mesh Authors

package ledger

import (
	"context"
	"fmt"
	"sync"

	"github.com/meridian-mesh/trustfabric/pkg/clock"
	"github.com/meridian-mesh/trustfabric/pkg/telemetry"
)

// Ledger is the per-node append-only, hash-chained event log. It owns its
// Store exclusively; callers never reach into the Store directly.
type Ledger struct {
	mu      sync.Mutex
	store   Store
	nodeID  string
	clock   clock.Clock
	metrics *telemetry.Metrics
	logger  *telemetry.Logger

	corruption *Corruption // non-nil once latched
}

// Option configures a Ledger at construction time.
type Option func(*Ledger)

// WithClock overrides the default system clock.
func WithClock(c clock.Clock) Option {
	return func(l *Ledger) { l.clock = c }
}

// WithMetrics attaches a telemetry.Metrics set.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(l *Ledger) { l.metrics = m }
}

// WithLogger attaches a structured logger.
func WithLogger(lg *telemetry.Logger) Option {
	return func(l *Ledger) { l.logger = lg }
}

// Open constructs a Ledger over store for nodeID and runs the startup
// continuity check described in spec §4.1. A Corrupted ledger is still
// returned (never nil) so callers can inspect Health(), but every
// subsequent Append fails until a human clears the corruption out of band.
func Open(ctx context.Context, store Store, nodeID string, opts ...Option) (*Ledger, error) {
	l := &Ledger{
		store:  store,
		nodeID: nodeID,
		clock:  clock.System{},
		logger: telemetry.Noop(),
	}
	for _, opt := range opts {
		opt(l)
	}

	if err := l.checkContinuity(ctx); err != nil {
		return l, fmt.Errorf("ledger: startup continuity check: %w", err)
	}
	return l, nil
}

// checkContinuity walks every entry in ascending seq_no order, verifying
// strictly incrementing seq_no and an unbroken hash chain from genesis.
// The first divergence latches Corruption with exact coordinates.
func (l *Ledger) checkContinuity(ctx context.Context) error {
	if l.metrics != nil {
		l.metrics.StartupChecksTotal.Inc()
	}

	const pageSize = 1000
	var (
		expectedSeq  uint64
		expectedPrev = GenesisHash
		first        = true
		from         uint64 = 1
	)

	for {
		page, err := l.store.Iterate(ctx, from, pageSize)
		if err != nil {
			return err
		}
		if len(page) == 0 {
			break
		}

		for _, entry := range page {
			if first {
				expectedSeq = entry.SeqNo
				first = false
			}

			if entry.SeqNo != expectedSeq {
				l.latch(expectedSeq-1, entry.SeqNo, "sequence gap")
				return &CorruptedError{Corruption: *l.corruption}
			}
			if entry.Event.PrevEventHash != expectedPrev {
				l.latch(expectedSeq-1, entry.SeqNo, "hash chain break")
				return &CorruptedError{Corruption: *l.corruption}
			}

			expectedPrev = entry.Event.EventHash
			expectedSeq++
		}

		from = page[len(page)-1].SeqNo + 1
	}

	return nil
}

func (l *Ledger) latch(lastGood, firstBad uint64, errType string) {
	l.corruption = &Corruption{
		LastGoodSeqNo: lastGood,
		FirstBadSeqNo: firstBad,
		ErrorType:     errType,
	}
	if l.metrics != nil {
		l.metrics.CorruptionDetectionsTotal.Inc()
	}
	l.logger.Error("ledger corruption latched",
		"last_good_seq_no", lastGood, "first_bad_seq_no", firstBad, "error_type", errType)
}

// Health reports the current corruption state.
func (l *Ledger) Health() Health {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Health{Corrupted: l.corruption}
}

// Append verifies event.PrevEventHash against the current tail, then
// assigns the next seq_no atomically through the Store. Returns
// ChainOrderingViolation, DuplicateEventID, or a CorruptedError wrapping
// ErrCorrupted.
func (l *Ledger) Append(ctx context.Context, event SignedEvent) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.corruption != nil {
		return 0, &CorruptedError{Corruption: *l.corruption}
	}

	tail, ok, err := l.store.Tail(ctx)
	if err != nil {
		return 0, err
	}

	expectedPrev := GenesisHash
	if ok {
		expectedPrev = tail.Event.EventHash
	}

	if event.PrevEventHash != expectedPrev {
		return 0, &ChainOrderingViolation{Expected: expectedPrev, Actual: event.PrevEventHash}
	}

	seqNo, err := l.store.Append(ctx, event)
	if err != nil {
		return 0, err
	}

	if l.metrics != nil {
		l.metrics.EventsAppendedTotal.Inc()
	}
	return seqNo, nil
}

// GetLatest returns the highest seq_no entry, or ErrEmpty if none exists.
func (l *Ledger) GetLatest(ctx context.Context) (*LedgerEntry, error) {
	tail, ok, err := l.store.Tail(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrEmpty
	}
	return tail, nil
}

// GetBySeqNo returns ErrNotFound if no entry has that seq_no.
func (l *Ledger) GetBySeqNo(ctx context.Context, seqNo uint64) (*LedgerEntry, error) {
	return l.store.GetBySeqNo(ctx, seqNo)
}

// Iterate returns up to limit entries starting at fromSeqNo, ascending.
func (l *Ledger) Iterate(ctx context.Context, fromSeqNo uint64, limit int) ([]LedgerEntry, error) {
	return l.store.Iterate(ctx, fromSeqNo, limit)
}

// NodeID returns the node this ledger was opened for.
func (l *Ledger) NodeID() string { return l.nodeID }
