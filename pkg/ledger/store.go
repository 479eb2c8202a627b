// Copyright 2025 Meridian Mesh Authors
//
// Store is the durable-persistence seam the Ledger is built on. Production
// deployments back it with the relational store in
// internal/storage/pgledger (lib/pq, matching the spec §6 schema); tests and
// local tooling use MemStore.
//
// CONCURRENCY: a Store is driven by exactly one Ledger, which itself
// serializes all appends through its own mutex before calling Append. A
// Store implementation therefore only needs to guarantee that Append is
// atomic with respect to readers, not that it is safe for concurrent
// writers.
package ledger

import "context"

// Store is the persistence interface the Ledger needs.
type Store interface {
	// Tail returns the highest-seq_no entry, or ok=false if the store is
	// empty.
	Tail(ctx context.Context) (entry *LedgerEntry, ok bool, err error)

	// Append assigns the next seq_no and persists entry atomically,
	// returning DuplicateEventID if event.EventID already exists. Callers
	// must have already validated the chain link against Tail.
	Append(ctx context.Context, event SignedEvent) (seqNo uint64, err error)

	// GetBySeqNo returns ErrNotFound if no entry has that seq_no.
	GetBySeqNo(ctx context.Context, seqNo uint64) (*LedgerEntry, error)

	// Iterate returns up to limit entries in ascending seq_no order,
	// starting at fromSeqNo inclusive.
	Iterate(ctx context.Context, fromSeqNo uint64, limit int) ([]LedgerEntry, error)
}
