// Copyright 2025 Meridian Mesh Authors
//
// Batch is spec §3's MerkleBatch: an immutable commitment over an inclusive
// seq_no window.
package merkle

import "time"

// Batch records one aggregation window.
type Batch struct {
	BatchID    string
	RootHash   [LeafSize]byte
	StartSeqNo uint64
	EndSeqNo   uint64
	EventCount int
	CreatedAt  time.Time
}
