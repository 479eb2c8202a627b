// Copyright 2025 Meridian Mesh Authors
//
// Package ledger implements the per-node append-only, hash-chained event
// log described in spec §4.1: every locally originated event is appended
// exactly once, in strictly increasing seq_no order, chained to its
// predecessor through prev_event_hash, which must equal the predecessor's
// BLAKE3 event_hash.
package ledger

import "lukechampine.com/blake3"

// HashSize is the width of every event hash and chain link: 32 bytes of
// BLAKE3 output.
const HashSize = 32

// GenesisHash is the all-zero predecessor hash a chain's first event must
// declare.
var GenesisHash = [HashSize]byte{}

// SignedEvent is the unit the ledger stores, per spec §3.
type SignedEvent struct {
	EventID        string
	TimestampMs    int64
	EventHash      [HashSize]byte
	PrevEventHash  [HashSize]byte
	Signature      [64]byte
	PublicKeyID    string
	EventType      string // optional, "" if unset
	PayloadRef     string // optional, "" if unset
}

// CanonicalBytes returns the deterministic byte encoding hashed to produce
// EventHash. Field order is fixed; any change to it is a wire format
// change.
func (e *SignedEvent) CanonicalBytes() []byte {
	buf := make([]byte, 0, len(e.EventID)+8+len(e.PrevEventHash)+len(e.PublicKeyID)+len(e.EventType)+len(e.PayloadRef)+32)
	buf = append(buf, e.EventID...)
	buf = appendInt64(buf, e.TimestampMs)
	buf = append(buf, e.PrevEventHash[:]...)
	buf = append(buf, e.PublicKeyID...)
	buf = append(buf, e.EventType...)
	buf = append(buf, e.PayloadRef...)
	return buf
}

// ComputeEventHash returns BLAKE3(canonical(event)).
func (e *SignedEvent) ComputeEventHash() [HashSize]byte {
	return blake3.Sum256(e.CanonicalBytes())
}

func appendInt64(buf []byte, v int64) []byte {
	u := uint64(v)
	for i := 0; i < 8; i++ {
		buf = append(buf, byte(u>>(56-8*i)))
	}
	return buf
}

// LedgerEntry is a SignedEvent assigned a monotonically increasing seq_no.
type LedgerEntry struct {
	SeqNo uint64
	Event SignedEvent
}

// Health describes the result of the startup continuity check or a
// subsequent health probe.
type Health struct {
	Corrupted *Corruption // nil when healthy
}

// Corruption latches the exact coordinates of the first detected break in
// the chain. Once set, the ledger refuses further appends.
type Corruption struct {
	LastGoodSeqNo uint64
	FirstBadSeqNo uint64
	ErrorType     string
}
