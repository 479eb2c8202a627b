// Copyright 2025 Meridian Mesh Authors
//
// Package offline implements the Offline Buffer & Reconciliation module
// (spec §4.8): while disconnected, nodes keep producing signed, chained
// events into a bounded, crash-durable queue; reconnection never
// re-ingests that queue automatically — a Guardian Gate administrator must
// authorize the drain, and a Merkle root mismatch halts it.
package offline

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/meridian-mesh/trustfabric/internal/storage/boltkv"
	"github.com/meridian-mesh/trustfabric/pkg/clock"
	"github.com/meridian-mesh/trustfabric/pkg/merkle"
)

// DefaultMaxBuffer is the default queue capacity (spec §6).
const DefaultMaxBuffer = 10_000

const bucketName = "offline_queue"

// ConnectionState is the node's link-state position. Online ->
// OfflineAutonomous -> ReconnectPending -> Online is the only legal cycle.
type ConnectionState int

const (
	Online ConnectionState = iota
	OfflineAutonomous
	ReconnectPending
)

func (s ConnectionState) String() string {
	switch s {
	case OfflineAutonomous:
		return "OfflineAutonomous"
	case ReconnectPending:
		return "ReconnectPending"
	default:
		return "Online"
	}
}

// ErrIllegalTransition rejects a connection-state change outside the
// Online -> OfflineAutonomous -> ReconnectPending -> Online cycle.
type ErrIllegalTransition struct {
	From, To ConnectionState
}

func (e *ErrIllegalTransition) Error() string {
	return fmt.Sprintf("offline: illegal connection transition %s -> %s", e.From, e.To)
}

func legalTransition(from, to ConnectionState) bool {
	switch {
	case from == Online && to == OfflineAutonomous:
		return true
	case from == OfflineAutonomous && to == ReconnectPending:
		return true
	case from == ReconnectPending && to == Online:
		return true
	case to == Online && from == Online:
		return true
	default:
		return false
	}
}

// Entry is a single buffered event, carrying everything the ledger will
// eventually need plus the fields the offline span needs for its own
// Merkle chain (spec §4.8).
type Entry struct {
	EventID       string
	EventHash     [32]byte
	PrevEventHash [32]byte
	Signature     [64]byte
	KeyID         string
	Payload       []byte
	Nonce         [24]byte // reserved for future at-rest encryption
	TimestampMs   int64
	QueuedAt      time.Time
}

// ErrBufferExhausted is returned when queue is called at MAX_BUFFER
// capacity. The entry is never silently dropped: the caller sees the
// failure and must act (spec §4.8, §7).
var ErrBufferExhausted = fmt.Errorf("offline: buffer exhausted")

// ErrNotOfflineAutonomous is returned when Queue is called outside the
// OfflineAutonomous state.
var ErrNotOfflineAutonomous = fmt.Errorf("offline: queue only accepted while OfflineAutonomous")

// ErrReconciliationNotAuthorized is returned when Reconcile is attempted
// without administrator authorization.
var ErrReconciliationNotAuthorized = fmt.Errorf("offline: reconciliation requires Guardian Gate authorization")

// MerkleRootMismatch halts reconciliation when the peer's claimed root for
// the offline span does not match the locally computed one.
type MerkleRootMismatch struct {
	Offline [32]byte
	Online  [32]byte
}

func (e *MerkleRootMismatch) Error() string {
	return fmt.Sprintf("offline: merkle root mismatch (offline=%x online=%x)", e.Offline, e.Online)
}

// Buffer is the bounded, bbolt-backed offline queue for one node.
type Buffer struct {
	mu       sync.Mutex
	db       *boltkv.DB
	clock    clock.Clock
	maxSize  int
	state    ConnectionState
	count    int
	nextSeq  uint64
	tailHash [32]byte // zero value is genesis
}

// Open opens (or resumes) a Buffer backed by db, replaying existing
// entries to rebuild count, sequence, and chain tail state.
func Open(db *boltkv.DB, c clock.Clock, maxSize int) (*Buffer, error) {
	if c == nil {
		c = clock.System{}
	}
	if maxSize <= 0 {
		maxSize = DefaultMaxBuffer
	}
	if err := db.EnsureBucket(bucketName); err != nil {
		return nil, fmt.Errorf("offline: ensure bucket: %w", err)
	}

	b := &Buffer{db: db, clock: c, maxSize: maxSize, state: Online}

	var last Entry
	found := false
	err := db.ForEach(bucketName, func(key, value []byte) error {
		var e Entry
		if err := json.Unmarshal(value, &e); err != nil {
			return fmt.Errorf("offline: decode queued entry: %w", err)
		}
		b.count++
		last = e
		found = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	if found {
		b.tailHash = last.EventHash
	}
	b.nextSeq = uint64(b.count)
	return b, nil
}

// State returns the current connection state.
func (b *Buffer) State() ConnectionState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Transition moves the connection state machine, enforcing the legal
// Online -> OfflineAutonomous -> ReconnectPending -> Online cycle.
func (b *Buffer) Transition(to ConnectionState) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !legalTransition(b.state, to) {
		return &ErrIllegalTransition{From: b.state, To: to}
	}
	b.state = to
	return nil
}

// Queue appends entry while OfflineAutonomous, chaining prev_event_hash to
// the current tail. Returns ErrBufferExhausted at capacity without
// dropping any existing entry.
func (b *Buffer) Queue(entry Entry) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != OfflineAutonomous {
		return ErrNotOfflineAutonomous
	}
	if b.count >= b.maxSize {
		return ErrBufferExhausted
	}

	entry.PrevEventHash = b.tailHash
	entry.QueuedAt = b.clock.Now()

	value, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("offline: marshal entry: %w", err)
	}

	key := seqKey(b.nextSeq)
	if err := b.db.Put(bucketName, key, value); err != nil {
		return fmt.Errorf("offline: put entry: %w", err)
	}

	b.nextSeq++
	b.count++
	b.tailHash = entry.EventHash
	return nil
}

// Count returns the number of entries currently queued.
func (b *Buffer) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

// Entries returns every queued entry in queue order.
func (b *Buffer) Entries() ([]Entry, error) {
	var out []Entry
	err := b.db.ForEach(bucketName, func(key, value []byte) error {
		var e Entry
		if err := json.Unmarshal(value, &e); err != nil {
			return err
		}
		out = append(out, e)
		return nil
	})
	return out, err
}

// VerifyLocalChain reads entries in order and returns false at the index
// of the first prev_event_hash mismatch (spec §4.8).
func (b *Buffer) VerifyLocalChain() (bool, int, error) {
	entries, err := b.Entries()
	if err != nil {
		return false, 0, err
	}
	expected := [32]byte{}
	for i, e := range entries {
		if e.PrevEventHash != expected {
			return false, i, nil
		}
		expected = e.EventHash
	}
	return true, -1, nil
}

// MerkleRoot computes the Merkle root over the current offline span's
// event hashes, exposed for reconciliation (spec §4.8).
func (b *Buffer) MerkleRoot() ([32]byte, error) {
	entries, err := b.Entries()
	if err != nil {
		return [32]byte{}, err
	}
	if len(entries) == 0 {
		return [32]byte{}, nil
	}
	leaves := make([][]byte, len(entries))
	for i, e := range entries {
		h := e.EventHash
		leaves[i] = h[:]
	}
	tree, err := merkle.Build(leaves)
	if err != nil {
		return [32]byte{}, err
	}
	return tree.Root(), nil
}

// Reconcile drains the queue into apply, in order, only when authorized is
// true and peerRoot matches the locally computed Merkle root. On success
// the queue is cleared and the connection state returns to Online.
func (b *Buffer) Reconcile(ctx context.Context, authorized bool, peerRoot [32]byte, apply func(Entry) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !authorized {
		return ErrReconciliationNotAuthorized
	}

	b.mu.Lock()
	if b.state != ReconnectPending {
		b.mu.Unlock()
		return &ErrIllegalTransition{From: b.state, To: Online}
	}
	b.mu.Unlock()

	localRoot, err := b.MerkleRoot()
	if err != nil {
		return err
	}
	if localRoot != peerRoot {
		return &MerkleRootMismatch{Offline: localRoot, Online: peerRoot}
	}

	entries, err := b.Entries()
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := apply(e); err != nil {
			return fmt.Errorf("offline: apply entry %s: %w", e.EventID, err)
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for i := uint64(0); i < uint64(b.count); i++ {
		if err := b.db.Delete(bucketName, seqKey(i)); err != nil {
			return fmt.Errorf("offline: clear entry: %w", err)
		}
	}
	b.count = 0
	b.nextSeq = 0
	b.tailHash = [32]byte{}
	b.state = Online
	return nil
}

func seqKey(seq uint64) string {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], seq)
	return string(buf[:])
}
