// Copyright 2025 Meridian Mesh Authors

package slashing

import (
	"sync"
	"time"

	"github.com/google/btree"
)

const defaultDegree = 32

type evidenceEntry struct {
	Position   uint64
	EventHash  [32]byte
	RecordedAt time.Time
}

func evidenceLess(a, b evidenceEntry) bool {
	return a.Position < b.Position
}

// EvidenceIndex bounds the per-node position -> event_hash evidence used
// for equivocation detection. The source's evidence maps are unbounded
// (spec §9 open question iii); here capacity evicts the oldest-by-position
// entry and a periodic compaction sweep drops entries older than
// compactionAge, independent of capacity pressure.
type EvidenceIndex struct {
	mu            sync.Mutex
	cap           int
	compactionAge time.Duration
	lastCompacted map[string]time.Time
	perNode       map[string]*btree.BTreeG[evidenceEntry]
}

// NewEvidenceIndex builds an index capped at cap entries per node, with a
// compaction sweep dropping entries older than compactionAge.
func NewEvidenceIndex(cap int, compactionAge time.Duration) *EvidenceIndex {
	return &EvidenceIndex{
		cap:           cap,
		compactionAge: compactionAge,
		lastCompacted: make(map[string]time.Time),
		perNode:       make(map[string]*btree.BTreeG[evidenceEntry]),
	}
}

// CheckAndRecord looks up nodeID's evidence at position. If an entry
// already exists at that position with a different hash, it returns the
// colliding entry and ok=true without modifying the index (the caller
// slashes on this). Otherwise it records the new entry, evicting and
// compacting as needed, and returns ok=false.
func (idx *EvidenceIndex) CheckAndRecord(nodeID string, position uint64, eventHash [32]byte, now time.Time) (evidenceEntry, bool) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	tree, ok := idx.perNode[nodeID]
	if !ok {
		tree = btree.NewG(defaultDegree, evidenceLess)
		idx.perNode[nodeID] = tree
	}

	idx.compactIfDue(nodeID, tree, now)

	probe := evidenceEntry{Position: position}
	if existing, found := tree.Get(probe); found {
		if existing.EventHash != eventHash {
			return existing, true
		}
		return evidenceEntry{}, false
	}

	tree.ReplaceOrInsert(evidenceEntry{Position: position, EventHash: eventHash, RecordedAt: now})

	for tree.Len() > idx.cap {
		oldest, ok := tree.Min()
		if !ok {
			break
		}
		tree.Delete(oldest)
	}

	return evidenceEntry{}, false
}

func (idx *EvidenceIndex) compactIfDue(nodeID string, tree *btree.BTreeG[evidenceEntry], now time.Time) {
	if idx.compactionAge <= 0 {
		return
	}
	if last, ok := idx.lastCompacted[nodeID]; ok && now.Sub(last) < idx.compactionAge {
		return
	}
	idx.lastCompacted[nodeID] = now

	cutoff := now.Add(-idx.compactionAge)
	var stale []evidenceEntry
	tree.Ascend(func(e evidenceEntry) bool {
		if e.RecordedAt.Before(cutoff) {
			stale = append(stale, e)
		}
		return true
	})
	for _, e := range stale {
		tree.Delete(e)
	}
}
