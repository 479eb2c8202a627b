// Copyright 2025 Meridian Mesh Authors

package handshake

import (
	"encoding/binary"
	"sync"
	"time"

	"github.com/meridian-mesh/trustfabric/internal/storage/boltkv"
	"github.com/meridian-mesh/trustfabric/pkg/clock"
)

const nonceBucket = "handshake_nonces"

// NonceStore records seen handshake nonces and rejects repeats within
// window. Entries older than window are purged lazily on every SeenAndRecord call,
// which keeps the store bounded without a background sweep goroutine.
type NonceStore struct {
	mu     sync.Mutex
	window time.Duration
	clock  clock.Clock
	db     *boltkv.DB // nil for the in-memory variant
	mem    map[string]time.Time
}

// NewMemoryNonceStore returns a NonceStore backed by an in-process map,
// for tests or nodes without a bbolt path configured.
func NewMemoryNonceStore(window time.Duration, c clock.Clock) *NonceStore {
	if c == nil {
		c = clock.System{}
	}
	return &NonceStore{window: window, clock: c, mem: make(map[string]time.Time)}
}

// NewBoltNonceStore returns a NonceStore durable across restarts, backed by
// the given bbolt database.
func NewBoltNonceStore(db *boltkv.DB, window time.Duration, c clock.Clock) (*NonceStore, error) {
	if c == nil {
		c = clock.System{}
	}
	if err := db.EnsureBucket(nonceBucket); err != nil {
		return nil, err
	}
	return &NonceStore{window: window, clock: c, db: db}, nil
}

// SeenAndRecord reports whether nonce has already been recorded within the
// retention window; if not, it records nonce and returns false. Entries
// older than window are purged from the store first.
func (s *NonceStore) SeenAndRecord(nonce string) (seen bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	cutoff := now.Add(-s.window)

	if s.db != nil {
		return s.seenAndRecordBolt(nonce, now, cutoff)
	}
	return s.seenAndRecordMemory(nonce, now, cutoff), nil
}

func (s *NonceStore) seenAndRecordMemory(nonce string, now, cutoff time.Time) bool {
	for n, t := range s.mem {
		if t.Before(cutoff) {
			delete(s.mem, n)
		}
	}
	if t, ok := s.mem[nonce]; ok && !t.Before(cutoff) {
		return true
	}
	s.mem[nonce] = now
	return false
}

func (s *NonceStore) seenAndRecordBolt(nonce string, now, cutoff time.Time) (bool, error) {
	var purgeKeys []string
	err := s.db.ForEach(nonceBucket, func(key, value []byte) error {
		seenAt := time.UnixMilli(int64(binary.BigEndian.Uint64(value)))
		if seenAt.Before(cutoff) {
			purgeKeys = append(purgeKeys, string(key))
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	for _, k := range purgeKeys {
		if err := s.db.Delete(nonceBucket, k); err != nil {
			return false, err
		}
	}

	if raw, ok, err := s.db.Get(nonceBucket, nonce); err != nil {
		return false, err
	} else if ok {
		seenAt := time.UnixMilli(int64(binary.BigEndian.Uint64(raw)))
		if !seenAt.Before(cutoff) {
			return true, nil
		}
	}

	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(now.UnixMilli()))
	if err := s.db.Put(nonceBucket, nonce, buf); err != nil {
		return false, err
	}
	return false, nil
}
