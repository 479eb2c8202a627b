// Copyright 2025 Meridian Mesh Authors

package handshake

import (
	"testing"
	"time"

	"github.com/meridian-mesh/trustfabric/pkg/clock"
)

func TestNonceStoreRejectsRepeat(t *testing.T) {
	fc := clock.NewFixed(time.Unix(0, 0))
	store := NewMemoryNonceStore(5*time.Minute, fc)

	seen, err := store.SeenAndRecord("abc")
	if err != nil {
		t.Fatalf("seen and record: %v", err)
	}
	if seen {
		t.Fatal("first occurrence should not be seen")
	}

	seen, err = store.SeenAndRecord("abc")
	if err != nil {
		t.Fatalf("seen and record: %v", err)
	}
	if !seen {
		t.Fatal("repeat within window should be seen")
	}
}

func TestNonceStorePurgesExpiredEntries(t *testing.T) {
	fc := clock.NewFixed(time.Unix(0, 0))
	store := NewMemoryNonceStore(5*time.Minute, fc)

	if _, err := store.SeenAndRecord("abc"); err != nil {
		t.Fatalf("seen and record: %v", err)
	}

	fc.Advance(6 * time.Minute)

	seen, err := store.SeenAndRecord("abc")
	if err != nil {
		t.Fatalf("seen and record: %v", err)
	}
	if seen {
		t.Fatal("expired entry should not count as seen")
	}
}
