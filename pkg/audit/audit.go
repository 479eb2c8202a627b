// Copyright 2025 Meridian Mesh Authors
//
// Package audit turns every Gate, handshake, and enrollment decision into a
// first-class, append-only record. Rather than a separate audit store, it
// writes through the same hash-chained ledger used for domain events,
// under a reserved event_type of "audit" — grounded on the teacher's
// dedicated audit trail service, retargeted from Firestore to the local
// chain since no external audit sink is in scope for the Core.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/meridian-mesh/trustfabric/pkg/clock"
	"github.com/meridian-mesh/trustfabric/pkg/ledger"
)

// EventType is the reserved ledger event_type for audit records.
const EventType = "audit"

// SignFunc signs an event hash with the node's long-term signing key.
type SignFunc func(eventHash [ledger.HashSize]byte) [64]byte

// Record is the structured entry every admission/enrollment/handshake
// decision produces (spec §4.7: "every step ... writes a structured audit
// record {action, operator, target, result}").
type Record struct {
	Action   string    `json:"action"`
	Operator string    `json:"operator"`
	Target   string    `json:"target"`
	Result   string    `json:"result"`
	At       time.Time `json:"at"`
}

// Trail appends Records to a ledger as regular, hash-chained events.
type Trail struct {
	ledger      *ledger.Ledger
	clock       clock.Clock
	publicKeyID string
	sign        SignFunc
}

// NewTrail builds a Trail writing through l, signing with sign under
// publicKeyID.
func NewTrail(l *ledger.Ledger, c clock.Clock, publicKeyID string, sign SignFunc) *Trail {
	if c == nil {
		c = clock.System{}
	}
	return &Trail{ledger: l, clock: c, publicKeyID: publicKeyID, sign: sign}
}

// Record appends rec to the ledger. It never returns an error the caller
// must act on beyond logging: an audit trail that can fail a command's own
// pipeline would make availability depend on the audit store, which the
// Core does not require.
func (t *Trail) Record(ctx context.Context, rec Record) error {
	rec.At = t.clock.Now()

	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("audit: marshal record: %w", err)
	}

	prevHash := ledger.GenesisHash
	if latest, err := t.ledger.GetLatest(ctx); err == nil {
		prevHash = latest.Event.EventHash
	}

	event := ledger.SignedEvent{
		EventID:       fmt.Sprintf("audit-%s-%d", rec.Action, rec.At.UnixNano()),
		TimestampMs:   rec.At.UnixMilli(),
		PrevEventHash: prevHash,
		PublicKeyID:   t.publicKeyID,
		EventType:     EventType,
		PayloadRef:    string(payload),
	}
	event.EventHash = event.ComputeEventHash()
	if t.sign != nil {
		event.Signature = t.sign(event.EventHash)
	}

	_, err = t.ledger.Append(ctx, event)
	return err
}
