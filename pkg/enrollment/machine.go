// Copyright 2025 Meridian Mesh Authors

package enrollment

import (
	"fmt"
	"sync"
	"time"

	"lukechampine.com/blake3"

	"github.com/meridian-mesh/trustfabric/pkg/clock"
)

// DefaultMaxHistory bounds the per-node transition audit trail.
const DefaultMaxHistory = 256

// Transition records one lattice step for audit.
type Transition struct {
	From      Stage
	To        Stage
	Timestamp time.Time
	Reason    string
	BlobHash  [32]byte
}

// Machine tracks one node's enrollment stage plus a bounded transition
// history. Single-owner: external synchronization is only needed if shared
// across goroutines, in which case the embedded mutex protects it.
type Machine struct {
	mu         sync.Mutex
	clock      clock.Clock
	nodeID     string
	stage      Stage
	trustScore float64
	deviceTokenHash string
	certSerial string
	history    []Transition
	maxHistory int
}

// NewMachine starts a node at Uninitialized.
func NewMachine(nodeID string, c clock.Clock) *Machine {
	if c == nil {
		c = clock.System{}
	}
	return &Machine{clock: c, nodeID: nodeID, stage: Uninitialized, maxHistory: DefaultMaxHistory}
}

// Stage returns the current stage.
func (m *Machine) Stage() Stage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stage
}

// History returns a copy of the bounded transition history.
func (m *Machine) History() []Transition {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Transition, len(m.history))
	copy(out, m.history)
	return out
}

// TrustScore returns the trust score recorded at Attested.
func (m *Machine) TrustScore() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.trustScore
}

// Advance drives stage -> to, rejecting illegal lattice edges. trustScore
// must be supplied (and must be >= 0.7) when to == Attested; it is ignored
// otherwise.
func (m *Machine) Advance(to Stage, reason string, trustScore float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !CanTransition(m.stage, to) {
		return &ErrIllegalTransition{From: m.stage, To: to}
	}
	if to == Attested && trustScore < 0.7 {
		return ErrTrustTooLow
	}

	from := m.stage
	now := m.clock.Now()
	blob := transitionBlob(m.nodeID, from, to, now, reason)

	m.stage = to
	if to == Attested {
		m.trustScore = trustScore
	}
	m.recordHistory(Transition{From: from, To: to, Timestamp: now, Reason: reason, BlobHash: blake3.Sum256(blob)})
	return nil
}

// SetProvisioned records the device token hash issued at the Provisioned
// stage, in addition to advancing the lattice.
func (m *Machine) SetProvisioned(deviceTokenHash, reason string) error {
	if err := m.Advance(Provisioned, reason, 0); err != nil {
		return err
	}
	m.mu.Lock()
	m.deviceTokenHash = deviceTokenHash
	m.mu.Unlock()
	return nil
}

// SetTrusted records the issued certificate serial, in addition to
// advancing the lattice.
func (m *Machine) SetTrusted(certSerial, reason string) error {
	if err := m.Advance(Trusted, reason, 0); err != nil {
		return err
	}
	m.mu.Lock()
	m.certSerial = certSerial
	m.mu.Unlock()
	return nil
}

func (m *Machine) recordHistory(t Transition) {
	m.history = append(m.history, t)
	if len(m.history) > m.maxHistory {
		m.history = m.history[len(m.history)-m.maxHistory:]
	}
}

func transitionBlob(nodeID string, from, to Stage, at time.Time, reason string) []byte {
	return []byte(fmt.Sprintf("%s|%s|%s|%d|%s", nodeID, from, to, at.UnixNano(), reason))
}
