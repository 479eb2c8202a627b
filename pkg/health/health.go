// Copyright 2025 Meridian Mesh Authors
//
// Package health tracks per-peer integrity counters and derives a
// discrete status from them (spec §4.5). Staleness past a TTL forces the
// status to Unknown regardless of the counters.
package health

import (
	"sync"
	"time"

	"github.com/meridian-mesh/trustfabric/pkg/clock"
)

// Status is the derived health state for a peer.
type Status int

const (
	Unknown Status = iota
	Compromised
	Degraded
	Healthy
)

func (s Status) String() string {
	switch s {
	case Compromised:
		return "COMPROMISED"
	case Degraded:
		return "DEGRADED"
	case Healthy:
		return "HEALTHY"
	default:
		return "UNKNOWN"
	}
}

// Thresholds configures the status function. Severe* ceilings gate
// Compromised; Healthy* ceilings gate Degraded.
type Thresholds struct {
	DegradedMinAgreement float64
	HealthyMinAgreement  float64

	SevereChainBreaks      uint64
	SevereSignatureFailures uint64
	SevereMissingWindows   uint64

	HealthyChainBreaks      uint64
	HealthySignatureFailures uint64
	HealthyMissingWindows   uint64

	StalenessTTL time.Duration
}

// DefaultThresholds returns the spec §4.5 defaults.
func DefaultThresholds() Thresholds {
	return Thresholds{
		DegradedMinAgreement:    0.80,
		HealthyMinAgreement:     0.95,
		SevereChainBreaks:       5,
		SevereSignatureFailures: 10,
		SevereMissingWindows:    10,
		HealthyChainBreaks:      0,
		HealthySignatureFailures: 2,
		HealthyMissingWindows:   1,
		StalenessTTL:            5 * time.Minute,
	}
}

// Counters are the raw per-peer integrity metrics (spec §3).
type Counters struct {
	RootsCompared     uint64
	RootsMatching     uint64
	ChainBreaks       uint64
	SignatureFailures uint64
	MissingWindows    uint64
	LastUpdated       time.Time
}

// AgreementRatio returns roots_matching / roots_compared, or 0 when no
// comparisons have occurred.
func (c Counters) AgreementRatio() float64 {
	if c.RootsCompared == 0 {
		return 0
	}
	return float64(c.RootsMatching) / float64(c.RootsCompared)
}

// Monitor tracks Counters per peer. Grounded on the same
// track-compare-latch shape as a consensus stall monitor, generalized to
// per-peer root-agreement and fault tallies instead of a single block
// height.
type Monitor struct {
	mu         sync.RWMutex
	thresholds Thresholds
	clock      clock.Clock
	peers      map[string]*Counters
}

// NewMonitor constructs a Monitor with the given thresholds.
func NewMonitor(thresholds Thresholds, c clock.Clock) *Monitor {
	if c == nil {
		c = clock.System{}
	}
	return &Monitor{thresholds: thresholds, clock: c, peers: make(map[string]*Counters)}
}

func (m *Monitor) counters(peerID string) *Counters {
	c, ok := m.peers[peerID]
	if !ok {
		c = &Counters{}
		m.peers[peerID] = c
	}
	return c
}

// RecordRootComparison records one Merkle-root agreement comparison.
func (m *Monitor) RecordRootComparison(peerID string, matchesMajority bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.counters(peerID)
	c.RootsCompared++
	if matchesMajority {
		c.RootsMatching++
	}
	c.LastUpdated = m.clock.Now()
}

// RecordChainBreak records an observed hash-chain discontinuity from peerID.
func (m *Monitor) RecordChainBreak(peerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.counters(peerID)
	c.ChainBreaks++
	c.LastUpdated = m.clock.Now()
}

// RecordSignatureFailure records a failed signature verification from peerID.
func (m *Monitor) RecordSignatureFailure(peerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.counters(peerID)
	c.SignatureFailures++
	c.LastUpdated = m.clock.Now()
}

// RecordMissingWindow records a missed aggregation window from peerID.
func (m *Monitor) RecordMissingWindow(peerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.counters(peerID)
	c.MissingWindows++
	c.LastUpdated = m.clock.Now()
}

// Counters returns a copy of peerID's current counters.
func (m *Monitor) Counters(peerID string) Counters {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if c, ok := m.peers[peerID]; ok {
		return *c
	}
	return Counters{}
}

// StatusOf derives peerID's current Status per spec §4.5.
func (m *Monitor) StatusOf(peerID string) Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.peers[peerID]
	if !ok {
		return Unknown
	}
	return deriveStatus(*c, m.thresholds, m.clock.Now())
}

func deriveStatus(c Counters, th Thresholds, now time.Time) Status {
	if c.RootsCompared == 0 {
		return Unknown
	}
	if now.Sub(c.LastUpdated) > th.StalenessTTL {
		return Unknown
	}

	agreement := c.AgreementRatio()

	if agreement < th.DegradedMinAgreement ||
		c.ChainBreaks > th.SevereChainBreaks ||
		c.SignatureFailures > th.SevereSignatureFailures ||
		c.MissingWindows > th.SevereMissingWindows {
		return Compromised
	}

	if agreement < th.HealthyMinAgreement ||
		c.ChainBreaks > th.HealthyChainBreaks ||
		c.SignatureFailures > th.HealthySignatureFailures ||
		c.MissingWindows > th.HealthyMissingWindows {
		return Degraded
	}

	return Healthy
}
