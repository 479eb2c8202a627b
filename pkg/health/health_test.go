// Copyright 2025 Meridian Mesh Authors

package health

import (
	"testing"
	"time"

	"github.com/meridian-mesh/trustfabric/pkg/clock"
)

func TestStatusUnknownWithNoComparisons(t *testing.T) {
	m := NewMonitor(DefaultThresholds(), clock.NewFixed(time.Unix(0, 0)))
	if got := m.StatusOf("peer-1"); got != Unknown {
		t.Fatalf("expected Unknown, got %v", got)
	}
}

func TestStatusHealthyWithHighAgreement(t *testing.T) {
	fc := clock.NewFixed(time.Unix(0, 0))
	m := NewMonitor(DefaultThresholds(), fc)
	for i := 0; i < 100; i++ {
		m.RecordRootComparison("peer-1", true)
	}
	if got := m.StatusOf("peer-1"); got != Healthy {
		t.Fatalf("expected Healthy, got %v", got)
	}
}

func TestStatusDegradedOnLowAgreement(t *testing.T) {
	fc := clock.NewFixed(time.Unix(0, 0))
	m := NewMonitor(DefaultThresholds(), fc)
	for i := 0; i < 90; i++ {
		m.RecordRootComparison("peer-1", true)
	}
	for i := 0; i < 10; i++ {
		m.RecordRootComparison("peer-1", false)
	}
	if got := m.StatusOf("peer-1"); got != Degraded {
		t.Fatalf("expected Degraded at 0.90 agreement, got %v", got)
	}
}

func TestStatusCompromisedOnSevereChainBreaks(t *testing.T) {
	fc := clock.NewFixed(time.Unix(0, 0))
	m := NewMonitor(DefaultThresholds(), fc)
	for i := 0; i < 100; i++ {
		m.RecordRootComparison("peer-1", true)
	}
	for i := 0; i < 6; i++ {
		m.RecordChainBreak("peer-1")
	}
	if got := m.StatusOf("peer-1"); got != Compromised {
		t.Fatalf("expected Compromised with 6 chain breaks, got %v", got)
	}
}

func TestStatusForcedUnknownPastStaleness(t *testing.T) {
	fc := clock.NewFixed(time.Unix(0, 0))
	m := NewMonitor(DefaultThresholds(), fc)
	for i := 0; i < 100; i++ {
		m.RecordRootComparison("peer-1", true)
	}

	fc.Advance(10 * time.Minute)
	if got := m.StatusOf("peer-1"); got != Unknown {
		t.Fatalf("expected Unknown past staleness TTL, got %v", got)
	}
}

func TestAgreementRatioZeroWithNoComparisons(t *testing.T) {
	var c Counters
	if c.AgreementRatio() != 0 {
		t.Fatalf("expected 0 agreement ratio with no comparisons")
	}
}
