// Copyright 2025 Meridian Mesh Authors

package admission

import (
	"crypto/ed25519"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/meridian-mesh/trustfabric/internal/storage/boltkv"
	"github.com/meridian-mesh/trustfabric/pkg/clock"
	"github.com/meridian-mesh/trustfabric/pkg/health"
	"github.com/meridian-mesh/trustfabric/pkg/identity"
	"github.com/meridian-mesh/trustfabric/pkg/offline"
	"github.com/meridian-mesh/trustfabric/pkg/physics"
	"github.com/meridian-mesh/trustfabric/pkg/quorum"
	"github.com/meridian-mesh/trustfabric/pkg/slashing"
	"github.com/meridian-mesh/trustfabric/pkg/trust"
)

type fixture struct {
	gate       *Gate
	identities *identity.Registry
	scorer     *trust.Scorer
	policy     *quorum.Policy
	clock      *clock.Fixed
	records    []AuditRecord
	devicePriv ed25519.PrivateKey
	authPriv   ed25519.PrivateKey
}

func newFixture(t *testing.T, dispatch Dispatcher) *fixture {
	t.Helper()
	fc := clock.NewFixed(time.Unix(1_700_000_000, 0))
	identities := identity.NewRegistry()
	scorer := trust.NewScorer(fc)
	policy := quorum.NewPolicy(0.667)

	devicePub, devicePriv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate device key: %v", err)
	}
	authPub, authPriv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate authority key: %v", err)
	}
	policy.RegisterAuthority("authority-1", authPub)

	if err := identities.Register(&identity.PlatformIdentity{
		ID:        "device-1",
		PublicKey: devicePub,
		CreatedAt: fc.Now(),
	}); err != nil {
		t.Fatalf("register identity: %v", err)
	}
	scorer.UpdateScore("device-1", 0.95)

	f := &fixture{
		identities: identities,
		scorer:     scorer,
		policy:     policy,
		clock:      fc,
		devicePriv: devicePriv,
		authPriv:   authPriv,
	}
	audit := func(r AuditRecord) { f.records = append(f.records, r) }
	f.gate = New(DefaultConfig(), fc, identities, scorer, policy, dispatch, audit)
	return f
}

func (f *fixture) baseCommand(t *testing.T) Command {
	t.Helper()
	payload, err := json.Marshal(map[string]string{"op": "noop"})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	sig := ed25519.Sign(f.devicePriv, payload)
	authSig := ed25519.Sign(f.authPriv, payload)
	return Command{
		DeviceID:    "device-1",
		Signature:   sig,
		CommandID:   "cmd-1",
		PayloadJSON: payload,
		AuthoritySignatures: []quorum.AuthoritySignature{
			{KeyID: "authority-1", Signature: authSig},
		},
		TimestampNS: f.clock.Now().UnixNano(),
	}
}

func TestAdmitAllowsWellFormedCommand(t *testing.T) {
	dispatched := false
	f := newFixture(t, func(Command) error { dispatched = true; return nil })
	cmd := f.baseCommand(t)

	if err := f.gate.Admit(cmd); err != nil {
		t.Fatalf("expected admission, got %v", err)
	}
	if !dispatched {
		t.Fatal("expected dispatcher to be invoked")
	}
	if f.records[len(f.records)-1].Result != "allow" {
		t.Fatalf("expected final audit record to be allow, got %q", f.records[len(f.records)-1].Result)
	}
}

func TestAdmitRejectsUnknownDevice(t *testing.T) {
	f := newFixture(t, nil)
	cmd := f.baseCommand(t)
	cmd.DeviceID = "ghost-device"

	err := f.gate.Admit(cmd)
	gateErr, ok := err.(*GateError)
	if !ok {
		t.Fatalf("expected *GateError, got %T: %v", err, err)
	}
	if gateErr.Code != CodeUnauthenticated {
		t.Fatalf("expected Unauthenticated, got %v", gateErr.Code)
	}
}

func TestAdmitRejectsRevokedDevice(t *testing.T) {
	f := newFixture(t, nil)
	if err := f.identities.Revoke("device-1"); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	cmd := f.baseCommand(t)

	err := f.gate.Admit(cmd)
	gateErr, ok := err.(*GateError)
	if !ok || gateErr.Code != CodePermissionDenied || gateErr.Stage != "revocation" {
		t.Fatalf("expected revocation PermissionDenied, got %v", err)
	}
}

func TestAdmitRejectsBadSignature(t *testing.T) {
	f := newFixture(t, nil)
	cmd := f.baseCommand(t)
	cmd.Signature[0] ^= 0xFF

	err := f.gate.Admit(cmd)
	gateErr, ok := err.(*GateError)
	if !ok || gateErr.Stage != "signature" {
		t.Fatalf("expected signature stage rejection, got %v", err)
	}
}

func TestAdmitAppliesZeroTrustDefaultWhenScoreMissing(t *testing.T) {
	f := newFixture(t, nil)
	// Overwrite scorer with a fresh one that has never seen device-1.
	f.gate = New(DefaultConfig(), f.clock, f.identities, trust.NewScorer(f.clock), f.policy, nil, nil)
	cmd := f.baseCommand(t)

	err := f.gate.Admit(cmd)
	gateErr, ok := err.(*GateError)
	if !ok || !strings.Contains(gateErr.Message, "Zero Trust Default Applied") {
		t.Fatalf("expected zero-trust default rejection, got %v", err)
	}
}

// TestAdmitRejectsQuarantinedNode is the literal spec §8 scenario: a
// Quarantined node's command is blocked with a message naming both
// "Quarantined" and "COMMAND REJECTED".
func TestAdmitRejectsQuarantinedNode(t *testing.T) {
	f := newFixture(t, nil)
	f.scorer.UpdateScore("device-1", -10) // forces clamp to 0.0, Quarantined
	cmd := f.baseCommand(t)

	err := f.gate.Admit(cmd)
	gateErr, ok := err.(*GateError)
	if !ok {
		t.Fatalf("expected *GateError, got %T", err)
	}
	if !strings.Contains(gateErr.Message, "Quarantined") || !strings.Contains(gateErr.Message, "COMMAND REJECTED") {
		t.Fatalf("expected Quarantined rejection message, got %q", gateErr.Message)
	}
}

func TestAdmitRejectsBelowTrustThreshold(t *testing.T) {
	f := newFixture(t, nil)
	f.scorer.UpdateScore("device-1", -0.3) // 0.95 - 0.3 = 0.65, Suspect but below 0.8 threshold
	cmd := f.baseCommand(t)

	err := f.gate.Admit(cmd)
	gateErr, ok := err.(*GateError)
	if !ok || !strings.Contains(gateErr.Message, "Trust Score Below Threshold") {
		t.Fatalf("expected trust threshold rejection, got %v", err)
	}
}

func TestAdmitRejectsEmptyAuthoritySignatures(t *testing.T) {
	f := newFixture(t, nil)
	cmd := f.baseCommand(t)
	cmd.AuthoritySignatures = nil

	err := f.gate.Admit(cmd)
	gateErr, ok := err.(*GateError)
	if !ok || gateErr.Stage != "quorum" || gateErr.Code != CodeUnauthenticated {
		t.Fatalf("expected quorum Unauthenticated rejection, got %v", err)
	}
}

func TestAdmitRejectsMalformedPayload(t *testing.T) {
	f := newFixture(t, nil)
	cmd := f.baseCommand(t)
	cmd.PayloadJSON = []byte("{not json")
	cmd.Signature = ed25519.Sign(f.devicePriv, cmd.PayloadJSON)

	err := f.gate.Admit(cmd)
	gateErr, ok := err.(*GateError)
	if !ok || gateErr.Stage != "payload" || gateErr.Code != CodeInvalidArgument {
		t.Fatalf("expected payload InvalidArgument rejection, got %v", err)
	}
}

// TestAdmitRejectsSpatialTeleport wires the §8 "teleport" physics scenario
// through the full pipeline.
func TestAdmitRejectsSpatialTeleport(t *testing.T) {
	f := newFixture(t, nil)
	cmd := f.baseCommand(t)
	cmd.HasCoordinates = true
	cmd.LastSeen = f.clock.Now().Add(-time.Minute)
	cmd.Coordinate = physics.Coordinate{Latitude: 34.0522, Longitude: -118.2437}
	cmd.HasPrevious = true
	cmd.PreviousCoord = physics.Coordinate{Latitude: 37.7749, Longitude: -122.4194}
	cmd.PreviousSeenAt = f.clock.Now().Add(-time.Second)
	cmd.TimestampNS = f.clock.Now().UnixNano()

	err := f.gate.Admit(cmd)
	gateErr, ok := err.(*GateError)
	if !ok || gateErr.Stage != "physics" {
		t.Fatalf("expected physics rejection, got %v", err)
	}
}

func TestAdmitRejectsDispatchFailure(t *testing.T) {
	f := newFixture(t, func(Command) error { return errDispatchFailed })
	cmd := f.baseCommand(t)

	err := f.gate.Admit(cmd)
	gateErr, ok := err.(*GateError)
	if !ok || gateErr.Stage != "dispatch" || gateErr.Code != CodeInternal {
		t.Fatalf("expected dispatch Internal rejection, got %v", err)
	}
}

var errDispatchFailed = &dispatchErr{"downstream unavailable"}

type dispatchErr struct{ msg string }

func (e *dispatchErr) Error() string { return e.msg }

// TestAdmitFeedsSignatureFailureToMonitor confirms a rejected signature
// registers against the health monitor's per-peer counters (spec §4.5).
func TestAdmitFeedsSignatureFailureToMonitor(t *testing.T) {
	f := newFixture(t, nil)
	monitor := health.NewMonitor(health.DefaultThresholds(), f.clock)
	f.gate = New(DefaultConfig(), f.clock, f.identities, f.scorer, f.policy, nil, nil, WithMonitor(monitor))

	cmd := f.baseCommand(t)
	cmd.Signature[0] ^= 0xFF
	if err := f.gate.Admit(cmd); err == nil {
		t.Fatal("expected signature rejection")
	}

	if got := monitor.Counters("device-1").SignatureFailures; got != 1 {
		t.Fatalf("expected 1 recorded signature failure, got %d", got)
	}
}

// TestAdmitSlashesEquivocatingPosition wires the equivocation fault
// through the full pipeline: two different payloads attested at the same
// declared timestamp slot revoke the node (spec §4.6).
func TestAdmitSlashesEquivocatingPosition(t *testing.T) {
	f := newFixture(t, func(Command) error { return nil })
	var published []slashing.SlashingEvent
	judge := slashing.NewJudge(f.clock, "slasher-1", func(h [32]byte) []byte { return h[:] }, func(evt slashing.SlashingEvent) {
		published = append(published, evt)
	}, 1024, time.Hour)
	f.gate = New(DefaultConfig(), f.clock, f.identities, f.scorer, f.policy, func(Command) error { return nil }, nil, WithJudge(judge))

	cmd := f.baseCommand(t)
	cmd.HasCoordinates = true
	cmd.Coordinate = physics.Coordinate{Latitude: 34.0522, Longitude: -118.2437}
	cmd.LastSeen = f.clock.Now().Add(-time.Minute)
	if err := f.gate.Admit(cmd); err != nil {
		t.Fatalf("expected first attestation admitted, got %v", err)
	}

	conflicting, err := json.Marshal(map[string]string{"op": "noop", "variant": "conflict"})
	if err != nil {
		t.Fatalf("marshal conflicting payload: %v", err)
	}
	cmd2 := cmd
	cmd2.PayloadJSON = conflicting
	cmd2.Signature = ed25519.Sign(f.devicePriv, conflicting)
	cmd2.AuthoritySignatures = []quorum.AuthoritySignature{{KeyID: "authority-1", Signature: ed25519.Sign(f.authPriv, conflicting)}}

	err = f.gate.Admit(cmd2)
	gateErr, ok := err.(*GateError)
	if !ok || gateErr.Stage != "slashing" {
		t.Fatalf("expected slashing stage rejection for equivocation, got %v", err)
	}
	if len(published) != 1 {
		t.Fatalf("expected one published slashing event, got %d", len(published))
	}
	if judge.NodeState("device-1") != slashing.StateRevoked {
		t.Fatalf("expected device-1 revoked, got %s", judge.NodeState("device-1"))
	}
}

// TestAdmitBuffersWhileOfflineAutonomous confirms a command is queued into
// the offline buffer rather than dispatched while this node reports itself
// disconnected upstream (spec §4.8).
func TestAdmitBuffersWhileOfflineAutonomous(t *testing.T) {
	dispatched := false
	f := newFixture(t, func(Command) error { dispatched = true; return nil })

	dir := t.TempDir()
	db, err := boltkv.Open(dir + "/offline.db")
	if err != nil {
		t.Fatalf("open boltkv: %v", err)
	}
	defer db.Close()
	buf, err := offline.Open(db, f.clock, offline.DefaultMaxBuffer)
	if err != nil {
		t.Fatalf("open offline buffer: %v", err)
	}
	if err := buf.Transition(offline.OfflineAutonomous); err != nil {
		t.Fatalf("transition offline: %v", err)
	}

	f.gate = New(DefaultConfig(), f.clock, f.identities, f.scorer, f.policy, func(Command) error { dispatched = true; return nil }, nil, WithOfflineBuffer(buf))
	cmd := f.baseCommand(t)
	if err := f.gate.Admit(cmd); err != nil {
		t.Fatalf("expected admission to succeed by buffering, got %v", err)
	}
	if dispatched {
		t.Fatal("expected dispatch to be skipped while OfflineAutonomous")
	}
	if got := buf.Count(); got != 1 {
		t.Fatalf("expected 1 buffered entry, got %d", got)
	}
}
