// Copyright 2025 Meridian Mesh Authors

package enrollment

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/meridian-mesh/trustfabric/pkg/clock"
	"github.com/meridian-mesh/trustfabric/pkg/identity"
)

func advanceToAttested(t *testing.T, m *Machine, trust float64) {
	t.Helper()
	steps := []Stage{IdentityGenerated, ChallengeReceived, ResponseSent}
	for _, s := range steps {
		if err := m.Advance(s, "progress", 0); err != nil {
			t.Fatalf("advance to %s: %v", s, err)
		}
	}
	if err := m.Advance(Attested, "attested", trust); err != nil {
		t.Fatalf("advance to Attested: %v", err)
	}
}

func TestLatticeRejectsSkippingStages(t *testing.T) {
	m := NewMachine("node-1", clock.NewFixed(time.Unix(0, 0)))
	if err := m.Advance(Attested, "skip ahead", 0.9); err == nil {
		t.Fatal("expected illegal transition error")
	}
}

func TestAttestedRequiresTrustThreshold(t *testing.T) {
	m := NewMachine("node-1", clock.NewFixed(time.Unix(0, 0)))
	for _, s := range []Stage{IdentityGenerated, ChallengeReceived, ResponseSent} {
		if err := m.Advance(s, "progress", 0); err != nil {
			t.Fatalf("advance: %v", err)
		}
	}

	if err := m.Advance(Attested, "low trust", 0.5); err != ErrTrustTooLow {
		t.Fatalf("expected ErrTrustTooLow, got %v", err)
	}
	if m.Stage() != ResponseSent {
		t.Fatalf("expected stage unchanged at ResponseSent, got %s", m.Stage())
	}
}

func TestRevokedReachableFromAnyNonTerminalStage(t *testing.T) {
	m := NewMachine("node-1", clock.NewFixed(time.Unix(0, 0)))
	if err := m.Advance(Revoked, "compromised key", 0); err != nil {
		t.Fatalf("expected Revoked reachable from Uninitialized, got %v", err)
	}
	if m.Stage() != Revoked {
		t.Fatalf("expected Revoked, got %s", m.Stage())
	}

	if err := m.Advance(IdentityGenerated, "resurrect", 0); err == nil {
		t.Fatal("expected Revoked to be terminal")
	}
}

func TestTransitionHistoryBounded(t *testing.T) {
	m := NewMachine("node-1", clock.NewFixed(time.Unix(0, 0)))
	m.maxHistory = 2

	m.Advance(IdentityGenerated, "a", 0)
	m.Advance(ChallengeReceived, "b", 0)
	m.Advance(ResponseSent, "c", 0)

	history := m.History()
	if len(history) != 2 {
		t.Fatalf("expected bounded history of 2, got %d", len(history))
	}
	if history[len(history)-1].To != ResponseSent {
		t.Fatalf("expected most recent transition retained, got %s", history[len(history)-1].To)
	}
}

func TestGenesisBundleDeniedToNoneAttested(t *testing.T) {
	m := NewMachine("node-1", clock.NewFixed(time.Unix(0, 0)))
	advanceToAttested(t, m, 0.9)

	id := identity.PlatformIdentity{ID: "node-1", Attestation: identity.Attestation{Kind: identity.AttestationNone}}
	_, err := IssueGenesisBundle(m, id, identity.Certificate{}, identity.Certificate{}, nil, nil, nil, nil, time.Now(), time.Hour)
	if err != ErrBundleDeniedToUnattested {
		t.Fatalf("expected ErrBundleDeniedToUnattested, got %v", err)
	}
}

func TestGenesisBundleIssuedAndInstalled(t *testing.T) {
	m := NewMachine("node-1", clock.NewFixed(time.Unix(0, 0)))
	advanceToAttested(t, m, 0.9)

	id := identity.PlatformIdentity{ID: "node-1", Attestation: identity.Attestation{Kind: identity.AttestationSoftware}}
	now := time.Unix(2_000_000, 0)
	bundle, err := IssueGenesisBundle(m, id,
		identity.Certificate{Serial: "device-1", Subject: "node-1"},
		identity.Certificate{Serial: "root-1", Subject: "root-ca"},
		nil, []BootstrapPeer{{Address: "peer1", Port: 443, PublicKey: []byte{0x01, 0x02}, Region: "us-west"}},
		[]string{"crl.example"}, []string{"ocsp.example"},
		now, 24*time.Hour)
	if err != nil {
		t.Fatalf("issue bundle: %v", err)
	}
	if !bundle.ExpiresAt.Equal(now.Add(24 * time.Hour)) {
		t.Fatalf("unexpected expiry: %v", bundle.ExpiresAt)
	}

	dir := t.TempDir()
	installDir := filepath.Join(dir, "bundle")
	if err := Install(bundle, installDir); err != nil {
		t.Fatalf("install: %v", err)
	}

	info, err := os.Stat(installDir)
	if err != nil {
		t.Fatalf("stat install dir: %v", err)
	}
	if info.Mode().Perm() != permBundleDir {
		t.Fatalf("expected bundle dir perm %o, got %o", permBundleDir, info.Mode().Perm())
	}

	deviceInfo, err := os.Stat(filepath.Join(installDir, "device_cert.pem"))
	if err != nil {
		t.Fatalf("stat device cert: %v", err)
	}
	if deviceInfo.Mode().Perm() != permDeviceCredential {
		t.Fatalf("expected device cert perm %o, got %o", permDeviceCredential, deviceInfo.Mode().Perm())
	}

	rootInfo, err := os.Stat(filepath.Join(installDir, "root_ca.pem"))
	if err != nil {
		t.Fatalf("stat root ca: %v", err)
	}
	if rootInfo.Mode().Perm() != permRootCA {
		t.Fatalf("expected root ca perm %o, got %o", permRootCA, rootInfo.Mode().Perm())
	}

	peersRaw, err := os.ReadFile(filepath.Join(installDir, "bootstrap-nodes.json"))
	if err != nil {
		t.Fatalf("read bootstrap-nodes.json: %v", err)
	}
	var peers []BootstrapPeer
	if err := json.Unmarshal(peersRaw, &peers); err != nil {
		t.Fatalf("unmarshal bootstrap-nodes.json: %v", err)
	}
	if len(peers) != 1 || peers[0].Address != "peer1" || peers[0].Port != 443 || peers[0].Region != "us-west" {
		t.Fatalf("unexpected bootstrap peers: %+v", peers)
	}

	metaRaw, err := os.ReadFile(filepath.Join(installDir, "bundle-metadata.json"))
	if err != nil {
		t.Fatalf("read bundle-metadata.json: %v", err)
	}
	var meta bundleMetadata
	if err := json.Unmarshal(metaRaw, &meta); err != nil {
		t.Fatalf("unmarshal bundle-metadata.json: %v", err)
	}
	if !meta.ExpiresAt.Equal(now.Add(24 * time.Hour)) {
		t.Fatalf("unexpected metadata expiry: %v", meta.ExpiresAt)
	}
	if len(meta.CRLEndpoints) != 1 || meta.CRLEndpoints[0] != "crl.example" {
		t.Fatalf("unexpected crl endpoints: %v", meta.CRLEndpoints)
	}
	if len(meta.OCSPEndpoints) != 1 || meta.OCSPEndpoints[0] != "ocsp.example" {
		t.Fatalf("unexpected ocsp endpoints: %v", meta.OCSPEndpoints)
	}
}
