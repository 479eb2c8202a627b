// Copyright 2025 Meridian Mesh Authors

package rpc

import (
	"context"
	"crypto/ed25519"
	"testing"
	"time"

	"github.com/meridian-mesh/trustfabric/pkg/clock"
	"github.com/meridian-mesh/trustfabric/pkg/handshake"
	"github.com/meridian-mesh/trustfabric/pkg/identity"
)

func validCertChain(now time.Time, subject string) []identity.Certificate {
	return []identity.Certificate{{
		Serial:    "1",
		Subject:   subject,
		Issuer:    "root-ca",
		NotBefore: now.Add(-time.Hour),
		NotAfter:  now.Add(time.Hour),
		Signature: []byte{0x01},
	}}
}

// TestHandshakeServerCompletesOverTwoRPCs drives the full three-message
// handshake through the two gRPC-facing methods, confirming InitiateHandshake
// and FinalizeHandshake correctly hand the session off by counter-challenge.
func TestHandshakeServerCompletesOverTwoRPCs(t *testing.T) {
	fc := clock.NewFixed(time.Unix(1_700_000_000, 0))
	cfg := handshake.DefaultConfig()

	initPub, initPriv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate initiator key: %v", err)
	}
	respPub, respPriv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate responder key: %v", err)
	}

	initID := identity.PlatformIdentity{ID: "initiator-1", PublicKey: initPub, Attestation: identity.Attestation{Kind: identity.AttestationSoftware}, CreatedAt: fc.Now()}
	respID := identity.PlatformIdentity{ID: "responder-1", PublicKey: respPub, Attestation: identity.Attestation{Kind: identity.AttestationSoftware}, CreatedAt: fc.Now()}

	nonces := handshake.NewMemoryNonceStore(cfg.NonceWindow, fc)
	server := NewHandshakeServer(cfg, fc, nonces, respID, validCertChain(fc.Now(), "responder-1"), nil, func(msg []byte) []byte {
		return ed25519.Sign(respPriv, msg)
	})

	initiator := handshake.NewInitiator(cfg, fc, handshake.NewMemoryNonceStore(cfg.NonceWindow, fc), initID, validCertChain(fc.Now(), "initiator-1"), func(msg []byte) []byte {
		return ed25519.Sign(initPriv, msg)
	})

	req, err := initiator.BuildRequest()
	if err != nil {
		t.Fatalf("build request: %v", err)
	}

	resp, err := server.InitiateHandshake(context.Background(), &req)
	if err != nil {
		t.Fatalf("initiate handshake: %v", err)
	}

	fin, err := initiator.HandleResponse(*resp)
	if err != nil {
		t.Fatalf("handle response: %v", err)
	}

	finResp, err := server.FinalizeHandshake(context.Background(), &FinalizeHandshakeRequest{Finalize: fin})
	if err != nil {
		t.Fatalf("finalize handshake: %v", err)
	}
	if !finResp.Verified {
		t.Fatal("expected handshake to verify")
	}
	if finResp.PeerTrustWeight != 0.7 {
		t.Fatalf("expected software trust weight 0.7, got %v", finResp.PeerTrustWeight)
	}

	if len(server.sessions) != 0 {
		t.Fatalf("expected session to be consumed, got %d still parked", len(server.sessions))
	}
}

// TestFinalizeHandshakeRejectsUnknownSession confirms a finalize for a
// counter-challenge InitiateHandshake never issued is rejected rather than
// silently accepted.
func TestFinalizeHandshakeRejectsUnknownSession(t *testing.T) {
	fc := clock.NewFixed(time.Unix(1_700_000_000, 0))
	cfg := handshake.DefaultConfig()
	respPub, respPriv, _ := ed25519.GenerateKey(nil)
	respID := identity.PlatformIdentity{ID: "responder-1", PublicKey: respPub, Attestation: identity.Attestation{Kind: identity.AttestationSoftware}, CreatedAt: fc.Now()}
	server := NewHandshakeServer(cfg, fc, handshake.NewMemoryNonceStore(cfg.NonceWindow, fc), respID, validCertChain(fc.Now(), "responder-1"), nil, func(msg []byte) []byte {
		return ed25519.Sign(respPriv, msg)
	})

	_, err := server.FinalizeHandshake(context.Background(), &FinalizeHandshakeRequest{
		Finalize: handshake.Finalize{Version: handshake.ProtocolVersion, CounterChallenge: []byte("unknown")},
	})
	if err == nil {
		t.Fatal("expected rejection for unknown handshake session")
	}
}
