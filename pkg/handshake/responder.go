// Copyright 2025 Meridian Mesh Authors

package handshake

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/meridian-mesh/trustfabric/pkg/clock"
	"github.com/meridian-mesh/trustfabric/pkg/identity"
)

// Responder drives the three-message handshake from the responding side.
type Responder struct {
	cfg    Config
	clock  clock.Clock
	nonces *NonceStore

	self          identity.PlatformIdentity
	selfCertChain []identity.Certificate
	signMessage   func([]byte) []byte
	tpmQuote      *identity.TPMQuote

	counterChallenge []byte

	PeerIdentity    identity.PlatformIdentity
	PeerTrustWeight float64
}

// NewResponder constructs a Responder for self. tpmQuote is nil unless
// self's attestation is Tpm.
func NewResponder(cfg Config, c clock.Clock, nonces *NonceStore, self identity.PlatformIdentity, certChain []identity.Certificate, tpmQuote *identity.TPMQuote, signMessage func([]byte) []byte) *Responder {
	if c == nil {
		c = clock.System{}
	}
	return &Responder{cfg: cfg, clock: c, nonces: nonces, self: self, selfCertChain: certChain, tpmQuote: tpmQuote, signMessage: signMessage}
}

// HandleRequest validates message 1 and builds message 2.
func (r *Responder) HandleRequest(req Request) (Response, error) {
	if req.Version != ProtocolVersion {
		return Response{}, fmt.Errorf("%w: got %d, want %d", ErrVersionMismatch, req.Version, ProtocolVersion)
	}

	msgTime := time.UnixMilli(req.TimestampMs)
	now := r.clock.Now()
	if now.Sub(msgTime) > r.cfg.Timeout {
		return Response{}, fmt.Errorf("%w: request too old", ErrStale)
	}
	if msgTime.Sub(now) > r.cfg.FutureSkew {
		return Response{}, fmt.Errorf("%w: request timestamp too far in the future", ErrStale)
	}
	if err := verifyCertChain(req.CertChain, now); err != nil {
		return Response{}, err
	}

	seen, err := r.nonces.SeenAndRecord(hex.EncodeToString(req.ChallengeNonce))
	if err != nil {
		return Response{}, fmt.Errorf("handshake: nonce store: %w", err)
	}
	if seen {
		return Response{}, ErrReplay
	}

	counterChallenge := make([]byte, 32)
	if _, err := rand.Read(counterChallenge); err != nil {
		return Response{}, fmt.Errorf("handshake: generate counter challenge: %w", err)
	}
	r.counterChallenge = counterChallenge

	resp := Response{
		Version:            ProtocolVersion,
		EchoedChallenge:    req.ChallengeNonce,
		ChallengeSignature: r.signMessage(req.ChallengeNonce),
		CounterChallenge:   counterChallenge,
		Identity:           r.self,
		CertChain:          r.selfCertChain,
		TPMQuote:           r.tpmQuote,
		TimestampMs:        now.UnixMilli(),
	}

	r.PeerIdentity = req.Identity
	r.PeerTrustWeight = req.Identity.Attestation.Kind.TrustWeight()
	return resp, nil
}

// HandleFinalize validates message 3 and completes the responder side.
func (r *Responder) HandleFinalize(fin Finalize) error {
	if fin.Version != ProtocolVersion {
		return fmt.Errorf("%w: got %d, want %d", ErrVersionMismatch, fin.Version, ProtocolVersion)
	}

	msgTime := time.UnixMilli(fin.TimestampMs)
	now := r.clock.Now()
	if now.Sub(msgTime) > r.cfg.Timeout {
		return fmt.Errorf("%w: finalize too old", ErrStale)
	}
	if msgTime.Sub(now) > r.cfg.FutureSkew {
		return fmt.Errorf("%w: finalize timestamp too far in the future", ErrStale)
	}

	if string(fin.CounterChallenge) != string(r.counterChallenge) {
		return fmt.Errorf("handshake: counter challenge mismatch")
	}

	ok, err := identity.VerifySignature(r.PeerIdentity.PublicKey, fin.CounterChallenge, fin.CounterSignature)
	if err != nil || !ok {
		return ErrBadSignature
	}
	return nil
}
