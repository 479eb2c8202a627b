// Copyright 2025 Meridian Mesh Authors

package rpc

import (
	"context"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/meridian-mesh/trustfabric/pkg/clock"
	"github.com/meridian-mesh/trustfabric/pkg/handshake"
	"github.com/meridian-mesh/trustfabric/pkg/identity"
)

// HandshakeServer answers the two-RPC mutual identity handshake (spec §4.4)
// over gRPC. Each InitiateHandshake call parks a fresh handshake.Responder
// under the counter-challenge it issues; FinalizeHandshake looks the
// session back up by that same value.
type HandshakeServer struct {
	cfg       handshake.Config
	clock     clock.Clock
	nonces    *handshake.NonceStore
	self      identity.PlatformIdentity
	certChain []identity.Certificate
	tpmQuote  *identity.TPMQuote
	sign      func([]byte) []byte

	mu       sync.Mutex
	sessions map[string]*handshake.Responder
}

// NewHandshakeServer constructs a HandshakeServer responding as self.
// tpmQuote is nil unless self's attestation is Tpm.
func NewHandshakeServer(cfg handshake.Config, c clock.Clock, nonces *handshake.NonceStore, self identity.PlatformIdentity, certChain []identity.Certificate, tpmQuote *identity.TPMQuote, sign func([]byte) []byte) *HandshakeServer {
	if c == nil {
		c = clock.System{}
	}
	return &HandshakeServer{
		cfg:       cfg,
		clock:     c,
		nonces:    nonces,
		self:      self,
		certChain: certChain,
		tpmQuote:  tpmQuote,
		sign:      sign,
		sessions:  make(map[string]*handshake.Responder),
	}
}

// InitiateHandshake handles message 1 and returns message 2.
func (s *HandshakeServer) InitiateHandshake(ctx context.Context, req *handshake.Request) (*handshake.Response, error) {
	responder := handshake.NewResponder(s.cfg, s.clock, s.nonces, s.self, s.certChain, s.tpmQuote, s.sign)
	resp, err := responder.HandleRequest(*req)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.sessions[hex.EncodeToString(resp.CounterChallenge)] = responder
	s.mu.Unlock()
	return &resp, nil
}

// FinalizeHandshakeRequest carries message 3.
type FinalizeHandshakeRequest struct {
	Finalize handshake.Finalize
}

// FinalizeHandshakeResponse reports whether the peer's identity is now
// verified, and the trust weight its attestation carries.
type FinalizeHandshakeResponse struct {
	Verified        bool
	PeerTrustWeight float64
}

// FinalizeHandshake handles message 3, completing (or failing) the session
// InitiateHandshake parked under fin.CounterChallenge. The session is
// consumed either way: a failed finalize does not get a second attempt.
func (s *HandshakeServer) FinalizeHandshake(ctx context.Context, req *FinalizeHandshakeRequest) (*FinalizeHandshakeResponse, error) {
	key := hex.EncodeToString(req.Finalize.CounterChallenge)

	s.mu.Lock()
	responder, ok := s.sessions[key]
	delete(s.sessions, key)
	s.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("rpc: no pending handshake session for this counter-challenge")
	}
	if err := responder.HandleFinalize(req.Finalize); err != nil {
		return nil, err
	}
	return &FinalizeHandshakeResponse{Verified: true, PeerTrustWeight: responder.PeerTrustWeight}, nil
}
