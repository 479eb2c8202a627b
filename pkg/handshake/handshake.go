// Copyright 2025 Meridian Mesh Authors
//
// Package handshake implements the three-message mutual identity handshake
// (spec §4.4): Request, Response, Finalize, with version pinning, freshness,
// replay, and certificate-chain defenses. On success it yields the peer's
// identity and an attestation-derived trust weight.
package handshake

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/meridian-mesh/trustfabric/pkg/clock"
	"github.com/meridian-mesh/trustfabric/pkg/identity"
)

// ProtocolVersion is the single pinned version this Core speaks.
const ProtocolVersion = 1

const (
	// DefaultHandshakeTimeout bounds message staleness.
	DefaultHandshakeTimeout = 30 * time.Second
	// DefaultFutureSkew tolerates small clock drift on the sender's side.
	DefaultFutureSkew = 5 * time.Second
	// DefaultNonceWindow is the replay retention window.
	DefaultNonceWindow = 5 * time.Minute
)

// State is the initiator's handshake state machine position.
type State int

const (
	Idle State = iota
	WaitingForResponse
	WaitingForFinalize
	Completed
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case WaitingForResponse:
		return "WaitingForResponse"
	case WaitingForFinalize:
		return "WaitingForFinalize"
	case Completed:
		return "Completed"
	case Failed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// Request is message 1: initiator -> responder.
type Request struct {
	Version       int
	ChallengeNonce []byte
	Identity       identity.PlatformIdentity
	CertChain      []identity.Certificate
	TimestampMs    int64
}

// Response is message 2: responder -> initiator.
type Response struct {
	Version            int
	EchoedChallenge    []byte
	ChallengeSignature []byte
	CounterChallenge   []byte
	Identity           identity.PlatformIdentity
	CertChain          []identity.Certificate
	TPMQuote           *identity.TPMQuote
	TimestampMs        int64
}

// Finalize is message 3: initiator -> responder.
type Finalize struct {
	Version           int
	CounterChallenge  []byte
	CounterSignature  []byte
	TimestampMs       int64
}

// FailedError carries the reason a handshake transitioned to Failed.
type FailedError struct {
	Reason string
}

func (e *FailedError) Error() string { return fmt.Sprintf("handshake: failed: %s", e.Reason) }

var (
	ErrVersionMismatch = errors.New("handshake: protocol version mismatch")
	ErrStale           = errors.New("handshake: message outside freshness window")
	ErrReplay          = errors.New("handshake: nonce already seen")
	ErrBadCertChain    = errors.New("handshake: certificate chain invalid")
	ErrBadSignature    = errors.New("handshake: signature verification failed")
)

// Config bounds handshake defenses.
type Config struct {
	Timeout     time.Duration
	FutureSkew  time.Duration
	NonceWindow time.Duration
}

// DefaultConfig returns the spec §6 handshake defaults.
func DefaultConfig() Config {
	return Config{Timeout: DefaultHandshakeTimeout, FutureSkew: DefaultFutureSkew, NonceWindow: DefaultNonceWindow}
}

// Initiator drives the three-message handshake from the requesting side.
type Initiator struct {
	cfg    Config
	clock  clock.Clock
	nonces *NonceStore

	self           identity.PlatformIdentity
	selfCertChain  []identity.Certificate
	signMessage    func(message []byte) []byte

	state            State
	failReason       string
	challengeNonce   []byte
	counterChallenge []byte

	PeerIdentity   identity.PlatformIdentity
	PeerTrustWeight float64
}

// NewInitiator constructs an Initiator for self, using signMessage to
// produce signatures over challenge bytes with self's long-term key.
func NewInitiator(cfg Config, c clock.Clock, nonces *NonceStore, self identity.PlatformIdentity, certChain []identity.Certificate, signMessage func([]byte) []byte) *Initiator {
	if c == nil {
		c = clock.System{}
	}
	return &Initiator{cfg: cfg, clock: c, nonces: nonces, self: self, selfCertChain: certChain, signMessage: signMessage, state: Idle}
}

// State returns the current state machine position.
func (i *Initiator) State() State { return i.state }

// FailReason returns the reason recorded when State() == Failed.
func (i *Initiator) FailReason() string { return i.failReason }

func (i *Initiator) fail(reason string) error {
	i.state = Failed
	i.failReason = reason
	return &FailedError{Reason: reason}
}

// BuildRequest constructs message 1 and transitions Idle -> WaitingForResponse.
func (i *Initiator) BuildRequest() (Request, error) {
	if i.state != Idle {
		return Request{}, i.fail(fmt.Sprintf("BuildRequest called in state %s", i.state))
	}
	nonce := make([]byte, 32)
	if _, err := rand.Read(nonce); err != nil {
		return Request{}, i.fail("failed to generate challenge nonce")
	}
	i.challengeNonce = nonce

	req := Request{
		Version:        ProtocolVersion,
		ChallengeNonce: nonce,
		Identity:       i.self,
		CertChain:      i.selfCertChain,
		TimestampMs:    i.clock.Now().UnixMilli(),
	}
	i.state = WaitingForResponse
	return req, nil
}

// HandleResponse validates message 2 and, on success, builds message 3,
// transitioning WaitingForResponse -> WaitingForFinalize.
func (i *Initiator) HandleResponse(resp Response) (Finalize, error) {
	if i.state != WaitingForResponse {
		return Finalize{}, i.fail(fmt.Sprintf("HandleResponse called in state %s", i.state))
	}

	if err := i.checkCommon(resp.Version, resp.TimestampMs, resp.CertChain); err != nil {
		return Finalize{}, i.fail(err.Error())
	}

	if string(resp.EchoedChallenge) != string(i.challengeNonce) {
		return Finalize{}, i.fail("echoed challenge does not match sent nonce")
	}

	ok, err := identity.VerifySignature(resp.Identity.PublicKey, resp.EchoedChallenge, resp.ChallengeSignature)
	if err != nil || !ok {
		return Finalize{}, i.fail("challenge signature verification failed")
	}

	if resp.Identity.Attestation.Kind == identity.AttestationTPM {
		if resp.TPMQuote == nil {
			return Finalize{}, i.fail("tpm attestation claimed without a quote")
		}
		if err := identity.VerifyTPMQuote(*resp.TPMQuote, i.challengeNonce); err != nil {
			return Finalize{}, i.fail("tpm quote verification failed: " + err.Error())
		}
	}

	if err := i.recordNonce(hex.EncodeToString(resp.CounterChallenge)); err != nil {
		return Finalize{}, i.fail(err.Error())
	}

	i.counterChallenge = resp.CounterChallenge
	i.PeerIdentity = resp.Identity
	i.PeerTrustWeight = resp.Identity.Attestation.Kind.TrustWeight()

	fin := Finalize{
		Version:          ProtocolVersion,
		CounterChallenge: resp.CounterChallenge,
		CounterSignature: i.signMessage(resp.CounterChallenge),
		TimestampMs:      i.clock.Now().UnixMilli(),
	}
	i.state = WaitingForFinalize
	return fin, nil
}

// Complete marks the handshake Completed once the responder has
// acknowledged Finalize out of band (e.g. by beginning to use the session).
func (i *Initiator) Complete() error {
	if i.state != WaitingForFinalize {
		return i.fail(fmt.Sprintf("Complete called in state %s", i.state))
	}
	i.state = Completed
	return nil
}

func (i *Initiator) checkCommon(version int, timestampMs int64, certChain []identity.Certificate) error {
	if version != ProtocolVersion {
		return fmt.Errorf("%w: got %d, want %d", ErrVersionMismatch, version, ProtocolVersion)
	}

	msgTime := time.UnixMilli(timestampMs)
	now := i.clock.Now()
	if now.Sub(msgTime) > i.cfg.Timeout {
		return fmt.Errorf("%w: message is too old", ErrStale)
	}
	if msgTime.Sub(now) > i.cfg.FutureSkew {
		return fmt.Errorf("%w: message timestamp too far in the future", ErrStale)
	}

	return verifyCertChain(certChain, now)
}

func (i *Initiator) recordNonce(nonce string) error {
	seen, err := i.nonces.SeenAndRecord(nonce)
	if err != nil {
		return fmt.Errorf("handshake: nonce store: %w", err)
	}
	if seen {
		return ErrReplay
	}
	return nil
}

// verifyCertChain requires a non-empty chain, a non-empty signature on
// every certificate, and none expired at `at`. Signatures are checked for
// presence only: they are not verified against the issuer's key, and no
// chain-of-trust check against a CA root is made, here or in pkg/enrollment.
func verifyCertChain(chain []identity.Certificate, at time.Time) error {
	if len(chain) == 0 {
		return fmt.Errorf("%w: empty certificate chain", ErrBadCertChain)
	}
	for idx, cert := range chain {
		if len(cert.Signature) == 0 {
			return fmt.Errorf("%w: certificate %d (%s) is unsigned", ErrBadCertChain, idx, cert.Subject)
		}
		if !cert.ValidAt(at) {
			return fmt.Errorf("%w: certificate %d (%s) not valid at %s", ErrBadCertChain, idx, cert.Subject, at)
		}
	}
	return nil
}
