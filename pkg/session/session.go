// Copyright 2025 Meridian Mesh Authors
//
// Package session implements per-peer forward-secret transport (spec §4.3):
// an X25519 ephemeral handshake binds and authenticates a shared secret,
// which keys a ChaCha20-Poly1305 AEAD. Epochs rotate by message count or
// wall-clock age; the retired secret is zeroized rather than dropped and
// left to the garbage collector.
package session

import (
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/meridian-mesh/trustfabric/pkg/clock"
)

const (
	// NonceSize is the 96-bit AEAD nonce size required by ChaCha20-Poly1305.
	NonceSize = chacha20poly1305.NonceSize

	// DefaultMaxMessagesPerEpoch is the spec §6 default rotation trigger.
	DefaultMaxMessagesPerEpoch = 10_000
	// DefaultMaxEpochDuration is the spec §6 default rotation trigger.
	DefaultMaxEpochDuration = time.Hour
)

var (
	// ErrRotationRequired is returned by Encrypt/Decrypt once an epoch has
	// exceeded its message count or duration bound and Rotate has not yet
	// been called.
	ErrRotationRequired = errors.New("session: rotation required")
	// ErrAuthFailed is returned when AEAD tag verification fails.
	ErrAuthFailed = errors.New("session: authentication failed")
	// ErrBadSignature is returned when a handshake binding signature fails
	// to verify against the claimed sender identity key.
	ErrBadSignature = errors.New("session: handshake signature invalid")
)

// ExchangeMessage is one side's contribution to a handshake: an ephemeral
// X25519 public key bound to the sender's identity, a timestamp and epoch
// number, signed with the sender's long-term Ed25519 identity key.
type ExchangeMessage struct {
	SenderID     string
	EphemeralPub []byte // X25519 public key, 32 bytes
	TimestampMs  int64
	EpochNo      uint64
	Signature    []byte // Ed25519 signature over Binding()
}

// Binding returns the exact byte sequence the handshake signature covers:
// public_key || sender_id || timestamp || epoch, per spec §4.3.
func (m ExchangeMessage) Binding() []byte {
	buf := make([]byte, 0, len(m.EphemeralPub)+len(m.SenderID)+8+8)
	buf = append(buf, m.EphemeralPub...)
	buf = append(buf, []byte(m.SenderID)...)
	buf = appendUint64(buf, uint64(m.TimestampMs))
	buf = appendUint64(buf, m.EpochNo)
	return buf
}

func appendUint64(b []byte, v uint64) []byte {
	for i := 7; i >= 0; i-- {
		b = append(b, byte(v>>(8*uint(i))))
	}
	return b
}

// Config bounds a Session's rotation policy.
type Config struct {
	MaxMessagesPerEpoch int
	MaxEpochDuration    time.Duration
}

// DefaultConfig returns the spec §6 rotation defaults.
func DefaultConfig() Config {
	return Config{
		MaxMessagesPerEpoch: DefaultMaxMessagesPerEpoch,
		MaxEpochDuration:    DefaultMaxEpochDuration,
	}
}

// Session is a single-owner secure channel to one peer. Cross-goroutine use
// requires external mutual exclusion — the spec deliberately keeps this
// type lock-free so a single task can own it without synchronization
// overhead on the hot encrypt/decrypt path.
type Session struct {
	cfg   Config
	clock clock.Clock

	localID  string
	identity ed25519.PrivateKey

	epochNo      uint64
	epochStart   time.Time
	messageCount int

	aead       cipher.AEAD
	sharedKey  []byte // zeroized on rotation
	ephemeral  *ecdh.PrivateKey
	peerID     string
	peerPublic ed25519.PublicKey
}

// New creates a Session for localID, whose handshake bindings are signed
// with identity. peerPublic verifies the peer's handshake bindings.
func New(cfg Config, c clock.Clock, localID string, identity ed25519.PrivateKey, peerID string, peerPublic ed25519.PublicKey) *Session {
	if c == nil {
		c = clock.System{}
	}
	return &Session{
		cfg:        cfg,
		clock:      c,
		localID:    localID,
		identity:   identity,
		peerID:     peerID,
		peerPublic: peerPublic,
	}
}

// BeginHandshake generates a fresh ephemeral X25519 keypair and returns the
// signed ExchangeMessage to send to the peer.
func (s *Session) BeginHandshake() (ExchangeMessage, error) {
	priv, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return ExchangeMessage{}, fmt.Errorf("session: generate ephemeral key: %w", err)
	}
	s.ephemeral = priv

	msg := ExchangeMessage{
		SenderID:     s.localID,
		EphemeralPub: priv.PublicKey().Bytes(),
		TimestampMs:  s.clock.Now().UnixMilli(),
		EpochNo:      s.epochNo,
	}
	msg.Signature = ed25519.Sign(s.identity, msg.Binding())
	return msg, nil
}

// CompleteHandshake verifies the peer's ExchangeMessage, derives the shared
// secret via X25519, and keys the AEAD. It must be called after
// BeginHandshake has generated this side's ephemeral keypair.
func (s *Session) CompleteHandshake(peerMsg ExchangeMessage) error {
	if s.ephemeral == nil {
		return fmt.Errorf("session: complete called before begin")
	}
	if !ed25519.Verify(s.peerPublic, peerMsg.Binding(), peerMsg.Signature) {
		return ErrBadSignature
	}

	peerPub, err := ecdh.X25519().NewPublicKey(peerMsg.EphemeralPub)
	if err != nil {
		return fmt.Errorf("session: invalid peer ephemeral key: %w", err)
	}
	secret, err := s.ephemeral.ECDH(peerPub)
	if err != nil {
		return fmt.Errorf("session: ecdh: %w", err)
	}

	aead, err := chacha20poly1305.New(secret[:chacha20poly1305.KeySize])
	if err != nil {
		return fmt.Errorf("session: init aead: %w", err)
	}

	s.zeroizeSharedKey()
	s.sharedKey = secret
	s.aead = aead
	s.epochStart = s.clock.Now()
	s.messageCount = 0
	s.ephemeral = nil
	return nil
}

func (s *Session) zeroizeSharedKey() {
	for i := range s.sharedKey {
		s.sharedKey[i] = 0
	}
	s.sharedKey = nil
}

// rotationDue reports whether the current epoch has exceeded either
// rotation bound.
func (s *Session) rotationDue() bool {
	if s.messageCount >= s.cfg.MaxMessagesPerEpoch {
		return true
	}
	return s.clock.Now().Sub(s.epochStart) >= s.cfg.MaxEpochDuration
}

// Encrypt seals plaintext under a fresh random nonce. Returns
// ErrRotationRequired if the epoch has exceeded its rotation bound.
func (s *Session) Encrypt(plaintext []byte) (ciphertext []byte, nonce [NonceSize]byte, err error) {
	if s.aead == nil {
		return nil, nonce, fmt.Errorf("session: no established epoch")
	}
	if s.rotationDue() {
		return nil, nonce, ErrRotationRequired
	}
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, nonce, fmt.Errorf("session: generate nonce: %w", err)
	}
	ciphertext = s.aead.Seal(nil, nonce[:], plaintext, nil)
	s.messageCount++
	return ciphertext, nonce, nil
}

// Decrypt opens ciphertext sealed under nonce. Returns ErrRotationRequired
// if the epoch has exceeded its rotation bound, or ErrAuthFailed if the
// AEAD tag does not verify.
func (s *Session) Decrypt(ciphertext []byte, nonce [NonceSize]byte) ([]byte, error) {
	if s.aead == nil {
		return nil, fmt.Errorf("session: no established epoch")
	}
	if s.rotationDue() {
		return nil, ErrRotationRequired
	}
	plaintext, err := s.aead.Open(nil, nonce[:], ciphertext, nil)
	if err != nil {
		return nil, ErrAuthFailed
	}
	s.messageCount++
	return plaintext, nil
}

// EpochNo returns the current epoch number.
func (s *Session) EpochNo() uint64 { return s.epochNo }

// MessageCount returns the number of encrypt/decrypt calls in the current
// epoch.
func (s *Session) MessageCount() int { return s.messageCount }

// RotationRequired reports whether the current epoch has exceeded its
// rotation bound, without attempting an operation.
func (s *Session) RotationRequired() bool {
	if s.aead == nil {
		return false
	}
	return s.rotationDue()
}

// Rotate repeats the handshake with a new ephemeral pair, swaps the cipher
// state atomically on success, increments epoch_no, resets the message
// count, and zeroizes the previous shared secret. Callers drive the actual
// message exchange; Rotate only manages local state across the two calls.
func (s *Session) Rotate(peerMsg ExchangeMessage) (ExchangeMessage, error) {
	s.epochNo++
	out, err := s.BeginHandshake()
	if err != nil {
		s.epochNo--
		return ExchangeMessage{}, err
	}
	if err := s.CompleteHandshake(peerMsg); err != nil {
		s.epochNo--
		return ExchangeMessage{}, err
	}
	return out, nil
}

// Close zeroizes any live key material. Call when the session is retired.
func (s *Session) Close() {
	s.zeroizeSharedKey()
	s.aead = nil
}
