// Copyright 2025 Meridian Mesh Authors

package session

import (
	"crypto/ed25519"
	"errors"
	"testing"
	"time"

	"github.com/meridian-mesh/trustfabric/pkg/clock"
)

// pairedSessions builds two Sessions that have completed a mutual handshake
// with each other, using the given config and fixed clock.
func pairedSessions(t *testing.T, cfg Config, c *clock.Fixed) (alice, bob *Session) {
	t.Helper()

	alicePub, alicePriv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate alice identity: %v", err)
	}
	bobPub, bobPriv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate bob identity: %v", err)
	}

	alice = New(cfg, c, "alice", alicePriv, "bob", bobPub)
	bob = New(cfg, c, "bob", bobPriv, "alice", alicePub)

	aliceMsg, err := alice.BeginHandshake()
	if err != nil {
		t.Fatalf("alice begin handshake: %v", err)
	}
	bobMsg, err := bob.BeginHandshake()
	if err != nil {
		t.Fatalf("bob begin handshake: %v", err)
	}

	if err := alice.CompleteHandshake(bobMsg); err != nil {
		t.Fatalf("alice complete handshake: %v", err)
	}
	if err := bob.CompleteHandshake(aliceMsg); err != nil {
		t.Fatalf("bob complete handshake: %v", err)
	}

	return alice, bob
}

func TestHandshakeDerivesSharedSecret(t *testing.T) {
	c := clock.NewFixed(time.Unix(0, 0))
	alice, bob := pairedSessions(t, DefaultConfig(), c)

	plaintext := []byte("trust fabric online")
	ciphertext, nonce, err := alice.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	got, err := bob.Decrypt(ciphertext, nonce)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if string(got) != string(plaintext) {
		t.Fatalf("decrypted plaintext mismatch: got %q", got)
	}
}

// TestSessionSecrecyBitFlip is the spec §8 session-secrecy invariant: any
// ciphertext bit flip causes decryption to fail.
func TestSessionSecrecyBitFlip(t *testing.T) {
	c := clock.NewFixed(time.Unix(0, 0))
	alice, bob := pairedSessions(t, DefaultConfig(), c)

	ciphertext, nonce, err := alice.Encrypt([]byte("do not tamper"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	ciphertext[0] ^= 0x01
	if _, err := bob.Decrypt(ciphertext, nonce); !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("expected ErrAuthFailed on bit-flipped ciphertext, got %v", err)
	}
}

func TestBadHandshakeSignatureRejected(t *testing.T) {
	c := clock.NewFixed(time.Unix(0, 0))

	alicePub, alicePriv, _ := ed25519.GenerateKey(nil)
	_, bobPriv, _ := ed25519.GenerateKey(nil)

	cfg := DefaultConfig()
	alice := New(cfg, c, "alice", alicePriv, "bob", ed25519.PublicKey(make([]byte, ed25519.PublicKeySize)))
	bob := New(cfg, c, "bob", bobPriv, "alice", alicePub)

	if _, err := alice.BeginHandshake(); err != nil {
		t.Fatalf("alice begin: %v", err)
	}
	bobMsg, err := bob.BeginHandshake()
	if err != nil {
		t.Fatalf("bob begin: %v", err)
	}

	if err := alice.CompleteHandshake(bobMsg); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("expected ErrBadSignature against wrong peer key, got %v", err)
	}
}

// TestRotationRequiredAfterMessageThreshold is the literal spec §8 scenario:
// max_messages_per_epoch = 5; five encrypts succeed, the sixth fails with
// RotationRequired.
func TestRotationRequiredAfterMessageThreshold(t *testing.T) {
	c := clock.NewFixed(time.Unix(0, 0))
	cfg := Config{MaxMessagesPerEpoch: 5, MaxEpochDuration: time.Hour}
	alice, _ := pairedSessions(t, cfg, c)

	for i := 0; i < 5; i++ {
		if _, _, err := alice.Encrypt([]byte("msg")); err != nil {
			t.Fatalf("encrypt %d: expected success, got %v", i, err)
		}
	}

	if _, _, err := alice.Encrypt([]byte("msg")); !errors.Is(err, ErrRotationRequired) {
		t.Fatalf("expected ErrRotationRequired on 6th message, got %v", err)
	}
}

func TestRotationRequiredAfterEpochDuration(t *testing.T) {
	c := clock.NewFixed(time.Unix(0, 0))
	cfg := Config{MaxMessagesPerEpoch: 1000, MaxEpochDuration: time.Minute}
	alice, _ := pairedSessions(t, cfg, c)

	c.Advance(2 * time.Minute)
	if _, _, err := alice.Encrypt([]byte("msg")); !errors.Is(err, ErrRotationRequired) {
		t.Fatalf("expected ErrRotationRequired after epoch duration elapsed, got %v", err)
	}
}

func TestRotateResetsEpochAndZeroizesOldSecret(t *testing.T) {
	c := clock.NewFixed(time.Unix(0, 0))
	cfg := Config{MaxMessagesPerEpoch: 2, MaxEpochDuration: time.Hour}
	alice, bob := pairedSessions(t, cfg, c)

	if _, _, err := alice.Encrypt([]byte("one")); err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if _, _, err := alice.Encrypt([]byte("two")); err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if _, _, err := alice.Encrypt([]byte("three")); !errors.Is(err, ErrRotationRequired) {
		t.Fatalf("expected rotation required before rotating, got %v", err)
	}

	bobMsg, err := bob.BeginHandshake()
	if err != nil {
		t.Fatalf("bob begin: %v", err)
	}
	aliceOut, err := alice.Rotate(bobMsg)
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if err := bob.CompleteHandshake(aliceOut); err != nil {
		t.Fatalf("bob complete after rotate: %v", err)
	}

	if alice.EpochNo() != 1 {
		t.Fatalf("expected epoch_no == 1 after rotation, got %d", alice.EpochNo())
	}
	if alice.MessageCount() != 0 {
		t.Fatalf("expected message count reset after rotation, got %d", alice.MessageCount())
	}

	ciphertext, nonce, err := alice.Encrypt([]byte("post-rotation"))
	if err != nil {
		t.Fatalf("encrypt after rotation: %v", err)
	}
	if _, err := bob.Decrypt(ciphertext, nonce); err != nil {
		t.Fatalf("decrypt after rotation: %v", err)
	}
}
