// Copyright 2025 Meridian Mesh Authors
//
// Package quorum implements the authority-signature quorum policy consulted
// by the Command Admission Gate (spec §4.7 step 6): a command is authorized
// only once enough registered authorities have validly signed it.
package quorum

import (
	"errors"
	"fmt"
	"sync"

	"github.com/meridian-mesh/trustfabric/pkg/identity"
)

// DefaultFraction is the default quorum requirement: at least two-thirds
// of registered authorities, mirroring the teacher's BLS attestation
// quorum default.
const DefaultFraction = 0.667

// ErrNoSignatures is returned when the authority signature list is empty;
// the Gate maps this to Unauthenticated("No authority signatures provided").
var ErrNoSignatures = errors.New("quorum: no authority signatures provided")

// AuthoritySignature pairs a claimed authority key id with the signature
// it produced over the command payload.
type AuthoritySignature struct {
	KeyID     string
	Signature []byte
}

// Result reports the outcome of a quorum check.
type Result struct {
	ValidCount    int
	RequiredCount int
	Reached       bool
}

// Policy tracks the set of registered authority public keys and the
// fraction of them required to authorize a command.
type Policy struct {
	mu         sync.RWMutex
	fraction   float64
	authorities map[string][]byte // key id -> public key
}

// NewPolicy builds a Policy requiring fraction of registered authorities
// to validly sign (e.g. 0.667 for 2/3+1-style quorum).
func NewPolicy(fraction float64) *Policy {
	if fraction <= 0 || fraction > 1 {
		fraction = DefaultFraction
	}
	return &Policy{
		fraction:    fraction,
		authorities: make(map[string][]byte),
	}
}

// RegisterAuthority adds or replaces an authority's public key.
func (p *Policy) RegisterAuthority(keyID string, publicKey []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.authorities[keyID] = publicKey
}

// Verify checks message against sigs, counting how many come from
// registered authorities and carry a valid signature. Quorum is reached
// when validCount / len(authorities) >= fraction.
func (p *Policy) Verify(message []byte, sigs []AuthoritySignature) (Result, error) {
	if len(sigs) == 0 {
		return Result{}, ErrNoSignatures
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	required := p.requiredCountLocked()
	valid := 0
	seen := make(map[string]bool, len(sigs))

	for _, sig := range sigs {
		if seen[sig.KeyID] {
			continue // a single authority's signature only counts once
		}
		pub, ok := p.authorities[sig.KeyID]
		if !ok {
			continue
		}
		ok, err := identity.VerifySignature(pub, message, sig.Signature)
		if err != nil || !ok {
			continue
		}
		seen[sig.KeyID] = true
		valid++
	}

	return Result{
		ValidCount:    valid,
		RequiredCount: required,
		Reached:       valid >= required,
	}, nil
}

func (p *Policy) requiredCountLocked() int {
	total := len(p.authorities)
	if total == 0 {
		return 0
	}
	need := int(float64(total)*p.fraction + 0.999999) // round up
	if need < 1 {
		need = 1
	}
	if need > total {
		need = total
	}
	return need
}

// String renders a Result for audit logs and error messages.
func (r Result) String() string {
	return fmt.Sprintf("%d/%d authorities (quorum reached: %t)", r.ValidCount, r.RequiredCount, r.Reached)
}
