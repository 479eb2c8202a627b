// Copyright 2025 Meridian Mesh Authors

package identity

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/sha256"
	"fmt"
	"math/big"
)

func sha256Sum(b []byte) [32]byte {
	return sha256.Sum256(b)
}

// decodeP256PublicKey accepts either a 65-byte uncompressed point or a
// 33-byte compressed point on the P-256 curve.
func decodeP256PublicKey(raw []byte) (*ecdsa.PublicKey, error) {
	curve := elliptic.P256()

	var x, y *big.Int
	switch len(raw) {
	case 65:
		x, y = elliptic.Unmarshal(curve, raw)
	case 33:
		x, y = elliptic.UnmarshalCompressed(curve, raw)
	default:
		return nil, fmt.Errorf("identity: unexpected P-256 key length %d", len(raw))
	}
	if x == nil {
		return nil, fmt.Errorf("identity: invalid P-256 public key encoding")
	}
	return &ecdsa.PublicKey{Curve: curve, X: x, Y: y}, nil
}
