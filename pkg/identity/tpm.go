// Copyright 2025 Meridian Mesh Authors

package identity

import (
	"bytes"
	"crypto/sha256"
	"fmt"
)

// ErrTPMQuoteInvalid wraps every TPM quote verification failure so callers
// can treat the whole check as one hard rejection.
var ErrTPMQuoteInvalid = fmt.Errorf("identity: tpm quote invalid")

// VerifyTPMQuote checks quote against challengeNonce per spec §4.4: the
// attestation type must be "Quote", the embedded nonce must equal the
// challenge, the digest recomputed from the included PCR values must match
// the embedded digest, and the AK signature over the quote must verify.
func VerifyTPMQuote(quote TPMQuote, challengeNonce []byte) error {
	if quote.AttestationType != "Quote" {
		return fmt.Errorf("%w: attestation_type %q != Quote", ErrTPMQuoteInvalid, quote.AttestationType)
	}
	if !bytes.Equal(quote.Nonce, challengeNonce) {
		return fmt.Errorf("%w: nonce does not match challenge", ErrTPMQuoteInvalid)
	}

	recomputed := recomputePCRDigest(quote.PCRSelection, quote.PCRValues)
	if recomputed != quote.QuoteDigest {
		return fmt.Errorf("%w: recomputed PCR digest does not match embedded digest", ErrTPMQuoteInvalid)
	}

	blob := quoteSigningBlob(quote)
	ok, err := VerifySignature(quote.AKCertificate.PublicKey, blob, quote.Signature)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTPMQuoteInvalid, err)
	}
	if !ok {
		return fmt.Errorf("%w: attestation key signature does not verify", ErrTPMQuoteInvalid)
	}
	return nil
}

// recomputePCRDigest hashes the selected PCR values in selection order,
// the way a TPM2_Quote digest is computed over the PCR composite.
func recomputePCRDigest(selection []int, values map[int][]byte) [32]byte {
	h := sha256.New()
	for _, idx := range selection {
		h.Write(values[idx])
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

func quoteSigningBlob(quote TPMQuote) []byte {
	buf := make([]byte, 0, len(quote.Nonce)+32)
	buf = append(buf, []byte(quote.AttestationType)...)
	buf = append(buf, quote.Nonce...)
	buf = append(buf, quote.QuoteDigest[:]...)
	return buf
}
