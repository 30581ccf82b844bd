// Package canonicalize fixes the exact serialization the ledger hashes.
//
// Digest reproducibility depends entirely on deterministic encoding, so the
// canonical form is an explicit contract: RFC 8785 (JCS) JSON (keys sorted
// by UTF-8 bytes, no HTML escaping, shortest-form numbers) hashed with
// SHA-256 and rendered as "sha256:" + lowercase hex.
package canonicalize

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// DigestPrefix marks the hash algorithm in rendered digests.
const DigestPrefix = "sha256:"

// JCS returns the RFC 8785 canonical JSON encoding of v.
func JCS(v any) ([]byte, error) {
	intermediate, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: pre-marshal failed: %w", err)
	}
	out, err := jcs.Transform(intermediate)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: jcs transform failed: %w", err)
	}
	return out, nil
}

// CanonicalHash returns the digest of the canonical encoding of v.
func CanonicalHash(v any) (string, error) {
	b, err := JCS(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// HashBytes digests raw bytes without canonicalization.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return DigestPrefix + hex.EncodeToString(sum[:])
}
