// Package canonical provides deterministic serialization and hashing for
// ledger entries and audit records. All hash chains in the pipeline are
// computed over RFC 8785 (JCS) canonical JSON so that two independently
// serialized copies of the same payload always produce the same digest.
package canonical

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// JCS returns the canonical JSON encoding of v per RFC 8785.
func JCS(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical: marshal: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonical: transform: %w", err)
	}
	return canonical, nil
}

// HashBytes returns the SHA-256 digest of data in "sha256:<hex>" form.
func HashBytes(data []byte) string {
	h := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(h[:])
}

// HashValue canonicalizes v and returns its digest.
func HashValue(v any) (string, error) {
	data, err := JCS(v)
	if err != nil {
		return "", err
	}
	return HashBytes(data), nil
}

// ChainHash computes the digest of a chained payload: the previous entry's
// hash concatenated with the canonical serialization of the payload.
func ChainHash(prevHash string, payload any) (string, error) {
	data, err := JCS(payload)
	if err != nil {
		return "", err
	}
	h := sha256.New()
	h.Write([]byte(prevHash))
	h.Write(data)
	return "sha256:" + hex.EncodeToString(h.Sum(nil)), nil
}
