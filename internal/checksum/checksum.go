// Package checksum computes and verifies SHA-256 content digests for
// frames and files.
package checksum

import (
	"crypto/sha256"
	"encoding/hex"

	fverr "github.com/framevault/framevault/internal/errors"
)

// SHA256Bytes returns the hex SHA-256 digest of in-memory data.
func SHA256Bytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Verify compares the digest of data against an expected precomputed
// digest. An empty expected digest means checksums are advisory for this
// item and verification is skipped. A mismatch is an integrity error
// carrying both digests.
func Verify(data []byte, expected string) error {
	if expected == "" {
		return nil
	}
	actual := SHA256Bytes(data)
	if actual != expected {
		return fverr.ErrDigestMismatch.
			WithField("expected", expected).
			WithField("actual", actual)
	}
	return nil
}
