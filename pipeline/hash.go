package pipeline

import (
	"encoding/hex"

	"golang.org/x/crypto/sha3"
)

// sha3Hex returns the lowercase hex SHA3-256 digest of b. Every content hash,
// filename hash, and idempotency key in this package goes through here.
func sha3Hex(b []byte) string {
	sum := sha3.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// HashFilename digests an upload's filename so the raw name never leaves the
// request scope. Empty in, empty out.
func HashFilename(name string) string {
	if name == "" {
		return ""
	}
	return sha3Hex([]byte(name))
}
