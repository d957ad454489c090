package sig

import (
	"crypto/sha256"
	"crypto/sha512"
	"fmt"

	"golang.org/x/crypto/sha3"

	"zerok.dev/zerok/zerr"
)

// Digest algorithms accepted by DigestFor. sha256 is the default everywhere;
// the others exist for callers that anchor artifacts in systems with a
// different hash discipline.
const (
	DigestSHA256   = "sha256"
	DigestSHA512   = "sha512"
	DigestSHA3_256 = "sha3-256"
)

// DigestFor hashes data with the named algorithm.
func DigestFor(alg string, data []byte) ([]byte, error) {
	switch alg {
	case DigestSHA256:
		s := sha256.Sum256(data)
		return s[:], nil
	case DigestSHA512:
		s := sha512.Sum512(data)
		return s[:], nil
	case DigestSHA3_256:
		s := sha3.Sum256(data)
		return s[:], nil
	default:
		return nil, zerr.New(zerr.KindValidation, "ZK-VAL-141",
			fmt.Sprintf("unsupported digest algorithm %q", alg))
	}
}
