// Package keys generates and loads signing keys.
//
// Private keys are raw bytes on disk with no header and 0600 permissions;
// public keys are raw bytes with 0644. Nothing in this package prints key
// material.
package keys

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"

	"github.com/cloudflare/circl/sign/dilithium/mode3"

	"zerok.dev/zerok/sig"
	"zerok.dev/zerok/zerr"
)

const (
	privatePerm = 0o600
	publicPerm  = 0o644
)

// GenerateEd25519 writes a fresh ed25519 keypair: the 32-byte seed to
// privPath and the 32-byte public key to pubPath.
func GenerateEd25519(privPath, pubPath string) error {
	seed := make([]byte, ed25519.SeedSize)
	if _, err := rand.Read(seed); err != nil {
		return zerr.Wrap(zerr.KindIO, "ZK-IO-001", "read entropy", err)
	}
	return WriteEd25519FromSeed(privPath, pubPath, seed)
}

// WriteEd25519FromSeed writes the keypair derived from a caller-supplied
// 32-byte seed. Reproducible keys are for tests and demos only.
func WriteEd25519FromSeed(privPath, pubPath string, seed []byte) error {
	if len(seed) != ed25519.SeedSize {
		return zerr.New(zerr.KindCrypto, sig.RuleBadPublicKey,
			fmt.Sprintf("seed must be %d bytes", ed25519.SeedSize))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	pub := priv.Public().(ed25519.PublicKey)
	if err := writeFile(privPath, seed, privatePerm); err != nil {
		return err
	}
	return writeFile(pubPath, pub, publicPerm)
}

// GenerateDilithium3 writes a fresh dilithium3 keypair in packed binary form.
func GenerateDilithium3(privPath, pubPath string) error {
	pub, priv, err := mode3.GenerateKey(rand.Reader)
	if err != nil {
		return zerr.Wrap(zerr.KindIO, "ZK-IO-001", "read entropy", err)
	}
	privRaw, err := priv.MarshalBinary()
	if err != nil {
		return zerr.Wrap(zerr.KindCrypto, sig.RuleBadPublicKey, "marshal private key", err)
	}
	pubRaw, err := pub.MarshalBinary()
	if err != nil {
		return zerr.Wrap(zerr.KindCrypto, sig.RuleBadPublicKey, "marshal public key", err)
	}
	if err := writeFile(privPath, privRaw, privatePerm); err != nil {
		return err
	}
	return writeFile(pubPath, pubRaw, publicPerm)
}

// LoadEd25519Private reads a 32-byte seed file.
func LoadEd25519Private(path string) (ed25519.PrivateKey, error) {
	b, err := readFile(path)
	if err != nil {
		return nil, err
	}
	if len(b) != ed25519.SeedSize {
		return nil, zerr.New(zerr.KindCrypto, sig.RuleBadPublicKey,
			fmt.Sprintf("expected %d-byte ed25519 seed, got %d bytes", ed25519.SeedSize, len(b)))
	}
	return ed25519.NewKeyFromSeed(b), nil
}

// LoadDilithium3Private reads a packed dilithium3 private key.
func LoadDilithium3Private(path string) (*mode3.PrivateKey, error) {
	b, err := readFile(path)
	if err != nil {
		return nil, err
	}
	var priv mode3.PrivateKey
	if err := priv.UnmarshalBinary(b); err != nil {
		return nil, zerr.Wrap(zerr.KindCrypto, sig.RuleBadPublicKey, "invalid dilithium3 private key", err)
	}
	return &priv, nil
}

// LoadPublic reads a raw public key file; the algorithm is discriminated by
// length.
func LoadPublic(path string) (sig.PublicKey, error) {
	b, err := readFile(path)
	if err != nil {
		return sig.PublicKey{}, err
	}
	switch len(b) {
	case ed25519.PublicKeySize:
		return sig.PublicKey{Alg: sig.AlgEd25519, Raw: b}, nil
	case mode3.PublicKeySize:
		return sig.PublicKey{Alg: sig.AlgDilithium3, Raw: b}, nil
	default:
		return sig.PublicKey{}, zerr.New(zerr.KindCrypto, sig.RuleBadPublicKey,
			fmt.Sprintf("unrecognized public key length %d", len(b)))
	}
}

// ParseSeedHex decodes a 64-hex-char ed25519 seed.
func ParseSeedHex(s string) ([]byte, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("not hex: %w", err)
	}
	if len(b) != ed25519.SeedSize {
		return nil, fmt.Errorf("seed must be %d bytes", ed25519.SeedSize)
	}
	return b, nil
}

func writeFile(path string, data []byte, perm os.FileMode) error {
	if err := os.WriteFile(path, data, perm); err != nil {
		return zerr.Wrap(zerr.KindIO, "ZK-IO-002", "write "+path, err)
	}
	return nil
}

func readFile(path string) ([]byte, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, zerr.Wrap(zerr.KindIO, "ZK-IO-003", "read "+path, err)
	}
	return b, nil
}
