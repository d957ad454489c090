// Package sig implements detached signatures over whole .kpkg files.
//
// A signature always covers the entire package bytes as stored on disk,
// never a subregion. The detached file form is a single ASCII header line
// "ZKSIG1 <hex-pubkey-fingerprint>" followed by the raw signature bytes;
// a bare 64-byte file is accepted as a legacy ed25519 signature.
package sig

import (
	"bytes"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/cloudflare/circl/sign/dilithium/mode3"

	"zerok.dev/zerok/zerr"
)

// Signature algorithms. Ed25519 is the pinned default; dilithium3 is the
// registered post-quantum option.
const (
	AlgEd25519    = "ed25519"
	AlgDilithium3 = "dilithium3"
)

// HeaderTag begins the first line of a headered signature file.
const HeaderTag = "ZKSIG1"

// Stable rule IDs for crypto failures.
const (
	RuleBadSignatureFile = "ZK-CRYPTO-001"
	RuleBadPublicKey     = "ZK-CRYPTO-002"
	RuleUntrustedKey     = "ZK-CRYPTO-101"
	RuleMathFailed       = "ZK-CRYPTO-102"
	RuleThreshold        = "ZK-CRYPTO-103"
)

// Signature is a parsed detached signature.
type Signature struct {
	Alg            string
	Fingerprint    [32]byte
	HasFingerprint bool
	Bytes          []byte
}

// PublicKey is a raw public key with its algorithm.
type PublicKey struct {
	Alg string
	Raw []byte
}

// Fingerprint is the SHA-256 of the raw public key bytes.
func Fingerprint(rawPub []byte) [32]byte {
	return sha256.Sum256(rawPub)
}

// Fingerprint returns the key's fingerprint.
func (k PublicKey) Fingerprint() [32]byte {
	return Fingerprint(k.Raw)
}

// SignEd25519 signs the entire package bytes.
func SignEd25519(pkg []byte, priv ed25519.PrivateKey) *Signature {
	pub := priv.Public().(ed25519.PublicKey)
	return &Signature{
		Alg:            AlgEd25519,
		Fingerprint:    Fingerprint(pub),
		HasFingerprint: true,
		Bytes:          ed25519.Sign(priv, pkg),
	}
}

// SignDilithium3 signs the entire package bytes with the post-quantum scheme.
func SignDilithium3(pkg []byte, priv *mode3.PrivateKey) (*Signature, error) {
	if priv == nil {
		return nil, zerr.New(zerr.KindCrypto, RuleBadPublicKey, "missing private key")
	}
	pubRaw, err := priv.Public().(*mode3.PublicKey).MarshalBinary()
	if err != nil {
		return nil, zerr.Wrap(zerr.KindCrypto, RuleBadPublicKey, "marshal public key", err)
	}
	out := make([]byte, mode3.SignatureSize)
	mode3.SignTo(priv, pkg, out)
	return &Signature{
		Alg:            AlgDilithium3,
		Fingerprint:    Fingerprint(pubRaw),
		HasFingerprint: true,
		Bytes:          out,
	}, nil
}

// Encode renders the detached file form. New signatures always carry the
// ZKSIG1 header.
func (s *Signature) Encode() []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%s %s\n", HeaderTag, hex.EncodeToString(s.Fingerprint[:]))
	buf.Write(s.Bytes)
	return buf.Bytes()
}

// Parse decodes a detached signature file. The algorithm is discriminated by
// signature length; a bare 64-byte body is the legacy headerless ed25519 form.
func Parse(data []byte) (*Signature, error) {
	if len(data) == ed25519.SignatureSize {
		return &Signature{Alg: AlgEd25519, Bytes: append([]byte(nil), data...)}, nil
	}

	prefix := []byte(HeaderTag + " ")
	if !bytes.HasPrefix(data, prefix) {
		return nil, zerr.New(zerr.KindCrypto, RuleBadSignatureFile,
			"neither ZKSIG1 header nor bare 64-byte signature")
	}
	nl := bytes.IndexByte(data, '\n')
	if nl < 0 {
		return nil, zerr.New(zerr.KindCrypto, RuleBadSignatureFile, "unterminated header line")
	}
	fpHex := string(data[len(prefix):nl])
	fp, err := hex.DecodeString(fpHex)
	if err != nil || len(fp) != 32 {
		return nil, zerr.New(zerr.KindCrypto, RuleBadSignatureFile, "malformed fingerprint")
	}

	body := data[nl+1:]
	s := &Signature{HasFingerprint: true, Bytes: append([]byte(nil), body...)}
	copy(s.Fingerprint[:], fp)
	switch len(body) {
	case ed25519.SignatureSize:
		s.Alg = AlgEd25519
	case mode3.SignatureSize:
		s.Alg = AlgDilithium3
	default:
		return nil, zerr.New(zerr.KindCrypto, RuleBadSignatureFile,
			fmt.Sprintf("unrecognized signature length %d", len(body)))
	}
	return s, nil
}

// verifyMath checks the signature math for one (key, signature) pair.
// Constant-time where the underlying library permits.
func verifyMath(pkg []byte, key PublicKey, s *Signature) (bool, error) {
	if key.Alg != s.Alg {
		return false, nil
	}
	switch s.Alg {
	case AlgEd25519:
		if len(key.Raw) != ed25519.PublicKeySize {
			return false, zerr.New(zerr.KindCrypto, RuleBadPublicKey, "invalid ed25519 public key length")
		}
		return ed25519.Verify(ed25519.PublicKey(key.Raw), pkg, s.Bytes), nil
	case AlgDilithium3:
		var pk mode3.PublicKey
		if err := pk.UnmarshalBinary(key.Raw); err != nil {
			return false, zerr.Wrap(zerr.KindCrypto, RuleBadPublicKey, "invalid dilithium3 public key", err)
		}
		return mode3.Verify(&pk, pkg, s.Bytes), nil
	default:
		return false, zerr.New(zerr.KindCrypto, RuleBadSignatureFile,
			fmt.Sprintf("unsupported algorithm %q", s.Alg))
	}
}

// VerifyOptions parameterizes Verify.
type VerifyOptions struct {
	// Threshold is the number of distinct trusted signers required (N of M).
	// Zero means 1.
	Threshold int

	// Trusted pins the acceptable signer fingerprints. When empty, the
	// fingerprints of the supplied public keys form the trust set.
	Trusted [][32]byte
}

// Verify checks the detached signatures against pkg. Success requires at
// least Threshold distinct trusted fingerprints whose signature math holds.
// The same signer presented twice counts once.
func Verify(pkg []byte, pubs []PublicKey, sigs []*Signature, opts VerifyOptions) error {
	threshold := opts.Threshold
	if threshold <= 0 {
		threshold = 1
	}
	if len(sigs) == 0 {
		return zerr.New(zerr.KindCrypto, RuleThreshold, "no signatures supplied")
	}

	trusted := map[[32]byte]bool{}
	for _, fp := range opts.Trusted {
		trusted[fp] = true
	}
	if len(trusted) == 0 {
		for _, k := range pubs {
			trusted[k.Fingerprint()] = true
		}
	}

	byFP := map[[32]byte]PublicKey{}
	for _, k := range pubs {
		byFP[k.Fingerprint()] = k
	}

	valid := map[[32]byte]bool{}
	sawUntrusted := false
	sawMathFailure := false

	for _, s := range sigs {
		candidates := pubs
		if s.HasFingerprint {
			k, ok := byFP[s.Fingerprint]
			if !ok {
				sawUntrusted = true
				continue
			}
			candidates = []PublicKey{k}
		}
		matched := false
		for _, k := range candidates {
			ok, err := verifyMath(pkg, k, s)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			matched = true
			fp := k.Fingerprint()
			if trusted[fp] {
				valid[fp] = true
			} else {
				sawUntrusted = true
			}
			break
		}
		if !matched {
			sawMathFailure = true
		}
	}

	if len(valid) >= threshold {
		return nil
	}
	if sawMathFailure {
		return zerr.New(zerr.KindCrypto, RuleMathFailed, "signature invalid")
	}
	if sawUntrusted {
		return zerr.New(zerr.KindCrypto, RuleUntrustedKey, "signer not in trust set")
	}
	return zerr.New(zerr.KindCrypto, RuleThreshold,
		fmt.Sprintf("%d trusted signatures, %d required", len(valid), threshold))
}

// Status values reported by the inspector.
const (
	StatusValid        = "valid"
	StatusMissing      = "missing"
	StatusUntrustedKey = "untrusted_key"
	StatusMathFailed   = "math_failed"
)

// Status classifies a single signature against a single key for read-only
// reporting. A nil signature is "missing".
func Status(pkg []byte, key PublicKey, s *Signature) string {
	if s == nil {
		return StatusMissing
	}
	if s.HasFingerprint && s.Fingerprint != key.Fingerprint() {
		return StatusUntrustedKey
	}
	ok, err := verifyMath(pkg, key, s)
	if err != nil || !ok {
		return StatusMathFailed
	}
	return StatusValid
}
