package keys

import (
	"bytes"
	"crypto/ed25519"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"zerok.dev/zerok/sig"
)

func TestGenerateEd25519RoundTrip(t *testing.T) {
	dir := t.TempDir()
	privPath := filepath.Join(dir, "sk")
	pubPath := filepath.Join(dir, "pk")

	if err := GenerateEd25519(privPath, pubPath); err != nil {
		t.Fatalf("GenerateEd25519 failed: %v", err)
	}

	priv, err := LoadEd25519Private(privPath)
	if err != nil {
		t.Fatalf("LoadEd25519Private failed: %v", err)
	}
	pub, err := LoadPublic(pubPath)
	if err != nil {
		t.Fatalf("LoadPublic failed: %v", err)
	}
	if pub.Alg != sig.AlgEd25519 {
		t.Fatalf("alg: got %s", pub.Alg)
	}
	if !bytes.Equal(pub.Raw, priv.Public().(ed25519.PublicKey)) {
		t.Fatalf("public key does not match private key")
	}

	msg := []byte("package bytes")
	s := sig.SignEd25519(msg, priv)
	if status := sig.Status(msg, pub, s); status != sig.StatusValid {
		t.Fatalf("status: got %s", status)
	}
}

func TestKeyFilePermissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("unix permissions")
	}
	dir := t.TempDir()
	privPath := filepath.Join(dir, "sk")
	pubPath := filepath.Join(dir, "pk")
	if err := GenerateEd25519(privPath, pubPath); err != nil {
		t.Fatalf("GenerateEd25519 failed: %v", err)
	}

	fi, err := os.Stat(privPath)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if perm := fi.Mode().Perm(); perm != 0o600 {
		t.Fatalf("private key perm: got %o", perm)
	}
	fi, err = os.Stat(pubPath)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if perm := fi.Mode().Perm(); perm != 0o644 {
		t.Fatalf("public key perm: got %o", perm)
	}
}

func TestWriteEd25519FromSeedDeterministic(t *testing.T) {
	dir := t.TempDir()
	seed, err := ParseSeedHex("a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1a1")
	if err != nil {
		t.Fatalf("ParseSeedHex failed: %v", err)
	}
	for _, n := range []string{"one", "two"} {
		if err := WriteEd25519FromSeed(filepath.Join(dir, n+".sk"), filepath.Join(dir, n+".pk"), seed); err != nil {
			t.Fatalf("WriteEd25519FromSeed failed: %v", err)
		}
	}
	a, _ := os.ReadFile(filepath.Join(dir, "one.pk"))
	b, _ := os.ReadFile(filepath.Join(dir, "two.pk"))
	if !bytes.Equal(a, b) {
		t.Fatalf("same seed produced different public keys")
	}
}

func TestLoadEd25519PrivateRejectsWrongLength(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "bad")
	if err := os.WriteFile(p, []byte("short"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := LoadEd25519Private(p); err == nil {
		t.Fatalf("expected error for truncated key")
	}
}

func TestGenerateDilithium3RoundTrip(t *testing.T) {
	dir := t.TempDir()
	privPath := filepath.Join(dir, "sk")
	pubPath := filepath.Join(dir, "pk")
	if err := GenerateDilithium3(privPath, pubPath); err != nil {
		t.Fatalf("GenerateDilithium3 failed: %v", err)
	}
	priv, err := LoadDilithium3Private(privPath)
	if err != nil {
		t.Fatalf("LoadDilithium3Private failed: %v", err)
	}
	pub, err := LoadPublic(pubPath)
	if err != nil {
		t.Fatalf("LoadPublic failed: %v", err)
	}
	if pub.Alg != sig.AlgDilithium3 {
		t.Fatalf("alg: got %s", pub.Alg)
	}

	msg := []byte("package bytes")
	s, err := sig.SignDilithium3(msg, priv)
	if err != nil {
		t.Fatalf("SignDilithium3 failed: %v", err)
	}
	if status := sig.Status(msg, pub, s); status != sig.StatusValid {
		t.Fatalf("status: got %s", status)
	}
}
