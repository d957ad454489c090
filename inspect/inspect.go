// Package inspect produces read-only summaries of packages: header fields,
// decoded manifest, payload digests, and signature status. Nothing here
// mutates files.
package inspect

import (
	"encoding/hex"
	"fmt"
	"io"

	"zerok.dev/zerok/cidutil"
	"zerok.dev/zerok/kpkg"
	"zerok.dev/zerok/manifest"
	"zerok.dev/zerok/sig"
	"zerok.dev/zerok/zerr"
)

// Options parameterizes Inspect. Key and Signature are optional; without a
// Signature the status is "missing", and a Signature without a Key reports
// "untrusted_key".
type Options struct {
	Key       *sig.PublicKey
	Signature *sig.Signature

	// HashAlg selects an additional payload digest beside the always-present
	// SHA-256 (sha512 or sha3-256). Empty means none.
	HashAlg string

	Limits kpkg.Limits
}

// Report is the stable JSON-facing inspection result.
type Report struct {
	Header struct {
		Magic          string `json:"magic"`
		Version        uint16 `json:"version"`
		ManifestSize   uint32 `json:"manifest_size"`
		BinarySize     uint64 `json:"binary_size"`
		BinaryOffset   uint64 `json:"binary_offset"`
		ManifestOffset uint64 `json:"manifest_offset"`
	} `json:"header"`

	Manifest      *manifest.Manifest `json:"manifest,omitempty"`
	ManifestError string             `json:"manifest_error,omitempty"`

	PayloadSHA256 string `json:"payload_sha256"`
	PayloadDigest string `json:"payload_digest,omitempty"`
	PayloadCID    string `json:"payload_cid"`
	PackageCID    string `json:"package_cid"`

	SignatureStatus string `json:"signature_status"`
}

// Inspect decodes pkg and reports on it. A manifest that fails validation
// does not fail the inspection; the error is carried in the report.
func Inspect(pkgBytes []byte, opts Options) (*Report, error) {
	p, err := kpkg.Decode(pkgBytes, opts.Limits)
	if err != nil {
		return nil, err
	}

	r := &Report{}
	r.Header.Magic = kpkg.Magic
	r.Header.Version = p.Header.Version
	r.Header.ManifestSize = p.Header.ManifestSize
	r.Header.BinarySize = p.Header.BinarySize
	r.Header.BinaryOffset = p.Header.BinaryOffset
	r.Header.ManifestOffset = p.Header.ManifestOffset

	m, merr := manifest.Parse(p.Manifest)
	if merr != nil {
		r.ManifestError = merr.Error()
	} else {
		r.Manifest = m
	}

	sum, err := sig.DigestFor(sig.DigestSHA256, p.Binary)
	if err != nil {
		return nil, err
	}
	r.PayloadSHA256 = hex.EncodeToString(sum)
	if opts.HashAlg != "" && opts.HashAlg != sig.DigestSHA256 {
		d, err := sig.DigestFor(opts.HashAlg, p.Binary)
		if err != nil {
			return nil, err
		}
		r.PayloadDigest = opts.HashAlg + ":" + hex.EncodeToString(d)
	}
	payloadCID, err := cidutil.ArtifactCID(p.Binary)
	if err != nil {
		return nil, zerr.Wrap(zerr.KindInternal, "ZK-INT-001", "derive payload CID", err)
	}
	packageCID, err := cidutil.ArtifactCID(pkgBytes)
	if err != nil {
		return nil, zerr.Wrap(zerr.KindInternal, "ZK-INT-001", "derive package CID", err)
	}
	r.PayloadCID = payloadCID.String()
	r.PackageCID = packageCID.String()

	switch {
	case opts.Signature == nil:
		r.SignatureStatus = sig.StatusMissing
	case opts.Key == nil:
		r.SignatureStatus = sig.StatusUntrustedKey
	default:
		r.SignatureStatus = sig.Status(pkgBytes, *opts.Key, opts.Signature)
	}
	return r, nil
}

// Render writes the human-readable form of the report.
func (r *Report) Render(w io.Writer) {
	fmt.Fprintf(w, "KPKG v%d\n", r.Header.Version)
	fmt.Fprintf(w, "Manifest: offset=%d, size=%d\n", r.Header.ManifestOffset, r.Header.ManifestSize)
	fmt.Fprintf(w, "Binary:   offset=%d, size=%d\n", r.Header.BinaryOffset, r.Header.BinarySize)
	fmt.Fprintf(w, "Payload SHA-256: %s\n", r.PayloadSHA256)
	if r.PayloadDigest != "" {
		fmt.Fprintf(w, "Payload digest:  %s\n", r.PayloadDigest)
	}
	fmt.Fprintf(w, "Payload CID: %s\n", r.PayloadCID)
	fmt.Fprintf(w, "Package CID: %s\n", r.PackageCID)
	fmt.Fprintf(w, "Signature: %s\n", r.SignatureStatus)

	if r.ManifestError != "" {
		fmt.Fprintf(w, "\nManifest INVALID: %s\n", r.ManifestError)
		return
	}
	if r.Manifest != nil {
		fmt.Fprintf(w, "\nName:    %s\n", r.Manifest.Name)
		fmt.Fprintf(w, "Version: %s\n", r.Manifest.Version)
		if r.Manifest.Epoch != nil {
			fmt.Fprintf(w, "Epoch:   %d\n", *r.Manifest.Epoch)
		}
	}
}
