// Package cidutil derives content identifiers for .kpkg artifacts.
//
// The inspector references a package and its payload by CIDv1 (raw
// multicodec, sha2-256 multihash) so artifacts can be anchored in
// transparency logs and content-addressed stores without per-consumer
// hashing conventions. The prefix is fixed: two implementations hashing the
// same bytes must print the same identifier.
package cidutil

import (
	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
)

var artifactPrefix = cid.Prefix{
	Version:  1,
	Codec:    cid.Raw,
	MhType:   multihash.SHA2_256,
	MhLength: -1,
}

// ArtifactCID returns the CIDv1 for a package or payload blob.
func ArtifactCID(data []byte) (cid.Cid, error) {
	return artifactPrefix.Sum(data)
}
