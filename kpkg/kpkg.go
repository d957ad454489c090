// Package kpkg implements the .kpkg container format.
//
// A package is a fixed 40-byte little-endian header followed by the manifest
// bytes and the payload bytes. The decoder enforces the v1 layout invariants
// and rejects non-conforming inputs; the encoder emits the unique canonical
// byte sequence for a given (manifest, payload) pair.
package kpkg

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"

	"zerok.dev/zerok/zerr"
)

// Magic is the four ASCII bytes every package starts with.
const Magic = "KPKG"

// Version is the only format version this implementation reads or writes.
const Version uint16 = 1

// HeaderSize is the fixed size of the package header.
const HeaderSize = 40

// Stable rule IDs for format violations.
const (
	RuleBadMagic           = "ZK-FMT-001"
	RuleUnsupportedVersion = "ZK-FMT-002"
	RuleFieldOverflow      = "ZK-FMT-003"
	RuleRegionOverlap      = "ZK-FMT-004"
	RuleRegionOutOfBounds  = "ZK-FMT-005"
	RuleNonZeroReserved    = "ZK-FMT-006"
	RuleTrailingBytes      = "ZK-FMT-007"
	RuleLimitExceeded      = "ZK-FMT-008"
)

// Header is the decoded form of the 40-byte package header.
type Header struct {
	Version        uint16
	ManifestSize   uint32
	BinarySize     uint64
	BinaryOffset   uint64
	ManifestOffset uint64
}

// Package is a decoded .kpkg file. Manifest and Binary alias the input slice
// passed to Decode; callers that mutate the input must copy first.
type Package struct {
	Header   Header
	Manifest []byte
	Binary   []byte
}

// Limits bounds the region sizes Decode will accept before slicing.
type Limits struct {
	MaxManifestBytes uint64
	MaxBinaryBytes   uint64
}

// DefaultLimits are the maxima used when a zero Limits is given.
var DefaultLimits = Limits{
	MaxManifestBytes: 64 << 20,
	MaxBinaryBytes:   1 << 30,
}

func (l Limits) orDefault() Limits {
	if l.MaxManifestBytes == 0 {
		l.MaxManifestBytes = DefaultLimits.MaxManifestBytes
	}
	if l.MaxBinaryBytes == 0 {
		l.MaxBinaryBytes = DefaultLimits.MaxBinaryBytes
	}
	return l
}

// Encode serializes (manifest, payload) into the canonical v1 layout:
// header, manifest immediately after, payload immediately after that,
// reserved bytes zeroed. Byte-for-byte equal inputs produce byte-for-byte
// equal packages.
func Encode(manifest, payload []byte) ([]byte, error) {
	if uint64(len(manifest)) > math.MaxUint32 {
		return nil, zerr.New(zerr.KindFormat, RuleFieldOverflow,
			fmt.Sprintf("manifest length %d exceeds field width", len(manifest)))
	}

	manifestOffset := uint64(HeaderSize)
	binaryOffset := manifestOffset + uint64(len(manifest))

	out := make([]byte, 0, HeaderSize+len(manifest)+len(payload))
	var hdr [HeaderSize]byte
	copy(hdr[0:4], Magic)
	binary.LittleEndian.PutUint16(hdr[4:6], Version)
	binary.LittleEndian.PutUint32(hdr[6:10], uint32(len(manifest)))
	binary.LittleEndian.PutUint64(hdr[10:18], uint64(len(payload)))
	binary.LittleEndian.PutUint64(hdr[18:26], binaryOffset)
	binary.LittleEndian.PutUint64(hdr[26:34], manifestOffset)
	// hdr[34:40] stays zero (reserved)

	out = append(out, hdr[:]...)
	out = append(out, manifest...)
	out = append(out, payload...)
	return out, nil
}

// Decode parses a .kpkg byte slice and enforces every layout invariant.
//
// Decode is pure: identical input yields identical output. It never copies
// region-sized buffers; the returned slices alias data.
func Decode(data []byte, lim Limits) (*Package, error) {
	lim = lim.orDefault()

	if len(data) < HeaderSize {
		return nil, zerr.At(zerr.KindFormat, RuleRegionOutOfBounds,
			fmt.Sprintf("offset %d", len(data)), "truncated header")
	}
	if !bytes.Equal(data[0:4], []byte(Magic)) {
		return nil, zerr.At(zerr.KindFormat, RuleBadMagic, "offset 0", "bad magic")
	}

	h := Header{
		Version:        binary.LittleEndian.Uint16(data[4:6]),
		ManifestSize:   binary.LittleEndian.Uint32(data[6:10]),
		BinarySize:     binary.LittleEndian.Uint64(data[10:18]),
		BinaryOffset:   binary.LittleEndian.Uint64(data[18:26]),
		ManifestOffset: binary.LittleEndian.Uint64(data[26:34]),
	}
	if h.Version != Version {
		return nil, zerr.At(zerr.KindFormat, RuleUnsupportedVersion, "offset 4",
			fmt.Sprintf("unsupported version %d", h.Version))
	}
	for i := 34; i < HeaderSize; i++ {
		if data[i] != 0 {
			return nil, zerr.At(zerr.KindFormat, RuleNonZeroReserved,
				fmt.Sprintf("offset %d", i), "non-zero reserved byte")
		}
	}

	if h.ManifestOffset < HeaderSize {
		return nil, zerr.At(zerr.KindFormat, RuleRegionOutOfBounds, "offset 26",
			"manifest region overlaps header")
	}
	if h.BinaryOffset < HeaderSize {
		return nil, zerr.At(zerr.KindFormat, RuleRegionOutOfBounds, "offset 18",
			"binary region overlaps header")
	}

	// Resource bounds come before any region arithmetic on untrusted sizes.
	if uint64(h.ManifestSize) > lim.MaxManifestBytes {
		return nil, zerr.At(zerr.KindFormat, RuleLimitExceeded, "offset 6",
			fmt.Sprintf("manifest size %d exceeds limit %d", h.ManifestSize, lim.MaxManifestBytes))
	}
	if h.BinarySize > lim.MaxBinaryBytes {
		return nil, zerr.At(zerr.KindFormat, RuleLimitExceeded, "offset 10",
			fmt.Sprintf("binary size %d exceeds limit %d", h.BinarySize, lim.MaxBinaryBytes))
	}

	manifestEnd, ok := checkedAdd(h.ManifestOffset, uint64(h.ManifestSize))
	if !ok {
		return nil, zerr.At(zerr.KindFormat, RuleFieldOverflow, "offset 26",
			"manifest region end overflows")
	}
	binaryEnd, ok := checkedAdd(h.BinaryOffset, h.BinarySize)
	if !ok {
		return nil, zerr.At(zerr.KindFormat, RuleFieldOverflow, "offset 18",
			"binary region end overflows")
	}

	fileLen := uint64(len(data))
	if manifestEnd > fileLen {
		return nil, zerr.At(zerr.KindFormat, RuleRegionOutOfBounds, "offset 26",
			"manifest region exceeds file")
	}
	if binaryEnd > fileLen {
		return nil, zerr.At(zerr.KindFormat, RuleRegionOutOfBounds, "offset 18",
			"binary region exceeds file")
	}

	if overlaps(h.ManifestOffset, manifestEnd, h.BinaryOffset, binaryEnd) {
		return nil, zerr.At(zerr.KindFormat, RuleRegionOverlap, "offset 18",
			"manifest and binary regions overlap")
	}

	// Exact EOF: the file ends where the last region ends. Anything after is
	// a hidden payload.
	end := manifestEnd
	if binaryEnd > end {
		end = binaryEnd
	}
	if end < HeaderSize {
		end = HeaderSize
	}
	if fileLen != end {
		return nil, zerr.At(zerr.KindFormat, RuleTrailingBytes,
			fmt.Sprintf("offset %d", end),
			fmt.Sprintf("%d trailing bytes", fileLen-end))
	}

	return &Package{
		Header:   h,
		Manifest: data[h.ManifestOffset:manifestEnd],
		Binary:   data[h.BinaryOffset:binaryEnd],
	}, nil
}

func checkedAdd(a, b uint64) (uint64, bool) {
	s := a + b
	if s < a {
		return 0, false
	}
	return s, true
}

// overlaps reports whether the half-open ranges [aStart,aEnd) and
// [bStart,bEnd) intersect. Empty ranges never overlap.
func overlaps(aStart, aEnd, bStart, bEnd uint64) bool {
	if aStart == aEnd || bStart == bEnd {
		return false
	}
	return aStart < bEnd && bStart < aEnd
}
