package manifest

import (
	"bytes"
	"errors"
	"strings"
	"unicode/utf8"

	"github.com/pelletier/go-toml/v2"

	"zerok.dev/zerok/zerr"
)

// Stable rule IDs for structural (decode-time) failures.
const (
	RuleEmpty        = "ZK-VAL-001"
	RuleNotUTF8      = "ZK-VAL-002"
	RuleBOM          = "ZK-VAL-003"
	RuleNUL          = "ZK-VAL-004"
	RuleSyntax       = "ZK-VAL-005"
	RuleUnknownField = "ZK-VAL-006"
	RuleBadType      = "ZK-VAL-007"
)

// Parse decodes manifest text and runs the semantic validator.
// A single unrecognized key at any nesting level fails the whole load.
func Parse(data []byte) (*Manifest, error) {
	m, err := decode(data)
	if err != nil {
		return nil, err
	}
	if err := Validate(m); err != nil {
		return nil, err
	}
	return m, nil
}

// decode performs the structural pass only: encoding checks and strict
// schema-shaped TOML decoding. Semantic rules live in Validate.
func decode(data []byte) (*Manifest, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, zerr.New(zerr.KindValidation, RuleEmpty, "manifest is empty")
	}
	if bytes.HasPrefix(data, []byte{0xEF, 0xBB, 0xBF}) {
		return nil, zerr.New(zerr.KindValidation, RuleBOM, "BOM not allowed")
	}
	if !utf8.Valid(data) {
		return nil, zerr.New(zerr.KindValidation, RuleNotUTF8, "manifest is not valid UTF-8")
	}
	if bytes.IndexByte(data, 0x00) >= 0 {
		return nil, zerr.New(zerr.KindValidation, RuleNUL, "embedded NUL byte")
	}

	var m Manifest
	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&m); err != nil {
		return nil, tomlError(err)
	}
	return &m, nil
}

// tomlError converts go-toml errors into path-addressed structured errors.
func tomlError(err error) error {
	var smerr *toml.StrictMissingError
	if errors.As(err, &smerr) && len(smerr.Errors) > 0 {
		de := smerr.Errors[0]
		return zerr.At(zerr.KindValidation, RuleUnknownField,
			strings.Join(de.Key(), "."), "unknown field")
	}
	var derr *toml.DecodeError
	if errors.As(err, &derr) {
		return zerr.At(zerr.KindValidation, RuleBadType,
			strings.Join(derr.Key(), "."), derr.Error())
	}
	return zerr.Wrap(zerr.KindValidation, RuleSyntax, "manifest TOML is invalid", err)
}
