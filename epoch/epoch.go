// Package epoch defines the host-provided monotonic epoch record used for
// anti-rollback verification.
//
// Records are keyed by manifest name. A store only ever moves forward: Bump
// with an epoch below the recorded maximum fails, and verification of a
// package whose epoch is below the recorded maximum fails with a Crypto
// error regardless of signature validity.
package epoch

import (
	"fmt"
	"regexp"
	"sync"

	"zerok.dev/zerok/zerr"
)

// Stable rule IDs.
const (
	RuleRollback   = "ZK-CRYPTO-301"
	RuleRegression = "ZK-CRYPTO-302"
	RuleBadName    = "ZK-CRYPTO-303"
)

// Store is a monotonic per-name epoch record.
//
// Contract:
// - Get returns (0, false, nil) for a name with no record.
// - Bump MUST reject any epoch lower than the recorded maximum.
// - Implementations MUST be safe for concurrent use.
type Store interface {
	Get(name string) (uint64, bool, error)
	Bump(name string, epoch uint64) error
}

var nameRe = regexp.MustCompile(`^[A-Za-z0-9_.-]{1,64}$`)

// CheckName rejects record names that are not valid manifest identifiers;
// this keeps path-backed stores free of traversal concerns.
func CheckName(name string) error {
	if !nameRe.MatchString(name) {
		return zerr.New(zerr.KindCrypto, RuleBadName,
			fmt.Sprintf("invalid record name %q", name))
	}
	return nil
}

// Check fails when pkgEpoch is below the stored maximum for name.
func Check(st Store, name string, pkgEpoch uint64) error {
	if err := CheckName(name); err != nil {
		return err
	}
	stored, ok, err := st.Get(name)
	if err != nil {
		return err
	}
	if ok && pkgEpoch < stored {
		return zerr.New(zerr.KindCrypto, RuleRollback,
			fmt.Sprintf("package epoch %d below stored epoch %d for %q", pkgEpoch, stored, name))
	}
	return nil
}

// Mem is an in-memory Store for tests and single-process hosts.
type Mem struct {
	mu sync.Mutex
	m  map[string]uint64
}

func NewMem() *Mem {
	return &Mem{m: map[string]uint64{}}
}

func (s *Mem) Get(name string) (uint64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.m[name]
	return e, ok, nil
}

func (s *Mem) Bump(name string, epoch uint64) error {
	if err := CheckName(name); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if stored, ok := s.m[name]; ok && epoch < stored {
		return zerr.New(zerr.KindCrypto, RuleRegression,
			fmt.Sprintf("epoch %d below stored %d", epoch, stored))
	}
	s.m[name] = epoch
	return nil
}
