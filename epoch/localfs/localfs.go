// Package localfs is a filesystem-backed epoch record store.
//
// Each record is one file named after the manifest identifier, holding the
// decimal epoch and a newline. Updates go through a temp file and rename so
// a crash never leaves a half-written record.
package localfs

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"zerok.dev/zerok/epoch"
	"zerok.dev/zerok/zerr"
)

// Store implements epoch.Store over a directory.
type Store struct {
	mu   sync.Mutex
	root string
}

// New constructs a store rooted at root. The directory is created if needed.
func New(root string) (*Store, error) {
	if root == "" {
		return nil, errors.New("localfs: root directory is required")
	}
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, zerr.Wrap(zerr.KindIO, "ZK-IO-011", "create epoch directory", err)
	}
	return &Store{root: root}, nil
}

func (s *Store) Get(name string) (uint64, bool, error) {
	if err := epoch.CheckName(name); err != nil {
		return 0, false, err
	}
	b, err := os.ReadFile(s.pathFor(name))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, false, nil
		}
		return 0, false, zerr.Wrap(zerr.KindIO, "ZK-IO-012", "read epoch record", err)
	}
	e, err := strconv.ParseUint(strings.TrimSpace(string(b)), 10, 64)
	if err != nil {
		return 0, false, zerr.Wrap(zerr.KindIO, "ZK-IO-013", "corrupt epoch record", err)
	}
	return e, true, nil
}

func (s *Store) Bump(name string, e uint64) error {
	if err := epoch.CheckName(name); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok, err := s.Get(name)
	if err != nil {
		return err
	}
	if ok && e < stored {
		return zerr.New(zerr.KindCrypto, epoch.RuleRegression,
			fmt.Sprintf("epoch %d below stored %d", e, stored))
	}

	path := s.pathFor(name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(strconv.FormatUint(e, 10)+"\n"), 0o600); err != nil {
		return zerr.Wrap(zerr.KindIO, "ZK-IO-014", "write epoch record", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return zerr.Wrap(zerr.KindIO, "ZK-IO-014", "write epoch record", err)
	}
	return nil
}

func (s *Store) pathFor(name string) string {
	return filepath.Join(s.root, name)
}
