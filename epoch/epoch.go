// Package epoch keeps the master epoch of every cell on disk. Leaseholders
// use the epoch to tell their terms apart across restarts, so a value must
// be durable before the acceptor acknowledges it.
package epoch

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
)

// Store is a directory with one file per cell
type Store struct {
	dir string
	mu  sync.Mutex
}

// Open creates <dir>/epoch if needed
func Open(dir string) (*Store, error) {
	d := filepath.Join(dir, "epoch")
	if err := os.MkdirAll(d, 0755); err != nil {
		return nil, fmt.Errorf("epoch store: %w", err)
	}
	return &Store{dir: d}, nil
}

func (s *Store) path(cellID string) string {
	return filepath.Join(s.dir, hex.EncodeToString([]byte(cellID)))
}

// Get returns the stored epoch of the cell, 0 if none was stored
func (s *Store) Get(cellID string) (int64, error) {
	b, err := os.ReadFile(s.path(cellID))
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	e, err := strconv.ParseInt(strings.TrimSpace(string(b)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("epoch file of %s is corrupt: %w", cellID, err)
	}
	return e, nil
}

// Set durably replaces the epoch of the cell
func (s *Store) Set(cellID string, epoch int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.CreateTemp(s.dir, ".tmp-")
	if err != nil {
		return err
	}
	tmp := f.Name()
	_, err = f.WriteString(strconv.FormatInt(epoch, 10) + "\n")
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Rename(tmp, s.path(cellID))
	}
	if err != nil {
		os.Remove(tmp)
		return fmt.Errorf("store epoch of %s: %w", cellID, err)
	}
	return nil
}
