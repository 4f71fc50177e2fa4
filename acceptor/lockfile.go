package acceptor

import (
	"errors"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
)

// LockfileName is the prefix of the crash marker file
const LockfileName = "flease_lock."

// ErrLockFile means the crash marker could not be claimed. The acceptor
// must not start.
var ErrLockFile = errors.New("cannot claim acceptor lock file")

// LockfilePath returns the crash marker of identity in dir
func LockfilePath(dir, identity string) string {
	h := fnv.New32a()
	h.Write([]byte(identity))
	return filepath.Join(dir, LockfileName+strconv.FormatUint(uint64(h.Sum32()), 10))
}

// claimLockfile creates the marker. It reports whether a marker was already
// present, which means the previous incarnation did not shut down cleanly.
// With force a leftover marker is replaced and not reported.
func claimLockfile(path string, force bool) (crashed bool, err error) {
	if _, err := os.Stat(path); err == nil {
		if !force {
			return true, nil
		}
		if err := os.Remove(path); err != nil {
			return false, fmt.Errorf("%w: %v", ErrLockFile, err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return false, fmt.Errorf("%w: %v", ErrLockFile, err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return false, fmt.Errorf("%w: %s: %v", ErrLockFile, path, err)
	}
	fmt.Fprintf(f, "%d\n", os.Getpid())
	if err := f.Close(); err != nil {
		return false, fmt.Errorf("%w: %v", ErrLockFile, err)
	}
	return false, nil
}
