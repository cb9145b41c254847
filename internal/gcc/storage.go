// Package gcc implements the on-disk session memory: the append-only
// log and commit journal, the checkpoint store, and session lifecycle
// (create, branch, merge). Files live under <base>/sessions/<id>/ and
// every replacement write goes through a temp-file + rename so a crash
// never leaves a half-written file behind.
package gcc

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

// ErrLockTimeout is returned when an append cannot take the advisory
// lock within lockWait. Callers log it and carry on; the in-memory
// state still drives the turn.
var ErrLockTimeout = errors.New("gcc: lock wait timed out")

const (
	lockWait = 2 * time.Second
	lockPoll = 25 * time.Millisecond
)

// WriteAtomic replaces path with data via temp file + rename.
func WriteAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("gcc: mkdir for %s: %w", path, err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("gcc: write temp for %s: %w", path, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("gcc: rename %s: %w", tmp, err)
	}
	return nil
}

// AppendLocked appends data to path under an advisory exclusive lock so
// concurrent appenders (an agent turn and a human !cmd) never interleave
// within one entry. The lock lives in a sidecar file next to the target.
func AppendLocked(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("gcc: mkdir for %s: %w", path, err)
	}

	lk := flock.New(path + ".lock")
	ctx, cancel := context.WithTimeout(context.Background(), lockWait)
	defer cancel()

	ok, err := lk.TryLockContext(ctx, lockPoll)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return ErrLockTimeout
		}
		return fmt.Errorf("gcc: lock %s: %w", path, err)
	}
	if !ok {
		return ErrLockTimeout
	}
	defer lk.Unlock()

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("gcc: open %s: %w", path, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("gcc: append %s: %w", path, err)
	}
	return f.Close()
}
