package sessions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"syscall"
	"time"

	"github.com/strandlabs/strand/internal/backoff"
)

const (
	// lockStaleAfter is the age past which a lock is reclaimed even if its
	// owner pid cannot be probed.
	lockStaleAfter = 30 * time.Minute
	// lockWaitTimeout bounds how long an append waits on a contended lock.
	lockWaitTimeout = 10 * time.Second
)

// ErrLockTimeout is returned when a session lock cannot be acquired within
// the wait window. The affected append fails; the caller surfaces it.
var ErrLockTimeout = errors.New("sessions: lock acquisition timed out")

// lockFile is the JSON body of a `<session-file>.lock` file.
type lockFile struct {
	PID       int    `json:"pid"`
	CreatedAt string `json:"createdAt"`
}

// acquireLock takes the cross-process lock for path by exclusively creating
// `path.lock`. Stale locks (older than 30 minutes, or owned by a dead pid)
// are removed and retried immediately. Contended locks are polled with
// exponential backoff capped at 1s, for up to 10s.
func acquireLock(ctx context.Context, path string) (release func(), err error) {
	lockPath := path + ".lock"
	deadline := time.Now().Add(lockWaitTimeout)
	policy := backoff.LockAcquirePolicy()

	for attempt := 1; ; attempt++ {
		if err := tryCreateLock(lockPath); err == nil {
			return func() { _ = os.Remove(lockPath) }, nil
		} else if !os.IsExist(err) {
			return nil, fmt.Errorf("sessions: create lock %s: %w", lockPath, err)
		}

		if removeIfStale(lockPath) {
			continue
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%w: %s", ErrLockTimeout, lockPath)
		}
		if err := backoff.SleepAttempt(ctx, policy, attempt); err != nil {
			return nil, err
		}
	}
}

func tryCreateLock(lockPath string) error {
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	body, _ := json.Marshal(lockFile{
		PID:       os.Getpid(),
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	})
	_, werr := f.Write(body)
	cerr := f.Close()
	if werr != nil {
		_ = os.Remove(lockPath)
		return werr
	}
	return cerr
}

// removeIfStale deletes the lock if its owner is gone or it has outlived
// the stale window. Returns true if the lock was removed.
func removeIfStale(lockPath string) bool {
	data, err := os.ReadFile(lockPath)
	if err != nil {
		// Already released by the owner.
		return os.IsNotExist(err)
	}

	var lf lockFile
	if err := json.Unmarshal(data, &lf); err != nil {
		slog.Warn("session.lock_unreadable", "path", lockPath)
		return os.Remove(lockPath) == nil
	}

	stale := false
	if created, err := time.Parse(time.RFC3339, lf.CreatedAt); err != nil || time.Since(created) > lockStaleAfter {
		stale = true
	}
	if !stale && lf.PID > 0 && !pidAlive(lf.PID) {
		stale = true
	}
	if !stale {
		return false
	}

	slog.Warn("session.lock_stale", "path", lockPath, "pid", lf.PID, "createdAt", lf.CreatedAt)
	return os.Remove(lockPath) == nil
}

// pidAlive probes a pid with signal 0.
func pidAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	return errors.Is(err, syscall.EPERM)
}
