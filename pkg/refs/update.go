package refs

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/siltvcs/silt/pkg/odb"
)

// ErrCASMismatch reports that a guarded update found a current value
// other than the expected one.
var ErrCASMismatch = errors.New("reference compare-and-swap mismatch")

const (
	lockRetryDelay = 5 * time.Millisecond
	lockWaitLimit  = 2 * time.Second
)

// Update writes d to the named ref under compare-and-swap discipline.
// A zero old digest means the ref must not exist yet; otherwise the
// current value must equal old. Symbolic indirection is the caller's
// concern: Update writes the named file itself, never a symref target.
func (s *Store) Update(name string, old, d odb.Digest) error {
	return s.write(name, &old, d)
}

// Set writes d unconditionally.
func (s *Store) Set(name string, d odb.Digest) error {
	return s.write(name, nil, d)
}

func (s *Store) write(name string, old *odb.Digest, d odb.Digest) error {
	if !updatableName(name) {
		return fmt.Errorf("update ref %q: malformed reference name", name)
	}
	if d.IsZero() {
		return fmt.Errorf("update ref %q: zero digest", name)
	}

	lock, cur, exists, err := s.lockRef(name)
	if err != nil {
		return fmt.Errorf("update ref %q: %w", name, err)
	}
	defer lock.release()

	if old != nil {
		if old.IsZero() {
			if exists {
				return fmt.Errorf("update ref %q: %w (expected unborn, found %s)", name, ErrCASMismatch, cur)
			}
		} else if !exists || cur != *old {
			found := "nothing"
			if exists {
				found = cur.String()
			}
			return fmt.Errorf("update ref %q: %w (expected %s, found %s)", name, ErrCASMismatch, old, found)
		}
	}

	if err := lock.commit(d.String() + "\n"); err != nil {
		return fmt.Errorf("update ref %q: %w", name, err)
	}

	if err := s.appendLog(name, cur, d, "update"); err != nil {
		s.log.WithError(err).WithField("ref", name).Warn("reflog append failed after ref update")
	}
	return nil
}

// Delete removes the named ref. A zero old digest deletes regardless of
// the current value; otherwise the current value must equal old.
func (s *Store) Delete(name string, old odb.Digest) error {
	if !updatableName(name) || name == "HEAD" {
		return fmt.Errorf("delete ref %q: malformed reference name", name)
	}

	lock, cur, exists, err := s.lockRef(name)
	if err != nil {
		return fmt.Errorf("delete ref %q: %w", name, err)
	}
	defer lock.release()

	if !exists {
		return fmt.Errorf("delete ref %q: %w", name, ErrNotFound)
	}
	if !old.IsZero() && cur != old {
		return fmt.Errorf("delete ref %q: %w (expected %s, found %s)", name, ErrCASMismatch, old, cur)
	}
	if err := os.Remove(s.refPath(name)); err != nil {
		return fmt.Errorf("delete ref %q: %w", name, err)
	}

	if err := s.appendLog(name, cur, odb.ZeroDigest, "delete"); err != nil {
		s.log.WithError(err).WithField("ref", name).Warn("reflog append failed after ref delete")
	}
	return nil
}

// SetSymbolic points the named ref at another ref, the HEAD mechanism.
// The target must be a full refs/ path; it does not have to exist yet.
func (s *Store) SetSymbolic(name, target string) error {
	if !updatableName(name) {
		return fmt.Errorf("set symbolic ref %q: malformed reference name", name)
	}
	if !validName(target) || !strings.HasPrefix(target, "refs/") {
		return fmt.Errorf("set symbolic ref %q: malformed target %q", name, target)
	}

	lock, _, _, err := s.lockRef(name)
	if err != nil {
		return fmt.Errorf("set symbolic ref %q: %w", name, err)
	}
	defer lock.release()

	if err := lock.commit("ref: " + target + "\n"); err != nil {
		return fmt.Errorf("set symbolic ref %q: %w", name, err)
	}
	return nil
}

// refLock is a held ".lock" file next to a ref. Until commit renames it
// over the ref, release discards it.
type refLock struct {
	f        *os.File
	lockPath string
	refPath  string
	done     bool
}

// lockRef acquires the lockfile for name and reads the current value
// while holding it. A symbolic current value fails: guarded digest
// updates cannot compare against an indirection.
func (s *Store) lockRef(name string) (*refLock, odb.Digest, bool, error) {
	refPath := s.refPath(name)
	if err := os.MkdirAll(filepath.Dir(refPath), 0o755); err != nil {
		return nil, odb.ZeroDigest, false, fmt.Errorf("mkdir: %w", err)
	}

	lockPath := refPath + ".lock"
	f, err := acquireLock(lockPath)
	if err != nil {
		return nil, odb.ZeroDigest, false, fmt.Errorf("lock: %w", err)
	}
	lock := &refLock{f: f, lockPath: lockPath, refPath: refPath}

	content, err := s.readRefFile(name)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return lock, odb.ZeroDigest, false, nil
	case err != nil:
		lock.release()
		return nil, odb.ZeroDigest, false, fmt.Errorf("read current: %w", err)
	}
	if strings.HasPrefix(content, "ref: ") {
		lock.release()
		return nil, odb.ZeroDigest, false, fmt.Errorf("reference is symbolic")
	}
	cur, err := odb.ParseDigest(content)
	if err != nil {
		lock.release()
		return nil, odb.ZeroDigest, false, fmt.Errorf("read current: %w", err)
	}
	return lock, cur, true, nil
}

// acquireLock loops on O_EXCL creation so competing writers queue up
// behind each other instead of failing immediately.
func acquireLock(lockPath string) (*os.File, error) {
	deadline := time.Now().Add(lockWaitLimit)
	for {
		f, err := os.OpenFile(lockPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			return f, nil
		}
		if !os.IsExist(err) {
			return nil, err
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("timeout waiting for lock %q", lockPath)
		}
		time.Sleep(lockRetryDelay)
	}
}

// commit writes content through the lockfile and renames it over the
// ref, making the update visible atomically.
func (l *refLock) commit(content string) error {
	if _, err := l.f.WriteString(content); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	if err := l.f.Sync(); err != nil {
		return fmt.Errorf("sync: %w", err)
	}
	if err := l.f.Close(); err != nil {
		l.f = nil
		return fmt.Errorf("close: %w", err)
	}
	l.f = nil
	if err := os.Rename(l.lockPath, l.refPath); err != nil {
		return fmt.Errorf("rename: %w", err)
	}
	l.done = true
	return nil
}

func (l *refLock) release() {
	if l.f != nil {
		_ = l.f.Close()
		l.f = nil
	}
	if !l.done {
		_ = os.Remove(l.lockPath)
	}
}
