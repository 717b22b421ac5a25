package refs

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/siltvcs/silt/pkg/odb"
)

// LogEntry is one line of a ref's history: the transition, when it
// happened, and why. Creations have a zero Old, deletions a zero New.
type LogEntry struct {
	Old    odb.Digest
	New    odb.Digest
	Time   int64
	Reason string
}

// appendLog records a ref transition under logs/<ref>. Appending is
// best effort; callers decide whether failure is fatal.
func (s *Store) appendLog(name string, old, d odb.Digest, reason string) error {
	logPath := filepath.Join(s.dir, "logs", filepath.FromSlash(name))
	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		return fmt.Errorf("reflog mkdir: %w", err)
	}

	line := fmt.Sprintf("%s %s %d %s\n", old, d, time.Now().Unix(), reason)
	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("reflog open: %w", err)
	}
	defer f.Close()

	if _, err := f.WriteString(line); err != nil {
		return fmt.Errorf("reflog write: %w", err)
	}
	return nil
}

// Log returns the newest limit entries for a ref, most recent first.
// limit <= 0 means all. "HEAD" follows the symref so the log of the
// current branch comes back.
func (s *Store) Log(name string, limit int) ([]LogEntry, error) {
	refName, err := s.logRefName(name)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(filepath.Join(s.dir, "logs", filepath.FromSlash(refName)))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read reflog %q: %w", refName, err)
	}
	defer f.Close()

	var entries []LogEntry
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, " ", 4)
		if len(parts) < 4 {
			continue
		}
		old, err := odb.ParseDigest(parts[0])
		if err != nil {
			continue
		}
		d, err := odb.ParseDigest(parts[1])
		if err != nil {
			continue
		}
		ts, err := strconv.ParseInt(parts[2], 10, 64)
		if err != nil {
			continue
		}
		entries = append(entries, LogEntry{Old: old, New: d, Time: ts, Reason: parts[3]})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read reflog %q: %w", refName, err)
	}

	// Newest first.
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

func (s *Store) logRefName(name string) (string, error) {
	if !validName(name) {
		return "", fmt.Errorf("reflog %q: malformed reference name", name)
	}
	if name == "HEAD" {
		head, err := s.Head()
		if err != nil {
			return "", fmt.Errorf("reflog: %w", err)
		}
		if strings.HasPrefix(head, "refs/") {
			return head, nil
		}
		return "HEAD", nil
	}
	if strings.HasPrefix(name, "refs/") {
		return name, nil
	}
	return "refs/heads/" + name, nil
}
