// Package refs manages the file-backed reference namespace under a
// repository metadata directory: branch heads, tags, remote-tracking
// refs, and the HEAD symref. Updates go through git-style lockfiles so
// concurrent writers serialize on the filesystem, not in process.
package refs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/siltvcs/silt/pkg/logging"
	"github.com/siltvcs/silt/pkg/odb"
)

// ErrNotFound reports that a name resolved to no reference and, when an
// object database was attached, no unique digest prefix either.
var ErrNotFound = errors.New("reference not found")

// maxSymrefDepth bounds symref chains so a cycle fails instead of
// recursing forever.
const maxSymrefDepth = 10

// Store is the reference namespace rooted at one metadata directory.
// The object database handle is optional; without it Resolve skips the
// digest-prefix fallback.
type Store struct {
	dir string
	db  odb.Reader
	log logging.Logger
}

func New(dir string, db odb.Reader) *Store {
	return &Store{
		dir: dir,
		db:  db,
		log: logging.Default().WithFields(logging.Fields{"component": "refs", "dir": dir}),
	}
}

// Resolve turns a name into a digest. Candidates are tried in order:
// an explicit "refs/..." path or "HEAD", then "refs/heads/<name>", then
// "refs/tags/<name>", and finally a 4..40-character hex digest prefix
// against the object database. Symref files ("ref: <target>") are
// followed wherever they appear.
func (s *Store) Resolve(ctx context.Context, name string) (odb.Digest, error) {
	if name == "" || !validName(name) {
		return odb.ZeroDigest, fmt.Errorf("resolve %q: malformed reference name", name)
	}

	var candidates []string
	if name == "HEAD" || strings.HasPrefix(name, "refs/") {
		candidates = []string{name}
	} else {
		candidates = []string{"refs/heads/" + name, "refs/tags/" + name}
	}
	for _, cand := range candidates {
		d, err := s.resolveFile(ctx, cand, 0)
		if err == nil {
			return d, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return odb.ZeroDigest, fmt.Errorf("resolve %q: %w", name, err)
		}
	}

	if s.db != nil && isHexPrefix(name) {
		p, err := odb.ParsePrefix(name)
		if err == nil {
			d, err := s.db.ResolvePrefix(ctx, p)
			if err == nil {
				return d, nil
			}
			if !errors.Is(err, odb.ErrNotFound) {
				return odb.ZeroDigest, fmt.Errorf("resolve %q: %w", name, err)
			}
		}
	}

	return odb.ZeroDigest, fmt.Errorf("resolve %q: %w", name, ErrNotFound)
}

// resolveFile reads one ref file, following symref indirections.
func (s *Store) resolveFile(ctx context.Context, name string, depth int) (odb.Digest, error) {
	if depth >= maxSymrefDepth {
		return odb.ZeroDigest, fmt.Errorf("symref chain exceeds %d links at %q", maxSymrefDepth, name)
	}
	content, err := s.readRefFile(name)
	if err != nil {
		return odb.ZeroDigest, err
	}
	if target, ok := strings.CutPrefix(content, "ref: "); ok {
		target = strings.TrimSpace(target)
		if !validName(target) {
			return odb.ZeroDigest, fmt.Errorf("symref %q has malformed target %q", name, target)
		}
		return s.resolveFile(ctx, target, depth+1)
	}
	d, err := odb.ParseDigest(content)
	if err != nil {
		return odb.ZeroDigest, fmt.Errorf("reference %q: %w", name, err)
	}
	return d, nil
}

// Head reads the HEAD file. It returns the symref target (for example
// "refs/heads/main") when HEAD is symbolic, or the detached digest
// rendered as hex.
func (s *Store) Head() (string, error) {
	content, err := s.readRefFile("HEAD")
	if err != nil {
		return "", fmt.Errorf("head: %w", err)
	}
	if target, ok := strings.CutPrefix(content, "ref: "); ok {
		return strings.TrimSpace(target), nil
	}
	return content, nil
}

func (s *Store) readRefFile(name string) (string, error) {
	data, err := os.ReadFile(s.refPath(name))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

func (s *Store) refPath(name string) string {
	return filepath.Join(s.dir, filepath.FromSlash(name))
}

// validName accepts "HEAD", full "refs/..." paths, and short names that
// are safe to splice into a filesystem path. Rejects empty or dot
// segments, ".lock" suffixes, and characters that break ref files.
func validName(name string) bool {
	if name == "HEAD" {
		return true
	}
	if name == "" || strings.HasPrefix(name, "/") || strings.HasSuffix(name, "/") {
		return false
	}
	if strings.ContainsAny(name, " \t\n\r\\:?*[~^\x00") {
		return false
	}
	for _, seg := range strings.Split(name, "/") {
		if seg == "" || strings.HasPrefix(seg, ".") {
			return false
		}
		if strings.HasSuffix(seg, ".lock") {
			return false
		}
	}
	return true
}

// updatableName additionally requires the full form used by mutation:
// HEAD or an explicit refs/ path.
func updatableName(name string) bool {
	return validName(name) && (name == "HEAD" || strings.HasPrefix(name, "refs/"))
}

func isHexPrefix(s string) bool {
	if len(s) < 4 || len(s) > odb.DigestSize*2 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f') {
			return false
		}
	}
	return true
}
