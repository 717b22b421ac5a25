package refs

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/siltvcs/silt/pkg/odb"
)

// References enumerates every ref under refs/, keyed by full name such
// as "refs/heads/main". Symref files and unparseable values are skipped
// with a warning so one damaged file cannot hide the rest.
func (s *Store) References() (map[string]odb.Digest, error) {
	return s.listUnder("", "refs/")
}

// Heads enumerates local branches keyed by short name.
func (s *Store) Heads() (map[string]odb.Digest, error) {
	return s.listUnder("heads", "")
}

// Tags enumerates tags keyed by short name.
func (s *Store) Tags() (map[string]odb.Digest, error) {
	return s.listUnder("tags", "")
}

func (s *Store) listUnder(sub, keyPrefix string) (map[string]odb.Digest, error) {
	root := filepath.Join(s.dir, "refs")
	dir := root
	if sub != "" {
		dir = filepath.Join(root, filepath.FromSlash(sub))
		root = dir
	}

	out := make(map[string]odb.Digest)
	err := filepath.WalkDir(dir, func(path string, de fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if de.IsDir() || strings.HasSuffix(de.Name(), ".lock") {
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		name := keyPrefix + filepath.ToSlash(rel)

		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		content := strings.TrimSpace(string(data))
		if strings.HasPrefix(content, "ref: ") {
			return nil
		}
		d, err := odb.ParseDigest(content)
		if err != nil {
			s.log.WithField("ref", name).WithError(err).Warn("skipping unparseable reference")
			return nil
		}
		out[name] = d
		return nil
	})
	if os.IsNotExist(err) {
		return out, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list refs: %w", err)
	}
	return out, nil
}
