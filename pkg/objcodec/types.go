// Package objcodec defines the canonical payload encoding for commit,
// tree, and tag objects. Blob payloads are opaque and need no codec. The
// encoding is deterministic: encoding the same value always yields the
// same bytes, so payload equality implies digest equality.
package objcodec

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/siltvcs/silt/pkg/odb"
)

// Tree entry modes, Git-compatible octal strings.
const (
	ModeDir        = "40000"
	ModeFile       = "100644"
	ModeExecutable = "100755"
	ModeSymlink    = "120000"
)

// Identity is one author/committer/tagger line: display name, email
// address, and the moment as Unix seconds plus a fixed UTC offset.
type Identity struct {
	Name  string
	Email string
	Time  int64
	Zone  string // "+hhmm" or "-hhmm"
}

// String renders the identity in its on-disk header form.
func (id Identity) String() string {
	return fmt.Sprintf("%s <%s> %d %s", id.Name, id.Email, id.Time, id.Zone)
}

func (id Identity) validate() error {
	for _, s := range []string{id.Name, id.Email} {
		if strings.ContainsAny(s, "<>\n") {
			return fmt.Errorf("identity field %q contains reserved characters", s)
		}
	}
	if err := validateZone(id.Zone); err != nil {
		return err
	}
	return nil
}

func validateZone(z string) error {
	if len(z) != 5 || (z[0] != '+' && z[0] != '-') {
		return fmt.Errorf("bad timezone offset %q", z)
	}
	for i := 1; i < len(z); i++ {
		if z[i] < '0' || z[i] > '9' {
			return fmt.Errorf("bad timezone offset %q", z)
		}
	}
	return nil
}

func parseIdentity(s string) (Identity, error) {
	open := strings.IndexByte(s, '<')
	end := strings.IndexByte(s, '>')
	if open < 0 || end < open {
		return Identity{}, fmt.Errorf("malformed identity %q", s)
	}
	id := Identity{
		Name:  strings.TrimRight(s[:open], " "),
		Email: s[open+1 : end],
	}
	rest := strings.TrimLeft(s[end+1:], " ")
	tsRaw, zone, ok := strings.Cut(rest, " ")
	if !ok {
		return Identity{}, fmt.Errorf("identity %q missing timestamp", s)
	}
	ts, err := strconv.ParseInt(tsRaw, 10, 64)
	if err != nil {
		return Identity{}, fmt.Errorf("identity %q: bad timestamp: %w", s, err)
	}
	if err := validateZone(zone); err != nil {
		return Identity{}, fmt.Errorf("identity %q: %w", s, err)
	}
	id.Time = ts
	id.Zone = zone
	return id, nil
}

// Commit points at a tree and zero or more parent commits.
type Commit struct {
	Tree      odb.Digest
	Parents   []odb.Digest
	Author    Identity
	Committer Identity
	Message   string
}

// TreeEntry is one row of a tree object.
type TreeEntry struct {
	Mode   string
	Name   string
	Digest odb.Digest
}

// IsDir reports whether the entry points at a subtree.
func (e TreeEntry) IsDir() bool { return e.Mode == ModeDir }

// Tree holds entries sorted by name.
type Tree struct {
	Entries []TreeEntry
}

// Tag is an annotated tag: a named, attributed pointer at another object.
type Tag struct {
	Object  odb.Digest
	Type    odb.Type
	Name    string
	Tagger  Identity
	Message string
}

func validMode(mode string) bool {
	switch mode {
	case ModeDir, ModeFile, ModeExecutable, ModeSymlink:
		return true
	}
	return false
}
