package objcodec

import (
	"bytes"
	"fmt"
	"sort"
	"strings"

	"github.com/siltvcs/silt/pkg/odb"
)

// ---------------------------------------------------------------------------
// Commit
// ---------------------------------------------------------------------------

// EncodeCommit serializes a Commit:
//
//	tree H
//	parent H      (zero or more)
//	author N <E> T Z
//	committer N <E> T Z
//
//	message
//
// Digests are rendered as 40-character hex.
func EncodeCommit(c *Commit) ([]byte, error) {
	if c.Tree.IsZero() {
		return nil, fmt.Errorf("encode commit: zero tree digest")
	}
	if err := c.Author.validate(); err != nil {
		return nil, fmt.Errorf("encode commit: author: %w", err)
	}
	if err := c.Committer.validate(); err != nil {
		return nil, fmt.Errorf("encode commit: committer: %w", err)
	}

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "tree %s\n", c.Tree)
	for _, p := range c.Parents {
		if p.IsZero() {
			return nil, fmt.Errorf("encode commit: zero parent digest")
		}
		fmt.Fprintf(&buf, "parent %s\n", p)
	}
	fmt.Fprintf(&buf, "author %s\n", c.Author)
	fmt.Fprintf(&buf, "committer %s\n", c.Committer)
	buf.WriteByte('\n')
	buf.WriteString(c.Message)
	return buf.Bytes(), nil
}

// DecodeCommit parses a Commit from its serialized form.
func DecodeCommit(data []byte) (*Commit, error) {
	header, message, err := splitHeader(data)
	if err != nil {
		return nil, fmt.Errorf("decode commit: %w", err)
	}

	c := &Commit{Message: message}
	var sawTree, sawAuthor, sawCommitter bool
	for _, line := range strings.Split(header, "\n") {
		key, val, ok := strings.Cut(line, " ")
		if !ok {
			return nil, fmt.Errorf("decode commit: malformed header line %q", line)
		}
		switch key {
		case "tree":
			d, err := odb.ParseDigest(val)
			if err != nil {
				return nil, fmt.Errorf("decode commit: tree: %w", err)
			}
			c.Tree = d
			sawTree = true
		case "parent":
			d, err := odb.ParseDigest(val)
			if err != nil {
				return nil, fmt.Errorf("decode commit: parent: %w", err)
			}
			c.Parents = append(c.Parents, d)
		case "author":
			id, err := parseIdentity(val)
			if err != nil {
				return nil, fmt.Errorf("decode commit: author: %w", err)
			}
			c.Author = id
			sawAuthor = true
		case "committer":
			id, err := parseIdentity(val)
			if err != nil {
				return nil, fmt.Errorf("decode commit: committer: %w", err)
			}
			c.Committer = id
			sawCommitter = true
		default:
			return nil, fmt.Errorf("decode commit: unknown header key %q", key)
		}
	}
	if !sawTree {
		return nil, fmt.Errorf("decode commit: missing tree header")
	}
	if !sawAuthor {
		return nil, fmt.Errorf("decode commit: missing author header")
	}
	if !sawCommitter {
		return nil, fmt.Errorf("decode commit: missing committer header")
	}
	return c, nil
}

// ---------------------------------------------------------------------------
// Tree
// ---------------------------------------------------------------------------

// EncodeTree serializes a Tree. Entries are sorted by name for
// deterministic output. Each row is
//
//	<mode> <name>\x00<digest>
//
// with the digest as raw bytes, so tree payloads are binary.
func EncodeTree(tr *Tree) ([]byte, error) {
	sorted := make([]TreeEntry, len(tr.Entries))
	copy(sorted, tr.Entries)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Name < sorted[j].Name
	})

	var buf bytes.Buffer
	prev := ""
	for i, e := range sorted {
		if !validMode(e.Mode) {
			return nil, fmt.Errorf("encode tree: entry %q: unknown mode %q", e.Name, e.Mode)
		}
		if e.Name == "" || strings.ContainsAny(e.Name, "/\x00") {
			return nil, fmt.Errorf("encode tree: bad entry name %q", e.Name)
		}
		if i > 0 && e.Name == prev {
			return nil, fmt.Errorf("encode tree: duplicate entry name %q", e.Name)
		}
		if e.Digest.IsZero() {
			return nil, fmt.Errorf("encode tree: entry %q: zero digest", e.Name)
		}
		buf.WriteString(e.Mode)
		buf.WriteByte(' ')
		buf.WriteString(e.Name)
		buf.WriteByte(0)
		buf.Write(e.Digest[:])
		prev = e.Name
	}
	return buf.Bytes(), nil
}

// DecodeTree parses a Tree from its serialized form.
func DecodeTree(data []byte) (*Tree, error) {
	tr := &Tree{}
	rest := data
	for len(rest) > 0 {
		sp := bytes.IndexByte(rest, ' ')
		if sp < 0 {
			return nil, fmt.Errorf("decode tree: truncated mode at byte %d", len(data)-len(rest))
		}
		mode := string(rest[:sp])
		if !validMode(mode) {
			return nil, fmt.Errorf("decode tree: unknown mode %q", mode)
		}
		rest = rest[sp+1:]

		nul := bytes.IndexByte(rest, 0)
		if nul < 0 {
			return nil, fmt.Errorf("decode tree: unterminated entry name")
		}
		name := string(rest[:nul])
		if name == "" || strings.ContainsRune(name, '/') {
			return nil, fmt.Errorf("decode tree: bad entry name %q", name)
		}
		rest = rest[nul+1:]

		if len(rest) < odb.DigestSize {
			return nil, fmt.Errorf("decode tree: truncated digest for entry %q", name)
		}
		var d odb.Digest
		copy(d[:], rest[:odb.DigestSize])
		rest = rest[odb.DigestSize:]

		tr.Entries = append(tr.Entries, TreeEntry{Mode: mode, Name: name, Digest: d})
	}
	return tr, nil
}

// ---------------------------------------------------------------------------
// Tag
// ---------------------------------------------------------------------------

// EncodeTag serializes a Tag:
//
//	object H
//	type commit
//	tag v1.2.3
//	tagger N <E> T Z
//
//	message
func EncodeTag(t *Tag) ([]byte, error) {
	if t.Object.IsZero() {
		return nil, fmt.Errorf("encode tag: zero object digest")
	}
	if !t.Type.Valid() {
		return nil, fmt.Errorf("encode tag: unknown target type %q", t.Type)
	}
	if t.Name == "" || strings.ContainsAny(t.Name, " \n") {
		return nil, fmt.Errorf("encode tag: bad tag name %q", t.Name)
	}
	if err := t.Tagger.validate(); err != nil {
		return nil, fmt.Errorf("encode tag: tagger: %w", err)
	}

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "object %s\n", t.Object)
	fmt.Fprintf(&buf, "type %s\n", t.Type)
	fmt.Fprintf(&buf, "tag %s\n", t.Name)
	fmt.Fprintf(&buf, "tagger %s\n", t.Tagger)
	buf.WriteByte('\n')
	buf.WriteString(t.Message)
	return buf.Bytes(), nil
}

// DecodeTag parses a Tag from its serialized form.
func DecodeTag(data []byte) (*Tag, error) {
	header, message, err := splitHeader(data)
	if err != nil {
		return nil, fmt.Errorf("decode tag: %w", err)
	}

	t := &Tag{Message: message}
	var sawObject, sawType, sawName, sawTagger bool
	for _, line := range strings.Split(header, "\n") {
		key, val, ok := strings.Cut(line, " ")
		if !ok {
			return nil, fmt.Errorf("decode tag: malformed header line %q", line)
		}
		switch key {
		case "object":
			d, err := odb.ParseDigest(val)
			if err != nil {
				return nil, fmt.Errorf("decode tag: object: %w", err)
			}
			t.Object = d
			sawObject = true
		case "type":
			typ, err := odb.ParseType(val)
			if err != nil {
				return nil, fmt.Errorf("decode tag: %w", err)
			}
			t.Type = typ
			sawType = true
		case "tag":
			t.Name = val
			sawName = true
		case "tagger":
			id, err := parseIdentity(val)
			if err != nil {
				return nil, fmt.Errorf("decode tag: tagger: %w", err)
			}
			t.Tagger = id
			sawTagger = true
		default:
			return nil, fmt.Errorf("decode tag: unknown header key %q", key)
		}
	}
	if !sawObject || !sawType || !sawName || !sawTagger {
		return nil, fmt.Errorf("decode tag: missing required header")
	}
	return t, nil
}

// splitHeader cuts a text payload at the first blank line.
func splitHeader(data []byte) (header, body string, err error) {
	idx := bytes.Index(data, []byte("\n\n"))
	if idx < 0 {
		return "", "", fmt.Errorf("missing header/message separator")
	}
	return string(data[:idx]), string(data[idx+2:]), nil
}
