package objcodec

import (
	"bytes"
	"strings"
	"testing"

	"github.com/siltvcs/silt/pkg/odb"
)

func fakeDigest(b byte) odb.Digest {
	var d odb.Digest
	for i := range d {
		d[i] = b
	}
	return d
}

func testIdentity(ts int64) Identity {
	return Identity{Name: "Alice Author", Email: "alice@example.com", Time: ts, Zone: "+0200"}
}

func TestEncodeDecodeCommit(t *testing.T) {
	orig := &Commit{
		Tree:      fakeDigest(0xaa),
		Parents:   []odb.Digest{fakeDigest(0xbb), fakeDigest(0xcc)},
		Author:    testIdentity(1700000000),
		Committer: Identity{Name: "Bob", Email: "bob@example.com", Time: 1700000100, Zone: "-0500"},
		Message:   "initial commit\n\nWith a multi-line body.\n",
	}
	data, err := EncodeCommit(orig)
	if err != nil {
		t.Fatalf("EncodeCommit: %v", err)
	}
	got, err := DecodeCommit(data)
	if err != nil {
		t.Fatalf("DecodeCommit: %v", err)
	}
	if got.Tree != orig.Tree {
		t.Errorf("Tree: got %s, want %s", got.Tree, orig.Tree)
	}
	if len(got.Parents) != 2 || got.Parents[0] != orig.Parents[0] || got.Parents[1] != orig.Parents[1] {
		t.Errorf("Parents: got %v, want %v", got.Parents, orig.Parents)
	}
	if got.Author != orig.Author {
		t.Errorf("Author: got %+v, want %+v", got.Author, orig.Author)
	}
	if got.Committer != orig.Committer {
		t.Errorf("Committer: got %+v, want %+v", got.Committer, orig.Committer)
	}
	if got.Message != orig.Message {
		t.Errorf("Message: got %q, want %q", got.Message, orig.Message)
	}
}

func TestEncodeCommitDeterminism(t *testing.T) {
	c := &Commit{
		Tree:      fakeDigest(0x01),
		Author:    testIdentity(1700000000),
		Committer: testIdentity(1700000000),
		Message:   "deterministic",
	}
	d1, err := EncodeCommit(c)
	if err != nil {
		t.Fatalf("EncodeCommit: %v", err)
	}
	d2, _ := EncodeCommit(c)
	if !bytes.Equal(d1, d2) {
		t.Error("commit encode not deterministic")
	}
}

func TestEncodeCommitRejectsBadInput(t *testing.T) {
	base := Commit{
		Tree:      fakeDigest(0x01),
		Author:    testIdentity(1),
		Committer: testIdentity(1),
	}

	noTree := base
	noTree.Tree = odb.ZeroDigest
	if _, err := EncodeCommit(&noTree); err == nil {
		t.Error("expected error for zero tree digest")
	}

	zeroParent := base
	zeroParent.Parents = []odb.Digest{odb.ZeroDigest}
	if _, err := EncodeCommit(&zeroParent); err == nil {
		t.Error("expected error for zero parent digest")
	}

	badName := base
	badName.Author.Name = "new\nline"
	if _, err := EncodeCommit(&badName); err == nil {
		t.Error("expected error for newline in author name")
	}

	badZone := base
	badZone.Committer.Zone = "UTC"
	if _, err := EncodeCommit(&badZone); err == nil {
		t.Error("expected error for malformed timezone")
	}
}

func TestDecodeCommitRejectsMalformedPayloads(t *testing.T) {
	good, err := EncodeCommit(&Commit{
		Tree:      fakeDigest(0x01),
		Author:    testIdentity(1),
		Committer: testIdentity(1),
		Message:   "m",
	})
	if err != nil {
		t.Fatalf("EncodeCommit: %v", err)
	}

	cases := map[string][]byte{
		"no separator":   []byte("tree 0101\nmessage without blank line"),
		"unknown header": append([]byte("bogus x\n"), good...),
		"short tree":     []byte("tree 0101\n\nm"),
		"missing tree":   []byte("author Alice <a@b> 1 +0000\ncommitter Alice <a@b> 1 +0000\n\nm"),
	}
	for name, data := range cases {
		if _, err := DecodeCommit(data); err == nil {
			t.Errorf("%s: expected decode error", name)
		}
	}
}

func TestDecodeCommitMissingIdentity(t *testing.T) {
	hex := fakeDigest(0x01).String()
	data := []byte("tree " + hex + "\nauthor Alice <a@b.example> 1 +0000\n\nm")
	if _, err := DecodeCommit(data); err == nil || !strings.Contains(err.Error(), "committer") {
		t.Fatalf("expected missing committer error, got %v", err)
	}
}

func TestEncodeDecodeTree(t *testing.T) {
	orig := &Tree{
		Entries: []TreeEntry{
			{Mode: ModeExecutable, Name: "build.sh", Digest: fakeDigest(0xaa)},
			{Mode: ModeDir, Name: "src", Digest: fakeDigest(0xbb)},
			{Mode: ModeSymlink, Name: "latest", Digest: fakeDigest(0xcc)},
		},
	}
	data, err := EncodeTree(orig)
	if err != nil {
		t.Fatalf("EncodeTree: %v", err)
	}
	got, err := DecodeTree(data)
	if err != nil {
		t.Fatalf("DecodeTree: %v", err)
	}
	if len(got.Entries) != len(orig.Entries) {
		t.Fatalf("Entries length: got %d, want %d", len(got.Entries), len(orig.Entries))
	}
	// Encoded order is sorted by name.
	wantOrder := []string{"build.sh", "latest", "src"}
	for i, e := range got.Entries {
		if e.Name != wantOrder[i] {
			t.Errorf("Entries[%d].Name: got %q, want %q", i, e.Name, wantOrder[i])
		}
	}
	if !got.Entries[2].IsDir() {
		t.Errorf("src should decode as a directory, got mode %q", got.Entries[2].Mode)
	}
	if got.Entries[0].Digest != fakeDigest(0xaa) {
		t.Errorf("Entries[0].Digest: got %s, want %s", got.Entries[0].Digest, fakeDigest(0xaa))
	}
}

func TestEncodeTreeEmpty(t *testing.T) {
	data, err := EncodeTree(&Tree{})
	if err != nil {
		t.Fatalf("EncodeTree: %v", err)
	}
	if len(data) != 0 {
		t.Fatalf("empty tree should encode to zero bytes, got %d", len(data))
	}
	got, err := DecodeTree(data)
	if err != nil {
		t.Fatalf("DecodeTree: %v", err)
	}
	if len(got.Entries) != 0 {
		t.Fatalf("entries length = %d, want 0", len(got.Entries))
	}
}

func TestEncodeTreeSortsEntries(t *testing.T) {
	tr := &Tree{
		Entries: []TreeEntry{
			{Mode: ModeFile, Name: "z_file", Digest: fakeDigest(0x01)},
			{Mode: ModeFile, Name: "a_file", Digest: fakeDigest(0x02)},
		},
	}
	d1, err := EncodeTree(tr)
	if err != nil {
		t.Fatalf("EncodeTree: %v", err)
	}
	tr.Entries[0], tr.Entries[1] = tr.Entries[1], tr.Entries[0]
	d2, err := EncodeTree(tr)
	if err != nil {
		t.Fatalf("EncodeTree: %v", err)
	}
	if !bytes.Equal(d1, d2) {
		t.Error("tree encode should not depend on input order")
	}
}

func TestEncodeTreeRejectsBadEntries(t *testing.T) {
	cases := map[string]TreeEntry{
		"unknown mode":   {Mode: "777", Name: "f", Digest: fakeDigest(0x01)},
		"empty name":     {Mode: ModeFile, Name: "", Digest: fakeDigest(0x01)},
		"slash in name":  {Mode: ModeFile, Name: "a/b", Digest: fakeDigest(0x01)},
		"nul in name":    {Mode: ModeFile, Name: "a\x00b", Digest: fakeDigest(0x01)},
		"zero digest":    {Mode: ModeFile, Name: "f", Digest: odb.ZeroDigest},
	}
	for name, e := range cases {
		if _, err := EncodeTree(&Tree{Entries: []TreeEntry{e}}); err == nil {
			t.Errorf("%s: expected encode error", name)
		}
	}

	dup := &Tree{Entries: []TreeEntry{
		{Mode: ModeFile, Name: "same", Digest: fakeDigest(0x01)},
		{Mode: ModeDir, Name: "same", Digest: fakeDigest(0x02)},
	}}
	if _, err := EncodeTree(dup); err == nil {
		t.Error("expected error for duplicate entry name")
	}
}

func TestDecodeTreeRejectsTruncatedPayloads(t *testing.T) {
	full, err := EncodeTree(&Tree{Entries: []TreeEntry{
		{Mode: ModeFile, Name: "file", Digest: fakeDigest(0xaa)},
	}})
	if err != nil {
		t.Fatalf("EncodeTree: %v", err)
	}
	for cut := 1; cut < len(full); cut++ {
		if _, err := DecodeTree(full[:cut]); err == nil {
			t.Fatalf("truncation at %d bytes decoded without error", cut)
		}
	}
}

func TestEncodeDecodeTag(t *testing.T) {
	orig := &Tag{
		Object:  fakeDigest(0xab),
		Type:    odb.TypeCommit,
		Name:    "v1.2.3",
		Tagger:  testIdentity(1700000000),
		Message: "release notes\n",
	}
	data, err := EncodeTag(orig)
	if err != nil {
		t.Fatalf("EncodeTag: %v", err)
	}
	got, err := DecodeTag(data)
	if err != nil {
		t.Fatalf("DecodeTag: %v", err)
	}
	if got.Object != orig.Object {
		t.Errorf("Object: got %s, want %s", got.Object, orig.Object)
	}
	if got.Type != orig.Type {
		t.Errorf("Type: got %q, want %q", got.Type, orig.Type)
	}
	if got.Name != orig.Name {
		t.Errorf("Name: got %q, want %q", got.Name, orig.Name)
	}
	if got.Tagger != orig.Tagger {
		t.Errorf("Tagger: got %+v, want %+v", got.Tagger, orig.Tagger)
	}
	if got.Message != orig.Message {
		t.Errorf("Message: got %q, want %q", got.Message, orig.Message)
	}
}

func TestEncodeTagRejectsBadInput(t *testing.T) {
	base := Tag{
		Object: fakeDigest(0x01),
		Type:   odb.TypeCommit,
		Name:   "v1",
		Tagger: testIdentity(1),
	}

	zeroObject := base
	zeroObject.Object = odb.ZeroDigest
	if _, err := EncodeTag(&zeroObject); err == nil {
		t.Error("expected error for zero object digest")
	}

	badType := base
	badType.Type = odb.Type("bundle")
	if _, err := EncodeTag(&badType); err == nil {
		t.Error("expected error for unknown target type")
	}

	badName := base
	badName.Name = "has space"
	if _, err := EncodeTag(&badName); err == nil {
		t.Error("expected error for space in tag name")
	}
}

func TestDecodeTagMissingHeader(t *testing.T) {
	hex := fakeDigest(0x01).String()
	data := []byte("object " + hex + "\ntype commit\ntagger A <a@b.example> 1 +0000\n\nm")
	if _, err := DecodeTag(data); err == nil {
		t.Fatal("expected error for missing tag name header")
	}
}

func TestIdentityRoundTrip(t *testing.T) {
	orig := Identity{Name: "Grace Hopper", Email: "grace@navy.example", Time: 123456789, Zone: "-0430"}
	got, err := parseIdentity(orig.String())
	if err != nil {
		t.Fatalf("parseIdentity: %v", err)
	}
	if got != orig {
		t.Errorf("identity round trip: got %+v, want %+v", got, orig)
	}
}

func TestParseIdentityEmptyName(t *testing.T) {
	got, err := parseIdentity("<a@b.example> 7 +0000")
	if err != nil {
		t.Fatalf("parseIdentity: %v", err)
	}
	if got.Name != "" || got.Email != "a@b.example" || got.Time != 7 {
		t.Errorf("unexpected identity %+v", got)
	}
}

func TestParseIdentityMalformed(t *testing.T) {
	cases := []string{
		"no brackets at all",
		"Name <a@b.example>",
		"Name <a@b.example> notanumber +0000",
		"Name <a@b.example> 7 UTC",
	}
	for _, s := range cases {
		if _, err := parseIdentity(s); err == nil {
			t.Errorf("parseIdentity(%q): expected error", s)
		}
	}
}
