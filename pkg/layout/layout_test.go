package layout

import (
	"os"
	"path/filepath"
	"testing"
)

func TestInitAndDiscover(t *testing.T) {
	dir := t.TempDir()
	l, err := Init(dir, false)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if l.IsBare() {
		t.Fatal("non-bare init reported bare")
	}
	if l.MetaDir() != filepath.Join(dir, MetaDirName) {
		t.Fatalf("MetaDir = %s", l.MetaDir())
	}

	head, err := os.ReadFile(filepath.Join(l.MetaDir(), "HEAD"))
	if err != nil {
		t.Fatalf("read HEAD: %v", err)
	}
	if string(head) != "ref: refs/heads/main\n" {
		t.Fatalf("HEAD = %q", head)
	}
	for _, sub := range []string{"objects/pack", "refs/heads", "refs/tags", "logs"} {
		info, err := os.Stat(filepath.Join(l.MetaDir(), filepath.FromSlash(sub)))
		if err != nil || !info.IsDir() {
			t.Fatalf("missing skeleton dir %s: %v", sub, err)
		}
	}

	got, err := Discover(dir)
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if got.Root() != l.Root() || got.MetaDir() != l.MetaDir() || got.IsBare() {
		t.Fatalf("Discover = %+v, want %+v", got, l)
	}
}

func TestDiscoverFromNestedDir(t *testing.T) {
	dir := t.TempDir()
	if _, err := Init(dir, false); err != nil {
		t.Fatalf("Init: %v", err)
	}
	nested := filepath.Join(dir, "a", "b", "c")
	if err := os.MkdirAll(nested, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	l, err := Discover(nested)
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if l.Root() != dir {
		t.Fatalf("Root = %s, want %s", l.Root(), dir)
	}
	wt, err := l.WorkTree()
	if err != nil {
		t.Fatalf("WorkTree: %v", err)
	}
	if wt != dir {
		t.Fatalf("WorkTree = %s, want %s", wt, dir)
	}
}

func TestDiscoverOutsideRepository(t *testing.T) {
	if _, err := Discover(t.TempDir()); err == nil {
		t.Fatal("expected error outside any repository")
	}
}

func TestInitBare(t *testing.T) {
	dir := t.TempDir()
	l, err := Init(dir, true)
	if err != nil {
		t.Fatalf("Init bare: %v", err)
	}
	if !l.IsBare() {
		t.Fatal("bare init not reported bare")
	}
	if l.MetaDir() != l.Root() {
		t.Fatalf("bare MetaDir %s != Root %s", l.MetaDir(), l.Root())
	}
	if _, err := l.WorkTree(); err == nil {
		t.Fatal("bare WorkTree should error")
	}

	got, err := Discover(dir)
	if err != nil {
		t.Fatalf("Discover bare: %v", err)
	}
	if !got.IsBare() || got.MetaDir() != dir {
		t.Fatalf("Discover bare = %+v", got)
	}
}

func TestInitRefusesExisting(t *testing.T) {
	dir := t.TempDir()
	if _, err := Init(dir, false); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if _, err := Init(dir, false); err == nil {
		t.Fatal("expected error for repeated init")
	}

	bare := t.TempDir()
	if _, err := Init(bare, true); err != nil {
		t.Fatalf("Init bare: %v", err)
	}
	if _, err := Init(bare, true); err == nil {
		t.Fatal("expected error for repeated bare init")
	}
}

func TestDiscoverPrefersMetaDirOverBareSignature(t *testing.T) {
	// A work tree that itself contains objects/ and refs/ directories
	// must still resolve through .silt.
	dir := t.TempDir()
	l, err := Init(dir, false)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	for _, sub := range []string{"objects", "refs"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
	}
	if err := os.WriteFile(filepath.Join(dir, "HEAD"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	got, err := Discover(dir)
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if got.IsBare() || got.MetaDir() != l.MetaDir() {
		t.Fatalf("Discover = %+v, want non-bare via %s", got, l.MetaDir())
	}
}
