package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
)

func runCmd(t *testing.T, cmd *cobra.Command, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func chdirForTest(t *testing.T, dir string) {
	t.Helper()
	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("Getwd: %v", err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("Chdir(%s): %v", dir, err)
	}
	t.Cleanup(func() {
		if err := os.Chdir(wd); err != nil {
			t.Fatalf("restore cwd %s: %v", wd, err)
		}
	})
}

func initTestRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	if _, err := runCmd(t, newInitCmd(), dir); err != nil {
		t.Fatalf("init: %v", err)
	}
	chdirForTest(t, dir)
	return dir
}

func TestInitCmdCreatesRepositoryLayout(t *testing.T) {
	dir := t.TempDir()

	out, err := runCmd(t, newInitCmd(), dir)
	if err != nil {
		t.Fatalf("Execute: %v\noutput:\n%s", err, out)
	}
	if !strings.Contains(out, "initialized empty silt repository in") {
		t.Fatalf("output = %q, want initialization message", out)
	}

	for _, rel := range []string{
		filepath.Join(".silt", "HEAD"),
		filepath.Join(".silt", "objects", "pack"),
		filepath.Join(".silt", "refs", "heads"),
		filepath.Join(".silt", "refs", "tags"),
	} {
		if _, err := os.Stat(filepath.Join(dir, rel)); err != nil {
			t.Fatalf("expected %s after init: %v", rel, err)
		}
	}

	head, err := os.ReadFile(filepath.Join(dir, ".silt", "HEAD"))
	if err != nil {
		t.Fatalf("read HEAD: %v", err)
	}
	if string(head) != "ref: refs/heads/main\n" {
		t.Fatalf("HEAD = %q, want symref to refs/heads/main", head)
	}

	if _, err := runCmd(t, newInitCmd(), dir); err == nil {
		t.Fatal("second init succeeded, want already-exists error")
	}
}

func TestInitCmdBareStore(t *testing.T) {
	dir := t.TempDir()

	out, err := runCmd(t, newInitCmd(), "--bare", dir)
	if err != nil {
		t.Fatalf("Execute: %v\noutput:\n%s", err, out)
	}
	if !strings.Contains(out, "bare silt store") {
		t.Fatalf("output = %q, want bare store message", out)
	}
	if _, err := os.Stat(filepath.Join(dir, "HEAD")); err != nil {
		t.Fatalf("bare store should keep HEAD at its root: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, ".silt")); !os.IsNotExist(err) {
		t.Fatalf("bare store must not create a nested metadata dir, stat err = %v", err)
	}
}
