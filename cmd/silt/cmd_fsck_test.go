package main

import (
	"context"
	"strings"
	"testing"

	"github.com/siltvcs/silt/pkg/objcodec"
	"github.com/siltvcs/silt/pkg/odb"
)

var fsckTestIdentity = objcodec.Identity{
	Name:  "Test User",
	Email: "test@example.com",
	Time:  1700000000,
	Zone:  "+0000",
}

func storeEncoded(t *testing.T, repo *repository, typ odb.Type, payload []byte) odb.Digest {
	t.Helper()
	d, err := repo.odb.Store(context.Background(), odb.NewPut(typ, payload))
	if err != nil {
		t.Fatalf("store %s: %v", typ, err)
	}
	return d
}

func TestFsckCmdCleanRepository(t *testing.T) {
	dir := initTestRepo(t)

	repo, err := openRepo(dir)
	if err != nil {
		t.Fatalf("openRepo: %v", err)
	}
	defer repo.Close()

	blob := storeEncoded(t, repo, odb.TypeBlob, []byte("checked content"))
	treePayload, err := objcodec.EncodeTree(&objcodec.Tree{Entries: []objcodec.TreeEntry{
		{Mode: objcodec.ModeFile, Name: "a.txt", Digest: blob},
	}})
	if err != nil {
		t.Fatalf("EncodeTree: %v", err)
	}
	tree := storeEncoded(t, repo, odb.TypeTree, treePayload)
	commitPayload, err := objcodec.EncodeCommit(&objcodec.Commit{
		Tree:      tree,
		Author:    fsckTestIdentity,
		Committer: fsckTestIdentity,
		Message:   "initial",
	})
	if err != nil {
		t.Fatalf("EncodeCommit: %v", err)
	}
	commit := storeEncoded(t, repo, odb.TypeCommit, commitPayload)
	if err := repo.refs.Set("refs/heads/main", commit); err != nil {
		t.Fatalf("Set ref: %v", err)
	}

	out, err := runCmd(t, newFsckCmd())
	if err != nil {
		t.Fatalf("fsck: %v\noutput:\n%s", err, out)
	}
	if !strings.Contains(out, "ok: 3 object(s)") || !strings.Contains(out, "1 ref(s)") {
		t.Fatalf("fsck output = %q", out)
	}
}

func TestFsckCmdReportsMissingReferencedObject(t *testing.T) {
	dir := initTestRepo(t)

	repo, err := openRepo(dir)
	if err != nil {
		t.Fatalf("openRepo: %v", err)
	}
	defer repo.Close()

	ghost := odb.HashObject(odb.TypeBlob, []byte("never stored"))
	treePayload, err := objcodec.EncodeTree(&objcodec.Tree{Entries: []objcodec.TreeEntry{
		{Mode: objcodec.ModeFile, Name: "ghost.txt", Digest: ghost},
	}})
	if err != nil {
		t.Fatalf("EncodeTree: %v", err)
	}
	storeEncoded(t, repo, odb.TypeTree, treePayload)

	_, err = runCmd(t, newFsckCmd())
	if err == nil {
		t.Fatal("fsck succeeded with a dangling tree entry")
	}
	if !strings.Contains(err.Error(), "missing object "+ghost.String()) {
		t.Fatalf("fsck error = %v, want missing-object report", err)
	}
}

func TestFsckCmdReportsDanglingRef(t *testing.T) {
	dir := initTestRepo(t)

	repo, err := openRepo(dir)
	if err != nil {
		t.Fatalf("openRepo: %v", err)
	}
	defer repo.Close()

	ghost := odb.HashObject(odb.TypeBlob, []byte("gone"))
	if err := repo.refs.Set("refs/heads/broken", ghost); err != nil {
		t.Fatalf("Set ref: %v", err)
	}

	_, err = runCmd(t, newFsckCmd())
	if err == nil {
		t.Fatal("fsck succeeded with a ref at a missing object")
	}
	if !strings.Contains(err.Error(), "refs/heads/broken") {
		t.Fatalf("fsck error = %v, want dangling ref report", err)
	}
}
