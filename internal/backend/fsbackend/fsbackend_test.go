package fsbackend

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"

	"github.com/joliss/jj/internal/backend"
	"github.com/joliss/jj/internal/objhash"
)

type reachableOnly struct{ id objhash.CommitId }

func (r reachableOnly) IsReachable(id objhash.CommitId) bool { return id.Equal(r.id) }

func newTestBackend(t *testing.T) *Backend {
	t.Helper()
	b, err := New(afero.NewMemMapFs(), "/store")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return b
}

func TestNewCreatesDirectoryLayout(t *testing.T) {
	fs := afero.NewMemMapFs()
	if _, err := New(fs, "/store"); err != nil {
		t.Fatalf("New: %v", err)
	}
	for _, dir := range []string{"files", "symlinks", "trees", "conflicts", "copies", "commits"} {
		ok, err := afero.DirExists(fs, "/store/"+dir)
		if err != nil || !ok {
			t.Errorf("expected directory /store/%s to exist", dir)
		}
	}
}

func TestWriteReadFileRoundTrip(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)
	id, err := b.WriteFile(ctx, "a.txt", strings.NewReader("hello"))
	if err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	r, err := b.ReadFile(ctx, "a.txt", id)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	got, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(got) != "hello" {
		t.Errorf("content = %q, want %q", got, "hello")
	}
}

func TestWriteFileIsWriteOnce(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)
	id1, err := b.WriteFile(ctx, "a.txt", strings.NewReader("x"))
	if err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	// Writing the same content again must not error even though the entry
	// already exists on disk (write-once, content-addressed).
	id2, err := b.WriteFile(ctx, "a.txt", strings.NewReader("x"))
	if err != nil {
		t.Fatalf("second WriteFile: %v", err)
	}
	if !id1.Equal(id2) {
		t.Error("identical content should produce identical ids")
	}
}

func TestReadMissingFileReturnsObjectNotFound(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)
	_, err := b.ReadFile(ctx, "a.txt", objhash.FileId(make([]byte, hashLength)))
	if err == nil {
		t.Fatal("expected an error for a missing file")
	}
	var notFound *backend.ObjectNotFound
	if !errors.As(err, &notFound) {
		t.Errorf("expected an *ObjectNotFound, got %T: %v", err, err)
	}
}

func TestWriteSymlinkRoundTrip(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)
	id, err := b.WriteSymlink(ctx, "link", "target")
	if err != nil {
		t.Fatalf("WriteSymlink: %v", err)
	}
	target, err := b.ReadSymlink(ctx, "link", id)
	if err != nil {
		t.Fatalf("ReadSymlink: %v", err)
	}
	if target != "target" {
		t.Errorf("target = %q, want %q", target, "target")
	}
}

func TestEmptyTreeShortCircuitsStorage(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)
	id, err := b.WriteTree(ctx, "", backend.NewTree())
	if err != nil {
		t.Fatalf("WriteTree: %v", err)
	}
	if !id.Equal(b.EmptyTreeId()) {
		t.Error("writing an empty tree should produce the well-known empty tree id")
	}
	exists, _ := afero.Exists(b.fs, b.entryPath("trees", id.Hex()))
	if exists {
		t.Error("the empty tree should never be written to disk")
	}
}

func TestWriteTreeRoundTrip(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)
	fileID, err := b.WriteFile(ctx, "a.txt", strings.NewReader("x"))
	if err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	tree := backend.NewTree()
	if err := tree.Set("a.txt", backend.NewFileValue(fileID, true, nil)); err != nil {
		t.Fatalf("Set: %v", err)
	}
	id, err := b.WriteTree(ctx, "", tree)
	if err != nil {
		t.Fatalf("WriteTree: %v", err)
	}
	got, err := b.ReadTree(ctx, "", id)
	if err != nil {
		t.Fatalf("ReadTree: %v", err)
	}
	v := got.Value("a.txt")
	if v == nil || !v.Executable || !v.FileId.Equal(fileID) {
		t.Errorf("round-tripped tree entry mismatch: %+v", v)
	}
}

func TestWriteCommitRoundTrip(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)
	root := b.RootCommitId()
	c := &backend.Commit{
		Parents:   []objhash.CommitId{root},
		RootTree:  b.EmptyTreeId(),
		ChangeId:  objhash.ChangeId{1},
		Author:    backend.Signature{Name: "a"},
		Committer: backend.Signature{Name: "a"},
	}
	id, _, err := b.WriteCommit(ctx, c, nil)
	if err != nil {
		t.Fatalf("WriteCommit: %v", err)
	}
	got, err := b.ReadCommit(ctx, id)
	if err != nil {
		t.Fatalf("ReadCommit: %v", err)
	}
	if !got.ChangeId.Equal(c.ChangeId) {
		t.Error("round-tripped commit should preserve its change id")
	}
}

func TestGCRemovesOnlyUnreachableCommits(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)
	root := b.RootCommitId()
	kept := &backend.Commit{Parents: []objhash.CommitId{root}, RootTree: b.EmptyTreeId(), ChangeId: objhash.ChangeId{1}, Author: backend.Signature{Name: "a"}}
	keptID, _, err := b.WriteCommit(ctx, kept, nil)
	if err != nil {
		t.Fatalf("WriteCommit: %v", err)
	}
	orphan := &backend.Commit{Parents: []objhash.CommitId{root}, RootTree: b.EmptyTreeId(), ChangeId: objhash.ChangeId{2}, Author: backend.Signature{Name: "b"}}
	orphanID, _, err := b.WriteCommit(ctx, orphan, nil)
	if err != nil {
		t.Fatalf("WriteCommit: %v", err)
	}
	if err := b.GC(ctx, reachableOnly{keptID}, time.Time{}); err != nil {
		t.Fatalf("GC: %v", err)
	}
	if _, err := b.ReadCommit(ctx, keptID); err != nil {
		t.Error("kept commit should survive GC")
	}
	if _, err := b.ReadCommit(ctx, orphanID); err == nil {
		t.Error("unreachable commit should be removed by GC")
	}
}
