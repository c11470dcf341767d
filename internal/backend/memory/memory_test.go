package memory

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/joliss/jj/internal/backend"
	"github.com/joliss/jj/internal/objhash"
)

type reachableOnly struct{ id objhash.CommitId }

func (r reachableOnly) IsReachable(id objhash.CommitId) bool { return id.Equal(r.id) }

func TestWriteReadFileRoundTrip(t *testing.T) {
	ctx := context.Background()
	b := New()

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

func TestReadFileWrongPathNotFound(t *testing.T) {
	ctx := context.Background()
	b := New()
	id, err := b.WriteFile(ctx, "a.txt", strings.NewReader("hello"))
	if err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := b.ReadFile(ctx, "other.txt", id); err == nil {
		t.Fatal("expected a not-found error when reading under a different path")
	}
}

func TestWriteFileIsIdempotent(t *testing.T) {
	ctx := context.Background()
	b := New()
	id1, err := b.WriteFile(ctx, "a.txt", strings.NewReader("same"))
	if err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	id2, err := b.WriteFile(ctx, "a.txt", strings.NewReader("same"))
	if err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if !id1.Equal(id2) {
		t.Error("identical content should hash to the same id")
	}
}

func TestEmptyTreeShortCircuitsStorage(t *testing.T) {
	ctx := context.Background()
	b := New()
	id, err := b.WriteTree(ctx, "", backend.NewTree())
	if err != nil {
		t.Fatalf("WriteTree: %v", err)
	}
	if !id.Equal(b.EmptyTreeId()) {
		t.Error("writing an empty tree should produce the well-known empty tree id")
	}
	tree, err := b.ReadTree(ctx, "", id)
	if err != nil {
		t.Fatalf("ReadTree: %v", err)
	}
	if tree.Len() != 0 {
		t.Errorf("Len() = %d, want 0", tree.Len())
	}
}

func TestWriteTreeRoundTripAndClone(t *testing.T) {
	ctx := context.Background()
	b := New()
	fileID, err := b.WriteFile(ctx, "a.txt", strings.NewReader("x"))
	if err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	tree := backend.NewTree()
	if err := tree.Set("a.txt", backend.NewFileValue(fileID, false, nil)); err != nil {
		t.Fatalf("Set: %v", err)
	}
	id, err := b.WriteTree(ctx, "", tree)
	if err != nil {
		t.Fatalf("WriteTree: %v", err)
	}
	// Mutating the caller's tree after the write must not affect what was
	// stored, since WriteTree clones.
	tree.Remove("a.txt")

	got, err := b.ReadTree(ctx, "", id)
	if err != nil {
		t.Fatalf("ReadTree: %v", err)
	}
	if got.Value("a.txt") == nil {
		t.Error("stored tree should be unaffected by later mutation of the caller's tree")
	}
}

func TestReadRootCommitSynthesized(t *testing.T) {
	ctx := context.Background()
	b := New()
	c, err := b.ReadCommit(ctx, b.RootCommitId())
	if err != nil {
		t.Fatalf("ReadCommit(root): %v", err)
	}
	if !c.RootTree.Equal(b.EmptyTreeId()) {
		t.Error("root commit's tree should be the empty tree")
	}
	if !c.ChangeId.Equal(b.RootChangeId()) {
		t.Error("root commit's change id should be the well-known root change id")
	}
}

func TestWriteCommitRoundTrip(t *testing.T) {
	ctx := context.Background()
	b := New()
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

func TestGCRemovesUnreachableCommits(t *testing.T) {
	ctx := context.Background()
	b := New()
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
