package rewrite

import (
	"context"
	"strings"
	"testing"

	"github.com/joliss/jj/internal/backend"
	"github.com/joliss/jj/internal/backend/memory"
	"github.com/joliss/jj/internal/index"
	"github.com/joliss/jj/internal/objhash"
	"github.com/joliss/jj/internal/refs"
)

func TestBuilderWriteMintsRandomChangeId(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	id1, _, err := New(store, []objhash.CommitId{store.RootCommitId()}, store.EmptyTreeId()).
		SetDescription("one").SetAuthor(backend.Signature{Name: "a"}).Write(ctx)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	id2, _, err := New(store, []objhash.CommitId{store.RootCommitId()}, store.EmptyTreeId()).
		SetDescription("one").SetAuthor(backend.Signature{Name: "a"}).Write(ctx)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if id1.Equal(id2) {
		t.Error("distinct commits should get distinct random change ids and thus distinct commit ids")
	}
}

func TestBuilderSetChangeIdOverridesMinted(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	changeID := objhash.ChangeId{7}
	_, written, err := New(store, []objhash.CommitId{store.RootCommitId()}, store.EmptyTreeId()).
		SetChangeId(changeID).SetAuthor(backend.Signature{Name: "a"}).Write(ctx)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if !written.ChangeId.Equal(changeID) {
		t.Error("SetChangeId should override the minted random change id")
	}
}

func writeChainCommit(t *testing.T, ctx context.Context, store *memory.Backend, parents []objhash.CommitId, changeID byte, treeID objhash.TreeId) objhash.CommitId {
	t.Helper()
	id, _, err := New(store, parents, treeID).SetChangeId(objhash.ChangeId{changeID}).SetAuthor(backend.Signature{Name: "a"}).Write(ctx)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	return id
}

func TestRebaseCommitSameParentsKeepsTree(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	root := store.RootCommitId()
	a := writeChainCommit(t, ctx, store, []objhash.CommitId{root}, 1, store.EmptyTreeId())
	commitA, err := store.ReadCommit(ctx, a)
	if err != nil {
		t.Fatalf("ReadCommit: %v", err)
	}

	ix := index.New()
	if err := ix.Add(ctx, store, a); err != nil {
		t.Fatalf("Add: %v", err)
	}

	newID, newCommit, err := RebaseCommit(ctx, store, ix, commitA, []objhash.CommitId{root})
	if err != nil {
		t.Fatalf("RebaseCommit: %v", err)
	}
	if !newCommit.RootTree.Equal(commitA.RootTree) {
		t.Error("rebasing onto identical parents should not change the tree")
	}
	if !newCommit.ChangeId.Equal(commitA.ChangeId) {
		t.Error("rebase must preserve the change id")
	}
	_ = newID
}

func TestRebaseCommitDifferentParentsMergesTree(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	root := store.RootCommitId()

	baseFile, err := store.WriteFile(ctx, "a.txt", strings.NewReader("base\n"))
	if err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	baseTree := backend.NewTree()
	if err := baseTree.Set("a.txt", backend.NewFileValue(baseFile, false, nil)); err != nil {
		t.Fatalf("Set: %v", err)
	}
	baseTreeID, err := store.WriteTree(ctx, "", baseTree)
	if err != nil {
		t.Fatalf("WriteTree: %v", err)
	}
	base := writeChainCommit(t, ctx, store, []objhash.CommitId{root}, 1, baseTreeID)

	childFile, err := store.WriteFile(ctx, "a.txt", strings.NewReader("child edit\n"))
	if err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	childTree := backend.NewTree()
	if err := childTree.Set("a.txt", backend.NewFileValue(childFile, false, nil)); err != nil {
		t.Fatalf("Set: %v", err)
	}
	childTreeID, err := store.WriteTree(ctx, "", childTree)
	if err != nil {
		t.Fatalf("WriteTree: %v", err)
	}
	child := writeChainCommit(t, ctx, store, []objhash.CommitId{base}, 2, childTreeID)
	commitChild, err := store.ReadCommit(ctx, child)
	if err != nil {
		t.Fatalf("ReadCommit: %v", err)
	}

	newBaseFile, err := store.WriteFile(ctx, "b.txt", strings.NewReader("newbase\n"))
	if err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	newBaseTree := backend.NewTree()
	if err := newBaseTree.Set("a.txt", backend.NewFileValue(baseFile, false, nil)); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := newBaseTree.Set("b.txt", backend.NewFileValue(newBaseFile, false, nil)); err != nil {
		t.Fatalf("Set: %v", err)
	}
	newBaseTreeID, err := store.WriteTree(ctx, "", newBaseTree)
	if err != nil {
		t.Fatalf("WriteTree: %v", err)
	}
	newBase := writeChainCommit(t, ctx, store, []objhash.CommitId{root}, 3, newBaseTreeID)

	ix := index.New()
	if err := ix.Add(ctx, store, child); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := ix.Add(ctx, store, newBase); err != nil {
		t.Fatalf("Add: %v", err)
	}

	_, newCommit, err := RebaseCommit(ctx, store, ix, commitChild, []objhash.CommitId{newBase})
	if err != nil {
		t.Fatalf("RebaseCommit: %v", err)
	}
	newTree, err := store.ReadTree(ctx, "", newCommit.RootTree)
	if err != nil {
		t.Fatalf("ReadTree: %v", err)
	}
	if v := newTree.Value("a.txt"); v == nil || !v.FileId.Equal(childFile) {
		t.Error("rebased tree should carry the child's edit to a.txt")
	}
	if v := newTree.Value("b.txt"); v == nil || !v.FileId.Equal(newBaseFile) {
		t.Error("rebased tree should carry the new parent's addition of b.txt")
	}
}

func TestTransformDescendantsAppliesInTopoOrderAndRemapsParents(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	root := store.RootCommitId()
	a := writeChainCommit(t, ctx, store, []objhash.CommitId{root}, 1, store.EmptyTreeId())
	b := writeChainCommit(t, ctx, store, []objhash.CommitId{a}, 2, store.EmptyTreeId())

	ix := index.New()
	if err := ix.Add(ctx, store, b); err != nil {
		t.Fatalf("Add: %v", err)
	}

	result, err := TransformDescendants(ctx, store, ix, []objhash.CommitId{root}, func(r *Rewriter) {
		r.SetDescription("rewritten:" + r.Old.Description)
	})
	if err != nil {
		t.Fatalf("TransformDescendants: %v", err)
	}
	newA, ok := result.Rewritten[a.Hex()]
	if !ok {
		t.Fatal("expected a to be rewritten")
	}
	newB, ok := result.Rewritten[b.Hex()]
	if !ok {
		t.Fatal("expected b to be rewritten")
	}
	commitNewB, err := store.ReadCommit(ctx, newB)
	if err != nil {
		t.Fatalf("ReadCommit: %v", err)
	}
	if len(commitNewB.Parents) != 1 || !commitNewB.Parents[0].Equal(newA) {
		t.Error("b's rewritten replacement should have its parent remapped to a's replacement")
	}
}

func TestAbandonCommitRebasesChildrenOntoParents(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	root := store.RootCommitId()
	a := writeChainCommit(t, ctx, store, []objhash.CommitId{root}, 1, store.EmptyTreeId())
	b := writeChainCommit(t, ctx, store, []objhash.CommitId{a}, 2, store.EmptyTreeId())

	ix := index.New()
	if err := ix.Add(ctx, store, b); err != nil {
		t.Fatalf("Add: %v", err)
	}
	v := refs.NewView()
	v.AddHead(b)

	result, err := AbandonCommit(ctx, store, ix, a, v)
	if err != nil {
		t.Fatalf("AbandonCommit: %v", err)
	}
	newB, ok := result.Rewritten[b.Hex()]
	if !ok {
		t.Fatal("expected b to be rewritten after its parent a was abandoned")
	}
	commitNewB, err := store.ReadCommit(ctx, newB)
	if err != nil {
		t.Fatalf("ReadCommit: %v", err)
	}
	if len(commitNewB.Parents) != 1 || !commitNewB.Parents[0].Equal(root) {
		t.Error("b's replacement should now be parented directly on root, skipping the abandoned a")
	}
	if v.IsHead(a) {
		t.Error("the abandoned commit should no longer be a head")
	}
}
