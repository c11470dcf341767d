package conflict

import (
	"context"
	"strings"
	"testing"

	"github.com/joliss/jj/internal/backend"
	"github.com/joliss/jj/internal/backend/memory"
	"github.com/joliss/jj/internal/objhash"
)

func writeFile(t *testing.T, ctx context.Context, store *memory.Backend, path, content string) backend.TreeValue {
	t.Helper()
	id, err := store.WriteFile(ctx, path, strings.NewReader(content))
	if err != nil {
		t.Fatalf("WriteFile(%q): %v", path, err)
	}
	return backend.NewFileValue(id, false, nil)
}

func writeTree(t *testing.T, ctx context.Context, store *memory.Backend, entries map[string]backend.TreeValue) objhash.TreeId {
	t.Helper()
	tree := backend.NewTree()
	for name, v := range entries {
		if err := tree.Set(name, v); err != nil {
			t.Fatalf("Set(%q): %v", name, err)
		}
	}
	id, err := store.WriteTree(ctx, "", tree)
	if err != nil {
		t.Fatalf("WriteTree: %v", err)
	}
	return id
}

func TestMergeTreesBothSidesIdentical(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	fileA := writeFile(t, ctx, store, "a.txt", "hello\n")
	baseID := writeTree(t, ctx, store, map[string]backend.TreeValue{"a.txt": fileA})

	mergedID, err := MergeTrees(ctx, store, "", mustReadTree(t, ctx, store, baseID), mustReadTree(t, ctx, store, baseID), mustReadTree(t, ctx, store, baseID))
	if err != nil {
		t.Fatalf("MergeTrees: %v", err)
	}
	if !mergedID.Equal(baseID) {
		t.Errorf("merged tree id = %s, want %s", mergedID.Hex(), baseID.Hex())
	}
}

func TestMergeTreesNonConflictingChangesOnBothSides(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	fileA := writeFile(t, ctx, store, "a.txt", "a\n")
	fileB := writeFile(t, ctx, store, "b.txt", "b\n")
	baseID := writeTree(t, ctx, store, map[string]backend.TreeValue{"a.txt": fileA, "b.txt": fileB})

	fileA2 := writeFile(t, ctx, store, "a.txt", "a2\n")
	side1ID := writeTree(t, ctx, store, map[string]backend.TreeValue{"a.txt": fileA2, "b.txt": fileB})

	fileB2 := writeFile(t, ctx, store, "b.txt", "b2\n")
	side2ID := writeTree(t, ctx, store, map[string]backend.TreeValue{"a.txt": fileA, "b.txt": fileB2})

	mergedID, err := MergeTrees(ctx, store,
		"",
		mustReadTree(t, ctx, store, side1ID),
		mustReadTree(t, ctx, store, baseID),
		mustReadTree(t, ctx, store, side2ID),
	)
	if err != nil {
		t.Fatalf("MergeTrees: %v", err)
	}
	merged := mustReadTree(t, ctx, store, mergedID)
	if got := merged.Value("a.txt"); got == nil || !got.FileId.Equal(fileA2.FileId) {
		t.Error("expected a.txt to carry side1's change")
	}
	if got := merged.Value("b.txt"); got == nil || !got.FileId.Equal(fileB2.FileId) {
		t.Error("expected b.txt to carry side2's change")
	}
}

func TestMergeTreesConflictingFileEditsPersistConflict(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	fileBase := writeFile(t, ctx, store, "a.txt", "line1\nline2\nline3\n")
	baseID := writeTree(t, ctx, store, map[string]backend.TreeValue{"a.txt": fileBase})

	file1 := writeFile(t, ctx, store, "a.txt", "X\nline2\nline3\n")
	side1ID := writeTree(t, ctx, store, map[string]backend.TreeValue{"a.txt": file1})

	file2 := writeFile(t, ctx, store, "a.txt", "Y\nline2\nline3\n")
	side2ID := writeTree(t, ctx, store, map[string]backend.TreeValue{"a.txt": file2})

	mergedID, err := MergeTrees(ctx, store,
		"",
		mustReadTree(t, ctx, store, side1ID),
		mustReadTree(t, ctx, store, baseID),
		mustReadTree(t, ctx, store, side2ID),
	)
	if err != nil {
		t.Fatalf("MergeTrees: %v", err)
	}
	merged := mustReadTree(t, ctx, store, mergedID)
	v := merged.Value("a.txt")
	if v == nil || v.Kind != backend.TreeValueConflict {
		t.Fatalf("expected a persisted conflict entry, got %+v", v)
	}

	c, err := store.ReadConflict(ctx, "a.txt", v.ConflictId)
	if err != nil {
		t.Fatalf("ReadConflict: %v", err)
	}
	if c.Merge.Len() != 3 {
		t.Errorf("conflict term count = %d, want 3", c.Merge.Len())
	}
}

func TestMergeTreesUnchangedSide2KeepsSide1Subtree(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	innerFile := writeFile(t, ctx, store, "dir/x.txt", "x\n")
	innerBaseID := writeTree(t, ctx, store, map[string]backend.TreeValue{"x.txt": innerFile})
	baseID := writeTree(t, ctx, store, map[string]backend.TreeValue{"dir": backend.NewTreeValue(innerBaseID)})

	innerFile2 := writeFile(t, ctx, store, "dir/x.txt", "x2\n")
	innerSide1ID := writeTree(t, ctx, store, map[string]backend.TreeValue{"x.txt": innerFile2})
	side1ID := writeTree(t, ctx, store, map[string]backend.TreeValue{"dir": backend.NewTreeValue(innerSide1ID)})

	mergedID, err := MergeTrees(ctx, store,
		"",
		mustReadTree(t, ctx, store, side1ID),
		mustReadTree(t, ctx, store, baseID),
		mustReadTree(t, ctx, store, baseID),
	)
	if err != nil {
		t.Fatalf("MergeTrees: %v", err)
	}
	if !mergedID.Equal(side1ID) {
		t.Errorf("merged = %s, want side1 %s (base unchanged on side2)", mergedID.Hex(), side1ID.Hex())
	}
}

func mustReadTree(t *testing.T, ctx context.Context, store *memory.Backend, id objhash.TreeId) *backend.Tree {
	t.Helper()
	tree, err := store.ReadTree(ctx, "", id)
	if err != nil {
		t.Fatalf("ReadTree(%s): %v", id.Hex(), err)
	}
	return tree
}
