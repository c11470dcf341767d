package gitadapter

import (
	"context"
	"testing"

	"github.com/joliss/jj/internal/backend"
	"github.com/joliss/jj/internal/backend/memory"
	"github.com/joliss/jj/internal/index"
	"github.com/joliss/jj/internal/objhash"
	"github.com/joliss/jj/internal/refs"
	"github.com/joliss/jj/internal/rewrite"
)

func id(b byte) objhash.CommitId { return objhash.CommitId{b} }

type fakeForeign struct {
	refs     map[string]objhash.CommitId
	head     ForeignHead
	updates  map[string]objhash.CommitId
	deletes  map[string]bool
}

func newFakeForeign() *fakeForeign {
	return &fakeForeign{refs: map[string]objhash.CommitId{}, updates: map[string]objhash.CommitId{}, deletes: map[string]bool{}}
}

func (f *fakeForeign) ListRefs(ctx context.Context) (map[string]objhash.CommitId, error) { return f.refs, nil }
func (f *fakeForeign) Head(ctx context.Context) (ForeignHead, error)                     { return f.head, nil }
func (f *fakeForeign) UpdateRef(ctx context.Context, qualified string, expectedCurrent, target objhash.CommitId) error {
	if target == nil {
		f.deletes[qualified] = true
		delete(f.refs, qualified)
		return nil
	}
	f.updates[qualified] = target
	f.refs[qualified] = target
	return nil
}
func (f *fakeForeign) SetHead(ctx context.Context, h ForeignHead) error { f.head = h; return nil }
func (f *fakeForeign) IsAncestor(ctx context.Context, a, b objhash.CommitId) (bool, error) {
	return a.Equal(b), nil
}
func (f *fakeForeign) Fetch(ctx context.Context, remote string, patterns []Pattern, progress ProgressFunc) ([]string, error) {
	return nil, nil
}
func (f *fakeForeign) DefaultBranch(ctx context.Context, remote string) (string, bool, error) {
	return "", false, nil
}

type noopAbandoner struct{}

func (noopAbandoner) AbandonCommit(ctx context.Context, id objhash.CommitId) ([]objhash.CommitId, error) {
	return nil, nil
}
func (noopAbandoner) IsAncestorOfAnyRef(ctx context.Context, id objhash.CommitId, view *refs.View, pinned objhash.CommitId) (bool, error) {
	return true, nil
}

func TestImportLocalBranchCreatesBookmark(t *testing.T) {
	ctx := context.Background()
	foreign := newFakeForeign()
	foreign.refs["refs/heads/main"] = id(1)
	view := refs.NewView()

	stats, err := Import(ctx, foreign, view, ImportOptions{}, noopAbandoner{})
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	got, ok := view.Bookmark("main").Local.AsNormal()
	if !ok || !got.Equal(id(1)) {
		t.Error("importing a new local branch should create a matching bookmark")
	}
	if len(stats.ChangedRemoteRefs) != 0 {
		t.Error("a local-branch-only import should not report remote ref changes")
	}
}

func TestImportRemoteBranchAutoLocalBookmark(t *testing.T) {
	ctx := context.Background()
	foreign := newFakeForeign()
	foreign.refs["refs/remotes/origin/main"] = id(1)
	view := refs.NewView()

	_, err := Import(ctx, foreign, view, ImportOptions{AutoLocalBookmark: true}, noopAbandoner{})
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	b := view.Bookmark("main")
	if got, ok := b.Local.AsNormal(); !ok || !got.Equal(id(1)) {
		t.Error("AutoLocalBookmark should create the local bookmark on first observation")
	}
	if !b.Remotes["origin"].IsTracking() {
		t.Error("first-seen remote branch with AutoLocalBookmark should start tracking")
	}
}

func TestImportRemoteBranchWithoutAutoLocalBookmarkStaysUntracked(t *testing.T) {
	ctx := context.Background()
	foreign := newFakeForeign()
	foreign.refs["refs/remotes/origin/main"] = id(1)
	view := refs.NewView()

	_, err := Import(ctx, foreign, view, ImportOptions{}, noopAbandoner{})
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	b := view.Bookmark("main")
	if b.Remotes["origin"].IsTracking() {
		t.Error("without AutoLocalBookmark, a first-seen remote branch should not be tracking")
	}
	if !b.Local.IsAbsent() {
		t.Error("without AutoLocalBookmark, no local bookmark should be created")
	}
}

func TestImportGitRemoteReservedNameRejected(t *testing.T) {
	ctx := context.Background()
	foreign := newFakeForeign()
	foreign.refs["refs/remotes/git/main"] = id(1)
	view := refs.NewView()

	_, err := Import(ctx, foreign, view, ImportOptions{}, noopAbandoner{})
	if err == nil {
		t.Fatal("importing a remote-tracking ref under the reserved \"git\" remote should fail")
	}
}

func TestImportIgnoresNotesAndHeadPlaceholder(t *testing.T) {
	ctx := context.Background()
	foreign := newFakeForeign()
	foreign.refs["refs/notes/commits"] = id(1)
	foreign.refs[gitHeadPlaceholder] = id(2)
	view := refs.NewView()

	_, err := Import(ctx, foreign, view, ImportOptions{}, noopAbandoner{})
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	if len(view.Bookmarks) != 0 || len(view.Tags) != 0 {
		t.Error("notes and the HEAD placeholder ref should never become bookmarks or tags")
	}
}

func TestImportRestrictsToRequestedRefNames(t *testing.T) {
	ctx := context.Background()
	foreign := newFakeForeign()
	foreign.refs["refs/heads/main"] = id(1)
	foreign.refs["refs/heads/feature"] = id(2)
	view := refs.NewView()

	_, err := Import(ctx, foreign, view, ImportOptions{RefNames: []string{"refs/heads/main"}}, noopAbandoner{})
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	if !view.Bookmark("feature").Local.IsAbsent() {
		t.Error("should not have imported feature")
	}
	if got, ok := view.Bookmark("main").Local.AsNormal(); !ok || !got.Equal(id(1)) {
		t.Error("should have imported the requested ref")
	}
}

func TestExportPushesChangedLocalBookmark(t *testing.T) {
	ctx := context.Background()
	foreign := newFakeForeign()
	view := refs.NewView()
	view.Bookmark("main").Local = refs.Normal(id(1))

	failures, err := Export(ctx, foreign, view, id(0))
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	if len(failures) != 0 {
		t.Fatalf("unexpected failures: %v", failures)
	}
	if got := foreign.updates["refs/heads/main"]; !got.Equal(id(1)) {
		t.Error("export should push the new local bookmark target to the foreign repo")
	}
	rr := view.Bookmark("main").Remotes[refs.GitRemoteName]
	if !rr.IsTracking() {
		t.Error("export should mark the \"git\" remote ref as tracking after a successful push")
	}
}

func TestExportRejectsRootCommitTarget(t *testing.T) {
	ctx := context.Background()
	foreign := newFakeForeign()
	view := refs.NewView()
	view.Bookmark("main").Local = refs.Normal(id(0))

	failures, err := Export(ctx, foreign, view, id(0))
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	if failures["refs/heads/main"] == nil {
		t.Error("exporting a bookmark pointed at the root commit should fail validation")
	}
}

func TestExportSkipsConflictedBookmark(t *testing.T) {
	ctx := context.Background()
	foreign := newFakeForeign()
	view := refs.NewView()
	view.Bookmark("main").Local = refs.FromAddsRemoves([]objhash.CommitId{id(1), id(2)}, []objhash.CommitId{id(3)})

	failures, err := Export(ctx, foreign, view, id(0))
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	if len(failures) != 0 {
		t.Error("a conflicted bookmark is silently skipped, not reported as a failure")
	}
	if len(foreign.updates) != 0 {
		t.Error("a conflicted bookmark must never be pushed")
	}
}

func TestResetHeadDetachesAtParent(t *testing.T) {
	ctx := context.Background()
	foreign := newFakeForeign()
	if err := ResetHead(ctx, foreign, id(2), id(1), false); err != nil {
		t.Fatalf("ResetHead: %v", err)
	}
	if !foreign.head.Detached || !foreign.head.Commit.Equal(id(1)) {
		t.Error("ResetHead should detach HEAD at the target's parent")
	}
}

func TestResetHeadRootProducesUnbornHead(t *testing.T) {
	ctx := context.Background()
	foreign := newFakeForeign()
	if err := ResetHead(ctx, foreign, id(1), nil, true); err != nil {
		t.Fatalf("ResetHead: %v", err)
	}
	if foreign.head.Detached {
		t.Error("resetting to root should not leave a detached HEAD")
	}
	if foreign.head.Commit != nil {
		t.Error("resetting to root should leave HEAD's commit unset (unborn)")
	}
}

func TestDeriveChangeIdIsStableAndLengthRespected(t *testing.T) {
	a := DeriveChangeId(id(1), 16)
	b := DeriveChangeId(id(1), 16)
	if !a.Equal(b) {
		t.Error("DeriveChangeId should be deterministic for the same commit id")
	}
	if len(a) != 16 {
		t.Errorf("len(DeriveChangeId()) = %d, want 16", len(a))
	}
	c := DeriveChangeId(id(2), 16)
	if a.Equal(c) {
		t.Error("distinct commit ids should not derive the same change id")
	}
}

type memChangeIdTable struct{ m map[string]objhash.ChangeId }

func (t *memChangeIdTable) Lookup(ctx context.Context, id objhash.CommitId) (objhash.ChangeId, bool, error) {
	v, ok := t.m[id.Hex()]
	return v, ok, nil
}
func (t *memChangeIdTable) Store(ctx context.Context, id objhash.CommitId, changeID objhash.ChangeId) error {
	t.m[id.Hex()] = changeID
	return nil
}

func writeTestCommit(t *testing.T, ctx context.Context, store *memory.Backend, parent objhash.CommitId, description string) objhash.CommitId {
	t.Helper()
	sig := backend.Signature{Name: "test", Timestamp: backend.Now(0)}
	commitID, _, err := rewrite.New(store, []objhash.CommitId{parent}, store.EmptyTreeId()).
		SetDescription(description).
		SetAuthor(sig).
		SetCommitter(sig).
		Write(ctx)
	if err != nil {
		t.Fatalf("writeTestCommit: %v", err)
	}
	return commitID
}

// TestImportAbandonsCommitUnreachableAfterForeignDeletion exercises the
// Comment-1 ref-deletion fix and the RewriteAbandoner adapter together,
// matching spec.md §8 Scenario 1: delete a foreign branch, reimport with
// AbandonUnreachableCommits, and observe the orphaned commit abandoned.
func TestImportAbandonsCommitUnreachableAfterForeignDeletion(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	ix := index.New()

	aID := writeTestCommit(t, ctx, store, store.RootCommitId(), "a")
	bID := writeTestCommit(t, ctx, store, store.RootCommitId(), "b")
	if err := ix.Add(ctx, store, aID); err != nil {
		t.Fatalf("ix.Add(a): %v", err)
	}
	if err := ix.Add(ctx, store, bID); err != nil {
		t.Fatalf("ix.Add(b): %v", err)
	}

	view := refs.NewView()
	foreign := newFakeForeign()
	foreign.refs["refs/heads/main"] = aID
	foreign.refs["refs/heads/feat"] = bID

	ab := NewRewriteAbandoner(store, ix, view)

	if _, err := Import(ctx, foreign, view, ImportOptions{AbandonUnreachableCommits: true}, ab); err != nil {
		t.Fatalf("first Import: %v", err)
	}
	if _, ok := view.Heads[bID.Hex()]; !ok {
		t.Fatal("feat's commit should be a head after the first import")
	}

	delete(foreign.refs, "refs/heads/feat")

	stats, err := Import(ctx, foreign, view, ImportOptions{AbandonUnreachableCommits: true}, ab)
	if err != nil {
		t.Fatalf("second Import: %v", err)
	}

	if !view.Bookmark("feat").Local.IsAbsent() {
		t.Error("feat should be absent locally after its foreign branch was deleted")
	}
	if len(stats.AbandonedCommits) != 1 || !stats.AbandonedCommits[0].Equal(bID) {
		t.Errorf("AbandonedCommits = %v, want [%s]", stats.AbandonedCommits, bID.Hex())
	}
	if _, ok := view.Heads[bID.Hex()]; ok {
		t.Error("the abandoned commit must no longer be a head")
	}
	if _, ok := view.Heads[aID.Hex()]; !ok {
		t.Error("main's commit should still be a head")
	}
	if len(view.Heads) != 1 {
		t.Errorf("len(view.Heads) = %d, want 1", len(view.Heads))
	}
}

func TestResolveChangeIdPersistsOnFirstObservation(t *testing.T) {
	ctx := context.Background()
	table := &memChangeIdTable{m: map[string]objhash.ChangeId{}}
	first, err := ResolveChangeId(ctx, table, id(1), 16)
	if err != nil {
		t.Fatalf("ResolveChangeId: %v", err)
	}
	second, err := ResolveChangeId(ctx, table, id(1), 16)
	if err != nil {
		t.Fatalf("ResolveChangeId: %v", err)
	}
	if !first.Equal(second) {
		t.Error("a second resolution of the same commit must return the persisted change id, not recompute")
	}
}
