// Package rewrite implements the Commit Builder & Rewriter (spec.md §4.8):
// constructing new commits (with the timestamp-adjustment collision retry
// loop), rebasing a commit onto new parents, and transforming every
// descendant of a set of roots in topological order.
package rewrite

import (
	"context"
	"crypto/rand"

	"github.com/joliss/jj/internal/backend"
	"github.com/joliss/jj/internal/conflict"
	"github.com/joliss/jj/internal/index"
	"github.com/joliss/jj/internal/objhash"
	"github.com/joliss/jj/internal/refs"
)

// Store is the slice of the Store Backend Contract the builder needs.
type Store interface {
	conflict.Store
	ReadCommit(ctx context.Context, id objhash.CommitId) (*backend.Commit, error)
	WriteCommit(ctx context.Context, c *backend.Commit, sign backend.SignFunc) (objhash.CommitId, *backend.Commit, error)
	ChangeIdLength() int
}

// Builder constructs a new commit. Call New, chain the Set* methods, then
// Write.
type Builder struct {
	store Store
	sign  backend.SignFunc

	parents     []objhash.CommitId
	treeID      objhash.TreeId
	changeID    objhash.ChangeId
	description string
	author      backend.Signature
	committer   backend.Signature
}

// New returns a builder for a commit with the given parents and tree,
// minting a fresh random ChangeId (spec.md §4.8 "A fresh random ChangeId is
// minted unless the builder is rebasing an existing change").
func New(store Store, parents []objhash.CommitId, treeID objhash.TreeId) *Builder {
	return &Builder{
		store:    store,
		parents:  parents,
		treeID:   treeID,
		changeID: randomChangeId(store.ChangeIdLength()),
	}
}

func randomChangeId(length int) objhash.ChangeId {
	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		panic("rewrite: system randomness unavailable: " + err.Error())
	}
	return objhash.ChangeId(b)
}

// SetChangeId overrides the minted ChangeId, used when the builder is
// rebasing an existing change (the change id must be preserved).
func (b *Builder) SetChangeId(id objhash.ChangeId) *Builder { b.changeID = id; return b }

// SetDescription sets the commit description.
func (b *Builder) SetDescription(d string) *Builder { b.description = d; return b }

// SetAuthor sets the author signature.
func (b *Builder) SetAuthor(s backend.Signature) *Builder { b.author = s; return b }

// SetCommitter sets the committer signature.
func (b *Builder) SetCommitter(s backend.Signature) *Builder { b.committer = s; return b }

// SetTreeId overrides the tree id given at construction.
func (b *Builder) SetTreeId(id objhash.TreeId) *Builder { b.treeID = id; return b }

// SetSignFunc installs a signer to be passed to the backend on write.
func (b *Builder) SetSignFunc(sign backend.SignFunc) *Builder { b.sign = sign; return b }

// maxTimestampRetries bounds the timestamp-adjustment loop. Spec.md §5
// guarantees termination "within a bounded number of adjustments (<=
// number of concurrent writers)"; this is a generous ceiling against a
// runaway retry rather than a value expected to be reached in practice.
const maxTimestampRetries = 100000

// Write persists the commit, retrying with a decremented committer
// timestamp on a CommitId collision against different content (spec.md
// §4.8's timestamp-adjustment loop). It terminates because the timestamp
// space is finite and the backend is content-addressed.
func (b *Builder) Write(ctx context.Context) (objhash.CommitId, *backend.Commit, error) {
	c := &backend.Commit{
		Parents:     b.parents,
		RootTree:    b.treeID,
		ChangeId:    b.changeID,
		Author:      b.author,
		Committer:   b.committer,
		Description: b.description,
	}
	for i := 0; i < maxTimestampRetries; i++ {
		id, written, err := b.store.WriteCommit(ctx, c, b.sign)
		if err == nil {
			return id, written, nil
		}
		if !backend.IsRetryable(err) {
			return nil, nil, err
		}
		committer := c.Committer
		committer.Timestamp = committer.Timestamp.Add(-1)
		c = &backend.Commit{
			Parents:     c.Parents,
			RootTree:    c.RootTree,
			ChangeId:    c.ChangeId,
			Author:      c.Author,
			Committer:   committer,
			Description: c.Description,
		}
	}
	return nil, nil, &backend.Other{Message: "rewrite: exhausted timestamp-adjustment retries"}
}

// RebaseCommit produces a new commit with the same change id, description,
// author, and tree as commit, but newParents; if newParents differ from
// commit's original parents, the tree is three-way-merged against them
// (spec.md §4.8 "or a three-way-merged tree if parents changed").
func RebaseCommit(ctx context.Context, store Store, ix *index.Index, commit *backend.Commit, newParents []objhash.CommitId) (objhash.CommitId, *backend.Commit, error) {
	newTreeID := commit.RootTree
	if !sameParents(commit.Parents, newParents) {
		var err error
		newTreeID, err = rebaseTree(ctx, store, ix, commit, newParents)
		if err != nil {
			return nil, nil, err
		}
	}
	b := New(store, newParents, newTreeID).
		SetChangeId(commit.ChangeId).
		SetDescription(commit.Description).
		SetAuthor(commit.Author).
		SetCommitter(backend.Now(commit.Committer.Timestamp.TzOffsetMinutes))
	return b.Write(ctx)
}

func sameParents(a, b []objhash.CommitId) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !a[i].Equal(b[i]) {
			return false
		}
	}
	return true
}

// rebaseTree merges the old commit's tree against its old parents' tree
// (as base) and the new parents' tree (as the other side). For merge
// commits only the first parent on each side is used (see
// mergeParentTrees); the other parents' trees are not folded in.
func rebaseTree(ctx context.Context, store Store, ix *index.Index, commit *backend.Commit, newParents []objhash.CommitId) (objhash.TreeId, error) {
	oldParentTree, err := mergeParentTrees(ctx, store, commit.Parents)
	if err != nil {
		return nil, err
	}
	newParentTree, err := mergeParentTrees(ctx, store, newParents)
	if err != nil {
		return nil, err
	}
	commitTree, err := store.ReadTree(ctx, "", commit.RootTree)
	if err != nil {
		return nil, err
	}
	return conflict.MergeTrees(ctx, store, "", commitTree, oldParentTree, newParentTree)
}

// mergeParentTrees returns the tree to treat as "the" parent tree for a
// rebase's three-way merge: the first parent's tree (or the empty tree for
// the root commit). jj's own rebase_commit uses the first parent's tree as
// the merge base regardless of additional merge parents, since a true
// N-way consolidation of octopus-merge parent trees needs the ancestry
// index's common-ancestor search and spec.md does not specify that
// algorithm; using the first parent keeps rebase correct for the
// overwhelmingly common 0- and 1-parent cases and conservative (no silent
// tree corruption) for merge commits.
func mergeParentTrees(ctx context.Context, store Store, parents []objhash.CommitId) (*backend.Tree, error) {
	if len(parents) == 0 {
		return backend.NewTree(), nil
	}
	return treeOf(ctx, store, parents[0])
}

func treeOf(ctx context.Context, store Store, id objhash.CommitId) (*backend.Tree, error) {
	c, err := store.ReadCommit(ctx, id)
	if err != nil {
		return nil, err
	}
	return store.ReadTree(ctx, "", c.RootTree)
}

// Rewriter carries an old commit through transform_descendants, letting
// the caller-supplied function update its tree/description before a
// replacement is written.
type Rewriter struct {
	Old       *backend.Commit
	OldId     objhash.CommitId
	NewParents []objhash.CommitId

	newTreeID   objhash.TreeId
	description *string
}

// SetTreeId overrides the replacement commit's tree.
func (r *Rewriter) SetTreeId(id objhash.TreeId) { r.newTreeID = id }

// SetDescription overrides the replacement commit's description.
func (r *Rewriter) SetDescription(d string) { r.description = &d }

// write persists the replacement commit, preserving change id and author.
func (r *Rewriter) write(ctx context.Context, store Store) (objhash.CommitId, *backend.Commit, error) {
	treeID := r.newTreeID
	if treeID == nil {
		treeID = r.Old.RootTree
	}
	desc := r.Old.Description
	if r.description != nil {
		desc = *r.description
	}
	b := New(store, r.NewParents, treeID).
		SetChangeId(r.Old.ChangeId).
		SetDescription(desc).
		SetAuthor(r.Old.Author).
		SetCommitter(backend.Now(r.Old.Committer.Timestamp.TzOffsetMinutes))
	return b.Write(ctx)
}

// TransformFunc is called once per descendant, in topological order, with
// a Rewriter the caller may mutate before the replacement is written.
type TransformFunc func(r *Rewriter)

// RewriteResult summarizes a TransformDescendants call.
type RewriteResult struct {
	// Rewritten maps old hex CommitId to new CommitId.
	Rewritten map[string]objhash.CommitId
}

// TransformDescendants visits every descendant of roots (per ix) in
// topological order, letting f update each one via a Rewriter, and writes
// the replacements with parents remapped to the (possibly also rewritten)
// new parent ids. It returns the old->new mapping so callers (the
// Foreign-Repo Adapter, the ref model) can update heads/refs/working-copy
// checkout to follow the rewrite (spec.md §4.8).
func TransformDescendants(ctx context.Context, store Store, ix *index.Index, roots []objhash.CommitId, f TransformFunc) (*RewriteResult, error) {
	result := &RewriteResult{Rewritten: map[string]objhash.CommitId{}}
	order := ix.Descendants(roots)
	rootSet := map[string]bool{}
	for _, r := range roots {
		rootSet[r.Hex()] = true
	}
	for _, id := range order {
		if rootSet[id.Hex()] {
			continue
		}
		c, err := store.ReadCommit(ctx, id)
		if err != nil {
			return nil, err
		}
		newParents := make([]objhash.CommitId, len(c.Parents))
		changed := false
		for i, p := range c.Parents {
			if np, ok := result.Rewritten[p.Hex()]; ok {
				newParents[i] = np
				changed = true
			} else {
				newParents[i] = p
			}
		}
		r := &Rewriter{Old: c, OldId: id, NewParents: newParents}
		f(r)
		if !changed && r.newTreeID == nil && r.description == nil {
			continue
		}
		newID, _, err := r.write(ctx, store)
		if err != nil {
			return nil, err
		}
		result.Rewritten[id.Hex()] = newID
	}
	return result, nil
}

// AbandonCommit marks id for removal by rebasing its descendants onto its
// own parents (spec.md §4.8 "record_abandoned_commit ... its descendants
// are subsequently rebased onto its parents").
func AbandonCommit(ctx context.Context, store Store, ix *index.Index, id objhash.CommitId, v *refs.View) (*RewriteResult, error) {
	c, err := store.ReadCommit(ctx, id)
	if err != nil {
		return nil, err
	}
	result := &RewriteResult{Rewritten: map[string]objhash.CommitId{id.Hex(): commitOrFirstParent(c)}}
	children := ix.Descendants([]objhash.CommitId{id})
	for _, childID := range children {
		if childID.Equal(id) {
			continue
		}
		cc, err := store.ReadCommit(ctx, childID)
		if err != nil {
			return nil, err
		}
		replaced := false
		newParents := make([]objhash.CommitId, 0, len(cc.Parents))
		for _, p := range cc.Parents {
			if p.Equal(id) {
				newParents = append(newParents, c.Parents...)
				replaced = true
			} else if np, ok := result.Rewritten[p.Hex()]; ok {
				newParents = append(newParents, np)
				replaced = true
			} else {
				newParents = append(newParents, p)
			}
		}
		if !replaced {
			continue
		}
		newID, _, err := RebaseCommit(ctx, store, ix, cc, newParents)
		if err != nil {
			return nil, err
		}
		result.Rewritten[childID.Hex()] = newID
	}
	v.RemoveHead(id)
	for _, p := range c.Parents {
		v.AddHead(p)
	}
	return result, nil
}

func commitOrFirstParent(c *backend.Commit) objhash.CommitId {
	if len(c.Parents) > 0 {
		return c.Parents[0]
	}
	return nil
}
