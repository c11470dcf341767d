package gitadapter

import (
	"context"

	"github.com/joliss/jj/internal/index"
	"github.com/joliss/jj/internal/objhash"
	"github.com/joliss/jj/internal/refs"
	"github.com/joliss/jj/internal/rewrite"
)

// RewriteAbandoner is the concrete, production-reachable Abandoner: it
// implements the abandon_unreachable_commits config option (spec.md §9,
// exercised by spec.md §8 Scenario 1) over internal/rewrite's AbandonCommit
// and internal/index's ancestry queries, instead of leaving Import with no
// real implementation to call.
type RewriteAbandoner struct {
	Store rewrite.Store
	Index *index.Index
	// View is the view AbandonCommit mutates directly (it has no view
	// parameter of its own in the Abandoner interface, unlike
	// IsAncestorOfAnyRef, which always receives the caller's view
	// explicitly). Import always passes the same view it constructed this
	// adapter with.
	View *refs.View
}

// NewRewriteAbandoner builds an Abandoner backed by store/ix/view.
func NewRewriteAbandoner(store rewrite.Store, ix *index.Index, view *refs.View) *RewriteAbandoner {
	return &RewriteAbandoner{Store: store, Index: ix, View: view}
}

// AbandonCommit rebases id's descendants onto its parents and removes id as
// a head of a.View, returning the new ids any rebased descendants were
// replaced with.
func (a *RewriteAbandoner) AbandonCommit(ctx context.Context, id objhash.CommitId) ([]objhash.CommitId, error) {
	result, err := rewrite.AbandonCommit(ctx, a.Store, a.Index, id, a.View)
	if err != nil {
		return nil, err
	}
	replacements := make([]objhash.CommitId, 0, len(result.Rewritten))
	for oldHex, newID := range result.Rewritten {
		if oldHex == id.Hex() {
			continue
		}
		replacements = append(replacements, newID)
	}
	return replacements, nil
}

// IsAncestorOfAnyRef reports whether id is reachable from any bookmark,
// tag, remote-tracking ref, or the git-head in view, other than pinned.
func (a *RewriteAbandoner) IsAncestorOfAnyRef(ctx context.Context, id objhash.CommitId, view *refs.View, pinned objhash.CommitId) (bool, error) {
	for _, target := range refTargets(view) {
		if pinned != nil && target.Equal(pinned) {
			continue
		}
		if a.Index.IsAncestor(id, target) {
			return true, nil
		}
	}
	return false, nil
}

func refTargets(v *refs.View) []objhash.CommitId {
	var out []objhash.CommitId
	collect := func(t refs.RefTarget) {
		out = append(out, t.Adds()...)
	}
	for _, b := range v.Bookmarks {
		collect(b.Local)
		for _, rr := range b.Remotes {
			collect(rr.Target)
		}
	}
	for _, t := range v.Tags {
		collect(t)
	}
	collect(v.GitHead)
	return out
}
