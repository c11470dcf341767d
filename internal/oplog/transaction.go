package oplog

import (
	"context"
	"strconv"

	"github.com/joliss/jj/internal/backend"
	"github.com/joliss/jj/internal/objhash"
	"github.com/joliss/jj/internal/refs"
)

// MutableRepo is a logical copy-on-write of a parent view plus a staging
// buffer for newly created commits, rewrites, and abandonments (spec.md
// §4.5). Commit Builder & Rewriter code (internal/rewrite) mutates a
// MutableRepo; oplog only needs to know enough about it to snapshot and
// commit the result.
type MutableRepo struct {
	ParentOp          objhash.OperationId
	View              *refs.View
	WorkingCopyCommit objhash.CommitId

	rewritten  map[string]objhash.CommitId // old hex -> new CommitId
	abandoned  map[string]bool             // hex -> true
}

// NewMutableRepo opens a transaction's staging area against parentView, a
// copy of the view at parentOp.
func NewMutableRepo(parentOp objhash.OperationId, parentView *refs.View, workingCopyCommit objhash.CommitId) *MutableRepo {
	return &MutableRepo{
		ParentOp:          parentOp,
		View:              parentView.Clone(),
		WorkingCopyCommit: workingCopyCommit,
		rewritten:         map[string]objhash.CommitId{},
		abandoned:         map[string]bool{},
	}
}

// RecordRewritten records that old was rewritten to new; used by
// transform_descendants (internal/rewrite) and surfaced here only so
// Commit can log it in the operation's metadata.
func (m *MutableRepo) RecordRewritten(old, new objhash.CommitId) {
	m.rewritten[old.Hex()] = new
}

// RecordAbandoned records that id was abandoned.
func (m *MutableRepo) RecordAbandoned(id objhash.CommitId) {
	m.abandoned[id.Hex()] = true
}

// Transaction is a scoped builder over a parent operation (spec.md
// GLOSSARY "Transaction").
type Transaction struct {
	store       Store
	mutableRepo *MutableRepo
	description string
}

// Begin opens a transaction against the current operation head. If the
// heads have diverged, this transparently performs the divergent-operation
// merge first (via CurrentView), so every transaction is always based on a
// single reconciled parent.
func Begin(ctx context.Context, store Store, description string) (*Transaction, error) {
	view, wc, opID, err := CurrentView(ctx, store)
	if err != nil {
		return nil, err
	}
	return &Transaction{
		store:       store,
		mutableRepo: NewMutableRepo(opID, view, wc),
		description: description,
	}, nil
}

// Repo returns the transaction's staging MutableRepo for callers (the
// Commit Builder & Rewriter, the Foreign-Repo Adapter's import/export) to
// mutate.
func (tx *Transaction) Repo() *MutableRepo { return tx.mutableRepo }

// Commit finalizes the transaction: it writes a new operation with the
// transaction's parent as its sole parent and atomically advances the
// operation head pointer (spec.md §4.5, steps 2-3; rebase_descendants,
// step 1, is the caller's responsibility via internal/rewrite before
// calling Commit, since only the Rewriter has the tree-merge context
// needed to produce replacement commits).
func (tx *Transaction) Commit(ctx context.Context) (objhash.OperationId, error) {
	meta := map[string]string{}
	if len(tx.mutableRepo.rewritten) > 0 {
		meta["rewritten_count"] = strconv.Itoa(len(tx.mutableRepo.rewritten))
	}
	if len(tx.mutableRepo.abandoned) > 0 {
		meta["abandoned_count"] = strconv.Itoa(len(tx.mutableRepo.abandoned))
	}
	op := &Operation{
		Parents:     []objhash.OperationId{tx.mutableRepo.ParentOp},
		View:        SnapshotView(tx.mutableRepo.View, tx.mutableRepo.WorkingCopyCommit),
		Timestamp:   backend.Now(0),
		Description: tx.description,
		Metadata:    meta,
	}
	newID, err := tx.store.WriteOperation(ctx, op)
	if err != nil {
		return nil, err
	}
	ok, err := tx.store.AdvanceHeads(ctx, []objhash.OperationId{tx.mutableRepo.ParentOp}, []objhash.OperationId{newID})
	if err != nil {
		return nil, err
	}
	if !ok {
		// A concurrent writer already advanced the heads; our operation
		// still exists as a sibling and will be reconciled on next read
		// (spec.md §4.5 "Concurrent writers").
		heads, err := tx.store.Heads(ctx)
		if err != nil {
			return nil, err
		}
		if _, err := tx.store.AdvanceHeads(ctx, heads, append(heads, newID)); err != nil {
			return nil, err
		}
	}
	return newID, nil
}

// RestoreWhat selects the scope of an undo/restore operation (spec.md
// §4.5 "restore --what={repo, remote-tracking, all}").
type RestoreWhat int

const (
	RestoreRepo RestoreWhat = iota
	RestoreRemoteTracking
	RestoreAll
)

// Restore applies operation target's view state to current according to
// what, returning the resulting view. RestoreRemoteTracking replaces only
// RemoteRef targets, leaving local bookmarks intact.
func Restore(current *refs.View, target *refs.View, what RestoreWhat) *refs.View {
	switch what {
	case RestoreRemoteTracking:
		out := current.Clone()
		for name, tb := range target.Bookmarks {
			ob := out.Bookmark(name)
			ob.Remotes = map[string]refs.RemoteRef{}
			for remote, rr := range tb.Remotes {
				ob.Remotes[remote] = rr
			}
		}
		// Bookmarks present in current but absent in target lose their
		// remote state too.
		for name, ob := range out.Bookmarks {
			if _, ok := target.Bookmarks[name]; !ok {
				ob.Remotes = map[string]refs.RemoteRef{}
			}
		}
		return out
	default:
		return target.Clone()
	}
}
