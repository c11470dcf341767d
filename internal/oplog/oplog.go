// Package oplog implements the Operation Log & Transactions (spec.md §4.5):
// an immutable operation DAG, MutableRepo transactions staged against a
// parent operation, and the divergent-operation auto-merge that reconciles
// concurrent writers. Operations and view snapshots are serialized with
// gopkg.in/yaml.v3, matching the teacher's own choice for human-readable
// on-disk state.
package oplog

import (
	"context"
	"encoding/hex"
	"fmt"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/joliss/jj/internal/backend"
	"github.com/joliss/jj/internal/objhash"
	"github.com/joliss/jj/internal/refs"
)

func mustUnhex(s string) objhash.CommitId {
	b, err := hex.DecodeString(s)
	if err != nil {
		panic(fmt.Sprintf("oplog: corrupt hex id %q: %v", s, err))
	}
	return objhash.CommitId(b)
}

// operationYAML is the on-disk serialization of an Operation.
type operationYAML struct {
	Parents     []string     `yaml:"parents"`
	View        ViewSnapshot `yaml:"view"`
	TimestampMS int64        `yaml:"timestamp_ms"`
	TzOffsetMin int32        `yaml:"tz_offset_min"`
	Description string       `yaml:"description"`
	Metadata    map[string]string `yaml:"metadata,omitempty"`
}

// Operation is an immutable record of a single repository mutation: one or
// more parent operation ids, a view-state snapshot, a timestamp, a
// human-readable description (the "tag"), and free-form metadata.
type Operation struct {
	Parents     []objhash.OperationId
	View        ViewSnapshot
	Timestamp   backend.Timestamp
	Description string
	Metadata    map[string]string
}

// IsRoot reports whether this is the initial operation (no parents).
func (o *Operation) IsRoot() bool { return len(o.Parents) == 0 }

// marshal returns the canonical YAML bytes used both to persist the
// operation and to derive its content-addressed OperationId.
func (o *Operation) marshal() ([]byte, error) {
	y := operationYAML{
		View:        o.View,
		TimestampMS: o.Timestamp.MillisSinceEpoch,
		TzOffsetMin: o.Timestamp.TzOffsetMinutes,
		Description: o.Description,
		Metadata:    o.Metadata,
	}
	for _, p := range o.Parents {
		y.Parents = append(y.Parents, p.Hex())
	}
	return yaml.Marshal(y)
}

func unmarshalOperation(data []byte) (*Operation, error) {
	var y operationYAML
	if err := yaml.Unmarshal(data, &y); err != nil {
		return nil, err
	}
	o := &Operation{
		View:        y.View,
		Timestamp:   backend.Timestamp{MillisSinceEpoch: y.TimestampMS, TzOffsetMinutes: y.TzOffsetMin},
		Description: y.Description,
		Metadata:    y.Metadata,
	}
	for _, p := range y.Parents {
		b, err := hex.DecodeString(p)
		if err != nil {
			return nil, fmt.Errorf("oplog: corrupt parent id %q: %w", p, err)
		}
		o.Parents = append(o.Parents, objhash.OperationId(b))
	}
	return o, nil
}

// Store is the content-addressed, append-only operation store (spec.md §6
// "an operation-log directory that is content-addressed and append-only"),
// plus the atomically-advanced head pointer (spec.md §4.5, §5: "advanced
// via a file-system-level atomic rename. Readers never take locks").
type Store interface {
	ReadOperation(ctx context.Context, id objhash.OperationId) (*Operation, error)
	WriteOperation(ctx context.Context, o *Operation) (objhash.OperationId, error)

	// Heads returns the current set of operation-head ids. More than one
	// means concurrent writers have not yet been reconciled.
	Heads(ctx context.Context) ([]objhash.OperationId, error)
	// AdvanceHeads atomically replaces the head set with newHeads,
	// provided the caller observed oldHeads most recently (compare-and-swap
	// semantics, matching "atomic rename": a stale caller loses the race
	// and must reread and retry).
	AdvanceHeads(ctx context.Context, oldHeads, newHeads []objhash.OperationId) (bool, error)
}

func idHex(ids []objhash.OperationId) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.Hex()
	}
	sort.Strings(out)
	return out
}

func sameHeadSet(a, b []objhash.OperationId) bool {
	ah, bh := idHex(a), idHex(b)
	if len(ah) != len(bh) {
		return false
	}
	for i := range ah {
		if ah[i] != bh[i] {
			return false
		}
	}
	return true
}

// CurrentView loads the merged view at the current operation heads,
// transparently performing the divergent-operation auto-merge (spec.md
// §4.5 "Next read triggers an automatic merge") and persisting the result
// as a new operation with all prior heads as parents before returning it.
// A single head is returned unchanged without writing anything.
func CurrentView(ctx context.Context, store Store) (*refs.View, objhash.CommitId, objhash.OperationId, error) {
	heads, err := store.Heads(ctx)
	if err != nil {
		return nil, nil, nil, err
	}
	if len(heads) == 0 {
		return nil, nil, nil, fmt.Errorf("oplog: no operation heads")
	}
	if len(heads) == 1 {
		op, err := store.ReadOperation(ctx, heads[0])
		if err != nil {
			return nil, nil, nil, err
		}
		v, wc := RestoreView(op.View)
		return v, wc, heads[0], nil
	}

	merged, err := mergeOperations(ctx, store, heads)
	if err != nil {
		return nil, nil, nil, err
	}
	newID, err := store.WriteOperation(ctx, merged)
	if err != nil {
		return nil, nil, nil, err
	}
	ok, err := store.AdvanceHeads(ctx, heads, []objhash.OperationId{newID})
	if err != nil {
		return nil, nil, nil, err
	}
	if !ok {
		// Someone else reconciled (or advanced past) these heads first;
		// reread rather than fight over the merge.
		return CurrentView(ctx, store)
	}
	v, wc := RestoreView(merged.View)
	return v, wc, newID, nil
}

// mergeOperations merges the views of heads pairwise, normalizing the
// order by operation id hex so the result is deterministic regardless of
// which writer's commit observed the race first (spec.md §4.5 "The merge
// is deterministic (order of children is normalized by operation id)").
func mergeOperations(ctx context.Context, store Store, heads []objhash.OperationId) (*Operation, error) {
	sorted := append([]objhash.OperationId(nil), heads...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Hex() < sorted[j].Hex() })

	ops := make([]*Operation, len(sorted))
	for i, id := range sorted {
		op, err := store.ReadOperation(ctx, id)
		if err != nil {
			return nil, err
		}
		ops[i] = op
	}

	// Every head commits against the single operation it diverged from
	// (Begin/Commit never produces a multi-parent operation outside this
	// merge itself), so that shared parent's view is the true three-way
	// merge base. Using a sibling's own (already-diverged) view as the
	// base, as opposed to its parent's, would make every field the
	// sibling itself touched look unchanged-from-base and so always lose
	// to whichever operation is merged in next.
	base, err := commonBaseView(ctx, store, ops[0])
	if err != nil {
		return nil, err
	}
	merged := ops[0].View
	for _, op := range ops[1:] {
		merged = mergeViewSnapshots(base, merged, op.View)
	}

	merged.WorkingCopyCommit = ops[len(ops)-1].View.WorkingCopyCommit

	newParents := make([]objhash.OperationId, len(sorted))
	copy(newParents, sorted)
	return &Operation{
		Parents:     newParents,
		View:        merged,
		Timestamp:   backend.Now(0),
		Description: "merge operations",
	}, nil
}

// commonBaseView returns the view of op's first parent, or op's own view
// if op is the root operation (no parents to diverge from).
func commonBaseView(ctx context.Context, store Store, op *Operation) (ViewSnapshot, error) {
	if len(op.Parents) == 0 {
		return op.View, nil
	}
	parent, err := store.ReadOperation(ctx, op.Parents[0])
	if err != nil {
		return ViewSnapshot{}, err
	}
	return parent.View, nil
}

func mergeViewSnapshots(base, side1, side2 ViewSnapshot) ViewSnapshot {
	baseView, _ := RestoreView(base)
	side1View, _ := RestoreView(side1)
	side2View, _ := RestoreView(side2)

	out := refs.NewView()
	for name := range allBookmarkNames(baseView, side1View, side2View) {
		out.Bookmark(name).Local = refs.MergeThreeWay(
			baseView.Bookmark(name).Local, side1View.Bookmark(name).Local, side2View.Bookmark(name).Local)
		for remote := range allRemoteNames(baseView, side1View, side2View, name) {
			bt := refs.MergeThreeWay(
				remoteTarget(baseView, name, remote), remoteTarget(side1View, name, remote), remoteTarget(side2View, name, remote))
			state := refs.StateNew
			if remoteState(side1View, name, remote) == refs.StateTracking || remoteState(side2View, name, remote) == refs.StateTracking {
				state = refs.StateTracking
			}
			out.Bookmark(name).Remotes[remote] = refs.RemoteRef{Target: bt, State: state}
		}
	}
	for name := range allTagNames(baseView, side1View, side2View) {
		out.Tags[name] = refs.MergeThreeWay(baseView.Tags[name], side1View.Tags[name], side2View.Tags[name])
	}
	for name := range allGitRefNames(baseView, side1View, side2View) {
		out.GitRefs[name] = refs.MergeThreeWay(baseView.GitRefs[name], side1View.GitRefs[name], side2View.GitRefs[name])
	}
	out.GitHead = refs.MergeThreeWay(baseView.GitHead, side1View.GitHead, side2View.GitHead)
	for _, id := range side1View.HeadIds() {
		out.AddHead(id)
	}
	for _, id := range side2View.HeadIds() {
		out.AddHead(id)
	}
	return SnapshotView(out, nil)
}

func allBookmarkNames(views ...*refs.View) map[string]bool {
	out := map[string]bool{}
	for _, v := range views {
		for name := range v.Bookmarks {
			out[name] = true
		}
	}
	return out
}

func allRemoteNames(base, side1, side2 *refs.View, bookmark string) map[string]bool {
	out := map[string]bool{}
	for _, v := range []*refs.View{base, side1, side2} {
		if b, ok := v.Bookmarks[bookmark]; ok {
			for remote := range b.Remotes {
				out[remote] = true
			}
		}
	}
	return out
}

func remoteTarget(v *refs.View, bookmark, remote string) refs.RefTarget {
	if b, ok := v.Bookmarks[bookmark]; ok {
		if rr, ok := b.Remotes[remote]; ok {
			return rr.Target
		}
	}
	return refs.Absent()
}

func remoteState(v *refs.View, bookmark, remote string) refs.RemoteRefState {
	if b, ok := v.Bookmarks[bookmark]; ok {
		if rr, ok := b.Remotes[remote]; ok {
			return rr.State
		}
	}
	return refs.StateNew
}

func allTagNames(views ...*refs.View) map[string]bool {
	out := map[string]bool{}
	for _, v := range views {
		for name := range v.Tags {
			out[name] = true
		}
	}
	return out
}

func allGitRefNames(views ...*refs.View) map[string]bool {
	out := map[string]bool{}
	for _, v := range views {
		for name := range v.GitRefs {
			out[name] = true
		}
	}
	return out
}
