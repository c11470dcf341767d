// Package refs implements the Ref Model: local bookmarks, remote-tracking
// bookmarks, tags, the git-refs mirror, and the git-head, together with the
// RefTarget three-way merge used by import and by operation-log
// reconciliation (spec.md §4.3, §4.5).
package refs

import (
	"sort"

	"github.com/joliss/jj/internal/merge"
	"github.com/joliss/jj/internal/objhash"
)

// RefTarget is a possibly-conflicted pointer to zero or more commits. It is
// backed directly by the generic Merge primitive (a nil term means "no
// commit on this side"), the same representation the Operation Log uses to
// reconcile concurrently-written refs (spec.md §4.5) and import uses for
// its three-way merge (spec.md §4.3).
type RefTarget struct {
	m merge.Merge[objhash.CommitId]
}

func commitIdEqual(a, b objhash.CommitId) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(b)
}

// Absent is the RefTarget with no commits.
func Absent() RefTarget {
	return RefTarget{m: merge.Resolved[objhash.CommitId](nil)}
}

// Normal returns the RefTarget pointing unambiguously at id.
func Normal(id objhash.CommitId) RefTarget {
	return RefTarget{m: merge.Resolved(id)}
}

// FromMerge wraps an existing alternating add/remove/…/add sequence of
// (possibly nil) CommitIds as a RefTarget.
func FromMerge(m merge.Merge[objhash.CommitId]) RefTarget {
	return RefTarget{m: m}
}

// terms returns t's merge, treating the zero RefTarget (a fresh Bookmark's
// Local, or a missing map entry) as Absent().
func (t RefTarget) terms() merge.Merge[objhash.CommitId] {
	if t.m.Len() == 0 {
		return merge.Resolved[objhash.CommitId](nil)
	}
	return t.m
}

// IsAbsent reports whether the target has no net adds.
func (t RefTarget) IsAbsent() bool {
	v, ok := t.terms().ResolveTrivialFunc(commitIdEqual)
	return ok && v == nil
}

// IsConflicted reports whether the target has more than one net add.
func (t RefTarget) IsConflicted() bool {
	_, ok := t.terms().ResolveTrivialFunc(commitIdEqual)
	return !ok
}

// Adds returns the non-nil terms at even positions (0, 2, 4, …).
func (t RefTarget) Adds() []objhash.CommitId {
	var out []objhash.CommitId
	for _, v := range t.m.Adds() {
		if v != nil {
			out = append(out, v)
		}
	}
	return out
}

// Removes returns the non-nil terms at odd positions (1, 3, 5, …).
func (t RefTarget) Removes() []objhash.CommitId {
	var out []objhash.CommitId
	for _, v := range t.m.Removes() {
		if v != nil {
			out = append(out, v)
		}
	}
	return out
}

// AsNormal returns the single commit this target resolves to, and true, iff
// it has exactly one net value and that value is non-nil.
func (t RefTarget) AsNormal() (objhash.CommitId, bool) {
	v, ok := t.terms().ResolveTrivialFunc(commitIdEqual)
	if !ok || v == nil {
		return nil, false
	}
	return v, true
}

// Equal reports RefTarget equality, which is order-insensitive over the
// adds/removes multisets (invariant 4): a target with equal adds and
// removes is absent, matched automatically since Simplify cancels them.
func (t RefTarget) Equal(o RefTarget) bool {
	a := t.m.SimplifyFunc(commitIdEqual)
	b := o.m.SimplifyFunc(commitIdEqual)
	return multisetEqual(nonNil(a.Adds()), nonNil(b.Adds())) &&
		multisetEqual(nonNil(a.Removes()), nonNil(b.Removes()))
}

func nonNil(ids []objhash.CommitId) []objhash.CommitId {
	var out []objhash.CommitId
	for _, id := range ids {
		if id != nil {
			out = append(out, id)
		}
	}
	return out
}

func multisetEqual(a, b []objhash.CommitId) bool {
	if len(a) != len(b) {
		return false
	}
	ah := hexSlice(a)
	bh := hexSlice(b)
	sort.Strings(ah)
	sort.Strings(bh)
	for i := range ah {
		if ah[i] != bh[i] {
			return false
		}
	}
	return true
}

func hexSlice(ids []objhash.CommitId) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.Hex()
	}
	return out
}

// FromAddsRemoves rebuilds a RefTarget from its net adds/removes multisets,
// interleaving them back into alternating form. len(adds) must equal
// len(removes)+1, or adds/removes must both be empty (Absent) — the shape
// any RefTarget.Adds()/Removes() pair actually produces, used to round-trip
// a RefTarget through serialization (spec.md §6 "view state").
func FromAddsRemoves(adds, removes []objhash.CommitId) RefTarget {
	if len(adds) == 0 && len(removes) == 0 {
		return Absent()
	}
	vals := make([]objhash.CommitId, 0, len(adds)+len(removes))
	for i, a := range adds {
		vals = append(vals, a)
		if i < len(removes) {
			vals = append(vals, removes[i])
		}
	}
	return RefTarget{m: merge.MustFromSlice(vals)}
}

// MergeThreeWay performs the RefTarget three-way merge used by import
// (base = last-observed foreign value) and by operation-log reconciliation
// (base = shared parent operation's view): Merge.from_vec([side1, base,
// side2]) flattened against any pre-existing conflict on either side, then
// simplified so identical moves on both sides cancel to a clean result.
func MergeThreeWay(base, side1, side2 RefTarget) RefTarget {
	if side1.Equal(side2) {
		return RefTarget{m: side1.terms()}
	}
	outer := merge.MustFromSlice([]merge.Merge[objhash.CommitId]{side1.terms(), base.terms(), side2.terms()})
	return RefTarget{m: merge.Flatten(outer).SimplifyFunc(commitIdEqual)}
}

// RemoteRefState is the tracking state of a RemoteRef.
type RemoteRefState int

const (
	// StateNew means the remote bookmark has been observed but the user
	// has not opted into tracking it locally.
	StateNew RemoteRefState = iota
	// StateTracking means the remote bookmark's target participates in
	// the local bookmark's three-way merge on import.
	StateTracking
)

// RemoteRef is a single remote's view of a bookmark.
type RemoteRef struct {
	Target RefTarget
	State  RemoteRefState
}

// IsTracking reports whether this remote ref contributes to local merges.
func (r RemoteRef) IsTracking() bool { return r.State == StateTracking }

// Bookmark is a named ref with an optional local target and a per-remote
// map of RemoteRefs.
type Bookmark struct {
	Name    string
	Local   RefTarget
	Remotes map[string]RemoteRef
}

// IsPresent reports whether the bookmark has any non-absent state.
func (b *Bookmark) IsPresent() bool {
	if !b.Local.IsAbsent() {
		return true
	}
	for _, r := range b.Remotes {
		if !r.Target.IsAbsent() {
			return true
		}
	}
	return false
}

// GitRemoteName is reserved for the local foreign repo itself; any fetch,
// push, or import addressed to it must fail (spec.md §4.1.1, §4.6).
const GitRemoteName = "git"

// View is the complete ref/head state of a repository at a single
// operation (spec.md GLOSSARY "View").
type View struct {
	Bookmarks map[string]*Bookmark
	Tags      map[string]RefTarget
	GitRefs   map[string]RefTarget
	GitHead   RefTarget
	Heads     map[string]objhash.CommitId
}

// NewView returns an empty View.
func NewView() *View {
	return &View{
		Bookmarks: map[string]*Bookmark{},
		Tags:      map[string]RefTarget{},
		GitRefs:   map[string]RefTarget{},
		GitHead:   Absent(),
		Heads:     map[string]objhash.CommitId{},
	}
}

// Bookmark returns the named bookmark, creating an empty one if absent.
func (v *View) Bookmark(name string) *Bookmark {
	b, ok := v.Bookmarks[name]
	if !ok {
		b = &Bookmark{Name: name, Remotes: map[string]RemoteRef{}}
		v.Bookmarks[name] = b
	}
	return b
}

// AddHead marks id as a visible head.
func (v *View) AddHead(id objhash.CommitId) { v.Heads[id.Hex()] = id }

// RemoveHead unmarks id as a visible head.
func (v *View) RemoveHead(id objhash.CommitId) { delete(v.Heads, id.Hex()) }

// IsHead reports whether id is currently a visible head.
func (v *View) IsHead(id objhash.CommitId) bool {
	_, ok := v.Heads[id.Hex()]
	return ok
}

// HeadIds returns the visible heads as CommitIds, in a stable (sorted by
// hex) order.
func (v *View) HeadIds() []objhash.CommitId {
	keys := make([]string, 0, len(v.Heads))
	for h := range v.Heads {
		keys = append(keys, h)
	}
	sort.Strings(keys)
	out := make([]objhash.CommitId, len(keys))
	for i, h := range keys {
		out[i] = v.Heads[h]
	}
	return out
}

// Clone returns a deep copy of the view, used by MutableRepo to start a
// transaction as a logical copy-on-write of its parent operation's view.
func (v *View) Clone() *View {
	cp := NewView()
	for name, b := range v.Bookmarks {
		nb := &Bookmark{Name: name, Local: b.Local, Remotes: map[string]RemoteRef{}}
		for remote, rr := range b.Remotes {
			nb.Remotes[remote] = rr
		}
		cp.Bookmarks[name] = nb
	}
	for name, t := range v.Tags {
		cp.Tags[name] = t
	}
	for name, t := range v.GitRefs {
		cp.GitRefs[name] = t
	}
	cp.GitHead = v.GitHead
	for h, id := range v.Heads {
		cp.Heads[h] = id
	}
	return cp
}
