// Package index implements the commit Ancestry Index (spec.md §4.7):
// change-id resolution, shortest-unique-prefix lookup, and ancestry queries
// over the commit DAG. The index is built incrementally by walking parent
// links from newly observed heads; no segment-file on-disk format is
// specified here (spec.md leaves that backend-defined), so this package
// keeps the in-memory graph and exposes the query surface core code and
// tests depend on.
package index

import (
	"context"
	"sort"

	"github.com/joliss/jj/internal/backend"
	"github.com/joliss/jj/internal/objhash"
)

type entry struct {
	id       objhash.CommitId
	changeID objhash.ChangeId
	parents  []objhash.CommitId
}

// Index answers ancestry and identity-resolution queries over a set of
// indexed commits. It implements backend.ReachabilityIndex so it can drive
// GC directly.
type Index struct {
	entries     map[string]*entry   // hex(CommitId) -> entry
	byChangeID  map[string][]string // hex(ChangeId) -> []hex(CommitId), insertion order
	descendants map[string][]string // hex(CommitId) -> []hex(CommitId) of direct children
}

// New returns an empty Index.
func New() *Index {
	return &Index{
		entries:     map[string]*entry{},
		byChangeID:  map[string][]string{},
		descendants: map[string][]string{},
	}
}

// Add walks id and its ancestors (stopping at already-indexed commits),
// reading each from store, and records them. Adding an already-fully-
// indexed head is a no-op; adding a head whose ancestry is already partly
// present only walks the unindexed suffix, matching spec.md §4.7's "adding
// a head adds at most one segment file; no-op imports add none" intent at
// the level of work performed, even though this implementation has no
// segment-file format to economize on.
func (ix *Index) Add(ctx context.Context, store interface {
	ReadCommit(ctx context.Context, id objhash.CommitId) (*backend.Commit, error)
}, id objhash.CommitId) error {
	if id == nil || ix.HasId(id) {
		return nil
	}
	stack := []objhash.CommitId{id}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if ix.HasId(cur) {
			continue
		}
		c, err := store.ReadCommit(ctx, cur)
		if err != nil {
			return err
		}
		ix.insert(cur, c)
		for _, p := range c.Parents {
			if !ix.HasId(p) {
				stack = append(stack, p)
			}
		}
	}
	return nil
}

func (ix *Index) insert(id objhash.CommitId, c *backend.Commit) {
	h := id.Hex()
	ix.entries[h] = &entry{id: id, changeID: c.ChangeId, parents: c.Parents}
	ch := c.ChangeId.Hex()
	ix.byChangeID[ch] = append(ix.byChangeID[ch], h)
	for _, p := range c.Parents {
		ph := p.Hex()
		ix.descendants[ph] = append(ix.descendants[ph], h)
	}
}

// HasId reports whether id is indexed.
func (ix *Index) HasId(id objhash.CommitId) bool {
	if id == nil {
		return false
	}
	_, ok := ix.entries[id.Hex()]
	return ok
}

// IsReachable implements backend.ReachabilityIndex: id is reachable iff it
// is indexed at all (the index is only ever populated by walking from live
// heads, so presence means reachability).
func (ix *Index) IsReachable(id objhash.CommitId) bool { return ix.HasId(id) }

// ResolveChangeId returns every indexed CommitId sharing changeID, in
// insertion order. More than one result means the change has diverged.
func (ix *Index) ResolveChangeId(changeID objhash.ChangeId) []objhash.CommitId {
	hexes := ix.byChangeID[changeID.Hex()]
	if len(hexes) == 0 {
		return nil
	}
	out := make([]objhash.CommitId, len(hexes))
	for i, h := range hexes {
		out[i] = ix.entries[h].id
	}
	return out
}

// Parents returns the indexed parents of id.
func (ix *Index) Parents(id objhash.CommitId) []objhash.CommitId {
	e, ok := ix.entries[id.Hex()]
	if !ok {
		return nil
	}
	return e.parents
}

// IsAncestor reports whether a is an ancestor of (or equal to) b.
func (ix *Index) IsAncestor(a, b objhash.CommitId) bool {
	if a.Equal(b) {
		return true
	}
	visited := map[string]bool{}
	stack := []objhash.CommitId{b}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		h := cur.Hex()
		if visited[h] {
			continue
		}
		visited[h] = true
		for _, p := range ix.Parents(cur) {
			if p.Equal(a) {
				return true
			}
			stack = append(stack, p)
		}
	}
	return false
}

// ancestorSet returns the hex ids of ids and all their ancestors.
func (ix *Index) ancestorSet(ids []objhash.CommitId) map[string]bool {
	set := map[string]bool{}
	stack := append([]objhash.CommitId(nil), ids...)
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		h := cur.Hex()
		if set[h] {
			continue
		}
		set[h] = true
		stack = append(stack, ix.Parents(cur)...)
	}
	return set
}

// CommonAncestors returns the heads of the intersection of a's and b's
// ancestor sets (including a and b themselves).
func (ix *Index) CommonAncestors(a, b []objhash.CommitId) []objhash.CommitId {
	setA := ix.ancestorSet(a)
	setB := ix.ancestorSet(b)
	var common []objhash.CommitId
	for h := range setA {
		if setB[h] {
			common = append(common, ix.entries[h].id)
		}
	}
	return ix.Heads(common)
}

// Descendants returns every indexed commit reachable by following child
// links forward from roots (inclusive), in no particular order beyond
// being a valid topological order starting from roots.
func (ix *Index) Descendants(roots []objhash.CommitId) []objhash.CommitId {
	visited := map[string]bool{}
	var post []objhash.CommitId
	var visit func(id objhash.CommitId)
	visit = func(id objhash.CommitId) {
		h := id.Hex()
		if visited[h] {
			return
		}
		visited[h] = true
		for _, childHex := range ix.descendants[h] {
			visit(ix.entries[childHex].id)
		}
		post = append(post, id)
	}
	for _, r := range roots {
		visit(r)
	}
	// Reversed DFS postorder puts every commit after all of its visited
	// parents, also for merge commits reached through several parents.
	order := make([]objhash.CommitId, len(post))
	for i, id := range post {
		order[len(post)-1-i] = id
	}
	return order
}

// Range returns every commit that is both a descendant of some id in roots
// and an ancestor of some id in heads (a DAG range), per spec.md §4.7.
func (ix *Index) Range(roots, heads []objhash.CommitId) []objhash.CommitId {
	fromRoots := map[string]bool{}
	for _, id := range ix.Descendants(roots) {
		fromRoots[id.Hex()] = true
	}
	toHeads := ix.ancestorSet(heads)
	var out []objhash.CommitId
	for h := range fromRoots {
		if toHeads[h] {
			out = append(out, ix.entries[h].id)
		}
	}
	return out
}

// Heads returns the subset of ids that are not an ancestor of any other id
// in the set.
func (ix *Index) Heads(ids []objhash.CommitId) []objhash.CommitId {
	set := map[string]objhash.CommitId{}
	for _, id := range ids {
		set[id.Hex()] = id
	}
	var out []objhash.CommitId
	for h, id := range set {
		isAncestorOfOther := false
		for h2, id2 := range set {
			if h2 == h {
				continue
			}
			if ix.IsAncestor(id, id2) {
				isAncestorOfOther = true
				break
			}
		}
		if !isAncestorOfOther {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Hex() < out[j].Hex() })
	return out
}

// ShortestUniquePrefixKind selects which id namespace a prefix lookup
// disambiguates within.
type ShortestUniquePrefixKind int

const (
	// PrefixCommit disambiguates among indexed CommitIds.
	PrefixCommit ShortestUniquePrefixKind = iota
	// PrefixChange disambiguates among indexed ChangeIds.
	PrefixChange
)

// ShortestUniquePrefix returns the shortest hex prefix of full that no
// other candidate (from the short-prefixes revset, or the whole index if
// candidates is nil) shares; its length is the minimum number of hex
// characters (nibbles) needed. If no prefix is unique, full is returned.
func (ix *Index) ShortestUniquePrefix(kind ShortestUniquePrefixKind, full string, candidates []string) string {
	others := candidates
	if others == nil {
		others = ix.allHex(kind)
	}
	for n := 1; n <= len(full); n++ {
		prefix := full[:n]
		unique := true
		for _, o := range others {
			if o == full {
				continue
			}
			if len(o) >= n && o[:n] == prefix {
				unique = false
				break
			}
		}
		if unique {
			return prefix
		}
	}
	return full
}

func (ix *Index) allHex(kind ShortestUniquePrefixKind) []string {
	var out []string
	switch kind {
	case PrefixCommit:
		for h := range ix.entries {
			out = append(out, h)
		}
	case PrefixChange:
		for h := range ix.byChangeID {
			out = append(out, h)
		}
	}
	return out
}
