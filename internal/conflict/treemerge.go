// Package conflict implements the Conflict Resolver: recursive three-way
// tree merge, plus the file-content auto-merge that lets a conflicted file
// resolve cleanly without ever becoming a persisted Conflict (spec.md §4.4).
package conflict

import (
	"bytes"
	"context"
	"io"

	"golang.org/x/sync/errgroup"

	"github.com/joliss/jj/internal/backend"
	"github.com/joliss/jj/internal/merge"
	"github.com/joliss/jj/internal/objhash"
)

// Store is the slice of the Store Backend Contract the resolver needs,
// scoped to a single path so recursive calls can't accidentally cross
// subtree boundaries.
type Store interface {
	ReadTree(ctx context.Context, path string, id objhash.TreeId) (*backend.Tree, error)
	WriteTree(ctx context.Context, path string, t *backend.Tree) (objhash.TreeId, error)
	ReadConflict(ctx context.Context, path string, id objhash.ConflictId) (*backend.Conflict, error)
	WriteConflict(ctx context.Context, path string, c *backend.Conflict) (objhash.ConflictId, error)
	ReadFile(ctx context.Context, path string, id objhash.FileId) (backend.ReadStream, error)
	EmptyTreeId() objhash.TreeId
	Concurrency() int
}

// MergeTrees performs the recursive three-way merge of side1/base/side2,
// all three rooted at dir, and returns the TreeId of the merged result.
// This is the tree-level half of spec.md §4.4's "merge(side1, base,
// side2)"; linemerge.go's line-wise helper only gets invoked for conflicted
// file entries that pass the resolvability checks in resolveFileConflict.
func MergeTrees(ctx context.Context, store Store, dir string, side1, base, side2 *backend.Tree) (objhash.TreeId, error) {
	if resolved, ok := trivialMergeTrees(store, side1, base, side2); ok {
		return store.WriteTree(ctx, dir, resolved)
	}

	// Start from side1 and only visit basenames where base and side2
	// actually differ from each other.
	newTree := side1.Clone()
	for _, basename := range unionNames(base, side2) {
		maybeBase := base.Value(basename)
		maybeSide2 := side2.Value(basename)
		if backend.OptionalEqual(maybeBase, maybeSide2) {
			continue
		}
		maybeSide1 := side1.Value(basename)
		switch {
		case backend.OptionalEqual(maybeSide1, maybeBase):
			// side1 is unchanged from base: take side2's value.
			if err := newTree.SetOrRemove(basename, maybeSide2); err != nil {
				return nil, err
			}
		case backend.OptionalEqual(maybeSide1, maybeSide2):
			// Both sides changed identically: newTree already has it.
		default:
			newValue, err := mergeTreeValue(ctx, store, dir, basename, maybeBase, maybeSide1, maybeSide2)
			if err != nil {
				return nil, err
			}
			if err := newTree.SetOrRemove(basename, newValue); err != nil {
				return nil, err
			}
		}
	}
	return store.WriteTree(ctx, dir, newTree)
}

// trivialMergeTrees resolves the whole-tree merge without recursing when
// one side is identical to base or the two sides are identical to each
// other.
func trivialMergeTrees(store Store, side1, base, side2 *backend.Tree) (*backend.Tree, bool) {
	sameEntries := func(a, b *backend.Tree) bool {
		if a.Len() != b.Len() {
			return false
		}
		for _, name := range a.Names() {
			if !backend.OptionalEqual(a.Value(name), b.Value(name)) {
				return false
			}
		}
		return true
	}
	switch {
	case sameEntries(base, side2):
		return side1, true
	case sameEntries(base, side1):
		return side2, true
	case sameEntries(side1, side2):
		return side1, true
	}
	return nil, false
}

func unionNames(a, b *backend.Tree) []string {
	seen := map[string]bool{}
	var out []string
	for _, n := range a.Names() {
		if !seen[n] {
			seen[n] = true
			out = append(out, n)
		}
	}
	for _, n := range b.Names() {
		if !seen[n] {
			seen[n] = true
			out = append(out, n)
		}
	}
	return out
}

// maybeTreeId returns the subtree id for value, treating a missing entry
// as the empty tree; it returns ok=false if value is present but not a
// Tree (a file/symlink/submodule/conflict at this basename).
func maybeTreeId(value backend.OptionalTreeValue, emptyTreeID objhash.TreeId) (objhash.TreeId, bool) {
	if value == nil {
		return emptyTreeID, true
	}
	if value.Kind == backend.TreeValueTree {
		return value.TreeId, true
	}
	return nil, false
}

// mergeTreeValue resolves the non-trivial three-way conflict at a single
// basename: recurse if all three sides are trees (or missing, treated as
// empty), otherwise build a Merge of the raw values, expand any persisted
// Conflict terms, flatten and simplify, and either accept the trivial
// resolution, try the file-content auto-merge, or persist a new Conflict.
func mergeTreeValue(ctx context.Context, store Store, dir, basename string, maybeBase, maybeSide1, maybeSide2 backend.OptionalTreeValue) (backend.OptionalTreeValue, error) {
	emptyTreeID := store.EmptyTreeId()
	baseTreeID, baseIsTree := maybeTreeId(maybeBase, emptyTreeID)
	side1TreeID, side1IsTree := maybeTreeId(maybeSide1, emptyTreeID)
	side2TreeID, side2IsTree := maybeTreeId(maybeSide2, emptyTreeID)

	if baseIsTree && side1IsTree && side2IsTree {
		subdir := joinPath(dir, basename)
		var baseTree, side1Tree, side2Tree *backend.Tree
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(max(1, store.Concurrency()))
		g.Go(func() (err error) {
			baseTree, err = store.ReadTree(gctx, subdir, baseTreeID)
			return err
		})
		g.Go(func() (err error) {
			side1Tree, err = store.ReadTree(gctx, subdir, side1TreeID)
			return err
		})
		g.Go(func() (err error) {
			side2Tree, err = store.ReadTree(gctx, subdir, side2TreeID)
			return err
		})
		if err := g.Wait(); err != nil {
			return nil, err
		}
		mergedID, err := MergeTrees(ctx, store, subdir, side1Tree, baseTree, side2Tree)
		if err != nil {
			return nil, err
		}
		if mergedID.Equal(emptyTreeID) {
			return nil, nil
		}
		v := backend.NewTreeValue(mergedID)
		return &v, nil
	}

	filename := joinPath(dir, basename)
	conflict := merge.MustFromSlice([]backend.OptionalTreeValue{maybeSide1, maybeBase, maybeSide2})
	expanded, err := merge.TryMap(conflict, func(term backend.OptionalTreeValue) (merge.Merge[backend.OptionalTreeValue], error) {
		if term != nil && term.Kind == backend.TreeValueConflict {
			stored, err := store.ReadConflict(ctx, filename, term.ConflictId)
			if err != nil {
				return merge.Merge[backend.OptionalTreeValue]{}, err
			}
			return stored.Merge, nil
		}
		return merge.Resolved(term), nil
	})
	if err != nil {
		return nil, err
	}
	simplified := merge.Simplify(expanded)
	if resolved, err := simplified.IntoResolved(); err == nil {
		return resolved, nil
	}

	if value, ok, err := resolveFileConflict(ctx, store, filename, simplified); err != nil {
		return nil, err
	} else if ok {
		return value, nil
	}

	conflictID, err := store.WriteConflict(ctx, filename, &backend.Conflict{Merge: simplified})
	if err != nil {
		return nil, err
	}
	v := backend.NewConflictValue(conflictID)
	return &v, nil
}

// resolveFileConflict tries to auto-merge a simplified conflict of
// OptionalTreeValues as file content. It returns ok=false (not an error)
// whenever the conflict contains a non-file term, a missing term, or
// terms whose executable bit or copy id don't trivially resolve — per
// original_source/lib/src/tree.rs, those checks run before any file
// content is read so a doomed merge never pays for I/O.
func resolveFileConflict(ctx context.Context, store Store, filename string, c merge.Merge[backend.OptionalTreeValue]) (backend.OptionalTreeValue, bool, error) {
	fileIDs, ok := merge.MaybeMap(c, func(v backend.OptionalTreeValue) (objhash.FileId, bool) {
		if v == nil || v.Kind != backend.TreeValueFile {
			return nil, false
		}
		return v.FileId, true
	})
	if !ok {
		return nil, false, nil
	}
	executables, ok := merge.MaybeMap(c, func(v backend.OptionalTreeValue) (bool, bool) {
		if v == nil {
			return false, false
		}
		return v.Executable, true
	})
	if !ok {
		return nil, false, nil
	}
	copyIDs, ok := merge.MaybeMap(c, func(v backend.OptionalTreeValue) (objhash.CopyId, bool) {
		if v == nil {
			return nil, false
		}
		return v.CopyId, true
	})
	if !ok {
		return nil, false, nil
	}
	executable, ok := executables.ResolveTrivialFunc(func(a, b bool) bool { return a == b })
	if !ok {
		return nil, false, nil
	}
	copyID, ok := copyIDs.ResolveTrivialFunc(func(a, b objhash.CopyId) bool { return a.Equal(b) })
	if !ok {
		return nil, false, nil
	}

	if resolvedID, ok := fileIDs.ResolveTrivialFunc(func(a, b objhash.FileId) bool { return a.Equal(b) }); ok {
		v := backend.NewFileValue(resolvedID, executable, copyID)
		return &v, true, nil
	}

	// Simplify further: terms that only differed in executable bit or
	// copy id may now cancel as file ids.
	simplifiedIDs := fileIDs.SimplifyFunc(func(a, b objhash.FileId) bool { return a.Equal(b) })
	if resolvedID, err := simplifiedIDs.IntoResolved(); err == nil {
		v := backend.NewFileValue(resolvedID, executable, copyID)
		return &v, true, nil
	}

	contents := make([]objhash.FileId, simplifiedIDs.Len())
	copy(contents, simplifiedIDs.Values())
	byteContents := make([][]byte, len(contents))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(1, store.Concurrency()))
	for i, id := range contents {
		i, id := i, id
		g.Go(func() error {
			r, err := store.ReadFile(gctx, filename, id)
			if err != nil {
				return err
			}
			defer r.Close()
			data, err := io.ReadAll(r)
			if err != nil {
				return err
			}
			byteContents[i] = data
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, false, err
	}

	result := MergeLinesN(byteContents)
	if !result.Resolved {
		return nil, false, nil
	}
	id, err := writeMergedFile(ctx, store, filename, result.Content)
	if err != nil {
		return nil, false, err
	}
	v := backend.NewFileValue(id, executable, copyID)
	return &v, true, nil
}

// fileWriter is the narrow write surface resolveFileConflict needs to
// persist a freshly merged file; Store doesn't expose WriteFile directly
// because most callers never need it, so resolveFileConflict asserts it
// at the point of use.
type fileWriter interface {
	WriteFile(ctx context.Context, path string, r io.Reader) (objhash.FileId, error)
}

func writeMergedFile(ctx context.Context, store Store, filename string, content []byte) (objhash.FileId, error) {
	w, ok := store.(fileWriter)
	if !ok {
		return nil, &backend.Other{Message: "store does not support WriteFile"}
	}
	return w.WriteFile(ctx, filename, bytes.NewReader(content))
}

func joinPath(dir, basename string) string {
	if dir == "" {
		return basename
	}
	return dir + "/" + basename
}
