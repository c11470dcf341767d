// Package memory implements an in-memory reference Backend, modeled on the
// engine's own test backend: strict about path-scoping (it never shares
// objects written to different paths, so bugs that assume otherwise show up
// in tests), and otherwise a straightforward content-addressed map store.
// It is used by every other package's tests and as a Testable Properties
// fixture (spec.md §8).
package memory

import (
	"bytes"
	"context"
	"encoding/hex"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/joliss/jj/internal/backend"
	"github.com/joliss/jj/internal/objhash"
)

const (
	hashLength   = 10
	changeIDLength = 16
)

type fileKey struct {
	path string
	id   string
}

type treeKey struct {
	path string
	id   string
}

// Backend is the in-memory Store Backend Contract implementation.
type Backend struct {
	mu sync.Mutex

	rootCommitID objhash.CommitId
	rootChangeID objhash.ChangeId
	emptyTreeID  objhash.TreeId

	commits  map[string]*backend.Commit
	trees    map[treeKey]*backend.Tree
	files    map[fileKey][]byte
	symlinks map[fileKey]string
	conflicts map[fileKey]*backend.Conflict
	copies   map[string]*backend.CopyHistory
}

// New returns an empty in-memory backend.
func New() *Backend {
	b := &Backend{
		rootCommitID: objhash.CommitId(make([]byte, hashLength)),
		rootChangeID: objhash.ChangeId(make([]byte, changeIDLength)),
		commits:      map[string]*backend.Commit{},
		trees:        map[treeKey]*backend.Tree{},
		files:        map[fileKey][]byte{},
		symlinks:     map[fileKey]string{},
		conflicts:    map[fileKey]*backend.Conflict{},
		copies:       map[string]*backend.CopyHistory{},
	}
	b.emptyTreeID = backend.HashTree(backend.NewTree(), hashLength)
	return b
}

func (b *Backend) Name() string { return "memory" }

func (b *Backend) CommitIdLength() int { return hashLength }
func (b *Backend) ChangeIdLength() int { return changeIDLength }

func (b *Backend) RootCommitId() objhash.CommitId { return b.rootCommitID }
func (b *Backend) RootChangeId() objhash.ChangeId { return b.rootChangeID }
func (b *Backend) EmptyTreeId() objhash.TreeId     { return b.emptyTreeID }

// Concurrency returns a generous hint so tests exercise the fan-out paths.
func (b *Backend) Concurrency() int { return 10 }

func (b *Backend) ReadFile(_ context.Context, path string, id objhash.FileId) (backend.ReadStream, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	content, ok := b.files[fileKey{path, id.Hex()}]
	if !ok {
		return nil, &backend.ObjectNotFound{ObjectType: backend.ObjectTypeFile, Hash: id.Hex()}
	}
	return io.NopCloser(bytes.NewReader(content)), nil
}

func (b *Backend) WriteFile(_ context.Context, path string, r io.Reader) (objhash.FileId, error) {
	content, err := io.ReadAll(r)
	if err != nil {
		return nil, &backend.WriteObject{ObjectType: backend.ObjectTypeFile, Source: err}
	}
	id := objhash.FileId(objhash.HashAll(content))[:hashLength]
	b.mu.Lock()
	b.files[fileKey{path, objhash.ID(id).Hex()}] = content
	b.mu.Unlock()
	return id, nil
}

func (b *Backend) ReadSymlink(_ context.Context, path string, id objhash.SymlinkId) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	target, ok := b.symlinks[fileKey{path, id.Hex()}]
	if !ok {
		return "", &backend.ObjectNotFound{ObjectType: backend.ObjectTypeSymlink, Hash: id.Hex()}
	}
	return target, nil
}

func (b *Backend) WriteSymlink(_ context.Context, path string, target string) (objhash.SymlinkId, error) {
	id := objhash.SymlinkId(objhash.HashAll([]byte(target)))[:hashLength]
	b.mu.Lock()
	b.symlinks[fileKey{path, objhash.ID(id).Hex()}] = target
	b.mu.Unlock()
	return id, nil
}

func (b *Backend) ReadTree(_ context.Context, path string, id objhash.TreeId) (*backend.Tree, error) {
	if id.Equal(b.emptyTreeID) {
		return backend.NewTree(), nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.trees[treeKey{path, id.Hex()}]
	if !ok {
		return nil, &backend.ObjectNotFound{ObjectType: backend.ObjectTypeTree, Hash: id.Hex()}
	}
	return t.Clone(), nil
}

func (b *Backend) WriteTree(_ context.Context, path string, t *backend.Tree) (objhash.TreeId, error) {
	id := backend.HashTree(t, hashLength)
	if id.Equal(b.emptyTreeID) {
		return id, nil
	}
	b.mu.Lock()
	b.trees[treeKey{path, id.Hex()}] = t.Clone()
	b.mu.Unlock()
	return id, nil
}

func (b *Backend) ReadConflict(_ context.Context, path string, id objhash.ConflictId) (*backend.Conflict, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.conflicts[fileKey{path, id.Hex()}]
	if !ok {
		return nil, &backend.ObjectNotFound{ObjectType: backend.ObjectTypeConflict, Hash: id.Hex()}
	}
	return c, nil
}

func (b *Backend) WriteConflict(_ context.Context, path string, c *backend.Conflict) (objhash.ConflictId, error) {
	id := objhash.ConflictId(objhash.HashAll(conflictBytes(c)))[:hashLength]
	b.mu.Lock()
	b.conflicts[fileKey{path, objhash.ID(id).Hex()}] = c
	b.mu.Unlock()
	return id, nil
}

func conflictBytes(c *backend.Conflict) []byte {
	var out []byte
	for _, term := range c.Merge.Values() {
		if term == nil {
			out = append(out, 0)
			continue
		}
		out = append(out, 1)
		switch term.Kind {
		case backend.TreeValueFile:
			out = append(out, []byte(term.FileId)...)
		case backend.TreeValueSymlink:
			out = append(out, []byte(term.SymlinkId)...)
		case backend.TreeValueTree:
			out = append(out, []byte(term.TreeId)...)
		case backend.TreeValueGitSubmodule:
			out = append(out, []byte(term.SubmoduleCommitId)...)
		case backend.TreeValueConflict:
			out = append(out, []byte(term.ConflictId)...)
		}
	}
	return out
}

func (b *Backend) ReadCopy(_ context.Context, id objhash.CopyId) (*backend.CopyHistory, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.copies[id.Hex()]
	if !ok {
		return nil, &backend.ObjectNotFound{ObjectType: backend.ObjectTypeCopy, Hash: id.Hex()}
	}
	return c, nil
}

func (b *Backend) WriteCopy(_ context.Context, c *backend.CopyHistory) (objhash.CopyId, error) {
	var parts [][]byte
	parts = append(parts, []byte(c.FileId), []byte(c.Path))
	for _, p := range c.Parents {
		parts = append(parts, []byte(p))
	}
	id := objhash.CopyId(objhash.HashAll(parts...))[:hashLength]
	b.mu.Lock()
	b.copies[objhash.ID(id).Hex()] = c
	b.mu.Unlock()
	return id, nil
}

func (b *Backend) ReadCommit(_ context.Context, id objhash.CommitId) (*backend.Commit, error) {
	if id.Equal(b.rootCommitID) {
		return &backend.Commit{RootTree: b.emptyTreeID, ChangeId: b.rootChangeID}, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.commits[id.Hex()]
	if !ok {
		return nil, &backend.ObjectNotFound{ObjectType: backend.ObjectTypeCommit, Hash: id.Hex()}
	}
	cp := *c
	return &cp, nil
}

func (b *Backend) WriteCommit(_ context.Context, c *backend.Commit, sign backend.SignFunc) (objhash.CommitId, *backend.Commit, error) {
	cp := *c
	if sign != nil {
		sig, err := sign(objhash.HashAll(backend.CanonicalCommitParts(&cp)...))
		if err != nil {
			return nil, nil, &backend.WriteObject{ObjectType: backend.ObjectTypeCommit, Source: err}
		}
		cp.CryptoSig = sig
	}
	id := backend.HashCommit(&cp, hashLength)

	b.mu.Lock()
	defer b.mu.Unlock()
	if existing, ok := b.commits[id.Hex()]; ok {
		if !commitsEqual(existing, &cp) {
			return nil, nil, &backend.Other{Message: "commit id collision with different content"}
		}
	}
	stored := cp
	b.commits[id.Hex()] = &stored
	return id, &cp, nil
}

func commitsEqual(a, b *backend.Commit) bool {
	if len(a.Parents) != len(b.Parents) {
		return false
	}
	for i := range a.Parents {
		if !a.Parents[i].Equal(b.Parents[i]) {
			return false
		}
	}
	return a.RootTree.Equal(b.RootTree) &&
		a.ChangeId.Equal(b.ChangeId) &&
		a.Author == b.Author &&
		a.Committer == b.Committer &&
		a.Description == b.Description
}

func (b *Backend) GetCopyRecords(_ context.Context, paths []string, _, _ objhash.CommitId) (backend.CopyRecordIterator, error) {
	// The reference backend does not track copy records derived from
	// commit history; it returns an always-empty iterator. A real backend
	// (e.g. the foreign-repo adapter) computes these from rename detection.
	_ = paths
	return &emptyCopyIterator{}, nil
}

type emptyCopyIterator struct{}

func (*emptyCopyIterator) Next() (backend.CopyRecord, bool) { return backend.CopyRecord{}, false }
func (*emptyCopyIterator) Err() error                       { return nil }
func (*emptyCopyIterator) Close() error                     { return nil }

func (b *Backend) GC(_ context.Context, index backend.ReachabilityIndex, _ time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	var toDelete []string
	for hex := range b.commits {
		id, err := decodeHex(hex)
		if err != nil {
			continue
		}
		if !index.IsReachable(id) {
			toDelete = append(toDelete, hex)
		}
	}
	sort.Strings(toDelete)
	for _, hex := range toDelete {
		delete(b.commits, hex)
	}
	return nil
}

func decodeHex(s string) (objhash.CommitId, error) {
	b, err := hex.DecodeString(s)
	return objhash.CommitId(b), err
}
