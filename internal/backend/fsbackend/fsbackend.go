// Package fsbackend implements the Store Backend Contract on top of a
// plain filesystem (spec.md §6 "A store/ directory whose internal layout
// is backend-defined"), using github.com/spf13/afero so the exact same
// code path runs against a real OS filesystem in production and an
// in-memory one in tests.
package fsbackend

import (
	"bytes"
	"context"
	"encoding/hex"
	"io"
	"path"
	"sort"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"github.com/joliss/jj/internal/backend"
	"github.com/joliss/jj/internal/objhash"
)

const (
	hashLength     = 20
	changeIDLength = 16
)

// Backend is the filesystem Store Backend Contract implementation,
// rooted at a store/ directory: store/files, store/symlinks, store/trees,
// store/conflicts, store/copies, store/commits, one flat content-addressed
// directory per entity kind.
type Backend struct {
	fs   afero.Fs
	root string

	rootCommitID objhash.CommitId
	rootChangeID objhash.ChangeId
	emptyTreeID  objhash.TreeId
}

// New opens (creating if needed) a filesystem backend rooted at root on fs.
func New(fs afero.Fs, root string) (*Backend, error) {
	for _, dir := range []string{"files", "symlinks", "trees", "conflicts", "copies", "commits"} {
		if err := fs.MkdirAll(path.Join(root, dir), 0o755); err != nil {
			return nil, err
		}
	}
	b := &Backend{
		fs:           fs,
		root:         root,
		rootCommitID: objhash.CommitId(make([]byte, hashLength)),
		rootChangeID: objhash.ChangeId(make([]byte, changeIDLength)),
	}
	b.emptyTreeID = backend.HashTree(backend.NewTree(), hashLength)
	return b, nil
}

func (b *Backend) Name() string { return "fs" }

func (b *Backend) CommitIdLength() int { return hashLength }
func (b *Backend) ChangeIdLength() int { return changeIDLength }

func (b *Backend) RootCommitId() objhash.CommitId { return b.rootCommitID }
func (b *Backend) RootChangeId() objhash.ChangeId { return b.rootChangeID }
func (b *Backend) EmptyTreeId() objhash.TreeId     { return b.emptyTreeID }

// Concurrency is conservative: filesystem I/O contends on the same
// directories, so only a modest fan-out is advertised.
func (b *Backend) Concurrency() int { return 4 }

func (b *Backend) entryPath(kind, hex string) string { return path.Join(b.root, kind, hex) }

func (b *Backend) readEntry(kind, hex string) ([]byte, error) {
	return afero.ReadFile(b.fs, b.entryPath(kind, hex))
}

func (b *Backend) writeEntry(kind, hex string, data []byte) error {
	p := b.entryPath(kind, hex)
	if exists, _ := afero.Exists(b.fs, p); exists {
		return nil
	}
	return afero.WriteFile(b.fs, p, data, 0o644)
}

func (b *Backend) ReadFile(_ context.Context, _ string, id objhash.FileId) (backend.ReadStream, error) {
	data, err := b.readEntry("files", id.Hex())
	if err != nil {
		return nil, &backend.ObjectNotFound{ObjectType: backend.ObjectTypeFile, Hash: id.Hex(), Source: err}
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (b *Backend) WriteFile(_ context.Context, _ string, r io.Reader) (objhash.FileId, error) {
	content, err := io.ReadAll(r)
	if err != nil {
		return nil, &backend.WriteObject{ObjectType: backend.ObjectTypeFile, Source: errors.WithStack(err)}
	}
	id := objhash.FileId(objhash.HashAll(content))[:hashLength]
	if err := b.writeEntry("files", objhash.ID(id).Hex(), content); err != nil {
		return nil, &backend.WriteObject{ObjectType: backend.ObjectTypeFile, Source: errors.WithStack(err)}
	}
	return id, nil
}

func (b *Backend) ReadSymlink(_ context.Context, _ string, id objhash.SymlinkId) (string, error) {
	data, err := b.readEntry("symlinks", id.Hex())
	if err != nil {
		return "", &backend.ObjectNotFound{ObjectType: backend.ObjectTypeSymlink, Hash: id.Hex(), Source: err}
	}
	return string(data), nil
}

func (b *Backend) WriteSymlink(_ context.Context, _ string, target string) (objhash.SymlinkId, error) {
	id := objhash.SymlinkId(objhash.HashAll([]byte(target)))[:hashLength]
	if err := b.writeEntry("symlinks", objhash.ID(id).Hex(), []byte(target)); err != nil {
		return nil, &backend.WriteObject{ObjectType: backend.ObjectTypeSymlink, Source: errors.WithStack(err)}
	}
	return id, nil
}

// treeYAML is the on-disk serialization of a Tree: entries in stable
// basename order so the bytes (and therefore nothing, since the id is
// computed from HashTree, not these bytes) stay deterministic for diffing.
type treeYAML struct {
	Entries []treeEntryYAML `yaml:"entries"`
}

type treeEntryYAML struct {
	Name       string `yaml:"name"`
	Kind       int    `yaml:"kind"`
	FileId     string `yaml:"file_id,omitempty"`
	Executable bool   `yaml:"executable,omitempty"`
	CopyId     string `yaml:"copy_id,omitempty"`
	SymlinkId  string `yaml:"symlink_id,omitempty"`
	TreeId     string `yaml:"tree_id,omitempty"`
	SubmoduleCommitId string `yaml:"submodule_commit_id,omitempty"`
	ConflictId string `yaml:"conflict_id,omitempty"`
}

func (b *Backend) ReadTree(_ context.Context, _ string, id objhash.TreeId) (*backend.Tree, error) {
	if id.Equal(b.emptyTreeID) {
		return backend.NewTree(), nil
	}
	data, err := b.readEntry("trees", id.Hex())
	if err != nil {
		return nil, &backend.ObjectNotFound{ObjectType: backend.ObjectTypeTree, Hash: id.Hex(), Source: err}
	}
	var y treeYAML
	if err := yaml.Unmarshal(data, &y); err != nil {
		return nil, &backend.ObjectNotFound{ObjectType: backend.ObjectTypeTree, Hash: id.Hex(), Source: backend.ErrObjectCorrupted}
	}
	t := backend.NewTree()
	for _, e := range y.Entries {
		v := backend.TreeValue{Kind: backend.TreeValueKind(e.Kind), Executable: e.Executable}
		if e.FileId != "" {
			v.FileId = mustUnhex(e.FileId)
		}
		if e.CopyId != "" {
			v.CopyId = objhash.CopyId(mustUnhex(e.CopyId))
		}
		if e.SymlinkId != "" {
			v.SymlinkId = objhash.SymlinkId(mustUnhex(e.SymlinkId))
		}
		if e.TreeId != "" {
			v.TreeId = objhash.TreeId(mustUnhex(e.TreeId))
		}
		if e.SubmoduleCommitId != "" {
			v.SubmoduleCommitId = objhash.CommitId(mustUnhex(e.SubmoduleCommitId))
		}
		if e.ConflictId != "" {
			v.ConflictId = objhash.ConflictId(mustUnhex(e.ConflictId))
		}
		if err := t.Set(e.Name, v); err != nil {
			return nil, err
		}
	}
	return t, nil
}

func (b *Backend) WriteTree(_ context.Context, _ string, t *backend.Tree) (objhash.TreeId, error) {
	id := backend.HashTree(t, hashLength)
	if id.Equal(b.emptyTreeID) {
		return id, nil
	}
	var y treeYAML
	for _, name := range t.Names() {
		v := *t.Value(name)
		e := treeEntryYAML{Name: name, Kind: int(v.Kind), Executable: v.Executable}
		switch v.Kind {
		case backend.TreeValueFile:
			e.FileId = objhash.ID(v.FileId).Hex()
			e.CopyId = objhash.ID(v.CopyId).Hex()
		case backend.TreeValueSymlink:
			e.SymlinkId = objhash.ID(v.SymlinkId).Hex()
		case backend.TreeValueTree:
			e.TreeId = objhash.ID(v.TreeId).Hex()
		case backend.TreeValueGitSubmodule:
			e.SubmoduleCommitId = objhash.ID(v.SubmoduleCommitId).Hex()
		case backend.TreeValueConflict:
			e.ConflictId = objhash.ID(v.ConflictId).Hex()
		}
		y.Entries = append(y.Entries, e)
	}
	data, err := yaml.Marshal(y)
	if err != nil {
		return nil, &backend.WriteObject{ObjectType: backend.ObjectTypeTree, Source: errors.WithStack(err)}
	}
	if err := b.writeEntry("trees", id.Hex(), data); err != nil {
		return nil, &backend.WriteObject{ObjectType: backend.ObjectTypeTree, Source: errors.WithStack(err)}
	}
	return id, nil
}

func (b *Backend) ReadConflict(_ context.Context, _ string, id objhash.ConflictId) (*backend.Conflict, error) {
	data, err := b.readEntry("conflicts", id.Hex())
	if err != nil {
		return nil, &backend.ObjectNotFound{ObjectType: backend.ObjectTypeConflict, Hash: id.Hex(), Source: err}
	}
	return decodeConflict(data)
}

func (b *Backend) WriteConflict(_ context.Context, _ string, c *backend.Conflict) (objhash.ConflictId, error) {
	data := encodeConflict(c)
	id := objhash.ConflictId(objhash.HashAll(data))[:hashLength]
	if err := b.writeEntry("conflicts", objhash.ID(id).Hex(), data); err != nil {
		return nil, &backend.WriteObject{ObjectType: backend.ObjectTypeConflict, Source: errors.WithStack(err)}
	}
	return id, nil
}

func (b *Backend) ReadCopy(_ context.Context, id objhash.CopyId) (*backend.CopyHistory, error) {
	data, err := b.readEntry("copies", id.Hex())
	if err != nil {
		return nil, &backend.ObjectNotFound{ObjectType: backend.ObjectTypeCopy, Hash: id.Hex(), Source: err}
	}
	var y copyYAML
	if err := yaml.Unmarshal(data, &y); err != nil {
		return nil, &backend.ObjectNotFound{ObjectType: backend.ObjectTypeCopy, Hash: id.Hex(), Source: backend.ErrObjectCorrupted}
	}
	h := &backend.CopyHistory{FileId: mustUnhex(y.FileId), Path: y.Path}
	for _, p := range y.Parents {
		h.Parents = append(h.Parents, objhash.CopyId(mustUnhex(p)))
	}
	return h, nil
}

type copyYAML struct {
	FileId  string   `yaml:"file_id"`
	Path    string   `yaml:"path"`
	Parents []string `yaml:"parents,omitempty"`
}

func (b *Backend) WriteCopy(_ context.Context, c *backend.CopyHistory) (objhash.CopyId, error) {
	y := copyYAML{FileId: objhash.ID(c.FileId).Hex(), Path: c.Path}
	for _, p := range c.Parents {
		y.Parents = append(y.Parents, objhash.ID(p).Hex())
	}
	data, err := yaml.Marshal(y)
	if err != nil {
		return nil, &backend.WriteObject{ObjectType: backend.ObjectTypeCopy, Source: errors.WithStack(err)}
	}
	var hashParts [][]byte
	hashParts = append(hashParts, []byte(c.FileId), []byte(c.Path))
	for _, p := range c.Parents {
		hashParts = append(hashParts, []byte(p))
	}
	id := objhash.CopyId(objhash.HashAll(hashParts...))[:hashLength]
	if err := b.writeEntry("copies", objhash.ID(id).Hex(), data); err != nil {
		return nil, &backend.WriteObject{ObjectType: backend.ObjectTypeCopy, Source: errors.WithStack(err)}
	}
	return id, nil
}

type commitYAML struct {
	Parents       []string          `yaml:"parents"`
	RootTree      string            `yaml:"root_tree"`
	ChangeId      string            `yaml:"change_id"`
	AuthorName    string            `yaml:"author_name"`
	AuthorEmail   string            `yaml:"author_email"`
	AuthorMillis  int64             `yaml:"author_millis"`
	AuthorTz      int32             `yaml:"author_tz"`
	CommitterName string            `yaml:"committer_name"`
	CommitterEmail string           `yaml:"committer_email"`
	CommitterMillis int64           `yaml:"committer_millis"`
	CommitterTz   int32             `yaml:"committer_tz"`
	Description   string            `yaml:"description"`
	CryptoSig     []byte            `yaml:"crypto_sig,omitempty"`
}

func toCommitYAML(c *backend.Commit) commitYAML {
	y := commitYAML{
		RootTree:        objhash.ID(c.RootTree).Hex(),
		ChangeId:        objhash.ID(c.ChangeId).Hex(),
		AuthorName:      c.Author.Name,
		AuthorEmail:     c.Author.Email,
		AuthorMillis:    c.Author.Timestamp.MillisSinceEpoch,
		AuthorTz:        c.Author.Timestamp.TzOffsetMinutes,
		CommitterName:   c.Committer.Name,
		CommitterEmail:  c.Committer.Email,
		CommitterMillis: c.Committer.Timestamp.MillisSinceEpoch,
		CommitterTz:     c.Committer.Timestamp.TzOffsetMinutes,
		Description:     c.Description,
		CryptoSig:       c.CryptoSig,
	}
	for _, p := range c.Parents {
		y.Parents = append(y.Parents, objhash.ID(p).Hex())
	}
	return y
}

func fromCommitYAML(y commitYAML) *backend.Commit {
	c := &backend.Commit{
		RootTree: objhash.TreeId(mustUnhex(y.RootTree)),
		ChangeId: objhash.ChangeId(mustUnhex(y.ChangeId)),
		Author: backend.Signature{
			Name: y.AuthorName, Email: y.AuthorEmail,
			Timestamp: backend.Timestamp{MillisSinceEpoch: y.AuthorMillis, TzOffsetMinutes: y.AuthorTz},
		},
		Committer: backend.Signature{
			Name: y.CommitterName, Email: y.CommitterEmail,
			Timestamp: backend.Timestamp{MillisSinceEpoch: y.CommitterMillis, TzOffsetMinutes: y.CommitterTz},
		},
		Description: y.Description,
		CryptoSig:   y.CryptoSig,
	}
	for _, p := range y.Parents {
		c.Parents = append(c.Parents, objhash.CommitId(mustUnhex(p)))
	}
	return c
}

func (b *Backend) ReadCommit(_ context.Context, id objhash.CommitId) (*backend.Commit, error) {
	if id.Equal(b.rootCommitID) {
		return &backend.Commit{RootTree: b.emptyTreeID, ChangeId: b.rootChangeID}, nil
	}
	data, err := b.readEntry("commits", id.Hex())
	if err != nil {
		return nil, &backend.ObjectNotFound{ObjectType: backend.ObjectTypeCommit, Hash: id.Hex(), Source: err}
	}
	var y commitYAML
	if err := yaml.Unmarshal(data, &y); err != nil {
		return nil, &backend.ObjectNotFound{ObjectType: backend.ObjectTypeCommit, Hash: id.Hex(), Source: backend.ErrObjectCorrupted}
	}
	return fromCommitYAML(y), nil
}

func (b *Backend) WriteCommit(_ context.Context, c *backend.Commit, sign backend.SignFunc) (objhash.CommitId, *backend.Commit, error) {
	cp := *c
	if sign != nil {
		sig, err := sign(objhash.HashAll(backend.CanonicalCommitParts(&cp)...))
		if err != nil {
			return nil, nil, &backend.WriteObject{ObjectType: backend.ObjectTypeCommit, Source: errors.WithStack(err)}
		}
		cp.CryptoSig = sig
	}
	id := backend.HashCommit(&cp, hashLength)

	existing, err := b.ReadCommit(context.Background(), id)
	if err == nil && !commitsEqual(existing, &cp) {
		return nil, nil, &backend.Other{Message: "commit id collision with different content"}
	}
	data, err := yaml.Marshal(toCommitYAML(&cp))
	if err != nil {
		return nil, nil, &backend.WriteObject{ObjectType: backend.ObjectTypeCommit, Source: errors.WithStack(err)}
	}
	if err := b.writeEntry("commits", id.Hex(), data); err != nil {
		return nil, nil, &backend.WriteObject{ObjectType: backend.ObjectTypeCommit, Source: errors.WithStack(err)}
	}
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
	return a.RootTree.Equal(b.RootTree) && a.ChangeId.Equal(b.ChangeId) &&
		a.Author == b.Author && a.Committer == b.Committer && a.Description == b.Description
}

func (b *Backend) GetCopyRecords(_ context.Context, _ []string, _, _ objhash.CommitId) (backend.CopyRecordIterator, error) {
	return &emptyCopyIterator{}, nil
}

type emptyCopyIterator struct{}

func (*emptyCopyIterator) Next() (backend.CopyRecord, bool) { return backend.CopyRecord{}, false }
func (*emptyCopyIterator) Err() error                       { return nil }
func (*emptyCopyIterator) Close() error                     { return nil }

func (b *Backend) GC(_ context.Context, index backend.ReachabilityIndex, keepNewerThan time.Time) error {
	_ = keepNewerThan
	infos, err := afero.ReadDir(b.fs, path.Join(b.root, "commits"))
	if err != nil {
		return err
	}
	var toDelete []string
	for _, info := range infos {
		id, err := decodeHex(info.Name())
		if err != nil {
			continue
		}
		if !index.IsReachable(id) {
			toDelete = append(toDelete, info.Name())
		}
	}
	sort.Strings(toDelete)
	for _, name := range toDelete {
		if err := b.fs.Remove(path.Join(b.root, "commits", name)); err != nil {
			return err
		}
	}
	return nil
}

func decodeHex(s string) (objhash.CommitId, error) {
	b, err := hex.DecodeString(s)
	return objhash.CommitId(b), err
}

func mustUnhex(s string) []byte {
	b, err := hex.DecodeString(s)
	if err != nil {
		panic("fsbackend: corrupt hex id: " + err.Error())
	}
	return b
}
