// Package sqlite implements the Store Backend Contract on top of a single
// SQLite file (spec.md §6 "store/ directory whose internal layout is
// backend-defined"), using github.com/ncruces/go-sqlite3's pure-Go
// database/sql driver so the backend needs no cgo toolchain.
//
// One table per entity kind (files, symlinks, trees, conflicts, copies,
// commits), content-hash hex string as primary key: a write of the same
// hash is a no-op (INSERT OR IGNORE), giving the write-idempotent-on-content
// contract note for free.
package sqlite

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/joliss/jj/internal/backend"
	"github.com/joliss/jj/internal/objhash"
)

const (
	hashLength     = 20
	changeIDLength = 16
)

const schema = `
CREATE TABLE IF NOT EXISTS files (
	id   TEXT PRIMARY KEY,
	data BLOB NOT NULL
);
CREATE TABLE IF NOT EXISTS symlinks (
	id     TEXT PRIMARY KEY,
	target TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS trees (
	id   TEXT PRIMARY KEY,
	data BLOB NOT NULL
);
CREATE TABLE IF NOT EXISTS conflicts (
	id   TEXT PRIMARY KEY,
	data BLOB NOT NULL
);
CREATE TABLE IF NOT EXISTS copies (
	id   TEXT PRIMARY KEY,
	data BLOB NOT NULL
);
CREATE TABLE IF NOT EXISTS commits (
	id   TEXT PRIMARY KEY,
	data BLOB NOT NULL
);
CREATE TABLE IF NOT EXISTS change_ids (
	commit_id TEXT PRIMARY KEY,
	change_id TEXT NOT NULL
);
`

// Backend is the SQLite-backed Store Backend Contract implementation.
type Backend struct {
	db   *sql.DB
	path string

	rootCommitID objhash.CommitId
	rootChangeID objhash.ChangeId
	emptyTreeID  objhash.TreeId
}

// Open opens (creating if needed) a SQLite backend at path, in embedded
// WAL mode for concurrent readers during writes.
func Open(path string) (*Backend, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("sqlite backend: create store directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s", path))
	if err != nil {
		return nil, fmt.Errorf("sqlite backend: open: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite backend: ping: %w", err)
	}
	// A single pooled connection: every query, read or write, runs on it in
	// turn.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlite backend: %s: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite backend: init schema: %w", err)
	}

	b := &Backend{
		db:           db,
		path:         path,
		rootCommitID: objhash.CommitId(make([]byte, hashLength)),
		rootChangeID: objhash.ChangeId(make([]byte, changeIDLength)),
	}
	b.emptyTreeID = backend.HashTree(backend.NewTree(), hashLength)
	return b, nil
}

// Close closes the underlying database connection, checkpointing the WAL
// first so the main file holds every committed write.
func (b *Backend) Close() error {
	if b.db == nil {
		return nil
	}
	if _, err := b.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "sqlite backend: wal checkpoint: %v\n", err)
	}
	err := b.db.Close()
	b.db = nil
	return err
}

func (b *Backend) Name() string { return "sqlite" }

func (b *Backend) CommitIdLength() int { return hashLength }
func (b *Backend) ChangeIdLength() int { return changeIDLength }

func (b *Backend) RootCommitId() objhash.CommitId { return b.rootCommitID }
func (b *Backend) RootChangeId() objhash.ChangeId { return b.rootChangeID }
func (b *Backend) EmptyTreeId() objhash.TreeId     { return b.emptyTreeID }

// Concurrency is the fan-out hint given to callers. SetMaxOpenConns(1)
// above means concurrent calls still queue for the one connection.
func (b *Backend) Concurrency() int { return 8 }

func (b *Backend) ReadFile(ctx context.Context, _ string, id objhash.FileId) (backend.ReadStream, error) {
	var data []byte
	err := b.db.QueryRowContext(ctx, `SELECT data FROM files WHERE id = ?`, id.Hex()).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, &backend.ObjectNotFound{ObjectType: backend.ObjectTypeFile, Hash: id.Hex(), Source: err}
	}
	if err != nil {
		return nil, &backend.ObjectNotFound{ObjectType: backend.ObjectTypeFile, Hash: id.Hex(), Source: err}
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (b *Backend) WriteFile(ctx context.Context, _ string, r io.Reader) (objhash.FileId, error) {
	content, err := io.ReadAll(r)
	if err != nil {
		return nil, &backend.WriteObject{ObjectType: backend.ObjectTypeFile, Source: errors.WithStack(err)}
	}
	id := objhash.FileId(objhash.HashAll(content))[:hashLength]
	if _, err := b.db.ExecContext(ctx, `INSERT OR IGNORE INTO files (id, data) VALUES (?, ?)`, id.Hex(), content); err != nil {
		return nil, &backend.WriteObject{ObjectType: backend.ObjectTypeFile, Source: errors.WithStack(err)}
	}
	return id, nil
}

func (b *Backend) ReadSymlink(ctx context.Context, _ string, id objhash.SymlinkId) (string, error) {
	var target string
	err := b.db.QueryRowContext(ctx, `SELECT target FROM symlinks WHERE id = ?`, id.Hex()).Scan(&target)
	if err != nil {
		return "", &backend.ObjectNotFound{ObjectType: backend.ObjectTypeSymlink, Hash: id.Hex(), Source: err}
	}
	return target, nil
}

func (b *Backend) WriteSymlink(ctx context.Context, _ string, target string) (objhash.SymlinkId, error) {
	id := objhash.SymlinkId(objhash.HashAll([]byte(target)))[:hashLength]
	if _, err := b.db.ExecContext(ctx, `INSERT OR IGNORE INTO symlinks (id, target) VALUES (?, ?)`, id.Hex(), target); err != nil {
		return nil, &backend.WriteObject{ObjectType: backend.ObjectTypeSymlink, Source: errors.WithStack(err)}
	}
	return id, nil
}

// treeYAML/treeEntryYAML mirror fsbackend's serialization: it is the
// on-disk shape for a tree's entries regardless of which backend stores
// the resulting bytes as a BLOB column versus a flat file.
type treeYAML struct {
	Entries []treeEntryYAML `yaml:"entries"`
}

type treeEntryYAML struct {
	Name              string `yaml:"name"`
	Kind              int    `yaml:"kind"`
	FileId            string `yaml:"file_id,omitempty"`
	Executable        bool   `yaml:"executable,omitempty"`
	CopyId            string `yaml:"copy_id,omitempty"`
	SymlinkId         string `yaml:"symlink_id,omitempty"`
	TreeId            string `yaml:"tree_id,omitempty"`
	SubmoduleCommitId string `yaml:"submodule_commit_id,omitempty"`
	ConflictId        string `yaml:"conflict_id,omitempty"`
}

func (b *Backend) ReadTree(ctx context.Context, _ string, id objhash.TreeId) (*backend.Tree, error) {
	if id.Equal(b.emptyTreeID) {
		return backend.NewTree(), nil
	}
	var data []byte
	err := b.db.QueryRowContext(ctx, `SELECT data FROM trees WHERE id = ?`, id.Hex()).Scan(&data)
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

func (b *Backend) WriteTree(ctx context.Context, _ string, t *backend.Tree) (objhash.TreeId, error) {
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
	if _, err := b.db.ExecContext(ctx, `INSERT OR IGNORE INTO trees (id, data) VALUES (?, ?)`, id.Hex(), data); err != nil {
		return nil, &backend.WriteObject{ObjectType: backend.ObjectTypeTree, Source: errors.WithStack(err)}
	}
	return id, nil
}

func (b *Backend) ReadConflict(ctx context.Context, _ string, id objhash.ConflictId) (*backend.Conflict, error) {
	var data []byte
	err := b.db.QueryRowContext(ctx, `SELECT data FROM conflicts WHERE id = ?`, id.Hex()).Scan(&data)
	if err != nil {
		return nil, &backend.ObjectNotFound{ObjectType: backend.ObjectTypeConflict, Hash: id.Hex(), Source: err}
	}
	return decodeConflict(data)
}

func (b *Backend) WriteConflict(ctx context.Context, _ string, c *backend.Conflict) (objhash.ConflictId, error) {
	data := encodeConflict(c)
	id := objhash.ConflictId(objhash.HashAll(data))[:hashLength]
	if _, err := b.db.ExecContext(ctx, `INSERT OR IGNORE INTO conflicts (id, data) VALUES (?, ?)`, id.Hex(), data); err != nil {
		return nil, &backend.WriteObject{ObjectType: backend.ObjectTypeConflict, Source: errors.WithStack(err)}
	}
	return id, nil
}

type copyYAML struct {
	FileId  string   `yaml:"file_id"`
	Path    string   `yaml:"path"`
	Parents []string `yaml:"parents,omitempty"`
}

func (b *Backend) ReadCopy(ctx context.Context, id objhash.CopyId) (*backend.CopyHistory, error) {
	var data []byte
	err := b.db.QueryRowContext(ctx, `SELECT data FROM copies WHERE id = ?`, id.Hex()).Scan(&data)
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

func (b *Backend) WriteCopy(ctx context.Context, c *backend.CopyHistory) (objhash.CopyId, error) {
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
	if _, err := b.db.ExecContext(ctx, `INSERT OR IGNORE INTO copies (id, data) VALUES (?, ?)`, id.Hex(), data); err != nil {
		return nil, &backend.WriteObject{ObjectType: backend.ObjectTypeCopy, Source: errors.WithStack(err)}
	}
	return id, nil
}

type commitYAML struct {
	Parents         []string `yaml:"parents"`
	RootTree        string   `yaml:"root_tree"`
	ChangeId        string   `yaml:"change_id"`
	AuthorName      string   `yaml:"author_name"`
	AuthorEmail     string   `yaml:"author_email"`
	AuthorMillis    int64    `yaml:"author_millis"`
	AuthorTz        int32    `yaml:"author_tz"`
	CommitterName   string   `yaml:"committer_name"`
	CommitterEmail  string   `yaml:"committer_email"`
	CommitterMillis int64    `yaml:"committer_millis"`
	CommitterTz     int32    `yaml:"committer_tz"`
	Description     string   `yaml:"description"`
	CryptoSig       []byte   `yaml:"crypto_sig,omitempty"`
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

func (b *Backend) ReadCommit(ctx context.Context, id objhash.CommitId) (*backend.Commit, error) {
	if id.Equal(b.rootCommitID) {
		return &backend.Commit{RootTree: b.emptyTreeID, ChangeId: b.rootChangeID}, nil
	}
	var data []byte
	err := b.db.QueryRowContext(ctx, `SELECT data FROM commits WHERE id = ?`, id.Hex()).Scan(&data)
	if err != nil {
		return nil, &backend.ObjectNotFound{ObjectType: backend.ObjectTypeCommit, Hash: id.Hex(), Source: err}
	}
	var y commitYAML
	if err := yaml.Unmarshal(data, &y); err != nil {
		return nil, &backend.ObjectNotFound{ObjectType: backend.ObjectTypeCommit, Hash: id.Hex(), Source: backend.ErrObjectCorrupted}
	}
	return fromCommitYAML(y), nil
}

// WriteCommit writes the commit row plus its change_ids index entry inside
// one transaction, so CommitIdsForChangeId never observes a commit without its
// index entry.
func (b *Backend) WriteCommit(ctx context.Context, c *backend.Commit, sign backend.SignFunc) (objhash.CommitId, *backend.Commit, error) {
	cp := *c
	if sign != nil {
		sig, err := sign(objhash.HashAll(backend.CanonicalCommitParts(&cp)...))
		if err != nil {
			return nil, nil, &backend.WriteObject{ObjectType: backend.ObjectTypeCommit, Source: errors.WithStack(err)}
		}
		cp.CryptoSig = sig
	}
	id := backend.HashCommit(&cp, hashLength)

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, &backend.WriteObject{ObjectType: backend.ObjectTypeCommit, Source: errors.WithStack(err)}
	}
	defer tx.Rollback()

	var existing []byte
	err = tx.QueryRowContext(ctx, `SELECT data FROM commits WHERE id = ?`, id.Hex()).Scan(&existing)
	if err == nil {
		var y commitYAML
		if uErr := yaml.Unmarshal(existing, &y); uErr == nil && !commitsEqual(fromCommitYAML(y), &cp) {
			return nil, nil, &backend.Other{Message: "commit id collision with different content"}
		}
	} else if err != sql.ErrNoRows {
		return nil, nil, &backend.WriteObject{ObjectType: backend.ObjectTypeCommit, Source: errors.WithStack(err)}
	}

	data, err := yaml.Marshal(toCommitYAML(&cp))
	if err != nil {
		return nil, nil, &backend.WriteObject{ObjectType: backend.ObjectTypeCommit, Source: errors.WithStack(err)}
	}
	if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO commits (id, data) VALUES (?, ?)`, id.Hex(), data); err != nil {
		return nil, nil, &backend.WriteObject{ObjectType: backend.ObjectTypeCommit, Source: errors.WithStack(err)}
	}
	if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO change_ids (commit_id, change_id) VALUES (?, ?)`,
		id.Hex(), objhash.ID(cp.ChangeId).Hex()); err != nil {
		return nil, nil, &backend.WriteObject{ObjectType: backend.ObjectTypeCommit, Source: errors.WithStack(err)}
	}
	if err := tx.Commit(); err != nil {
		return nil, nil, &backend.WriteObject{ObjectType: backend.ObjectTypeCommit, Source: errors.WithStack(err)}
	}
	return id, &cp, nil
}

// CommitIdsForChangeId looks up every known commit recorded under a given
// ChangeId, using the change_ids index table (spec.md §4.8 "the change id
// stays constant across rewrites", needed by callers that resolve a change
// id to its current visible commit).
func (b *Backend) CommitIdsForChangeId(ctx context.Context, changeID objhash.ChangeId) ([]objhash.CommitId, error) {
	rows, err := b.db.QueryContext(ctx, `SELECT commit_id FROM change_ids WHERE change_id = ?`, objhash.ID(changeID).Hex())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []objhash.CommitId
	for rows.Next() {
		var hex string
		if err := rows.Scan(&hex); err != nil {
			return nil, err
		}
		out = append(out, objhash.CommitId(mustUnhex(hex)))
	}
	return out, rows.Err()
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

// GC deletes commit rows (and their change_ids entries) unreachable through
// index, plus a VACUUM-free TRUNCATE checkpoint so the WAL doesn't grow
// unbounded across repeated GCs.
func (b *Backend) GC(ctx context.Context, index backend.ReachabilityIndex, keepNewerThan time.Time) error {
	_ = keepNewerThan
	rows, err := b.db.QueryContext(ctx, `SELECT id FROM commits`)
	if err != nil {
		return err
	}
	var toDelete []string
	for rows.Next() {
		var hexID string
		if err := rows.Scan(&hexID); err != nil {
			rows.Close()
			return err
		}
		id, err := decodeHex(hexID)
		if err != nil {
			continue
		}
		if !index.IsReachable(id) {
			toDelete = append(toDelete, hexID)
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, hexID := range toDelete {
		if _, err := tx.ExecContext(ctx, `DELETE FROM commits WHERE id = ?`, hexID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM change_ids WHERE commit_id = ?`, hexID); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	_, err = b.db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)")
	return err
}

func decodeHex(s string) (objhash.CommitId, error) {
	b, err := hex.DecodeString(s)
	return objhash.CommitId(b), err
}

func mustUnhex(s string) []byte {
	b, err := hex.DecodeString(s)
	if err != nil {
		panic("sqlite backend: corrupt hex id: " + err.Error())
	}
	return b
}
