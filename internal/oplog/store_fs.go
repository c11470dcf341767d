package oplog

import (
	"context"
	"encoding/hex"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/spf13/afero"

	"github.com/joliss/jj/internal/backend"
	"github.com/joliss/jj/internal/objhash"
)

// FsStore persists operations as individual YAML files under an
// append-only directory (spec.md §6 "an operation-log directory that is
// content-addressed and append-only"), and the head set as a newline-
// separated file advanced by atomic rename (spec.md §5 "the operation head
// pointer is advanced via a file-system-level atomic rename").
type FsStore struct {
	fs   afero.Fs
	root string
}

// NewFsStore opens (creating if needed) an operation-log store rooted at
// root on fs. fs is typically afero.NewOsFs() in production and
// afero.NewMemMapFs() in tests, so the same code path is exercised either
// way.
func NewFsStore(fs afero.Fs, root string) (*FsStore, error) {
	if err := fs.MkdirAll(path.Join(root, "ops"), 0o755); err != nil {
		return nil, err
	}
	return &FsStore{fs: fs, root: root}, nil
}

func (s *FsStore) opPath(id objhash.OperationId) string {
	h := id.Hex()
	return path.Join(s.root, "ops", h+".yaml")
}

func (s *FsStore) headsPath() string { return path.Join(s.root, "heads") }

func (s *FsStore) ReadOperation(_ context.Context, id objhash.OperationId) (*Operation, error) {
	data, err := afero.ReadFile(s.fs, s.opPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &backend.ObjectNotFound{ObjectType: "operation", Hash: id.Hex(), Source: err}
		}
		return nil, &backend.ReadObject{ObjectType: "operation", Hash: id.Hex(), Source: err}
	}
	op, err := unmarshalOperation(data)
	if err != nil {
		return nil, &backend.ObjectNotFound{ObjectType: "operation", Hash: id.Hex(), Source: err}
	}
	return op, nil
}

func (s *FsStore) WriteOperation(_ context.Context, o *Operation) (objhash.OperationId, error) {
	data, err := o.marshal()
	if err != nil {
		return nil, &backend.WriteObject{ObjectType: "operation", Source: err}
	}
	id := objhash.OperationId(objhash.SHA256(data))
	p := s.opPath(id)
	if exists, _ := afero.Exists(s.fs, p); exists {
		// Content-addressed: identical bytes already on disk, no rewrite
		// needed (idempotent write, matching the Store Backend Contract's
		// "writes are idempotent on content" note extended to operations).
		return id, nil
	}
	if err := afero.WriteFile(s.fs, p, data, 0o644); err != nil {
		return nil, &backend.WriteObject{ObjectType: "operation", Source: err}
	}
	return id, nil
}

func (s *FsStore) Heads(_ context.Context) ([]objhash.OperationId, error) {
	data, err := afero.ReadFile(s.fs, s.headsPath())
	if err != nil {
		if strings.Contains(err.Error(), "does not exist") || strings.Contains(err.Error(), "no such file") {
			return nil, nil
		}
		return nil, err
	}
	var out []objhash.OperationId
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		b, err := hex.DecodeString(line)
		if err != nil {
			return nil, err
		}
		out = append(out, objhash.OperationId(b))
	}
	return out, nil
}

// AdvanceHeads writes the new head set to a temp file and renames it into
// place, the atomic-rename protocol spec.md §5 prescribes. It re-reads the
// current heads first and refuses (returning false) if they don't match
// oldHeads, the compare-and-swap this package's callers rely on.
func (s *FsStore) AdvanceHeads(ctx context.Context, oldHeads, newHeads []objhash.OperationId) (bool, error) {
	current, err := s.Heads(ctx)
	if err != nil {
		return false, err
	}
	if !sameHeadSet(current, oldHeads) {
		return false, nil
	}
	hexes := idHex(newHeads)
	sort.Strings(hexes)
	tmp := s.headsPath() + ".tmp"
	if err := afero.WriteFile(s.fs, tmp, []byte(strings.Join(hexes, "\n")+"\n"), 0o644); err != nil {
		return false, err
	}
	if err := s.fs.Rename(tmp, s.headsPath()); err != nil {
		return false, err
	}
	return true, nil
}
