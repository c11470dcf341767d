package fsbackend

import (
	"gopkg.in/yaml.v3"

	"github.com/joliss/jj/internal/backend"
	"github.com/joliss/jj/internal/merge"
	"github.com/joliss/jj/internal/objhash"
)

// conflictTermYAML serializes one term of a Conflict's Merge<Option<TreeValue>>;
// Present distinguishes an absent (nil) term from a zero-valued one.
type conflictTermYAML struct {
	Present bool   `yaml:"present"`
	Kind    int    `yaml:"kind,omitempty"`
	FileId  string `yaml:"file_id,omitempty"`
	Executable bool `yaml:"executable,omitempty"`
	CopyId  string `yaml:"copy_id,omitempty"`
	SymlinkId string `yaml:"symlink_id,omitempty"`
	TreeId  string `yaml:"tree_id,omitempty"`
	SubmoduleCommitId string `yaml:"submodule_commit_id,omitempty"`
	ConflictId string `yaml:"conflict_id,omitempty"`
}

func encodeConflict(c *backend.Conflict) []byte {
	var terms []conflictTermYAML
	for _, v := range c.Merge.Values() {
		if v == nil {
			terms = append(terms, conflictTermYAML{Present: false})
			continue
		}
		t := conflictTermYAML{Present: true, Kind: int(v.Kind), Executable: v.Executable}
		switch v.Kind {
		case backend.TreeValueFile:
			t.FileId = objhash.ID(v.FileId).Hex()
			t.CopyId = objhash.ID(v.CopyId).Hex()
		case backend.TreeValueSymlink:
			t.SymlinkId = objhash.ID(v.SymlinkId).Hex()
		case backend.TreeValueTree:
			t.TreeId = objhash.ID(v.TreeId).Hex()
		case backend.TreeValueGitSubmodule:
			t.SubmoduleCommitId = objhash.ID(v.SubmoduleCommitId).Hex()
		case backend.TreeValueConflict:
			t.ConflictId = objhash.ID(v.ConflictId).Hex()
		}
		terms = append(terms, t)
	}
	data, err := yaml.Marshal(terms)
	if err != nil {
		panic("fsbackend: conflict terms must always marshal: " + err.Error())
	}
	return data
}

func decodeConflict(data []byte) (*backend.Conflict, error) {
	var terms []conflictTermYAML
	if err := yaml.Unmarshal(data, &terms); err != nil {
		return nil, &backend.ObjectNotFound{ObjectType: backend.ObjectTypeConflict, Source: backend.ErrObjectCorrupted}
	}
	vals := make([]backend.OptionalTreeValue, len(terms))
	for i, t := range terms {
		if !t.Present {
			vals[i] = nil
			continue
		}
		v := backend.TreeValue{Kind: backend.TreeValueKind(t.Kind), Executable: t.Executable}
		if t.FileId != "" {
			v.FileId = objhash.FileId(mustUnhex(t.FileId))
		}
		if t.CopyId != "" {
			v.CopyId = objhash.CopyId(mustUnhex(t.CopyId))
		}
		if t.SymlinkId != "" {
			v.SymlinkId = objhash.SymlinkId(mustUnhex(t.SymlinkId))
		}
		if t.TreeId != "" {
			v.TreeId = objhash.TreeId(mustUnhex(t.TreeId))
		}
		if t.SubmoduleCommitId != "" {
			v.SubmoduleCommitId = objhash.CommitId(mustUnhex(t.SubmoduleCommitId))
		}
		if t.ConflictId != "" {
			v.ConflictId = objhash.ConflictId(mustUnhex(t.ConflictId))
		}
		cp := v
		vals[i] = &cp
	}
	m, err := merge.FromSlice(vals)
	if err != nil {
		return nil, &backend.ObjectNotFound{ObjectType: backend.ObjectTypeConflict, Source: backend.ErrObjectCorrupted}
	}
	return &backend.Conflict{Merge: m}, nil
}
