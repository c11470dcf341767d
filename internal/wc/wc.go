// Package wc persists the working-copy metadata file (spec.md §6
// "Persisted state layout": "A working-copy metadata file pointing at the
// current operation and the current working-copy commit id"), using
// github.com/spf13/afero for the same testable filesystem abstraction
// internal/backend/fsbackend uses, serialized with gopkg.in/yaml.v3.
package wc

import (
	"encoding/hex"
	"fmt"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"github.com/joliss/jj/internal/objhash"
)

// State is the working-copy metadata: which operation the working copy was
// last updated against, and which commit it currently checks out.
type State struct {
	OperationId objhash.OperationId
	CommitId    objhash.CommitId
}

type stateYAML struct {
	OperationId string `yaml:"operation_id"`
	CommitId    string `yaml:"commit_id"`
}

// Read loads the working-copy metadata file at path.
func Read(fs afero.Fs, path string) (State, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return State{}, err
	}
	var y stateYAML
	if err := yaml.Unmarshal(data, &y); err != nil {
		return State{}, fmt.Errorf("wc: corrupt working-copy metadata at %s: %w", path, err)
	}
	opID, err := hex.DecodeString(y.OperationId)
	if err != nil {
		return State{}, fmt.Errorf("wc: corrupt operation id in %s: %w", path, err)
	}
	commitID, err := hex.DecodeString(y.CommitId)
	if err != nil {
		return State{}, fmt.Errorf("wc: corrupt commit id in %s: %w", path, err)
	}
	return State{OperationId: objhash.OperationId(opID), CommitId: objhash.CommitId(commitID)}, nil
}

// Write persists s to path, overwriting whatever was there. The write is
// not atomic-by-rename here (unlike the operation log's head pointer,
// spec.md §5): the working-copy file records the *local* checkout, not
// shared state other processes race to advance.
func Write(fs afero.Fs, path string, s State) error {
	y := stateYAML{
		OperationId: s.OperationId.Hex(),
		CommitId:    s.CommitId.Hex(),
	}
	data, err := yaml.Marshal(y)
	if err != nil {
		return err
	}
	return afero.WriteFile(fs, path, data, 0o644)
}
