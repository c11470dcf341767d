package oplog

import (
	"context"
	"sync"

	"github.com/joliss/jj/internal/objhash"
)

// MemoryStore is an in-memory Store, used by tests and as one of the
// Testable Properties (spec.md §8) fixtures alongside internal/backend/memory.
type MemoryStore struct {
	mu  sync.Mutex
	ops map[string]*Operation
	// heads is the current operation-head set; more than one entry means
	// concurrent writers have not yet been reconciled.
	heads []objhash.OperationId
}

// NewMemoryStore returns a Store whose sole initial operation is root,
// a synthetic parentless operation over an empty view.
func NewMemoryStore(root *Operation) (*MemoryStore, objhash.OperationId) {
	s := &MemoryStore{ops: map[string]*Operation{}}
	data, err := root.marshal()
	if err != nil {
		panic(err)
	}
	id := objhash.OperationId(objhash.SHA256(data))
	s.ops[id.Hex()] = root
	s.heads = []objhash.OperationId{id}
	return s, id
}

func (s *MemoryStore) ReadOperation(_ context.Context, id objhash.OperationId) (*Operation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	op, ok := s.ops[id.Hex()]
	if !ok {
		return nil, &NotFoundError{OperationId: id}
	}
	return op, nil
}

func (s *MemoryStore) WriteOperation(_ context.Context, o *Operation) (objhash.OperationId, error) {
	data, err := o.marshal()
	if err != nil {
		return nil, err
	}
	id := objhash.OperationId(objhash.SHA256(data))
	s.mu.Lock()
	s.ops[id.Hex()] = o
	s.mu.Unlock()
	return id, nil
}

func (s *MemoryStore) Heads(_ context.Context) ([]objhash.OperationId, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]objhash.OperationId(nil), s.heads...), nil
}

func (s *MemoryStore) AdvanceHeads(_ context.Context, oldHeads, newHeads []objhash.OperationId) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !sameHeadSet(s.heads, oldHeads) {
		return false, nil
	}
	s.heads = append([]objhash.OperationId(nil), newHeads...)
	return true, nil
}

// NotFoundError reports a missing operation, the oplog analogue of
// backend.ObjectNotFound (spec.md §7 fatal: "corrupted operation-log
// entries").
type NotFoundError struct {
	OperationId objhash.OperationId
}

func (e *NotFoundError) Error() string {
	return "operation not found: " + e.OperationId.Hex()
}
