package backend

import (
	"errors"
	"fmt"
)

// ObjectType names the kind of entity a backend error (ObjectNotFound,
// ReadObject, WriteObject) refers to.
type ObjectType string

const (
	ObjectTypeFile      ObjectType = "file"
	ObjectTypeSymlink   ObjectType = "symlink"
	ObjectTypeTree      ObjectType = "tree"
	ObjectTypeConflict  ObjectType = "conflict"
	ObjectTypeCopy      ObjectType = "copy"
	ObjectTypeCommit    ObjectType = "commit"
)

// ErrObjectCorrupted is wrapped into ObjectNotFound.Source when a backend
// can tell the object is present but unreadable, as opposed to simply
// missing. IsCorrupted and IsFatal use it to tell the two cases apart; the
// ref-import algorithm in internal/gitadapter reads no objects and does not
// distinguish them.
var ErrObjectCorrupted = errors.New("object is present but corrupted")

// ObjectNotFound is returned when a read fails to locate (or to parse) the
// requested object. Source distinguishes "missing entirely" (Source is nil
// or the backend's own lookup error) from "corrupted"
// (errors.Is(Source, ErrObjectCorrupted)).
type ObjectNotFound struct {
	ObjectType ObjectType
	Hash       string
	Source     error
}

func (e *ObjectNotFound) Error() string {
	if e.Source != nil {
		return fmt.Sprintf("%s %s: %v", e.ObjectType, e.Hash, e.Source)
	}
	return fmt.Sprintf("%s %s not found", e.ObjectType, e.Hash)
}

func (e *ObjectNotFound) Unwrap() error { return e.Source }

// IsCorrupted reports whether this ObjectNotFound represents a present but
// unreadable object, rather than a genuinely missing one.
func (e *ObjectNotFound) IsCorrupted() bool {
	return e.Source != nil && errors.Is(e.Source, ErrObjectCorrupted)
}

// ReadObject wraps a lower-level I/O failure encountered while reading an
// object whose presence was never in question (e.g. a truncated read).
type ReadObject struct {
	ObjectType ObjectType
	Hash       string
	Source     error
}

func (e *ReadObject) Error() string {
	return fmt.Sprintf("read %s %s: %v", e.ObjectType, e.Hash, e.Source)
}

func (e *ReadObject) Unwrap() error { return e.Source }

// WriteObject wraps a lower-level I/O failure encountered while writing an
// object.
type WriteObject struct {
	ObjectType ObjectType
	Source     error
}

func (e *WriteObject) Error() string {
	return fmt.Sprintf("write %s: %v", e.ObjectType, e.Source)
}

func (e *WriteObject) Unwrap() error { return e.Source }

// Other is the catch-all backend error kind for failures that don't fit
// ObjectNotFound/ReadObject/WriteObject (e.g. a backend-specific connection
// failure).
type Other struct {
	Message string
	Source  error
}

func (e *Other) Error() string {
	if e.Source != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Source)
	}
	return e.Message
}

func (e *Other) Unwrap() error { return e.Source }

// IsRetryable reports whether err is likely to succeed if the caller
// retries without changing anything (e.g. a transient store error). Object
// shape problems (not found, corrupted, validation) are never retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var other *Other
	return errors.As(err, &other)
}

// IsFatal reports whether err indicates a non-recoverable state per
// spec.md §7 ("Fatal: corrupted operation-log entries, a backend whose
// root_commit_id() disagrees with a persisted root, or a view that
// references a commit the backend cannot synthesize").
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	var notFound *ObjectNotFound
	if errors.As(err, &notFound) {
		return notFound.IsCorrupted()
	}
	return false
}
