// Package objhash defines the typed, content-addressed identifiers shared
// by every persistable entity in the repository engine, along with the
// canonical hashing rules used to derive them.
//
// Every id is an opaque byte string: two ids of the same dynamic type
// compare equal iff their underlying bytes are equal, regardless of which
// backend produced them. Hex rendering is always lowercase.
package objhash

import (
	"crypto/sha256"
	"encoding/hex"
)

// ID is the common shape of every content-addressed identifier: an opaque
// byte string with stable hex rendering. Backends are free to choose any
// length; production backends use at least 20 bytes.
type ID []byte

// Hex renders the id as lowercase hexadecimal.
func (id ID) Hex() string {
	return hex.EncodeToString(id)
}

// Equal reports whether two ids have identical bytes.
func (id ID) Equal(other ID) bool {
	if len(id) != len(other) {
		return false
	}
	for i := range id {
		if id[i] != other[i] {
			return false
		}
	}
	return true
}

// IsZero reports whether the id is empty (the zero value of an ID, used by
// callers that have not yet resolved a concrete identifier).
func (id ID) IsZero() bool {
	return len(id) == 0
}

// FileId identifies the content of a File by hash.
type FileId ID

// Hex renders the id as lowercase hexadecimal.
func (id FileId) Hex() string { return ID(id).Hex() }

// Equal reports whether two FileIds have identical bytes.
func (id FileId) Equal(other FileId) bool { return ID(id).Equal(ID(other)) }

// SymlinkId identifies the target of a Symlink by hash.
type SymlinkId ID

// Hex renders the id as lowercase hexadecimal.
func (id SymlinkId) Hex() string { return ID(id).Hex() }

// Equal reports whether two SymlinkIds have identical bytes.
func (id SymlinkId) Equal(other SymlinkId) bool { return ID(id).Equal(ID(other)) }

// TreeId identifies a Tree by hash. Each backend reports the id of its
// empty tree through EmptyTreeId().
type TreeId ID

// Hex renders the id as lowercase hexadecimal.
func (id TreeId) Hex() string { return ID(id).Hex() }

// Equal reports whether two TreeIds have identical bytes.
func (id TreeId) Equal(other TreeId) bool { return ID(id).Equal(ID(other)) }

// CommitId identifies a Commit by hash of its canonical serialization.
type CommitId ID

// Hex renders the id as lowercase hexadecimal.
func (id CommitId) Hex() string { return ID(id).Hex() }

// Equal reports whether two CommitIds have identical bytes.
func (id CommitId) Equal(other CommitId) bool { return ID(id).Equal(ID(other)) }

// ConflictId identifies a persisted Merge[Option[TreeValue]] by hash.
type ConflictId ID

// Hex renders the id as lowercase hexadecimal.
func (id ConflictId) Hex() string { return ID(id).Hex() }

// Equal reports whether two ConflictIds have identical bytes.
func (id ConflictId) Equal(other ConflictId) bool { return ID(id).Equal(ID(other)) }

// CopyId identifies a CopyHistory entity by hash.
type CopyId ID

// Hex renders the id as lowercase hexadecimal.
func (id CopyId) Hex() string { return ID(id).Hex() }

// Equal reports whether two CopyIds have identical bytes.
func (id CopyId) Equal(other CopyId) bool { return ID(id).Equal(ID(other)) }

// ChangeId is a stable logical identity for a line of development,
// independent of content. It is assigned on first write and preserved
// through rewrites.
type ChangeId ID

// Hex renders the id as lowercase hexadecimal.
func (id ChangeId) Hex() string { return ID(id).Hex() }

// Equal reports whether two ChangeIds have identical bytes.
func (id ChangeId) Equal(other ChangeId) bool { return ID(id).Equal(ID(other)) }

// IsZero reports whether the ChangeId is the zero-length sentinel used for
// "no change id assigned yet" in builders that have not written.
func (id ChangeId) IsZero() bool { return ID(id).IsZero() }

// OperationId identifies an Operation by hash of its canonical
// serialization. The operation store is itself content-addressed.
type OperationId ID

// Hex renders the id as lowercase hexadecimal.
func (id OperationId) Hex() string { return ID(id).Hex() }

// Equal reports whether two OperationIds have identical bytes.
func (id OperationId) Equal(other OperationId) bool { return ID(id).Equal(ID(other)) }

// ViewId identifies a persisted view-state snapshot by hash.
type ViewId ID

// Hex renders the id as lowercase hexadecimal.
func (id ViewId) Hex() string { return ID(id).Hex() }

// Equal reports whether two ViewIds have identical bytes.
func (id ViewId) Equal(other ViewId) bool { return ID(id).Equal(ID(other)) }

// SHA256 hashes the given content with SHA-256 and returns the full 32-byte
// digest. Backends that want a different digest length truncate or extend
// this by their own convention; the core never assumes a fixed length other
// than "whatever CommitIdLength()/ChangeIdLength() report".
func SHA256(content []byte) []byte {
	sum := sha256.Sum256(content)
	return sum[:]
}

// HashAll hashes the concatenation of the given byte slices, each prefixed
// by its own length as a little-endian uint32, so that the boundary between
// slices is unambiguous (two distinct groupings of the same bytes never
// collide). This is the canonical framing used to hash commit and tree
// serializations.
func HashAll(parts ...[]byte) []byte {
	h := sha256.New()
	var lenBuf [4]byte
	for _, p := range parts {
		lenBuf[0] = byte(len(p))
		lenBuf[1] = byte(len(p) >> 8)
		lenBuf[2] = byte(len(p) >> 16)
		lenBuf[3] = byte(len(p) >> 24)
		_, _ = h.Write(lenBuf[:])
		_, _ = h.Write(p)
	}
	return h.Sum(nil)
}
