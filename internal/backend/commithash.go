package backend

import (
	"encoding/binary"

	"github.com/joliss/jj/internal/objhash"
)

// CanonicalCommitParts returns the ordered byte parts that make up a
// commit's canonical serialization (spec.md §3 invariant 3: "a commit's id
// is a function of its canonical serialization including parent ids, tree
// id, change id, signatures, and optional cryptographic signature").
// Non-foreign backends hash these parts (framed by objhash.HashAll) to
// derive a CommitId; the foreign-repo adapter instead reuses the foreign
// repo's own object id and never calls this.
func CanonicalCommitParts(c *Commit) [][]byte {
	var parts [][]byte
	parts = append(parts, []byte("jj-commit-v1"))
	for _, p := range c.Parents {
		parts = append(parts, []byte(p))
	}
	parts = append(parts, []byte(c.RootTree))
	parts = append(parts, []byte(c.ChangeId))
	parts = append(parts, signatureBytes(c.Author))
	parts = append(parts, signatureBytes(c.Committer))
	parts = append(parts, []byte(c.Description))
	if c.CryptoSig != nil {
		parts = append(parts, c.CryptoSig)
	}
	return parts
}

func signatureBytes(s Signature) []byte {
	buf := make([]byte, 0, len(s.Name)+len(s.Email)+12)
	buf = append(buf, []byte(s.Name)...)
	buf = append(buf, 0)
	buf = append(buf, []byte(s.Email)...)
	buf = append(buf, 0)
	var ts [12]byte
	binary.LittleEndian.PutUint64(ts[0:8], uint64(s.Timestamp.MillisSinceEpoch))
	binary.LittleEndian.PutUint32(ts[8:12], uint32(s.Timestamp.TzOffsetMinutes))
	buf = append(buf, ts[:]...)
	return buf
}

// HashCommit computes the CommitId for c by its canonical serialization,
// truncated/extended to idLen bytes (idLen == 0 means "full digest").
func HashCommit(c *Commit, idLen int) objhash.CommitId {
	digest := objhash.HashAll(CanonicalCommitParts(c)...)
	return objhash.CommitId(fitLen(digest, idLen))
}

func fitLen(digest []byte, idLen int) []byte {
	if idLen <= 0 || idLen == len(digest) {
		return digest
	}
	if idLen < len(digest) {
		return digest[:idLen]
	}
	out := make([]byte, idLen)
	copy(out, digest)
	return out
}
