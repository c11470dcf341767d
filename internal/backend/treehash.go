package backend

import (
	"encoding/binary"
	"sort"

	"github.com/joliss/jj/internal/objhash"
)

// CanonicalTreeBytes returns the canonical serialization of t: entries
// sorted by basename (independent of insertion order), each framed as
// name/kind/payload. Two trees with the same entries always serialize
// identically, which is what makes TreeId a valid content hash (spec.md §3
// invariant 2/3 extended to trees).
func CanonicalTreeBytes(t *Tree) []byte {
	names := make([]string, 0, t.Len())
	names = append(names, t.Names()...)
	sort.Strings(names)

	var out []byte
	for _, name := range names {
		v := t.Value(name)
		out = appendFramed(out, []byte(name))
		out = append(out, byte(v.Kind))
		switch v.Kind {
		case TreeValueFile:
			out = appendFramed(out, []byte(v.FileId))
			if v.Executable {
				out = append(out, 1)
			} else {
				out = append(out, 0)
			}
			out = appendFramed(out, []byte(v.CopyId))
		case TreeValueSymlink:
			out = appendFramed(out, []byte(v.SymlinkId))
		case TreeValueTree:
			out = appendFramed(out, []byte(v.TreeId))
		case TreeValueGitSubmodule:
			out = appendFramed(out, []byte(v.SubmoduleCommitId))
		case TreeValueConflict:
			out = appendFramed(out, []byte(v.ConflictId))
		}
	}
	return out
}

func appendFramed(dst, data []byte) []byte {
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(data)))
	dst = append(dst, lenBuf[:]...)
	return append(dst, data...)
}

// HashTree computes the TreeId for t, truncated/extended to idLen bytes.
func HashTree(t *Tree, idLen int) objhash.TreeId {
	digest := objhash.HashAll(CanonicalTreeBytes(t))
	return objhash.TreeId(fitLen(digest, idLen))
}
