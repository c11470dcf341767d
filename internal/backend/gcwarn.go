package backend

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
)

// GCWarning formats the non-fatal, human-readable message a caller-supplied
// warning sink receives before a GC pass runs (spec.md §7, "Warnings
// (non-fatal) are emitted via a caller-supplied sink"). removedBytes is the
// best-effort total size of the objects a backend expects to reclaim; pass
// 0 if a backend cannot estimate it cheaply.
func GCWarning(keepNewerThan time.Time, removedBytes int64) string {
	age := humanize.Time(keepNewerThan)
	if removedBytes <= 0 {
		return fmt.Sprintf("gc: removing unreachable objects older than %s", age)
	}
	return fmt.Sprintf("gc: removing unreachable objects older than %s (reclaiming ~%s)", age, humanize.Bytes(uint64(removedBytes)))
}
