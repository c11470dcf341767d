package oplog

import (
	"github.com/joliss/jj/internal/objhash"
	"github.com/joliss/jj/internal/refs"
)

// refTargetYAML is the YAML-serializable form of a refs.RefTarget: the net
// adds/removes multisets rendered as hex strings.
type refTargetYAML struct {
	Adds    []string `yaml:"adds,omitempty"`
	Removes []string `yaml:"removes,omitempty"`
}

func toRefTargetYAML(t refs.RefTarget) refTargetYAML {
	return refTargetYAML{Adds: hexAll(t.Adds()), Removes: hexAll(t.Removes())}
}

func fromRefTargetYAML(y refTargetYAML) refs.RefTarget {
	return refs.FromAddsRemoves(unhexAll(y.Adds), unhexAll(y.Removes))
}

func hexAll(ids []objhash.CommitId) []string {
	if len(ids) == 0 {
		return nil
	}
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.Hex()
	}
	return out
}

func unhexAll(hexes []string) []objhash.CommitId {
	if len(hexes) == 0 {
		return nil
	}
	out := make([]objhash.CommitId, len(hexes))
	for i, h := range hexes {
		out[i] = mustUnhex(h)
	}
	return out
}

// remoteRefYAML is the YAML-serializable form of a refs.RemoteRef.
type remoteRefYAML struct {
	Target   refTargetYAML `yaml:"target"`
	Tracking bool          `yaml:"tracking"`
}

// bookmarkYAML is the YAML-serializable form of a refs.Bookmark.
type bookmarkYAML struct {
	Local   refTargetYAML            `yaml:"local"`
	Remotes map[string]remoteRefYAML `yaml:"remotes,omitempty"`
}

// ViewSnapshot is the YAML-serializable form of a refs.View. Every
// Operation embeds its ViewSnapshot inline, so the view is hashed as part
// of the operation's own content-addressed YAML; views are not stored
// separately or referenced by ViewId.
type ViewSnapshot struct {
	Bookmarks map[string]bookmarkYAML `yaml:"bookmarks,omitempty"`
	Tags      map[string]refTargetYAML `yaml:"tags,omitempty"`
	GitRefs   map[string]refTargetYAML `yaml:"git_refs,omitempty"`
	GitHead   refTargetYAML            `yaml:"git_head"`
	Heads     []string                 `yaml:"heads,omitempty"`

	// WorkingCopyCommit is the working-copy checkout, part of view state
	// per spec.md §4.5 ("View state: all ref state ... plus ... the
	// working-copy checkout").
	WorkingCopyCommit string `yaml:"working_copy_commit,omitempty"`
}

// SnapshotView converts a live View (plus its working-copy commit) into its
// serializable form.
func SnapshotView(v *refs.View, workingCopyCommit objhash.CommitId) ViewSnapshot {
	s := ViewSnapshot{
		Bookmarks: map[string]bookmarkYAML{},
		Tags:      map[string]refTargetYAML{},
		GitRefs:   map[string]refTargetYAML{},
		GitHead:   toRefTargetYAML(v.GitHead),
	}
	for name, b := range v.Bookmarks {
		by := bookmarkYAML{Local: toRefTargetYAML(b.Local)}
		if len(b.Remotes) > 0 {
			by.Remotes = map[string]remoteRefYAML{}
			for remote, rr := range b.Remotes {
				by.Remotes[remote] = remoteRefYAML{
					Target:   toRefTargetYAML(rr.Target),
					Tracking: rr.IsTracking(),
				}
			}
		}
		s.Bookmarks[name] = by
	}
	for name, t := range v.Tags {
		s.Tags[name] = toRefTargetYAML(t)
	}
	for name, t := range v.GitRefs {
		s.GitRefs[name] = toRefTargetYAML(t)
	}
	for _, id := range v.HeadIds() {
		s.Heads = append(s.Heads, id.Hex())
	}
	if workingCopyCommit != nil {
		s.WorkingCopyCommit = workingCopyCommit.Hex()
	}
	return s
}

// RestoreView converts a serialized snapshot back into a live View and its
// working-copy commit.
func RestoreView(s ViewSnapshot) (*refs.View, objhash.CommitId) {
	v := refs.NewView()
	for name, by := range s.Bookmarks {
		b := v.Bookmark(name)
		b.Local = fromRefTargetYAML(by.Local)
		for remote, rry := range by.Remotes {
			state := refs.StateNew
			if rry.Tracking {
				state = refs.StateTracking
			}
			b.Remotes[remote] = refs.RemoteRef{Target: fromRefTargetYAML(rry.Target), State: state}
		}
	}
	for name, ty := range s.Tags {
		v.Tags[name] = fromRefTargetYAML(ty)
	}
	for name, ty := range s.GitRefs {
		v.GitRefs[name] = fromRefTargetYAML(ty)
	}
	v.GitHead = fromRefTargetYAML(s.GitHead)
	for _, h := range s.Heads {
		v.AddHead(mustUnhex(h))
	}
	var wc objhash.CommitId
	if s.WorkingCopyCommit != "" {
		wc = mustUnhex(s.WorkingCopyCommit)
	}
	return v, wc
}
