// Package gitadapter implements the Foreign-Repo Adapter (spec.md §4.1.1,
// §4.3): mirroring a foreign repository's ref namespace into the Ref Model,
// the three-way import/export algorithms, and the reset-head protocol. The
// foreign repo's own wire protocol and object format are explicitly out of
// scope (spec.md Non-goals); this package only consumes the abstract
// ForeignRepo capability set a concrete implementation (e.g. a real git
// repository opened on disk) would provide.
package gitadapter

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"sort"
	"strings"

	"github.com/mitchellh/hashstructure/v2"

	"github.com/joliss/jj/internal/objhash"
	"github.com/joliss/jj/internal/refs"
)

// ForeignHead is the foreign repo's HEAD: either symbolic (pointing at a
// branch name, qualified as "refs/heads/NAME") or detached at a commit.
type ForeignHead struct {
	Branch   string // qualified ref name; empty if detached
	Commit   objhash.CommitId
	Detached bool
}

// Pattern is a fetch branch-name pattern: either an exact name or, if Glob
// is true, a glob-style pattern (spec.md §4.6 "patterns never contain `:`,
// `^`, `?`, `[`, `]`; they are either an exact branch name or a glob-style
// pattern introduced by `glob:`").
type Pattern struct {
	Text string
	Glob bool
}

// ProgressFunc receives fetch/push progress; returning an error aborts the
// operation and surfaces as a typed transport error (spec.md §5
// "Cancellation & timeouts").
type ProgressFunc func(message string) error

// ForeignRepo is the capability set the adapter needs from a concrete
// foreign repository. Implementations own the actual wire protocol and
// on-disk format; this package only reasons about ref names and commit
// ancestry.
type ForeignRepo interface {
	// ListRefs returns every ref currently known to the foreign repo,
	// keyed by qualified name (e.g. "refs/heads/main").
	ListRefs(ctx context.Context) (map[string]objhash.CommitId, error)
	Head(ctx context.Context) (ForeignHead, error)

	// UpdateRef sets qualified to target; a nil target deletes the ref.
	// expectedCurrent, if non-nil, is a compare-and-swap precondition the
	// foreign repo must enforce natively when it supports one.
	UpdateRef(ctx context.Context, qualified string, expectedCurrent, target objhash.CommitId) error
	SetHead(ctx context.Context, h ForeignHead) error

	// IsAncestor reports whether a is an ancestor of (or equal to) b in
	// the foreign history graph.
	IsAncestor(ctx context.Context, a, b objhash.CommitId) (bool, error)

	// Fetch updates refs/remotes/<remote>/* from the network to match
	// patterns, returning the qualified names that changed.
	Fetch(ctx context.Context, remote string, patterns []Pattern, progress ProgressFunc) ([]string, error)
	DefaultBranch(ctx context.Context, remote string) (string, bool, error)
}

// ChangeIdSideTable persists the ChangeId fabricated for each foreign
// commit on first observation (spec.md §4.1.1: "once assigned, never
// recomputed"), keyed by CommitId hex.
type ChangeIdSideTable interface {
	Lookup(ctx context.Context, id objhash.CommitId) (objhash.ChangeId, bool, error)
	Store(ctx context.Context, id objhash.CommitId, changeID objhash.ChangeId) error
}

// DeriveChangeId fabricates a stable ChangeId for a commit on first
// observation, derived from the CommitId (spec.md §4.1.1). hashstructure
// provides the derivation seed; the result is expanded to length bytes by
// iterated SHA-256, since a ChangeId may be longer than the 8 bytes a
// single uint64 hash provides.
func DeriveChangeId(id objhash.CommitId, length int) objhash.ChangeId {
	seed, err := hashstructure.Hash([]byte(id), hashstructure.FormatV2, nil)
	if err != nil {
		panic("gitadapter: hashstructure failed on a byte slice: " + err.Error())
	}
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, seed)
	out := make([]byte, 0, length)
	cur := buf
	for len(out) < length {
		sum := sha256.Sum256(cur)
		out = append(out, sum[:]...)
		cur = sum[:]
	}
	return objhash.ChangeId(out[:length])
}

// ResolveChangeId returns the ChangeId for id, fabricating and persisting
// one via DeriveChangeId if this is the first time id has been observed.
func ResolveChangeId(ctx context.Context, table ChangeIdSideTable, id objhash.CommitId, length int) (objhash.ChangeId, error) {
	if cid, ok, err := table.Lookup(ctx, id); err != nil {
		return nil, err
	} else if ok {
		return cid, nil
	}
	cid := DeriveChangeId(id, length)
	if err := table.Store(ctx, id, cid); err != nil {
		return nil, err
	}
	return cid, nil
}

// refKind classifies a qualified foreign ref name.
type refKind int

const (
	refOther refKind = iota
	refLocalBranch
	refRemoteBranch
	refTag
)

const gitHeadPlaceholder = "refs/jj/root"

func classify(qualified string) (kind refKind, name, remote string) {
	switch {
	case strings.HasPrefix(qualified, "refs/heads/"):
		return refLocalBranch, strings.TrimPrefix(qualified, "refs/heads/"), ""
	case strings.HasPrefix(qualified, "refs/remotes/"):
		rest := strings.TrimPrefix(qualified, "refs/remotes/")
		parts := strings.SplitN(rest, "/", 2)
		if len(parts) != 2 || parts[1] == "" {
			return refOther, "", ""
		}
		if parts[1] == "HEAD" {
			return refOther, "", ""
		}
		return refRemoteBranch, parts[1], parts[0]
	case strings.HasPrefix(qualified, "refs/tags/"):
		return refTag, strings.TrimPrefix(qualified, "refs/tags/"), ""
	default:
		return refOther, "", ""
	}
}

func ignoredRef(qualified string) bool {
	if qualified == gitHeadPlaceholder {
		return true
	}
	if strings.HasPrefix(qualified, "refs/notes/") {
		return true
	}
	return false
}

// MissingRefAncestor describes a ref whose ancestry can't be traversed
// because an ancestor object is missing (spec.md §4.3 Failure modes).
// Import reads no commit objects and does not traverse ref ancestry, so it
// never returns this error.
type MissingRefAncestor struct {
	RefName string
	Source  error
}

func (e *MissingRefAncestor) Error() string {
	return fmt.Sprintf("import: missing ancestor of ref %q: %v", e.RefName, e.Source)
}
func (e *MissingRefAncestor) Unwrap() error { return e.Source }

// MissingHeadTarget is returned when HEAD's target object can't be read.
type MissingHeadTarget struct {
	Id     objhash.CommitId
	Source error
}

func (e *MissingHeadTarget) Error() string {
	return fmt.Sprintf("import: missing HEAD target %s: %v", e.Id.Hex(), e.Source)
}
func (e *MissingHeadTarget) Unwrap() error { return e.Source }

// RemoteReservedForLocalGitRepo is returned when an operation is attempted
// against the reserved "git" remote (spec.md §4.1.1).
type RemoteReservedForLocalGitRepo struct{}

func (e *RemoteReservedForLocalGitRepo) Error() string {
	return `the "git" remote is reserved for the local foreign repo`
}

// RemoteRefChange records one remote bookmark's target moving during
// import, part of ImportStats.
type RemoteRefChange struct {
	Bookmark string
	Remote   string
	Old      refs.RefTarget
	New      refs.RefTarget
}

// ImportStats summarizes one import call (spec.md §4.6 step 5).
type ImportStats struct {
	ChangedRemoteRefs  []RemoteRefChange
	AbandonedCommits   []objhash.CommitId
}

// ImportOptions carries the policy flags import consults (spec.md §9
// Configuration, §4.3).
type ImportOptions struct {
	AutoLocalBookmark         bool
	AbandonUnreachableCommits bool
	// RefNames restricts import to exactly these qualified ref names, if
	// non-nil (used by the fetch protocol, spec.md §4.6 step 3, to import
	// only the refs a fetch actually changed).
	RefNames []string
}

// Abandoner is the minimal rewrite capability import needs to abandon a
// commit made unreachable by the import (avoids a direct dependency on
// internal/rewrite's full Store contract).
type Abandoner interface {
	AbandonCommit(ctx context.Context, id objhash.CommitId) ([]objhash.CommitId, error)
	IsAncestorOfAnyRef(ctx context.Context, id objhash.CommitId, view *refs.View, pinned objhash.CommitId) (bool, error)
}

// Import mirrors the foreign ref namespace into view (spec.md §4.3 "Import
// algorithm"). mirror is the view's git-refs map, used both as the
// three-way-merge base and updated in place to the new foreign value.
func Import(ctx context.Context, foreign ForeignRepo, view *refs.View, opts ImportOptions, ab Abandoner) (*ImportStats, error) {
	allRefs, err := foreign.ListRefs(ctx)
	if err != nil {
		return nil, err
	}

	wanted := map[string]bool{}
	for _, n := range opts.RefNames {
		wanted[n] = true
	}
	restrict := opts.RefNames != nil

	stats := &ImportStats{}

	// Visit every ref the foreign repo currently has, plus every ref this
	// view previously observed (view.GitRefs) that the foreign repo no
	// longer has: a ref deleted on the foreign side must still be merged
	// against Absent(), or its bookmark/tag keeps the old target forever
	// and the commit it pointed at is never reconsidered for abandonment
	// (spec.md §8 Scenario 1).
	nameSet := make(map[string]bool, len(allRefs)+len(view.GitRefs))
	for n := range allRefs {
		nameSet[n] = true
	}
	for n := range view.GitRefs {
		nameSet[n] = true
	}
	names := make([]string, 0, len(nameSet))
	for n := range nameSet {
		names = append(names, n)
	}
	sort.Strings(names)

	for _, qualified := range names {
		if ignoredRef(qualified) {
			continue
		}
		if restrict && !wanted[qualified] {
			continue
		}
		kind, name, remote := classify(qualified)
		if kind == refOther {
			continue
		}
		newTarget := refs.Absent()
		if id, present := allRefs[qualified]; present {
			newTarget = refs.Normal(id)
		}

		switch kind {
		case refLocalBranch:
			base := view.GitRefs[qualified]
			side1 := view.Bookmark(name).Local
			merged := refs.MergeThreeWay(base, side1, newTarget)
			view.Bookmark(name).Local = merged
			view.GitRefs[qualified] = newTarget
		case refTag:
			base := view.GitRefs[qualified]
			side1 := view.Tags[name]
			merged := refs.MergeThreeWay(base, side1, newTarget)
			view.Tags[name] = merged
			view.GitRefs[qualified] = newTarget
		case refRemoteBranch:
			if remote == refs.GitRemoteName {
				return nil, &RemoteReservedForLocalGitRepo{}
			}
			b := view.Bookmark(name)
			existing, hadRemote := b.Remotes[remote]
			base := view.GitRefs[qualified]
			_, seenBefore := view.GitRefs[qualified]
			merged := refs.MergeThreeWay(base, existing.Target, newTarget)

			state := refs.StateNew
			if existing.State == refs.StateTracking {
				state = refs.StateTracking
			}
			firstImport := !hadRemote && !seenBefore
			if firstImport && opts.AutoLocalBookmark {
				state = refs.StateTracking
				b.Local = refs.MergeThreeWay(view.GitRefs[qualified], b.Local, newTarget)
			}

			old := existing.Target
			b.Remotes[remote] = refs.RemoteRef{Target: merged, State: state}
			view.GitRefs[qualified] = newTarget

			if !old.Equal(merged) {
				stats.ChangedRemoteRefs = append(stats.ChangedRemoteRefs, RemoteRefChange{
					Bookmark: name, Remote: remote, Old: old, New: merged,
				})
			}
		}
	}

	head, err := foreign.Head(ctx)
	if err != nil {
		return nil, &MissingHeadTarget{Source: err}
	}
	if head.Detached || head.Commit != nil {
		view.GitHead = refs.Normal(head.Commit)
	}

	// Recompute visible heads: every commit added by a local bookmark, a
	// remote bookmark, a tag or the git-head target (each add of a
	// conflicted target included) is a head. Every previous head is kept
	// too, except that with AbandonUnreachableCommits a previous head that
	// no remaining ref reaches is abandoned instead.
	newHeads := map[string]objhash.CommitId{}
	collect := func(t refs.RefTarget) {
		for _, id := range t.Adds() {
			newHeads[id.Hex()] = id
		}
	}
	for _, b := range view.Bookmarks {
		collect(b.Local)
		for _, rr := range b.Remotes {
			collect(rr.Target)
		}
	}
	for _, t := range view.Tags {
		collect(t)
	}
	collect(view.GitHead)
	for h, id := range view.Heads {
		if _, stillThere := newHeads[h]; !stillThere {
			if opts.AbandonUnreachableCommits {
				pinned, _ := view.GitHead.AsNormal()
				reachable, err := ab.IsAncestorOfAnyRef(ctx, id, view, pinned)
				if err != nil {
					return nil, err
				}
				if !reachable && !(pinned != nil && pinned.Equal(id)) {
					if _, err := ab.AbandonCommit(ctx, id); err != nil {
						return nil, err
					}
					stats.AbandonedCommits = append(stats.AbandonedCommits, id)
					continue
				}
			}
			newHeads[h] = id
		}
	}
	view.Heads = newHeads
	return stats, nil
}

// Export pushes every local bookmark and git-refs-mirror entry whose view
// state differs from the foreign state back into the foreign repo (spec.md
// §4.3 "Export algorithm").
func Export(ctx context.Context, foreign ForeignRepo, view *refs.View, rootCommitID objhash.CommitId) (map[string]error, error) {
	failures := map[string]error{}
	names := make([]string, 0, len(view.Bookmarks))
	for n := range view.Bookmarks {
		names = append(names, n)
	}
	sort.Strings(names)

	for _, name := range names {
		b := view.Bookmarks[name]
		qualified := "refs/heads/" + name
		mirror := view.GitRefs[qualified]
		if b.Local.Equal(mirror) {
			continue
		}
		if err := validateExportName(name); err != nil {
			failures[qualified] = err
			continue
		}
		if b.Local.IsConflicted() {
			continue
		}
		var newTarget objhash.CommitId
		if !b.Local.IsAbsent() {
			target, ok := b.Local.AsNormal()
			if !ok {
				continue
			}
			if target.Equal(rootCommitID) {
				failures[qualified] = &ValidationError{Name: name, Reason: "target is the root commit"}
				continue
			}
			newTarget = target
		}
		var expected objhash.CommitId
		if e, ok := mirror.AsNormal(); ok {
			expected = e
		}
		if err := foreign.UpdateRef(ctx, qualified, expected, newTarget); err != nil {
			failures[qualified] = err
			continue
		}
		view.GitRefs[qualified] = b.Local
		b.Remotes[refs.GitRemoteName] = refs.RemoteRef{Target: b.Local, State: refs.StateTracking}
	}
	return failures, nil
}

func validateExportName(name string) error {
	if name == "" || name == "HEAD" {
		return &ValidationError{Name: name, Reason: "empty or HEAD"}
	}
	if strings.Contains(name, "//") {
		return &ValidationError{Name: name, Reason: "malformed path"}
	}
	return nil
}

// ValidationError reports an export-time ref-name validation failure
// (spec.md §4.3 "Validate the name").
type ValidationError struct {
	Name   string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid ref name %q: %s", e.Name, e.Reason)
}

// ResetHead implements the reset-head protocol (spec.md §4.3): synchronize
// the foreign repo's HEAD to target, detaching at target's first parent
// (root becomes unborn HEAD).
func ResetHead(ctx context.Context, foreign ForeignRepo, target objhash.CommitId, parent objhash.CommitId, isRoot bool) error {
	if isRoot {
		return foreign.SetHead(ctx, ForeignHead{Detached: false, Branch: "", Commit: nil})
	}
	return foreign.SetHead(ctx, ForeignHead{Detached: true, Commit: parent})
}
