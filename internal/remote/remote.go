// Package remote implements the Remote Sync Protocol (spec.md §4.6): fetch
// (delegating to the Foreign-Repo Adapter's import algorithm) and push
// (with the local safety checks spec.md requires before any network I/O).
package remote

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/joliss/jj/internal/gitadapter"
	"github.com/joliss/jj/internal/objhash"
	"github.com/joliss/jj/internal/refs"
)

// NoSuchRemote is returned when a remote name is unknown or contains a
// '/'. The reserved "git" name yields RemoteReserved instead.
type NoSuchRemote struct {
	Remote string
}

func (e *NoSuchRemote) Error() string { return fmt.Sprintf("no such remote: %q", e.Remote) }

// InvalidBranchPattern is returned for a fetch pattern containing a
// disallowed character.
type InvalidBranchPattern struct {
	Pattern string
}

func (e *InvalidBranchPattern) Error() string {
	return fmt.Sprintf("invalid branch pattern: %q", e.Pattern)
}

// RefInUnexpectedLocation is returned when a push's safety check fails
// (spec.md §4.6 Push, scenarios 3-4).
type RefInUnexpectedLocation struct {
	Branch   string
	Expected objhash.CommitId
	Actual   objhash.CommitId
}

func (e *RefInUnexpectedLocation) Error() string {
	return fmt.Sprintf("branch %q: expected foreign ref at %s, found %s", e.Branch, e.Expected.Hex(), e.Actual.Hex())
}

// RemoteReserved is returned when a push or fetch targets the reserved
// "git" remote.
type RemoteReserved struct{}

func (e *RemoteReserved) Error() string { return `the "git" remote is reserved` }

func validateRemoteName(knownRemotes map[string]bool, remote string) error {
	if remote == refs.GitRemoteName {
		return &RemoteReserved{}
	}
	if strings.Contains(remote, "/") {
		return &NoSuchRemote{Remote: remote}
	}
	if !knownRemotes[remote] {
		return &NoSuchRemote{Remote: remote}
	}
	return nil
}

func validatePattern(p gitadapter.Pattern) error {
	text := p.Text
	if p.Glob {
		text = strings.TrimPrefix(text, "glob:")
	}
	for _, r := range ":^?[]" {
		if strings.ContainsRune(text, r) {
			return &InvalidBranchPattern{Pattern: p.Text}
		}
	}
	return nil
}

// FetchResult is the outcome of a Fetch call (spec.md §4.6 step 5).
type FetchResult struct {
	DefaultBranch string
	HasDefault    bool
	ImportStats   *gitadapter.ImportStats
	Warnings      []string
}

// Fetch resolves remote, asks the adapter to update its refs/remotes
// mirror from the network, then imports exactly the refs that changed
// (spec.md §4.6 Fetch).
func Fetch(
	ctx context.Context,
	foreign gitadapter.ForeignRepo,
	view *refs.View,
	knownRemotes map[string]bool,
	remote string,
	patterns []gitadapter.Pattern,
	importOpts gitadapter.ImportOptions,
	ab gitadapter.Abandoner,
	progress gitadapter.ProgressFunc,
) (*FetchResult, error) {
	if err := validateRemoteName(knownRemotes, remote); err != nil {
		return nil, err
	}
	var warnings []string
	validPatterns := make([]gitadapter.Pattern, 0, len(patterns))
	for _, p := range patterns {
		if err := validatePattern(p); err != nil {
			return nil, err
		}
		validPatterns = append(validPatterns, p)
	}
	if len(validPatterns) == 0 {
		def, hasDef, err := foreign.DefaultBranch(ctx, remote)
		if err != nil {
			return nil, err
		}
		return &FetchResult{DefaultBranch: def, HasDefault: hasDef}, nil
	}

	changed, err := foreign.Fetch(ctx, remote, validPatterns, progress)
	if err != nil {
		return nil, err
	}
	if len(changed) == 0 {
		for _, p := range validPatterns {
			warnings = append(warnings, fmt.Sprintf("no matching remote branch for pattern %q on remote %q", p.Text, remote))
		}
	}

	importOpts.RefNames = changed
	if importOpts.RefNames == nil {
		importOpts.RefNames = []string{}
	}
	stats, err := gitadapter.Import(ctx, foreign, view, importOpts, ab)
	if err != nil {
		return nil, err
	}

	def, hasDef, err := foreign.DefaultBranch(ctx, remote)
	if err != nil {
		return nil, err
	}
	return &FetchResult{DefaultBranch: def, HasDefault: hasDef, ImportStats: stats, Warnings: warnings}, nil
}

// BranchUpdate is one requested push: the branch's expected prior target
// (possibly absent) and its new target (possibly absent, meaning delete).
type BranchUpdate struct {
	Branch     string
	OldTarget  objhash.CommitId
	NewTarget  objhash.CommitId
}

// PushResult collects per-branch outcomes; a push is not all-or-nothing.
type PushResult struct {
	Failures map[string]error
}

// Push runs the local safety checks (spec.md §4.6 Push) against the
// git-refs mirror before any network I/O, then applies the updates that
// pass. strict selects strict-mode push-safety semantics (config
// `subprocess_for_remote_ops`, spec.md §9): an update is accepted if the
// foreign ref is at the expected (mirrored) value or already at the new
// target; when strict is false it is also accepted if the foreign ref's
// current value is an ancestor of the new target.
func Push(
	ctx context.Context,
	foreign gitadapter.ForeignRepo,
	view *refs.View,
	knownRemotes map[string]bool,
	remote string,
	updates []BranchUpdate,
	strict bool,
) (*PushResult, error) {
	if err := validateRemoteName(knownRemotes, remote); err != nil {
		return nil, err
	}
	result := &PushResult{Failures: map[string]error{}}

	type approved struct {
		qualified string
		expected  objhash.CommitId
		target    objhash.CommitId
		branch    string
	}
	var toApply []approved

	for _, u := range updates {
		qualified := "refs/remotes/" + remote + "/" + u.Branch
		var expectedMirror objhash.CommitId
		if b, ok := view.Bookmarks[u.Branch]; ok {
			if rr, ok := b.Remotes[remote]; ok {
				if e, ok := rr.Target.AsNormal(); ok {
					expectedMirror = e
				}
			}
		}

		actual, err := currentForeignValue(ctx, foreign, qualified)
		if err != nil {
			result.Failures[u.Branch] = err
			continue
		}

		ok := commitEqual(actual, expectedMirror) || commitEqual(actual, u.NewTarget)
		if !ok && !strict && actual != nil {
			isAnc, err := foreign.IsAncestor(ctx, actual, u.NewTarget)
			if err != nil {
				result.Failures[u.Branch] = err
				continue
			}
			ok = isAnc
		}
		if !ok {
			result.Failures[u.Branch] = &RefInUnexpectedLocation{Branch: u.Branch, Expected: expectedMirror, Actual: actual}
			continue
		}
		toApply = append(toApply, approved{qualified: qualified, expected: actual, target: u.NewTarget, branch: u.Branch})
	}

	for _, a := range toApply {
		if err := foreign.UpdateRef(ctx, a.qualified, a.expected, a.target); err != nil {
			result.Failures[a.branch] = err
			continue
		}
		b := view.Bookmark(a.branch)
		newTarget := refs.Absent()
		if a.target != nil {
			newTarget = refs.Normal(a.target)
		}
		b.Remotes[remote] = refs.RemoteRef{Target: newTarget, State: refs.StateTracking}
		view.GitRefs[a.qualified] = newTarget
		view.GitRefs[path.Join("refs/remotes", refs.GitRemoteName, a.branch)] = newTarget
	}
	return result, nil
}

func currentForeignValue(ctx context.Context, foreign gitadapter.ForeignRepo, qualified string) (objhash.CommitId, error) {
	all, err := foreign.ListRefs(ctx)
	if err != nil {
		return nil, err
	}
	return all[qualified], nil
}

func commitEqual(a, b objhash.CommitId) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(b)
}
