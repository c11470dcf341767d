// Package repoconfig loads the configuration options spec.md §9 lists as
// affecting core behavior (import policy, push safety, prefix search
// scope) from a TOML file using github.com/BurntSushi/toml.
package repoconfig

import (
	"os"

	"github.com/BurntSushi/toml"
)

// Config holds the engine-level options spec.md §9 enumerates. Every field
// has a zero value that matches the spec's documented default behavior, so
// a missing config file is equivalent to an all-zero Config.
type Config struct {
	// AutoLocalBookmark creates a local bookmark from a newly observed
	// remote bookmark during import (spec.md §4.3).
	AutoLocalBookmark bool `toml:"auto_local_bookmark"`

	// AbandonUnreachableCommits abandons commits left unreferenced by an
	// import, provided they aren't pinned by a git head or ancestor of a
	// remaining ref (spec.md §4.3).
	AbandonUnreachableCommits bool `toml:"abandon_unreachable_commits"`

	// SubprocessForRemoteOps selects strict push-safety semantics: a push
	// update is accepted only if the foreign ref is at the expected value
	// or already at the new target, without the non-strict allowance for a
	// foreign ref whose current value is an ancestor of the new target
	// (spec.md §4.6).
	SubprocessForRemoteOps bool `toml:"subprocess_for_remote_ops"`

	// ShortPrefixesRevset narrows the candidate set for shortest-unique-
	// prefix queries (spec.md §9); empty means "all commits in the index".
	ShortPrefixesRevset string `toml:"short_prefixes_revset"`
}

// Default returns the spec's documented default configuration.
func Default() Config {
	return Config{}
}

// Load reads and parses a TOML config file at path. A missing file is not
// an error; it returns Default().
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, err
	}
	if _, err := toml.Decode(string(data), &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Strict reports whether push should use strict push-safety semantics
// (internal/remote.Push's strict parameter).
func (c Config) Strict() bool { return c.SubprocessForRemoteOps }
