// types.go — Policy Center data model (spec §4.4): layered snapshots with
// provenance, keyed by dotted paths ("quotas.max_concurrent_global").
package policy

import (
	"strconv"
	"time"
)

// Source identifies which layer last set a leaf value, lowest to highest
// precedence.
type Source string

const (
	SourceBuiltin Source = "builtin"
	SourceFile    Source = "file"
	SourceEnv     Source = "env"
	SourceCLI     Source = "cli"
	SourceRuntime Source = "runtime"
)

// Snapshot is an immutable, fully-merged policy tree plus provenance. Callers
// pin a Snapshot for the lifetime of one admission decision (spec §4.6) so a
// concurrent override can never produce split-brain within that decision.
type Snapshot struct {
	Revision   uint64
	Values     map[string]any
	Provenance map[string]Source
}

// Get reads a dotted path out of the snapshot's merged tree.
func (s *Snapshot) Get(path string) (any, bool) {
	if s == nil {
		return nil, false
	}
	v, ok := s.Values[path]
	return v, ok
}

// GetBool reads a dotted path as a bool, defaulting to def if absent or of
// the wrong type.
func (s *Snapshot) GetBool(path string, def bool) bool {
	if v, ok := s.Get(path); ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return def
}

// GetInt reads a dotted path as an int (a numeric string, as the env layer
// stores, is parsed), defaulting to def if absent or of the wrong type.
func (s *Snapshot) GetInt(path string, def int) int {
	if v, ok := s.Get(path); ok {
		switch n := v.(type) {
		case int:
			return n
		case int64:
			return int(n)
		case float64:
			return int(n)
		case string:
			if parsed, err := strconv.Atoi(n); err == nil {
				return parsed
			}
		}
	}
	return def
}

// GetDuration reads a dotted path as a time.Duration, defaulting to def.
func (s *Snapshot) GetDuration(path string, def time.Duration) time.Duration {
	if v, ok := s.Get(path); ok {
		switch d := v.(type) {
		case time.Duration:
			return d
		case string:
			if parsed, err := time.ParseDuration(d); err == nil {
				return parsed
			}
		}
	}
	return def
}

// overrideEntry is one runtime-override layer entry, optionally TTL-bounded.
type overrideEntry struct {
	value     any
	expiresAt time.Time // zero value means no expiry
}

func (e overrideEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// AllowedPath describes one entry in the runtime-override safe-path
// allow-list. A path is permitted if it equals Exact, or — when Prefix is
// set — if it starts with Prefix.
type AllowedPath struct {
	Exact  string
	Prefix string
}

func (a AllowedPath) matches(path string) bool {
	if a.Exact != "" && path == a.Exact {
		return true
	}
	if a.Prefix != "" && len(path) >= len(a.Prefix) && path[:len(a.Prefix)] == a.Prefix {
		return true
	}
	return false
}

// DefaultAllowList is the safe-path allow-list named in spec §4.4: general
// availability toggles, quotas, scheduler slot counts, feature flags.
var DefaultAllowList = []AllowedPath{
	{Exact: "general_availability.enabled"},
	{Prefix: "quotas."},
	{Prefix: "scheduler."},
	{Prefix: "feature_flags."},
}
