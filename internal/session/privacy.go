package session

import (
	"crypto/sha256"
	"fmt"
	"path"
)

// PrivacyFilter masks and filters session snapshots before they leave the
// service through listing endpoints. The zero value is a no-op filter.
type PrivacyFilter struct {
	MaskSessionIDs bool
	MaskPIDs       bool
	MaskOutput     bool
	// Game patterns are "kind/variant" globs, e.g. "demo/*".
	AllowedGames []string
	BlockedGames []string
}

// IsAllowed reports whether sessions of kind/variant may be listed. When
// AllowedGames is non-empty the game must match one of its patterns; it
// must then match none of BlockedGames.
func (f *PrivacyFilter) IsAllowed(kind, variant string) bool {
	name := kind + "/" + variant
	if len(f.AllowedGames) > 0 && !matchAny(f.AllowedGames, name) {
		return false
	}
	return !matchAny(f.BlockedGames, name)
}

func matchAny(patterns []string, name string) bool {
	for _, pattern := range patterns {
		if matched, _ := path.Match(pattern, name); matched {
			return true
		}
	}
	return false
}

// Apply returns a copy of s with sensitive fields masked.
func (f *PrivacyFilter) Apply(s SessionState) SessionState {
	if f.MaskSessionIDs && s.ID != "" {
		s.ID = shortHash(s.ID)
	}
	if f.MaskPIDs {
		s.Worker.PID = 0
	}
	if f.MaskOutput {
		s.Worker.LastLine = ""
	}
	return s
}

// FilterSlice returns the allowed sessions with masking applied. The input
// is not modified.
func (f *PrivacyFilter) FilterSlice(sessions []SessionState) []SessionState {
	result := make([]SessionState, 0, len(sessions))
	for _, s := range sessions {
		if !f.IsAllowed(s.Kind, s.Variant) {
			continue
		}
		result = append(result, f.Apply(s))
	}
	return result
}

func (f *PrivacyFilter) IsNoop() bool {
	return !f.MaskSessionIDs && !f.MaskPIDs && !f.MaskOutput &&
		len(f.AllowedGames) == 0 && len(f.BlockedGames) == 0
}

// shortHash returns a truncated SHA-256 hex digest for an opaque identifier.
func shortHash(s string) string {
	h := sha256.Sum256([]byte(s))
	return fmt.Sprintf("%x", h[:6])
}
