package session

import (
	"testing"

	"github.com/dweam-team/world-arcade/internal/supervisor"
	"github.com/stretchr/testify/assert"
)

func TestPrivacyFilter_IsAllowed(t *testing.T) {
	tests := []struct {
		name    string
		filter  PrivacyFilter
		kind    string
		variant string
		want    bool
	}{
		{"empty filter allows everything", PrivacyFilter{}, "demo", "life", true},
		{"allowlist match", PrivacyFilter{AllowedGames: []string{"demo/*"}}, "demo", "life", true},
		{"allowlist no match", PrivacyFilter{AllowedGames: []string{"demo/*"}}, "lucid", "v1", false},
		{"blocklist match", PrivacyFilter{BlockedGames: []string{"*/internal-*"}}, "demo", "internal-test", false},
		{"blocklist no match", PrivacyFilter{BlockedGames: []string{"*/internal-*"}}, "demo", "life", true},
		{"blocklist wins over allowlist", PrivacyFilter{AllowedGames: []string{"demo/*"}, BlockedGames: []string{"demo/gradient"}}, "demo", "gradient", false},
		{"exact allow", PrivacyFilter{AllowedGames: []string{"demo/life"}}, "demo", "life", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.filter.IsAllowed(tt.kind, tt.variant))
		})
	}
}

func TestPrivacyFilter_Apply(t *testing.T) {
	orig := SessionState{
		ID:      "2b1f0c4e-8d0a-4e53-9c1b-1f7f0d5b6a11",
		Kind:    "demo",
		Variant: "life",
		Worker:  supervisor.Status{PID: 4242, LastLine: "loaded weights from /srv/models/life.bin"},
	}

	f := PrivacyFilter{MaskSessionIDs: true, MaskPIDs: true, MaskOutput: true}
	got := f.Apply(orig)

	assert.Len(t, got.ID, 12)
	assert.NotEqual(t, orig.ID, got.ID)
	assert.Equal(t, got.ID, f.Apply(orig).ID, "masking must be stable")
	assert.Zero(t, got.Worker.PID)
	assert.Empty(t, got.Worker.LastLine)
	assert.Equal(t, 4242, orig.Worker.PID, "original must not be modified")
}

func TestPrivacyFilter_FilterSlice(t *testing.T) {
	sessions := []SessionState{
		{ID: "a", Kind: "demo", Variant: "life", Worker: supervisor.Status{PID: 1}},
		{ID: "b", Kind: "demo", Variant: "gradient", Worker: supervisor.Status{PID: 2}},
		{ID: "c", Kind: "lab", Variant: "secret", Worker: supervisor.Status{PID: 3}},
	}
	f := PrivacyFilter{MaskPIDs: true, BlockedGames: []string{"lab/*"}}
	got := f.FilterSlice(sessions)

	assert.Len(t, got, 2)
	for _, s := range got {
		assert.Zero(t, s.Worker.PID)
	}
	assert.Equal(t, 1, sessions[0].Worker.PID)
}

func TestPrivacyFilter_IsNoop(t *testing.T) {
	assert.True(t, (&PrivacyFilter{}).IsNoop())
	assert.False(t, (&PrivacyFilter{MaskPIDs: true}).IsNoop())
	assert.False(t, (&PrivacyFilter{BlockedGames: []string{"x/*"}}).IsNoop())
}
