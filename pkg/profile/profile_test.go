package profile

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTier(t *testing.T) {
	tests := []struct {
		in      string
		want    Tier
		wantErr bool
	}{
		{"free", TierFree, false},
		{"free_user", TierFree, false},
		{" Premium_User ", TierPaid, false},
		{"paid", TierPaid, false},
		{"gold", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseTier(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrUnknownTier)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestStatic(t *testing.T) {
	ctx := context.Background()
	s, err := ParseStatic(map[string]string{"alice": "free_user", "bob": "paid"}, "")
	require.NoError(t, err)

	tier, err := s.Tier(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, TierPaid, tier)

	_, err = s.Tier(ctx, "carol")
	assert.True(t, IsUnknownUser(err))

	require.NoError(t, s.SetTier(ctx, "alice", TierPaid))
	tier, err = s.Tier(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, TierPaid, tier)

	assert.ErrorIs(t, s.SetTier(ctx, "alice", Tier("gold")), ErrUnknownTier)
}

func TestStaticDefault(t *testing.T) {
	s := NewStatic(nil, TierFree)
	tier, err := s.Tier(context.Background(), "anyone")
	require.NoError(t, err)
	assert.Equal(t, TierFree, tier)

	_, err = ParseStatic(nil, "gold")
	assert.ErrorIs(t, err, ErrUnknownTier)
}
