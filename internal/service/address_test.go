package service_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"secmon/internal/models"
	"secmon/internal/service"
)

func TestValidateAddress(t *testing.T) {
	tests := []struct {
		input string
		want  string
		ok    bool
	}{
		{"192.168.1.1", "192.168.1.1", true},
		{" 10.0.0.7 ", "10.0.0.7", true},
		{"2001:db8::1", "2001:db8::1", true},
		{"2001:0DB8:0000:0000:0000:0000:0000:0001", "2001:db8::1", true},
		{"::1", "::1", true},
		{"::ffff:198.51.100.9", "198.51.100.9", true},
		{"::ffff:c633:6409", "198.51.100.9", true},
		{"192.168.1.256", "", false},
		{"192.168.1", "", false},
		{"192.168.1.1.1", "", false},
		{"192.168.a.1", "", false},
		{"fe80::1%eth0", "", false},
		{"2001:db8:::1", "", false},
		{"example.com", "", false},
		{"", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := service.ValidateAddress(tt.input)
			if !tt.ok {
				assert.ErrorIs(t, err, service.ErrValidation)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMappedAddressSharesIPv4Entry(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)

	entry, err := h.reputation.Block(ctx, service.BlockRequest{
		Address: "::ffff:198.51.100.9", BlockType: models.BlockPermanent, Reason: "abuse",
	})
	require.NoError(t, err)
	assert.Equal(t, "198.51.100.9", entry.Address)

	assert.True(t, h.reputation.IsBlocked(ctx, "198.51.100.9"))
	res := h.limiter.Check(ctx, service.CheckRequest{SourceIP: "198.51.100.9"})
	assert.False(t, res.Allowed)
	assert.Equal(t, service.ReasonBlockList, res.Reason)

	require.NoError(t, h.reputation.Unblock(ctx, "198.51.100.9"))
	assert.False(t, h.reputation.IsBlocked(ctx, "::ffff:198.51.100.9"))
}
