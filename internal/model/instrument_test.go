package model

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestDeriveEffectiveStatus(t *testing.T) {
	now := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	tests := []struct {
		name      string
		stored    string
		remaining decimal.Decimal
		expiresAt *time.Time
		want      string
	}{
		{
			name:      "active without expiry stays active",
			stored:    StatusActive,
			remaining: decimal.NewFromInt(50),
			want:      StatusActive,
		},
		{
			name:      "active with future expiry stays active",
			stored:    StatusActive,
			remaining: decimal.NewFromInt(50),
			expiresAt: &future,
			want:      StatusActive,
		},
		{
			name:      "active past expiry reads expired",
			stored:    StatusActive,
			remaining: decimal.NewFromInt(50),
			expiresAt: &past,
			want:      StatusExpired,
		},
		{
			name:      "partially redeemed past expiry reads expired",
			stored:    StatusPartiallyRedeemed,
			remaining: decimal.NewFromInt(10),
			expiresAt: &past,
			want:      StatusExpired,
		},
		{
			name:      "cancelled is terminal regardless of expiry",
			stored:    StatusCancelled,
			remaining: decimal.NewFromInt(40),
			expiresAt: &past,
			want:      StatusCancelled,
		},
		{
			name:      "fully redeemed is terminal regardless of expiry",
			stored:    StatusFullyRedeemed,
			remaining: decimal.Zero,
			expiresAt: &past,
			want:      StatusFullyRedeemed,
		},
		{
			name:      "deleted is terminal",
			stored:    StatusDeleted,
			remaining: decimal.NewFromInt(5),
			expiresAt: &past,
			want:      StatusDeleted,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DeriveEffectiveStatus(tt.stored, tt.remaining, tt.expiresAt, now)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEffectiveStatusIsReadSideOnly(t *testing.T) {
	past := time.Now().Add(-time.Minute)
	inst := Instrument{
		Status:          StatusActive,
		RemainingAmount: decimal.NewFromInt(100),
		ExpiresAt:       &past,
	}

	assert.Equal(t, StatusExpired, inst.EffectiveStatus(time.Now()))
	// Stored status is untouched; expiry is never eagerly written.
	assert.Equal(t, StatusActive, inst.Status)
}
