package ratelimit

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polravi/mapmyactivities/internal/db"
)

func openStore(t *testing.T) *db.DB {
	t.Helper()
	store, err := db.Open(filepath.Join(t.TempDir(), "limits.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.InitSchema())
	return store
}

func TestCheckRateLimit_FreeTier(t *testing.T) {
	now := time.Date(2026, 1, 5, 23, 0, 0, 0, time.UTC)
	l := New(openStore(t), WithClock(func() time.Time { return now }))
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		require.NoError(t, l.CheckRateLimit(ctx, "user-1", ActionAISuggest), "call %d", i+1)
	}

	err := l.CheckRateLimit(ctx, "user-1", ActionAISuggest)
	require.ErrorIs(t, err, ErrQuotaExceeded)
	var qe *QuotaExceededError
	require.True(t, errors.As(err, &qe))
	assert.Equal(t, 10, qe.Limit)
	assert.Equal(t, "Daily AI limit reached. Upgrade to Pro for unlimited.", err.Error())

	// Other users and other actions have their own counters.
	assert.NoError(t, l.CheckRateLimit(ctx, "user-2", ActionAISuggest))
	assert.NoError(t, l.CheckRateLimit(ctx, "user-1", ActionVoiceParse))

	// The counter resets with the UTC day.
	now = now.Add(2 * time.Hour)
	assert.NoError(t, l.CheckRateLimit(ctx, "user-1", ActionAISuggest))
}

func TestCheckRateLimit_ProTier(t *testing.T) {
	l := New(openStore(t), WithTiers(StaticTiers(map[string]Tier{"vip": TierPro}, TierFree)))
	ctx := context.Background()

	for i := 0; i < 100; i++ {
		require.NoError(t, l.CheckRateLimit(ctx, "vip", ActionAISuggest))
	}
	err := l.CheckRateLimit(ctx, "vip", ActionAISuggest)
	require.ErrorIs(t, err, ErrQuotaExceeded)
	assert.Equal(t, "Rate limit exceeded. Please try again later.", err.Error())
}

func TestLimitFor(t *testing.T) {
	assert.Equal(t, 20, LimitFor(ActionVoiceParse, TierFree))
	assert.Equal(t, 200, LimitFor(ActionVoiceParse, TierPro))
	assert.Equal(t, DefaultLimit, LimitFor("somethingElse", TierPro))
}

type brokenStore struct{}

func (brokenStore) TakeQuota(context.Context, string, string, string, int, time.Time) (int, bool, error) {
	return 0, false, errors.New("disk on fire")
}

func TestCheckRateLimit_StoreError(t *testing.T) {
	err := New(brokenStore{}).CheckRateLimit(context.Background(), "user-1", ActionAISuggest)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrQuotaExceeded)
}
