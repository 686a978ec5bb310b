package gamedb

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) Store {
	t.Helper()
	store, err := NewBoltDB(filepath.Join(t.TempDir(), "games.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestFinalizationLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	rec := &FinalizationRecord{
		SessionID:     "a1b2c3d4e5f60718",
		Escrow:        "11deadbeef",
		WinnerWallet:  "7xKXtg2CW87d97TXJSDpbD5jBkheTqA83TZRuJosgAsU",
		StakeLamports: 30_000_000,
		Outcome:       OutcomeAttempting,
	}
	require.NoError(t, store.CreateFinalization(ctx, rec))
	require.False(t, rec.CreatedAt.IsZero())

	// A second create for the same session must not clobber the trail.
	err := store.CreateFinalization(ctx, &FinalizationRecord{SessionID: rec.SessionID})
	require.ErrorIs(t, err, ErrDuplicateRecord)

	require.NoError(t, store.UpdateFinalization(ctx, rec.SessionID, func(r *FinalizationRecord) error {
		r.Outcome = OutcomeSettled
		r.TxSignature = "aa"
		r.Attempts = 2
		return nil
	}))

	got, err := store.FetchFinalization(ctx, rec.SessionID)
	require.NoError(t, err)
	require.Equal(t, OutcomeSettled, got.Outcome)
	require.Equal(t, 2, got.Attempts)
	require.True(t, got.Outcome.Terminal())

	_, err = store.FetchFinalization(ctx, "missing")
	require.ErrorIs(t, err, ErrRecordNotFound)

	err = store.UpdateFinalization(ctx, "missing", func(*FinalizationRecord) error { return nil })
	require.ErrorIs(t, err, ErrRecordNotFound)
}

func TestFetchByOutcome(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for _, r := range []*FinalizationRecord{
		{SessionID: "s1", Outcome: OutcomeSettled},
		{SessionID: "s2", Outcome: OutcomeFailedNeedsRecovery},
		{SessionID: "s3", Outcome: OutcomeFailedNeedsRecovery},
	} {
		require.NoError(t, store.CreateFinalization(ctx, r))
	}

	failed, err := store.FetchByOutcome(ctx, OutcomeFailedNeedsRecovery)
	require.NoError(t, err)
	require.Len(t, failed, 2)
}

func TestReferralProfile(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	const wallet = "9aE476sH92Vz7DMPyq5WLcBz9vY6rPt5tgK3m2RJcLfz"
	const referrer = "7xKXtg2CW87d97TXJSDpbD5jBkheTqA83TZRuJosgAsU"

	require.NoError(t, store.SetReferrer(ctx, wallet, referrer))
	// Re-binding to the same referrer is a no-op.
	require.NoError(t, store.SetReferrer(ctx, wallet, referrer))
	// Switching referrers is not allowed.
	require.ErrorIs(t, store.SetReferrer(ctx, wallet, "other"), ErrDuplicateRecord)

	require.NoError(t, store.CreditReferral(ctx, referrer, 360_000))
	require.NoError(t, store.CreditReferral(ctx, referrer, 100_000))

	prof, err := store.FetchReferral(ctx, referrer)
	require.NoError(t, err)
	require.Equal(t, uint64(460_000), prof.EarnedLamports)
	require.Equal(t, uint64(2), prof.MatchCount)

	bound, err := store.FetchReferral(ctx, wallet)
	require.NoError(t, err)
	require.Equal(t, referrer, bound.ReferrerWallet)

	_, err = store.FetchReferral(ctx, "unknown")
	require.ErrorIs(t, err, ErrRecordNotFound)
}
