package settlement

import (
	"bytes"
	"context"
	"fmt"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/decred/slog"
	"github.com/stretchr/testify/require"

	"github.com/leravalera4/rps-game/ledger"
)

func newTestReconciler(t *testing.T, fake *fakeLedger, gate StakeGate) (*Reconciler, *ledger.EscrowWatcher) {
	t.Helper()
	key, err := ledger.NewServiceKey(testServiceKeyHex)
	require.NoError(t, err)
	watcher := ledger.NewEscrowWatcher(slog.Disabled, fake)
	return NewReconciler(slog.Disabled, fake, watcher, testProgram(), key, fastRetry(3), gate, nil), watcher
}

func TestStakeGateRequiresBothAcks(t *testing.T) {
	// The gate must open exactly once both wallets have acked, regardless of
	// order and duplication.
	orders := [][]string{
		{testWinner, testLoser},
		{testLoser, testWinner},
		{testWinner, testWinner, testLoser},
		{testLoser, testLoser, testWinner, testWinner},
	}
	for _, order := range orders {
		var mu sync.Mutex
		opened := 0
		r, _ := newTestReconciler(t, newFakeLedger(), func(sessionID string) {
			mu.Lock()
			opened++
			mu.Unlock()
		})

		for i, wallet := range order {
			n := r.RecordStakeAck("sess-gate", wallet)
			lastAck := i == len(order)-1
			if !lastAck {
				require.LessOrEqual(t, n, 2)
			}
			mu.Lock()
			if !lastAck && opened > 0 {
				// Gate opened before both wallets acked only if both
				// already appeared earlier in the order.
				require.Contains(t, order[:i+1], testWinner)
				require.Contains(t, order[:i+1], testLoser)
			}
			mu.Unlock()
		}

		mu.Lock()
		require.Equal(t, 1, opened, "order %v", order)
		mu.Unlock()
		require.Equal(t, 2, r.StakedCount("sess-gate"))
	}
}

func TestStakeGateConcurrentAcks(t *testing.T) {
	var mu sync.Mutex
	opened := 0
	r, _ := newTestReconciler(t, newFakeLedger(), func(string) {
		mu.Lock()
		opened++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wallet := testWinner
		if i%2 == 1 {
			wallet = testLoser
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.RecordStakeAck("sess-race", wallet)
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 1, opened)
}

func TestTrackEscrowReconcilesChainState(t *testing.T) {
	fake := newFakeLedger()
	gateCh := make(chan string, 1)
	r, watcher := newTestReconciler(t, fake, func(sessionID string) {
		gateCh <- sessionID
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	escrow := r.TrackEscrow(ctx, "sess-chain", testWinner, testLoser)
	require.Equal(t, ledger.DeriveEscrowAddress(testProgram(), "sess-chain"), escrow)
	// Tracking again is a no-op.
	r.TrackEscrow(ctx, "sess-chain", testWinner, testLoser)

	// Neither client ever reports; the chain shows both stakes landed.
	fake.setAccount(escrow, &ledger.EscrowAccount{
		Version:       1,
		SessionID:     "sess-chain",
		Creator:       testWinner,
		Joiner:        testLoser,
		StakeLamports: 30_000_000,
		Status:        ledger.EscrowActive,
		CreatorStaked: true,
		JoinerStaked:  true,
	})
	watcher.Poll(ctx)

	select {
	case sessionID := <-gateCh:
		require.Equal(t, "sess-chain", sessionID)
	case <-time.After(2 * time.Second):
		t.Fatal("gate never opened from chain-observed stakes")
	}
	require.Equal(t, 2, r.StakedCount("sess-chain"))

	r.Untrack("sess-chain")
	require.Zero(t, r.StakedCount("sess-chain"))
}

func TestCancelRefundsStakedCreator(t *testing.T) {
	fake := newFakeLedger()
	r, _ := newTestReconciler(t, fake, nil)

	escrow := ledger.DeriveEscrowAddress(testProgram(), "sess-cancel")
	fake.setAccount(escrow, &ledger.EscrowAccount{
		Version:       1,
		SessionID:     "sess-cancel",
		Creator:       testWinner,
		StakeLamports: 30_000_000,
		Status:        ledger.EscrowAwaitingJoiner,
		CreatorStaked: true,
	})

	sig, err := r.Cancel(context.Background(), "sess-cancel", testWinner)
	require.NoError(t, err)
	require.NotEqual(t, ledger.Signature{}, sig)
	require.Equal(t, []ledger.InstructionKind{ledger.InstrRefund}, fake.kinds())
	// The refund targets the creator.
	require.True(t, bytes.Contains(fake.payloads[0], []byte(testWinner)))
	require.Equal(t, ledger.EscrowRefunded, fake.account(escrow).Status)
}

func TestCancelRefundsAckedCreatorBeforeWatcherTick(t *testing.T) {
	fake := newFakeLedger()
	r, _ := newTestReconciler(t, fake, nil)

	escrow := ledger.DeriveEscrowAddress(testProgram(), "sess-acked")
	fake.setAccount(escrow, &ledger.EscrowAccount{
		Version:       1,
		SessionID:     "sess-acked",
		Creator:       testWinner,
		StakeLamports: 30_000_000,
		Status:        ledger.EscrowAwaitingJoiner,
		CreatorStaked: true,
	})
	// The creator reported its own stake; no watcher tick has run, so no
	// session view anywhere carries a staked flag yet. The cancel decision
	// must come from the reconciler's own state, not from a caller.
	r.RecordStakeAck("sess-acked", testWinner)

	sig, err := r.Cancel(context.Background(), "sess-acked", testWinner)
	require.NoError(t, err)
	require.NotEqual(t, ledger.Signature{}, sig)
	require.Equal(t, []ledger.InstructionKind{ledger.InstrRefund}, fake.kinds())
	require.Equal(t, ledger.EscrowRefunded, fake.account(escrow).Status)
}

func TestCancelWithoutStakeSkipsLedger(t *testing.T) {
	fake := newFakeLedger()
	r, _ := newTestReconciler(t, fake, nil)

	sig, err := r.Cancel(context.Background(), "sess-nostake", testWinner)
	require.NoError(t, err)
	require.Equal(t, ledger.Signature{}, sig)
	require.Empty(t, fake.kinds())
}

func TestCancelPropagatesFetchFailure(t *testing.T) {
	fake := newFakeLedger()
	r, _ := newTestReconciler(t, fake, nil)

	escrow := ledger.DeriveEscrowAddress(testProgram(), "sess-dark")
	fake.setAccount(escrow, &ledger.EscrowAccount{
		Version:       1,
		SessionID:     "sess-dark",
		Creator:       testWinner,
		StakeLamports: 30_000_000,
		Status:        ledger.EscrowAwaitingJoiner,
		CreatorStaked: true,
	})
	fake.failFetches = 1

	// A stake may be sitting behind the unreachable node; the caller must
	// hear about it rather than cancel silently with nothing refunded.
	_, err := r.Cancel(context.Background(), "sess-dark", testWinner)
	require.Error(t, err)
	require.Empty(t, fake.kinds())
}

func TestUntrackStopsEscrowRelay(t *testing.T) {
	fake := newFakeLedger()
	r, _ := newTestReconciler(t, fake, nil)

	before := runtime.NumGoroutine()
	for i := 0; i < 50; i++ {
		id := fmt.Sprintf("sess-relay-%d", i)
		r.TrackEscrow(context.Background(), id, testWinner, testLoser)
		r.Untrack(id)
	}
	require.Eventually(t, func() bool {
		return runtime.NumGoroutine() <= before+2
	}, 2*time.Second, 10*time.Millisecond, "relay goroutines survived untrack")
}

func TestRecoverAbandonedFallsBackToMarkAbandoned(t *testing.T) {
	fake := newFakeLedger()
	r, _ := newTestReconciler(t, fake, nil)

	escrow := ledger.DeriveEscrowAddress(testProgram(), "sess-fallback")
	fake.setAccount(escrow, &ledger.EscrowAccount{
		Version:       1,
		SessionID:     "sess-fallback",
		Creator:       testWinner,
		Joiner:        testLoser,
		StakeLamports: 30_000_000,
		Status:        ledger.EscrowActive,
		CreatorStaked: true,
		JoinerStaked:  true,
	})
	// The program rejects the synthetic-move path; recovery must fall back
	// to mark-abandoned and still record the real winner.
	fake.failSubmits = 3 // exhausts the first strategy's retries

	err := r.RecoverAbandoned(context.Background(), "sess-fallback", testWinner, testLoser)
	require.NoError(t, err)

	acc := fake.account(escrow)
	require.Equal(t, ledger.EscrowFinished, acc.Status)
	require.Equal(t, testWinner, acc.Winner)
	require.Contains(t, fake.kinds(), ledger.InstrMarkAbandoned)
}
