package ledger

import (
	"context"
	"sync"
	"testing"

	"github.com/decred/slog"
	"github.com/stretchr/testify/require"
)

// fakeRPC is an in-memory ledger node for watcher tests.
type fakeRPC struct {
	mu       sync.Mutex
	accounts map[Address][]byte
	slot     uint64
	height   uint64
}

func newFakeRPC() *fakeRPC {
	return &fakeRPC{accounts: make(map[Address][]byte)}
}

func (f *fakeRPC) setAccount(addr Address, acc *EscrowAccount) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accounts[addr] = EncodeEscrowAccount(acc)
}

func (f *fakeRPC) SubmitTransaction(ctx context.Context, raw []byte) (Signature, error) {
	return Signature{1}, nil
}

func (f *fakeRPC) AccountData(ctx context.Context, addr Address) ([]byte, uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.accounts[addr]
	if !ok {
		return nil, 0, ErrAccountNotFound
	}
	return data, f.slot, nil
}

func (f *fakeRPC) LatestBlockRef(ctx context.Context) (BlockRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return BlockRef{Hash: "fake", Height: f.height}, nil
}

func (f *fakeRPC) ConfirmSignature(ctx context.Context, sig Signature) (uint32, error) {
	return 1, nil
}

func (f *fakeRPC) advance(n uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.height += n
	f.slot += n
}

func TestWatcherBroadcastsAccountState(t *testing.T) {
	rpc := newFakeRPC()
	w := NewEscrowWatcher(slog.Disabled, rpc)

	program := testAddress(0x11)
	escrow := DeriveEscrowAddress(program, "a1b2c3d4e5f60718")
	ch, unsub := w.Subscribe(escrow)
	defer unsub()

	ctx := context.Background()

	// Account does not exist yet: update arrives with OK=false.
	w.pollOnce(ctx)
	u := <-ch
	require.False(t, u.OK)
	require.Nil(t, u.Account)

	rpc.advance(10)
	rpc.setAccount(escrow, &EscrowAccount{
		Version:       1,
		SessionID:     "a1b2c3d4e5f60718",
		Creator:       "7xKXtg2CW87d97TXJSDpbD5jBkheTqA83TZRuJosgAsU",
		StakeLamports: 30_000_000,
		Status:        EscrowAwaitingJoiner,
		CreatorStaked: true,
	})

	w.pollOnce(ctx)
	u = <-ch
	require.True(t, u.OK)
	require.NotNil(t, u.Account)
	require.True(t, u.Account.CreatorStaked)
	require.False(t, u.Account.JoinerStaked)
	require.Equal(t, uint32(1), u.Confs)

	// Two more blocks on top deepens the confirmation count.
	rpc.advance(2)
	w.pollOnce(ctx)
	u = <-ch
	require.Equal(t, uint32(3), u.Confs)
}

func TestWatcherUnsubscribeStopsDelivery(t *testing.T) {
	rpc := newFakeRPC()
	w := NewEscrowWatcher(slog.Disabled, rpc)

	escrow := DeriveEscrowAddress(testAddress(0x11), "ffffffffffffffff")
	ch, unsub := w.Subscribe(escrow)
	unsub()

	w.pollOnce(context.Background())
	select {
	case u := <-ch:
		t.Fatalf("unexpected update after unsubscribe: %+v", u)
	default:
	}
}
