package ledger

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/decred/slog"
)

// EscrowUpdate is the per-tick snapshot the watcher pushes to subscribers of
// an escrow account.
type EscrowUpdate struct {
	Escrow  Address
	Account *EscrowAccount // nil until the account exists on chain
	Slot    uint64
	Confs   uint32
	OK      bool // account exists and decoded cleanly
	At      time.Time
}

// EscrowWatcher is a minimal pusher: each tick it fetches every escrow
// account that currently has at least one subscriber and broadcasts an
// EscrowUpdate. No per-account state beyond the first-seen slot is retained.
type EscrowWatcher struct {
	log slog.Logger
	rpc RPC

	mu   sync.RWMutex
	tip  uint64
	subs map[Address]map[chan EscrowUpdate]struct{}

	// firstSeen records the slot an escrow account was first observed at,
	// so confirmations can be derived from tip height.
	firstSeen map[Address]uint64

	quit chan struct{}
}

func NewEscrowWatcher(log slog.Logger, rpc RPC) *EscrowWatcher {
	return &EscrowWatcher{
		log:       log,
		rpc:       rpc,
		subs:      make(map[Address]map[chan EscrowUpdate]struct{}),
		firstSeen: make(map[Address]uint64),
		quit:      make(chan struct{}),
	}
}

func (w *EscrowWatcher) Stop() { close(w.quit) }

func (w *EscrowWatcher) Run(ctx context.Context) {
	w.log.Infof("watcher: started")
	t := time.NewTicker(5 * time.Second)
	defer t.Stop()
	defer w.log.Infof("watcher: stopped")
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.quit:
			return
		case <-t.C:
			w.pollOnce(ctx)
		}
	}
}

// Poll runs one scan immediately, outside the ticker. Useful right after a
// subscribe when the caller cannot wait a full tick.
func (w *EscrowWatcher) Poll(ctx context.Context) { w.pollOnce(ctx) }

func (w *EscrowWatcher) pollOnce(ctx context.Context) {
	// Update tip (best effort).
	if ref, err := w.rpc.LatestBlockRef(ctx); err == nil {
		w.mu.Lock()
		w.tip = ref.Height
		w.mu.Unlock()
	} else {
		w.log.Debugf("watcher: LatestBlockRef failed: %v", err)
	}

	// Snapshot subscribed escrows.
	w.mu.RLock()
	if len(w.subs) == 0 {
		w.mu.RUnlock()
		return
	}
	keys := make([]Address, 0, len(w.subs))
	for k := range w.subs {
		keys = append(keys, k)
	}
	w.mu.RUnlock()

	tip := w.currentTip()

	for _, escrow := range keys {
		data, slot, err := w.rpc.AccountData(ctx, escrow)
		if err != nil {
			if !errors.Is(err, ErrAccountNotFound) {
				w.log.Debugf("watcher: AccountData %s failed: %v", escrow, err)
			}
			w.broadcastUpdate(escrow, EscrowUpdate{
				Escrow: escrow,
				OK:     false,
				At:     time.Now(),
			})
			continue
		}

		acc, err := DecodeEscrowAccount(data)
		if err != nil {
			w.log.Warnf("watcher: escrow %s decode failed: %v", escrow, err)
			w.broadcastUpdate(escrow, EscrowUpdate{
				Escrow: escrow,
				Slot:   slot,
				OK:     false,
				At:     time.Now(),
			})
			continue
		}

		w.mu.Lock()
		first, ok := w.firstSeen[escrow]
		if !ok {
			first = slot
			w.firstSeen[escrow] = slot
		}
		w.mu.Unlock()

		var confs uint32
		if tip >= first {
			confs = uint32(tip - first + 1)
		}

		w.broadcastUpdate(escrow, EscrowUpdate{
			Escrow:  escrow,
			Account: acc,
			Slot:    slot,
			Confs:   confs,
			OK:      true,
			At:      time.Now(),
		})
	}
}

func (w *EscrowWatcher) currentTip() uint64 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.tip
}

// Subscribe adds a listener for escrow and returns the channel + unsubscribe.
// No initial snapshot is sent; first data arrives on the next tick.
func (w *EscrowWatcher) Subscribe(escrow Address) (<-chan EscrowUpdate, func()) {
	ch := make(chan EscrowUpdate, 8)

	w.mu.Lock()
	if _, ok := w.subs[escrow]; !ok {
		w.subs[escrow] = make(map[chan EscrowUpdate]struct{})
	}
	w.subs[escrow][ch] = struct{}{}
	n := len(w.subs[escrow])
	w.mu.Unlock()
	w.log.Infof("watcher: subscribed escrow=%s (subs=%d)", escrow, n)

	unsub := func() {
		w.mu.Lock()
		if set, ok := w.subs[escrow]; ok {
			delete(set, ch)
			if len(set) == 0 {
				delete(w.subs, escrow)
				delete(w.firstSeen, escrow)
			}
		}
		remaining := 0
		if set, ok := w.subs[escrow]; ok {
			remaining = len(set)
		}
		w.mu.Unlock()
		w.log.Infof("watcher: unsubscribed escrow=%s (subs=%d)", escrow, remaining)
		// Do not close(ch): the producer may still try to send; let the
		// receiver stop by context.
	}
	return ch, unsub
}

// broadcastUpdate snapshots subscribers for escrow, then best-effort sends.
func (w *EscrowWatcher) broadcastUpdate(escrow Address, u EscrowUpdate) {
	w.mu.RLock()
	set := w.subs[escrow]
	chs := make([]chan EscrowUpdate, 0, len(set))
	for ch := range set {
		chs = append(chs, ch)
	}
	w.mu.RUnlock()

	for _, ch := range chs {
		select {
		case ch <- u:
		default:
			// Drop if receiver is slow.
		}
	}
}
