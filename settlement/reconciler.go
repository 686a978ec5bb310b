// Package settlement keeps the on-chain escrow lifecycle consistent with
// live session state: stake-confirmation gating, cancel/refund, recovery of
// abandoned matches and the custodial finalize step that pays the winner.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/decred/slog"

	"github.com/leravalera4/rps-game/ledger"
)

// StakeGate is invoked once both players of a session have confirmed stakes,
// letting the coordinator move the session out of waiting.
type StakeGate func(sessionID string)

// EscrowSink receives per-tick escrow snapshots for a tracked session so the
// coordinator can mirror confirmation counts into its session view.
type EscrowSink func(sessionID string, upd ledger.EscrowUpdate)

// Reconciler tracks per-session stake acknowledgments and drives the escrow
// account through cancel/refund and abandoned-match recovery. Acks arrive
// from two directions: player clients report their own stake transaction
// (over the realtime channel or the redundant HTTP endpoint), and the escrow
// watcher reports what the chain itself shows. Either source can complete
// the gate; both are deduplicated by sessionID+wallet.
type Reconciler struct {
	log     slog.Logger
	rpc     ledger.RPC
	watcher *ledger.EscrowWatcher
	program ledger.Address
	key     *ledger.ServiceKey
	retry   ledger.RetryPolicy

	mu      sync.Mutex
	acks    map[string]map[string]struct{} // sessionID -> staked wallets
	tracked map[string]*trackedEscrow

	onBothStaked StakeGate
	onEscrow     EscrowSink
}

// NewReconciler wires a reconciler against the ledger. onBothStaked and
// onEscrow may be nil when the caller does not need the callbacks.
func NewReconciler(log slog.Logger, rpc ledger.RPC, watcher *ledger.EscrowWatcher,
	program ledger.Address, key *ledger.ServiceKey, retry ledger.RetryPolicy,
	onBothStaked StakeGate, onEscrow EscrowSink) *Reconciler {
	return &Reconciler{
		log:          log,
		rpc:          rpc,
		watcher:      watcher,
		program:      program,
		key:          key,
		retry:        retry,
		acks:         make(map[string]map[string]struct{}),
		tracked:      make(map[string]*trackedEscrow),
		onBothStaked: onBothStaked,
		onEscrow:     onEscrow,
	}
}

// RecordStakeAck records that wallet's stake transaction for sessionID is
// confirmed. Duplicate acks are no-ops. Returns the number of distinct
// staked wallets after recording; the caller sees 2 exactly when the gate
// opens.
func (r *Reconciler) RecordStakeAck(sessionID, wallet string) int {
	r.mu.Lock()
	set := r.acks[sessionID]
	if set == nil {
		set = make(map[string]struct{})
		r.acks[sessionID] = set
	}
	_, dup := set[wallet]
	set[wallet] = struct{}{}
	n := len(set)
	r.mu.Unlock()

	if dup {
		return n
	}
	r.log.Infof("reconciler: stake ack session=%s wallet=%s (%d/2)", sessionID, wallet, n)
	if n == 2 && r.onBothStaked != nil {
		r.onBothStaked(sessionID)
	}
	return n
}

// StakedCount reports how many distinct wallets have acked for sessionID.
func (r *Reconciler) StakedCount(sessionID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.acks[sessionID])
}

// trackedEscrow is one live watcher subscription. The cancel func stops the
// relay goroutine; the watcher never closes subscriber channels itself.
type trackedEscrow struct {
	cancel context.CancelFunc
	unsub  func()
}

// TrackEscrow subscribes the session's derived escrow account on the watcher
// and reconciles chain-observed stake flags into the ack set. Chain truth
// can open the gate even when a client never manages to report its own
// transaction. Tracking is idempotent per session.
func (r *Reconciler) TrackEscrow(ctx context.Context, sessionID, creatorWallet, joinerWallet string) ledger.Address {
	escrow := ledger.DeriveEscrowAddress(r.program, sessionID)

	r.mu.Lock()
	if _, ok := r.tracked[sessionID]; ok {
		r.mu.Unlock()
		return escrow
	}
	ctx, cancel := context.WithCancel(ctx)
	ch, unsub := r.watcher.Subscribe(escrow)
	r.tracked[sessionID] = &trackedEscrow{cancel: cancel, unsub: unsub}
	r.mu.Unlock()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case upd, ok := <-ch:
				if !ok {
					return
				}
				if r.onEscrow != nil {
					r.onEscrow(sessionID, upd)
				}
				if !upd.OK || upd.Account == nil {
					continue
				}
				if upd.Account.CreatorStaked {
					r.RecordStakeAck(sessionID, creatorWallet)
				}
				if upd.Account.JoinerStaked && joinerWallet != "" {
					r.RecordStakeAck(sessionID, joinerWallet)
				}
			}
		}
	}()
	return escrow
}

// Untrack drops the watcher subscription and the ack set for a session that
// reached a terminal state.
func (r *Reconciler) Untrack(sessionID string) {
	r.mu.Lock()
	tr := r.tracked[sessionID]
	delete(r.tracked, sessionID)
	delete(r.acks, sessionID)
	r.mu.Unlock()
	if tr != nil {
		tr.cancel()
		tr.unsub()
	}
}

// Cancel tears down a session that never reached playing. Whether the
// creator's stake needs refunding is decided here from the reconciler's own
// ack set and a fresh account fetch, never from caller state: the creator's
// own ack can land well before the next watcher tick would confirm it on
// any session view. The returned signature is zero when no refund was
// needed.
func (r *Reconciler) Cancel(ctx context.Context, sessionID, creatorWallet string) (ledger.Signature, error) {
	r.mu.Lock()
	_, staked := r.acks[sessionID][creatorWallet]
	r.mu.Unlock()
	defer r.Untrack(sessionID)

	escrow := ledger.DeriveEscrowAddress(r.program, sessionID)
	acc, err := r.fetchEscrow(ctx, escrow)
	switch {
	case err == nil:
		if acc.Status == ledger.EscrowRefunded {
			return ledger.Signature{}, nil
		}
		if acc.CreatorStaked {
			staked = true
		}
	case errors.Is(err, ledger.ErrAccountNotFound):
		// No escrow account exists; only a client-reported ack could mean
		// funds moved.
	default:
		// The chain may hold a stake we cannot see right now. Propagate so
		// the caller flags the session for recovery instead of dropping it.
		return ledger.Signature{}, fmt.Errorf("cancel session %s: %w", sessionID, err)
	}

	if !staked {
		return ledger.Signature{}, nil
	}
	r.log.Infof("reconciler: refunding session=%s creator=%s escrow=%s", sessionID, creatorWallet, escrow)

	sig, err := r.submit(ctx, ledger.RefundInstruction(r.program, escrow, creatorWallet))
	if err != nil {
		return ledger.Signature{}, fmt.Errorf("refund session %s: %w", sessionID, err)
	}
	return sig, nil
}

// submit builds, signs and broadcasts a single-instruction transaction under
// the bounded retry policy. Every attempt fetches a fresh block reference so
// a stale anchor never causes a spurious permanent failure.
func (r *Reconciler) submit(ctx context.Context, instrs ...ledger.Instruction) (ledger.Signature, error) {
	var sig ledger.Signature
	err := r.retry.Do(ctx, func() error {
		ref, err := r.rpc.LatestBlockRef(ctx)
		if err != nil {
			return err
		}
		tx := &ledger.Transaction{
			Block:        ref,
			Payer:        r.key.Address(),
			Instructions: instrs,
		}
		if err := r.key.Sign(tx); err != nil {
			return ledger.Permanent(err)
		}
		raw, err := tx.Serialize()
		if err != nil {
			return ledger.Permanent(err)
		}
		sig, err = r.rpc.SubmitTransaction(ctx, raw)
		return err
	})
	return sig, err
}
