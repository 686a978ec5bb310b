package settlement

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/decred/slog"

	"github.com/leravalera4/rps-game/gamedb"
	"github.com/leravalera4/rps-game/ledger"
)

// MatchResult is the completion event handed to the finalizer when a
// ledger-stake match reaches game-over.
type MatchResult struct {
	SessionID     string
	WinnerWallet  string
	LoserWallet   string
	StakeLamports uint64
}

// OutcomeSink is notified after every finalization attempt settles on an
// outcome, terminal or not.
type OutcomeSink func(sessionID string, outcome gamedb.FinalizationOutcome)

// Finalizer pays out finished matches with the custodial service key. It
// runs out-of-band from player requests: each match result is handled on its
// own goroutine, serialized per session, fully concurrent across sessions.
type Finalizer struct {
	log     slog.Logger
	rpc     ledger.RPC
	store   gamedb.Store
	rec     *Reconciler
	program ledger.Address
	key     *ledger.ServiceKey
	retry   ledger.RetryPolicy

	// platformWallet collects the platform's share of every fee.
	platformWallet string

	mu    sync.Mutex
	locks map[string]*sync.Mutex // per-session finalize serialization

	onOutcome OutcomeSink
}

// NewFinalizer wires a finalizer. onOutcome may be nil.
func NewFinalizer(log slog.Logger, rpc ledger.RPC, store gamedb.Store, rec *Reconciler,
	program ledger.Address, key *ledger.ServiceKey, retry ledger.RetryPolicy,
	platformWallet string, onOutcome OutcomeSink) *Finalizer {
	return &Finalizer{
		log:            log,
		rpc:            rpc,
		store:          store,
		rec:            rec,
		program:        program,
		key:            key,
		retry:          retry,
		platformWallet: platformWallet,
		locks:          make(map[string]*sync.Mutex),
		onOutcome:      onOutcome,
	}
}

func (f *Finalizer) sessionLock(sessionID string) *sync.Mutex {
	f.mu.Lock()
	defer f.mu.Unlock()
	l := f.locks[sessionID]
	if l == nil {
		l = &sync.Mutex{}
		f.locks[sessionID] = l
	}
	return l
}

// Finalize settles a completed match: recovery first if the program still
// shows the match in progress, then one atomic finalize transaction moving
// payout, platform fee and referral cut. Safe to invoke any number of times
// for the same session; a settled record makes re-triggers no-ops returning
// the existing record.
func (f *Finalizer) Finalize(ctx context.Context, res MatchResult) (*gamedb.FinalizationRecord, error) {
	l := f.sessionLock(res.SessionID)
	l.Lock()
	defer l.Unlock()

	// Idempotency: a terminal record ends the story.
	if rec, err := f.store.FetchFinalization(ctx, res.SessionID); err == nil {
		if rec.Outcome.Terminal() {
			f.log.Debugf("finalizer: session=%s already %s, no-op", res.SessionID, rec.Outcome)
			return rec, nil
		}
	} else if !errors.Is(err, gamedb.ErrRecordNotFound) {
		return nil, fmt.Errorf("fetch finalization %s: %w", res.SessionID, err)
	}

	referrer := f.lookupReferrer(ctx, res.WinnerWallet)
	split := ComputeSplit(res.StakeLamports, referrer != "")
	escrow := ledger.DeriveEscrowAddress(f.program, res.SessionID)

	rec := &gamedb.FinalizationRecord{
		SessionID:        res.SessionID,
		Escrow:           escrow.String(),
		WinnerWallet:     res.WinnerWallet,
		LoserWallet:      res.LoserWallet,
		StakeLamports:    res.StakeLamports,
		FeeLamports:      split.Fee,
		PayoutLamports:   split.Payout,
		ReferralLamports: split.Referral,
		ReferrerWallet:   referrer,
		Outcome:          gamedb.OutcomeAttempting,
	}
	if err := f.store.CreateFinalization(ctx, rec); err != nil {
		if !errors.Is(err, gamedb.ErrDuplicateRecord) {
			return nil, fmt.Errorf("create finalization %s: %w", res.SessionID, err)
		}
		// A prior attempt left a non-terminal record; resume it.
		if err := f.store.UpdateFinalization(ctx, res.SessionID, func(r *gamedb.FinalizationRecord) error {
			r.Outcome = gamedb.OutcomeAttempting
			*rec = *r
			return nil
		}); err != nil {
			return nil, fmt.Errorf("resume finalization %s: %w", res.SessionID, err)
		}
	}

	if err := f.settle(ctx, res, escrow, split, rec); err != nil {
		f.log.Errorf("finalizer: session=%s failed, funds stay escrowed: %v", res.SessionID, err)
		_ = f.store.UpdateFinalization(ctx, res.SessionID, func(r *gamedb.FinalizationRecord) error {
			r.Outcome = gamedb.OutcomeFailedNeedsRecovery
			r.Attempts = rec.Attempts
			r.LastError = err.Error()
			*rec = *r
			return nil
		})
		f.notify(res.SessionID, gamedb.OutcomeFailedNeedsRecovery)
		return rec, err
	}

	if err := f.store.UpdateFinalization(ctx, res.SessionID, func(r *gamedb.FinalizationRecord) error {
		r.Outcome = gamedb.OutcomeSettled
		r.TxSignature = rec.TxSignature
		r.Attempts = rec.Attempts
		r.LastError = ""
		*rec = *r
		return nil
	}); err != nil {
		return nil, fmt.Errorf("record settlement %s: %w", res.SessionID, err)
	}

	if referrer != "" && split.Referral > 0 {
		if err := f.store.CreditReferral(ctx, referrer, split.Referral); err != nil {
			f.log.Warnf("finalizer: session=%s referral credit for %s failed: %v", res.SessionID, referrer, err)
		}
	}

	f.log.Infof("finalizer: session=%s settled winner=%s payout=%d fee=%d referral=%d sig=%s",
		res.SessionID, res.WinnerWallet, split.Payout, split.Fee, split.Referral, rec.TxSignature)
	f.notify(res.SessionID, gamedb.OutcomeSettled)
	return rec, nil
}

// settle performs the on-chain work: recovery when needed, then the finalize
// transaction under the bounded retry policy. Each attempt refetches the
// escrow account first — a Settled account means a previous broadcast landed
// and the attempt is a no-op success; anything other than Finished means a
// retry could double-pay and the attempt must stop.
func (f *Finalizer) settle(ctx context.Context, res MatchResult, escrow ledger.Address, split Split, rec *gamedb.FinalizationRecord) error {
	// The pre-recovery fetch gets the same bounded retries as the submit
	// loop; a single RPC blip must not condemn the record to recovery.
	var acc *ledger.EscrowAccount
	if err := f.retry.Do(ctx, func() error {
		var err error
		acc, err = f.rec.fetchEscrow(ctx, escrow)
		return err
	}); err != nil {
		return err
	}
	if acc.Status != ledger.EscrowFinished && acc.Status != ledger.EscrowSettled {
		if err := f.rec.RecoverAbandoned(ctx, res.SessionID, res.WinnerWallet, res.LoserWallet); err != nil {
			return err
		}
	} else if _, err := recoveryDone(acc, res.SessionID, res.WinnerWallet, escrow); err != nil {
		return err
	}

	return f.retry.Do(ctx, func() error {
		acc, err := f.rec.fetchEscrow(ctx, escrow)
		if err != nil {
			return err
		}
		switch acc.Status {
		case ledger.EscrowSettled:
			// An earlier broadcast confirmed after its attempt errored.
			if acc.Winner != res.WinnerWallet {
				return ledger.Permanent(fmt.Errorf("escrow %s settled to %q, expected %q: %w",
					escrow, acc.Winner, res.WinnerWallet, ErrNeedsManualRecovery))
			}
			return nil
		case ledger.EscrowFinished:
			if acc.Winner != res.WinnerWallet {
				return ledger.Permanent(fmt.Errorf("escrow %s finished with winner %q, expected %q: %w",
					escrow, acc.Winner, res.WinnerWallet, ErrNeedsManualRecovery))
			}
		default:
			return ledger.Permanent(fmt.Errorf("escrow %s in state %s, cannot finalize: %w",
				escrow, acc.Status, ErrNeedsManualRecovery))
		}

		ref, err := f.rpc.LatestBlockRef(ctx)
		if err != nil {
			return err
		}
		tx := &ledger.Transaction{
			Block: ref,
			Payer: f.key.Address(),
			Instructions: []ledger.Instruction{
				ledger.FinalizeInstruction(f.program, escrow, res.WinnerWallet,
					f.platformWallet, rec.ReferrerWallet,
					split.Payout, split.Platform, split.Referral),
			},
		}
		if err := f.key.Sign(tx); err != nil {
			return ledger.Permanent(err)
		}
		raw, err := tx.Serialize()
		if err != nil {
			return ledger.Permanent(err)
		}

		rec.Attempts++
		sig, err := f.rpc.SubmitTransaction(ctx, raw)
		if err != nil {
			f.log.Warnf("finalizer: session=%s attempt %d failed: %v", res.SessionID, rec.Attempts, err)
			return err
		}
		rec.TxSignature = sig.String()
		return nil
	})
}

// lookupReferrer returns the winner's referrer wallet, empty when none is on
// file or the lookup fails. A referral lookup failure must never block a
// payout.
func (f *Finalizer) lookupReferrer(ctx context.Context, wallet string) string {
	prof, err := f.store.FetchReferral(ctx, wallet)
	if err != nil {
		if !errors.Is(err, gamedb.ErrRecordNotFound) {
			f.log.Warnf("finalizer: referral lookup for %s failed: %v", wallet, err)
		}
		return ""
	}
	return prof.ReferrerWallet
}

func (f *Finalizer) notify(sessionID string, outcome gamedb.FinalizationOutcome) {
	if f.onOutcome != nil {
		f.onOutcome(sessionID, outcome)
	}
}

// RetryFailed rescans durable records flagged failed-needs-recovery and
// re-runs finalization for each. Meant to be invoked on an operator's
// schedule, not automatically.
func (f *Finalizer) RetryFailed(ctx context.Context) (int, error) {
	recs, err := f.store.FetchByOutcome(ctx, gamedb.OutcomeFailedNeedsRecovery)
	if err != nil {
		return 0, err
	}
	settled := 0
	for _, rec := range recs {
		res := MatchResult{
			SessionID:     rec.SessionID,
			WinnerWallet:  rec.WinnerWallet,
			LoserWallet:   rec.LoserWallet,
			StakeLamports: rec.StakeLamports,
		}
		if _, err := f.Finalize(ctx, res); err == nil {
			settled++
		}
	}
	return settled, nil
}
