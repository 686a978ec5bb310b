package settlement

import (
	"context"
	"errors"
	"fmt"

	"github.com/leravalera4/rps-game/ledger"
	"github.com/leravalera4/rps-game/rpsgame"
)

// ErrNeedsManualRecovery means the escrow could not be brought into
// agreement with the off-chain result. Funds stay escrowed; an operator must
// intervene. It is never returned for transient RPC trouble, only when the
// chain actively disagrees or every strategy was exhausted.
var ErrNeedsManualRecovery = errors.New("settlement: escrow needs manual recovery")

// recoveryStrategy is one named way to make the program agree a match is
// finished. Strategies run in order; the first one that leaves the escrow in
// finished-with-the-right-winner state wins.
type recoveryStrategy struct {
	name string
	run  func(ctx context.Context, r *Reconciler, escrow ledger.Address, winner, loser string) error
}

var recoveryStrategies = []recoveryStrategy{
	// The program tracks stakes, not rounds, during normal play: a match
	// that finished off-chain usually shows on-chain as mid-game. Submitting
	// a synthetic winning commit+reveal for the known winner walks the
	// program to finished without an admin instruction.
	{name: "synthetic-moves", run: func(ctx context.Context, r *Reconciler, escrow ledger.Address, winner, _ string) error {
		digest, nonce, err := rpsgame.NewCommitment(rpsgame.MoveRock)
		if err != nil {
			return err
		}
		_, err = r.submit(ctx,
			ledger.CommitMoveInstruction(r.program, escrow, winner, digest),
			ledger.RevealMoveInstruction(r.program, escrow, winner, byte(rpsgame.MoveRock), nonce),
		)
		return err
	}},
	// Fallback: declare the loser a deserter through the program's
	// administrative path.
	{name: "mark-abandoned", run: func(ctx context.Context, r *Reconciler, escrow ledger.Address, _, loser string) error {
		_, err := r.submit(ctx, ledger.MarkAbandonedInstruction(r.program, escrow, loser))
		return err
	}},
}

// RecoverAbandoned drives the escrow for sessionID to the finished state
// with exactly the off-chain winner recorded. If the chain already names a
// different winner, or no strategy can make it agree, the caller gets
// ErrNeedsManualRecovery and must not finalize.
func (r *Reconciler) RecoverAbandoned(ctx context.Context, sessionID, winnerWallet, loserWallet string) error {
	escrow := ledger.DeriveEscrowAddress(r.program, sessionID)

	acc, err := r.fetchEscrow(ctx, escrow)
	if err != nil {
		return err
	}
	if done, err := recoveryDone(acc, sessionID, winnerWallet, escrow); done || err != nil {
		return err
	}

	for _, strat := range recoveryStrategies {
		r.log.Infof("reconciler: recovery session=%s strategy=%s", sessionID, strat.name)
		if err := strat.run(ctx, r, escrow, winnerWallet, loserWallet); err != nil {
			r.log.Warnf("reconciler: recovery session=%s strategy=%s failed: %v", sessionID, strat.name, err)
			continue
		}
		if acc, err = r.fetchEscrow(ctx, escrow); err != nil {
			return err
		}
		if done, err := recoveryDone(acc, sessionID, winnerWallet, escrow); done || err != nil {
			return err
		}
	}

	r.log.Errorf("reconciler: recovery exhausted session=%s escrow=%s winner=%s status=%s",
		sessionID, escrow, winnerWallet, acc.Status)
	return fmt.Errorf("session %s: all recovery strategies exhausted: %w", sessionID, ErrNeedsManualRecovery)
}

// recoveryDone inspects a fresh escrow snapshot. It returns done=true when
// the program agrees the match is finished with the right winner, and an
// error when the chain names a different winner. A divergent winner is never
// papered over.
func recoveryDone(acc *ledger.EscrowAccount, sessionID, winnerWallet string, escrow ledger.Address) (bool, error) {
	switch acc.Status {
	case ledger.EscrowFinished, ledger.EscrowSettled:
		if acc.Winner != winnerWallet {
			return false, fmt.Errorf("session %s escrow %s: chain winner %q disagrees with match winner %q: %w",
				sessionID, escrow, acc.Winner, winnerWallet, ErrNeedsManualRecovery)
		}
		return true, nil
	default:
		return false, nil
	}
}

func (r *Reconciler) fetchEscrow(ctx context.Context, escrow ledger.Address) (*ledger.EscrowAccount, error) {
	data, _, err := r.rpc.AccountData(ctx, escrow)
	if err != nil {
		return nil, fmt.Errorf("fetch escrow %s: %w", escrow, err)
	}
	return ledger.DecodeEscrowAccount(data)
}
