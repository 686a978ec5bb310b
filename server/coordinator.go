package server

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/decred/slog"
	"github.com/vctt94/bisonbotkit/utils"

	"github.com/leravalera4/rps-game/gamedb"
	"github.com/leravalera4/rps-game/ledger"
	"github.com/leravalera4/rps-game/rpsgame"
	"github.com/leravalera4/rps-game/settlement"
)

// Notifier delivers a named event to a connected player. Implementations
// must never block; slow receivers get dropped frames, not a stalled
// coordinator.
type Notifier interface {
	Notify(playerID, event string, data any)
}

// roundResultDelay is how long a resolved round stays visible before the
// next round starts.
const roundResultDelay = 3 * time.Second

// Coordinator owns the session state machines. Every client event lands
// here after the gateway decodes it; all mutation of a session goes through
// the session's own lock, so the coordinator itself carries no lock beyond
// what the stores provide.
type Coordinator struct {
	log      slog.Logger
	sessions *rpsgame.Sessions
	notify   Notifier

	// Settlement wiring, bound after construction because the reconciler's
	// callbacks point back here.
	rec *settlement.Reconciler
	fin *settlement.Finalizer

	// finalizeCtx outlives player requests; a disconnecting player must not
	// cancel an in-flight settlement.
	finalizeCtx context.Context

	roundDelay time.Duration
}

func NewCoordinator(log slog.Logger, sessions *rpsgame.Sessions, notify Notifier) *Coordinator {
	return &Coordinator{
		log:         log,
		sessions:    sessions,
		notify:      notify,
		finalizeCtx: context.Background(),
		roundDelay:  roundResultDelay,
	}
}

// AttachSettlement binds the settlement layer. Must be called once before
// any ledger-stake session is created.
func (c *Coordinator) AttachSettlement(rec *settlement.Reconciler, fin *settlement.Finalizer) {
	c.rec = rec
	c.fin = fin
}

// CreateSession opens a new session with wallet as creator. For a ledger
// stake nothing touches the chain yet; escrow work is deferred until a
// second player exists so funds are never locked for a match that may never
// start.
func (c *Coordinator) CreateSession(wallet string, req CreateSessionReq) (rpsgame.View, error) {
	if req.Currency != rpsgame.CurrencyPoints && req.Currency != rpsgame.CurrencyLedger {
		return rpsgame.View{}, rpsgame.ErrInvalidCurrency
	}
	id, err := utils.GenerateRandomString(16)
	if err != nil {
		return rpsgame.View{}, fmt.Errorf("generate session id: %w", err)
	}

	sess := rpsgame.NewSession(id, req.Mode, req.Currency, req.Stake, wallet)
	c.sessions.Add(sess)
	c.log.Infof("session %s created by %s (%s %s stake=%d)",
		id, sess.Player1.ID, req.Mode, req.Currency, req.Stake)

	view := sess.Snapshot()
	c.notify.Notify(sess.Player1.ID, EvSessionCreated, view)
	return view, nil
}

// JoinSession seats wallet as the second player. Points matches start
// immediately; ledger matches emit stake_required to both players and hold
// in waiting until the reconciler reports both stakes.
func (c *Coordinator) JoinSession(wallet string, req JoinSessionReq) (rpsgame.View, error) {
	sess := c.sessions.Get(req.SessionID)
	if sess == nil {
		return rpsgame.View{}, rpsgame.ErrSessionNotFound
	}
	rejoin := sess.HasPlayer(rpsgame.PlayerIDFromWallet(wallet))
	joiner, err := sess.Join(wallet, req.Currency)
	if err != nil {
		return rpsgame.View{}, err
	}
	if rejoin {
		// Redelivered join from the seated player: hand the current view
		// back without re-running start or escrow side effects.
		return sess.Snapshot(), nil
	}
	c.sessions.IndexPlayer(joiner.ID, sess.ID)

	view := sess.Snapshot()
	c.broadcast(sess, EvPlayerJoined, view)

	switch sess.Currency {
	case rpsgame.CurrencyLedger:
		escrow := c.rec.TrackEscrow(c.finalizeCtx, sess.ID, sess.Player1.Wallet, joiner.Wallet)
		sess.UpdateEscrow(func(ref *rpsgame.EscrowRef) { ref.Address = escrow.String() })
		c.broadcast(sess, EvStakeRequired, StakeRequiredPayload{
			SessionID: sess.ID,
			Escrow:    escrow.String(),
			Stake:     sess.Stake,
		})
	default:
		if err := c.startPlaying(sess); err != nil {
			return rpsgame.View{}, err
		}
	}
	return sess.Snapshot(), nil
}

func (c *Coordinator) startPlaying(sess *rpsgame.Session) error {
	if err := sess.SetPlaying(); err != nil {
		return err
	}
	c.log.Infof("session %s playing", sess.ID)
	c.broadcast(sess, EvRoundStarted, sess.Snapshot())
	return nil
}

// StakeConfirmed records a client-reported stake acknowledgment. The same
// ack may also arrive over HTTP or from the chain watcher; the reconciler
// deduplicates.
func (c *Coordinator) StakeConfirmed(wallet, sessionID string) error {
	sess := c.sessions.Get(sessionID)
	if sess == nil {
		return rpsgame.ErrSessionNotFound
	}
	if !sess.HasPlayer(rpsgame.PlayerIDFromWallet(wallet)) {
		return rpsgame.ErrUnknownPlayer
	}
	c.rec.RecordStakeAck(sessionID, wallet)
	return nil
}

// OnBothStaked is the reconciler's stake gate callback: both players'
// transactions are confirmed, the match may start. Runs on a reconciler
// goroutine.
func (c *Coordinator) OnBothStaked(sessionID string) {
	sess := c.sessions.Get(sessionID)
	if sess == nil {
		return
	}
	sess.UpdateEscrow(func(ref *rpsgame.EscrowRef) {
		ref.CreatorStaked = true
		ref.JoinerStaked = true
	})
	if err := c.startPlaying(sess); err != nil {
		c.log.Warnf("session %s: start after stakes: %v", sessionID, err)
	}
}

// OnEscrowUpdate mirrors watcher snapshots into the session's escrow
// reference so status surfaces show live confirmation counts.
func (c *Coordinator) OnEscrowUpdate(sessionID string, upd ledger.EscrowUpdate) {
	sess := c.sessions.Get(sessionID)
	if sess == nil || !upd.OK || upd.Account == nil {
		return
	}
	sess.UpdateEscrow(func(ref *rpsgame.EscrowRef) {
		ref.Address = upd.Escrow.String()
		ref.CreatorStaked = upd.Account.CreatorStaked
		ref.JoinerStaked = upd.Account.JoinerStaked
		if upd.Confs > ref.Confirmations {
			ref.Confirmations = upd.Confs
		}
	})
}

// SubmitMoveCommitment stores a player's commitment for the current round.
// When both players are committed the coordinator asks both for reveals.
func (c *Coordinator) SubmitMoveCommitment(playerID string, req SubmitMoveReq) error {
	sess := c.sessions.Get(req.SessionID)
	if sess == nil {
		return rpsgame.ErrSessionNotFound
	}
	raw, err := hex.DecodeString(req.Commitment)
	if err != nil || len(raw) != 32 {
		return fmt.Errorf("commitment must be 32 hex bytes: %w", rpsgame.ErrRevealMismatch)
	}
	var digest [32]byte
	copy(digest[:], raw)

	both, err := sess.SubmitCommit(playerID, digest)
	if err != nil {
		return err
	}
	if both {
		c.broadcast(sess, EvRevealRequest, SessionRef{SessionID: sess.ID})
	}
	return nil
}

// RevealMove verifies a reveal against the stored commitment and resolves
// the round once both reveals are in.
func (c *Coordinator) RevealMove(playerID string, req RevealMoveReq) error {
	sess := c.sessions.Get(req.SessionID)
	if sess == nil {
		return rpsgame.ErrSessionNotFound
	}
	move, err := rpsgame.ParseMove(req.Move)
	if err != nil {
		return err
	}
	nonce, err := hex.DecodeString(req.Nonce)
	if err != nil {
		return fmt.Errorf("bad nonce hex: %w", rpsgame.ErrRevealMismatch)
	}

	both, err := sess.SubmitReveal(playerID, move, nonce)
	if err != nil {
		return err
	}
	if both {
		if err := c.resolveRound(sess); err != nil && !errors.Is(err, rpsgame.ErrWrongStatus) {
			return err
		}
		// A redelivered reveal can race the opponent's resolving reveal and
		// observe both-revealed a second time; the round is already resolved
		// and the duplicate is a no-op.
	}
	return nil
}

// resolveRound runs the round engine, publishes the result, and either
// schedules the next round or completes the match.
func (c *Coordinator) resolveRound(sess *rpsgame.Session) error {
	res, err := sess.ResolveRound()
	if err != nil {
		return err
	}
	c.log.Debugf("session %s round %d: %s vs %s -> %s",
		sess.ID, res.Round, res.Move1, res.Move2, res.Outcome)

	c.broadcast(sess, EvRoundCompleted, RoundCompletedPayload{
		SessionID: sess.ID,
		Round:     res.Round,
		Move1:     res.Move1.String(),
		Move2:     res.Move2.String(),
		WinnerID:  res.WinnerID,
		Score1:    res.Score1,
		Score2:    res.Score2,
		MatchOver: res.MatchOver,
	})

	if res.MatchOver {
		if err := sess.Finish(res.WinnerID, rpsgame.WinReasonScore); err != nil {
			return err
		}
		c.completeMatch(sess)
		return nil
	}

	// Let the result sit on screens briefly, then open the next round.
	time.AfterFunc(c.roundDelay, func() {
		if err := sess.NextRound(); err != nil {
			// The match ended during the pause (forfeit); nothing to start.
			return
		}
		c.broadcast(sess, EvRoundStarted, sess.Snapshot())
	})
	return nil
}

// LeaveSession handles explicit leave and transport disconnect alike. In
// waiting the session is cancelled (with refund when the creator staked);
// mid-match the leaver forfeits.
func (c *Coordinator) LeaveSession(playerID, sessionID string) error {
	sess := c.sessions.Get(sessionID)
	if sess == nil {
		return rpsgame.ErrSessionNotFound
	}
	if !sess.HasPlayer(playerID) {
		return rpsgame.ErrUnknownPlayer
	}

	if winnerID, err := sess.Forfeit(playerID); err == nil {
		c.log.Infof("session %s: %s left mid-match, %s wins by forfeit", sessionID, playerID, winnerID)
		c.completeMatch(sess)
		return nil
	}

	return c.cancelSession(sess)
}

// Disconnected is invoked by the gateway when a player's connection drops.
func (c *Coordinator) Disconnected(playerID string) {
	sess := c.sessions.ForPlayer(playerID)
	if sess == nil {
		return
	}
	if err := c.LeaveSession(playerID, sess.ID); err != nil {
		c.log.Debugf("disconnect %s session %s: %v", playerID, sess.ID, err)
	}
}

// cancelSession tears down a session still in waiting. Refund runs on its
// own goroutine: the ledger round trip takes seconds and must not block the
// gateway read loop.
func (c *Coordinator) cancelSession(sess *rpsgame.Session) error {
	if err := sess.Cancel(); err != nil {
		return err
	}

	if sess.Currency == rpsgame.CurrencyLedger {
		// The reconciler decides whether a refund is due; the session view's
		// staked flags lag behind acks and the chain.
		wallet := sess.Player1.Wallet
		go func() {
			sig, err := c.rec.Cancel(c.finalizeCtx, sess.ID, wallet)
			if err != nil {
				c.log.Errorf("session %s: refund failed: %v", sess.ID, err)
				sess.SetSettlementState(rpsgame.SettlementNeedsRecovery)
				return
			}
			if sig != (ledger.Signature{}) {
				c.log.Infof("session %s: stake refunded, sig=%s", sess.ID, sig)
				sess.SetSettlementState(rpsgame.SettlementRefunded)
			}
		}()
	}

	c.broadcast(sess, EvSessionCancelled, sess.Snapshot())
	return nil
}

// completeMatch publishes the final result and, for ledger stakes, hands the
// session to the finalizer out-of-band.
func (c *Coordinator) completeMatch(sess *rpsgame.Session) {
	view := sess.Snapshot()
	payload := MatchCompletedPayload{
		SessionID: sess.ID,
		WinnerID:  view.WinnerID,
		Reason:    view.WinReason,
	}
	if view.Player1 != nil {
		payload.Score1 = view.Player1.RoundsWon
	}
	if view.Player2 != nil {
		payload.Score2 = view.Player2.RoundsWon
	}
	c.broadcast(sess, EvMatchCompleted, payload)

	if sess.Currency != rpsgame.CurrencyLedger {
		return
	}

	winner, loser := sess.Player1, sess.Player2
	if view.WinnerID != winner.ID {
		winner, loser = loser, winner
	}
	res := settlement.MatchResult{
		SessionID:     sess.ID,
		WinnerWallet:  winner.Wallet,
		LoserWallet:   loser.Wallet,
		StakeLamports: sess.Stake,
	}

	sess.SetSettlementState(rpsgame.SettlementAttempting)
	go func() {
		defer c.rec.Untrack(sess.ID)
		rec, err := c.fin.Finalize(c.finalizeCtx, res)
		if err != nil {
			c.log.Errorf("session %s: finalization: %v", sess.ID, err)
		}
		if rec != nil {
			sess.SetSettlementState(settlementState(rec.Outcome))
		}
	}()
}

func settlementState(o gamedb.FinalizationOutcome) string {
	switch o {
	case gamedb.OutcomeSettled:
		return rpsgame.SettlementSettled
	case gamedb.OutcomeRefunded:
		return rpsgame.SettlementRefunded
	case gamedb.OutcomeFailedNeedsRecovery:
		return rpsgame.SettlementNeedsRecovery
	default:
		return rpsgame.SettlementAttempting
	}
}

// broadcast sends an event to both seated players.
func (c *Coordinator) broadcast(sess *rpsgame.Session, event string, data any) {
	view := sess.Snapshot()
	if view.Player1 != nil {
		c.notify.Notify(view.Player1.ID, event, data)
	}
	if view.Player2 != nil {
		c.notify.Notify(view.Player2.ID, event, data)
	}
}

// PublicSessions lists joinable public sessions for first-come pairing.
func (c *Coordinator) PublicSessions() []rpsgame.View {
	open := c.sessions.Public()
	out := make([]rpsgame.View, 0, len(open))
	for _, s := range open {
		out = append(out, s.Snapshot())
	}
	return out
}

// SessionView returns the snapshot for the HTTP status surface.
func (c *Coordinator) SessionView(sessionID string) (rpsgame.View, error) {
	sess := c.sessions.Get(sessionID)
	if sess == nil {
		return rpsgame.View{}, rpsgame.ErrSessionNotFound
	}
	return sess.Snapshot(), nil
}
