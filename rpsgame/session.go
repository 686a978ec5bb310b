package rpsgame

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// Mode controls who may join a session.
type Mode string

const (
	ModePrivate Mode = "private"
	ModePublic  Mode = "public"
)

// Currency selects what a session is staked in.
type Currency string

const (
	// CurrencyPoints stakes free play points; nothing touches the ledger.
	CurrencyPoints Currency = "points"
	// CurrencyLedger stakes real ledger assets held in an on-chain escrow.
	CurrencyLedger Currency = "ledger"
)

// Status is the coordinator state of a session. Transitions are monotonic
// except for the playing/round-result cycle; game-over and cancelled are
// terminal.
type Status int

const (
	StatusWaiting Status = iota
	StatusPlaying
	StatusRoundResult
	StatusGameOver
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusWaiting:
		return "waiting"
	case StatusPlaying:
		return "playing"
	case StatusRoundResult:
		return "round-result"
	case StatusGameOver:
		return "game-over"
	case StatusCancelled:
		return "cancelled"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// DefaultRoundsToWin makes every match best-of-5.
const DefaultRoundsToWin = 3

// Win reasons recorded on a finished session.
const (
	WinReasonScore        = "score"
	WinReasonOpponentQuit = "opponent_quit"
)

var (
	ErrSessionNotFound      = errors.New("session not found")
	ErrAlreadyFull          = errors.New("session already has two players")
	ErrInvalidCurrency      = errors.New("currency does not match session")
	ErrWrongStatus          = errors.New("operation not valid in current session status")
	ErrUnknownPlayer        = errors.New("player not in session")
	ErrMoveAlreadySubmitted = errors.New("move already submitted for this round")
	ErrNoCommitment         = errors.New("no outstanding commitment for player")
	ErrRevealMismatch       = errors.New("revealed move does not match commitment")
	ErrMovesOutstanding     = errors.New("both moves not yet revealed")
)

// PlayerIDFromWallet derives the opaque player id used everywhere in the
// coordinator from a wallet address prefix.
func PlayerIDFromWallet(wallet string) string {
	if len(wallet) <= 8 {
		return wallet
	}
	return wallet[:8]
}

// Player is one slot of a session. It is owned exclusively by its session
// and only touched under the session lock.
type Player struct {
	ID     string
	Wallet string

	RoundsWon int

	commitment *[32]byte
	move       *Move
	nonce      []byte
}

// Ready reports whether the player has a revealed move this round.
func (p *Player) Ready() bool { return p != nil && p.move != nil }

// EscrowRef mirrors the small slice of on-chain state the coordinator needs:
// the derived escrow address, which players have completed their stake
// transaction, and a monotonically increasing confirmation counter. The
// Settlement Reconciler is the only writer.
type EscrowRef struct {
	Address       string `json:"address"`
	CreatorStaked bool   `json:"creator_staked"`
	JoinerStaked  bool   `json:"joiner_staked"`
	Confirmations uint32 `json:"confirmations"`
}

// Settlement states surfaced on a session after match completion.
const (
	SettlementAttempting    = "attempting"
	SettlementSettled       = "settled"
	SettlementRefunded      = "refunded"
	SettlementNeedsRecovery = "failed-needs-recovery"
)

// Session is a single live match. All mutation goes through methods that
// take the embedded mutex, so every read-modify-write sequence is serialized
// per session while distinct sessions proceed in parallel.
type Session struct {
	sync.Mutex

	ID       string
	Mode     Mode
	Currency Currency
	Stake    uint64 // lamports for ledger stakes, raw points otherwise

	Player1 *Player
	Player2 *Player

	Round       uint32
	RoundsToWin int
	Status      Status

	WinnerID  string
	WinReason string

	Escrow          *EscrowRef
	SettlementState string

	CreatedAt time.Time
	endedAt   time.Time
}

// NewSession creates a session in waiting with the creator seated as player
// one. The id doubles as the on-chain derivation seed and must stay at or
// under 32 bytes.
func NewSession(id string, mode Mode, currency Currency, stake uint64, wallet string) *Session {
	return &Session{
		ID:       id,
		Mode:     mode,
		Currency: currency,
		Stake:    stake,
		Player1: &Player{
			ID:     PlayerIDFromWallet(wallet),
			Wallet: wallet,
		},
		Round:       1,
		RoundsToWin: DefaultRoundsToWin,
		Status:      StatusWaiting,
		CreatedAt:   time.Now(),
	}
}

// Join seats the second player. Joining twice with the same wallet is
// idempotent; joining a full session or with a mismatched currency fails.
func (s *Session) Join(wallet string, currency Currency) (*Player, error) {
	s.Lock()
	defer s.Unlock()

	if currency != s.Currency {
		return nil, ErrInvalidCurrency
	}
	// At-least-once delivery: a redelivered join from the seated second
	// player hands the seat back no matter how far the session has advanced
	// since, so the idempotency check runs before the status check.
	if s.Player2 != nil && s.Player2.Wallet == wallet {
		return s.Player2, nil
	}
	if s.Status != StatusWaiting {
		return nil, ErrWrongStatus
	}
	if s.Player2 != nil || s.Player1.Wallet == wallet {
		return nil, ErrAlreadyFull
	}
	s.Player2 = &Player{
		ID:     PlayerIDFromWallet(wallet),
		Wallet: wallet,
	}
	return s.Player2, nil
}

// player returns the slot for id. Caller holds the lock.
func (s *Session) player(id string) *Player {
	if s.Player1 != nil && s.Player1.ID == id {
		return s.Player1
	}
	if s.Player2 != nil && s.Player2.ID == id {
		return s.Player2
	}
	return nil
}

// opponent returns the other slot. Caller holds the lock.
func (s *Session) opponent(id string) *Player {
	if s.Player1 != nil && s.Player1.ID == id {
		return s.Player2
	}
	if s.Player2 != nil && s.Player2.ID == id {
		return s.Player1
	}
	return nil
}

// HasPlayer reports whether the given player id occupies a slot.
func (s *Session) HasPlayer(id string) bool {
	s.Lock()
	defer s.Unlock()
	return s.player(id) != nil
}

// SetPlaying moves the session out of waiting once the coordinator has seen
// both seats filled and, for ledger stakes, both stake acknowledgments.
func (s *Session) SetPlaying() error {
	s.Lock()
	defer s.Unlock()
	if s.Status != StatusWaiting {
		return ErrWrongStatus
	}
	if s.Player2 == nil {
		return fmt.Errorf("second player missing: %w", ErrWrongStatus)
	}
	s.Status = StatusPlaying
	return nil
}

// SubmitCommit records a move commitment for the current round. The second
// return reports whether both players are now committed.
func (s *Session) SubmitCommit(playerID string, digest [32]byte) (bool, error) {
	s.Lock()
	defer s.Unlock()

	if s.Status != StatusPlaying {
		// Late duplicates for a round that already resolved are a no-op
		// rather than an error: at-least-once transports redeliver.
		if s.Status == StatusRoundResult || s.Status == StatusGameOver {
			return false, nil
		}
		return false, ErrWrongStatus
	}
	p := s.player(playerID)
	if p == nil {
		return false, ErrUnknownPlayer
	}
	if p.commitment != nil {
		return false, ErrMoveAlreadySubmitted
	}
	d := digest
	p.commitment = &d

	other := s.opponent(playerID)
	return other != nil && other.commitment != nil, nil
}

// SubmitReveal verifies a revealed move against the player's outstanding
// commitment and stores it. The first return reports whether both players
// have now revealed. Re-revealing the same move is a no-op.
func (s *Session) SubmitReveal(playerID string, move Move, nonce []byte) (bool, error) {
	s.Lock()
	defer s.Unlock()

	if s.Status != StatusPlaying {
		if s.Status == StatusRoundResult || s.Status == StatusGameOver {
			return false, nil
		}
		return false, ErrWrongStatus
	}
	p := s.player(playerID)
	if p == nil {
		return false, ErrUnknownPlayer
	}
	if p.commitment == nil {
		return false, ErrNoCommitment
	}
	if p.move != nil {
		if *p.move == move {
			other := s.opponent(playerID)
			return other.Ready(), nil
		}
		return false, ErrMoveAlreadySubmitted
	}
	if !VerifyReveal(*p.commitment, move, nonce) {
		return false, ErrRevealMismatch
	}
	m := move
	p.move = &m
	p.nonce = append([]byte(nil), nonce...)

	other := s.opponent(playerID)
	return other.Ready(), nil
}

// BothCommitted reports whether both players have an outstanding commitment.
func (s *Session) BothCommitted() bool {
	s.Lock()
	defer s.Unlock()
	return s.Player1 != nil && s.Player1.commitment != nil &&
		s.Player2 != nil && s.Player2.commitment != nil
}

// RoundResult summarizes one resolved round.
type RoundResult struct {
	Round     uint32
	Move1     Move
	Move2     Move
	Outcome   Outcome
	WinnerID  string // empty on a draw
	Score1    int
	Score2    int
	MatchOver bool
}

// ResolveRound consumes both revealed moves, updates scores and moves the
// session into round-result. A draw increments neither score; the round
// number still advances when the next round starts.
func (s *Session) ResolveRound() (RoundResult, error) {
	s.Lock()
	defer s.Unlock()

	if s.Status != StatusPlaying {
		return RoundResult{}, ErrWrongStatus
	}
	if !s.Player1.Ready() || !s.Player2.Ready() {
		return RoundResult{}, ErrMovesOutstanding
	}

	res := RoundResult{
		Round: s.Round,
		Move1: *s.Player1.move,
		Move2: *s.Player2.move,
	}
	res.Outcome = Resolve(res.Move1, res.Move2)
	switch res.Outcome {
	case OutcomeFirst:
		s.Player1.RoundsWon++
		res.WinnerID = s.Player1.ID
	case OutcomeSecond:
		s.Player2.RoundsWon++
		res.WinnerID = s.Player2.ID
	}
	res.Score1 = s.Player1.RoundsWon
	res.Score2 = s.Player2.RoundsWon
	res.MatchOver = s.Player1.RoundsWon >= s.RoundsToWin || s.Player2.RoundsWon >= s.RoundsToWin

	s.Status = StatusRoundResult
	return res, nil
}

// NextRound clears both players' moves and commitments and returns the
// session to playing for the next round.
func (s *Session) NextRound() error {
	s.Lock()
	defer s.Unlock()

	if s.Status != StatusRoundResult {
		return ErrWrongStatus
	}
	s.Round++
	for _, p := range []*Player{s.Player1, s.Player2} {
		if p == nil {
			continue
		}
		p.commitment = nil
		p.move = nil
		p.nonce = nil
	}
	s.Status = StatusPlaying
	return nil
}

// Finish marks the match over with the given winner and reason.
func (s *Session) Finish(winnerID, reason string) error {
	s.Lock()
	defer s.Unlock()

	if s.Status != StatusPlaying && s.Status != StatusRoundResult {
		return ErrWrongStatus
	}
	if s.player(winnerID) == nil {
		return ErrUnknownPlayer
	}
	s.Status = StatusGameOver
	s.WinnerID = winnerID
	s.WinReason = reason
	s.endedAt = time.Now()
	return nil
}

// Forfeit ends the match because leaverID quit or disconnected mid-game.
// The opponent wins without submitting anything.
func (s *Session) Forfeit(leaverID string) (winnerID string, err error) {
	s.Lock()
	if s.Status != StatusPlaying && s.Status != StatusRoundResult {
		s.Unlock()
		return "", ErrWrongStatus
	}
	opp := s.opponent(leaverID)
	if opp == nil {
		s.Unlock()
		return "", ErrUnknownPlayer
	}
	winnerID = opp.ID
	s.Unlock()

	if err := s.Finish(winnerID, WinReasonOpponentQuit); err != nil {
		return "", err
	}
	return winnerID, nil
}

// Cancel discards a session that never started. Only reachable from
// waiting.
func (s *Session) Cancel() error {
	s.Lock()
	defer s.Unlock()
	if s.Status != StatusWaiting {
		return ErrWrongStatus
	}
	s.Status = StatusCancelled
	s.endedAt = time.Now()
	return nil
}

// Terminal reports whether the session reached game-over or cancelled.
func (s *Session) Terminal() bool {
	s.Lock()
	defer s.Unlock()
	return s.Status == StatusGameOver || s.Status == StatusCancelled
}

// TerminalSince returns when the session became terminal, zero otherwise.
func (s *Session) TerminalSince() time.Time {
	s.Lock()
	defer s.Unlock()
	if s.Status == StatusGameOver || s.Status == StatusCancelled {
		return s.endedAt
	}
	return time.Time{}
}

// UpdateEscrow lets the Settlement Reconciler mutate the escrow reference
// under the session lock. The EscrowRef is created on first use.
func (s *Session) UpdateEscrow(fn func(*EscrowRef)) {
	s.Lock()
	defer s.Unlock()
	if s.Escrow == nil {
		s.Escrow = &EscrowRef{}
	}
	fn(s.Escrow)
}

// BothStaked reports whether both players' stake transactions are recorded.
func (s *Session) BothStaked() bool {
	s.Lock()
	defer s.Unlock()
	return s.Escrow != nil && s.Escrow.CreatorStaked && s.Escrow.JoinerStaked
}

// SetSettlementState records settlement progress for status surfaces.
func (s *Session) SetSettlementState(state string) {
	s.Lock()
	defer s.Unlock()
	s.SettlementState = state
}

// PlayerView is the transport-facing shape of one seat.
type PlayerView struct {
	ID        string `json:"id"`
	Wallet    string `json:"wallet"`
	RoundsWon int    `json:"rounds_won"`
	Ready     bool   `json:"ready"`
}

// View is an immutable snapshot of a session for events and the HTTP
// status surface.
type View struct {
	ID              string      `json:"id"`
	Mode            Mode        `json:"mode"`
	Currency        Currency    `json:"currency"`
	Stake           uint64      `json:"stake"`
	Round           uint32      `json:"round"`
	RoundsToWin     int         `json:"rounds_to_win"`
	Status          string      `json:"status"`
	WinnerID        string      `json:"winner_id,omitempty"`
	WinReason       string      `json:"win_reason,omitempty"`
	Player1         *PlayerView `json:"player1,omitempty"`
	Player2         *PlayerView `json:"player2,omitempty"`
	Escrow          *EscrowRef  `json:"escrow,omitempty"`
	SettlementState string      `json:"settlement_state,omitempty"`
}

// Snapshot copies the session into a View without exposing commitments,
// moves or nonces.
func (s *Session) Snapshot() View {
	s.Lock()
	defer s.Unlock()

	v := View{
		ID:              s.ID,
		Mode:            s.Mode,
		Currency:        s.Currency,
		Stake:           s.Stake,
		Round:           s.Round,
		RoundsToWin:     s.RoundsToWin,
		Status:          s.Status.String(),
		WinnerID:        s.WinnerID,
		WinReason:       s.WinReason,
		SettlementState: s.SettlementState,
	}
	view := func(p *Player) *PlayerView {
		if p == nil {
			return nil
		}
		return &PlayerView{ID: p.ID, Wallet: p.Wallet, RoundsWon: p.RoundsWon, Ready: p.Ready()}
	}
	v.Player1 = view(s.Player1)
	v.Player2 = view(s.Player2)
	if s.Escrow != nil {
		ref := *s.Escrow
		v.Escrow = &ref
	}
	return v
}
