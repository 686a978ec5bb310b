package server

import (
	"encoding/json"

	"github.com/leravalera4/rps-game/rpsgame"
)

// Envelope is the JSON frame every realtime message travels in, both
// directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Client-originated events.
const (
	EvCreateSession  = "create_session"
	EvJoinSession    = "join_session"
	EvSubmitMove     = "submit_move"
	EvRevealMove     = "reveal_move"
	EvLeaveSession   = "leave_session"
	EvStartGame      = "start_game"
	EvStakeConfirmed = "stake_confirmed"
)

// Coordinator-originated events.
const (
	EvSessionCreated   = "session_created"
	EvPlayerJoined     = "player_joined"
	EvStakeRequired    = "stake_required"
	EvRevealRequest    = "reveal_request"
	EvRoundCompleted   = "round_completed"
	EvRoundStarted     = "round_started"
	EvMatchCompleted   = "match_completed"
	EvSessionCancelled = "session_cancelled"
	EvError            = "error"
)

// CreateSessionReq opens a new session with the sender as creator.
type CreateSessionReq struct {
	Mode     rpsgame.Mode     `json:"mode"`
	Currency rpsgame.Currency `json:"currency"`
	Stake    uint64           `json:"stake"`
}

// JoinSessionReq seats the sender as the second player.
type JoinSessionReq struct {
	SessionID string           `json:"session_id"`
	Currency  rpsgame.Currency `json:"currency"`
}

// SubmitMoveReq carries a hex move commitment for the current round.
type SubmitMoveReq struct {
	SessionID  string `json:"session_id"`
	Commitment string `json:"commitment"`
}

// RevealMoveReq opens the sender's commitment.
type RevealMoveReq struct {
	SessionID string `json:"session_id"`
	Move      string `json:"move"`
	Nonce     string `json:"nonce"`
}

// SessionRef names a session in events that need nothing else.
type SessionRef struct {
	SessionID string `json:"session_id"`
}

// StakeRequiredPayload tells both players to run their stake transaction
// against the derived escrow address.
type StakeRequiredPayload struct {
	SessionID string `json:"session_id"`
	Escrow    string `json:"escrow"`
	Stake     uint64 `json:"stake"`
}

// RoundCompletedPayload reports one resolved round to both players.
type RoundCompletedPayload struct {
	SessionID string `json:"session_id"`
	Round     uint32 `json:"round"`
	Move1     string `json:"move1"`
	Move2     string `json:"move2"`
	WinnerID  string `json:"winner_id,omitempty"` // empty on a draw
	Score1    int    `json:"score1"`
	Score2    int    `json:"score2"`
	MatchOver bool   `json:"match_over"`
}

// MatchCompletedPayload announces the final result.
type MatchCompletedPayload struct {
	SessionID string `json:"session_id"`
	WinnerID  string `json:"winner_id"`
	Reason    string `json:"reason"`
	Score1    int    `json:"score1"`
	Score2    int    `json:"score2"`
}

// ErrorPayload is sent back for any rejected client event.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// MarshalEnvelope packs an event and its payload into wire bytes.
func MarshalEnvelope(event string, data any) ([]byte, error) {
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	return json.Marshal(Envelope{Event: event, Data: raw})
}
