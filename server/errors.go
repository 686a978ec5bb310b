package server

import (
	"errors"

	"github.com/leravalera4/rps-game/rpsgame"
	"github.com/leravalera4/rps-game/settlement"
)

// Error codes surfaced on the error event and the HTTP endpoints. Validation
// failures leave session state untouched and are always safe to retry with
// corrected input; ledger trouble maps to try_again.
const (
	CodeNotFound        = "not_found"
	CodeAlreadyFull     = "already_full"
	CodeInvalidCurrency = "invalid_currency"
	CodeWrongStatus     = "wrong_status"
	CodeDuplicateMove   = "duplicate_move"
	CodeNoCommitment    = "no_commitment"
	CodeRevealMismatch  = "reveal_mismatch"
	CodeUnknownPlayer   = "unknown_player"
	CodeBadRequest      = "bad_request"
	CodeTryAgain        = "try_again"
	CodeNeedsRecovery   = "needs_recovery"
)

// errorCode maps a domain error to its wire code.
func errorCode(err error) string {
	switch {
	case errors.Is(err, rpsgame.ErrSessionNotFound):
		return CodeNotFound
	case errors.Is(err, rpsgame.ErrAlreadyFull):
		return CodeAlreadyFull
	case errors.Is(err, rpsgame.ErrInvalidCurrency):
		return CodeInvalidCurrency
	case errors.Is(err, rpsgame.ErrWrongStatus):
		return CodeWrongStatus
	case errors.Is(err, rpsgame.ErrMoveAlreadySubmitted):
		return CodeDuplicateMove
	case errors.Is(err, rpsgame.ErrNoCommitment):
		return CodeNoCommitment
	case errors.Is(err, rpsgame.ErrRevealMismatch):
		return CodeRevealMismatch
	case errors.Is(err, rpsgame.ErrUnknownPlayer):
		return CodeUnknownPlayer
	case errors.Is(err, settlement.ErrNeedsManualRecovery):
		return CodeNeedsRecovery
	default:
		return CodeTryAgain
	}
}
