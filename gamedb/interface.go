// Package gamedb persists settlement state that must survive a restart:
// finalization progress per session and referral profiles. Live match state
// stays in memory; only money-adjacent records go through here.
package gamedb

import (
	"context"
	"errors"
	"time"
)

var (
	ErrRecordNotFound  = errors.New("record not found")
	ErrDuplicateRecord = errors.New("record already stored")
)

// FinalizationOutcome tracks how far settlement got for a session.
type FinalizationOutcome string

const (
	// OutcomeAttempting: a finalize transaction is in flight or will be
	// retried.
	OutcomeAttempting FinalizationOutcome = "attempting"
	// OutcomeSettled: funds moved, terminal.
	OutcomeSettled FinalizationOutcome = "settled"
	// OutcomeRefunded: the creator's stake was returned, terminal.
	OutcomeRefunded FinalizationOutcome = "refunded"
	// OutcomeFailedNeedsRecovery: retries exhausted, an operator or the
	// recovery scan must intervene.
	OutcomeFailedNeedsRecovery FinalizationOutcome = "failed-needs-recovery"
)

// Terminal reports whether the outcome will never change again.
func (o FinalizationOutcome) Terminal() bool {
	return o == OutcomeSettled || o == OutcomeRefunded
}

// FinalizationRecord is the durable trail of one session's settlement.
type FinalizationRecord struct {
	SessionID        string              `json:"session_id"`
	Escrow           string              `json:"escrow"`
	WinnerWallet     string              `json:"winner_wallet"`
	LoserWallet      string              `json:"loser_wallet"`
	StakeLamports    uint64              `json:"stake_lamports"`
	FeeLamports      uint64              `json:"fee_lamports"`
	PayoutLamports   uint64              `json:"payout_lamports"`
	ReferralLamports uint64              `json:"referral_lamports"`
	ReferrerWallet   string              `json:"referrer_wallet,omitempty"`
	Outcome          FinalizationOutcome `json:"outcome"`
	TxSignature      string              `json:"tx_signature,omitempty"`
	Attempts         int                 `json:"attempts"`
	LastError        string              `json:"last_error,omitempty"`
	CreatedAt        time.Time           `json:"created_at"`
	UpdatedAt        time.Time           `json:"updated_at"`
}

// ReferralProfile accumulates referral earnings per wallet.
type ReferralProfile struct {
	Wallet         string    `json:"wallet"`
	ReferrerWallet string    `json:"referrer_wallet,omitempty"`
	EarnedLamports uint64    `json:"earned_lamports"`
	MatchCount     uint64    `json:"match_count"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Store is the persistence surface the settlement layer consumes.
type Store interface {
	// CreateFinalization stores a new record; ErrDuplicateRecord if one
	// already exists for the session.
	CreateFinalization(ctx context.Context, rec *FinalizationRecord) error
	// FetchFinalization returns the record for a session, or
	// ErrRecordNotFound.
	FetchFinalization(ctx context.Context, sessionID string) (*FinalizationRecord, error)
	// UpdateFinalization mutates the record under a single transaction.
	UpdateFinalization(ctx context.Context, sessionID string, fn func(*FinalizationRecord) error) error
	// FetchByOutcome lists every record with the given outcome, for the
	// recovery scan.
	FetchByOutcome(ctx context.Context, outcome FinalizationOutcome) ([]*FinalizationRecord, error)

	// SetReferrer binds wallet to the referrer that recruited it. The first
	// binding wins; later calls with a different referrer are rejected with
	// ErrDuplicateRecord.
	SetReferrer(ctx context.Context, wallet, referrer string) error
	// FetchReferral returns the profile for wallet, or ErrRecordNotFound.
	FetchReferral(ctx context.Context, wallet string) (*ReferralProfile, error)
	// CreditReferral adds lamports to the referrer's running total.
	CreditReferral(ctx context.Context, referrer string, lamports uint64) error

	Close() error
}
