// Package ledger is the boundary to the public distributed ledger holding
// escrowed stakes. It knows how to derive escrow addresses, build and sign
// the program's transactions, decode the escrow account through a single
// typed pass, and watch escrow accounts for changes. The RPC client itself
// is an interface so settlement code can be driven against a fake.
package ledger

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/decred/dcrd/crypto/blake256"
)

// ErrAccountNotFound is returned when the ledger has no account at the
// requested address.
var ErrAccountNotFound = errors.New("ledger: account not found")

// Address is a 32-byte ledger account address. Player wallet addresses stay
// opaque strings throughout the system; Address is only used for derived
// escrow accounts, the program id and the service key.
type Address [32]byte

func (a Address) String() string { return hex.EncodeToString(a[:]) }

// IsZero reports whether the address is all zeroes.
func (a Address) IsZero() bool { return a == Address{} }

// ParseAddress decodes a 64-char hex address.
func ParseAddress(s string) (Address, error) {
	var a Address
	b, err := hex.DecodeString(s)
	if err != nil {
		return a, fmt.Errorf("bad address hex: %w", err)
	}
	if len(b) != len(a) {
		return a, fmt.Errorf("address must be %d bytes, got %d", len(a), len(b))
	}
	copy(a[:], b)
	return a, nil
}

// Signature is a 64-byte transaction signature.
type Signature [64]byte

func (s Signature) String() string { return hex.EncodeToString(s[:]) }

// ParseSignature decodes a 128-char hex signature.
func ParseSignature(str string) (Signature, error) {
	var s Signature
	b, err := hex.DecodeString(str)
	if err != nil {
		return s, fmt.Errorf("bad signature hex: %w", err)
	}
	if len(b) != len(s) {
		return s, fmt.Errorf("signature must be %d bytes, got %d", len(s), len(b))
	}
	copy(s[:], b)
	return s, nil
}

// BlockRef is the recent block reference a transaction is anchored to.
// Retried submissions must fetch a fresh one. The hash stays an opaque
// string; nothing here interprets it.
type BlockRef struct {
	Hash   string
	Height uint64
}

// RPC is the ledger client surface the settlement layer consumes. All calls
// are blocking network round trips; callers must not hold session locks
// across them.
type RPC interface {
	// SubmitTransaction broadcasts a serialized signed transaction and
	// returns its signature. A returned error does not guarantee the
	// transaction will not confirm later.
	SubmitTransaction(ctx context.Context, raw []byte) (Signature, error)
	// AccountData fetches the raw account bytes at addr plus the slot the
	// data was observed at. Returns ErrAccountNotFound for missing accounts.
	AccountData(ctx context.Context, addr Address) (data []byte, slot uint64, err error)
	// LatestBlockRef fetches the current block reference for transaction
	// construction.
	LatestBlockRef(ctx context.Context) (BlockRef, error)
	// ConfirmSignature returns the confirmation count for a submitted
	// signature, zero while still pending.
	ConfirmSignature(ctx context.Context, sig Signature) (uint32, error)
}

// escrowSeedTag domain-separates escrow address derivation.
var escrowSeedTag = []byte("rps/escrow/v1")

// DeriveEscrowAddress computes the deterministic escrow account address for
// a session: hash(tag || program || session id). The session id is the only
// variable seed, so anyone holding it can locate the escrow without a
// lookup table.
func DeriveEscrowAddress(program Address, sessionID string) Address {
	h := blake256.New()
	h.Write(escrowSeedTag)
	h.Write(program[:])
	h.Write([]byte(sessionID))
	var a Address
	copy(a[:], h.Sum(nil))
	return a
}
