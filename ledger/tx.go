package ledger

import (
	"fmt"

	"github.com/decred/dcrd/crypto/blake256"
)

// InstructionKind selects the escrow program entry point an instruction
// invokes.
type InstructionKind uint8

const (
	InstrCommitMove InstructionKind = iota + 1
	InstrRevealMove
	InstrMarkAbandoned
	InstrFinalize
	InstrRefund
)

func (k InstructionKind) String() string {
	switch k {
	case InstrCommitMove:
		return "commit-move"
	case InstrRevealMove:
		return "reveal-move"
	case InstrMarkAbandoned:
		return "mark-abandoned"
	case InstrFinalize:
		return "finalize"
	case InstrRefund:
		return "refund"
	}
	return fmt.Sprintf("instruction(%d)", uint8(k))
}

// Instruction is a single escrow program invocation. Data carries the
// kind-specific payload already serialized in the program's layout.
type Instruction struct {
	Program Address
	Escrow  Address
	Kind    InstructionKind
	Data    []byte
}

// CommitMoveInstruction records a player's move digest on the escrow.
func CommitMoveInstruction(program, escrow Address, wallet string, digest [32]byte) Instruction {
	e := &encoder{}
	e.str(wallet)
	e.raw(digest[:])
	return Instruction{Program: program, Escrow: escrow, Kind: InstrCommitMove, Data: e.buf.Bytes()}
}

// RevealMoveInstruction opens a previously committed move.
func RevealMoveInstruction(program, escrow Address, wallet string, move uint8, nonce []byte) Instruction {
	e := &encoder{}
	e.str(wallet)
	e.u8(move)
	e.str(string(nonce))
	return Instruction{Program: program, Escrow: escrow, Kind: InstrRevealMove, Data: e.buf.Bytes()}
}

// MarkAbandonedInstruction tells the program a player deserted the match so
// the remaining player can be settled as the winner.
func MarkAbandonedInstruction(program, escrow Address, deserter string) Instruction {
	e := &encoder{}
	e.str(deserter)
	return Instruction{Program: program, Escrow: escrow, Kind: InstrMarkAbandoned, Data: e.buf.Bytes()}
}

// FinalizeInstruction releases the pot: payout to the winner, fee to the
// platform wallet and an optional referral cut.
func FinalizeInstruction(program, escrow Address, winner, platform, referrer string, payout, fee, referral uint64) Instruction {
	e := &encoder{}
	e.str(winner)
	e.str(platform)
	e.str(referrer)
	e.u64(payout)
	e.u64(fee)
	e.u64(referral)
	return Instruction{Program: program, Escrow: escrow, Kind: InstrFinalize, Data: e.buf.Bytes()}
}

// RefundInstruction returns the creator's stake from a match that never
// started.
func RefundInstruction(program, escrow Address, creator string) Instruction {
	e := &encoder{}
	e.str(creator)
	return Instruction{Program: program, Escrow: escrow, Kind: InstrRefund, Data: e.buf.Bytes()}
}

// Transaction bundles instructions under a recent block reference. The block
// hash anchors the transaction so stale submissions expire instead of landing
// twice.
type Transaction struct {
	Block        BlockRef
	Payer        Address
	Instructions []Instruction
	Sig          Signature
}

// SigningPayload serializes everything the payer signs over.
func (tx *Transaction) SigningPayload() []byte {
	e := &encoder{}
	e.str(tx.Block.Hash)
	e.u64(tx.Block.Height)
	e.raw(tx.Payer[:])
	e.u8(uint8(len(tx.Instructions)))
	for _, in := range tx.Instructions {
		e.raw(in.Program[:])
		e.raw(in.Escrow[:])
		e.u8(uint8(in.Kind))
		e.str(string(in.Data))
	}
	return e.buf.Bytes()
}

// Digest is the 32-byte hash the payer's key signs.
func (tx *Transaction) Digest() [32]byte {
	return blake256.Sum256(tx.SigningPayload())
}

// Serialize produces the raw bytes handed to RPC.SubmitTransaction. The
// signature must already be attached.
func (tx *Transaction) Serialize() ([]byte, error) {
	if tx.Sig == (Signature{}) {
		return nil, fmt.Errorf("transaction not signed")
	}
	e := &encoder{}
	e.raw(tx.Sig[:])
	e.raw(tx.SigningPayload())
	return e.buf.Bytes(), nil
}
