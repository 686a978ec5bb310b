package ledger

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// EscrowStatus is the lifecycle stage the on-chain program reports for an
// escrow account.
type EscrowStatus uint8

const (
	// EscrowAwaitingJoiner: the creator staked, the joiner has not.
	EscrowAwaitingJoiner EscrowStatus = iota
	// EscrowActive: both stakes are held, the match is in progress.
	EscrowActive
	// EscrowFinished: the program agrees the match is over and knows the
	// winner, but funds have not moved yet.
	EscrowFinished
	// EscrowSettled: payout, fee and referral transfers are done.
	EscrowSettled
	// EscrowRefunded: the creator's stake was returned before a match.
	EscrowRefunded
)

func (s EscrowStatus) String() string {
	switch s {
	case EscrowAwaitingJoiner:
		return "awaiting-joiner"
	case EscrowActive:
		return "active"
	case EscrowFinished:
		return "finished"
	case EscrowSettled:
		return "settled"
	case EscrowRefunded:
		return "refunded"
	}
	return fmt.Sprintf("escrow-status(%d)", uint8(s))
}

// EscrowAccount is the decoded on-chain escrow state. Only the fields the
// reconciler and finalizer actually read and write are modeled; the rest of
// the program's account is out of scope.
type EscrowAccount struct {
	Version          uint8
	SessionID        string
	Creator          string // wallet address, opaque
	Joiner           string // wallet address, empty until joined
	StakeLamports    uint64
	Status           EscrowStatus
	CreatorStaked    bool
	JoinerStaked     bool
	CommitCount      uint8
	RevealCount      uint8
	Winner           string // wallet address, empty until finished
	FeeLamports      uint64
	PayoutLamports   uint64
	ReferralLamports uint64
}

var escrowMagic = [4]byte{'R', 'P', 'S', 'E'}

const escrowVersion = 1

// decoder walks the account bytes once, accumulating the first error. All
// field reads after a failure are no-ops, so DecodeEscrowAccount stays a
// single linear pass with one error check at the end.
type decoder struct {
	r   *bytes.Reader
	err error
}

func (d *decoder) u8() uint8 {
	if d.err != nil {
		return 0
	}
	var b [1]byte
	_, d.err = io.ReadFull(d.r, b[:])
	return b[0]
}

func (d *decoder) u64() uint64 {
	if d.err != nil {
		return 0
	}
	var b [8]byte
	if _, d.err = io.ReadFull(d.r, b[:]); d.err != nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b[:])
}

func (d *decoder) bool() bool { return d.u8() != 0 }

func (d *decoder) str() string {
	if d.err != nil {
		return ""
	}
	var lb [2]byte
	if _, d.err = io.ReadFull(d.r, lb[:]); d.err != nil {
		return ""
	}
	n := binary.LittleEndian.Uint16(lb[:])
	b := make([]byte, n)
	if n > 0 {
		if _, d.err = io.ReadFull(d.r, b); d.err != nil {
			return ""
		}
	}
	return string(b)
}

// DecodeEscrowAccount decodes raw account bytes in one typed pass.
func DecodeEscrowAccount(data []byte) (*EscrowAccount, error) {
	if len(data) < len(escrowMagic)+1 {
		return nil, fmt.Errorf("escrow account too short: %d bytes", len(data))
	}
	if !bytes.Equal(data[:4], escrowMagic[:]) {
		return nil, fmt.Errorf("bad escrow account magic %x", data[:4])
	}

	d := &decoder{r: bytes.NewReader(data[4:])}
	acc := &EscrowAccount{}
	acc.Version = d.u8()
	acc.SessionID = d.str()
	acc.Creator = d.str()
	acc.Joiner = d.str()
	acc.StakeLamports = d.u64()
	acc.Status = EscrowStatus(d.u8())
	acc.CreatorStaked = d.bool()
	acc.JoinerStaked = d.bool()
	acc.CommitCount = d.u8()
	acc.RevealCount = d.u8()
	acc.Winner = d.str()
	acc.FeeLamports = d.u64()
	acc.PayoutLamports = d.u64()
	acc.ReferralLamports = d.u64()
	if d.err != nil {
		return nil, fmt.Errorf("decode escrow account: %w", d.err)
	}
	if acc.Version != escrowVersion {
		return nil, fmt.Errorf("unsupported escrow account version %d", acc.Version)
	}
	return acc, nil
}

// encoder is the writing counterpart of decoder, used by transaction data
// builders and by test fakes standing in for the on-chain program.
type encoder struct {
	buf bytes.Buffer
}

func (e *encoder) u8(v uint8) { e.buf.WriteByte(v) }

func (e *encoder) bool(v bool) {
	if v {
		e.buf.WriteByte(1)
		return
	}
	e.buf.WriteByte(0)
}

func (e *encoder) u64(v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	e.buf.Write(b[:])
}
func (e *encoder) str(s string) {
	var lb [2]byte
	binary.LittleEndian.PutUint16(lb[:], uint16(len(s)))
	e.buf.Write(lb[:])
	e.buf.WriteString(s)
}
func (e *encoder) raw(b []byte) { e.buf.Write(b) }

// EncodeEscrowAccount serializes an account in the program's layout.
func EncodeEscrowAccount(acc *EscrowAccount) []byte {
	e := &encoder{}
	e.raw(escrowMagic[:])
	e.u8(acc.Version)
	e.str(acc.SessionID)
	e.str(acc.Creator)
	e.str(acc.Joiner)
	e.u64(acc.StakeLamports)
	e.u8(uint8(acc.Status))
	e.bool(acc.CreatorStaked)
	e.bool(acc.JoinerStaked)
	e.u8(acc.CommitCount)
	e.u8(acc.RevealCount)
	e.str(acc.Winner)
	e.u64(acc.FeeLamports)
	e.u64(acc.PayoutLamports)
	e.u64(acc.ReferralLamports)
	return e.buf.Bytes()
}
