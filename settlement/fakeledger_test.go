package settlement

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"

	"github.com/leravalera4/rps-game/ledger"
)

// fakeLedger is an in-memory node plus escrow program for settlement tests.
// Submitted transactions are decoded and applied to the escrow accounts the
// way the real program would.
type fakeLedger struct {
	mu       sync.Mutex
	accounts map[ledger.Address]*ledger.EscrowAccount
	height   uint64

	// failSubmits makes the next N submissions fail before applying;
	// failFetches does the same for account reads.
	failSubmits int
	failFetches int
	submitted   []ledger.InstructionKind
	payloads    [][]byte
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{accounts: make(map[ledger.Address]*ledger.EscrowAccount), height: 100}
}

func (f *fakeLedger) setAccount(addr ledger.Address, acc *ledger.EscrowAccount) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accounts[addr] = acc
}

func (f *fakeLedger) account(addr ledger.Address) *ledger.EscrowAccount {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.accounts[addr]
}

func (f *fakeLedger) kinds() []ledger.InstructionKind {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ledger.InstructionKind(nil), f.submitted...)
}

func (f *fakeLedger) AccountData(ctx context.Context, addr ledger.Address) ([]byte, uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failFetches > 0 {
		f.failFetches--
		return nil, 0, errors.New("node unavailable")
	}
	acc, ok := f.accounts[addr]
	if !ok {
		return nil, 0, ledger.ErrAccountNotFound
	}
	return ledger.EncodeEscrowAccount(acc), f.height, nil
}

func (f *fakeLedger) LatestBlockRef(ctx context.Context) (ledger.BlockRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return ledger.BlockRef{Hash: "fake", Height: f.height}, nil
}

func (f *fakeLedger) ConfirmSignature(ctx context.Context, sig ledger.Signature) (uint32, error) {
	return 1, nil
}

func (f *fakeLedger) SubmitTransaction(ctx context.Context, raw []byte) (ledger.Signature, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSubmits > 0 {
		f.failSubmits--
		return ledger.Signature{}, errors.New("node unavailable")
	}
	f.height++
	for _, in := range parseInstructions(raw) {
		f.submitted = append(f.submitted, in.kind)
		f.payloads = append(f.payloads, in.data)
		f.apply(in)
	}
	var sig ledger.Signature
	sig[0] = byte(len(f.submitted))
	return sig, nil
}

// apply mimics the escrow program's state transitions.
func (f *fakeLedger) apply(in parsedInstr) {
	acc := f.accounts[in.escrow]
	if acc == nil {
		return
	}
	switch in.kind {
	case ledger.InstrCommitMove:
		acc.CommitCount++
	case ledger.InstrRevealMove:
		acc.RevealCount++
		acc.Status = ledger.EscrowFinished
		acc.Winner = readStr(in.data)
	case ledger.InstrMarkAbandoned:
		deserter := readStr(in.data)
		acc.Status = ledger.EscrowFinished
		if acc.Creator == deserter {
			acc.Winner = acc.Joiner
		} else {
			acc.Winner = acc.Creator
		}
	case ledger.InstrFinalize:
		acc.Status = ledger.EscrowSettled
	case ledger.InstrRefund:
		acc.Status = ledger.EscrowRefunded
	}
}

type parsedInstr struct {
	escrow ledger.Address
	kind   ledger.InstructionKind
	data   []byte
}

// parseInstructions walks the serialized transaction layout: 64-byte
// signature, block hash string, height, payer, then the instruction list.
func parseInstructions(raw []byte) []parsedInstr {
	off := 64
	off += 2 + int(binary.LittleEndian.Uint16(raw[off:])) // block hash
	off += 8                                              // height
	off += 32                                             // payer
	n := int(raw[off])
	off++
	out := make([]parsedInstr, 0, n)
	for i := 0; i < n; i++ {
		off += 32 // program
		var escrow ledger.Address
		copy(escrow[:], raw[off:off+32])
		off += 32
		kind := ledger.InstructionKind(raw[off])
		off++
		dlen := int(binary.LittleEndian.Uint16(raw[off:]))
		off += 2
		data := append([]byte(nil), raw[off:off+dlen]...)
		off += dlen
		out = append(out, parsedInstr{escrow: escrow, kind: kind, data: data})
	}
	return out
}

// readStr pulls the leading length-prefixed string out of instruction data.
func readStr(data []byte) string {
	n := int(binary.LittleEndian.Uint16(data))
	return string(data[2 : 2+n])
}
