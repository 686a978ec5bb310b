package ledger

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func testAddress(b byte) Address {
	var a Address
	for i := range a {
		a[i] = b
	}
	return a
}

func TestDeriveEscrowAddressDeterministic(t *testing.T) {
	program := testAddress(0x11)
	a1 := DeriveEscrowAddress(program, "a1b2c3d4e5f60718")
	a2 := DeriveEscrowAddress(program, "a1b2c3d4e5f60718")
	require.Equal(t, a1, a2)
	require.False(t, a1.IsZero())

	other := DeriveEscrowAddress(program, "ffffffffffffffff")
	require.NotEqual(t, a1, other)

	otherProgram := DeriveEscrowAddress(testAddress(0x22), "a1b2c3d4e5f60718")
	require.NotEqual(t, a1, otherProgram)
}

func TestTransactionDigestCoversBlockRef(t *testing.T) {
	program := testAddress(0x11)
	escrow := DeriveEscrowAddress(program, "a1b2c3d4e5f60718")
	instr := RefundInstruction(program, escrow, "7xKXtg2CW87d97TXJSDpbD5jBkheTqA83TZRuJosgAsU")

	tx1 := &Transaction{
		Block:        BlockRef{Hash: "blockA", Height: 100},
		Payer:        testAddress(0x33),
		Instructions: []Instruction{instr},
	}
	tx2 := &Transaction{
		Block:        BlockRef{Hash: "blockB", Height: 101},
		Payer:        testAddress(0x33),
		Instructions: []Instruction{instr},
	}
	require.NotEqual(t, tx1.Digest(), tx2.Digest())
}

func TestTransactionSerializeRequiresSignature(t *testing.T) {
	tx := &Transaction{Block: BlockRef{Hash: "h", Height: 1}}
	_, err := tx.Serialize()
	require.Error(t, err)
}

func TestServiceKeySigning(t *testing.T) {
	key, err := NewServiceKey("6b9d4a8c1e2f30415263748596a7b8c9daebfc0d1e2f30415263748596a7b8c9")
	require.NoError(t, err)
	require.False(t, key.Address().IsZero())

	program := testAddress(0x11)
	escrow := DeriveEscrowAddress(program, "a1b2c3d4e5f60718")
	tx := &Transaction{
		Block: BlockRef{Hash: "h", Height: 7},
		Payer: key.Address(),
		Instructions: []Instruction{
			FinalizeInstruction(program, escrow,
				"7xKXtg2CW87d97TXJSDpbD5jBkheTqA83TZRuJosgAsU",
				"FeePlatform11111111111111111111111111111111",
				"", 58_200_000, 1_800_000, 0),
		},
	}
	require.NoError(t, key.Sign(tx))
	require.NotEqual(t, Signature{}, tx.Sig)

	raw, err := tx.Serialize()
	require.NoError(t, err)
	require.Equal(t, tx.Sig[:], raw[:64])
}

func TestNewServiceKeyRejectsBadInput(t *testing.T) {
	_, err := NewServiceKey("not-hex")
	require.Error(t, err)
	_, err = NewServiceKey("abcd")
	require.Error(t, err)
}
