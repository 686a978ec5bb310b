package ledger

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEscrowAccountCodec(t *testing.T) {
	in := &EscrowAccount{
		Version:          1,
		SessionID:        "a1b2c3d4e5f60718",
		Creator:          "7xKXtg2CW87d97TXJSDpbD5jBkheTqA83TZRuJosgAsU",
		Joiner:           "9aE476sH92Vz7DMPyq5WLcBz9vY6rPt5tgK3m2RJcLfz",
		StakeLamports:    30_000_000,
		Status:           EscrowActive,
		CreatorStaked:    true,
		JoinerStaked:     true,
		CommitCount:      2,
		RevealCount:      1,
		FeeLamports:      0,
		PayoutLamports:   0,
		ReferralLamports: 0,
	}
	out, err := DecodeEscrowAccount(EncodeEscrowAccount(in))
	require.NoError(t, err)
	require.Equal(t, in, out)
}

func TestDecodeEscrowAccountRejectsBadMagic(t *testing.T) {
	data := EncodeEscrowAccount(&EscrowAccount{Version: 1, SessionID: "s"})
	data[0] = 'X'
	_, err := DecodeEscrowAccount(data)
	require.Error(t, err)
}

func TestDecodeEscrowAccountRejectsTruncated(t *testing.T) {
	data := EncodeEscrowAccount(&EscrowAccount{
		Version:   1,
		SessionID: "a1b2c3d4e5f60718",
		Creator:   "7xKXtg2CW87d97TXJSDpbD5jBkheTqA83TZRuJosgAsU",
	})
	for _, n := range []int{3, 5, 10, len(data) - 1} {
		_, err := DecodeEscrowAccount(data[:n])
		require.Error(t, err, "prefix of %d bytes should not decode", n)
	}
}

func TestDecodeEscrowAccountRejectsUnknownVersion(t *testing.T) {
	data := EncodeEscrowAccount(&EscrowAccount{Version: 9, SessionID: "s"})
	_, err := DecodeEscrowAccount(data)
	require.Error(t, err)
}
