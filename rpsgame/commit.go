package rpsgame

import (
	"bytes"
	crand "crypto/rand"
	"fmt"

	"github.com/decred/dcrd/crypto/blake256"
)

// NonceSize is the required size of a commitment nonce in bytes.
const NonceSize = 32

// commitTag domain-separates move commitments from every other digest the
// system produces.
var commitTag = []byte("rps/commit/v1")

// Commitment computes the one-way commitment for a move. The digest binds
// the move byte and a caller-supplied random nonce so that neither side can
// change its move after seeing the opponent's commitment.
func Commitment(move Move, nonce []byte) ([32]byte, error) {
	var out [32]byte
	if len(nonce) != NonceSize {
		return out, fmt.Errorf("nonce must be %d bytes, got %d", NonceSize, len(nonce))
	}
	h := blake256.New()
	h.Write(commitTag)
	h.Write([]byte{byte(move)})
	h.Write(nonce)
	copy(out[:], h.Sum(nil))
	return out, nil
}

// NewCommitment draws a fresh random nonce and returns the commitment for
// the given move together with the nonce needed to reveal it later.
func NewCommitment(move Move) (digest [32]byte, nonce []byte, err error) {
	nonce = make([]byte, NonceSize)
	if _, err = crand.Read(nonce); err != nil {
		return digest, nil, fmt.Errorf("rand: %w", err)
	}
	digest, err = Commitment(move, nonce)
	return digest, nonce, err
}

// VerifyReveal reports whether move+nonce hash to the previously stored
// commitment digest.
func VerifyReveal(digest [32]byte, move Move, nonce []byte) bool {
	got, err := Commitment(move, nonce)
	if err != nil {
		return false
	}
	return bytes.Equal(got[:], digest[:])
}
