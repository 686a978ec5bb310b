package ledger

import (
	"encoding/hex"
	"fmt"

	"github.com/decred/dcrd/crypto/blake256"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/schnorr"
)

// ServiceKey is the custodial key the settlement service signs finalize and
// refund transactions with. Players never sign through the service; only
// service-initiated transactions go through here.
type ServiceKey struct {
	priv *secp256k1.PrivateKey
	addr Address
}

// NewServiceKey parses a 32-byte hex-encoded private key.
func NewServiceKey(hexKey string) (*ServiceKey, error) {
	raw, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("decode service key: %w", err)
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("service key must be 32 bytes, got %d", len(raw))
	}
	priv := secp256k1.PrivKeyFromBytes(raw)
	return &ServiceKey{
		priv: priv,
		addr: blake256.Sum256(priv.PubKey().SerializeCompressed()),
	}, nil
}

// Address is the ledger account funded to pay transaction fees.
func (k *ServiceKey) Address() Address { return k.addr }

// Sign attaches the service signature to tx.
func (k *ServiceKey) Sign(tx *Transaction) error {
	digest := tx.Digest()
	sig, err := schnorr.Sign(k.priv, digest[:])
	if err != nil {
		return fmt.Errorf("sign transaction: %w", err)
	}
	copy(tx.Sig[:], sig.Serialize())
	return nil
}
