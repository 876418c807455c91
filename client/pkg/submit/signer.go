package submit

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/gagliardetto/solana-go"
	"github.com/mr-tron/base58"
)

// Signer identifies the key that pays for and authorizes a transaction.
// Concrete signers additionally implement one of the two signing call
// conventions below; integrations differ on which one their wallet bridge
// exposes, and the submitter supports both.
type Signer interface {
	PublicKey() solana.PublicKey
}

// TransactionSigner signs a whole assembled transaction.
type TransactionSigner interface {
	Signer
	SignTransaction(ctx context.Context, tx *solana.Transaction) (*solana.Transaction, error)
}

// MessageSigner signs the serialized transaction message and returns the raw
// signature in whatever encoding the wallet produced.
type MessageSigner interface {
	Signer
	SignMessage(ctx context.Context, message []byte) ([]byte, error)
}

// LocalSigner signs with an in-process private key. It implements both call
// conventions.
type LocalSigner struct {
	key solana.PrivateKey
}

// NewLocalSigner wraps a private key.
func NewLocalSigner(key solana.PrivateKey) *LocalSigner {
	return &LocalSigner{key: key}
}

func (s *LocalSigner) PublicKey() solana.PublicKey {
	return s.key.PublicKey()
}

func (s *LocalSigner) SignTransaction(ctx context.Context, tx *solana.Transaction) (*solana.Transaction, error) {
	_, err := tx.Sign(func(pk solana.PublicKey) *solana.PrivateKey {
		if pk.Equals(s.key.PublicKey()) {
			return &s.key
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to sign transaction: %w", err)
	}
	return tx, nil
}

func (s *LocalSigner) SignMessage(ctx context.Context, message []byte) ([]byte, error) {
	sig, err := s.key.Sign(message)
	if err != nil {
		return nil, fmt.Errorf("failed to sign message: %w", err)
	}
	return sig[:], nil
}

// NormalizeSignature converts whatever a signer returned into a canonical
// signature. Wallet bridges variously hand back the raw 64 bytes, a base58
// string, or a base64 string; all are accepted.
func NormalizeSignature(raw []byte) (solana.Signature, error) {
	if len(raw) == 64 {
		return solana.SignatureFromBytes(raw), nil
	}

	s := string(raw)
	if b, err := base58.Decode(s); err == nil && len(b) == 64 {
		return solana.SignatureFromBytes(b), nil
	}
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.URLEncoding, base64.RawStdEncoding} {
		if b, err := enc.DecodeString(s); err == nil && len(b) == 64 {
			return solana.SignatureFromBytes(b), nil
		}
	}

	return solana.Signature{}, fmt.Errorf("unrecognized signature encoding (%d bytes)", len(raw))
}
