package signer

import (
	"crypto/ed25519"
	"fmt"
	"strings"

	"github.com/btcsuite/btcutil/base58"
	sol "github.com/gagliardetto/solana-go"
)

// SolanaSigner holds an ed25519 keypair in the usual Solana encoding
// (base58 of the 64-byte secret key, or of a 32-byte seed).
type SolanaSigner struct {
	key sol.PrivateKey
	pub sol.PublicKey
}

func NewSolanaSigner(secret string) (*SolanaSigner, error) {
	raw := base58.Decode(strings.TrimSpace(secret))
	var key sol.PrivateKey
	switch len(raw) {
	case ed25519.PrivateKeySize:
		key = sol.PrivateKey(raw)
		if err := key.Validate(); err != nil {
			return nil, fmt.Errorf("invalid solana secret key: %w", err)
		}
	case ed25519.SeedSize:
		key = sol.PrivateKey(ed25519.NewKeyFromSeed(raw))
	default:
		return nil, fmt.Errorf("invalid solana secret key length %d", len(raw))
	}
	return &SolanaSigner{key: key, pub: key.PublicKey()}, nil
}

func (s *SolanaSigner) PublicKey() sol.PublicKey {
	return s.pub
}

func (s *SolanaSigner) Address() string {
	return s.pub.String()
}

// Key hands the private key to solana-go's Transaction.Sign for the
// operator's own public key only.
func (s *SolanaSigner) Key(pub sol.PublicKey) *sol.PrivateKey {
	if !pub.Equals(s.pub) {
		return nil
	}
	return &s.key
}

func (s *SolanaSigner) Sign(message []byte) (sol.Signature, error) {
	return s.key.Sign(message)
}
