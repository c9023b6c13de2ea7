package solana

import (
	"errors"
	"fmt"

	sol "github.com/gagliardetto/solana-go"

	"github.com/GoPolymarket/otcgate/internal/signer"
)

func ParsePubkey(s string) (sol.PublicKey, error) {
	pk, err := sol.PublicKeyFromBase58(s)
	if err != nil {
		return sol.PublicKey{}, fmt.Errorf("invalid solana pubkey %q: %w", s, err)
	}
	return pk, nil
}

// relayedTx is what the coordinator checks before forwarding a wallet-signed
// transaction: the static keys it loads and its first signature (the tx id).
type relayedTx struct {
	keys      sol.PublicKeySlice
	signature sol.Signature
}

// parseRelayed decodes a wire transaction, legacy or v0.
func parseRelayed(raw []byte) (*relayedTx, error) {
	tx, err := sol.TransactionFromBytes(raw)
	if err != nil {
		return nil, err
	}
	if len(tx.Signatures) == 0 || tx.Signatures[0].IsZero() {
		return nil, errors.New("transaction carries no signatures")
	}
	return &relayedTx{keys: tx.Message.AccountKeys, signature: tx.Signatures[0]}, nil
}

// signOperatorTx builds a legacy transaction around one instruction, paid
// for and signed by the operator.
func signOperatorTx(op *signer.SolanaSigner, blockhash sol.Hash, ix sol.Instruction) ([]byte, sol.Signature, error) {
	tx, err := sol.NewTransaction([]sol.Instruction{ix}, blockhash, sol.TransactionPayer(op.PublicKey()))
	if err != nil {
		return nil, sol.Signature{}, fmt.Errorf("build transaction: %w", err)
	}
	if _, err := tx.Sign(op.Key); err != nil {
		return nil, sol.Signature{}, fmt.Errorf("sign transaction: %w", err)
	}
	raw, err := tx.MarshalBinary()
	if err != nil {
		return nil, sol.Signature{}, fmt.Errorf("encode transaction: %w", err)
	}
	return raw, tx.Signatures[0], nil
}
