package oracle

import (
	"context"
	"encoding/base64"
	"fmt"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go/programs/token"
)

// RPC is satisfied by go-ethereum's rpc.Client.
type RPC interface {
	CallContext(ctx context.Context, result any, method string, args ...any) error
}

// SolanaMintOracle registers SPL tokens straight from their mint account.
// Solana consignments are priced by the program's own feed, so there is no
// pool to discover.
type SolanaMintOracle struct {
	rpc RPC
}

var _ PoolOracle = (*SolanaMintOracle)(nil)

func NewSolanaMintOracle(rpc RPC) *SolanaMintOracle {
	return &SolanaMintOracle{rpc: rpc}
}

func (o *SolanaMintOracle) Lookup(ctx context.Context, chain, mint string) (*TokenInfo, error) {
	var res struct {
		Value *struct {
			Data []string `json:"data"`
		} `json:"value"`
	}
	if err := o.rpc.CallContext(ctx, &res, "getAccountInfo", mint, map[string]any{"encoding": "base64"}); err != nil {
		return nil, err
	}
	if res.Value == nil || len(res.Value.Data) == 0 {
		return nil, fmt.Errorf("%w: mint %s not found", ErrNoPool, mint)
	}
	raw, err := base64.StdEncoding.DecodeString(res.Value.Data[0])
	if err != nil {
		return nil, fmt.Errorf("decode mint account: %w", err)
	}
	if len(raw) < token.MINT_SIZE {
		return nil, fmt.Errorf("%w: %s is not a mint account", ErrNoPool, mint)
	}
	var m token.Mint
	if err := bin.NewBinDecoder(raw).Decode(&m); err != nil {
		return nil, fmt.Errorf("decode mint account: %w", err)
	}
	if !m.IsInitialized {
		return nil, fmt.Errorf("%w: mint %s is not initialized", ErrNoPool, mint)
	}
	return &TokenInfo{
		Chain:    chain,
		Address:  mint,
		Decimals: int32(m.Decimals),
	}, nil
}
