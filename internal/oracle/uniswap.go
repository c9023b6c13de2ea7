package oracle

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// Fee tiers probed in order.
var FeeTiers = []uint32{500, 3000, 10000}

const lookupABI = `[
  {"type":"function","name":"getPool","stateMutability":"view",
   "inputs":[{"name":"tokenA","type":"address"},{"name":"tokenB","type":"address"},{"name":"fee","type":"uint24"}],
   "outputs":[{"name":"pool","type":"address"}]},
  {"type":"function","name":"decimals","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint8"}]},
  {"type":"function","name":"symbol","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"string"}]}
]`

// Caller is the read-only slice of ethclient the oracle needs.
type Caller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// UniswapV3Oracle finds the token/quote pool through a v3-style factory.
type UniswapV3Oracle struct {
	caller  Caller
	factory common.Address
	quote   common.Address
	abi     abi.ABI
}

var _ PoolOracle = (*UniswapV3Oracle)(nil)

func NewUniswapV3Oracle(caller Caller, factory, quoteToken string) (*UniswapV3Oracle, error) {
	if !common.IsHexAddress(factory) || !common.IsHexAddress(quoteToken) {
		return nil, fmt.Errorf("pool factory and quote token must be hex addresses")
	}
	parsed, err := abi.JSON(strings.NewReader(lookupABI))
	if err != nil {
		return nil, err
	}
	return &UniswapV3Oracle{
		caller:  caller,
		factory: common.HexToAddress(factory),
		quote:   common.HexToAddress(quoteToken),
		abi:     parsed,
	}, nil
}

func (o *UniswapV3Oracle) Lookup(ctx context.Context, chain, token string) (*TokenInfo, error) {
	if !common.IsHexAddress(token) {
		return nil, fmt.Errorf("%w: %s is not an EVM token", ErrNoPool, token)
	}
	tokenAddr := common.HexToAddress(token)

	var pool common.Address
	for _, fee := range FeeTiers {
		var out common.Address
		if err := o.call(ctx, o.factory, &out, "getPool", tokenAddr, o.quote, big.NewInt(int64(fee))); err != nil {
			return nil, fmt.Errorf("getPool(fee=%d): %w", fee, err)
		}
		if out != (common.Address{}) {
			pool = out
			break
		}
	}
	if pool == (common.Address{}) {
		return nil, fmt.Errorf("%w: %s on %s", ErrNoPool, token, chain)
	}

	var decimals uint8
	if err := o.call(ctx, tokenAddr, &decimals, "decimals"); err != nil {
		return nil, fmt.Errorf("decimals: %w", err)
	}
	info := &TokenInfo{
		Chain:       chain,
		Address:     strings.ToLower(tokenAddr.Hex()),
		Decimals:    int32(decimals),
		PoolAddress: strings.ToLower(pool.Hex()),
	}
	// symbol() is optional in ERC20
	var symbol string
	if err := o.call(ctx, tokenAddr, &symbol, "symbol"); err == nil {
		info.Symbol = symbol
	}
	return info, nil
}

func (o *UniswapV3Oracle) call(ctx context.Context, to common.Address, out any, method string, args ...any) error {
	data, err := o.abi.Pack(method, args...)
	if err != nil {
		return err
	}
	raw, err := o.caller.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return err
	}
	vals, err := o.abi.Unpack(method, raw)
	if err != nil {
		return err
	}
	if len(vals) != 1 {
		return fmt.Errorf("%s: unexpected output", method)
	}
	var ok bool
	switch dst := out.(type) {
	case *common.Address:
		*dst, ok = vals[0].(common.Address)
	case *uint8:
		*dst, ok = vals[0].(uint8)
	case *string:
		*dst, ok = vals[0].(string)
	}
	if !ok {
		return fmt.Errorf("%s: unexpected output type %T", method, vals[0])
	}
	return nil
}
