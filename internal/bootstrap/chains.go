// Package bootstrap builds the chain-facing pieces shared by the server and
// the reconcile CLI.
package bootstrap

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/GoPolymarket/otcgate/internal/chain"
	"github.com/GoPolymarket/otcgate/internal/chain/evm"
	"github.com/GoPolymarket/otcgate/internal/chain/solana"
	"github.com/GoPolymarket/otcgate/internal/config"
	"github.com/GoPolymarket/otcgate/internal/oracle"
	"github.com/GoPolymarket/otcgate/internal/pkg/logger"
)

// DialChains connects every configured escrow deployment. A chain that fails
// to dial is left out; requests for it fail with FATAL_CONFIG.
func DialChains(ctx context.Context, cfg *config.Config) (*chain.Registry, *oracle.Router, map[string]bool) {
	awaiter := chain.AwaiterFromConfig(cfg.Confirm)
	chains := chain.NewRegistry()
	oracles := oracle.NewRouter()
	resetDetection := make(map[string]bool)

	for _, ch := range cfg.Chains {
		dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		var (
			a   chain.Adapter
			err error
		)
		switch ch.Family {
		case string(chain.FamilySolana):
			a, err = solana.Dial(dialCtx, ch, awaiter)
			if err == nil {
				if client, derr := rpc.DialContext(dialCtx, ch.RPCURL); derr == nil {
					oracles.Register(ch.Name, oracle.NewSolanaMintOracle(client))
				}
			}
		default:
			a, err = evm.Dial(dialCtx, ch, awaiter)
			if err == nil && ch.PoolFactory != "" {
				if client, derr := ethclient.DialContext(dialCtx, ch.RPCURL); derr == nil {
					if o, oerr := oracle.NewUniswapV3Oracle(client, ch.PoolFactory, ch.PoolQuoteToken); oerr == nil {
						oracles.Register(ch.Name, o)
					} else {
						logger.Warn("pool oracle disabled", "chain", ch.Name, "error", oerr)
					}
				}
			}
		}
		cancel()
		if err != nil {
			logger.Error("⚠️ Chain unavailable", "chain", ch.Name, "error", err)
			continue
		}
		chains.Register(a, ch.MinConfirmations)
		resetDetection[ch.Name] = ch.ResetDetection
		logger.Info("✅ Chain registered", "chain", ch.Name, "family", ch.Family)
	}
	return chains, oracles, resetDetection
}

// MaxSubmitAttempts is the largest per-chain retry budget; zero keeps the service default.
func MaxSubmitAttempts(cfg *config.Config) int {
	n := 0
	for _, ch := range cfg.Chains {
		n = max(n, ch.MaxSubmitAttempts)
	}
	return n
}
