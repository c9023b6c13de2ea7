// Package oracle discovers token metadata for auto-registration: decimals,
// symbol and the DEX pool the token is priced against.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
)

var ErrNoPool = errors.New("no pool found for token")

type TokenInfo struct {
	Chain       string
	Address     string
	Symbol      string
	Decimals    int32
	PoolAddress string
}

type PoolOracle interface {
	Lookup(ctx context.Context, chain, token string) (*TokenInfo, error)
}

// Router dispatches lookups to the oracle registered for each chain.
type Router struct {
	mu      sync.RWMutex
	byChain map[string]PoolOracle
}

var _ PoolOracle = (*Router)(nil)

func NewRouter() *Router {
	return &Router{byChain: make(map[string]PoolOracle)}
}

func (r *Router) Register(chain string, o PoolOracle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byChain[strings.ToLower(chain)] = o
}

func (r *Router) Lookup(ctx context.Context, chain, token string) (*TokenInfo, error) {
	r.mu.RLock()
	o, ok := r.byChain[strings.ToLower(chain)]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: no oracle for chain %s", ErrNoPool, chain)
	}
	return o.Lookup(ctx, chain, token)
}
