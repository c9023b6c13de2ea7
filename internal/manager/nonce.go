package manager

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/GoPolymarket/otcgate/internal/pkg/logger"
	"github.com/ethereum/go-ethereum/common"
)

// NonceSource is the part of ethclient the manager needs.
type NonceSource interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
}

// NonceManager hands out optimistic transaction nonces for operator accounts
// on one chain. The first request per address syncs from the pending pool.
type NonceManager struct {
	chain  string
	source NonceSource

	mu     sync.Mutex
	nonces map[common.Address]uint64
}

func NewNonceManager(chain string, source NonceSource) *NonceManager {
	return &NonceManager{
		chain:  chain,
		source: source,
		nonces: make(map[common.Address]uint64),
	}
}

// Next returns the nonce to use for the next transaction from addr.
func (m *NonceManager) Next(ctx context.Context, addr common.Address) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if nonce, ok := m.nonces[addr]; ok {
		return nonce, nil
	}

	// PendingNonceAt accounts for the mempool
	fetched, err := m.source.PendingNonceAt(ctx, addr)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch pending nonce: %w", err)
	}
	m.nonces[addr] = fetched
	return fetched, nil
}

// Increment advances the local nonce after a transaction was accepted by the node.
func (m *NonceManager) Increment(addr common.Address) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.nonces[addr]; ok {
		m.nonces[addr]++
	}
}

// Reset forces a re-sync from the chain.
// Call this on "nonce too low" or "replacement transaction underpriced".
func (m *NonceManager) Reset(ctx context.Context, addr common.Address) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	fetched, err := m.source.PendingNonceAt(ctx, addr)
	if err != nil {
		delete(m.nonces, addr)
		return err
	}
	m.nonces[addr] = fetched
	logger.Info("Reset TX nonce", "chain", m.chain, "address", addr.Hex(), "nonce", fetched)
	return nil
}

// Forget drops every cached nonce. Used after a chain reset.
func (m *NonceManager) Forget() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nonces = make(map[common.Address]uint64)
}

// IsNonceError reports node errors that mean the local nonce is stale.
func IsNonceError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "nonce too low") ||
		strings.Contains(msg, "nonce too high") ||
		strings.Contains(msg, "replacement transaction underpriced") ||
		strings.Contains(msg, "already known")
}
