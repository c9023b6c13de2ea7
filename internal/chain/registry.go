package chain

import (
	"encoding/base64"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/btcsuite/btcutil/base58"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/GoPolymarket/otcgate/internal/pkg/apperrors"
)

// Registry maps chain names to adapters.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
	minConf  map[string]uint64
}

func NewRegistry() *Registry {
	return &Registry{
		adapters: make(map[string]Adapter),
		minConf:  make(map[string]uint64),
	}
}

func (r *Registry) Register(a Adapter, minConfirmations uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := strings.ToLower(a.Name())
	r.adapters[name] = a
	if minConfirmations == 0 {
		minConfirmations = 1
	}
	r.minConf[name] = minConfirmations
}

// Get returns the adapter for chain or a FATAL_CONFIG error.
func (r *Registry) Get(chain string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[strings.ToLower(chain)]
	if !ok {
		return nil, apperrors.New(apperrors.ErrFatalConfig,
			fmt.Sprintf("chain %q is not configured", chain), ErrNotConfigured)
	}
	return a, nil
}

func (r *Registry) MinConfirmations(chain string) uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if n, ok := r.minConf[strings.ToLower(chain)]; ok {
		return n
	}
	return 1
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.adapters))
	for n := range r.adapters {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// ValidateAddress checks addr against the family's address format.
func ValidateAddress(family Family, addr string) error {
	switch family {
	case FamilyEVM:
		if !common.IsHexAddress(addr) || !strings.HasPrefix(addr, "0x") {
			return fmt.Errorf("invalid evm address %q", addr)
		}
	case FamilySolana:
		if len(base58.Decode(addr)) != 32 {
			return fmt.Errorf("invalid solana address %q", addr)
		}
	default:
		return fmt.Errorf("unknown chain family %q", family)
	}
	return nil
}

// NormalizeAddress lowercases EVM addresses; Solana addresses are case sensitive.
func NormalizeAddress(family Family, addr string) string {
	addr = strings.TrimSpace(addr)
	if family == FamilyEVM {
		return strings.ToLower(addr)
	}
	return addr
}

// DecodeSignedTx turns the wire form of a wallet-signed transaction into raw
// bytes: 0x-hex on EVM chains, base64 on Solana. An empty string yields nil.
func DecodeSignedTx(family Family, s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	if family == FamilySolana {
		raw, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, apperrors.NewInvalidRequest("signedTx must be base64")
		}
		return raw, nil
	}
	raw, err := hexutil.Decode(s)
	if err != nil {
		return nil, apperrors.NewInvalidRequest("signedTx must be 0x-prefixed hex")
	}
	return raw, nil
}
